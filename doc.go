//  Copyright 2023 Stealth Rocket, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package memtrace is a sampling-free memory profiler for a traced
// interpreted, reference-counted host language process. It intercepts
// every heap allocation and deallocation, attributes each event to a
// call stack mixing host-language and native frames, serializes the
// resulting event stream to a compact capture file, and reconstructs
// allocation timelines and high-water marks from it after the fact.
package memtrace

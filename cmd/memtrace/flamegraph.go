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

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/stealthrocket/memtrace"
)

// flamegraphCommand implements `memtrace flamegraph`: replays a capture
// through the high-water-mark aggregator (or, with --temporal, the
// allocation-lifetime aggregator; or, with --hwm-timeline, the HWM
// aggregator's per-location temporal variant) and writes the result as
// a pprof profile. --split-threads is accepted for CLI compatibility
// and has no effect: samples are neither split nor labeled by thread.
func flamegraphCommand(args []string) error {
	fs := pflag.NewFlagSet("flamegraph", pflag.ExitOnError)
	leaks := fs.Bool("leaks", false, "render bytes still live at stream end instead of the high-water mark")
	temporal := fs.Bool("temporal", false, "render the allocation-lifetime aggregation instead of the high-water mark")
	hwmTimeline := fs.Bool("hwm-timeline", false, "render each location's high-water-mark contribution across snapshots instead of a single peak value")
	splitThreads := fs.Bool("split-threads", false, "accepted for CLI compatibility; unused")
	output := fs.StringP("output", "o", "", "output file (default: <capture>.pprof)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = splitThreads

	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: memtrace flamegraph [flags] <capture>")
	}
	capture := rest[0]

	out := *output
	if out == "" {
		out = strings.TrimSuffix(capture, ".memtrace") + ".pprof"
	}

	r, err := memtrace.OpenReader(capture)
	if err != nil {
		return err
	}
	defer r.Close()

	anomalies := &memtrace.Anomalies{}
	hwm := memtrace.NewHWMAggregator(anomalies)
	lifetime := memtrace.NewLifetimeAggregator(anomalies)

	for {
		ev, err := r.Next()
		if err != nil {
			var partial *memtrace.PartialCaptureError
			if errors.Is(err, io.EOF) {
				break
			}
			if errors.As(err, &partial) {
				fmt.Fprintf(os.Stderr, "warning: %s\n", err)
				break
			}
			return err
		}

		switch e := ev.(type) {
		case memtrace.AllocationEvent:
			hwm.Process(e)
			lifetime.Process(e)
		case memtrace.MemorySnapshotEvent:
			hwm.ProcessSnapshot(e)
			lifetime.ProcessSnapshot(e)
		}
	}

	var prof interface{ Write(io.Writer) error }
	switch {
	case *hwmTimeline:
		prof = memtrace.ExportHWMTimelineProfile(hwm.LocationTimelines(), hwm, r.Frames())
	case *temporal:
		prof = memtrace.ExportLifetimeProfile(lifetime.Result(), lifetime, r.Frames())
	case *leaks:
		prof = memtrace.ExportLeaksProfile(hwm.Result(), hwm, r.Frames())
	default:
		prof = memtrace.ExportHWMProfile(hwm.Result(), hwm, r.Frames())
	}

	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("creating %s: %w", out, err)
	}
	defer f.Close()
	return prof.Write(f)
}

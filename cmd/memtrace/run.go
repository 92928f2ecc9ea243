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
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/stealthrocket/memtrace"
)

// runCommand implements `memtrace run`. Allocator-hook installation into
// an arbitrary host-language runtime is the host-language integration
// spec.md §9 calls out of scope, so this spawns the child and drives the
// Tracker's capture lifecycle around it; a real per-language frontend
// wires PushFrame/PopFrames and the Hooks() table's Dispatch into the
// Tracker this command builds by embedding it as a library instead of
// invoking it as a subprocess.
func runCommand(args []string) error {
	fs := pflag.NewFlagSet("run", pflag.ExitOnError)
	native := fs.Bool("native", false, "capture native call stacks on every allocation")
	followFork := fs.Bool("follow-fork", false, "continue tracking forked children (unsupported, accepted for CLI compatibility)")
	aggregate := fs.Bool("trace-host-allocators", false, "trace the host language's own allocator bookkeeping calls")
	output := fs.StringP("output", "o", "", "capture file path (default: <script>.memtrace)")
	aggregateFile := fs.Bool("aggregate", false, "mark the capture header as AGGREGATED_ALLOCATIONS (records are still written per event)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	_ = followFork

	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: memtrace run [flags] <script> [args...]")
	}
	script, scriptArgs := rest[0], rest[1:]

	path := *output
	if path == "" {
		path = filepath.Join(filepath.Dir(script), filepath.Base(script)+".memtrace")
	}

	format := memtrace.AllAllocations
	if *aggregateFile {
		format = memtrace.AggregatedAllocations
	}

	logger := newLogger()

	cmd := exec.Command(script, scriptArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", script, err)
	}

	tracker, err := memtrace.Start(path, memtrace.TrackerOptions{
		Overwrite:                   true,
		NativeTraces:                *native,
		FileFormat:                  format,
		PID:                         cmd.Process.Pid,
		CommandLine:                 append([]string{script}, scriptArgs...),
		TraceHostLanguageAllocators: *aggregate,
		SnapshotInterval:            10 * time.Millisecond,
		Logger:                      logger,
	})
	if err != nil {
		cmd.Process.Kill()
		return fmt.Errorf("starting capture: %w", err)
	}

	waitErr := cmd.Wait()
	if n := tracker.Anomalies().Count(memtrace.AnomalyUnknownFreeAddress); n > 0 {
		logger.Warn().Int("count", n).Msg("dropped frees with an unknown address")
	}
	if n := tracker.Anomalies().Count(memtrace.AnomalyUnknownMunmapRange); n > 0 {
		logger.Warn().Int("count", n).Msg("dropped munmaps of an unmapped range")
	}
	if err := tracker.Stop(); err != nil {
		return fmt.Errorf("closing capture: %w", err)
	}

	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		os.Exit(exitErr.ExitCode())
	}
	return waitErr
}

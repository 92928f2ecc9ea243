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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/stealthrocket/memtrace"
)

// parseCommand implements `memtrace parse`: a textual dump of every
// record in a capture, for debugging. Refuses to write a binary-grade
// firehose straight to an interactive terminal, matching the teacher's
// own `-pprof-addr`-style caution around dumping raw profiling data.
func parseCommand(args []string) error {
	fs := pflag.NewFlagSet("parse", pflag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) != 1 {
		return fmt.Errorf("usage: memtrace parse <capture>")
	}

	if isatty.IsTerminal(os.Stdout.Fd()) {
		return fmt.Errorf("refusing to dump a capture to a terminal; redirect stdout")
	}

	r, err := memtrace.OpenReader(rest[0])
	if err != nil {
		return err
	}
	defer r.Close()

	w := bufio.NewWriter(os.Stdout)
	defer w.Flush()

	fmt.Fprintf(w, "version=%d file_format=%s native_traces=%t pid=%d command_line=%q\n",
		r.Header.Version, r.Header.FileFormat, r.Header.NativeTraces, r.Header.PID, r.Header.CommandLine)

	var partial *memtrace.PartialCaptureError
	n := 0
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if ok := errors.As(err, &partial); ok {
				fmt.Fprintf(os.Stderr, "warning: %s\n", err)
				break
			}
			return err
		}
		n++
		printEvent(w, n, ev)
	}
	return nil
}

func printEvent(w io.Writer, n int, ev memtrace.Event) {
	switch e := ev.(type) {
	case memtrace.AllocationEvent:
		fmt.Fprintf(w, "%d ALLOCATION thread=%d kind=%s addr=%#x size=%d frames=%d native_frames=%d\n",
			n, e.ThreadID, e.Kind, e.Address, e.Size, len(e.Stack), len(e.NativeStack))
	case memtrace.MemorySnapshotEvent:
		fmt.Fprintf(w, "%d MEMORY_RECORD time_ms=%d rss=%d\n", n, e.TimeMs, e.RSSBytes)
	case memtrace.ThreadNameEvent:
		fmt.Fprintf(w, "%d THREAD_NAME thread=%d name=%q\n", n, e.ThreadID, e.Name)
	case memtrace.MemoryMapEvent:
		fmt.Fprintf(w, "%d MEMORY_MAP file=%q base=%#x segments=%d\n", n, e.Filename, e.BaseAddr, len(e.Segments))
	default:
		fmt.Fprintf(w, "%d %T\n", n, e)
	}
}

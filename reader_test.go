package memtrace

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeSampleCapture(t *testing.T, path string) *Recorder {
	t.Helper()

	sink, err := NewFileSink(path, true, Header{Version: FormatVersion, FileFormat: AllAllocations})
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	rec := NewRecorder(sink, RecorderOptions{})

	if err := rec.PushFrame(1, "main", CodeObject{Function: "f", File: "f.py", FirstLine: 1}, 0, true); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	if err := rec.RecordAllocation(1, Malloc, 0x1000, 128); err != nil {
		t.Fatalf("RecordAllocation: %v", err)
	}
	if err := rec.RecordDeallocation(1, Free, 0x1000); err != nil {
		t.Fatalf("RecordDeallocation: %v", err)
	}
	if err := rec.PopFrames(1, 1); err != nil {
		t.Fatalf("PopFrames: %v", err)
	}
	return rec
}

// Invariant 6 (round-trip, modulo frame-pop coalescing): writing a
// record stream and reading it back yields the same sequence of
// observable events.
func TestRecorderReaderRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.memtrace")

	rec := writeSampleCapture(t, path)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var allocs []AllocationEvent
	for {
		ev, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			if _, ok := err.(*PartialCaptureError); ok {
				t.Fatalf("unexpected partial capture on a cleanly closed file: %v", err)
			}
			t.Fatalf("Next: %v", err)
		}
		if a, ok := ev.(AllocationEvent); ok {
			allocs = append(allocs, a)
		}
	}

	if len(allocs) != 2 {
		t.Fatalf("replayed %d allocation events, want 2", len(allocs))
	}
	if allocs[0].Kind != Malloc || allocs[0].Size != 128 || allocs[0].Address != 0x1000 {
		t.Fatalf("allocs[0] = %+v, want malloc(0x1000, 128)", allocs[0])
	}
	if allocs[1].Kind != Free || allocs[1].Address != 0x1000 {
		t.Fatalf("allocs[1] = %+v, want free(0x1000)", allocs[1])
	}
	if len(allocs[0].Stack) != 1 || allocs[0].Stack[0].CodeID == NoFrame {
		t.Fatalf("allocs[0].Stack = %+v, want one resolved frame", allocs[0].Stack)
	}
}

// S6: truncating the last bytes of an otherwise valid capture still
// yields every record that fully parsed, followed by a partial-capture
// warning rather than a hard failure.
func TestReaderSurvivesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "capture.memtrace")

	rec := writeSampleCapture(t, path)
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) <= 17 {
		t.Fatalf("capture too small to truncate meaningfully: %d bytes", len(data))
	}
	if err := os.WriteFile(path, data[:len(data)-17], 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer r.Close()

	var nEvents int
	var gotPartial bool
	for {
		ev, err := r.Next()
		if err != nil {
			if _, ok := err.(*PartialCaptureError); ok {
				gotPartial = true
			}
			break
		}
		if ev != nil {
			nEvents++
		}
	}

	if !gotPartial {
		t.Fatal("reading a truncated capture should surface a *PartialCaptureError")
	}
	if nEvents == 0 {
		t.Fatal("every record that fully parsed before truncation should still be returned")
	}
}

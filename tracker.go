package memtrace

import (
	"time"

	"github.com/rs/zerolog"
)

// TrackerOptions configures a Tracker's capture.
type TrackerOptions struct {
	// Overwrite allows reusing an existing path.
	Overwrite bool
	// NativeTraces enables native call-stack capture on every
	// allocation event; no native stack is captured unless Unwinder is
	// also set. Symbolizer is not used by the Tracker.
	NativeTraces bool
	Unwinder     Unwinder
	Symbolizer   Symbolizer
	Boundary     BoundaryFunc
	FrameWalker  FrameWalker
	RSSSampler   RSSSampler

	SnapshotInterval time.Duration
	FileFormat       FileFormat

	HostLanguageVersion         string
	PID                         int
	MainThreadID                uint64
	CommandLine                 []string
	Allocator                   string
	TraceHostLanguageAllocators bool

	Logger zerolog.Logger
}

// Tracker is the top-level object wiring a FileSink, a Recorder, and a
// HookTable together for the duration of one capture. The only
// supported way to end a capture is to let its Tracker go out of scope
// and call Stop — there is no signal-driven or goroutine-leak shutdown
// path.
type Tracker struct {
	recorder *Recorder
	hooks    *HookTable
	started  time.Time
}

// Start opens path as a capture file and begins tracking. Returns a
// *SetupError (propagated from NewFileSink) if the file can't be
// created.
func Start(path string, opts TrackerOptions) (*Tracker, error) {
	format := opts.FileFormat
	if format == "" {
		format = AllAllocations
	}

	header := Header{
		Version:                     FormatVersion,
		HostLanguageVersion:         opts.HostLanguageVersion,
		NativeTraces:                opts.NativeTraces,
		FileFormat:                  format,
		NAllocations:                0,
		NFrames:                     0,
		StartTime:                   time.Now().Unix(),
		PID:                         opts.PID,
		MainThreadID:                opts.MainThreadID,
		CommandLine:                 opts.CommandLine,
		Allocator:                   opts.Allocator,
		TraceHostLanguageAllocators: opts.TraceHostLanguageAllocators,
	}

	sink, err := NewFileSink(path, opts.Overwrite, header)
	if err != nil {
		return nil, err
	}

	recorderOpts := RecorderOptions{
		SnapshotInterval: opts.SnapshotInterval,
		RSSSampler:       opts.RSSSampler,
		FrameWalker:      opts.FrameWalker,
		MaxNativeFrames:  64,
		Logger:           opts.Logger,
	}
	if opts.NativeTraces {
		recorderOpts.Unwinder = opts.Unwinder
		recorderOpts.Boundary = opts.Boundary
	}

	recorder := NewRecorder(sink, recorderOpts)

	return &Tracker{
		recorder: recorder,
		hooks:    recorder.Hooks(),
		started:  time.Now(),
	}, nil
}

// Hooks returns the HookTable allocator interception must call into.
func (t *Tracker) Hooks() *HookTable { return t.hooks }

// PushFrame, PopFrames, and SetThreadName forward to the underlying
// Recorder, letting callers avoid reaching past the Tracker.
func (t *Tracker) PushFrame(tid uint64, threadName string, code CodeObject, instrOffset uint32, isEntry bool) error {
	return t.recorder.PushFrame(tid, threadName, code, instrOffset, isEntry)
}

func (t *Tracker) PopFrames(tid uint64, n int) error {
	return t.recorder.PopFrames(tid, n)
}

func (t *Tracker) SetThreadName(tid uint64, name string) error {
	return t.recorder.SetThreadName(tid, name)
}

// WriteMemoryMap records the traced process's current memory mappings.
func (t *Tracker) WriteMemoryMap(maps []MemoryMapEvent) error {
	return t.recorder.WriteMemoryMap(maps)
}

// Anomalies returns the recorder's dropped-event counters.
func (t *Tracker) Anomalies() *Anomalies { return t.recorder.Anomalies() }

// Stop ends the capture: it stops the snapshot timer, flushes, writes
// the trailer, and closes the sink. It is the only supported shutdown
// path and is safe to call more than once.
func (t *Tracker) Stop() error {
	return t.recorder.Close()
}

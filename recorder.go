package memtrace

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RSSSampler supplies the traced process's current resident set size for
// periodic MEMORY_RECORD snapshots.
type RSSSampler interface {
	SampleRSSBytes() (uint64, error)
}

// defaultSnapshotInterval is how often the recorder samples RSS and
// emits a MEMORY_RECORD, absent an explicit RecorderOptions.SnapshotInterval.
const defaultSnapshotInterval = 10 * time.Millisecond

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	SnapshotInterval time.Duration
	RSSSampler       RSSSampler
	FrameWalker      FrameWalker
	Unwinder         Unwinder
	Boundary         BoundaryFunc
	MaxNativeFrames  int
	Logger           zerolog.Logger
}

// Recorder is the single writer of a capture's record stream. Every
// exported method is safe for concurrent use by multiple threads (as
// identified by their thread id); internally every write to the sink
// happens under one mutex so the stream stays a single well-ordered
// sequence of records.
type Recorder struct {
	mu sync.Mutex

	sink   Sink
	logger zerolog.Logger

	frames       *FrameInterner
	nativeStacks *NativeStackTable
	shadowStacks *ShadowStackTable

	threadNamed map[uint64]bool
	currentTID  uint64
	haveCurrent bool

	unwinder        Unwinder
	boundary        BoundaryFunc
	maxNativeFrames int
	nativeTraces    bool

	rssSampler RSSSampler
	ticker     *time.Ticker
	stopSnap   chan struct{}
	snapDone   chan struct{}

	anomalies Anomalies

	nAllocations uint64
	closed       bool
}

// NewRecorder constructs a Recorder writing to sink and, when
// opts.RSSSampler is set, starts the periodic RSS snapshot timer; with
// no sampler no MEMORY_RECORD is ever written. Callers obtain a
// HookTable via Hooks to wire allocator interception.
func NewRecorder(sink Sink, opts RecorderOptions) *Recorder {
	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = defaultSnapshotInterval
	}
	maxFrames := opts.MaxNativeFrames
	if maxFrames <= 0 {
		maxFrames = 64
	}

	r := &Recorder{
		sink:            sink,
		logger:          opts.Logger,
		frames:          NewFrameInterner(),
		nativeStacks:    NewNativeStackTable(),
		shadowStacks:    NewShadowStackTable(opts.FrameWalker),
		threadNamed:     make(map[uint64]bool),
		unwinder:        opts.Unwinder,
		boundary:        opts.Boundary,
		maxNativeFrames: maxFrames,
		nativeTraces:    opts.Unwinder != nil,
		rssSampler:      opts.RSSSampler,
		stopSnap:        make(chan struct{}),
		snapDone:        make(chan struct{}),
	}

	if r.rssSampler != nil {
		r.ticker = time.NewTicker(interval)
		go r.snapshotLoop()
	} else {
		close(r.snapDone)
	}

	return r
}

// Hooks returns a HookTable that reports allocator events to r.
func (r *Recorder) Hooks() *HookTable {
	return NewHookTable(r)
}

func (r *Recorder) snapshotLoop() {
	defer close(r.snapDone)
	for {
		select {
		case <-r.stopSnap:
			return
		case <-r.ticker.C:
			rss, err := r.rssSampler.SampleRSSBytes()
			if err != nil {
				r.logger.Warn().Err(err).Msg("rss sample failed")
				continue
			}
			if err := r.emitMemorySnapshot(rss); err != nil {
				r.logger.Warn().Err(err).Msg("writing memory record failed")
			}
		}
	}
}

func (r *Recorder) emitMemorySnapshot(rss uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.sink.WriteRecord(TagMemoryRecord, MemoryRecord{
		TimeMs:   uint64(time.Now().UnixMilli()),
		RSSBytes: rss,
	}); err != nil {
		return err
	}
	// A snapshot boundary is one of the three flush triggers: it bounds
	// how much of the stream a crash between snapshots can still lose to
	// one snapshot interval's worth of events, rather than whatever has
	// piled up since the last buffer-full flush.
	return r.sink.Flush()
}

// switchToLocked writes a CONTEXT_SWITCH record if tid differs from the
// last thread written to the stream. Caller holds r.mu.
func (r *Recorder) switchToLocked(tid uint64) error {
	if r.haveCurrent && r.currentTID == tid {
		return nil
	}
	if err := r.sink.WriteRecord(TagContextSwitch, ContextSwitchRecord{ThreadID: tid}); err != nil {
		return err
	}
	r.currentTID = tid
	r.haveCurrent = true
	return nil
}

// ensureThreadNamedLocked emits THREAD_NAME the first time a thread is
// seen with a non-empty name. Caller holds r.mu.
func (r *Recorder) ensureThreadNamedLocked(tid uint64, name string) error {
	if name == "" || r.threadNamed[tid] {
		return nil
	}
	r.threadNamed[tid] = true
	return r.sink.WriteRecord(TagThreadName, ThreadNameRecord{Name: name})
}

// PushFrame records a host-language call entering code at instrOffset.
// It interns code on first observation, emitting a CODE_OBJECT record,
// then always emits a FRAME_PUSH referencing the (possibly newly
// assigned) frame id.
func (r *Recorder) PushFrame(tid uint64, threadName string, code CodeObject, instrOffset uint32, isEntry bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	if err := r.switchToLocked(tid); err != nil {
		return err
	}
	if err := r.ensureThreadNamedLocked(tid, threadName); err != nil {
		return err
	}

	id, created := r.frames.InternCode(code)
	if created {
		if err := r.sink.WriteRecord(TagCodeObject, CodeObjectRecord{
			CodeID: id, Function: code.Function, File: code.File,
			LineTable: code.LineTable, FirstLine: code.FirstLine,
		}); err != nil {
			return err
		}
	}

	st, _ := r.shadowStacks.GetOrCreate(tid, threadName)
	st.Push(id, instrOffset, isEntry)

	return r.sink.WriteRecord(TagFramePush, FramePushRecord{CodeID: id, InstrOffset: instrOffset, IsEntry: isEntry})
}

// PopFrames records n host-language call returns on tid, splitting into
// chained FRAME_POP continuations of at most maxPopCount each.
func (r *Recorder) PopFrames(tid uint64, n int) error {
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	if err := r.switchToLocked(tid); err != nil {
		return err
	}

	st, ok := r.shadowStacks.Get(tid)
	if !ok {
		return nil
	}
	if err := st.Pop(n); err != nil {
		return err
	}

	for n > 0 {
		chunk := n
		if chunk > maxPopCount {
			chunk = maxPopCount
		}
		if err := r.sink.WriteRecord(TagFramePop, FramePopRecord{Count: uint8(chunk)}); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// SetThreadName writes a THREAD_NAME record for tid right away, if tid
// has not been named before. Once a thread has a name, later names for
// it (here or via PushFrame) are not recorded.
func (r *Recorder) SetThreadName(tid uint64, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	if err := r.switchToLocked(tid); err != nil {
		return err
	}
	return r.ensureThreadNamedLocked(tid, name)
}

func (r *Recorder) captureNativeStackLocked() NativeStackID {
	if r.unwinder == nil {
		return 0
	}
	stack := Capture(r.unwinder, r.boundary, r.maxNativeFrames)
	if len(stack) == 0 {
		return 0
	}

	ids := make([]uint32, len(stack))
	newIPs := make([]NativeFrameIDRecord, 0)
	for i, ip := range stack {
		id, created := r.frames.InternIP(ip)
		ids[i] = uint32(id)
		if created {
			newIPs = append(newIPs, NativeFrameIDRecord{IP: ip, Index: uint32(id)})
		}
	}

	stackID, created := r.nativeStacks.Intern(stack)
	if !created {
		return stackID
	}

	for _, rec := range newIPs {
		_ = r.sink.WriteRecord(TagNativeFrameID, rec)
	}
	_ = r.sink.WriteRecord(TagNativeStack, NativeStackRecord{StackID: stackID, FrameIDs: ids})
	return stackID
}

// RecordAllocation implements EventRecorder for a non-range allocator.
func (r *Recorder) RecordAllocation(tid uint64, kind AllocatorKind, address, size uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	if err := r.switchToLocked(tid); err != nil {
		return err
	}

	nsid := r.captureNativeStackLocked()
	r.nAllocations++

	return r.sink.WriteRecord(TagAllocation, AllocationRecord{
		Address: address, Size: size, Kind: kind, NativeStackID: nsid,
	})
}

// RecordDeallocation implements EventRecorder for free-style hooks.
// Size is unknown at the hook site; aggregators resolve it against the
// matching allocation's recorded size.
func (r *Recorder) RecordDeallocation(tid uint64, kind AllocatorKind, address uint64) error {
	return r.RecordAllocation(tid, kind, address, 0)
}

// RecordRangeMap implements EventRecorder for mmap-style hooks.
func (r *Recorder) RecordRangeMap(tid uint64, address, length uint64) error {
	return r.RecordAllocation(tid, Mmap, address, length)
}

// RecordRangeUnmap implements EventRecorder for munmap-style hooks.
func (r *Recorder) RecordRangeUnmap(tid uint64, address, length uint64) error {
	return r.RecordAllocation(tid, Munmap, address, length)
}

// WriteMemoryMap emits one MEMORY_MAP_START section describing the
// traced process's loaded segments, typically called once at teardown.
func (r *Recorder) WriteMemoryMap(maps []MemoryMapEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}

	if err := r.sink.WriteRecord(TagMemoryMapStart, MemoryMapStartRecord{}); err != nil {
		return err
	}
	for _, m := range maps {
		if err := r.sink.WriteRecord(TagSegmentHeader, SegmentHeaderRecord{
			Filename: m.Filename, BaseAddr: m.BaseAddr, SegmentCount: uint32(len(m.Segments)),
		}); err != nil {
			return err
		}
		for _, seg := range m.Segments {
			if err := r.sink.WriteRecord(TagSegment, seg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Anomalies returns the recorder's dropped-event counters.
func (r *Recorder) Anomalies() *Anomalies { return &r.anomalies }

// Close stops the snapshot timer, flushes, writes the trailer, and
// closes the underlying sink. It is idempotent.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stopSnap)
		<-r.snapDone
	} else {
		<-r.snapDone
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.sink.WriteRecord(TagTrailer, TrailerRecord{}); err != nil {
		return err
	}
	if err := r.sink.Flush(); err != nil {
		return err
	}
	return r.sink.Close()
}

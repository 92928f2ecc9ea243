package memtrace

import (
	"fmt"
	"sync"
)

// ShadowFrame is a single entry on a ThreadStack: the code object
// currently executing, the instruction offset within it, and whether
// this frame marks a boundary between host-language and native code.
type ShadowFrame struct {
	CodeID       FrameID
	InstrOffset  uint32
	IsEntryFrame bool
}

// ThreadStack is the ordered sequence of ShadowFrame a single thread has
// pushed. Each thread owns exactly one, and it is mutated only by the
// owning thread, so ThreadStack itself carries no internal locking.
type ThreadStack struct {
	ID     uint64
	Name   string
	frames []ShadowFrame
}

// Push appends a frame onto the stack.
func (t *ThreadStack) Push(codeID FrameID, instrOffset uint32, isEntry bool) {
	t.frames = append(t.frames, ShadowFrame{CodeID: codeID, InstrOffset: instrOffset, IsEntryFrame: isEntry})
}

// Pop removes the top n frames. It returns an error if n exceeds the
// current depth: at read time this is a corrupt-capture condition, but
// at record time on the live stack it indicates a tracer bug and is
// reported rather than panicking.
func (t *ThreadStack) Pop(n int) error {
	if n <= 0 {
		return fmt.Errorf("memtrace: invalid pop count %d", n)
	}
	if n > len(t.frames) {
		return fmt.Errorf("memtrace: pop underflow: depth=%d count=%d", len(t.frames), n)
	}
	t.frames = t.frames[:len(t.frames)-n]
	return nil
}

// Depth returns the current number of live frames.
func (t *ThreadStack) Depth() int {
	return len(t.frames)
}

// Frames returns the live frames, innermost last. The returned slice
// aliases internal storage and must not be retained past the next
// mutating call.
func (t *ThreadStack) Frames() []ShadowFrame {
	return t.frames
}

// Clone returns an independent copy of the stack's frames, safe to keep
// around (e.g. attached to an allocation event) after further pushes or
// pops.
func (t *ThreadStack) Clone() []ShadowFrame {
	out := make([]ShadowFrame, len(t.frames))
	copy(out, t.frames)
	return out
}

// replace atomically swaps the full frame list, used by SwitchStack to
// migrate a logical call stack across a cooperative task switch.
func (t *ThreadStack) replace(frames []ShadowFrame) {
	t.frames = frames
}

// FrameWalker is the host collaborator capability used to seed a shadow
// stack lazily: when a thread's first allocation is observed before its
// stack was initialized (e.g. the thread existed before tracking
// started), the tracer asks the host to walk its live frame chain,
// innermost frame first.
type FrameWalker interface {
	// WalkLiveFrames returns the frames currently live on the given
	// thread, ordered outermost-first (ready to push onto a
	// ThreadStack in that order).
	WalkLiveFrames(threadID uint64) []ShadowFrame
}

// ShadowStackTable owns one ThreadStack per observed thread id. Creation
// on first observation of a thread is the only operation requiring the
// shared lock; all other access goes through the *ThreadStack returned
// by GetOrCreate, which is safe because only the owning thread calls
// into it.
type ShadowStackTable struct {
	mu     sync.Mutex
	stacks map[uint64]*ThreadStack
	walker FrameWalker
}

// NewShadowStackTable constructs an empty table. walker may be nil, in
// which case newly observed threads start with an empty stack instead of
// being seeded from a live frame chain.
func NewShadowStackTable(walker FrameWalker) *ShadowStackTable {
	return &ShadowStackTable{
		stacks: make(map[uint64]*ThreadStack),
		walker: walker,
	}
}

// GetOrCreate returns the ThreadStack for tid, lazily allocating and
// seeding one on first observation.
func (s *ShadowStackTable) GetOrCreate(tid uint64, name string) (stack *ThreadStack, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.stacks[tid]; ok {
		return st, false
	}

	st := &ThreadStack{ID: tid, Name: name}
	if s.walker != nil {
		if seed := s.walker.WalkLiveFrames(tid); len(seed) > 0 {
			st.frames = seed
		}
	}
	s.stacks[tid] = st
	return st, true
}

// Get returns the ThreadStack for tid without creating it.
func (s *ShadowStackTable) Get(tid uint64) (*ThreadStack, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.stacks[tid]
	return st, ok
}

// SwitchStack installs frames as newTid's stack and empties oldTid's
// stack, atomically, to follow cooperative task switching
// (coroutines/greenlets).
func (s *ShadowStackTable) SwitchStack(oldTid, newTid uint64, frames []ShadowFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stacks[newTid]
	if !ok {
		st = &ThreadStack{ID: newTid}
		s.stacks[newTid] = st
	}
	st.replace(frames)

	if old, ok := s.stacks[oldTid]; ok {
		old.replace(nil)
	}
}

// Threads returns the ids of every thread observed so far, in no
// particular order.
func (s *ShadowStackTable) Threads() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.stacks))
	for id := range s.stacks {
		ids = append(ids, id)
	}
	return ids
}

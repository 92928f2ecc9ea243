package memtrace

import "testing"

func TestThreadStackPushPopDepth(t *testing.T) {
	st := &ThreadStack{ID: 1}

	st.Push(1, 0, false)
	st.Push(2, 4, false)
	st.Push(3, 8, true)

	if got := st.Depth(); got != 3 {
		t.Fatalf("Depth() = %d, want 3", got)
	}

	if err := st.Pop(2); err != nil {
		t.Fatalf("Pop(2) = %v, want no error", err)
	}
	if got := st.Depth(); got != 1 {
		t.Fatalf("Depth() after pop = %d, want 1", got)
	}
}

// Invariant 1: a pop exceeding the current depth is rejected rather than
// silently going negative.
func TestThreadStackPopUnderflow(t *testing.T) {
	st := &ThreadStack{ID: 1}
	st.Push(1, 0, false)

	if err := st.Pop(2); err == nil {
		t.Fatal("Pop(2) on a 1-deep stack should fail, got nil error")
	}
	if got := st.Depth(); got != 1 {
		t.Fatalf("Depth() after failed pop = %d, want unchanged at 1", got)
	}
}

func TestShadowStackTableSeedsFromFrameWalker(t *testing.T) {
	seed := []ShadowFrame{{CodeID: 1}, {CodeID: 2}}
	walker := frameWalkerFunc(func(tid uint64) []ShadowFrame { return seed })

	table := NewShadowStackTable(walker)
	st, created := table.GetOrCreate(42, "worker")
	if !created {
		t.Fatal("GetOrCreate on an unseen thread id should report created=true")
	}
	if got := st.Depth(); got != len(seed) {
		t.Fatalf("Depth() = %d, want %d (seeded from the frame walker)", got, len(seed))
	}
}

func TestShadowStackTableSwitchStackMovesFrames(t *testing.T) {
	table := NewShadowStackTable(nil)
	old, _ := table.GetOrCreate(1, "")
	old.Push(7, 0, false)

	table.SwitchStack(1, 2, old.Clone())

	moved, ok := table.Get(2)
	if !ok || moved.Depth() != 1 {
		t.Fatalf("thread 2's stack after switch = %+v, %v, want depth 1", moved, ok)
	}
	remaining, ok := table.Get(1)
	if !ok || remaining.Depth() != 0 {
		t.Fatalf("thread 1's stack after switch = %+v, %v, want depth 0", remaining, ok)
	}
}

type frameWalkerFunc func(tid uint64) []ShadowFrame

func (f frameWalkerFunc) WalkLiveFrames(tid uint64) []ShadowFrame { return f(tid) }

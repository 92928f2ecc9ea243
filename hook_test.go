package memtrace

import "testing"

type fakeRecorder struct {
	allocs   []string
	deallocs []string
	maps     []string
	unmaps   []string
}

func (f *fakeRecorder) RecordAllocation(tid uint64, kind AllocatorKind, address, size uint64) error {
	f.allocs = append(f.allocs, kind.String())
	return nil
}

func (f *fakeRecorder) RecordDeallocation(tid uint64, kind AllocatorKind, address uint64) error {
	f.deallocs = append(f.deallocs, kind.String())
	return nil
}

func (f *fakeRecorder) RecordRangeMap(tid uint64, address, length uint64) error {
	f.maps = append(f.maps, "range")
	return nil
}

func (f *fakeRecorder) RecordRangeUnmap(tid uint64, address, length uint64) error {
	f.unmaps = append(f.unmaps, "range")
	return nil
}

func TestHookTableDispatchMalloc(t *testing.T) {
	rec := &fakeRecorder{}
	h := NewHookTable(rec)

	if err := h.Dispatch(1, Malloc, [2]uint64{128, 0}, 0xdead); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(rec.allocs) != 1 || rec.allocs[0] != "malloc" {
		t.Fatalf("allocs = %v, want one malloc", rec.allocs)
	}
}

func TestHookTableDispatchFree(t *testing.T) {
	rec := &fakeRecorder{}
	h := NewHookTable(rec)

	if err := h.DispatchFree(1, Free, 0xdead); err != nil {
		t.Fatalf("DispatchFree: %v", err)
	}
	if len(rec.deallocs) != 1 || rec.deallocs[0] != "free" {
		t.Fatalf("deallocs = %v, want one free", rec.deallocs)
	}
}

func TestHookTableDispatchMmapMunmap(t *testing.T) {
	rec := &fakeRecorder{}
	h := NewHookTable(rec)

	if err := h.Dispatch(1, Mmap, [2]uint64{0, 4096}, 0x1000); err != nil {
		t.Fatalf("Dispatch mmap: %v", err)
	}
	if len(rec.maps) != 1 {
		t.Fatalf("maps = %v, want one entry", rec.maps)
	}
	if err := h.Dispatch(1, Munmap, [2]uint64{0x1000, 4096}, 0); err != nil {
		t.Fatalf("Dispatch munmap: %v", err)
	}
	if len(rec.unmaps) != 1 {
		t.Fatalf("unmaps = %v, want one entry", rec.unmaps)
	}
}

// The reentrancy guard must suppress a nested Dispatch call that happens
// while the outer call's release function hasn't run yet (e.g. because the
// recorder itself allocates).
func TestHookTableDispatchSuppressesReentrantCall(t *testing.T) {
	rec := &fakeRecorder{}
	h := NewHookTable(rec)

	release := h.guard.Acquire(1)
	defer release()

	if err := h.Dispatch(1, Malloc, [2]uint64{128, 0}, 0xdead); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(rec.allocs) != 0 {
		t.Fatalf("allocs = %v, want none while tracking is suppressed", rec.allocs)
	}
}

func TestGuardTableAcquireRelease(t *testing.T) {
	g := NewGuardTable()
	if !g.Enabled(1) {
		t.Fatalf("a thread never seen before must default to enabled")
	}
	release := g.Acquire(1)
	if g.Enabled(1) {
		t.Fatalf("Enabled must be false while the guard is held")
	}
	release()
	if !g.Enabled(1) {
		t.Fatalf("Enabled must be restored to true after release")
	}
}

func TestGuardTablePerThread(t *testing.T) {
	g := NewGuardTable()
	release := g.Acquire(1)
	defer release()

	if !g.Enabled(2) {
		t.Fatalf("acquiring thread 1's guard must not affect thread 2")
	}
}

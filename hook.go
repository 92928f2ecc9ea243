package memtrace

// EventRecorder is the narrow slice of Recorder the hook layer depends
// on, kept as an interface so hooks can be tested without a real sink.
type EventRecorder interface {
	RecordAllocation(tid uint64, kind AllocatorKind, address, size uint64) error
	RecordDeallocation(tid uint64, kind AllocatorKind, address uint64) error
	RecordRangeMap(tid uint64, address, length uint64) error
	RecordRangeUnmap(tid uint64, address, length uint64) error
}

// HookTable is the single entry point every installed allocator hook
// calls into. It owns the reentrancy guard and converts raw
// (kind, args, result) triples coming off the intercepted symbol into a
// single typed call against the Recorder.
type HookTable struct {
	guard    *GuardTable
	recorder EventRecorder
}

// NewHookTable builds a HookTable writing through to recorder.
func NewHookTable(recorder EventRecorder) *HookTable {
	return &HookTable{guard: NewGuardTable(), recorder: recorder}
}

// Dispatch is called by an installed hook immediately after the real
// allocator ran. args holds the raw argument words relevant to size
// computation (see allocatorAdapter); result is the pointer the real
// allocator returned, or the address being freed for a deallocator.
//
// Dispatch is a no-op, returning nil, when tracking is currently
// disabled for tid — either because the thread is inside its own
// reentrant guard window, or because the caller suspended tracking
// explicitly.
func (h *HookTable) Dispatch(tid uint64, kind AllocatorKind, args [2]uint64, result uint64) error {
	if !h.guard.Enabled(tid) {
		return nil
	}
	release := h.guard.Acquire(tid)
	defer release()

	switch {
	case kind.IsRangeAllocator() && !kind.IsDeallocator():
		addr, length := args[0], args[1]
		if addr == 0 {
			addr = result
		}
		return h.recorder.RecordRangeMap(tid, addr, length)

	case kind.IsRangeAllocator():
		addr := args[0]
		length := args[1]
		return h.recorder.RecordRangeUnmap(tid, addr, length)

	case kind.IsDeallocator():
		return h.recorder.RecordDeallocation(tid, kind, result)

	default:
		adapter := adapterFor(kind)
		size := adapter.size(args, result)
		return h.recorder.RecordAllocation(tid, kind, result, size)
	}
}

// DispatchFree is a convenience entry point for the common single-address
// deallocator hooks (free, pymalloc free); munmap goes through Dispatch
// directly since it additionally needs a length.
func (h *HookTable) DispatchFree(tid uint64, kind AllocatorKind, address uint64) error {
	return h.Dispatch(tid, kind, [2]uint64{}, address)
}

package memtrace

import "sync"

// GuardTable is the per-thread reentrancy guard: hooks must disable
// tracking on the calling thread for the duration of record_event,
// otherwise the recorder's own allocations (or the allocations made by
// logging, locking, etc.) would recurse back into the hook layer.
//
// Go has no native thread-local storage, so GuardTable keys the flag by
// thread id (the same id used for ThreadStack) instead of relying on
// goroutine-local storage, which does not exist in the language.
type GuardTable struct {
	mu       sync.Mutex
	tracking map[uint64]bool
}

// NewGuardTable constructs an empty table; every thread id defaults to
// "tracking enabled" until explicitly suppressed.
func NewGuardTable() *GuardTable {
	return &GuardTable{tracking: make(map[uint64]bool)}
}

// Enabled reports whether hook instrumentation should run for tid. It
// defaults to true for threads never seen before.
func (g *GuardTable) Enabled(tid uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	enabled, seen := g.tracking[tid]
	return !seen || enabled
}

// Acquire disables tracking for tid and returns a release function that
// must be deferred immediately so the flag is restored on every exit
// path.
func (g *GuardTable) Acquire(tid uint64) (release func()) {
	g.mu.Lock()
	g.tracking[tid] = false
	g.mu.Unlock()

	return func() {
		g.mu.Lock()
		g.tracking[tid] = true
		g.mu.Unlock()
	}
}

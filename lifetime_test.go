package memtrace

import "testing"

// S4: two allocations at the same location, made in different
// snapshots, both freed together in a later snapshot. The cohort key
// includes start_snapshot, so these never merge into one interval even
// though they share an end_snapshot — bloomberg/memray's own
// allocation-lifetime-aggregator test for the equivalent sequence
// (test_allocations_from_same_location_and_different_snapshots_freed_in_one_snapshot)
// asserts the same two-interval outcome.
func TestLifetimeAggregatorCohortsBySnapshotPair(t *testing.T) {
	agg := NewLifetimeAggregator(nil)

	const size1, size2 = 100, 200

	agg.Process(AllocationEvent{Address: 1, Size: size1, Kind: Malloc, Stack: frameStack(1)}) // snapshot 0
	agg.ProcessSnapshot(MemorySnapshotEvent{})
	agg.Process(AllocationEvent{Address: 2, Size: size2, Kind: Malloc, Stack: frameStack(1)}) // snapshot 1
	agg.ProcessSnapshot(MemorySnapshotEvent{})
	agg.Process(AllocationEvent{Address: 1, Kind: Free, Stack: frameStack(1)}) // snapshot 2
	agg.Process(AllocationEvent{Address: 2, Kind: Free, Stack: frameStack(1)})

	result := agg.Result()
	if len(result.Freed) != 2 {
		t.Fatalf("Freed = %v, want two intervals (different start_snapshot)", result.Freed)
	}

	byStart := make(map[int]Interval, len(result.Freed))
	for _, iv := range result.Freed {
		byStart[iv.StartSnapshot] = iv
	}

	if iv, ok := byStart[0]; !ok || iv.EndSnapshot != 2 || iv.Allocations != 1 || iv.Bytes != size1 {
		t.Fatalf("Freed[start=0] = %+v, ok=%v, want Interval(0, 2, 1, %d)", iv, ok, size1)
	}
	if iv, ok := byStart[1]; !ok || iv.EndSnapshot != 2 || iv.Allocations != 1 || iv.Bytes != size2 {
		t.Fatalf("Freed[start=1] = %+v, ok=%v, want Interval(1, 2, 1, %d)", iv, ok, size2)
	}
	if len(result.Leaked) != 0 {
		t.Fatalf("Leaked = %v, want none", result.Leaked)
	}
}

// Invariant 4: the lifetime aggregator never reports an interval whose
// start_snapshot == end_snapshot — an allocation freed within the same
// inter-snapshot interval it was made in contributes nothing.
func TestLifetimeAggregatorSameSnapshotExcluded(t *testing.T) {
	agg := NewLifetimeAggregator(nil)

	agg.Process(AllocationEvent{Address: 1, Size: 50, Kind: Malloc, Stack: frameStack(1)})
	agg.Process(AllocationEvent{Address: 1, Kind: Free, Stack: frameStack(1)})

	result := agg.Result()
	if len(result.Freed) != 0 {
		t.Fatalf("Freed = %v, want none (alloc+free within one snapshot)", result.Freed)
	}
	if len(result.Leaked) != 0 {
		t.Fatalf("Leaked = %v, want none", result.Leaked)
	}
}

// An allocation still live at stream end is reported as leaked, tagged
// with the snapshot it was allocated in.
func TestLifetimeAggregatorLeak(t *testing.T) {
	agg := NewLifetimeAggregator(nil)

	agg.Process(AllocationEvent{Address: 1, Size: 1234, Kind: Calloc, Stack: frameStack(5)})
	agg.ProcessSnapshot(MemorySnapshotEvent{})

	result := agg.Result()
	if len(result.Leaked) != 1 {
		t.Fatalf("Leaked = %v, want exactly one cohort", result.Leaked)
	}
	if result.Leaked[0].StartSnapshot != 0 || result.Leaked[0].Bytes != 1234 || result.Leaked[0].Allocations != 1 {
		t.Fatalf("Leaked[0] = %+v, want StartSnapshot=0 Allocations=1 Bytes=1234", result.Leaked[0])
	}
	if len(result.Freed) != 0 {
		t.Fatalf("Freed = %v, want none", result.Freed)
	}
}

// mmap/munmap range splitting (spec.md §4.9 "Range allocators are
// handled as in §4.8"): a partial munmap credits only the freed portion
// to the lifetime of the cohort it came from.
func TestLifetimeAggregatorPartialMunmap(t *testing.T) {
	agg := NewLifetimeAggregator(nil)

	agg.Process(AllocationEvent{Address: 0x1000, Size: 1234, Kind: Mmap, Stack: frameStack(1)})
	agg.ProcessSnapshot(MemorySnapshotEvent{})
	agg.Process(AllocationEvent{Address: 0x1000 + 1000, Size: 100, Kind: Munmap, Stack: frameStack(1)})

	result := agg.Result()
	if len(result.Freed) != 1 {
		t.Fatalf("Freed = %v, want exactly one interval", result.Freed)
	}
	if result.Freed[0].Bytes != 100 {
		t.Fatalf("Freed[0].Bytes = %d, want 100", result.Freed[0].Bytes)
	}
	if len(result.Leaked) != 1 || result.Leaked[0].Bytes != 1134 {
		t.Fatalf("Leaked = %v, want one cohort with 1134 bytes still mapped", result.Leaked)
	}
}

// A partial munmap must keep attributing a surviving fragment to the
// snapshot its mmap happened in, even though the fragment's address no
// longer matches the original mmap call once the middle is carved out.
func TestLifetimeAggregatorPartialMunmapPreservesStartSnapshotAcrossSplit(t *testing.T) {
	agg := NewLifetimeAggregator(nil)

	agg.Process(AllocationEvent{Address: 0x1000, Size: 3000, Kind: Mmap, Stack: frameStack(1)}) // snapshot 0
	agg.ProcessSnapshot(MemorySnapshotEvent{})
	agg.ProcessSnapshot(MemorySnapshotEvent{})
	// Unmap the middle third, leaving two fragments of the snapshot-0 mapping.
	agg.Process(AllocationEvent{Address: 0x1000 + 1000, Size: 1000, Kind: Munmap, Stack: frameStack(1)}) // snapshot 2

	result := agg.Result()
	if len(result.Freed) != 1 {
		t.Fatalf("Freed = %v, want exactly one interval", result.Freed)
	}
	if result.Freed[0].StartSnapshot != 0 || result.Freed[0].EndSnapshot != 2 || result.Freed[0].Bytes != 1000 {
		t.Fatalf("Freed[0] = %+v, want Interval(0, 2, _, 1000)", result.Freed[0])
	}
	// Both surviving fragments were mmap'd in snapshot 0, so they must
	// merge into a single leaked cohort rather than being split across
	// two different (and one wrong) start snapshots.
	if len(result.Leaked) != 1 {
		t.Fatalf("Leaked = %v, want exactly one cohort (both fragments share snapshot 0)", result.Leaked)
	}
	if result.Leaked[0].StartSnapshot != 0 || result.Leaked[0].Bytes != 2000 {
		t.Fatalf("Leaked[0] = %+v, want StartSnapshot=0 Bytes=2000", result.Leaked[0])
	}
}

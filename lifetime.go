package memtrace

// LifetimeCohortKey groups allocations that share a call site, an
// allocator kind, and both the allocation and deallocation snapshot —
// spec.md §4.9 "one Interval ... per cohort (allocations sharing both
// allocation and deallocation snapshots)".
type LifetimeCohortKey struct {
	LocationKey   uint64
	Kind          AllocatorKind
	StartSnapshot int
	EndSnapshot   int
}

// Interval describes a cohort's contribution across a snapshot range:
// n_allocations allocations totaling bytes bytes, all allocated in
// StartSnapshot and (for Freed cohorts) all freed in EndSnapshot. Leaked
// cohorts have no EndSnapshot (spec.md §4.8 "end_snapshot = None meaning
// still present at stream end"); EndSnapshotValid is false for those.
type Interval struct {
	StartSnapshot    int
	EndSnapshot      int
	EndSnapshotValid bool
	LocationKey      uint64
	Kind             AllocatorKind
	Allocations      uint64
	Bytes            uint64
}

// LifetimeResult separates allocations whose matching free was observed
// from ones that were never freed before the trace ended (leaks).
type LifetimeResult struct {
	Freed  []Interval
	Leaked []Interval
}

type lifetimeLiveAlloc struct {
	size          uint64
	locationKey   uint64
	kind          AllocatorKind
	snapshotIndex int
}

// LifetimeAggregator groups allocation/deallocation pairs by call site,
// tracking the snapshot boundary each side occurred in so that an
// allocation and its free that both land between the same pair of
// MEMORY_RECORD snapshots are excluded from the result: an allocation
// that doesn't survive any observable interval contributes nothing
// about how long memory was actually held.
type LifetimeAggregator struct {
	live          map[uint64]lifetimeLiveAlloc
	ranges        *IntervalSet
	snapshotIndex int

	freed     map[LifetimeCohortKey]*Interval
	stacks    map[uint64][]ShadowFrame
	anomalies *Anomalies
}

// NewLifetimeAggregator constructs an empty aggregator. anomalies may be
// nil.
func NewLifetimeAggregator(anomalies *Anomalies) *LifetimeAggregator {
	if anomalies == nil {
		anomalies = &Anomalies{}
	}
	return &LifetimeAggregator{
		live:      make(map[uint64]lifetimeLiveAlloc),
		ranges:    NewIntervalSet(),
		freed:     make(map[LifetimeCohortKey]*Interval),
		stacks:    make(map[uint64][]ShadowFrame),
		anomalies: anomalies,
	}
}

// ProcessSnapshot advances the current snapshot boundary. Call this for
// every MemorySnapshotEvent seen, in stream order.
func (l *LifetimeAggregator) ProcessSnapshot(MemorySnapshotEvent) {
	l.snapshotIndex++
}

// Process replays a single AllocationEvent.
func (l *LifetimeAggregator) Process(ev AllocationEvent) {
	locationKey := locationKeyForStack(ev.Stack)
	if _, ok := l.stacks[locationKey]; !ok && len(ev.Stack) > 0 {
		l.stacks[locationKey] = ev.Stack
	}

	switch {
	case ev.Kind.IsRangeAllocator() && !ev.Kind.IsDeallocator():
		l.ranges.Insert(ev.Address, ev.Size, locationKey, ev.Kind, 0, int64(l.snapshotIndex))

	case ev.Kind.IsRangeAllocator():
		removed := l.ranges.Remove(ev.Address, ev.Size)
		if len(removed) == 0 {
			l.anomalies.record(AnomalyUnknownMunmapRange)
			return
		}
		for _, r := range removed {
			l.credit(r.LocationKey, r.AllocatorKind, r.End-r.Start, int(r.Tag))
		}

	case ev.Kind.IsDeallocator():
		info, ok := l.live[ev.Address]
		if !ok {
			l.anomalies.record(AnomalyUnknownFreeAddress)
			return
		}
		delete(l.live, ev.Address)
		l.credit(info.locationKey, info.kind, info.size, info.snapshotIndex)

	default:
		l.live[ev.Address] = lifetimeLiveAlloc{
			size: ev.Size, locationKey: locationKey, kind: ev.Kind, snapshotIndex: l.snapshotIndex,
		}
	}
}

// credit attributes a completed (alloc, free) pair to its cohort, unless
// both sides fell within the same inter-snapshot interval — spec.md
// §4.9 "Allocations freed in the same snapshot in which they were made
// are not reported at all."
func (l *LifetimeAggregator) credit(locationKey uint64, kind AllocatorKind, size uint64, allocSnapshot int) {
	if allocSnapshot == l.snapshotIndex {
		return
	}
	key := LifetimeCohortKey{LocationKey: locationKey, Kind: kind, StartSnapshot: allocSnapshot, EndSnapshot: l.snapshotIndex}
	c, ok := l.freed[key]
	if !ok {
		c = &Interval{
			StartSnapshot: allocSnapshot, EndSnapshot: l.snapshotIndex, EndSnapshotValid: true,
			LocationKey: locationKey, Kind: kind,
		}
		l.freed[key] = c
	}
	c.Allocations++
	c.Bytes += size
}

// Result returns the freed and leaked cohorts accumulated so far. Call
// after the capture has been fully replayed so every still-live
// allocation is correctly reported as leaked.
func (l *LifetimeAggregator) Result() LifetimeResult {
	var out LifetimeResult
	for _, c := range l.freed {
		out.Freed = append(out.Freed, *c)
	}

	type leakedKey struct {
		locationKey   uint64
		kind          AllocatorKind
		startSnapshot int
	}
	leaked := make(map[leakedKey]*Interval)
	credit := func(locationKey uint64, kind AllocatorKind, startSnapshot int, size uint64) {
		k := leakedKey{locationKey: locationKey, kind: kind, startSnapshot: startSnapshot}
		c, ok := leaked[k]
		if !ok {
			c = &Interval{StartSnapshot: startSnapshot, LocationKey: locationKey, Kind: kind}
			leaked[k] = c
		}
		c.Allocations++
		c.Bytes += size
	}

	for _, a := range l.live {
		credit(a.locationKey, a.kind, a.snapshotIndex, a.size)
	}
	for _, iv := range l.ranges.All() {
		credit(iv.LocationKey, iv.AllocatorKind, int(iv.Tag), iv.End-iv.Start)
	}
	for _, c := range leaked {
		out.Leaked = append(out.Leaked, *c)
	}

	return out
}

// StackFor returns a representative call stack for locationKey, as
// first observed, for use by a pprof exporter.
func (l *LifetimeAggregator) StackFor(locationKey uint64) ([]ShadowFrame, bool) {
	s, ok := l.stacks[locationKey]
	return s, ok
}

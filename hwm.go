package memtrace

import "hash/maphash"

var locationKeySeed = maphash.MakeSeed()

// locationKeyForStack derives a stable key identifying a call site from
// the resolved host-language stack attached to an AllocationEvent. Two
// allocations sharing the same sequence of (CodeID, InstrOffset) pairs
// share a location key, mirroring how AGGREGATED_ALLOCATION groups
// events by call site rather than by individual allocation.
func locationKeyForStack(stack []ShadowFrame) uint64 {
	var h maphash.Hash
	h.SetSeed(locationKeySeed)
	for _, f := range stack {
		var buf [8]byte
		putUint64(buf[:], uint64(f.CodeID))
		h.Write(buf[:])
		putUint64(buf[:], uint64(f.InstrOffset))
		h.Write(buf[:])
	}
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// LocationStats summarizes the allocations attributed to one call site:
// spec.md §4.8's four quantities, plus the kind and location key
// identifying which call site they belong to.
type LocationStats struct {
	LocationKey uint64
	Kind        AllocatorKind

	AllocationsInHighWaterMark uint64
	BytesInHighWaterMark       uint64
	AllocationsLeaked          uint64
	BytesLeaked                uint64
}

// HWMResult is the output of HWMAggregator.Result: the single highest
// value current_bytes reached over the life of the trace, and the
// per-location breakdown of what was live at that moment and what is
// still live (leaked) at stream end. A location can appear with only
// one side populated, or with neither: an allocation made and freed
// well before the peak is still listed, with all four quantities zero.
type HWMResult struct {
	HighWaterMarkBytes uint64
	ByLocation         []LocationStats
}

// TimelineInterval is one run of consecutive snapshots across which a
// single location's live contribution to current_bytes held steady.
// EndSnapshot is -1 when the location was still present when the
// stream ended (spec.md §4.8's end_snapshot = None).
type TimelineInterval struct {
	StartSnapshot int
	EndSnapshot   int
	Allocations   uint64
	Bytes         uint64
}

// LocationTimeline is one call site's temporal contribution to the
// high-water mark across the whole trace: the run-length-encoded
// sequence of snapshot ranges over which its live count/bytes held a
// given value.
type LocationTimeline struct {
	LocationKey uint64
	Kind        AllocatorKind
	Intervals   []TimelineInterval
}

// locationTimelineState is the open (not-yet-closed) run for one
// location: the value it has held since openStart, and everything
// already closed out before that.
type locationTimelineState struct {
	openStart int
	openBytes uint64
	openCount uint64
	closed    []TimelineInterval
}

type liveAlloc struct {
	size        uint64
	locationKey uint64
	kind        AllocatorKind
}

// locationTally is the live, mutable per-location counter the aggregator
// updates on every event; it is snapshotted into LocationStats's
// HighWaterMark fields whenever current_bytes reaches a new global max,
// and read directly (as the Leaked fields) once the whole stream has
// been replayed.
type locationTally struct {
	kind  AllocatorKind
	count uint64
	bytes uint64
}

// HWMAggregator computes the high-water-mark of a trace's live byte
// count: it replays AllocationEvents in order, maintaining the set of
// currently live allocations, and remembers the earliest moment the
// running total reached its eventual maximum (earliest-at-max is the
// tie-break when the same peak recurs).
type HWMAggregator struct {
	live   map[uint64]liveAlloc
	ranges *IntervalSet

	currentBytes uint64
	perLocation  map[uint64]*locationTally
	stacks       map[uint64][]ShadowFrame

	peakBytes    uint64
	peakSnapshot map[uint64]locationTally

	snapshotIndex int
	timelines     map[uint64]*locationTimelineState

	anomalies *Anomalies
}

// NewHWMAggregator constructs an empty aggregator. anomalies may be nil.
func NewHWMAggregator(anomalies *Anomalies) *HWMAggregator {
	if anomalies == nil {
		anomalies = &Anomalies{}
	}
	return &HWMAggregator{
		live:        make(map[uint64]liveAlloc),
		ranges:      NewIntervalSet(),
		perLocation: make(map[uint64]*locationTally),
		stacks:      make(map[uint64][]ShadowFrame),
		timelines:   make(map[uint64]*locationTimelineState),
		anomalies:   anomalies,
	}
}

// ProcessSnapshot closes snapshot h.snapshotIndex for every location's
// temporal high-water-mark run: a location whose live count/bytes
// changed since its run started has that run closed off here (ending
// at this snapshot) and a new one opened at the new value, which
// becomes the run's value going forward. Call this for every
// MemorySnapshotEvent seen, in stream order.
func (h *HWMAggregator) ProcessSnapshot(MemorySnapshotEvent) {
	boundary := h.snapshotIndex
	for k, t := range h.perLocation {
		h.closeOrExtendLocked(k, t.bytes, t.count, boundary)
	}
	h.snapshotIndex++
}

// closeOrExtendLocked updates locationKey's open run to reflect
// (bytes, count) as observed at upTo: extending the run if unchanged,
// or closing it and opening a fresh one at the new value otherwise.
func (h *HWMAggregator) closeOrExtendLocked(locationKey uint64, bytes, count uint64, upTo int) {
	st, ok := h.timelines[locationKey]
	if !ok {
		st = &locationTimelineState{openStart: upTo, openBytes: bytes, openCount: count}
		h.timelines[locationKey] = st
		return
	}
	if bytes == st.openBytes && count == st.openCount {
		return
	}
	st.closed = append(st.closed, TimelineInterval{
		StartSnapshot: st.openStart,
		EndSnapshot:   upTo,
		Allocations:   st.openCount,
		Bytes:         st.openBytes,
	})
	st.openStart = upTo
	st.openBytes = bytes
	st.openCount = count
}

// Process replays a single AllocationEvent against the live set.
func (h *HWMAggregator) Process(ev AllocationEvent) {
	locationKey := locationKeyForStack(ev.Stack)
	if _, ok := h.stacks[locationKey]; !ok && len(ev.Stack) > 0 {
		h.stacks[locationKey] = ev.Stack
	}

	switch {
	case ev.Kind.IsRangeAllocator() && !ev.Kind.IsDeallocator():
		h.ranges.Insert(ev.Address, ev.Size, locationKey, ev.Kind, 0, 0)
		h.accrue(locationKey, ev.Kind, int64(ev.Size), 1)

	case ev.Kind.IsRangeAllocator():
		removed := h.ranges.Remove(ev.Address, ev.Size)
		if len(removed) == 0 {
			h.anomalies.record(AnomalyUnknownMunmapRange)
			return
		}
		for _, r := range removed {
			n := r.End - r.Start
			h.accrue(r.LocationKey, r.AllocatorKind, -int64(n), -1)
		}

	case ev.Kind.IsDeallocator():
		info, ok := h.live[ev.Address]
		if !ok {
			h.anomalies.record(AnomalyUnknownFreeAddress)
			return
		}
		delete(h.live, ev.Address)
		h.accrue(info.locationKey, info.kind, -int64(info.size), -1)

	default:
		h.live[ev.Address] = liveAlloc{size: ev.Size, locationKey: locationKey, kind: ev.Kind}
		h.accrue(locationKey, ev.Kind, int64(ev.Size), 1)
	}
}

// accrue updates the running byte/count totals for locationKey by
// byteDelta/countDelta and, when current_bytes rises to a new global
// maximum, freezes a snapshot of every location's live tally into
// peakSnapshot (spec.md §4.8's lazy peak-counter update).
func (h *HWMAggregator) accrue(locationKey uint64, kind AllocatorKind, byteDelta int64, countDelta int64) {
	t, ok := h.perLocation[locationKey]
	if !ok {
		t = &locationTally{kind: kind}
		h.perLocation[locationKey] = t
	}
	t.bytes = addClamped(t.bytes, byteDelta)
	t.count = addClampedInt(t.count, countDelta)
	h.currentBytes = addClamped(h.currentBytes, byteDelta)

	if h.currentBytes > h.peakBytes {
		h.peakBytes = h.currentBytes
		h.peakSnapshot = make(map[uint64]locationTally, len(h.perLocation))
		for k, v := range h.perLocation {
			if v.bytes > 0 || v.count > 0 {
				h.peakSnapshot[k] = *v
			}
		}
	}
}

func addClamped(base uint64, delta int64) uint64 {
	if delta >= 0 {
		return base + uint64(delta)
	}
	n := uint64(-delta)
	if n > base {
		return 0
	}
	return base - n
}

func addClampedInt(base uint64, delta int64) uint64 {
	return addClamped(base, delta)
}

// Result returns the high-water mark and its per-location breakdown,
// merging each location's frozen peak contribution with its current
// (i.e. leaked, since Result is meant to be read after the whole stream
// has been replayed) live contribution.
func (h *HWMAggregator) Result() HWMResult {
	out := HWMResult{HighWaterMarkBytes: h.peakBytes}

	seen := make(map[uint64]bool, len(h.peakSnapshot)+len(h.perLocation))
	for k := range h.peakSnapshot {
		seen[k] = true
	}
	for k := range h.perLocation {
		seen[k] = true
	}

	for k := range seen {
		var stats LocationStats
		stats.LocationKey = k
		if peak, ok := h.peakSnapshot[k]; ok {
			stats.Kind = peak.kind
			stats.AllocationsInHighWaterMark = peak.count
			stats.BytesInHighWaterMark = peak.bytes
		}
		if live, ok := h.perLocation[k]; ok && (live.bytes > 0 || live.count > 0) {
			stats.Kind = live.kind
			stats.AllocationsLeaked = live.count
			stats.BytesLeaked = live.bytes
		}
		out.ByLocation = append(out.ByLocation, stats)
	}
	return out
}

// LocationTimelines returns, per location, the run-length-encoded
// sequence of snapshot ranges over which that location's live
// count/bytes held steady (spec.md §4.8's temporal variant). Each
// location's last, still-open run is reported with EndSnapshot == -1,
// or with EndSnapshot == the current snapshot index when that run holds
// zero allocations and zero bytes. Runs only change inside
// ProcessSnapshot: activity after the last ProcessSnapshot call is not
// reflected, and a location first seen after it has no timeline.
func (h *HWMAggregator) LocationTimelines() []LocationTimeline {
	out := make([]LocationTimeline, 0, len(h.timelines))
	for k, st := range h.timelines {
		kind := AllocatorKind(0)
		if t, ok := h.perLocation[k]; ok {
			kind = t.kind
		}

		intervals := make([]TimelineInterval, len(st.closed), len(st.closed)+1)
		copy(intervals, st.closed)

		end := -1
		if st.openBytes == 0 && st.openCount == 0 {
			end = h.snapshotIndex
		}
		intervals = append(intervals, TimelineInterval{
			StartSnapshot: st.openStart,
			EndSnapshot:   end,
			Allocations:   st.openCount,
			Bytes:         st.openBytes,
		})

		out = append(out, LocationTimeline{LocationKey: k, Kind: kind, Intervals: intervals})
	}
	return out
}

// StackFor returns a representative call stack for locationKey, as
// first observed, for use by a pprof exporter.
func (h *HWMAggregator) StackFor(locationKey uint64) ([]ShadowFrame, bool) {
	s, ok := h.stacks[locationKey]
	return s, ok
}

package memtrace

import "sort"

// addrInterval is a half-open byte range [Start, End) tagged with the
// allocation that produced it. Tag carries a caller-defined integer
// (the lifetime aggregator uses it for the snapshot index the mapping
// was created in) that must survive a partial-munmap split intact, so
// it lives on the interval itself rather than in a side table keyed by
// the original start address, which a split would orphan.
type addrInterval struct {
	Start, End uint64
	LocationKey uint64
	AllocatorKind AllocatorKind
	NativeStackID NativeStackID
	Tag int64
}

// IntervalSet holds disjoint, non-overlapping address ranges ordered by
// start address. It models the live mmap mappings an HWM or lifetime
// aggregator must track so that a munmap covering only part of a prior
// mmap splits the remainder into the pieces that are still live, rather
// than releasing or retaining the whole original range.
//
// A plain sorted slice is enough here: insertions and removals happen
// only from the single goroutine replaying a capture's record stream,
// so there is no concurrent-access case a balanced tree would earn its
// complexity for.
type IntervalSet struct {
	ranges []addrInterval
}

// NewIntervalSet constructs an empty set.
func NewIntervalSet() *IntervalSet {
	return &IntervalSet{}
}

func (s *IntervalSet) indexAtOrAfter(addr uint64) int {
	return sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].Start >= addr })
}

// Insert adds [start, start+length) as a new mapping. Any existing
// range it overlaps is truncated or removed first, matching mmap
// semantics where a fixed mapping can replace part of an earlier one.
func (s *IntervalSet) Insert(start, length uint64, locationKey uint64, kind AllocatorKind, nativeStackID NativeStackID, tag int64) {
	if length == 0 {
		return
	}
	end := start + length
	s.removeRangeLocked(start, end)

	iv := addrInterval{Start: start, End: end, LocationKey: locationKey, AllocatorKind: kind, NativeStackID: nativeStackID, Tag: tag}
	i := s.indexAtOrAfter(start)
	s.ranges = append(s.ranges, addrInterval{})
	copy(s.ranges[i+1:], s.ranges[i:])
	s.ranges[i] = iv
}

// Remove releases [start, start+length). A range fully covered by the
// removal disappears; a range that only partially overlaps is split so
// the surviving portion(s) remain tracked. Remove returns the byte
// ranges that existed within [start, start+length) immediately before
// removal, so the caller can account their freed bytes.
func (s *IntervalSet) Remove(start, length uint64) []addrInterval {
	end := start + length
	removed := s.collectOverlapping(start, end)
	s.removeRangeLocked(start, end)
	return removed
}

func (s *IntervalSet) collectOverlapping(start, end uint64) []addrInterval {
	var out []addrInterval
	for _, iv := range s.ranges {
		if iv.End <= start || iv.Start >= end {
			continue
		}
		lo, hi := iv.Start, iv.End
		if lo < start {
			lo = start
		}
		if hi > end {
			hi = end
		}
		out = append(out, addrInterval{Start: lo, End: hi, LocationKey: iv.LocationKey, AllocatorKind: iv.AllocatorKind, NativeStackID: iv.NativeStackID, Tag: iv.Tag})
	}
	return out
}

// removeRangeLocked clears [start, end) from the set, splitting any
// range that only partially overlaps it.
func (s *IntervalSet) removeRangeLocked(start, end uint64) {
	var next []addrInterval
	for _, iv := range s.ranges {
		switch {
		case iv.End <= start || iv.Start >= end:
			next = append(next, iv)
		case iv.Start >= start && iv.End <= end:
			// fully covered, drop
		case iv.Start < start && iv.End > end:
			// split into a left and right remainder
			left := iv
			left.End = start
			right := iv
			right.Start = end
			next = append(next, left, right)
		case iv.Start < start:
			left := iv
			left.End = start
			next = append(next, left)
		default: // iv.End > end
			right := iv
			right.Start = end
			next = append(next, right)
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Start < next[j].Start })
	s.ranges = next
}

// At returns the range containing addr, if any.
func (s *IntervalSet) At(addr uint64) (addrInterval, bool) {
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End > addr })
	if i >= len(s.ranges) || s.ranges[i].Start > addr {
		return addrInterval{}, false
	}
	return s.ranges[i], true
}

// All returns every live range, ordered by start address. The returned
// slice must not be mutated.
func (s *IntervalSet) All() []addrInterval {
	return s.ranges
}

// TotalBytes returns the sum of every live range's length.
func (s *IntervalSet) TotalBytes() uint64 {
	var total uint64
	for _, iv := range s.ranges {
		total += iv.End - iv.Start
	}
	return total
}

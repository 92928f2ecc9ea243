package memtrace

import (
	"strconv"

	"github.com/google/pprof/profile"
)

// pprofBuilder accumulates profile.Function/profile.Location entries
// across many samples, deduplicating by the same two-level cache idiom
// the teacher's own listener used when turning a raw stack trace into
// pprof's (Function, Location, Line) graph.
type pprofBuilder struct {
	prof     *profile.Profile
	funcByID map[FrameID]*profile.Function
	locByID  map[FrameID]*profile.Location
}

func newPprofBuilder(valueType *profile.ValueType) *pprofBuilder {
	return &pprofBuilder{
		prof: &profile.Profile{
			SampleType: []*profile.ValueType{valueType},
		},
		funcByID: make(map[FrameID]*profile.Function),
		locByID:  make(map[FrameID]*profile.Location),
	}
}

// locationsFor returns pprof Locations for an outermost-first stack,
// reordered innermost-first (leaf first) as pprof.Sample.Location
// expects.
func (b *pprofBuilder) locationsFor(stack []ShadowFrame, frames *FrameInterner) []*profile.Location {
	locs := make([]*profile.Location, 0, len(stack))
	for i := len(stack) - 1; i >= 0; i-- {
		locs = append(locs, b.locationFor(stack[i], frames))
	}
	return locs
}

func (b *pprofBuilder) locationFor(frame ShadowFrame, frames *FrameInterner) *profile.Location {
	if loc, ok := b.locByID[frame.CodeID]; ok {
		return loc
	}

	fn, ok := b.funcByID[frame.CodeID]
	if !ok {
		code, _ := frames.CodeObject(frame.CodeID)
		fn = &profile.Function{
			ID:         uint64(len(b.prof.Function)) + 1,
			Name:       code.Function,
			SystemName: code.Function,
			Filename:   code.File,
		}
		b.prof.Function = append(b.prof.Function, fn)
		b.funcByID[frame.CodeID] = fn
	}

	code, _ := frames.CodeObject(frame.CodeID)
	line := LineForOffset(code.LineTable, code.FirstLine, frame.InstrOffset)

	loc := &profile.Location{
		ID:   uint64(len(b.prof.Location)) + 1,
		Line: []profile.Line{{Function: fn, Line: int64(line)}},
	}
	b.prof.Location = append(b.prof.Location, loc)
	b.locByID[frame.CodeID] = loc
	return loc
}

// ExportHWMProfile renders an HWMAggregator's result as a pprof profile,
// one sample per call site, valued in bytes live at the high-water
// mark. agg supplies the representative call stack recorded for each
// call site.
func ExportHWMProfile(result HWMResult, agg *HWMAggregator, frames *FrameInterner) *profile.Profile {
	b := newPprofBuilder(&profile.ValueType{Type: "alloc_space", Unit: "bytes"})

	for _, loc := range result.ByLocation {
		if loc.BytesInHighWaterMark == 0 {
			continue
		}
		var locs []*profile.Location
		if stack, ok := agg.StackFor(loc.LocationKey); ok {
			locs = b.locationsFor(stack, frames)
		}
		b.prof.Sample = append(b.prof.Sample, &profile.Sample{
			Value:    []int64{int64(loc.BytesInHighWaterMark)},
			Location: locs,
			Label:    map[string][]string{"kind": {loc.Kind.String()}},
		})
	}

	return b.prof
}

// ExportLeaksProfile renders the allocations an HWMAggregator found still
// live at stream end (spec.md §6 `flamegraph --leaks`), valued in bytes
// leaked rather than bytes at the high-water mark.
func ExportLeaksProfile(result HWMResult, agg *HWMAggregator, frames *FrameInterner) *profile.Profile {
	b := newPprofBuilder(&profile.ValueType{Type: "leaked_space", Unit: "bytes"})

	for _, loc := range result.ByLocation {
		if loc.BytesLeaked == 0 {
			continue
		}
		var locs []*profile.Location
		if stack, ok := agg.StackFor(loc.LocationKey); ok {
			locs = b.locationsFor(stack, frames)
		}
		b.prof.Sample = append(b.prof.Sample, &profile.Sample{
			Value:    []int64{int64(loc.BytesLeaked)},
			Location: locs,
			Label:    map[string][]string{"kind": {loc.Kind.String()}},
		})
	}

	return b.prof
}

// ExportHWMTimelineProfile renders the per-location temporal
// high-water-mark variant (spec.md §4.8) as a pprof profile: one sample
// per (location, interval), valued in bytes, labeled with the snapshot
// range it covers. An EndSnapshot of -1 (still present when the stream
// ended) is labeled "open" rather than a snapshot index.
func ExportHWMTimelineProfile(timelines []LocationTimeline, agg *HWMAggregator, frames *FrameInterner) *profile.Profile {
	b := newPprofBuilder(&profile.ValueType{Type: "alloc_space", Unit: "bytes"})

	for _, lt := range timelines {
		var locs []*profile.Location
		if stack, ok := agg.StackFor(lt.LocationKey); ok {
			locs = b.locationsFor(stack, frames)
		}
		for _, iv := range lt.Intervals {
			end := "open"
			if iv.EndSnapshot >= 0 {
				end = strconv.Itoa(iv.EndSnapshot)
			}
			b.prof.Sample = append(b.prof.Sample, &profile.Sample{
				Value:    []int64{int64(iv.Bytes)},
				Location: locs,
				Label: map[string][]string{
					"kind":           {lt.Kind.String()},
					"start_snapshot": {strconv.Itoa(iv.StartSnapshot)},
					"end_snapshot":   {end},
					"allocations":    {strconv.FormatUint(iv.Allocations, 10)},
				},
			})
		}
	}

	return b.prof
}

// ExportLifetimeProfile renders a LifetimeAggregator's result as a pprof
// profile with two sample types: bytes freed during the trace, and
// bytes never freed (leaked) by the time it ended.
func ExportLifetimeProfile(result LifetimeResult, agg *LifetimeAggregator, frames *FrameInterner) *profile.Profile {
	b := newPprofBuilder(&profile.ValueType{Type: "alloc_space", Unit: "bytes"})
	b.prof.SampleType = append(b.prof.SampleType, &profile.ValueType{Type: "leaked_space", Unit: "bytes"})

	samples := make(map[uint64]*profile.Sample)

	get := func(c Interval) *profile.Sample {
		if s, ok := samples[c.LocationKey]; ok {
			return s
		}
		var locs []*profile.Location
		if stack, ok := agg.StackFor(c.LocationKey); ok {
			locs = b.locationsFor(stack, frames)
		}
		s := &profile.Sample{
			Value:    []int64{0, 0},
			Location: locs,
			Label:    map[string][]string{"kind": {c.Kind.String()}},
		}
		samples[c.LocationKey] = s
		b.prof.Sample = append(b.prof.Sample, s)
		return s
	}

	for _, c := range result.Freed {
		get(c).Value[0] += int64(c.Bytes)
	}
	for _, c := range result.Leaked {
		get(c).Value[1] += int64(c.Bytes)
	}

	return b.prof
}

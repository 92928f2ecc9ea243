package memtrace

import (
	"hash/maphash"
	"unsafe"
)

// Location is a single resolved source location for a native instruction
// pointer, possibly one of several inlined locations for the same PC.
type Location struct {
	Function string
	File     string
	Line     int64
	Inlined  bool
}

// Symbolizer resolves an already-captured instruction pointer to source
// locations. Full symbol resolution is treated as an external oracle
// capability; Symbolizer is the shape of that oracle. See
// elfsymbolizer.go for one concrete (optional) implementation.
type Symbolizer interface {
	LocationsForPC(pc uint64) []Location
}

// Unwinder produces the list of instruction pointers for the current
// native call stack at an allocation site. Implementations run in the
// traced process and are expected to:
//   - include the allocation site itself,
//   - return frames innermost-first (the reader reverses to
//     outermost-first when replaying),
//   - skip frames belonging to the tracer itself, identified by a
//     BoundaryFunc,
//   - degrade gracefully: if unwinding fails partway, return the partial
//     prefix gathered so far rather than an error.
type Unwinder interface {
	Unwind(maxFrames int) []uint64
}

// BoundaryFunc reports whether a given instruction pointer belongs to the
// tracer's own code, used to stop a native unwind before it walks into
// the hook layer itself.
type BoundaryFunc func(pc uint64) bool

// NativeStack is a captured (and possibly incomplete) sequence of
// instruction pointers, innermost-first, as produced by an Unwinder.
type NativeStack []uint64

var nativeStackHashSeed = maphash.MakeSeed()

func (s NativeStack) hash() uint64 {
	if len(s) == 0 {
		return 0
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), 8*len(s))
	return maphash.Bytes(nativeStackHashSeed, b)
}

// NativeStackID identifies a deduplicated NativeStack. It is the value
// carried by an allocation event's native_frame_id field; despite the
// wire field's name, it identifies a whole captured stack rather than a
// single frame — see DESIGN.md for the rationale.
type NativeStackID uint32

// NativeStackTable interns whole NativeStacks (as opposed to
// FrameInterner.InternIP, which interns the individual instruction
// pointers that make up a stack). Two allocation events with the same
// native call stack share one NativeStackID.
type NativeStackTable struct {
	byHash map[uint64][]NativeStackID
	stacks []NativeStack
}

// NewNativeStackTable constructs an empty table.
func NewNativeStackTable() *NativeStackTable {
	return &NativeStackTable{byHash: make(map[uint64][]NativeStackID)}
}

// Intern returns the NativeStackID for stack, assigning a new one if an
// identical stack hasn't been observed before.
func (t *NativeStackTable) Intern(stack NativeStack) (id NativeStackID, created bool) {
	h := stack.hash()
	for _, candidate := range t.byHash[h] {
		if stackEqual(t.stacks[candidate-1], stack) {
			return candidate, false
		}
	}

	clone := make(NativeStack, len(stack))
	copy(clone, stack)
	t.stacks = append(t.stacks, clone)
	id = NativeStackID(len(t.stacks))
	t.byHash[h] = append(t.byHash[h], id)
	return id, true
}

// Stack returns the interned stack for id, innermost-first (capture-time
// order).
func (t *NativeStackTable) Stack(id NativeStackID) (NativeStack, bool) {
	i := int(id) - 1
	if i < 0 || i >= len(t.stacks) {
		return nil, false
	}
	return t.stacks[i], true
}

func stackEqual(a, b NativeStack) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Capture runs unwinder, stopping at maxFrames or the first frame after
// which boundary reports true; the frame the boundary matched is
// excluded (it belongs to the tracer). If unwinder returns fewer frames
// than requested (a failed mid-stack unwind), Capture returns the
// partial prefix as-is.
func Capture(unwinder Unwinder, boundary BoundaryFunc, maxFrames int) NativeStack {
	raw := unwinder.Unwind(maxFrames)
	if boundary == nil {
		return NativeStack(raw)
	}

	out := make(NativeStack, 0, len(raw))
	for _, pc := range raw {
		if boundary(pc) {
			break
		}
		out = append(out, pc)
	}
	return out
}

// ReverseForReplay returns frames reordered outermost-first, the order
// the reader exposes to consumers, leaving the capture-time
// (innermost-first) slice untouched.
func ReverseForReplay(frames NativeStack) NativeStack {
	out := make(NativeStack, len(frames))
	for i, pc := range frames {
		out[len(frames)-1-i] = pc
	}
	return out
}

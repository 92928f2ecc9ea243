package memtrace

import "fmt"

// AllocatorKind identifies the specific allocator symbol an event came
// from. It is a closed enum covering the libc/jemalloc-style and
// host-language allocator entry points this tracer understands.
type AllocatorKind uint8

const (
	Malloc AllocatorKind = iota + 1
	Calloc
	Realloc
	Valloc
	Pvalloc
	Memalign
	PosixMemalign
	AlignedAlloc
	Free
	PymallocMalloc
	PymallocCalloc
	PymallocRealloc
	PymallocFree
	Mmap
	Munmap
)

func (k AllocatorKind) String() string {
	switch k {
	case Malloc:
		return "malloc"
	case Calloc:
		return "calloc"
	case Realloc:
		return "realloc"
	case Valloc:
		return "valloc"
	case Pvalloc:
		return "pvalloc"
	case Memalign:
		return "memalign"
	case PosixMemalign:
		return "posix_memalign"
	case AlignedAlloc:
		return "aligned_alloc"
	case Free:
		return "free"
	case PymallocMalloc:
		return "pymalloc_malloc"
	case PymallocCalloc:
		return "pymalloc_calloc"
	case PymallocRealloc:
		return "pymalloc_realloc"
	case PymallocFree:
		return "pymalloc_free"
	case Mmap:
		return "mmap"
	case Munmap:
		return "munmap"
	default:
		return fmt.Sprintf("AllocatorKind(%d)", uint8(k))
	}
}

// IsDeallocator reports whether events of this kind release memory
// rather than acquire it.
func (k AllocatorKind) IsDeallocator() bool {
	switch k {
	case Free, PymallocFree, Munmap:
		return true
	default:
		return false
	}
}

// IsRangeAllocator reports whether the kind takes an address *and* a
// length on both the allocating and deallocating side, and so requires
// interval splitting rather than point lookup. Only mmap/munmap qualify.
func (k AllocatorKind) IsRangeAllocator() bool {
	return k == Mmap || k == Munmap
}

// allocatorAdapter gives each allocator family its own small adapter
// value instead of run-time function-pointer rebinding: the hook
// dispatch (HookTable.Dispatch) gets an adapter from adapterFor, a
// switch over the AllocatorKind value, to decide how to interpret the
// raw argument/result words it was given.
type allocatorAdapter interface {
	// size computes the number of bytes an allocating event acquired
	// (or, for range deallocators, released) given the raw arguments
	// and/or result the hook observed.
	size(args [2]uint64, result uint64) uint64
}

type simpleSizeAdapter struct{} // malloc, valloc, pvalloc, memalign, posix_memalign, aligned_alloc, pymalloc_malloc, pymalloc_realloc

func (simpleSizeAdapter) size(args [2]uint64, result uint64) uint64 { return args[0] }

type callocSizeAdapter struct{} // calloc, pymalloc_calloc

func (callocSizeAdapter) size(args [2]uint64, result uint64) uint64 { return args[0] * args[1] }

type zeroSizeAdapter struct{} // free, pymalloc_free: size is ignored for plain deallocators

func (zeroSizeAdapter) size(args [2]uint64, result uint64) uint64 { return 0 }

type rangeSizeAdapter struct{} // mmap: length is the 2nd argument; munmap: length is the 2nd argument too

func (rangeSizeAdapter) size(args [2]uint64, result uint64) uint64 { return args[1] }

func adapterFor(kind AllocatorKind) allocatorAdapter {
	switch kind {
	case Calloc, PymallocCalloc:
		return callocSizeAdapter{}
	case Free, PymallocFree:
		return zeroSizeAdapter{}
	case Mmap, Munmap:
		return rangeSizeAdapter{}
	default:
		return simpleSizeAdapter{}
	}
}

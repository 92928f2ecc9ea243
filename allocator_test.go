package memtrace

import "testing"

func TestAllocatorKindString(t *testing.T) {
	cases := []struct {
		kind AllocatorKind
		want string
	}{
		{Malloc, "malloc"},
		{Free, "free"},
		{Mmap, "mmap"},
		{PymallocCalloc, "pymalloc_calloc"},
		{AllocatorKind(255), "AllocatorKind(255)"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("%d.String() = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestAllocatorKindClassification(t *testing.T) {
	if !Free.IsDeallocator() || !Munmap.IsDeallocator() || !PymallocFree.IsDeallocator() {
		t.Fatalf("free/munmap/pymalloc_free must be deallocators")
	}
	if Malloc.IsDeallocator() || Mmap.IsDeallocator() {
		t.Fatalf("malloc/mmap must not be deallocators")
	}
	if !Mmap.IsRangeAllocator() || !Munmap.IsRangeAllocator() {
		t.Fatalf("mmap/munmap must be range allocators")
	}
	if Malloc.IsRangeAllocator() || Free.IsRangeAllocator() {
		t.Fatalf("malloc/free must not be range allocators")
	}
}

func TestAdapterFor(t *testing.T) {
	if got := adapterFor(Malloc).size([2]uint64{128, 0}, 0xdead); got != 128 {
		t.Errorf("malloc adapter size = %d, want 128", got)
	}
	if got := adapterFor(Calloc).size([2]uint64{4, 8}, 0xdead); got != 32 {
		t.Errorf("calloc adapter size = %d, want 32", got)
	}
	if got := adapterFor(PymallocCalloc).size([2]uint64{2, 16}, 0); got != 32 {
		t.Errorf("pymalloc_calloc adapter size = %d, want 32", got)
	}
	if got := adapterFor(Free).size([2]uint64{999, 0}, 0); got != 0 {
		t.Errorf("free adapter size = %d, want 0", got)
	}
	if got := adapterFor(Mmap).size([2]uint64{0, 4096}, 0x1000); got != 4096 {
		t.Errorf("mmap adapter size = %d, want 4096", got)
	}
	if got := adapterFor(Munmap).size([2]uint64{0x1000, 4096}, 0); got != 4096 {
		t.Errorf("munmap adapter size = %d, want 4096", got)
	}
}

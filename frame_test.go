package memtrace

import "testing"

func TestFrameInternerDeduplicatesByDescriptor(t *testing.T) {
	interner := NewFrameInterner()

	desc := CodeObject{Function: "foo", File: "foo.py", FirstLine: 10}
	id1, created1 := interner.InternCode(desc)
	id2, created2 := interner.InternCode(desc)

	if !created1 {
		t.Fatal("first InternCode of a new descriptor should report created=true")
	}
	if created2 {
		t.Fatal("second InternCode of the same descriptor should report created=false")
	}
	if id1 != id2 {
		t.Fatalf("ids diverged for the same descriptor: %d vs %d", id1, id2)
	}
	if id1 == NoFrame {
		t.Fatal("interned frame id must not be the sentinel NoFrame")
	}

	got, ok := interner.CodeObject(id1)
	if !ok || got != desc {
		t.Fatalf("CodeObject(%d) = %+v, %v, want %+v, true", id1, got, ok, desc)
	}
}

func TestFrameInternerIdsMonotonic(t *testing.T) {
	interner := NewFrameInterner()

	a, _ := interner.InternCode(CodeObject{Function: "a"})
	b, _ := interner.InternCode(CodeObject{Function: "b"})

	if a != 1 || b != 2 {
		t.Fatalf("ids = %d, %d, want 1, 2 (monotonic from 1)", a, b)
	}
}

func TestFrameInternerInternIP(t *testing.T) {
	interner := NewFrameInterner()

	id1, created1 := interner.InternIP(0xdeadbeef)
	id2, created2 := interner.InternIP(0xdeadbeef)
	if !created1 || created2 {
		t.Fatalf("created = %v, %v, want true, false", created1, created2)
	}
	if id1 != id2 {
		t.Fatalf("ids diverged for the same ip: %d vs %d", id1, id2)
	}

	ip, ok := interner.InstructionPointer(id1)
	if !ok || ip != 0xdeadbeef {
		t.Fatalf("InstructionPointer(%d) = %#x, %v, want 0xdeadbeef, true", id1, ip, ok)
	}
}

func TestPerThreadCacheShortcutsInterner(t *testing.T) {
	interner := NewFrameInterner()
	cache := NewPerThreadCache()

	desc := CodeObject{Function: "hot", File: "hot.py"}
	id, created := cache.InternCode(interner, desc)
	if !created {
		t.Fatal("first resolution through the cache should reach the interner and create an id")
	}

	id2, created2 := cache.InternCode(interner, desc)
	if created2 {
		t.Fatal("second resolution should hit the per-thread cache, not create again")
	}
	if id != id2 {
		t.Fatalf("ids diverged: %d vs %d", id, id2)
	}
}

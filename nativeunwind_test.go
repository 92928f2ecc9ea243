package memtrace

import "testing"

func TestNativeStackTableInternDeduplicates(t *testing.T) {
	table := NewNativeStackTable()

	stack := NativeStack{0x1000, 0x2000, 0x3000}
	id1, created1 := table.Intern(stack)
	id2, created2 := table.Intern(NativeStack{0x1000, 0x2000, 0x3000})

	if !created1 {
		t.Fatal("first Intern of a new stack should report created=true")
	}
	if created2 {
		t.Fatal("second Intern of an identical stack should report created=false")
	}
	if id1 != id2 {
		t.Fatalf("ids diverged for identical stacks: %d vs %d", id1, id2)
	}

	got, ok := table.Stack(id1)
	if !ok || !stackEqual(got, stack) {
		t.Fatalf("Stack(%d) = %v, %v, want %v, true", id1, got, ok, stack)
	}
}

func TestNativeStackTableDistinguishesOrder(t *testing.T) {
	table := NewNativeStackTable()

	id1, _ := table.Intern(NativeStack{0x1000, 0x2000})
	id2, _ := table.Intern(NativeStack{0x2000, 0x1000})

	if id1 == id2 {
		t.Fatalf("stacks with the same frames in different order must not share an id")
	}
}

type fakeUnwinder struct{ pcs []uint64 }

func (f fakeUnwinder) Unwind(maxFrames int) []uint64 {
	if len(f.pcs) > maxFrames {
		return f.pcs[:maxFrames]
	}
	return f.pcs
}

func TestCaptureStopsAtBoundary(t *testing.T) {
	unwinder := fakeUnwinder{pcs: []uint64{0x10, 0x20, 0x30, 0x40}}
	boundary := func(pc uint64) bool { return pc == 0x30 }

	got := Capture(unwinder, boundary, 10)
	want := NativeStack{0x10, 0x20}
	if !stackEqual(got, want) {
		t.Fatalf("Capture = %v, want %v", got, want)
	}
}

func TestCaptureNoBoundary(t *testing.T) {
	unwinder := fakeUnwinder{pcs: []uint64{0x10, 0x20}}
	got := Capture(unwinder, nil, 10)
	want := NativeStack{0x10, 0x20}
	if !stackEqual(got, want) {
		t.Fatalf("Capture = %v, want %v", got, want)
	}
}

func TestReverseForReplay(t *testing.T) {
	in := NativeStack{0x1, 0x2, 0x3}
	out := ReverseForReplay(in)
	want := NativeStack{0x3, 0x2, 0x1}
	if !stackEqual(out, want) {
		t.Fatalf("ReverseForReplay = %v, want %v", out, want)
	}
	if !stackEqual(in, NativeStack{0x1, 0x2, 0x3}) {
		t.Fatalf("ReverseForReplay mutated its input: %v", in)
	}
}

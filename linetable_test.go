package memtrace

import "testing"

func TestLineTableBuilderRoundTrip(t *testing.T) {
	b := NewLineTableBuilder(10)
	b.Add(4, 10)  // offsets [0,4) -> line 10
	b.Add(2, 11)  // offsets [4,6) -> line 11
	b.Add(10, 15) // offsets [6,16) -> line 15

	table := b.Bytes()

	cases := []struct {
		offset uint32
		want   int32
	}{
		{0, 10},
		{3, 10},
		{4, 11},
		{5, 11},
		{6, 15},
		{15, 15},
		{100, 15}, // past the end: last known line
	}
	for _, c := range cases {
		if got := LineForOffset(table, 10, c.offset); got != c.want {
			t.Errorf("LineForOffset(offset=%d) = %d, want %d", c.offset, got, c.want)
		}
	}
}

func TestLineTableBuilderEmpty(t *testing.T) {
	b := NewLineTableBuilder(42)
	if got := LineForOffset(b.Bytes(), 42, 0); got != 42 {
		t.Errorf("empty table LineForOffset = %d, want firstLine 42", got)
	}
}

func TestAppendZigzagRoundTrip(t *testing.T) {
	values := []int32{0, 1, -1, 63, 64, -64, -65, 1 << 20, -(1 << 20)}
	for _, v := range values {
		buf := appendZigzag(nil, v)
		got, n := readZigzag(buf)
		if n != len(buf) {
			t.Errorf("readZigzag consumed %d bytes, want %d for v=%d", n, len(buf), v)
		}
		if got != v {
			t.Errorf("zigzag round trip: got %d, want %d", got, v)
		}
	}
}

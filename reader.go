package memtrace

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pierrec/lz4/v3"
)

// Event is implemented by every record type Reader.Next can return.
type Event interface{ isEvent() }

// AllocationEvent is an ALLOCATION record enriched with its resolved
// host-language call stack and, if native tracing was enabled, its
// native call stack.
type AllocationEvent struct {
	ThreadID    uint64
	Address     uint64
	Size        uint64
	Kind        AllocatorKind
	Stack       []ShadowFrame // outermost-first
	NativeStack []uint64      // outermost-first, nil if unavailable
}

func (AllocationEvent) isEvent() {}

// MemorySnapshotEvent is a MEMORY_RECORD: an aggregation boundary plus an
// RSS sample.
type MemorySnapshotEvent struct {
	TimeMs   uint64
	RSSBytes uint64
}

func (MemorySnapshotEvent) isEvent() {}

// ThreadNameEvent is a THREAD_NAME record.
type ThreadNameEvent struct {
	ThreadID uint64
	Name     string
}

func (ThreadNameEvent) isEvent() {}

// MemoryMapEvent is the replay of a memory-map section: one filename,
// base address, and the list of (vaddr, memsz) segments.
type MemoryMapEvent struct {
	Filename string
	BaseAddr uint64
	Segments []SegmentRecord
}

func (MemoryMapEvent) isEvent() {}

// Reader replays a capture file, rebuilding the frame table, native
// frame table, and per-thread shadow stacks exactly as the recorder
// produced them.
type Reader struct {
	Header Header

	f           *os.File
	chunkSource *bufio.Reader

	chunk        *bytes.Reader
	offset       int64 // logical offset within the decompressed record stream
	recordOffset int64 // offset of the record most recently read

	frames     *FrameInterner
	stacks     *ShadowStackTable
	nativeIPs  map[uint32]uint64
	nativeStacks map[uint32][]uint32

	currentTID uint64

	pendingSegHeader *SegmentHeaderRecord
	pendingSegs      []SegmentRecord

	trailerSeen bool
	recordsRead int
}

// OpenReader opens path, parses its header, and returns a Reader
// positioned at the first record.
func OpenReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &SetupError{Reason: fmt.Sprintf("opening capture %q", path), Cause: err}
	}

	br := bufio.NewReader(f)
	header, err := ReadHeader(br)
	if err != nil {
		f.Close()
		return nil, err
	}

	r := &Reader{
		Header:       header,
		f:            f,
		chunkSource:  br,
		frames:       NewFrameInterner(),
		stacks:       NewShadowStackTable(nil),
		nativeIPs:    make(map[uint32]uint64),
		nativeStacks: make(map[uint32][]uint32),
	}
	return r, nil
}

// Frames exposes the frame interner rebuilt so far, useful for callers
// that want to resolve a ShadowFrame.CodeID to a CodeObject.
func (r *Reader) Frames() *FrameInterner { return r.frames }

func (r *Reader) fail(tag RecordTag, reason string, cause error) error {
	return &CorruptCaptureError{Offset: r.recordOffset, Tag: tag, Reason: reason, Cause: cause}
}

// Next returns the next Event in the stream. It returns io.EOF once the
// TRAILER record has been consumed. If the stream ends without a
// trailer, it returns a *PartialCaptureError instead of io.EOF, after
// every record that fully parsed has already been handed back to the
// caller.
func (r *Reader) Next() (Event, error) {
	for {
		if r.trailerSeen {
			return nil, io.EOF
		}

		tag, payload, err := r.nextRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, &PartialCaptureError{RecordsRead: r.recordsRead}
			}
			return nil, err
		}
		r.recordsRead++

		rec, err := decodePayload(tag, payload)
		if err != nil {
			return nil, r.fail(tag, "malformed payload", err)
		}

		switch tag {
		case TagTrailer:
			r.trailerSeen = true
			if r.pendingSegHeader != nil {
				ev := r.flushMemoryMap()
				r.pendingSegHeader = nil
				return ev, nil
			}
			return nil, io.EOF

		case TagMemoryRecord:
			m := rec.(MemoryRecord)
			return MemorySnapshotEvent{TimeMs: m.TimeMs, RSSBytes: m.RSSBytes}, nil

		case TagContextSwitch:
			r.currentTID = rec.(ContextSwitchRecord).ThreadID
			r.stacks.GetOrCreate(r.currentTID, "")
			continue

		case TagThreadName:
			name := rec.(ThreadNameRecord).Name
			return ThreadNameEvent{ThreadID: r.currentTID, Name: name}, nil

		case TagCodeObject:
			c := rec.(CodeObjectRecord)
			_, _ = r.frames.InternCode(CodeObject{
				Function: c.Function, File: c.File, FirstLine: c.FirstLine, LineTable: c.LineTable,
			})
			continue

		case TagFramePush:
			p := rec.(FramePushRecord)
			if _, ok := r.frames.CodeObject(p.CodeID); !ok {
				return nil, r.fail(tag, fmt.Sprintf("reference to unknown code id %d", p.CodeID), nil)
			}
			st, _ := r.stacks.GetOrCreate(r.currentTID, "")
			st.Push(p.CodeID, p.InstrOffset, p.IsEntry)
			continue

		case TagFramePop:
			count := rec.(FramePopRecord).Count
			st, ok := r.stacks.Get(r.currentTID)
			if !ok {
				return nil, r.fail(tag, "pop on thread with no stack", nil)
			}
			if err := st.Pop(int(count)); err != nil {
				return nil, r.fail(tag, "pop underflow", err)
			}
			continue

		case TagNativeFrameID:
			n := rec.(NativeFrameIDRecord)
			r.nativeIPs[n.Index] = n.IP
			continue

		case TagNativeStack:
			n := rec.(NativeStackRecord)
			r.nativeStacks[uint32(n.StackID)] = n.FrameIDs
			continue

		case TagAllocation:
			a := rec.(AllocationRecord)
			st, _ := r.stacks.GetOrCreate(r.currentTID, "")

			var native []uint64
			if ids, ok := r.nativeStacks[uint32(a.NativeStackID)]; ok {
				native = make([]uint64, 0, len(ids))
				for _, idx := range ids {
					ip, ok := r.nativeIPs[idx]
					if !ok {
						return nil, r.fail(tag, fmt.Sprintf("reference to unknown native frame index %d", idx), nil)
					}
					native = append(native, ip)
				}
				native = reverseUint64(native)
			}

			return AllocationEvent{
				ThreadID:    r.currentTID,
				Address:     a.Address,
				Size:        a.Size,
				Kind:        a.Kind,
				Stack:       st.Clone(),
				NativeStack: native,
			}, nil

		case TagMemoryMapStart:
			r.pendingSegHeader = nil
			r.pendingSegs = nil
			continue

		case TagSegmentHeader:
			if r.pendingSegHeader != nil {
				ev := r.flushMemoryMap()
				h := rec.(SegmentHeaderRecord)
				r.pendingSegHeader = &h
				return ev, nil
			}
			h := rec.(SegmentHeaderRecord)
			r.pendingSegHeader = &h
			continue

		case TagSegment:
			s := rec.(SegmentRecord)
			r.pendingSegs = append(r.pendingSegs, s)
			continue

		default:
			return nil, r.fail(tag, "unknown record tag", nil)
		}
	}
}

func (r *Reader) flushMemoryMap() MemoryMapEvent {
	ev := MemoryMapEvent{
		Filename: r.pendingSegHeader.Filename,
		BaseAddr: r.pendingSegHeader.BaseAddr,
		Segments: r.pendingSegs,
	}
	r.pendingSegs = nil
	return ev
}

func reverseUint64(s []uint64) []uint64 {
	out := make([]uint64, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// --- chunk demultiplexing ---

func (r *Reader) nextRecord() (RecordTag, []byte, error) {
	tagByte, err := r.readByte()
	if err != nil {
		return 0, nil, err
	}
	length, err := r.readUvarintFromChunks()
	if err != nil {
		return 0, nil, fmt.Errorf("memtrace: reading record length: %w", err)
	}
	payload := make([]byte, length)
	if err := r.readFullFromChunks(payload); err != nil {
		return 0, nil, err
	}
	r.recordOffset = r.offset
	r.offset += 1 + int64(uvarintLen(length)) + int64(length)
	return RecordTag(tagByte), payload, nil
}

func (r *Reader) readByte() (byte, error) {
	var b [1]byte
	if err := r.readFullFromChunks(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) readUvarintFromChunks() (uint64, error) {
	var x uint64
	var s uint
	for {
		b, err := r.readByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func (r *Reader) readFullFromChunks(dst []byte) error {
	for len(dst) > 0 {
		if r.chunk == nil || r.chunk.Len() == 0 {
			if err := r.fillChunk(); err != nil {
				return err
			}
		}
		n, err := r.chunk.Read(dst)
		if err != nil && n == 0 {
			return err
		}
		dst = dst[n:]
	}
	return nil
}

func (r *Reader) fillChunk() error {
	var hdr [1]byte
	if _, err := io.ReadFull(r.chunkSource, hdr[:]); err != nil {
		return endOfChunks(err)
	}
	rawLen, err := readUvarintReader(r.chunkSource)
	if err != nil {
		return endOfChunks(err)
	}
	storedLen, err := readUvarintReader(r.chunkSource)
	if err != nil {
		return endOfChunks(err)
	}

	body := make([]byte, storedLen)
	n, err := io.ReadFull(r.chunkSource, body)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return endOfChunks(err)
	}
	body = body[:n]

	if hdr[0] == 0 {
		// Uncompressed: the body *is* the record stream, so a short read
		// still leaves a valid prefix of it to replay. A process killed
		// mid-write loses only the records past the truncation point,
		// not the whole chunk.
		r.chunk = bytes.NewReader(body)
		return nil
	}

	if len(body) < int(storedLen) {
		// An LZ4 block can't be partially decoded; a truncated compressed
		// chunk contributes nothing further to the stream.
		return io.EOF
	}

	raw := make([]byte, rawLen)
	n, err = lz4.UncompressBlock(body, raw)
	if err != nil {
		return fmt.Errorf("memtrace: decompressing chunk: %w", err)
	}
	r.chunk = bytes.NewReader(raw[:n])
	return nil
}

// endOfChunks normalizes a short read encountered while locating or
// reading a chunk header to io.EOF: a clean end of stream and a
// mid-header truncation both mean "no further complete chunk", which
// Next reports as a *PartialCaptureError instead of a hard failure.
func endOfChunks(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return io.EOF
	}
	return err
}

func readUvarintReader(br *bufio.Reader) (uint64, error) {
	var x uint64
	var s uint
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
}

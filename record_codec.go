package memtrace

import (
	"bytes"
	"fmt"
)

// encodePayload renders a record's payload into wire bytes.
func encodePayload(tag RecordTag, rec any) []byte {
	buf := new(bytes.Buffer)

	switch tag {
	case TagMemoryRecord:
		r := rec.(MemoryRecord)
		putUvarint(buf, r.TimeMs)
		putUvarint(buf, r.RSSBytes)

	case TagContextSwitch:
		r := rec.(ContextSwitchRecord)
		putUvarint(buf, r.ThreadID)

	case TagThreadName:
		r := rec.(ThreadNameRecord)
		putString(buf, r.Name)

	case TagCodeObject:
		r := rec.(CodeObjectRecord)
		putUvarint(buf, uint64(r.CodeID))
		putString(buf, r.Function)
		putString(buf, r.File)
		putBytes(buf, r.LineTable)
		putUvarint(buf, uint64(uint32(r.FirstLine)))

	case TagFramePush:
		r := rec.(FramePushRecord)
		putUvarint(buf, uint64(r.CodeID))
		putUvarint(buf, uint64(r.InstrOffset))
		if r.IsEntry {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}

	case TagFramePop:
		r := rec.(FramePopRecord)
		buf.WriteByte(r.Count)

	case TagNativeFrameID:
		r := rec.(NativeFrameIDRecord)
		putUvarint(buf, r.IP)
		putUvarint(buf, uint64(r.Index))

	case TagNativeStack:
		r := rec.(NativeStackRecord)
		putUvarint(buf, uint64(r.StackID))
		putUvarint(buf, uint64(len(r.FrameIDs)))
		for _, id := range r.FrameIDs {
			putUvarint(buf, uint64(id))
		}

	case TagAllocation:
		r := rec.(AllocationRecord)
		putUvarint(buf, r.Address)
		putUvarint(buf, r.Size)
		buf.WriteByte(byte(r.Kind))
		putUvarint(buf, uint64(r.NativeStackID))

	case TagAggregatedAllocation:
		r := rec.(AggregatedAllocationRecord)
		putUvarint(buf, r.LocationKey)
		putUvarint(buf, r.Count)
		putUvarint(buf, r.Bytes)
		buf.WriteByte(byte(r.Kind))

	case TagMemoryMapStart:
		// empty payload

	case TagSegmentHeader:
		r := rec.(SegmentHeaderRecord)
		putString(buf, r.Filename)
		putUvarint(buf, r.BaseAddr)
		putUvarint(buf, uint64(r.SegmentCount))

	case TagSegment:
		r := rec.(SegmentRecord)
		putUvarint(buf, r.VAddr)
		putUvarint(buf, r.Memsz)

	case TagTrailer:
		// empty payload

	default:
		panic(fmt.Sprintf("memtrace: unknown record tag %v", tag))
	}

	return buf.Bytes()
}

// decodePayload parses payload bytes for tag into the corresponding
// record type. The caller wraps any structural problem into a
// *CorruptCaptureError, filling in the offset since it knows the
// record's position in the stream.
func decodePayload(tag RecordTag, payload []byte) (any, error) {
	r := bytes.NewReader(payload)

	switch tag {
	case TagMemoryRecord:
		t, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		rss, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		return MemoryRecord{TimeMs: t, RSSBytes: rss}, nil

	case TagContextSwitch:
		tid, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		return ContextSwitchRecord{ThreadID: tid}, nil

	case TagThreadName:
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		return ThreadNameRecord{Name: name}, nil

	case TagCodeObject:
		id, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		fn, err := readString(r)
		if err != nil {
			return nil, err
		}
		file, err := readString(r)
		if err != nil {
			return nil, err
		}
		lt, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		fl, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		return CodeObjectRecord{
			CodeID: FrameID(id), Function: fn, File: file,
			LineTable: lt, FirstLine: int32(uint32(fl)),
		}, nil

	case TagFramePush:
		id, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		off, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		entry, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return FramePushRecord{CodeID: FrameID(id), InstrOffset: uint32(off), IsEntry: entry != 0}, nil

	case TagFramePop:
		count, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if count == 0 {
			return nil, fmt.Errorf("memtrace: invalid FRAME_POP count=0")
		}
		return FramePopRecord{Count: count}, nil

	case TagNativeFrameID:
		ip, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		idx, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		return NativeFrameIDRecord{IP: ip, Index: uint32(idx)}, nil

	case TagNativeStack:
		id, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		n, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		ids := make([]uint32, n)
		for i := range ids {
			v, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			ids[i] = uint32(v)
		}
		return NativeStackRecord{StackID: NativeStackID(id), FrameIDs: ids}, nil

	case TagAllocation:
		addr, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		size, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		nsid, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		return AllocationRecord{
			Address: addr, Size: size, Kind: AllocatorKind(kind), NativeStackID: NativeStackID(nsid),
		}, nil

	case TagAggregatedAllocation:
		key, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		count, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		bytes_, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		kind, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		return AggregatedAllocationRecord{LocationKey: key, Count: count, Bytes: bytes_, Kind: AllocatorKind(kind)}, nil

	case TagMemoryMapStart:
		return MemoryMapStartRecord{}, nil

	case TagSegmentHeader:
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		base, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		n, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		return SegmentHeaderRecord{Filename: name, BaseAddr: base, SegmentCount: uint32(n)}, nil

	case TagSegment:
		vaddr, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		memsz, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		return SegmentRecord{VAddr: vaddr, Memsz: memsz}, nil

	case TagTrailer:
		return TrailerRecord{}, nil

	default:
		return nil, fmt.Errorf("memtrace: unknown record tag %d", tag)
	}
}

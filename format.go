package memtrace

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FormatVersion is bumped for any wire-incompatible change to the record
// stream.
const FormatVersion = 1

// Magic is the literal token identifying a memtrace capture file.
const Magic = "memtrace"

// FileFormat distinguishes a capture holding raw per-event ALLOCATION
// records from one holding pre-aggregated AGGREGATED_ALLOCATION
// records.
type FileFormat string

const (
	AllAllocations        FileFormat = "ALL_ALLOCATIONS"
	AggregatedAllocations FileFormat = "AGGREGATED_ALLOCATIONS"
)

// Compression names the optional block compressor wrapping the record
// stream; decompression is transparent to every layer above the sink.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionLZ4  Compression = "lz4"
)

// Header is the textual, newline-terminated key=value preamble of a
// capture file.
type Header struct {
	Version                 int
	HostLanguageVersion      string
	NativeTraces             bool
	FileFormat               FileFormat
	Compression              Compression
	NAllocations             uint64
	NFrames                  uint64
	StartTime                int64
	EndTime                  int64
	PID                      int
	MainThreadID             uint64
	SkippedFramesOnMainTID   int
	CommandLine              []string
	Allocator                string
	TraceHostLanguageAllocators bool
}

// headerSeparator marks the end of the textual header, before the
// (possibly compressed) record stream begins.
const headerSeparator = 0

// WriteHeader serializes h as newline-terminated key=value pairs
// followed by the separator byte.
func WriteHeader(w io.Writer, h Header) error {
	var b strings.Builder
	fmt.Fprintf(&b, "magic=%s\n", Magic)
	fmt.Fprintf(&b, "version=%d\n", h.Version)
	fmt.Fprintf(&b, "python_version=%s\n", h.HostLanguageVersion)
	fmt.Fprintf(&b, "native_traces=%t\n", h.NativeTraces)
	fmt.Fprintf(&b, "file_format=%s\n", h.FileFormat)
	fmt.Fprintf(&b, "compression=%s\n", h.Compression)
	fmt.Fprintf(&b, "n_allocations=%d\n", h.NAllocations)
	fmt.Fprintf(&b, "n_frames=%d\n", h.NFrames)
	fmt.Fprintf(&b, "start_time=%d\n", h.StartTime)
	fmt.Fprintf(&b, "end_time=%d\n", h.EndTime)
	fmt.Fprintf(&b, "pid=%d\n", h.PID)
	fmt.Fprintf(&b, "main_tid=%d\n", h.MainThreadID)
	fmt.Fprintf(&b, "skipped_frames_on_main_tid=%d\n", h.SkippedFramesOnMainTID)
	fmt.Fprintf(&b, "command_line=%s\n", strings.Join(h.CommandLine, " "))
	fmt.Fprintf(&b, "python_allocator=%s\n", h.Allocator)
	fmt.Fprintf(&b, "trace_python_allocators=%t\n", h.TraceHostLanguageAllocators)

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("memtrace: writing header: %w", err)
	}
	if _, err := w.Write([]byte{headerSeparator}); err != nil {
		return fmt.Errorf("memtrace: writing header separator: %w", err)
	}
	return nil
}

// ReadHeader parses the textual header produced by WriteHeader.
func ReadHeader(r *bufio.Reader) (Header, error) {
	var h Header
	fields := make(map[string]string)

	for {
		peek, err := r.Peek(1)
		if err != nil {
			return h, fmt.Errorf("memtrace: reading header: %w", err)
		}
		if peek[0] == headerSeparator {
			r.Discard(1)
			break
		}

		line, err := r.ReadString('\n')
		if err != nil {
			return h, fmt.Errorf("memtrace: reading header line: %w", err)
		}
		line = strings.TrimSuffix(line, "\n")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			return h, fmt.Errorf("memtrace: malformed header line %q", line)
		}
		fields[k] = v
	}

	if fields["magic"] != Magic {
		return h, &SetupError{Reason: fmt.Sprintf("not a memtrace capture (magic=%q)", fields["magic"])}
	}

	h.Version, _ = strconv.Atoi(fields["version"])
	h.HostLanguageVersion = fields["python_version"]
	h.NativeTraces = fields["native_traces"] == "true"
	h.FileFormat = FileFormat(fields["file_format"])
	h.Compression = Compression(fields["compression"])
	h.NAllocations, _ = strconv.ParseUint(fields["n_allocations"], 10, 64)
	h.NFrames, _ = strconv.ParseUint(fields["n_frames"], 10, 64)
	h.StartTime, _ = strconv.ParseInt(fields["start_time"], 10, 64)
	h.EndTime, _ = strconv.ParseInt(fields["end_time"], 10, 64)
	h.PID, _ = strconv.Atoi(fields["pid"])
	h.MainThreadID, _ = strconv.ParseUint(fields["main_tid"], 10, 64)
	h.SkippedFramesOnMainTID, _ = strconv.Atoi(fields["skipped_frames_on_main_tid"])
	if cmd := fields["command_line"]; cmd != "" {
		h.CommandLine = strings.Split(cmd, " ")
	}
	h.Allocator = fields["python_allocator"]
	h.TraceHostLanguageAllocators = fields["trace_python_allocators"] == "true"

	return h, nil
}

// RecordTag identifies the type of a record in the stream.
type RecordTag byte

const (
	TagMemoryRecord RecordTag = iota + 1
	TagContextSwitch
	TagThreadName
	TagCodeObject
	TagFramePush
	TagFramePop
	TagNativeFrameID
	TagNativeStack // ties a dense stack id to an ordered list of interned native frames; see nativeunwind.go.
	TagAllocation
	TagAggregatedAllocation
	TagMemoryMapStart
	TagSegmentHeader
	TagSegment
	TagTrailer
)

func (t RecordTag) String() string {
	switch t {
	case TagMemoryRecord:
		return "MEMORY_RECORD"
	case TagContextSwitch:
		return "CONTEXT_SWITCH"
	case TagThreadName:
		return "THREAD_NAME"
	case TagCodeObject:
		return "CODE_OBJECT"
	case TagFramePush:
		return "FRAME_PUSH"
	case TagFramePop:
		return "FRAME_POP"
	case TagNativeFrameID:
		return "NATIVE_FRAME_ID"
	case TagNativeStack:
		return "NATIVE_STACK"
	case TagAllocation:
		return "ALLOCATION"
	case TagAggregatedAllocation:
		return "AGGREGATED_ALLOCATION"
	case TagMemoryMapStart:
		return "MEMORY_MAP_START"
	case TagSegmentHeader:
		return "SEGMENT_HEADER"
	case TagSegment:
		return "SEGMENT"
	case TagTrailer:
		return "TRAILER"
	default:
		return fmt.Sprintf("RecordTag(%d)", byte(t))
	}
}

// maxPopCount is the cap on a single FRAME_POP record's count; larger
// runs are split into chained continuations.
const maxPopCount = 16

// --- record payloads ---

type MemoryRecord struct {
	TimeMs   uint64
	RSSBytes uint64
}

type ContextSwitchRecord struct {
	ThreadID uint64
}

type ThreadNameRecord struct {
	Name string
}

type CodeObjectRecord struct {
	CodeID    FrameID
	Function  string
	File      string
	LineTable []byte
	FirstLine int32
}

type FramePushRecord struct {
	CodeID      FrameID
	InstrOffset uint32
	IsEntry     bool
}

type FramePopRecord struct {
	Count uint8
}

type NativeFrameIDRecord struct {
	IP    uint64
	Index uint32
}

type NativeStackRecord struct {
	StackID  NativeStackID
	FrameIDs []uint32 // indices into the NATIVE_FRAME_ID table, innermost-first
}

type AllocationRecord struct {
	Address       uint64
	Size          uint64
	Kind          AllocatorKind
	NativeStackID NativeStackID
}

type AggregatedAllocationRecord struct {
	LocationKey uint64
	Count       uint64
	Bytes       uint64
	Kind        AllocatorKind
}

type MemoryMapStartRecord struct{}

type SegmentHeaderRecord struct {
	Filename    string
	BaseAddr    uint64
	SegmentCount uint32
}

type SegmentRecord struct {
	VAddr uint64
	Memsz uint64
}

type TrailerRecord struct{}

// --- varint helpers (unsigned LEB128 via encoding/binary) ---

func putUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	return binary.ReadUvarint(r)
}

func putString(buf *bytes.Buffer, s string) {
	putUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readUvarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

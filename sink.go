package memtrace

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/pierrec/lz4/v3"
)

// defaultChunkSize bounds how much record data Sink accumulates before
// flushing a chunk to the underlying writer.
const defaultChunkSize = 64 * 1024

// Sink is a buffered, optionally compressed destination for the record
// stream. A file is the only sink implemented here; a socket
// live-streaming sink is an alternate, out-of-scope collaborator with
// the same interface.
type Sink interface {
	WriteRecord(tag RecordTag, rec any) error
	Flush() error
	Close() error
}

// FileSink writes a capture to a file on disk. Writes are buffered into
// chunks; each chunk is optionally LZ4-compressed before being written,
// with a small chunk header recording whether compression was applied
// and how large the chunk is, so the reader can demultiplex it
// transparently to the rest of the pipeline.
type FileSink struct {
	mu          sync.Mutex
	f           *os.File
	compression Compression
	chunkSize   int
	pending     bytes.Buffer
	hashTable   []int
	closed      bool
}

// NewFileSink creates (or, if overwrite is true, truncates) the capture
// file at path and writes the header. Returns a *SetupError if the file
// exists and overwrite is false, or if the file cannot be opened.
func NewFileSink(path string, overwrite bool, header Header) (*FileSink, error) {
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}

	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, &SetupError{Reason: fmt.Sprintf("capture file %q already exists", path), Cause: err}
		}
		return nil, &SetupError{Reason: fmt.Sprintf("opening capture file %q", path), Cause: err}
	}

	header.Compression = pickCompression(header.Compression)

	if err := WriteHeader(f, header); err != nil {
		f.Close()
		return nil, &SetupError{Reason: "writing capture header", Cause: err}
	}

	return &FileSink{
		f:           f,
		compression: header.Compression,
		chunkSize:   defaultChunkSize,
	}, nil
}

func pickCompression(c Compression) Compression {
	if c == "" {
		return CompressionLZ4
	}
	return c
}

// WriteRecord appends one (tag, varint-length, payload) record to the
// pending chunk, flushing the chunk if it has grown past chunkSize.
func (s *FileSink) WriteRecord(tag RecordTag, rec any) error {
	payload := encodePayload(tag, rec)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("memtrace: write to closed sink")
	}

	s.pending.WriteByte(byte(tag))
	putUvarint(&s.pending, uint64(len(payload)))
	s.pending.Write(payload)

	if s.pending.Len() >= s.chunkSize {
		return s.flushLocked()
	}
	return nil
}

// Flush forces the current chunk to be written out, regardless of size.
func (s *FileSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *FileSink) flushLocked() error {
	if s.pending.Len() == 0 {
		return nil
	}
	raw := s.pending.Bytes()

	var flag byte
	var out []byte

	if s.compression == CompressionLZ4 {
		bound := lz4.CompressBlockBound(len(raw))
		dst := make([]byte, bound)
		if len(s.hashTable) == 0 {
			s.hashTable = make([]int, 1<<16)
		}
		n, err := lz4.CompressBlock(raw, dst, s.hashTable)
		if err == nil && n > 0 && n < len(raw) {
			flag = 1
			out = dst[:n]
		}
	}
	if out == nil {
		flag = 0
		out = raw
	}

	var hdr bytes.Buffer
	hdr.WriteByte(flag)
	putUvarint(&hdr, uint64(len(raw)))
	putUvarint(&hdr, uint64(len(out)))

	if _, err := s.f.Write(hdr.Bytes()); err != nil {
		return fmt.Errorf("memtrace: writing chunk header: %w", err)
	}
	if _, err := s.f.Write(out); err != nil {
		return fmt.Errorf("memtrace: writing chunk body: %w", err)
	}

	s.pending.Reset()
	return nil
}

// Close flushes any pending data and closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ io.Closer = (*FileSink)(nil)

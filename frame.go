package memtrace

import (
	"container/list"
	"sync"
)

// FrameID is a dense, monotonically increasing identifier assigned to an
// interned CodeObject. ID 0 is the sentinel "no frame".
type FrameID uint32

// NoFrame is the sentinel frame id meaning "no frame".
const NoFrame FrameID = 0

// NativeFrameID is an interned native instruction pointer.
type NativeFrameID uint32

// CodeObject is the immutable descriptor backing a Frame: a
// (function_name, file_name, first_line) triple plus the compact
// line-number table needed to recover a source line for any execution
// point within the code object (see linetable.go for the encoding).
type CodeObject struct {
	Function  string
	File      string
	FirstLine int32
	LineTable []byte
}

type codeObjectKey struct {
	function string
	file     string
	line     int32
}

func (c CodeObject) key() codeObjectKey {
	return codeObjectKey{function: c.Function, file: c.File, line: c.FirstLine}
}

// FrameInterner maintains a bidirectional map between CodeObject
// descriptors and dense FrameIDs, and a separate map for native
// instruction pointers.
//
// Lookup is expected O(1); insertion is amortized O(1). The table is
// shared across threads; the lock is acquired only on miss, and callers
// are expected to keep a PerThreadCache of recently seen ids to avoid
// paying the lock on the hot path.
type FrameInterner struct {
	mu sync.Mutex

	codeIDs   map[codeObjectKey]FrameID
	codeByID  []CodeObject
	nativeIDs map[uint64]NativeFrameID
	ipByID    []uint64
}

// NewFrameInterner constructs an empty interner.
func NewFrameInterner() *FrameInterner {
	return &FrameInterner{
		codeIDs:   make(map[codeObjectKey]FrameID),
		nativeIDs: make(map[uint64]NativeFrameID),
	}
}

// InternCode returns the FrameID for the given descriptor, assigning a
// new one on first observation. Frame ids are issued monotonically from
// 1.
func (f *FrameInterner) InternCode(desc CodeObject) (FrameID, bool) {
	key := desc.key()

	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.codeIDs[key]; ok {
		return id, false
	}

	f.codeByID = append(f.codeByID, desc)
	id := FrameID(len(f.codeByID))
	f.codeIDs[key] = id
	return id, true
}

// CodeObject returns the descriptor for a previously interned id. The
// second result is false if the id was never issued by this interner.
func (f *FrameInterner) CodeObject(id FrameID) (CodeObject, bool) {
	if id == NoFrame {
		return CodeObject{}, false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := int(id) - 1
	if i < 0 || i >= len(f.codeByID) {
		return CodeObject{}, false
	}
	return f.codeByID[i], true
}

// InternIP returns the NativeFrameID for a raw instruction pointer,
// assigning a new one on first observation.
func (f *FrameInterner) InternIP(addr uint64) (NativeFrameID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id, ok := f.nativeIDs[addr]; ok {
		return id, false
	}

	f.ipByID = append(f.ipByID, addr)
	id := NativeFrameID(len(f.ipByID))
	f.nativeIDs[addr] = id
	return id, true
}

// InstructionPointer returns the raw address for a previously interned
// NativeFrameID.
func (f *FrameInterner) InstructionPointer(id NativeFrameID) (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := int(id) - 1
	if i < 0 || i >= len(f.ipByID) {
		return 0, false
	}
	return f.ipByID[i], true
}

// Len reports the number of interned code objects. Nothing in this
// package writes it into the capture header, whose n_frames field is
// written as 0 when the capture starts.
func (f *FrameInterner) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.codeByID)
}

// perThreadCacheSize bounds the per-thread recently-seen cache. It is
// intentionally small: its purpose is to shortcut repeat pushes of the
// same handful of hot frames within a single thread, not to cache the
// whole program.
const perThreadCacheSize = 64

// PerThreadCache shortcuts the FrameInterner's hit path with a small
// recently-seen cache, built on container/list for an LRU with O(1)
// promote/evict.
type PerThreadCache struct {
	entries *list.List // of *cacheEntry, front = most recently used
	index   map[codeObjectKey]*list.Element
	size    int
}

type cacheEntry struct {
	key codeObjectKey
	id  FrameID
}

// NewPerThreadCache constructs a cache bounded to perThreadCacheSize
// entries.
func NewPerThreadCache() *PerThreadCache {
	return &PerThreadCache{
		entries: list.New(),
		index:   make(map[codeObjectKey]*list.Element),
		size:    perThreadCacheSize,
	}
}

// Lookup returns a cached FrameID for desc without touching the shared
// interner, or false on a cache miss.
func (c *PerThreadCache) Lookup(desc CodeObject) (FrameID, bool) {
	key := desc.key()
	e, ok := c.index[key]
	if !ok {
		return NoFrame, false
	}
	c.entries.MoveToFront(e)
	return e.Value.(*cacheEntry).id, true
}

// Insert records that desc resolved to id, evicting the least recently
// used entry if the cache is full.
func (c *PerThreadCache) Insert(desc CodeObject, id FrameID) {
	key := desc.key()
	if e, ok := c.index[key]; ok {
		e.Value.(*cacheEntry).id = id
		c.entries.MoveToFront(e)
		return
	}

	e := c.entries.PushFront(&cacheEntry{key: key, id: id})
	c.index[key] = e

	for c.entries.Len() > c.size {
		oldest := c.entries.Back()
		if oldest == nil {
			break
		}
		c.entries.Remove(oldest)
		delete(c.index, oldest.Value.(*cacheEntry).key)
	}
}

// InternCode resolves desc to a FrameID, checking the per-thread cache
// first and falling back to the shared interner on a miss. This is the
// intended hot-path entry point for hook code.
func (c *PerThreadCache) InternCode(interner *FrameInterner, desc CodeObject) (id FrameID, created bool) {
	if id, ok := c.Lookup(desc); ok {
		return id, false
	}
	id, created = interner.InternCode(desc)
	c.Insert(desc, id)
	return id, created
}

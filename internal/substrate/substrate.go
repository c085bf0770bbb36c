// Package substrate is an in-process STM substrate for the collector in
// internal/stmgc. It owns the per-thread copy dictionaries, the type layouts
// that drive tracing and sizing, and the commit serialization lock. It does no
// conflict detection: raw reads return whatever the global heap holds.
package substrate

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Pam-La/stmgc/internal/object"
)

var (
	ErrUnknownThread = errors.New("thread not attached to substrate")
	ErrUnknownType   = errors.New("type not registered")
	ErrThreadExists  = errors.New("thread already attached")
	ErrDuplicateKey  = errors.New("global object already has a local copy")
)

// Layout describes one object type: its payload size and the payload offsets
// that hold pointers.
type Layout struct {
	Size     uint64
	Pointers []uint64
}

type Stats struct {
	RawReads    uint64
	BlockCopies uint64
	CopiedBytes uint64
	Commits     uint64
	RootCommits uint64
}

type threadState struct {
	dict map[object.Addr]object.Addr
}

type Substrate struct {
	typesMu sync.RWMutex
	types   map[object.TypeID]Layout

	threadsMu sync.RWMutex
	threads   map[object.ThreadID]*threadState

	commitMu sync.Mutex

	rawReads    atomic.Uint64
	blockCopies atomic.Uint64
	copiedBytes atomic.Uint64
	commits     atomic.Uint64
	rootCommits atomic.Uint64
}

func New() *Substrate {
	return &Substrate{
		types:   make(map[object.TypeID]Layout),
		threads: make(map[object.ThreadID]*threadState),
	}
}

// Register installs or replaces the layout of typeID. Pointer offsets must be
// word aligned and inside the payload.
func (s *Substrate) Register(typeID object.TypeID, layout Layout) error {
	for _, off := range layout.Pointers {
		if off%object.WordSize != 0 || off+object.WordSize > object.RoundWords(layout.Size) {
			return fmt.Errorf("type %d: pointer offset %d outside payload of %d bytes", typeID, off, layout.Size)
		}
	}
	ptrs := append([]uint64(nil), layout.Pointers...)
	s.typesMu.Lock()
	s.types[typeID] = Layout{Size: layout.Size, Pointers: ptrs}
	s.typesMu.Unlock()
	return nil
}

func (s *Substrate) layout(typeID object.TypeID) (Layout, error) {
	s.typesMu.RLock()
	l, ok := s.types[typeID]
	s.typesMu.RUnlock()
	if !ok {
		return Layout{}, fmt.Errorf("type %d: %w", typeID, ErrUnknownType)
	}
	return l, nil
}

func (s *Substrate) Attach(tid object.ThreadID) error {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	if _, ok := s.threads[tid]; ok {
		return fmt.Errorf("thread %d: %w", tid, ErrThreadExists)
	}
	s.threads[tid] = &threadState{dict: make(map[object.Addr]object.Addr)}
	return nil
}

func (s *Substrate) Detach(tid object.ThreadID) error {
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	if _, ok := s.threads[tid]; !ok {
		return fmt.Errorf("thread %d: %w", tid, ErrUnknownThread)
	}
	delete(s.threads, tid)
	return nil
}

func (s *Substrate) thread(tid object.ThreadID) (*threadState, error) {
	s.threadsMu.RLock()
	st, ok := s.threads[tid]
	s.threadsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("thread %d: %w", tid, ErrUnknownThread)
	}
	return st, nil
}

// Serialize runs fn while holding the global commit lock.
func (s *Substrate) Serialize(tid object.ThreadID, fn func() error) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	s.commits.Add(1)
	return fn()
}

func (s *Substrate) DictLookup(tid object.ThreadID, global object.Addr) (object.Addr, bool, error) {
	st, err := s.thread(tid)
	if err != nil {
		return 0, false, err
	}
	local, ok := st.dict[global]
	return local, ok, nil
}

func (s *Substrate) DictInsert(tid object.ThreadID, global, local object.Addr) error {
	st, err := s.thread(tid)
	if err != nil {
		return err
	}
	if global == 0 || local == 0 {
		return fmt.Errorf("dict insert %s -> %s: %w", global, local, object.ErrBadAddress)
	}
	if prev, ok := st.dict[global]; ok {
		return fmt.Errorf("dict insert %s (mapped to %s): %w", global, prev, ErrDuplicateKey)
	}
	st.dict[global] = local
	return nil
}

func (s *Substrate) DictStart(tid object.ThreadID) (object.DictIterator, error) {
	st, err := s.thread(tid)
	if err != nil {
		return nil, err
	}
	it := &dictIterator{entries: make([]dictEntry, 0, len(st.dict)), pos: -1}
	for g, l := range st.dict {
		it.entries = append(it.entries, dictEntry{global: g, local: l})
	}
	return it, nil
}

func (s *Substrate) DictClear(tid object.ThreadID) error {
	st, err := s.thread(tid)
	if err != nil {
		return err
	}
	clear(st.dict)
	return nil
}

// DictLen reports the number of pending copies of tid.
func (s *Substrate) DictLen(tid object.ThreadID) (int, error) {
	st, err := s.thread(tid)
	if err != nil {
		return 0, err
	}
	return len(st.dict), nil
}

func (s *Substrate) RawReadWord(mem object.Memory, tid object.ThreadID, addr object.Addr, offset uint64) (uint64, error) {
	s.rawReads.Add(1)
	return mem.LoadWord(addr.Field(offset))
}

func (s *Substrate) RawBlockCopy(mem object.Memory, src, dst object.Addr, size uint64) error {
	size = object.RoundWords(size)
	for off := uint64(0); off < size; off += object.WordSize {
		w, err := mem.LoadWord(src + object.Addr(off))
		if err != nil {
			return err
		}
		if err := mem.StoreWord(dst+object.Addr(off), w); err != nil {
			return err
		}
	}
	s.blockCopies.Add(1)
	s.copiedBytes.Add(size)
	return nil
}

// CommitRoot copies the committed payload of local over the payload of
// global. The global header is not touched.
func (s *Substrate) CommitRoot(mem object.Memory, global, local object.Addr, size uint64) error {
	if size > 0 {
		if err := s.RawBlockCopy(mem, local.Payload(), global.Payload(), size); err != nil {
			return err
		}
	}
	s.rootCommits.Add(1)
	return nil
}

// TraceOutgoingPointers calls fn with the address of every non-NULL pointer
// slot of the object at addr.
func (s *Substrate) TraceOutgoingPointers(mem object.Memory, addr object.Addr, fn func(slot object.Addr) error) error {
	hdr, err := object.LoadHeader(mem, addr)
	if err != nil {
		return err
	}
	l, err := s.layout(hdr.TypeID())
	if err != nil {
		return err
	}
	for _, off := range l.Pointers {
		slot := addr.Field(off)
		v, err := mem.LoadWord(slot)
		if err != nil {
			return err
		}
		if v == 0 {
			continue
		}
		if err := fn(slot); err != nil {
			return err
		}
	}
	return nil
}

func (s *Substrate) ObjectSize(mem object.Memory, addr object.Addr) (uint64, error) {
	hdr, err := object.LoadHeader(mem, addr)
	if err != nil {
		return 0, err
	}
	l, err := s.layout(hdr.TypeID())
	if err != nil {
		return 0, err
	}
	return l.Size, nil
}

func (s *Substrate) Stats() Stats {
	return Stats{
		RawReads:    s.rawReads.Load(),
		BlockCopies: s.blockCopies.Load(),
		CopiedBytes: s.copiedBytes.Load(),
		Commits:     s.commits.Load(),
		RootCommits: s.rootCommits.Load(),
	}
}

type dictEntry struct {
	global object.Addr
	local  object.Addr
}

type dictIterator struct {
	entries []dictEntry
	pos     int
}

func (it *dictIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

func (it *dictIterator) current() (dictEntry, error) {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return dictEntry{}, object.ErrUnknownDictionaryKey
	}
	return it.entries[it.pos], nil
}

func (it *dictIterator) Global() (object.Addr, error) {
	e, err := it.current()
	return e.global, err
}

func (it *dictIterator) Local() (object.Addr, error) {
	e, err := it.current()
	return e.local, err
}

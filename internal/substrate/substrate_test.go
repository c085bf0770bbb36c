package substrate

import (
	"errors"
	"sync"
	"testing"

	"github.com/Pam-La/stmgc/internal/object"
)

type wordMemory struct {
	mu    sync.Mutex
	words map[object.Addr]uint64
}

func newWordMemory() *wordMemory {
	return &wordMemory{words: make(map[object.Addr]uint64)}
}

func (m *wordMemory) LoadWord(addr object.Addr) (uint64, error) {
	if addr == 0 {
		return 0, object.ErrBadAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr], nil
}

func (m *wordMemory) StoreWord(addr object.Addr, value uint64) error {
	if addr == 0 {
		return object.ErrBadAddress
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[addr] = value
	return nil
}

func (m *wordMemory) CompareAndSwapWord(addr object.Addr, old, new uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.words[addr] != old {
		return false, nil
	}
	m.words[addr] = new
	return true, nil
}

const (
	typeLeaf object.TypeID = 1
	typePair object.TypeID = 2
)

func newTestSubstrate(t *testing.T) *Substrate {
	t.Helper()
	s := New()
	if err := s.Register(typeLeaf, Layout{Size: 12}); err != nil {
		t.Fatalf("register leaf failed: %v", err)
	}
	if err := s.Register(typePair, Layout{Size: 24, Pointers: []uint64{0, 16}}); err != nil {
		t.Fatalf("register pair failed: %v", err)
	}
	return s
}

func TestRegisterRejectsBadOffsets(t *testing.T) {
	s := New()
	if err := s.Register(9, Layout{Size: 16, Pointers: []uint64{4}}); err == nil {
		t.Fatalf("expected unaligned offset to be rejected")
	}
	if err := s.Register(9, Layout{Size: 16, Pointers: []uint64{16}}); err == nil {
		t.Fatalf("expected offset past payload to be rejected")
	}
	if err := s.Register(9, Layout{Size: 12, Pointers: []uint64{8}}); err != nil {
		t.Fatalf("offset in rounded payload rejected: %v", err)
	}
}

func TestDictionaryLifecycle(t *testing.T) {
	s := newTestSubstrate(t)
	const tid object.ThreadID = 3

	if _, _, err := s.DictLookup(tid, 0x100); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("expected ErrUnknownThread, got %v", err)
	}
	if err := s.Attach(tid); err != nil {
		t.Fatalf("attach failed: %v", err)
	}
	if err := s.Attach(tid); !errors.Is(err, ErrThreadExists) {
		t.Fatalf("expected ErrThreadExists, got %v", err)
	}

	if err := s.DictInsert(tid, 0x100, 0x200); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := s.DictInsert(tid, 0x100, 0x300); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if err := s.DictInsert(tid, 0, 0x300); !errors.Is(err, object.ErrBadAddress) {
		t.Fatalf("expected ErrBadAddress, got %v", err)
	}
	if err := s.DictInsert(tid, 0x110, 0x210); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	local, ok, err := s.DictLookup(tid, 0x100)
	if err != nil || !ok || local != 0x200 {
		t.Fatalf("unexpected lookup: local=%s ok=%v err=%v", local, ok, err)
	}
	if _, ok, _ := s.DictLookup(tid, 0x120); ok {
		t.Fatalf("unexpected hit for absent key")
	}

	it, err := s.DictStart(tid)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if _, err := it.Global(); !errors.Is(err, object.ErrUnknownDictionaryKey) {
		t.Fatalf("expected ErrUnknownDictionaryKey before Next, got %v", err)
	}
	seen := map[object.Addr]object.Addr{}
	for it.Next() {
		g, err := it.Global()
		if err != nil {
			t.Fatalf("global failed: %v", err)
		}
		l, err := it.Local()
		if err != nil {
			t.Fatalf("local failed: %v", err)
		}
		seen[g] = l
	}
	if len(seen) != 2 || seen[0x100] != 0x200 || seen[0x110] != 0x210 {
		t.Fatalf("unexpected enumeration: %v", seen)
	}
	if _, err := it.Local(); !errors.Is(err, object.ErrUnknownDictionaryKey) {
		t.Fatalf("expected ErrUnknownDictionaryKey after end, got %v", err)
	}

	if err := s.DictClear(tid); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if n, _ := s.DictLen(tid); n != 0 {
		t.Fatalf("dictionary not empty after clear: %d", n)
	}
	if err := s.Detach(tid); err != nil {
		t.Fatalf("detach failed: %v", err)
	}
	if err := s.Detach(tid); !errors.Is(err, ErrUnknownThread) {
		t.Fatalf("expected ErrUnknownThread, got %v", err)
	}
}

func TestTraceSkipsNullSlots(t *testing.T) {
	s := newTestSubstrate(t)
	mem := newWordMemory()
	const obj object.Addr = 0x1000
	if err := object.StoreHeader(mem, obj, object.NewHeader(typePair, 0)); err != nil {
		t.Fatalf("store header failed: %v", err)
	}
	if err := mem.StoreWord(obj.Field(16), 0x2000); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	if err := mem.StoreWord(obj.Field(8), 0x3000); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	var slots []object.Addr
	err := s.TraceOutgoingPointers(mem, obj, func(slot object.Addr) error {
		slots = append(slots, slot)
		return nil
	})
	if err != nil {
		t.Fatalf("trace failed: %v", err)
	}
	if len(slots) != 1 || slots[0] != obj.Field(16) {
		t.Fatalf("unexpected slots: %v", slots)
	}

	stop := errors.New("stop")
	if err := mem.StoreWord(obj.Field(0), 0x4000); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	calls := 0
	err = s.TraceOutgoingPointers(mem, obj, func(object.Addr) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("callback error not propagated: err=%v calls=%d", err, calls)
	}

	size, err := s.ObjectSize(mem, obj)
	if err != nil || size != 24 {
		t.Fatalf("unexpected size: got=%d err=%v", size, err)
	}
	if err := object.StoreHeader(mem, obj, object.NewHeader(77, 0)); err != nil {
		t.Fatalf("store header failed: %v", err)
	}
	if _, err := s.ObjectSize(mem, obj); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestRawBlockCopyRoundsToWords(t *testing.T) {
	s := newTestSubstrate(t)
	mem := newWordMemory()
	const src, dst object.Addr = 0x1000, 0x2000
	for i := range object.Addr(3) {
		if err := mem.StoreWord(src+i*8, uint64(i+1)); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}
	if err := s.RawBlockCopy(mem, src, dst, 20); err != nil {
		t.Fatalf("copy failed: %v", err)
	}
	for i := range object.Addr(3) {
		w, _ := mem.LoadWord(dst + i*8)
		if w != uint64(i+1) {
			t.Fatalf("word %d: got=%d want=%d", i, w, i+1)
		}
	}
	stats := s.Stats()
	if stats.BlockCopies != 1 || stats.CopiedBytes != 24 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	v, err := s.RawReadWord(mem, 0, src-object.HeaderBytes, 8)
	if err != nil || v != 2 {
		t.Fatalf("unexpected raw read: got=%d err=%v", v, err)
	}
	if s.Stats().RawReads != 1 {
		t.Fatalf("raw read not counted")
	}
}

func TestCommitRootCopiesPayloadOnly(t *testing.T) {
	s := newTestSubstrate(t)
	mem := newWordMemory()
	const global, local object.Addr = 0x1000, 0x2000
	globalHdr := object.NewHeader(typeLeaf, object.Global|object.WasCopied)
	if err := object.StoreHeader(mem, global, globalHdr); err != nil {
		t.Fatalf("store header failed: %v", err)
	}
	if err := object.StoreHeader(mem, local, object.NewHeader(typeLeaf, object.WasCopied)); err != nil {
		t.Fatalf("store header failed: %v", err)
	}
	for off := range uint64(2) {
		if err := mem.StoreWord(local.Field(off*8), 100+off); err != nil {
			t.Fatalf("store failed: %v", err)
		}
	}

	if err := s.CommitRoot(mem, global, local, 12); err != nil {
		t.Fatalf("commit root failed: %v", err)
	}
	for off := range uint64(2) {
		if v, _ := mem.LoadWord(global.Field(off * 8)); v != 100+off {
			t.Fatalf("payload word %d: got=%d want=%d", off, v, 100+off)
		}
	}
	hdr, err := object.LoadHeader(mem, global)
	if err != nil {
		t.Fatalf("load header failed: %v", err)
	}
	if hdr.Tag() != globalHdr.Tag() {
		t.Fatalf("global header changed: %s", hdr)
	}
	if s.Stats().RootCommits != 1 {
		t.Fatalf("root commit not counted")
	}
}

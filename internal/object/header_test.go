package object

import (
	"errors"
	"sync"
	"testing"
)

type mapMemory struct {
	mu    sync.Mutex
	words map[Addr]uint64
}

func newMapMemory() *mapMemory {
	return &mapMemory{words: make(map[Addr]uint64)}
}

func (m *mapMemory) LoadWord(addr Addr) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.words[addr], nil
}

func (m *mapMemory) StoreWord(addr Addr, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.words[addr] = value
	return nil
}

func (m *mapMemory) CompareAndSwapWord(addr Addr, old, new uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.words[addr] != old {
		return false, nil
	}
	m.words[addr] = new
	return true, nil
}

func TestHeaderFlagsAreIndependent(t *testing.T) {
	h := NewHeader(123, Global)
	if !h.IsGlobal() || h.WasCopied() {
		t.Fatalf("unexpected flags: %s", h)
	}
	if h.TypeID() != 123 {
		t.Fatalf("unexpected type id: got=%d want=123", h.TypeID())
	}

	h.Set(WasCopied)
	h.Clear(Global)
	if h.IsGlobal() || !h.WasCopied() {
		t.Fatalf("unexpected flags after set/clear: %s", h)
	}
	if h.TypeID() != 123 {
		t.Fatalf("flag update changed type id: got=%d", h.TypeID())
	}
}

func TestBackRefOnlyForLocalCopies(t *testing.T) {
	h := NewHeader(7, WasCopied)
	h.SetVersion(0x1_0000_0040)
	back, ok := h.BackRef()
	if !ok || back != 0x1_0000_0040 {
		t.Fatalf("unexpected back-ref: got=%s ok=%t", back, ok)
	}

	h.Set(Global)
	if _, ok := h.BackRef(); ok {
		t.Fatalf("global header must not expose a back-ref")
	}

	fwd := NewHeader(7, 0)
	fwd.SetVersion(0x1_0000_0080)
	if _, ok := fwd.BackRef(); ok {
		t.Fatalf("forwarding version must not read as back-ref")
	}
}

func TestHeaderRoundTripThroughMemory(t *testing.T) {
	mem := newMapMemory()
	addr := SegmentBase(0) + 64

	want := NewHeader(42, Global|WasCopied)
	want.SetVersion(SegmentBase(3))
	if err := StoreHeader(mem, addr, want); err != nil {
		t.Fatalf("store header failed: %v", err)
	}
	got, err := LoadHeader(mem, addr)
	if err != nil {
		t.Fatalf("load header failed: %v", err)
	}
	if got != want {
		t.Fatalf("header mismatch: got=%s want=%s", got, want)
	}

	if err := ClearFlag(mem, addr, WasCopied); err != nil {
		t.Fatalf("clear flag failed: %v", err)
	}
	got, _ = LoadHeader(mem, addr)
	if got.WasCopied() || !got.IsGlobal() || got.Version() != want.Version() {
		t.Fatalf("clear flag touched more than one bit: %s", got)
	}
}

func TestSetFlagConcurrent(t *testing.T) {
	mem := newMapMemory()
	addr := SegmentBase(1)
	if err := StoreHeader(mem, addr, NewHeader(9, 0)); err != nil {
		t.Fatalf("store header failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			f := Global
			if i%2 == 1 {
				f = WasCopied
			}
			if err := SetFlag(mem, addr, f); err != nil {
				t.Errorf("set flag failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	h, _ := LoadHeader(mem, addr)
	if !h.IsGlobal() || !h.WasCopied() || h.TypeID() != 9 {
		t.Fatalf("lost concurrent flag update: %s", h)
	}
}

func TestSegmentMath(t *testing.T) {
	for _, idx := range []uint32{0, 1, 17} {
		base := SegmentBase(idx)
		got, ok := SegmentIndex(base + 1024)
		if !ok || got != idx {
			t.Fatalf("segment index mismatch: got=%d want=%d", got, idx)
		}
	}
	if _, ok := SegmentIndex(0); ok {
		t.Fatalf("NULL must not map to a segment")
	}
	if got := TotalSize(20); got != HeaderBytes+24 {
		t.Fatalf("unexpected total size: got=%d want=%d", got, HeaderBytes+24)
	}
	if _, err := LoadHeader(newMapMemory(), 0); !errors.Is(err, ErrBadAddress) {
		t.Fatalf("expected ErrBadAddress for NULL, got %v", err)
	}
}

package stmgc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Pam-La/stmgc/internal/object"
)

// Arena is a bump-pointer nursery occupying one address segment. Offsets
// rather than Go pointers identify objects, so the backing slab can be
// replaced by a larger one without moving any address.
type Arena struct {
	index uint32
	base  object.Addr

	mu    sync.RWMutex // slab swap vs word access
	words []uint64

	free     atomic.Uint64 // byte offset of nursery_free
	released atomic.Bool
}

func newArena(index uint32, capacity uint64) *Arena {
	capacity = clampArenaBytes(capacity)
	return &Arena{
		index: index,
		base:  object.SegmentBase(index),
		words: make([]uint64, capacity/object.WordSize),
	}
}

func (a *Arena) Index() uint32 {
	return a.index
}

func (a *Arena) NurseryStart() object.Addr {
	return a.base
}

func (a *Arena) NurseryFree() object.Addr {
	return a.base + object.Addr(a.free.Load())
}

func (a *Arena) NurseryEnd() object.Addr {
	return a.base + object.Addr(a.Capacity())
}

func (a *Arena) Capacity() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return uint64(len(a.words)) * object.WordSize
}

func (a *Arena) Used() uint64 {
	return a.free.Load()
}

func (a *Arena) Remaining() uint64 {
	return a.Capacity() - a.free.Load()
}

func (a *Arena) Contains(addr object.Addr) bool {
	return addr >= a.base && uint64(addr-a.base) < object.ArenaSpan
}

// bump reserves size bytes and zero-fills them.
func (a *Arena) bump(size uint64) (object.Addr, error) {
	if a.released.Load() {
		return 0, ErrArenaReleased
	}
	size = object.RoundWords(size)
	a.mu.RLock()
	defer a.mu.RUnlock()
	limit := uint64(len(a.words)) * object.WordSize
	for {
		off := a.free.Load()
		if off+size > limit || off+size < off {
			return 0, fmt.Errorf("arena %d: need %d bytes, %d left: %w", a.index, size, limit-off, ErrOutOfArena)
		}
		if a.free.CompareAndSwap(off, off+size) {
			clear(a.words[off/object.WordSize : (off+size)/object.WordSize])
			return a.base + object.Addr(off), nil
		}
	}
}

// reset rewinds nursery_free to nursery_start. Contents stay readable until
// the space is handed out again.
func (a *Arena) reset() {
	a.free.Store(0)
}

func (a *Arena) grow(extra uint64) error {
	if a.released.Load() {
		return ErrArenaReleased
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	current := uint64(len(a.words)) * object.WordSize
	target := object.RoundWords(current + extra)
	if target > maxArenaBytes || target < current {
		return fmt.Errorf("arena %d: cannot grow %d bytes past %d: %w", a.index, extra, current, ErrOutOfArena)
	}
	words := make([]uint64, target/object.WordSize)
	copy(words, a.words)
	a.words = words
	return nil
}

func (a *Arena) release() {
	if a.released.Swap(true) {
		return
	}
	a.mu.Lock()
	a.words = nil
	a.mu.Unlock()
	a.free.Store(0)
}

func (a *Arena) wordIndex(addr object.Addr) (int, error) {
	if addr < a.base || addr%object.WordSize != 0 {
		return 0, fmt.Errorf("arena %d: %s: %w", a.index, addr, object.ErrBadAddress)
	}
	idx := uint64(addr-a.base) / object.WordSize
	if idx >= uint64(len(a.words)) {
		return 0, fmt.Errorf("arena %d: %s past end: %w", a.index, addr, object.ErrBadAddress)
	}
	return int(idx), nil
}

func (a *Arena) load(addr object.Addr) (uint64, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, err := a.wordIndex(addr)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(&a.words[idx]), nil
}

func (a *Arena) store(addr object.Addr, v uint64) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, err := a.wordIndex(addr)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&a.words[idx], v)
	return nil
}

func (a *Arena) compareAndSwap(addr object.Addr, old, new uint64) (bool, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	idx, err := a.wordIndex(addr)
	if err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint64(&a.words[idx], old, new), nil
}

// snapshot copies the used words.
func (a *Arena) snapshot() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	used := a.free.Load() / object.WordSize
	out := make([]uint64, used)
	for i := range out {
		out[i] = atomic.LoadUint64(&a.words[i])
	}
	return out
}

// restore replaces the arena contents with words and sets nursery_free past them.
func (a *Arena) restore(words []uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(words) > len(a.words) {
		return fmt.Errorf("arena %d: image of %d words exceeds %d: %w", a.index, len(words), len(a.words), ErrOutOfArena)
	}
	n := copy(a.words, words)
	clear(a.words[n:])
	a.free.Store(uint64(n) * object.WordSize)
	return nil
}

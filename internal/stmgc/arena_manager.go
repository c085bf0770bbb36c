package stmgc

import (
	"fmt"

	"github.com/Pam-La/stmgc/internal/object"
)

// acquireArena returns a reset arena of at least capacity bytes, preferring a
// parked one from the warm pool.
func (h *Heap) acquireArena(capacity uint64) (*Arena, error) {
	if a, ok := h.memory.pool.Dequeue(); ok {
		if a.Capacity() >= capacity {
			a.reset()
			return a, nil
		}
		h.releaseArena(a)
	}

	h.memory.mu.Lock()
	defer h.memory.mu.Unlock()

	var index uint32
	if n := len(h.memory.freeIndices); n > 0 {
		index = h.memory.freeIndices[n-1]
		h.memory.freeIndices = h.memory.freeIndices[:n-1]
	} else {
		if int(h.memory.nextIndex) >= len(h.memory.registry) {
			return nil, fmt.Errorf("%d arenas in use: %w", len(h.memory.registry), ErrTooManyArenas)
		}
		index = h.memory.nextIndex
		h.memory.nextIndex++
	}
	a := newArena(index, capacity)
	h.memory.registry[index].Store(a)
	return a, nil
}

// parkArena hands a detached arena to the warm pool, or releases it when the
// pool is full.
func (h *Heap) parkArena(a *Arena) {
	a.reset()
	if h.memory.pool.Enqueue(a) {
		return
	}
	log.Debugf("heap %s: warm pool of %d arenas full, releasing arena %d", h.id, h.memory.pool.Cap(), a.index)
	h.releaseArena(a)
}

func (h *Heap) releaseArena(a *Arena) {
	if a == nil || a.index == mainArenaIndex {
		return
	}
	a.release()

	h.memory.mu.Lock()
	defer h.memory.mu.Unlock()
	if h.memory.registry[a.index].CompareAndSwap(a, nil) {
		h.memory.freeIndices = append(h.memory.freeIndices, a.index)
	}
}

func (h *Heap) arenaFor(addr object.Addr) (*Arena, error) {
	idx, ok := object.SegmentIndex(addr)
	if !ok || int(idx) >= len(h.memory.registry) {
		return nil, fmt.Errorf("%s: %w", addr, object.ErrBadAddress)
	}
	a := h.memory.registry[idx].Load()
	if a == nil || a.released.Load() {
		return nil, fmt.Errorf("%s: arena %d not live: %w", addr, idx, object.ErrBadAddress)
	}
	return a, nil
}

// LoadWord reads one heap word without any barrier.
func (h *Heap) LoadWord(addr object.Addr) (uint64, error) {
	a, err := h.arenaFor(addr)
	if err != nil {
		return 0, err
	}
	return a.load(addr)
}

// StoreWord writes one heap word without any barrier.
func (h *Heap) StoreWord(addr object.Addr, value uint64) error {
	a, err := h.arenaFor(addr)
	if err != nil {
		return err
	}
	return a.store(addr, value)
}

func (h *Heap) CompareAndSwapWord(addr object.Addr, old, new uint64) (bool, error) {
	a, err := h.arenaFor(addr)
	if err != nil {
		return false, err
	}
	return a.compareAndSwap(addr, old, new)
}

// Header decodes the header of the object at addr.
func (h *Heap) Header(addr object.Addr) (object.Header, error) {
	return object.LoadHeader(h, addr)
}

// ParkedArenas reports how many detached arenas wait in the warm pool.
func (h *Heap) ParkedArenas() int {
	return int(h.memory.pool.Len())
}

// LiveArenas reports how many arenas currently own an address segment,
// parked ones included.
func (h *Heap) LiveArenas() int {
	n := 0
	for i := range h.memory.registry {
		if h.memory.registry[i].Load() != nil {
			n++
		}
	}
	return n
}

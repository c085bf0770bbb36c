package stmgc

import (
	"fmt"

	"github.com/Pam-La/stmgc/internal/object"
)

// Thread is one participant's view of the heap: its nursery and, through the
// substrate, its copy dictionary. A Thread must only be used by one goroutine
// at a time.
type Thread struct {
	heap  *Heap
	id    object.ThreadID
	arena *Arena

	collector collector
}

func newThread(h *Heap, id object.ThreadID, arena *Arena) *Thread {
	t := &Thread{heap: h, id: id, arena: arena}
	t.collector.init()
	return t
}

func (t *Thread) ID() object.ThreadID {
	return t.id
}

func (t *Thread) IsMain() bool {
	return t.id == object.MainThread
}

func (t *Thread) Arena() *Arena {
	return t.arena
}

func (t *Thread) Heap() *Heap {
	return t.heap
}

// AttachThread returns the handle of tid, creating its arena on first use.
func (h *Heap) AttachThread(tid object.ThreadID) (*Thread, error) {
	if h.closed.Load() {
		return nil, ErrHeapClosed
	}
	h.threadsMu.Lock()
	defer h.threadsMu.Unlock()
	if t, ok := h.threads[tid]; ok {
		return t, nil
	}

	arena, err := h.acquireArena(h.cfg.ThreadArenaBytes)
	if err != nil {
		return nil, fmt.Errorf("attach thread %d: %w", tid, err)
	}
	if err := h.sub.Attach(tid); err != nil {
		h.parkArena(arena)
		return nil, fmt.Errorf("attach thread %d: %w", tid, err)
	}
	t := newThread(h, tid, arena)
	h.threads[tid] = t
	log.Debugf("heap %s: thread %d attached, arena %d at %s", h.id, tid, arena.index, arena.NurseryStart())
	return t, nil
}

// DetachThread releases tid's arena. The thread must not have an open
// transaction.
func (h *Heap) DetachThread(tid object.ThreadID) error {
	if tid == object.MainThread {
		return fmt.Errorf("detach: %w", ErrMainThread)
	}
	h.threadsMu.Lock()
	defer h.threadsMu.Unlock()
	t, ok := h.threads[tid]
	if !ok {
		return fmt.Errorf("detach thread %d: %w", tid, ErrThreadNotAttached)
	}
	open, err := t.InTransaction()
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("detach thread %d: %w", tid, ErrOpenTransaction)
	}
	if err := h.sub.Detach(tid); err != nil {
		return fmt.Errorf("detach thread %d: %w", tid, err)
	}
	delete(h.threads, tid)
	h.parkArena(t.arena)
	t.arena = nil
	log.Debugf("heap %s: thread %d detached", h.id, tid)
	return nil
}

// Thread returns the handle of an attached thread.
func (h *Heap) Thread(tid object.ThreadID) (*Thread, bool) {
	h.threadsMu.Lock()
	defer h.threadsMu.Unlock()
	t, ok := h.threads[tid]
	return t, ok
}

// InTransaction reports whether the copy dictionary holds any entry.
func (t *Thread) InTransaction() (bool, error) {
	if t.IsMain() {
		return false, nil
	}
	n, err := t.heap.sub.DictLen(t.id)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Allocate returns a zeroed object of sizeBytes payload from the thread's
// arena. Main thread objects are born global.
func (t *Thread) Allocate(typeID object.TypeID, sizeBytes uint64) (object.Addr, error) {
	if t.arena == nil {
		return 0, fmt.Errorf("thread %d: %w", t.id, ErrThreadNotAttached)
	}
	total := object.TotalSize(sizeBytes)
	addr, err := t.arena.bump(total)
	if err != nil {
		log.Warningf("heap %s: thread %d allocation of %d bytes failed: %s", t.heap.id, t.id, total, err)
		return 0, err
	}
	var flags object.Flag
	if t.IsMain() {
		flags = object.Global
	}
	if err := object.StoreHeader(t.heap, addr, object.NewHeader(typeID, flags)); err != nil {
		return 0, err
	}
	t.heap.stats.allocations.Add(1)
	t.heap.stats.allocatedBytes.Add(total)
	return addr, nil
}

// Grow enlarges the thread's own arena. The main thread grows the global heap
// through Heap.GrowMainArena instead.
func (t *Thread) Grow(extra uint64) error {
	if t.IsMain() {
		return t.heap.GrowMainArena(extra)
	}
	if t.arena == nil {
		return fmt.Errorf("thread %d: %w", t.id, ErrThreadNotAttached)
	}
	return t.arena.grow(extra)
}

// Discard abandons the open transaction: pending copies are forgotten and the
// arena is rewound. Global originals keep their WasCopied flag.
func (t *Thread) Discard() error {
	if t.IsMain() {
		return fmt.Errorf("discard: %w", ErrMainThread)
	}
	if t.arena == nil {
		return fmt.Errorf("thread %d: %w", t.id, ErrThreadNotAttached)
	}
	if err := t.heap.sub.DictClear(t.id); err != nil {
		return err
	}
	t.arena.reset()
	return nil
}

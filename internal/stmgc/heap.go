package stmgc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/Pam-La/stmgc/internal/async"
	"github.com/Pam-La/stmgc/internal/hash"
	"github.com/Pam-La/stmgc/internal/object"
)

var (
	ErrOutOfArena           = errors.New("arena exhausted")
	ErrUnknownDictionaryKey = object.ErrUnknownDictionaryKey
	ErrThreadNotAttached    = errors.New("thread not attached")
	ErrOpenTransaction      = errors.New("thread has an open transaction")
	ErrForeignObject        = errors.New("pointer to another thread's local object")
	ErrArenaReleased        = errors.New("arena already released")
	ErrTooManyArenas        = errors.New("arena registry exhausted")
	ErrMainThread           = errors.New("operation not valid on the main thread")
	ErrHeapClosed           = errors.New("heap closed")
)

var log = commonlog.GetLogger("stmgc")

// MemoryManager owns the address segments. registry[i] is the arena of
// segment i; lookups are lock-free, changes take mu.
type MemoryManager struct {
	mu          sync.Mutex
	registry    []atomic.Pointer[Arena]
	nextIndex   uint32
	freeIndices []uint32

	pool *async.RingBuffer[*Arena]
}

// Stats are cumulative over the heap's lifetime.
type Stats struct {
	Commits        uint64
	NoopCommits    uint64
	Roots          uint64
	Promoted       uint64
	PromotedBytes  uint64
	WrittenBack    uint64
	BarrierCopies  uint64
	Allocations    uint64
	AllocatedBytes uint64
}

type heapStats struct {
	commits        atomic.Uint64
	noopCommits    atomic.Uint64
	roots          atomic.Uint64
	promoted       atomic.Uint64
	promotedBytes  atomic.Uint64
	writtenBack    atomic.Uint64
	barrierCopies  atomic.Uint64
	allocations    atomic.Uint64
	allocatedBytes atomic.Uint64
}

// Heap is the shared object space: the global arena owned by the main thread
// plus one nursery per attached thread.
type Heap struct {
	id  uuid.UUID
	cfg Config
	sub Substrate

	digest *hash.Engine
	memory MemoryManager

	threadsMu sync.Mutex
	threads   map[object.ThreadID]*Thread
	main      *Thread

	commitSeq atomic.Uint64
	closed    atomic.Bool
	stats     heapStats
}

func NewHeap(cfg Config, sub Substrate) (*Heap, error) {
	if sub == nil {
		return nil, errors.New("nil substrate")
	}
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pool, err := async.NewRingBuffer[*Arena](cfg.ArenaPoolSize)
	if err != nil {
		return nil, err
	}

	h := &Heap{
		id:      uuid.New(),
		cfg:     cfg,
		sub:     sub,
		digest:  hash.NewEngine(digestKey(cfg.DigestKey)),
		threads: make(map[object.ThreadID]*Thread),
		memory: MemoryManager{
			registry: make([]atomic.Pointer[Arena], cfg.MaxArenas),
			pool:     pool,
		},
	}

	mainArena, err := h.acquireArena(cfg.MainArenaBytes)
	if err != nil {
		return nil, err
	}
	if mainArena.index != mainArenaIndex {
		return nil, fmt.Errorf("global heap landed in segment %d", mainArena.index)
	}
	if err := sub.Attach(object.MainThread); err != nil {
		return nil, fmt.Errorf("attach main thread: %w", err)
	}
	h.main = newThread(h, object.MainThread, mainArena)
	h.threads[object.MainThread] = h.main

	log.Debugf("heap %s: global arena %s..%s", h.id, mainArena.NurseryStart(), mainArena.NurseryEnd())
	return h, nil
}

func (h *Heap) ID() uuid.UUID {
	return h.id
}

func (h *Heap) Config() Config {
	return h.cfg
}

// Main returns the main thread, which allocates straight into the global heap.
func (h *Heap) Main() *Thread {
	return h.main
}

// MainArena is the global heap.
func (h *Heap) MainArena() *Arena {
	return h.main.arena
}

// CommitSeq is the number of commits that promoted or wrote back anything.
func (h *Heap) CommitSeq() uint64 {
	return h.commitSeq.Load()
}

func (h *Heap) Stats() Stats {
	return Stats{
		Commits:        h.stats.commits.Load(),
		NoopCommits:    h.stats.noopCommits.Load(),
		Roots:          h.stats.roots.Load(),
		Promoted:       h.stats.promoted.Load(),
		PromotedBytes:  h.stats.promotedBytes.Load(),
		WrittenBack:    h.stats.writtenBack.Load(),
		BarrierCopies:  h.stats.barrierCopies.Load(),
		Allocations:    h.stats.allocations.Load(),
		AllocatedBytes: h.stats.allocatedBytes.Load(),
	}
}

// GrowMainArena adds extra bytes to the global heap. It runs under the
// substrate's commit serialization so no promotion observes the swap.
func (h *Heap) GrowMainArena(extra uint64) error {
	return h.sub.Serialize(object.MainThread, func() error {
		if err := h.main.arena.grow(extra); err != nil {
			return err
		}
		log.Infof("heap %s: global arena grown to %d bytes", h.id, h.main.arena.Capacity())
		return nil
	})
}

// Close detaches every thread and releases all arenas. Open transactions are
// discarded.
func (h *Heap) Close() {
	if h.closed.Swap(true) {
		return
	}
	h.threadsMu.Lock()
	threads := h.threads
	h.threads = nil
	h.threadsMu.Unlock()

	for tid, th := range threads {
		if tid != object.MainThread {
			if err := h.sub.DictClear(tid); err != nil {
				log.Warningf("heap %s: close: clearing dictionary of thread %d: %s", h.id, tid, err)
			}
		}
		if err := h.sub.Detach(tid); err != nil {
			log.Warningf("heap %s: close: detaching thread %d: %s", h.id, tid, err)
		}
		th.arena.release()
	}
	h.memory.pool.Drain(func(a *Arena) { a.release() })

	h.memory.mu.Lock()
	for i := range h.memory.registry {
		h.memory.registry[i].Store(nil)
	}
	h.memory.freeIndices = nil
	h.memory.nextIndex = 0
	h.memory.mu.Unlock()
}

func digestKey(s string) [32]byte {
	var key [32]byte
	copy(key[:], s)
	return key
}

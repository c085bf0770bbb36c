package stmgc

import (
	"cmp"
	"fmt"
	"slices"
	"time"

	"github.com/Pam-La/stmgc/internal/object"
)

// CommitStats describes one commit.
type CommitStats struct {
	Seq           uint64
	Roots         int
	Promoted      int
	PromotedBytes uint64
	WrittenBack   int
	Duration      time.Duration
}

type rootPair struct {
	global object.Addr
	local  object.Addr
}

type promotion struct {
	local object.Addr
	size  uint64 // header included
}

// collector holds the per-thread commit buffers; they are reused across
// transactions.
type collector struct {
	roots   []rootPair
	rootOf  map[object.Addr]object.Addr // local copy -> global original
	planned map[object.Addr]int         // new local -> index in plan
	forward map[object.Addr]object.Addr // new local -> promoted twin
	plan    []promotion
	stack   []object.Addr
}

func (c *collector) init() {
	c.roots = make([]rootPair, 0, initialCollectorCapacity)
	c.rootOf = make(map[object.Addr]object.Addr, initialCollectorCapacity)
	c.planned = make(map[object.Addr]int, initialCollectorCapacity)
	c.forward = make(map[object.Addr]object.Addr, initialCollectorCapacity)
	c.plan = make([]promotion, 0, initialCollectorCapacity)
	c.stack = make([]object.Addr, 0, initialCollectorCapacity)
}

func (c *collector) reset() {
	c.roots = c.roots[:0]
	clear(c.rootOf)
	clear(c.planned)
	clear(c.forward)
	c.plan = c.plan[:0]
	c.stack = c.stack[:0]
}

// Commit ends the thread's transaction. Every global object it wrote gets its
// working copy's contents, every new object reachable from those copies is
// promoted to the global heap, and the thread's arena is rewound.
//
// ErrOutOfArena means the global heap cannot hold the promoted objects; the
// commit has changed nothing and may be retried after GrowMainArena.
func (t *Thread) Commit() (CommitStats, error) {
	if t.IsMain() {
		return CommitStats{}, fmt.Errorf("commit: %w", ErrMainThread)
	}
	if t.arena == nil {
		return CommitStats{}, fmt.Errorf("commit thread %d: %w", t.id, ErrThreadNotAttached)
	}

	start := time.Now()
	var stats CommitStats
	err := t.heap.sub.Serialize(t.id, func() error {
		var err error
		stats, err = t.commitLocked()
		return err
	})
	if err != nil {
		log.Errorf("heap %s: commit of thread %d failed: %s", t.heap.id, t.id, err)
		return CommitStats{}, err
	}
	stats.Duration = time.Since(start)

	h := t.heap
	h.stats.commits.Add(1)
	if stats.Roots == 0 {
		h.stats.noopCommits.Add(1)
		return stats, nil
	}
	h.stats.roots.Add(uint64(stats.Roots))
	h.stats.promoted.Add(uint64(stats.Promoted))
	h.stats.promotedBytes.Add(stats.PromotedBytes)
	h.stats.writtenBack.Add(uint64(stats.WrittenBack))
	log.Debugf("heap %s: commit %d by thread %d: roots=%d promoted=%d bytes=%d in %s",
		h.id, stats.Seq, t.id, stats.Roots, stats.Promoted, stats.PromotedBytes, stats.Duration)
	return stats, nil
}

func (t *Thread) commitLocked() (CommitStats, error) {
	c := &t.collector
	c.reset()
	defer c.reset()

	if err := c.gatherRoots(t); err != nil {
		return CommitStats{}, err
	}
	if len(c.roots) == 0 {
		return CommitStats{}, nil
	}
	if err := c.planPromotions(t); err != nil {
		return CommitStats{}, err
	}
	promotedBytes, err := c.promote(t)
	if err != nil {
		return CommitStats{}, err
	}
	if err := c.rewrite(t); err != nil {
		return CommitStats{}, err
	}
	writtenBack, err := c.writeBack(t)
	if err != nil {
		return CommitStats{}, err
	}

	if err := t.heap.sub.DictClear(t.id); err != nil {
		return CommitStats{}, err
	}
	t.arena.reset()

	return CommitStats{
		Seq:           t.heap.commitSeq.Add(1),
		Roots:         len(c.roots),
		Promoted:      len(c.plan),
		PromotedBytes: promotedBytes,
		WrittenBack:   writtenBack,
	}, nil
}

func (c *collector) gatherRoots(t *Thread) error {
	it, err := t.heap.sub.DictStart(t.id)
	if err != nil {
		return err
	}
	for it.Next() {
		global, err := it.Global()
		if err != nil {
			return err
		}
		local, err := it.Local()
		if err != nil {
			return err
		}
		c.roots = append(c.roots, rootPair{global: global, local: local})
	}
	slices.SortFunc(c.roots, func(a, b rootPair) int {
		return cmp.Compare(a.global, b.global)
	})
	for _, r := range c.roots {
		c.rootOf[r.local] = r.global
	}
	return nil
}

// planPromotions walks everything reachable from the root copies with an
// explicit stack and records each new local object exactly once. A pointer
// back to a root copy or to a global object ends the walk on that edge, which
// is also what makes cycles terminate.
func (c *collector) planPromotions(t *Thread) error {
	h := t.heap
	for _, r := range c.roots {
		c.stack = append(c.stack, r.local)
	}
	visit := func(slot object.Addr) error {
		v, err := h.LoadWord(slot)
		if err != nil {
			return err
		}
		target := object.Addr(v)
		if _, ok := c.rootOf[target]; ok {
			return nil
		}
		if _, ok := c.planned[target]; ok {
			return nil
		}
		hdr, err := object.LoadHeader(h, target)
		if err != nil {
			return fmt.Errorf("slot %s: %w", slot, err)
		}
		if hdr.IsGlobal() {
			return nil
		}
		if !t.arena.Contains(target) {
			return fmt.Errorf("slot %s -> %s: %w", slot, target, ErrForeignObject)
		}
		size, err := h.sub.ObjectSize(h, target)
		if err != nil {
			return err
		}
		c.planned[target] = len(c.plan)
		c.plan = append(c.plan, promotion{local: target, size: object.TotalSize(size)})
		c.stack = append(c.stack, target)
		return nil
	}
	for len(c.stack) > 0 {
		n := len(c.stack) - 1
		obj := c.stack[n]
		c.stack = c.stack[:n]
		if err := h.sub.TraceOutgoingPointers(h, obj, visit); err != nil {
			return err
		}
	}
	return nil
}

// promote reserves room for the whole plan in one bump, so running out of
// global heap is detected before anything is modified.
func (c *collector) promote(t *Thread) (uint64, error) {
	if len(c.plan) == 0 {
		return 0, nil
	}
	h := t.heap
	var total uint64
	for _, p := range c.plan {
		total += p.size
	}
	base, err := h.main.arena.bump(total)
	if err != nil {
		log.Warningf("heap %s: global heap cannot hold %d promoted objects: %s", h.id, len(c.plan), err)
		return 0, fmt.Errorf("commit thread %d: promoting %d objects: %w", t.id, len(c.plan), err)
	}

	next := base
	for _, p := range c.plan {
		c.forward[p.local] = next
		next += object.Addr(p.size)
	}
	for _, p := range c.plan {
		twin := c.forward[p.local]
		if err := h.sub.RawBlockCopy(h, p.local, twin, p.size); err != nil {
			return 0, err
		}
		hdr, err := object.LoadHeader(h, twin)
		if err != nil {
			return 0, err
		}
		hdr.Set(object.Global)
		hdr.Clear(object.WasCopied)
		hdr.SetVersion(0)
		if err := object.StoreHeader(h, twin, hdr); err != nil {
			return 0, err
		}
		if err := object.StoreVersion(h, p.local, twin); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// rewrite points every slot of the root copies and the promoted twins at
// stable addresses.
func (c *collector) rewrite(t *Thread) error {
	h := t.heap
	fix := func(slot object.Addr) error {
		v, err := h.LoadWord(slot)
		if err != nil {
			return err
		}
		target := object.Addr(v)
		if global, ok := c.rootOf[target]; ok {
			return h.StoreWord(slot, uint64(global))
		}
		if twin, ok := c.forward[target]; ok {
			return h.StoreWord(slot, uint64(twin))
		}
		return nil
	}
	for _, r := range c.roots {
		if err := h.sub.TraceOutgoingPointers(h, r.local, fix); err != nil {
			return err
		}
	}
	for _, p := range c.plan {
		if err := h.sub.TraceOutgoingPointers(h, c.forward[p.local], fix); err != nil {
			return err
		}
	}
	return nil
}

// writeBack makes each root copy's payload the new contents of its global
// original, either directly or through Substrate.CommitRoot. The original's
// header is left alone, so it keeps WasCopied.
func (c *collector) writeBack(t *Thread) (int, error) {
	h := t.heap
	for _, r := range c.roots {
		size, err := h.sub.ObjectSize(h, r.local)
		if err != nil {
			return 0, err
		}
		if h.cfg.DeferRootWriteBack {
			if err := h.sub.CommitRoot(h, r.global, r.local, size); err != nil {
				return 0, fmt.Errorf("commit root %s: %w", r.global, err)
			}
			continue
		}
		if size == 0 {
			continue
		}
		if err := h.sub.RawBlockCopy(h, r.local.Payload(), r.global.Payload(), object.RoundWords(size)); err != nil {
			return 0, err
		}
	}
	return len(c.roots), nil
}

package stmgc

import (
	"fmt"

	"github.com/Pam-La/stmgc/internal/object"
)

// WriteBarrier returns the address the thread must mutate instead of addr.
// A global object gets one private copy per transaction; every later call
// for the same object returns that copy.
func (t *Thread) WriteBarrier(addr object.Addr) (object.Addr, error) {
	if t.arena == nil {
		return 0, fmt.Errorf("thread %d: %w", t.id, ErrThreadNotAttached)
	}
	hdr, err := object.LoadHeader(t.heap, addr)
	if err != nil {
		return 0, err
	}
	if !hdr.IsGlobal() || t.IsMain() {
		return addr, nil
	}

	sub := t.heap.sub
	if hdr.WasCopied() {
		local, ok, err := sub.DictLookup(t.id, addr)
		if err != nil {
			return 0, err
		}
		if ok {
			return local, nil
		}
	}

	size, err := sub.ObjectSize(t.heap, addr)
	if err != nil {
		return 0, err
	}
	total := object.TotalSize(size)
	local, err := t.arena.bump(total)
	if err != nil {
		log.Warningf("heap %s: thread %d has no room to copy %s: %s", t.heap.id, t.id, addr, err)
		return 0, err
	}
	if err := sub.RawBlockCopy(t.heap, addr, local, total); err != nil {
		return 0, err
	}

	copied, err := object.LoadHeader(t.heap, local)
	if err != nil {
		return 0, err
	}
	copied.Clear(object.Global)
	copied.Set(object.WasCopied)
	copied.SetVersion(addr)
	if err := object.StoreHeader(t.heap, local, copied); err != nil {
		return 0, err
	}
	if err := object.SetFlag(t.heap, addr, object.WasCopied); err != nil {
		return 0, err
	}
	if err := sub.DictInsert(t.id, addr, local); err != nil {
		return 0, err
	}
	t.heap.stats.barrierCopies.Add(1)
	return local, nil
}

// ReadField reads the payload word at offset of the object at addr as seen by
// this thread: its own pending copy if it has one, else the committed value.
func (t *Thread) ReadField(addr object.Addr, offset uint64) (uint64, error) {
	hdr, err := object.LoadHeader(t.heap, addr)
	if err != nil {
		return 0, err
	}
	if hdr.IsGlobal() && hdr.WasCopied() {
		local, ok, err := t.heap.sub.DictLookup(t.id, addr)
		if err != nil {
			return 0, err
		}
		if ok {
			return t.heap.LoadWord(local.Field(offset))
		}
		return t.heap.sub.RawReadWord(t.heap, t.id, addr, offset)
	}
	return t.heap.LoadWord(addr.Field(offset))
}

// ReadPointer is ReadField for pointer slots.
func (t *Thread) ReadPointer(addr object.Addr, offset uint64) (object.Addr, error) {
	v, err := t.ReadField(addr, offset)
	return object.Addr(v), err
}

// WriteField runs the write barrier on addr and stores value into the
// resulting object. It returns the object actually written.
func (t *Thread) WriteField(addr object.Addr, offset uint64, value uint64) (object.Addr, error) {
	target, err := t.WriteBarrier(addr)
	if err != nil {
		return 0, err
	}
	if err := t.heap.StoreWord(target.Field(offset), value); err != nil {
		return 0, err
	}
	return target, nil
}

// WritePointer is WriteField for pointer slots.
func (t *Thread) WritePointer(addr object.Addr, offset uint64, ptr object.Addr) (object.Addr, error) {
	return t.WriteField(addr, offset, uint64(ptr))
}

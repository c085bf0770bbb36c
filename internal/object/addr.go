package object

import (
	"errors"
	"fmt"
)

var (
	ErrBadAddress           = errors.New("address outside any live arena")
	ErrUnknownDictionaryKey = errors.New("no matching copy dictionary entry")
)

// Addr is a byte address in the simulated heap. Zero is NULL.
type Addr uint64

// ThreadID identifies a participating thread. MainThread owns the global heap.
type ThreadID uint32

// TypeID is the type identifier stored in the low half of the tag word.
type TypeID uint32

const (
	MainThread ThreadID = 0

	WordSize    = 8
	HeaderWords = 2
	HeaderBytes = HeaderWords * WordSize

	// ArenaShift splits the address space into one segment per arena.
	ArenaShift = 32
	ArenaSpan  = uint64(1) << ArenaShift
)

func (a Addr) String() string {
	if a == 0 {
		return "NULL"
	}
	return fmt.Sprintf("0x%x", uint64(a))
}

// Payload returns the address of the first payload word.
func (a Addr) Payload() Addr {
	return a + HeaderBytes
}

// Field returns the address of the payload word at offset.
func (a Addr) Field(offset uint64) Addr {
	return a + HeaderBytes + Addr(offset)
}

// SegmentBase returns the base address of the arena segment with the given index.
func SegmentBase(index uint32) Addr {
	return Addr((uint64(index) + 1) << ArenaShift)
}

// SegmentIndex is the inverse of SegmentBase. ok is false for NULL and for
// addresses below the first segment.
func SegmentIndex(a Addr) (uint32, bool) {
	seg := uint64(a) >> ArenaShift
	if seg == 0 {
		return 0, false
	}
	return uint32(seg - 1), true
}

// RoundWords rounds a byte size up to whole words.
func RoundWords(size uint64) uint64 {
	return (size + WordSize - 1) &^ (WordSize - 1)
}

// TotalSize is the arena footprint of an object with the given payload size.
func TotalSize(payload uint64) uint64 {
	return HeaderBytes + RoundWords(payload)
}

// Memory is word-granular access to the heap. Implementations make every
// operation atomic per word.
type Memory interface {
	LoadWord(addr Addr) (uint64, error)
	StoreWord(addr Addr, value uint64) error
	CompareAndSwapWord(addr Addr, old, new uint64) (bool, error)
}

// DictIterator enumerates one thread's copy dictionary.
// Global and Local fail with ErrUnknownDictionaryKey unless the last Next
// returned true.
type DictIterator interface {
	Next() bool
	Global() (Addr, error)
	Local() (Addr, error)
}

package async

import (
	"errors"
	"runtime"
	"sync/atomic"
)

var (
	ErrInvalidCapacity = errors.New("ring buffer capacity must be a power of two and >= 2")
)

type slot[T any] struct {
	sequence atomic.Uint64
	value    T
}

// RingBuffer is a lock-free bounded MPMC queue using per-slot sequence
// numbers (Vyukov). The heap parks detached thread arenas here so that a
// later attach from any goroutine can pick them up without the heap mutex.
type RingBuffer[T any] struct {
	capacity uint64
	mask     uint64

	_pad0 [48]byte
	head  atomic.Uint64
	_pad1 [48]byte
	tail  atomic.Uint64
	_pad2 [48]byte

	slots []slot[T]
}

func NewRingBuffer[T any](capacity uint64) (*RingBuffer[T], error) {
	if capacity < 2 || (capacity&(capacity-1)) != 0 {
		return nil, ErrInvalidCapacity
	}
	slots := make([]slot[T], capacity)
	for i := uint64(0); i < capacity; i++ {
		slots[i].sequence.Store(i)
	}
	return &RingBuffer[T]{
		capacity: capacity,
		mask:     capacity - 1,
		slots:    slots,
	}, nil
}

func (q *RingBuffer[T]) Cap() uint64 {
	return q.capacity
}

// Len is a racy estimate; exact only when no producer or consumer is active.
func (q *RingBuffer[T]) Len() uint64 {
	tail := q.tail.Load()
	head := q.head.Load()
	if tail < head {
		return 0
	}
	return tail - head
}

// Enqueue returns false when the queue is full.
func (q *RingBuffer[T]) Enqueue(value T) bool {
	for {
		pos := q.tail.Load()
		s := &q.slots[pos&q.mask]
		seq := s.sequence.Load()
		delta := int64(seq) - int64(pos)

		if delta == 0 {
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.value = value
				s.sequence.Store(pos + 1)
				return true
			}
			continue
		}
		if delta < 0 {
			return false
		}
		runtime.Gosched()
	}
}

// Dequeue returns false when the queue is empty.
func (q *RingBuffer[T]) Dequeue() (T, bool) {
	var zero T
	for {
		pos := q.head.Load()
		s := &q.slots[pos&q.mask]
		seq := s.sequence.Load()
		delta := int64(seq) - int64(pos+1)

		if delta == 0 {
			if q.head.CompareAndSwap(pos, pos+1) {
				value := s.value
				s.value = zero
				s.sequence.Store(pos + q.capacity)
				return value, true
			}
			continue
		}
		if delta < 0 {
			return zero, false
		}
		runtime.Gosched()
	}
}

// Drain dequeues until empty, handing every value to fn.
func (q *RingBuffer[T]) Drain(fn func(T)) int {
	n := 0
	for {
		v, ok := q.Dequeue()
		if !ok {
			return n
		}
		fn(v)
		n++
	}
}

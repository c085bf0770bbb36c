// Package hash seals heap images. Segments are cut into fixed word chunks,
// each chunk is hashed as a leaf and leaves are folded pairwise into one root.
// Every hash is keyed and domain separated (leaf 'L', parent 'P', root 'R').
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"
)

const ChunkWords = 512

type Stats struct {
	LeafCalls   uint64
	ParentCalls uint64
	Segments    uint64
}

type Engine struct {
	key         [32]byte
	leafCalls   atomic.Uint64
	parentCalls atomic.Uint64
	segments    atomic.Uint64
}

func NewEngine(key [32]byte) *Engine {
	return &Engine{key: key}
}

// HashLeaf digests one chunk. Inputs longer than ChunkWords are accepted and
// streamed through the same buffer.
func (e *Engine) HashLeaf(index uint64, words []uint64) [32]byte {
	h := sha256.New()
	var prefix [41]byte
	prefix[0] = 'L'
	copy(prefix[1:33], e.key[:])
	binary.LittleEndian.PutUint64(prefix[33:], index)
	h.Write(prefix[:])

	var buf [ChunkWords * 8]byte
	n := 0
	for _, w := range words {
		if n == len(buf) {
			h.Write(buf[:])
			n = 0
		}
		binary.LittleEndian.PutUint64(buf[n:], w)
		n += 8
	}
	h.Write(buf[:n])

	e.leafCalls.Add(1)
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func (e *Engine) HashParent(left *[32]byte, right *[32]byte) [32]byte {
	var payload [97]byte
	payload[0] = 'P'
	copy(payload[1:33], e.key[:])
	copy(payload[33:65], left[:])
	copy(payload[65:97], right[:])
	e.parentCalls.Add(1)
	return sha256.Sum256(payload[:])
}

// HashSegment digests the words of a heap segment starting at base. The base
// and length are bound into the root so that relocated or truncated segments
// never verify.
func (e *Engine) HashSegment(base uint64, words []uint64) [32]byte {
	level := make([][32]byte, 0, len(words)/ChunkWords+1)
	for i := 0; i < len(words); i += ChunkWords {
		end := i + ChunkWords
		if end > len(words) {
			end = len(words)
		}
		level = append(level, e.HashLeaf(uint64(i/ChunkWords), words[i:end]))
	}
	for len(level) > 1 {
		next := level[:0]
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				next = append(next, level[i])
				continue
			}
			next = append(next, e.HashParent(&level[i], &level[i+1]))
		}
		level = next
	}

	var payload [81]byte
	payload[0] = 'R'
	copy(payload[1:33], e.key[:])
	binary.LittleEndian.PutUint64(payload[33:41], base)
	binary.LittleEndian.PutUint64(payload[41:49], uint64(len(words)))
	if len(level) == 1 {
		copy(payload[49:81], level[0][:])
	}
	e.segments.Add(1)
	return sha256.Sum256(payload[:])
}

func (e *Engine) Stats() Stats {
	return Stats{
		LeafCalls:   e.leafCalls.Load(),
		ParentCalls: e.parentCalls.Load(),
		Segments:    e.segments.Load(),
	}
}

func (e *Engine) ResetStats() {
	e.leafCalls.Store(0)
	e.parentCalls.Store(0)
	e.segments.Store(0)
}

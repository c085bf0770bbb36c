package hash

import "testing"

func TestHashSegmentBindsContentAndPlacement(t *testing.T) {
	engine := NewEngine([32]byte{1, 2, 3})
	words := seededWords(3*ChunkWords + 7)

	root := engine.HashSegment(1<<32, words)
	if again := engine.HashSegment(1<<32, words); again != root {
		t.Fatalf("digest is not deterministic")
	}
	if moved := engine.HashSegment(2<<32, words); moved == root {
		t.Fatalf("digest ignores the segment base")
	}
	if short := engine.HashSegment(1<<32, words[:len(words)-1]); short == root {
		t.Fatalf("digest ignores truncation")
	}

	words[ChunkWords+3] ^= 1
	if flipped := engine.HashSegment(1<<32, words); flipped == root {
		t.Fatalf("digest ignores a flipped bit")
	}

	other := NewEngine([32]byte{9})
	words[ChunkWords+3] ^= 1
	if keyed := other.HashSegment(1<<32, words); keyed == root {
		t.Fatalf("digest ignores the engine key")
	}
}

func TestHashSegmentStats(t *testing.T) {
	engine := NewEngine([32]byte{})
	engine.HashSegment(0, seededWords(4*ChunkWords))

	stats := engine.Stats()
	if stats.LeafCalls != 4 || stats.ParentCalls != 3 || stats.Segments != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	engine.ResetStats()
	if engine.Stats() != (Stats{}) {
		t.Fatalf("stats not reset")
	}

	// empty segments still produce a root
	if engine.HashSegment(0, nil) == engine.HashSegment(8, nil) {
		t.Fatalf("empty digests should still bind the base")
	}
}

func BenchmarkHashSegment(b *testing.B) {
	engine := NewEngine([32]byte{1, 2, 3})
	words := seededWords(64 * ChunkWords)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = engine.HashSegment(1<<32, words)
	}
}

func seededWords(n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = uint64(i)*0x9E3779B97F4A7C15 + 1
	}
	return out
}

func TestHashLeafAcceptsLongInput(t *testing.T) {
	engine := NewEngine([32]byte{4})
	words := seededWords(2*ChunkWords + 3)

	long := engine.HashLeaf(0, words)
	if again := engine.HashLeaf(0, words); again != long {
		t.Fatalf("long leaf digest is not deterministic")
	}
	if engine.HashLeaf(0, words[:ChunkWords]) == long {
		t.Fatalf("words past the first chunk were ignored")
	}
}

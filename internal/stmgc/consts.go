package stmgc

// Arena sizing.
const (
	minArenaBytes = 4 << 10
	// maxArenaBytes keeps every offset inside its arena's address segment.
	maxArenaBytes = 1 << 32

	defaultMainArenaBytes   = 64 << 20
	defaultThreadArenaBytes = 4 << 20
)

// Registry and pool sizing.
const (
	defaultMaxArenas     = 1024
	defaultArenaPoolSize = 8

	mainArenaIndex = 0
)

// Collector work buffers start at this many entries and grow on demand.
const initialCollectorCapacity = 64

package stmgc

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config sizes the heap. Zero values fall back to defaults in NewHeap.
type Config struct {
	MainArenaBytes   uint64 `toml:"main-arena-bytes"`
	ThreadArenaBytes uint64 `toml:"thread-arena-bytes"`
	MaxArenas        int    `toml:"max-arenas"`
	// ArenaPoolSize is the number of detached arenas kept for reuse. Must be a
	// power of two.
	ArenaPoolSize uint64 `toml:"arena-pool-size"`
	// DeferRootWriteBack hands every committed root to Substrate.CommitRoot
	// instead of copying it into its global original directly.
	DeferRootWriteBack bool `toml:"defer-root-write-back"`
	// DigestKey keys the digests that seal checkpoints.
	DigestKey string `toml:"digest-key"`
}

// LoadConfig reads a TOML file of the form
//
//	main-arena-bytes = 67108864
//	thread-arena-bytes = 4194304
//	arena-pool-size = 8
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cannot read %s: %w", path, err)
	}
	var cfg Config
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("unknown key %q in %s", undecoded[0].String(), path)
	}
	return cfg, nil
}

func (c Config) withDefaults() Config {
	if c.MainArenaBytes == 0 {
		c.MainArenaBytes = defaultMainArenaBytes
	}
	if c.ThreadArenaBytes == 0 {
		c.ThreadArenaBytes = defaultThreadArenaBytes
	}
	c.MainArenaBytes = clampArenaBytes(c.MainArenaBytes)
	c.ThreadArenaBytes = clampArenaBytes(c.ThreadArenaBytes)
	if c.MaxArenas <= 0 {
		c.MaxArenas = defaultMaxArenas
	}
	if c.ArenaPoolSize == 0 {
		c.ArenaPoolSize = defaultArenaPoolSize
	}
	return c
}

func (c Config) validate() error {
	if c.ArenaPoolSize < 2 || c.ArenaPoolSize&(c.ArenaPoolSize-1) != 0 {
		return fmt.Errorf("arena-pool-size %d is not a power of two >= 2", c.ArenaPoolSize)
	}
	if c.MaxArenas < 1 {
		return fmt.Errorf("max-arenas %d leaves no room for the global heap", c.MaxArenas)
	}
	return nil
}

func clampArenaBytes(n uint64) uint64 {
	n = (n + 7) &^ 7
	if n < minArenaBytes {
		return minArenaBytes
	}
	if n > maxArenaBytes {
		return maxArenaBytes
	}
	return n
}

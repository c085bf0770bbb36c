// Package store keeps heap images in a pebble database, one key per commit
// sequence.
package store

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/Pam-La/stmgc/internal/image"
)

var ErrImageNotFound = errors.New("image not found")

const keyPrefix = "image/"

type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open image store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes img under its sequence number, replacing any earlier image with
// the same number.
func (s *Store) Put(img *image.Image) error {
	data, err := image.Marshal(img)
	if err != nil {
		return err
	}
	return s.db.Set(keyFor(img.Seq), data, pebble.Sync)
}

func (s *Store) Get(seq uint64) (*image.Image, error) {
	val, closer, err := s.db.Get(keyFor(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, fmt.Errorf("seq %d: %w", seq, ErrImageNotFound)
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return image.Unmarshal(val)
}

// Latest returns the image with the highest sequence number.
func (s *Store) Latest() (*image.Image, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	if !iter.Last() {
		if err := iter.Error(); err != nil {
			return nil, err
		}
		return nil, ErrImageNotFound
	}
	return image.Unmarshal(bytes.Clone(iter.Value()))
}

// Sequences lists the stored sequence numbers in ascending order.
func (s *Store) Sequences() ([]uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(keyPrefix),
		UpperBound: []byte(keyPrefix + "~"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return nil, err
		}
		out = append(out, seq)
	}
	return out, iter.Error()
}

// Prune deletes every image older than keep.
func (s *Store) Prune(keep uint64) error {
	return s.db.DeleteRange([]byte(keyPrefix), keyFor(keep), pebble.Sync)
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", keyPrefix, seq))
}

func parseKey(b []byte) (uint64, error) {
	var seq uint64
	_, err := fmt.Sscanf(string(bytes.TrimPrefix(b, []byte(keyPrefix))), "%d", &seq)
	return seq, err
}

package stmgc

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Pam-La/stmgc/internal/hash"
	"github.com/Pam-La/stmgc/internal/image"
	"github.com/Pam-La/stmgc/internal/object"
	"github.com/Pam-La/stmgc/internal/store"
)

// Checkpoint copies the used part of the global heap. It runs under the
// substrate's commit serialization, so the image never holds half a commit.
// Thread nurseries are not part of an image.
func (h *Heap) Checkpoint() (*image.Image, error) {
	if h.closed.Load() {
		return nil, ErrHeapClosed
	}
	var img *image.Image
	err := h.sub.Serialize(object.MainThread, func() error {
		a := h.main.arena
		img = &image.Image{
			HeapID:  h.id.String(),
			Seq:     h.commitSeq.Load(),
			Base:    uint64(a.NurseryStart()),
			Words:   a.snapshot(),
			Created: time.Now(),
		}
		img.Seal(h.digest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debugf("heap %s: checkpoint at seq %d, %d bytes", h.id, img.Seq, img.Bytes())
	return img, nil
}

// CheckpointTo takes a checkpoint and writes it to s.
func (h *Heap) CheckpointTo(s *store.Store) (*image.Image, error) {
	img, err := h.Checkpoint()
	if err != nil {
		return nil, err
	}
	if err := s.Put(img); err != nil {
		return nil, fmt.Errorf("heap %s: store checkpoint %d: %w", h.id, img.Seq, err)
	}
	return img, nil
}

// Restore builds a heap whose global objects sit at the addresses they had
// when img was taken. cfg must carry the digest key img was sealed with.
func Restore(cfg Config, sub Substrate, img *image.Image) (*Heap, error) {
	if err := img.Verify(hash.NewEngine(digestKey(cfg.DigestKey))); err != nil {
		return nil, err
	}
	if base := object.SegmentBase(mainArenaIndex); img.Base != uint64(base) {
		return nil, fmt.Errorf("image base %#x is not the global segment %s: %w", img.Base, base, object.ErrBadAddress)
	}
	id, err := uuid.Parse(img.HeapID)
	if err != nil {
		return nil, fmt.Errorf("image heap id: %w", err)
	}

	if need := img.Bytes(); need > cfg.withDefaults().MainArenaBytes {
		cfg.MainArenaBytes = need
	}
	h, err := NewHeap(cfg, sub)
	if err != nil {
		return nil, err
	}
	if err := h.main.arena.restore(img.Words); err != nil {
		h.Close()
		return nil, err
	}
	h.id = id
	h.commitSeq.Store(img.Seq)
	log.Infof("heap %s: restored at seq %d, %d bytes", h.id, img.Seq, img.Bytes())
	return h, nil
}

// RestoreLatest restores the newest image in s.
func RestoreLatest(cfg Config, sub Substrate, s *store.Store) (*Heap, error) {
	img, err := s.Latest()
	if err != nil {
		return nil, err
	}
	return Restore(cfg, sub, img)
}

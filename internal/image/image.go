// Package image holds point-in-time copies of the global heap. An image is
// sealed with a keyed digest over its words so a restore can refuse a
// truncated or foreign image.
package image

import (
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Pam-La/stmgc/internal/hash"
)

var ErrImageDigest = errors.New("image digest mismatch")

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("image: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Image is the used part of the global arena at commit sequence Seq.
type Image struct {
	HeapID  string    `cbor:"1,keyasint"`
	Seq     uint64    `cbor:"2,keyasint"`
	Base    uint64    `cbor:"3,keyasint"`
	Words   []uint64  `cbor:"4,keyasint"`
	Digest  [32]byte  `cbor:"5,keyasint"`
	Created time.Time `cbor:"6,keyasint"`
}

func (img *Image) Bytes() uint64 {
	return uint64(len(img.Words)) * 8
}

// Seal stores the digest of the image's base and words.
func (img *Image) Seal(e *hash.Engine) {
	img.Digest = e.HashSegment(img.Base, img.Words)
}

// Verify recomputes the digest with e.
func (img *Image) Verify(e *hash.Engine) error {
	if e.HashSegment(img.Base, img.Words) != img.Digest {
		return fmt.Errorf("image of heap %s at seq %d: %w", img.HeapID, img.Seq, ErrImageDigest)
	}
	return nil
}

func Marshal(img *Image) ([]byte, error) {
	return encMode.Marshal(img)
}

func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("image: unmarshal: %w", err)
	}
	return &img, nil
}

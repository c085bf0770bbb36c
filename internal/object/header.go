package object

import "fmt"

// Flag is a header flag bit in the tag word.
type Flag uint64

const (
	// Global marks an object of the shared heap.
	Global Flag = 1 << 63
	// WasCopied marks an object that has a transactional working copy, or a
	// working copy itself.
	WasCopied Flag = 1 << 62

	flagMask = uint64(Global | WasCopied)
	typeMask = uint64(^uint32(0))
)

// Header is the decoded two-word object header.
//
// The version word has one meaning at a time, chosen by the flags:
//   - local and WasCopied: back-reference to the global original
//   - local, not WasCopied, after a commit: forwarding to the promoted twin
//   - global: 0 (no forwarding)
type Header struct {
	tag     uint64
	version Addr
}

func NewHeader(typeID TypeID, flags Flag) Header {
	return Header{tag: uint64(typeID) | (uint64(flags) & flagMask)}
}

func HeaderFromWords(tag, version uint64) Header {
	return Header{tag: tag, version: Addr(version)}
}

func (h Header) Tag() uint64 {
	return h.tag
}

func (h Header) TypeID() TypeID {
	return TypeID(h.tag & typeMask)
}

func (h Header) Has(f Flag) bool {
	return h.tag&uint64(f) != 0
}

func (h Header) IsGlobal() bool {
	return h.Has(Global)
}

func (h Header) WasCopied() bool {
	return h.Has(WasCopied)
}

func (h *Header) Set(f Flag) {
	h.tag |= uint64(f) & flagMask
}

func (h *Header) Clear(f Flag) {
	h.tag &^= uint64(f) & flagMask
}

func (h Header) Version() Addr {
	return h.version
}

func (h *Header) SetVersion(v Addr) {
	h.version = v
}

// BackRef returns the global original of a local working copy.
func (h Header) BackRef() (Addr, bool) {
	if h.IsGlobal() || !h.WasCopied() {
		return 0, false
	}
	return h.version, h.version != 0
}

func (h Header) String() string {
	return fmt.Sprintf("type=%d global=%t copied=%t version=%s", h.TypeID(), h.IsGlobal(), h.WasCopied(), h.version)
}

func LoadHeader(mem Memory, addr Addr) (Header, error) {
	if addr == 0 {
		return Header{}, fmt.Errorf("load header: %w", ErrBadAddress)
	}
	tag, err := mem.LoadWord(addr)
	if err != nil {
		return Header{}, err
	}
	version, err := mem.LoadWord(addr + WordSize)
	if err != nil {
		return Header{}, err
	}
	return HeaderFromWords(tag, version), nil
}

// StoreHeader overwrites both header words. Only the owner of the object may
// call it; shared headers change flags through SetFlag and ClearFlag.
func StoreHeader(mem Memory, addr Addr, h Header) error {
	if addr == 0 {
		return fmt.Errorf("store header: %w", ErrBadAddress)
	}
	if err := mem.StoreWord(addr, h.tag); err != nil {
		return err
	}
	return mem.StoreWord(addr+WordSize, uint64(h.version))
}

func SetFlag(mem Memory, addr Addr, f Flag) error {
	return updateTag(mem, addr, func(tag uint64) uint64 { return tag | (uint64(f) & flagMask) })
}

func ClearFlag(mem Memory, addr Addr, f Flag) error {
	return updateTag(mem, addr, func(tag uint64) uint64 { return tag &^ (uint64(f) & flagMask) })
}

func StoreVersion(mem Memory, addr Addr, v Addr) error {
	return mem.StoreWord(addr+WordSize, uint64(v))
}

func updateTag(mem Memory, addr Addr, fn func(uint64) uint64) error {
	for {
		old, err := mem.LoadWord(addr)
		if err != nil {
			return err
		}
		next := fn(old)
		if next == old {
			return nil
		}
		ok, err := mem.CompareAndSwapWord(addr, old, next)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

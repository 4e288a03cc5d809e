package crypto

import (
	"encoding/binary"

	"github.com/Armour007/aura-core/internal/types"
	"lukechampine.com/blake3"
)

// Hash is the content-hash primitive (BLAKE3-256).
func Hash(b []byte) types.Hash32 {
	return types.Hash32(blake3.Sum256(b))
}

// Hasher accumulates parts for a single content hash.
type Hasher struct {
	h *blake3.Hasher
}

func NewHasher() *Hasher { return &Hasher{h: blake3.New(32, nil)} }

func (h *Hasher) Add(b []byte) *Hasher {
	_, _ = h.h.Write(b)
	return h
}

func (h *Hasher) AddString(s string) *Hasher { return h.Add([]byte(s)) }

func (h *Hasher) AddByte(b byte) *Hasher { return h.Add([]byte{b}) }

func (h *Hasher) AddUint64(v uint64) *Hasher {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return h.Add(buf[:])
}

func (h *Hasher) AddUint32(v uint32) *Hasher {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return h.Add(buf[:])
}

func (h *Hasher) Sum() types.Hash32 {
	var out types.Hash32
	copy(out[:], h.h.Sum(nil))
	return out
}

// HashParts hashes the concatenation of parts.
func HashParts(parts ...[]byte) types.Hash32 {
	h := NewHasher()
	for _, p := range parts {
		h.Add(p)
	}
	return h.Sum()
}

package crypto

import (
	"crypto/sha256"
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of every derived symmetric key.
const KeySize = 32

// DeriveKey derives a context-bound key from a root seed.
// The same (seed, context, keyType) always yields the same key.
func DeriveKey(seed []byte, context, keyType string) ([]byte, error) {
	if len(seed) == 0 {
		return nil, auraerr.New(auraerr.KindInvalid, "crypto.derive_key", "empty seed")
	}
	salt := Hash([]byte("aura-derive-context:" + context))
	info := []byte("aura-derive:" + keyType + ":" + context)
	return Expand(seed, salt[:], info, KeySize)
}

// Expand runs HKDF-SHA256 and returns n bytes.
func Expand(ikm, salt, info []byte, n int) ([]byte, error) {
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, info), out); err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "crypto.hkdf", err)
	}
	return out, nil
}

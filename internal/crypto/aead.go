package crypto

import (
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts plaintext with XChaCha20-Poly1305. The random nonce is prepended.
func Seal(key, plaintext, ad []byte, rand io.Reader) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "crypto.seal", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand, nonce); err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "crypto.seal", err)
	}
	return aead.Seal(nonce, nonce, plaintext, ad), nil
}

// Open reverses Seal. Tampered ciphertext is corruption.
func Open(key, sealed, ad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "crypto.open", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, auraerr.New(auraerr.KindCorruption, "crypto.open", "ciphertext too short")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, body, ad)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindCorruption, "crypto.open", err)
	}
	return pt, nil
}

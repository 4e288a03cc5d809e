package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"io"
	"strings"

	"github.com/Armour007/aura-core/internal/auraerr"
)

const AlgEdDSA = "EdDSA"

// Signer produces detached signatures for a single device key.
type Signer interface {
	Algorithm() string
	KeyID() string
	PublicKey() ed25519.PublicKey
	Sign(ctx context.Context, msg []byte) ([]byte, error)
}

// ----- Local Ed25519 signer -----
type LocalEd25519Signer struct {
	priv ed25519.PrivateKey
	kid  string
}

// NewLocalEd25519Signer wraps an existing private key.
func NewLocalEd25519Signer(priv ed25519.PrivateKey) (*LocalEd25519Signer, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, auraerr.New(auraerr.KindInvalid, "crypto.signer", "bad ed25519 private key length")
	}
	return &LocalEd25519Signer{priv: priv, kid: KeyIDFor(priv.Public().(ed25519.PublicKey))}, nil
}

// GenerateSigner creates a fresh key from r. Pass a seeded reader for reproducible keys.
func GenerateSigner(r io.Reader) (*LocalEd25519Signer, error) {
	_, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "crypto.generate", err)
	}
	return NewLocalEd25519Signer(priv)
}

func (s *LocalEd25519Signer) Algorithm() string { return AlgEdDSA }
func (s *LocalEd25519Signer) KeyID() string     { return s.kid }

func (s *LocalEd25519Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

func (s *LocalEd25519Signer) Sign(ctx context.Context, msg []byte) ([]byte, error) {
	if s.priv == nil {
		return nil, auraerr.New(auraerr.KindAuthentication, "crypto.sign", "signer has been zeroized")
	}
	return ed25519.Sign(s.priv, msg), nil
}

// PrivateKey exposes the raw key for presentation formats that need it (JWT).
func (s *LocalEd25519Signer) PrivateKey() ed25519.PrivateKey { return s.priv }

// Zeroize wipes the private key; the signer is unusable afterwards.
func (s *LocalEd25519Signer) Zeroize() {
	Zeroize(s.priv)
	s.priv = nil
}

// ParseLocalEd25519 decodes a base64url or base64 private key.
func ParseLocalEd25519(encPriv string) (*LocalEd25519Signer, error) {
	encPriv = strings.TrimSpace(encPriv)
	if encPriv == "" {
		return nil, errors.New("missing private key")
	}
	raw, err := base64.RawURLEncoding.DecodeString(encPriv)
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(encPriv)
		if err != nil {
			return nil, err
		}
	}
	if len(raw) == ed25519.SeedSize {
		raw = ed25519.NewKeyFromSeed(raw)
	}
	return NewLocalEd25519Signer(ed25519.PrivateKey(raw))
}

// KeyIDFor derives a short key id from a public key.
func KeyIDFor(pub ed25519.PublicKey) string {
	sum := Hash(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

// Verify checks a detached Ed25519 signature.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ConstantTimeEqual compares secrets without leaking timing.
func ConstantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites b in place.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

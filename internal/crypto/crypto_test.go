package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"math/rand/v2"
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
)

func TestHashMatchesHasher(t *testing.T) {
	a := Hash([]byte("node-abc"))
	b := NewHasher().AddString("node-").AddString("abc").Sum()
	if a != b {
		t.Fatalf("incremental hash differs: %s vs %s", a, b)
	}
	if HashParts([]byte("ab"), []byte("c")) != HashParts([]byte("a"), []byte("bc")) {
		t.Fatalf("HashParts should hash the plain concatenation")
	}
}

func TestDeriveKeyProperties(t *testing.T) {
	seed := []byte("root-seed-0123456789")
	k1, err := DeriveKey(seed, "app/ctx", "signing")
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, _ := DeriveKey(seed, "app/ctx", "signing")
	if !bytes.Equal(k1, k2) {
		t.Fatalf("derivation is not deterministic")
	}
	other, _ := DeriveKey(seed, "app/other", "signing")
	if bytes.Equal(k1, other) {
		t.Fatalf("distinct contexts produced the same key")
	}
	typed, _ := DeriveKey(seed, "app/ctx", "encryption")
	if bytes.Equal(k1, typed) {
		t.Fatalf("distinct key types produced the same key")
	}
	rotated, _ := DeriveKey([]byte("rotated-seed"), "app/ctx", "signing")
	if bytes.Equal(k1, rotated) {
		t.Fatalf("rotating the seed did not change the key")
	}
	again, _ := DeriveKey(seed, "app/other", "signing")
	if !bytes.Equal(other, again) {
		t.Fatalf("rotation of another seed affected this one")
	}
	if _, err := DeriveKey(nil, "c", "t"); !auraerr.Is(err, auraerr.KindInvalid) {
		t.Fatalf("empty seed should be invalid, got %v", err)
	}
}

func TestSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{7}, KeySize)
	r := rand.NewChaCha8([32]byte{1})
	sealed, err := Seal(key, []byte("secret"), []byte("journal"), r)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	pt, err := Open(key, sealed, []byte("journal"))
	if err != nil || string(pt) != "secret" {
		t.Fatalf("open: %q %v", pt, err)
	}
	if _, err := Open(key, sealed, []byte("other")); !auraerr.Is(err, auraerr.KindCorruption) {
		t.Fatalf("wrong associated data should be corruption, got %v", err)
	}
	sealed[len(sealed)-1] ^= 1
	if _, err := Open(key, sealed, []byte("journal")); err == nil {
		t.Fatalf("tampered ciphertext opened")
	}
}

func TestLocalSigner(t *testing.T) {
	s, err := GenerateSigner(rand.NewChaCha8([32]byte{2}))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig, err := s.Sign(context.Background(), []byte("msg"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !Verify(s.PublicKey(), []byte("msg"), sig) {
		t.Fatalf("signature did not verify")
	}
	if Verify(s.PublicKey(), []byte("msg2"), sig) {
		t.Fatalf("signature verified for another message")
	}
	enc := base64.RawURLEncoding.EncodeToString(s.PrivateKey().Seed())
	parsed, err := ParseLocalEd25519(enc)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(parsed.PublicKey(), s.PublicKey()) || parsed.KeyID() != s.KeyID() {
		t.Fatalf("parsed signer differs")
	}
	s.Zeroize()
	if _, err := s.Sign(context.Background(), []byte("x")); err == nil {
		t.Fatalf("zeroized signer still signs")
	}
	if _, err := NewLocalEd25519Signer(ed25519.PrivateKey{1, 2}); err == nil {
		t.Fatalf("short key accepted")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	if !ConstantTimeEqual([]byte("abc"), []byte("abc")) || ConstantTimeEqual([]byte("abc"), []byte("abd")) {
		t.Fatalf("ConstantTimeEqual wrong")
	}
	b := []byte{1, 2, 3}
	Zeroize(b)
	if !bytes.Equal(b, []byte{0, 0, 0}) {
		t.Fatalf("zeroize left data: %v", b)
	}
}

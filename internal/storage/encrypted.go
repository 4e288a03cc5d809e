package storage

import (
	"context"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
)

// Encrypted seals values with XChaCha20-Poly1305 before handing them to the
// inner store. Keys stay in the clear and are bound as associated data, so a
// value moved to another key fails to open.
type Encrypted struct {
	inner effects.Storage
	key   []byte
	rand  effects.Random
}

// NewEncrypted derives the storage key from seed under the "storage" context.
func NewEncrypted(inner effects.Storage, seed []byte, rand effects.Random) (*Encrypted, error) {
	k, err := crypto.DeriveKey(seed, "storage", "encryption")
	if err != nil {
		return nil, err
	}
	return &Encrypted{inner: inner, key: k, rand: rand}, nil
}

func (e *Encrypted) seal(key string, value []byte) ([]byte, error) {
	return crypto.Seal(e.key, value, []byte(key), e.rand.Reader())
}

func (e *Encrypted) Store(ctx context.Context, key string, value []byte) error {
	if err := checkKey("storage.encrypted.store", key); err != nil {
		return err
	}
	ct, err := e.seal(key, value)
	if err != nil {
		return err
	}
	return e.inner.Store(ctx, key, ct)
}

func (e *Encrypted) Retrieve(ctx context.Context, key string) ([]byte, bool, error) {
	ct, ok, err := e.inner.Retrieve(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	pt, err := crypto.Open(e.key, ct, []byte(key))
	if err != nil {
		return nil, false, auraerr.Wrap(auraerr.KindCorruption, "storage.encrypted.retrieve", err)
	}
	return pt, true, nil
}

func (e *Encrypted) Remove(ctx context.Context, key string) (bool, error) {
	return e.inner.Remove(ctx, key)
}

func (e *Encrypted) List(ctx context.Context, prefix string) ([]string, error) {
	return e.inner.List(ctx, prefix)
}

func (e *Encrypted) Exists(ctx context.Context, key string) (bool, error) {
	return e.inner.Exists(ctx, key)
}

func (e *Encrypted) Batch(ctx context.Context, ops []effects.BatchOp) error {
	sealed := make([]effects.BatchOp, len(ops))
	for i, op := range ops {
		sealed[i] = op
		if op.Delete {
			continue
		}
		if err := checkKey("storage.encrypted.batch", op.Key); err != nil {
			return err
		}
		ct, err := e.seal(op.Key, op.Value)
		if err != nil {
			return err
		}
		sealed[i].Value = ct
	}
	return e.inner.Batch(ctx, sealed)
}

func (e *Encrypted) Clear(ctx context.Context) error { return e.inner.Clear(ctx) }

func (e *Encrypted) Stats(ctx context.Context) (effects.StorageStats, error) {
	st, err := e.inner.Stats(ctx)
	st.Backend = "encrypted+" + st.Backend
	return st, err
}

// Zeroize wipes the data key.
func (e *Encrypted) Zeroize() { crypto.Zeroize(e.key) }

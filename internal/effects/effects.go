// Package effects names the side-effect capabilities the core is written
// against. Nothing in the core touches the operating system directly.
package effects

import (
	"context"
	"crypto/ed25519"
	"errors"

	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
)

// ErrNoMessage is returned by receive calls when the inbox has nothing to deliver.
var ErrNoMessage = errors.New("no message")

// BatchOp is one write in an atomic batch. Delete removes Key.
type BatchOp struct {
	Key    string
	Value  []byte
	Delete bool
}

// StorageStats summarizes a storage backend.
type StorageStats struct {
	Backend string `json:"backend"`
	Keys    int64  `json:"keys"`
	Bytes   int64  `json:"bytes"`
}

// Storage is a byte KV over string keys. Writes are durable on success and
// batches never partially commit.
type Storage interface {
	Store(ctx context.Context, key string, value []byte) error
	Retrieve(ctx context.Context, key string) ([]byte, bool, error)
	Remove(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Batch(ctx context.Context, ops []BatchOp) error
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (StorageStats, error)
}

// Transport moves envelopes. Delivery is best-effort and FIFO per
// (source, destination, context).
type Transport interface {
	SendEnvelope(ctx context.Context, env wire.Envelope) error
	ReceiveEnvelope(ctx context.Context) (wire.Envelope, error)
	ReceiveEnvelopeFrom(ctx context.Context, src types.AuthorityID, cid types.ContextID) (wire.Envelope, error)
	IsChannelEstablished(ctx context.Context, cid types.ContextID, peer types.AuthorityID) bool
	OnlinePeers(ctx context.Context) []types.AuthorityID
}

// Crypto is the signature and hashing capability.
type Crypto interface {
	Hash(b []byte) types.Hash32
	GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error)
	Sign(priv ed25519.PrivateKey, msg []byte) ([]byte, error)
	Verify(pub ed25519.PublicKey, msg, sig []byte) bool
	ConstantTimeEqual(a, b []byte) bool
	Zeroize(b []byte)
}

// Effects bundles the capabilities one authority runs with.
type Effects struct {
	Time      Time
	Random    Random
	Crypto    Crypto
	Threshold Threshold
	Storage   Storage
	Console   Console
}

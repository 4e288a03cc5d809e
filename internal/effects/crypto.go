package effects

import (
	"crypto/ed25519"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/crypto/frost"
	"github.com/Armour007/aura-core/internal/types"
)

// Threshold is the FROST capability: DKG commit/reveal/finalize, signing
// share produce/aggregate and aggregated verify.
type Threshold interface {
	DealerKeygen(t, n int) ([]frost.KeyShare, frost.PublicPackage, error)
	DKGCommit(id frost.Identifier, t, n int) (*frost.DKGState, frost.DKGCommitment, error)
	DKGReveal(st *frost.DKGState) map[frost.Identifier][]byte
	DKGFinalize(st *frost.DKGState, commitments []frost.DKGCommitment, received map[frost.Identifier][]byte) (frost.KeyShare, error)
	Commit(share frost.KeyShare) (*frost.Nonce, frost.NonceCommitment)
	SignShare(share frost.KeyShare, nonce *frost.Nonce, msg []byte, commitments []frost.NonceCommitment) (frost.SignatureShare, error)
	Aggregate(pub frost.PublicPackage, msg []byte, commitments []frost.NonceCommitment, shares []frost.SignatureShare) ([]byte, error)
	Verify(groupKey, msg, sig []byte) bool
}

// StdCrypto implements Crypto with Ed25519 and BLAKE3.
type StdCrypto struct {
	Random Random
}

func (c StdCrypto) Hash(b []byte) types.Hash32 { return crypto.Hash(b) }

func (c StdCrypto) GenerateKeypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(c.Random.Reader())
	if err != nil {
		return nil, nil, auraerr.Wrap(auraerr.KindInvalid, "effects.generate_keypair", err)
	}
	return pub, priv, nil
}

func (c StdCrypto) Sign(priv ed25519.PrivateKey, msg []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, auraerr.New(auraerr.KindInvalid, "effects.sign", "bad private key")
	}
	return ed25519.Sign(priv, msg), nil
}

func (c StdCrypto) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return crypto.Verify(pub, msg, sig)
}

func (c StdCrypto) ConstantTimeEqual(a, b []byte) bool { return crypto.ConstantTimeEqual(a, b) }
func (c StdCrypto) Zeroize(b []byte)                   { crypto.Zeroize(b) }

// FrostThreshold implements Threshold over ristretto255.
type FrostThreshold struct {
	Random Random
}

func (f FrostThreshold) DealerKeygen(t, n int) ([]frost.KeyShare, frost.PublicPackage, error) {
	return frost.DealerKeygen(f.Random.Reader(), t, n)
}

func (f FrostThreshold) DKGCommit(id frost.Identifier, t, n int) (*frost.DKGState, frost.DKGCommitment, error) {
	return frost.DKGCommit(f.Random.Reader(), id, t, n)
}

func (f FrostThreshold) DKGReveal(st *frost.DKGState) map[frost.Identifier][]byte {
	return st.DKGReveal()
}

func (f FrostThreshold) DKGFinalize(st *frost.DKGState, commitments []frost.DKGCommitment, received map[frost.Identifier][]byte) (frost.KeyShare, error) {
	return st.DKGFinalize(commitments, received)
}

func (f FrostThreshold) Commit(share frost.KeyShare) (*frost.Nonce, frost.NonceCommitment) {
	return frost.Commit(f.Random.Reader(), share)
}

func (f FrostThreshold) SignShare(share frost.KeyShare, nonce *frost.Nonce, msg []byte, commitments []frost.NonceCommitment) (frost.SignatureShare, error) {
	return frost.Sign(share, nonce, msg, commitments)
}

func (f FrostThreshold) Aggregate(pub frost.PublicPackage, msg []byte, commitments []frost.NonceCommitment, shares []frost.SignatureShare) ([]byte, error) {
	return frost.Aggregate(pub, msg, commitments, shares)
}

func (f FrostThreshold) Verify(groupKey, msg, sig []byte) bool { return frost.Verify(groupKey, msg, sig) }

// Real builds production effects around the given storage and console.
func Real(st Storage, console Console) Effects {
	r := OSRandom{}
	if console == nil {
		console = NopConsole{}
	}
	return Effects{
		Time:      NewRealTime(),
		Random:    r,
		Crypto:    StdCrypto{Random: r},
		Threshold: FrostThreshold{Random: r},
		Storage:   st,
		Console:   console,
	}
}

// Sim builds reproducible effects. The clock is real unless clock is given,
// because ceremony tests run parties in separate goroutines.
func Sim(seed uint64, st Storage, clock Time) Effects {
	r := NewSeededRandom(seed)
	if clock == nil {
		clock = NewRealTime()
	}
	return Effects{
		Time:      clock,
		Random:    r,
		Crypto:    StdCrypto{Random: r},
		Threshold: FrostThreshold{Random: r},
		Storage:   st,
		Console:   NopConsole{},
	}
}

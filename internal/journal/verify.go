package journal

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/tree"
	"github.com/Armour007/aura-core/internal/types"
)

// Verifier checks the signature a fact carries.
type Verifier interface {
	VerifyFact(ctx context.Context, f Fact) error
}

// KeyRing resolves the keys facts are verified against: a threshold group
// key per authority for attested ops, a transport key per authority for
// receipts, and device keys for relational and snapshot facts.
type KeyRing struct {
	mu         sync.RWMutex
	groups     map[types.AuthorityID][]byte
	transports map[types.AuthorityID]ed25519.PublicKey
	devices    map[types.DeviceID]ed25519.PublicKey
}

func NewKeyRing() *KeyRing {
	return &KeyRing{
		groups:     map[types.AuthorityID][]byte{},
		transports: map[types.AuthorityID]ed25519.PublicKey{},
		devices:    map[types.DeviceID]ed25519.PublicKey{},
	}
}

func (k *KeyRing) SetGroupKey(a types.AuthorityID, groupKey []byte) {
	k.mu.Lock()
	k.groups[a] = append([]byte(nil), groupKey...)
	k.mu.Unlock()
}

func (k *KeyRing) SetTransportKey(a types.AuthorityID, pub ed25519.PublicKey) {
	k.mu.Lock()
	k.transports[a] = pub
	k.mu.Unlock()
}

func (k *KeyRing) SetDeviceKey(d types.DeviceID, pub ed25519.PublicKey) {
	k.mu.Lock()
	k.devices[d] = pub
	k.mu.Unlock()
}

// LearnTree registers the device keys of every attached leaf.
func (k *KeyRing) LearnTree(st *tree.TreeState) {
	for _, l := range st.Devices() {
		if len(l.PublicKey) == ed25519.PublicKeySize {
			k.SetDeviceKey(l.Device, l.PublicKey)
		}
	}
}

func (k *KeyRing) TransportKey(a types.AuthorityID) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	p, ok := k.transports[a]
	return p, ok
}

func (k *KeyRing) VerifyFact(ctx context.Context, f Fact) error {
	const op = "journal.verify_fact"
	k.mu.RLock()
	defer k.mu.RUnlock()
	switch f.Kind {
	case FactAttestedOp:
		gk, ok := k.groups[f.Authority]
		if !ok {
			return auraerr.New(auraerr.KindAuthentication, op, "unknown authority group key").WithAuthority(f.Authority)
		}
		if err := tree.VerifyAttested(gk, *f.Attested); err != nil {
			return auraerr.New(auraerr.KindInvalid, op, "attested op signature invalid").WithAuthority(f.Authority).WithCause(err)
		}
		return nil
	case FactReceipt:
		pub, ok := k.transports[f.Receipt.Src]
		if !ok {
			return auraerr.New(auraerr.KindAuthentication, op, "unknown receipt signer").WithAuthority(f.Receipt.Src)
		}
		if !crypto.Verify(pub, f.Receipt.SigningBytes(), f.Receipt.Sig) {
			return auraerr.New(auraerr.KindInvalid, op, "receipt signature invalid").WithAuthority(f.Receipt.Src)
		}
		return nil
	case FactRelational, FactSnapshot:
		pub, ok := k.devices[f.Signer]
		if !ok {
			return auraerr.New(auraerr.KindAuthentication, op, "unknown device").WithDevice(f.Signer)
		}
		msg, err := f.SigningBytes()
		if err != nil {
			return err
		}
		if !crypto.Verify(pub, msg, f.Sig) {
			return auraerr.New(auraerr.KindInvalid, op, "fact signature invalid").WithDevice(f.Signer)
		}
		return nil
	}
	return auraerr.Errorf(auraerr.KindInvalid, op, "unknown fact kind %d", f.Kind)
}

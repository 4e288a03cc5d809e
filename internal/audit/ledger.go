// Package audit keeps the append-only receipt chain per (context, peer).
package audit

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
)

func headKey(cid types.ContextID, peer types.AuthorityID) string {
	return "receipt-head:" + cid.String() + ":" + peer.String()
}

func recordPrefix(cid types.ContextID, peer types.AuthorityID) string {
	return "receipt:" + cid.String() + ":" + peer.String() + ":"
}

func recordKey(cid types.ContextID, peer types.AuthorityID, nonce uint64) string {
	return fmt.Sprintf("%s%020d", recordPrefix(cid, peer), nonce)
}

type chainID struct {
	ctx  types.ContextID
	peer types.AuthorityID
}

// Chain produces and records receipts for one local authority.
type Chain struct {
	self   types.AuthorityID
	signer crypto.Signer
	st     effects.Storage

	mu    sync.Mutex
	heads map[chainID]*wire.Receipt
}

func NewChain(self types.AuthorityID, signer crypto.Signer, st effects.Storage) *Chain {
	return &Chain{self: self, signer: signer, st: st, heads: map[chainID]*wire.Receipt{}}
}

func (c *Chain) PublicKey() ed25519.PublicKey { return c.signer.PublicKey() }

// Head returns the last committed receipt towards peer in cid.
func (c *Chain) Head(ctx context.Context, cid types.ContextID, peer types.AuthorityID) (wire.Receipt, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, err := c.headLocked(ctx, chainID{cid, peer})
	if err != nil || h == nil {
		return wire.Receipt{}, false, err
	}
	return *h, true, nil
}

func (c *Chain) headLocked(ctx context.Context, id chainID) (*wire.Receipt, error) {
	if h, ok := c.heads[id]; ok {
		return h, nil
	}
	b, ok, err := c.st.Retrieve(ctx, headKey(id.ctx, id.peer))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	r, err := wire.DecodeReceipt(b)
	if err != nil {
		return nil, err
	}
	c.heads[id] = &r
	return &r, nil
}

// Prepare builds and signs the receipt that would follow the current head.
// Nothing changes until Commit.
func (c *Chain) Prepare(ctx context.Context, cid types.ContextID, peer types.AuthorityID, epoch, cost uint64) (wire.Receipt, error) {
	c.mu.Lock()
	head, err := c.headLocked(ctx, chainID{cid, peer})
	c.mu.Unlock()
	if err != nil {
		return wire.Receipt{}, err
	}
	r := wire.Receipt{Context: cid, Src: c.self, Dst: peer, Epoch: epoch, Cost: cost, Nonce: 1}
	if head != nil {
		r.Nonce = head.Nonce + 1
		r.Prev = head.Hash()
	}
	sig, err := c.signer.Sign(ctx, r.SigningBytes())
	if err != nil {
		return wire.Receipt{}, err
	}
	r.Sig = sig
	return r, nil
}

// Commit advances the head to r if r still follows it. The head and the
// receipt record are written in one batch.
func (c *Chain) Commit(ctx context.Context, r wire.Receipt) error {
	const op = "audit.commit"
	id := chainID{r.Context, r.Dst}
	c.mu.Lock()
	defer c.mu.Unlock()
	head, err := c.headLocked(ctx, id)
	if err != nil {
		return err
	}
	var wantNonce uint64 = 1
	var wantPrev types.Hash32
	if head != nil {
		wantNonce, wantPrev = head.Nonce+1, head.Hash()
	}
	if r.Nonce != wantNonce || r.Prev != wantPrev {
		return auraerr.Errorf(auraerr.KindProtocolViolation, op, "receipt nonce %d does not follow head", r.Nonce).
			WithContext(r.Context).WithAuthority(r.Dst)
	}
	b, err := r.Encode()
	if err != nil {
		return err
	}
	if err := c.st.Batch(ctx, []effects.BatchOp{
		{Key: headKey(r.Context, r.Dst), Value: b},
		{Key: recordKey(r.Context, r.Dst, r.Nonce), Value: b},
	}); err != nil {
		return auraerr.Wrap(auraerr.KindStorage, op, err)
	}
	cp := r
	c.heads[id] = &cp
	return nil
}

// Revert undoes Commit(r) while r is still the head, restoring the
// previous receipt as head. Used when a later pipeline stage fails.
func (c *Chain) Revert(ctx context.Context, r wire.Receipt) error {
	const op = "audit.revert"
	id := chainID{r.Context, r.Dst}
	c.mu.Lock()
	defer c.mu.Unlock()
	head, err := c.headLocked(ctx, id)
	if err != nil {
		return err
	}
	if head == nil || head.Hash() != r.Hash() {
		return auraerr.New(auraerr.KindProtocolViolation, op, "receipt is not the chain head").WithContext(r.Context)
	}
	ops := []effects.BatchOp{{Key: recordKey(r.Context, r.Dst, r.Nonce), Delete: true}}
	var prev *wire.Receipt
	if r.Nonce > 1 {
		b, ok, err := c.st.Retrieve(ctx, recordKey(r.Context, r.Dst, r.Nonce-1))
		if err != nil {
			return auraerr.Wrap(auraerr.KindStorage, op, err)
		}
		if !ok {
			return auraerr.Errorf(auraerr.KindCorruption, op, "receipt %d missing", r.Nonce-1)
		}
		p, err := wire.DecodeReceipt(b)
		if err != nil {
			return auraerr.Wrap(auraerr.KindCorruption, op, err)
		}
		prev = &p
		ops = append(ops, effects.BatchOp{Key: headKey(r.Context, r.Dst), Value: b})
	} else {
		ops = append(ops, effects.BatchOp{Key: headKey(r.Context, r.Dst), Delete: true})
	}
	if err := c.st.Batch(ctx, ops); err != nil {
		return auraerr.Wrap(auraerr.KindStorage, op, err)
	}
	if prev == nil {
		delete(c.heads, id)
	} else {
		c.heads[id] = prev
	}
	return nil
}

// Read returns the recorded receipts towards peer in nonce order.
func (c *Chain) Read(ctx context.Context, cid types.ContextID, peer types.AuthorityID) ([]wire.Receipt, error) {
	keys, err := c.st.List(ctx, recordPrefix(cid, peer))
	if err != nil {
		return nil, err
	}
	out := make([]wire.Receipt, 0, len(keys))
	for _, k := range keys {
		b, ok, err := c.st.Retrieve(ctx, k)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r, err := wire.DecodeReceipt(b)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// Verify walks receipts and returns the 1-based index of the first one that
// breaks the chain (bad signature, nonce gap or wrong prev), or 0 when the
// whole chain holds.
func Verify(receipts []wire.Receipt, pub ed25519.PublicKey) (int, error) {
	var prev *wire.Receipt
	for i, r := range receipts {
		if err := VerifyNext(prev, r, pub); err != nil {
			return i + 1, err
		}
		cur := r
		prev = &cur
	}
	return 0, nil
}

// VerifyNext checks that next validly follows prev (nil for the first).
func VerifyNext(prev *wire.Receipt, next wire.Receipt, pub ed25519.PublicKey) error {
	const op = "audit.verify"
	if !crypto.Verify(pub, next.SigningBytes(), next.Sig) {
		return auraerr.Errorf(auraerr.KindAuthentication, op, "bad signature at nonce %d", next.Nonce)
	}
	if prev == nil {
		return nil
	}
	if next.Nonce != prev.Nonce+1 {
		return auraerr.Errorf(auraerr.KindCorruption, op, "nonce %d after %d", next.Nonce, prev.Nonce)
	}
	if next.Prev != prev.Hash() {
		return auraerr.Errorf(auraerr.KindCorruption, op, "prev hash mismatch at nonce %d", next.Nonce)
	}
	if next.Context != prev.Context || next.Src != prev.Src || next.Dst != prev.Dst {
		return auraerr.Errorf(auraerr.KindCorruption, op, "receipt %d belongs to another chain", next.Nonce)
	}
	return nil
}

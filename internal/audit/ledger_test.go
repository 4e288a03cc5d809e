package audit

import (
	"context"
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/storage"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
)

func newChain(t *testing.T) (*Chain, *storage.Memory) {
	t.Helper()
	s, err := crypto.GenerateSigner(effects.NewSeededRandom(11).Reader())
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	st := storage.NewMemory()
	return NewChain(types.AuthorityFromSeed(10), s, st), st
}

func TestChainLinksReceipts(t *testing.T) {
	ctx := context.Background()
	c, st := newChain(t)
	cid, peer := types.ContextFromHash(types.Hash32{3}), types.AuthorityFromSeed(20)

	var got []wire.Receipt
	for i := 0; i < 4; i++ {
		r, err := c.Prepare(ctx, cid, peer, 0, 100)
		if err != nil {
			t.Fatalf("prepare: %v", err)
		}
		if err := c.Commit(ctx, r); err != nil {
			t.Fatalf("commit: %v", err)
		}
		got = append(got, r)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Nonce != got[i-1].Nonce+1 || got[i].Prev != got[i-1].Hash() {
			t.Fatalf("receipt %d does not chain", i)
		}
	}
	if got[0].Nonce != 1 || !got[0].Prev.IsZero() {
		t.Fatalf("first receipt = %+v", got[0])
	}
	if idx, err := Verify(got, c.PublicKey()); idx != 0 || err != nil {
		t.Fatalf("verify = %d %v", idx, err)
	}

	// heads survive a restart
	again := NewChain(types.AuthorityFromSeed(10), nil, st)
	head, ok, err := again.Head(ctx, cid, peer)
	if err != nil || !ok || head.Nonce != 4 {
		t.Fatalf("head after reload = %+v %v %v", head, ok, err)
	}
	stored, err := c.Read(ctx, cid, peer)
	if err != nil || len(stored) != 4 || stored[3].Nonce != 4 {
		t.Fatalf("read = %d %v", len(stored), err)
	}
}

func TestCommitIsCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t)
	cid, peer := types.ContextFromHash(types.Hash32{4}), types.AuthorityFromSeed(21)
	a, _ := c.Prepare(ctx, cid, peer, 0, 1)
	b, _ := c.Prepare(ctx, cid, peer, 0, 2)
	if err := c.Commit(ctx, a); err != nil {
		t.Fatalf("commit a: %v", err)
	}
	if err := c.Commit(ctx, b); !auraerr.Is(err, auraerr.KindProtocolViolation) {
		t.Fatalf("stale receipt committed: %v", err)
	}
	// an uncommitted prepare leaves no trace
	_, _ = c.Prepare(ctx, cid, peer, 0, 3)
	head, _, _ := c.Head(ctx, cid, peer)
	if head.Nonce != 1 {
		t.Fatalf("head nonce = %d", head.Nonce)
	}
}

func TestVerifyFindsFirstBreak(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t)
	cid, peer := types.ContextFromHash(types.Hash32{5}), types.AuthorityFromSeed(22)
	var rs []wire.Receipt
	for i := 0; i < 3; i++ {
		r, _ := c.Prepare(ctx, cid, peer, 0, 1)
		_ = c.Commit(ctx, r)
		rs = append(rs, r)
	}
	tampered := append([]wire.Receipt(nil), rs...)
	tampered[1].Cost = 999
	if idx, err := Verify(tampered, c.PublicKey()); idx != 2 || err == nil {
		t.Fatalf("tampered = %d %v", idx, err)
	}
	gap := []wire.Receipt{rs[0], rs[2]}
	if idx, err := Verify(gap, c.PublicKey()); idx != 2 || !auraerr.Is(err, auraerr.KindCorruption) {
		t.Fatalf("gap = %d %v", idx, err)
	}
}

func TestRevertRestoresPreviousHead(t *testing.T) {
	ctx := context.Background()
	c, _ := newChain(t)
	cid, peer := types.ContextFromHash(types.Hash32{4}), types.AuthorityFromSeed(21)

	r1, _ := c.Prepare(ctx, cid, peer, 0, 10)
	if err := c.Commit(ctx, r1); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	r2, _ := c.Prepare(ctx, cid, peer, 0, 10)
	if err := c.Commit(ctx, r2); err != nil {
		t.Fatalf("commit 2: %v", err)
	}
	if err := c.Revert(ctx, r1); !auraerr.Is(err, auraerr.KindProtocolViolation) {
		t.Fatalf("reverting a non-head receipt: %v", err)
	}
	if err := c.Revert(ctx, r2); err != nil {
		t.Fatalf("revert: %v", err)
	}
	head, ok, _ := c.Head(ctx, cid, peer)
	if !ok || head.Nonce != 1 {
		t.Fatalf("head after revert = %+v ok=%v", head, ok)
	}
	recs, _ := c.Read(ctx, cid, peer)
	if len(recs) != 1 {
		t.Fatalf("records after revert = %d", len(recs))
	}
	if err := c.Revert(ctx, r1); err != nil {
		t.Fatalf("revert first: %v", err)
	}
	if _, ok, _ := c.Head(ctx, cid, peer); ok {
		t.Fatalf("head should be gone")
	}
	again, _ := c.Prepare(ctx, cid, peer, 0, 10)
	if again.Nonce != 1 {
		t.Fatalf("nonce after full revert = %d", again.Nonce)
	}
}

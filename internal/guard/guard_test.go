package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Armour007/aura-core/internal/audit"
	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/storage"
	"github.com/Armour007/aura-core/internal/types"
)

type fixture struct {
	self    types.AuthorityID
	peer    types.AuthorityID
	cid     types.ContextID
	token   capability.Token
	store   *journal.Store
	chain   *Chain
	budgets *MemoryBudgets
	epoch   uint64
}

type failingRecorder struct{}

func (failingRecorder) Merge(context.Context, []journal.Fact) ([]journal.Fact, error) {
	return nil, auraerr.New(auraerr.KindStorage, "test", "journal offline")
}

func newFixture(t *testing.T, limit uint64, rec Recorder) *fixture {
	t.Helper()
	ctx := context.Background()
	r := effects.NewSeededRandom(3).Reader()
	signer, err := crypto.GenerateSigner(r)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	f := &fixture{
		self: types.AuthorityFromSeed(1),
		peer: types.AuthorityFromSeed(2),
		cid:  types.ContextFromHash(types.Hash32{9}),
	}
	reg := capability.NewRegistry()
	reg.Trust(signer.PublicKey())
	f.token, err = capability.Issue(ctx, signer, capability.Token{
		Device:      types.DeviceFromSeed(1),
		Authority:   f.self,
		Permissions: []capability.Permission{{Operation: "choreography:*"}},
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	ring := journal.NewKeyRing()
	ring.SetTransportKey(f.self, signer.PublicKey())
	f.store, err = journal.Open(ctx, storage.NewMemory(), ring)
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	if rec == nil {
		rec = f.store
	}
	f.budgets = NewMemoryBudgets(limit)
	receipts := audit.NewChain(f.self, signer, storage.NewMemory())
	f.chain = New(f.self, capability.NewEvaluator(nil, reg), f.budgets, receipts,
		WithRecorder(rec), WithEpoch(func() uint64 { return f.epoch }))
	return f
}

func (f *fixture) send(payload int) (Outcome, error) {
	return f.chain.Evaluate(context.Background(), Request{Token: f.token, Context: f.cid, Peer: f.peer, PayloadLen: payload})
}

func TestCost(t *testing.T) {
	c := DefaultConfig()
	cases := []struct {
		flow uint64
		n    int
		want uint64
	}{
		{0, 0, 100},
		{0, 1, 110},
		{0, 1024, 110},
		{0, 1025, 120},
		{7, 0, 7},
		{7, 3000, 37},
	}
	for _, tc := range cases {
		if got := c.Cost(tc.flow, tc.n); got != tc.want {
			t.Fatalf("Cost(%d, %d) = %d, want %d", tc.flow, tc.n, got, tc.want)
		}
	}
}

func TestEvaluateProducesChainedReceipts(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	var prev uint64
	for i := 0; i < 3; i++ {
		out, err := f.send(10)
		if err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		if !out.Authorized || out.Receipt == nil || out.DenialReason != "" {
			t.Fatalf("unexpected outcome %+v", out)
		}
		if out.Receipt.Nonce <= prev {
			t.Fatalf("nonce %d did not advance past %d", out.Receipt.Nonce, prev)
		}
		prev = out.Receipt.Nonce
	}
	facts := f.store.Query(journal.Filter{Kind: journal.FactReceipt})
	if len(facts) != 3 {
		t.Fatalf("journal has %d receipt facts", len(facts))
	}
	b, _ := f.budgets.Get(context.Background(), BudgetKey{f.cid, f.peer})
	if b.Spent != 330 {
		t.Fatalf("spent = %d", b.Spent)
	}
	recs, _ := f.chain.Receipts().Read(context.Background(), f.cid, f.peer)
	if i, err := audit.Verify(recs, f.chain.Receipts().PublicKey()); i != 0 {
		t.Fatalf("chain broken at %d: %v", i, err)
	}
}

func TestBudgetExhaustedDenies(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	ctx := context.Background()
	if err := f.chain.SetBudget(ctx, f.cid, f.peer, 0); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	out, err := f.send(5)
	if !auraerr.Is(err, auraerr.KindAuthorization) || !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("err = %v", err)
	}
	if out.Authorized || out.Receipt != nil || out.DenialReason != "flow budget exhausted" {
		t.Fatalf("outcome = %+v", out)
	}
	if _, ok, _ := f.chain.Receipts().Head(ctx, f.cid, f.peer); ok {
		t.Fatalf("denied send moved the receipt chain")
	}
	if f.store.Journal().Len() != 0 {
		t.Fatalf("denied send reached the journal")
	}
}

func TestPolicyDenial(t *testing.T) {
	f := newFixture(t, 10_000, nil)
	out, err := f.chain.Evaluate(context.Background(), Request{Token: f.token, Operation: "tree:attest", Context: f.cid, Peer: f.peer})
	if !auraerr.Is(err, auraerr.KindAuthorization) || out.Authorized {
		t.Fatalf("tree op allowed by a choreography token: %+v %v", out, err)
	}
	b, _ := f.budgets.Get(context.Background(), BudgetKey{f.cid, f.peer})
	if b.Spent != 0 {
		t.Fatalf("policy denial charged %d", b.Spent)
	}
}

func TestJournalFailureRollsBack(t *testing.T) {
	f := newFixture(t, 10_000, failingRecorder{})
	ctx := context.Background()
	out, err := f.send(0)
	if !auraerr.Is(err, auraerr.KindStorage) || out.Authorized {
		t.Fatalf("send with failing journal: %+v %v", out, err)
	}
	if _, ok, _ := f.chain.Receipts().Head(ctx, f.cid, f.peer); ok {
		t.Fatalf("receipt head left behind")
	}
	b, _ := f.budgets.Get(ctx, BudgetKey{f.cid, f.peer})
	if b.Spent != 0 {
		t.Fatalf("budget not refunded: %d", b.Spent)
	}
}

func TestBudgetResetsOnEpoch(t *testing.T) {
	f := newFixture(t, 250, nil)
	if _, err := f.send(0); err != nil {
		t.Fatalf("first: %v", err)
	}
	if _, err := f.send(0); err != nil {
		t.Fatalf("second: %v", err)
	}
	if _, err := f.send(0); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("third should exhaust: %v", err)
	}
	f.epoch = 1
	out, err := f.send(0)
	if err != nil {
		t.Fatalf("after epoch bump: %v", err)
	}
	if out.Receipt.Epoch != 1 {
		t.Fatalf("receipt epoch = %d", out.Receipt.Epoch)
	}
}

func TestConcurrentKeys(t *testing.T) {
	f := newFixture(t, 1_000_000, nil)
	var wg sync.WaitGroup
	errs := make(chan error, 40)
	for p := 0; p < 4; p++ {
		peer := types.AuthorityFromSeed(uint64(100 + p))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				out, err := f.chain.Evaluate(context.Background(), Request{Token: f.token, Context: f.cid, Peer: peer})
				if err != nil {
					errs <- err
					return
				}
				if out.Receipt.Nonce != uint64(i+1) {
					errs <- fmt.Errorf("peer %s nonce %d at step %d", peer, out.Receipt.Nonce, i)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("%v", err)
	}
	if n := len(f.store.Query(journal.Filter{Kind: journal.FactReceipt})); n != 40 {
		t.Fatalf("receipt facts = %d", n)
	}
}

func TestReplayWindow(t *testing.T) {
	w := NewReplayWindow()
	cid := types.ContextFromHash(types.Hash32{1})
	a, b := types.AuthorityFromSeed(1), types.AuthorityFromSeed(2)
	if err := w.Check(cid, a, b, 1); err != nil {
		t.Fatalf("first nonce: %v", err)
	}
	w.Record(cid, a, b, 3)
	if err := w.Check(cid, a, b, 3); !auraerr.Is(err, auraerr.KindAuthentication) {
		t.Fatalf("replay accepted: %v", err)
	}
	if err := w.Check(cid, b, a, 1); err != nil {
		t.Fatalf("reverse direction shares the counter: %v", err)
	}
	if w.Last(cid, a, b) != 3 {
		t.Fatalf("last = %d", w.Last(cid, a, b))
	}
}

func TestMemoryBudgetRefundAcrossEpoch(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryBudgets(100)
	k := BudgetKey{types.ContextFromHash(types.Hash32{2}), types.AuthorityFromSeed(5)}
	if _, err := s.Reserve(ctx, k, 60, 0); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := s.Reserve(ctx, k, 60, 0); !errors.Is(err, ErrBudgetExhausted) {
		t.Fatalf("overdraw: %v", err)
	}
	if _, err := s.Reserve(ctx, k, 60, 1); err != nil {
		t.Fatalf("new epoch: %v", err)
	}
	_ = s.Refund(ctx, k, 60, 0)
	b, _ := s.Get(ctx, k)
	if b.Spent != 60 || b.Epoch != 1 {
		t.Fatalf("stale refund applied: %+v", b)
	}
}

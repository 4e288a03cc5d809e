package transport

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/Armour007/aura-core/internal/audit"
	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/guard"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/storage"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
)

func TestLoopbackBetweenTwoAuthorities(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	a, b := types.AuthorityFromSeed(10), types.AuthorityFromSeed(20)
	ea, eb := reg.Register(a, nil), reg.Register(b, nil)

	cid := types.ContextFromHash(crypto.Hash(b[:]))
	sent := wire.Envelope{Source: a, Destination: b, Context: cid, Payload: []byte("hello"), Metadata: map[string]string{"test": "loopback"}}
	if err := ea.SendEnvelope(ctx, sent); err != nil {
		t.Fatalf("send: %v", err)
	}
	deadline := effects.NewRealTime().NowMs() + 5000
	got, err := Poll(ctx, effects.NewRealTime(), 0, deadline, eb.ReceiveEnvelope)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(got.Payload) != "hello" || got.Source != a || got.Context != cid || got.Metadata["test"] != "loopback" {
		t.Fatalf("unexpected envelope %+v", got)
	}

	if err := eb.SendEnvelope(ctx, wire.Envelope{Destination: a, Context: cid, Payload: []byte("back")}); err != nil {
		t.Fatalf("reverse send: %v", err)
	}
	back, err := ea.ReceiveEnvelope(ctx)
	if err != nil || string(back.Payload) != "back" || back.Source != b {
		t.Fatalf("reverse receive %+v %v", back, err)
	}
	if n := len(ea.OnlinePeers(ctx)); n != 1 {
		t.Fatalf("a sees %d peers", n)
	}
	if n := len(eb.OnlinePeers(ctx)); n != 1 {
		t.Fatalf("b sees %d peers", n)
	}
	if _, err := ea.ReceiveEnvelope(ctx); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("empty inbox: %v", err)
	}
}

func TestReceiveFromKeepsOrder(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	a, b, c := types.AuthorityFromSeed(1), types.AuthorityFromSeed(2), types.AuthorityFromSeed(3)
	ea, eb, ec := reg.Register(a, nil), reg.Register(b, nil), reg.Register(c, nil)
	c1, c2 := types.ContextFromHash(types.Hash32{1}), types.ContextFromHash(types.Hash32{2})

	_ = ea.SendEnvelope(ctx, wire.Envelope{Destination: c, Context: c1, Payload: []byte("a1")})
	_ = eb.SendEnvelope(ctx, wire.Envelope{Destination: c, Context: c1, Payload: []byte("b1")})
	_ = ea.SendEnvelope(ctx, wire.Envelope{Destination: c, Context: c2, Payload: []byte("a-other")})
	_ = ea.SendEnvelope(ctx, wire.Envelope{Destination: c, Context: c1, Payload: []byte("a2")})

	for _, want := range []string{"a1", "a2"} {
		env, err := ec.ReceiveEnvelopeFrom(ctx, a, c1)
		if err != nil || string(env.Payload) != want {
			t.Fatalf("want %s got %q %v", want, env.Payload, err)
		}
	}
	if _, err := ec.ReceiveEnvelopeFrom(ctx, a, c1); !errors.Is(err, ErrNoMessage) {
		t.Fatalf("drained filter: %v", err)
	}
	env, _ := ec.ReceiveEnvelope(ctx)
	if string(env.Payload) != "b1" {
		t.Fatalf("remaining order broken: %q", env.Payload)
	}
	if len(reg.Sent(a)) != 3 {
		t.Fatalf("sent trace = %d", len(reg.Sent(a)))
	}
}

func TestPartitionAndHeal(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry()
	a, b, c := types.AuthorityFromSeed(1), types.AuthorityFromSeed(2), types.AuthorityFromSeed(3)
	ea := reg.Register(a, nil)
	reg.Register(b, nil)
	reg.Register(c, nil)
	reg.Partition([]types.AuthorityID{a}, []types.AuthorityID{b, c})

	err := ea.SendEnvelope(ctx, wire.Envelope{Destination: b, Context: types.NewContextID()})
	if !auraerr.Is(err, auraerr.KindNetwork) || !auraerr.Retryable(err) {
		t.Fatalf("partitioned send: %v", err)
	}
	if len(ea.OnlinePeers(ctx)) != 0 {
		t.Fatalf("partitioned peers visible")
	}
	reg.Heal()
	if len(ea.OnlinePeers(ctx)) != 2 || !ea.IsPeerOnline(c) {
		t.Fatalf("heal did not restore peers")
	}
}

func TestPollTimesOut(t *testing.T) {
	reg := NewRegistry()
	e := reg.Register(types.AuthorityFromSeed(1), nil)
	clk := effects.NewRealTime()
	start := time.Now()
	_, err := Poll(context.Background(), clk, 10*time.Millisecond, clk.NowMs()+60, e.ReceiveEnvelope)
	if !errors.Is(err, ErrTimeout) || !auraerr.Is(err, auraerr.KindNetwork) {
		t.Fatalf("poll: %v", err)
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Fatalf("poll returned early")
	}
}

type guardedPair struct {
	reg      *Registry
	a, b     types.AuthorityID
	ga       *Guarded
	gb       *Guarded
	chainA   *guard.Chain
	journalA *journal.Store
}

func newGuardedPair(t *testing.T) guardedPair {
	t.Helper()
	ctx := context.Background()
	r := effects.NewSeededRandom(5).Reader()
	sa, _ := crypto.GenerateSigner(r)
	sb, _ := crypto.GenerateSigner(r)
	p := guardedPair{reg: NewRegistry(), a: types.AuthorityFromSeed(10), b: types.AuthorityFromSeed(20)}

	ring := journal.NewKeyRing()
	ring.SetTransportKey(p.a, sa.PublicKey())
	ring.SetTransportKey(p.b, sb.PublicKey())

	mk := func(self types.AuthorityID, s *crypto.LocalEd25519Signer) (*Guarded, *guard.Chain, *journal.Store) {
		caps := capability.NewRegistry()
		caps.Trust(s.PublicKey())
		tok, err := capability.Issue(ctx, s, capability.Token{Authority: self, Permissions: []capability.Permission{{Operation: "choreography:*"}}})
		if err != nil {
			t.Fatalf("issue: %v", err)
		}
		js, err := journal.Open(ctx, storage.NewMemory(), ring)
		if err != nil {
			t.Fatalf("journal: %v", err)
		}
		ch := guard.New(self, capability.NewEvaluator(nil, caps), guard.NewMemoryBudgets(10_000),
			audit.NewChain(self, s, storage.NewMemory()), guard.WithRecorder(js))
		return NewGuarded(p.reg.Register(self, nil), ch, tok, ring, nil), ch, js
	}
	p.ga, p.chainA, p.journalA = mk(p.a, sa)
	p.gb, _, _ = mk(p.b, sb)
	return p
}

func TestGuardedSendAttachesReceipt(t *testing.T) {
	ctx := context.Background()
	p := newGuardedPair(t)
	cid := types.ContextFromHash(types.Hash32{7})
	sid := types.SessionFromSeed(1)

	for i := 1; i <= 2; i++ {
		out, err := p.ga.Send(ctx, wire.Envelope{Destination: p.b, Context: cid, Payload: []byte("x")}, SendOptions{Session: sid})
		if err != nil {
			t.Fatalf("send: %v", err)
		}
		if out.Receipt.Nonce != uint64(i) {
			t.Fatalf("nonce = %d", out.Receipt.Nonce)
		}
		env, err := p.gb.ReceiveEnvelopeFrom(ctx, p.a, cid)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if env.Receipt == nil || env.Receipt.Nonce != uint64(i) {
			t.Fatalf("receipt missing: %+v", env.Receipt)
		}
		if env.Metadata[wire.MetaContentType] != wire.ContentTypeChoreography || env.Metadata[wire.MetaSessionID] != sid.String() {
			t.Fatalf("metadata = %v", env.Metadata)
		}
	}
	if n := len(p.journalA.Query(journal.Filter{Kind: journal.FactReceipt})); n != 2 {
		t.Fatalf("receipt facts = %d", n)
	}

	// replaying the first envelope is refused
	first := p.reg.Sent(p.a)[0]
	if err := p.reg.deliver(first); err != nil {
		t.Fatalf("redeliver: %v", err)
	}
	if _, err := p.gb.ReceiveEnvelope(ctx); !auraerr.Is(err, auraerr.KindAuthentication) {
		t.Fatalf("replay accepted: %v", err)
	}
}

func TestGuardedSendOverBudget(t *testing.T) {
	ctx := context.Background()
	p := newGuardedPair(t)
	cid := types.ContextFromHash(types.Hash32{8})
	if err := p.chainA.SetBudget(ctx, cid, p.b, 0); err != nil {
		t.Fatalf("set budget: %v", err)
	}
	out, err := p.ga.Send(ctx, wire.Envelope{Destination: p.b, Context: cid, Payload: []byte("x")}, SendOptions{})
	if !auraerr.Is(err, auraerr.KindAuthorization) || !errors.Is(err, guard.ErrBudgetExhausted) {
		t.Fatalf("err = %v", err)
	}
	if out.Authorized || out.DenialReason != guard.ErrBudgetExhausted.Error() {
		t.Fatalf("outcome = %+v", out)
	}
	if n := p.reg.Pending(p.b); n != 0 {
		t.Fatalf("destination queue has %d envelopes", n)
	}
}

func TestBreakerOpensAndCloses(t *testing.T) {
	now := time.Unix(1000, 0)
	b := NewCircuitBreaker("peer-x", 2, time.Minute)
	b.now = func() time.Time { return now }
	b.ReportFailure()
	if !b.Allow() {
		t.Fatalf("opened before threshold")
	}
	b.ReportFailure()
	if b.Allow() {
		t.Fatalf("breaker still closed after threshold")
	}
	now = now.Add(2 * time.Minute)
	if !b.Allow() {
		t.Fatalf("breaker did not close after the open window")
	}
}

func TestNatsLoopback(t *testing.T) {
	url := os.Getenv("AURA_TEST_NATS_URL")
	if url == "" {
		t.Skip("AURA_TEST_NATS_URL not set")
	}
	ctx := context.Background()
	a, b := types.AuthorityFromSeed(1), types.AuthorityFromSeed(2)
	ta, err := DialNats(url, a, NatsConfig{SubjectPrefix: "aura-test"})
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer ta.Close()
	tb, err := DialNats(url, b, NatsConfig{SubjectPrefix: "aura-test"})
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer tb.Close()
	cid := types.NewContextID()
	if err := ta.SendEnvelope(ctx, wire.Envelope{Destination: b, Context: cid, Payload: []byte("over nats")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	clk := effects.NewRealTime()
	env, err := Poll(ctx, clk, 0, clk.NowMs()+5000, func(ctx context.Context) (wire.Envelope, error) {
		return tb.ReceiveEnvelopeFrom(ctx, a, cid)
	})
	if err != nil || string(env.Payload) != "over nats" {
		t.Fatalf("receive %q %v", env.Payload, err)
	}
	if peers := tb.OnlinePeers(ctx); len(peers) != 1 || peers[0] != a {
		t.Fatalf("peers = %v", peers)
	}
}

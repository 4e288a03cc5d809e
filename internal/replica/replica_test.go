package replica

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/mesh"
	"github.com/Armour007/aura-core/internal/storage"
	"github.com/Armour007/aura-core/internal/types"
)

type signerFixture struct {
	ring   *journal.KeyRing
	device types.DeviceID
	priv   ed25519.PrivateKey
}

func newSigner(t *testing.T) signerFixture {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(effects.NewSeededRandom(8).Reader())
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	f := signerFixture{ring: journal.NewKeyRing(), device: types.DeviceFromSeed(3), priv: priv}
	f.ring.SetDeviceKey(f.device, pub)
	return f
}

func (f signerFixture) fact(t *testing.T, label string) journal.Fact {
	t.Helper()
	x := journal.NewRelationalFact(types.AuthorityFromSeed(1), journal.Relational{
		Context: types.ContextFromHash(types.Hash32{5}), Kind: journal.Generic, Label: label, TimestampMs: 1,
	})
	if err := x.Sign(f.device, func(m []byte) ([]byte, error) { return ed25519.Sign(f.priv, m), nil }); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return x
}

func openStore(t *testing.T, ring *journal.KeyRing) *journal.Store {
	t.Helper()
	s, err := journal.Open(context.Background(), storage.NewMemory(), ring)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return s
}

func TestGossipConverges(t *testing.T) {
	ctx := context.Background()
	f := newSigner(t)
	bus := mesh.NewLocalBus()
	bus.Sync = true
	cid := types.ContextFromHash(types.Hash32{1})
	a := New(types.AuthorityFromSeed(1), cid, openStore(t, f.ring), bus, nil)
	b := New(types.AuthorityFromSeed(2), cid, openStore(t, f.ring), bus, nil)
	for _, r := range []*Replica{a, b} {
		if err := r.Start(ctx); err != nil {
			t.Fatalf("start: %v", err)
		}
		defer r.Stop()
	}
	if _, err := a.Store().Merge(ctx, []journal.Fact{f.fact(t, "one")}); err != nil {
		t.Fatalf("merge a: %v", err)
	}
	if _, err := b.Store().Merge(ctx, []journal.Fact{f.fact(t, "two")}); err != nil {
		t.Fatalf("merge b: %v", err)
	}
	if !a.Store().Journal().Equal(b.Store().Journal()) || a.Store().Journal().Len() != 2 {
		t.Fatalf("replicas diverged: %d vs %d", a.Store().Journal().Len(), b.Store().Journal().Len())
	}
}

func TestDigestRepairsMissedGossip(t *testing.T) {
	ctx := context.Background()
	f := newSigner(t)
	bus := mesh.NewLocalBus()
	bus.Sync = true
	cid := types.ContextFromHash(types.Hash32{2})
	a := New(types.AuthorityFromSeed(1), cid, openStore(t, f.ring), bus, nil)
	b := New(types.AuthorityFromSeed(2), cid, openStore(t, f.ring), bus, nil)
	_ = a.Start(ctx)
	_ = b.Start(ctx)

	b.Pause()
	if _, err := a.Store().Merge(ctx, []journal.Fact{f.fact(t, "missed")}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if b.Store().Journal().Len() != 0 {
		t.Fatalf("paused replica received gossip")
	}
	b.Resume()
	if err := b.PublishDigest(ctx); err != nil {
		t.Fatalf("digest: %v", err)
	}
	if !a.Store().Journal().Equal(b.Store().Journal()) {
		t.Fatalf("digest exchange did not repair")
	}
}

func TestSyncJoinsStores(t *testing.T) {
	ctx := context.Background()
	f := newSigner(t)
	s1, s2, s3 := openStore(t, f.ring), openStore(t, f.ring), openStore(t, f.ring)
	_, _ = s1.Merge(ctx, []journal.Fact{f.fact(t, "a")})
	_, _ = s2.Merge(ctx, []journal.Fact{f.fact(t, "b")})
	_, _ = s3.Merge(ctx, []journal.Fact{f.fact(t, "c"), f.fact(t, "a")})
	if err := Sync(ctx, s1, s2, s3); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if !s1.Journal().Equal(s2.Journal()) || !s2.Journal().Equal(s3.Journal()) || s1.Journal().Len() != 3 {
		t.Fatalf("stores differ after sync")
	}
	missing := Missing(s1.Journal(), s2.Journal().CIDs()[:1])
	if len(missing) != 2 {
		t.Fatalf("missing = %d", len(missing))
	}
}

func TestStoppedReplicaStopsPublishing(t *testing.T) {
	ctx := context.Background()
	f := newSigner(t)
	bus := mesh.NewLocalBus()
	bus.Sync = true
	cid := types.ContextFromHash(types.Hash32{3})
	published := 0
	unsub, err := bus.Subscribe(mesh.JournalDeltaTopic(cid), func(context.Context, mesh.Event) { published++ })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()

	store := openStore(t, f.ring)
	r := New(types.AuthorityFromSeed(1), cid, store, bus, nil)
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	r.Stop()
	if _, err := store.Merge(ctx, []journal.Fact{f.fact(t, "after stop")}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if published != 0 {
		t.Fatalf("stopped replica published %d deltas", published)
	}

	again := New(types.AuthorityFromSeed(1), cid, store, bus, nil)
	if err := again.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer again.Stop()
	if _, err := store.Merge(ctx, []journal.Fact{f.fact(t, "after restart")}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if published != 1 {
		t.Fatalf("published %d deltas after restart, want 1", published)
	}
}

// Package replica keeps journals of several authorities converged: facts
// merged locally are gossiped on a mesh topic, and periodic digests let
// replicas repair what gossip missed.
package replica

import (
	"context"
	"sync"

	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/mesh"
	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/types"
)

// Digest summarizes a journal for anti-entropy.
type Digest struct {
	Origin  types.AuthorityID `cbor:"1,keyasint" json:"origin"`
	Context types.ContextID   `cbor:"2,keyasint" json:"context"`
	Hash    types.Hash32      `cbor:"3,keyasint" json:"hash"`
	CIDs    []types.Hash32    `cbor:"4,keyasint" json:"cids"`
}

// Delta is a batch of facts pushed to a context topic.
type Delta struct {
	Origin types.AuthorityID `cbor:"1,keyasint"`
	Facts  []journal.Fact    `cbor:"2,keyasint"`
}

func DigestOf(origin types.AuthorityID, cid types.ContextID, j *journal.Journal) Digest {
	return Digest{Origin: origin, Context: cid, Hash: j.Digest(), CIDs: j.CIDs()}
}

// Missing returns the facts of j whose ids are not in have.
func Missing(j *journal.Journal, have []types.Hash32) []journal.Fact {
	known := make(map[types.Hash32]bool, len(have))
	for _, c := range have {
		known[c] = true
	}
	var out []journal.Fact
	for _, c := range j.CIDs() {
		if !known[c] {
			f, _ := j.Get(c)
			out = append(out, f)
		}
	}
	return out
}

// Replica gossips one authority's journal on one context.
type Replica struct {
	self    types.AuthorityID
	cid     types.ContextID
	store   *journal.Store
	bus     mesh.Bus
	console effects.Console

	mu     sync.Mutex
	unsubs []func()
	paused bool
}

func New(self types.AuthorityID, cid types.ContextID, store *journal.Store, bus mesh.Bus, console effects.Console) *Replica {
	if console == nil {
		console = effects.NopConsole{}
	}
	return &Replica{self: self, cid: cid, store: store, bus: bus, console: console}
}

func (r *Replica) Context() types.ContextID { return r.cid }
func (r *Replica) Store() *journal.Store    { return r.store }

// Start subscribes to the context's delta and digest topics and publishes
// every locally merged fact batch.
func (r *Replica) Start(ctx context.Context) error {
	unsub, err := r.bus.Subscribe(mesh.JournalDeltaTopic(r.cid), r.onDelta)
	if err != nil {
		return err
	}
	unsubDigest, err := r.bus.Subscribe(mesh.TopicDigest, r.onDigest)
	if err != nil {
		unsub()
		return err
	}
	unhook := r.store.OnMerge(func(added []journal.Fact) {
		metrics.SetJournalFacts(r.store.Journal().Len())
		if err := r.publish(context.Background(), added); err != nil {
			r.console.Warn("delta publish failed", effects.Fields{"context": r.cid.String(), "error": err.Error()})
		}
	})
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsub, unsubDigest, unhook)
	r.mu.Unlock()
	return nil
}

// Stop leaves both topics and stops publishing local merges.
func (r *Replica) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
}

// Pause stops publishing and applying gossip; Resume undoes it.
func (r *Replica) Pause() {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

func (r *Replica) Resume() {
	r.mu.Lock()
	r.paused = false
	r.mu.Unlock()
}

func (r *Replica) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Replica) publish(ctx context.Context, facts []journal.Fact) error {
	if len(facts) == 0 || r.isPaused() {
		return nil
	}
	b, err := codec.Marshal(Delta{Origin: r.self, Facts: facts})
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, mesh.Event{Topic: mesh.JournalDeltaTopic(r.cid), Origin: r.self, Payload: b})
}

func (r *Replica) onDelta(ctx context.Context, e mesh.Event) {
	if e.Origin == r.self || r.isPaused() {
		return
	}
	var d Delta
	if err := codec.Unmarshal(e.Payload, &d); err != nil {
		r.console.Warn("undecodable delta", effects.Fields{"origin": e.Origin.String(), "error": err.Error()})
		return
	}
	if _, err := r.store.Merge(ctx, d.Facts); err != nil {
		r.console.Warn("delta refused", effects.Fields{"origin": d.Origin.String(), "facts": len(d.Facts), "error": err.Error()})
	}
}

// PublishDigest announces the local journal so peers can push what we lack.
func (r *Replica) PublishDigest(ctx context.Context) error {
	if r.isPaused() {
		return nil
	}
	b, err := codec.Marshal(DigestOf(r.self, r.cid, r.store.Journal()))
	if err != nil {
		return err
	}
	return r.bus.Publish(ctx, mesh.Event{Topic: mesh.TopicDigest, Origin: r.self, Payload: b})
}

func (r *Replica) onDigest(ctx context.Context, e mesh.Event) {
	if e.Origin == r.self || r.isPaused() {
		return
	}
	var d Digest
	if err := codec.Unmarshal(e.Payload, &d); err != nil || d.Context != r.cid {
		return
	}
	j := r.store.Journal()
	if d.Hash == j.Digest() {
		return
	}
	if err := r.publish(ctx, Missing(j, d.CIDs)); err != nil {
		r.console.Warn("repair publish failed", effects.Fields{"peer": d.Origin.String(), "error": err.Error()})
	}
}

// Sync joins the given stores pairwise until they hold the same journal.
// Each store verifies what it absorbs.
func Sync(ctx context.Context, stores ...*journal.Store) error {
	if len(stores) < 2 {
		return nil
	}
	union := stores[0].Journal()
	for _, s := range stores[1:] {
		union = journal.Join(union, s.Journal())
	}
	for _, s := range stores {
		if _, err := s.Absorb(ctx, union); err != nil {
			return err
		}
	}
	return nil
}

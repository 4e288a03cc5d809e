// Package transport moves envelopes between authorities: an in-process
// registry for co-located authorities and tests, a NATS transport for
// separate processes, and the guarded wrapper every outbound send goes
// through.
package transport

import (
	"context"
	"sort"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
)

// EventEnvelope is the clock event raised on delivery to a registered endpoint.
const EventEnvelope = "envelope"

// ErrNoMessage is returned, wrapped, when an inbox has nothing to deliver.
var ErrNoMessage = effects.ErrNoMessage

func noMessage(op string) error {
	return auraerr.New(auraerr.KindNetwork, op, "no message").WithCause(ErrNoMessage)
}

// inbox is a FIFO of envelopes for one destination.
type inbox struct {
	mu sync.Mutex
	q  []wire.Envelope
}

func (b *inbox) push(e wire.Envelope) {
	b.mu.Lock()
	b.q = append(b.q, e)
	b.mu.Unlock()
}

func (b *inbox) pop() (wire.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.q) == 0 {
		return wire.Envelope{}, false
	}
	e := b.q[0]
	b.q[0] = wire.Envelope{}
	b.q = b.q[1:]
	return e, true
}

// popFrom removes the oldest envelope from src in cid, keeping the rest in order.
func (b *inbox) popFrom(src types.AuthorityID, cid types.ContextID) (wire.Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, e := range b.q {
		if e.Source == src && e.Context == cid {
			b.q = append(b.q[:i:i], b.q[i+1:]...)
			return e, true
		}
	}
	return wire.Envelope{}, false
}

func (b *inbox) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.q)
}

// Registry routes envelopes between authorities living in one process.
// Partition splits the registered authorities into groups that cannot
// reach each other until Heal.
type Registry struct {
	mu        sync.RWMutex
	inboxes   map[types.AuthorityID]*inbox
	partition map[types.AuthorityID]int
	sent      map[types.AuthorityID][]wire.Envelope
	clocks    map[types.AuthorityID]effects.Time
}

func NewRegistry() *Registry {
	return &Registry{
		inboxes: map[types.AuthorityID]*inbox{},
		sent:    map[types.AuthorityID][]wire.Envelope{},
		clocks:  map[types.AuthorityID]effects.Time{},
	}
}

// Register creates the endpoint for self. Registering twice returns an
// endpoint over the same inbox. clock, when given, is notified on delivery
// so waiters in YieldUntil wake up.
func (r *Registry) Register(self types.AuthorityID, clock effects.Time) *Endpoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.inboxes[self]; !ok {
		r.inboxes[self] = &inbox{}
	}
	if clock != nil {
		r.clocks[self] = clock
	}
	return &Endpoint{r: r, self: self, clock: clock}
}

func (r *Registry) Unregister(id types.AuthorityID) {
	r.mu.Lock()
	delete(r.inboxes, id)
	delete(r.clocks, id)
	r.mu.Unlock()
}

// Partition places each group in its own island. Authorities not named
// stay in the default island.
func (r *Registry) Partition(groups ...[]types.AuthorityID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partition = map[types.AuthorityID]int{}
	for i, g := range groups {
		for _, a := range g {
			r.partition[a] = i + 1
		}
	}
}

func (r *Registry) Heal() {
	r.mu.Lock()
	r.partition = nil
	r.mu.Unlock()
}

func (r *Registry) reachableLocked(a, b types.AuthorityID) bool {
	if r.partition == nil {
		return true
	}
	return r.partition[a] == r.partition[b]
}

// IsPeerOnline reports whether peer is registered and reachable from self.
func (r *Registry) IsPeerOnline(self, peer types.AuthorityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.inboxes[peer]
	return ok && r.reachableLocked(self, peer)
}

// Sent returns the envelopes src has sent, oldest first.
func (r *Registry) Sent(src types.AuthorityID) []wire.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]wire.Envelope(nil), r.sent[src]...)
}

// Pending is the number of envelopes queued for dst.
func (r *Registry) Pending(dst types.AuthorityID) int {
	r.mu.RLock()
	b, ok := r.inboxes[dst]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return b.len()
}

func (r *Registry) deliver(env wire.Envelope) error {
	const op = "transport.send"
	r.mu.Lock()
	b, ok := r.inboxes[env.Destination]
	if !ok || !r.reachableLocked(env.Source, env.Destination) {
		r.mu.Unlock()
		return auraerr.New(auraerr.KindNetwork, op, "peer unreachable").WithAuthority(env.Destination).WithContext(env.Context)
	}
	r.sent[env.Source] = append(r.sent[env.Source], env.Clone())
	r.mu.Unlock()
	b.push(env.Clone())
	metrics.RecordEnvelope("out", "local")
	return nil
}

func (r *Registry) inbox(id types.AuthorityID) (*inbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.inboxes[id]
	return b, ok
}

// Endpoint is one authority's view of the registry. It implements
// effects.Transport.
type Endpoint struct {
	r     *Registry
	self  types.AuthorityID
	clock effects.Time
}

func (e *Endpoint) Self() types.AuthorityID { return e.self }
func (e *Endpoint) Registry() *Registry     { return e.r }

func (e *Endpoint) SendEnvelope(ctx context.Context, env wire.Envelope) error {
	if env.Source.IsZero() {
		env.Source = e.self
	}
	if env.Source != e.self {
		return auraerr.New(auraerr.KindAuthentication, "transport.send", "envelope source is not this endpoint").WithAuthority(env.Source)
	}
	if err := e.r.deliver(env); err != nil {
		return err
	}
	e.r.mu.RLock()
	clock := e.r.clocks[env.Destination]
	e.r.mu.RUnlock()
	if clock != nil {
		clock.Notify(effects.Event{Kind: EventEnvelope, Data: env.Source[:]})
	}
	return nil
}

func (e *Endpoint) ReceiveEnvelope(ctx context.Context) (wire.Envelope, error) {
	b, ok := e.r.inbox(e.self)
	if !ok {
		return wire.Envelope{}, auraerr.New(auraerr.KindNetwork, "transport.receive", "endpoint not registered").WithAuthority(e.self)
	}
	env, ok := b.pop()
	if !ok {
		return wire.Envelope{}, noMessage("transport.receive")
	}
	metrics.RecordEnvelope("in", "local")
	return env, nil
}

func (e *Endpoint) ReceiveEnvelopeFrom(ctx context.Context, src types.AuthorityID, cid types.ContextID) (wire.Envelope, error) {
	b, ok := e.r.inbox(e.self)
	if !ok {
		return wire.Envelope{}, auraerr.New(auraerr.KindNetwork, "transport.receive_from", "endpoint not registered").WithAuthority(e.self)
	}
	env, ok := b.popFrom(src, cid)
	if !ok {
		return wire.Envelope{}, noMessage("transport.receive_from")
	}
	metrics.RecordEnvelope("in", "local")
	return env, nil
}

// IsChannelEstablished reports whether peer can currently be reached.
// Channels in the registry are implicit, so cid does not matter.
func (e *Endpoint) IsChannelEstablished(ctx context.Context, cid types.ContextID, peer types.AuthorityID) bool {
	return e.r.IsPeerOnline(e.self, peer)
}

func (e *Endpoint) IsPeerOnline(peer types.AuthorityID) bool { return e.r.IsPeerOnline(e.self, peer) }

// OnlinePeers lists reachable registered authorities other than self, sorted.
func (e *Endpoint) OnlinePeers(ctx context.Context) []types.AuthorityID {
	e.r.mu.RLock()
	out := make([]types.AuthorityID, 0, len(e.r.inboxes))
	for id := range e.r.inboxes {
		if id != e.self && e.r.reachableLocked(e.self, id) {
			out = append(out, id)
		}
	}
	e.r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

package transport

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
	nats "github.com/nats-io/nats.go"
)

// NatsConfig configures a NatsTransport.
type NatsConfig struct {
	SubjectPrefix    string
	PresenceTTL      time.Duration
	BreakerThreshold int
	BreakerOpenFor   time.Duration
	Clock            effects.Time
	Console          effects.Console
}

// NatsTransport delivers framed envelopes over NATS subjects
// "<prefix>.env.<destination>". Peers announce themselves on
// "<prefix>.presence"; a peer whose breaker is open counts as offline.
type NatsTransport struct {
	nc       *nats.Conn
	self     types.AuthorityID
	prefix   string
	ttl      time.Duration
	in       inbox
	subs     []*nats.Subscription
	breakers *Breakers
	clock    effects.Time
	console  effects.Console
	now      func() time.Time

	mu   sync.RWMutex
	seen map[types.AuthorityID]time.Time
}

// DialNats connects to url and starts a transport for self.
func DialNats(url string, self types.AuthorityID, cfg NatsConfig) (*NatsTransport, error) {
	nc, err := nats.Connect(url, nats.Name("aura-"+self.String()), nats.MaxReconnects(-1))
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindNetwork, "transport.nats_dial", err)
	}
	t, err := NewNatsTransport(nc, self, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func NewNatsTransport(nc *nats.Conn, self types.AuthorityID, cfg NatsConfig) (*NatsTransport, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "aura"
	}
	if cfg.PresenceTTL <= 0 {
		cfg.PresenceTTL = 30 * time.Second
	}
	if cfg.Console == nil {
		cfg.Console = effects.NopConsole{}
	}
	t := &NatsTransport{
		nc:       nc,
		self:     self,
		prefix:   cfg.SubjectPrefix,
		ttl:      cfg.PresenceTTL,
		breakers: NewBreakers(cfg.BreakerThreshold, cfg.BreakerOpenFor),
		clock:    cfg.Clock,
		console:  cfg.Console,
		now:      time.Now,
		seen:     map[types.AuthorityID]time.Time{},
	}
	sub, err := nc.Subscribe(t.envelopeSubject(self), t.onEnvelope)
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindNetwork, "transport.nats_subscribe", err)
	}
	t.subs = append(t.subs, sub)
	sub, err = nc.Subscribe(t.presenceSubject(), t.onPresence)
	if err != nil {
		t.unsubscribe()
		return nil, auraerr.Wrap(auraerr.KindNetwork, "transport.nats_subscribe", err)
	}
	t.subs = append(t.subs, sub)
	return t, nil
}

func (t *NatsTransport) envelopeSubject(dst types.AuthorityID) string {
	return t.prefix + ".env." + dst.String()
}

func (t *NatsTransport) presenceSubject() string { return t.prefix + ".presence" }

func (t *NatsTransport) markSeen(id types.AuthorityID) {
	if id == t.self {
		return
	}
	t.mu.Lock()
	t.seen[id] = t.now()
	t.mu.Unlock()
}

func (t *NatsTransport) onEnvelope(msg *nats.Msg) {
	env, err := wire.ReadEnvelope(bytes.NewReader(msg.Data))
	if err != nil {
		t.console.Warn("dropping undecodable envelope", effects.Fields{"subject": msg.Subject, "error": err.Error()})
		return
	}
	if env.Destination != t.self {
		return
	}
	t.markSeen(env.Source)
	t.in.push(env)
	metrics.RecordEnvelope("in", "nats")
	if t.clock != nil {
		t.clock.Notify(effects.Event{Kind: EventEnvelope, Data: env.Source[:]})
	}
}

func (t *NatsTransport) onPresence(msg *nats.Msg) {
	id, err := types.ParseAuthorityID(string(msg.Data))
	if err != nil {
		return
	}
	t.markSeen(id)
}

// Announce publishes self on the presence subject.
func (t *NatsTransport) Announce(ctx context.Context) error {
	if err := t.nc.Publish(t.presenceSubject(), []byte(t.self.String())); err != nil {
		return auraerr.Wrap(auraerr.KindNetwork, "transport.nats_announce", err)
	}
	return nil
}

func (t *NatsTransport) SendEnvelope(ctx context.Context, env wire.Envelope) error {
	const op = "transport.nats_send"
	if env.Source.IsZero() {
		env.Source = t.self
	}
	b := t.breakers.Get(env.Destination.String())
	if !b.Allow() {
		return auraerr.New(auraerr.KindNetwork, op, "circuit open").WithAuthority(env.Destination)
	}
	frame, err := wire.MarshalFrame(env)
	if err != nil {
		return auraerr.Wrap(auraerr.KindInvalid, op, err)
	}
	if err := t.nc.Publish(t.envelopeSubject(env.Destination), frame); err != nil {
		b.ReportFailure()
		return auraerr.Wrap(auraerr.KindNetwork, op, err)
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		b.ReportFailure()
		return auraerr.Wrap(auraerr.KindNetwork, op, err)
	}
	b.ReportSuccess()
	metrics.RecordEnvelope("out", "nats")
	return nil
}

func (t *NatsTransport) ReceiveEnvelope(ctx context.Context) (wire.Envelope, error) {
	env, ok := t.in.pop()
	if !ok {
		return wire.Envelope{}, noMessage("transport.nats_receive")
	}
	return env, nil
}

func (t *NatsTransport) ReceiveEnvelopeFrom(ctx context.Context, src types.AuthorityID, cid types.ContextID) (wire.Envelope, error) {
	env, ok := t.in.popFrom(src, cid)
	if !ok {
		return wire.Envelope{}, noMessage("transport.nats_receive_from")
	}
	return env, nil
}

func (t *NatsTransport) isOnline(peer types.AuthorityID) bool {
	t.mu.RLock()
	at, ok := t.seen[peer]
	t.mu.RUnlock()
	if !ok || t.now().Sub(at) > t.ttl {
		return false
	}
	return t.breakers.Get(peer.String()).Allow()
}

func (t *NatsTransport) IsChannelEstablished(ctx context.Context, cid types.ContextID, peer types.AuthorityID) bool {
	return t.nc.IsConnected() && t.isOnline(peer)
}

func (t *NatsTransport) OnlinePeers(ctx context.Context) []types.AuthorityID {
	t.mu.RLock()
	ids := make([]types.AuthorityID, 0, len(t.seen))
	for id := range t.seen {
		ids = append(ids, id)
	}
	t.mu.RUnlock()
	out := ids[:0]
	for _, id := range ids {
		if t.isOnline(id) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func (t *NatsTransport) unsubscribe() {
	for _, s := range t.subs {
		_ = s.Unsubscribe()
	}
	t.subs = nil
}

func (t *NatsTransport) Close() error {
	t.unsubscribe()
	if err := t.nc.Drain(); err != nil {
		t.nc.Close()
	}
	return nil
}

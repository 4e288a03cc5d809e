package transport

import (
	"context"
	"crypto/ed25519"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/guard"
	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
	"go.opentelemetry.io/otel/attribute"
)

// ReceiptKeys resolves the key a peer signs its receipts with.
type ReceiptKeys interface {
	TransportKey(a types.AuthorityID) (ed25519.PublicKey, bool)
}

// SendOptions tune one guarded send.
type SendOptions struct {
	Operation string // defaults to guard.OpSend
	FlowCost  uint64
	Session   types.SessionID
}

// Guarded wraps a transport so every outbound envelope passes the guard
// chain and carries its receipt, and every inbound receipt is checked.
type Guarded struct {
	inner   effects.Transport
	guard   *guard.Chain
	keys    ReceiptKeys
	console effects.Console
	inbound *guard.ReplayWindow

	mu    sync.RWMutex
	token capability.Token
}

func NewGuarded(inner effects.Transport, g *guard.Chain, token capability.Token, keys ReceiptKeys, console effects.Console) *Guarded {
	if console == nil {
		console = effects.NopConsole{}
	}
	return &Guarded{inner: inner, guard: g, keys: keys, console: console, inbound: guard.NewReplayWindow(), token: token}
}

func (g *Guarded) Inner() effects.Transport { return g.inner }
func (g *Guarded) Guard() *guard.Chain      { return g.guard }

func (g *Guarded) SetToken(t capability.Token) {
	g.mu.Lock()
	g.token = t
	g.mu.Unlock()
}

func (g *Guarded) Token() capability.Token {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.token
}

// Send runs the guard chain for env and hands it to the inner transport
// with the receipt and standard metadata attached.
func (g *Guarded) Send(ctx context.Context, env wire.Envelope, opts SendOptions) (guard.Outcome, error) {
	ctx, span := metrics.Tracer().Start(ctx, "transport.guarded_send")
	defer span.End()
	if env.Source.IsZero() {
		env.Source = g.guard.Self()
	}
	out, err := g.guard.Evaluate(ctx, guard.Request{
		Token:      g.Token(),
		Operation:  opts.Operation,
		Context:    env.Context,
		Peer:       env.Destination,
		FlowCost:   opts.FlowCost,
		PayloadLen: len(env.Payload),
	})
	if err != nil {
		return out, err
	}
	env = env.Clone()
	env.Receipt = out.Receipt
	if env.Metadata[wire.MetaContentType] == "" {
		env.SetMeta(wire.MetaContentType, wire.ContentTypeChoreography)
	}
	if !opts.Session.IsZero() {
		env.SetMeta(wire.MetaSessionID, opts.Session.String())
	}
	span.SetAttributes(attribute.Int64("aura.nonce", int64(out.Receipt.Nonce)))
	if err := g.inner.SendEnvelope(ctx, env); err != nil {
		// the receipt stays committed: it records an authorized attempt
		g.console.Warn("guarded send not delivered", effects.Fields{
			"destination": env.Destination.String(), "nonce": out.Receipt.Nonce, "error": err.Error(),
		})
		return out, err
	}
	return out, nil
}

func (g *Guarded) SendEnvelope(ctx context.Context, env wire.Envelope) error {
	_, err := g.Send(ctx, env, SendOptions{})
	return err
}

// checkInbound verifies an attached receipt against the envelope it came
// with and rejects replays.
func (g *Guarded) checkInbound(env wire.Envelope) error {
	const op = "transport.check_inbound"
	r := env.Receipt
	if r == nil {
		return nil
	}
	if r.Src != env.Source || r.Dst != env.Destination || r.Context != env.Context {
		return auraerr.New(auraerr.KindAuthentication, op, "receipt does not match envelope").WithAuthority(env.Source).WithContext(env.Context)
	}
	if g.keys != nil {
		pub, ok := g.keys.TransportKey(r.Src)
		if !ok {
			return auraerr.New(auraerr.KindAuthentication, op, "unknown receipt signer").WithAuthority(r.Src)
		}
		if !crypto.Verify(pub, r.SigningBytes(), r.Sig) {
			return auraerr.New(auraerr.KindAuthentication, op, "receipt signature invalid").WithAuthority(r.Src)
		}
	}
	return g.inbound.Accept(*r)
}

func (g *Guarded) ReceiveEnvelope(ctx context.Context) (wire.Envelope, error) {
	env, err := g.inner.ReceiveEnvelope(ctx)
	if err != nil {
		return env, err
	}
	if err := g.checkInbound(env); err != nil {
		g.console.Warn("inbound envelope rejected", effects.Fields{"source": env.Source.String(), "error": err.Error()})
		return wire.Envelope{}, err
	}
	return env, nil
}

func (g *Guarded) ReceiveEnvelopeFrom(ctx context.Context, src types.AuthorityID, cid types.ContextID) (wire.Envelope, error) {
	env, err := g.inner.ReceiveEnvelopeFrom(ctx, src, cid)
	if err != nil {
		return env, err
	}
	if err := g.checkInbound(env); err != nil {
		g.console.Warn("inbound envelope rejected", effects.Fields{"source": env.Source.String(), "error": err.Error()})
		return wire.Envelope{}, err
	}
	return env, nil
}

func (g *Guarded) IsChannelEstablished(ctx context.Context, cid types.ContextID, peer types.AuthorityID) bool {
	return g.inner.IsChannelEstablished(ctx, cid, peer)
}

func (g *Guarded) OnlinePeers(ctx context.Context) []types.AuthorityID { return g.inner.OnlinePeers(ctx) }

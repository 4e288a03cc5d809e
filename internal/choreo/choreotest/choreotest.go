// Package choreotest wires in-process authorities for ceremony tests: each
// node gets a guarded endpoint on a shared registry, a journal and a
// choreography runtime.
package choreotest

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/Armour007/aura-core/internal/audit"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/guard"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/storage"
	"github.com/Armour007/aura-core/internal/transport"
	"github.com/Armour007/aura-core/internal/types"
)

type Node struct {
	ID      types.AuthorityID
	Device  types.DeviceID
	Signer  *crypto.LocalEd25519Signer
	Chain   *guard.Chain
	Journal *journal.Store
	Guarded *transport.Guarded
	Runtime *choreo.Runtime
}

// SignFact signs with the node's device key.
func (n *Node) SignFact(msg []byte) ([]byte, error) {
	return ed25519.Sign(n.Signer.PrivateKey(), msg), nil
}

func (n *Node) runtime(timeoutMs uint64) *choreo.Runtime {
	return choreo.NewRuntime(n.ID, n.Guarded, nil,
		choreo.WithConfig(choreo.Config{PollInterval: 5 * time.Millisecond, TimeoutMs: timeoutMs}),
		choreo.WithEventSink(choreo.JournalSink{Store: n.Journal, Authority: n.ID, Device: n.Device, Sign: n.SignFact}))
}

// SetTimeout replaces the node's runtime with one using a new receive
// timeout. Only call it between sessions.
func (n *Node) SetTimeout(ms uint64) { n.Runtime = n.runtime(ms) }

type Network struct {
	Registry *transport.Registry
	Ring     *journal.KeyRing
	Nodes    []*Node
}

// New builds one node per seed. Every node holds a "*" capability and a
// large flow budget.
func New(t testing.TB, seeds ...uint64) *Network {
	t.Helper()
	ctx := context.Background()
	n := &Network{Registry: transport.NewRegistry(), Ring: journal.NewKeyRing()}
	for _, seed := range seeds {
		id := types.AuthorityFromSeed(seed)
		s, err := crypto.GenerateSigner(effects.NewSeededRandom(seed).Reader())
		if err != nil {
			t.Fatalf("signer %d: %v", seed, err)
		}
		dev := types.DeviceFromSeed(seed)
		n.Ring.SetTransportKey(id, s.PublicKey())
		n.Ring.SetDeviceKey(dev, s.PublicKey())
		caps := capability.NewRegistry()
		caps.Trust(s.PublicKey())
		tok, err := capability.Issue(ctx, s, capability.Token{Device: dev, Authority: id, Permissions: []capability.Permission{{Operation: "*"}}})
		if err != nil {
			t.Fatalf("issue %d: %v", seed, err)
		}
		js, err := journal.Open(ctx, storage.NewMemory(), n.Ring)
		if err != nil {
			t.Fatalf("journal %d: %v", seed, err)
		}
		ch := guard.New(id, capability.NewEvaluator(nil, caps), guard.NewMemoryBudgets(1_000_000),
			audit.NewChain(id, s, storage.NewMemory()), guard.WithRecorder(js))
		node := &Node{ID: id, Device: dev, Signer: s, Chain: ch, Journal: js}
		node.Guarded = transport.NewGuarded(n.Registry.Register(id, nil), ch, tok, n.Ring, nil)
		node.Runtime = node.runtime(5000)
		n.Nodes = append(n.Nodes, node)
	}
	return n
}

// SetTimeout rebuilds every runtime with a new receive timeout, for tests
// that expect a party to stay silent.
func (n *Network) SetTimeout(ms uint64) {
	for _, node := range n.Nodes {
		node.SetTimeout(ms)
	}
}

// Sent returns the message types src put on the wire, in order.
func (n *Network) Sent(t testing.TB, src types.AuthorityID) []string {
	t.Helper()
	var out []string
	for _, env := range n.Registry.Sent(src) {
		m, err := choreo.DecodeMessage(env.Payload)
		if err != nil {
			t.Fatalf("decode sent message: %v", err)
		}
		out = append(out, m.Type)
	}
	return out
}

// Run executes fns concurrently and returns their errors in order.
func Run(fns ...func() error) []error {
	errs := make([]error, len(fns))
	done := make(chan struct{}, len(fns))
	for i, fn := range fns {
		go func(i int, fn func() error) {
			errs[i] = fn()
			done <- struct{}{}
		}(i, fn)
	}
	for range fns {
		<-done
	}
	return errs
}

// MustMarshal encodes v for fixture payloads.
func MustMarshal(t testing.TB, v any) []byte {
	t.Helper()
	b, err := codec.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

// Package node assembles one authority from its effects: device key,
// journal, capability registry, guard chain, guarded transport, ceremony
// runtime and journal replicas, plus the cron jobs that snapshot the
// journal and drive anti-entropy.
package node

import (
	"context"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/Armour007/aura-core/internal/audit"
	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/crypto/frost"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/evidence"
	"github.com/Armour007/aura-core/internal/guard"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/mesh"
	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/policy"
	"github.com/Armour007/aura-core/internal/replica"
	"github.com/Armour007/aura-core/internal/storage"
	"github.com/Armour007/aura-core/internal/transport"
	"github.com/Armour007/aura-core/internal/tree"
	"github.com/Armour007/aura-core/internal/types"
)

// Options configure New. Either Transport or Registry must be set.
type Options struct {
	// Seed derives the authority and device ids and, when Random is nil,
	// the device and group keys. Nonces always come from Random. Zero picks
	// random ids.
	Seed      uint64
	Random    effects.Random
	Clock     effects.Time
	Console   effects.Console
	Storage   effects.Storage
	Transport effects.Transport
	Registry  *transport.Registry
	Bus       mesh.Bus
	Ring      *journal.KeyRing
	Budgets   guard.BudgetStore
	Policy    policy.Evaluator
	Guard     guard.Config
	Runtime   choreo.Config
	GC        journal.GCPolicy
	// FlowBudget is the default per-(context, peer) allowance when Budgets
	// is nil.
	FlowBudget uint64
}

// Authority is a running node.
type Authority struct {
	ID       types.AuthorityID
	Device   types.DeviceID
	Signer   *crypto.LocalEd25519Signer
	Ring     *journal.KeyRing
	Journal  *journal.Store
	Caps     *capability.Registry
	Eval     *capability.Evaluator
	Receipts *audit.Chain
	Chain    *guard.Chain
	Guarded  *transport.Guarded
	Runtime  *choreo.Runtime
	Attester tree.Attester
	Evidence *evidence.Tracker

	clock   effects.Time
	console effects.Console
	bus     mesh.Bus
	group   frost.PublicPackage

	mu       sync.Mutex
	replicas map[types.ContextID]*replica.Replica
	cron     *cron.Cron
}

// New builds an authority. Its own tree is attested by a local 1-of-1
// share set until enrollment adds devices.
func New(ctx context.Context, o Options) (*Authority, error) {
	const op = "node.new"
	if o.Transport == nil && o.Registry == nil {
		return nil, auraerr.New(auraerr.KindInvalid, op, "a transport or registry is required")
	}
	if o.Clock == nil {
		o.Clock = effects.NewRealTime()
	}
	keys := o.Random
	if o.Random == nil {
		o.Random = effects.OSRandom{}
		keys = o.Random
		if o.Seed != 0 {
			keys = effects.NewSeededRandom(o.Seed)
		}
	}
	if o.Storage == nil {
		o.Storage = storage.NewMemory()
	}
	if o.Ring == nil {
		o.Ring = journal.NewKeyRing()
	}
	if o.Bus == nil {
		o.Bus = mesh.NewLocalBus()
	}
	if o.Guard == (guard.Config{}) {
		o.Guard = guard.DefaultConfig()
	}
	if o.FlowBudget == 0 {
		o.FlowBudget = 100_000
	}
	if o.Budgets == nil {
		o.Budgets = guard.NewMemoryBudgets(o.FlowBudget)
	}

	a := &Authority{clock: o.Clock, bus: o.Bus, Ring: o.Ring, replicas: map[types.ContextID]*replica.Replica{}}
	if o.Seed != 0 {
		a.ID, a.Device = types.AuthorityFromSeed(o.Seed), types.DeviceFromSeed(o.Seed)
	} else {
		a.ID, a.Device = types.NewAuthorityID(), types.NewDeviceID()
	}
	if o.Console == nil {
		o.Console = effects.NopConsole{}
	}
	a.console = o.Console.With(effects.Fields{"authority": a.ID.String()})

	s, err := crypto.GenerateSigner(keys.Reader())
	if err != nil {
		return nil, err
	}
	a.Signer = s
	shares, pub, err := frost.DealerKeygen(keys.Reader(), 1, 1)
	if err != nil {
		return nil, err
	}
	a.group = pub
	a.Attester = tree.LocalAttester{Shares: shares, Rand: o.Random.Reader()}
	o.Ring.SetGroupKey(a.ID, pub.GroupKey)
	o.Ring.SetTransportKey(a.ID, s.PublicKey())
	o.Ring.SetDeviceKey(a.Device, s.PublicKey())

	if a.Journal, err = journal.Open(ctx, o.Storage, o.Ring, journal.WithConsole(a.console), journal.WithGC(o.GC)); err != nil {
		return nil, err
	}
	a.Journal.OnMerge(func([]journal.Fact) { metrics.SetJournalFacts(a.Journal.Journal().Len()) })

	a.Caps = capability.NewRegistry()
	a.Caps.Trust(s.PublicKey())
	tok, err := capability.Issue(ctx, s, capability.Token{
		Device:      a.Device,
		Authority:   a.ID,
		Permissions: []capability.Permission{{Operation: "*"}},
		IssuedAt:    o.Clock.NowMs() / 1000,
		HolderKey:   s.PublicKey(),
	})
	if err != nil {
		return nil, err
	}
	a.Receipts = audit.NewChain(a.ID, s, o.Storage)
	a.Eval = capability.NewEvaluator(o.Policy, a.Caps)
	a.Chain = guard.New(a.ID, a.Eval, o.Budgets, a.Receipts,
		guard.WithRecorder(a.Journal),
		guard.WithClock(o.Clock),
		guard.WithConsole(a.console),
		guard.WithConfig(o.Guard),
		guard.WithEpoch(a.epoch))

	inner := o.Transport
	if inner == nil {
		inner = o.Registry.Register(a.ID, o.Clock)
	}
	a.Guarded = transport.NewGuarded(inner, a.Chain, tok, o.Ring, a.console)

	rc := o.Runtime
	if rc.PollInterval == 0 {
		rc.PollInterval = 50 * time.Millisecond
	}
	if rc.TimeoutMs == 0 {
		rc.TimeoutMs = 30_000
	}
	a.Runtime = choreo.NewRuntime(a.ID, a.Guarded, o.Clock,
		choreo.WithConfig(rc),
		choreo.WithConsole(a.console),
		choreo.WithEventSink(choreo.JournalSink{Store: a.Journal, Authority: a.ID, Device: a.Device, Sign: a.SignFact}))
	a.Evidence = evidence.NewTracker()
	a.Evidence.OnProof(func(p evidence.Proof) {
		metrics.RecordEquivocation()
		a.console.Warn("equivocation recorded", effects.Fields{"witness": p.Witness.String()})
	})
	a.console.Info("authority ready", effects.Fields{"device": a.Device.String()})
	return a, nil
}

// epoch is the authority's own tree epoch, used to roll flow budgets.
func (a *Authority) epoch() uint64 {
	st, err := a.Journal.TreeState(a.ID)
	if err != nil {
		return 0
	}
	return st.Epoch
}

func (a *Authority) SignFact(msg []byte) ([]byte, error) {
	return ed25519.Sign(a.Signer.PrivateKey(), msg), nil
}

// GroupKey is the verifying key of the authority's tree.
func (a *Authority) GroupKey() []byte { return a.group.GroupKey }

// Clock is the time source the authority runs on.
func (a *Authority) Clock() effects.Time { return a.clock }

// Trust makes peer's keys known to a's ring and capability registry.
func (a *Authority) Trust(peer *Authority) {
	a.Ring.SetGroupKey(peer.ID, peer.GroupKey())
	a.Ring.SetTransportKey(peer.ID, peer.Signer.PublicKey())
	a.Ring.SetDeviceKey(peer.Device, peer.Signer.PublicKey())
	a.Caps.Trust(peer.Signer.PublicKey())
}

// CommitTreeOp builds op on the current tree of group, has att attest it
// and merges the result.
func (a *Authority) CommitTreeOp(ctx context.Context, group types.AuthorityID, att tree.Attester, op tree.TreeOp) (journal.Fact, error) {
	st, err := a.Journal.TreeState(group)
	if err != nil {
		return journal.Fact{}, err
	}
	signed, err := att.Attest(ctx, st.NewOp(op))
	if err != nil {
		return journal.Fact{}, err
	}
	f := journal.NewAttestedFact(group, signed)
	if _, err := a.Journal.Merge(ctx, []journal.Fact{f}); err != nil {
		return journal.Fact{}, err
	}
	if after, err := a.Journal.TreeState(group); err == nil {
		a.Ring.LearnTree(after)
	}
	return f, nil
}

// Subscribe starts gossiping the journal on cid. Subscribing twice is a
// no-op.
func (a *Authority) Subscribe(ctx context.Context, cid types.ContextID) (*replica.Replica, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r, ok := a.replicas[cid]; ok {
		return r, nil
	}
	r := replica.New(a.ID, cid, a.Journal, a.bus, a.console)
	if err := r.Start(ctx); err != nil {
		return nil, err
	}
	a.replicas[cid] = r
	return r, nil
}

// Replicas lists the active replicas.
func (a *Authority) Replicas() []*replica.Replica {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*replica.Replica, 0, len(a.replicas))
	for _, r := range a.replicas {
		out = append(out, r)
	}
	return out
}

// AntiEntropy publishes a digest on every subscribed context so peers push
// what this journal lacks.
func (a *Authority) AntiEntropy(ctx context.Context) error {
	for _, r := range a.Replicas() {
		err := r.PublishDigest(ctx)
		if err == nil {
			continue
		}
		if !auraerr.Retryable(err) {
			return err
		}
		// the next round republishes
		a.console.Warn("digest not published", effects.Fields{"error": err.Error()})
	}
	return nil
}

// Snapshot summarizes and merges the journal.
func (a *Authority) Snapshot(ctx context.Context) (journal.Fact, error) {
	return a.Journal.Snapshot(ctx, a.ID, a.Device, a.clock.NowMs(), a.SignFact)
}

// StartScheduler runs Snapshot and AntiEntropy on cron specs. An empty
// spec disables that job.
func (a *Authority) StartScheduler(ctx context.Context, snapshotSpec, antiEntropySpec string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cron != nil {
		return auraerr.New(auraerr.KindInvalid, "node.scheduler", "scheduler already running")
	}
	c := cron.New()
	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"snapshot", snapshotSpec, func(ctx context.Context) error { _, err := a.Snapshot(ctx); return err }},
		{"anti_entropy", antiEntropySpec, a.AntiEntropy},
	}
	for _, j := range jobs {
		if j.spec == "" {
			continue
		}
		j := j
		if _, err := c.AddFunc(j.spec, func() {
			if err := j.run(ctx); err != nil {
				a.console.Warn("scheduled job failed", effects.Fields{"job": j.name, "error": err.Error()})
			}
		}); err != nil {
			return auraerr.Wrapf(auraerr.KindInvalid, "node.scheduler", err, "%s spec %q", j.name, j.spec)
		}
	}
	c.Start()
	a.cron = c
	return nil
}

// Close stops the scheduler and every replica.
func (a *Authority) Close() {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	rs := a.replicas
	a.replicas = map[types.ContextID]*replica.Replica{}
	a.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
	for _, r := range rs {
		r.Stop()
	}
}

// Package guard runs the per-operation authorization pipeline every
// guarded send goes through: capability policy, flow budget, anti-replay,
// receipt production and journal coupling.
package guard

import (
	"context"
	"errors"
	"sync"

	"github.com/Armour007/aura-core/internal/audit"
	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/capability"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
	"go.opentelemetry.io/otel/attribute"
)

// OpSend is the operation tag for choreography sends.
const OpSend = "choreography:send"

const (
	DefaultBaseCost  = 100
	DefaultCostPerKB = 10
)

// Config prices guarded operations.
type Config struct {
	BaseCost  uint64
	CostPerKB uint64
}

func DefaultConfig() Config { return Config{BaseCost: DefaultBaseCost, CostPerKB: DefaultCostPerKB} }

// Cost is flowCost (or the base cost when zero) plus a surcharge per
// started kilobyte of payload.
func (c Config) Cost(flowCost uint64, payloadLen int) uint64 {
	if flowCost == 0 {
		flowCost = c.BaseCost
	}
	kb := (uint64(payloadLen) + 1023) / 1024
	return flowCost + kb*c.CostPerKB
}

// Recorder accepts the receipt facts the chain couples into the journal.
type Recorder interface {
	Merge(ctx context.Context, delta []journal.Fact) ([]journal.Fact, error)
}

// Request describes one guarded operation towards Peer in Context.
type Request struct {
	Token      capability.Token
	Operation  string
	Context    types.ContextID
	Peer       types.AuthorityID
	FlowCost   uint64
	PayloadLen int
}

// Outcome is the pipeline result. Receipt is set only when Authorized.
type Outcome struct {
	Authorized      bool          `json:"authorized"`
	Receipt         *wire.Receipt `json:"receipt,omitempty"`
	DenialReason    string        `json:"denial_reason,omitempty"`
	Cost            uint64        `json:"cost"`
	DelegationDepth int           `json:"delegation_depth"`
}

type Option func(*Chain)

// WithEpoch supplies the authority epoch budgets and receipts are stamped with.
func WithEpoch(fn func() uint64) Option    { return func(c *Chain) { c.epoch = fn } }
func WithClock(t effects.Time) Option      { return func(c *Chain) { c.clock = t } }
func WithConsole(l effects.Console) Option { return func(c *Chain) { c.console = l } }
func WithConfig(cfg Config) Option         { return func(c *Chain) { c.cfg = cfg } }
func WithRecorder(r Recorder) Option       { return func(c *Chain) { c.journal = r } }

// Chain is the guard pipeline for one local authority. Evaluations for
// different (context, peer) keys run concurrently; one key is serialized.
type Chain struct {
	self     types.AuthorityID
	eval     *capability.Evaluator
	budgets  BudgetStore
	receipts *audit.Chain
	journal  Recorder
	replay   *ReplayWindow
	epoch    func() uint64
	clock    effects.Time
	console  effects.Console
	cfg      Config

	locks sync.Map // BudgetKey -> *sync.Mutex
}

func New(self types.AuthorityID, eval *capability.Evaluator, budgets BudgetStore, receipts *audit.Chain, opts ...Option) *Chain {
	c := &Chain{
		self:     self,
		eval:     eval,
		budgets:  budgets,
		receipts: receipts,
		replay:   NewReplayWindow(),
		epoch:    func() uint64 { return 0 },
		clock:    effects.NewRealTime(),
		console:  effects.NopConsole{},
		cfg:      DefaultConfig(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Chain) Budgets() BudgetStore    { return c.budgets }
func (c *Chain) Receipts() *audit.Chain  { return c.receipts }
func (c *Chain) Replay() *ReplayWindow   { return c.replay }
func (c *Chain) Config() Config          { return c.cfg }
func (c *Chain) Self() types.AuthorityID { return c.self }

// SetBudget replaces the allowance towards peer in cid for the current epoch.
func (c *Chain) SetBudget(ctx context.Context, cid types.ContextID, peer types.AuthorityID, limit uint64) error {
	return c.budgets.Set(ctx, BudgetKey{cid, peer}, Budget{Limit: limit, Epoch: c.epoch()})
}

func (c *Chain) lock(k BudgetKey) func() {
	v, _ := c.locks.LoadOrStore(k, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()
	return m.Unlock
}

func (c *Chain) deny(op, reason string, err error) (Outcome, error) {
	metrics.RecordGuardDecision(op, false, reason)
	c.console.Info("guard denied", effects.Fields{"operation": op, "reason": reason})
	return Outcome{DenialReason: reason}, err
}

// Evaluate runs the pipeline. Any failing stage returns a denied Outcome
// together with the typed error and leaves budget and receipt chain as
// they were.
func (c *Chain) Evaluate(ctx context.Context, req Request) (Outcome, error) {
	op := req.Operation
	if op == "" {
		op = OpSend
	}
	ctx, span := metrics.Tracer().Start(ctx, "guard.evaluate")
	defer span.End()
	span.SetAttributes(attribute.String("aura.operation", op), attribute.String("aura.context", req.Context.String()))

	key := BudgetKey{req.Context, req.Peer}
	unlock := c.lock(key)
	defer unlock()

	// policy
	nowS := c.clock.NowMs() / 1000
	res, err := c.eval.Evaluate(ctx, req.Token, op, "context/"+req.Context.String(), nowS)
	if err != nil {
		return c.deny(op, "capability rejected", err)
	}
	if !res.Authorized {
		return c.deny(op, res.Reason, auraerr.Errorf(auraerr.KindAuthorization, "guard.policy", "%s not granted: %s", op, res.Reason).
			WithContext(req.Context).WithAuthority(req.Peer).WithTrace(ctx))
	}

	// budget
	epoch := c.epoch()
	cost := c.cfg.Cost(req.FlowCost, req.PayloadLen)
	if _, err := c.budgets.Reserve(ctx, key, cost, epoch); err != nil {
		if errors.Is(err, ErrBudgetExhausted) {
			return c.deny(op, ErrBudgetExhausted.Error(), auraerr.Errorf(auraerr.KindAuthorization, "guard.budget", "cost %d exceeds remaining budget", cost).
				WithContext(req.Context).WithAuthority(req.Peer).WithCause(ErrBudgetExhausted).WithTrace(ctx))
		}
		return c.deny(op, "budget store unavailable", err)
	}
	refund := func() {
		if err := c.budgets.Refund(ctx, key, cost, epoch); err != nil {
			c.console.Warn("budget refund failed", effects.Fields{"context": req.Context.String(), "error": err.Error()})
		}
	}

	// anti-replay
	var next uint64 = 1
	if head, ok, err := c.receipts.Head(ctx, req.Context, req.Peer); err != nil {
		refund()
		return c.deny(op, "receipt chain unreadable", err)
	} else if ok {
		next = head.Nonce + 1
	}
	if err := c.replay.Check(req.Context, c.self, req.Peer, next); err != nil {
		refund()
		return c.deny(op, "replayed nonce", err)
	}

	// receipt
	r, err := c.receipts.Prepare(ctx, req.Context, req.Peer, epoch, cost)
	if err != nil {
		refund()
		return c.deny(op, "receipt signing failed", err)
	}
	if err := c.receipts.Commit(ctx, r); err != nil {
		refund()
		return c.deny(op, "receipt commit failed", err)
	}

	// journal coupling
	if c.journal != nil {
		if _, err := c.journal.Merge(ctx, []journal.Fact{journal.NewReceiptFact(r)}); err != nil {
			if rerr := c.receipts.Revert(ctx, r); rerr != nil {
				c.console.Error("receipt revert failed", effects.Fields{"nonce": r.Nonce, "error": rerr.Error()})
			}
			refund()
			return c.deny(op, "journal coupling failed", err)
		}
	}
	c.replay.Record(req.Context, c.self, req.Peer, r.Nonce)

	metrics.RecordGuardDecision(op, true, "")
	metrics.RecordReceipt(cost)
	span.SetAttributes(attribute.Int64("aura.nonce", int64(r.Nonce)))
	return Outcome{Authorized: true, Receipt: &r, Cost: cost, DelegationDepth: res.DelegationDepth}, nil
}

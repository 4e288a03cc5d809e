package guard

import (
	"context"
	"errors"
	"sync"

	"github.com/Armour007/aura-core/internal/types"
)

// ErrBudgetExhausted is wrapped by every denial caused by the flow budget.
var ErrBudgetExhausted = errors.New("flow budget exhausted")

// Budget is the flow allowance for one (context, peer). Spent resets when
// the authority epoch advances past Epoch.
type Budget struct {
	Limit uint64 `json:"limit"`
	Spent uint64 `json:"spent"`
	Epoch uint64 `json:"epoch"`
}

func (b Budget) Remaining() uint64 {
	if b.Spent >= b.Limit {
		return 0
	}
	return b.Limit - b.Spent
}

// roll returns b as seen at epoch.
func (b Budget) roll(epoch uint64) Budget {
	if epoch > b.Epoch {
		b.Epoch = epoch
		b.Spent = 0
	}
	return b
}

type BudgetKey struct {
	Context types.ContextID
	Peer    types.AuthorityID
}

// BudgetStore holds flow budgets. Reserve must be atomic per key.
type BudgetStore interface {
	// Reserve charges cost at epoch, failing with ErrBudgetExhausted when it
	// does not fit.
	Reserve(ctx context.Context, key BudgetKey, cost, epoch uint64) (Budget, error)
	// Refund returns a reservation made at epoch. Refunds across an epoch
	// change are dropped since the spend was already reset.
	Refund(ctx context.Context, key BudgetKey, cost, epoch uint64) error
	Set(ctx context.Context, key BudgetKey, b Budget) error
	Get(ctx context.Context, key BudgetKey) (Budget, error)
}

// MemoryBudgets keeps budgets in process. Unknown keys start at DefaultLimit.
type MemoryBudgets struct {
	DefaultLimit uint64

	mu sync.Mutex
	m  map[BudgetKey]Budget
}

func NewMemoryBudgets(defaultLimit uint64) *MemoryBudgets {
	return &MemoryBudgets{DefaultLimit: defaultLimit, m: map[BudgetKey]Budget{}}
}

func (s *MemoryBudgets) load(key BudgetKey) Budget {
	b, ok := s.m[key]
	if !ok {
		b = Budget{Limit: s.DefaultLimit}
	}
	return b
}

func (s *MemoryBudgets) Reserve(ctx context.Context, key BudgetKey, cost, epoch uint64) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.load(key).roll(epoch)
	if cost > b.Remaining() {
		s.m[key] = b
		return b, ErrBudgetExhausted
	}
	b.Spent += cost
	s.m[key] = b
	return b, nil
}

func (s *MemoryBudgets) Refund(ctx context.Context, key BudgetKey, cost, epoch uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.load(key)
	if b.Epoch != epoch {
		return nil
	}
	if cost > b.Spent {
		cost = b.Spent
	}
	b.Spent -= cost
	s.m[key] = b
	return nil
}

func (s *MemoryBudgets) Set(ctx context.Context, key BudgetKey, b Budget) error {
	s.mu.Lock()
	s.m[key] = b
	s.mu.Unlock()
	return nil
}

func (s *MemoryBudgets) Get(ctx context.Context, key BudgetKey) (Budget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(key), nil
}

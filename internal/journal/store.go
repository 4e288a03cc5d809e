package journal

import (
	"context"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/tree"
	"github.com/Armour007/aura-core/internal/types"
)

// StorageKey is where the encoded journal lives.
const StorageKey = "journal"

// GCPolicy decides what a snapshot lets go.
type GCPolicy int

const (
	// GCNever keeps every fact.
	GCNever GCPolicy = iota
	// GCReceipts drops receipts older than the chain head the snapshot records.
	GCReceipts
)

func ParseGCPolicy(s string) (GCPolicy, error) {
	switch s {
	case "", "never":
		return GCNever, nil
	case "receipts":
		return GCReceipts, nil
	}
	return GCNever, auraerr.Errorf(auraerr.KindInvalid, "journal.gc_policy", "unknown policy %q", s)
}

// Store is one authority's journal behind a single-writer lock, persisted
// through the storage effect.
type Store struct {
	mu       sync.RWMutex
	j        *Journal
	st       effects.Storage
	verifier Verifier
	console  effects.Console
	gc       GCPolicy

	hookMu sync.RWMutex
	hookID uint64
	hooks  []mergeHook

	treeMu sync.Mutex
	trees  map[types.AuthorityID]cachedTree
}

// cachedTree is a reduction of one journal value; journals are immutable so
// the pointer identifies it.
type cachedTree struct {
	j  *Journal
	st *tree.TreeState
}

type mergeHook struct {
	id uint64
	fn func([]Fact)
}

type Option func(*Store)

func WithConsole(c effects.Console) Option { return func(s *Store) { s.console = c } }
func WithGC(p GCPolicy) Option             { return func(s *Store) { s.gc = p } }

// Open loads the persisted journal, or starts an empty one.
func Open(ctx context.Context, st effects.Storage, v Verifier, opts ...Option) (*Store, error) {
	s := &Store{st: st, verifier: v, console: effects.NopConsole{}}
	for _, o := range opts {
		o(s)
	}
	j, err := Load(ctx, st)
	if err != nil {
		return nil, err
	}
	s.j = j
	return s, nil
}

// Load reads the journal from storage; a missing key is an empty journal.
func Load(ctx context.Context, st effects.Storage) (*Journal, error) {
	b, ok, err := st.Retrieve(ctx, StorageKey)
	if err != nil {
		return nil, err
	}
	if !ok {
		return New(), nil
	}
	return Decode(b)
}

// Persist serializes j fully and writes it in a single store call.
func Persist(ctx context.Context, st effects.Storage, j *Journal) error {
	b, err := j.Encode()
	if err != nil {
		return err
	}
	return auraerr.Wrap(auraerr.KindStorage, "journal.persist", st.Store(ctx, StorageKey, b))
}

// Journal returns the current value. Journals are immutable so no copy is needed.
func (s *Store) Journal() *Journal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.j
}

// OnMerge registers fn to receive the facts each successful merge added.
// The returned func removes it.
func (s *Store) OnMerge(fn func(added []Fact)) (remove func()) {
	s.hookMu.Lock()
	s.hookID++
	id := s.hookID
	s.hooks = append(s.hooks, mergeHook{id: id, fn: fn})
	s.hookMu.Unlock()
	return func() {
		s.hookMu.Lock()
		defer s.hookMu.Unlock()
		for i, h := range s.hooks {
			if h.id == id {
				s.hooks = append(s.hooks[:i:i], s.hooks[i+1:]...)
				return
			}
		}
	}
}

// Merge verifies delta, joins it in and persists. On any failure the
// in-memory journal is left as it was.
func (s *Store) Merge(ctx context.Context, delta []Fact) ([]Fact, error) {
	s.mu.Lock()
	next, added, err := MergeFacts(ctx, s.j, delta, s.verifier)
	if err != nil {
		s.mu.Unlock()
		s.console.Warn("journal merge refused", effects.Fields{"facts": len(delta), "error": err.Error()})
		return nil, err
	}
	if len(added) == 0 {
		s.mu.Unlock()
		return nil, nil
	}
	if err := Persist(ctx, s.st, next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.j = next
	s.mu.Unlock()

	s.console.Debug("journal merged", effects.Fields{"added": len(added), "total": next.Len()})
	s.fire(added)
	return added, nil
}

// Absorb joins a remote journal wholesale, verifying its facts first. The
// remote caps frontier is met with ours.
func (s *Store) Absorb(ctx context.Context, remote *Journal) ([]Fact, error) {
	s.mu.Lock()
	next, added, err := MergeFacts(ctx, s.j, remote.Facts(), s.verifier)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	next.caps = next.caps.Meet(remote.caps)
	if next.caps.IsEmpty() {
		s.mu.Unlock()
		return nil, auraerr.New(auraerr.KindAuthorization, "journal.absorb", "remote frontier disjoint from ours").WithCause(ErrPermissionDenied)
	}
	next.normalize()
	if err := Persist(ctx, s.st, next); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.j = next
	s.mu.Unlock()
	s.fire(added)
	return added, nil
}

func (s *Store) fire(added []Fact) {
	if len(added) == 0 {
		return
	}
	s.hookMu.RLock()
	hooks := append([]mergeHook(nil), s.hooks...)
	s.hookMu.RUnlock()
	for _, h := range hooks {
		h.fn(added)
	}
}

func (s *Store) RefineCaps(ctx context.Context, refinement CapSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := RefineCaps(s.j, refinement)
	if err != nil {
		return err
	}
	if err := Persist(ctx, s.st, next); err != nil {
		return err
	}
	s.j = next
	return nil
}

// Filter selects facts in Query. Zero fields match everything.
type Filter struct {
	Kind       FactKind
	Relational RelationalKind
	Authority  *types.AuthorityID
	Context    *types.ContextID
	Label      string
}

func (f Filter) match(x Fact) bool {
	if f.Kind != 0 && x.Kind != f.Kind {
		return false
	}
	if f.Authority != nil && x.Authority != *f.Authority {
		return false
	}
	if f.Relational != "" || f.Context != nil || f.Label != "" {
		if x.Relational == nil {
			return false
		}
		if f.Relational != "" && x.Relational.Kind != f.Relational {
			return false
		}
		if f.Context != nil && x.Relational.Context != *f.Context {
			return false
		}
		if f.Label != "" && x.Relational.Label != f.Label {
			return false
		}
	}
	return true
}

// Query returns matching facts in CID order.
func (s *Store) Query(f Filter) []Fact {
	var out []Fact
	for _, x := range s.Journal().Facts() {
		if f.match(x) {
			out = append(out, x)
		}
	}
	return out
}

// AttestedOps returns every attested op recorded for authority.
func (s *Store) AttestedOps(authority types.AuthorityID) []tree.AttestedOp {
	var out []tree.AttestedOp
	for _, f := range s.Query(Filter{Kind: FactAttestedOp, Authority: &authority}) {
		out = append(out, *f.Attested)
	}
	return out
}

// TreeState reduces the authority's attested ops. The reduction is reused
// until the journal changes, so callers must not modify the result.
func (s *Store) TreeState(authority types.AuthorityID) (*tree.TreeState, error) {
	j := s.Journal()
	s.treeMu.Lock()
	c, ok := s.trees[authority]
	s.treeMu.Unlock()
	if ok && c.j == j {
		return c.st, nil
	}
	var ops []tree.AttestedOp
	for _, f := range j.Facts() {
		if f.Kind == FactAttestedOp && f.Authority == authority && f.Attested != nil {
			ops = append(ops, *f.Attested)
		}
	}
	st, err := tree.Reduce(authority, ops)
	if err != nil {
		return nil, err
	}
	s.treeMu.Lock()
	if s.trees == nil {
		s.trees = map[types.AuthorityID]cachedTree{}
	}
	s.trees[authority] = cachedTree{j: j, st: st}
	s.treeMu.Unlock()
	return st, nil
}

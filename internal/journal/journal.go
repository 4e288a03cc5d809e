package journal

import (
	"context"
	"errors"
	"sort"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/types"
)

// ErrPermissionDenied marks facts or refinements the frontier does not allow.
var ErrPermissionDenied = errors.New("permission denied")

// Journal is the (facts, caps) pair. Values are treated as immutable; every
// operation returns a new Journal.
type Journal struct {
	facts map[types.Hash32]Fact
	caps  CapSet
}

// New returns an empty journal with a full capability frontier.
func New() *Journal { return &Journal{facts: map[types.Hash32]Fact{}, caps: Full()} }

func (j *Journal) Caps() CapSet { return j.caps.clone() }
func (j *Journal) Len() int     { return len(j.facts) }

func (j *Journal) Get(cid types.Hash32) (Fact, bool) {
	f, ok := j.facts[cid]
	return f, ok
}

// CIDs returns every fact id in ascending order.
func (j *Journal) CIDs() []types.Hash32 {
	out := make([]types.Hash32, 0, len(j.facts))
	for cid := range j.facts {
		out = append(out, cid)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Compare(out[b]) < 0 })
	return out
}

// Facts returns every fact ordered by CID.
func (j *Journal) Facts() []Fact {
	cids := j.CIDs()
	out := make([]Fact, len(cids))
	for i, c := range cids {
		out[i] = j.facts[c]
	}
	return out
}

// Digest hashes the sorted CID set; equal digests mean equal fact sets.
func (j *Journal) Digest() types.Hash32 {
	h := crypto.NewHasher().AddString("JOURNAL")
	for _, c := range j.CIDs() {
		h.Add(c[:])
	}
	return h.Sum()
}

func (j *Journal) Equal(o *Journal) bool {
	return j.Digest() == o.Digest() && j.caps.Equal(o.caps)
}

func (j *Journal) clone() *Journal {
	c := &Journal{facts: make(map[types.Hash32]Fact, len(j.facts)), caps: j.caps.clone()}
	for k, v := range j.facts {
		c.facts[k] = v
	}
	return c
}

// superseded collects every CID any snapshot in the set lets go.
func superseded(facts map[types.Hash32]Fact) map[types.Hash32]bool {
	out := map[types.Hash32]bool{}
	for _, f := range facts {
		if f.Kind == FactSnapshot && f.Snapshot != nil {
			for _, c := range f.Snapshot.Superseded {
				out[c] = true
			}
		}
	}
	return out
}

// normalize drops superseded receipt facts. Snapshots never supersede other
// snapshots, which keeps Join associative.
func (j *Journal) normalize() {
	for c := range superseded(j.facts) {
		if f, ok := j.facts[c]; ok && f.Kind == FactReceipt {
			delete(j.facts, c)
		}
	}
}

// Join is the least upper bound on facts and the greatest lower bound on
// caps. It is commutative, associative and idempotent.
func Join(a, b *Journal) *Journal {
	out := a.clone()
	for k, v := range b.facts {
		out.facts[k] = v
	}
	out.caps = a.caps.Meet(b.caps)
	out.normalize()
	return out
}

// MergeFacts authorizes and verifies every fact in delta against target and
// returns target joined with delta. Nothing is applied unless every fact
// passes. Unauthorized facts fail with ErrPermissionDenied, bad signatures
// with an Invalid error.
func MergeFacts(ctx context.Context, target *Journal, delta []Fact, v Verifier) (*Journal, []Fact, error) {
	const op = "journal.merge_facts"
	in := map[types.Hash32]Fact{}
	for _, f := range delta {
		if err := f.validate(); err != nil {
			return nil, nil, err
		}
		if !target.caps.Allows(f.RequiredCapability()) {
			return nil, nil, auraerr.Errorf(auraerr.KindAuthorization, op, "capability %q not granted", f.RequiredCapability()).
				WithAuthority(f.Authority).WithCause(ErrPermissionDenied)
		}
		if v == nil {
			return nil, nil, auraerr.New(auraerr.KindInvalid, op, "no verifier")
		}
		if err := v.VerifyFact(ctx, f); err != nil {
			return nil, nil, err
		}
		cid, err := f.CID()
		if err != nil {
			return nil, nil, err
		}
		in[cid] = f
	}
	out := target.clone()
	var fresh []types.Hash32
	for cid, f := range in {
		if _, ok := out.facts[cid]; ok {
			continue
		}
		out.facts[cid] = f
		fresh = append(fresh, cid)
	}
	out.normalize()
	sort.Slice(fresh, func(i, k int) bool { return fresh[i].Compare(fresh[k]) < 0 })
	var added []Fact
	for _, cid := range fresh {
		if f, ok := out.facts[cid]; ok {
			added = append(added, f)
		}
	}
	return out, added, nil
}

// RefineCaps intersects the frontier with refinement. An empty result is
// refused.
func RefineCaps(target *Journal, refinement CapSet) (*Journal, error) {
	next := target.caps.Meet(refinement)
	if next.IsEmpty() {
		return nil, auraerr.New(auraerr.KindAuthorization, "journal.refine_caps", "refinement would empty the capability frontier").
			WithCause(ErrPermissionDenied)
	}
	out := target.clone()
	out.caps = next
	return out, nil
}

type persisted struct {
	Facts []Fact   `cbor:"1,keyasint"`
	Caps  []string `cbor:"2,keyasint"`
}

// Encode serializes the journal with facts in CID order.
func (j *Journal) Encode() ([]byte, error) {
	return codec.Marshal(persisted{Facts: j.Facts(), Caps: j.caps.List()})
}

func Decode(b []byte) (*Journal, error) {
	var p persisted
	if err := codec.Unmarshal(b, &p); err != nil {
		return nil, err
	}
	j := &Journal{facts: make(map[types.Hash32]Fact, len(p.Facts)), caps: NewCapSet(p.Caps...)}
	for _, f := range p.Facts {
		cid, err := f.CID()
		if err != nil {
			return nil, auraerr.Wrap(auraerr.KindCorruption, "journal.decode", err)
		}
		j.facts[cid] = f
	}
	return j, nil
}

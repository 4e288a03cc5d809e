// Package evidence tracks equivocation proofs per consensus instance.
package evidence

import (
	"sort"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/types"
)

// Proof shows one witness backed two different results in one instance.
type Proof struct {
	Witness        types.AuthorityID `cbor:"1,keyasint" json:"witness"`
	ConsensusID    types.Hash32      `cbor:"2,keyasint" json:"consensus_id"`
	PrestateHash   types.Hash32      `cbor:"3,keyasint" json:"prestate_hash"`
	FirstResultID  types.Hash32      `cbor:"4,keyasint" json:"first_result_id"`
	SecondResultID types.Hash32      `cbor:"5,keyasint" json:"second_result_id"`
	TimestampMs    uint64            `cbor:"6,keyasint" json:"timestamp_ms"`
}

// Verify fails iff both result ids are equal.
func (p Proof) Verify() error {
	if p.FirstResultID == p.SecondResultID {
		return auraerr.New(auraerr.KindInvalid, "evidence.verify", "results are identical").WithAuthority(p.Witness)
	}
	return nil
}

func (p Proof) Encode() ([]byte, error) { return codec.Marshal(p) }

func DecodeProof(b []byte) (Proof, error) {
	var p Proof
	err := codec.Unmarshal(b, &p)
	return p, err
}

type proofKey struct {
	witness       types.AuthorityID
	first, second types.Hash32
}

// Vote is one witness's result for a consensus instance.
type Vote struct {
	Witness      types.AuthorityID
	ConsensusID  types.Hash32
	PrestateHash types.Hash32
	ResultID     types.Hash32
	TimestampMs  uint64
}

type instance struct {
	proofs   map[proofKey]*Proof
	votes    map[types.AuthorityID]Vote
	syncedAt uint64
}

// Tracker stores proofs per consensus id. Safe for concurrent use.
type Tracker struct {
	mu        sync.RWMutex
	instances map[types.Hash32]*instance
	onProof   func(Proof)
}

func NewTracker() *Tracker { return &Tracker{instances: map[types.Hash32]*instance{}} }

// OnProof registers a callback for every newly recorded proof.
func (t *Tracker) OnProof(fn func(Proof)) {
	t.mu.Lock()
	t.onProof = fn
	t.mu.Unlock()
}

func (t *Tracker) inst(cid types.Hash32) *instance {
	in, ok := t.instances[cid]
	if !ok {
		in = &instance{proofs: map[proofKey]*Proof{}, votes: map[types.AuthorityID]Vote{}}
		t.instances[cid] = in
	}
	return in
}

// Insert records p. A duplicate (same witness and result pair) keeps one
// entry carrying the latest timestamp. It reports whether p was new.
func (t *Tracker) Insert(p Proof) (bool, error) {
	if err := p.Verify(); err != nil {
		return false, err
	}
	t.mu.Lock()
	in := t.inst(p.ConsensusID)
	k := proofKey{p.Witness, p.FirstResultID, p.SecondResultID}
	if cur, ok := in.proofs[k]; ok {
		if p.TimestampMs > cur.TimestampMs {
			cur.TimestampMs = p.TimestampMs
		}
		t.mu.Unlock()
		return false, nil
	}
	cp := p
	in.proofs[k] = &cp
	cb := t.onProof
	t.mu.Unlock()
	if cb != nil {
		cb(p)
	}
	return true, nil
}

// Observe records a vote and returns a proof when the witness already voted
// for a different result in the same instance.
func (t *Tracker) Observe(v Vote) (*Proof, error) {
	t.mu.Lock()
	in := t.inst(v.ConsensusID)
	prev, ok := in.votes[v.Witness]
	if !ok {
		in.votes[v.Witness] = v
		t.mu.Unlock()
		return nil, nil
	}
	t.mu.Unlock()
	if prev.ResultID == v.ResultID {
		return nil, nil
	}
	p := Proof{
		Witness:        v.Witness,
		ConsensusID:    v.ConsensusID,
		PrestateHash:   v.PrestateHash,
		FirstResultID:  prev.ResultID,
		SecondResultID: v.ResultID,
		TimestampMs:    v.TimestampMs,
	}
	if _, err := t.Insert(p); err != nil {
		return nil, err
	}
	return &p, auraerr.New(auraerr.KindByzantine, "evidence.observe", "witness equivocated").WithAuthority(v.Witness)
}

func sortProofs(ps []Proof) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].TimestampMs != ps[j].TimestampMs {
			return ps[i].TimestampMs < ps[j].TimestampMs
		}
		if c := ps[i].Witness.Compare(ps[j].Witness); c != 0 {
			return c < 0
		}
		return ps[i].FirstResultID.Compare(ps[j].FirstResultID) < 0
	})
}

// GetProofs returns every proof for cid ordered by timestamp.
func (t *Tracker) GetProofs(cid types.Hash32) []Proof {
	return t.filter(cid, func(*Proof) bool { return true })
}

// GetDelta returns the proofs for cid newer than sinceMs.
func (t *Tracker) GetDelta(cid types.Hash32, sinceMs uint64) []Proof {
	return t.filter(cid, func(p *Proof) bool { return p.TimestampMs > sinceMs })
}

// PendingDelta returns the proofs newer than the last MarkSynced for cid.
func (t *Tracker) PendingDelta(cid types.Hash32) []Proof {
	t.mu.RLock()
	var since uint64
	if in, ok := t.instances[cid]; ok {
		since = in.syncedAt
	}
	t.mu.RUnlock()
	return t.GetDelta(cid, since)
}

// MarkSynced records that peers have every proof for cid up to atMs.
func (t *Tracker) MarkSynced(cid types.Hash32, atMs uint64) {
	t.mu.Lock()
	in := t.inst(cid)
	if atMs > in.syncedAt {
		in.syncedAt = atMs
	}
	t.mu.Unlock()
}

func (t *Tracker) filter(cid types.Hash32, keep func(*Proof) bool) []Proof {
	t.mu.RLock()
	defer t.mu.RUnlock()
	in, ok := t.instances[cid]
	if !ok {
		return nil
	}
	var out []Proof
	for _, p := range in.proofs {
		if keep(p) {
			out = append(out, *p)
		}
	}
	sortProofs(out)
	return out
}

// Instances lists consensus ids with at least one proof.
func (t *Tracker) Instances() []types.Hash32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []types.Hash32
	for cid, in := range t.instances {
		if len(in.proofs) > 0 {
			out = append(out, cid)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// Count is the total number of recorded proofs.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, in := range t.instances {
		n += len(in.proofs)
	}
	return n
}

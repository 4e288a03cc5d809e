package evidence

import (
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/types"
)

func TestProofVerify(t *testing.T) {
	p := Proof{FirstResultID: types.Hash32{1}, SecondResultID: types.Hash32{2}}
	if err := p.Verify(); err != nil {
		t.Fatalf("distinct results: %v", err)
	}
	p.SecondResultID = p.FirstResultID
	if err := p.Verify(); err == nil {
		t.Fatalf("identical results verified")
	}
}

func TestDedupeAndDelta(t *testing.T) {
	tr := NewTracker()
	c := types.Hash32{0xc}
	p := Proof{Witness: types.AuthorityFromSeed(1), ConsensusID: c, FirstResultID: types.Hash32{1}, SecondResultID: types.Hash32{2}, TimestampMs: 1000}
	if isNew, err := tr.Insert(p); !isNew || err != nil {
		t.Fatalf("first insert = %v %v", isNew, err)
	}
	p.TimestampMs = 2000
	if isNew, err := tr.Insert(p); isNew || err != nil {
		t.Fatalf("duplicate insert = %v %v", isNew, err)
	}
	if got := tr.GetProofs(c); len(got) != 1 {
		t.Fatalf("proofs = %d", len(got))
	}
	if got := tr.GetDelta(c, 1500); len(got) != 1 {
		t.Fatalf("delta since 1500 = %d", len(got))
	}
	if got := tr.GetDelta(c, 2500); len(got) != 0 {
		t.Fatalf("delta since 2500 = %d", len(got))
	}
	bad := p
	bad.SecondResultID = bad.FirstResultID
	if _, err := tr.Insert(bad); err == nil {
		t.Fatalf("invalid proof stored")
	}
}

func TestMarkSynced(t *testing.T) {
	tr := NewTracker()
	c := types.Hash32{7}
	for i, ts := range []uint64{100, 200, 300} {
		_, _ = tr.Insert(Proof{Witness: types.AuthorityFromSeed(uint64(i)), ConsensusID: c, FirstResultID: types.Hash32{1}, SecondResultID: types.Hash32{2}, TimestampMs: ts})
	}
	tr.MarkSynced(c, 200)
	if got := tr.PendingDelta(c); len(got) != 1 || got[0].TimestampMs != 300 {
		t.Fatalf("pending = %+v", got)
	}
	tr.MarkSynced(c, 100)
	if got := tr.PendingDelta(c); len(got) != 1 {
		t.Fatalf("sync mark moved backwards")
	}
	if tr.Count() != 3 || len(tr.Instances()) != 1 {
		t.Fatalf("count %d instances %d", tr.Count(), len(tr.Instances()))
	}
}

func TestObserveDetectsEquivocation(t *testing.T) {
	tr := NewTracker()
	var seen []Proof
	tr.OnProof(func(p Proof) { seen = append(seen, p) })
	w := types.AuthorityFromSeed(3)
	v := Vote{Witness: w, ConsensusID: types.Hash32{1}, ResultID: types.Hash32{0xa}, TimestampMs: 10}
	if p, err := tr.Observe(v); p != nil || err != nil {
		t.Fatalf("first vote = %v %v", p, err)
	}
	if p, err := tr.Observe(v); p != nil || err != nil {
		t.Fatalf("repeat vote = %v %v", p, err)
	}
	v.ResultID = types.Hash32{0xb}
	p, err := tr.Observe(v)
	if p == nil || !auraerr.Is(err, auraerr.KindByzantine) {
		t.Fatalf("conflicting vote = %v %v", p, err)
	}
	if len(seen) != 1 || seen[0].FirstResultID != (types.Hash32{0xa}) {
		t.Fatalf("callback = %+v", seen)
	}
	enc, _ := p.Encode()
	back, err := DecodeProof(enc)
	if err != nil || back != *p {
		t.Fatalf("round trip = %+v %v", back, err)
	}
}

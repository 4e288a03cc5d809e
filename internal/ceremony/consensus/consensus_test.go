package consensus

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/choreo/choreotest"
	"github.com/Armour007/aura-core/internal/crypto/frost"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/evidence"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/storage"
	"github.com/Armour007/aura-core/internal/tree"
	"github.com/Armour007/aura-core/internal/types"
)

type fixture struct {
	net     *choreotest.Network
	roles   choreo.RoleMap
	signers []Signer
	pub     frost.PublicPackage
}

func setup(t *testing.T, threshold int) fixture {
	t.Helper()
	net := choreotest.New(t, 1, 2, 3)
	shares, pub, err := frost.DealerKeygen(effects.NewSeededRandom(99).Reader(), threshold, 3)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	f := fixture{net: net, pub: pub, roles: choreo.RoleMap{
		RoleCoordinator: net.Nodes[0].ID,
		"witness/a":     net.Nodes[1].ID,
		"witness/b":     net.Nodes[2].ID,
	}}
	for i, s := range shares {
		f.signers = append(f.signers, Signer{Share: s, Rand: effects.NewSeededRandom(uint64(100 + i)).Reader()})
	}
	return f
}

func (f fixture) run(sid types.SessionID, req Request, opts CoordinatorOptions, checks ...Check) ([]CommitFact, []error) {
	ctx := context.Background()
	facts := make([]CommitFact, 3)
	check := func(i int) Check {
		if i-1 < len(checks) {
			return checks[i-1]
		}
		return nil
	}
	errs := choreotest.Run(
		func() (err error) {
			facts[0], err = Coordinate(ctx, f.net.Nodes[0].Runtime, sid, f.roles, f.signers[0], req, opts)
			return err
		},
		func() (err error) {
			facts[1], err = Witness(ctx, f.net.Nodes[1].Runtime, sid, f.roles, f.signers[1], check(1))
			return err
		},
		func() (err error) {
			facts[2], err = Witness(ctx, f.net.Nodes[2].Runtime, sid, f.roles, f.signers[2], check(2))
			return err
		},
	)
	return facts, errs
}

func TestAllWitnessesSign(t *testing.T) {
	f := setup(t, 2)
	req := Request{Label: "rotate", Prestate: types.Hash32{1}, Message: []byte("rotate device key")}
	facts, errs := f.run(types.SessionFromSeed(1), req, CoordinatorOptions{})
	for i, err := range errs {
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
	}
	if !frost.Verify(f.pub.GroupKey, req.Message, facts[0].Signature) {
		t.Fatal("aggregated signature does not verify under the group key")
	}
	if len(facts[0].Signers) != 3 {
		t.Fatalf("signers = %d, want 3", len(facts[0].Signers))
	}
	for i, fact := range facts[1:] {
		if !bytes.Equal(fact.Signature, facts[0].Signature) || fact.ConsensusID != req.ConsensusID() {
			t.Fatalf("witness %d returned a different fact", i+1)
		}
	}
}

func TestSilentWitnessIsLeftOut(t *testing.T) {
	f := setup(t, 2)
	f.net.SetTimeout(1000)
	f.net.Nodes[0].SetTimeout(200)
	refuse := func(ctx context.Context, req Request) error {
		return auraerr.New(auraerr.KindAuthorization, "test", "not signing that")
	}
	req := Request{Label: "rotate", Prestate: types.Hash32{2}, Message: []byte("rotate again")}
	facts, errs := f.run(types.SessionFromSeed(2), req, CoordinatorOptions{}, nil, refuse)
	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("coordinator %v, witness %v", errs[0], errs[1])
	}
	if !auraerr.Is(errs[2], auraerr.KindAuthorization) {
		t.Fatalf("refusing witness: %v", errs[2])
	}
	if len(facts[0].Signers) != 2 {
		t.Fatalf("signers = %d, want 2", len(facts[0].Signers))
	}
	if err := facts[0].Verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestBelowThresholdFails(t *testing.T) {
	f := setup(t, 3)
	f.net.SetTimeout(1000)
	f.net.Nodes[0].SetTimeout(200)
	refuse := func(ctx context.Context, req Request) error { return errors.New("no") }
	req := Request{Label: "rotate", Prestate: types.Hash32{3}, Message: []byte("m")}
	_, errs := f.run(types.SessionFromSeed(3), req, CoordinatorOptions{}, nil, refuse)
	if !auraerr.Is(errs[0], auraerr.KindChoreography) {
		t.Fatalf("coordinator: %v", errs[0])
	}
}

func TestForeignShareIsByzantine(t *testing.T) {
	f := setup(t, 2)
	f.net.SetTimeout(1000)
	f.net.Nodes[0].SetTimeout(200)
	foreign, _, err := frost.DealerKeygen(effects.NewSeededRandom(7).Reader(), 2, 3)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	f.signers[2] = Signer{Share: foreign[2], Rand: effects.NewSeededRandom(200).Reader()}
	req := Request{Label: "rotate", Prestate: types.Hash32{8}, Message: []byte("forged")}
	_, errs := f.run(types.SessionFromSeed(8), req, CoordinatorOptions{})
	if !auraerr.Is(errs[0], auraerr.KindByzantine) || !errors.Is(errs[0], frost.ErrInvalidShare) {
		t.Fatalf("coordinator: %v", errs[0])
	}
	var ae *auraerr.Error
	if !errors.As(errs[0], &ae) || ae.Session == nil || *ae.Session != types.SessionFromSeed(8) {
		t.Fatalf("session not attached: %v", errs[0])
	}
}

func TestEquivocatingWitnessProducesProof(t *testing.T) {
	f := setup(t, 2)
	f.net.SetTimeout(1000)
	f.net.Nodes[0].SetTimeout(200)
	tracker := evidence.NewTracker()
	first := Request{Label: "rotate", Prestate: types.Hash32{4}, Message: []byte("first")}
	if _, errs := f.run(types.SessionFromSeed(4), first, CoordinatorOptions{Tracker: tracker}); errs[0] != nil {
		t.Fatalf("first round: %v", errs[0])
	}
	second := first
	second.Message = []byte("second")
	_, errs := f.run(types.SessionFromSeed(5), second, CoordinatorOptions{Tracker: tracker})
	if !auraerr.Is(errs[0], auraerr.KindByzantine) {
		t.Fatalf("coordinator: %v", errs[0])
	}
	proofs := tracker.GetProofs(first.ConsensusID())
	if len(proofs) != 1 {
		t.Fatalf("proofs = %d, want 1", len(proofs))
	}
	if proofs[0].Witness != f.net.Nodes[1].ID || proofs[0].Verify() != nil {
		t.Fatalf("unexpected proof %+v", proofs[0])
	}
}

func TestAttesterCommitsTreeOp(t *testing.T) {
	f := setup(t, 2)
	ctx := context.Background()
	group := types.AuthorityFromSeed(50)
	st, err := tree.Genesis(group)
	if err != nil {
		t.Fatalf("genesis: %v", err)
	}
	op := st.NewOp(tree.NewAddLeaf(tree.LeafNode{ID: types.NodeFromSeed(7), Device: types.DeviceFromSeed(7)}, st.Root))
	sid := types.SessionFromSeed(6)
	att := &Attester{Runtime: f.net.Nodes[0].Runtime, Roles: f.roles, Signer: f.signers[0], Session: sid}

	var attested tree.AttestedOp
	var seen []tree.Op
	accept := func(ctx context.Context, o tree.Op) error {
		seen = append(seen, o)
		return nil
	}
	errs := choreotest.Run(
		func() (err error) {
			attested, err = att.Attest(ctx, op)
			return err
		},
		func() error {
			_, err := Witness(ctx, f.net.Nodes[1].Runtime, sid, f.roles, f.signers[1], CheckTreeOp(nil))
			return err
		},
		func() error {
			_, err := Witness(ctx, f.net.Nodes[2].Runtime, sid, f.roles, f.signers[2], CheckTreeOp(accept))
			return err
		},
	)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
	}
	if err := tree.VerifyAttested(f.pub.GroupKey, attested); err != nil {
		t.Fatalf("verify attested: %v", err)
	}
	if len(seen) != 1 || seen[0].ParentCommitment != st.Commitment {
		t.Fatalf("witness saw %+v", seen)
	}

	ring := journal.NewKeyRing()
	ring.SetGroupKey(group, f.pub.GroupKey)
	js, err := journal.Open(ctx, storage.NewMemory(), ring)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := js.Merge(ctx, []journal.Fact{journal.NewAttestedFact(group, attested)}); err != nil {
		t.Fatalf("merge: %v", err)
	}
	after, err := js.TreeState(group)
	if err != nil {
		t.Fatalf("tree state: %v", err)
	}
	if len(after.Devices()) != 1 {
		t.Fatalf("devices = %d, want 1", len(after.Devices()))
	}
}

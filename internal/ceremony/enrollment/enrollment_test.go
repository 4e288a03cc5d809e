package enrollment

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/choreo/choreotest"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/crypto/frost"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/tree"
	"github.com/Armour007/aura-core/internal/types"
)

type fixture struct {
	net   *choreotest.Network
	roles choreo.RoleMap
	att   tree.Attester
}

func setup(t *testing.T) fixture {
	t.Helper()
	net := choreotest.New(t, 1, 2)
	net.SetTimeout(1000)
	shares, pub, err := frost.DealerKeygen(effects.NewSeededRandom(8).Reader(), 1, 1)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	net.Ring.SetGroupKey(net.Nodes[0].ID, pub.GroupKey)
	return fixture{
		net:   net,
		roles: choreo.RoleMap{RoleExisting: net.Nodes[0].ID, RoleNew: net.Nodes[1].ID},
		att:   tree.LocalAttester{Shares: shares, Rand: effects.NewSeededRandom(9).Reader()},
	}
}

func newDevice(t *testing.T, seed uint64) (types.DeviceID, *crypto.LocalEd25519Signer) {
	t.Helper()
	s, err := crypto.GenerateSigner(effects.NewSeededRandom(seed).Reader())
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return types.DeviceFromSeed(seed), s
}

func (f fixture) enroll(sid types.SessionID, dev types.DeviceID, s crypto.Signer) ([2]Result, []error) {
	ctx := context.Background()
	var out [2]Result
	sponsor, joiner := f.net.Nodes[0], f.net.Nodes[1]
	errs := choreotest.Run(
		func() (err error) {
			out[0], err = Sponsor(ctx, sponsor.Runtime, sid, f.roles, sponsor.Journal, f.net.Ring, sponsor.ID, f.att, effects.NewSeededRandom(10).Reader(), nil)
			return err
		},
		func() (err error) {
			out[1], err = Join(ctx, joiner.Runtime, sid, f.roles, joiner.Journal, f.net.Ring, dev, s)
			return err
		},
	)
	return out, errs
}

func TestNewDeviceJoins(t *testing.T) {
	f := setup(t)
	dev, s := newDevice(t, 42)
	out, errs := f.enroll(types.SessionFromSeed(1), dev, s)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
	}
	if !out[0].Tree.Equal(out[1].Tree) {
		t.Fatal("sponsor and new device disagree on the tree")
	}
	leaves := out[1].Tree.Devices()
	if len(leaves) != 1 || leaves[0].Device != dev || leaves[0].ID != types.NodeForDevice(f.net.Nodes[0].ID, dev) {
		t.Fatalf("leaves = %+v", leaves)
	}
	if got := f.net.Sent(t, f.net.Nodes[0].ID); len(got) != 2 || got[0] != MsgInvite || got[1] != MsgComplete {
		t.Fatalf("sponsor sent %v", got)
	}

	// The new device key is now trusted for relational facts.
	fact := journal.NewRelationalFact(f.net.Nodes[0].ID, journal.Relational{Kind: journal.Generic, Label: "hello", TimestampMs: 1})
	if err := fact.Sign(dev, func(m []byte) ([]byte, error) { return ed25519.Sign(s.PrivateKey(), m), nil }); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.net.Ring.VerifyFact(context.Background(), fact); err != nil {
		t.Fatalf("verify with enrolled key: %v", err)
	}
}

// impostor presents a key it cannot sign for.
type impostor struct {
	crypto.Signer
	claimed ed25519.PublicKey
}

func (i impostor) PublicKey() ed25519.PublicKey { return i.claimed }

func TestProofOfPossessionRequired(t *testing.T) {
	f := setup(t)
	dev, s := newDevice(t, 43)
	_, other := newDevice(t, 44)
	_, errs := f.enroll(types.SessionFromSeed(2), dev, impostor{Signer: s, claimed: other.PublicKey()})
	if !auraerr.Is(errs[0], auraerr.KindAuthentication) {
		t.Fatalf("sponsor: %v", errs[0])
	}
}

func TestDeviceEnrolledOnce(t *testing.T) {
	f := setup(t)
	dev, s := newDevice(t, 45)
	if _, errs := f.enroll(types.SessionFromSeed(3), dev, s); errs[0] != nil || errs[1] != nil {
		t.Fatalf("first enrollment: %v %v", errs[0], errs[1])
	}
	_, errs := f.enroll(types.SessionFromSeed(4), dev, s)
	if !auraerr.Is(errs[0], auraerr.KindInvalid) {
		t.Fatalf("sponsor: %v", errs[0])
	}
}

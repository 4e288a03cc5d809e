package guardianauth

import (
	"context"
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/choreo/choreotest"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/types"
)

func approve(context.Context, Request) (bool, string) { return true, "known device" }
func deny(context.Context, Request) (bool, string)    { return false, "unrecognised request" }

// run drives an account (node 0), a coordinator (node 1) and one guardian
// per decide func on the remaining nodes.
func run(t *testing.T, sid types.SessionID, req Request, decide ...Decide) ([]Response, []error, *choreotest.Network) {
	t.Helper()
	seeds := []uint64{1, 2}
	for i := range decide {
		seeds = append(seeds, uint64(10+i))
	}
	net := choreotest.New(t, seeds...)
	net.SetTimeout(2000)
	roles := choreo.RoleMap{RoleAccount: net.Nodes[0].ID, RoleCoordinator: net.Nodes[1].ID}
	for i := range decide {
		roles[choreo.Role("guardian/"+string(rune('a'+i)))] = net.Nodes[2+i].ID
	}
	req.Account = net.Nodes[0].ID
	ctx := context.Background()
	keys := net.Ring.TransportKey
	out := make([]Response, len(seeds))
	fns := []func() error{
		func() (err error) {
			out[0], err = RequestApproval(ctx, net.Nodes[0].Runtime, sid, roles, req, keys)
			return err
		},
		func() (err error) {
			out[1], err = Coordinate(ctx, net.Nodes[1].Runtime, sid, roles, keys, effects.NewSeededRandom(3).Reader())
			return err
		},
	}
	for i, d := range decide {
		node, d, i := net.Nodes[2+i], d, i
		fns = append(fns, func() (err error) {
			out[2+i], err = Guard(ctx, node.Runtime, sid, roles, node.Signer, keys, d)
			return err
		})
	}
	return out, choreotest.Run(fns...), net
}

func TestThresholdApproves(t *testing.T) {
	req := Request{Operation: OpDeviceKeyRecovery, Justification: "lost phone", Required: 2}
	out, errs, net := run(t, types.SessionFromSeed(1), req, approve, deny, approve)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
	}
	for i, r := range out {
		if !r.Approved || len(r.Approvals) != 3 {
			t.Fatalf("node %d: approved=%v approvals=%d", i, r.Approved, len(r.Approvals))
		}
	}
	if got := net.Sent(t, net.Nodes[0].ID); len(got) != 1 || got[0] != MsgApprovalRequest {
		t.Fatalf("account sent %v", got)
	}
	if got := net.Sent(t, net.Nodes[2].ID); len(got) != 2 || got[0] != MsgProof || got[1] != MsgDecision {
		t.Fatalf("guardian sent %v", got)
	}
}

func TestDenialAborts(t *testing.T) {
	req := Request{Operation: OpAccountAccess, Required: 2}
	out, errs, _ := run(t, types.SessionFromSeed(2), req, approve, deny)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("node %d: %v", i, err)
		}
	}
	if out[0].Approved || out[0].Reason == "" {
		t.Fatalf("account got %+v", out[0])
	}
}

func TestRequiredAboveGuardianCount(t *testing.T) {
	req := Request{Operation: OpAccountUnfreeze, Required: 3}
	_, errs, _ := run(t, types.SessionFromSeed(3), req, approve, approve)
	if !auraerr.Is(errs[1], auraerr.KindInvalid) {
		t.Fatalf("coordinator: %v", errs[1])
	}
}

func TestEmergencyOnlyForFreeze(t *testing.T) {
	req := Request{Operation: OpGuardianSetChange, Emergency: true, Required: 1}
	_, errs, _ := run(t, types.SessionFromSeed(4), req, approve)
	if !auraerr.Is(errs[1], auraerr.KindInvalid) {
		t.Fatalf("coordinator: %v", errs[1])
	}
}

func TestForgedApprovalRejected(t *testing.T) {
	req := Request{Operation: OpEmergencyFreeze, Required: 1}
	a := Approval{Guardian: types.AuthorityFromSeed(10), RequestHash: req.Hash(), Approved: true, Signature: make([]byte, 64)}
	resp := Response{Request: req, Approvals: []Approval{a}, Approved: true}
	net := choreotest.New(t, 10)
	_, err := verify(resp, net.Ring.TransportKey, map[types.AuthorityID]bool{a.Guardian: true})
	if !auraerr.Is(err, auraerr.KindAuthentication) {
		t.Fatalf("verify: %v", err)
	}
}

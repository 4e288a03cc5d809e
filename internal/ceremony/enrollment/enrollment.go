// Package enrollment attaches a new device to an authority. An existing
// device invites it, checks that the newcomer holds the key it presents and
// commits an attested AddLeaf op for it.
package enrollment

import (
	"context"
	"crypto/ed25519"
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/keygraph"
	"github.com/Armour007/aura-core/internal/tree"
	"github.com/Armour007/aura-core/internal/types"
)

const Protocol = "device_enrollment"

const (
	RoleExisting choreo.Role = "existing_device"
	RoleNew      choreo.Role = "new_device"
)

const (
	MsgInvite   = "enrollment_invite"
	MsgRequest  = "enrollment_request"
	MsgComplete = "enrollment_complete"
)

func Choreography() choreo.Choreography {
	return choreo.Choreography{
		Protocol: Protocol,
		Roles:    []choreo.Role{RoleExisting, RoleNew},
		Messages: []choreo.MessageSpec{
			{Type: MsgInvite, From: RoleExisting, To: RoleNew, Capability: "enrollment:invite", FlowCost: 100},
			{Type: MsgRequest, From: RoleNew, To: RoleExisting, Capability: "enrollment:request", FlowCost: 150},
			{Type: MsgComplete, From: RoleExisting, To: RoleNew, Capability: "enrollment:finalize", FlowCost: 300},
		},
	}
}

type invite struct {
	Authority  types.AuthorityID `cbor:"1,keyasint"`
	Nonce      []byte            `cbor:"2,keyasint"`
	Epoch      uint64            `cbor:"3,keyasint"`
	Commitment types.Hash32      `cbor:"4,keyasint"`
}

type request struct {
	Device    types.DeviceID    `cbor:"1,keyasint"`
	PublicKey ed25519.PublicKey `cbor:"2,keyasint"`
	Signature []byte            `cbor:"3,keyasint"`
}

// Result is the committed enrollment.
type Result struct {
	Leaf tree.LeafNode
	Fact journal.Fact
	Tree *tree.TreeState
}

// proofBytes is what the new device signs to show it holds its key.
func proofBytes(sid types.SessionID, inv invite, dev types.DeviceID, pub ed25519.PublicKey) []byte {
	h := crypto.NewHasher().
		AddString("aura-enrollment").
		Add(sid[:]).
		Add(inv.Authority[:]).
		Add(inv.Nonce).
		Add(dev[:]).
		Add(pub).
		Sum()
	return h[:]
}

func send(ctx context.Context, rt *choreo.Runtime, role choreo.Role, typ string, v any) error {
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return rt.SendToRole(ctx, role, typ, b)
}

// Approve decides whether a presented device may join.
type Approve func(ctx context.Context, dev types.DeviceID, pub ed25519.PublicKey) error

// Sponsor runs the existing device. The AddLeaf op is attested by att,
// which may be a local share set or a consensus round with witnesses.
func Sponsor(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, store *journal.Store, ring *journal.KeyRing, authority types.AuthorityID, att tree.Attester, rand io.Reader, approve Approve) (Result, error) {
	const op = "enrollment.sponsor"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Result{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Result, error) { return Result{}, rt.Abandon(ctx, m, err) }

	st, err := store.TreeState(authority)
	if err != nil {
		return fail(err)
	}
	inv := invite{Authority: authority, Nonce: make([]byte, 32), Epoch: st.Epoch, Commitment: st.Commitment}
	if _, err := io.ReadFull(rand, inv.Nonce); err != nil {
		return fail(auraerr.Wrap(auraerr.KindInvalid, op, err))
	}
	if err := rt.Record(ctx, choreo.EventInitiate, inv.Nonce); err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, RoleNew, MsgInvite, inv); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	msg, err := rt.Expect(ctx, RoleNew, MsgRequest)
	if err != nil {
		return fail(err)
	}
	var req request
	if err := msg.Decode(&req); err != nil {
		return fail(err)
	}
	if len(req.PublicKey) != ed25519.PublicKeySize || !crypto.Verify(req.PublicKey, proofBytes(sid, inv, req.Device, req.PublicKey), req.Signature) {
		return fail(auraerr.New(auraerr.KindAuthentication, op, "new device failed proof of possession").WithSession(sid).WithDevice(req.Device))
	}
	for _, l := range st.Devices() {
		if l.Device == req.Device {
			return fail(auraerr.New(auraerr.KindInvalid, op, "device already enrolled").WithSession(sid).WithDevice(req.Device))
		}
	}
	if approve != nil {
		if err := approve(ctx, req.Device, req.PublicKey); err != nil {
			return fail(err)
		}
	}

	leaf := tree.LeafNode{ID: types.NodeForDevice(authority, req.Device), Kind: keygraph.NodeDevice, Device: req.Device, PublicKey: req.PublicKey}
	attested, err := att.Attest(ctx, st.NewOp(tree.NewAddLeaf(leaf, st.Root)))
	if err != nil {
		return fail(err)
	}
	f := journal.NewAttestedFact(authority, attested)
	if _, err := store.Merge(ctx, []journal.Fact{f}); err != nil {
		return fail(err)
	}
	after, err := store.TreeState(authority)
	if err != nil {
		return fail(err)
	}
	ring.LearnTree(after)

	c, err := f.CID()
	if err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventApproval, c[:]); err != nil {
		return fail(err)
	}
	at, ok := choreo.CheckApprovals(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: 1})
	if !ok {
		return fail(auraerr.New(auraerr.KindChoreography, op, "approval not evidenced").WithSession(sid))
	}
	if err := m.Transition(at); err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, RoleNew, MsgComplete, f); err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventFinalize, c[:]); err != nil {
		return fail(err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Result{}, err
	}
	return Result{Leaf: leaf, Fact: f, Tree: after}, nil
}

// Join runs the new device. It proves possession of signer's key and
// accepts the attested op only if it adds exactly that key.
func Join(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, store *journal.Store, ring *journal.KeyRing, device types.DeviceID, signer crypto.Signer) (Result, error) {
	const op = "enrollment.join"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Result{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Result, error) { return Result{}, rt.Abandon(ctx, m, err) }

	msg, err := rt.Expect(ctx, RoleExisting, MsgInvite)
	if err != nil {
		return fail(err)
	}
	var inv invite
	if err := msg.Decode(&inv); err != nil {
		return fail(err)
	}
	sponsor := msg.Sender
	if err := rt.Observe(ctx, sponsor, choreo.EventInitiate, inv.Nonce); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	pub := signer.PublicKey()
	sig, err := signer.Sign(ctx, proofBytes(sid, inv, device, pub))
	if err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, RoleExisting, MsgRequest, request{Device: device, PublicKey: pub, Signature: sig}); err != nil {
		return fail(err)
	}

	if msg, err = rt.Expect(ctx, RoleExisting, MsgComplete); err != nil {
		return fail(err)
	}
	var f journal.Fact
	if err := msg.Decode(&f); err != nil {
		return fail(err)
	}
	if f.Kind != journal.FactAttestedOp || f.Attested == nil || f.Authority != inv.Authority {
		return fail(auraerr.New(auraerr.KindProtocolViolation, op, "completion is not an attested op for the inviting authority").WithSession(sid))
	}
	add := f.Attested.Op.Op.AddLeaf
	if f.Attested.Op.Op.Kind != tree.OpAddLeaf || add == nil || add.Leaf.Device != device || !crypto.ConstantTimeEqual(add.Leaf.PublicKey, pub) {
		return fail(auraerr.New(auraerr.KindByzantine, op, "attested op does not enroll this device").WithSession(sid))
	}
	if f.Attested.Op.ParentCommitment != inv.Commitment {
		return fail(auraerr.New(auraerr.KindByzantine, op, "attested op is not built on the invited tree").WithSession(sid))
	}
	if _, err := store.Merge(ctx, []journal.Fact{f}); err != nil {
		return fail(err)
	}
	after, err := store.TreeState(inv.Authority)
	if err != nil {
		return fail(err)
	}
	ring.LearnTree(after)

	c, err := f.CID()
	if err != nil {
		return fail(err)
	}
	if err := rt.Observe(ctx, sponsor, choreo.EventApproval, c[:]); err != nil {
		return fail(err)
	}
	at, ok := choreo.CheckApprovals(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: 1})
	if !ok {
		return fail(auraerr.New(auraerr.KindChoreography, op, "approval not evidenced").WithSession(sid))
	}
	if err := m.Transition(at); err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventFinalize, c[:]); err != nil {
		return fail(err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Result{}, err
	}
	return Result{Leaf: add.Leaf, Fact: f, Tree: after}, nil
}

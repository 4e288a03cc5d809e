// Package dkd runs deterministic key derivation: every party contributes a
// ristretto255 point derived from its own seed and the (app, label)
// context, commits to it, reveals it, and all parties hash the sum of the
// points into the same derived key.
package dkd

import (
	"bytes"
	"context"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/cloudflare/circl/group"
)

const Protocol = "dkd"

const (
	RoleInitiator   choreo.Role = "initiator"
	RoleParticipant choreo.Role = "participant/"
)

const (
	MsgInitiate      = "initiate"
	MsgCommitment    = "commitment"
	MsgRevealRequest = "reveal_request"
	MsgReveal        = "reveal"
	MsgKeyDerived    = "key_derived"
)

const dstShare = "aura-dkd-v1-share"

var g = group.Ristretto255

// Choreography declares the DKD messages.
func Choreography() choreo.Choreography {
	return choreo.Choreography{
		Protocol: Protocol,
		Roles:    []choreo.Role{RoleInitiator, RoleParticipant},
		Messages: []choreo.MessageSpec{
			{Type: MsgInitiate, From: RoleInitiator, To: RoleParticipant, Capability: "dkd:initiate"},
			{Type: MsgCommitment, From: RoleParticipant, To: RoleInitiator, Capability: "dkd:commit"},
			{Type: MsgRevealRequest, From: RoleInitiator, To: RoleParticipant, Capability: "dkd:reveal"},
			{Type: MsgReveal, From: RoleParticipant, To: RoleInitiator, Capability: "dkd:reveal"},
			{Type: MsgKeyDerived, From: RoleInitiator, To: RoleParticipant, Capability: "dkd:finalize"},
		},
	}
}

// Contribution is one party's committed or revealed value.
type Contribution struct {
	Participant types.AuthorityID `cbor:"1,keyasint"`
	Value       []byte            `cbor:"2,keyasint"`
}

type initiateMsg struct {
	AppID      string `cbor:"1,keyasint"`
	Label      string `cbor:"2,keyasint"`
	Commitment []byte `cbor:"3,keyasint"`
}

type revealRequestMsg struct {
	Commitments []Contribution `cbor:"1,keyasint"`
	Point       []byte         `cbor:"2,keyasint"`
}

type keyDerivedMsg struct {
	Reveals   []Contribution `cbor:"1,keyasint"`
	KeyDigest types.Hash32   `cbor:"2,keyasint"`
}

// Params identify what is derived. Seed is the local party's secret and
// never leaves it.
type Params struct {
	AppID string
	Label string
	Seed  []byte
}

type Result struct {
	Key          []byte
	Participants []types.AuthorityID
	Session      types.SessionID
}

// Point is the local contribution for (app, label).
func Point(seed []byte, appID, label string) ([]byte, error) {
	k, err := crypto.DeriveKey(seed, appID+":"+label, "dkd-share")
	if err != nil {
		return nil, err
	}
	s := g.HashToScalar(k, []byte(dstShare))
	b, err := g.NewElement().MulGen(s).MarshalBinaryCompress()
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "dkd.point", err)
	}
	return b, nil
}

// Aggregate sums the revealed points and expands the sum into a key bound
// to (app, label).
func Aggregate(points [][]byte, appID, label string) ([]byte, error) {
	const op = "dkd.aggregate"
	if len(points) == 0 {
		return nil, auraerr.New(auraerr.KindChoreography, op, "no points")
	}
	sum := g.Identity()
	for _, p := range points {
		e := g.NewElement()
		if err := e.UnmarshalBinary(p); err != nil {
			return nil, auraerr.Wrap(auraerr.KindByzantine, op, err)
		}
		sum = g.NewElement().Add(sum, e)
	}
	b, err := sum.MarshalBinaryCompress()
	if err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, op, err)
	}
	salt := crypto.Hash([]byte("aura-dkd:" + appID + ":" + label))
	return crypto.Expand(b, salt[:], []byte("aura-dkd-key"), crypto.KeySize)
}

func digest(key []byte) types.Hash32 { return crypto.Hash(append([]byte("aura-dkd-digest:"), key...)) }

func sortedReveals(vr choreo.VerifiedReveals) []Contribution {
	out := make([]Contribution, 0, len(vr.Participants))
	for _, p := range vr.Participants {
		out = append(out, Contribution{Participant: p, Value: vr.Reveals[p]})
	}
	return out
}

func points(cs []Contribution) [][]byte {
	out := make([][]byte, len(cs))
	for i, c := range cs {
		out[i] = c.Value
	}
	return out
}

func broadcast(ctx context.Context, rt *choreo.Runtime, typ string, v any) error {
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return rt.Broadcast(ctx, typ, b)
}

// Initiate runs the initiator side of session sid.
func Initiate(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, p Params) (Result, error) {
	const op = "dkd.initiate"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Result{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Result, error) { return Result{}, rt.Abandon(ctx, m, err) }
	self := rt.Self()
	participants := roles.Family(RoleParticipant)
	total := len(participants) + 1

	point, err := Point(p.Seed, p.AppID, p.Label)
	if err != nil {
		return fail(err)
	}
	commit := choreo.HashCommitment(sid, self, point)
	if err := rt.Record(ctx, choreo.EventInitiate, []byte(p.AppID+":"+p.Label)); err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventCommitment, commit); err != nil {
		return fail(err)
	}
	if err := broadcast(ctx, rt, MsgInitiate, initiateMsg{AppID: p.AppID, Label: p.Label, Commitment: commit}); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	for _, role := range participants {
		msg, err := rt.Expect(ctx, role, MsgCommitment)
		if err != nil {
			return fail(err)
		}
		if err := rt.Observe(ctx, msg.Sender, choreo.EventCommitment, msg.Payload); err != nil {
			return fail(err)
		}
	}
	cc, _ := choreo.CollectCommitments(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: total})
	if err := m.Transition(cc); err != nil {
		return fail(err)
	}

	var all []Contribution
	for _, a := range cc.Participants {
		all = append(all, Contribution{Participant: a, Value: cc.Commitments[a]})
	}
	if err := rt.Record(ctx, choreo.EventReveal, point); err != nil {
		return fail(err)
	}
	if err := broadcast(ctx, rt, MsgRevealRequest, revealRequestMsg{Commitments: all, Point: point}); err != nil {
		return fail(err)
	}
	for _, role := range participants {
		msg, err := rt.Expect(ctx, role, MsgReveal)
		if err != nil {
			return fail(err)
		}
		if err := rt.Observe(ctx, msg.Sender, choreo.EventReveal, msg.Payload); err != nil {
			return fail(err)
		}
	}
	vr, ok := choreo.VerifyReveals(sid, rt.Evidence(), cc, total, nil)
	if !ok {
		return fail(auraerr.New(auraerr.KindByzantine, op, "reveal does not open its commitment").WithSession(sid))
	}
	if err := m.Transition(vr); err != nil {
		return fail(err)
	}

	reveals := sortedReveals(vr)
	key, err := Aggregate(points(reveals), p.AppID, p.Label)
	if err != nil {
		return fail(err)
	}
	d := digest(key)
	if err := rt.Record(ctx, choreo.EventFinalize, d[:]); err != nil {
		return fail(err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return fail(err)
	}
	if err := broadcast(ctx, rt, MsgKeyDerived, keyDerivedMsg{Reveals: reveals, KeyDigest: d}); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Result{}, err
	}
	return Result{Key: key, Participants: vr.Participants, Session: sid}, nil
}

// Participate runs a participant side of session sid. The app and label
// come from the initiator.
func Participate(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, seed []byte) (Result, error) {
	const op = "dkd.participate"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Result{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Result, error) { return Result{}, rt.Abandon(ctx, m, err) }
	self := rt.Self()
	initiator := roles[RoleInitiator]

	msg, err := rt.Expect(ctx, RoleInitiator, MsgInitiate)
	if err != nil {
		return fail(err)
	}
	var opening initiateMsg
	if err := msg.Decode(&opening); err != nil {
		return fail(err)
	}
	if err := rt.Observe(ctx, initiator, choreo.EventInitiate, []byte(opening.AppID+":"+opening.Label)); err != nil {
		return fail(err)
	}
	if err := rt.Observe(ctx, initiator, choreo.EventCommitment, opening.Commitment); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	point, err := Point(seed, opening.AppID, opening.Label)
	if err != nil {
		return fail(err)
	}
	commit := choreo.HashCommitment(sid, self, point)
	if err := rt.Record(ctx, choreo.EventCommitment, commit); err != nil {
		return fail(err)
	}
	if err := rt.SendToRole(ctx, RoleInitiator, MsgCommitment, commit); err != nil {
		return fail(err)
	}

	msg, err = rt.Expect(ctx, RoleInitiator, MsgRevealRequest)
	if err != nil {
		return fail(err)
	}
	var req revealRequestMsg
	if err := msg.Decode(&req); err != nil {
		return fail(err)
	}
	for _, c := range req.Commitments {
		switch c.Participant {
		case self:
			if !bytes.Equal(c.Value, commit) {
				return fail(auraerr.New(auraerr.KindByzantine, op, "initiator altered our commitment").WithSession(sid))
			}
		case initiator:
			if !bytes.Equal(c.Value, opening.Commitment) {
				return fail(auraerr.New(auraerr.KindByzantine, op, "initiator changed its commitment").WithSession(sid))
			}
		default:
			if err := rt.Observe(ctx, c.Participant, choreo.EventCommitment, c.Value); err != nil {
				return fail(err)
			}
		}
	}
	total := len(req.Commitments)
	cc, ok := choreo.CollectCommitments(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: total})
	if !ok || cc.Count != total {
		return fail(auraerr.New(auraerr.KindChoreography, op, "commitment set incomplete").WithSession(sid))
	}
	if err := m.Transition(cc); err != nil {
		return fail(err)
	}
	if err := rt.Observe(ctx, initiator, choreo.EventReveal, req.Point); err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventReveal, point); err != nil {
		return fail(err)
	}
	if err := rt.SendToRole(ctx, RoleInitiator, MsgReveal, point); err != nil {
		return fail(err)
	}

	msg, err = rt.Expect(ctx, RoleInitiator, MsgKeyDerived)
	if err != nil {
		return fail(err)
	}
	var kd keyDerivedMsg
	if err := msg.Decode(&kd); err != nil {
		return fail(err)
	}
	for _, c := range kd.Reveals {
		if c.Participant == self || c.Participant == initiator {
			continue
		}
		if err := rt.Observe(ctx, c.Participant, choreo.EventReveal, c.Value); err != nil {
			return fail(err)
		}
	}
	vr, ok := choreo.VerifyReveals(sid, rt.Evidence(), cc, total, nil)
	if !ok {
		return fail(auraerr.New(auraerr.KindByzantine, op, "reveal does not open its commitment").WithSession(sid))
	}
	if err := m.Transition(vr); err != nil {
		return fail(err)
	}
	key, err := Aggregate(points(sortedReveals(vr)), opening.AppID, opening.Label)
	if err != nil {
		return fail(err)
	}
	d := digest(key)
	if d != kd.KeyDigest {
		return fail(auraerr.New(auraerr.KindByzantine, op, "derived key differs from initiator's").WithSession(sid))
	}
	if err := rt.Record(ctx, choreo.EventFinalize, d[:]); err != nil {
		return fail(err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Result{}, err
	}
	return Result{Key: key, Participants: vr.Participants, Session: sid}, nil
}

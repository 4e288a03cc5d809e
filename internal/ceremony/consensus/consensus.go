// Package consensus runs threshold FROST signing between a coordinator and
// witnesses holding shares of one group key. The outcome is a CommitFact: a
// message, the prestate it was proposed against and the aggregated
// signature.
package consensus

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/crypto/frost"
	"github.com/Armour007/aura-core/internal/evidence"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/types"
)

const Protocol = "consensus"

const (
	RoleCoordinator choreo.Role = "coordinator"
	RoleWitness     choreo.Role = "witness/"
)

const (
	MsgSignRequest    = "sign_request"
	MsgNonce          = "nonce_commitment"
	MsgSigningPackage = "signing_package"
	MsgShare          = "signature_share"
	MsgResult         = "consensus_result"
)

func Choreography() choreo.Choreography {
	return choreo.Choreography{
		Protocol: Protocol,
		Roles:    []choreo.Role{RoleCoordinator, RoleWitness},
		Messages: []choreo.MessageSpec{
			{Type: MsgSignRequest, From: RoleCoordinator, To: RoleWitness, Capability: "consensus:request"},
			{Type: MsgNonce, From: RoleWitness, To: RoleCoordinator, Capability: "consensus:commit"},
			{Type: MsgSigningPackage, From: RoleCoordinator, To: RoleWitness, Capability: "consensus:request"},
			{Type: MsgShare, From: RoleWitness, To: RoleCoordinator, Capability: "consensus:share"},
			{Type: MsgResult, From: RoleCoordinator, To: RoleWitness, Capability: "consensus:finalize"},
		},
	}
}

// Request is what the coordinator asks witnesses to sign. Payload is an
// optional encoding of the thing Message was derived from, so witnesses can
// check it before signing.
type Request struct {
	Label    string       `cbor:"1,keyasint"`
	Prestate types.Hash32 `cbor:"2,keyasint"`
	Message  []byte       `cbor:"3,keyasint"`
	Payload  []byte       `cbor:"4,keyasint,omitempty"`
}

// ConsensusID names the instance: one prestate and label. Witnesses must
// not back two different messages for the same instance.
func (r Request) ConsensusID() types.Hash32 {
	return crypto.NewHasher().AddString("aura-consensus").Add(r.Prestate[:]).AddString(r.Label).Sum()
}

// ResultID is what a witness votes for.
func (r Request) ResultID() types.Hash32 {
	return crypto.NewHasher().AddString("aura-consensus-result").Add(r.Message).Sum()
}

type Contribution struct {
	Participant types.AuthorityID `cbor:"1,keyasint"`
	Value       []byte            `cbor:"2,keyasint"`
}

type nonceMsg struct {
	Commitment frost.NonceCommitment `cbor:"1,keyasint"`
	ResultID   types.Hash32          `cbor:"2,keyasint"`
}

type packageMsg struct {
	Commitments []frost.NonceCommitment `cbor:"1,keyasint"`
}

type resultMsg struct {
	Fact        CommitFact     `cbor:"1,keyasint"`
	Commitments []Contribution `cbor:"2,keyasint"`
	Shares      []Contribution `cbor:"3,keyasint"`
}

// CommitFact is the agreed outcome.
type CommitFact struct {
	ConsensusID types.Hash32        `cbor:"1,keyasint" json:"consensus_id"`
	Prestate    types.Hash32        `cbor:"2,keyasint" json:"prestate"`
	Label       string              `cbor:"3,keyasint" json:"label"`
	Message     []byte              `cbor:"4,keyasint" json:"message"`
	Signature   []byte              `cbor:"5,keyasint" json:"signature"`
	Signers     []types.AuthorityID `cbor:"6,keyasint" json:"signers"`
	GroupKey    []byte              `cbor:"7,keyasint" json:"group_key"`
}

func (f CommitFact) Verify() error {
	if len(f.Signers) == 0 || !frost.Verify(f.GroupKey, f.Message, f.Signature) {
		return auraerr.New(auraerr.KindByzantine, "consensus.verify", "aggregated signature does not verify").
			WithField("label", f.Label)
	}
	return nil
}

// Relational renders f as a consensus_result fact in context cid.
func (f CommitFact) Relational(cid types.ContextID, nowMs uint64) (journal.Relational, error) {
	b, err := codec.Marshal(f)
	if err != nil {
		return journal.Relational{}, err
	}
	return journal.Relational{Context: cid, Kind: journal.ConsensusResult, Label: f.Label, Payload: b, TimestampMs: nowMs}, nil
}

// Signer holds this party's share.
type Signer struct {
	Share frost.KeyShare
	Rand  io.Reader
}

// CoordinatorOptions. Tracker, when set, receives every witness vote so
// equivocating witnesses produce proofs.
type CoordinatorOptions struct {
	Tracker *evidence.Tracker
}

// opener verifies a revealed signature share against the committed nonce.
func opener(pub frost.PublicPackage, msg []byte, list []frost.NonceCommitment) choreo.Opener {
	return func(_ types.AuthorityID, commitment, reveal []byte) bool {
		var c frost.NonceCommitment
		var s frost.SignatureShare
		if codec.Unmarshal(commitment, &c) != nil || codec.Unmarshal(reveal, &s) != nil || c.ID != s.ID {
			return false
		}
		return frost.VerifyShare(pub, msg, list, s) == nil
	}
}

func isTimeout(err error) bool { return errors.Is(err, choreo.ErrCommunicationTimeout) }

func send(ctx context.Context, rt *choreo.Runtime, role choreo.Role, typ string, v any) error {
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	if role == "" {
		return rt.Broadcast(ctx, typ, b)
	}
	return rt.SendToRole(ctx, role, typ, b)
}

// Coordinate runs the coordinator side: it signs req together with every
// witness that answers in time. Witnesses that time out are left out as
// long as the threshold is still met.
func Coordinate(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, signer Signer, req Request, opts CoordinatorOptions) (CommitFact, error) {
	const op = "consensus.coordinate"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return CommitFact{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (CommitFact, error) { return CommitFact{}, rt.Abandon(ctx, m, err) }
	pub := signer.Share.Public()
	threshold := int(pub.Threshold)
	cid, rid := req.ConsensusID(), req.ResultID()

	if err := rt.Record(ctx, choreo.EventInitiate, rid[:]); err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, "", MsgSignRequest, req); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	nonce, own := frost.Commit(signer.Rand, signer.Share)
	ownBytes, err := codec.Marshal(own)
	if err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventCommitment, ownBytes); err != nil {
		return fail(err)
	}
	list := []frost.NonceCommitment{own}
	var selected []choreo.Role
	for _, role := range roles.Family(RoleWitness) {
		msg, err := rt.Expect(ctx, role, MsgNonce)
		if isTimeout(err) {
			continue
		}
		if err != nil {
			return fail(err)
		}
		var nm nonceMsg
		if err := msg.Decode(&nm); err != nil {
			return fail(err)
		}
		if opts.Tracker != nil {
			if _, err := opts.Tracker.Observe(evidence.Vote{
				Witness: msg.Sender, ConsensusID: cid, PrestateHash: req.Prestate,
				ResultID: nm.ResultID, TimestampMs: msg.TimestampMs,
			}); err != nil {
				return fail(err)
			}
		}
		if nm.ResultID != rid {
			return fail(auraerr.New(auraerr.KindByzantine, op, "witness committed to a different result").
				WithSession(sid).WithAuthority(msg.Sender))
		}
		if _, ok := pub.VerifyingShares[nm.Commitment.ID]; !ok {
			return fail(auraerr.Errorf(auraerr.KindByzantine, op, "identifier %d", nm.Commitment.ID).WithCause(frost.ErrUnknownSigner).
				WithSession(sid).WithAuthority(msg.Sender))
		}
		b, err := codec.Marshal(nm.Commitment)
		if err != nil {
			return fail(err)
		}
		if err := rt.Observe(ctx, msg.Sender, choreo.EventCommitment, b); err != nil {
			return fail(err)
		}
		list = append(list, nm.Commitment)
		selected = append(selected, role)
	}
	cc, ok := choreo.CollectCommitments(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: threshold})
	if !ok {
		return fail(auraerr.Errorf(auraerr.KindChoreography, op, "%d of %d signers answered", len(list), threshold).WithSession(sid))
	}
	if err := m.Transition(cc); err != nil {
		return fail(err)
	}

	for _, role := range selected {
		if err := send(ctx, rt, role, MsgSigningPackage, packageMsg{Commitments: list}); err != nil {
			return fail(err)
		}
	}
	share, err := frost.Sign(signer.Share, nonce, req.Message, list)
	if err != nil {
		return fail(err)
	}
	b, err := codec.Marshal(share)
	if err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventReveal, b); err != nil {
		return fail(err)
	}
	shares := []frost.SignatureShare{share}
	for _, role := range selected {
		msg, err := rt.Expect(ctx, role, MsgShare)
		if err != nil {
			return fail(err)
		}
		var s frost.SignatureShare
		if err := msg.Decode(&s); err != nil {
			return fail(err)
		}
		if err := rt.Observe(ctx, msg.Sender, choreo.EventReveal, msg.Payload); err != nil {
			return fail(err)
		}
		shares = append(shares, s)
	}
	vr, ok := choreo.VerifyReveals(sid, rt.Evidence(), cc, cc.Count, opener(pub, req.Message, list))
	if !ok {
		return fail(auraerr.New(auraerr.KindByzantine, op, "invalid share").WithCause(frost.ErrInvalidShare).WithSession(sid))
	}
	if err := m.Transition(vr); err != nil {
		return fail(err)
	}

	sig, err := frost.Aggregate(pub, req.Message, list, shares)
	if err != nil {
		return fail(err)
	}
	fact := CommitFact{
		ConsensusID: cid, Prestate: req.Prestate, Label: req.Label, Message: req.Message,
		Signature: sig, Signers: vr.Participants, GroupKey: pub.GroupKey,
	}
	if err := rt.Record(ctx, choreo.EventFinalize, sig); err != nil {
		return fail(err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return fail(err)
	}
	res := resultMsg{Fact: fact}
	for _, p := range cc.Participants {
		res.Commitments = append(res.Commitments, Contribution{p, cc.Commitments[p]})
		res.Shares = append(res.Shares, Contribution{p, vr.Reveals[p]})
	}
	if err := send(ctx, rt, "", MsgResult, res); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return CommitFact{}, err
	}
	return fact, nil
}

// Check lets a witness refuse a request before committing to it.
type Check func(ctx context.Context, req Request) error

// Witness runs a witness side. A witness the coordinator left out of the
// signing set still verifies and returns the result.
func Witness(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, signer Signer, check Check) (CommitFact, error) {
	const op = "consensus.witness"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return CommitFact{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (CommitFact, error) { return CommitFact{}, rt.Abandon(ctx, m, err) }
	self := rt.Self()
	coordinator := roles[RoleCoordinator]
	pub := signer.Share.Public()

	msg, err := rt.Expect(ctx, RoleCoordinator, MsgSignRequest)
	if err != nil {
		return fail(err)
	}
	var req Request
	if err := msg.Decode(&req); err != nil {
		return fail(err)
	}
	rid := req.ResultID()
	if err := rt.Observe(ctx, coordinator, choreo.EventInitiate, rid[:]); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}
	if check != nil {
		if err := check(ctx, req); err != nil {
			return fail(err)
		}
	}

	nonce, own := frost.Commit(signer.Rand, signer.Share)
	ownBytes, err := codec.Marshal(own)
	if err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventCommitment, ownBytes); err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, RoleCoordinator, MsgNonce, nonceMsg{Commitment: own, ResultID: rid}); err != nil {
		return fail(err)
	}

	msg, err = rt.ReceiveFromRole(ctx, RoleCoordinator)
	if err != nil {
		return fail(err)
	}
	if msg.Type == MsgSigningPackage {
		var pkg packageMsg
		if err := msg.Decode(&pkg); err != nil {
			return fail(err)
		}
		var mine bool
		for _, c := range pkg.Commitments {
			if c.ID == own.ID {
				mine = bytes.Equal(c.Hiding, own.Hiding) && bytes.Equal(c.Binding, own.Binding)
			}
		}
		if !mine {
			return fail(auraerr.New(auraerr.KindByzantine, op, "signing package does not carry our commitment").WithSession(sid))
		}
		share, err := frost.Sign(signer.Share, nonce, req.Message, pkg.Commitments)
		if err != nil {
			return fail(err)
		}
		b, err := codec.Marshal(share)
		if err != nil {
			return fail(err)
		}
		if err := rt.Record(ctx, choreo.EventReveal, b); err != nil {
			return fail(err)
		}
		if err := rt.SendToRole(ctx, RoleCoordinator, MsgShare, b); err != nil {
			return fail(err)
		}
		if msg, err = rt.Expect(ctx, RoleCoordinator, MsgResult); err != nil {
			return fail(err)
		}
	}
	if msg.Type != MsgResult {
		return fail(auraerr.Errorf(auraerr.KindProtocolViolation, op, "unexpected %q", msg.Type).WithSession(sid))
	}
	var res resultMsg
	if err := msg.Decode(&res); err != nil {
		return fail(err)
	}
	if !bytes.Equal(res.Fact.Message, req.Message) || !bytes.Equal(res.Fact.GroupKey, pub.GroupKey) {
		return fail(auraerr.New(auraerr.KindByzantine, op, "result does not match the request").WithSession(sid))
	}

	signers := make([]types.AuthorityID, 0, len(res.Commitments))
	var list []frost.NonceCommitment
	for _, c := range res.Commitments {
		signers = append(signers, c.Participant)
		var nc frost.NonceCommitment
		if err := codec.Unmarshal(c.Value, &nc); err != nil {
			return fail(err)
		}
		list = append(list, nc)
		if c.Participant == self {
			continue
		}
		if err := rt.Observe(ctx, c.Participant, choreo.EventCommitment, c.Value); err != nil {
			return fail(err)
		}
	}
	cc, ok := choreo.CollectCommitments(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: len(signers), Authorized: signers})
	if !ok {
		return fail(auraerr.New(auraerr.KindChoreography, op, "commitment set incomplete").WithSession(sid))
	}
	if err := m.Transition(cc); err != nil {
		return fail(err)
	}
	for _, s := range res.Shares {
		if s.Participant == self {
			continue
		}
		if err := rt.Observe(ctx, s.Participant, choreo.EventReveal, s.Value); err != nil {
			return fail(err)
		}
	}
	vr, ok := choreo.VerifyReveals(sid, rt.Evidence(), cc, cc.Count, opener(pub, req.Message, list))
	if !ok {
		return fail(auraerr.New(auraerr.KindByzantine, op, "invalid share").WithCause(frost.ErrInvalidShare).WithSession(sid))
	}
	if err := m.Transition(vr); err != nil {
		return fail(err)
	}
	if err := res.Fact.Verify(); err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventFinalize, res.Fact.Signature); err != nil {
		return fail(err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return CommitFact{}, err
	}
	return res.Fact, nil
}

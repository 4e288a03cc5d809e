// Package guardianauth collects guardian approvals for an account
// operation. A coordinator challenges each guardian to prove its identity,
// gathers signed approve/deny decisions and reports the outcome to the
// requesting account and to the guardians.
package guardianauth

import (
	"context"
	"crypto/ed25519"
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/types"
)

const Protocol = "guardian_auth"

const (
	RoleAccount     choreo.Role = "account"
	RoleCoordinator choreo.Role = "coordinator"
	RoleGuardian    choreo.Role = "guardian/"
)

const (
	MsgApprovalRequest = "approval_request"
	MsgChallenge       = "guardian_challenge"
	MsgProof           = "proof_submission"
	MsgDecision        = "approval_decision"
	MsgResult          = "approval_result"
	MsgNotice          = "approval_notice"
)

func Choreography() choreo.Choreography {
	return choreo.Choreography{
		Protocol: Protocol,
		Roles:    []choreo.Role{RoleAccount, RoleCoordinator, RoleGuardian},
		Messages: []choreo.MessageSpec{
			{Type: MsgApprovalRequest, From: RoleAccount, To: RoleCoordinator, Capability: "guardian:request", FlowCost: 100},
			{Type: MsgChallenge, From: RoleCoordinator, To: RoleGuardian, Capability: "guardian:challenge", FlowCost: 150},
			{Type: MsgProof, From: RoleGuardian, To: RoleCoordinator, Capability: "guardian:proof", FlowCost: 200},
			{Type: MsgDecision, From: RoleGuardian, To: RoleCoordinator, Capability: "guardian:decide", FlowCost: 250},
			{Type: MsgResult, From: RoleCoordinator, To: RoleAccount, Capability: "guardian:grant", FlowCost: 300},
			{Type: MsgNotice, From: RoleCoordinator, To: RoleGuardian, Capability: "guardian:notify", FlowCost: 100},
		},
	}
}

// Operation is what the guardians are asked to allow.
type Operation string

const (
	OpDeviceKeyRecovery Operation = "device_key_recovery"
	OpAccountAccess     Operation = "account_access_recovery"
	OpGuardianSetChange Operation = "guardian_set_modification"
	OpEmergencyFreeze   Operation = "emergency_freeze"
	OpAccountUnfreeze   Operation = "account_unfreeze"
)

// Request is sent by the account. Required is the number of approvals
// needed.
type Request struct {
	Account       types.AuthorityID `cbor:"1,keyasint" json:"account"`
	Device        types.DeviceID    `cbor:"2,keyasint" json:"device"`
	Operation     Operation         `cbor:"3,keyasint" json:"operation"`
	Justification string            `cbor:"4,keyasint" json:"justification"`
	Emergency     bool              `cbor:"5,keyasint" json:"emergency"`
	Required      int               `cbor:"6,keyasint" json:"required"`
	TimestampMs   uint64            `cbor:"7,keyasint" json:"timestamp_ms"`
}

func (r Request) Hash() types.Hash32 {
	b, _ := codec.Marshal(r)
	return crypto.NewHasher().AddString("aura-guardian-request").Add(b).Sum()
}

type challenge struct {
	Request Request `cbor:"1,keyasint"`
	Nonce   []byte  `cbor:"2,keyasint"`
}

type proof struct {
	Signature []byte `cbor:"1,keyasint"`
}

// Approval is one guardian's signed decision.
type Approval struct {
	Guardian      types.AuthorityID `cbor:"1,keyasint" json:"guardian"`
	RequestHash   types.Hash32      `cbor:"2,keyasint" json:"request_hash"`
	Approved      bool              `cbor:"3,keyasint" json:"approved"`
	Justification string            `cbor:"4,keyasint,omitempty" json:"justification,omitempty"`
	TimestampMs   uint64            `cbor:"5,keyasint" json:"timestamp_ms"`
	Signature     []byte            `cbor:"6,keyasint" json:"signature"`
}

func (a Approval) signingBytes() []byte {
	u := a
	u.Signature = nil
	b, _ := codec.Marshal(u)
	return append([]byte("aura-guardian-approval:"), b...)
}

// Response is the outcome every party returns.
type Response struct {
	Request   Request    `cbor:"1,keyasint" json:"request"`
	Approvals []Approval `cbor:"2,keyasint" json:"approvals"`
	Approved  bool       `cbor:"3,keyasint" json:"approved"`
	Reason    string     `cbor:"4,keyasint,omitempty" json:"reason,omitempty"`
}

// Keys resolves a guardian's identity key.
type Keys func(types.AuthorityID) (ed25519.PublicKey, bool)

func challengeBytes(sid types.SessionID, nonce []byte) []byte {
	h := crypto.NewHasher().AddString("aura-guardian-challenge").Add(sid[:]).Add(nonce).Sum()
	return h[:]
}

// verify checks approvals against keys and counts distinct approvers.
func verify(resp Response, keys Keys, allowed map[types.AuthorityID]bool) (int, error) {
	const op = "guardianauth.verify"
	want := resp.Request.Hash()
	seen := map[types.AuthorityID]bool{}
	approved := 0
	for _, a := range resp.Approvals {
		if !allowed[a.Guardian] || seen[a.Guardian] {
			return 0, auraerr.New(auraerr.KindByzantine, op, "approval from unexpected or repeated guardian").WithAuthority(a.Guardian)
		}
		seen[a.Guardian] = true
		pub, ok := keys(a.Guardian)
		if !ok {
			return 0, auraerr.New(auraerr.KindAuthentication, op, "unknown guardian key").WithAuthority(a.Guardian)
		}
		if a.RequestHash != want || !crypto.Verify(pub, a.signingBytes(), a.Signature) {
			return 0, auraerr.New(auraerr.KindAuthentication, op, "guardian approval signature invalid").WithAuthority(a.Guardian)
		}
		if a.Approved {
			approved++
		}
	}
	return approved, nil
}

func guardianSet(roles choreo.RoleMap) map[types.AuthorityID]bool {
	out := map[types.AuthorityID]bool{}
	for _, r := range roles.Family(RoleGuardian) {
		out[roles[r]] = true
	}
	return out
}

func send(ctx context.Context, rt *choreo.Runtime, role choreo.Role, typ string, v any) error {
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return rt.SendToRole(ctx, role, typ, b)
}

// RequestApproval runs the account side. A denied request returns the
// response with Approved false and a nil error.
func RequestApproval(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, req Request, keys Keys) (Response, error) {
	const op = "guardianauth.request"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Response{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Response, error) { return Response{}, rt.Abandon(ctx, m, err) }
	h := req.Hash()
	if err := rt.Record(ctx, choreo.EventInitiate, h[:]); err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, RoleCoordinator, MsgApprovalRequest, req); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}
	msg, err := rt.Expect(ctx, RoleCoordinator, MsgResult)
	if err != nil {
		return fail(err)
	}
	var resp Response
	if err := msg.Decode(&resp); err != nil {
		return fail(err)
	}
	if resp.Request.Hash() != h {
		return fail(auraerr.New(auraerr.KindByzantine, op, "result answers another request").WithSession(sid))
	}
	return conclude(ctx, rt, m, sid, resp, keys, guardianSet(roles))
}

// conclude checks a reported outcome against the signed approvals and
// closes the session accordingly.
func conclude(ctx context.Context, rt *choreo.Runtime, m *choreo.Machine, sid types.SessionID, resp Response, keys Keys, guardians map[types.AuthorityID]bool) (Response, error) {
	const op = "guardianauth.conclude"
	approved, err := verify(resp, keys, guardians)
	if err != nil {
		return Response{}, rt.Abandon(ctx, m, err)
	}
	if resp.Approved != (approved >= resp.Request.Required) {
		return Response{}, rt.Abandon(ctx, m, auraerr.New(auraerr.KindByzantine, op, "outcome contradicts the approvals").WithSession(sid))
	}
	for _, a := range resp.Approvals {
		if a.Approved && a.Guardian != rt.Self() {
			if err := rt.Observe(ctx, a.Guardian, choreo.EventApproval, a.RequestHash[:]); err != nil {
				return Response{}, rt.Abandon(ctx, m, err)
			}
		}
	}
	if !resp.Approved {
		_ = m.Fail(resp.Reason)
		if _, err := rt.AbortSession(ctx, resp.Reason); err != nil {
			return Response{}, err
		}
		return resp, nil
	}
	at, ok := choreo.CheckApprovals(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: resp.Request.Required})
	if !ok {
		return Response{}, rt.Abandon(ctx, m, auraerr.New(auraerr.KindChoreography, op, "approval threshold not evidenced").WithSession(sid))
	}
	if err := m.Transition(at); err != nil {
		return Response{}, rt.Abandon(ctx, m, err)
	}
	h := resp.Request.Hash()
	if err := rt.Record(ctx, choreo.EventFinalize, h[:]); err != nil {
		return Response{}, rt.Abandon(ctx, m, err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return Response{}, rt.Abandon(ctx, m, err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Response{}, err
	}
	return resp, nil
}

// Coordinate runs the coordinator side. Guardians that fail the identity
// challenge are reported as authentication errors.
func Coordinate(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, keys Keys, rand io.Reader) (Response, error) {
	const op = "guardianauth.coordinate"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Response{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Response, error) { return Response{}, rt.Abandon(ctx, m, err) }
	guardians := roles.Family(RoleGuardian)

	msg, err := rt.Expect(ctx, RoleAccount, MsgApprovalRequest)
	if err != nil {
		return fail(err)
	}
	var req Request
	if err := msg.Decode(&req); err != nil {
		return fail(err)
	}
	if req.Required < 1 || req.Required > len(guardians) {
		return fail(auraerr.Errorf(auraerr.KindInvalid, op, "need %d approvals from %d guardians", req.Required, len(guardians)).WithSession(sid))
	}
	if req.Emergency && req.Operation != OpEmergencyFreeze {
		return fail(auraerr.Errorf(auraerr.KindInvalid, op, "%s cannot be requested as an emergency", req.Operation).WithSession(sid))
	}
	h := req.Hash()
	if err := rt.Observe(ctx, msg.Sender, choreo.EventInitiate, h[:]); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	nonces := map[choreo.Role][]byte{}
	for _, role := range guardians {
		nonce := make([]byte, 32)
		if _, err := io.ReadFull(rand, nonce); err != nil {
			return fail(auraerr.Wrap(auraerr.KindInvalid, op, err))
		}
		nonces[role] = nonce
		if err := send(ctx, rt, role, MsgChallenge, challenge{Request: req, Nonce: nonce}); err != nil {
			return fail(err)
		}
	}
	resp := Response{Request: req}
	for _, role := range guardians {
		id := roles[role]
		msg, err := rt.Expect(ctx, role, MsgProof)
		if err != nil {
			return fail(err)
		}
		var p proof
		if err := msg.Decode(&p); err != nil {
			return fail(err)
		}
		pub, ok := keys(id)
		if !ok || !crypto.Verify(pub, challengeBytes(sid, nonces[role]), p.Signature) {
			return fail(auraerr.New(auraerr.KindAuthentication, op, "guardian failed identity challenge").WithSession(sid).WithAuthority(id))
		}
		if msg, err = rt.Expect(ctx, role, MsgDecision); err != nil {
			return fail(err)
		}
		var a Approval
		if err := msg.Decode(&a); err != nil {
			return fail(err)
		}
		if a.Guardian != id {
			return fail(auraerr.New(auraerr.KindByzantine, op, "decision signed for another guardian").WithSession(sid).WithAuthority(id))
		}
		resp.Approvals = append(resp.Approvals, a)
	}
	approved, err := verify(resp, keys, guardianSet(roles))
	if err != nil {
		return fail(err)
	}
	resp.Approved = approved >= req.Required
	if !resp.Approved {
		resp.Reason = "insufficient guardian approvals"
	}
	if err := send(ctx, rt, RoleAccount, MsgResult, resp); err != nil {
		return fail(err)
	}
	for _, role := range guardians {
		if err := send(ctx, rt, role, MsgNotice, resp); err != nil {
			return fail(err)
		}
	}
	return conclude(ctx, rt, m, sid, resp, keys, guardianSet(roles))
}

// Decide is a guardian's policy for a request.
type Decide func(ctx context.Context, req Request) (approve bool, justification string)

// Guard runs a guardian side: answer the identity challenge, then send a
// signed decision.
func Guard(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, signer crypto.Signer, keys Keys, decide Decide) (Response, error) {
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Response{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Response, error) { return Response{}, rt.Abandon(ctx, m, err) }

	msg, err := rt.Expect(ctx, RoleCoordinator, MsgChallenge)
	if err != nil {
		return fail(err)
	}
	var c challenge
	if err := msg.Decode(&c); err != nil {
		return fail(err)
	}
	h := c.Request.Hash()
	if err := rt.Observe(ctx, c.Request.Account, choreo.EventInitiate, h[:]); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}
	sig, err := signer.Sign(ctx, challengeBytes(sid, c.Nonce))
	if err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, RoleCoordinator, MsgProof, proof{Signature: sig}); err != nil {
		return fail(err)
	}

	approve, why := decide(ctx, c.Request)
	a := Approval{Guardian: rt.Self(), RequestHash: h, Approved: approve, Justification: why, TimestampMs: rt.Clock().NowMs()}
	if a.Signature, err = signer.Sign(ctx, a.signingBytes()); err != nil {
		return fail(err)
	}
	if approve {
		if err := rt.Record(ctx, choreo.EventApproval, h[:]); err != nil {
			return fail(err)
		}
	}
	if err := send(ctx, rt, RoleCoordinator, MsgDecision, a); err != nil {
		return fail(err)
	}

	if msg, err = rt.Expect(ctx, RoleCoordinator, MsgNotice); err != nil {
		return fail(err)
	}
	var resp Response
	if err := msg.Decode(&resp); err != nil {
		return fail(err)
	}
	if resp.Request.Hash() != h {
		return fail(auraerr.New(auraerr.KindByzantine, "guardianauth.guard", "notice answers another request").WithSession(sid))
	}
	return conclude(ctx, rt, m, sid, resp, keys, guardianSet(roles))
}

// Package recovery runs k-of-n guardian approval for an account recovery
// operation. The ceremony is bound to the account's tree commitment at the
// time of the request; a quorum of signed approvals is committed as a
// recovery_grant fact in the journal.
package recovery

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/types"
)

const Protocol = "recovery"

const (
	RoleInitiator choreo.Role = "initiator"
	RoleGuardian  choreo.Role = "guardian/"
)

const (
	MsgRequest  = "recovery_request"
	MsgApproval = "recovery_approval"
	MsgCommit   = "commit_recovery"
	MsgAbort    = "abort_recovery"
)

func Choreography() choreo.Choreography {
	return choreo.Choreography{
		Protocol: Protocol,
		Roles:    []choreo.Role{RoleInitiator, RoleGuardian},
		Messages: []choreo.MessageSpec{
			{Type: MsgRequest, From: RoleInitiator, To: RoleGuardian, Capability: "recovery:request", FlowCost: 150},
			{Type: MsgApproval, From: RoleGuardian, To: RoleInitiator, Capability: "recovery:approve", FlowCost: 200},
			{Type: MsgCommit, From: RoleInitiator, To: RoleGuardian, Capability: "recovery:commit", FlowCost: 300},
			{Type: MsgAbort, From: RoleInitiator, To: RoleGuardian, Capability: "recovery:abort", FlowCost: 100},
		},
	}
}

type OperationKind string

const (
	ReplaceTree     OperationKind = "replace_tree"
	AddDevice       OperationKind = "add_device"
	RemoveDevice    OperationKind = "remove_device"
	UpdateGuardians OperationKind = "update_guardians"
	EmergencyFreeze OperationKind = "emergency_freeze"
	Unfreeze        OperationKind = "unfreeze"
)

// Operation is the change the guardians are asked to authorize. Only the
// fields of its kind are set.
type Operation struct {
	Kind            OperationKind `cbor:"1,keyasint" json:"kind"`
	NewTreeRoot     types.Hash32  `cbor:"2,keyasint,omitempty" json:"new_tree_root,omitempty"`
	DevicePublicKey []byte        `cbor:"3,keyasint,omitempty" json:"device_public_key,omitempty"`
	LeafIndex       uint32        `cbor:"4,keyasint,omitempty" json:"leaf_index,omitempty"`
	NewThreshold    uint16        `cbor:"5,keyasint,omitempty" json:"new_threshold,omitempty"`
}

type Request struct {
	Account       types.AuthorityID `cbor:"1,keyasint" json:"account"`
	Operation     Operation         `cbor:"2,keyasint" json:"operation"`
	Justification string            `cbor:"3,keyasint" json:"justification"`
	Prestate      types.Hash32      `cbor:"4,keyasint" json:"prestate"`
	RequestedAtMs uint64            `cbor:"5,keyasint" json:"requested_at_ms"`
}

func (r Request) Hash() (types.Hash32, error) {
	b, err := codec.Marshal(r)
	if err != nil {
		return types.Hash32{}, err
	}
	return crypto.Hash(b), nil
}

// CeremonyID is H(prestate || request hash || nonce), nonce little-endian.
func CeremonyID(prestate, request types.Hash32, nonce uint64) types.Hash32 {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	return crypto.NewHasher().Add(prestate[:]).Add(request[:]).Add(n[:]).Sum()
}

type proposal struct {
	CeremonyID types.Hash32 `cbor:"1,keyasint"`
	Request    Request      `cbor:"2,keyasint"`
	Nonce      uint64       `cbor:"3,keyasint"`
	Threshold  int          `cbor:"4,keyasint"`
}

// Approval is a guardian's signed decision, bound to the tree commitment
// the guardian saw.
type Approval struct {
	CeremonyID      types.Hash32      `cbor:"1,keyasint" json:"ceremony_id"`
	Guardian        types.AuthorityID `cbor:"2,keyasint" json:"guardian"`
	Approved        bool              `cbor:"3,keyasint" json:"approved"`
	RejectionReason string            `cbor:"4,keyasint,omitempty" json:"rejection_reason,omitempty"`
	Prestate        types.Hash32      `cbor:"5,keyasint" json:"prestate"`
	ApprovedAtMs    uint64            `cbor:"6,keyasint" json:"approved_at_ms"`
	Signature       []byte            `cbor:"7,keyasint" json:"signature"`
}

func (a Approval) signingBytes() ([]byte, error) {
	u := a
	u.Signature = nil
	b, err := codec.Marshal(u)
	if err != nil {
		return nil, err
	}
	return append([]byte("aura-recovery-approval:"), b...), nil
}

// Grant is the payload of a recovery_grant fact.
type Grant struct {
	CeremonyID types.Hash32 `cbor:"1,keyasint" json:"ceremony_id"`
	Request    Request      `cbor:"2,keyasint" json:"request"`
	Threshold  int          `cbor:"3,keyasint" json:"threshold"`
	Approvals  []Approval   `cbor:"4,keyasint" json:"approvals"`
}

// Approvers lists the guardians that approved.
func (g Grant) Approvers() []types.AuthorityID {
	var out []types.AuthorityID
	for _, a := range g.Approvals {
		if a.Approved {
			out = append(out, a.Guardian)
		}
	}
	return out
}

// DecodeGrant reads a recovery_grant fact.
func DecodeGrant(f journal.Fact) (Grant, error) {
	if f.Kind != journal.FactRelational || f.Relational == nil || f.Relational.Kind != journal.RecoveryGrant {
		return Grant{}, auraerr.New(auraerr.KindInvalid, "recovery.decode_grant", "not a recovery grant")
	}
	var g Grant
	err := codec.Unmarshal(f.Relational.Payload, &g)
	return g, err
}

type abort struct {
	CeremonyID types.Hash32 `cbor:"1,keyasint"`
	Reason     string       `cbor:"2,keyasint"`
}

// Outcome is what every party returns. Grant is set once committed.
type Outcome struct {
	CeremonyID types.Hash32
	Request    Request
	Approvals  []Approval
	Committed  bool
	Reason     string
	Grant      *journal.Fact
}

// Keys resolves a guardian's signing key.
type Keys func(types.AuthorityID) (ed25519.PublicKey, bool)

// Config is shared by both sides. Device and SignFact sign the grant fact
// on the initiator.
type Config struct {
	Store                *journal.Store
	Keys                 Keys
	Threshold            int
	AllowEmergencyBypass bool
	Device               types.DeviceID
	SignFact             func([]byte) ([]byte, error)
}

func (c Config) threshold(op OperationKind) int {
	if c.AllowEmergencyBypass && op == EmergencyFreeze {
		return 1
	}
	return c.Threshold
}

// Prestate is the account's current tree commitment.
func Prestate(store *journal.Store, account types.AuthorityID) (types.Hash32, error) {
	st, err := store.TreeState(account)
	if err != nil {
		return types.Hash32{}, err
	}
	return st.Commitment, nil
}

// checkApproval verifies a single approval for ceremony cid.
func checkApproval(a Approval, cid, prestate types.Hash32, keys Keys) error {
	const op = "recovery.check_approval"
	if a.CeremonyID != cid {
		return auraerr.New(auraerr.KindInvalid, op, "approval is for a different ceremony").WithAuthority(a.Guardian)
	}
	pub, ok := keys(a.Guardian)
	if !ok {
		return auraerr.New(auraerr.KindAuthentication, op, "unknown guardian key").WithAuthority(a.Guardian)
	}
	msg, err := a.signingBytes()
	if err != nil {
		return err
	}
	if !crypto.Verify(pub, msg, a.Signature) {
		return auraerr.New(auraerr.KindAuthentication, op, "approval signature invalid").WithAuthority(a.Guardian)
	}
	if a.Prestate != prestate {
		return auraerr.New(auraerr.KindInvalid, op, "prestate changed since the request").WithAuthority(a.Guardian)
	}
	return nil
}

// verifyGrant checks a grant against the guardian set.
func verifyGrant(g Grant, guardians map[types.AuthorityID]bool, keys Keys) error {
	const op = "recovery.verify_grant"
	seen := map[types.AuthorityID]bool{}
	approved := 0
	for _, a := range g.Approvals {
		if !guardians[a.Guardian] || seen[a.Guardian] {
			return auraerr.New(auraerr.KindAuthorization, op, "approval from outside the guardian set").WithAuthority(a.Guardian)
		}
		seen[a.Guardian] = true
		if err := checkApproval(a, g.CeremonyID, g.Request.Prestate, keys); err != nil {
			return err
		}
		if a.Approved {
			approved++
		}
	}
	if g.Threshold < 1 || approved < g.Threshold {
		return auraerr.Errorf(auraerr.KindByzantine, op, "grant carries %d of %d approvals", approved, g.Threshold)
	}
	return nil
}

func guardianSet(roles choreo.RoleMap) map[types.AuthorityID]bool {
	out := map[types.AuthorityID]bool{}
	for _, r := range roles.Family(RoleGuardian) {
		out[roles[r]] = true
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

func isTimeout(err error) bool { return errors.Is(err, choreo.ErrCommunicationTimeout) }

// Initiate runs the initiator. It collects one approval per guardian,
// leaving out guardians that stay silent, and commits the grant once the
// threshold is met. A request that falls short is aborted and returned
// with a nil error.
func Initiate(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, cfg Config, req Request) (Outcome, error) {
	const op = "recovery.initiate"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Outcome{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Outcome, error) { return Outcome{}, rt.Abandon(ctx, m, err) }
	guardians := roles.Family(RoleGuardian)
	threshold := cfg.threshold(req.Operation.Kind)
	if len(guardians) == 0 || threshold < 1 || threshold > len(guardians) {
		return fail(auraerr.Errorf(auraerr.KindInvalid, op, "threshold %d with %d guardians", threshold, len(guardians)).WithSession(sid))
	}
	current, err := Prestate(cfg.Store, req.Account)
	if err != nil {
		return fail(err)
	}
	if req.Prestate != current {
		return fail(auraerr.New(auraerr.KindInvalid, op, "request prestate does not match the current tree").WithSession(sid).WithAuthority(req.Account))
	}
	rh, err := req.Hash()
	if err != nil {
		return fail(err)
	}
	nonce := rt.Clock().NowMs()
	out := Outcome{CeremonyID: CeremonyID(current, rh, nonce), Request: req}
	cid := out.CeremonyID

	if err := rt.Record(ctx, choreo.EventInitiate, cid[:]); err != nil {
		return fail(err)
	}
	if err := broadcast(ctx, rt, MsgRequest, proposal{CeremonyID: cid, Request: req, Nonce: nonce, Threshold: threshold}); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	approved := 0
	for _, role := range guardians {
		msg, err := rt.Expect(ctx, role, MsgApproval)
		if isTimeout(err) {
			continue
		}
		if err != nil {
			return fail(err)
		}
		var a Approval
		if err := msg.Decode(&a); err != nil {
			return fail(err)
		}
		if a.Guardian != roles[role] {
			return fail(auraerr.New(auraerr.KindAuthorization, op, "guardian not part of this ceremony").WithSession(sid).WithAuthority(a.Guardian))
		}
		if err := checkApproval(a, cid, current, cfg.Keys); err != nil {
			// Best effort so guardians stop waiting; err is what matters.
			_ = broadcast(ctx, rt, MsgAbort, abort{CeremonyID: cid, Reason: err.Error()})
			return fail(err)
		}
		out.Approvals = append(out.Approvals, a)
		if a.Approved {
			approved++
			if err := rt.Observe(ctx, a.Guardian, choreo.EventApproval, cid[:]); err != nil {
				return fail(err)
			}
		}
	}

	if approved < threshold {
		out.Reason = "insufficient guardian approvals"
		if err := broadcast(ctx, rt, MsgAbort, abort{CeremonyID: cid, Reason: out.Reason}); err != nil {
			return fail(err)
		}
		_ = m.Fail(out.Reason)
		if _, err := rt.AbortSession(ctx, out.Reason); err != nil {
			return Outcome{}, err
		}
		return out, nil
	}
	at, ok := choreo.CheckApprovals(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: threshold})
	if !ok {
		return fail(auraerr.New(auraerr.KindChoreography, op, "approvals not evidenced").WithSession(sid))
	}
	if err := m.Transition(at); err != nil {
		return fail(err)
	}

	grant := Grant{CeremonyID: cid, Request: req, Threshold: threshold, Approvals: out.Approvals}
	payload, err := codec.Marshal(grant)
	if err != nil {
		return fail(err)
	}
	f := journal.NewRelationalFact(req.Account, journal.Relational{
		Context:     types.ContextFromHash(cid),
		Kind:        journal.RecoveryGrant,
		Label:       string(req.Operation.Kind),
		Payload:     payload,
		TimestampMs: rt.Clock().NowMs(),
	})
	if err := f.Sign(cfg.Device, cfg.SignFact); err != nil {
		return fail(err)
	}
	if err := commit(ctx, rt, m, sid, cfg.Store, f); err != nil {
		return fail(err)
	}
	if err := broadcast(ctx, rt, MsgCommit, f); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Outcome{}, err
	}
	out.Committed = true
	out.Grant = &f
	return out, nil
}

// commit merges the grant and finalizes on its content id.
func commit(ctx context.Context, rt *choreo.Runtime, m *choreo.Machine, sid types.SessionID, store *journal.Store, f journal.Fact) error {
	if _, err := store.Merge(ctx, []journal.Fact{f}); err != nil {
		return err
	}
	c, err := f.CID()
	if err != nil {
		return err
	}
	if err := rt.Record(ctx, choreo.EventFinalize, c[:]); err != nil {
		return err
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	return m.Transition(done)
}

// Decide is a guardian's policy for a request.
type Decide func(ctx context.Context, req Request) (approve bool, reason string)

// Approve runs a guardian: it signs a decision bound to its own view of
// the account's tree, then merges the grant or accepts the abort.
func Approve(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, cfg Config, signer crypto.Signer, decide Decide) (Outcome, error) {
	const op = "recovery.approve"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Outcome{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Outcome, error) { return Outcome{}, rt.Abandon(ctx, m, err) }

	msg, err := rt.Expect(ctx, RoleInitiator, MsgRequest)
	if err != nil {
		return fail(err)
	}
	var p proposal
	if err := msg.Decode(&p); err != nil {
		return fail(err)
	}
	rh, err := p.Request.Hash()
	if err != nil {
		return fail(err)
	}
	if CeremonyID(p.Request.Prestate, rh, p.Nonce) != p.CeremonyID {
		return fail(auraerr.New(auraerr.KindProtocolViolation, op, "ceremony id does not bind the request").WithSession(sid))
	}
	cid := p.CeremonyID
	out := Outcome{CeremonyID: cid, Request: p.Request}
	if err := rt.Observe(ctx, msg.Sender, choreo.EventInitiate, cid[:]); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	prestate, err := Prestate(cfg.Store, p.Request.Account)
	if err != nil {
		return fail(err)
	}
	approve, reason := decide(ctx, p.Request)
	if approve && prestate != p.Request.Prestate {
		approve, reason = false, "prestate mismatch"
	}
	a := Approval{CeremonyID: cid, Guardian: rt.Self(), Approved: approve, Prestate: prestate, ApprovedAtMs: rt.Clock().NowMs()}
	if !approve {
		a.RejectionReason = reason
	}
	sb, err := a.signingBytes()
	if err != nil {
		return fail(err)
	}
	if a.Signature, err = signer.Sign(ctx, sb); err != nil {
		return fail(err)
	}
	if approve {
		if err := rt.Record(ctx, choreo.EventApproval, cid[:]); err != nil {
			return fail(err)
		}
	}
	b, err := codec.Marshal(a)
	if err != nil {
		return fail(err)
	}
	if err := rt.SendToRole(ctx, RoleInitiator, MsgApproval, b); err != nil {
		return fail(err)
	}

	if msg, err = rt.ReceiveFromRole(ctx, RoleInitiator); err != nil {
		return fail(err)
	}
	switch msg.Type {
	case MsgAbort:
		var ab abort
		if err := msg.Decode(&ab); err != nil {
			return fail(err)
		}
		out.Reason = ab.Reason
		_ = m.Fail(ab.Reason)
		if _, err := rt.AbortSession(ctx, ab.Reason); err != nil {
			return Outcome{}, err
		}
		return out, nil
	case MsgCommit:
	default:
		return fail(auraerr.Errorf(auraerr.KindProtocolViolation, op, "unexpected %s", msg.Type).WithSession(sid))
	}

	var f journal.Fact
	if err := msg.Decode(&f); err != nil {
		return fail(err)
	}
	g, err := DecodeGrant(f)
	if err != nil {
		return fail(err)
	}
	if g.CeremonyID != cid {
		return fail(auraerr.New(auraerr.KindByzantine, op, "grant is for a different ceremony").WithSession(sid))
	}
	if err := verifyGrant(g, guardianSet(roles), cfg.Keys); err != nil {
		return fail(err)
	}
	for _, id := range g.Approvers() {
		if id != rt.Self() {
			if err := rt.Observe(ctx, id, choreo.EventApproval, cid[:]); err != nil {
				return fail(err)
			}
		}
	}
	at, ok := choreo.CheckApprovals(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: g.Threshold})
	if !ok {
		return fail(auraerr.New(auraerr.KindChoreography, op, "approvals not evidenced").WithSession(sid))
	}
	if err := m.Transition(at); err != nil {
		return fail(err)
	}
	if err := commit(ctx, rt, m, sid, cfg.Store, f); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Outcome{}, err
	}
	out.Approvals = g.Approvals
	out.Committed = true
	out.Grant = &f
	return out, nil
}

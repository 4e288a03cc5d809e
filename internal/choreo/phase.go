package choreo

import (
	"bytes"
	"sort"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/types"
)

type Phase uint8

const (
	PhaseInitialization Phase = iota
	PhaseCommitment
	PhaseReveal
	PhaseFinalization
	PhaseCompletion
	PhaseFailure
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialization:
		return "initialization"
	case PhaseCommitment:
		return "commitment"
	case PhaseReveal:
		return "reveal"
	case PhaseFinalization:
		return "finalization"
	case PhaseCompletion:
		return "completion"
	case PhaseFailure:
		return "failure"
	}
	return "unknown"
}

func (p Phase) Final() bool { return p == PhaseCompletion || p == PhaseFailure }

// Witness is evidence that one phase transition is justified. Witnesses
// are only produced by the Check/Collect/Verify functions below, which read
// the session's event log.
type Witness interface {
	Describe() string
	edge() (from, to Phase)
	sessionID() types.SessionID
	verified() bool
}

type proof struct {
	session types.SessionID
	ok      bool
}

func (p proof) sessionID() types.SessionID { return p.session }
func (p proof) verified() bool             { return p.ok }

// Initiated: an initiator opened the session.
type Initiated struct {
	proof
	Initiator types.AuthorityID
	Payload   []byte
}

func (Initiated) Describe() string     { return "session initiated" }
func (Initiated) edge() (Phase, Phase) { return PhaseInitialization, PhaseCommitment }

// CollectedCommitments: at least Threshold distinct participants committed.
type CollectedCommitments struct {
	proof
	Count        int
	Threshold    int
	Participants []types.AuthorityID
	Commitments  map[types.AuthorityID][]byte
}

func (CollectedCommitments) Describe() string     { return "sufficient commitments collected" }
func (CollectedCommitments) edge() (Phase, Phase) { return PhaseCommitment, PhaseReveal }

// VerifiedReveals: at least Threshold committed participants revealed
// values that open their commitments.
type VerifiedReveals struct {
	proof
	Count        int
	Threshold    int
	Participants []types.AuthorityID
	Reveals      map[types.AuthorityID][]byte
}

func (VerifiedReveals) Describe() string     { return "sufficient reveals verified" }
func (VerifiedReveals) edge() (Phase, Phase) { return PhaseReveal, PhaseFinalization }

// ApprovalThreshold: a quorum approved. Approval ceremonies have no
// reveal round, so this moves commitment straight to finalization.
type ApprovalThreshold struct {
	proof
	Count     int
	Threshold int
	Approvers []types.AuthorityID
}

func (ApprovalThreshold) Describe() string     { return "approval threshold met" }
func (ApprovalThreshold) edge() (Phase, Phase) { return PhaseCommitment, PhaseFinalization }

// Completed: a single, non-empty result was finalized.
type Completed struct {
	proof
	Result []byte
}

func (Completed) Describe() string     { return "ceremony finalized" }
func (Completed) edge() (Phase, Phase) { return PhaseFinalization, PhaseCompletion }

// CommitmentConfig bounds which commitments count. Zero Authorized accepts
// anyone; zero DeadlineMs accepts any time.
type CommitmentConfig struct {
	Threshold  int
	Authorized []types.AuthorityID
	DeadlineMs uint64
}

func (c CommitmentConfig) accepts(e Event) bool {
	if c.DeadlineMs != 0 && e.TimestampMs > c.DeadlineMs {
		return false
	}
	if len(c.Authorized) == 0 {
		return true
	}
	for _, a := range c.Authorized {
		if a == e.Participant {
			return true
		}
	}
	return false
}

func sortedKeys(m map[types.AuthorityID][]byte) []types.AuthorityID {
	out := make([]types.AuthorityID, 0, len(m))
	for a := range m {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func CheckInitiated(sid types.SessionID, events []Event) (Initiated, bool) {
	for _, e := range events {
		if e.Session == sid && e.Kind == EventInitiate {
			return Initiated{proof: proof{sid, true}, Initiator: e.Participant, Payload: e.Payload}, true
		}
	}
	return Initiated{}, false
}

// CollectCommitments keeps the first commitment of each accepted participant.
func CollectCommitments(sid types.SessionID, events []Event, cfg CommitmentConfig) (CollectedCommitments, bool) {
	got := map[types.AuthorityID][]byte{}
	for _, e := range events {
		if e.Session != sid || e.Kind != EventCommitment || len(e.Payload) == 0 || !cfg.accepts(e) {
			continue
		}
		if _, dup := got[e.Participant]; !dup {
			got[e.Participant] = e.Payload
		}
	}
	if cfg.Threshold < 1 || len(got) < cfg.Threshold {
		return CollectedCommitments{}, false
	}
	return CollectedCommitments{
		proof:        proof{sid, true},
		Count:        len(got),
		Threshold:    cfg.Threshold,
		Participants: sortedKeys(got),
		Commitments:  got,
	}, true
}

// HashCommitment binds value to a participant in a session.
func HashCommitment(sid types.SessionID, participant types.AuthorityID, value []byte) []byte {
	h := crypto.NewHasher().AddString("aura-commitment").Add(sid[:]).Add(participant[:]).Add(value).Sum()
	return h[:]
}

// Opener checks a revealed value against a commitment.
type Opener func(participant types.AuthorityID, commitment, reveal []byte) bool

// VerifyReveals accepts reveals from committed participants that open
// their commitment. A nil opener uses HashCommitment.
func VerifyReveals(sid types.SessionID, events []Event, cc CollectedCommitments, threshold int, open Opener) (VerifiedReveals, bool) {
	if !cc.verified() || cc.session != sid {
		return VerifiedReveals{}, false
	}
	if open == nil {
		open = func(p types.AuthorityID, c, r []byte) bool {
			return crypto.ConstantTimeEqual(c, HashCommitment(sid, p, r))
		}
	}
	got := map[types.AuthorityID][]byte{}
	for _, e := range events {
		if e.Session != sid || e.Kind != EventReveal {
			continue
		}
		c, ok := cc.Commitments[e.Participant]
		if !ok {
			continue
		}
		if _, dup := got[e.Participant]; dup {
			continue
		}
		if open(e.Participant, c, e.Payload) {
			got[e.Participant] = e.Payload
		}
	}
	if threshold < 1 || len(got) < threshold {
		return VerifiedReveals{}, false
	}
	return VerifiedReveals{
		proof:        proof{sid, true},
		Count:        len(got),
		Threshold:    threshold,
		Participants: sortedKeys(got),
		Reveals:      got,
	}, true
}

// CheckApprovals counts distinct accepted approvers.
func CheckApprovals(sid types.SessionID, events []Event, cfg CommitmentConfig) (ApprovalThreshold, bool) {
	got := map[types.AuthorityID][]byte{}
	for _, e := range events {
		if e.Session == sid && e.Kind == EventApproval && cfg.accepts(e) {
			got[e.Participant] = nil
		}
	}
	if cfg.Threshold < 1 || len(got) < cfg.Threshold {
		return ApprovalThreshold{}, false
	}
	return ApprovalThreshold{proof: proof{sid, true}, Count: len(got), Threshold: cfg.Threshold, Approvers: sortedKeys(got)}, true
}

// CheckFinalized requires every finalize event of the session to agree on
// one non-empty result.
func CheckFinalized(sid types.SessionID, events []Event) (Completed, bool) {
	var result []byte
	for _, e := range events {
		if e.Session != sid || e.Kind != EventFinalize {
			continue
		}
		if len(e.Payload) == 0 {
			return Completed{}, false
		}
		if result != nil && !bytes.Equal(result, e.Payload) {
			return Completed{}, false
		}
		result = e.Payload
	}
	if result == nil {
		return Completed{}, false
	}
	return Completed{proof: proof{sid, true}, Result: result}, true
}

// Machine tracks one session's phase.
type Machine struct {
	mu       sync.Mutex
	protocol string
	session  types.SessionID
	phase    Phase
	reason   string
}

func NewMachine(protocol string, sid types.SessionID) *Machine {
	return &Machine{protocol: protocol, session: sid}
}

func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// FailureReason is set once the machine failed.
func (m *Machine) FailureReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reason
}

// Transition advances along w's edge. It fails unless w was produced by a
// validator for this session and leaves the current phase.
func (m *Machine) Transition(w Witness) error {
	const op = "choreo.transition"
	m.mu.Lock()
	defer m.mu.Unlock()
	if w == nil || !w.verified() {
		return auraerr.New(auraerr.KindProtocolViolation, op, "missing witness").WithSession(m.session).WithField("protocol", m.protocol)
	}
	if w.sessionID() != m.session {
		return auraerr.New(auraerr.KindProtocolViolation, op, "witness from another session").WithSession(m.session)
	}
	from, to := w.edge()
	if m.phase != from {
		return auraerr.Errorf(auraerr.KindProtocolViolation, op, "%s does not apply in %s", w.Describe(), m.phase).
			WithSession(m.session).WithField("protocol", m.protocol)
	}
	m.phase = to
	return nil
}

// Fail moves any non-final machine to PhaseFailure.
func (m *Machine) Fail(reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase.Final() {
		return auraerr.Errorf(auraerr.KindProtocolViolation, "choreo.fail", "session already %s", m.phase).WithSession(m.session)
	}
	m.phase = PhaseFailure
	m.reason = reason
	return nil
}

// restore places a rehydrated machine in p.
func (m *Machine) restore(p Phase, reason string) {
	m.mu.Lock()
	m.phase = p
	m.reason = reason
	m.mu.Unlock()
}

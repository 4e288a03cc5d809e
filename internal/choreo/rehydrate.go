package choreo

import (
	"bytes"
	"errors"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/types"
)

var (
	ErrStaleEvidence         = errors.New("stale ceremony evidence")
	ErrDuplicateEvidence     = errors.New("duplicate ceremony evidence")
	ErrContradictoryEvidence = errors.New("contradictory ceremony evidence")
	ErrIncompleteEvidence    = errors.New("incomplete ceremony evidence")
)

// RehydrateOptions tune Rehydrate. Threshold defaults to 1; a zero
// MaxEventAgeMs never treats evidence as stale.
type RehydrateOptions struct {
	NowMs         uint64
	MaxEventAgeMs uint64
	Threshold     int
	Opener        Opener
	AllowPartial  bool
}

// Rehydrated is a machine rebuilt from evidence. Partial is set when the
// evidence skipped steps and the phase was restored without witnesses.
type Rehydrated struct {
	Machine *Machine
	Partial bool
	Events  []Event
}

type eventKey struct {
	participant types.AuthorityID
	kind        EventKind
}

// checkEvidence rejects repeated or conflicting events. A participant
// acts at most once per kind; a session has one initiator and does not
// both finalize and abort.
func checkEvidence(sid types.SessionID, events []Event) error {
	const op = "choreo.rehydrate"
	seen := map[eventKey][]byte{}
	var initiator *types.AuthorityID
	var finalized, aborted bool
	for _, e := range events {
		k := eventKey{e.Participant, e.Kind}
		if prev, ok := seen[k]; ok {
			if bytes.Equal(prev, e.Payload) {
				return auraerr.Errorf(auraerr.KindProtocolViolation, op, "%s recorded twice for %s", e.Kind, e.Participant).
					WithSession(sid).WithCause(ErrDuplicateEvidence)
			}
			return auraerr.Errorf(auraerr.KindByzantine, op, "conflicting %s events from %s", e.Kind, e.Participant).
				WithSession(sid).WithCause(ErrContradictoryEvidence)
		}
		seen[k] = e.Payload
		switch e.Kind {
		case EventInitiate:
			if initiator != nil && *initiator != e.Participant {
				return auraerr.New(auraerr.KindByzantine, op, "session initiated twice").WithSession(sid).WithCause(ErrContradictoryEvidence)
			}
			p := e.Participant
			initiator = &p
		case EventFinalize:
			finalized = true
		case EventAbort:
			aborted = true
		}
	}
	if finalized && aborted {
		return auraerr.New(auraerr.KindByzantine, op, "session both finalized and aborted").WithSession(sid).WithCause(ErrContradictoryEvidence)
	}
	if _, ok := CheckFinalized(sid, events); finalized && !ok {
		return auraerr.New(auraerr.KindByzantine, op, "finalize events disagree").WithSession(sid).WithCause(ErrContradictoryEvidence)
	}
	return nil
}

func distinct(events []Event, k EventKind) int {
	who := map[types.AuthorityID]bool{}
	for _, e := range filterEvents(events, k) {
		who[e.Participant] = true
	}
	return len(who)
}

// target is the furthest phase the evidence points at.
func target(events []Event, threshold int) Phase {
	switch {
	case distinct(events, EventAbort) > 0:
		return PhaseFailure
	case distinct(events, EventFinalize) > 0:
		return PhaseCompletion
	case distinct(events, EventReveal) >= threshold, distinct(events, EventApproval) >= threshold:
		return PhaseFinalization
	case distinct(events, EventReveal) > 0, distinct(events, EventCommitment) >= threshold:
		return PhaseReveal
	case len(events) > 0:
		return PhaseCommitment
	}
	return PhaseInitialization
}

// walk advances m as far as witnesses built from events allow.
func walk(m *Machine, sid types.SessionID, events []Event, threshold int, open Opener) {
	if w, ok := CheckInitiated(sid, events); !ok || m.Transition(w) != nil {
		return
	}
	cfg := CommitmentConfig{Threshold: threshold}
	if w, ok := CheckApprovals(sid, events, cfg); ok {
		if m.Transition(w) != nil {
			return
		}
	} else {
		cc, ok := CollectCommitments(sid, events, cfg)
		if !ok || m.Transition(cc) != nil {
			return
		}
		vr, ok := VerifyReveals(sid, events, cc, threshold, open)
		if !ok || m.Transition(vr) != nil {
			return
		}
	}
	if w, ok := CheckFinalized(sid, events); ok {
		_ = m.Transition(w)
	}
}

// Rehydrate rebuilds the phase machine of session sid from its recorded
// events after a restart.
func Rehydrate(protocol string, sid types.SessionID, events []Event, opts RehydrateOptions) (Rehydrated, error) {
	const op = "choreo.rehydrate"
	if opts.Threshold < 1 {
		opts.Threshold = 1
	}
	var mine []Event
	var newest uint64
	for _, e := range events {
		if e.Session != sid {
			continue
		}
		if e.Protocol != "" && e.Protocol != protocol {
			return Rehydrated{}, auraerr.Errorf(auraerr.KindByzantine, op, "event from protocol %q", e.Protocol).
				WithSession(sid).WithCause(ErrContradictoryEvidence)
		}
		if e.TimestampMs > newest {
			newest = e.TimestampMs
		}
		mine = append(mine, e)
	}
	if opts.MaxEventAgeMs > 0 && len(mine) > 0 && opts.NowMs > newest && opts.NowMs-newest > opts.MaxEventAgeMs {
		return Rehydrated{}, auraerr.Errorf(auraerr.KindChoreography, op, "newest event is %dms old", opts.NowMs-newest).
			WithSession(sid).WithCause(ErrStaleEvidence)
	}
	if err := checkEvidence(sid, mine); err != nil {
		return Rehydrated{}, err
	}

	m := NewMachine(protocol, sid)
	want := target(mine, opts.Threshold)
	walk(m, sid, mine, opts.Threshold, opts.Opener)
	out := Rehydrated{Machine: m, Events: mine}
	if want == PhaseFailure {
		var reason string
		for _, e := range filterEvents(mine, EventAbort) {
			reason = string(e.Payload)
		}
		_ = m.Fail(reason)
		return out, nil
	}
	if got := m.Phase(); got != want {
		if !opts.AllowPartial {
			return Rehydrated{}, auraerr.Errorf(auraerr.KindChoreography, op, "evidence reaches %s but witnesses only %s", want, got).
				WithSession(sid).WithCause(ErrIncompleteEvidence)
		}
		m.restore(want, "")
		out.Partial = true
	}
	return out, nil
}

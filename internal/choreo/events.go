package choreo

import (
	"context"
	"sort"
	"sync"

	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/types"
)

type EventKind string

const (
	EventInitiate   EventKind = "initiate"
	EventCommitment EventKind = "commitment"
	EventReveal     EventKind = "reveal"
	EventApproval   EventKind = "approval"
	EventFinalize   EventKind = "finalize"
	EventAbort      EventKind = "abort"
)

// Event is ceremony evidence: who did what in which session. Payload is
// protocol specific (a commitment, a revealed value, a result digest).
type Event struct {
	Session     types.SessionID   `cbor:"1,keyasint" json:"session_id"`
	Protocol    string            `cbor:"2,keyasint" json:"protocol"`
	Kind        EventKind         `cbor:"3,keyasint" json:"kind"`
	Participant types.AuthorityID `cbor:"4,keyasint" json:"participant"`
	TimestampMs uint64            `cbor:"5,keyasint" json:"timestamp_ms"`
	Payload     []byte            `cbor:"6,keyasint,omitempty" json:"payload,omitempty"`
}

// EventSink records ceremony events.
type EventSink interface {
	RecordEvent(ctx context.Context, e Event) error
}

// EventLog is an in-memory sink. It also serves as the evidence source
// for witnesses.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *EventLog) RecordEvent(ctx context.Context, e Event) error {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

// Session returns the events of one session in record order.
func (l *EventLog) Session(sid types.SessionID) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, e := range l.events {
		if e.Session == sid {
			out = append(out, e)
		}
	}
	return out
}

// JournalSink records events as signed ceremony_event relational facts
// scoped to the session context.
type JournalSink struct {
	Store     *journal.Store
	Authority types.AuthorityID
	Device    types.DeviceID
	Sign      func([]byte) ([]byte, error)
}

func (s JournalSink) RecordEvent(ctx context.Context, e Event) error {
	b, err := codec.Marshal(e)
	if err != nil {
		return err
	}
	f := journal.NewRelationalFact(s.Authority, journal.Relational{
		Context:     SessionContext(e.Session),
		Kind:        journal.CeremonyEvent,
		Label:       e.Protocol + ":" + string(e.Kind),
		Payload:     b,
		TimestampMs: e.TimestampMs,
	})
	if err := f.Sign(s.Device, s.Sign); err != nil {
		return err
	}
	_, err = s.Store.Merge(ctx, []journal.Fact{f})
	return err
}

// Evidence loads a session's events back out of the journal, oldest first.
func (s JournalSink) Evidence(sid types.SessionID) ([]Event, error) {
	return EventsFromFacts(s.Store.Query(journal.Filter{Relational: journal.CeremonyEvent}), sid)
}

// EventsFromFacts decodes the ceremony_event facts belonging to sid.
func EventsFromFacts(facts []journal.Fact, sid types.SessionID) ([]Event, error) {
	cid := SessionContext(sid)
	var out []Event
	for _, f := range facts {
		r := f.Relational
		if r == nil || r.Kind != journal.CeremonyEvent || r.Context != cid {
			continue
		}
		var e Event
		if err := codec.Unmarshal(r.Payload, &e); err != nil {
			return nil, err
		}
		if e.Session == sid {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TimestampMs < out[j].TimestampMs })
	return out, nil
}

// filterEvents returns the events of kind k.
func filterEvents(events []Event, k EventKind) []Event {
	var out []Event
	for _, e := range events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

package choreo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/effects"
	"github.com/Armour007/aura-core/internal/guard"
	"github.com/Armour007/aura-core/internal/metrics"
	"github.com/Armour007/aura-core/internal/transport"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeoutMs bounds every ReceiveFromRole.
const DefaultTimeoutMs = 30_000

var (
	ErrCommunicationTimeout = errors.New("communication timeout")
	ErrNoSession            = errors.New("no active session")
	ErrSessionActive        = errors.New("session already started")
)

// Transport is what a runtime sends and receives through; *transport.Guarded
// satisfies it.
type Transport interface {
	Send(ctx context.Context, env wire.Envelope, opts transport.SendOptions) (guard.Outcome, error)
	ReceiveEnvelopeFrom(ctx context.Context, src types.AuthorityID, cid types.ContextID) (wire.Envelope, error)
}

type Config struct {
	PollInterval time.Duration
	TimeoutMs    uint64
}

// SessionMetrics are kept per session and returned by EndSession.
type SessionMetrics struct {
	MessagesSent     uint64 `json:"messages_sent"`
	MessagesReceived uint64 `json:"messages_received"`
	StartedMs        uint64 `json:"started_at_ms"`
	EndedMs          uint64 `json:"ended_at_ms"`
}

// SessionInfo describes the active session.
type SessionInfo struct {
	ID        types.SessionID   `json:"session_id"`
	Protocol  string            `json:"protocol"`
	Context   types.ContextID   `json:"context"`
	Role      Role              `json:"role"`
	Roles     RoleMap           `json:"roles"`
	TimeoutMs uint64            `json:"timeout_ms"`
	Metrics   SessionMetrics    `json:"metrics"`
	Self      types.AuthorityID `json:"self"`
}

type session struct {
	info  SessionInfo
	chor  Choreography
	log   EventLog
	span  trace.Span
	start time.Time
}

// Runtime hosts at most one session at a time for one authority.
type Runtime struct {
	self    types.AuthorityID
	tr      Transport
	clock   effects.Time
	console effects.Console
	sink    EventSink
	cfg     Config

	mu   sync.Mutex
	sess *session
}

type Option func(*Runtime)

func WithConfig(c Config) Option           { return func(r *Runtime) { r.cfg = c } }
func WithConsole(c effects.Console) Option { return func(r *Runtime) { r.console = c } }
func WithEventSink(s EventSink) Option     { return func(r *Runtime) { r.sink = s } }

func NewRuntime(self types.AuthorityID, tr Transport, clock effects.Time, opts ...Option) *Runtime {
	r := &Runtime{self: self, tr: tr, clock: clock, console: effects.NopConsole{}}
	for _, o := range opts {
		o(r)
	}
	if r.cfg.TimeoutMs == 0 {
		r.cfg.TimeoutMs = DefaultTimeoutMs
	}
	if r.cfg.PollInterval <= 0 {
		r.cfg.PollInterval = transport.DefaultPollInterval
	}
	if r.clock == nil {
		r.clock = effects.NewRealTime()
	}
	return r
}

func (r *Runtime) Self() types.AuthorityID { return r.self }
func (r *Runtime) Clock() effects.Time     { return r.clock }

// SessionContext is the context every envelope of a session travels in:
// H(session id).
func SessionContext(sid types.SessionID) types.ContextID {
	return types.ContextFromHash(crypto.Hash(sid[:]))
}

// StartSession binds roles for c and opens session sid. The local
// authority must play exactly one role.
func (r *Runtime) StartSession(ctx context.Context, c Choreography, sid types.SessionID, roles RoleMap) (types.ContextID, error) {
	const op = "choreo.start_session"
	if err := c.Bind(roles); err != nil {
		return types.ContextID{}, err
	}
	role, ok := roles.RoleOf(r.self)
	if !ok {
		return types.ContextID{}, auraerr.New(auraerr.KindChoreography, op, "local authority plays no role").
			WithAuthority(r.self).WithSession(sid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess != nil {
		return types.ContextID{}, auraerr.New(auraerr.KindChoreography, op, "session already started").
			WithSession(r.sess.info.ID).WithCause(ErrSessionActive)
	}
	cid := SessionContext(sid)
	_, span := metrics.Tracer().Start(ctx, "choreo.session", trace.WithAttributes(
		attribute.String("aura.protocol", c.Protocol),
		attribute.String("aura.session", sid.String()),
		attribute.String("aura.role", string(role)),
	))
	r.sess = &session{
		info: SessionInfo{
			ID: sid, Protocol: c.Protocol, Context: cid, Role: role, Roles: roles,
			TimeoutMs: r.cfg.TimeoutMs, Self: r.self,
			Metrics: SessionMetrics{StartedMs: r.clock.NowMs()},
		},
		chor:  c,
		span:  span,
		start: time.Now(),
	}
	r.console.Info("ceremony session started", effects.Fields{
		"protocol": c.Protocol, "session": sid.String(), "role": string(role),
	})
	return cid, nil
}

// Session returns a copy of the active session's description.
func (r *Runtime) Session() (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return SessionInfo{}, false
	}
	return r.sess.info, true
}

// active returns the session and a copy of its description.
func (r *Runtime) active(op string) (*session, SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sess == nil {
		return nil, SessionInfo{}, auraerr.New(auraerr.KindProtocolViolation, op, "no active session").WithCause(ErrNoSession)
	}
	return r.sess, r.sess.info, nil
}

// SendToRole sends a declared message of type typ to the authority bound
// to role, through the guard chain.
func (r *Runtime) SendToRole(ctx context.Context, role Role, typ string, payload []byte) error {
	const op = "choreo.send_to_role"
	s, info, err := r.active(op)
	if err != nil {
		return err
	}
	dst, ok := info.Roles[role]
	if !ok {
		return auraerr.Errorf(auraerr.KindChoreography, op, "role %q not found", role).WithSession(info.ID)
	}
	spec, ok := s.chor.Message(typ)
	if !ok || !spec.permits(info.Role, role) {
		return auraerr.Errorf(auraerr.KindProtocolViolation, op, "%s may not send %q to %s", info.Role, typ, role).
			WithSession(info.ID).WithField("protocol", info.Protocol)
	}
	body, err := Message{Session: info.ID, Type: typ, Sender: r.self, TimestampMs: r.clock.NowMs(), Payload: payload}.Encode()
	if err != nil {
		return err
	}
	env := wire.Envelope{Source: r.self, Destination: dst, Context: info.Context, Payload: body}
	capability := spec.Capability
	if capability == "" {
		capability = guard.OpSend
	}
	if _, err := r.tr.Send(ctx, env, transport.SendOptions{Operation: capability, FlowCost: spec.FlowCost, Session: info.ID}); err != nil {
		return err
	}
	r.mu.Lock()
	if r.sess == s {
		s.info.Metrics.MessagesSent++
	}
	r.mu.Unlock()
	r.console.Debug("ceremony message sent", effects.Fields{"protocol": info.Protocol, "type": typ, "to": string(role)})
	return nil
}

// ReceiveFromRole waits for the next message of the session from role's
// authority. It gives up with ErrCommunicationTimeout after the session
// timeout.
func (r *Runtime) ReceiveFromRole(ctx context.Context, role Role) (Message, error) {
	const op = "choreo.receive_from_role"
	s, info, err := r.active(op)
	if err != nil {
		return Message{}, err
	}
	src, ok := info.Roles[role]
	if !ok {
		return Message{}, auraerr.Errorf(auraerr.KindChoreography, op, "role %q not found", role).WithSession(info.ID)
	}
	deadline := r.clock.NowMs() + info.TimeoutMs
	env, err := transport.Poll(ctx, r.clock, r.cfg.PollInterval, deadline, func(ctx context.Context) (wire.Envelope, error) {
		return r.tr.ReceiveEnvelopeFrom(ctx, src, info.Context)
	})
	if errors.Is(err, transport.ErrTimeout) {
		return Message{}, auraerr.Errorf(auraerr.KindNetwork, op, "no message from %s", role).
			WithSession(info.ID).WithAuthority(src).WithCause(ErrCommunicationTimeout)
	}
	if err != nil {
		return Message{}, err
	}
	m, err := DecodeMessage(env.Payload)
	if err != nil {
		return Message{}, err
	}
	if m.Session != info.ID || m.Sender != src {
		return Message{}, auraerr.New(auraerr.KindProtocolViolation, op, "message does not belong to this session").
			WithSession(info.ID).WithAuthority(env.Source)
	}
	spec, ok := s.chor.Message(m.Type)
	if !ok || !spec.permits(role, info.Role) {
		return Message{}, auraerr.Errorf(auraerr.KindProtocolViolation, op, "%s may not send %q to %s", role, m.Type, info.Role).
			WithSession(info.ID)
	}
	r.mu.Lock()
	if r.sess == s {
		s.info.Metrics.MessagesReceived++
	}
	r.mu.Unlock()
	return m, nil
}

// Expect receives from role and requires the message to be of type typ.
func (r *Runtime) Expect(ctx context.Context, role Role, typ string) (Message, error) {
	m, err := r.ReceiveFromRole(ctx, role)
	if err != nil {
		return m, err
	}
	if m.Type != typ {
		return m, auraerr.Errorf(auraerr.KindProtocolViolation, "choreo.expect", "expected %q from %s, got %q", typ, role, m.Type).
			WithSession(m.Session)
	}
	return m, nil
}

// Broadcast sends to every other role, one after another, in role order.
func (r *Runtime) Broadcast(ctx context.Context, typ string, payload []byte) error {
	_, info, err := r.active("choreo.broadcast")
	if err != nil {
		return err
	}
	for _, role := range info.Roles.Roles() {
		if role == info.Role {
			continue
		}
		if err := r.SendToRole(ctx, role, typ, payload); err != nil {
			return err
		}
	}
	return nil
}

// Record adds an event by the local authority to the session evidence.
func (r *Runtime) Record(ctx context.Context, kind EventKind, payload []byte) error {
	return r.Observe(ctx, r.self, kind, payload)
}

// Observe adds an event attributed to participant, as seen locally. Only
// the local authority's own events reach the sink: each authority
// testifies to its own acts.
func (r *Runtime) Observe(ctx context.Context, participant types.AuthorityID, kind EventKind, payload []byte) error {
	s, info, err := r.active("choreo.observe")
	if err != nil {
		return err
	}
	e := Event{
		Session: info.ID, Protocol: info.Protocol, Kind: kind,
		Participant: participant, TimestampMs: r.clock.NowMs(), Payload: payload,
	}
	_ = s.log.RecordEvent(ctx, e)
	if r.sink != nil && participant == r.self {
		if err := r.sink.RecordEvent(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Evidence returns the active session's events.
func (r *Runtime) Evidence() []Event {
	s, info, err := r.active("choreo.evidence")
	if err != nil {
		return nil
	}
	return s.log.Session(info.ID)
}

// EndSession closes a successful session.
func (r *Runtime) EndSession(ctx context.Context) (SessionMetrics, error) {
	return r.end(ctx, true, "")
}

// AbortSession records an abort event and closes the session as failed.
func (r *Runtime) AbortSession(ctx context.Context, reason string) (SessionMetrics, error) {
	if err := r.Record(ctx, EventAbort, []byte(reason)); err != nil && !errors.Is(err, ErrNoSession) {
		r.console.Warn("abort event not recorded", effects.Fields{"error": err.Error()})
	}
	return r.end(ctx, false, reason)
}

func (r *Runtime) end(ctx context.Context, ok bool, reason string) (SessionMetrics, error) {
	r.mu.Lock()
	s := r.sess
	if s == nil {
		r.mu.Unlock()
		return SessionMetrics{}, auraerr.New(auraerr.KindProtocolViolation, "choreo.end_session", "no active session").WithCause(ErrNoSession)
	}
	r.sess = nil
	s.info.Metrics.EndedMs = r.clock.NowMs()
	m := s.info.Metrics
	r.mu.Unlock()

	metrics.RecordCeremony(s.info.Protocol, ok, time.Since(s.start))
	s.span.SetAttributes(attribute.Bool("aura.ok", ok), attribute.Int64("aura.messages_sent", int64(m.MessagesSent)))
	s.span.End()
	fields := effects.Fields{
		"protocol": s.info.Protocol, "session": s.info.ID.String(),
		"sent": m.MessagesSent, "received": m.MessagesReceived,
	}
	if ok {
		r.console.Info("ceremony session finished", fields)
	} else {
		fields["reason"] = reason
		r.console.Warn("ceremony session aborted", fields)
	}
	return m, nil
}

// Abandon fails m, aborts the active session and hands err back, for
// ceremony error paths.
func (r *Runtime) Abandon(ctx context.Context, m *Machine, err error) error {
	if m != nil && !m.Phase().Final() {
		_ = m.Fail(err.Error())
	}
	if _, aerr := r.AbortSession(ctx, err.Error()); aerr != nil && !errors.Is(aerr, ErrNoSession) {
		r.console.Warn("abort failed", effects.Fields{"error": aerr.Error()})
	}
	return err
}

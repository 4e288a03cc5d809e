// Package auraerr holds the closed error taxonomy shared by every core package.
package auraerr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/Armour007/aura-core/internal/types"
	"go.opentelemetry.io/otel/trace"
)

// Kind classifies an error. The set is closed.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindAuthorization
	KindNetwork
	KindCorruption
	KindResourceExhausted
	KindProtocolViolation
	KindByzantine
	KindChoreography
	KindStorage
	KindInvalid
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindAuthentication:    "authentication",
	KindAuthorization:     "authorization",
	KindNetwork:           "network",
	KindCorruption:        "corruption",
	KindResourceExhausted: "resource_exhausted",
	KindProtocolViolation: "protocol_violation",
	KindByzantine:         "byzantine",
	KindChoreography:      "choreography",
	KindStorage:           "storage",
	KindInvalid:           "invalid",
	KindNotFound:          "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Retryable reports whether callers may retry with backoff.
// Authentication and authorization failures are never retried.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindResourceExhausted
}

// Error is the structured error value returned across the core.
type Error struct {
	Kind      Kind
	Op        string
	Msg       string
	Authority *types.AuthorityID
	Device    *types.DeviceID
	Context   *types.ContextID
	Session   *types.SessionID
	Fields    map[string]string
	TraceID   string
	Err       error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(k + "=" + e.Fields[k])
		}
		b.WriteByte(']')
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable mirrors Kind.Retryable.
func (e *Error) Retryable() bool { return e.Kind.Retryable() }

// New builds an error of the given kind.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Errorf is New with formatting.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and operation to err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf wraps err with a message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) clone() *Error {
	c := *e
	if e.Fields != nil {
		c.Fields = make(map[string]string, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

func (e *Error) WithAuthority(id types.AuthorityID) *Error {
	c := e.clone()
	c.Authority = &id
	return c
}

func (e *Error) WithDevice(id types.DeviceID) *Error {
	c := e.clone()
	c.Device = &id
	return c
}

func (e *Error) WithContext(id types.ContextID) *Error {
	c := e.clone()
	c.Context = &id
	return c
}

func (e *Error) WithSession(id types.SessionID) *Error {
	c := e.clone()
	c.Session = &id
	return c
}

func (e *Error) WithField(k, v string) *Error {
	c := e.clone()
	if c.Fields == nil {
		c.Fields = map[string]string{}
	}
	c.Fields[k] = v
	return c
}

func (e *Error) WithCause(err error) *Error {
	c := e.clone()
	c.Err = err
	return c
}

// WithTrace copies the active span's trace id as the correlation id.
func (e *Error) WithTrace(ctx context.Context) *Error {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return e
	}
	c := e.clone()
	c.TraceID = sc.TraceID().String()
	return c
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable reports whether err is safe to retry.
func Retryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

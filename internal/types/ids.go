package types

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// namespace for seeded identifiers (UUIDv5 style, stable across processes)
var seedNamespace = uuid.MustParse("6f1c7a52-3d0b-4b8e-9d43-5a2e51d6c0aa")

// AuthorityID identifies an authority (a threshold-shared identity).
type AuthorityID uuid.UUID

// DeviceID identifies a device that holds a share of an authority.
type DeviceID uuid.UUID

// GuardianID identifies a social guardian.
type GuardianID uuid.UUID

// AccountID identifies an account that guardians protect.
type AccountID uuid.UUID

// ContextID scopes a conversation between authorities.
type ContextID uuid.UUID

// SessionID identifies a ceremony session.
type SessionID uuid.UUID

// EventID identifies a ceremony evidence event.
type EventID uuid.UUID

// NodeID identifies a node in a key graph.
type NodeID uuid.UUID

func NewAuthorityID() AuthorityID { return AuthorityID(uuid.New()) }
func NewDeviceID() DeviceID       { return DeviceID(uuid.New()) }
func NewGuardianID() GuardianID   { return GuardianID(uuid.New()) }
func NewAccountID() AccountID     { return AccountID(uuid.New()) }
func NewContextID() ContextID     { return ContextID(uuid.New()) }
func NewSessionID() SessionID     { return SessionID(uuid.New()) }
func NewEventID() EventID         { return EventID(uuid.New()) }
func NewNodeID() NodeID           { return NodeID(uuid.New()) }

func (id AuthorityID) String() string { return uuid.UUID(id).String() }
func (id DeviceID) String() string    { return uuid.UUID(id).String() }
func (id GuardianID) String() string  { return uuid.UUID(id).String() }
func (id AccountID) String() string   { return uuid.UUID(id).String() }
func (id ContextID) String() string   { return uuid.UUID(id).String() }
func (id SessionID) String() string   { return uuid.UUID(id).String() }
func (id EventID) String() string     { return uuid.UUID(id).String() }
func (id NodeID) String() string      { return uuid.UUID(id).String() }

func (id AuthorityID) IsZero() bool { return id == AuthorityID{} }
func (id ContextID) IsZero() bool   { return id == ContextID{} }
func (id SessionID) IsZero() bool   { return id == SessionID{} }
func (id NodeID) IsZero() bool      { return id == NodeID{} }

// Compare orders authorities by their big-endian byte representation.
func (id AuthorityID) Compare(o AuthorityID) int { return bytes.Compare(id[:], o[:]) }

func (id NodeID) Compare(o NodeID) int     { return bytes.Compare(id[:], o[:]) }
func (id DeviceID) Compare(o DeviceID) int { return bytes.Compare(id[:], o[:]) }
func (id DeviceID) IsZero() bool           { return id == DeviceID{} }
func (id GuardianID) IsZero() bool         { return id == GuardianID{} }

// Text forms keep JSON output readable; the binary codec ignores them.
func (id AuthorityID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }
func (id DeviceID) MarshalText() ([]byte, error)    { return []byte(id.String()), nil }
func (id GuardianID) MarshalText() ([]byte, error)  { return []byte(id.String()), nil }
func (id ContextID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id SessionID) MarshalText() ([]byte, error)   { return []byte(id.String()), nil }
func (id NodeID) MarshalText() ([]byte, error)      { return []byte(id.String()), nil }
func (h Hash32) MarshalText() ([]byte, error)       { return []byte(h.String()), nil }

func (id *AuthorityID) UnmarshalText(b []byte) (err error) {
	*id, err = ParseAuthorityID(string(b))
	return err
}

func (id *ContextID) UnmarshalText(b []byte) (err error) {
	*id, err = ParseContextID(string(b))
	return err
}

func (h *Hash32) UnmarshalText(b []byte) (err error) {
	*h, err = ParseHash32(string(b))
	return err
}

// NodeForAuthority is the root node id of an authority's key graph.
func NodeForAuthority(a AuthorityID) NodeID {
	return NodeID(uuid.NewSHA1(uuid.UUID(a), []byte("root")))
}

// NodeForDevice is the leaf node id of a device under authority a.
func NodeForDevice(a AuthorityID, d DeviceID) NodeID {
	return NodeID(uuid.NewSHA1(uuid.UUID(a), append([]byte("device:"), d[:]...)))
}

func ParseAuthorityID(s string) (AuthorityID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AuthorityID{}, err
	}
	return AuthorityID(u), nil
}

func ParseContextID(s string) (ContextID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ContextID{}, err
	}
	return ContextID(u), nil
}

func ParseDeviceID(s string) (DeviceID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return DeviceID{}, err
	}
	return DeviceID(u), nil
}

func ParseSessionID(s string) (SessionID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return SessionID{}, err
	}
	return SessionID(u), nil
}

func seeded(kind string, seed uint64) uuid.UUID {
	return uuid.NewSHA1(seedNamespace, []byte(kind+":"+strconv.FormatUint(seed, 10)))
}

// AuthorityFromSeed derives a stable authority id from a numeric seed.
func AuthorityFromSeed(seed uint64) AuthorityID { return AuthorityID(seeded("authority", seed)) }

// DeviceFromSeed derives a stable device id from a numeric seed.
func DeviceFromSeed(seed uint64) DeviceID { return DeviceID(seeded("device", seed)) }

// NodeFromSeed derives a stable key-graph node id from a numeric seed.
func NodeFromSeed(seed uint64) NodeID { return NodeID(seeded("node", seed)) }

// SessionFromSeed derives a stable session id from a numeric seed.
func SessionFromSeed(seed uint64) SessionID { return SessionID(seeded("session", seed)) }

// Hash32 is the output of the content-hash primitive.
type Hash32 [32]byte

func (h Hash32) String() string   { return hex.EncodeToString(h[:]) }
func (h Hash32) IsZero() bool     { return h == Hash32{} }
func (h Hash32) Compare(o Hash32) int { return bytes.Compare(h[:], o[:]) }

// Short returns the first eight hex characters, handy for logs.
func (h Hash32) Short() string { return hex.EncodeToString(h[:4]) }

func ParseHash32(s string) (Hash32, error) {
	var h Hash32
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	if len(b) != len(h) {
		return h, fmt.Errorf("hash32: want %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return h, nil
}

// ContextFromHash truncates a content hash into a context identifier.
func ContextFromHash(h Hash32) ContextID {
	var c ContextID
	copy(c[:], h[:16])
	return c
}

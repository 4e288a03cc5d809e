// Package journal is the CRDT fact store: a join-semilattice of facts plus
// a refinement-monotone capability frontier, persisted under one key.
package journal

import (
	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/tree"
	"github.com/Armour007/aura-core/internal/types"
	"github.com/Armour007/aura-core/internal/wire"
)

type FactKind uint8

const (
	FactAttestedOp FactKind = 1
	FactRelational FactKind = 2
	FactSnapshot   FactKind = 3
	FactReceipt    FactKind = 4
)

func (k FactKind) String() string {
	switch k {
	case FactAttestedOp:
		return "attested_op"
	case FactRelational:
		return "relational"
	case FactSnapshot:
		return "snapshot"
	case FactReceipt:
		return "receipt"
	}
	return "unknown"
}

// RelationalKind names the domain binding a relational fact records.
type RelationalKind string

const (
	GuardianBinding   RelationalKind = "guardian_binding"
	RecoveryGrant     RelationalKind = "recovery_grant"
	ConsensusResult   RelationalKind = "consensus_result"
	ChannelCheckpoint RelationalKind = "channel_checkpoint"
	ChannelPolicy     RelationalKind = "channel_policy"
	CeremonyEvent     RelationalKind = "ceremony_event"
	Generic           RelationalKind = "generic"
)

var relationalKinds = map[RelationalKind]bool{
	GuardianBinding: true, RecoveryGrant: true, ConsensusResult: true,
	ChannelCheckpoint: true, ChannelPolicy: true, CeremonyEvent: true, Generic: true,
}

// Relational is a context-scoped binding. Payload is opaque to the journal.
type Relational struct {
	Context     types.ContextID `cbor:"1,keyasint" json:"context"`
	Kind        RelationalKind  `cbor:"2,keyasint" json:"kind"`
	Label       string          `cbor:"3,keyasint,omitempty" json:"label,omitempty"`
	Payload     []byte          `cbor:"4,keyasint,omitempty" json:"payload,omitempty"`
	TimestampMs uint64          `cbor:"5,keyasint" json:"timestamp_ms"`
}

// ChainHead is the last receipt nonce seen for one (context, src, dst).
type ChainHead struct {
	Context types.ContextID   `cbor:"1,keyasint" json:"context"`
	Src     types.AuthorityID `cbor:"2,keyasint" json:"src"`
	Dst     types.AuthorityID `cbor:"3,keyasint" json:"dst"`
	Nonce   uint64            `cbor:"4,keyasint" json:"nonce"`
}

// Snapshot summarizes journal state. Superseded lists facts it allows to
// be dropped; only receipt facts are ever listed.
type Snapshot struct {
	StateHash   types.Hash32   `cbor:"1,keyasint" json:"state_hash"`
	FactCount   uint64         `cbor:"2,keyasint" json:"fact_count"`
	TimestampMs uint64         `cbor:"3,keyasint" json:"timestamp_ms"`
	Heads       []ChainHead    `cbor:"4,keyasint,omitempty" json:"heads,omitempty"`
	Superseded  []types.Hash32 `cbor:"5,keyasint,omitempty" json:"superseded,omitempty"`
}

// Fact is a tagged union; exactly one payload matches Kind. Relational and
// Snapshot facts are signed by Signer's device key, receipts carry their own
// signature and attested ops their aggregated one.
type Fact struct {
	Kind       FactKind          `cbor:"1,keyasint" json:"kind"`
	Authority  types.AuthorityID `cbor:"2,keyasint" json:"authority"`
	Attested   *tree.AttestedOp  `cbor:"3,keyasint,omitempty" json:"attested,omitempty"`
	Relational *Relational       `cbor:"4,keyasint,omitempty" json:"relational,omitempty"`
	Snapshot   *Snapshot         `cbor:"5,keyasint,omitempty" json:"snapshot,omitempty"`
	Receipt    *wire.Receipt     `cbor:"6,keyasint,omitempty" json:"receipt,omitempty"`
	Signer     types.DeviceID    `cbor:"7,keyasint,omitempty" json:"signer,omitempty"`
	Sig        []byte            `cbor:"8,keyasint,omitempty" json:"sig,omitempty"`
}

func NewAttestedFact(authority types.AuthorityID, op tree.AttestedOp) Fact {
	return Fact{Kind: FactAttestedOp, Authority: authority, Attested: &op}
}

func NewRelationalFact(authority types.AuthorityID, r Relational) Fact {
	return Fact{Kind: FactRelational, Authority: authority, Relational: &r}
}

func NewReceiptFact(r wire.Receipt) Fact {
	return Fact{Kind: FactReceipt, Authority: r.Src, Receipt: &r}
}

// CID is H("FACT" || kind || canonical encoding).
func (f Fact) CID() (types.Hash32, error) {
	b, err := codec.Marshal(f)
	if err != nil {
		return types.Hash32{}, err
	}
	return crypto.NewHasher().AddString("FACT").AddByte(byte(f.Kind)).Add(b).Sum(), nil
}

// SigningBytes is the message a device signs for relational and snapshot facts.
func (f Fact) SigningBytes() ([]byte, error) {
	u := f
	u.Sig = nil
	b, err := codec.Marshal(u)
	if err != nil {
		return nil, err
	}
	sum := crypto.Hash(b)
	return append([]byte("aura-fact:"), sum[:]...), nil
}

// RequiredCapability is the frontier entry that must allow this fact.
func (f Fact) RequiredCapability() string {
	switch f.Kind {
	case FactAttestedOp:
		return "tree:attest"
	case FactRelational:
		if f.Relational != nil {
			return "fact:" + string(f.Relational.Kind)
		}
	case FactSnapshot:
		return "journal:snapshot"
	case FactReceipt:
		return "receipt:record"
	}
	return "fact:unknown"
}

// validate checks the union shape.
func (f Fact) validate() error {
	const op = "journal.validate"
	set := 0
	for _, p := range []bool{f.Attested != nil, f.Relational != nil, f.Snapshot != nil, f.Receipt != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return auraerr.Errorf(auraerr.KindInvalid, op, "fact carries %d payloads", set)
	}
	switch f.Kind {
	case FactAttestedOp:
		if f.Attested == nil {
			break
		}
		if f.Attested.Op.Version != tree.CurrentVersion {
			return auraerr.Errorf(auraerr.KindInvalid, op, "unknown op version %d", f.Attested.Op.Version)
		}
		return nil
	case FactRelational:
		if f.Relational == nil {
			break
		}
		if !relationalKinds[f.Relational.Kind] {
			return auraerr.Errorf(auraerr.KindInvalid, op, "unknown relational kind %q", f.Relational.Kind)
		}
		return nil
	case FactSnapshot:
		if f.Snapshot != nil {
			return nil
		}
	case FactReceipt:
		if f.Receipt != nil {
			return nil
		}
	default:
		return auraerr.Errorf(auraerr.KindInvalid, op, "unknown fact kind %d", f.Kind)
	}
	return auraerr.Errorf(auraerr.KindInvalid, op, "%s fact without matching payload", f.Kind)
}

// Sign fills Signer and Sig using a device key.
func (f *Fact) Sign(device types.DeviceID, sign func([]byte) ([]byte, error)) error {
	f.Signer = device
	msg, err := f.SigningBytes()
	if err != nil {
		return err
	}
	sig, err := sign(msg)
	if err != nil {
		return err
	}
	f.Sig = sig
	return nil
}

// Package tree defines attested key-graph operations and the reducer that
// replays them into a TreeState.
package tree

import (
	"crypto/ed25519"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/keygraph"
	"github.com/Armour007/aura-core/internal/types"
)

// CurrentVersion is the only operation version the reducer accepts.
const CurrentVersion uint32 = 1

type OpKind uint8

const (
	OpAddLeaf      OpKind = 1
	OpRemoveLeaf   OpKind = 2
	OpChangePolicy OpKind = 3
	OpRotateEpoch  OpKind = 4
)

func (k OpKind) String() string {
	switch k {
	case OpAddLeaf:
		return "add_leaf"
	case OpRemoveLeaf:
		return "remove_leaf"
	case OpChangePolicy:
		return "change_policy"
	case OpRotateEpoch:
		return "rotate_epoch"
	}
	return "unknown"
}

// LeafNode is a device (or guardian) key added to the graph.
type LeafNode struct {
	ID        types.NodeID      `cbor:"1,keyasint" json:"id"`
	Kind      keygraph.NodeKind `cbor:"2,keyasint" json:"kind"`
	Device    types.DeviceID    `cbor:"3,keyasint" json:"device"`
	PublicKey ed25519.PublicKey `cbor:"4,keyasint" json:"public_key"`
}

type AddLeaf struct {
	Leaf  LeafNode     `cbor:"1,keyasint" json:"leaf"`
	Under types.NodeID `cbor:"2,keyasint" json:"under"`
}

type RemoveLeaf struct {
	Leaf   types.NodeID `cbor:"1,keyasint" json:"leaf"`
	Reason string       `cbor:"2,keyasint,omitempty" json:"reason,omitempty"`
}

type ChangePolicy struct {
	Node   types.NodeID    `cbor:"1,keyasint" json:"node"`
	Policy keygraph.Policy `cbor:"2,keyasint" json:"policy"`
}

type RotateEpoch struct {
	Affected []types.NodeID `cbor:"1,keyasint" json:"affected"`
}

// TreeOp is a tagged union; exactly one payload matches Kind.
type TreeOp struct {
	Kind         OpKind        `cbor:"1,keyasint" json:"kind"`
	AddLeaf      *AddLeaf      `cbor:"2,keyasint,omitempty" json:"add_leaf,omitempty"`
	RemoveLeaf   *RemoveLeaf   `cbor:"3,keyasint,omitempty" json:"remove_leaf,omitempty"`
	ChangePolicy *ChangePolicy `cbor:"4,keyasint,omitempty" json:"change_policy,omitempty"`
	RotateEpoch  *RotateEpoch  `cbor:"5,keyasint,omitempty" json:"rotate_epoch,omitempty"`
}

func NewAddLeaf(leaf LeafNode, under types.NodeID) TreeOp {
	return TreeOp{Kind: OpAddLeaf, AddLeaf: &AddLeaf{Leaf: leaf, Under: under}}
}

func NewRemoveLeaf(leaf types.NodeID, reason string) TreeOp {
	return TreeOp{Kind: OpRemoveLeaf, RemoveLeaf: &RemoveLeaf{Leaf: leaf, Reason: reason}}
}

func NewChangePolicy(node types.NodeID, p keygraph.Policy) TreeOp {
	return TreeOp{Kind: OpChangePolicy, ChangePolicy: &ChangePolicy{Node: node, Policy: p}}
}

func NewRotateEpoch(affected ...types.NodeID) TreeOp {
	return TreeOp{Kind: OpRotateEpoch, RotateEpoch: &RotateEpoch{Affected: affected}}
}

// payload returns the canonical encoding of the active variant.
func (o TreeOp) payload() ([]byte, error) {
	const op = "tree.payload"
	var v any
	switch o.Kind {
	case OpAddLeaf:
		if o.AddLeaf != nil {
			v = o.AddLeaf
		}
	case OpRemoveLeaf:
		if o.RemoveLeaf != nil {
			v = o.RemoveLeaf
		}
	case OpChangePolicy:
		if o.ChangePolicy != nil {
			v = o.ChangePolicy
		}
	case OpRotateEpoch:
		if o.RotateEpoch != nil {
			v = o.RotateEpoch
		}
	default:
		return nil, auraerr.Errorf(auraerr.KindInvalid, op, "unknown op kind %d", o.Kind)
	}
	if v == nil {
		return nil, auraerr.Errorf(auraerr.KindInvalid, op, "%s without payload", o.Kind)
	}
	return codec.Marshal(v)
}

// targets lists the nodes an operation writes. Two operations on the same
// parent state conflict when their targets overlap.
func (o TreeOp) targets() []types.NodeID {
	switch o.Kind {
	case OpAddLeaf:
		if o.AddLeaf != nil {
			return []types.NodeID{o.AddLeaf.Leaf.ID}
		}
	case OpRemoveLeaf:
		if o.RemoveLeaf != nil {
			return []types.NodeID{o.RemoveLeaf.Leaf}
		}
	case OpChangePolicy:
		if o.ChangePolicy != nil {
			return []types.NodeID{o.ChangePolicy.Node}
		}
	case OpRotateEpoch:
		if o.RotateEpoch != nil {
			return o.RotateEpoch.Affected
		}
	}
	return nil
}

// Op is an unsigned operation anchored to the tree state it was built on.
type Op struct {
	ParentEpoch      uint64       `cbor:"1,keyasint" json:"parent_epoch"`
	ParentCommitment types.Hash32 `cbor:"2,keyasint" json:"parent_commitment"`
	Version          uint32       `cbor:"3,keyasint" json:"version"`
	Op               TreeOp       `cbor:"4,keyasint" json:"op"`
}

func (o Op) prefix() (*crypto.Hasher, error) {
	p, err := o.Op.payload()
	if err != nil {
		return nil, err
	}
	return crypto.NewHasher().
		AddUint64(o.ParentEpoch).
		Add(o.ParentCommitment[:]).
		AddUint32(o.Version).
		AddByte(byte(o.Op.Kind)).
		Add(p), nil
}

// SigningBytes is the message the threshold signature covers.
func (o Op) SigningBytes() ([]byte, error) {
	h, err := o.prefix()
	if err != nil {
		return nil, err
	}
	sum := h.Sum()
	return append([]byte("aura-tree-op:"), sum[:]...), nil
}

// AttestedOp is an Op with its aggregated threshold signature.
type AttestedOp struct {
	Op          Op     `cbor:"1,keyasint" json:"op"`
	AggSig      []byte `cbor:"2,keyasint" json:"agg_sig"`
	SignerCount uint32 `cbor:"3,keyasint" json:"signer_count"`
}

// CID is H(parent_epoch || parent_commitment || version || kind || payload
// || agg_sig || signer_count), integers little-endian.
func (a AttestedOp) CID() (types.Hash32, error) {
	h, err := a.Op.prefix()
	if err != nil {
		return types.Hash32{}, err
	}
	return h.Add(a.AggSig).AddUint32(a.SignerCount).Sum(), nil
}

func (a AttestedOp) Encode() ([]byte, error) { return codec.Marshal(a) }

func DecodeAttestedOp(b []byte) (AttestedOp, error) {
	var a AttestedOp
	err := codec.Unmarshal(b, &a)
	return a, err
}

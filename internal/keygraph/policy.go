package keygraph

import (
	"fmt"

	"github.com/Armour007/aura-core/internal/auraerr"
)

type PolicyKind uint8

const (
	PolicyAll       PolicyKind = 1
	PolicyAny       PolicyKind = 2
	PolicyThreshold PolicyKind = 3
)

// Policy says how many children must cooperate to act for a node.
type Policy struct {
	Kind PolicyKind `cbor:"1,keyasint" json:"kind"`
	M    uint8      `cbor:"2,keyasint,omitempty" json:"m,omitempty"`
	N    uint8      `cbor:"3,keyasint,omitempty" json:"n,omitempty"`
}

func All() Policy                { return Policy{Kind: PolicyAll} }
func Any() Policy                { return Policy{Kind: PolicyAny} }
func Threshold(m, n uint8) Policy { return Policy{Kind: PolicyThreshold, M: m, N: n} }

func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyAll, PolicyAny:
		return nil
	case PolicyThreshold:
		if p.M < 1 || p.M > p.N {
			return auraerr.Errorf(auraerr.KindInvalid, "keygraph.policy", "threshold %d of %d", p.M, p.N)
		}
		return nil
	}
	return auraerr.Errorf(auraerr.KindInvalid, "keygraph.policy", "unknown policy kind %d", p.Kind)
}

// Bytes is the fixed three-byte form hashed into commitments.
func (p Policy) Bytes() []byte {
	if p.Kind == PolicyThreshold {
		return []byte{byte(p.Kind), p.M, p.N}
	}
	return []byte{byte(p.Kind), 0, 0}
}

// Required is the number of signers the policy demands over k children.
func (p Policy) Required(k int) int {
	switch p.Kind {
	case PolicyAny:
		return 1
	case PolicyThreshold:
		return int(p.M)
	case PolicyAll:
		if k < 1 {
			return 1
		}
		return k
	}
	return 0
}

// StricterOrEqual reports whether p demands at least as many signers as old
// over k children.
func (p Policy) StricterOrEqual(old Policy, k int) bool {
	return p.Required(k) >= old.Required(k)
}

func (p Policy) String() string {
	switch p.Kind {
	case PolicyAll:
		return "all"
	case PolicyAny:
		return "any"
	case PolicyThreshold:
		return fmt.Sprintf("threshold(%d/%d)", p.M, p.N)
	}
	return "invalid"
}

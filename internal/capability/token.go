// Package capability implements signed, delegable capability tokens and
// their evaluation.
package capability

import (
	"context"
	"crypto/ed25519"
	"strings"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/policy"
	"github.com/Armour007/aura-core/internal/types"
)

// Permission grants Operation over resources under Scope. "" and "*" scope
// everything; "cat:*" covers every operation in a category.
type Permission struct {
	Operation string `cbor:"1,keyasint" json:"operation"`
	Scope     string `cbor:"2,keyasint,omitempty" json:"scope,omitempty"`
}

// Token binds permissions to an authenticated device.
type Token struct {
	Device          types.DeviceID    `cbor:"1,keyasint" json:"device"`
	Authority       types.AuthorityID `cbor:"2,keyasint" json:"authority"`
	Permissions     []Permission      `cbor:"3,keyasint" json:"permissions"`
	DelegationChain []types.Hash32    `cbor:"4,keyasint,omitempty" json:"delegation_chain,omitempty"`
	IssuedAt        uint64            `cbor:"5,keyasint" json:"issued_at"`
	ExpiresAt       *uint64           `cbor:"6,keyasint,omitempty" json:"expires_at,omitempty"`
	// Policy is an optional Rego module (package aura.token) whose deny set
	// vetoes otherwise granted requests.
	Policy    string            `cbor:"7,keyasint,omitempty" json:"policy,omitempty"`
	IssuerKey ed25519.PublicKey `cbor:"8,keyasint" json:"issuer_key"`
	Signature []byte            `cbor:"9,keyasint,omitempty" json:"signature,omitempty"`
	// HolderKey is the device key allowed to delegate from this token. The
	// issuer may always delegate.
	HolderKey ed25519.PublicKey `cbor:"10,keyasint,omitempty" json:"holder_key,omitempty"`
}

// MayDelegate reports whether pub can sign a child of t.
func (t Token) MayDelegate(pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return pub.Equal(t.IssuerKey) || (len(t.HolderKey) == ed25519.PublicKeySize && pub.Equal(t.HolderKey))
}

// SigningBytes is the canonical message the signature covers.
func (t Token) SigningBytes() ([]byte, error) {
	u := t
	u.Signature = nil
	b, err := codec.Marshal(u)
	if err != nil {
		return nil, err
	}
	return append([]byte("aura-capability:"), b...), nil
}

// ID is the hash of the signing bytes.
func (t Token) ID() (types.Hash32, error) {
	b, err := t.SigningBytes()
	if err != nil {
		return types.Hash32{}, err
	}
	return crypto.Hash(b), nil
}

func (t Token) Encode() ([]byte, error) { return codec.Marshal(t) }

func Decode(b []byte) (Token, error) {
	var t Token
	err := codec.Unmarshal(b, &t)
	return t, err
}

// Issue signs t with signer, recording the signer's key as issuer.
func Issue(ctx context.Context, signer crypto.Signer, t Token) (Token, error) {
	t.IssuerKey = signer.PublicKey()
	t.Signature = nil
	msg, err := t.SigningBytes()
	if err != nil {
		return Token{}, err
	}
	sig, err := signer.Sign(ctx, msg)
	if err != nil {
		return Token{}, err
	}
	t.Signature = sig
	return t, nil
}

// Verify checks the signature and, when nowS is non-zero, the validity window.
func (t Token) Verify(nowS uint64) error {
	const op = "capability.verify"
	msg, err := t.SigningBytes()
	if err != nil {
		return err
	}
	if !crypto.Verify(t.IssuerKey, msg, t.Signature) {
		return auraerr.New(auraerr.KindAuthentication, op, "invalid token signature").WithDevice(t.Device)
	}
	if nowS != 0 && t.ExpiresAt != nil && nowS >= *t.ExpiresAt {
		return auraerr.New(auraerr.KindAuthentication, op, "token expired").WithDevice(t.Device)
	}
	return nil
}

// Covers reports whether p grants everything q asks for.
func (p Permission) Covers(q Permission) bool {
	if !opCovers(p.Operation, q.Operation) {
		return false
	}
	return scopeCovers(p.Scope, q.Scope)
}

func opCovers(have, want string) bool {
	if have == want || have == "*" {
		return true
	}
	if strings.HasSuffix(have, ":*") {
		return strings.HasPrefix(want, strings.TrimSuffix(have, "*"))
	}
	return false
}

func scopeCovers(have, want string) bool {
	if have == "" || have == "*" || have == want {
		return true
	}
	return want != "" && want != "*" && strings.HasPrefix(want, have+"/")
}

// Subset reports whether every permission in child is covered by parent.
func Subset(child, parent []Permission) bool {
	for _, c := range child {
		ok := false
		for _, p := range parent {
			if p.Covers(c) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Delegate issues child as a narrowing of parent. signer must hold or have
// issued parent. The child's chain is the parent's chain plus the parent's
// id; its permissions must be a subset and it may not outlive the parent.
func Delegate(ctx context.Context, parent Token, signer crypto.Signer, child Token) (Token, error) {
	const op = "capability.delegate"
	if !parent.MayDelegate(signer.PublicKey()) {
		return Token{}, auraerr.New(auraerr.KindAuthorization, op, "signer neither holds nor issued the parent").WithDevice(parent.Device)
	}
	if !Subset(child.Permissions, parent.Permissions) {
		return Token{}, auraerr.New(auraerr.KindAuthorization, op, "delegated permissions exceed the parent's")
	}
	if len(parent.DelegationChain)+1 > MaxDelegationDepth {
		return Token{}, auraerr.Errorf(auraerr.KindAuthorization, op, "delegation depth exceeds %d", MaxDelegationDepth)
	}
	if parent.ExpiresAt != nil && (child.ExpiresAt == nil || *child.ExpiresAt > *parent.ExpiresAt) {
		exp := *parent.ExpiresAt
		child.ExpiresAt = &exp
	}
	pid, err := parent.ID()
	if err != nil {
		return Token{}, err
	}
	child.Authority = parent.Authority
	child.DelegationChain = append(append([]types.Hash32(nil), parent.DelegationChain...), pid)
	return Issue(ctx, signer, child)
}

func (t Token) policyPermissions() []policy.Permission {
	out := make([]policy.Permission, len(t.Permissions))
	for i, p := range t.Permissions {
		out[i] = policy.Permission{Operation: p.Operation, Scope: p.Scope}
	}
	return out
}

// Package frost implements two-round FROST threshold Schnorr signatures over
// ristretto255, plus trusted-dealer and Pedersen DKG key generation.
package frost

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/cloudflare/circl/group"
)

var g = group.Ristretto255

const (
	ScalarSize    = 32
	ElementSize   = 32
	SignatureSize = ElementSize + ScalarSize

	dstRho          = "aura-frost-v1-rho"
	dstChal         = "aura-frost-v1-chal"
	dstNonce        = "aura-frost-v1-nonce"
	dstPoK          = "aura-frost-v1-pok"
	maxParticipants = 255
)

var (
	ErrInvalidShare     = errors.New("invalid signature share")
	ErrInvalidSignature = errors.New("invalid aggregated signature")
	ErrBadParameters    = errors.New("invalid threshold parameters")
	ErrUnknownSigner    = errors.New("unknown signer")
)

// Identifier is a participant index, 1..n.
type Identifier uint16

// KeyShare is one participant's long-lived signing share.
type KeyShare struct {
	ID              Identifier            `cbor:"id"`
	Threshold       uint16                `cbor:"t"`
	Secret          []byte                `cbor:"secret"`
	GroupKey        []byte                `cbor:"group"`
	VerifyingShares map[Identifier][]byte `cbor:"verifying"`
}

// PublicPackage is the public half of a key generation: enough to verify
// signatures and individual shares.
type PublicPackage struct {
	Threshold       uint16                `cbor:"t"`
	GroupKey        []byte                `cbor:"group"`
	VerifyingShares map[Identifier][]byte `cbor:"verifying"`
}

func (k KeyShare) Public() PublicPackage {
	return PublicPackage{Threshold: k.Threshold, GroupKey: k.GroupKey, VerifyingShares: k.VerifyingShares}
}

// Zeroize clears the secret share.
func (k *KeyShare) Zeroize() {
	for i := range k.Secret {
		k.Secret[i] = 0
	}
	k.Secret = nil
}

func checkParams(t, n int) error {
	if t < 1 || n < 1 || t > n || n > maxParticipants {
		return auraerr.Wrapf(auraerr.KindInvalid, "frost.params", ErrBadParameters, "t=%d n=%d", t, n)
	}
	return nil
}

func scalarFromID(id Identifier) group.Scalar {
	return g.NewScalar().SetUint64(uint64(id))
}

func encodeScalar(s group.Scalar) []byte {
	b, _ := s.MarshalBinary()
	return b
}

func encodeElement(e group.Element) []byte {
	b, _ := e.MarshalBinaryCompress()
	return b
}

func decodeScalar(b []byte) (group.Scalar, error) {
	s := g.NewScalar()
	if err := s.UnmarshalBinary(b); err != nil {
		return nil, auraerr.Wrap(auraerr.KindCorruption, "frost.decode_scalar", err)
	}
	return s, nil
}

func decodeElement(b []byte) (group.Element, error) {
	e := g.NewElement()
	if err := e.UnmarshalBinary(b); err != nil {
		return nil, auraerr.Wrap(auraerr.KindCorruption, "frost.decode_element", err)
	}
	return e, nil
}

// polynomial with coefficients a0..a(t-1)
type polynomial []group.Scalar

func randomPolynomial(r io.Reader, secret group.Scalar, t int) polynomial {
	p := make(polynomial, t)
	p[0] = secret
	for i := 1; i < t; i++ {
		p[i] = g.RandomScalar(r)
	}
	return p
}

func (p polynomial) eval(x group.Scalar) group.Scalar {
	// Horner
	acc := g.NewScalar().Set(p[len(p)-1])
	for i := len(p) - 2; i >= 0; i-- {
		acc.Mul(acc, x)
		acc.Add(acc, p[i])
	}
	return acc
}

func (p polynomial) commitments() []group.Element {
	out := make([]group.Element, len(p))
	for i, c := range p {
		out[i] = g.NewElement().MulGen(c)
	}
	return out
}

// evalCommitment computes sum_k C_k * x^k, the public image of f(x).
func evalCommitment(cs []group.Element, x group.Scalar) group.Element {
	acc := g.Identity()
	pow := g.NewScalar().SetUint64(1)
	for _, c := range cs {
		acc.Add(acc, g.NewElement().Mul(c, pow))
		pow = g.NewScalar().Mul(pow, x)
	}
	return acc
}

// lagrange returns the coefficient for id over the signer set at x=0.
func lagrange(id Identifier, set []Identifier) (group.Scalar, error) {
	num := g.NewScalar().SetUint64(1)
	den := g.NewScalar().SetUint64(1)
	xi := scalarFromID(id)
	found := false
	for _, j := range set {
		if j == id {
			found = true
			continue
		}
		xj := scalarFromID(j)
		num.Mul(num, xj)
		den.Mul(den, g.NewScalar().Sub(xj, xi))
	}
	if !found {
		return nil, ErrUnknownSigner
	}
	if den.IsZero() {
		return nil, ErrBadParameters
	}
	return g.NewScalar().Mul(num, g.NewScalar().Inv(den)), nil
}

func idBytes(id Identifier) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(id))
	return b[:]
}

// DealerKeygen splits a fresh secret into n shares with threshold t.
func DealerKeygen(r io.Reader, t, n int) ([]KeyShare, PublicPackage, error) {
	if err := checkParams(t, n); err != nil {
		return nil, PublicPackage{}, err
	}
	secret := g.RandomScalar(r)
	poly := randomPolynomial(r, secret, t)
	groupKey := encodeElement(g.NewElement().MulGen(secret))
	verifying := make(map[Identifier][]byte, n)
	secrets := make(map[Identifier]group.Scalar, n)
	for i := 1; i <= n; i++ {
		id := Identifier(i)
		s := poly.eval(scalarFromID(id))
		secrets[id] = s
		verifying[id] = encodeElement(g.NewElement().MulGen(s))
	}
	shares := make([]KeyShare, 0, n)
	for i := 1; i <= n; i++ {
		id := Identifier(i)
		shares = append(shares, KeyShare{
			ID:              id,
			Threshold:       uint16(t),
			Secret:          encodeScalar(secrets[id]),
			GroupKey:        groupKey,
			VerifyingShares: verifying,
		})
	}
	return shares, PublicPackage{Threshold: uint16(t), GroupKey: groupKey, VerifyingShares: verifying}, nil
}

package frost

import (
	"bytes"
	"io"
	"sort"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/cloudflare/circl/group"
)

// Nonce is a single-use secret pair from round one. Never reuse it.
type Nonce struct {
	id      Identifier
	hiding  group.Scalar
	binding group.Scalar
}

// NonceCommitment is the public half of a Nonce.
type NonceCommitment struct {
	ID      Identifier `cbor:"id"`
	Hiding  []byte     `cbor:"d"`
	Binding []byte     `cbor:"e"`
}

// SignatureShare is a participant's round-two output.
type SignatureShare struct {
	ID Identifier `cbor:"id"`
	Z  []byte     `cbor:"z"`
}

func nonceScalar(r io.Reader, secret []byte) group.Scalar {
	var rnd [32]byte
	_, _ = io.ReadFull(r, rnd[:])
	return g.HashToScalar(append(rnd[:], secret...), []byte(dstNonce))
}

// Commit runs round one for a key share.
func Commit(r io.Reader, share KeyShare) (*Nonce, NonceCommitment) {
	d := nonceScalar(r, share.Secret)
	e := nonceScalar(r, share.Secret)
	return &Nonce{id: share.ID, hiding: d, binding: e}, NonceCommitment{
		ID:      share.ID,
		Hiding:  encodeElement(g.NewElement().MulGen(d)),
		Binding: encodeElement(g.NewElement().MulGen(e)),
	}
}

func encodeCommitmentList(cs []NonceCommitment) []byte {
	var buf bytes.Buffer
	for _, c := range cs {
		buf.Write(idBytes(c.ID))
		buf.Write(c.Hiding)
		buf.Write(c.Binding)
	}
	return buf.Bytes()
}

func sortCommitments(cs []NonceCommitment) []NonceCommitment {
	out := append([]NonceCommitment(nil), cs...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type signingPackage struct {
	ids     []Identifier
	rho     map[Identifier]group.Scalar
	commits map[Identifier][2]group.Element
	R       group.Element
}

func prepare(groupKey []byte, msg []byte, commitments []NonceCommitment) (*signingPackage, error) {
	cs := sortCommitments(commitments)
	list := encodeCommitmentList(cs)
	sp := &signingPackage{rho: map[Identifier]group.Scalar{}, commits: map[Identifier][2]group.Element{}, R: g.Identity()}
	for i, c := range cs {
		if i > 0 && cs[i-1].ID == c.ID {
			return nil, auraerr.Errorf(auraerr.KindProtocolViolation, "frost.prepare", "duplicate commitment from %d", c.ID)
		}
		D, err := decodeElement(c.Hiding)
		if err != nil {
			return nil, err
		}
		E, err := decodeElement(c.Binding)
		if err != nil {
			return nil, err
		}
		in := append(append(append([]byte{}, groupKey...), msg...), list...)
		in = append(in, idBytes(c.ID)...)
		rho := g.HashToScalar(in, []byte(dstRho))
		sp.ids = append(sp.ids, c.ID)
		sp.rho[c.ID] = rho
		sp.commits[c.ID] = [2]group.Element{D, E}
		sp.R.Add(sp.R, g.NewElement().Add(D, g.NewElement().Mul(E, rho)))
	}
	return sp, nil
}

func challenge(R group.Element, groupKey, msg []byte) group.Scalar {
	in := append(append(encodeElement(R), groupKey...), msg...)
	return g.HashToScalar(in, []byte(dstChal))
}

// Sign runs round two. The nonce is consumed.
func Sign(share KeyShare, nonce *Nonce, msg []byte, commitments []NonceCommitment) (SignatureShare, error) {
	if nonce == nil || nonce.hiding == nil {
		return SignatureShare{}, auraerr.New(auraerr.KindProtocolViolation, "frost.sign", "nonce missing or already used")
	}
	if nonce.id != share.ID {
		return SignatureShare{}, auraerr.New(auraerr.KindProtocolViolation, "frost.sign", "nonce belongs to another participant")
	}
	sp, err := prepare(share.GroupKey, msg, commitments)
	if err != nil {
		return SignatureShare{}, err
	}
	lambda, err := lagrange(share.ID, sp.ids)
	if err != nil {
		return SignatureShare{}, auraerr.Wrap(auraerr.KindProtocolViolation, "frost.sign", err)
	}
	sk, err := decodeScalar(share.Secret)
	if err != nil {
		return SignatureShare{}, err
	}
	c := challenge(sp.R, share.GroupKey, msg)
	z := g.NewScalar().Add(nonce.hiding, g.NewScalar().Mul(nonce.binding, sp.rho[share.ID]))
	z.Add(z, g.NewScalar().Mul(g.NewScalar().Mul(lambda, sk), c))
	nonce.hiding.SetUint64(0)
	nonce.binding.SetUint64(0)
	nonce.hiding, nonce.binding = nil, nil
	return SignatureShare{ID: share.ID, Z: encodeScalar(z)}, nil
}

// VerifyShare checks one signature share against the signer's verifying share.
func VerifyShare(pub PublicPackage, msg []byte, commitments []NonceCommitment, s SignatureShare) error {
	sp, err := prepare(pub.GroupKey, msg, commitments)
	if err != nil {
		return err
	}
	vsRaw, ok := pub.VerifyingShares[s.ID]
	if !ok {
		return auraerr.Wrap(auraerr.KindByzantine, "frost.verify_share", ErrUnknownSigner)
	}
	comm, ok := sp.commits[s.ID]
	if !ok {
		return auraerr.Wrapf(auraerr.KindByzantine, "frost.verify_share", ErrUnknownSigner, "no commitment from %d", s.ID)
	}
	vs, err := decodeElement(vsRaw)
	if err != nil {
		return err
	}
	z, err := decodeScalar(s.Z)
	if err != nil {
		return err
	}
	lambda, err := lagrange(s.ID, sp.ids)
	if err != nil {
		return auraerr.Wrap(auraerr.KindByzantine, "frost.verify_share", err)
	}
	c := challenge(sp.R, pub.GroupKey, msg)
	Ri := g.NewElement().Add(comm[0], g.NewElement().Mul(comm[1], sp.rho[s.ID]))
	rhs := g.NewElement().Add(Ri, g.NewElement().Mul(vs, g.NewScalar().Mul(c, lambda)))
	if !g.NewElement().MulGen(z).IsEqual(rhs) {
		return auraerr.Wrapf(auraerr.KindByzantine, "frost.verify_share", ErrInvalidShare, "share from %d", s.ID)
	}
	return nil
}

// Aggregate combines at least t verified shares into R || z.
func Aggregate(pub PublicPackage, msg []byte, commitments []NonceCommitment, shares []SignatureShare) ([]byte, error) {
	if len(shares) < int(pub.Threshold) {
		return nil, auraerr.Errorf(auraerr.KindChoreography, "frost.aggregate", "have %d shares, need %d", len(shares), pub.Threshold)
	}
	if len(shares) != len(commitments) {
		return nil, auraerr.Errorf(auraerr.KindProtocolViolation, "frost.aggregate", "%d shares for %d commitments", len(shares), len(commitments))
	}
	sp, err := prepare(pub.GroupKey, msg, commitments)
	if err != nil {
		return nil, err
	}
	z := g.NewScalar()
	for _, s := range shares {
		if err := VerifyShare(pub, msg, commitments, s); err != nil {
			return nil, err
		}
		zi, err := decodeScalar(s.Z)
		if err != nil {
			return nil, err
		}
		z.Add(z, zi)
	}
	sig := append(encodeElement(sp.R), encodeScalar(z)...)
	if !Verify(pub.GroupKey, msg, sig) {
		return nil, auraerr.Wrap(auraerr.KindByzantine, "frost.aggregate", ErrInvalidSignature)
	}
	return sig, nil
}

// Verify checks an aggregated signature against the group key.
func Verify(groupKey, msg, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	Y, err := decodeElement(groupKey)
	if err != nil {
		return false
	}
	R, err := decodeElement(sig[:ElementSize])
	if err != nil {
		return false
	}
	z, err := decodeScalar(sig[ElementSize:])
	if err != nil {
		return false
	}
	c := challenge(R, groupKey, msg)
	rhs := g.NewElement().Add(R, g.NewElement().Mul(Y, c))
	return g.NewElement().MulGen(z).IsEqual(rhs)
}

// SignLocal produces a full signature from shares held in one process, the
// single-device case where this authority holds every share it needs.
func SignLocal(r io.Reader, shares []KeyShare, msg []byte) ([]byte, error) {
	if len(shares) == 0 {
		return nil, auraerr.New(auraerr.KindChoreography, "frost.sign_local", "no shares")
	}
	t := int(shares[0].Threshold)
	if len(shares) < t {
		return nil, auraerr.Errorf(auraerr.KindChoreography, "frost.sign_local", "have %d shares, need %d", len(shares), t)
	}
	signers := shares[:t]
	nonces := make([]*Nonce, len(signers))
	commits := make([]NonceCommitment, len(signers))
	for i, s := range signers {
		nonces[i], commits[i] = Commit(r, s)
	}
	out := make([]SignatureShare, len(signers))
	for i, s := range signers {
		sh, err := Sign(s, nonces[i], msg, commits)
		if err != nil {
			return nil, err
		}
		out[i] = sh
	}
	return Aggregate(signers[0].Public(), msg, commits, out)
}

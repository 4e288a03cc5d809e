package frost

import (
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/cloudflare/circl/group"
)

// DKGCommitment is broadcast in the commit round of Pedersen DKG: Feldman
// commitments to the participant's polynomial plus a proof of knowledge of a0.
type DKGCommitment struct {
	ID          Identifier `cbor:"id"`
	Commitments [][]byte   `cbor:"commitments"`
	ProofR      []byte     `cbor:"proof_r"`
	ProofZ      []byte     `cbor:"proof_z"`
}

// DKGState is the secret state a participant keeps between rounds.
type DKGState struct {
	id   Identifier
	t, n int
	poly polynomial
}

func (s *DKGState) ID() Identifier { return s.id }

func pokChallenge(id Identifier, a0Commit, r group.Element) group.Scalar {
	msg := append(idBytes(id), encodeElement(a0Commit)...)
	msg = append(msg, encodeElement(r)...)
	return g.HashToScalar(msg, []byte(dstPoK))
}

// DKGCommit starts the DKG for participant id.
func DKGCommit(r io.Reader, id Identifier, t, n int) (*DKGState, DKGCommitment, error) {
	if err := checkParams(t, n); err != nil {
		return nil, DKGCommitment{}, err
	}
	if id < 1 || int(id) > n {
		return nil, DKGCommitment{}, auraerr.Errorf(auraerr.KindInvalid, "frost.dkg_commit", "identifier %d outside 1..%d", id, n)
	}
	poly := randomPolynomial(r, g.RandomScalar(r), t)
	cs := poly.commitments()
	k := g.RandomScalar(r)
	R := g.NewElement().MulGen(k)
	c := pokChallenge(id, cs[0], R)
	z := g.NewScalar().Add(k, g.NewScalar().Mul(poly[0], c))
	enc := make([][]byte, len(cs))
	for i, e := range cs {
		enc[i] = encodeElement(e)
	}
	return &DKGState{id: id, t: t, n: n, poly: poly},
		DKGCommitment{ID: id, Commitments: enc, ProofR: encodeElement(R), ProofZ: encodeScalar(z)}, nil
}

// VerifyCommitment checks the proof of knowledge attached to a commitment.
func VerifyCommitment(c DKGCommitment, t int) error {
	if len(c.Commitments) != t {
		return auraerr.Errorf(auraerr.KindByzantine, "frost.dkg_verify", "participant %d committed %d coefficients, want %d", c.ID, len(c.Commitments), t)
	}
	a0, err := decodeElement(c.Commitments[0])
	if err != nil {
		return err
	}
	R, err := decodeElement(c.ProofR)
	if err != nil {
		return err
	}
	z, err := decodeScalar(c.ProofZ)
	if err != nil {
		return err
	}
	ch := pokChallenge(c.ID, a0, R)
	lhs := g.NewElement().MulGen(z)
	rhs := g.NewElement().Add(R, g.NewElement().Mul(a0, ch))
	if !lhs.IsEqual(rhs) {
		return auraerr.Errorf(auraerr.KindByzantine, "frost.dkg_verify", "participant %d proof of knowledge failed", c.ID)
	}
	return nil
}

// DKGReveal returns the secret share f_i(j) destined for every participant j.
func (s *DKGState) DKGReveal() map[Identifier][]byte {
	out := make(map[Identifier][]byte, s.n)
	for j := 1; j <= s.n; j++ {
		id := Identifier(j)
		out[id] = encodeScalar(s.poly.eval(scalarFromID(id)))
	}
	return out
}

// DKGFinalize verifies every share received by this participant against its
// sender's commitments and sums them into the final key share.
// received maps sender id to f_sender(self).
func (s *DKGState) DKGFinalize(commitments []DKGCommitment, received map[Identifier][]byte) (KeyShare, error) {
	if len(commitments) != s.n {
		return KeyShare{}, auraerr.Errorf(auraerr.KindChoreography, "frost.dkg_finalize", "have %d commitments, want %d", len(commitments), s.n)
	}
	byID := make(map[Identifier][]group.Element, s.n)
	for _, c := range commitments {
		if err := VerifyCommitment(c, s.t); err != nil {
			return KeyShare{}, err
		}
		cs := make([]group.Element, len(c.Commitments))
		for i, b := range c.Commitments {
			e, err := decodeElement(b)
			if err != nil {
				return KeyShare{}, err
			}
			cs[i] = e
		}
		byID[c.ID] = cs
	}
	self := scalarFromID(s.id)
	secret := g.NewScalar()
	for sender, cs := range byID {
		raw, ok := received[sender]
		if !ok {
			return KeyShare{}, auraerr.Errorf(auraerr.KindChoreography, "frost.dkg_finalize", "missing share from %d", sender)
		}
		sh, err := decodeScalar(raw)
		if err != nil {
			return KeyShare{}, err
		}
		if !g.NewElement().MulGen(sh).IsEqual(evalCommitment(cs, self)) {
			return KeyShare{}, auraerr.Wrapf(auraerr.KindByzantine, "frost.dkg_finalize", ErrInvalidShare, "share from %d does not match its commitment", sender)
		}
		secret.Add(secret, sh)
	}
	groupKey := g.Identity()
	for _, cs := range byID {
		groupKey.Add(groupKey, cs[0])
	}
	verifying := make(map[Identifier][]byte, s.n)
	for j := 1; j <= s.n; j++ {
		x := scalarFromID(Identifier(j))
		acc := g.Identity()
		for _, cs := range byID {
			acc.Add(acc, evalCommitment(cs, x))
		}
		verifying[Identifier(j)] = encodeElement(acc)
	}
	for _, c := range s.poly {
		c.SetUint64(0)
	}
	return KeyShare{
		ID:              s.id,
		Threshold:       uint16(s.t),
		Secret:          encodeScalar(secret),
		GroupKey:        encodeElement(groupKey),
		VerifyingShares: verifying,
	}, nil
}

package tree

import (
	"context"
	"io"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto/frost"
)

// Attester turns an Op into an AttestedOp.
type Attester interface {
	Attest(ctx context.Context, op Op) (AttestedOp, error)
}

// LocalAttester signs with threshold shares held in this process.
type LocalAttester struct {
	Shares []frost.KeyShare
	Rand   io.Reader
}

func (a LocalAttester) Attest(ctx context.Context, op Op) (AttestedOp, error) {
	if err := ctx.Err(); err != nil {
		return AttestedOp{}, err
	}
	msg, err := op.SigningBytes()
	if err != nil {
		return AttestedOp{}, err
	}
	sig, err := frost.SignLocal(a.Rand, a.Shares, msg)
	if err != nil {
		return AttestedOp{}, err
	}
	return AttestedOp{Op: op, AggSig: sig, SignerCount: uint32(a.Shares[0].Threshold)}, nil
}

// VerifyAttested checks the aggregated signature of a against groupKey.
func VerifyAttested(groupKey []byte, a AttestedOp) error {
	msg, err := a.Op.SigningBytes()
	if err != nil {
		return err
	}
	if a.SignerCount == 0 || !frost.Verify(groupKey, msg, a.AggSig) {
		return auraerr.New(auraerr.KindInvalid, "tree.verify_attested", "aggregated signature does not verify")
	}
	return nil
}

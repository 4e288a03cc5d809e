package consensus

import (
	"bytes"
	"context"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/tree"
	"github.com/Armour007/aura-core/internal/types"
)

// Attester attests tree operations by running a consensus session with
// the witnesses in Roles. Session must be agreed with the witnesses
// beforehand.
type Attester struct {
	Runtime *choreo.Runtime
	Roles   choreo.RoleMap
	Signer  Signer
	Session types.SessionID
	Options CoordinatorOptions
}

var _ tree.Attester = (*Attester)(nil)

// OpRequest is the consensus request for a tree operation.
func OpRequest(op tree.Op) (Request, error) {
	msg, err := op.SigningBytes()
	if err != nil {
		return Request{}, err
	}
	payload, err := codec.Marshal(op)
	if err != nil {
		return Request{}, err
	}
	return Request{Label: "tree:" + op.Op.Kind.String(), Prestate: op.ParentCommitment, Message: msg, Payload: payload}, nil
}

func (a *Attester) Attest(ctx context.Context, op tree.Op) (tree.AttestedOp, error) {
	req, err := OpRequest(op)
	if err != nil {
		return tree.AttestedOp{}, err
	}
	fact, err := Coordinate(ctx, a.Runtime, a.Session, a.Roles, a.Signer, req, a.Options)
	if err != nil {
		return tree.AttestedOp{}, err
	}
	return tree.AttestedOp{Op: op, AggSig: fact.Signature, SignerCount: uint32(len(fact.Signers))}, nil
}

// CheckTreeOp decodes the operation behind a request, confirms the request
// really signs it and hands it to accept.
func CheckTreeOp(accept func(ctx context.Context, op tree.Op) error) Check {
	return func(ctx context.Context, req Request) error {
		const op = "consensus.check_tree_op"
		var o tree.Op
		if err := codec.Unmarshal(req.Payload, &o); err != nil {
			return auraerr.Wrap(auraerr.KindInvalid, op, err)
		}
		msg, err := o.SigningBytes()
		if err != nil {
			return err
		}
		if !bytes.Equal(msg, req.Message) || o.ParentCommitment != req.Prestate {
			return auraerr.New(auraerr.KindByzantine, op, "request does not sign the operation it carries")
		}
		if accept == nil {
			return nil
		}
		return accept(ctx, o)
	}
}

// Package treesync backfills one authority's attested tree operations
// between a coordinator and its replicas. Every party ends on the same
// reduced tree, which the coordinator announces as the final digest.
package treesync

import (
	"bytes"
	"context"
	"sort"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/choreo"
	"github.com/Armour007/aura-core/internal/codec"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/journal"
	"github.com/Armour007/aura-core/internal/types"
)

const Protocol = "tree_sync"

const (
	RoleCoordinator choreo.Role = "sync_coordinator"
	RoleReplica     choreo.Role = "replica/"
)

const (
	MsgRequest  = "sync_request"
	MsgOffer    = "sync_offer"
	MsgPush     = "sync_push"
	MsgDigest   = "sync_digest"
	MsgComplete = "sync_complete"
)

func Choreography() choreo.Choreography {
	return choreo.Choreography{
		Protocol: Protocol,
		Roles:    []choreo.Role{RoleCoordinator, RoleReplica},
		Messages: []choreo.MessageSpec{
			{Type: MsgRequest, From: RoleCoordinator, To: RoleReplica, Capability: "sync:request"},
			{Type: MsgOffer, From: RoleReplica, To: RoleCoordinator, Capability: "sync:offer"},
			{Type: MsgPush, From: RoleCoordinator, To: RoleReplica, Capability: "sync:push"},
			{Type: MsgDigest, From: RoleReplica, To: RoleCoordinator, Capability: "sync:digest"},
			{Type: MsgComplete, From: RoleCoordinator, To: RoleReplica, Capability: "sync:finalize"},
		},
	}
}

type request struct {
	Authority types.AuthorityID `cbor:"1,keyasint"`
	Have      []types.Hash32    `cbor:"2,keyasint"`
}

type offer struct {
	Facts []journal.Fact `cbor:"1,keyasint"`
	Have  []types.Hash32 `cbor:"2,keyasint"`
}

type push struct {
	Facts []journal.Fact `cbor:"1,keyasint"`
}

// Digest is a reduced tree position.
type Digest struct {
	Epoch      uint64       `cbor:"1,keyasint" json:"epoch"`
	Commitment types.Hash32 `cbor:"2,keyasint" json:"commitment"`
}

type Result struct {
	Digest     Digest
	Backfilled int
}

// attested lists the attested-op facts of a in store with their ids.
func attested(store *journal.Store, a types.AuthorityID) ([]journal.Fact, []types.Hash32, error) {
	facts := store.Query(journal.Filter{Kind: journal.FactAttestedOp, Authority: &a})
	cids := make([]types.Hash32, 0, len(facts))
	for _, f := range facts {
		c, err := f.CID()
		if err != nil {
			return nil, nil, err
		}
		cids = append(cids, c)
	}
	return facts, cids, nil
}

// missing returns the facts whose ids are not in have.
func missing(facts []journal.Fact, cids, have []types.Hash32) []journal.Fact {
	known := make(map[types.Hash32]bool, len(have))
	for _, c := range have {
		known[c] = true
	}
	var out []journal.Fact
	for i, c := range cids {
		if !known[c] {
			out = append(out, facts[i])
		}
	}
	return out
}

func haveHash(cids []types.Hash32) []byte {
	sorted := append([]types.Hash32(nil), cids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Compare(sorted[j]) < 0 })
	h := crypto.NewHasher().AddString("aura-tree-sync-have")
	for _, c := range sorted {
		h.Add(c[:])
	}
	sum := h.Sum()
	return sum[:]
}

func digestOf(store *journal.Store, a types.AuthorityID) (Digest, []byte, error) {
	st, err := store.TreeState(a)
	if err != nil {
		return Digest{}, nil, err
	}
	d := Digest{Epoch: st.Epoch, Commitment: st.Commitment}
	b, err := codec.Marshal(d)
	return d, b, err
}

// matches accepts reveals equal to the final digest.
func matches(final []byte) choreo.Opener {
	return func(_ types.AuthorityID, _, reveal []byte) bool { return bytes.Equal(reveal, final) }
}

func send(ctx context.Context, rt *choreo.Runtime, role choreo.Role, typ string, v any) error {
	b, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	if role == "" {
		return rt.Broadcast(ctx, typ, b)
	}
	return rt.SendToRole(ctx, role, typ, b)
}

// Coordinate collects what every replica holds for authority, merges it
// into store, pushes each replica what it lacks and confirms they all
// reduce to the same tree.
func Coordinate(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, store *journal.Store, authority types.AuthorityID) (Result, error) {
	const op = "treesync.coordinate"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Result{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Result, error) { return Result{}, rt.Abandon(ctx, m, err) }
	replicas := roles.Family(RoleReplica)

	_, have, err := attested(store, authority)
	if err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventInitiate, authority[:]); err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, "", MsgRequest, request{Authority: authority, Have: have}); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	var res Result
	haves := map[choreo.Role][]types.Hash32{}
	for _, role := range replicas {
		msg, err := rt.Expect(ctx, role, MsgOffer)
		if err != nil {
			return fail(err)
		}
		var o offer
		if err := msg.Decode(&o); err != nil {
			return fail(err)
		}
		for _, f := range o.Facts {
			if f.Kind != journal.FactAttestedOp || f.Authority != authority {
				return fail(auraerr.New(auraerr.KindProtocolViolation, op, "offer carries an unrelated fact").
					WithSession(sid).WithAuthority(msg.Sender))
			}
		}
		added, err := store.Merge(ctx, o.Facts)
		if err != nil {
			return fail(err)
		}
		res.Backfilled += len(added)
		haves[role] = o.Have
		if err := rt.Observe(ctx, msg.Sender, choreo.EventCommitment, haveHash(o.Have)); err != nil {
			return fail(err)
		}
	}
	cc, ok := choreo.CollectCommitments(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: len(replicas)})
	if !ok {
		return fail(auraerr.New(auraerr.KindChoreography, op, "missing replica offers").WithSession(sid))
	}
	if err := m.Transition(cc); err != nil {
		return fail(err)
	}

	facts, cids, err := attested(store, authority)
	if err != nil {
		return fail(err)
	}
	for _, role := range replicas {
		if err := send(ctx, rt, role, MsgPush, push{Facts: missing(facts, cids, haves[role])}); err != nil {
			return fail(err)
		}
	}
	final, finalBytes, err := digestOf(store, authority)
	if err != nil {
		return fail(err)
	}
	for _, role := range replicas {
		msg, err := rt.Expect(ctx, role, MsgDigest)
		if err != nil {
			return fail(err)
		}
		if err := rt.Observe(ctx, msg.Sender, choreo.EventReveal, msg.Payload); err != nil {
			return fail(err)
		}
	}
	vr, ok := choreo.VerifyReveals(sid, rt.Evidence(), cc, len(replicas), matches(finalBytes))
	if !ok {
		return fail(auraerr.New(auraerr.KindCorruption, op, "replicas reduced to different trees").WithSession(sid))
	}
	if err := m.Transition(vr); err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventFinalize, finalBytes); err != nil {
		return fail(err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, "", MsgComplete, final); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Result{}, err
	}
	res.Digest = final
	return res, nil
}

// Replicate answers a coordinator: it offers what the coordinator lacks,
// merges what it is pushed and checks its tree against the final digest.
func Replicate(ctx context.Context, rt *choreo.Runtime, sid types.SessionID, roles choreo.RoleMap, store *journal.Store) (Result, error) {
	const op = "treesync.replicate"
	if _, err := rt.StartSession(ctx, Choreography(), sid, roles); err != nil {
		return Result{}, err
	}
	m := choreo.NewMachine(Protocol, sid)
	fail := func(err error) (Result, error) { return Result{}, rt.Abandon(ctx, m, err) }
	self := rt.Self()

	msg, err := rt.Expect(ctx, RoleCoordinator, MsgRequest)
	if err != nil {
		return fail(err)
	}
	var req request
	if err := msg.Decode(&req); err != nil {
		return fail(err)
	}
	if err := rt.Observe(ctx, msg.Sender, choreo.EventInitiate, req.Authority[:]); err != nil {
		return fail(err)
	}
	w, _ := choreo.CheckInitiated(sid, rt.Evidence())
	if err := m.Transition(w); err != nil {
		return fail(err)
	}

	facts, cids, err := attested(store, req.Authority)
	if err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventCommitment, haveHash(cids)); err != nil {
		return fail(err)
	}
	if err := send(ctx, rt, RoleCoordinator, MsgOffer, offer{Facts: missing(facts, cids, req.Have), Have: cids}); err != nil {
		return fail(err)
	}
	cc, ok := choreo.CollectCommitments(sid, rt.Evidence(), choreo.CommitmentConfig{Threshold: 1, Authorized: []types.AuthorityID{self}})
	if !ok {
		return fail(auraerr.New(auraerr.KindChoreography, op, "own offer not recorded").WithSession(sid))
	}
	if err := m.Transition(cc); err != nil {
		return fail(err)
	}

	if msg, err = rt.Expect(ctx, RoleCoordinator, MsgPush); err != nil {
		return fail(err)
	}
	var p push
	if err := msg.Decode(&p); err != nil {
		return fail(err)
	}
	for _, f := range p.Facts {
		if f.Kind != journal.FactAttestedOp || f.Authority != req.Authority {
			return fail(auraerr.New(auraerr.KindProtocolViolation, op, "push carries an unrelated fact").WithSession(sid))
		}
	}
	added, err := store.Merge(ctx, p.Facts)
	if err != nil {
		return fail(err)
	}
	_, mine, err := digestOf(store, req.Authority)
	if err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventReveal, mine); err != nil {
		return fail(err)
	}
	if err := rt.SendToRole(ctx, RoleCoordinator, MsgDigest, mine); err != nil {
		return fail(err)
	}

	if msg, err = rt.Expect(ctx, RoleCoordinator, MsgComplete); err != nil {
		return fail(err)
	}
	var final Digest
	if err := msg.Decode(&final); err != nil {
		return fail(err)
	}
	vr, ok := choreo.VerifyReveals(sid, rt.Evidence(), cc, 1, matches(msg.Payload))
	if !ok {
		return fail(auraerr.New(auraerr.KindCorruption, op, "local tree differs from the final digest").WithSession(sid))
	}
	if err := m.Transition(vr); err != nil {
		return fail(err)
	}
	if err := rt.Record(ctx, choreo.EventFinalize, msg.Payload); err != nil {
		return fail(err)
	}
	done, _ := choreo.CheckFinalized(sid, rt.Evidence())
	if err := m.Transition(done); err != nil {
		return fail(err)
	}
	if _, err := rt.EndSession(ctx); err != nil {
		return Result{}, err
	}
	return Result{Digest: final, Backfilled: len(added)}, nil
}

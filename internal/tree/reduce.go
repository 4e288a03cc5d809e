package tree

import (
	"bytes"
	"sort"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/keygraph"
	"github.com/Armour007/aura-core/internal/types"
)

// TreeState is the reduced view of an authority's operation log. It is
// always recomputed, never persisted.
type TreeState struct {
	Authority  types.AuthorityID
	Root       types.NodeID
	Epoch      uint64
	Commitment types.Hash32
	Graph      *keygraph.Graph
	// Leaves maps attached leaf nodes to their descriptors.
	Leaves map[types.NodeID]LeafNode
	// Applied lists CIDs in application order.
	Applied []types.Hash32
	// Rejected maps CIDs of ops that failed to apply to the reason.
	Rejected map[types.Hash32]string
	// Superseded holds CIDs that lost a conflict against a sibling.
	Superseded []types.Hash32
	// Pending holds ops whose parent state has not been reached yet.
	Pending []AttestedOp
}

// Genesis is the empty tree: a root identity with an Any policy.
func Genesis(authority types.AuthorityID) (*TreeState, error) {
	g := keygraph.New()
	root := types.NodeForAuthority(authority)
	if err := g.AddNode(keygraph.Node{ID: root, Kind: keygraph.NodeIdentity, Policy: keygraph.Any()}); err != nil {
		return nil, err
	}
	c, err := g.Commitment(root)
	if err != nil {
		return nil, err
	}
	return &TreeState{
		Authority:  authority,
		Root:       root,
		Commitment: c,
		Graph:      g,
		Leaves:     map[types.NodeID]LeafNode{},
		Rejected:   map[types.Hash32]string{},
	}, nil
}

// Devices lists attached device leaves ordered by node id.
func (s *TreeState) Devices() []LeafNode {
	out := make([]LeafNode, 0, len(s.Leaves))
	for _, l := range s.Leaves {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

// Parent returns the anchor a new op built on this state must carry.
func (s *TreeState) Parent() (uint64, types.Hash32) { return s.Epoch, s.Commitment }

// NewOp anchors op to the current state.
func (s *TreeState) NewOp(op TreeOp) Op {
	return Op{ParentEpoch: s.Epoch, ParentCommitment: s.Commitment, Version: CurrentVersion, Op: op}
}

// Equal compares the observable parts of two states.
func (s *TreeState) Equal(o *TreeState) bool {
	if s.Epoch != o.Epoch || s.Commitment != o.Commitment || len(s.Leaves) != len(o.Leaves) || len(s.Applied) != len(o.Applied) {
		return false
	}
	for i := range s.Applied {
		if s.Applied[i] != o.Applied[i] {
			return false
		}
	}
	return true
}

type ranked struct {
	op  AttestedOp
	cid types.Hash32
}

// outranks orders conflicting siblings: more signers first, then the greater
// aggregated signature, then the greater CID.
func outranks(a, b ranked) bool {
	if a.op.SignerCount != b.op.SignerCount {
		return a.op.SignerCount > b.op.SignerCount
	}
	if c := bytes.Compare(a.op.AggSig, b.op.AggSig); c != 0 {
		return c > 0
	}
	return a.cid.Compare(b.cid) > 0
}

// Reduce replays ops from genesis. Ops are grouped by the parent state they
// were built on; each group resolves conflicts, applies its winners in CID
// order and advances the epoch by one. The result depends only on the set of
// ops, not on their order. Ops with an unknown version fail the reduction.
func Reduce(authority types.AuthorityID, ops []AttestedOp) (*TreeState, error) {
	st, err := Genesis(authority)
	if err != nil {
		return nil, err
	}
	pending := map[types.Hash32]AttestedOp{}
	for _, op := range ops {
		if op.Op.Version != CurrentVersion {
			return nil, auraerr.Errorf(auraerr.KindInvalid, "tree.reduce", "unknown op version %d", op.Op.Version)
		}
		cid, err := op.CID()
		if err != nil {
			return nil, err
		}
		pending[cid] = op
	}

	for {
		var group []ranked
		for cid, op := range pending {
			if op.Op.ParentEpoch == st.Epoch && op.Op.ParentCommitment == st.Commitment {
				group = append(group, ranked{op: op, cid: cid})
			}
		}
		if len(group) == 0 {
			break
		}
		for _, r := range group {
			delete(pending, r.cid)
		}
		sort.Slice(group, func(i, j int) bool { return outranks(group[i], group[j]) })

		claimed := map[types.NodeID]bool{}
		var winners []ranked
		for _, r := range group {
			ts := r.op.Op.Op.targets()
			conflict := false
			for _, t := range ts {
				if claimed[t] {
					conflict = true
					break
				}
			}
			if conflict {
				st.Superseded = append(st.Superseded, r.cid)
				continue
			}
			for _, t := range ts {
				claimed[t] = true
			}
			winners = append(winners, r)
		}
		sort.Slice(winners, func(i, j int) bool { return winners[i].cid.Compare(winners[j].cid) < 0 })

		applied := false
		for _, w := range winners {
			saved := st.Graph.Clone()
			if err := st.apply(w.op.Op.Op); err != nil {
				st.Graph = saved
				st.Rejected[w.cid] = err.Error()
				continue
			}
			st.Applied = append(st.Applied, w.cid)
			applied = true
		}
		if !applied {
			break
		}
		st.Epoch++
		if st.Commitment, err = st.Graph.Commitment(st.Root); err != nil {
			return nil, err
		}
	}

	for _, op := range pending {
		st.Pending = append(st.Pending, op)
	}
	sort.Slice(st.Pending, func(i, j int) bool {
		a, _ := st.Pending[i].CID()
		b, _ := st.Pending[j].CID()
		return a.Compare(b) < 0
	})
	sort.Slice(st.Superseded, func(i, j int) bool { return st.Superseded[i].Compare(st.Superseded[j]) < 0 })
	return st, nil
}

// apply mutates the graph for one op. A failing op leaves the graph as it was.
func (s *TreeState) apply(op TreeOp) error {
	const name = "tree.apply"
	switch op.Kind {
	case OpAddLeaf:
		a := op.AddLeaf
		if a == nil {
			return auraerr.New(auraerr.KindInvalid, name, "add_leaf without payload")
		}
		parent, ok := s.Graph.Node(a.Under)
		if !ok {
			return auraerr.Errorf(auraerr.KindNotFound, name, "parent %s", a.Under)
		}
		if parent.Kind == keygraph.NodeDevice {
			return auraerr.New(auraerr.KindInvalid, name, "devices cannot contain leaves")
		}
		kind := a.Leaf.Kind
		if kind == 0 {
			kind = keygraph.NodeDevice
		}
		if kind != keygraph.NodeDevice && kind != keygraph.NodeGuardian {
			return auraerr.Errorf(auraerr.KindInvalid, name, "leaf kind %s", kind)
		}
		if err := s.Graph.AddNode(keygraph.Node{ID: a.Leaf.ID, Kind: kind, Policy: keygraph.Any()}); err != nil {
			return err
		}
		if err := s.Graph.AddEdge(keygraph.Edge{From: a.Under, To: a.Leaf.ID, Kind: keygraph.EdgeContains}); err != nil {
			return err
		}
		leaf := a.Leaf
		leaf.Kind = kind
		s.Leaves[leaf.ID] = leaf
		return nil

	case OpRemoveLeaf:
		r := op.RemoveLeaf
		if r == nil {
			return auraerr.New(auraerr.KindInvalid, name, "remove_leaf without payload")
		}
		if _, ok := s.Leaves[r.Leaf]; !ok {
			return auraerr.Errorf(auraerr.KindNotFound, name, "leaf %s", r.Leaf)
		}
		if _, err := s.Graph.Detach(r.Leaf); err != nil {
			return err
		}
		delete(s.Leaves, r.Leaf)
		return nil

	case OpChangePolicy:
		c := op.ChangePolicy
		if c == nil {
			return auraerr.New(auraerr.KindInvalid, name, "change_policy without payload")
		}
		return s.Graph.SetPolicy(c.Node, c.Policy)

	case OpRotateEpoch:
		r := op.RotateEpoch
		if r == nil || len(r.Affected) == 0 {
			return auraerr.New(auraerr.KindInvalid, name, "rotate_epoch without nodes")
		}
		for _, id := range r.Affected {
			if _, ok := s.Graph.Node(id); !ok {
				return auraerr.Errorf(auraerr.KindNotFound, name, "node %s", id)
			}
		}
		for _, id := range r.Affected {
			if err := s.Graph.BumpEpoch(id); err != nil {
				return err
			}
		}
		return nil
	}
	return auraerr.Errorf(auraerr.KindInvalid, name, "unknown op kind %d", op.Kind)
}

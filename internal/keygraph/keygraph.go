// Package keygraph holds an authority's key graph: nodes with threshold
// policies and epochs, typed edges, and the bottom-up commitment over them.
package keygraph

import (
	"sort"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/crypto"
	"github.com/Armour007/aura-core/internal/types"
)

// MaxDepth bounds commitment recursion.
const MaxDepth = 64

type NodeKind uint8

const (
	NodeDevice   NodeKind = 1
	NodeIdentity NodeKind = 2
	NodeGroup    NodeKind = 3
	NodeGuardian NodeKind = 4
)

func (k NodeKind) String() string {
	switch k {
	case NodeDevice:
		return "device"
	case NodeIdentity:
		return "identity"
	case NodeGroup:
		return "group"
	case NodeGuardian:
		return "guardian"
	}
	return "unknown"
}

func (k NodeKind) valid() bool { return k >= NodeDevice && k <= NodeGuardian }

type EdgeKind uint8

const (
	EdgeContains  EdgeKind = 1
	EdgeDelegates EdgeKind = 2
	EdgeBinds     EdgeKind = 3
)

type Node struct {
	ID     types.NodeID `cbor:"1,keyasint" json:"id"`
	Kind   NodeKind     `cbor:"2,keyasint" json:"kind"`
	Policy Policy       `cbor:"3,keyasint" json:"policy"`
	Epoch  uint64       `cbor:"4,keyasint" json:"epoch"`
}

type Edge struct {
	From types.NodeID `cbor:"1,keyasint" json:"from"`
	To   types.NodeID `cbor:"2,keyasint" json:"to"`
	Kind EdgeKind     `cbor:"3,keyasint" json:"kind"`
}

// Graph is a mutable key graph. It is not safe for concurrent use; callers
// that share one hold their own lock or work on a Clone.
type Graph struct {
	nodes  map[types.NodeID]Node
	edges  []Edge
	parent map[types.NodeID]types.NodeID
}

func New() *Graph {
	return &Graph{nodes: map[types.NodeID]Node{}, parent: map[types.NodeID]types.NodeID{}}
}

func (g *Graph) Clone() *Graph {
	c := New()
	for id, n := range g.nodes {
		c.nodes[id] = n
	}
	c.edges = append([]Edge(nil), g.edges...)
	for k, v := range g.parent {
		c.parent[k] = v
	}
	return c
}

func (g *Graph) AddNode(n Node) error {
	if !n.Kind.valid() {
		return auraerr.Errorf(auraerr.KindInvalid, "keygraph.add_node", "unknown node kind %d", n.Kind)
	}
	if err := n.Policy.Validate(); err != nil {
		return err
	}
	if _, ok := g.nodes[n.ID]; ok {
		return auraerr.Errorf(auraerr.KindInvalid, "keygraph.add_node", "node %s exists", n.ID)
	}
	g.nodes[n.ID] = n
	return nil
}

func (g *Graph) Node(id types.NodeID) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node ordered by id.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Compare(out[j].ID) < 0 })
	return out
}

func (g *Graph) Edges() []Edge { return append([]Edge(nil), g.edges...) }

func (g *Graph) Parent(id types.NodeID) (types.NodeID, bool) {
	p, ok := g.parent[id]
	return p, ok
}

// Children returns the Contains children of id ordered by id.
func (g *Graph) Children(id types.NodeID) []types.NodeID {
	return containsChildren(id, g.edges)
}

func containsChildren(id types.NodeID, edges []Edge) []types.NodeID {
	var out []types.NodeID
	for _, e := range edges {
		if e.Kind == EdgeContains && e.From == id {
			out = append(out, e.To)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// reachable reports whether to is reachable from from over any edge kind.
func (g *Graph) reachable(from, to types.NodeID) bool {
	seen := map[types.NodeID]bool{}
	stack := []types.NodeID{from}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur == to {
			return true
		}
		if seen[cur] {
			continue
		}
		seen[cur] = true
		for _, e := range g.edges {
			if e.From == cur {
				stack = append(stack, e.To)
			}
		}
	}
	return false
}

// AddEdge links two existing nodes. A second Contains parent and any edge
// closing a cycle are rejected.
func (g *Graph) AddEdge(e Edge) error {
	const op = "keygraph.add_edge"
	if e.Kind < EdgeContains || e.Kind > EdgeBinds {
		return auraerr.Errorf(auraerr.KindInvalid, op, "unknown edge kind %d", e.Kind)
	}
	if _, ok := g.nodes[e.From]; !ok {
		return auraerr.Errorf(auraerr.KindNotFound, op, "node %s", e.From)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return auraerr.Errorf(auraerr.KindNotFound, op, "node %s", e.To)
	}
	if e.From == e.To || g.reachable(e.To, e.From) {
		return auraerr.New(auraerr.KindInvalid, op, "edge would form a cycle")
	}
	for _, x := range g.edges {
		if x == e {
			return nil
		}
	}
	if e.Kind == EdgeContains {
		if p, ok := g.parent[e.To]; ok {
			return auraerr.Errorf(auraerr.KindInvalid, op, "node %s already contained by %s", e.To, p)
		}
		g.parent[e.To] = e.From
	}
	g.edges = append(g.edges, e)
	return nil
}

// Detach removes the Contains edge above id and bumps the former parent's
// epoch. The node itself stays in the graph, unreachable from the root.
func (g *Graph) Detach(id types.NodeID) (types.NodeID, error) {
	p, ok := g.parent[id]
	if !ok {
		return types.NodeID{}, auraerr.Errorf(auraerr.KindNotFound, "keygraph.detach", "node %s has no parent", id)
	}
	kept := g.edges[:0]
	for _, e := range g.edges {
		if e.Kind == EdgeContains && e.From == p && e.To == id {
			continue
		}
		kept = append(kept, e)
	}
	g.edges = kept
	delete(g.parent, id)
	return p, g.BumpEpoch(p)
}

func (g *Graph) BumpEpoch(id types.NodeID) error {
	n, ok := g.nodes[id]
	if !ok {
		return auraerr.Errorf(auraerr.KindNotFound, "keygraph.bump_epoch", "node %s", id)
	}
	n.Epoch++
	g.nodes[id] = n
	return nil
}

// SetPolicy replaces a node's policy. The new policy must require at least
// as many signers as the old one for the node's current children.
func (g *Graph) SetPolicy(id types.NodeID, p Policy) error {
	const op = "keygraph.set_policy"
	n, ok := g.nodes[id]
	if !ok {
		return auraerr.Errorf(auraerr.KindNotFound, op, "node %s", id)
	}
	if err := p.Validate(); err != nil {
		return err
	}
	k := len(g.Children(id))
	if !p.StricterOrEqual(n.Policy, k) {
		return auraerr.Errorf(auraerr.KindInvalid, op, "policy %s weaker than %s", p, n.Policy)
	}
	if p.Kind == PolicyThreshold && k > 0 && int(p.M) > k {
		return auraerr.Errorf(auraerr.KindInvalid, op, "threshold %d exceeds %d children", p.M, k)
	}
	n.Policy = p
	g.nodes[id] = n
	return nil
}

// Commitment derives the commitment of the subtree rooted at id.
func (g *Graph) Commitment(id types.NodeID) (types.Hash32, error) {
	return DeriveCommitment(id, g.nodes, g.edges)
}

// Reachable lists the nodes under root over Contains edges, root included.
func (g *Graph) Reachable(root types.NodeID) []types.NodeID {
	var out []types.NodeID
	var walk func(id types.NodeID, depth int)
	walk = func(id types.NodeID, depth int) {
		if depth > MaxDepth {
			return
		}
		out = append(out, id)
		for _, c := range g.Children(id) {
			walk(c, depth+1)
		}
	}
	if _, ok := g.nodes[root]; ok {
		walk(root, 0)
	}
	return out
}

// DeriveCommitment computes
// H("NODE" || kind || policy || epoch_le64 || sorted child commitments)
// recursively over Contains edges. Cycles, missing nodes and graphs deeper
// than MaxDepth fail.
func DeriveCommitment(root types.NodeID, nodes map[types.NodeID]Node, edges []Edge) (types.Hash32, error) {
	visiting := map[types.NodeID]bool{}
	var derive func(id types.NodeID, depth int) (types.Hash32, error)
	derive = func(id types.NodeID, depth int) (types.Hash32, error) {
		const op = "keygraph.derive_commitment"
		if depth > MaxDepth {
			return types.Hash32{}, auraerr.Errorf(auraerr.KindCorruption, op, "depth limit %d exceeded", MaxDepth)
		}
		n, ok := nodes[id]
		if !ok {
			return types.Hash32{}, auraerr.Errorf(auraerr.KindNotFound, op, "node %s", id)
		}
		if visiting[id] {
			return types.Hash32{}, auraerr.Errorf(auraerr.KindCorruption, op, "cycle through %s", id)
		}
		visiting[id] = true
		defer delete(visiting, id)

		children := containsChildren(id, edges)
		sums := make([]types.Hash32, 0, len(children))
		for _, c := range children {
			h, err := derive(c, depth+1)
			if err != nil {
				return types.Hash32{}, err
			}
			sums = append(sums, h)
		}
		sort.Slice(sums, func(i, j int) bool { return sums[i].Compare(sums[j]) < 0 })

		h := crypto.NewHasher().AddString("NODE").AddByte(byte(n.Kind)).Add(n.Policy.Bytes()).AddUint64(n.Epoch)
		for _, s := range sums {
			h.Add(s[:])
		}
		return h.Sum(), nil
	}
	return derive(root, 0)
}

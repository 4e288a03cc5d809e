package keygraph

import (
	"testing"

	"github.com/Armour007/aura-core/internal/auraerr"
	"github.com/Armour007/aura-core/internal/types"
)

func identityWithDevices(t *testing.T) (*Graph, types.NodeID, types.NodeID, types.NodeID) {
	t.Helper()
	g := New()
	root, d1, d2 := types.NodeFromSeed(1), types.NodeFromSeed(2), types.NodeFromSeed(3)
	for _, n := range []Node{
		{ID: root, Kind: NodeIdentity, Policy: Threshold(2, 2)},
		{ID: d1, Kind: NodeDevice, Policy: Any()},
		{ID: d2, Kind: NodeDevice, Policy: Any()},
	} {
		if err := g.AddNode(n); err != nil {
			t.Fatalf("add node: %v", err)
		}
	}
	for _, c := range []types.NodeID{d1, d2} {
		if err := g.AddEdge(Edge{From: root, To: c, Kind: EdgeContains}); err != nil {
			t.Fatalf("add edge: %v", err)
		}
	}
	return g, root, d1, d2
}

func TestCommitmentDeterministicAndEpochSensitive(t *testing.T) {
	g, root, d1, _ := identityWithDevices(t)
	a, err := g.Commitment(root)
	if err != nil {
		t.Fatalf("commitment: %v", err)
	}
	b, _ := g.Commitment(root)
	if a != b {
		t.Fatalf("commitment not deterministic")
	}
	if err := g.BumpEpoch(d1); err != nil {
		t.Fatalf("bump: %v", err)
	}
	c, _ := g.Commitment(root)
	if c == a {
		t.Fatalf("rotating a child did not change the root commitment")
	}
}

func TestCommitmentIndependentOfInsertionOrder(t *testing.T) {
	g1, root, d1, d2 := identityWithDevices(t)

	g2 := New()
	_ = g2.AddNode(Node{ID: d2, Kind: NodeDevice, Policy: Any()})
	_ = g2.AddNode(Node{ID: root, Kind: NodeIdentity, Policy: Threshold(2, 2)})
	_ = g2.AddNode(Node{ID: d1, Kind: NodeDevice, Policy: Any()})
	_ = g2.AddEdge(Edge{From: root, To: d2, Kind: EdgeContains})
	_ = g2.AddEdge(Edge{From: root, To: d1, Kind: EdgeContains})

	a, _ := g1.Commitment(root)
	b, _ := g2.Commitment(root)
	if a != b {
		t.Fatalf("commitment depends on insertion order")
	}
}

func TestAddEdgeRejectsCyclesAndSecondParent(t *testing.T) {
	g, root, d1, d2 := identityWithDevices(t)
	grp := types.NodeFromSeed(9)
	_ = g.AddNode(Node{ID: grp, Kind: NodeGroup, Policy: Any()})

	if err := g.AddEdge(Edge{From: grp, To: d1, Kind: EdgeContains}); !auraerr.Is(err, auraerr.KindInvalid) {
		t.Fatalf("second parent: %v", err)
	}
	if err := g.AddEdge(Edge{From: d1, To: root, Kind: EdgeDelegates}); !auraerr.Is(err, auraerr.KindInvalid) {
		t.Fatalf("cycle: %v", err)
	}
	if err := g.AddEdge(Edge{From: d2, To: d2, Kind: EdgeBinds}); !auraerr.Is(err, auraerr.KindInvalid) {
		t.Fatalf("self loop: %v", err)
	}
	if err := g.AddEdge(Edge{From: root, To: types.NodeFromSeed(77), Kind: EdgeContains}); !auraerr.Is(err, auraerr.KindNotFound) {
		t.Fatalf("missing node: %v", err)
	}
}

func TestDeriveCommitmentFailures(t *testing.T) {
	a, b := types.NodeFromSeed(1), types.NodeFromSeed(2)
	nodes := map[types.NodeID]Node{
		a: {ID: a, Kind: NodeGroup, Policy: Any()},
		b: {ID: b, Kind: NodeGroup, Policy: Any()},
	}
	cyclic := []Edge{{From: a, To: b, Kind: EdgeContains}, {From: b, To: a, Kind: EdgeContains}}
	if _, err := DeriveCommitment(a, nodes, cyclic); !auraerr.Is(err, auraerr.KindCorruption) {
		t.Fatalf("cycle: %v", err)
	}
	dangling := []Edge{{From: a, To: types.NodeFromSeed(3), Kind: EdgeContains}}
	if _, err := DeriveCommitment(a, nodes, dangling); !auraerr.Is(err, auraerr.KindNotFound) {
		t.Fatalf("missing: %v", err)
	}

	deep := map[types.NodeID]Node{}
	var chain []Edge
	for i := uint64(0); i <= MaxDepth+1; i++ {
		id := types.NodeFromSeed(100 + i)
		deep[id] = Node{ID: id, Kind: NodeGroup, Policy: Any()}
		if i > 0 {
			chain = append(chain, Edge{From: types.NodeFromSeed(99 + i), To: id, Kind: EdgeContains})
		}
	}
	if _, err := DeriveCommitment(types.NodeFromSeed(100), deep, chain); !auraerr.Is(err, auraerr.KindCorruption) {
		t.Fatalf("depth: %v", err)
	}
}

func TestDetachBumpsParent(t *testing.T) {
	g, root, d1, _ := identityWithDevices(t)
	before, _ := g.Commitment(root)
	p, err := g.Detach(d1)
	if err != nil || p != root {
		t.Fatalf("detach = %v %v", p, err)
	}
	if n, _ := g.Node(root); n.Epoch != 1 {
		t.Fatalf("parent epoch = %d", n.Epoch)
	}
	if len(g.Children(root)) != 1 {
		t.Fatalf("children = %v", g.Children(root))
	}
	if _, ok := g.Node(d1); !ok {
		t.Fatalf("detached node removed")
	}
	after, _ := g.Commitment(root)
	if before == after {
		t.Fatalf("commitment unchanged")
	}
	if _, err := g.Detach(d1); !auraerr.Is(err, auraerr.KindNotFound) {
		t.Fatalf("second detach: %v", err)
	}
}

func TestPolicies(t *testing.T) {
	cases := []struct {
		p  Policy
		ok bool
	}{
		{All(), true},
		{Any(), true},
		{Threshold(1, 1), true},
		{Threshold(2, 3), true},
		{Threshold(0, 3), false},
		{Threshold(4, 3), false},
		{Policy{Kind: 9}, false},
	}
	for _, c := range cases {
		if err := c.p.Validate(); (err == nil) != c.ok {
			t.Errorf("%v: err=%v", c.p, err)
		}
	}
	if !Threshold(2, 3).StricterOrEqual(Any(), 3) {
		t.Fatalf("2/3 should be stricter than any")
	}
	if Any().StricterOrEqual(All(), 3) {
		t.Fatalf("any should be weaker than all over 3")
	}
	if !All().StricterOrEqual(Threshold(3, 3), 3) {
		t.Fatalf("all over 3 equals 3/3")
	}
}

func TestSetPolicyMonotone(t *testing.T) {
	g, root, _, _ := identityWithDevices(t)
	if err := g.SetPolicy(root, Any()); !auraerr.Is(err, auraerr.KindInvalid) {
		t.Fatalf("weakening accepted: %v", err)
	}
	if err := g.SetPolicy(root, All()); err != nil {
		t.Fatalf("equal strictness: %v", err)
	}
	if err := g.SetPolicy(root, Threshold(3, 3)); !auraerr.Is(err, auraerr.KindInvalid) {
		t.Fatalf("threshold above children accepted: %v", err)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	g, root, d1, _ := identityWithDevices(t)
	c := g.Clone()
	_ = c.BumpEpoch(d1)
	a, _ := g.Commitment(root)
	b, _ := c.Commitment(root)
	if a == b {
		t.Fatalf("clone shares state")
	}
	if got := len(g.Reachable(root)); got != 3 {
		t.Fatalf("reachable = %d", got)
	}
}

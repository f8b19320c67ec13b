package graph

import (
	"testing"

	"github.com/MegaWatt01/si/cas"
)

func TestNewNodeID_ParsesBack(t *testing.T) {
	id := NewNodeID()
	parsed, err := ParseNodeID(string(id))
	if err != nil {
		t.Fatalf("ParseNodeID(%q) failed: %v", id, err)
	}
	if parsed != id {
		t.Errorf("round trip mismatch: %s vs %s", parsed, id)
	}
}

func TestParseNodeID_Invalid(t *testing.T) {
	if _, err := ParseNodeID("not-a-ulid"); err == nil {
		t.Error("expected error for malformed id")
	}
}

func TestEdgeKind_Ordered(t *testing.T) {
	ordered := []EdgeKind{EdgeContain, EdgeProp, EdgeSocket}
	unordered := []EdgeKind{EdgeUse, EdgeConnect}

	for _, k := range ordered {
		if !k.Ordered() {
			t.Errorf("%s should be ordered", k)
		}
	}
	for _, k := range unordered {
		if k.Ordered() {
			t.Errorf("%s should be unordered", k)
		}
	}
}

func TestNode_Clone_Isolated(t *testing.T) {
	n := &Node{
		ID:   NewNodeID(),
		Kind: KindResource,
		Edges: []EdgeRef{
			{Kind: EdgeContain, Target: "a", Ordinal: 1},
		},
	}

	c := n.Clone()
	c.Edges[0].Target = "b"
	c.Tombstone = true

	if n.Edges[0].Target != "a" {
		t.Error("clone shares edge backing with original")
	}
	if n.Tombstone {
		t.Error("clone shares scalar state with original")
	}
}

func TestNode_Sum_EdgeOrderInvariant(t *testing.T) {
	id := NewNodeID()
	ph, _ := cas.PayloadHash(map[string]interface{}{"name": "vpc"})

	a := &Node{ID: id, Kind: KindResource, PayloadHash: ph, Edges: []EdgeRef{
		{Kind: EdgeUse, Target: "f2"},
		{Kind: EdgeUse, Target: "f1"},
	}}
	b := &Node{ID: id, Kind: KindResource, PayloadHash: ph, Edges: []EdgeRef{
		{Kind: EdgeUse, Target: "f1"},
		{Kind: EdgeUse, Target: "f2"},
	}}

	ha, err := a.Sum()
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	hb, err := b.Sum()
	if err != nil {
		t.Fatalf("Sum failed: %v", err)
	}
	if ha != hb {
		t.Error("same edge set in different slice order hashed differently")
	}
}

func TestNode_Sum_SensitiveToTombstone(t *testing.T) {
	id := NewNodeID()
	live := &Node{ID: id, Kind: KindResource}
	dead := &Node{ID: id, Kind: KindResource, Tombstone: true}

	hl, _ := live.Sum()
	hd, _ := dead.Sum()
	if hl == hd {
		t.Error("tombstone flag did not change the entry hash")
	}
}

func TestSortEdges_Canonical(t *testing.T) {
	edges := []EdgeRef{
		{Kind: EdgeUse, Target: "z"},
		{Kind: EdgeContain, Target: "b", Ordinal: 2},
		{Kind: EdgeUse, Target: "a"},
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
	}
	SortEdges(edges)

	want := []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
		{Kind: EdgeContain, Target: "b", Ordinal: 2},
		{Kind: EdgeUse, Target: "a"},
		{Kind: EdgeUse, Target: "z"},
	}
	for i := range want {
		if edges[i] != want[i] {
			t.Fatalf("position %d: got %+v, want %+v", i, edges[i], want[i])
		}
	}
}

func TestInsertAfter_Anchored(t *testing.T) {
	edges := []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
		{Kind: EdgeContain, Target: "c", Ordinal: 2},
	}

	out, ok := InsertAfter(edges, EdgeRef{Kind: EdgeContain, Target: "b"}, "a")
	if !ok {
		t.Fatal("InsertAfter rejected a valid anchor")
	}

	targets := targetsOf(out, EdgeContain)
	want := []NodeID{"a", "b", "c"}
	assertOrder(t, targets, want)
}

func TestInsertAfter_EmptyAnchorPrepends(t *testing.T) {
	edges := []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
	}

	out, ok := InsertAfter(edges, EdgeRef{Kind: EdgeContain, Target: "x"}, "")
	if !ok {
		t.Fatal("InsertAfter rejected empty anchor")
	}
	assertOrder(t, targetsOf(out, EdgeContain), []NodeID{"x", "a"})
}

func TestInsertAfter_MissingAnchor(t *testing.T) {
	edges := []EdgeRef{{Kind: EdgeContain, Target: "a", Ordinal: 1}}
	if _, ok := InsertAfter(edges, EdgeRef{Kind: EdgeContain, Target: "b"}, "ghost"); ok {
		t.Error("InsertAfter accepted a missing anchor")
	}
}

func TestRemoveRef_RenumberStaysDense(t *testing.T) {
	edges := []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
		{Kind: EdgeContain, Target: "b", Ordinal: 2},
		{Kind: EdgeContain, Target: "c", Ordinal: 3},
	}

	out, ok := RemoveRef(edges, EdgeContain, "b")
	if !ok {
		t.Fatal("RemoveRef missed an existing edge")
	}
	Renumber(out, EdgeContain)

	assertOrder(t, targetsOf(out, EdgeContain), []NodeID{"a", "c"})
	for i, e := range out {
		if e.Ordinal != uint32(i+1) {
			t.Errorf("ordinal %d at position %d, want %d", e.Ordinal, i, i+1)
		}
	}
}

func TestReorder_Permutation(t *testing.T) {
	edges := []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
		{Kind: EdgeContain, Target: "b", Ordinal: 2},
		{Kind: EdgeContain, Target: "c", Ordinal: 3},
	}

	out, ok := Reorder(edges, EdgeContain, []NodeID{"c", "a", "b"})
	if !ok {
		t.Fatal("Reorder rejected a valid permutation")
	}
	assertOrder(t, targetsOf(out, EdgeContain), []NodeID{"c", "a", "b"})
}

func TestReorder_RejectsNonPermutation(t *testing.T) {
	edges := []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
		{Kind: EdgeContain, Target: "b", Ordinal: 2},
	}

	cases := [][]NodeID{
		{"a"},           // too short
		{"a", "b", "c"}, // extra element
		{"a", "a"},      // repeat
		{"a", "ghost"},  // unknown target
	}
	for _, order := range cases {
		if _, ok := Reorder(edges, EdgeContain, order); ok {
			t.Errorf("Reorder accepted %v", order)
		}
	}
}

func TestValidateOrdinals(t *testing.T) {
	good := &Node{ID: "n", Kind: KindResource, Edges: []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
		{Kind: EdgeContain, Target: "b", Ordinal: 2},
		{Kind: EdgeUse, Target: "f"},
	}}
	if err := ValidateOrdinals(good); err != nil {
		t.Errorf("valid node rejected: %v", err)
	}

	gap := &Node{ID: "n", Edges: []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
		{Kind: EdgeContain, Target: "b", Ordinal: 3},
	}}
	if err := ValidateOrdinals(gap); err == nil {
		t.Error("ordinal gap accepted")
	}

	dup := &Node{ID: "n", Edges: []EdgeRef{
		{Kind: EdgeContain, Target: "a", Ordinal: 1},
		{Kind: EdgeContain, Target: "b", Ordinal: 1},
	}}
	if err := ValidateOrdinals(dup); err == nil {
		t.Error("duplicate ordinal accepted")
	}

	dupEdge := &Node{ID: "n", Edges: []EdgeRef{
		{Kind: EdgeUse, Target: "f"},
		{Kind: EdgeUse, Target: "f"},
	}}
	if err := ValidateOrdinals(dupEdge); err == nil {
		t.Error("duplicate (kind,target) accepted")
	}

	unorderedOrdinal := &Node{ID: "n", Edges: []EdgeRef{
		{Kind: EdgeUse, Target: "f", Ordinal: 2},
	}}
	if err := ValidateOrdinals(unorderedOrdinal); err == nil {
		t.Error("ordinal on unordered edge accepted")
	}
}

func TestCheckEdgeTargets(t *testing.T) {
	nodes := map[NodeID]*Node{
		"live": {ID: "live", Kind: KindResource},
		"dead": {ID: "dead", Kind: KindResource, Tombstone: true},
	}
	lookup := func(id NodeID) (*Node, bool) {
		n, ok := nodes[id]
		return n, ok
	}

	okNode := &Node{ID: "n", Kind: KindResource, Edges: []EdgeRef{
		{Kind: EdgeUse, Target: "live"},
		{Kind: EdgeUse, Target: "dead"}, // tombstoned target stays legal
	}}
	if err := CheckEdgeTargets(okNode, lookup); err != nil {
		t.Errorf("edge to tombstoned entry rejected: %v", err)
	}

	dangling := &Node{ID: "n", Kind: KindResource, Edges: []EdgeRef{
		{Kind: EdgeUse, Target: "ghost"},
	}}
	if err := CheckEdgeTargets(dangling, lookup); err == nil {
		t.Error("edge to missing entry accepted")
	}

	self := &Node{ID: "n", Kind: KindResource, Edges: []EdgeRef{
		{Kind: EdgeUse, Target: "n"},
	}}
	if err := CheckEdgeTargets(self, lookup); err == nil {
		t.Error("self edge accepted")
	}
}

func TestValidateNode_TombstoneKeepsNoEdges(t *testing.T) {
	n := &Node{ID: "n", Kind: KindResource, Tombstone: true, Edges: []EdgeRef{
		{Kind: EdgeUse, Target: "f"},
	}}
	if err := ValidateNode(n); err == nil {
		t.Error("tombstone with outgoing edges accepted")
	}
}

func targetsOf(edges []EdgeRef, kind EdgeKind) []NodeID {
	n := &Node{Edges: edges}
	return n.TargetsOfKind(kind)
}

func assertOrder(t *testing.T, got, want []NodeID) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %v, want %v", i, got, want)
		}
	}
}

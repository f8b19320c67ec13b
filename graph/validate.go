package graph

import "fmt"

// ValidateOrdinals checks one node's edge list: ordered kinds must carry
// dense 1..n ordinals with no duplicates, unordered kinds must carry 0,
// and no (kind, target) pair may repeat.
func ValidateOrdinals(n *Node) error {
	seen := make(map[EdgeKind]map[NodeID]bool)
	perKind := make(map[EdgeKind][]uint32)

	for _, e := range n.Edges {
		if seen[e.Kind] == nil {
			seen[e.Kind] = make(map[NodeID]bool)
		}
		if seen[e.Kind][e.Target] {
			return fmt.Errorf("node %s: duplicate edge %s -> %s", n.ID, e.Kind, e.Target)
		}
		seen[e.Kind][e.Target] = true

		if e.Kind.Ordered() {
			perKind[e.Kind] = append(perKind[e.Kind], e.Ordinal)
		} else if e.Ordinal != 0 {
			return fmt.Errorf("node %s: unordered edge %s -> %s carries ordinal %d", n.ID, e.Kind, e.Target, e.Ordinal)
		}
	}

	for kind, ords := range perKind {
		marks := make([]bool, len(ords)+1)
		for _, o := range ords {
			if o < 1 || int(o) > len(ords) {
				return fmt.Errorf("node %s: %s ordinal %d out of range 1..%d", n.ID, kind, o, len(ords))
			}
			if marks[o] {
				return fmt.Errorf("node %s: %s ordinal %d repeated", n.ID, kind, o)
			}
			marks[o] = true
		}
	}
	return nil
}

// CheckEdgeTargets resolves every outgoing edge through lookup. An edge to
// a missing entry is an error; an edge to a tombstoned entry is legal (the
// read path renders it as absent). Self-edges are always an error.
func CheckEdgeTargets(n *Node, lookup func(NodeID) (*Node, bool)) error {
	for _, e := range n.Edges {
		if e.Target == n.ID {
			return fmt.Errorf("node %s: self edge %s", n.ID, e.Kind)
		}
		if _, ok := lookup(e.Target); !ok {
			return fmt.Errorf("node %s: edge %s -> %s targets a missing entry", n.ID, e.Kind, e.Target)
		}
	}
	return nil
}

// ValidateNode runs the local structural checks plus the tombstone rule:
// a tombstoned node keeps no outgoing edges.
func ValidateNode(n *Node) error {
	if !ValidKind(n.Kind) {
		return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
	}
	if n.Tombstone && len(n.Edges) > 0 {
		return fmt.Errorf("node %s: tombstone with %d outgoing edges", n.ID, len(n.Edges))
	}
	for _, e := range n.Edges {
		if !ValidEdgeKind(e.Kind) {
			return fmt.Errorf("node %s: unknown edge kind %q", n.ID, e.Kind)
		}
	}
	return ValidateOrdinals(n)
}

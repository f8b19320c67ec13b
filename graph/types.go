// Package graph defines the node and edge model of the configuration graph.
package graph

import (
	"fmt"

	"github.com/oklog/ulid/v2"

	"github.com/MegaWatt01/si/cas"
)

// NodeID identifies a node for its whole life. IDs are ULIDs: sortable by
// creation time, never reused, stable across snapshots.
type NodeID string

// NewNodeID returns a fresh ULID-backed id.
func NewNodeID() NodeID {
	return NodeID(ulid.Make().String())
}

// ParseNodeID validates a ULID string.
func ParseNodeID(s string) (NodeID, error) {
	if _, err := ulid.Parse(s); err != nil {
		return "", fmt.Errorf("parse node id %q: %w", s, err)
	}
	return NodeID(s), nil
}

// NodeKind represents the type of a node.
type NodeKind string

const (
	KindResource   NodeKind = "Resource"
	KindProp       NodeKind = "Prop"
	KindFunc       NodeKind = "Func"
	KindSocket     NodeKind = "Socket"
	KindConnection NodeKind = "Connection"
	KindCategory   NodeKind = "Category"
)

// ValidKind reports whether k is one of the defined node kinds.
func ValidKind(k NodeKind) bool {
	switch k {
	case KindResource, KindProp, KindFunc, KindSocket, KindConnection, KindCategory:
		return true
	}
	return false
}

// EdgeKind represents the type of relationship between nodes.
type EdgeKind string

const (
	EdgeContain EdgeKind = "CONTAIN" // Resource -> child Resource (ordered)
	EdgeProp    EdgeKind = "PROP"    // Resource/Prop -> Prop (ordered)
	EdgeSocket  EdgeKind = "SOCKET"  // Resource -> Socket (ordered)
	EdgeUse     EdgeKind = "USE"     // Resource/Prop -> Func (unordered)
	EdgeConnect EdgeKind = "CONNECT" // Socket -> Connection/Socket (unordered)
)

// Ordered reports whether edges of this kind carry a caller-visible order.
func (k EdgeKind) Ordered() bool {
	switch k {
	case EdgeContain, EdgeProp, EdgeSocket:
		return true
	}
	return false
}

// ValidEdgeKind reports whether k is one of the defined edge kinds.
func ValidEdgeKind(k EdgeKind) bool {
	switch k {
	case EdgeContain, EdgeProp, EdgeSocket, EdgeUse, EdgeConnect:
		return true
	}
	return false
}

// EdgeRef is an outgoing edge stored on its source node. For ordered kinds
// Ordinal runs dense 1..n within (node, kind); for unordered kinds it is 0.
type EdgeRef struct {
	Kind    EdgeKind `json:"kind"`
	Target  NodeID   `json:"target"`
	Ordinal uint32   `json:"ordinal,omitempty"`
}

// Node is one entry of a snapshot: identity, payload address and outgoing
// edges. Nodes are value-immutable once stored; edits go through copy-on-write.
type Node struct {
	ID          NodeID    `json:"id"`
	Kind        NodeKind  `json:"kind"`
	PayloadHash cas.Hash  `json:"payload_hash"`
	Edges       []EdgeRef `json:"edges,omitempty"`
	Tombstone   bool      `json:"tombstone,omitempty"`
}

// Clone returns a deep copy. Edits never touch a shared Node.
func (n *Node) Clone() *Node {
	out := *n
	if n.Edges != nil {
		out.Edges = make([]EdgeRef, len(n.Edges))
		copy(out.Edges, n.Edges)
	}
	return &out
}

// Sum computes the entry hash: the canonical serialization of the whole
// node. Two nodes merge-compare equal exactly when their sums match.
func (n *Node) Sum() (cas.Hash, error) {
	clone := n.Clone()
	SortEdges(clone.Edges)
	return cas.EntryHash(clone)
}

// EdgesOfKind returns the node's edges of one kind in canonical order:
// ordinal order for ordered kinds, target order for unordered kinds.
func (n *Node) EdgesOfKind(kind EdgeKind) []EdgeRef {
	var out []EdgeRef
	for _, e := range n.Edges {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	SortEdges(out)
	return out
}

// TargetsOfKind returns just the targets, in the same canonical order.
func (n *Node) TargetsOfKind(kind EdgeKind) []NodeID {
	edges := n.EdgesOfKind(kind)
	out := make([]NodeID, len(edges))
	for i, e := range edges {
		out[i] = e.Target
	}
	return out
}

// HasEdge reports whether an edge (kind, target) exists.
func (n *Node) HasEdge(kind EdgeKind, target NodeID) bool {
	for _, e := range n.Edges {
		if e.Kind == kind && e.Target == target {
			return true
		}
	}
	return false
}

// NodesEqual compares two entries field-wise, treating the edge list as a
// set ordered canonically. Snapshot diff and merge convergence both reduce
// to this comparison.
func NodesEqual(a, b *Node) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.ID != b.ID || a.Kind != b.Kind || a.PayloadHash != b.PayloadHash ||
		a.Tombstone != b.Tombstone || len(a.Edges) != len(b.Edges) {
		return false
	}
	ae := make([]EdgeRef, len(a.Edges))
	copy(ae, a.Edges)
	be := make([]EdgeRef, len(b.Edges))
	copy(be, b.Edges)
	SortEdges(ae)
	SortEdges(be)
	for i := range ae {
		if ae[i] != be[i] {
			return false
		}
	}
	return true
}

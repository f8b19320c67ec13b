package changeset

import (
	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/graph"
)

// Op names one mutator operation in the edit log.
type Op string

const (
	OpCreateNode   Op = "create_node"
	OpUpdateNode   Op = "update_node"
	OpDeleteNode   Op = "delete_node"
	OpAddEdge      Op = "add_edge"
	OpRemoveEdge   Op = "remove_edge"
	OpReorderEdges Op = "reorder_edges"
)

// EditEntry records one committed mutation. The log is append-only with a
// strictly increasing Seq per change set; replaying it over the base
// version reproduces the current version. Anchor keeps the insert-after
// intent of AddEdge so ordered-edge merges can replay position, not just
// membership.
type EditEntry struct {
	Seq      uint64         `json:"seq"`
	Op       Op             `json:"op"`
	NodeID   graph.NodeID   `json:"node_id"`
	Before   cas.Hash       `json:"before"`
	After    cas.Hash       `json:"after"`
	EdgeKind graph.EdgeKind `json:"edge_kind,omitempty"`
	Target   graph.NodeID   `json:"target,omitempty"`
	Anchor   graph.NodeID   `json:"anchor,omitempty"`
	Order    []graph.NodeID `json:"order,omitempty"`
	At       int64          `json:"at"`
}

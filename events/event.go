// Package events carries change notifications from the write path to
// subscribers. Delivery to in-process subscribers is best-effort with
// bounded buffers; the durable outbox the store keeps makes the stream
// at-least-once for consumers that replay.
package events

import (
	"encoding/json"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/MegaWatt01/si/graph"
)

// Event kinds. Change-set scoped kinds publish under
// "changeset.<id>.<kind>"; baseline kinds publish under their own name.
const (
	KindChangeSetCreated   = "created"
	KindChangeSetRebased   = "rebased"
	KindChangeSetApplied   = "applied"
	KindChangeSetAbandoned = "abandoned"
	KindNodeCreated        = "node.created"
	KindNodeUpdated        = "node.updated"
	KindNodeDeleted        = "node.deleted"
	KindEdgeAdded          = "edge.added"
	KindEdgeRemoved        = "edge.removed"
	KindEdgesReordered     = "edges.reordered"
)

// TopicBaselineAdvanced announces every baseline movement.
const TopicBaselineAdvanced = "baseline.advanced"

// Event is one notification. GlobalSeq is assigned by the store when the
// event row commits; (ChangeSetID, Seq) is the consumer's dedupe key for
// change-set events.
type Event struct {
	GlobalSeq   uint64          `json:"global_seq"`
	ChangeSetID string          `json:"change_set_id,omitempty"`
	Seq         uint64          `json:"seq,omitempty"`
	Kind        string          `json:"kind"`
	NodeID      graph.NodeID    `json:"node_id,omitempty"`
	Topic       string          `json:"topic"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	At          int64           `json:"at"`
}

// ChangeSetTopic builds the topic for a change-set scoped kind.
func ChangeSetTopic(csID, kind string) string {
	return "changeset." + csID + "." + kind
}

// MatchTopic reports whether a subscription pattern covers a topic.
// Patterns are dot-separated globs: * matches one segment, ** any number,
// so "changeset.*.node.**" covers every node event of every change set
// and "**" covers everything.
func MatchTopic(pattern, topic string) bool {
	ok, err := doublestar.Match(
		strings.ReplaceAll(pattern, ".", "/"),
		strings.ReplaceAll(topic, ".", "/"),
	)
	return err == nil && ok
}

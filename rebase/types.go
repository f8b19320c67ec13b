// Package rebase provides deterministic 3-way merge of graph versions:
// a change set's edits are replayed onto a target the baseline moved to.
package rebase

import (
	"fmt"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/graph"
)

// ConflictKind classifies the type of merge conflict.
type ConflictKind string

const (
	// Both sides replaced the node's payload with different values.
	ConflictConcurrentUpdate ConflictKind = "CONCURRENT_UPDATE"
	// One side tombstoned the node, the other changed it.
	ConflictDeleteVsUpdate ConflictKind = "DELETE_vs_UPDATE"
	// Both sides reordered the same edge kind and the orders disagree.
	ConflictOrdering ConflictKind = "ORDERING_CONFLICT"
)

// Conflict represents one unresolvable divergence. The caller fixes the
// change set with corrective edits and retries; nothing is auto-picked.
type Conflict struct {
	Kind     ConflictKind
	NodeID   graph.NodeID
	EdgeKind graph.EdgeKind // set for ordering conflicts
	Message  string
	Base     *graph.Node // nil when the node was created on both sides
	Ours     *graph.Node
	Theirs   *graph.Node
	// PayloadDiff is a human-readable diff of the two payloads, set for
	// concurrent updates.
	PayloadDiff string
}

// Stats counts how the changed nodes were reconciled.
type Stats struct {
	OnlyOurs   int // changed by the change set alone, carried forward
	OnlyTheirs int // changed by the target alone, inherited
	Converged  int // changed identically on both sides
	Merged     int // changed on both sides and reconciled
}

// Result contains the outcome of a rebase.
type Result struct {
	Success   bool
	NewRoot   cas.Hash // zero unless Success
	Stats     Stats
	Conflicts []Conflict
}

// InvariantError reports a structurally invalid merge output: a dangling
// edge target, a duplicate ordinal, a tombstone keeping edges. It is an
// engine fault, not a user conflict, and is never silently patched.
type InvariantError struct {
	NodeID graph.NodeID
	Err    error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("rebase: invariant violated at node %s: %v", e.NodeID, e.Err)
}

func (e *InvariantError) Unwrap() error {
	return e.Err
}

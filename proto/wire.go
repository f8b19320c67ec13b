// Package proto defines wire format DTOs for the si HTTP API.
package proto

import (
	"encoding/json"

	"github.com/MegaWatt01/si/cas"
)

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// HealthResponse is returned by the health endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// BaselineResponse describes the applied graph version.
type BaselineResponse struct {
	// Root is the version root digest the baseline ref points at.
	Root cas.Hash `json:"root"`
}

// BaselineHistoryEntry is one movement of the baseline ref.
type BaselineHistoryEntry struct {
	// Seq orders entries oldest first.
	Seq int64 `json:"seq"`
	// ID is the content-addressed ID of this entry (blake3 of canonical JSON).
	ID cas.Hash `json:"id"`
	// Parent is the previous entry's ID (hash chain); zero on the first entry.
	Parent cas.Hash `json:"parent"`
	// Old is the root before the movement; zero when the ref was created.
	Old cas.Hash `json:"old"`
	// New is the root after the movement.
	New cas.Hash `json:"new"`
	// Note says what moved the ref: "init", "apply <changeset>".
	Note string `json:"note,omitempty"`
	// At is Unix milliseconds.
	At int64 `json:"at"`
}

// BaselineHistoryResponse contains baseline ref history entries.
type BaselineHistoryResponse struct {
	Entries []*BaselineHistoryEntry `json:"entries"`
}

// ChangeSetCreateRequest opens a new change set.
type ChangeSetCreateRequest struct {
	// Name is a human label; it need not be unique.
	Name string `json:"name"`
}

// ChangeSetEntry represents a single change set in responses.
type ChangeSetEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	// Base is the version the change set branched from.
	Base cas.Hash `json:"base"`
	// Current is the version holding its edits.
	Current   cas.Hash `json:"current"`
	Status    string   `json:"status"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
}

// ChangeSetListResponse contains every change set, open or closed.
type ChangeSetListResponse struct {
	ChangeSets []*ChangeSetEntry `json:"changeSets"`
}

// NodeCreateRequest adds a node to a change set's version.
type NodeCreateRequest struct {
	// Kind is one of Resource, Prop, Func, Socket, Connection, Category.
	Kind string `json:"kind"`
	// Payload is the node's content, stored canonicalized.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NodeUpdateRequest replaces a node's payload.
type NodeUpdateRequest struct {
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Edge is one outgoing reference of a node.
type Edge struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	// Ordinal is the position among siblings, 1..n for ordered kinds and
	// 0 for unordered ones.
	Ordinal uint32 `json:"ordinal"`
}

// NodeResponse is a node read from a version.
type NodeResponse struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	// PayloadHash addresses the payload object.
	PayloadHash cas.Hash `json:"payloadHash"`
	// Payload is the canonical payload content.
	Payload json.RawMessage `json:"payload,omitempty"`
	Edges   []Edge          `json:"edges,omitempty"`
}

// MutationResponse is returned after any successful edit.
type MutationResponse struct {
	// NodeID is set for node-creating edits.
	NodeID string `json:"nodeId,omitempty"`
	// Seq is the edit's position in the change set's log.
	Seq uint64 `json:"seq"`
	// Root is the change set's version root after the edit.
	Root cas.Hash `json:"root"`
}

// EdgeAddRequest adds an edge from the node in the URL to Target.
type EdgeAddRequest struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	// Anchor places the new edge after this sibling for ordered kinds;
	// empty inserts first.
	Anchor string `json:"anchor,omitempty"`
}

// EdgeReorderRequest permutes the targets of one ordered edge kind.
type EdgeReorderRequest struct {
	Order []string `json:"order"`
}

// DiffResponse lists what a change set touched since it branched.
type DiffResponse struct {
	Base    cas.Hash `json:"base"`
	Current cas.Hash `json:"current"`
	// NodeIDs are the created, updated and tombstoned nodes.
	NodeIDs []string `json:"nodeIds"`
}

// Conflict is one unresolvable divergence found by rebase or apply.
type Conflict struct {
	// Kind is CONCURRENT_UPDATE, DELETE_vs_UPDATE or ORDERING_CONFLICT.
	Kind   string `json:"kind"`
	NodeID string `json:"nodeId"`
	// EdgeKind is set for ordering conflicts.
	EdgeKind string `json:"edgeKind,omitempty"`
	Message  string `json:"message"`
	// Base/Ours/Theirs are the competing payload digests. A zero digest
	// means the node is absent or tombstoned on that side.
	Base   cas.Hash `json:"base"`
	Ours   cas.Hash `json:"ours"`
	Theirs cas.Hash `json:"theirs"`
	// PayloadDiff is a human-readable diff, set for concurrent updates.
	PayloadDiff string `json:"payloadDiff,omitempty"`
}

// ConflictListResponse contains a change set's recorded conflicts.
type ConflictListResponse struct {
	Conflicts []*Conflict `json:"conflicts"`
}

// MergeStats counts how a rebase reconciled the changed nodes.
type MergeStats struct {
	OnlyOurs   int `json:"onlyOurs"`
	OnlyTheirs int `json:"onlyTheirs"`
	Converged  int `json:"converged"`
	Merged     int `json:"merged"`
}

// RebaseResponse is returned by rebase; Conflicts is set when OK is false.
type RebaseResponse struct {
	OK bool `json:"ok"`
	// Root is the merged version root; zero unless OK.
	Root      cas.Hash    `json:"root"`
	Stats     *MergeStats `json:"stats,omitempty"`
	Conflicts []*Conflict `json:"conflicts,omitempty"`
}

// ApplyResponse is returned by apply; Baseline is the new baseline root,
// zero unless OK. Conflicts is set when OK is false.
type ApplyResponse struct {
	OK        bool        `json:"ok"`
	Baseline  cas.Hash    `json:"baseline"`
	Stats     *MergeStats `json:"stats,omitempty"`
	Conflicts []*Conflict `json:"conflicts,omitempty"`
}

// Event is one notification from the durable outbox or the live stream.
type Event struct {
	// GlobalSeq orders events across all change sets; consumers replay
	// from their last seen value.
	GlobalSeq   uint64 `json:"globalSeq"`
	ChangeSetID string `json:"changeSetId,omitempty"`
	// Seq is the edit sequence within the change set; (ChangeSetID, Seq)
	// is the dedupe key.
	Seq     uint64          `json:"seq,omitempty"`
	Kind    string          `json:"kind"`
	NodeID  string          `json:"nodeId,omitempty"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      int64           `json:"at"`
}

// EventListResponse contains replayed outbox events, oldest first.
type EventListResponse struct {
	Events []*Event `json:"events"`
}

// ExecuteRequest runs a function and writes its output as the node's
// payload inside the change set.
type ExecuteRequest struct {
	// NodeID is the node receiving the output, usually a Prop.
	NodeID string `json:"nodeId"`
	// Code is the function source handed to the execution service.
	Code string `json:"code"`
	// Args is the JSON argument object for the run.
	Args json.RawMessage `json:"args,omitempty"`
}

// ExecuteResponse is returned after a successful run and write-back.
type ExecuteResponse struct {
	// Output is what the function returned.
	Output json.RawMessage `json:"output,omitempty"`
	// Seq and Root describe the edit that stored the output.
	Seq  uint64   `json:"seq"`
	Root cas.Hash `json:"root"`
}

// PackIngestResponse is returned after successfully importing a pack.
type PackIngestResponse struct {
	// Root is the version root the pack carries.
	Root cas.Hash `json:"root"`
	// Objects is the count of objects ingested from the pack.
	Objects int `json:"objectCount"`
	// Bytes is the decompressed payload size.
	Bytes int64 `json:"bytes"`
}

// Package changeset holds the change-set model and the graph mutator: the
// only code that produces new snapshot versions from user edits. The
// mutator is pure over the object store; durability and locking belong to
// the workspace layer.
package changeset

import (
	"errors"

	"github.com/oklog/ulid/v2"

	"github.com/MegaWatt01/si/cas"
)

// Status is the lifecycle state of a change set.
type Status string

const (
	StatusOpen      Status = "open"
	StatusApplied   Status = "applied"
	StatusAbandoned Status = "abandoned"
)

// ChangeSet is one line of work branched from the baseline. Base is the
// version it branched from (moved forward by rebase), Current the version
// holding its edits. Applied and abandoned change sets never mutate again.
type ChangeSet struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Base      cas.Hash `json:"base"`
	Current   cas.Hash `json:"current"`
	Status    Status   `json:"status"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// NewID returns a fresh change-set id.
func NewID() string {
	return ulid.Make().String()
}

// Open reports whether the change set still accepts edits.
func (c *ChangeSet) Open() bool {
	return c.Status == StatusOpen
}

// Mutation errors. ErrNodeTombstoned and the edge errors are structural:
// the caller's view of the graph is stale or the edit itself is malformed.
var (
	ErrNodeNotFound   = errors.New("changeset: node not found")
	ErrNodeTombstoned = errors.New("changeset: node is tombstoned")
	ErrDuplicateEdge  = errors.New("changeset: edge already exists")
	ErrEdgeNotFound   = errors.New("changeset: edge not found")
	ErrBadAnchor      = errors.New("changeset: anchor target not found")
	ErrBadReorder     = errors.New("changeset: order is not a permutation of current targets")
	ErrSelfEdge       = errors.New("changeset: node cannot reference itself")
)

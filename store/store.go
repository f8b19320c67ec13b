// Package store persists the content-addressed object space, named refs
// with compare-and-swap movement, change-set state, the edit log and the
// event outbox. Two implementations ship: Mem for tests and ephemeral
// engines, SQLite for the daemon.
package store

import (
	"errors"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/events"
)

var (
	ErrObjectNotFound    = errors.New("store: object not found")
	ErrRefNotFound       = errors.New("store: ref not found")
	ErrRefMismatch       = errors.New("store: ref target mismatch")
	ErrChangeSetNotFound = errors.New("store: change set not found")
)

// Ref is a named pointer to a version root.
type Ref struct {
	Name   string   `json:"name"`
	Target cas.Hash `json:"target"`
}

// RefEntry is one link of a ref's history chain. ID hashes the entry's
// content including Parent, so any rewrite of history breaks the chain.
type RefEntry struct {
	Seq    int64    `json:"seq"`
	ID     cas.Hash `json:"id"`
	Parent cas.Hash `json:"parent"`
	Name   string   `json:"name"`
	Old    cas.Hash `json:"old"`
	New    cas.Hash `json:"new"`
	Note   string   `json:"note,omitempty"`
	At     int64    `json:"at"`
}

// Store is everything the workspace and apply layers need from
// persistence. Composite methods commit their writes in one transaction.
type Store interface {
	// Objects are immutable and addressed by BLAKE3 of kind + contents.
	// PutObject is idempotent; GetObject returns ErrObjectNotFound for
	// unknown hashes.
	PutObject(kind string, data []byte) (cas.Hash, error)
	GetObject(hash cas.Hash) ([]byte, error)
	HasObject(hash cas.Hash) (bool, error)
	ForEachObject(fn func(hash cas.Hash, kind string) error) error
	DeleteObjects(hashes []cas.Hash) (int, error)

	// Refs. SetRefCAS moves name from old to new atomically: cas.Zero as
	// old means the ref must not exist yet; a mismatch returns
	// ErrRefMismatch and writes nothing. Every movement appends a
	// hash-chained history entry.
	GetRef(name string) (cas.Hash, error)
	SetRefCAS(name string, old, new cas.Hash, note string) error
	ListRefs() ([]Ref, error)
	RefHistory(name string, afterSeq int64, limit int) ([]*RefEntry, error)

	// Change sets.
	PutChangeSet(cs *changeset.ChangeSet) error
	GetChangeSet(id string) (*changeset.ChangeSet, error)
	ListChangeSets() ([]*changeset.ChangeSet, error)

	// Edit log, append-only per change set.
	ListEdits(csID string, afterSeq uint64, limit int) ([]*changeset.EditEntry, error)
	CountEdits(csID string) (uint64, error)

	// RecordMutation persists one mutation: the change-set row, its edit
	// entry and the outbox event commit together. The event's GlobalSeq
	// is filled in on success.
	RecordMutation(cs *changeset.ChangeSet, edit *changeset.EditEntry, ev *events.Event) error

	// UpdateChangeSet persists a status or base/current movement that has
	// no edit entry (rebase, abandon), with its event.
	UpdateChangeSet(cs *changeset.ChangeSet, ev *events.Event) error

	// CommitApply advances the baseline ref via compare-and-swap and
	// marks the change set applied in the same transaction. Returns
	// ErrRefMismatch (and writes nothing) when the baseline moved.
	CommitApply(refName string, old, new cas.Hash, cs *changeset.ChangeSet, evs []*events.Event) error

	// ListEvents pages the durable outbox by global sequence.
	ListEvents(afterGlobal uint64, limit int) ([]*events.Event, error)

	// Pins keep roots alive across a rebase/apply window without
	// persisting anything. The sweeper unions them into its root set.
	Pin(h cas.Hash)
	Unpin(h cas.Hash)
	PinnedRoots() []cas.Hash

	Close() error
}

func refEntryID(parent cas.Hash, name string, old, new cas.Hash, note string, at int64) (cas.Hash, error) {
	return cas.EntryHash(map[string]interface{}{
		"parent": parent.Hex(),
		"name":   name,
		"old":    old.Hex(),
		"new":    new.Hex(),
		"note":   note,
		"at":     at,
	})
}

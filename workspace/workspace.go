// Package workspace coordinates change sets over one store: it owns the
// baseline ref, serializes each change set's mutation stream and publishes
// change events after their rows commit.
package workspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/events"
	"github.com/MegaWatt01/si/graph"
	"github.com/MegaWatt01/si/rebase"
	"github.com/MegaWatt01/si/snapshot"
	"github.com/MegaWatt01/si/store"
)

// BaselineRef names the ref holding the applied graph version.
const BaselineRef = "head"

// editPageSize bounds edit-log reads per query.
const editPageSize = 500

// ErrChangeSetClosed rejects writes to applied or abandoned change sets.
var ErrChangeSetClosed = errors.New("workspace: change set is not open")

// Op is one mutator call. Mutate runs it against the change set's current
// version and persists exactly the entry it returns.
type Op func(m *changeset.Mutator) (*changeset.EditEntry, error)

// Manager owns the baseline ref and the change-set registry of one store.
// Reads never lock; each change set's writes are serialized on their own
// mutex so unrelated change sets stay concurrent.
type Manager struct {
	store store.Store
	bus   *events.Bus

	mu        sync.Mutex
	locks     map[string]*sync.Mutex
	conflicts map[string][]rebase.Conflict
}

// NewManager creates a manager over the store. bus may be nil when nothing
// subscribes, e.g. one-shot CLI commands.
func NewManager(st store.Store, bus *events.Bus) *Manager {
	return &Manager{
		store:     st,
		bus:       bus,
		locks:     make(map[string]*sync.Mutex),
		conflicts: make(map[string][]rebase.Conflict),
	}
}

// Init bootstraps the baseline: when the ref does not exist an empty
// version is written and the ref created. Safe to call on every start.
func (m *Manager) Init() error {
	_, err := m.store.GetRef(BaselineRef)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrRefNotFound) {
		return fmt.Errorf("reading baseline: %w", err)
	}

	empty, err := snapshot.Empty(m.store)
	if err != nil {
		return err
	}
	err = m.store.SetRefCAS(BaselineRef, cas.Zero, empty.Root(), "init")
	if errors.Is(err, store.ErrRefMismatch) {
		// Another starter won the race; theirs is as empty as ours.
		return nil
	}
	return err
}

// Baseline returns the applied version's root.
func (m *Manager) Baseline() (cas.Hash, error) {
	return m.store.GetRef(BaselineRef)
}

// CreateChangeSet branches a new line of work off the current baseline.
func (m *Manager) CreateChangeSet(name string) (*changeset.ChangeSet, error) {
	baseline, err := m.Baseline()
	if err != nil {
		return nil, fmt.Errorf("reading baseline: %w", err)
	}

	now := cas.NowMs()
	cs := &changeset.ChangeSet{
		ID:        changeset.NewID(),
		Name:      name,
		Base:      baseline,
		Current:   baseline,
		Status:    changeset.StatusOpen,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ev := m.event(cs, events.KindChangeSetCreated, nil)
	if err := m.store.UpdateChangeSet(cs, ev); err != nil {
		return nil, err
	}
	m.publish(ev)
	return cs, nil
}

// Get returns one change set.
func (m *Manager) Get(csID string) (*changeset.ChangeSet, error) {
	return m.store.GetChangeSet(csID)
}

// List returns every change set.
func (m *Manager) List() ([]*changeset.ChangeSet, error) {
	return m.store.ListChangeSets()
}

// Abandon closes a change set without applying it. Its versions stay
// readable until the sweeper reclaims them.
func (m *Manager) Abandon(csID string) error {
	lock := m.lockFor(csID)
	lock.Lock()
	defer lock.Unlock()

	cs, err := m.store.GetChangeSet(csID)
	if err != nil {
		return err
	}
	if !cs.Open() {
		return fmt.Errorf("change set %s is %s: %w", csID, cs.Status, ErrChangeSetClosed)
	}

	cs.Status = changeset.StatusAbandoned
	cs.UpdatedAt = cas.NowMs()
	ev := m.event(cs, events.KindChangeSetAbandoned, nil)
	if err := m.store.UpdateChangeSet(cs, ev); err != nil {
		return err
	}
	m.setConflicts(csID, nil)
	m.publish(ev)
	return nil
}

// Mutate applies one edit to a change set: the mutator op runs against the
// current version, then the change-set row, the edit entry and the event
// commit in one transaction. The event goes out after the commit. Returns
// the new version root.
func (m *Manager) Mutate(csID string, op Op) (cas.Hash, *changeset.EditEntry, error) {
	lock := m.lockFor(csID)
	lock.Lock()
	defer lock.Unlock()

	cs, err := m.store.GetChangeSet(csID)
	if err != nil {
		return cas.Zero, nil, err
	}
	if !cs.Open() {
		return cas.Zero, nil, fmt.Errorf("change set %s is %s: %w", csID, cs.Status, ErrChangeSetClosed)
	}

	count, err := m.store.CountEdits(csID)
	if err != nil {
		return cas.Zero, nil, err
	}
	mut := changeset.NewMutator(m.store, cs.Current, count+1)
	entry, err := op(mut)
	if err != nil {
		return cas.Zero, nil, err
	}

	cs.Current = mut.Root()
	cs.UpdatedAt = cas.NowMs()
	ev := m.event(cs, eventKind(entry.Op), entry)
	ev.Seq = entry.Seq
	ev.NodeID = entry.NodeID
	if err := m.store.RecordMutation(cs, entry, ev); err != nil {
		return cas.Zero, nil, err
	}
	m.publish(ev)
	return cs.Current, entry, nil
}

// DiffBase returns the ids the change set touched since it branched,
// tombstones included.
func (m *Manager) DiffBase(csID string) ([]graph.NodeID, error) {
	cs, err := m.store.GetChangeSet(csID)
	if err != nil {
		return nil, err
	}
	return snapshot.Diff(m.store, cs.Base, cs.Current)
}

// GetNode reads one node from a change set's current version, or from the
// baseline when csID is empty. Tombstoned nodes read as absent.
func (m *Manager) GetNode(csID string, id graph.NodeID) (*graph.Node, error) {
	root, err := m.rootFor(csID)
	if err != nil {
		return nil, err
	}
	snap, err := snapshot.Load(m.store, root)
	if err != nil {
		return nil, err
	}
	node, ok, err := snap.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok || node.Tombstone {
		return nil, fmt.Errorf("node %s: %w", id, changeset.ErrNodeNotFound)
	}
	return node, nil
}

// ListConflicts returns the conflicts recorded by the change set's last
// failed rebase or apply. Empty after any success.
func (m *Manager) ListConflicts(csID string) []rebase.Conflict {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rebase.Conflict, len(m.conflicts[csID]))
	copy(out, m.conflicts[csID])
	return out
}

// Rebase replays the change set onto the current baseline. On success its
// base moves to the baseline and its current to the merged version; on
// conflicts nothing moves and the conflicts are recorded.
func (m *Manager) Rebase(csID string) (*rebase.Result, error) {
	lock := m.lockFor(csID)
	lock.Lock()
	defer lock.Unlock()

	cs, err := m.store.GetChangeSet(csID)
	if err != nil {
		return nil, err
	}
	if !cs.Open() {
		return nil, fmt.Errorf("change set %s is %s: %w", csID, cs.Status, ErrChangeSetClosed)
	}
	baseline, err := m.Baseline()
	if err != nil {
		return nil, fmt.Errorf("reading baseline: %w", err)
	}
	if baseline == cs.Base {
		return &rebase.Result{Success: true, NewRoot: cs.Current}, nil
	}

	res, err := m.RebaseOnto(csID, baseline)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return res, nil
	}
	defer m.store.Unpin(res.NewRoot)

	cs.Base = baseline
	cs.Current = res.NewRoot
	cs.UpdatedAt = cas.NowMs()
	ev := m.event(cs, events.KindChangeSetRebased, res.Stats)
	if err := m.store.UpdateChangeSet(cs, ev); err != nil {
		return nil, err
	}
	m.publish(ev)
	return res, nil
}

// RebaseOnto runs the merge engine against an explicit target without
// moving the change set. Conflicts are recorded for ListConflicts and
// cleared again on success. On success the merged root is pinned; the
// caller unpins once a row or ref references it.
func (m *Manager) RebaseOnto(csID string, target cas.Hash) (*rebase.Result, error) {
	cs, err := m.store.GetChangeSet(csID)
	if err != nil {
		return nil, err
	}

	m.store.Pin(cs.Base)
	m.store.Pin(cs.Current)
	m.store.Pin(target)
	defer m.store.Unpin(cs.Base)
	defer m.store.Unpin(cs.Current)
	defer m.store.Unpin(target)

	log, err := m.editLog(csID)
	if err != nil {
		return nil, err
	}
	res, err := rebase.New(m.store).Rebase(cs.Base, cs.Current, target, log)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		m.setConflicts(csID, res.Conflicts)
		return res, nil
	}
	m.store.Pin(res.NewRoot)
	m.setConflicts(csID, nil)
	return res, nil
}

// Roots returns the versions the sweeper must keep reachable: every named
// ref (the baseline among them) plus every open change set's base and
// current. Applied and abandoned change sets are reclaimable.
func (m *Manager) Roots() ([]cas.Hash, error) {
	var roots []cas.Hash

	refs, err := m.store.ListRefs()
	if err != nil {
		return nil, err
	}
	for _, ref := range refs {
		roots = append(roots, ref.Target)
	}

	list, err := m.store.ListChangeSets()
	if err != nil {
		return nil, err
	}
	for _, cs := range list {
		if cs.Status != changeset.StatusOpen {
			continue
		}
		roots = append(roots, cs.Base, cs.Current)
	}
	return roots, nil
}

// Locked runs fn while holding the change set's write lock, keeping edits
// out of an apply window. fn must not call Mutate, Rebase or Abandon.
func (m *Manager) Locked(csID string, fn func() error) error {
	lock := m.lockFor(csID)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

func (m *Manager) rootFor(csID string) (cas.Hash, error) {
	if csID == "" {
		return m.Baseline()
	}
	cs, err := m.store.GetChangeSet(csID)
	if err != nil {
		return cas.Zero, err
	}
	return cs.Current, nil
}

// editLog pages the whole edit history of a change set out of the store.
func (m *Manager) editLog(csID string) ([]*changeset.EditEntry, error) {
	var log []*changeset.EditEntry
	var after uint64
	for {
		page, err := m.store.ListEdits(csID, after, editPageSize)
		if err != nil {
			return nil, err
		}
		log = append(log, page...)
		if len(page) < editPageSize {
			return log, nil
		}
		after = page[len(page)-1].Seq
	}
}

func (m *Manager) lockFor(csID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock := m.locks[csID]
	if lock == nil {
		lock = &sync.Mutex{}
		m.locks[csID] = lock
	}
	return lock
}

func (m *Manager) setConflicts(csID string, conflicts []rebase.Conflict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(conflicts) == 0 {
		delete(m.conflicts, csID)
		return
	}
	m.conflicts[csID] = conflicts
}

func (m *Manager) event(cs *changeset.ChangeSet, kind string, payload interface{}) *events.Event {
	ev := &events.Event{
		ChangeSetID: cs.ID,
		Kind:        kind,
		Topic:       events.ChangeSetTopic(cs.ID, kind),
		At:          cas.NowMs(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	return ev
}

func (m *Manager) publish(evs ...*events.Event) {
	if m.bus == nil {
		return
	}
	for _, ev := range evs {
		m.bus.Publish(ev)
	}
}

func eventKind(op changeset.Op) string {
	switch op {
	case changeset.OpCreateNode:
		return events.KindNodeCreated
	case changeset.OpDeleteNode:
		return events.KindNodeDeleted
	case changeset.OpAddEdge:
		return events.KindEdgeAdded
	case changeset.OpRemoveEdge:
		return events.KindEdgeRemoved
	case changeset.OpReorderEdges:
		return events.KindEdgesReordered
	default:
		return events.KindNodeUpdated
	}
}

package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/events"
)

// Mem is the map-backed store. Composite methods hold one mutex for their
// whole critical section, which gives them the same all-or-nothing and
// compare-and-swap behavior as the SQLite transactions.
type Mem struct {
	mu      sync.RWMutex
	objects map[cas.Hash]memObject
	refs    map[string]cas.Hash
	history []*RefEntry
	csets   map[string]*changeset.ChangeSet
	edits   map[string][]*changeset.EditEntry
	outbox  []*events.Event
	pins    *pinSet
}

type memObject struct {
	kind string
	data []byte
}

// NewMem returns an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		objects: make(map[cas.Hash]memObject),
		refs:    make(map[string]cas.Hash),
		csets:   make(map[string]*changeset.ChangeSet),
		edits:   make(map[string][]*changeset.EditEntry),
		pins:    newPinSet(),
	}
}

func (m *Mem) PutObject(kind string, data []byte) (cas.Hash, error) {
	h := cas.Sum(kind, data)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[h]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		m.objects[h] = memObject{kind: kind, data: cp}
	}
	return h, nil
}

func (m *Mem) GetObject(h cas.Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[h]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", h.Short(), ErrObjectNotFound)
	}
	out := make([]byte, len(obj.data))
	copy(out, obj.data)
	return out, nil
}

func (m *Mem) HasObject(h cas.Hash) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[h]
	return ok, nil
}

func (m *Mem) ForEachObject(fn func(hash cas.Hash, kind string) error) error {
	m.mu.RLock()
	hashes := make([]cas.Hash, 0, len(m.objects))
	for h := range m.objects {
		hashes = append(hashes, h)
	}
	m.mu.RUnlock()

	for _, h := range hashes {
		m.mu.RLock()
		obj, ok := m.objects[h]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(h, obj.kind); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mem) DeleteObjects(hashes []cas.Hash) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range hashes {
		if _, ok := m.objects[h]; ok {
			delete(m.objects, h)
			n++
		}
	}
	return n, nil
}

func (m *Mem) GetRef(name string) (cas.Hash, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	target, ok := m.refs[name]
	if !ok {
		return cas.Zero, fmt.Errorf("ref %q: %w", name, ErrRefNotFound)
	}
	return target, nil
}

func (m *Mem) SetRefCAS(name string, old, new cas.Hash, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setRefLocked(name, old, new, note)
}

func (m *Mem) setRefLocked(name string, old, new cas.Hash, note string) error {
	current := m.refs[name]
	if current != old {
		return fmt.Errorf("ref %q: %w", name, ErrRefMismatch)
	}

	var parent cas.Hash
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].Name == name {
			parent = m.history[i].ID
			break
		}
	}

	at := cas.NowMs()
	id, err := refEntryID(parent, name, old, new, note, at)
	if err != nil {
		return err
	}
	m.refs[name] = new
	m.history = append(m.history, &RefEntry{
		Seq:    int64(len(m.history) + 1),
		ID:     id,
		Parent: parent,
		Name:   name,
		Old:    old,
		New:    new,
		Note:   note,
		At:     at,
	})
	return nil
}

func (m *Mem) ListRefs() ([]Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Ref, 0, len(m.refs))
	for name, target := range m.refs {
		out = append(out, Ref{Name: name, Target: target})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Mem) RefHistory(name string, afterSeq int64, limit int) ([]*RefEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RefEntry
	for _, e := range m.history {
		if e.Seq <= afterSeq {
			continue
		}
		if name != "" && e.Name != name {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Mem) PutChangeSet(cs *changeset.ChangeSet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cs
	m.csets[cs.ID] = &cp
	return nil
}

func (m *Mem) GetChangeSet(id string) (*changeset.ChangeSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs, ok := m.csets[id]
	if !ok {
		return nil, fmt.Errorf("change set %q: %w", id, ErrChangeSetNotFound)
	}
	cp := *cs
	return &cp, nil
}

func (m *Mem) ListChangeSets() ([]*changeset.ChangeSet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*changeset.ChangeSet, 0, len(m.csets))
	for _, cs := range m.csets {
		cp := *cs
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Mem) ListEdits(csID string, afterSeq uint64, limit int) ([]*changeset.EditEntry, error) {
	if limit <= 0 {
		limit = 1000
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*changeset.EditEntry
	for _, e := range m.edits[csID] {
		if e.Seq <= afterSeq {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Mem) CountEdits(csID string) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.edits[csID])), nil
}

func (m *Mem) RecordMutation(cs *changeset.ChangeSet, edit *changeset.EditEntry, ev *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	csCp := *cs
	m.csets[cs.ID] = &csCp
	editCp := *edit
	m.edits[cs.ID] = append(m.edits[cs.ID], &editCp)
	m.appendEventLocked(ev)
	return nil
}

func (m *Mem) UpdateChangeSet(cs *changeset.ChangeSet, ev *events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	csCp := *cs
	m.csets[cs.ID] = &csCp
	if ev != nil {
		m.appendEventLocked(ev)
	}
	return nil
}

func (m *Mem) CommitApply(refName string, old, new cas.Hash, cs *changeset.ChangeSet, evs []*events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setRefLocked(refName, old, new, "apply "+cs.ID); err != nil {
		return err
	}
	csCp := *cs
	m.csets[cs.ID] = &csCp
	for _, ev := range evs {
		m.appendEventLocked(ev)
	}
	return nil
}

func (m *Mem) ListEvents(afterGlobal uint64, limit int) ([]*events.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*events.Event
	for _, ev := range m.outbox {
		if ev.GlobalSeq <= afterGlobal {
			continue
		}
		cp := *ev
		out = append(out, &cp)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Mem) appendEventLocked(ev *events.Event) {
	ev.GlobalSeq = uint64(len(m.outbox) + 1)
	cp := *ev
	m.outbox = append(m.outbox, &cp)
}

func (m *Mem) Pin(h cas.Hash)          { m.pins.pin(h) }
func (m *Mem) Unpin(h cas.Hash)        { m.pins.unpin(h) }
func (m *Mem) PinnedRoots() []cas.Hash { return m.pins.roots() }

func (m *Mem) Close() error { return nil }

package changeset

import (
	"fmt"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/graph"
	"github.com/MegaWatt01/si/snapshot"
)

// Mutator applies one edit at a time to a version, producing a new version
// and an edit entry per call. It holds no locks and shares no state; the
// workspace serializes calls per change set. On error the mutator's
// version is unchanged.
type Mutator struct {
	store snapshot.ObjectStore
	root  cas.Hash
	seq   uint64
}

// NewMutator edits from the given version. nextSeq is the sequence number
// the next edit entry receives, one past the last persisted entry.
func NewMutator(st snapshot.ObjectStore, root cas.Hash, nextSeq uint64) *Mutator {
	return &Mutator{store: st, root: root, seq: nextSeq}
}

// Root returns the version holding every edit applied so far.
func (m *Mutator) Root() cas.Hash {
	return m.root
}

// CreateNode adds a node of the given kind with a fresh id. The payload is
// stored content-addressed; nil is a legal payload.
func (m *Mutator) CreateNode(kind graph.NodeKind, payload interface{}) (graph.NodeID, *EditEntry, error) {
	if !graph.ValidKind(kind) {
		return "", nil, fmt.Errorf("create node: unknown kind %q", kind)
	}
	ph, err := m.putPayload(payload)
	if err != nil {
		return "", nil, err
	}

	id := graph.NewNodeID()
	node := &graph.Node{ID: id, Kind: kind, PayloadHash: ph}
	if err := m.commit(node); err != nil {
		return "", nil, err
	}
	return id, m.entry(&EditEntry{Op: OpCreateNode, NodeID: id, After: ph}), nil
}

// UpdateNode replaces a node's payload wholesale.
func (m *Mutator) UpdateNode(id graph.NodeID, payload interface{}) (*EditEntry, error) {
	node, err := m.live(id)
	if err != nil {
		return nil, err
	}
	before := node.PayloadHash

	ph, err := m.putPayload(payload)
	if err != nil {
		return nil, err
	}
	node.PayloadHash = ph
	if err := m.commit(node); err != nil {
		return nil, err
	}
	return m.entry(&EditEntry{Op: OpUpdateNode, NodeID: id, Before: before, After: ph}), nil
}

// DeleteNode tombstones a node: the id stays in the version forever, the
// payload reference and outgoing edges are dropped. Edges pointing at the
// tombstone elsewhere stay put and render as absent.
func (m *Mutator) DeleteNode(id graph.NodeID) (*EditEntry, error) {
	node, err := m.live(id)
	if err != nil {
		return nil, err
	}
	before := node.PayloadHash

	node.Tombstone = true
	node.PayloadHash = cas.Zero
	node.Edges = nil
	if err := m.commit(node); err != nil {
		return nil, err
	}
	return m.entry(&EditEntry{Op: OpDeleteNode, NodeID: id, Before: before}), nil
}

// AddEdge links parent to target. Ordered kinds insert after anchor (empty
// anchor prepends); unordered kinds ignore the anchor. The target must be
// live.
func (m *Mutator) AddEdge(parent graph.NodeID, kind graph.EdgeKind, target graph.NodeID, anchor graph.NodeID) (*EditEntry, error) {
	if !graph.ValidEdgeKind(kind) {
		return nil, fmt.Errorf("add edge: unknown edge kind %q", kind)
	}
	if parent == target {
		return nil, fmt.Errorf("add edge %s -> %s: %w", parent, target, ErrSelfEdge)
	}

	node, err := m.live(parent)
	if err != nil {
		return nil, err
	}
	if _, err := m.live(target); err != nil {
		return nil, fmt.Errorf("add edge target: %w", err)
	}
	if node.HasEdge(kind, target) {
		return nil, fmt.Errorf("add edge %s -%s-> %s: %w", parent, kind, target, ErrDuplicateEdge)
	}

	ref := graph.EdgeRef{Kind: kind, Target: target}
	if kind.Ordered() {
		edges, ok := graph.InsertAfter(node.Edges, ref, anchor)
		if !ok {
			return nil, fmt.Errorf("add edge after %s: %w", anchor, ErrBadAnchor)
		}
		node.Edges = edges
	} else {
		node.Edges = append(node.Edges, ref)
		graph.SortEdges(node.Edges)
	}

	if err := m.commit(node); err != nil {
		return nil, err
	}
	return m.entry(&EditEntry{Op: OpAddEdge, NodeID: parent, EdgeKind: kind, Target: target, Anchor: anchor}), nil
}

// RemoveEdge unlinks (kind, target) from parent.
func (m *Mutator) RemoveEdge(parent graph.NodeID, kind graph.EdgeKind, target graph.NodeID) (*EditEntry, error) {
	node, err := m.live(parent)
	if err != nil {
		return nil, err
	}

	edges, ok := graph.RemoveRef(node.Edges, kind, target)
	if !ok {
		return nil, fmt.Errorf("remove edge %s -%s-> %s: %w", parent, kind, target, ErrEdgeNotFound)
	}
	node.Edges = edges
	graph.Renumber(node.Edges, kind)

	if err := m.commit(node); err != nil {
		return nil, err
	}
	return m.entry(&EditEntry{Op: OpRemoveEdge, NodeID: parent, EdgeKind: kind, Target: target}), nil
}

// ReorderEdges rewrites the order of parent's edges of one ordered kind.
// The order must be an exact permutation of the current targets.
func (m *Mutator) ReorderEdges(parent graph.NodeID, kind graph.EdgeKind, order []graph.NodeID) (*EditEntry, error) {
	if !kind.Ordered() {
		return nil, fmt.Errorf("reorder %s edges: %w", kind, ErrBadReorder)
	}
	node, err := m.live(parent)
	if err != nil {
		return nil, err
	}

	edges, ok := graph.Reorder(node.Edges, kind, order)
	if !ok {
		return nil, fmt.Errorf("reorder %s edges of %s: %w", kind, parent, ErrBadReorder)
	}
	node.Edges = edges

	if err := m.commit(node); err != nil {
		return nil, err
	}
	kept := make([]graph.NodeID, len(order))
	copy(kept, order)
	return m.entry(&EditEntry{Op: OpReorderEdges, NodeID: parent, EdgeKind: kind, Order: kept}), nil
}

func (m *Mutator) live(id graph.NodeID) (*graph.Node, error) {
	snap, err := snapshot.Load(m.store, m.root)
	if err != nil {
		return nil, err
	}
	node, ok, err := snap.Get(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeNotFound)
	}
	if node.Tombstone {
		return nil, fmt.Errorf("node %s: %w", id, ErrNodeTombstoned)
	}
	return node, nil
}

func (m *Mutator) commit(node *graph.Node) error {
	snap, err := snapshot.Load(m.store, m.root)
	if err != nil {
		return err
	}
	b := snap.Builder()
	if err := b.Put(node); err != nil {
		return err
	}
	root, err := b.Root()
	if err != nil {
		return err
	}
	m.root = root
	return nil
}

func (m *Mutator) putPayload(payload interface{}) (cas.Hash, error) {
	canon, err := cas.CanonicalJSON(payload)
	if err != nil {
		return cas.Zero, fmt.Errorf("canonicalize payload: %w", err)
	}
	return m.store.PutObject(cas.DomainPayload, canon)
}

func (m *Mutator) entry(e *EditEntry) *EditEntry {
	e.Seq = m.seq
	e.At = cas.NowMs()
	m.seq++
	return e
}

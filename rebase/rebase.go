package rebase

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/graph"
	"github.com/MegaWatt01/si/snapshot"
)

// Engine performs 3-way merges of graph versions over one object store.
type Engine struct {
	store snapshot.ObjectStore
}

// New creates a new engine.
func New(st snapshot.ObjectStore) *Engine {
	return &Engine{store: st}
}

// Rebase replays the changes between base and ours onto theirs. log is the
// change set's edit history since base; its insert-after anchors decide
// where edges added by ours land inside order merged from both sides.
//
// On conflicts the result carries them and no version is written. The same
// inputs always produce the same root.
func (e *Engine) Rebase(base, ours, theirs cas.Hash, log []*changeset.EditEntry) (*Result, error) {
	baseSnap, err := snapshot.Load(e.store, base)
	if err != nil {
		return nil, fmt.Errorf("load base: %w", err)
	}
	oursSnap, err := snapshot.Load(e.store, ours)
	if err != nil {
		return nil, fmt.Errorf("load ours: %w", err)
	}
	theirsSnap, err := snapshot.Load(e.store, theirs)
	if err != nil {
		return nil, fmt.Errorf("load theirs: %w", err)
	}

	oursChanged, err := snapshot.Diff(e.store, base, ours)
	if err != nil {
		return nil, fmt.Errorf("diff ours: %w", err)
	}
	theirsChanged, err := snapshot.Diff(e.store, base, theirs)
	if err != nil {
		return nil, fmt.Errorf("diff theirs: %w", err)
	}

	// Partition the union of changed ids.
	inTheirs := make(map[graph.NodeID]bool, len(theirsChanged))
	for _, id := range theirsChanged {
		inTheirs[id] = true
	}
	var onlyOurs, both []graph.NodeID
	for _, id := range oursChanged {
		if inTheirs[id] {
			both = append(both, id)
		} else {
			onlyOurs = append(onlyOurs, id)
		}
	}

	result := &Result{}
	result.Stats.OnlyOurs = len(onlyOurs)
	result.Stats.OnlyTheirs = len(theirsChanged) - len(both)

	// Only-ours entries carry forward verbatim.
	replay := make([]*graph.Node, 0, len(oursChanged))
	for _, id := range onlyOurs {
		node, ok, err := oursSnap.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("rebase: changed node %s missing from ours", id)
		}
		replay = append(replay, node)
	}

	// Both-changed entries need reconciliation, in id order so the output
	// and the conflict list are stable.
	history := indexEdits(log)
	for _, id := range both {
		b, _, err := baseSnap.Get(id)
		if err != nil {
			return nil, err
		}
		o, ok, err := oursSnap.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("rebase: changed node %s missing from ours", id)
		}
		t, ok, err := theirsSnap.Get(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("rebase: changed node %s missing from theirs", id)
		}

		merged, conflicts := e.mergeNode(b, o, t, history[id])
		if len(conflicts) > 0 {
			result.Conflicts = append(result.Conflicts, conflicts...)
			continue
		}
		if merged == nil {
			result.Stats.Converged++
			continue
		}
		result.Stats.Merged++
		replay = append(replay, merged)
	}

	if len(result.Conflicts) > 0 {
		return result, nil
	}

	// Build the merged version on top of theirs.
	builder := theirsSnap.Builder()
	for _, node := range replay {
		if err := builder.Put(node); err != nil {
			return nil, err
		}
	}
	newRoot, err := builder.Root()
	if err != nil {
		return nil, err
	}

	if err := e.validate(newRoot, replay); err != nil {
		return nil, err
	}

	result.Success = true
	result.NewRoot = newRoot
	return result, nil
}

// mergeNode reconciles one node changed on both sides. A nil node with no
// conflicts means the sides converged and theirs already holds the entry.
func (e *Engine) mergeNode(base, ours, theirs *graph.Node, history map[graph.EdgeKind][]*changeset.EditEntry) (*graph.Node, []Conflict) {
	// Changed identically.
	if graph.NodesEqual(ours, theirs) {
		return nil, nil
	}

	// One side tombstoned, the other changed.
	if ours.Tombstone != theirs.Tombstone {
		return nil, []Conflict{{
			Kind:    ConflictDeleteVsUpdate,
			NodeID:  ours.ID,
			Message: fmt.Sprintf("node %s deleted on one side and changed on the other", ours.ID),
			Base:    base,
			Ours:    ours,
			Theirs:  theirs,
		}}
	}

	// Same id created as different things; only possible without a base.
	if ours.Kind != theirs.Kind {
		return nil, []Conflict{{
			Kind:    ConflictConcurrentUpdate,
			NodeID:  ours.ID,
			Message: fmt.Sprintf("node %s created with kind %s on one side and %s on the other", ours.ID, ours.Kind, theirs.Kind),
			Base:    base,
			Ours:    ours,
			Theirs:  theirs,
		}}
	}

	payload, ok := mergePayload(base, ours, theirs)
	if !ok {
		return nil, []Conflict{{
			Kind:        ConflictConcurrentUpdate,
			NodeID:      ours.ID,
			Message:     fmt.Sprintf("node %s payload changed on both sides", ours.ID),
			Base:        base,
			Ours:        ours,
			Theirs:      theirs,
			PayloadDiff: e.payloadDiff(ours.PayloadHash, theirs.PayloadHash),
		}}
	}

	merged := &graph.Node{ID: ours.ID, Kind: ours.Kind, PayloadHash: payload}
	var conflicts []Conflict
	for _, kind := range edgeKindUnion(base, ours, theirs) {
		baseT := kindTargets(base, kind)
		oursT := ours.TargetsOfKind(kind)
		theirsT := theirs.TargetsOfKind(kind)

		if !kind.Ordered() {
			member := mergeMembership(baseT, oursT, theirsT)
			for _, target := range sortedIDs(member) {
				merged.Edges = append(merged.Edges, graph.EdgeRef{Kind: kind, Target: target})
			}
			continue
		}

		seq, conflict := mergeOrdered(baseT, oursT, theirsT, history[kind])
		if conflict {
			conflicts = append(conflicts, Conflict{
				Kind:     ConflictOrdering,
				NodeID:   ours.ID,
				EdgeKind: kind,
				Message:  fmt.Sprintf("node %s %s edges reordered differently on both sides", ours.ID, kind),
				Base:     base,
				Ours:     ours,
				Theirs:   theirs,
			})
			continue
		}
		for i, target := range seq {
			merged.Edges = append(merged.Edges, graph.EdgeRef{Kind: kind, Target: target, Ordinal: uint32(i + 1)})
		}
	}
	if len(conflicts) > 0 {
		return nil, conflicts
	}

	graph.SortEdges(merged.Edges)
	return merged, nil
}

// mergePayload picks the surviving payload hash. False means both sides
// replaced it with different values.
func mergePayload(base, ours, theirs *graph.Node) (cas.Hash, bool) {
	if ours.PayloadHash == theirs.PayloadHash {
		return ours.PayloadHash, true
	}
	if base == nil {
		return cas.Zero, false
	}
	oursMoved := ours.PayloadHash != base.PayloadHash
	theirsMoved := theirs.PayloadHash != base.PayloadHash
	switch {
	case oursMoved && theirsMoved:
		return cas.Zero, false
	case oursMoved:
		return ours.PayloadHash, true
	default:
		return theirs.PayloadHash, true
	}
}

// validate re-reads every replayed entry out of the merged version and
// checks the structural invariants. A failure here is an engine fault.
func (e *Engine) validate(root cas.Hash, replayed []*graph.Node) error {
	snap, err := snapshot.Load(e.store, root)
	if err != nil {
		return err
	}

	var lookupErr error
	lookup := func(id graph.NodeID) (*graph.Node, bool) {
		node, ok, err := snap.Get(id)
		if err != nil {
			lookupErr = err
			return nil, false
		}
		return node, ok
	}

	for _, node := range replayed {
		if err := graph.ValidateNode(node); err != nil {
			return &InvariantError{NodeID: node.ID, Err: err}
		}
		if err := graph.CheckEdgeTargets(node, lookup); err != nil {
			if lookupErr != nil {
				return lookupErr
			}
			return &InvariantError{NodeID: node.ID, Err: err}
		}
	}
	return nil
}

// payloadDiff renders a compact inline diff between two stored payloads.
func (e *Engine) payloadDiff(ours, theirs cas.Hash) string {
	if ours.IsZero() || theirs.IsZero() {
		return ""
	}
	a, err := e.store.GetObject(ours)
	if err != nil {
		return ""
	}
	b, err := e.store.GetObject(theirs)
	if err != nil {
		return ""
	}

	dmp := diffmatchpatch.New()
	diffs := dmp.DiffMain(string(a), string(b), false)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var sb strings.Builder
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			sb.WriteString("[-")
			sb.WriteString(d.Text)
			sb.WriteString("-]")
		case diffmatchpatch.DiffInsert:
			sb.WriteString("[+")
			sb.WriteString(d.Text)
			sb.WriteString("+]")
		default:
			sb.WriteString(d.Text)
		}
	}
	return sb.String()
}

// indexEdits groups the edge edits of the log by node and kind, keeping
// the original sequence within each group.
func indexEdits(log []*changeset.EditEntry) map[graph.NodeID]map[graph.EdgeKind][]*changeset.EditEntry {
	out := make(map[graph.NodeID]map[graph.EdgeKind][]*changeset.EditEntry)
	for _, entry := range log {
		switch entry.Op {
		case changeset.OpAddEdge, changeset.OpRemoveEdge:
		default:
			continue
		}
		byKind := out[entry.NodeID]
		if byKind == nil {
			byKind = make(map[graph.EdgeKind][]*changeset.EditEntry)
			out[entry.NodeID] = byKind
		}
		byKind[entry.EdgeKind] = append(byKind[entry.EdgeKind], entry)
	}
	return out
}

// edgeKindUnion returns the edge kinds present on any side, sorted.
func edgeKindUnion(nodes ...*graph.Node) []graph.EdgeKind {
	seen := make(map[graph.EdgeKind]bool)
	for _, node := range nodes {
		if node == nil {
			continue
		}
		for _, e := range node.Edges {
			seen[e.Kind] = true
		}
	}
	kinds := make([]graph.EdgeKind, 0, len(seen))
	for kind := range seen {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func kindTargets(node *graph.Node, kind graph.EdgeKind) []graph.NodeID {
	if node == nil {
		return nil
	}
	return node.TargetsOfKind(kind)
}

func sortedIDs(set map[graph.NodeID]bool) []graph.NodeID {
	out := make([]graph.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

package graph

import "sort"

// SortEdges puts an edge slice into canonical order: by kind, then by
// ordinal for ordered kinds, then by target. Entry hashing and page
// serialization depend on this order being a pure function of the edge set.
func SortEdges(edges []EdgeRef) {
	sort.SliceStable(edges, func(i, j int) bool {
		a, b := edges[i], edges[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Kind.Ordered() && a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return a.Target < b.Target
	})
}

// Renumber rewrites the ordinals of one ordered kind to a dense 1..n
// sequence, preserving the current relative order. Unordered kinds are
// left untouched. Call after every structural edit of ordered edges.
func Renumber(edges []EdgeRef, kind EdgeKind) {
	if !kind.Ordered() {
		return
	}
	SortEdges(edges)
	var ord uint32
	for i := range edges {
		if edges[i].Kind != kind {
			continue
		}
		ord++
		edges[i].Ordinal = ord
	}
}

// InsertAfter places a new edge of an ordered kind after the anchor target,
// or first when anchor is empty. Returns false when the anchor is not
// present among the kind's current targets. The caller renumbers.
func InsertAfter(edges []EdgeRef, ref EdgeRef, anchor NodeID) ([]EdgeRef, bool) {
	if !ref.Kind.Ordered() {
		return append(edges, ref), true
	}

	SortEdges(edges)

	// Position among the kind's own edges, as an ordinal slot.
	slot := uint32(0)
	if anchor != "" {
		found := false
		for _, e := range edges {
			if e.Kind == ref.Kind && e.Target == anchor {
				slot = e.Ordinal
				found = true
				break
			}
		}
		if !found {
			return edges, false
		}
	}

	// Shift everything after the slot up by one and drop the new edge in.
	out := make([]EdgeRef, 0, len(edges)+1)
	for _, e := range edges {
		if e.Kind == ref.Kind && e.Ordinal > slot {
			e.Ordinal++
		}
		out = append(out, e)
	}
	ref.Ordinal = slot + 1
	out = append(out, ref)
	Renumber(out, ref.Kind)
	return out, true
}

// RemoveRef deletes the (kind, target) edge. Returns false when absent.
// The caller renumbers ordered kinds.
func RemoveRef(edges []EdgeRef, kind EdgeKind, target NodeID) ([]EdgeRef, bool) {
	for i, e := range edges {
		if e.Kind == kind && e.Target == target {
			out := append(edges[:i:i], edges[i+1:]...)
			return out, true
		}
	}
	return edges, false
}

// Reorder rewrites the order of one ordered kind to match the given target
// sequence. Returns false unless order is an exact permutation of the
// kind's current targets.
func Reorder(edges []EdgeRef, kind EdgeKind, order []NodeID) ([]EdgeRef, bool) {
	if !kind.Ordered() {
		return edges, false
	}

	current := make(map[NodeID]bool)
	for _, e := range edges {
		if e.Kind == kind {
			current[e.Target] = true
		}
	}
	if len(order) != len(current) {
		return edges, false
	}
	seen := make(map[NodeID]bool, len(order))
	for _, id := range order {
		if !current[id] || seen[id] {
			return edges, false
		}
		seen[id] = true
	}

	pos := make(map[NodeID]uint32, len(order))
	for i, id := range order {
		pos[id] = uint32(i + 1)
	}
	out := make([]EdgeRef, len(edges))
	copy(out, edges)
	for i := range out {
		if out[i].Kind == kind {
			out[i].Ordinal = pos[out[i].Target]
		}
	}
	SortEdges(out)
	return out, true
}

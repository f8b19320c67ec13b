package snapshot

import (
	"sort"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/graph"
)

// Diff returns the ids whose entries differ between versions a and b, in
// ascending order. Tombstoning counts as a difference; an id absent from
// both sides never appears. Equal subtree hashes are pruned without
// loading, so the cost tracks the size of the change, not of the graph.
func Diff(st ObjectStore, a, b cas.Hash) ([]graph.NodeID, error) {
	if a == b {
		return nil, nil
	}
	changed := make(map[graph.NodeID]bool)
	if err := diffPages(st, a, b, changed); err != nil {
		return nil, err
	}
	out := make([]graph.NodeID, 0, len(changed))
	for id := range changed {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func diffPages(st ObjectStore, a, b cas.Hash, changed map[graph.NodeID]bool) error {
	if a == b {
		return nil
	}

	switch {
	case a.IsZero():
		return markSubtree(st, b, changed)
	case b.IsZero():
		return markSubtree(st, a, changed)
	}

	pa, err := loadPage(st, a)
	if err != nil {
		return err
	}
	pb, err := loadPage(st, b)
	if err != nil {
		return err
	}

	if !pa.Leaf && !pb.Leaf {
		for i := 0; i < fanout; i++ {
			if err := diffPages(st, pa.Children[i], pb.Children[i], changed); err != nil {
				return err
			}
		}
		return nil
	}

	// At least one side is a leaf: compare the flattened subtrees.
	var ea, eb []*graph.Node
	if err := collectPage(st, pa, &ea); err != nil {
		return err
	}
	if err := collectPage(st, pb, &eb); err != nil {
		return err
	}

	byID := make(map[graph.NodeID]*graph.Node, len(ea))
	for _, n := range ea {
		byID[n.ID] = n
	}
	for _, n := range eb {
		if prev, ok := byID[n.ID]; ok {
			if !graph.NodesEqual(prev, n) {
				changed[n.ID] = true
			}
			delete(byID, n.ID)
			continue
		}
		changed[n.ID] = true
	}
	for id := range byID {
		changed[id] = true
	}
	return nil
}

func collectPage(st ObjectStore, p *page, out *[]*graph.Node) error {
	if p.Leaf {
		*out = append(*out, p.Entries...)
		return nil
	}
	for _, child := range p.Children {
		if child.IsZero() {
			continue
		}
		cp, err := loadPage(st, child)
		if err != nil {
			return err
		}
		if err := collectPage(st, cp, out); err != nil {
			return err
		}
	}
	return nil
}

func markSubtree(st ObjectStore, root cas.Hash, changed map[graph.NodeID]bool) error {
	p, err := loadPage(st, root)
	if err != nil {
		return err
	}
	var all []*graph.Node
	if err := collectPage(st, p, &all); err != nil {
		return err
	}
	for _, n := range all {
		changed[n.ID] = true
	}
	return nil
}

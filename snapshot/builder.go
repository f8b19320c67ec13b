package snapshot

import (
	"fmt"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/graph"
)

// maxRouteDepth is the number of nibbles in a routing digest. A leaf at
// this depth never splits; distinct ids reaching it would need a full
// digest collision.
const maxRouteDepth = len(cas.Hash{}) * 2

// Builder edits a version copy-on-write. Pages are materialized in memory
// only along edited paths; Root seals the dirty subtree bottom-up and
// returns the new version's address. The version the builder started from
// is never modified.
type Builder struct {
	store ObjectStore
	root  *bpage
	base  cas.Hash
}

type bpage struct {
	leaf     bool
	count    int
	entries  map[graph.NodeID]*graph.Node
	children [fanout]*bchild
}

// bchild is a subtree reference: a clean content address, or a
// materialized page once an edit descended into it.
type bchild struct {
	hash cas.Hash
	page *bpage
}

func newBuilder(st ObjectStore, root cas.Hash) *Builder {
	return &Builder{
		store: st,
		base:  root,
		root:  nil,
	}
}

// Put inserts or replaces the entry for n.ID. The node is cloned, so the
// caller may keep mutating its copy.
func (b *Builder) Put(n *graph.Node) error {
	if n.ID == "" {
		return fmt.Errorf("put: empty node id")
	}
	if b.root == nil {
		root, err := b.materialize(b.base)
		if err != nil {
			return err
		}
		b.root = root
	}

	entry := n.Clone()
	graph.SortEdges(entry.Edges)
	_, err := b.put(b.root, route(entry.ID), 0, entry)
	return err
}

// Root seals every materialized page bottom-up and returns the new root
// address. Unmodified subtrees keep their old pages. The builder stays
// usable afterwards.
func (b *Builder) Root() (cas.Hash, error) {
	if b.root == nil {
		return b.base, nil
	}
	return b.seal(b.root)
}

func (b *Builder) materialize(h cas.Hash) (*bpage, error) {
	p, err := loadPage(b.store, h)
	if err != nil {
		return nil, err
	}
	out := &bpage{leaf: p.Leaf, count: p.Count}
	if p.Leaf {
		out.entries = make(map[graph.NodeID]*graph.Node, len(p.Entries))
		for _, n := range p.Entries {
			out.entries[n.ID] = n
		}
		return out, nil
	}
	for i, child := range p.Children {
		if !child.IsZero() {
			out.children[i] = &bchild{hash: child}
		}
	}
	return out, nil
}

func (b *Builder) put(p *bpage, digest cas.Hash, depth int, n *graph.Node) (int, error) {
	if p.leaf {
		if p.entries == nil {
			p.entries = make(map[graph.NodeID]*graph.Node)
		}
		_, replacing := p.entries[n.ID]
		p.entries[n.ID] = n
		if replacing {
			return 0, nil
		}
		p.count++

		if p.count > leafCap && depth < maxRouteDepth {
			if err := b.split(p, depth); err != nil {
				return 0, err
			}
		}
		return 1, nil
	}

	idx := nibbleAt(digest, depth)
	child := p.children[idx]
	if child == nil {
		child = &bchild{page: &bpage{leaf: true}}
		p.children[idx] = child
	}
	if child.page == nil {
		mat, err := b.materialize(child.hash)
		if err != nil {
			return 0, err
		}
		child.page = mat
	}

	delta, err := b.put(child.page, digest, depth+1, n)
	if err != nil {
		return 0, err
	}
	p.count += delta
	return delta, nil
}

// split converts an overfull leaf into an interior page, redistributing
// its entries one routing nibble deeper.
func (b *Builder) split(p *bpage, depth int) error {
	entries := p.entries
	p.leaf = false
	p.entries = nil
	p.count = 0
	p.children = [fanout]*bchild{}

	for _, n := range entries {
		if _, err := b.put(p, route(n.ID), depth, n); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) seal(p *bpage) (cas.Hash, error) {
	out := &page{Leaf: p.leaf, Count: p.count}
	if p.leaf {
		out.Entries = make([]*graph.Node, 0, len(p.entries))
		for _, n := range p.entries {
			out.Entries = append(out.Entries, n)
		}
		return storePage(b.store, out)
	}

	for i, child := range p.children {
		switch {
		case child == nil:
			// empty subtree stays zero
		case child.page != nil:
			h, err := b.seal(child.page)
			if err != nil {
				return cas.Zero, err
			}
			out.Children[i] = h
		default:
			out.Children[i] = child.hash
		}
	}
	return storePage(b.store, out)
}

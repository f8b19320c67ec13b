// Package snapshot implements the immutable node index of one graph
// version: a hash-array-mapped trie of pages stored content-addressed.
// Snapshots sharing history share unmodified subtrees, and two snapshots
// holding the same entries have the same root hash no matter how they
// were built.
package snapshot

import (
	"errors"
	"fmt"
	"sort"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/graph"
)

// ObjectStore is the slice of the store a snapshot needs: content-addressed
// put and get. store.Mem and store.SQLite satisfy it.
type ObjectStore interface {
	PutObject(kind string, data []byte) (cas.Hash, error)
	GetObject(hash cas.Hash) ([]byte, error)
}

// ErrCorruptPage signals a page that decoded but violates the tree shape.
var ErrCorruptPage = errors.New("snapshot: corrupt page")

// Snapshot is a read handle on one immutable version. The zero root is not
// legal; use Empty to materialize an empty version.
type Snapshot struct {
	store ObjectStore
	root  cas.Hash
}

// Load opens the version rooted at root. The root page is read eagerly so
// a dangling hash fails here, not on first Get.
func Load(st ObjectStore, root cas.Hash) (*Snapshot, error) {
	if root.IsZero() {
		return nil, fmt.Errorf("load snapshot: zero root")
	}
	if _, err := loadPage(st, root); err != nil {
		return nil, err
	}
	return &Snapshot{store: st, root: root}, nil
}

// Empty writes the canonical empty page and returns a snapshot over it.
func Empty(st ObjectStore) (*Snapshot, error) {
	root, err := storePage(st, &page{Leaf: true})
	if err != nil {
		return nil, fmt.Errorf("write empty snapshot: %w", err)
	}
	return &Snapshot{store: st, root: root}, nil
}

// Root returns the content address of this version.
func (s *Snapshot) Root() cas.Hash {
	return s.root
}

// Get returns the stored entry for id, tombstones included. The second
// return is false when the id has never existed in this version.
func (s *Snapshot) Get(id graph.NodeID) (*graph.Node, bool, error) {
	digest := route(id)
	h := s.root
	for depth := 0; ; depth++ {
		p, err := loadPage(s.store, h)
		if err != nil {
			return nil, false, err
		}
		if p.Leaf {
			for _, n := range p.Entries {
				if n.ID == id {
					return n.Clone(), true, nil
				}
			}
			return nil, false, nil
		}
		h = p.Children[nibbleAt(digest, depth)]
		if h.IsZero() {
			return nil, false, nil
		}
	}
}

// Live returns the entry for id unless it is absent or tombstoned.
func (s *Snapshot) Live(id graph.NodeID) (*graph.Node, bool, error) {
	n, ok, err := s.Get(id)
	if err != nil || !ok || n.Tombstone {
		return nil, false, err
	}
	return n, true, nil
}

// Count returns the number of entries in this version, tombstones included.
func (s *Snapshot) Count() (int, error) {
	p, err := loadPage(s.store, s.root)
	if err != nil {
		return 0, err
	}
	return p.Count, nil
}

// Walk calls fn for every entry in ascending NodeID order. Returning an
// error from fn stops the walk.
func (s *Snapshot) Walk(fn func(*graph.Node) error) error {
	var all []*graph.Node
	if err := collectEntries(s.store, s.root, &all); err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	for _, n := range all {
		if err := fn(n.Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Builder starts a copy-on-write edit session over this version.
func (s *Snapshot) Builder() *Builder {
	return newBuilder(s.store, s.root)
}

func collectEntries(st ObjectStore, root cas.Hash, out *[]*graph.Node) error {
	p, err := loadPage(st, root)
	if err != nil {
		return err
	}
	if p.Leaf {
		*out = append(*out, p.Entries...)
		return nil
	}
	for _, child := range p.Children {
		if child.IsZero() {
			continue
		}
		if err := collectEntries(st, child, out); err != nil {
			return err
		}
	}
	return nil
}

// Reachable visits every object a version keeps alive: its pages and the
// payload hash of every entry. The sweeper marks through this.
func Reachable(st ObjectStore, root cas.Hash, visit func(cas.Hash) error) error {
	return ReachableKinds(st, root, func(h cas.Hash, _ string) error {
		return visit(h)
	})
}

// ReachableKinds is Reachable with each hash labeled cas.DomainPage or
// cas.DomainPayload, for exporters that rewrite objects under the right
// domain.
func ReachableKinds(st ObjectStore, root cas.Hash, visit func(h cas.Hash, kind string) error) error {
	if root.IsZero() {
		return nil
	}
	if err := visit(root, cas.DomainPage); err != nil {
		return err
	}
	p, err := loadPage(st, root)
	if err != nil {
		return err
	}
	if p.Leaf {
		for _, n := range p.Entries {
			if n.PayloadHash.IsZero() {
				continue
			}
			if err := visit(n.PayloadHash, cas.DomainPayload); err != nil {
				return err
			}
		}
		return nil
	}
	for _, child := range p.Children {
		if child.IsZero() {
			continue
		}
		if err := ReachableKinds(st, child, visit); err != nil {
			return err
		}
	}
	return nil
}

package snapshot

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/graph"
)

const (
	// fanout is the number of children per interior page, one per nibble
	// of the routing digest.
	fanout = 16

	// leafCap is the largest key count a leaf may hold. A subtree holding
	// leafCap or fewer keys is always a single leaf, which makes the tree
	// shape a pure function of the key set.
	leafCap = 8
)

// page is the serialized form of one tree node. Entries are present on
// leaves, children on interior pages. Field order fixes the encoding, so
// equal pages produce equal bytes and therefore equal hashes.
type page struct {
	Leaf     bool             `json:"leaf"`
	Count    int              `json:"count"`
	Entries  []*graph.Node    `json:"entries,omitempty"`
	Children [fanout]cas.Hash `json:"children"`
}

func encodePage(p *page) ([]byte, error) {
	if p.Leaf {
		sortEntries(p.Entries)
		for _, n := range p.Entries {
			graph.SortEdges(n.Edges)
		}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode page: %w", err)
	}
	return data, nil
}

func decodePage(data []byte) (*page, error) {
	var p page
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &p, nil
}

func sortEntries(entries []*graph.Node) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}

// route returns the digest that positions a node id in the tree. Hashing
// the id spreads ULIDs (which share a time prefix) uniformly across nibbles.
func route(id graph.NodeID) cas.Hash {
	return cas.Sum(cas.DomainRoute, []byte(id))
}

// nibbleAt extracts the depth-th 4-bit routing step from a digest.
func nibbleAt(digest cas.Hash, depth int) int {
	b := digest[depth/2]
	if depth%2 == 0 {
		return int(b >> 4)
	}
	return int(b & 0x0f)
}

func loadPage(st ObjectStore, h cas.Hash) (*page, error) {
	data, err := st.GetObject(h)
	if err != nil {
		return nil, fmt.Errorf("load page %s: %w", h.Short(), err)
	}
	return decodePage(data)
}

func storePage(st ObjectStore, p *page) (cas.Hash, error) {
	data, err := encodePage(p)
	if err != nil {
		return cas.Zero, err
	}
	return st.PutObject(cas.DomainPage, data)
}

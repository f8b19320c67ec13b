package store

import (
	"sync"

	"github.com/MegaWatt01/si/cas"
)

// pinSet counts pins per root. Rebase and apply pin the snapshots they
// are building from so a concurrent sweep cannot reclaim them mid-flight.
type pinSet struct {
	mu   sync.Mutex
	refs map[cas.Hash]int
}

func newPinSet() *pinSet {
	return &pinSet{refs: make(map[cas.Hash]int)}
}

func (p *pinSet) pin(h cas.Hash) {
	if h.IsZero() {
		return
	}
	p.mu.Lock()
	p.refs[h]++
	p.mu.Unlock()
}

func (p *pinSet) unpin(h cas.Hash) {
	if h.IsZero() {
		return
	}
	p.mu.Lock()
	if n := p.refs[h]; n > 1 {
		p.refs[h] = n - 1
	} else {
		delete(p.refs, h)
	}
	p.mu.Unlock()
}

func (p *pinSet) roots() []cas.Hash {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]cas.Hash, 0, len(p.refs))
	for h := range p.refs {
		out = append(out, h)
	}
	return out
}

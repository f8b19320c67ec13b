package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/MegaWatt01/si/cas"
)

// ReachFunc enumerates every object a root keeps alive. The snapshot
// package provides the implementation; taking it as a parameter keeps this
// package from knowing the page format.
type ReachFunc func(root cas.Hash, visit func(cas.Hash) error) error

// RootsFunc returns the roots that must survive a sweep: the baseline and
// every open change set's base and current. The workspace provides it;
// pinned roots are folded in by the sweeper itself.
type RootsFunc func() ([]cas.Hash, error)

// SweepPlan is the outcome of a mark pass.
type SweepPlan struct {
	Roots    int
	Marked   int
	ToDelete []cas.Hash
}

// BuildSweepPlan marks every object reachable from the roots and returns
// the rest as deletable. It only reads; ExecuteSweep applies the plan.
func BuildSweepPlan(st Store, roots []cas.Hash, reach ReachFunc) (*SweepPlan, error) {
	marked := make(map[cas.Hash]bool)
	for _, root := range roots {
		if root.IsZero() || marked[root] {
			continue
		}
		err := reach(root, func(h cas.Hash) error {
			marked[h] = true
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("marking from root %s: %w", root.Short(), err)
		}
	}

	plan := &SweepPlan{Roots: len(roots), Marked: len(marked)}
	err := st.ForEachObject(func(h cas.Hash, kind string) error {
		if !marked[h] {
			plan.ToDelete = append(plan.ToDelete, h)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning objects: %w", err)
	}
	return plan, nil
}

// ExecuteSweep deletes the plan's objects and returns how many went away.
func ExecuteSweep(st Store, plan *SweepPlan) (int, error) {
	if len(plan.ToDelete) == 0 {
		return 0, nil
	}
	return st.DeleteObjects(plan.ToDelete)
}

// Sweeper reclaims unreachable objects on a timer. Roots are re-collected
// on every pass, and the pin set is folded in so in-flight rebase results
// survive even before any ref or change-set row points at them.
type Sweeper struct {
	store    Store
	roots    RootsFunc
	reach    ReachFunc
	interval time.Duration
	stop     chan struct{}
}

// NewSweeper wires a sweeper; interval <= 0 defaults to 10 minutes.
func NewSweeper(st Store, roots RootsFunc, reach ReachFunc, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:    st,
		roots:    roots,
		reach:    reach,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

// SweepOnce runs a single mark-and-sweep pass.
func (s *Sweeper) SweepOnce() (*SweepPlan, int, error) {
	roots, err := s.roots()
	if err != nil {
		return nil, 0, fmt.Errorf("collecting roots: %w", err)
	}
	roots = append(roots, s.store.PinnedRoots()...)

	plan, err := BuildSweepPlan(s.store, roots, s.reach)
	if err != nil {
		return nil, 0, err
	}
	deleted, err := ExecuteSweep(s.store, plan)
	return plan, deleted, err
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) {
	go s.run(ctx)
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	close(s.stop)
}

func (s *Sweeper) run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			plan, deleted, err := s.SweepOnce()
			if err != nil {
				log.Printf("sweep error: %v", err)
				continue
			}
			if deleted > 0 {
				log.Printf("sweep: deleted %d objects (%d live from %d roots)",
					deleted, plan.Marked, plan.Roots)
			}
		}
	}
}

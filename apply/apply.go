// Package apply advances the baseline. A change set is rebased onto the
// current baseline and the ref moves by compare-and-swap; an apply that
// loses the race retries against the moved baseline a bounded number of
// times. At most one apply commits per baseline transition.
package apply

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaWatt01/si/cas"
	"github.com/MegaWatt01/si/changeset"
	"github.com/MegaWatt01/si/events"
	"github.com/MegaWatt01/si/rebase"
	"github.com/MegaWatt01/si/store"
	"github.com/MegaWatt01/si/workspace"
)

// DefaultRetries bounds how many times one apply chases a moving baseline.
const DefaultRetries = 5

// ErrBusy reports an apply that lost every attempt to a baseline that kept
// moving. The change set is untouched; the caller retries later.
var ErrBusy = errors.New("apply: baseline kept moving, try again")

// Service applies change sets to the baseline.
type Service struct {
	store   store.Store
	ws      *workspace.Manager
	bus     *events.Bus
	retries int
}

// New creates an apply service. retries <= 0 selects DefaultRetries; bus
// may be nil.
func New(st store.Store, ws *workspace.Manager, bus *events.Bus, retries int) *Service {
	if retries <= 0 {
		retries = DefaultRetries
	}
	return &Service{store: st, ws: ws, bus: bus, retries: retries}
}

// Apply rebases the change set onto the current baseline and moves the
// baseline ref to the merged version. On conflicts the result carries them
// and neither the change set nor the baseline moves. The change set's lock
// is held for each attempt, so edits cannot slip into the apply window;
// ctx is checked between attempts.
func (s *Service) Apply(ctx context.Context, csID string) (*rebase.Result, error) {
	for attempt := 0; attempt < s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var result *rebase.Result
		var lostRace bool
		err := s.ws.Locked(csID, func() error {
			cs, err := s.ws.Get(csID)
			if err != nil {
				return err
			}
			if !cs.Open() {
				return fmt.Errorf("change set %s is %s: %w", csID, cs.Status, workspace.ErrChangeSetClosed)
			}
			baseline, err := s.ws.Baseline()
			if err != nil {
				return fmt.Errorf("reading baseline: %w", err)
			}

			res, err := s.ws.RebaseOnto(csID, baseline)
			if err != nil {
				return err
			}
			if !res.Success {
				result = res
				return nil
			}
			defer s.store.Unpin(res.NewRoot)

			applied := *cs
			applied.Base = baseline
			applied.Current = res.NewRoot
			applied.Status = changeset.StatusApplied
			applied.UpdatedAt = cas.NowMs()

			evs := s.applyEvents(cs.ID, baseline, res.NewRoot)
			err = s.store.CommitApply(workspace.BaselineRef, baseline, res.NewRoot, &applied, evs)
			if errors.Is(err, store.ErrRefMismatch) {
				lostRace = true
				return nil
			}
			if err != nil {
				return err
			}
			s.publish(evs)
			result = res
			return nil
		})
		if err != nil {
			return nil, err
		}
		if lostRace {
			continue
		}
		return result, nil
	}
	return nil, ErrBusy
}

func (s *Service) applyEvents(csID string, old, new cas.Hash) []*events.Event {
	now := cas.NowMs()
	move, _ := json.Marshal(map[string]string{
		"old":        old.Hex(),
		"new":        new.Hex(),
		"change_set": csID,
	})
	return []*events.Event{
		{
			ChangeSetID: csID,
			Kind:        events.KindChangeSetApplied,
			Topic:       events.ChangeSetTopic(csID, events.KindChangeSetApplied),
			At:          now,
		},
		{
			Kind:    events.TopicBaselineAdvanced,
			Topic:   events.TopicBaselineAdvanced,
			Payload: move,
			At:      now,
		},
	}
}

func (s *Service) publish(evs []*events.Event) {
	if s.bus == nil {
		return
	}
	for _, ev := range evs {
		s.bus.Publish(ev)
	}
}

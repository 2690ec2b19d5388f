// README: Unit registry service: duty toggles, location pings, candidate reads.
package unit

import (
	"context"
	"log/slog"

	"lifeline/internal/observability"
	"lifeline/internal/types"
)

type Service struct {
	store *Store
	log   *slog.Logger
}

func NewService(store *Store, log *slog.Logger) *Service {
	return &Service{store: store, log: log}
}

// SetDuty flips the duty flag. Going off duty also drops the live position
// so the matcher can never pick stale coordinates.
func (s *Service) SetDuty(ctx context.Context, id types.ID, onDuty bool) error {
	if err := s.store.SetDuty(ctx, id, onDuty); err != nil {
		return err
	}
	if onDuty {
		observability.UnitsOnDuty.Inc()
	} else {
		observability.UnitsOnDuty.Dec()
		if err := s.store.DeletePosition(ctx, id); err != nil {
			s.log.Warn("delete position after off-duty", "unit_id", id, "err", err)
		}
	}
	s.log.Info("duty changed", "unit_id", id, "on_duty", onDuty)
	return nil
}

// ReportPosition records a location ping. The duty flag is the source of
// truth for eligibility: pings from off-duty units are rejected outright
// rather than cached.
func (s *Service) ReportPosition(ctx context.Context, id types.ID, p types.Point) error {
	u, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !u.OnDuty {
		return ErrOffDuty
	}
	return s.store.SetPosition(ctx, id, p)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Unit, error) {
	return s.store.Get(ctx, id)
}

// Candidates returns every on-duty unit with a known live position. Units
// that have not pinged a location are deliberately absent: a unit that
// cannot be located cannot be reliably dispatched.
func (s *Service) Candidates(ctx context.Context) ([]Position, error) {
	ids, err := s.store.OnDutyIDs(ctx)
	if err != nil {
		return nil, err
	}
	return s.store.Positions(ctx, ids)
}

// Nearby returns positioned units within radiusKm of the point, nearest
// first. Feeds the best-effort nearby query; not part of offer matching.
func (s *Service) Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]Position, error) {
	return s.store.SearchNearby(ctx, p, radiusKm)
}

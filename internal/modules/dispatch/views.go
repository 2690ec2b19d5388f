// README: Read-side views: offer/assignment polls, request status, nearby query, sweeper.
package dispatch

import (
	"context"
	"errors"
	"sort"
	"time"

	"lifeline/internal/modules/assignment"
	"lifeline/internal/modules/request"
	"lifeline/internal/types"
)

// OfferView is what a polling unit sees while it holds the live offer.
type OfferView struct {
	RequestID     types.ID         `json:"request_id"`
	RequesterName string           `json:"requester_name"`
	RequesterTel  string           `json:"requester_phone"`
	Location      types.Point      `json:"location"`
	Severity      request.Severity `json:"severity"`
	ExpiresAt     time.Time        `json:"expires_at"`
}

// AssignmentView is the confirmed-assignment summary for a unit.
type AssignmentView struct {
	RequestID     types.ID    `json:"request_id"`
	RequesterName string      `json:"requester_name"`
	RequesterTel  string      `json:"requester_phone"`
	Location      types.Point `json:"location"`
	FacilityName  string      `json:"facility_name,omitempty"`
	ETAMinutes    int         `json:"eta_minutes"`
}

// NearbyUnit is one row of the best-effort nearby search.
type NearbyUnit struct {
	UnitID      types.ID `json:"unit_id"`
	DisplayName string   `json:"display_name"`
	DistanceKm  float64  `json:"distance_km"`
}

// RequestStatus is the requester/operator poll view.
type RequestStatus struct {
	ID             types.ID         `json:"id"`
	Status         request.Status   `json:"status"`
	Severity       request.Severity `json:"severity"`
	AssignedUnitID *types.ID        `json:"assigned_unit_id,omitempty"`
	ETAMinutes     *int             `json:"eta_minutes,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
}

// PollOffer returns the request currently offered to the unit, or nil when
// there is none. An offer whose window already elapsed is withheld; the
// expiry path will rotate it.
func (s *Service) PollOffer(ctx context.Context, unitID types.ID) (*OfferView, error) {
	r, err := s.ledger.OfferedTo(ctx, unitID)
	if err != nil {
		return nil, err
	}
	if r == nil || r.OfferStartedAt == nil {
		return nil, nil
	}
	expiresAt := r.OfferStartedAt.Add(s.cfg.OfferWindow)
	if time.Now().After(expiresAt) {
		return nil, nil
	}
	view := &OfferView{
		RequestID: r.ID,
		Location:  r.Location,
		Severity:  r.Severity,
		ExpiresAt: expiresAt,
	}
	if acc, err := s.dir.Account(ctx, r.RequesterID); err == nil {
		view.RequesterName = acc.Name
		view.RequesterTel = acc.Phone
	}
	return view, nil
}

// PollAssigned returns the unit's active assignment independent of any offer
// window. ETA falls back to the documented default when none was recorded.
func (s *Service) PollAssigned(ctx context.Context, unitID types.ID) (*AssignmentView, error) {
	a, err := s.recorder.Active(ctx, unitID)
	if errors.Is(err, assignment.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r, err := s.ledger.Get(ctx, a.RequestID)
	if err != nil {
		return nil, err
	}

	view := &AssignmentView{
		RequestID:  r.ID,
		Location:   r.Location,
		ETAMinutes: request.DefaultETAMinutes,
	}
	if r.ETAMinutes != nil {
		view.ETAMinutes = *r.ETAMinutes
	}
	if acc, err := s.dir.Account(ctx, r.RequesterID); err == nil {
		view.RequesterName = acc.Name
		view.RequesterTel = acc.Phone
	}
	facilityID := r.FacilityID
	if facilityID == nil {
		facilityID = a.FacilityID
	}
	if facilityID != nil {
		if fac, err := s.dir.Facility(ctx, *facilityID); err == nil {
			view.FacilityName = fac.Name
		}
	}
	return view, nil
}

// Status returns the requester-facing request summary.
func (s *Service) Status(ctx context.Context, requestID types.ID) (*RequestStatus, error) {
	r, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &RequestStatus{
		ID:             r.ID,
		Status:         r.Status,
		Severity:       r.Severity,
		AssignedUnitID: r.AssignedUnitID,
		ETAMinutes:     r.ETAMinutes,
		CreatedAt:      r.CreatedAt,
	}, nil
}

// AssignFacility points the request at a destination facility. Independent
// of unit assignment; valid in any non-terminal state and after assignment.
func (s *Service) AssignFacility(ctx context.Context, requestID, facilityID types.ID) error {
	if _, err := s.dir.Facility(ctx, facilityID); err != nil {
		return err
	}
	return s.ledger.SetFacility(ctx, requestID, facilityID)
}

// SetETA records the unit's estimated arrival for an assigned request. It
// replaces the fallback default in the requester and assignment views.
func (s *Service) SetETA(ctx context.Context, requestID types.ID, minutes int) error {
	if minutes <= 0 {
		return request.ErrBadRequest
	}
	r, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != request.StatusAssigned {
		return request.ErrConflict
	}
	return s.ledger.SetETA(ctx, requestID, minutes)
}

// QueryNearby is the read-only convenience search. Road distance refines the
// straight-line ranking when a provider is configured; a provider failure
// drops that candidate only, never the whole query.
func (s *Service) QueryNearby(ctx context.Context, p types.Point, radiusKm float64) ([]NearbyUnit, error) {
	if radiusKm <= 0 {
		radiusKm = s.cfg.NearbyRadiusKm
	}
	positions, err := s.units.Nearby(ctx, p, radiusKm)
	if err != nil {
		return nil, err
	}

	out := make([]NearbyUnit, 0, len(positions))
	for _, pos := range positions {
		distKm := GreatCircleKm(p, pos.Point)
		if s.road != nil {
			d, err := s.road.DistanceKm(ctx, pos.Point, p)
			if err != nil {
				s.log.Debug("road distance lookup failed", "unit_id", pos.UnitID, "err", err)
				continue
			}
			distKm = d
		}
		if distKm > radiusKm {
			continue
		}
		name, err := s.dir.UnitDisplayName(ctx, pos.UnitID)
		if err != nil {
			name = "Unit " + pos.UnitID.String()
		}
		out = append(out, NearbyUnit{UnitID: pos.UnitID, DisplayName: name, DistanceKm: distKm})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// RunExpirySweeper re-expires offers whose deadline passed without a live
// in-process timer, e.g. after a restart. Normal expiry goes through the
// per-request timers; this is the safety net.
func (s *Service) RunExpirySweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.OfferWindow)
			stale, err := s.ledger.ExpiredOffers(ctx, cutoff)
			if err != nil {
				s.log.Error("expiry sweep", "err", err)
				continue
			}
			for _, r := range stale {
				if r.CandidateUnitID == nil {
					continue
				}
				s.ExpireOffer(r.ID, *r.CandidateUnitID)
			}
		}
	}
}

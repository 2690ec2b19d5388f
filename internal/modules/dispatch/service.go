// README: Offer coordinator: candidate selection, offer windows and guarded transitions.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"lifeline/internal/config"
	"lifeline/internal/events"
	"lifeline/internal/maps"
	"lifeline/internal/modules/assignment"
	"lifeline/internal/modules/directory"
	"lifeline/internal/modules/request"
	"lifeline/internal/modules/unit"
	"lifeline/internal/notify"
	"lifeline/internal/observability"
	"lifeline/internal/types"
)

var (
	// ErrNotAwaiting is returned to a unit answering an offer it does not
	// hold. The rejection is still recorded for future exclusion.
	ErrNotAwaiting = errors.New("request is not awaiting this unit")
	// ErrNoUnitsAvailable means the eligible pool is empty right now; the
	// request stays pending and can be re-dispatched.
	ErrNoUnitsAvailable = errors.New("no eligible units available")
)

// Ledger is the request store surface the coordinator mutates. Every
// status-affecting write is a guarded conditional update; plain
// read-then-write is not available by construction.
type Ledger interface {
	Create(ctx context.Context, r *request.Request) error
	Get(ctx context.Context, id types.ID) (*request.Request, error)
	OfferedTo(ctx context.Context, unitID types.ID) (*request.Request, error)
	BeginOffer(ctx context.Context, id types.ID, version int, unitID types.ID, at time.Time) (bool, error)
	AcceptOffer(ctx context.Context, id types.ID, version int, unitID types.ID) (bool, error)
	ReleaseOffer(ctx context.Context, id types.ID, version int, unitID types.ID) (bool, error)
	MarkExhausted(ctx context.Context, id types.ID, version int) (bool, error)
	Cancel(ctx context.Context, id types.ID, from request.Status, version int) (bool, error)
	AddRejection(ctx context.Context, id types.ID, unitID types.ID) error
	Rejections(ctx context.Context, id types.ID) (map[types.ID]bool, error)
	SetFacility(ctx context.Context, id types.ID, facilityID types.ID) error
	SetETA(ctx context.Context, id types.ID, minutes int) error
	ExpiredOffers(ctx context.Context, cutoff time.Time) ([]*request.Request, error)
	AppendEvent(ctx context.Context, e *request.Event) error
}

// Units supplies dispatchable candidates from the unit registry.
type Units interface {
	Candidates(ctx context.Context) ([]unit.Position, error)
	Nearby(ctx context.Context, p types.Point, radiusKm float64) ([]unit.Position, error)
}

// Recorder persists confirmed pairings.
type Recorder interface {
	Record(ctx context.Context, requestID, unitID types.ID, facilityID *types.ID) error
	Active(ctx context.Context, unitID types.ID) (*assignment.Assignment, error)
	Complete(ctx context.Context, requestID types.ID) error
}

// Directory resolves requester, unit and facility display data.
type Directory interface {
	Account(ctx context.Context, id types.ID) (*directory.Account, error)
	Facility(ctx context.Context, id types.ID) (*directory.Facility, error)
	UnitDisplayName(ctx context.Context, unitID types.ID) (string, error)
}

type Service struct {
	ledger   Ledger
	units    Units
	recorder Recorder
	dir      Directory
	pusher   notify.Pusher
	events   events.Publisher
	road     maps.RoadDistancer
	timers   *OfferTimers
	cfg      config.DispatchConfig
	log      *slog.Logger
}

func NewService(
	ledger Ledger,
	units Units,
	recorder Recorder,
	dir Directory,
	pusher notify.Pusher,
	pub events.Publisher,
	road maps.RoadDistancer,
	cfg config.DispatchConfig,
	log *slog.Logger,
) *Service {
	return &Service{
		ledger:   ledger,
		units:    units,
		recorder: recorder,
		dir:      dir,
		pusher:   pusher,
		events:   pub,
		road:     road,
		timers:   NewOfferTimers(),
		cfg:      cfg,
		log:      log,
	}
}

type CreateCommand struct {
	RequesterID types.ID
	Location    types.Point
	Severity    request.Severity
}

// CreateRequest opens a dispatch request and immediately attempts the first
// offer. When no unit is eligible the request stays pending and
// ErrNoUnitsAvailable is returned alongside the id so the operator layer can
// tell the requester.
func (s *Service) CreateRequest(ctx context.Context, cmd CreateCommand) (types.ID, error) {
	if cmd.RequesterID <= 0 || !cmd.Location.Valid() {
		return 0, request.ErrBadRequest
	}
	if cmd.Severity == "" {
		cmd.Severity = request.SeverityUnknown
	}
	if !cmd.Severity.Valid() {
		return 0, request.ErrBadRequest
	}

	r := &request.Request{
		RequesterID: cmd.RequesterID,
		Location:    cmd.Location,
		Severity:    cmd.Severity,
		Status:      request.StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := s.ledger.Create(ctx, r); err != nil {
		return 0, err
	}
	s.appendEvent(ctx, r.ID, "", request.StatusPending, "requester", nil)
	s.publish(ctx, events.TypeRequested, r.ID, nil)

	if err := s.dispatch(ctx, r.ID, false); err != nil {
		if errors.Is(err, ErrNoUnitsAvailable) {
			return r.ID, err
		}
		s.log.Error("initial dispatch", "request_id", r.ID, "err", err)
	}
	return r.ID, nil
}

// Dispatch retries the offer loop for a pending request. Used by the
// operator layer when the first attempt found no unit.
func (s *Service) Dispatch(ctx context.Context, requestID types.ID) error {
	return s.dispatch(ctx, requestID, false)
}

// dispatch picks the nearest eligible unit and claims it as the current
// candidate. exhaustOnEmpty distinguishes rotation re-attempts (an empty
// pool is terminal) from first attempts and manual retries (the request
// stays pending).
func (s *Service) dispatch(ctx context.Context, requestID types.ID, exhaustOnEmpty bool) error {
	r, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != request.StatusPending {
		return request.ErrConflict
	}

	rejected, err := s.ledger.Rejections(ctx, requestID)
	if err != nil {
		return err
	}
	if s.cfg.MaxRounds > 0 && len(rejected) >= s.cfg.MaxRounds {
		return s.exhaust(ctx, r)
	}

	positions, err := s.units.Candidates(ctx)
	if err != nil {
		return err
	}
	candidates := make([]Candidate, len(positions))
	for i, p := range positions {
		candidates[i] = Candidate{UnitID: p.UnitID, Point: p.Point}
	}

	best, distKm, found := BestCandidate(r.Location, candidates, rejected)
	if !found {
		if exhaustOnEmpty {
			return s.exhaust(ctx, r)
		}
		return ErrNoUnitsAvailable
	}

	now := time.Now()
	ok, err := s.ledger.BeginOffer(ctx, r.ID, r.StatusVersion, best.UnitID, now)
	if err != nil {
		return err
	}
	if !ok {
		observability.TransitionConflicts.Inc()
		return request.ErrConflict
	}

	unitID := best.UnitID
	s.timers.Schedule(r.ID, s.cfg.OfferWindow, func() {
		s.ExpireOffer(r.ID, unitID)
	})

	s.appendEvent(ctx, r.ID, request.StatusPending, request.StatusOfferPending, "system", &unitID)
	s.publish(ctx, events.TypeOffered, r.ID, &unitID)
	s.pusher.OfferAvailable(unitID, r.ID)
	observability.OffersTotal.Inc()
	s.log.Info("offer extended", "request_id", r.ID, "unit_id", unitID, "distance_km", distKm)
	return nil
}

// Accept confirms the offer for the calling unit. Exactly one of any set of
// concurrent accept/reject/expiry attempts wins the version race; everyone
// else gets ErrConflict.
func (s *Service) Accept(ctx context.Context, requestID, unitID types.ID) error {
	r, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != request.StatusOfferPending {
		return request.ErrConflict
	}
	ok, err := s.ledger.AcceptOffer(ctx, requestID, r.StatusVersion, unitID)
	if err != nil {
		return err
	}
	if !ok {
		observability.TransitionConflicts.Inc()
		return request.ErrConflict
	}

	s.timers.Cancel(requestID)
	if err := s.recorder.Record(ctx, requestID, unitID, r.FacilityID); err != nil {
		// The request is already assigned; the ledger row is authoritative
		// and the recorder insert is idempotent, so log and move on.
		s.log.Error("record assignment", "request_id", requestID, "unit_id", unitID, "err", err)
	}

	s.appendEvent(ctx, requestID, request.StatusOfferPending, request.StatusAssigned, "unit", &unitID)
	s.publish(ctx, events.TypeAssigned, requestID, &unitID)
	s.pusher.AssignmentConfirmed(unitID, requestID)
	observability.OfferOutcomes.WithLabelValues("accepted").Inc()
	observability.AssignmentsTotal.Inc()
	observability.DispatchLatency.Observe(time.Since(r.CreatedAt).Seconds())
	s.log.Info("request assigned", "request_id", requestID, "unit_id", unitID)
	return nil
}

// Reject records the unit's refusal and, when the unit holds the live offer,
// rotates to the next candidate. A stale or late rejection still lands in
// the rejection set but returns ErrNotAwaiting.
func (s *Service) Reject(ctx context.Context, requestID, unitID types.ID) error {
	r, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return err
	}
	// Recorded first and unconditionally: a refusal carries independent
	// information even when the offer has already moved on.
	if err := s.ledger.AddRejection(ctx, requestID, unitID); err != nil {
		return err
	}
	if r.Status != request.StatusOfferPending || r.CandidateUnitID == nil || *r.CandidateUnitID != unitID {
		return ErrNotAwaiting
	}

	ok, err := s.ledger.ReleaseOffer(ctx, requestID, r.StatusVersion, unitID)
	if err != nil {
		return err
	}
	if !ok {
		observability.TransitionConflicts.Inc()
		return request.ErrConflict
	}

	s.timers.Cancel(requestID)
	s.appendEvent(ctx, requestID, request.StatusOfferPending, request.StatusPending, "unit", &unitID)
	s.publish(ctx, events.TypeRejected, requestID, &unitID)
	observability.OfferOutcomes.WithLabelValues("rejected").Inc()
	s.log.Info("offer rejected", "request_id", requestID, "unit_id", unitID)

	if err := s.dispatch(ctx, requestID, true); err != nil && !errors.Is(err, request.ErrConflict) {
		s.log.Error("rotate after rejection", "request_id", requestID, "err", err)
	}
	return nil
}

// ExpireOffer is the timer callback for an elapsed offer window. It applies
// the same transition as an explicit rejection. Losing the version race to
// an accept or reject that landed first is a silent no-op.
func (s *Service) ExpireOffer(requestID, unitID types.ID) {
	ctx := context.Background()
	r, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		s.log.Error("expire offer load", "request_id", requestID, "err", err)
		return
	}
	if r.Status != request.StatusOfferPending || r.CandidateUnitID == nil || *r.CandidateUnitID != unitID {
		return
	}

	ok, err := s.ledger.ReleaseOffer(ctx, requestID, r.StatusVersion, unitID)
	if err != nil {
		s.log.Error("expire offer release", "request_id", requestID, "err", err)
		return
	}
	if !ok {
		observability.TransitionConflicts.Inc()
		return
	}

	// The expired candidate is treated exactly like a rejecter.
	if err := s.ledger.AddRejection(ctx, requestID, unitID); err != nil {
		s.log.Error("record expiry rejection", "request_id", requestID, "err", err)
	}
	s.appendEvent(ctx, requestID, request.StatusOfferPending, request.StatusPending, "timer", &unitID)
	s.publish(ctx, events.TypeExpired, requestID, &unitID)
	observability.OfferOutcomes.WithLabelValues("expired").Inc()
	s.log.Info("offer expired", "request_id", requestID, "unit_id", unitID)

	if err := s.dispatch(ctx, requestID, true); err != nil && !errors.Is(err, request.ErrConflict) {
		s.log.Error("rotate after expiry", "request_id", requestID, "err", err)
	}
}

// Cancel withdraws a non-terminal request. Guarded so a stale cancel can
// never overwrite an accept that landed first.
func (s *Service) Cancel(ctx context.Context, requestID types.ID) error {
	r, err := s.ledger.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Terminal() {
		return request.ErrConflict
	}
	ok, err := s.ledger.Cancel(ctx, requestID, r.Status, r.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		observability.TransitionConflicts.Inc()
		return request.ErrConflict
	}

	s.timers.Cancel(requestID)
	s.appendEvent(ctx, requestID, r.Status, request.StatusCancelled, "requester", nil)
	s.publish(ctx, events.TypeCancelled, requestID, nil)
	s.log.Info("request cancelled", "request_id", requestID)
	return nil
}

// CompleteAssignment closes the unit's active assignment once the run is
// done. The request row stays assigned; completion only frees the unit's
// assignment poll.
func (s *Service) CompleteAssignment(ctx context.Context, unitID types.ID) (types.ID, error) {
	a, err := s.recorder.Active(ctx, unitID)
	if err != nil {
		return 0, err
	}
	if err := s.recorder.Complete(ctx, a.RequestID); err != nil {
		return 0, err
	}
	s.publish(ctx, events.TypeCompleted, a.RequestID, &unitID)
	s.log.Info("assignment completed", "request_id", a.RequestID, "unit_id", unitID)
	return a.RequestID, nil
}

func (s *Service) exhaust(ctx context.Context, r *request.Request) error {
	ok, err := s.ledger.MarkExhausted(ctx, r.ID, r.StatusVersion)
	if err != nil {
		return err
	}
	if !ok {
		observability.TransitionConflicts.Inc()
		return request.ErrConflict
	}
	s.appendEvent(ctx, r.ID, request.StatusPending, request.StatusExhausted, "system", nil)
	s.publish(ctx, events.TypeExhausted, r.ID, nil)
	observability.RequestsExhausted.Inc()
	s.log.Warn("request exhausted", "request_id", r.ID)
	return nil
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to request.Status, actor string, unitID *types.ID) {
	err := s.ledger.AppendEvent(ctx, &request.Event{
		RequestID:  id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actor,
		UnitID:     unitID,
		CreatedAt:  time.Now(),
	})
	if err != nil {
		s.log.Error("append event", "request_id", id, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, t events.Type, id types.ID, unitID *types.ID) {
	e := events.Event{Type: t, RequestID: id, UnitID: unitID, At: time.Now()}
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Warn("publish event", "type", t, "request_id", id, "err", err)
	}
}

// README: Request ledger backed by PostgreSQL; guarded conditional writes are the CAS primitive.
package request

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifeline/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const requestColumns = `
	id, requester_id, lat, lng, severity, status, status_version,
	candidate_unit_id, offer_started_at, assigned_unit_id, facility_id,
	eta_minutes, created_at, closed_at`

func (s *Store) Create(ctx context.Context, r *Request) error {
	row := s.db.QueryRow(ctx, `
		INSERT INTO requests (requester_id, lat, lng, severity, status, status_version, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6)
		RETURNING id`,
		int64(r.RequesterID), r.Location.Lat, r.Location.Lng,
		string(r.Severity), string(r.Status), r.CreatedAt,
	)
	var id int64
	if err := row.Scan(&id); err != nil {
		return err
	}
	r.ID = types.ID(id)
	return nil
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = $1`, int64(id))
	return scanRequest(row)
}

// OfferedTo returns the request currently offered to the unit, if any.
func (s *Store) OfferedTo(ctx context.Context, unitID types.ID) (*Request, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE candidate_unit_id = $1 AND status = 'offer_pending'`,
		int64(unitID),
	)
	r, err := scanRequest(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return r, err
}

// BeginOffer claims unitID as the current candidate: pending -> offer_pending.
// Returns false when a concurrent transition won the version race.
func (s *Store) BeginOffer(ctx context.Context, id types.ID, version int, unitID types.ID, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = 'offer_pending',
		    status_version = status_version + 1,
		    candidate_unit_id = $1,
		    offer_started_at = $2
		WHERE id = $3 AND status = 'pending' AND status_version = $4`,
		int64(unitID), at, int64(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AcceptOffer confirms the offer: offer_pending -> assigned. The guard on
// candidate_unit_id and status_version is what makes concurrent accepts,
// late accepts and timer expiry resolve to exactly one winner.
func (s *Store) AcceptOffer(ctx context.Context, id types.ID, version int, unitID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = 'assigned',
		    status_version = status_version + 1,
		    assigned_unit_id = candidate_unit_id,
		    candidate_unit_id = NULL,
		    offer_started_at = NULL
		WHERE id = $1 AND status = 'offer_pending'
		  AND candidate_unit_id = $2 AND status_version = $3`,
		int64(id), int64(unitID), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseOffer rotates away from a rejected or expired candidate:
// offer_pending -> pending, clearing the candidate.
func (s *Store) ReleaseOffer(ctx context.Context, id types.ID, version int, unitID types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = 'pending',
		    status_version = status_version + 1,
		    candidate_unit_id = NULL,
		    offer_started_at = NULL
		WHERE id = $1 AND status = 'offer_pending'
		  AND candidate_unit_id = $2 AND status_version = $3`,
		int64(id), int64(unitID), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkExhausted closes a pending request that has no eligible unit left.
func (s *Store) MarkExhausted(ctx context.Context, id types.ID, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = 'exhausted',
		    status_version = status_version + 1,
		    closed_at = NOW()
		WHERE id = $1 AND status = 'pending' AND status_version = $2`,
		int64(id), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Cancel closes a non-terminal request. The guard keeps a stale cancel from
// clobbering a request that was assigned in the meantime.
func (s *Store) Cancel(ctx context.Context, id types.ID, from Status, version int) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE requests
		SET status = 'cancelled',
		    status_version = status_version + 1,
		    candidate_unit_id = NULL,
		    offer_started_at = NULL,
		    closed_at = NOW()
		WHERE id = $1 AND status = $2 AND status_version = $3`,
		int64(id), string(from), version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AddRejection records that a unit refused (or timed out on) a request.
// Insert-only and idempotent; a unit here is permanently excluded from the
// request's candidate pool.
func (s *Store) AddRejection(ctx context.Context, id types.ID, unitID types.ID) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO request_rejections (request_id, unit_id, rejected_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (request_id, unit_id) DO NOTHING`,
		int64(id), int64(unitID),
	)
	return err
}

func (s *Store) Rejections(ctx context.Context, id types.ID) (map[types.ID]bool, error) {
	rows, err := s.db.Query(ctx, `SELECT unit_id FROM request_rejections WHERE request_id = $1`, int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[types.ID]bool)
	for rows.Next() {
		var unitID int64
		if err := rows.Scan(&unitID); err != nil {
			return nil, err
		}
		out[types.ID(unitID)] = true
	}
	return out, rows.Err()
}

func (s *Store) SetFacility(ctx context.Context, id types.ID, facilityID types.ID) error {
	tag, err := s.db.Exec(ctx, `UPDATE requests SET facility_id = $1 WHERE id = $2`,
		int64(facilityID), int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetETA(ctx context.Context, id types.ID, minutes int) error {
	tag, err := s.db.Exec(ctx, `UPDATE requests SET eta_minutes = $1 WHERE id = $2`,
		minutes, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ExpiredOffers lists offers whose window elapsed before cutoff. The sweeper
// uses it to recover offers whose in-process timer was lost.
func (s *Store) ExpiredOffers(ctx context.Context, cutoff time.Time) ([]*Request, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+requestColumns+` FROM requests
		WHERE status = 'offer_pending' AND offer_started_at < $1`,
		cutoff,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	var unitID *int64
	if e.UnitID != nil {
		v := int64(*e.UnitID)
		unitID = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO dispatch_events (request_id, from_status, to_status, actor_type, unit_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		int64(e.RequestID), string(e.FromStatus), string(e.ToStatus),
		e.ActorType, unitID, e.CreatedAt,
	)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*Request, error) {
	var r Request
	var candidateID, assignedID, facilityID sql.NullInt64
	var eta sql.NullInt32
	var offerStartedAt, closedAt sql.NullTime

	err := row.Scan(
		&r.ID, &r.RequesterID, &r.Location.Lat, &r.Location.Lng,
		&r.Severity, &r.Status, &r.StatusVersion,
		&candidateID, &offerStartedAt, &assignedID, &facilityID,
		&eta, &r.CreatedAt, &closedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.CandidateUnitID = toIDPtr(candidateID)
	r.AssignedUnitID = toIDPtr(assignedID)
	r.FacilityID = toIDPtr(facilityID)
	if eta.Valid {
		v := int(eta.Int32)
		r.ETAMinutes = &v
	}
	r.OfferStartedAt = toTimePtr(offerStartedAt)
	r.ClosedAt = toTimePtr(closedAt)
	return &r, nil
}

func toIDPtr(v sql.NullInt64) *types.ID {
	if !v.Valid {
		return nil
	}
	id := types.ID(v.Int64)
	return &id
}

func toTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// README: Assignment ledger: one durable row per confirmed request-unit pairing.
package assignment

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifeline/internal/types"
)

type Assignment struct {
	RequestID  types.ID
	UnitID     types.ID
	FacilityID *types.ID
	AssignedAt time.Time
	Completed  bool
}

var ErrNotFound = errors.New("assignment not found")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Record creates the assignment for a request. Keyed by request id and
// insert-only, so a retried accept can never produce a duplicate. The accept
// CAS already guarantees a single winner; this constraint is the backstop.
func (s *Store) Record(ctx context.Context, requestID, unitID types.ID, facilityID *types.ID) error {
	var fac *int64
	if facilityID != nil {
		v := int64(*facilityID)
		fac = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO assignments (request_id, unit_id, facility_id, assigned_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (request_id) DO NOTHING`,
		int64(requestID), int64(unitID), fac,
	)
	return err
}

// Active returns the unit's open assignment, if any.
func (s *Store) Active(ctx context.Context, unitID types.ID) (*Assignment, error) {
	row := s.db.QueryRow(ctx, `
		SELECT request_id, unit_id, facility_id, assigned_at, completed
		FROM assignments
		WHERE unit_id = $1 AND NOT completed
		ORDER BY assigned_at DESC
		LIMIT 1`, int64(unitID),
	)
	return scanAssignment(row)
}

// Complete closes the assignment once the unit finishes the run. The unit
// then drops out of assignment polls and is free for new offers.
func (s *Store) Complete(ctx context.Context, requestID types.ID) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE assignments SET completed = TRUE WHERE request_id = $1`, int64(requestID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAssignment(row pgx.Row) (*Assignment, error) {
	var a Assignment
	var fac sql.NullInt64
	err := row.Scan(&a.RequestID, &a.UnitID, &fac, &a.AssignedAt, &a.Completed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fac.Valid {
		id := types.ID(fac.Int64)
		a.FacilityID = &id
	}
	return &a, nil
}

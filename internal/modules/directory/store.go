// README: Read-only lookups against the account and facility directories.
//
// Both tables are owned by the surrounding admin application; the dispatcher
// only reads them for requester summaries and facility names.
package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"lifeline/internal/types"
)

type Account struct {
	ID    types.ID
	Name  string
	Phone string
}

type Facility struct {
	ID       types.ID
	Name     string
	Location types.Point
}

var ErrNotFound = errors.New("directory record not found")

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Account(ctx context.Context, id types.ID) (*Account, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, phone FROM accounts WHERE id = $1`, int64(id))
	var a Account
	err := row.Scan(&a.ID, &a.Name, &a.Phone)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) Facility(ctx context.Context, id types.ID) (*Facility, error) {
	row := s.db.QueryRow(ctx,
		`SELECT id, name, lat, lng FROM facilities WHERE id = $1`, int64(id))
	var f Facility
	err := row.Scan(&f.ID, &f.Name, &f.Location.Lat, &f.Location.Lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *Store) UnitDisplayName(ctx context.Context, unitID types.ID) (string, error) {
	row := s.db.QueryRow(ctx, `
		SELECT a.name FROM units u JOIN accounts a ON a.id = u.account_id
		WHERE u.id = $1`, int64(unitID))
	var name string
	err := row.Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	return name, err
}

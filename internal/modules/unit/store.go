// README: Unit store: duty flags in PostgreSQL, live positions in Redis GEO.
package unit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"lifeline/internal/types"
)

const (
	geoKey        = "geo:units"
	metaKeyPrefix = "unit:meta:%d"
)

type Store struct {
	db    *pgxpool.Pool
	redis *redis.Client
}

func NewStore(db *pgxpool.Pool, redis *redis.Client) *Store {
	return &Store{db: db, redis: redis}
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Unit, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, account_id, call_sign, vehicle_reg, on_duty, created_at
		FROM units WHERE id = $1`, int64(id),
	)
	var u Unit
	err := row.Scan(&u.ID, &u.AccountID, &u.CallSign, &u.VehicleReg, &u.OnDuty, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *Store) SetDuty(ctx context.Context, id types.ID, onDuty bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE units SET on_duty = $1 WHERE id = $2`, onDuty, int64(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPosition upserts the unit's live position in the GEO index and stamps
// its freshness metadata.
func (s *Store) SetPosition(ctx context.Context, id types.ID, p types.Point) error {
	pipe := s.redis.Pipeline()
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      id.String(),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	})
	pipe.HSet(ctx, metaKey(id), "updated_at", time.Now().UTC().Format(time.RFC3339))
	_, err := pipe.Exec(ctx)
	return err
}

// DeletePosition removes the unit from the GEO index. Called unconditionally
// when a unit goes off duty so stale coordinates can never be matched.
func (s *Store) DeletePosition(ctx context.Context, id types.ID) error {
	pipe := s.redis.Pipeline()
	pipe.ZRem(ctx, geoKey, id.String())
	pipe.Del(ctx, metaKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

// Positions returns the live positions for the given unit ids. Units without
// a GEO entry are omitted.
func (s *Store) Positions(ctx context.Context, ids []types.ID) ([]Position, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	members := make([]string, len(ids))
	for i, id := range ids {
		members[i] = id.String()
	}
	locs, err := s.redis.GeoPos(ctx, geoKey, members...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(ids))
	for i, loc := range locs {
		if loc == nil {
			continue
		}
		out = append(out, Position{
			UnitID: ids[i],
			Point:  types.Point{Lat: loc.Latitude, Lng: loc.Longitude},
		})
	}
	return out, nil
}

// OnDutyIDs lists every unit currently flagged on duty.
func (s *Store) OnDutyIDs(ctx context.Context) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM units WHERE on_duty`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.ID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, types.ID(id))
	}
	return out, rows.Err()
}

// SearchNearby returns units within radiusKm of the point, nearest first,
// with their straight-line distance in kilometres.
func (s *Store) SearchNearby(ctx context.Context, p types.Point, radiusKm float64) ([]Position, error) {
	results, err := s.redis.GeoSearchLocation(ctx, geoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  p.Lng,
			Latitude:   p.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(results))
	for _, r := range results {
		id, ok := types.ParseID(r.Name)
		if !ok {
			continue
		}
		out = append(out, Position{
			UnitID: id,
			Point:  types.Point{Lat: r.Latitude, Lng: r.Longitude},
		})
	}
	return out, nil
}

func metaKey(id types.ID) string {
	return fmt.Sprintf(metaKeyPrefix, int64(id))
}

// README: Registry tests against real PostgreSQL and Redis (env-gated).
package unit

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"lifeline/internal/types"
)

func TestDutyAndPositionLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, unitID := setupTestService(t)
	pos := types.Point{Lat: 9.9312, Lng: 76.2673}

	// Off duty by default: pings are rejected, not cached.
	if err := svc.ReportPosition(ctx, unitID, pos); err != ErrOffDuty {
		t.Fatalf("off-duty ping err = %v, want ErrOffDuty", err)
	}

	if err := svc.SetDuty(ctx, unitID, true); err != nil {
		t.Fatalf("set duty on: %v", err)
	}

	// On duty but not yet positioned: not a candidate.
	if hasCandidate(t, svc, unitID) {
		t.Fatal("unit without a position must not be a candidate")
	}

	if err := svc.ReportPosition(ctx, unitID, pos); err != nil {
		t.Fatalf("report position: %v", err)
	}
	if !hasCandidate(t, svc, unitID) {
		t.Fatal("on-duty positioned unit should be a candidate")
	}

	// Going off duty drops the position immediately.
	if err := svc.SetDuty(ctx, unitID, false); err != nil {
		t.Fatalf("set duty off: %v", err)
	}
	if hasCandidate(t, svc, unitID) {
		t.Fatal("off-duty unit must not be a candidate")
	}

	// Coming back on duty does not resurrect the old position.
	if err := svc.SetDuty(ctx, unitID, true); err != nil {
		t.Fatalf("set duty on again: %v", err)
	}
	if hasCandidate(t, svc, unitID) {
		t.Fatal("re-onboarded unit must re-ping before becoming a candidate")
	}
}

func TestSearchNearbyOrdering(t *testing.T) {
	ctx := context.Background()
	svc, nearID := setupTestService(t)
	farID := seedUnit(t, svc.store.db)

	origin := types.Point{Lat: 10.0, Lng: 76.0}
	for _, u := range []struct {
		id types.ID
		p  types.Point
	}{
		{nearID, types.Point{Lat: origin.Lat + 2/111.2, Lng: origin.Lng}},
		{farID, types.Point{Lat: origin.Lat + 7/111.2, Lng: origin.Lng}},
	} {
		if err := svc.SetDuty(ctx, u.id, true); err != nil {
			t.Fatalf("set duty: %v", err)
		}
		if err := svc.ReportPosition(ctx, u.id, u.p); err != nil {
			t.Fatalf("report position: %v", err)
		}
	}

	got, err := svc.Nearby(ctx, origin, 10)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].UnitID != nearID || got[1].UnitID != farID {
		t.Fatalf("nearby order = %v, want [%d %d]", got, nearID, farID)
	}

	got, err = svc.Nearby(ctx, origin, 4)
	if err != nil {
		t.Fatalf("nearby small radius: %v", err)
	}
	if len(got) != 1 || got[0].UnitID != nearID {
		t.Fatalf("nearby within 4km = %v, want only %d", got, nearID)
	}
}

func TestUnknownUnit(t *testing.T) {
	ctx := context.Background()
	svc, _ := setupTestService(t)

	if _, err := svc.Get(ctx, 999999); err != ErrNotFound {
		t.Fatalf("get err = %v, want ErrNotFound", err)
	}
	if err := svc.SetDuty(ctx, 999999, true); err != ErrNotFound {
		t.Fatalf("set duty err = %v, want ErrNotFound", err)
	}
}

func hasCandidate(t *testing.T, svc *Service, id types.ID) bool {
	t.Helper()
	candidates, err := svc.Candidates(context.Background())
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	for _, c := range candidates {
		if c.UnitID == id {
			return true
		}
	}
	return false
}

func setupTestService(t *testing.T) (*Service, types.ID) {
	t.Helper()

	dsn := os.Getenv("LIFELINE_TEST_DSN")
	redisAddr := os.Getenv("LIFELINE_TEST_REDIS")
	if dsn == "" || redisAddr == "" {
		t.Skip("LIFELINE_TEST_DSN or LIFELINE_TEST_REDIS not set; skipping registry tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, DB: 9})
	t.Cleanup(func() { rdb.Close() })
	if err := rdb.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE dispatch_events, assignments, request_rejections, requests, units, facilities, accounts"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	store := NewStore(db, rdb)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(store, log), seedUnit(t, db)
}

func seedUnit(t *testing.T, db *pgxpool.Pool) types.ID {
	t.Helper()
	ctx := context.Background()
	var accID, unitID types.ID
	if err := db.QueryRow(ctx, "INSERT INTO accounts (name) VALUES ('Test Crew') RETURNING id").Scan(&accID); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	if err := db.QueryRow(ctx, "INSERT INTO units (account_id) VALUES ($1) RETURNING id", accID).Scan(&unitID); err != nil {
		t.Fatalf("seed unit: %v", err)
	}
	return unitID
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}
	for i := 0; i < 6; i++ {
		if _, statErr := os.Stat(filepath.Join(dir, "go.mod")); statErr == nil {
			break
		}
		dir = filepath.Dir(dir)
	}
	content, err := os.ReadFile(filepath.Join(dir, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(strings.NewReader(string(content)))
	var b strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	for _, stmt := range strings.Split(b.String(), ";") {
		if stmt = strings.TrimSpace(stmt); stmt == "" {
			continue
		}
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

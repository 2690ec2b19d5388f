// README: DB-backed tests for the guarded request transitions (run with -race).
package request

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"lifeline/internal/types"
)

func TestOfferLifecycleGuards(t *testing.T) {
	ctx := context.Background()
	store, requesterID, unitIDs := setupTestStore(t)

	r := &Request{
		RequesterID: requesterID,
		Location:    types.Point{Lat: 9.9312, Lng: 76.2673},
		Severity:    SeveritySevere,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := store.BeginOffer(ctx, r.ID, 0, unitIDs[0], time.Now())
	if err != nil || !ok {
		t.Fatalf("begin offer: ok=%v err=%v", ok, err)
	}

	// A second begin against the consumed version must lose.
	ok, err = store.BeginOffer(ctx, r.ID, 0, unitIDs[1], time.Now())
	if err != nil {
		t.Fatalf("stale begin offer: %v", err)
	}
	if ok {
		t.Fatal("stale begin offer must not win")
	}

	// Accept by a unit that does not hold the offer must lose.
	ok, err = store.AcceptOffer(ctx, r.ID, 1, unitIDs[1])
	if err != nil {
		t.Fatalf("wrong-unit accept: %v", err)
	}
	if ok {
		t.Fatal("non-candidate accept must not win")
	}

	ok, err = store.AcceptOffer(ctx, r.ID, 1, unitIDs[0])
	if err != nil || !ok {
		t.Fatalf("accept: ok=%v err=%v", ok, err)
	}

	got, err := store.Get(ctx, r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusAssigned {
		t.Fatalf("status = %s, want assigned", got.Status)
	}
	if got.AssignedUnitID == nil || *got.AssignedUnitID != unitIDs[0] {
		t.Fatalf("assigned_unit_id = %v, want %d", got.AssignedUnitID, unitIDs[0])
	}
	if got.CandidateUnitID != nil {
		t.Fatal("candidate_unit_id should be cleared on accept")
	}
}

func TestConcurrentAcceptSameOffer(t *testing.T) {
	ctx := context.Background()
	store, requesterID, unitIDs := setupTestStore(t)

	r := &Request{
		RequesterID: requesterID,
		Location:    types.Point{Lat: 9.9312, Lng: 76.2673},
		Severity:    SeverityModerate,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := store.BeginOffer(ctx, r.ID, 0, unitIDs[0], time.Now()); err != nil || !ok {
		t.Fatalf("begin offer: ok=%v err=%v", ok, err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := store.AcceptOffer(ctx, r.ID, 1, unitIDs[0])
			if err != nil {
				t.Errorf("accept: %v", err)
				return
			}
			results <- ok
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for ok := range results {
		if ok {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly 1 winning accept, got %d", wins)
	}
}

func TestCancelVersionGuard(t *testing.T) {
	ctx := context.Background()
	store, requesterID, _ := setupTestStore(t)

	r := &Request{
		RequesterID: requesterID,
		Location:    types.Point{Lat: 9.9312, Lng: 76.2673},
		Severity:    SeverityUnknown,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	ok, err := store.Cancel(ctx, r.ID, StatusPending, 3)
	if err != nil {
		t.Fatalf("stale cancel: %v", err)
	}
	if ok {
		t.Fatal("cancel with a stale version must not win")
	}

	ok, err = store.Cancel(ctx, r.ID, StatusPending, 0)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != StatusCancelled || got.ClosedAt == nil {
		t.Fatalf("status=%s closed_at=%v after cancel", got.Status, got.ClosedAt)
	}
}

func TestRejectionsAreSetSemantics(t *testing.T) {
	ctx := context.Background()
	store, requesterID, unitIDs := setupTestStore(t)

	r := &Request{
		RequesterID: requesterID,
		Location:    types.Point{Lat: 9.9312, Lng: 76.2673},
		Severity:    SeverityMild,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := store.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := store.AddRejection(ctx, r.ID, unitIDs[0]); err != nil {
			t.Fatalf("add rejection: %v", err)
		}
	}
	if err := store.AddRejection(ctx, r.ID, unitIDs[1]); err != nil {
		t.Fatalf("add rejection: %v", err)
	}

	rejs, err := store.Rejections(ctx, r.ID)
	if err != nil {
		t.Fatalf("rejections: %v", err)
	}
	if len(rejs) != 2 || !rejs[unitIDs[0]] || !rejs[unitIDs[1]] {
		t.Fatalf("rejection set = %v, want {%d, %d}", rejs, unitIDs[0], unitIDs[1])
	}
}

func TestExpiredOffersCutoff(t *testing.T) {
	ctx := context.Background()
	store, requesterID, unitIDs := setupTestStore(t)

	stale := &Request{
		RequesterID: requesterID,
		Location:    types.Point{Lat: 9.9312, Lng: 76.2673},
		Severity:    SeverityCritical,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := store.Create(ctx, stale); err != nil {
		t.Fatalf("create stale: %v", err)
	}
	if ok, err := store.BeginOffer(ctx, stale.ID, 0, unitIDs[0], time.Now().Add(-time.Minute)); err != nil || !ok {
		t.Fatalf("begin stale offer: ok=%v err=%v", ok, err)
	}

	fresh := &Request{
		RequesterID: requesterID,
		Location:    types.Point{Lat: 9.9312, Lng: 76.2673},
		Severity:    SeverityCritical,
		Status:      StatusPending,
		CreatedAt:   time.Now(),
	}
	if err := store.Create(ctx, fresh); err != nil {
		t.Fatalf("create fresh: %v", err)
	}
	if ok, err := store.BeginOffer(ctx, fresh.ID, 0, unitIDs[1], time.Now()); err != nil || !ok {
		t.Fatalf("begin fresh offer: ok=%v err=%v", ok, err)
	}

	expired, err := store.ExpiredOffers(ctx, time.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("expired offers: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != stale.ID {
		t.Fatalf("expired = %v, want only request %d", expired, stale.ID)
	}
}

func setupTestStore(t *testing.T) (*Store, types.ID, []types.ID) {
	t.Helper()

	dsn := os.Getenv("LIFELINE_TEST_DSN")
	if dsn == "" {
		t.Skip("LIFELINE_TEST_DSN not set; skipping DB-backed tests")
	}

	ctx := context.Background()
	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := applyMigration(ctx, db); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := db.Exec(ctx, "TRUNCATE TABLE dispatch_events, assignments, request_rejections, requests, units, facilities, accounts"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}

	var requesterID types.ID
	if err := db.QueryRow(ctx, "INSERT INTO accounts (name, phone) VALUES ('Test Requester', '+91-9800000001') RETURNING id").Scan(&requesterID); err != nil {
		t.Fatalf("seed account: %v", err)
	}
	unitIDs := make([]types.ID, 2)
	for i := range unitIDs {
		var accID types.ID
		if err := db.QueryRow(ctx, "INSERT INTO accounts (name) VALUES ('Test Crew') RETURNING id").Scan(&accID); err != nil {
			t.Fatalf("seed crew account: %v", err)
		}
		if err := db.QueryRow(ctx, "INSERT INTO units (account_id, call_sign, on_duty) VALUES ($1, $2, TRUE) RETURNING id", accID, fmt.Sprintf("KL-%02d", i+1)).Scan(&unitIDs[i]); err != nil {
			t.Fatalf("seed unit: %v", err)
		}
	}

	return NewStore(db), requesterID, unitIDs
}

func applyMigration(ctx context.Context, db *pgxpool.Pool) error {
	root, err := repoRoot()
	if err != nil {
		return err
	}
	content, err := os.ReadFile(filepath.Join(root, "migrations", "0001_init.sql"))
	if err != nil {
		return err
	}
	cleaned := stripSQLComments(string(content))
	for _, stmt := range splitSQL(cleaned) {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func repoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}

func stripSQLComments(input string) string {
	var b strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(input))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		b.WriteString(scanner.Text())
		b.WriteString("\n")
	}
	return b.String()
}

func splitSQL(input string) []string {
	parts := strings.Split(input, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		stmt := strings.TrimSpace(p)
		if stmt == "" {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

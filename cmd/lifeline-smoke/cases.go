// README: Smoke cases: environment, migration, dispatch flow, concurrency and load checks.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client

	// Seeded by the flow cases, consumed by later ones.
	requesterID int64
	unitIDs     []int64
	requestID   int64
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type SmokeCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	cases := r.cases()
	results := make([]Result, 0, len(cases))

	for _, sc := range cases {
		res := sc.Run(ctx, r)
		res.Name = sc.Name
		results = append(results, res)
		fmt.Printf("%-7s %s", res.Status, sc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}

	return results
}

func (r *Runner) cases() []SmokeCase {
	base := r.cfg.BaseURL
	return []SmokeCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "FAIL", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: apply (optional)",
			Run: func(ctx context.Context, r *Runner) Result {
				if !r.cfg.ApplyMigration {
					return Result{Status: "SKIP", Note: "apply-migration=false"}
				}
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				sql, err := os.ReadFile(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, s := range splitSQL(string(sql)) {
					if _, err := r.db.Exec(ctx, s); err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Migration: tables exist",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "FAIL", Note: "db not configured"}
				}
				tables, err := extractTables(r.cfg.MigrationPath)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				for _, t := range tables {
					var exists bool
					err := r.db.QueryRow(ctx,
						"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name=$1)",
						t,
					).Scan(&exists)
					if err != nil {
						return Result{Status: "FAIL", Note: err.Error()}
					}
					if !exists {
						return Result{Status: "FAIL", Note: "missing table: " + t}
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "API: health",
			Run: func(ctx context.Context, r *Runner) Result {
				start := time.Now()
				resp, err := r.httpc.Get(base + "/health")
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				_ = resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status=%d", resp.StatusCode)}
				}
				return Result{Status: "PASS", Latency: time.Since(start)}
			},
		},
		{
			Name: "Seed: requester and two units",
			Run:  seedFlowRows,
		},

		// Unit registry
		{
			Name: "Units: bring on duty and ping locations",
			Run: func(ctx context.Context, r *Runner) Result {
				if len(r.unitIDs) < 2 {
					return Result{Status: "SKIP", Note: "seed failed"}
				}
				lats := []float64{10.0 + 2/111.2, 10.0 + 6/111.2}
				for i, id := range r.unitIDs {
					if res := r.call(ctx, http.MethodPost, fmt.Sprintf("%s/api/units/%d/duty", base, id),
						map[string]any{"on_duty": true}, 200); res.Status != "PASS" {
						return res
					}
					if res := r.call(ctx, http.MethodPut, fmt.Sprintf("%s/api/units/%d/location", base, id),
						map[string]any{"lat": lats[i], "lng": 76.0}, 200); res.Status != "PASS" {
						return res
					}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Units: invalid coordinates rejected",
			Run: func(ctx context.Context, r *Runner) Result {
				if len(r.unitIDs) == 0 {
					return Result{Status: "SKIP", Note: "seed failed"}
				}
				return r.call(ctx, http.MethodPut, fmt.Sprintf("%s/api/units/%d/location", base, r.unitIDs[0]),
					map[string]any{"lat": 123.0, "lng": 456.0}, 400)
			},
		},
		{
			Name: "Units: nearby query",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.call(ctx, http.MethodGet,
					base+"/api/units/nearby?lat=10.0&lng=76.0&radius_km=10", nil, 200)
			},
		},

		// Dispatch flow
		{
			Name: "Requests: open request offers nearest unit",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.requesterID == 0 || len(r.unitIDs) < 2 {
					return Result{Status: "SKIP", Note: "seed failed"}
				}
				body, res := r.callBody(ctx, http.MethodPost, base+"/api/requests", map[string]any{
					"requester_id": r.requesterID,
					"lat":          10.0,
					"lng":          76.0,
					"severity":     "severe",
				}, 201)
				if res.Status != "PASS" {
					return res
				}
				var created struct {
					RequestID int64 `json:"request_id"`
				}
				if err := json.Unmarshal(body, &created); err != nil || created.RequestID == 0 {
					return Result{Status: "FAIL", Note: "no request_id in response"}
				}
				r.requestID = created.RequestID

				offerBody, res := r.callBody(ctx, http.MethodGet,
					fmt.Sprintf("%s/api/units/%d/offer", base, r.unitIDs[0]), nil, 200)
				if res.Status != "PASS" {
					return res
				}
				var offer struct {
					Offer *struct {
						RequestID int64 `json:"request_id"`
					} `json:"offer"`
				}
				if err := json.Unmarshal(offerBody, &offer); err != nil || offer.Offer == nil || offer.Offer.RequestID != created.RequestID {
					return Result{Status: "FAIL", Note: "nearest unit does not hold the offer"}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Requests: missing fields rejected",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.call(ctx, http.MethodPost, base+"/api/requests", map[string]any{}, 400)
			},
		},
		{
			Name: "Requests: reject rotates to next unit",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.requestID == 0 {
					return Result{Status: "SKIP", Note: "no open request"}
				}
				res := r.call(ctx, http.MethodPost,
					fmt.Sprintf("%s/api/requests/%d/reject?unit_id=%d", base, r.requestID, r.unitIDs[0]), nil, 200)
				if res.Status != "PASS" {
					return res
				}
				deadline := time.Now().Add(5 * time.Second)
				for time.Now().Before(deadline) {
					body, res := r.callBody(ctx, http.MethodGet,
						fmt.Sprintf("%s/api/units/%d/offer", base, r.unitIDs[1]), nil, 200)
					if res.Status != "PASS" {
						return res
					}
					var offer struct {
						Offer *struct {
							RequestID int64 `json:"request_id"`
						} `json:"offer"`
					}
					if json.Unmarshal(body, &offer) == nil && offer.Offer != nil && offer.Offer.RequestID == r.requestID {
						return Result{Status: "PASS"}
					}
					time.Sleep(200 * time.Millisecond)
				}
				return Result{Status: "FAIL", Note: "offer never reached the second unit"}
			},
		},
		{
			Name: "Concurrency: only one accept wins",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.requestID == 0 || len(r.unitIDs) < 2 {
					return Result{Status: "SKIP", Note: "no open request"}
				}
				return concurrentAccept(ctx, r,
					fmt.Sprintf("%s/api/requests/%d/accept?unit_id=%d", base, r.requestID, r.unitIDs[1]))
			},
		},
		{
			Name: "Requests: status reflects assignment",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.requestID == 0 {
					return Result{Status: "SKIP", Note: "no open request"}
				}
				body, res := r.callBody(ctx, http.MethodGet,
					fmt.Sprintf("%s/api/requests/%d", base, r.requestID), nil, 200)
				if res.Status != "PASS" {
					return res
				}
				var status struct {
					Status string `json:"status"`
				}
				if err := json.Unmarshal(body, &status); err != nil || status.Status != "assigned" {
					return Result{Status: "FAIL", Note: "status=" + status.Status}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Requests: cancel after assignment conflicts",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.requestID == 0 {
					return Result{Status: "SKIP", Note: "no open request"}
				}
				return r.call(ctx, http.MethodPost,
					fmt.Sprintf("%s/api/requests/%d/cancel", base, r.requestID), nil, 409)
			},
		},

		// Load
		{
			Name: "Load: location ping throughput",
			Run: func(ctx context.Context, r *Runner) Result {
				if len(r.unitIDs) == 0 {
					return Result{Status: "SKIP", Note: "seed failed"}
				}
				return perfLoad(ctx, r, http.MethodPut,
					fmt.Sprintf("%s/api/units/%d/location", base, r.unitIDs[0]),
					map[string]any{"lat": 10.01, "lng": 76.01})
			},
		},
	}
}

func seedFlowRows(ctx context.Context, r *Runner) Result {
	if r.db == nil {
		return Result{Status: "FAIL", Note: "db not configured"}
	}
	tag := time.Now().UnixNano()
	if err := r.db.QueryRow(ctx,
		"INSERT INTO accounts (name, phone) VALUES ($1, '+91-9800000000') RETURNING id",
		fmt.Sprintf("Smoke Requester %d", tag)).Scan(&r.requesterID); err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	for i := 0; i < 2; i++ {
		var accID, unitID int64
		if err := r.db.QueryRow(ctx,
			"INSERT INTO accounts (name) VALUES ($1) RETURNING id",
			fmt.Sprintf("Smoke Crew %d-%d", tag, i)).Scan(&accID); err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		if err := r.db.QueryRow(ctx,
			"INSERT INTO units (account_id, call_sign) VALUES ($1, $2) RETURNING id",
			accID, fmt.Sprintf("SMK-%d", i+1)).Scan(&unitID); err != nil {
			return Result{Status: "FAIL", Note: err.Error()}
		}
		r.unitIDs = append(r.unitIDs, unitID)
	}
	return Result{Status: "PASS", Note: fmt.Sprintf("units=%v", r.unitIDs)}
}

func (r *Runner) call(ctx context.Context, method, url string, body any, wantStatus int) Result {
	_, res := r.callBody(ctx, method, url, body, wantStatus)
	return res
}

func (r *Runner) callBody(ctx context.Context, method, url string, body any, wantStatus int) ([]byte, Result) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = strings.NewReader(string(b))
	}
	req, _ := http.NewRequestWithContext(ctx, method, url, reader)
	req.Header.Set("Content-Type", "application/json")
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return nil, Result{Status: "FAIL", Note: err.Error()}
	}
	respBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	latency := time.Since(start)

	if resp.StatusCode != wantStatus {
		return respBody, Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d want=%d", resp.StatusCode, wantStatus)}
	}
	return respBody, Result{Status: "PASS", Latency: latency}
}

func concurrentAccept(ctx context.Context, r *Runner, url string) Result {
	wg := sync.WaitGroup{}
	succ := 0
	mu := sync.Mutex{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
			resp, err := r.httpc.Do(req)
			if err != nil {
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			mu.Lock()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				succ++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if succ == 1 {
		return Result{Status: "PASS", Note: fmt.Sprintf("success=%d", succ)}
	}
	return Result{Status: "FAIL", Note: fmt.Sprintf("success=%d", succ)}
}

func perfLoad(ctx context.Context, r *Runner, method, url string, payload any) Result {
	b, _ := json.Marshal(payload)
	end := time.Now().Add(r.cfg.Duration)
	var count, errCount int64
	var mu sync.Mutex
	wg := sync.WaitGroup{}

	for i := 0; i < r.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for time.Now().Before(end) {
				req, _ := http.NewRequestWithContext(ctx, method, url, strings.NewReader(string(b)))
				req.Header.Set("Content-Type", "application/json")
				resp, err := r.httpc.Do(req)
				if err != nil {
					mu.Lock()
					errCount++
					mu.Unlock()
					continue
				}
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if count == 0 {
		return Result{Status: "FAIL", Note: "no requests completed"}
	}
	rps := float64(count) / r.cfg.Duration.Seconds()
	return Result{Status: "PASS", Note: fmt.Sprintf("rps=%.1f errors=%d", rps, errCount)}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	cleaned := strings.Join(filtered, "\n")
	parts := strings.Split(cleaned, ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// README: Handler validation tests: malformed input is rejected before any service call.
package handlers_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"lifeline/internal/config"
	"lifeline/internal/events"
	"lifeline/internal/http/handlers"
	"lifeline/internal/modules/dispatch"
	"lifeline/internal/modules/unit"
	"lifeline/internal/notify"
)

// buildTestRouter wires the handlers over services with nil stores. Safe
// because every test here fails validation before a store is touched.
func buildTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatchSvc := dispatch.NewService(nil, nil, nil, nil, notify.Nop{}, events.Nop{}, nil, config.DispatchConfig{}, log)
	unitSvc := unit.NewService(nil, log)

	r := gin.New()
	rh := handlers.NewRequestHandler(dispatchSvc)
	uh := handlers.NewUnitHandler(unitSvc, dispatchSvc)
	r.POST("/api/requests", rh.Create)
	r.GET("/api/requests/:id", rh.Status)
	r.POST("/api/requests/:id/accept", rh.Accept)
	r.POST("/api/requests/:id/reject", rh.Reject)
	r.POST("/api/requests/:id/facility", rh.AssignFacility)
	r.POST("/api/units/:id/duty", uh.SetDuty)
	r.PUT("/api/units/:id/location", uh.ReportPosition)
	r.GET("/api/units/nearby", uh.Nearby)
	return r
}

func doRequest(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreate_MalformedBody(t *testing.T) {
	r := buildTestRouter()
	req := httptest.NewRequest(http.MethodPost, "/api/requests", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStatus_NonNumericID(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodGet, "/api/requests/abc", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestStatus_NegativeID(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodGet, "/api/requests/-3", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAccept_MissingUnitID(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodPost, "/api/requests/12/accept", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestReject_BadUnitID(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodPost, "/api/requests/12/reject?unit_id=zero", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestAssignFacility_MissingFacilityID(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodPost, "/api/requests/12/facility", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestSetDuty_NonNumericID(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodPost, "/api/units/abc/duty", map[string]any{"on_duty": true})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestReportPosition_OutOfRange(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodPut, "/api/units/5/location", map[string]any{"lat": 120.0, "lng": 76.0})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestNearby_MissingCoordinates(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodGet, "/api/units/nearby?lat=10.0", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestNearby_InvalidRadius(t *testing.T) {
	r := buildTestRouter()
	w := doRequest(r, http.MethodGet, "/api/units/nearby?lat=10.0&lng=76.0&radius_km=-2", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

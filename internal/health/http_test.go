package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestHandler(t *testing.T, checkers ...Checker) *http.ServeMux {
	t.Helper()
	m := NewManager(zap.NewNop())
	for _, c := range checkers {
		if err := m.RegisterChecker(c); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func get(t *testing.T, mux *http.ServeMux, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode %s response: %v", path, err)
	}
	return rec, body
}

func TestHealthEndpointHealthy(t *testing.T) {
	mux := newTestHandler(t, healthyChecker("alpha"))

	rec, body := get(t, mux, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected healthy, got %v", body["status"])
	}
}

func TestHealthEndpointCriticalFailure(t *testing.T) {
	mux := newTestHandler(t, failingChecker("db", true))

	rec, body := get(t, mux, "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if body["ready"] != false {
		t.Fatal("critical failure should report not ready")
	}

	rec, _ = get(t, mux, "/health/ready")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readiness should be 503, got %d", rec.Code)
	}

	rec, body = get(t, mux, "/health/live")
	if rec.Code != http.StatusOK || body["live"] != true {
		t.Fatalf("liveness should stay 200, got %d %v", rec.Code, body)
	}
}

func TestDetailedEndpoint(t *testing.T) {
	mux := newTestHandler(t, healthyChecker("alpha"), failingChecker("cache", false))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("degraded service still returns 200, got %d", rec.Code)
	}

	var detailed DetailedHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &detailed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(detailed.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(detailed.Components))
	}
	if detailed.Summary.Unhealthy != 1 {
		t.Fatalf("unexpected summary: %+v", detailed.Summary)
	}
}

func TestDetailedEndpointCached(t *testing.T) {
	m := NewManager(zap.NewNop())

	var calls int
	m.RegisterChecker(NewCustomHealthChecker("counted", false, time.Second,
		func(ctx context.Context) CheckResult {
			calls++
			return CheckResult{Status: StatusHealthy}
		}))
	m.GetDetailedHealth(context.Background())

	mux := http.NewServeMux()
	NewHTTPHandler(m, zap.NewNop()).RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed?cached=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if calls != 1 {
		t.Fatalf("cached request must not re-run checks, calls=%d", calls)
	}

	var detailed DetailedHealth
	if err := json.Unmarshal(rec.Body.Bytes(), &detailed); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := detailed.Components["counted"]; !ok {
		t.Fatal("cached response should carry last results")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	mux := newTestHandler(t, healthyChecker("alpha"))

	req := httptest.NewRequest(http.MethodPost, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

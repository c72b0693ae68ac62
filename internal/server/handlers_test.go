package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"geotrack/internal/config"
	"geotrack/internal/device"
	"geotrack/internal/server"
	"geotrack/internal/store"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Port:            ":0",
			AllowedOrigins:  []string{"http://localhost:4001"},
			MaxMessageSize:  4096,
			ShutdownTimeout: time.Second,
		},
		RateLimit: config.RateLimitConfig{
			Burst:          10,
			RefillInterval: time.Second,
		},
		Store: config.StoreConfig{
			Backend: config.StoreBackendMemory,
			Timeout: time.Second,
		},
	}
}

func newTestHandler(st store.Store) *server.Handler {
	hub := server.NewHub()
	tracker := server.NewTracker(device.NewRegistry(), st, hub, time.Second)
	return server.NewHandler(hub, tracker, st, testConfig())
}

func seedDevice(t *testing.T, st store.Store, id string, at time.Time) {
	t.Helper()
	_, err := st.Upsert(context.Background(), id, store.Patch{
		Location: &device.Location{Latitude: 1, Longitude: 2, Timestamp: at},
	})
	if err != nil {
		t.Fatalf("seed %s: %v", id, err)
	}
}

// TestDevicesOrderedByRecency: the REST listing is sorted most recently
// updated first regardless of insertion order.
func TestDevicesOrderedByRecency(t *testing.T) {
	st := store.NewMemoryStore()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedDevice(t, st, "oldest", base)
	seedDevice(t, st, "newest", base.Add(2*time.Minute))
	seedDevice(t, st, "middle", base.Add(time.Minute))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	newTestHandler(st).Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var devices []device.Device
	if err := json.Unmarshal(rec.Body.Bytes(), &devices); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	got := make([]string, len(devices))
	for i, d := range devices {
		got[i] = d.ID
	}
	want := []string{"newest", "middle", "oldest"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", got, want)
	}
}

// TestDevicesEmptyList serializes as [] rather than null.
func TestDevicesEmptyList(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	newTestHandler(store.NewMemoryStore()).Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("body = %q, want []", body)
	}
}

// TestDevicesStorageFailure: a failing store yields 500 with a generic
// error body that does not leak backend details.
func TestDevicesStorageFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	newTestHandler(failingStore{}).Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}

	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] == "" {
		t.Errorf("body = %v, want an error field", body)
	}
	if strings.Contains(body["error"], errStoreDown.Error()) {
		t.Errorf("error body leaks store internals: %q", body["error"])
	}
}

func TestHealthEndpoint(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	newTestHandler(store.NewMemoryStore()).Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q, want ok", body["status"])
	}
}

// TestDevicesMethodNotAllowed: the listing is read-only.
func TestDevicesMethodNotAllowed(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/devices", nil)
	newTestHandler(store.NewMemoryStore()).Routes().ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", rec.Code)
	}
}

package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mikef5410/solarcore/internal/aggregator"
)

func TestHealthzReportsSnapshotVersion(t *testing.T) {
	s := &Server{}
	s.SetSnapshot(aggregator.Snapshot{Version: 7})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SnapshotVersion != 7 {
		t.Fatalf("expected snapshot_version 7, got %d", resp.SnapshotVersion)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	s := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected non-empty metrics body")
	}
}

package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"mitm-monitor/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

func TestRouter(t *testing.T) {
	m := metrics.New()
	atomic.AddInt64(&m.RecordsEchoedTotal, 5)
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatal(err)
	}
	h := NewRouter(m, reg)

	tests := []struct {
		path string
		code int
		want string
	}{
		{"/health", http.StatusOK, "ok"},
		{"/metrics", http.StatusOK, "mitm_monitor_records_echoed_total 5"},
		{"/metrics.txt", http.StatusOK, "records_echoed_total=5"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, tt.path, nil))
		if rec.Code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.path, rec.Code, tt.code)
		}
		if !strings.Contains(rec.Body.String(), tt.want) {
			t.Errorf("%s: body = %q", tt.path, rec.Body.String())
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /health code = %d", rec.Code)
	}
}

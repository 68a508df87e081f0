package server

import (
	"io"
	"net/http"

	"mitm-monitor/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter
//
// 운영용 HTTP 엔드포인트.
//   - /health      : 프로세스가 살아 있으면 항상 "ok" (ingest 루프 상태와 무관, 절대 블록하지 않음)
//   - /metrics     : Prometheus exposition (reg 기준)
//   - /metrics.txt : 내부 카운터 name=value 덤프 (운영자가 curl 로 바로 보는 용도)
func NewRouter(m *metrics.Metrics, reg prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/metrics.txt", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, m.String())
	})

	return r
}

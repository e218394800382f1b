package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kudos_build_info",
			Help: "Build information of the kudos service",
		},
		[]string{"version", "commit", "date"},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kudos_agent_runs_total",
			Help: "Total number of agent runs",
		},
		[]string{"status"},
	)

	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kudos_agent_run_duration_seconds",
			Help:    "Duration of agent runs in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17m
		},
	)

	DecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kudos_decisions_total",
			Help: "Total number of tip decisions",
		},
		[]string{"kind"},
	)

	SettlementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kudos_settlements_total",
			Help: "Total number of settlement attempts",
		},
		[]string{"chain", "protocol", "status"},
	)

	OracleRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kudos_oracle_requests_total",
			Help: "Total number of reasoning oracle requests",
		},
		[]string{"status"},
	)

	OracleRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kudos_oracle_request_duration_seconds",
			Help:    "Duration of reasoning oracle requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~410s
		},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kudos_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kudos_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern when available so the label set stays small.
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// RecordOracleRequest records one reasoning oracle call.
func RecordOracleRequest(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	OracleRequestsTotal.WithLabelValues(status).Inc()
	OracleRequestDuration.Observe(duration.Seconds())
}

// RecordSettlement records one settlement attempt outcome.
func RecordSettlement(chain, protocol, status string) {
	SettlementsTotal.WithLabelValues(chain, protocol, status).Inc()
}

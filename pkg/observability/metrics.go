package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gatekeeper pipeline
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	AuthAttemptsTotal *prometheus.CounterVec
	AuthDuration      *prometheus.HistogramVec

	// Rate limit metrics
	RateLimitDecisionsTotal *prometheus.CounterVec
	RateLimitFallbackTotal  prometheus.Counter

	// Cache metrics
	SigningKeyLookupsTotal  *prometheus.CounterVec
	VerifiedTokenCacheSize  prometheus.Gauge
	VerifiedTokenSweepTotal prometheus.Counter

	// Dynamic configuration metrics
	ConfigRefreshTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		AuthAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_auth_attempts_total",
				Help: "Authentication attempts by principal type and result",
			},
			[]string{"principal_type", "result"},
		),
		AuthDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_auth_duration_seconds",
				Help:    "Token verification duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"principal_type"},
		),

		RateLimitDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_ratelimit_decisions_total",
				Help: "Rate limit decisions by serving backend and outcome",
			},
			[]string{"backend", "outcome"},
		),
		RateLimitFallbackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_ratelimit_fallback_total",
				Help: "Admissions served by the local fallback because the distributed store failed",
			},
		),

		SigningKeyLookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_signing_key_lookups_total",
				Help: "Signing key cache lookups by result (hit, miss, fetch_error)",
			},
			[]string{"result"},
		),
		VerifiedTokenCacheSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_verified_token_cache_entries",
				Help: "Current number of cached verified-token results",
			},
		),
		VerifiedTokenSweepTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_verified_token_sweeps_total",
				Help: "Completed verified-token cache sweep passes",
			},
		),

		ConfigRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_config_refresh_total",
				Help: "Dynamic configuration refresh attempts by result",
			},
			[]string{"result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.AuthAttemptsTotal,
		m.AuthDuration,
		m.RateLimitDecisionsTotal,
		m.RateLimitFallbackTotal,
		m.SigningKeyLookupsTotal,
		m.VerifiedTokenCacheSize,
		m.VerifiedTokenSweepTotal,
		m.ConfigRefreshTotal,
	)

	return m
}

// Handler returns an http.Handler serving the metrics registry
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an HTTP handler with request count and duration
// metrics. The path label uses the route template where mux matched one,
// not the raw URL, to keep cardinality bounded.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		m.HTTPRequestsTotal.WithLabelValues(r.Method, routeLabel(r), strconv.Itoa(rw.status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, routeLabel(r)).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the service.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	consentOps      *prometheus.CounterVec
	grantChanges    *prometheus.CounterVec
}

// NewMetrics initialises the registry with HTTP and consent collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casegate_http_requests_total",
		Help: "HTTP requests by method, route and status code.",
	}, []string{"method", "route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "casegate_http_request_duration_seconds",
		Help:    "HTTP request duration per method and route.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "route"})
	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "casegate_http_requests_in_flight",
		Help: "HTTP requests currently being served.",
	})
	consentOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casegate_consent_operations_total",
		Help: "Consent lifecycle operations by operation and outcome.",
	}, []string{"operation", "outcome"})
	grantChanges := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casegate_grant_changes_total",
		Help: "Managed access grants created or revoked by reconciliation.",
	}, []string{"action"})
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		requests, duration, inFlight, consentOps, grantChanges,
	)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		inFlight:        inFlight,
		consentOps:      consentOps,
		grantChanges:    grantChanges,
	}
}

// Handler returns the http.Handler serving /metrics.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count, latency and in-flight requests per
// chi route pattern. Unmatched paths share the "unknown" route.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.inFlight.Inc()
		defer m.inFlight.Dec()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// ObserveConsentOperation counts one lifecycle operation.
func (m *Metrics) ObserveConsentOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.consentOps.WithLabelValues(operation, outcome).Inc()
}

// ObserveGrantChanges counts committed grant writes.
func (m *Metrics) ObserveGrantChanges(created, revoked int) {
	if m == nil {
		return
	}
	if created > 0 {
		m.grantChanges.WithLabelValues("created").Add(float64(created))
	}
	if revoked > 0 {
		m.grantChanges.WithLabelValues("revoked").Add(float64(revoked))
	}
}

// Registerer exposes the registry for custom collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// Package observability exposes Prometheus metrics for the engine.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's Prometheus metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cycleRuns       *prometheus.CounterVec
	depletions      *prometheus.CounterVec
	lockBusy        prometheus.Counter
}

// NewMetrics initialises the registry and base metrics.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daybook_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "daybook_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	cycleRuns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daybook_cycle_runs_total",
		Help: "Daily cycle phase runs by scope, phase and result.",
	}, []string{"scope", "phase", "result"})
	depletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "daybook_depletions_total",
		Help: "Cost layer depletion runs by method.",
	}, []string{"method"})
	lockBusy := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "daybook_stock_lock_busy_total",
		Help: "Depletion attempts rejected because the stock lock was held.",
	})
	registry.MustRegister(requests, duration, cycleRuns, depletions, lockBusy)
	return &Metrics{
		registry:        registry,
		handler:         promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:   requests,
		requestDuration: duration,
		cycleRuns:       cycleRuns,
		depletions:      depletions,
		lockBusy:        lockBusy,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records metrics for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveCycleRun counts one orchestrator phase outcome.
func (m *Metrics) ObserveCycleRun(scope, phase, result string) {
	if m == nil {
		return
	}
	m.cycleRuns.WithLabelValues(scope, phase, result).Inc()
}

// ObserveDepletion counts one depletion run.
func (m *Metrics) ObserveDepletion(method string) {
	if m == nil {
		return
	}
	m.depletions.WithLabelValues(method).Inc()
}

// ObserveLockBusy counts a rejected depletion attempt.
func (m *Metrics) ObserveLockBusy() {
	if m == nil {
		return
	}
	m.lockBusy.Inc()
}

// Registerer exposes the registry for custom metric registration.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}

// Package metrics exposes the Prometheus instruments of the credit pipeline.
// Every method is safe on a nil *Metrics so components can run without metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecs/credit-pipeline/internal/circuitbreaker"
)

type Metrics struct {
	registry          *prometheus.Registry
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	cacheErrors       *prometheus.CounterVec
	scorerDuration    *prometheus.HistogramVec
	scorerErrors      *prometheus.CounterVec
	cbState           *prometheus.GaugeVec
	messagesTotal     *prometheus.CounterVec
	decisionsTotal    *prometheus.CounterVec
	offersExpired     prometheus.Counter
}

// New builds the instruments on a private registry, alongside the Go and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits observed.",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses observed.",
		}, []string{"cache"}),
		cacheErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_errors_total",
			Help: "Total cache operations that failed and fell back to the store.",
		}, []string{"cache", "op"}),
		scorerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scorer_request_duration_seconds",
			Help:    "Histogram of risk scorer call durations by outcome.",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
		scorerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scorer_errors_total",
			Help: "Total risk scorer failures by kind.",
		}, []string{"kind"}),
		cbState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cb_state",
			Help: "Circuit breaker state gauge (0 closed, 1 half, 2 open).",
		}, []string{"target"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bus_messages_total",
			Help: "Total bus deliveries settled by queue and outcome.",
		}, []string{"queue", "outcome"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "credit_decisions_total",
			Help: "Total credit analyses by decision.",
		}, []string{"decision"}),
		offersExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "credit_offers_expired_total",
			Help: "Total offers moved from offered to expired.",
		}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpDuration,
		m.cacheHits,
		m.cacheMisses,
		m.cacheErrors,
		m.scorerDuration,
		m.scorerErrors,
		m.cbState,
		m.messagesTotal,
		m.decisionsTotal,
		m.offersExpired,
	)

	m.cbState.WithLabelValues("scorer").Set(0)

	return m
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// Middleware records request counts and durations labelled by the chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m == nil {
			return
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheError(cache, op string) {
	if m == nil {
		return
	}
	m.cacheErrors.WithLabelValues(cache, op).Inc()
}

// ScorerRequest records one scorer call. kind is empty on success and is
// reported as outcome "ok".
func (m *Metrics) ScorerRequest(duration time.Duration, kind string) {
	if m == nil {
		return
	}
	outcome := kind
	if outcome == "" {
		outcome = "ok"
	}
	m.scorerDuration.WithLabelValues(outcome).Observe(duration.Seconds())
	if kind != "" {
		m.scorerErrors.WithLabelValues(kind).Inc()
	}
}

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange.
func (m *Metrics) BreakerStateChanged(target string, _, to circuitbreaker.State) {
	if m == nil {
		return
	}
	m.cbState.WithLabelValues(target).Set(float64(to))
}

// MessageSettled matches rabbitmq.Observer.
func (m *Metrics) MessageSettled(queue, outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(queue, outcome).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}
	m.decisionsTotal.WithLabelValues(decision).Inc()
}

func (m *Metrics) OffersExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.offersExpired.Add(float64(n))
}

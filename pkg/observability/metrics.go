// Package observability provides the Prometheus metrics and structured
// logger used across the relaymesh control plane.
//
// All Metrics methods are safe to call on a nil receiver, so components can
// be constructed without metrics in tests.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relaymesh"

// Metrics holds the control plane's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	routeDecisions  *prometheus.CounterVec
	routeFallbacks  *prometheus.CounterVec
	cacheLookups    *prometheus.CounterVec
	trustEvents     *prometheus.CounterVec
	suspensions     prometheus.Counter
	nodes           *prometheus.GaugeVec
	feedbackReports prometheus.Counter
}

// NewMetrics creates the collectors and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Total number of API requests by method and status code.",
		}, []string{"method", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		routeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_decisions_total",
			Help:      "Routes returned by FindOptimalRoute by type, optimality and cache source.",
		}, []string{"type", "optimal", "source"}),
		routeFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_discovery_degraded_total",
			Help:      "Route computations that degraded because a lookup failed or timed out.",
		}, []string{"reason"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_cache_lookups_total",
			Help:      "Route cache lookups by result (hit, miss, error).",
		}, []string{"result"}),
		trustEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_events_total",
			Help:      "Reputation events recorded by event type.",
		}, []string{"event_type"}),
		suspensions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trust_suspensions_total",
			Help:      "Entities that crossed into the suspended trust level.",
		}),
		nodes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "nodes",
			Help:      "Registered nodes by status, as of the last fleet sweep.",
		}, []string{"status"}),
		feedbackReports: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_feedback_reports_total",
			Help:      "Post-call performance reports applied to stored routes.",
		}),
	}
	reg.MustRegister(
		m.requests, m.requestDuration, m.routeDecisions, m.routeFallbacks,
		m.cacheLookups, m.trustEvents, m.suspensions, m.nodes, m.feedbackReports,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) ObserveRoute(routeType string, optimal bool, cached bool) {
	if m == nil {
		return
	}
	source := "computed"
	if cached {
		source = "cache"
	}
	m.routeDecisions.WithLabelValues(routeType, strconv.FormatBool(optimal), source).Inc()
}

func (m *Metrics) IncDegraded(reason string) {
	if m == nil {
		return
	}
	m.routeFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) IncTrustEvent(eventType string) {
	if m == nil {
		return
	}
	m.trustEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncSuspension() {
	if m == nil {
		return
	}
	m.suspensions.Inc()
}

func (m *Metrics) IncFeedback() {
	if m == nil {
		return
	}
	m.feedbackReports.Inc()
}

// SetNodeCounts replaces the node gauge with the given per-status counts.
func (m *Metrics) SetNodeCounts(byStatus map[string]int) {
	if m == nil {
		return
	}
	m.nodes.Reset()
	for status, n := range byStatus {
		m.nodes.WithLabelValues(status).Set(float64(n))
	}
}

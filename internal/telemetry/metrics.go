// Package telemetry exposes Prometheus instrumentation for the query engine.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Query outcome labels.
const (
	OutcomeOK               = "ok"
	OutcomeTimeout          = "timeout"
	OutcomeEmptyResponse    = "empty_response"
	OutcomeTransportFailure = "transport_failure"
)

// Build result labels.
const (
	BuildOK     = "ok"
	BuildFailed = "failed"
	BuildStale  = "stale"
)

// Metrics holds the collectors shared by the session, builder and
// scheduler. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry      *prometheus.Registry
	queries       *prometheus.CounterVec
	attempts      prometheus.Counter
	queryDuration prometheus.Histogram
	builds        *prometheus.CounterVec
	buildDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snmpwatch",
			Name:      "queries_total",
			Help:      "Scalar GET queries by final outcome.",
		}, []string{"outcome"}),
		attempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snmpwatch",
			Name:      "query_attempts_total",
			Help:      "GET requests sent, including retries.",
		}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "snmpwatch",
			Name:      "query_duration_seconds",
			Help:      "Wall time of one scalar query across all attempts.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		builds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snmpwatch",
			Name:      "snapshot_builds_total",
			Help:      "Snapshot builds by group and result.",
		}, []string{"group", "result"}),
		buildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snmpwatch",
			Name:      "snapshot_build_duration_seconds",
			Help:      "Wall time of one snapshot build.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"group"}),
	}
	reg.MustRegister(m.queries, m.attempts, m.queryDuration, m.builds, m.buildDuration)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Attempt records one request sent on the wire.
func (m *Metrics) Attempt() {
	if m == nil {
		return
	}
	m.attempts.Inc()
}

// Query records the final outcome of a scalar query.
func (m *Metrics) Query(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
	m.queryDuration.Observe(elapsed.Seconds())
}

// Build records the result of a snapshot build for group.
func (m *Metrics) Build(group, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.builds.WithLabelValues(group, result).Inc()
	if result != BuildStale {
		m.buildDuration.WithLabelValues(group).Observe(elapsed.Seconds())
	}
}

// Package metrics holds the Prometheus collectors of the reply engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "semreply"

// Metrics groups the engine's collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	DiscoveryRuns       *prometheus.CounterVec
	DiscoveryDuration   *prometheus.HistogramVec
	OpportunitiesFound  *prometheus.CounterVec
	OpportunitiesStored *prometheus.CounterVec
	ScheduleSkips       *prometheus.CounterVec
	ReaperRows          *prometheus.CounterVec
	GenerationDuration  *prometheus.HistogramVec
	GenerationFailures  *prometheus.CounterVec
	PostsTotal          *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		DiscoveryRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "runs_total",
			Help:      "Discovery runs by platform, type and result.",
		}, []string{"platform", "type", "result"}),
		DiscoveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Duration of discovery runs.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform", "type"}),
		OpportunitiesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "posts_fetched_total",
			Help:      "Posts returned by platform adapters.",
		}, []string{"platform", "type"}),
		OpportunitiesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "discovery",
			Name:      "opportunities_inserted_total",
			Help:      "Opportunities inserted after threshold and dedup.",
		}, []string{"platform", "type"}),
		ScheduleSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "skipped_total",
			Help:      "Firings skipped because the previous run was still in flight.",
		}, []string{"type"}),
		ReaperRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "rows_total",
			Help:      "Rows changed by the cleanup reaper by action.",
		}, []string{"action"}),
		GenerationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "response",
			Name:      "generation_duration_seconds",
			Help:      "Duration of draft generation by stage.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 40, 60, 120},
		}, []string{"stage"}),
		GenerationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "response",
			Name:      "generation_failures_total",
			Help:      "Failed draft generations by reason.",
		}, []string{"reason"}),
		PostsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "response",
			Name:      "posts_total",
			Help:      "Replies posted to platforms by result.",
		}, []string{"platform", "result"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.DiscoveryRuns,
		m.DiscoveryDuration,
		m.OpportunitiesFound,
		m.OpportunitiesStored,
		m.ScheduleSkips,
		m.ReaperRows,
		m.GenerationDuration,
		m.GenerationFailures,
		m.PostsTotal,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// DiscoveryRun records the outcome of one discovery run.
func (m *Metrics) DiscoveryRun(platform, dtype string, seconds float64, fetched, inserted int, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.DiscoveryRuns.WithLabelValues(platform, dtype, result).Inc()
	m.DiscoveryDuration.WithLabelValues(platform, dtype).Observe(seconds)
	m.OpportunitiesFound.WithLabelValues(platform, dtype).Add(float64(fetched))
	m.OpportunitiesStored.WithLabelValues(platform, dtype).Add(float64(inserted))
}

// ScheduleSkipped records a firing dropped by the skip-if-running guard.
func (m *Metrics) ScheduleSkipped(dtype string) {
	if m == nil {
		return
	}
	m.ScheduleSkips.WithLabelValues(dtype).Inc()
}

// Reaped records the counts of one reaper pass.
func (m *Metrics) Reaped(expiredMarked, expiredDeleted, dismissedDeleted, responsesDeleted int64) {
	if m == nil {
		return
	}
	m.ReaperRows.WithLabelValues("expired_marked").Add(float64(expiredMarked))
	m.ReaperRows.WithLabelValues("expired_deleted").Add(float64(expiredDeleted))
	m.ReaperRows.WithLabelValues("dismissed_deleted").Add(float64(dismissedDeleted))
	m.ReaperRows.WithLabelValues("responses_deleted").Add(float64(responsesDeleted))
}

// GenerationStage records the duration of one completion stage.
func (m *Metrics) GenerationStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.GenerationDuration.WithLabelValues(stage).Observe(seconds)
}

// GenerationFailed records a failed generation.
func (m *Metrics) GenerationFailed(reason string) {
	if m == nil {
		return
	}
	m.GenerationFailures.WithLabelValues(reason).Inc()
}

// Posted records a posting attempt.
func (m *Metrics) Posted(platform string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.PostsTotal.WithLabelValues(platform, result).Inc()
}

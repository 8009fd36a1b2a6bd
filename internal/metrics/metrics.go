// Package metrics exposes prometheus collectors for cache lookups and
// refresh jobs. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Lookup results.
const (
	LookupHit         = "hit"
	LookupStale       = "stale"
	LookupMiss        = "miss"
	LookupDecodeError = "decode_error"
)

var fetchBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Metrics wraps the collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	lookupsTotal     *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	enqueueTotal     *prometheus.CounterVec
	jobStatesTotal   *prometheus.CounterVec
	patchErrorsTotal *prometheus.CounterVec
	stalledJobs      prometheus.Gauge
}

// New creates the collectors under namespace and registers them, together
// with the Go and process collectors, on a fresh registry.
func New(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,

		lookupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Query cache lookups by result",
			},
			[]string{"query", "result"},
		),

		fetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_milliseconds",
				Help:      "Duration of fetches from the source of record",
				Buckets:   fetchBuckets,
			},
			[]string{"query", "source"},
		),

		enqueueTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swr_enqueue_total",
				Help:      "Refresh enqueue attempts by outcome",
			},
			[]string{"outcome"},
		),

		jobStatesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "swr_job_states_total",
				Help:      "Refresh job state transitions",
			},
			[]string{"state"},
		),

		patchErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "mutation_patch_errors_total",
				Help:      "Cache patches that failed after a successful mutation",
			},
			[]string{"mutation"},
		),

		stalledJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "swr_stalled_jobs",
				Help:      "Refresh jobs found orphaned by the last stalled check",
			},
		),
	}

	registry.MustRegister(
		m.lookupsTotal,
		m.fetchDuration,
		m.enqueueTotal,
		m.jobStatesTotal,
		m.patchErrorsTotal,
		m.stalledJobs,
	)
	return m
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Lookup(query, result string) {
	if m == nil {
		return
	}
	m.lookupsTotal.WithLabelValues(query, result).Inc()
}

func (m *Metrics) Fetch(query, source string, d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.WithLabelValues(query, source).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) Enqueue(outcome string) {
	if m == nil {
		return
	}
	m.enqueueTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) JobState(state string) {
	if m == nil {
		return
	}
	m.jobStatesTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) PatchError(mutation string) {
	if m == nil {
		return
	}
	m.patchErrorsTotal.WithLabelValues(mutation).Inc()
}

func (m *Metrics) StalledJobs(n int) {
	if m == nil {
		return
	}
	m.stalledJobs.Set(float64(n))
}

package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "farm_weather"

// Metrics holds the Prometheus collectors for sync runs, provider calls and the cache.
type Metrics struct {
	SyncRuns        *prometheus.CounterVec // labels: outcome={ok,partial,error}
	SyncFields      *prometheus.CounterVec // labels: result={processed,skipped}
	SyncUpserts     *prometheus.CounterVec // labels: kind={hourly,daily,feature}
	SyncDuration    prometheus.Histogram
	ProviderChunks  *prometheus.CounterVec // labels: outcome={success,error}
	ProviderLatency prometheus.Histogram
	CacheLookups    *prometheus.CounterVec // labels: result={hit,miss}
	CacheEntries    prometheus.Gauge
}

func newCollectors() *Metrics {
	return &Metrics{
		SyncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_runs_total",
			Help:      "Weather sync runs by outcome.",
		}, []string{"outcome"}),
		SyncFields: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_fields_total",
			Help:      "Fields handled by weather sync, processed or skipped.",
		}, []string{"result"}),
		SyncUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_upserts_total",
			Help:      "Rows upserted by weather sync by kind.",
		}, []string{"kind"}),
		SyncDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sync_duration_seconds",
			Help:      "Duration of a complete weather sync run.",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		ProviderChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_chunks_total",
			Help:      "Weather provider batch requests by outcome.",
		}, []string{"outcome"}),
		ProviderLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_request_duration_seconds",
			Help:      "Weather provider batch request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result.",
		}, []string{"result"}),
		CacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held by the cache, expired ones included.",
		}),
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newCollectors()
	prometheus.MustRegister(
		m.SyncRuns,
		m.SyncFields,
		m.SyncUpserts,
		m.SyncDuration,
		m.ProviderChunks,
		m.ProviderLatency,
		m.CacheLookups,
		m.CacheEntries,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newCollectors()
}

// ObserveCache records a cache lookup. Safe on a nil receiver.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.CacheLookups.WithLabelValues("miss").Inc()
}

// ObserveChunk records one provider batch request. Safe on a nil receiver.
func (m *Metrics) ObserveChunk(seconds float64, err error) {
	if m == nil {
		return
	}
	m.ProviderLatency.Observe(seconds)
	if err != nil {
		m.ProviderChunks.WithLabelValues("error").Inc()
		return
	}
	m.ProviderChunks.WithLabelValues("success").Inc()
}

// ObserveSync records the totals of a finished sync run. Safe on a nil receiver.
func (m *Metrics) ObserveSync(outcome string, seconds float64, processed, skipped, hourly, daily, features int) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(outcome).Inc()
	m.SyncDuration.Observe(seconds)
	m.SyncFields.WithLabelValues("processed").Add(float64(processed))
	m.SyncFields.WithLabelValues("skipped").Add(float64(skipped))
	m.SyncUpserts.WithLabelValues("hourly").Add(float64(hourly))
	m.SyncUpserts.WithLabelValues("daily").Add(float64(daily))
	m.SyncUpserts.WithLabelValues("feature").Add(float64(features))
}

// SetCacheEntries publishes the current cache size. Safe on a nil receiver.
func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(n))
}

package alova

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector provides Prometheus metrics for the request lifecycle,
// the response cache and watchers. It is safe for concurrent use and every
// method is a no-op on a nil receiver.
type MetricsCollector struct {
	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	requestsInFlight *prometheus.GaugeVec

	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec
	cacheSize   *prometheus.GaugeVec

	deduplicationHits *prometheus.CounterVec
	invalidations     *prometheus.CounterVec
	watcherFires      *prometheus.CounterVec

	errorsTotal *prometheus.CounterVec
	buildInfo   *prometheus.GaugeVec

	registry *prometheus.Registry
}

// NewMetricsCollector creates a metrics collector on the default registerer.
func NewMetricsCollector() *MetricsCollector {
	return NewMetricsCollectorWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsCollectorWithRegistry creates a collector using supplied registerer.
func NewMetricsCollectorWithRegistry(registry prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(registry)
	mc := &MetricsCollector{
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alova_requests_total",
				Help: "Total number of transport requests by outcome",
			},
			[]string{"verb", "outcome", "endpoint"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "alova_request_duration_seconds",
				Help:    "Duration of transport requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"verb", "outcome", "endpoint"},
		),
		requestsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alova_requests_in_flight",
				Help: "Number of shared requests currently in flight",
			},
			[]string{"verb", "endpoint"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alova_cache_hits_total",
				Help: "Total number of response cache hits",
			},
			[]string{"verb", "endpoint"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alova_cache_misses_total",
				Help: "Total number of response cache misses",
			},
			[]string{"verb", "endpoint"},
		),
		cacheSize: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alova_cache_size",
				Help: "Current number of entries in the response cache",
			},
			[]string{"context"},
		),
		deduplicationHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alova_deduplication_hits_total",
				Help: "Total number of sends attached to an in-flight request",
			},
			[]string{"verb", "endpoint"},
		),
		invalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alova_cache_invalidations_total",
				Help: "Total number of cache entries removed by invalidation",
			},
			[]string{"reason"},
		),
		watcherFires: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alova_watcher_fires_total",
				Help: "Total number of watcher firings",
			},
			[]string{"trigger"},
		),
		errorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "alova_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type", "verb", "endpoint"},
		),
		buildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "alova_build_info",
				Help: "Build metadata of the alova library, always 1",
			},
			[]string{"version", "commit", "go_version"},
		),
	}
	info := ReadBuildInfo()
	mc.buildInfo.WithLabelValues(info.Version, info.Commit, info.GoVersion).Set(1)

	if reg, ok := registry.(*prometheus.Registry); ok {
		mc.registry = reg
	}

	return mc
}

// RecordRequest records request count and duration.
func (mc *MetricsCollector) RecordRequest(verb, endpoint, outcome string, duration time.Duration) {
	if mc == nil {
		return
	}

	mc.requestsTotal.WithLabelValues(verb, outcome, endpoint).Inc()
	mc.requestDuration.WithLabelValues(verb, outcome, endpoint).Observe(duration.Seconds())
}

// RecordRequestStart increments in-flight gauge.
func (mc *MetricsCollector) RecordRequestStart(verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(verb, endpoint).Inc()
}

// RecordRequestEnd decrements in-flight gauge.
func (mc *MetricsCollector) RecordRequestEnd(verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.requestsInFlight.WithLabelValues(verb, endpoint).Dec()
}

// RecordCacheHit increments cache hit counter.
func (mc *MetricsCollector) RecordCacheHit(verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheHits.WithLabelValues(verb, endpoint).Inc()
}

// RecordCacheMiss increments cache miss counter.
func (mc *MetricsCollector) RecordCacheMiss(verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.cacheMisses.WithLabelValues(verb, endpoint).Inc()
}

// RecordCacheSize sets cache size gauge for one context.
func (mc *MetricsCollector) RecordCacheSize(contextID string, size int) {
	if mc == nil {
		return
	}

	mc.cacheSize.WithLabelValues(contextID).Set(float64(size))
}

// RecordDeduplicationHit increments de-dup hit counter.
func (mc *MetricsCollector) RecordDeduplicationHit(verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.deduplicationHits.WithLabelValues(verb, endpoint).Inc()
}

// RecordInvalidation adds n removed entries under reason.
func (mc *MetricsCollector) RecordInvalidation(reason string, n int) {
	if mc == nil || n <= 0 {
		return
	}

	mc.invalidations.WithLabelValues(reason).Add(float64(n))
}

// RecordWatcherFire increments the watcher firing counter.
func (mc *MetricsCollector) RecordWatcherFire(trigger string) {
	if mc == nil {
		return
	}

	mc.watcherFires.WithLabelValues(trigger).Inc()
}

// RecordError increments error counter by type.
func (mc *MetricsCollector) RecordError(errorType, verb, endpoint string) {
	if mc == nil {
		return
	}

	mc.errorsTotal.WithLabelValues(errorType, verb, endpoint).Inc()
}

// GetRegistry exposes the underlying prometheus registry. It is nil when
// the collector was built on a plain Registerer.
func (mc *MetricsCollector) GetRegistry() *prometheus.Registry {
	if mc == nil {
		return nil
	}
	return mc.registry
}

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream server.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	segmentsFinalizedTotal *prometheus.CounterVec
	segmentBytesServed     prometheus.Counter
	cacheHitsTotal         prometheus.Counter
	cacheMissesTotal       prometheus.Counter
	cacheEvictionsTotal    prometheus.Counter
	rateLimitedTotal       prometheus.Counter
	sessionActive          prometheus.Gauge
	errorsTotal            prometheus.Counter
}

// New creates and registers Prometheus metrics for the stream server.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_requests_total",
		Help: "Total number of HTTP requests received",
	})
	segmentsFinalizedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_segments_finalized_total",
		Help: "Total number of segments finalized, by quality tier",
	}, []string{"quality"})
	segmentBytesServed := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_segment_bytes_served_total",
		Help: "Total segment payload bytes served to viewers",
	})
	cacheHitsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_cache_hits_total",
		Help: "Total segment reads served from the in-memory cache",
	})
	cacheMissesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_cache_misses_total",
		Help: "Total segment reads that fell through to disk",
	})
	cacheEvictionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_cache_evictions_total",
		Help: "Total cache entries evicted",
	})
	rateLimitedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_rate_limited_total",
		Help: "Total requests rejected by the rate limiter",
	})
	sessionActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stream_session_active",
		Help: "1 when a live viewer session holds the stream, 0 otherwise",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stream_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})

	registry.MustRegister(
		requestsTotal,
		segmentsFinalizedTotal,
		segmentBytesServed,
		cacheHitsTotal,
		cacheMissesTotal,
		cacheEvictionsTotal,
		rateLimitedTotal,
		sessionActive,
		errorsTotal,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		segmentsFinalizedTotal: segmentsFinalizedTotal,
		segmentBytesServed:     segmentBytesServed,
		cacheHitsTotal:         cacheHitsTotal,
		cacheMissesTotal:       cacheMissesTotal,
		cacheEvictionsTotal:    cacheEvictionsTotal,
		rateLimitedTotal:       rateLimitedTotal,
		sessionActive:          sessionActive,
		errorsTotal:            errorsTotal,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncSegmentsFinalized increments the finalized-segment counter for a quality tier.
func (m *Metrics) IncSegmentsFinalized(quality string) {
	m.segmentsFinalizedTotal.WithLabelValues(quality).Inc()
}

// AddSegmentBytesServed adds n to the served-bytes counter.
func (m *Metrics) AddSegmentBytesServed(n int) {
	m.segmentBytesServed.Add(float64(n))
}

// IncCacheHits increments the cache hit counter.
func (m *Metrics) IncCacheHits() {
	m.cacheHitsTotal.Inc()
}

// IncCacheMisses increments the cache miss counter.
func (m *Metrics) IncCacheMisses() {
	m.cacheMissesTotal.Inc()
}

// AddCacheEvictions adds n to the eviction counter.
func (m *Metrics) AddCacheEvictions(n int) {
	m.cacheEvictionsTotal.Add(float64(n))
}

// IncRateLimited increments the rate-limit rejection counter.
func (m *Metrics) IncRateLimited() {
	m.rateLimitedTotal.Inc()
}

// SetSessionActive sets the live-session gauge (true = 1, false = 0).
func (m *Metrics) SetSessionActive(active bool) {
	if active {
		m.sessionActive.Set(1)
	} else {
		m.sessionActive.Set(0)
	}
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

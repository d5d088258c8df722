// Package metrics exposes Prometheus collectors for the discovery service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	sessionsTotal               *prometheus.CounterVec
	sessionConfidence           prometheus.Histogram
	serpCallsTotal              *prometheus.CounterVec
	fetchOutcomesTotal          *prometheus.CounterVec
	fetchBytesTotal             *prometheus.CounterVec
	cacheOperationsTotal        *prometheus.CounterVec
	producerSearchesTotal       *prometheus.CounterVec
	documentExtractionsTotal    *prometheus.CounterVec
	robotsProbeFallbacksTotal   prometheus.Counter
	rateLimitDelaysSeconds      *prometheus.HistogramVec
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec
	providerCredentialFailTotal *prometheus.CounterVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		sessionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_sessions_total",
				Help: "Total number of rating searches, labeled by stop reason.",
			},
			[]string{"stop_reason"},
		)

		sessionConfidence = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "discovery_session_confidence",
				Help:    "Discovery confidence reached at the end of a search.",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
			},
		)

		serpCallsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_serp_calls_total",
				Help: "Search engine calls, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		fetchOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_fetch_outcomes_total",
				Help: "Classified page fetches, labeled by site, fetch path and outcome kind.",
			},
			[]string{"site", "via", "kind"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_fetch_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		cacheOperationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_cache_operations_total",
				Help: "Cache lookups and writes, labeled by cache kind and result.",
			},
			[]string{"kind", "result"},
		)

		producerSearchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_producer_searches_total",
				Help: "Hedged producer searches, labeled by result.",
			},
			[]string{"result"},
		)

		documentExtractionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_document_extractions_total",
				Help: "Document fetches, labeled by document kind and result.",
			},
			[]string{"kind", "result"},
		)

		robotsProbeFallbacksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "discovery_robots_probe_fallbacks_total",
				Help: "Robots.txt probes that fell back to allow-all after TLS handshake timeouts.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "discovery_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		providerCredentialFailTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "discovery_provider_auth_failures_total",
				Help: "Provider fetches refused despite stored credentials, labeled by source.",
			},
			[]string{"source_id"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 45},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveSession records the end of a rating search.
func ObserveSession(stopReason string, confidence float64) {
	Init()
	sessionsTotal.WithLabelValues(stopReason).Inc()
	sessionConfidence.Observe(confidence)
}

// ObserveSerpCall records a search engine call for a strategy.
func ObserveSerpCall(strategy, outcome string) {
	Init()
	serpCallsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveFetch records a classified fetch and the bytes it transferred.
func ObserveFetch(rawURL, via, kind string, bytesFetched int) {
	Init()
	site := SanitizeSite(rawURL)
	fetchOutcomesTotal.WithLabelValues(site, via, kind).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(site).Add(float64(bytesFetched))
	}
}

// ObserveCache records a cache lookup or write.
func ObserveCache(kind, result string) {
	Init()
	cacheOperationsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveProducerSearch records a hedged producer search transition.
func ObserveProducerSearch(result string) {
	Init()
	producerSearchesTotal.WithLabelValues(result).Inc()
}

// ObserveDocument records a document fetch.
func ObserveDocument(kind, result string) {
	Init()
	documentExtractionsTotal.WithLabelValues(kind, result).Inc()
}

// ObserveRobotsProbeFallback increments the robots probe fallback counter.
func ObserveRobotsProbeFallback() {
	Init()
	robotsProbeFallbacksTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveProviderAuthFailure records a provider refusing stored credentials.
func ObserveProviderAuthFailure(sourceID string) {
	Init()
	providerCredentialFailTotal.WithLabelValues(sourceID).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

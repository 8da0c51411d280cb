// Package telemetry owns the process-wide prometheus registry.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the single registry all components register against.
var Registry = prometheus.NewRegistry()

var (
	// CacheSizeBytes tracks accumulated estimated bytes per cache instance.
	CacheSizeBytes = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "confluxscan_cache_size_bytes",
		Help: "Estimated bytes held by a cache instance",
	}, []string{"cache"})

	// CacheItems tracks live entry count per cache instance.
	CacheItems = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "confluxscan_cache_items",
		Help: "Live entries held by a cache instance",
	}, []string{"cache"})

	CacheHits = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "confluxscan_cache_hits_total",
		Help: "Cache lookups served from a fresh entry",
	}, []string{"cache"})

	CacheMisses = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "confluxscan_cache_misses_total",
		Help: "Cache lookups that found nothing fresh",
	}, []string{"cache"})

	CacheEvictions = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "confluxscan_cache_evictions_total",
		Help: "Entries evicted for budget, expiry or heap pressure",
	}, []string{"cache"})

	CacheHitRate = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "confluxscan_cache_hit_rate",
		Help: "hits / (hits + misses) for a cache instance",
	}, []string{"cache"})

	// BreakerState exports the circuit state as 0=closed 1=half-open 2=open.
	BreakerState = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "confluxscan_breaker_state",
		Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
	}, []string{"breaker"})

	HTTPRequests = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "confluxscan_http_requests_total",
		Help: "HTTP requests by method, route and status class",
	}, []string{"method", "route", "status"})

	RateLimitBreaches = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "confluxscan_ratelimit_breaches_total",
		Help: "Requests rejected by the tiered rate limiter",
	}, []string{"tier"})

	ScreenDuration = promauto.With(Registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "confluxscan_screen_duration_seconds",
		Help:    "Wall time of a full screening run",
		Buckets: prometheus.DefBuckets,
	})

	SymbolsScreened = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Name: "confluxscan_symbols_screened_total",
		Help: "Symbols evaluated across all screening runs",
	})
)

// Handler serves the registry in the prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

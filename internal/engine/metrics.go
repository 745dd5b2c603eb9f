package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal tracks completed operation calls by outcome
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apifuse_requests_total",
			Help: "Total operation calls by connector, operation and outcome",
		},
		[]string{"connector", "operation", "outcome"},
	)

	// requestDuration tracks end-to-end call latency
	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apifuse_request_duration_seconds",
			Help:    "End-to-end call duration by connector and operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"connector", "operation"},
	)

	// retriesTotal tracks extra attempts beyond the first
	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apifuse_retries_total",
			Help: "Total retry attempts by connector and operation",
		},
		[]string{"connector", "operation"},
	)

	// cacheEvents tracks cache hits and misses for cacheable reads
	cacheEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apifuse_cache_events_total",
			Help: "Cache hits and misses by connector and operation",
		},
		[]string{"connector", "operation", "event"},
	)

	// rateLimitWait tracks time spent blocked on the token bucket
	rateLimitWait = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apifuse_rate_limit_wait_seconds_total",
			Help: "Cumulative time spent waiting for rate limit tokens",
		},
		[]string{"connector", "scope"},
	)

	// tokenRefreshes tracks auth token fetches
	tokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apifuse_token_refreshes_total",
			Help: "Auth token fetches by connector and result",
		},
		[]string{"connector", "result"},
	)
)

func recordRequest(connector, operation, outcome string, duration time.Duration) {
	requestsTotal.WithLabelValues(connector, operation, outcome).Inc()
	requestDuration.WithLabelValues(connector, operation).Observe(duration.Seconds())
}

func recordRetry(connector, operation string) {
	retriesTotal.WithLabelValues(connector, operation).Inc()
}

func recordCacheEvent(connector, operation, event string) {
	cacheEvents.WithLabelValues(connector, operation, event).Inc()
}

func recordRateLimitWait(connector, scope string, waited time.Duration) {
	if waited > 0 {
		rateLimitWait.WithLabelValues(connector, scope).Add(waited.Seconds())
	}
}

func recordTokenRefresh(connector, result string) {
	tokenRefreshes.WithLabelValues(connector, result).Inc()
}

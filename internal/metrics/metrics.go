// Package metrics registers the server's Prometheus instruments.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the lore server.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	RateLimited         prometheus.Counter
	AuthCacheHits       prometheus.Counter
	AuthCacheMisses     prometheus.Counter
}

var (
	metricsOnce sync.Once
	shared      *Metrics
)

// New creates and registers all metrics. Registration happens once per
// process; later calls return the shared instance.
func New() *Metrics {
	metricsOnce.Do(func() {
		shared = &Metrics{
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lore_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "lore_http_request_duration_seconds",
					Help:    "HTTP request latency in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
				},
				[]string{"method", "path"},
			),
			RateLimited: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lore_rate_limited_total",
					Help: "Requests rejected by the rate limiter",
				},
			),
			AuthCacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lore_auth_cache_hits_total",
					Help: "API key lookups served from the auth cache",
				},
			),
			AuthCacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "lore_auth_cache_misses_total",
					Help: "API key lookups that hit the database",
				},
			),
		}
	})
	return shared
}

// Package metrics registers the gateway's Prometheus instruments: request
// latency, cache hit/miss, router score distribution, rate-limit denials,
// and multiplexer commit latency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles every instrument the gateway exports on /metrics.
type Registry struct {
	RequestLatency      *prometheus.HistogramVec
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	RouterScore         *prometheus.HistogramVec
	RateLimitDenials    *prometheus.CounterVec
	MultiplexerCommitMS *prometheus.HistogramVec
	MultiplexerUpgrades prometheus.Counter
	ProviderErrors      *prometheus.CounterVec
}

// NewRegistry creates and registers every instrument against reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmrouter",
			Name:      "request_latency_ms",
			Help:      "End-to-end request latency in milliseconds, by intent.",
			Buckets:   prometheus.ExponentialBuckets(50, 2, 12),
		}, []string{"intent"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmrouter", Name: "cache_hits_total", Help: "Response cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmrouter", Name: "cache_misses_total", Help: "Response cache misses.",
		}),
		RouterScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmrouter",
			Name:      "router_score",
			Help:      "Distribution of provider scores at selection time, by provider.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}, []string{"provider"}),
		RateLimitDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrouter", Name: "rate_limit_denials_total", Help: "Requests denied by admission control, by tier.",
		}, []string{"tier"}),
		MultiplexerCommitMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "llmrouter",
			Name:      "multiplexer_commit_latency_ms",
			Help:      "Time from request start to winner election, by strategy.",
			Buckets:   prometheus.ExponentialBuckets(20, 2, 12),
		}, []string{"strategy"}),
		MultiplexerUpgrades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "llmrouter", Name: "multiplexer_upgrades_total", Help: "Mid-stream provider upgrades performed.",
		}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "llmrouter", Name: "provider_errors_total", Help: "Provider call errors, by provider.",
		}, []string{"provider"}),
	}

	reg.MustRegister(
		r.RequestLatency, r.CacheHits, r.CacheMisses, r.RouterScore,
		r.RateLimitDenials, r.MultiplexerCommitMS, r.MultiplexerUpgrades, r.ProviderErrors,
	)
	return r
}

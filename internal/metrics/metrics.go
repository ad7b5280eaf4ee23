package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tokenpulse"

var (
	// result: hit|miss|expired|error|corrupt
	CacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "requests_total",
		Help:      "Cache lookups by backend and result.",
	}, []string{"backend", "result"})

	CacheEvictions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Entries removed by expiry or invalidation.",
	}, []string{"backend", "reason"})

	// outcome: ok|timeout|rate_limited|server_error|client_error|malformed_response
	UpstreamAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "attempts_total",
		Help:      "HTTP attempts against data providers by outcome.",
	}, []string{"provider", "outcome"})

	UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "upstream",
		Name:      "attempt_duration_seconds",
		Help:      "Latency of single provider attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider"})

	// result: hit|computed|coalesced|stale|error
	AnalyzerRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analyzer",
		Name:      "requests_total",
		Help:      "GetMetrics calls by result.",
	}, []string{"result"})

	CacheDecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analyzer",
		Name:      "cache_decode_errors_total",
		Help:      "Cached values that failed to decode and were treated as a miss.",
	}, []string{"kind"})

	ClassifiedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "analyzer",
		Name:      "classified_events_total",
		Help:      "Classified transactions by event kind.",
	}, []string{"kind"})

	PipelineDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "analyzer",
		Name:      "pipeline_duration_seconds",
		Help:      "Fetch, classify, aggregate and store duration on cache miss.",
		Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
)

func Handler() http.Handler {
	h := promhttp.Handler()
	return h
}

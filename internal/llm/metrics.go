package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "Completion attempts by provider and outcome",
	}, []string{"provider", "outcome"})

	metricLatencyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_latency_ms",
		Help:    "Completion latency per provider",
		Buckets: prometheus.ExponentialBuckets(50, 1.8, 12),
	}, []string{"provider"})
)

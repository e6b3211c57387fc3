package speech

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricUtterances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_utterances_total",
		Help: "Utterances spoken by path (remote, local) and outcome",
	}, []string{"path", "outcome"})

	metricFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speech_fallbacks_total",
		Help: "Falls back to the local synthesizer by reason",
	}, []string{"reason"})

	metricRemoteLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "speech_remote_latency_ms",
		Help:    "Time until remote synthesis returned audio",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 12),
	})
)

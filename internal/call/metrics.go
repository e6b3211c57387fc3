package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_state_transitions_total",
		Help: "Call state transitions",
	}, []string{"from", "to"})

	metricBargeIn = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_barge_in_total",
		Help: "Assistant speech interrupted by the user, by trigger",
	}, []string{"source"})

	metricUtterancesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_utterances_sent_total",
		Help: "User utterances sent to the conversation",
	})

	metricUtterancesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_utterances_dropped_total",
		Help: "User utterances dropped before sending, by reason",
	}, []string{"reason"})

	metricStaleCallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_stale_callbacks_total",
		Help: "Callbacks ignored because the call generation moved on",
	})

	metricSpeechTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_speech_timeouts_total",
		Help: "Utterances abandoned because no end was reported",
	})

	metricSendLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_send_latency_ms",
		Help:    "Time from utterance send to assistant reply",
		Buckets: prometheus.ExponentialBuckets(100, 1.6, 12),
	})
)

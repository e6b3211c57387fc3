package recognition

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "recognition_errors_total",
		Help: "Recognition errors by class",
	}, []string{"class"})

	metricRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recognition_restarts_total",
		Help: "Automatic recognition restarts issued",
	})

	metricRestartsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recognition_restarts_suppressed_total",
		Help: "Automatic restarts skipped because the gate was closed",
	})

	metricStartFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recognition_start_failures_total",
		Help: "Recognizer start calls that returned an error",
	})

	metricReconnectRequired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "recognition_reconnect_required_total",
		Help: "Times automatic restarts gave up and asked the user to reconnect",
	})
)

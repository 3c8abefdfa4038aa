package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	actionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Agent actions attempted, labelled by action name and result.",
	}, []string{"action", "result"})

	iterationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "iterations_total",
		Help:      "Simulation iterations finished, labelled by outcome.",
	}, []string{"status"})

	iterationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "iteration_duration_seconds",
		Help:      "Wall-clock time spent executing one iteration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
	})

	currentBlock = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "current_block",
		Help:      "Latest block number observed by the simulator.",
	})
)

// ObserveAction counts one executed agent action.
func ObserveAction(action string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	actionsTotal.WithLabelValues(action, result).Inc()
}

// ObserveIteration records the outcome and duration of one iteration.
func ObserveIteration(status string, duration time.Duration) {
	iterationsTotal.WithLabelValues(status).Inc()
	iterationDuration.Observe(duration.Seconds())
}

// SetCurrentBlock publishes the latest observed block number.
func SetCurrentBlock(block uint64) {
	currentBlock.Set(float64(block))
}

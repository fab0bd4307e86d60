package internal

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Shared monitor metrics.
var (
	WatchesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "dirnotify",
		Subsystem: "monitor",
		Name:      "watches",
		Help:      "The current number of registered watches",
	})

	LoopStartsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dirnotify",
		Subsystem: "monitor",
		Name:      "loop_starts_total",
		Help:      "The number of times the watcher loop has been started",
	})

	CompletionsCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirnotify",
		Subsystem: "monitor",
		Name:      "completions_total",
		Help:      "The number of completions received by the watcher loop",
	}, []string{"status"})

	EventsCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirnotify",
		Subsystem: "monitor",
		Name:      "events_total",
		Help:      "The number of file events dispatched to listeners",
	}, []string{"kind"})

	RearmErrorsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "dirnotify",
		Subsystem: "monitor",
		Name:      "rearm_errors_total",
		Help:      "The number of watches dropped because a request could not be re-armed",
	})
)

// Shared sink metrics.
var (
	SinkOperationTotalCounterVec = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dirnotify",
		Subsystem: "sink",
		Name:      "operation_total",
		Help:      "The number of sink operations performed",
	}, []string{"sink", "status"})
)

package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sagasStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Number of sagas accepted for execution",
	})

	sagasFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Number of sagas that reached a terminal status",
	}, []string{"status"})

	stepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "Duration of forward step executions",
		Buckets: prometheus.DefBuckets,
	}, []string{"subgraph"})

	compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Number of step compensations by result",
	}, []string{"result"})

	recoveryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_recovery_attempts_total",
		Help: "Number of stale sagas picked up by recovery",
	})

	deadLettersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_dead_letters_total",
		Help: "Number of sagas parked for manual remediation",
	})

	purgedSagas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "saga_purged_total",
		Help: "Number of terminal sagas removed by retention",
	})
)

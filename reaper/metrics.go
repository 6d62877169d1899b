package reaper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	deletedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "pessimism",
			Subsystem: "reaper",
			Name:      "deleted_total",
			Help:      "Total number of expired locks deleted by the reaper",
		},
	)
	sweepCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pessimism",
			Subsystem: "reaper",
			Name:      "sweeps_total",
			Help:      "Total number of sweeps run by the reaper",
		},
		[]string{"success"},
	)
	sweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pessimism",
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of sweeps run by the reaper",
		},
		[]string{"success"},
	)
)

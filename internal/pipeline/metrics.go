package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_pipeline_runs_total",
			Help: "Generation runs by outcome.",
		},
		[]string{"outcome"},
	)

	attemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_pipeline_slot_attempts_total",
			Help: "Slot drafting attempts by stage reached and result.",
		},
		[]string{"stage", "result"},
	)

	slotDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_pipeline_slot_duration_seconds",
			Help:    "Time to finish a slot, including retries.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"outcome"},
	)
)

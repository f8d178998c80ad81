package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	completionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forge_completion_duration_seconds",
			Help:    "Latency of completion requests by provider",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 80},
		},
		[]string{"provider"},
	)

	completionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forge_completion_errors_total",
			Help: "Failed completion requests by provider and error class",
		},
		[]string{"provider", "class"},
	)
)

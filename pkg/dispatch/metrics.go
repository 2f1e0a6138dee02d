package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for dispatch cycles.
var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_dispatch_attempts_total",
		Help: "Dispatch attempts by route (proxy or direct) and verdict",
	}, []string{"route", "verdict"})

	outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_dispatch_outcomes_total",
		Help: "Finished dispatch cycles by outcome (succeeded or exhausted)",
	}, []string{"outcome"})

	fallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "catalog_dispatch_fallbacks_total",
		Help: "Dispatch cycles that fell back to a direct connection",
	})

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_dispatch_duration_seconds",
		Help:    "Wall time of a full dispatch cycle",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	backoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_dispatch_backoff_seconds",
		Help:    "Backoff waited between proxy attempts",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2},
	})
)

package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	batchKeysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_batch_keys_total",
		Help: "Batch keys by result (record, none, failed)",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "catalog_batch_duration_seconds",
		Help:    "Wall time of a batch, bounded by its slowest key",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	})
)

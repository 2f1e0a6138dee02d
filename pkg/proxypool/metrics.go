package proxypool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	poolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "catalog_proxy_pool_size",
		Help: "Number of proxy endpoints in the most recently loaded pool",
	})

	loadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_proxy_pool_load_failures_total",
		Help: "Proxy list loads that fell back to an empty pool, by source",
	}, []string{"source"})
)

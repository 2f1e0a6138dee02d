// Package metrics provides the Prometheus registry and scrape handler for the
// relay. Metrics are defined in their respective packages (client, dispatch,
// batch, proxypool) to keep packages modular and avoid circular dependencies.
//
// This package also documents every metric the relay exposes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the relay.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer reads from the same registry that Registry writes to.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics exposition handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Proxy Pool Metrics (pkg/proxypool):
//   - catalog_proxy_pool_size (Gauge): Endpoints in the most recently loaded pool
//   - catalog_proxy_pool_load_failures_total{source} (Counter): Loads that fell back to an empty pool
//
// Upstream Request Metrics (pkg/client):
//   - catalog_upstream_requests_total{route, status} (Counter): Outbound requests by route (proxy, direct) and status
//   - catalog_upstream_request_duration_seconds{route} (Histogram): Outbound request duration by route
//
// Dispatch Metrics (pkg/dispatch):
//   - catalog_dispatch_attempts_total{route, verdict} (Counter): Attempts by route and classifier verdict
//   - catalog_dispatch_outcomes_total{outcome} (Counter): Finished cycles (succeeded, exhausted)
//   - catalog_dispatch_fallbacks_total (Counter): Cycles that fell back to a direct connection
//   - catalog_dispatch_duration_seconds (Histogram): Wall time of a full dispatch cycle
//   - catalog_dispatch_backoff_seconds (Histogram): Backoff waited between proxy attempts
//
// Batch Metrics (pkg/batch):
//   - catalog_batch_keys_total{result} (Counter): Batch keys by result (record, none, failed)
//   - catalog_batch_duration_seconds (Histogram): Wall time of a batch
//
// HTTP Surface Metrics (internal/server):
//   - catalog_http_requests_total{route, status} (Counter): Inbound requests by route and status
//
// Example Prometheus Queries:
//
//   # Proxy success rate
//   sum(rate(catalog_dispatch_attempts_total{route="proxy",verdict="stop"}[5m])) /
//   sum(rate(catalog_dispatch_attempts_total{route="proxy"}[5m]))
//
//   # Direct fallback rate
//   rate(catalog_dispatch_fallbacks_total[5m])
//
//   # Exhausted cycles
//   rate(catalog_dispatch_outcomes_total{outcome="exhausted"}[5m])
//
//   # P95 upstream latency through proxies
//   histogram_quantile(0.95, rate(catalog_upstream_request_duration_seconds_bucket{route="proxy"}[5m]))

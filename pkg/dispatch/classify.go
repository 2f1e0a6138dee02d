package dispatch

import (
	"net/http"

	"github.com/Sternrassler/catalog-relay/pkg/client"
)

// Verdict is the classification of one attempt.
type Verdict int

const (
	// Retry means the attempt says more about the proxy than about the
	// upstream: try again with another endpoint.
	Retry Verdict = iota
	// Stop means the response is final and is handed to the caller as is.
	Stop
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Retry:
		return "retry"
	case Stop:
		return "stop"
	default:
		return "unknown"
	}
}

// IsRetryableStatus reports whether an upstream status should be retried on
// another proxy: 403, 404, 429 and every 5xx.
//
// 404 counts as a bad proxy, not a missing asset: public proxies answer 404
// themselves for hosts they refuse to reach.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusForbidden, http.StatusNotFound, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

// Classify decides whether an attempt result ends the dispatch. Any fetch
// error (network, proxy handshake, timeout) is retryable.
func Classify(resp *client.Response, err error) Verdict {
	if err != nil || resp == nil {
		return Retry
	}
	if IsRetryableStatus(resp.StatusCode) {
		return Retry
	}
	return Stop
}

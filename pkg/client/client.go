// Package client performs single outbound GET requests against the upstream
// catalog, either through a proxy endpoint or over a direct connection.
//
// The client never retries; retry policy belongs to the dispatch package.
package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/Sternrassler/catalog-relay/pkg/proxypool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	xproxy "golang.org/x/net/proxy"
)

// Prometheus metrics for outbound requests.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_upstream_requests_total",
		Help: "Total outbound upstream requests by route (proxy or direct) and status",
	}, []string{"route", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "catalog_upstream_request_duration_seconds",
		Help:    "Outbound upstream request duration in seconds by route",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5},
	}, []string{"route"})
)

// Route labels.
const (
	RouteProxy  = "proxy"
	RouteDirect = "direct"
)

// DefaultUserAgent is a conventional desktop browser string; the upstream
// rejects requests that identify as automated clients.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent on every request.
	UserAgent string

	// Accept header sent on every request.
	Accept string

	// Timeout bounds a single fetch, including reading the body.
	Timeout time.Duration

	// MaxBodyBytes caps the response body kept in memory.
	MaxBodyBytes int64
}

// DefaultConfig returns the reference configuration: a 5 second timeout and
// the browser header set.
func DefaultConfig() Config {
	return Config{
		UserAgent:    DefaultUserAgent,
		Accept:       "application/json",
		Timeout:      5 * time.Second,
		MaxBodyBytes: 10 << 20,
	}
}

// Response is an upstream reply with its body fully read.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsSuccess reports whether the status is 2xx.
func (r *Response) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Client fetches upstream URLs. It keeps one transport per proxy endpoint so
// connections to the same proxy are reused across requests.
type Client struct {
	config Config
	logger zerolog.Logger

	direct *http.Client

	mu      sync.Mutex
	proxied map[string]*http.Client
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}
	if cfg.Accept == "" {
		cfg.Accept = "application/json"
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultConfig().MaxBodyBytes
	}

	return &Client{
		config:  cfg,
		logger:  log.With().Str("component", "client").Logger(),
		direct:  &http.Client{Transport: newTransport()},
		proxied: make(map[string]*http.Client),
	}, nil
}

// Fetch performs one GET of url. A nil via means a direct connection.
//
// Any failure to obtain a complete response (dial, proxy handshake, timeout,
// body read) is returned as a *NetworkError. A response with any status code
// is returned without error; classifying it is the caller's job.
func (c *Client) Fetch(ctx context.Context, url string, via *proxypool.Endpoint) (*Response, error) {
	route, proxyLabel := RouteDirect, RouteDirect
	if via != nil {
		route, proxyLabel = RouteProxy, via.String()
	}

	start := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", c.config.Accept)

	httpClient, err := c.clientFor(via)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(route, "network_error").Inc()
		return nil, &NetworkError{Route: route, Proxy: proxyLabel, Err: err}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(route, "network_error").Inc()
		c.logger.Debug().Err(err).Str("url", url).Str("proxy", proxyLabel).Msg("Upstream request failed")
		return nil, &NetworkError{Route: route, Proxy: proxyLabel, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.config.MaxBodyBytes+1))
	if err != nil {
		upstreamRequestsTotal.WithLabelValues(route, "network_error").Inc()
		return nil, &NetworkError{Route: route, Proxy: proxyLabel, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > c.config.MaxBodyBytes {
		upstreamRequestsTotal.WithLabelValues(route, "network_error").Inc()
		return nil, &NetworkError{Route: route, Proxy: proxyLabel, Err: ErrBodyTooLarge}
	}

	upstreamRequestsTotal.WithLabelValues(route, strconv.Itoa(resp.StatusCode)).Inc()
	c.logger.Debug().
		Str("url", url).
		Str("proxy", proxyLabel).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Upstream response")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
	}, nil
}

// clientFor returns the cached http.Client for an endpoint, building it on
// first use.
func (c *Client) clientFor(via *proxypool.Endpoint) (*http.Client, error) {
	if via == nil {
		return c.direct, nil
	}

	key := via.URI()

	c.mu.Lock()
	defer c.mu.Unlock()

	if hc, ok := c.proxied[key]; ok {
		return hc, nil
	}

	transport := newTransport()
	if via.IsSOCKS() {
		dialer, err := xproxy.FromURL(via.URL(), &net.Dialer{Timeout: c.config.Timeout})
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer for %s: %w", via, err)
		}
		transport.DialContext = contextDialer(dialer)
	} else {
		transport.Proxy = http.ProxyURL(via.URL())
	}

	hc := &http.Client{Transport: transport}
	c.proxied[key] = hc
	return hc, nil
}

// Close releases idle connections held by every transport.
func (c *Client) Close() error {
	c.direct.CloseIdleConnections()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, hc := range c.proxied {
		hc.CloseIdleConnections()
	}
	return nil
}

// newTransport returns a transport that never consults the process proxy
// environment.
func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func contextDialer(d xproxy.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if cd, ok := d.(xproxy.ContextDialer); ok {
		return cd.DialContext
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
}

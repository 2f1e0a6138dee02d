// Package dispatch runs one upstream lookup through the proxy pool: a bounded
// number of proxy attempts, each classified as retry or stop, followed by a
// single direct-connection fallback when every proxy attempt failed.
package dispatch

import (
	"context"
	"math/rand"
	"time"

	"github.com/Sternrassler/catalog-relay/pkg/client"
	"github.com/Sternrassler/catalog-relay/pkg/logging"
	"github.com/Sternrassler/catalog-relay/pkg/proxypool"
	"github.com/rs/zerolog"
)

// Selector picks proxy endpoints. *proxypool.Pool implements it.
type Selector interface {
	Len() int
	Select() (proxypool.Endpoint, error)
}

// Fetcher performs one GET. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, via *proxypool.Endpoint) (*client.Response, error)
}

// State is the dispatch state machine position.
type State int

const (
	Attempting State = iota
	Succeeded
	Exhausted
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Attempting:
		return "attempting"
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Config holds the retry policy.
type Config struct {
	// MaxAttempts is the number of proxy attempts before the direct fallback.
	MaxAttempts int

	// Backoff is the wait before the second proxy attempt. Zero retries
	// immediately.
	Backoff time.Duration

	// MaxBackoff caps the exponentially growing wait.
	MaxBackoff time.Duration

	// Jitter randomizes each wait by ±Jitter (0.2 = ±20%).
	Jitter float64
}

// DefaultConfig returns five immediate proxy attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 5,
		Backoff:     0,
		MaxBackoff:  2 * time.Second,
		Jitter:      0.2,
	}
}

// Attempt is the record of one fetch. It lives only for logging and metrics.
type Attempt struct {
	URL      string
	Proxy    string
	Number   int
	Response *client.Response
	Err      error
	Verdict  Verdict
	Elapsed  time.Duration
}

// Dispatcher orchestrates attempts against a pool and a fetcher. It holds no
// per-request state and is safe for concurrent use.
type Dispatcher struct {
	pool    Selector
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a dispatcher. A nil pool behaves as an empty one.
func New(pool Selector, fetcher Fetcher, cfg Config) *Dispatcher {
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}
	if pool == nil {
		pool = proxypool.New(nil)
	}

	return &Dispatcher{
		pool:    pool,
		fetcher: fetcher,
		config:  cfg,
		logger:  logging.NewLogger("dispatch"),
	}
}

// Dispatch fetches url and returns the first response that ends the cycle,
// unmodified. On failure the error is always an *ExhaustedError.
//
// Proxy attempts run strictly one after another. When the pool is empty the
// proxy loop is skipped and the single direct attempt runs immediately. A
// cancelled context stops the cycle before the next attempt starts.
func (d *Dispatcher) Dispatch(ctx context.Context, url string) (*client.Response, error) {
	start := time.Now()
	defer func() {
		dispatchDuration.Observe(time.Since(start).Seconds())
	}()

	state := Attempting
	proxyAttempts := 0
	var resp *client.Response
	var lastErr error

	for state == Attempting && proxyAttempts < d.config.MaxAttempts {
		if d.pool.Len() == 0 {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, d.exhaust(url, proxyAttempts, false, err)
		}

		endpoint, err := d.pool.Select()
		if err != nil {
			break
		}
		proxyAttempts++

		a := d.attempt(ctx, url, &endpoint, proxyAttempts)
		if a.Verdict == Stop {
			resp, state = a.Response, Succeeded
			break
		}
		lastErr = a.Err

		if proxyAttempts < d.config.MaxAttempts {
			if err := d.wait(ctx, proxyAttempts); err != nil {
				return nil, d.exhaust(url, proxyAttempts, false, err)
			}
		}
	}

	if state == Succeeded {
		outcomesTotal.WithLabelValues(Succeeded.String()).Inc()
		return resp, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, d.exhaust(url, proxyAttempts, false, err)
	}

	fallbacksTotal.Inc()
	if proxyAttempts > 0 {
		d.logger.Warn().
			Err(lastErr).
			Str("url", url).
			Int("proxy_attempts", proxyAttempts).
			Msg("Proxy attempts exhausted, falling back to direct connection")
	} else {
		d.logger.Debug().Str("url", url).Msg("No proxies configured, using direct connection")
	}

	a := d.attempt(ctx, url, nil, proxyAttempts+1)
	if a.Err == nil && a.Response.IsSuccess() {
		outcomesTotal.WithLabelValues(Succeeded.String()).Inc()
		return a.Response, nil
	}
	if a.Err == nil {
		a.Err = &StatusError{StatusCode: a.Response.StatusCode}
	}

	return nil, d.exhaust(url, proxyAttempts, true, a.Err)
}

// attempt runs and classifies one fetch. A nil via is the direct route.
func (d *Dispatcher) attempt(ctx context.Context, url string, via *proxypool.Endpoint, n int) Attempt {
	a := Attempt{URL: url, Proxy: client.RouteDirect, Number: n}
	route := client.RouteDirect
	if via != nil {
		a.Proxy = via.String()
		route = client.RouteProxy
	}

	start := time.Now()
	a.Response, a.Err = d.fetcher.Fetch(ctx, url, via)
	a.Elapsed = time.Since(start)
	a.Verdict = Classify(a.Response, a.Err)

	if a.Err == nil && a.Verdict == Retry {
		a.Err = &StatusError{StatusCode: a.Response.StatusCode}
	}

	attemptsTotal.WithLabelValues(route, a.Verdict.String()).Inc()

	ev := d.logger.Debug().
		Str("url", a.URL).
		Str("proxy", a.Proxy).
		Int("attempt", a.Number).
		Str("verdict", a.Verdict.String()).
		Dur("elapsed", a.Elapsed)
	if a.Response != nil {
		ev = ev.Int("status", a.Response.StatusCode)
	}
	if a.Err != nil {
		ev = ev.Err(a.Err)
	}
	ev.Msg("Attempt classified")

	return a
}

// wait sleeps for the backoff after proxy attempt n, honoring cancellation.
func (d *Dispatcher) wait(ctx context.Context, n int) error {
	delay := d.backoff(n)
	if delay <= 0 {
		return nil
	}
	backoffSeconds.Observe(delay.Seconds())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// backoff returns Backoff * 2^(n-1), capped at MaxBackoff, with jitter.
func (d *Dispatcher) backoff(n int) time.Duration {
	if d.config.Backoff <= 0 {
		return 0
	}

	delay := d.config.Backoff
	for i := 1; i < n && delay < d.config.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > d.config.MaxBackoff {
		delay = d.config.MaxBackoff
	}

	if j := d.config.Jitter; j > 0 {
		delay = time.Duration(float64(delay) * (1 - j + rand.Float64()*2*j))
	}
	return delay
}

func (d *Dispatcher) exhaust(url string, proxyAttempts int, direct bool, cause error) error {
	outcomesTotal.WithLabelValues(Exhausted.String()).Inc()

	err := &ExhaustedError{
		URL:             url,
		ProxyAttempts:   proxyAttempts,
		DirectAttempted: direct,
		LastErr:         cause,
	}
	d.logger.Error().
		Err(cause).
		Str("url", url).
		Int("proxy_attempts", proxyAttempts).
		Bool("direct_attempted", direct).
		Msg("Dispatch exhausted")

	return err
}

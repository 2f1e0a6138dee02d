// Package batch looks up many catalog keys concurrently and reduces each
// reply to a record, the "NONE" sentinel, or null.
//
// Every key is fetched once, directly and without retries. A key's failure
// is isolated to that key: the batch always waits for every task and never
// returns an error.
//
// Example usage:
//
//	agg, err := batch.New(httpClient, batch.DefaultConfig())
//	result := agg.RunBatch(ctx, []string{"1", "2", "3"})
package batch

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/catalog-relay/pkg/client"
	"github.com/Sternrassler/catalog-relay/pkg/logging"
	"github.com/Sternrassler/catalog-relay/pkg/proxypool"
	"github.com/rs/zerolog"
)

// IDPlaceholder is replaced by the escaped key in URLTemplate.
const IDPlaceholder = "{id}"

// DefaultURLTemplate is the upstream bundles endpoint.
const DefaultURLTemplate = "https://catalog.roblox.com/v1/assets/{id}/bundles"

// Fetcher performs one GET. *client.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, url string, via *proxypool.Endpoint) (*client.Response, error)
}

// Config holds aggregator configuration.
type Config struct {
	// URLTemplate must contain IDPlaceholder.
	URLTemplate string

	// MaxConcurrency bounds in-flight fetches. Zero runs one goroutine per key.
	MaxConcurrency int
}

// DefaultConfig returns the catalog template with unbounded fan-out.
func DefaultConfig() Config {
	return Config{
		URLTemplate:    DefaultURLTemplate,
		MaxConcurrency: 0,
	}
}

// keyResult is what each task sends back to the collector.
type keyResult struct {
	Key   string
	Value Value
}

// Aggregator runs batch lookups.
type Aggregator struct {
	fetcher Fetcher
	config  Config
	logger  zerolog.Logger
}

// New creates an aggregator.
func New(fetcher Fetcher, cfg Config) (*Aggregator, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if cfg.URLTemplate == "" {
		cfg.URLTemplate = DefaultURLTemplate
	}
	if !strings.Contains(cfg.URLTemplate, IDPlaceholder) {
		return nil, fmt.Errorf("url template %q must contain %s", cfg.URLTemplate, IDPlaceholder)
	}
	if cfg.MaxConcurrency < 0 {
		cfg.MaxConcurrency = 0
	}

	return &Aggregator{
		fetcher: fetcher,
		config:  cfg,
		logger:  logging.NewLogger("batch"),
	}, nil
}

// URLFor builds the upstream URL for one key.
func (a *Aggregator) URLFor(key string) string {
	return strings.ReplaceAll(a.config.URLTemplate, IDPlaceholder, url.PathEscape(key))
}

// RunBatch fetches every distinct key concurrently and returns once all of
// them have finished. Results are merged into the map only after every task
// has joined.
func (a *Aggregator) RunBatch(ctx context.Context, keys []string) Result {
	start := time.Now()
	defer func() {
		batchDuration.Observe(time.Since(start).Seconds())
	}()

	unique := dedupe(keys)
	result := make(Result, len(unique))
	if len(unique) == 0 {
		return result
	}

	a.logger.Debug().Int("keys", len(unique)).Msg("Starting batch")

	results := make(chan keyResult, len(unique))

	var sem chan struct{}
	if a.config.MaxConcurrency > 0 {
		sem = make(chan struct{}, a.config.MaxConcurrency)
	}

	var wg sync.WaitGroup
	for _, key := range unique {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results <- keyResult{Key: key, Value: a.lookup(ctx, key)}
		}(key)
	}

	wg.Wait()
	close(results)

	var found, none, failed int
	for r := range results {
		result[r.Key] = r.Value
		switch r.Value.Kind {
		case KindRecord:
			found++
		case KindNone:
			none++
		default:
			failed++
		}
	}

	batchKeysTotal.WithLabelValues("record").Add(float64(found))
	batchKeysTotal.WithLabelValues("none").Add(float64(none))
	batchKeysTotal.WithLabelValues("failed").Add(float64(failed))

	a.logger.Info().
		Int("keys", len(unique)).
		Int("found", found).
		Int("none", none).
		Int("failed", failed).
		Dur("elapsed", time.Since(start)).
		Msg("Batch complete")

	return result
}

// lookup fetches one key directly and reduces the reply.
func (a *Aggregator) lookup(ctx context.Context, key string) Value {
	target := a.URLFor(key)

	resp, err := a.fetcher.Fetch(ctx, target, nil)
	if err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("Batch lookup failed")
		return Failed()
	}
	if !resp.IsSuccess() {
		a.logger.Warn().Str("key", key).Int("status", resp.StatusCode).Msg("Batch lookup returned error status")
		return Failed()
	}

	v := reduce(resp.Body)
	if v.Kind == KindFailed {
		a.logger.Warn().Str("key", key).Msg("Batch lookup returned an unreadable body")
	}
	return v
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

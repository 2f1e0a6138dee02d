package proxypool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Parse decodes a JSON array of proxy URIs. Entries that are not valid proxy
// URIs are skipped and reported in the returned slice of problems; only a
// value that is not a JSON array of strings is an error.
func Parse(raw string) ([]Endpoint, []error, error) {
	var uris []string
	if err := json.Unmarshal([]byte(raw), &uris); err != nil {
		return nil, nil, fmt.Errorf("decode proxy list: %w", err)
	}

	endpoints := make([]Endpoint, 0, len(uris))
	var problems []error
	for i, uri := range uris {
		e, err := ParseEndpoint(uri)
		if err != nil {
			problems = append(problems, fmt.Errorf("entry %d: %w", i, err))
			continue
		}
		endpoints = append(endpoints, e)
	}

	return endpoints, problems, nil
}

// FromValue builds a pool from a JSON-encoded list. It never fails: a missing
// or malformed value yields an empty pool, which puts dispatch into
// direct-connection-only mode.
func FromValue(raw string, logger zerolog.Logger) *Pool {
	if strings.TrimSpace(raw) == "" {
		logger.Warn().Msg("No proxy list configured, using direct connections only")
		return New(nil)
	}

	return fromJSON(raw, "env", logger)
}

// FromRedis builds a pool from a JSON-encoded list stored in a Redis string
// key. Like FromValue it degrades to an empty pool instead of failing.
func FromRedis(ctx context.Context, rdb redis.Cmdable, key string, logger zerolog.Logger) *Pool {
	raw, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		logger.Warn().Str("key", key).Msg("Proxy list key not found in Redis, using direct connections only")
		loadFailures.WithLabelValues("redis").Inc()
		return New(nil)
	}
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("Failed to read proxy list from Redis, using direct connections only")
		loadFailures.WithLabelValues("redis").Inc()
		return New(nil)
	}

	return fromJSON(raw, "redis", logger)
}

func fromJSON(raw, source string, logger zerolog.Logger) *Pool {
	endpoints, problems, err := Parse(raw)
	if err != nil {
		logger.Error().Err(err).Str("source", source).Msg("Failed to parse proxy list, using direct connections only")
		loadFailures.WithLabelValues(source).Inc()
		return New(nil)
	}

	for _, p := range problems {
		logger.Warn().Err(p).Str("source", source).Msg("Skipping invalid proxy entry")
	}

	logger.Info().
		Str("source", source).
		Int("proxies", len(endpoints)).
		Int("skipped", len(problems)).
		Msg("Loaded proxy list")

	return New(endpoints)
}

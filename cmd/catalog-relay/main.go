package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/catalog-relay/internal/config"
	"github.com/Sternrassler/catalog-relay/internal/server"
	"github.com/Sternrassler/catalog-relay/pkg/batch"
	"github.com/Sternrassler/catalog-relay/pkg/client"
	"github.com/Sternrassler/catalog-relay/pkg/dispatch"
	"github.com/Sternrassler/catalog-relay/pkg/logging"
	"github.com/Sternrassler/catalog-relay/pkg/proxypool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	logger := logging.Setup(cfg.Logging())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Catalog relay stopped")
	}
}

// app is the wired process.
type app struct {
	server *server.Server
	client *client.Client
	pool   *proxypool.Pool
}

func (a *app) Close() {
	a.client.Close()
}

// build wires pool, client, dispatcher, aggregator and HTTP server.
func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool := loadPool(ctx, cfg, logger)

	httpClient, err := client.New(cfg.Client())
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	dispatcher := dispatch.New(pool, httpClient, cfg.Dispatch())

	aggregator, err := batch.New(httpClient, cfg.Batch())
	if err != nil {
		httpClient.Close()
		return nil, fmt.Errorf("create batch aggregator: %w", err)
	}

	srv := server.New(server.Config{
		Addr:         cfg.Addr(),
		MaxBatchSize: cfg.MaxBatchSize,
		Debug:        logging.ParseLevel(cfg.LogLevel) == zerolog.DebugLevel,
	}, dispatcher, aggregator, pool)

	return &app{server: srv, client: httpClient, pool: pool}, nil
}

// loadPool reads the proxy list from Redis when configured, else from
// PROXY_LIST. Both paths degrade to an empty pool.
func loadPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *proxypool.Pool {
	if cfg.RedisAddr == "" {
		return proxypool.FromValue(cfg.ProxyList, logger)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	loadCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	logger.Info().Str("addr", cfg.RedisAddr).Str("key", cfg.RedisKey).Msg("Loading proxy list from Redis")
	return proxypool.FromRedis(loadCtx, rdb, cfg.RedisKey, logger)
}

// run serves until ctx is cancelled, then shuts down gracefully.
func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info().
		Int("proxies", a.pool.Len()).
		Int("max_attempts", cfg.MaxAttempts).
		Dur("fetch_timeout", cfg.FetchTimeout).
		Msg("Catalog relay configured")

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("shutdown: %w", err)
	}
	return <-errCh
}

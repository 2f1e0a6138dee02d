// Package config loads relay configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/catalog-relay/pkg/batch"
	"github.com/Sternrassler/catalog-relay/pkg/client"
	"github.com/Sternrassler/catalog-relay/pkg/dispatch"
	"github.com/Sternrassler/catalog-relay/pkg/logging"
)

// DefaultRedisKey holds the proxy list when PROXY_LIST_REDIS_ADDR is set.
const DefaultRedisKey = "catalog-relay:proxies"

// Config is the full process configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogPretty bool

	// ProxyList is a JSON array of proxy URIs. It is ignored when
	// RedisAddr is set.
	ProxyList string
	RedisAddr string
	RedisKey  string

	URLTemplate         string
	MaxAttempts         int
	FetchTimeout        time.Duration
	RetryBackoff        time.Duration
	BatchMaxConcurrency int
	MaxBatchSize        int
}

// Load reads the environment. Malformed numbers and durations are errors;
// proxy list contents are not inspected here.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "3000"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		ProxyList:   os.Getenv("PROXY_LIST"),
		RedisAddr:   os.Getenv("PROXY_LIST_REDIS_ADDR"),
		RedisKey:    getEnv("PROXY_LIST_REDIS_KEY", DefaultRedisKey),
		URLTemplate: getEnv("UPSTREAM_URL_TEMPLATE", batch.DefaultURLTemplate),
	}

	var err error
	if cfg.LogPretty, err = getBool("LOG_PRETTY", false); err != nil {
		return nil, err
	}
	if cfg.MaxAttempts, err = getInt("MAX_ATTEMPTS", dispatch.DefaultConfig().MaxAttempts); err != nil {
		return nil, err
	}
	if cfg.FetchTimeout, err = getDuration("FETCH_TIMEOUT", client.DefaultConfig().Timeout); err != nil {
		return nil, err
	}
	if cfg.RetryBackoff, err = getDuration("RETRY_BACKOFF", 0); err != nil {
		return nil, err
	}
	if cfg.BatchMaxConcurrency, err = getInt("BATCH_MAX_CONCURRENCY", 0); err != nil {
		return nil, err
	}
	if cfg.MaxBatchSize, err = getInt("MAX_BATCH_SIZE", 100); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, err := strconv.ParseUint(c.Port, 10, 16); err != nil {
		return fmt.Errorf("PORT must be a port number (got %q)", c.Port)
	}
	if !strings.Contains(c.URLTemplate, batch.IDPlaceholder) {
		return fmt.Errorf("UPSTREAM_URL_TEMPLATE must contain %s", batch.IDPlaceholder)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("MAX_ATTEMPTS must not be negative (got %d)", c.MaxAttempts)
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be positive (got %s)", c.FetchTimeout)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("RETRY_BACKOFF must not be negative (got %s)", c.RetryBackoff)
	}
	if c.BatchMaxConcurrency < 0 {
		return fmt.Errorf("BATCH_MAX_CONCURRENCY must not be negative (got %d)", c.BatchMaxConcurrency)
	}
	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive (got %d)", c.MaxBatchSize)
	}
	return nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Logging returns the logger setup.
func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	cfg.Level = logging.LogLevel(strings.ToLower(c.LogLevel))
	cfg.Pretty = c.LogPretty
	return cfg
}

// Client returns the outbound client configuration.
func (c *Config) Client() client.Config {
	cfg := client.DefaultConfig()
	cfg.Timeout = c.FetchTimeout
	return cfg
}

// Dispatch returns the retry cycle configuration.
func (c *Config) Dispatch() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.MaxAttempts = c.MaxAttempts
	cfg.Backoff = c.RetryBackoff
	return cfg
}

// Batch returns the aggregator configuration.
func (c *Config) Batch() batch.Config {
	return batch.Config{
		URLTemplate:    c.URLTemplate,
		MaxConcurrency: c.BatchMaxConcurrency,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got %q)", key, value)
	}
	return n, nil
}

func getDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 5s (got %q)", key, value)
	}
	return d, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("%s must be true or false (got %q)", key, value)
	}
	return b, nil
}

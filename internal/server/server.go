// Package server exposes the relay over HTTP:
//
//	GET  /?id=<assetId>  one asset through the proxy dispatch cycle
//	POST /batch          many assets, fetched directly and concurrently
//	GET  /ping           liveness
//	GET  /health         liveness plus proxy pool size
//	GET  /metrics        Prometheus exposition
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/catalog-relay/pkg/batch"
	"github.com/Sternrassler/catalog-relay/pkg/client"
	"github.com/Sternrassler/catalog-relay/pkg/logging"
	"github.com/Sternrassler/catalog-relay/pkg/metrics"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Dispatcher runs one retrying fetch. *dispatch.Dispatcher implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, url string) (*client.Response, error)
}

// Batcher runs batch lookups and builds upstream URLs. *batch.Aggregator
// implements it.
type Batcher interface {
	RunBatch(ctx context.Context, keys []string) batch.Result
	URLFor(key string) string
}

// PoolSizer reports how many proxies are loaded. *proxypool.Pool implements it.
type PoolSizer interface {
	Len() int
}

// Config holds server configuration.
type Config struct {
	Addr string

	// MaxBatchSize caps the assetIds of one batch request.
	MaxBatchSize int

	// Debug enables gin's debug mode.
	Debug bool
}

// Server is the HTTP surface of the relay.
type Server struct {
	config     Config
	dispatcher Dispatcher
	batcher    Batcher
	pool       PoolSizer
	engine     *gin.Engine
	httpServer *http.Server
	logger     zerolog.Logger
}

// New builds the router. It does not start listening.
func New(cfg Config, d Dispatcher, b Batcher, pool PoolSizer) *Server {
	if !cfg.Debug && gin.Mode() != gin.TestMode {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = 100
	}

	s := &Server{
		config:     cfg,
		dispatcher: d,
		batcher:    b,
		pool:       pool,
		engine:     gin.New(),
		logger:     logging.NewLogger("http"),
	}

	s.engine.Use(gin.Recovery(), requestLogger(s.logger), corsMiddleware())
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/", s.getAsset)
	s.engine.POST("/batch", s.postBatch)
	s.engine.GET("/ping", s.getPing)
	s.engine.GET("/health", s.getHealth)
	s.engine.GET("/metrics", gin.WrapH(metrics.Handler()))
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.Addr).Msg("Starting catalog relay")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen on %s: %w", s.config.Addr, err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) getAsset(c *gin.Context) {
	id := c.Query("id")
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'id' parameter"})
		return
	}

	resp, err := s.dispatcher.Dispatch(c.Request.Context(), s.batcher.URLFor(id))
	if err != nil {
		s.logger.Error().Err(err).Str("id", id).Msg("Final failure for asset")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Proxy Failed", "details": err.Error()})
		return
	}

	c.Data(resp.StatusCode, "application/json", resp.Body)
}

type batchRequest struct {
	AssetIDs json.RawMessage `json:"assetIds"`
}

func (s *Server) postBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'assetIds' must be an array"})
		return
	}

	keys, ok := assetKeys(req.AssetIDs)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "'assetIds' must be an array"})
		return
	}
	if len(keys) > s.config.MaxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("'assetIds' must not contain more than %d entries", s.config.MaxBatchSize),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": s.batcher.RunBatch(c.Request.Context(), keys)})
}

// assetKeys turns the assetIds value into lookup keys. Strings are used as
// is; any other element is keyed by its JSON text, so 42 and "42" coincide.
func assetKeys(raw json.RawMessage) ([]string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, false
	}

	keys := make([]string, 0, len(items))
	for _, item := range items {
		var str string
		if err := json.Unmarshal(item, &str); err == nil {
			keys = append(keys, str)
			continue
		}
		keys = append(keys, string(bytes.TrimSpace(item)))
	}
	return keys, true
}

func (s *Server) getPing(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (s *Server) getHealth(c *gin.Context) {
	size := 0
	if s.pool != nil {
		size = s.pool.Len()
	}
	mode := "proxy"
	if size == 0 {
		mode = "direct"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"proxies": size,
		"mode":    mode,
	})
}

//go:build integration

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Sternrassler/catalog-relay/internal/server"
	"github.com/Sternrassler/catalog-relay/internal/testutil"
	"github.com/Sternrassler/catalog-relay/pkg/batch"
	"github.com/Sternrassler/catalog-relay/pkg/client"
	"github.com/Sternrassler/catalog-relay/pkg/dispatch"
	"github.com/Sternrassler/catalog-relay/pkg/proxypool"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const proxyKey = "catalog-relay:proxies"

// setupRedis creates a Redis container for integration testing.
func setupRedis(t *testing.T) (*redis.Client, func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr: host + ":" + port.Port(),
	})

	cleanup := func() {
		redisClient.Close()
		container.Terminate(ctx)
	}

	return redisClient, cleanup
}

// relay wires the full stack around a pool loaded from Redis.
func relay(t *testing.T, rdb *redis.Client, catalog *testutil.MockCatalog, maxAttempts int) (http.Handler, *proxypool.Pool) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	pool := proxypool.FromRedis(context.Background(), rdb, proxyKey, zerolog.Nop())

	c, err := client.New(client.DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	t.Cleanup(func() { c.Close() })

	cfg := dispatch.DefaultConfig()
	cfg.MaxAttempts = maxAttempts
	d := dispatch.New(pool, c, cfg)

	agg, err := batch.New(c, batch.Config{URLTemplate: catalog.Template()})
	if err != nil {
		t.Fatalf("Failed to create aggregator: %v", err)
	}

	return server.New(server.Config{}, d, agg, pool).Handler(), pool
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

// TestRedisPool_ProxyThenSuccess loads a live proxy list from Redis and
// serves a lookup through it.
func TestRedisPool_ProxyThenSuccess(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	catalog := testutil.NewMockCatalog()
	defer catalog.Close()
	catalog.SetBundles("42", testutil.NewBundlesResponse(testutil.BundleRecord{ID: 4, Name: "Answer"}))

	good := testutil.NewMockProxy()
	defer good.Close()

	list := `["` + good.URL() + `"]`
	if err := rdb.Set(context.Background(), proxyKey, list, 0).Err(); err != nil {
		t.Fatalf("Failed to seed proxy list: %v", err)
	}

	h, pool := relay(t, rdb, catalog, 5)
	if pool.Len() != 1 {
		t.Fatalf("Pool size = %d, want 1", pool.Len())
	}

	w := get(h, "/?id=42")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"name":"Answer"`) {
		t.Errorf("Body = %s", w.Body.String())
	}
	if good.RequestCount() != 1 {
		t.Errorf("Proxy requests = %d, want 1", good.RequestCount())
	}
	if catalog.RequestCount() != 1 {
		t.Errorf("Catalog requests = %d, want 1", catalog.RequestCount())
	}
}

// TestRedisPool_BadProxiesFallBackDirect rotates through failing proxies and
// finishes on the direct connection.
func TestRedisPool_BadProxiesFallBackDirect(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	catalog := testutil.NewMockCatalog()
	defer catalog.Close()
	catalog.SetBundles("7", testutil.NewEmptyBundlesResponse())

	limited := testutil.NewStatusProxy(http.StatusTooManyRequests)
	defer limited.Close()
	dead := testutil.UnreachableEndpoint()

	list := `["` + limited.URL() + `","` + dead.URI() + `"]`
	if err := rdb.Set(context.Background(), proxyKey, list, 0).Err(); err != nil {
		t.Fatalf("Failed to seed proxy list: %v", err)
	}

	h, pool := relay(t, rdb, catalog, 3)
	if pool.Len() != 2 {
		t.Fatalf("Pool size = %d, want 2", pool.Len())
	}

	w := get(h, "/?id=7")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, body %s", w.Code, w.Body.String())
	}
	if catalog.RequestCount() != 1 {
		t.Errorf("Catalog requests = %d, want exactly one direct request", catalog.RequestCount())
	}
}

// TestRedisPool_MissingKeyRunsDirect starts without a stored list.
func TestRedisPool_MissingKeyRunsDirect(t *testing.T) {
	rdb, cleanup := setupRedis(t)
	defer cleanup()

	catalog := testutil.NewMockCatalog()
	defer catalog.Close()
	catalog.SetBundles("1", testutil.NewBundlesResponse(testutil.BundleRecord{ID: 1, Name: "One", Description: "d"}))
	catalog.SetBundles("2", testutil.NewEmptyBundlesResponse())

	h, pool := relay(t, rdb, catalog, 5)
	if pool.Len() != 0 {
		t.Fatalf("Pool size = %d, want 0", pool.Len())
	}

	w := get(h, "/health")
	if !strings.Contains(w.Body.String(), `"mode":"direct"`) {
		t.Errorf("Health = %s", w.Body.String())
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/batch", strings.NewReader(`{"assetIds":["1","2","3"]}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, req)

	want := `{"data":{"1":{"Id":1,"Name":"One","Description":"d"},"2":"NONE","3":null}}`
	if w.Body.String() != want {
		t.Errorf("Batch = %s, want %s", w.Body.String(), want)
	}
}

// Package testutil provides a mock upstream catalog and a mock forward proxy
// for tests.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// MockResponse defines the behavior of a mock catalog path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCatalog is a configurable stand-in for the upstream catalog API.
type MockCatalog struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]http.HandlerFunc
	requests int
	paths    []string
	header   http.Header
}

// NewMockCatalog starts a mock catalog server. Unconfigured paths answer 404.
func NewMockCatalog() *MockCatalog {
	m := &MockCatalog{
		handlers: make(map[string]http.HandlerFunc),
	}

	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests++
		m.paths = append(m.paths, r.URL.Path)
		m.header = r.Header.Clone()
		handler, ok := m.handlers[r.URL.Path]
		m.mu.Unlock()

		if !ok {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"errors":[{"code":0,"message":"NotFound"}]}`))
			return
		}
		handler(w, r)
	}))

	return m
}

// URL returns the mock server base URL.
func (m *MockCatalog) URL() string {
	return m.server.URL
}

// Host returns host:port of the mock server.
func (m *MockCatalog) Host() string {
	return strings.TrimPrefix(m.server.URL, "http://")
}

// Template returns a bundles URL template pointing at this server.
func (m *MockCatalog) Template() string {
	return m.server.URL + "/v1/assets/{id}/bundles"
}

// Close shuts down the mock server.
func (m *MockCatalog) Close() {
	m.server.Close()
}

// SetHandler sets a custom handler for a path.
func (m *MockCatalog) SetHandler(path string, handler http.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a fixed response for a path.
func (m *MockCatalog) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			select {
			case <-time.After(resp.Delay):
			case <-r.Context().Done():
				return
			}
		}
		for k, v := range resp.Headers {
			w.Header().Set(k, v)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// SetBundles configures the bundles endpoint for one asset id.
func (m *MockCatalog) SetBundles(assetID string, resp MockResponse) {
	m.SetResponse(BundlesPath(assetID), resp)
}

// RequestCount returns the number of requests received.
func (m *MockCatalog) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

// Paths returns the request paths in arrival order.
func (m *MockCatalog) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, len(m.paths))
	copy(out, m.paths)
	return out
}

// LastHeader returns the headers of the most recent request.
func (m *MockCatalog) LastHeader() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.header
}

// BundlesPath returns the catalog path for an asset's bundles.
func BundlesPath(assetID string) string {
	return fmt.Sprintf("/v1/assets/%s/bundles", assetID)
}

// NewBundlesResponse returns a 200 with one bundle record per name.
func NewBundlesResponse(records ...BundleRecord) MockResponse {
	parts := make([]string, 0, len(records))
	for _, r := range records {
		parts = append(parts, fmt.Sprintf(`{"id":%d,"name":%q,"description":%q,"bundleType":"BodyParts"}`,
			r.ID, r.Name, r.Description))
	}
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       `{"previousPageCursor":null,"nextPageCursor":null,"data":[` + strings.Join(parts, ",") + `]}`,
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

// BundleRecord is a fixture catalog bundle.
type BundleRecord struct {
	ID          int64
	Name        string
	Description string
}

// NewEmptyBundlesResponse returns a 200 with an empty data array.
func NewEmptyBundlesResponse() MockResponse {
	return NewBundlesResponse()
}

// NewStatusResponse returns a JSON error body with the given status.
func NewStatusResponse(status int) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       fmt.Sprintf(`{"errors":[{"code":%d,"message":%q}]}`, status, http.StatusText(status)),
		Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
	}
}

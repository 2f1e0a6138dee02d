package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/Sternrassler/catalog-relay/internal/testutil"
	"github.com/Sternrassler/catalog-relay/pkg/batch"
	"github.com/Sternrassler/catalog-relay/pkg/client"
	"github.com/Sternrassler/catalog-relay/pkg/dispatch"
	"github.com/Sternrassler/catalog-relay/pkg/proxypool"
	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeDispatcher struct {
	mu   sync.Mutex
	urls []string
	resp *client.Response
	err  error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, url string) (*client.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.urls = append(f.urls, url)
	return f.resp, f.err
}

func (f *fakeDispatcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.urls)
}

type fakeBatcher struct {
	keys   [][]string
	result batch.Result
}

func (f *fakeBatcher) RunBatch(ctx context.Context, keys []string) batch.Result {
	f.keys = append(f.keys, keys)
	if f.result == nil {
		return batch.Result{}
	}
	return f.result
}

func (f *fakeBatcher) URLFor(key string) string {
	return "https://upstream.test/v1/assets/" + key + "/bundles"
}

type fixedPool int

func (p fixedPool) Len() int { return int(p) }

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestGetAsset(t *testing.T) {
	tests := []struct {
		name       string
		target     string
		resp       *client.Response
		err        error
		wantStatus int
		wantBody   string
		wantCalls  int
		wantURL    string
	}{
		{
			name:       "missing id",
			target:     "/",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"Missing 'id' parameter"}`,
			wantCalls:  0,
		},
		{
			name:       "empty id",
			target:     "/?id=",
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"error":"Missing 'id' parameter"}`,
			wantCalls:  0,
		},
		{
			name:       "upstream body verbatim",
			target:     "/?id=123",
			resp:       &client.Response{StatusCode: 200, Body: []byte(`{"data": [ {"id":1} ]}`)},
			wantStatus: http.StatusOK,
			wantBody:   `{"data": [ {"id":1} ]}`,
			wantCalls:  1,
			wantURL:    "https://upstream.test/v1/assets/123/bundles",
		},
		{
			name:       "non-retryable status passes through",
			target:     "/?id=abc",
			resp:       &client.Response{StatusCode: 400, Body: []byte(`{"errors":[]}`)},
			wantStatus: http.StatusBadRequest,
			wantBody:   `{"errors":[]}`,
			wantCalls:  1,
		},
		{
			name:   "exhausted",
			target: "/?id=9",
			err: &dispatch.ExhaustedError{
				URL: "u", ProxyAttempts: 5, DirectAttempted: true,
				LastErr: &dispatch.StatusError{StatusCode: 429},
			},
			wantStatus: http.StatusInternalServerError,
			wantBody:   `{"details":"5 proxy attempts and direct fallback failed for u: bad status: 429","error":"Proxy Failed"}`,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{resp: tt.resp, err: tt.err}
			s := New(Config{}, d, &fakeBatcher{}, fixedPool(0))

			w := do(t, s.Handler(), http.MethodGet, tt.target, "")

			if w.Code != tt.wantStatus {
				t.Errorf("Status = %d, want %d", w.Code, tt.wantStatus)
			}
			if got := w.Body.String(); got != tt.wantBody {
				t.Errorf("Body = %s, want %s", got, tt.wantBody)
			}
			if !strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
				t.Errorf("Content-Type = %q", w.Header().Get("Content-Type"))
			}
			if w.Header().Get("Access-Control-Allow-Origin") != "*" {
				t.Error("Missing CORS header")
			}
			if d.calls() != tt.wantCalls {
				t.Errorf("Dispatch calls = %d, want %d", d.calls(), tt.wantCalls)
			}
			if tt.wantURL != "" && d.urls[0] != tt.wantURL {
				t.Errorf("Dispatch URL = %q, want %q", d.urls[0], tt.wantURL)
			}
		})
	}
}

func TestPostBatch(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantKeys   []string
	}{
		{name: "string ids", body: `{"assetIds":["1","2"]}`, wantStatus: 200, wantKeys: []string{"1", "2"}},
		{name: "numeric ids", body: `{"assetIds":[1, "2"]}`, wantStatus: 200, wantKeys: []string{"1", "2"}},
		{name: "empty array", body: `{"assetIds":[]}`, wantStatus: 200, wantKeys: []string{}},
		{name: "missing field", body: `{}`, wantStatus: 400},
		{name: "null field", body: `{"assetIds":null}`, wantStatus: 400},
		{name: "string field", body: `{"assetIds":"1,2"}`, wantStatus: 400},
		{name: "object field", body: `{"assetIds":{"a":1}}`, wantStatus: 400},
		{name: "not json", body: `assetIds=1`, wantStatus: 400},
		{name: "empty body", body: ``, wantStatus: 400},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBatcher{}
			s := New(Config{}, &fakeDispatcher{}, b, fixedPool(0))

			w := do(t, s.Handler(), http.MethodPost, "/batch", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("Status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus == http.StatusBadRequest {
				if w.Body.String() != `{"error":"'assetIds' must be an array"}` {
					t.Errorf("Body = %s", w.Body.String())
				}
				if len(b.keys) != 0 {
					t.Error("RunBatch called for an invalid request")
				}
				return
			}

			if len(b.keys) != 1 {
				t.Fatalf("RunBatch calls = %d, want 1", len(b.keys))
			}
			if strings.Join(b.keys[0], ",") != strings.Join(tt.wantKeys, ",") {
				t.Errorf("Keys = %v, want %v", b.keys[0], tt.wantKeys)
			}
			if w.Body.String() != `{"data":{}}` {
				t.Errorf("Body = %s, want {\"data\":{}}", w.Body.String())
			}
		})
	}
}

func TestPostBatch_TooManyKeys(t *testing.T) {
	b := &fakeBatcher{}
	s := New(Config{MaxBatchSize: 2}, &fakeDispatcher{}, b, fixedPool(0))

	w := do(t, s.Handler(), http.MethodPost, "/batch", `{"assetIds":["1","2","3"]}`)

	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "more than 2") {
		t.Errorf("Body = %s", w.Body.String())
	}
	if len(b.keys) != 0 {
		t.Error("RunBatch called for an oversized request")
	}
}

func TestPostBatch_RendersResult(t *testing.T) {
	b := &fakeBatcher{result: batch.Result{
		"1": batch.Found(batch.Record{ID: json.RawMessage("7"), Name: "A", Description: "a"}),
		"2": batch.None(),
		"3": batch.Failed(),
	}}
	s := New(Config{}, &fakeDispatcher{}, b, fixedPool(0))

	w := do(t, s.Handler(), http.MethodPost, "/batch", `{"assetIds":["1","2","3"]}`)

	want := `{"data":{"1":{"Id":7,"Name":"A","Description":"a"},"2":"NONE","3":null}}`
	if w.Body.String() != want {
		t.Errorf("Body = %s, want %s", w.Body.String(), want)
	}
}

func TestPing(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("must not be called")}
	s := New(Config{}, d, &fakeBatcher{}, nil)

	w := do(t, s.Handler(), http.MethodGet, "/ping", "")

	if w.Code != http.StatusOK || w.Body.String() != "pong" {
		t.Errorf("GET /ping = %d %q, want 200 pong", w.Code, w.Body.String())
	}
	if d.calls() != 0 {
		t.Error("Ping reached the dispatcher")
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name     string
		pool     PoolSizer
		wantBody string
	}{
		{"no pool", nil, `{"mode":"direct","proxies":0,"status":"ok"}`},
		{"empty pool", fixedPool(0), `{"mode":"direct","proxies":0,"status":"ok"}`},
		{"loaded pool", fixedPool(3), `{"mode":"proxy","proxies":3,"status":"ok"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(Config{}, &fakeDispatcher{}, &fakeBatcher{}, tt.pool)
			w := do(t, s.Handler(), http.MethodGet, "/health", "")
			if w.Code != http.StatusOK {
				t.Errorf("Status = %d", w.Code)
			}
			if w.Body.String() != tt.wantBody {
				t.Errorf("Body = %s, want %s", w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := New(Config{}, &fakeDispatcher{}, &fakeBatcher{}, nil)
	do(t, s.Handler(), http.MethodGet, "/ping", "")

	w := do(t, s.Handler(), http.MethodGet, "/metrics", "")

	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `catalog_http_requests_total{route="/ping",status="200"}`) {
		t.Error("Exposition missing request counter for /ping")
	}
}

func TestCORSPreflight(t *testing.T) {
	s := New(Config{}, &fakeDispatcher{}, &fakeBatcher{}, nil)

	for _, path := range []string{"/", "/batch"} {
		w := do(t, s.Handler(), http.MethodOptions, path, "")
		if w.Code != http.StatusNoContent {
			t.Errorf("OPTIONS %s = %d, want 204", path, w.Code)
		}
		if w.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("OPTIONS %s missing CORS header", path)
		}
	}
}

func TestEndToEnd_RealStack(t *testing.T) {
	catalog := testutil.NewMockCatalog()
	defer catalog.Close()
	catalog.SetBundles("1", testutil.NewBundlesResponse(testutil.BundleRecord{ID: 11, Name: "One", Description: "first"}))
	catalog.SetBundles("2", testutil.NewEmptyBundlesResponse())
	catalog.SetBundles("3", testutil.NewStatusResponse(http.StatusInternalServerError))

	good := testutil.NewMockProxy()
	defer good.Close()

	c, err := client.New(client.DefaultConfig())
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	defer c.Close()

	pool := proxypool.New([]proxypool.Endpoint{good.Endpoint()})
	d := dispatch.New(pool, c, dispatch.DefaultConfig())
	agg, err := batch.New(c, batch.Config{URLTemplate: catalog.Template()})
	if err != nil {
		t.Fatalf("batch.New() error = %v", err)
	}
	s := New(Config{}, d, agg, pool)

	w := do(t, s.Handler(), http.MethodGet, "/?id=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /?id=1 = %d %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"name":"One"`) {
		t.Errorf("Body = %s", w.Body.String())
	}
	if good.RequestCount() != 1 {
		t.Errorf("Proxy saw %d requests, want 1", good.RequestCount())
	}

	w = do(t, s.Handler(), http.MethodPost, "/batch", `{"assetIds":["1","2","3"]}`)
	want := `{"data":{"1":{"Id":11,"Name":"One","Description":"first"},"2":"NONE","3":null}}`
	if w.Body.String() != want {
		t.Errorf("Batch body = %s, want %s", w.Body.String(), want)
	}
	if good.RequestCount() != 1 {
		t.Errorf("Batch went through the proxy: %d proxy requests", good.RequestCount())
	}
}

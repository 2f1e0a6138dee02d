package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/catalog-relay/pkg/proxypool"
)

// ProxyMode selects how a MockProxy answers.
type ProxyMode int

const (
	// ProxyForward relays the request to its absolute-form target.
	ProxyForward ProxyMode = iota
	// ProxyStatus answers every request with a fixed status.
	ProxyStatus
	// ProxyHang waits for Delay (or the client to give up) before answering 502.
	ProxyHang
)

// MockProxy is a plain-HTTP forward proxy that counts the requests routed
// through it. It handles absolute-form requests (GET http://host/path), which
// is how net/http talks to an HTTP proxy for http:// targets.
type MockProxy struct {
	server *httptest.Server

	mu       sync.Mutex
	mode     ProxyMode
	status   int
	delay    time.Duration
	requests int
	agents   []string
}

// NewMockProxy starts a forwarding proxy.
func NewMockProxy() *MockProxy {
	p := &MockProxy{mode: ProxyForward}
	p.server = httptest.NewServer(http.HandlerFunc(p.serve))
	return p
}

// NewStatusProxy starts a proxy that always answers status.
func NewStatusProxy(status int) *MockProxy {
	p := NewMockProxy()
	p.SetStatus(status)
	return p
}

// NewHangingProxy starts a proxy that stalls for delay before failing.
func NewHangingProxy(delay time.Duration) *MockProxy {
	p := NewMockProxy()
	p.mu.Lock()
	p.mode, p.delay = ProxyHang, delay
	p.mu.Unlock()
	return p
}

// SetStatus switches the proxy to answering status.
func (p *MockProxy) SetStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode, p.status = ProxyStatus, status
}

// SetForward switches the proxy back to relaying.
func (p *MockProxy) SetForward() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mode = ProxyForward
}

// Endpoint returns the proxy as a pool endpoint.
func (p *MockProxy) Endpoint() proxypool.Endpoint {
	return proxypool.MustParseEndpoint(p.server.URL)
}

// URL returns the proxy URL.
func (p *MockProxy) URL() string {
	return p.server.URL
}

// RequestCount returns how many requests reached the proxy.
func (p *MockProxy) RequestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests
}

// UserAgents returns the User-Agent of every proxied request.
func (p *MockProxy) UserAgents() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.agents))
	copy(out, p.agents)
	return out
}

// Close shuts down the proxy.
func (p *MockProxy) Close() {
	p.server.Close()
}

func (p *MockProxy) serve(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests++
	p.agents = append(p.agents, r.Header.Get("User-Agent"))
	mode, status, delay := p.mode, p.status, p.delay
	p.mu.Unlock()

	switch mode {
	case ProxyStatus:
		w.WriteHeader(status)
		return
	case ProxyHang:
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	target := r.URL
	if !target.IsAbs() {
		http.Error(w, "absolute-form request required", http.StatusBadRequest)
		return
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), nil)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	for k, vs := range r.Header {
		if k == "Proxy-Connection" || k == "Proxy-Authorization" {
			continue
		}
		for _, v := range vs {
			out.Header.Add(k, v)
		}
	}

	resp, err := (&http.Transport{Proxy: nil, DisableKeepAlives: true}).RoundTrip(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// UnreachableEndpoint returns a proxy endpoint that refuses connections.
func UnreachableEndpoint() proxypool.Endpoint {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, _ := url.Parse(srv.URL)
	srv.Close()
	return proxypool.MustParseEndpoint("http://" + u.Host)
}

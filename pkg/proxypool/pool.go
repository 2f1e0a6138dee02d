// Package proxypool holds the fixed set of outbound proxies and picks one at
// random for every dispatch attempt.
//
// A Pool is an immutable snapshot: it is loaded once at process start (from a
// JSON value in the environment or from a Redis key) and then shared by every
// request. An empty pool is valid and means "direct connection only".
package proxypool

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrEmptyPool is returned by Select when the pool has no endpoints.
var ErrEmptyPool = errors.New("proxy pool is empty")

// Pool is a read-only set of proxy endpoints with uniform random selection.
type Pool struct {
	endpoints []Endpoint

	mu  sync.Mutex
	rng *rand.Rand
}

// New creates a pool from a snapshot of endpoints.
func New(endpoints []Endpoint) *Pool {
	return NewWithSource(endpoints, rand.NewSource(time.Now().UnixNano()))
}

// NewWithSource creates a pool whose selection is driven by src, so tests can
// make it deterministic.
func NewWithSource(endpoints []Endpoint, src rand.Source) *Pool {
	snapshot := make([]Endpoint, len(endpoints))
	copy(snapshot, endpoints)

	poolSize.Set(float64(len(snapshot)))

	return &Pool{
		endpoints: snapshot,
		rng:       rand.New(src),
	}
}

// Select returns an endpoint chosen uniformly at random, with replacement.
func (p *Pool) Select() (Endpoint, error) {
	if p == nil || len(p.endpoints) == 0 {
		return Endpoint{}, ErrEmptyPool
	}

	p.mu.Lock()
	i := p.rng.Intn(len(p.endpoints))
	p.mu.Unlock()

	return p.endpoints[i], nil
}

// Len returns the number of endpoints. A nil pool is empty.
func (p *Pool) Len() int {
	if p == nil {
		return 0
	}
	return len(p.endpoints)
}

// Endpoints returns a copy of the configured endpoints in load order.
func (p *Pool) Endpoints() []Endpoint {
	if p == nil {
		return nil
	}
	out := make([]Endpoint, len(p.endpoints))
	copy(out, p.endpoints)
	return out
}

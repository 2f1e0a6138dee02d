package proxypool

import (
	"fmt"
	"net/url"
	"strings"
)

// Supported proxy URI schemes.
const (
	SchemeHTTP    = "http"
	SchemeHTTPS   = "https"
	SchemeSOCKS5  = "socks5"
	SchemeSOCKS5H = "socks5h"
)

// Endpoint is a single upstream proxy. The zero value is not usable; build
// one with ParseEndpoint.
type Endpoint struct {
	raw string
	u   *url.URL
}

// ParseEndpoint validates a proxy URI of the form
// scheme://[user:pass@]host[:port].
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Endpoint{}, fmt.Errorf("empty proxy uri")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Endpoint{}, fmt.Errorf("parse proxy uri: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case SchemeHTTP, SchemeHTTPS, SchemeSOCKS5, SchemeSOCKS5H:
	default:
		return Endpoint{}, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	if u.Hostname() == "" {
		return Endpoint{}, fmt.Errorf("proxy uri %q has no host", redact(u))
	}

	u.Scheme = strings.ToLower(u.Scheme)
	return Endpoint{raw: raw, u: u}, nil
}

// MustParseEndpoint is ParseEndpoint for fixtures; it panics on error.
func MustParseEndpoint(raw string) Endpoint {
	e, err := ParseEndpoint(raw)
	if err != nil {
		panic(err)
	}
	return e
}

// URI returns the endpoint exactly as configured, credentials included.
func (e Endpoint) URI() string {
	return e.raw
}

// URL returns a copy of the parsed proxy URL.
func (e Endpoint) URL() *url.URL {
	if e.u == nil {
		return nil
	}
	cp := *e.u
	if e.u.User != nil {
		user := *e.u.User
		cp.User = &user
	}
	return &cp
}

// Scheme returns the lower-cased scheme.
func (e Endpoint) Scheme() string {
	if e.u == nil {
		return ""
	}
	return e.u.Scheme
}

// IsSOCKS reports whether the endpoint is dialed as a SOCKS5 proxy.
func (e Endpoint) IsSOCKS() bool {
	s := e.Scheme()
	return s == SchemeSOCKS5 || s == SchemeSOCKS5H
}

// String returns the URI with any password masked, for logs.
func (e Endpoint) String() string {
	if e.u == nil {
		return ""
	}
	return redact(e.u)
}

func redact(u *url.URL) string {
	return u.Redacted()
}

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Common errors returned by the client.
var (
	// ErrNetwork matches every *NetworkError via errors.Is.
	ErrNetwork = errors.New("upstream network error")

	// ErrBodyTooLarge is the cause when a response exceeds MaxBodyBytes.
	ErrBodyTooLarge = errors.New("response body exceeds limit")
)

// NetworkError reports a fetch that produced no usable response: dial or
// proxy failure, connection refused, timeout, or a truncated body.
type NetworkError struct {
	Route string
	Proxy string
	Err   error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.Timeout() {
		return fmt.Sprintf("%s fetch via %s timed out: %v", e.Route, e.Proxy, e.Err)
	}
	return fmt.Sprintf("%s fetch via %s failed: %v", e.Route, e.Proxy, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrNetwork) hold for every NetworkError.
func (e *NetworkError) Is(target error) bool {
	return target == ErrNetwork
}

// Timeout reports whether the failure was the per-fetch deadline.
func (e *NetworkError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

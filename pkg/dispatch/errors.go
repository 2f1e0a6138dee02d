package dispatch

import (
	"errors"
	"fmt"
)

// ErrExhausted matches every *ExhaustedError via errors.Is.
var ErrExhausted = errors.New("dispatch exhausted")

// ExhaustedError is the only error Dispatch returns. It carries the most
// recent attempt failure as its cause.
type ExhaustedError struct {
	URL             string
	ProxyAttempts   int
	DirectAttempted bool
	LastErr         error
}

// Error implements the error interface.
func (e *ExhaustedError) Error() string {
	route := fmt.Sprintf("%d proxy attempts", e.ProxyAttempts)
	if e.DirectAttempted {
		route += " and direct fallback"
	}
	if e.LastErr == nil {
		return fmt.Sprintf("%s failed for %s", route, e.URL)
	}
	return fmt.Sprintf("%s failed for %s: %v", route, e.URL, e.LastErr)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// Is makes errors.Is(err, ErrExhausted) hold.
func (e *ExhaustedError) Is(target error) bool {
	return target == ErrExhausted
}

// StatusError records an upstream response that did not end the dispatch.
type StatusError struct {
	StatusCode int
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status: %d", e.StatusCode)
}

package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Common errors surfaced to callers.
var (
	// ErrNotRegistered is returned by retrieve, delete and metadata
	// operations on an unknown id.
	ErrNotRegistered = errors.New("file not registered")

	// ErrNotReady is returned by retrieve when the item has no payload yet.
	ErrNotReady = errors.New("file not ready")

	// ErrQuotaExceeded marks a store or probe refusal for lack of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")
)

// ValidationError reports malformed registration input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid registration: %s %s", e.Field, e.Reason)
}

// TransportError reports a failed HEAD/GET exchange. StatusCode is zero for
// network-level failures.
type TransportError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport error: %s returned %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transport error: %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAbort reports whether err is the cooperative cancellation raised when a
// per-item context is cancelled. Aborts drive the item to paused and are
// never retried.
func IsAbort(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// IsQuotaError reports whether err indicates storage exhaustion, either the
// probe's sentinel or the sqlite driver's disk-full failure.
func IsQuotaError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	return strings.Contains(err.Error(), "database or disk is full")
}

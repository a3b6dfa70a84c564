package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a remote failure for the orchestrator.
type Kind int

const (
	// KindTimeout means the call exceeded its deadline. Retryable.
	KindTimeout Kind = iota + 1
	// KindUnavailable covers transport failures and server-side errors. Retryable.
	KindUnavailable
	// KindRejected means the service refused the record. Permanent.
	KindRejected
	// KindDuplicate means a submit for the same key is already in flight. Benign.
	KindDuplicate
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindUnavailable:
		return "unavailable"
	case KindRejected:
		return "rejected"
	case KindDuplicate:
		return "duplicate"
	}
	return "unknown"
}

// Retryable reports whether the record should stay pending for the next pass.
func (k Kind) Retryable() bool {
	return k == KindTimeout || k == KindUnavailable
}

// Error is returned by every Client operation that fails.
type Error struct {
	Kind   Kind
	Status int // HTTP status, zero when no response was received
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the Kind of err, or zero when err is not a remote error.
func KindOf(err error) Kind {
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Kind
	}
	return 0
}

// ErrDuplicateInFlight is wrapped by KindDuplicate errors.
var ErrDuplicateInFlight = errors.New("submit already in flight for idempotency key")

func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnavailable, Err: err}
}

func classifyStatus(status int, detail string) *Error {
	err := errors.New(detail)
	switch {
	case status == http.StatusRequestTimeout:
		return &Error{Kind: KindTimeout, Status: status, Err: err}
	case status == http.StatusBadRequest, status == http.StatusConflict, status == http.StatusUnprocessableEntity:
		return &Error{Kind: KindRejected, Status: status, Err: err}
	default:
		// 401/403/429/5xx and anything unexpected: try again later.
		return &Error{Kind: KindUnavailable, Status: status, Err: err}
	}
}

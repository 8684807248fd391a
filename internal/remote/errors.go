package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// StoreError is a failed remote operation carrying an HTTP-status-equivalent
// code. Code 0 means the service was unreachable (network error, timeout).
type StoreError struct {
	Op    string // "select", "insert", "update", "delete", "subscribe"
	Table string
	Code  int
	Err   error
}

func (e *StoreError) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("remote %s %s: unreachable: %v", e.Op, e.Table, e.Err)
	}
	return fmt.Sprintf("remote %s %s: status %d: %v", e.Op, e.Table, e.Code, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsRetryable reports whether the error class is worth retrying with
// backoff: unreachable service, request timeout, throttling, or a server
// fault. Auth and client errors are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var se *StoreError
	if errors.As(err, &se) {
		switch {
		case se.Code == 0:
			return true
		case se.Code == http.StatusRequestTimeout, se.Code == http.StatusTooManyRequests:
			return true
		case se.Code >= 500:
			return true
		default:
			return false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// IsAuth reports whether the error means the session needs
// re-authentication. Never retried; surfaced to the user.
func IsAuth(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden
	}
	return false
}

// IsNotFound reports whether the remote row is already gone. Generally
// swallowed for deletes.
func IsNotFound(err error) bool {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code == http.StatusNotFound
	}
	return false
}

// Code extracts the HTTP-status-equivalent code, or 0 for network-class
// failures and unrecognized errors.
func Code(err error) int {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

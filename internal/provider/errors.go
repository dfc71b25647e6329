package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrOffline is returned when the circuit breaker short-circuits a call.
	ErrOffline = errors.New("generation provider offline")
	// ErrQuotaExhausted is returned when the daily request budget is spent
	// or no API key is configured. No remote attempt is made.
	ErrQuotaExhausted = errors.New("generation quota exhausted")
)

// Error describes a failed remote generation attempt. Transient errors are
// retryable at the task level and never trip the breaker; permanent errors
// trip it.
type Error struct {
	Status    int    // HTTP status, 0 for network-level failures
	Reason    string // short classification label, e.g. "auth_401"
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s: %v", e.Reason, e.Err)
	}
	if e.Status != 0 {
		return fmt.Sprintf("provider %s (status %d)", e.Reason, e.Status)
	}
	return fmt.Sprintf("provider %s", e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err should defer the task for a later pass.
// Breaker short-circuits and quota exhaustion count as transient: the
// condition clears on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrOffline) || errors.Is(err, ErrQuotaExhausted) {
		return true
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Transient
	}
	return false
}

// retryStatus mirrors the upstream retry set: these responses are transient.
var retryStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// classifyStatus maps a non-200 HTTP status to an Error.
func classifyStatus(status int) *Error {
	if retryStatus[status] {
		return &Error{Status: status, Reason: fmt.Sprintf("status_%d", status), Transient: true}
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Status: status, Reason: fmt.Sprintf("auth_%d", status)}
	case http.StatusNotFound:
		return &Error{Status: status, Reason: "endpoint_404"}
	default:
		return &Error{Status: status, Reason: fmt.Sprintf("status_%d", status)}
	}
}

// classifyTransport maps a request-level failure (dial, reset, timeout) to a
// transient Error. Connection problems do not prove the provider is broken,
// so they never trip the breaker.
func classifyTransport(err error) *Error {
	reason := "network_error"
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		reason = "timeout"
	}
	return &Error{Reason: reason, Transient: true, Err: err}
}

package client

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrRateLimited = errors.New("platform: rate limited")
	ErrAuthExpired = errors.New("platform: authentication expired or missing")
	ErrNotFound    = errors.New("platform: resource not found")
	ErrServerError = errors.New("platform: internal error (5xx)")
	ErrBadResponse = errors.New("platform: invalid response format or malformed data")
	ErrUnavailable = errors.New("platform: host unreachable or transport failure")
	ErrRejected    = errors.New("platform: request rejected")
)

// APIError is a rich error type that wraps the sentinel errors with context.
type APIError struct {
	Sentinel   error
	Operation  string
	Status     int           // HTTP status, 0 when not applicable
	Code       int           // platform envelope code, 0 when not applicable
	Message    string        // platform envelope message
	RetryAfter time.Duration // server-issued wait, 0 when absent
	Err        error         // nested lower-level error (e.g. net.Error)
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("client: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Code != 0 {
		msg = fmt.Sprintf("%s (code %d)", msg, e.Code)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}

// Retryable reports whether the error class is worth another attempt.
// Auth failures, missing resources, and rejections are deliberate answers
// and never retried here.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrUnavailable)
}

// classifyStatus maps a non-OK HTTP status to a sentinel error.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized:
		return ErrAuthExpired
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusPreconditionFailed, status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status >= http.StatusInternalServerError:
		return ErrServerError
	default:
		return ErrRejected
	}
}

// Platform envelope codes observed on the wire. Everything else non-zero
// is a generic rejection.
const (
	codeNotLoggedIn    = -101
	codeCSRFFailure    = -111
	codeRequestError   = -400
	codeNotFound       = -404
	codeRiskControl    = -412
	codeVideoInvisible = 62002
)

// classifyCode maps a non-zero platform envelope code to a sentinel error.
func classifyCode(code int) error {
	switch code {
	case codeNotLoggedIn, codeCSRFFailure, codeRequestError:
		return ErrAuthExpired
	case codeNotFound, codeVideoInvisible:
		return ErrNotFound
	case codeRiskControl:
		return ErrRateLimited
	default:
		return ErrRejected
	}
}

// outcomeLabel keeps the metrics label set small and stable.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrServerError):
		return "server_error"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "rejected"
	}
}

// healthFailure reports whether the error should count as a failure sample
// in the circuit breaker window. Deliberate platform answers (not found,
// auth expired, rejections) are healthy responses from a load standpoint.
func healthFailure(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServerError) ||
		errors.Is(err, ErrUnavailable)
}

// parseRetryAfter reads a Retry-After header value, either delta-seconds or
// an HTTP date. Returns false when absent or unparseable.
func parseRetryAfter(h string, now time.Time) (time.Duration, bool) {
	if h == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(h); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(h); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Error kinds. Callers test with errors.Is against these sentinels.
var (
	ErrTransient   = errors.New("transient provider error")
	ErrAuthExpired = errors.New("provider authorization expired")
	ErrValidation  = errors.New("provider rejected record")
	ErrRateLimited = errors.New("provider rate limit exceeded")
)

// Error is returned by adapters. Kind is one of the sentinels above.
type Error struct {
	Kind       error
	Provider   ID
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error kind, so errors.Is(err, ErrTransient) works through wrapping.
func (e *Error) Is(target error) bool { return e.Kind == target }

// Retryable reports whether err may succeed on a later attempt.
// RateLimited counts as transient.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrRateLimited)
}

// KindOf returns a short label for metrics and sync records.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "transient"
	}
}

// RetryAfterOf extracts the provider-supplied delay, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// Classify maps a transport error or HTTP status to the taxonomy. Unknown
// failures are treated as transient.
func Classify(id ID, op string, resp *http.Response, err error) error {
	if err != nil {
		var pe *Error
		if errors.As(err, &pe) {
			return err
		}
		// Timeouts, resets and cancelled calls are all worth another try.
		return &Error{Kind: ErrTransient, Provider: id, Op: op, Err: err}
	}
	if resp == nil || resp.StatusCode < 400 {
		return nil
	}
	return StatusError(id, op, resp.StatusCode, resp.Header.Get("Retry-After"), nil)
}

// StatusError builds an Error from an HTTP status code.
func StatusError(id ID, op string, status int, retryAfter string, cause error) error {
	e := &Error{Provider: id, Op: op, StatusCode: status, Err: cause}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = ErrAuthExpired
	case status == http.StatusBadRequest || status == http.StatusConflict || status == http.StatusUnprocessableEntity:
		e.Kind = ErrValidation
	case status == http.StatusTooManyRequests:
		e.Kind = ErrRateLimited
		e.RetryAfter = parseRetryAfter(retryAfter, time.Now())
	default:
		e.Kind = ErrTransient
	}
	return e
}

// Validation wraps a local payload check failure.
func Validation(id ID, op string, err error) error {
	return &Error{Kind: ErrValidation, Provider: id, Op: op, Err: err}
}

// AuthExpired builds an auth error without an HTTP response (e.g. missing token).
func AuthExpired(id ID, op string, err error) error {
	return &Error{Kind: ErrAuthExpired, Provider: id, Op: op, Err: err}
}

func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

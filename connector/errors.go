package connector

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stephnangue/wearlink/queue"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/tokenstore"
)

var (
	// ErrUnknownVendor is returned when no driver is registered for a vendor.
	ErrUnknownVendor = errors.New("unknown vendor")

	// ErrDriverAlreadyRegistered is returned when a vendor is registered twice.
	ErrDriverAlreadyRegistered = errors.New("driver already registered")

	// ErrUnsupportedResource is returned for resource types or lookups the
	// vendor does not offer.
	ErrUnsupportedResource = errors.New("unsupported resource type")

	// ErrVendorUnavailable marks 5xx, 429 and timeout failures from a vendor.
	ErrVendorUnavailable = errors.New("vendor unavailable")
)

// DefaultRetryAfter is used when a vendor answers 429 without a hint.
const DefaultRetryAfter = 60 * time.Second

// OAuthError means the vendor rejected an authorization, code exchange or
// refresh. It is never retried automatically.
type OAuthError struct {
	Vendor      string
	StatusCode  int
	Code        string
	Description string
}

func (e *OAuthError) Error() string {
	msg := fmt.Sprintf("%s oauth error", e.Vendor)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	return msg
}

// ReauthRequiredError means the grant can no longer be used. The user has to
// authorize again; the state is terminal until a new code exchange.
type ReauthRequiredError struct {
	Vendor string
	UserID string
	Reason string
	Err    error
}

func (e *ReauthRequiredError) Error() string {
	msg := fmt.Sprintf("%s user %s must re-authorize", e.Vendor, e.UserID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *ReauthRequiredError) Unwrap() error {
	return e.Err
}

// VendorError is a failed vendor call. StatusCode is zero for transport
// failures and timeouts.
type VendorError struct {
	Vendor     string
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Err        error
}

func (e *VendorError) Error() string {
	var msg string
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s api returned status %d", e.Vendor, e.StatusCode)
	} else {
		msg = fmt.Sprintf("%s api request failed", e.Vendor)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *VendorError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the call may succeed later.
func (e *VendorError) Retryable() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500 && e.StatusCode != http.StatusNotImplemented:
		return true
	}
	return false
}

func (e *VendorError) Is(target error) bool {
	return target == ErrVendorUnavailable && e.Retryable()
}

// IsRetryable reports whether err is a transient failure the caller may
// retry after RetryAfter(err).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.Retryable()
	}
	return errors.Is(err, ratelimit.ErrRateLimited) ||
		errors.Is(err, tokenstore.ErrStorageUnavailable) ||
		errors.Is(err, queue.ErrQueueUnavailable)
}

// RetryAfter extracts the backoff hint carried by err, or zero.
func RetryAfter(err error) time.Duration {
	var ee *ratelimit.ExceededError
	if errors.As(err, &ee) {
		return ee.RetryAfter
	}
	var ve *VendorError
	if errors.As(err, &ve) {
		return ve.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date.
func parseRetryAfter(h http.Header, now time.Time) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
		return 0
	}
	return DefaultRetryAfter
}

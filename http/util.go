package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-secure-stdlib/parseutil"

	"github.com/stephnangue/wearlink/connector"
	"github.com/stephnangue/wearlink/core"
	"github.com/stephnangue/wearlink/queue"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/tokenstore"
	"github.com/stephnangue/wearlink/webhook"
)

// APIError is the body of every error response:
//
//	{"error": {"code": "rate_limited", "message": "...", "vendor": "whoop", "trace_id": "...", "retry_after": 7}}
type APIError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Vendor     string `json:"vendor,omitempty"`
	TraceID    string `json:"trace_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`

	status int
}

type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// respondError writes an error response with the given status code and message.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeError(w, r, &APIError{Code: code, Message: message, status: status})
}

// respondErr maps err onto a status and error code.
func respondErr(w http.ResponseWriter, r *http.Request, vendor string, err error) {
	apiErr := classify(err)
	apiErr.Vendor = vendor
	writeError(w, r, apiErr)
}

func writeError(w http.ResponseWriter, r *http.Request, apiErr *APIError) {
	if apiErr.TraceID == "" {
		apiErr.TraceID = middleware.GetReqID(r.Context())
	}
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	respondJSON(w, apiErr.status, &ErrorResponse{Error: apiErr})
}

// classify turns a core error into its HTTP form. Internal errors keep
// their detail out of the response.
func classify(err error) *APIError {
	var (
		oauthErr  *connector.OAuthError
		reauthErr *connector.ReauthRequiredError
		vendorErr *connector.VendorError
		limitErr  *ratelimit.ExceededError
		hookErr   *webhook.Error
	)
	switch {
	case errors.As(err, &hookErr):
		status := http.StatusUnauthorized
		if hookErr.Reason == webhook.ReasonMalformedPayload {
			status = http.StatusBadRequest
		}
		return &APIError{Code: "webhook_" + string(hookErr.Reason), Message: err.Error(), status: status}
	case errors.Is(err, core.ErrVendorNotConfigured), errors.Is(err, connector.ErrUnknownVendor):
		return &APIError{Code: "unknown_vendor", Message: err.Error(), status: http.StatusNotFound}
	case errors.Is(err, core.ErrWebhookLogDisabled):
		return &APIError{Code: "webhook_log_disabled", Message: err.Error(), status: http.StatusNotFound}
	case errors.Is(err, core.ErrInvalidRequest):
		return &APIError{Code: "invalid_request", Message: err.Error(), status: http.StatusBadRequest}
	case errors.Is(err, connector.ErrUnsupportedResource):
		return &APIError{Code: "unsupported_resource", Message: err.Error(), status: http.StatusBadRequest}
	case errors.As(err, &reauthErr):
		return &APIError{Code: "reauth_required", Message: err.Error(), status: http.StatusConflict}
	case errors.Is(err, tokenstore.ErrNotFound):
		return &APIError{Code: "token_not_found", Message: err.Error(), status: http.StatusNotFound}
	case errors.As(err, &oauthErr):
		return &APIError{Code: "oauth_error", Message: err.Error(), status: http.StatusBadRequest}
	case errors.As(err, &limitErr), errors.Is(err, ratelimit.ErrRateLimited):
		return &APIError{Code: "rate_limited", Message: err.Error(), RetryAfter: seconds(connector.RetryAfter(err)), status: http.StatusTooManyRequests}
	case errors.As(err, &vendorErr):
		switch {
		case vendorErr.StatusCode == http.StatusTooManyRequests:
			return &APIError{Code: "rate_limited", Message: err.Error(), RetryAfter: seconds(vendorErr.RetryAfter), status: http.StatusTooManyRequests}
		case vendorErr.Retryable():
			return &APIError{Code: "vendor_unavailable", Message: err.Error(), RetryAfter: seconds(vendorErr.RetryAfter), status: http.StatusServiceUnavailable}
		}
		return &APIError{Code: "vendor_error", Message: err.Error(), status: http.StatusBadGateway}
	case errors.Is(err, tokenstore.ErrStorageUnavailable):
		return &APIError{Code: "storage_unavailable", Message: "token storage unavailable", RetryAfter: 1, status: http.StatusServiceUnavailable}
	case errors.Is(err, queue.ErrQueueUnavailable):
		return &APIError{Code: "queue_unavailable", Message: "queue unavailable", RetryAfter: 1, status: http.StatusServiceUnavailable}
	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Code: "timeout", Message: "request timed out", status: http.StatusGatewayTimeout}
	case errors.Is(err, context.Canceled):
		return &APIError{Code: "cancelled", Message: "request cancelled", status: 499}
	}
	return &APIError{Code: "internal_error", Message: "internal error", status: http.StatusInternalServerError}
}

func seconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}

// respondOk writes a successful JSON response with status 200.
func respondOk(w http.ResponseWriter, data any) {
	respondJSON(w, http.StatusOK, data)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// parseTime accepts an RFC 3339 timestamp or a duration ("72h", "3600")
// counted back from now. Empty is the zero time.
func parseTime(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := parseutil.ParseDurationSecond(raw)
	if err != nil {
		return time.Time{}, core.ErrInvalidRequest
	}
	return now.Add(-d), nil
}

func parseInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, core.ErrInvalidRequest
	}
	return n, nil
}

func parseBool(raw string) bool {
	if raw == "" {
		return false
	}
	b, err := parseutil.ParseBool(raw)
	return err == nil && b
}

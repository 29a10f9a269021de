package webhook

import "fmt"

// Reason classifies a rejected delivery. None of them is retryable.
type Reason string

const (
	ReasonMissingHeaders    Reason = "missing_headers"
	ReasonExpired           Reason = "expired"
	ReasonSignatureMismatch Reason = "signature_mismatch"
	ReasonMalformedPayload  Reason = "malformed_payload"
)

// Error is a rejected webhook. errors.Is matches on Reason, so
// errors.Is(err, webhook.ErrExpired) works for any vendor.
type Error struct {
	Reason Reason
	Vendor string
	Err    error
}

var (
	ErrMissingHeaders    = &Error{Reason: ReasonMissingHeaders}
	ErrExpired           = &Error{Reason: ReasonExpired}
	ErrSignatureMismatch = &Error{Reason: ReasonSignatureMismatch}
	ErrMalformedPayload  = &Error{Reason: ReasonMalformedPayload}
)

func (e *Error) Error() string {
	msg := "webhook rejected: " + string(e.Reason)
	if e.Vendor != "" {
		msg = fmt.Sprintf("%s webhook rejected: %s", e.Vendor, e.Reason)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Reason == e.Reason
}

func reject(vendor string, reason Reason, err error) *Error {
	return &Error{Reason: reason, Vendor: vendor, Err: err}
}

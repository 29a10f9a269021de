package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// ResponseError is an error reply from the server.
type ResponseError struct {
	StatusCode int
	Code       string
	Message    string
	Vendor     string
	TraceID    string
	RetryAfter time.Duration
}

func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("Error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	if e.TraceID != "" {
		msg += " [trace " + e.TraceID + "]"
	}
	return msg
}

// IsCode reports whether err is a ResponseError carrying code.
func IsCode(err error, code string) bool {
	var re *ResponseError
	return errors.As(err, &re) && re.Code == code
}

func parseError(resp *http.Response) error {
	re := &ResponseError{StatusCode: resp.StatusCode, Code: "unknown", Message: http.StatusText(resp.StatusCode)}
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			re.RetryAfter = time.Duration(secs) * time.Second
		}
	}

	var body struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Vendor  string `json:"vendor"`
			TraceID string `json:"trace_id"`
		} `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil || json.Unmarshal(raw, &body) != nil || body.Error == nil {
		return re
	}
	re.Code = body.Error.Code
	re.Message = body.Error.Message
	re.Vendor = body.Error.Vendor
	re.TraceID = body.Error.TraceID
	return re
}

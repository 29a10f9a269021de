package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/tokenstore"
)

// maxResponseSize caps vendor response bodies.
const maxResponseSize = 10 << 20

func newRetryClient(s *Settings, log logger.Logger) *retryablehttp.Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = s.RequestTimeout
	return &retryablehttp.Client{
		HTTPClient:   hc,
		Logger:       logger.NewHCLogAdapter(log),
		RetryWaitMin: 200 * time.Millisecond,
		RetryWaitMax: 2 * time.Second,
		RetryMax:     s.MaxRetries,
		CheckRetry:   vendorRetryPolicy,
		Backoff:      retryablehttp.DefaultBackoff,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
}

// vendorRetryPolicy retries transport errors and 5xx other than 501. A 429
// is never retried inline: the vendor tier is paused instead.
func vendorRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// get performs an authenticated GET against the vendor API and maps the
// response onto the error taxonomy.
func (c *Connector) get(ctx context.Context, rec *tokenstore.TokenRecord, path string, query url.Values) ([]byte, error) {
	u := c.settings.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	tokenType := rec.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	req.Header.Set("Authorization", tokenType+" "+rec.AccessToken)
	req.Header.Set("Accept", "application/json")

	start := c.now()
	resp, err := c.http.Do(req)
	telemetry.MeasureSince(telemetry.KeyVendorRequest, start, c.vendor)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &VendorError{Vendor: c.vendor, Message: "GET " + path, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &VendorError{Vendor: c.vendor, StatusCode: resp.StatusCode, Message: "failed to read body", Err: err}
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return body, nil

	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		if _, err := c.markReauth(ctx, rec.UserID, fmt.Sprintf("vendor returned %d", code), nil, func(r *tokenstore.TokenRecord) bool {
			return r.AccessToken == rec.AccessToken
		}); err != nil {
			return nil, err
		}
		return nil, &VendorError{Vendor: c.vendor, Message: "access token was refreshed during the call"}

	case code == http.StatusTooManyRequests:
		after := parseRetryAfter(resp.Header, c.now())
		c.limiter.Pause(c.vendor, c.now().Add(after))
		c.logger.Warn("vendor rate limit hit",
			logger.User(rec.UserID),
			logger.String("path", path),
			logger.Duration("retry_after", after))
		return nil, &VendorError{Vendor: c.vendor, StatusCode: code, RetryAfter: after, Message: "rate limited"}

	default:
		ve := &VendorError{Vendor: c.vendor, StatusCode: code, Message: snippet(body)}
		if ve.Retryable() && resp.Header.Get("Retry-After") != "" {
			ve.RetryAfter = parseRetryAfter(resp.Header, c.now())
		}
		return nil, ve
	}
}

// revokeAtVendor posts an RFC 7009 revocation.
func (c *Connector) revokeAtVendor(ctx context.Context, token, hint string) error {
	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
	}
	if c.settings.AuthStyle != oauth2.AuthStyleInHeader {
		form.Set("client_id", c.settings.ClientID)
		form.Set("client_secret", c.settings.ClientSecret)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, c.settings.RevokeURL, []byte(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.settings.AuthStyle == oauth2.AuthStyleInHeader {
		req.SetBasicAuth(url.QueryEscape(c.settings.ClientID), url.QueryEscape(c.settings.ClientSecret))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &VendorError{Vendor: c.vendor, Message: "revoke", Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return &VendorError{Vendor: c.vendor, StatusCode: resp.StatusCode, Message: snippet(body)}
	}
	return nil
}

func snippet(body []byte) string {
	const max = 256
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

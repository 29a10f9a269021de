package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type Health struct {
	Status  string    `json:"status"`
	Vendors []string  `json:"vendors"`
	Time    time.Time `json:"time"`
}

type Authorization struct {
	Vendor           string `json:"vendor"`
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// TokenSummary is the secret-free view of a stored grant.
type TokenSummary struct {
	Vendor          string    `json:"vendor"`
	UserID          string    `json:"user_id"`
	VendorUserID    string    `json:"vendor_user_id,omitempty"`
	Status          string    `json:"status"`
	Scopes          []string  `json:"scopes,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastWebhookAt   time.Time `json:"last_webhook_at,omitzero"`
	LastPullAt      time.Time `json:"last_pull_at,omitzero"`
}

type TokenPage struct {
	Items []TokenSummary `json:"items"`
	Next  string         `json:"next,omitempty"`
}

type ListTokensInput struct {
	Vendor string
	Status string
	Limit  int
	After  string
}

// PullInput bounds a pull. Since and Until take RFC 3339 timestamps or
// durations back from now; empty lets the server pick the window.
type PullInput struct {
	ResourceTypes []string `json:"resource_types,omitempty"`
	Since         string   `json:"since,omitempty"`
	Until         string   `json:"until,omitempty"`
	Limit         int      `json:"limit,omitempty"`
}

type PullResult struct {
	Vendor         string                       `json:"vendor"`
	UserID         string                       `json:"user_id"`
	PullType       string                       `json:"pull_type"`
	Since          time.Time                    `json:"since"`
	Until          time.Time                    `json:"until"`
	Records        map[string][]json.RawMessage `json:"records"`
	Errors         map[string]string            `json:"errors,omitempty"`
	Total          int                          `json:"total"`
	Truncated      bool                         `json:"truncated,omitempty"`
	CursorAdvanced bool                         `json:"cursor_advanced"`
}

type BackfillReceipt struct {
	MessageID string    `json:"message_id"`
	TraceID   string    `json:"trace_id"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	Outcome   string    `json:"outcome"`
}

type TierStatus struct {
	Capacity        int     `json:"capacity"`
	Remaining       float64 `json:"remaining"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

type RateLimitStatus struct {
	Vendor      string      `json:"vendor"`
	UserID      string      `json:"user_id,omitempty"`
	Limited     bool        `json:"limited"`
	PausedUntil time.Time   `json:"paused_until,omitzero"`
	VendorTier  *TierStatus `json:"vendor_tier,omitempty"`
	UserTier    *TierStatus `json:"user_tier,omitempty"`
}

type SyncCursor struct {
	Vendor         string    `json:"vendor"`
	UserID         string    `json:"user_id"`
	LastSyncAt     time.Time `json:"last_sync_at"`
	RecordsSynced  int64     `json:"records_synced"`
	LastResourceID string    `json:"last_resource_id,omitempty"`
}

// WebhookRecord is one recorded webhook delivery.
type WebhookRecord struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Vendor     string    `json:"vendor"`
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	ResourceID string    `json:"resource_id,omitempty"`
	TraceID    string    `json:"trace_id"`
	MessageID  string    `json:"message_id"`
	Outcome    string    `json:"outcome"`
}

type RecentWebhooksInput struct {
	Vendor string
	Type   string
	Limit  int
}

func userPath(vendor, userID string) string {
	return "/v1/" + url.PathEscape(vendor) + "/users/" + url.PathEscape(userID)
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/v1/health", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Authorize asks the server for a consent URL. redirectURI and state may
// be empty.
func (c *Client) Authorize(ctx context.Context, vendor, redirectURI, state string) (*Authorization, error) {
	params := url.Values{}
	if redirectURI != "" {
		params.Set("redirect_uri", redirectURI)
	}
	if state != "" {
		params.Set("state", state)
	}
	var out Authorization
	if err := c.do(ctx, http.MethodGet, "/v1/"+url.PathEscape(vendor)+"/oauth/authorize", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompleteAuthorization exchanges an authorization code for userID.
func (c *Client) CompleteAuthorization(ctx context.Context, vendor, userID, code, redirectURI string) (*TokenSummary, error) {
	params := url.Values{"user_id": {userID}, "code": {code}}
	if redirectURI != "" {
		params.Set("redirect_uri", redirectURI)
	}
	var out struct {
		Token TokenSummary `json:"token"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/"+url.PathEscape(vendor)+"/oauth/callback", params, nil, &out); err != nil {
		return nil, err
	}
	return &out.Token, nil
}

func (c *Client) ListTokens(ctx context.Context, in ListTokensInput) (*TokenPage, error) {
	params := url.Values{}
	if in.Vendor != "" {
		params.Set("vendor", in.Vendor)
	}
	if in.Status != "" {
		params.Set("status", in.Status)
	}
	if in.Limit > 0 {
		params.Set("limit", strconv.Itoa(in.Limit))
	}
	if in.After != "" {
		params.Set("after", in.After)
	}
	var out TokenPage
	if err := c.do(ctx, http.MethodGet, "/v1/tokens", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetToken(ctx context.Context, vendor, userID string) (*TokenSummary, error) {
	var out TokenSummary
	if err := c.do(ctx, http.MethodGet, userPath(vendor, userID)+"/token", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RefreshToken(ctx context.Context, vendor, userID string, force bool) (*TokenSummary, error) {
	params := url.Values{}
	if force {
		params.Set("force", "true")
	}
	var out TokenSummary
	if err := c.do(ctx, http.MethodPost, userPath(vendor, userID)+"/token/refresh", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RevokeToken revokes the grant. purge also deletes the record and its
// sync cursor.
func (c *Client) RevokeToken(ctx context.Context, vendor, userID string, purge bool) error {
	params := url.Values{}
	if purge {
		params.Set("purge", "true")
	}
	return c.do(ctx, http.MethodDelete, userPath(vendor, userID)+"/token", params, nil, nil)
}

func (c *Client) Pull(ctx context.Context, vendor, userID string, in *PullInput) (*PullResult, error) {
	if in == nil {
		in = &PullInput{}
	}
	var out PullResult
	if err := c.do(ctx, http.MethodPost, userPath(vendor, userID)+"/pull", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Backfill(ctx context.Context, vendor, userID, since, until string) (*BackfillReceipt, error) {
	body := map[string]string{}
	if since != "" {
		body["since"] = since
	}
	if until != "" {
		body["until"] = until
	}
	var out BackfillReceipt
	if err := c.do(ctx, http.MethodPost, userPath(vendor, userID)+"/backfill", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchResource returns the vendor payload for one resource, or the
// recent collection when resourceID is empty.
func (c *Client) FetchResource(ctx context.Context, vendor, userID, resourceType, resourceID string) (json.RawMessage, error) {
	path := userPath(vendor, userID) + "/data/" + url.PathEscape(resourceType)
	if resourceID != "" {
		path += "/" + url.PathEscape(resourceID)
	}
	var out struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) RateLimitStatus(ctx context.Context, vendor, userID string) (*RateLimitStatus, error) {
	params := url.Values{}
	if userID != "" {
		params.Set("user_id", userID)
	}
	var out RateLimitStatus
	if err := c.do(ctx, http.MethodGet, "/v1/"+url.PathEscape(vendor)+"/ratelimit", params, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ResetRateLimit(ctx context.Context, vendor, userID string) error {
	params := url.Values{}
	if userID != "" {
		params.Set("user_id", userID)
	}
	return c.do(ctx, http.MethodDelete, "/v1/"+url.PathEscape(vendor)+"/ratelimit", params, nil, nil)
}

func (c *Client) SyncCursors(ctx context.Context, vendor string) ([]SyncCursor, error) {
	params := url.Values{}
	if vendor != "" {
		params.Set("vendor", vendor)
	}
	var out struct {
		Cursors []SyncCursor `json:"cursors"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/sync", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Cursors, nil
}

// RecentWebhooks lists the newest recorded deliveries, oldest first. The
// server answers 404 webhook_log_disabled when recording is off.
func (c *Client) RecentWebhooks(ctx context.Context, in RecentWebhooksInput) ([]WebhookRecord, error) {
	params := url.Values{}
	if in.Vendor != "" {
		params.Set("vendor", in.Vendor)
	}
	if in.Type != "" {
		params.Set("type", in.Type)
	}
	if in.Limit > 0 {
		params.Set("limit", strconv.Itoa(in.Limit))
	}
	var out struct {
		Webhooks []WebhookRecord `json:"webhooks"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/webhooks/recent", params, nil, &out); err != nil {
		return nil, err
	}
	return out.Webhooks, nil
}

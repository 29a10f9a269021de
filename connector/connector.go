package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/tokenstore"
	"github.com/stephnangue/wearlink/webhook"
)

const (
	// maxSaveAttempts bounds the conditioned-write loop after a refresh.
	maxSaveAttempts = 8

	// revokeTimeout bounds the best-effort vendor revocation.
	revokeTimeout = 10 * time.Second

	defaultFetchWindow = 24 * time.Hour
)

// Connector drives the OAuth lifecycle and data access for one vendor.
// All methods are safe for concurrent use.
type Connector struct {
	vendor   string
	driver   Driver
	settings *Settings

	store    *tokenstore.Store
	limiter  *ratelimit.Limiter
	verifier *webhook.Verifier

	http        *retryablehttp.Client
	tokenClient *http.Client

	refreshes singleflight.Group

	logger logger.Logger
	now    func() time.Time
}

// New builds a connector for driver using the vendor block and registers
// the vendor's rate-limit policy with limiter.
func New(driver Driver, block *config.VendorBlock, store *tokenstore.Store, limiter *ratelimit.Limiter, log logger.Logger) (*Connector, error) {
	if store == nil || limiter == nil {
		return nil, errors.New("token store and rate limiter are required")
	}
	settings, err := Resolve(driver, block)
	if err != nil {
		return nil, err
	}
	if err := limiter.Configure(driver.Vendor(), settings.RateLimit); err != nil {
		return nil, fmt.Errorf("%s: %w", driver.Vendor(), err)
	}

	log = log.WithSubsystem("connector").WithFields(logger.Vendor(driver.Vendor()))
	c := &Connector{
		vendor:      driver.Vendor(),
		driver:      driver,
		settings:    settings,
		store:       store,
		limiter:     limiter,
		http:        newRetryClient(settings, log),
		tokenClient: newTokenClient(settings),
		logger:      log,
		now:         time.Now,
	}
	c.verifier = webhook.NewVerifier(c.vendor, []byte(settings.WebhookSecret), driver.WebhookScheme(), settings.ReplayWindow, driver.ParseEvent)

	log.Debug("connector configured",
		logger.String("base_url", settings.BaseURL),
		logger.Any("scopes", settings.Scopes),
		logger.Int("vendor_capacity", settings.RateLimit.Vendor.Capacity),
		logger.Float64("vendor_refill_per_second", settings.RateLimit.Vendor.RefillPerSecond),
		logger.Duration("refresh_margin", settings.RefreshMargin))
	if settings.WebhookSecret == "" {
		log.Warn("no webhook secret configured, every delivery will be rejected")
	}
	return c, nil
}

func (c *Connector) Vendor() string {
	return c.vendor
}

func (c *Connector) Driver() Driver {
	return c.driver
}

func (c *Connector) Settings() Settings {
	return *c.settings
}

// BuildAuthorizationURL returns the vendor consent URL. It has no side
// effects.
func (c *Connector) BuildAuthorizationURL(redirectURI, state string) string {
	var opts []oauth2.AuthCodeOption
	for k, v := range c.settings.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return c.oauthConfig(redirectURI).AuthCodeURL(state, opts...)
}

// ExchangeCode trades an authorization code for tokens and stores an Active
// record, superseding any previous grant for the user. When the vendor
// rejects the code no record is written.
func (c *Connector) ExchangeCode(ctx context.Context, userID, code, redirectURI string) (*tokenstore.TokenRecord, error) {
	if userID == "" || code == "" {
		return nil, errors.New("user id and code are required")
	}
	tok, err := c.exchange(ctx, code, redirectURI)
	if err != nil {
		c.logger.Warn("code exchange failed", logger.User(userID), logger.Err(err))
		return nil, err
	}

	now := c.now()
	rec := &tokenstore.TokenRecord{
		Vendor: c.vendor,
		UserID: userID,
		Status: tokenstore.StatusActive,
	}
	rec.AccessToken, rec.RefreshToken, rec.TokenType, rec.ExpiresAt, rec.Scopes = applyToken(tok, now, c.settings.Scopes)
	rec.VendorUserID = tokenUserID(tok)
	if rec.VendorUserID == "" {
		rec.VendorUserID = c.resolveProfile(ctx, rec)
	}

	saved, err := c.store.Replace(ctx, rec)
	if err != nil {
		return nil, err
	}
	c.logger.Info("user authorized",
		logger.User(userID),
		logger.String("vendor_user_id", saved.VendorUserID),
		logger.Time("expires_at", saved.ExpiresAt),
		logger.Secret("access_token", saved.AccessToken))
	return saved, nil
}

// resolveProfile looks up the vendor's user id. Failure only loses the id.
func (c *Connector) resolveProfile(ctx context.Context, rec *tokenstore.TokenRecord) string {
	pd, ok := c.driver.(ProfileDriver)
	if !ok || pd.ProfilePath() == "" {
		return ""
	}
	body, err := c.get(ctx, rec, pd.ProfilePath(), nil)
	if err != nil {
		c.logger.Debug("profile lookup failed", logger.User(rec.UserID), logger.Err(err))
		return ""
	}
	id, err := pd.ParseProfile(body)
	if err != nil {
		c.logger.Debug("profile parse failed", logger.User(rec.UserID), logger.Err(err))
		return ""
	}
	return id
}

// RefreshIfNeeded returns a record whose access token is valid for at least
// the refresh margin, refreshing it when necessary. Concurrent callers for
// the same user share one vendor refresh.
func (c *Connector) RefreshIfNeeded(ctx context.Context, userID string) (*tokenstore.TokenRecord, error) {
	rec, err := c.store.Get(ctx, c.vendor, userID)
	if err != nil {
		return nil, err
	}
	if err := c.usable(rec); err != nil {
		return nil, err
	}
	if !rec.ExpiresWithin(c.now(), c.settings.RefreshMargin) {
		return rec, nil
	}
	return c.refreshShared(ctx, userID, false)
}

// ForceRefresh refreshes the access token even when it is still valid.
func (c *Connector) ForceRefresh(ctx context.Context, userID string) (*tokenstore.TokenRecord, error) {
	return c.refreshShared(ctx, userID, true)
}

func (c *Connector) refreshShared(ctx context.Context, userID string, force bool) (*tokenstore.TokenRecord, error) {
	// Lazy and forced refreshes share one flight per user since two vendor
	// calls would spend the same single-use refresh token. A joining caller
	// takes the flight's result whichever kind started it. The flight
	// outlives any single caller so a cancelled caller cannot fail the others.
	ch := c.refreshes.DoChan(userID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*c.settings.RequestTimeout)
		defer cancel()
		return c.refresh(rctx, userID, force)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			telemetry.Incr(telemetry.KeyRefreshShared, c.vendor)
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tokenstore.TokenRecord).Clone(), nil
	}
}

// refresh performs at most one vendor refresh and stores the result with a
// conditioned write. A lost write race is resolved by re-reading: if the
// winner already holds a fresh token it is returned as is.
func (c *Connector) refresh(ctx context.Context, userID string, force bool) (*tokenstore.TokenRecord, error) {
	rec, err := c.store.Get(ctx, c.vendor, userID)
	if err != nil {
		return nil, err
	}
	if err := c.usable(rec); err != nil {
		return nil, err
	}
	if !force && !rec.ExpiresWithin(c.now(), c.settings.RefreshMargin) {
		return rec, nil
	}
	if rec.RefreshToken == "" {
		if force && !rec.ExpiresWithin(c.now(), 0) {
			return nil, &OAuthError{Vendor: c.vendor, Code: "invalid_request", Description: "grant has no refresh token"}
		}
		current, err := c.markReauth(ctx, userID, "no refresh token", nil, func(r *tokenstore.TokenRecord) bool {
			return r.RefreshToken == ""
		})
		if err != nil {
			return nil, err
		}
		return current, nil
	}

	used := rec.RefreshToken
	tok, err := c.refreshToken(ctx, used)
	if err != nil {
		telemetry.Incr(telemetry.KeyRefreshFailed, c.vendor)
		var oe *OAuthError
		if errors.As(err, &oe) {
			return c.refreshRejected(ctx, userID, used, oe)
		}
		c.logger.Warn("token refresh failed", logger.User(userID), logger.Err(err))
		return nil, err
	}
	telemetry.Incr(telemetry.KeyRefresh, c.vendor)

	access, refresh, tokenType, expiresAt, scopes := applyToken(tok, c.now(), rec.Scopes)
	if refresh == "" {
		refresh = used
	}

	current := rec
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		next := current.Clone()
		next.AccessToken = access
		next.RefreshToken = refresh
		next.TokenType = tokenType
		next.ExpiresAt = expiresAt
		next.Scopes = scopes
		next.Status = tokenstore.StatusActive

		saved, err := c.store.Save(ctx, next)
		if err == nil {
			c.logger.Info("token refreshed",
				logger.User(userID),
				logger.Time("expires_at", saved.ExpiresAt),
				logger.Secret("access_token", saved.AccessToken))
			return saved, nil
		}
		if !errors.Is(err, tokenstore.ErrConflict) {
			return nil, err
		}

		current, err = c.store.Get(ctx, c.vendor, userID)
		if err != nil {
			return nil, err
		}
		// A concurrent refresh that was refused the same token may have
		// given the grant up; the pair obtained here is still valid.
		if current.Status == tokenstore.StatusReauthRequired && current.RefreshToken == used {
			c.logger.Debug("restoring grant marked for re-authorization by a lost refresh race", logger.User(userID))
			continue
		}
		if err := c.usable(current); err != nil {
			return nil, err
		}
		if current.AccessToken != rec.AccessToken && !current.ExpiresWithin(c.now(), c.settings.RefreshMargin) {
			c.logger.Debug("refresh race lost, using stored token", logger.User(userID))
			return current, nil
		}
	}
	return nil, fmt.Errorf("%w: refresh for %s could not be stored", tokenstore.ErrConflict, userID)
}

// refreshRejected handles a refresh the vendor refused. Another caller may
// have rotated the refresh token first; the grant is only given up while the
// stored record still holds the rejected token.
func (c *Connector) refreshRejected(ctx context.Context, userID, used string, cause *OAuthError) (*tokenstore.TokenRecord, error) {
	current, err := c.markReauth(ctx, userID, cause.Error(), cause, func(r *tokenstore.TokenRecord) bool {
		return r.RefreshToken == used
	})
	if err != nil {
		return nil, err
	}
	if !current.ExpiresWithin(c.now(), c.settings.RefreshMargin) {
		c.logger.Debug("refresh token rotated elsewhere, using stored token", logger.User(userID))
		return current, nil
	}
	return nil, cause
}

// markReauth moves the record to ReauthRequired while held reports that it
// still carries the credential that failed, and returns the matching error.
// When the credential was replaced in the meantime the current record is
// returned instead. A revoked record stays revoked.
func (c *Connector) markReauth(ctx context.Context, userID, reason string, cause error, held func(*tokenstore.TokenRecord) bool) (*tokenstore.TokenRecord, error) {
	rec, err := c.store.SetStatusIf(context.WithoutCancel(ctx), c.vendor, userID, tokenstore.StatusReauthRequired, held)
	switch {
	case errors.Is(err, tokenstore.ErrRevoked):
		cause = tokenstore.ErrRevoked
	case errors.Is(err, tokenstore.ErrNotFound):
	case err != nil:
		c.logger.Error("failed to record reauthorization requirement", logger.User(userID), logger.Err(err))
	case rec.Status != tokenstore.StatusReauthRequired:
		return rec, nil
	}
	c.logger.Warn("user must re-authorize", logger.User(userID), logger.String("reason", reason))
	return nil, &ReauthRequiredError{Vendor: c.vendor, UserID: userID, Reason: reason, Err: cause}
}

// usable rejects terminal records.
func (c *Connector) usable(rec *tokenstore.TokenRecord) error {
	switch rec.Status {
	case tokenstore.StatusRevoked:
		return &ReauthRequiredError{Vendor: c.vendor, UserID: rec.UserID, Reason: "token revoked", Err: tokenstore.ErrRevoked}
	case tokenstore.StatusReauthRequired:
		return &ReauthRequiredError{Vendor: c.vendor, UserID: rec.UserID, Reason: "authorization no longer valid"}
	}
	return nil
}

// Revoke revokes the grant at the vendor when possible, then locally. The
// local revocation always happens; a vendor failure is only logged.
// Revoking twice is not an error.
func (c *Connector) Revoke(ctx context.Context, userID string) error {
	rec, err := c.store.Get(ctx, c.vendor, userID)
	if err != nil {
		return err
	}
	if rec.Status != tokenstore.StatusRevoked && c.settings.RevokeURL != "" {
		token, hint := rec.RefreshToken, "refresh_token"
		if token == "" {
			token, hint = rec.AccessToken, "access_token"
		}
		if token != "" {
			vctx, cancel := context.WithTimeout(ctx, revokeTimeout)
			if err := c.revokeAtVendor(vctx, token, hint); err != nil {
				c.logger.Warn("vendor revocation failed, revoking locally",
					logger.User(userID), logger.Err(err))
			}
			cancel()
		}
	}
	return c.store.Revoke(context.WithoutCancel(ctx), c.vendor, userID)
}

// FetchData fetches one resource, or the most recent page of a resource
// collection when resourceID is empty.
func (c *Connector) FetchData(ctx context.Context, userID, resourceType, resourceID string) (json.RawMessage, error) {
	if !supports(c.driver, resourceType) {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedResource, c.vendor, resourceType)
	}
	if err := c.admit(userID); err != nil {
		return nil, err
	}
	rec, err := c.RefreshIfNeeded(ctx, userID)
	if err != nil {
		return nil, err
	}

	var body []byte
	if resourceID != "" {
		path, err := c.driver.ResourcePath(resourceType, resourceID)
		if err != nil {
			return nil, err
		}
		body, err = c.get(ctx, rec, path, nil)
		if err != nil {
			return nil, err
		}
	} else {
		now := c.now()
		req, err := c.driver.CollectionRequest(resourceType, Query{
			Since:    now.Add(-defaultFetchWindow),
			Until:    now,
			PageSize: c.settings.PageSize,
		})
		if err != nil {
			return nil, err
		}
		body, err = c.get(ctx, rec, req.Path, req.Query)
		if err != nil {
			return nil, err
		}
	}
	if !json.Valid(body) {
		return nil, &VendorError{Vendor: c.vendor, StatusCode: http.StatusOK, Message: "response is not JSON"}
	}
	return body, nil
}

// CollectionQuery bounds a paginated fetch. Limit zero means no limit.
type CollectionQuery struct {
	Since time.Time
	Until time.Time
	Limit int
}

// FetchCollection pages through a collection. Each page is admitted by the
// rate limiter and cancellation is checked between pages. On error the
// records fetched so far are returned with it.
func (c *Connector) FetchCollection(ctx context.Context, userID, resourceType string, q CollectionQuery) ([]Record, error) {
	if !supports(c.driver, resourceType) {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedResource, c.vendor, resourceType)
	}
	if q.Until.IsZero() {
		q.Until = c.now()
	}
	if !q.Since.IsZero() && !q.Since.Before(q.Until) {
		return nil, errors.New("since must be before until")
	}

	var (
		records []Record
		token   string
	)
	for page := 0; ; page++ {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		if err := c.admit(userID); err != nil {
			return records, err
		}
		rec, err := c.RefreshIfNeeded(ctx, userID)
		if err != nil {
			return records, err
		}

		pageSize := c.settings.PageSize
		if q.Limit > 0 && q.Limit-len(records) < pageSize {
			pageSize = q.Limit - len(records)
		}
		req, err := c.driver.CollectionRequest(resourceType, Query{
			Since:     q.Since,
			Until:     q.Until,
			PageSize:  pageSize,
			PageToken: token,
		})
		if err != nil {
			return records, err
		}
		body, err := c.get(ctx, rec, req.Path, req.Query)
		if err != nil {
			return records, err
		}
		p, err := c.driver.ParseCollection(resourceType, body)
		if err != nil {
			return records, &VendorError{Vendor: c.vendor, StatusCode: http.StatusOK, Message: "unreadable collection page", Err: err}
		}
		for i := range p.Records {
			p.Records[i].Vendor = c.vendor
			p.Records[i].UserID = userID
			p.Records[i].ResourceType = resourceType
		}
		records = append(records, p.Records...)
		telemetry.Add(telemetry.KeyPullRecords, c.vendor, float32(len(p.Records)), telemetry.Label("resource", resourceType))

		next := p.NextToken
		if next == "" {
			next = req.Next
		}
		if next == "" || next == token || (q.Limit > 0 && len(records) >= q.Limit) {
			break
		}
		token = next
		c.logger.Trace("fetching next page",
			logger.User(userID),
			logger.String("resource", resourceType),
			logger.Int("page", page+1))
	}
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// VerifyWebhook authenticates and parses a vendor delivery.
func (c *Connector) VerifyWebhook(headers http.Header, rawBody []byte) (*webhook.Event, error) {
	return c.verifier.Verify(headers, rawBody)
}

func (c *Connector) admit(userID string) error {
	return c.limiter.Admit(c.vendor, userID)
}

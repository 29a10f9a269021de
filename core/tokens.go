package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/queue"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/tokenstore"
)

// maxBackfillWindow bounds how much history one backfill job may request.
const maxBackfillWindow = 365 * 24 * time.Hour

// ListTokens pages through stored grants without their secrets.
func (c *Core) ListTokens(ctx context.Context, opts tokenstore.ScanOptions) (*tokenstore.ScanPage, error) {
	if opts.Vendor != "" {
		if _, err := c.Connector(opts.Vendor); err != nil {
			return nil, err
		}
	}
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, invalid("unknown status %q", opts.Status)
	}
	return c.store.Scan(ctx, opts)
}

// GetToken returns one grant without its secrets.
func (c *Core) GetToken(ctx context.Context, vendor, userID string) (*tokenstore.Summary, error) {
	if _, err := c.Connector(vendor); err != nil {
		return nil, err
	}
	rec, err := c.store.Get(ctx, vendor, userID, tokenstore.Cached())
	if err != nil {
		return nil, err
	}
	sum := rec.Summary(c.now())
	return &sum, nil
}

// RefreshToken refreshes a grant when it is close to expiry, or always when
// force is set.
func (c *Core) RefreshToken(ctx context.Context, vendor, userID string, force bool) (*tokenstore.Summary, error) {
	conn, err := c.Connector(vendor)
	if err != nil {
		return nil, err
	}
	var rec *tokenstore.TokenRecord
	if force {
		rec, err = conn.ForceRefresh(ctx, userID)
	} else {
		rec, err = conn.RefreshIfNeeded(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	sum := rec.Summary(c.now())
	return &sum, nil
}

// RevokeToken revokes a grant locally and, best effort, at the vendor.
func (c *Core) RevokeToken(ctx context.Context, vendor, userID string) error {
	conn, err := c.Connector(vendor)
	if err != nil {
		return err
	}
	if err := conn.Revoke(ctx, userID); err != nil {
		return err
	}
	c.logger.Info("token revoked", logger.Vendor(vendor), logger.User(userID))
	return nil
}

// DeleteToken removes a grant and its sync cursor for good. A grant that
// was never revoked is revoked first so the vendor side is cleaned up too.
func (c *Core) DeleteToken(ctx context.Context, vendor, userID string) error {
	conn, err := c.Connector(vendor)
	if err != nil {
		return err
	}
	if err := conn.Revoke(ctx, userID); err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
		return err
	}
	if err := c.store.Delete(ctx, vendor, userID); err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
		return err
	}
	if err := c.store.ResetCursor(ctx, vendor, userID); err != nil {
		return err
	}
	c.limiter.Reset(vendor, userID)
	c.logger.Info("token deleted", logger.Vendor(vendor), logger.User(userID))
	return nil
}

// FetchResource reads one resource, or the most recent collection page
// when resourceID is empty.
func (c *Core) FetchResource(ctx context.Context, vendor, userID, resourceType, resourceID string) (json.RawMessage, error) {
	conn, err := c.Connector(vendor)
	if err != nil {
		return nil, err
	}
	if userID == "" || resourceType == "" {
		return nil, invalid("user_id and resource_type are required")
	}
	return conn.FetchData(ctx, userID, resourceType, resourceID)
}

// BackfillReceipt describes a queued historical import.
type BackfillReceipt struct {
	MessageID string        `json:"message_id"`
	TraceID   string        `json:"trace_id"`
	Since     time.Time     `json:"since"`
	Until     time.Time     `json:"until"`
	Outcome   queue.Outcome `json:"outcome"`
}

// Backfill queues a job asking a worker to import the user's history
// between since and until. Until defaults to now and since to the initial
// sync window before it.
func (c *Core) Backfill(ctx context.Context, vendor, userID string, since, until time.Time) (*BackfillReceipt, error) {
	if _, err := c.Connector(vendor); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, invalid("user_id is required")
	}
	rec, err := c.store.Get(ctx, vendor, userID)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		return nil, invalid("grant for %s is %s", userID, rec.Status)
	}
	if until.IsZero() {
		until = c.now()
	}
	if since.IsZero() {
		since = until.Add(-initialSyncWindow)
	}
	if until.Sub(since) > maxBackfillWindow {
		return nil, invalid("backfill window exceeds %s", maxBackfillWindow)
	}
	msg, outcome, err := c.dispatcher.EnqueueBackfill(ctx, vendor, userID, since, until)
	if err != nil {
		return nil, invalid("%s", err)
	}
	c.logger.Info("backfill requested",
		logger.Vendor(vendor),
		logger.User(userID),
		logger.TraceID(msg.TraceID),
		logger.String("outcome", string(outcome)))
	return &BackfillReceipt{
		MessageID: msg.ID,
		TraceID:   msg.TraceID,
		Since:     since.UTC(),
		Until:     until.UTC(),
		Outcome:   outcome,
	}, nil
}

// RateLimitStatus reports the remaining budget of the vendor and, when
// userID is set, of the user.
func (c *Core) RateLimitStatus(vendor, userID string) (*ratelimit.Status, error) {
	if _, err := c.Connector(vendor); err != nil {
		return nil, err
	}
	st := c.limiter.Status(vendor, userID)
	return &st, nil
}

// ResetRateLimit refills every bucket of the vendor and lifts a pause, or
// refills only the user's bucket when userID is set.
func (c *Core) ResetRateLimit(vendor, userID string) error {
	if _, err := c.Connector(vendor); err != nil {
		return err
	}
	c.limiter.Reset(vendor, userID)
	c.logger.Info("rate limit reset", logger.Vendor(vendor), logger.User(userID))
	return nil
}

// SyncCursors lists the sync cursors of a vendor, or of every vendor.
func (c *Core) SyncCursors(ctx context.Context, vendor string) ([]*tokenstore.SyncCursor, error) {
	if vendor != "" {
		if _, err := c.Connector(vendor); err != nil {
			return nil, err
		}
	}
	return c.store.ListCursors(ctx, vendor)
}

package core

import (
	"context"
	"errors"
	"net/http"

	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/queue"
	"github.com/stephnangue/wearlink/tokenstore"
	"github.com/stephnangue/wearlink/webhook"
)

// WebhookReceipt is what an accepted delivery produced. Outcome is never
// an error: the vendor is acknowledged once the signature checks out.
type WebhookReceipt struct {
	Event     *webhook.Event `json:"event"`
	MessageID string         `json:"message_id"`
	Outcome   queue.Outcome  `json:"outcome"`
}

// HandleWebhook verifies a raw delivery and hands it to the dispatcher.
// Only verification failures are returned.
func (c *Core) HandleWebhook(ctx context.Context, vendor string, headers http.Header, rawBody []byte) (*WebhookReceipt, error) {
	conn, err := c.Connector(vendor)
	if err != nil {
		return nil, err
	}

	ev, err := conn.VerifyWebhook(headers, rawBody)
	if err != nil {
		reason := "unknown"
		var werr *webhook.Error
		if errors.As(err, &werr) {
			reason = string(werr.Reason)
		}
		telemetry.Incr(telemetry.KeyWebhookRejected, vendor, telemetry.Label("reason", reason))
		c.logger.Warn("webhook rejected",
			logger.SecurityEvent(),
			logger.Vendor(vendor),
			logger.String("reason", reason),
			logger.Int("body_bytes", len(rawBody)),
			logger.Err(err))
		return nil, err
	}
	telemetry.Incr(telemetry.KeyWebhookAccepted, vendor, telemetry.Label("event_type", ev.EventType))

	msg := queue.FromEvent(ev)
	outcome := c.dispatcher.Submit(ctx, msg)

	// Deliveries for users without a grant are still forwarded.
	if err := c.store.Touch(context.WithoutCancel(ctx), vendor, ev.UserID, tokenstore.TouchWebhook); err != nil && !errors.Is(err, tokenstore.ErrNotFound) {
		c.logger.Debug("recording webhook time failed", logger.Vendor(vendor), logger.User(ev.UserID), logger.Err(err))
	}

	if c.webhooks != nil {
		if err := c.webhooks.add(newWebhookRecord(ev, msg.ID, string(outcome))); err != nil {
			c.logger.Warn("recording webhook failed", logger.Vendor(vendor), logger.TraceID(ev.TraceID), logger.Err(err))
		}
	}

	c.logger.Info("webhook accepted",
		logger.Vendor(vendor),
		logger.User(ev.UserID),
		logger.TraceID(ev.TraceID),
		logger.String("event_type", ev.EventType),
		logger.String("outcome", string(outcome)))
	return &WebhookReceipt{Event: ev, MessageID: msg.ID, Outcome: outcome}, nil
}

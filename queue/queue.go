package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stephnangue/wearlink/helper"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/webhook"
)

var (
	// ErrQueueUnavailable wraps every transport failure. It is transient.
	ErrQueueUnavailable = errors.New("queue unavailable")
	ErrQueueFull        = errors.New("queue full")
	ErrClosed           = errors.New("publisher closed")
)

const (
	EventBackfillRequested = "backfill.requested"
	EventDeadLetter        = "dead_letter"
)

// Message is the envelope handed to the transport. Delivery is at least
// once; consumers deduplicate on TraceID.
type Message struct {
	ID         string          `json:"id"`
	Vendor     string          `json:"vendor"`
	UserID     string          `json:"user_id"`
	EventType  string          `json:"event_type"`
	ResourceID string          `json:"resource_id,omitempty"`
	TraceID    string          `json:"trace_id"`
	OccurredAt time.Time       `json:"occurred_at,omitzero"`
	ReceivedAt time.Time       `json:"received_at"`
	Attempt    int             `json:"attempt"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// FromEvent wraps a verified webhook event.
func FromEvent(ev *webhook.Event) *Message {
	return &Message{
		ID:         helper.GenerateID(),
		Vendor:     ev.Vendor,
		UserID:     ev.UserID,
		EventType:  ev.EventType,
		ResourceID: ev.ResourceID,
		TraceID:    ev.TraceID,
		OccurredAt: ev.OccurredAt,
		ReceivedAt: ev.ReceivedAt,
		Payload:    ev.Payload,
	}
}

// PartitionKey keeps one user's messages in order on ordered transports.
func (m *Message) PartitionKey() string {
	return m.Vendor + ":" + m.UserID
}

func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Publisher enqueues messages on one transport.
type Publisher interface {
	Publish(ctx context.Context, msg *Message) error
	Close() error
}

// Factory creates a Publisher from a queue block's options.
type Factory func(conf map[string]string, log logger.Logger) (Publisher, error)

// DeadLetter records a message whose publish budget ran out.
type DeadLetter struct {
	Message  *Message  `json:"message"`
	Reason   string    `json:"reason"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`
}

// Envelope wraps the dead letter in a Message so it can travel over any
// transport. The trace id is kept for correlation.
func (d *DeadLetter) Envelope() (*Message, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:         helper.GenerateID(),
		Vendor:     d.Message.Vendor,
		UserID:     d.Message.UserID,
		EventType:  EventDeadLetter,
		ResourceID: d.Message.ID,
		TraceID:    d.Message.TraceID,
		ReceivedAt: d.FailedAt,
		Attempt:    d.Attempts,
		Payload:    raw,
	}, nil
}

func unavailable(transport string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrQueueUnavailable, transport, err)
}

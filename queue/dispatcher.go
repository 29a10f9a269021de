package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/webhook"
)

// Outcome is what happened to a submitted message. It is reported next to,
// never instead of, the webhook acknowledgement.
type Outcome string

const (
	OutcomePublished    Outcome = "published"
	OutcomeDeferred     Outcome = "deferred"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

const publishTimeout = 10 * time.Second

type DispatcherConfig struct {
	Retry   config.RetryPolicy
	Workers int
	Buffer  int
}

func DefaultDispatcherConfig() *DispatcherConfig {
	return &DispatcherConfig{
		Retry:   config.RetryPolicy{MaxRetries: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 30 * time.Second},
		Workers: 2,
		Buffer:  1024,
	}
}

// Dispatcher publishes inline once and hands failures to background
// workers that retry with exponential backoff. Messages that exhaust the
// budget go to the dead-letter publisher.
type Dispatcher struct {
	publisher  Publisher
	deadLetter Publisher
	conf       *DispatcherConfig
	logger     logger.Logger

	mu      sync.RWMutex
	closed  bool
	retryCh chan *Message
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewDispatcher starts the retry workers. deadLetter may be nil, in which
// case exhausted messages are only logged.
func NewDispatcher(publisher, deadLetter Publisher, conf *DispatcherConfig, log logger.Logger) *Dispatcher {
	if conf == nil {
		conf = DefaultDispatcherConfig()
	}
	if conf.Workers <= 0 {
		conf.Workers = 1
	}
	if conf.Buffer <= 0 {
		conf.Buffer = 1
	}
	d := &Dispatcher{
		publisher:  publisher,
		deadLetter: deadLetter,
		conf:       conf,
		logger:     log,
		retryCh:    make(chan *Message, conf.Buffer),
		stop:       make(chan struct{}),
	}
	d.wg.Add(conf.Workers)
	for i := 0; i < conf.Workers; i++ {
		go d.worker()
	}
	return d
}

// Submit never fails: the outcome says whether the message is already on
// the transport, pending retry, or dead-lettered.
func (d *Dispatcher) Submit(ctx context.Context, msg *Message) Outcome {
	msg.Attempt = 1
	err := d.publisher.Publish(ctx, msg)
	if err == nil {
		d.record(msg, OutcomePublished)
		return OutcomePublished
	}

	d.logger.Warn("publish failed, deferring to retry",
		logger.Vendor(msg.Vendor),
		logger.TraceID(msg.TraceID),
		logger.Err(err))

	if !retryable(err) {
		return d.bury(msg, err.Error())
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return d.bury(msg, "dispatcher closed")
	}
	select {
	case d.retryCh <- msg:
		d.record(msg, OutcomeDeferred)
		return OutcomeDeferred
	default:
		return d.bury(msg, "retry buffer full: "+err.Error())
	}
}

// retryable treats a cancelled request context as transient: the message
// should still reach the queue after the caller went away.
func retryable(err error) bool {
	return errors.Is(err, ErrQueueUnavailable) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// EnqueueBackfill requests a historical import for one user. The trace id
// is derived from the window so a repeated request deduplicates downstream.
func (d *Dispatcher) EnqueueBackfill(ctx context.Context, vendor, userID string, since, until time.Time) (*Message, Outcome, error) {
	if !until.After(since) {
		return nil, "", fmt.Errorf("backfill window is empty: %s to %s", since.Format(time.RFC3339), until.Format(time.RFC3339))
	}
	payload, err := json.Marshal(map[string]any{
		"since": since.UTC(),
		"until": until.UTC(),
	})
	if err != nil {
		return nil, "", err
	}
	msg := &Message{
		Vendor:     vendor,
		UserID:     userID,
		EventType:  EventBackfillRequested,
		TraceID:    webhook.DeriveTraceID(vendor, EventBackfillRequested, userID, since.UTC().Format(time.RFC3339), until.UTC().Format(time.RFC3339)),
		ReceivedAt: time.Now().UTC(),
		Payload:    payload,
	}
	msg.ID = msg.TraceID
	return msg, d.Submit(ctx, msg), nil
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for msg := range d.retryCh {
		d.retry(msg)
	}
}

func (d *Dispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.conf.Retry.InitialInterval
	b.MaxInterval = d.conf.Retry.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithMaxRetries(b, uint64(max(d.conf.Retry.MaxRetries, 0)))
}

func (d *Dispatcher) retry(msg *Message) {
	b := d.newBackOff()
	var lastErr error
	final := false
	for !final {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			break
		}
		timer := time.NewTimer(wait)
		select {
		case <-d.stop:
			// shutting down: one last immediate attempt
			final = true
		case <-timer.C:
		}
		timer.Stop()

		msg.Attempt++
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		lastErr = d.publisher.Publish(ctx, msg)
		cancel()
		if lastErr == nil {
			d.record(msg, OutcomePublished)
			d.logger.Info("deferred message published",
				logger.Vendor(msg.Vendor),
				logger.TraceID(msg.TraceID),
				logger.Int("attempt", msg.Attempt))
			return
		}
		d.logger.Debug("publish retry failed",
			logger.TraceID(msg.TraceID),
			logger.Int("attempt", msg.Attempt),
			logger.Duration("waited", wait),
			logger.Err(lastErr))
	}
	reason := "retry budget exhausted"
	if lastErr != nil {
		reason += ": " + lastErr.Error()
	}
	d.bury(msg, reason)
}

// bury sends msg to the dead-letter publisher. A failure there loses the
// message, which is reported at error level.
func (d *Dispatcher) bury(msg *Message, reason string) Outcome {
	d.record(msg, OutcomeDeadLettered)
	telemetry.Incr(telemetry.KeyDeadLetter, msg.Vendor)

	fields := []logger.TypedField{
		logger.Vendor(msg.Vendor),
		logger.User(msg.UserID),
		logger.TraceID(msg.TraceID),
		logger.String("event_type", msg.EventType),
		logger.Int("attempts", msg.Attempt),
		logger.String("reason", reason),
	}
	if d.deadLetter == nil {
		d.logger.Error("event lost: publish failed and no dead letter queue is configured", fields...)
		return OutcomeDeadLettered
	}
	dl := &DeadLetter{Message: msg, Reason: reason, Attempts: msg.Attempt, FailedAt: time.Now().UTC()}
	env, err := dl.Envelope()
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err = d.deadLetter.Publish(ctx, env)
		cancel()
	}
	if err != nil {
		d.logger.Error("event lost: dead letter publish failed", append(fields, logger.Err(err))...)
		return OutcomeDeadLettered
	}
	d.logger.Warn("event dead-lettered", fields...)
	return OutcomeDeadLettered
}

func (d *Dispatcher) record(msg *Message, outcome Outcome) {
	telemetry.Incr(telemetry.KeyPublish, msg.Vendor, telemetry.Label("outcome", string(outcome)))
}

// Pending is the number of messages waiting for a retry worker.
func (d *Dispatcher) Pending() int {
	return len(d.retryCh)
}

// Close stops intake, gives every pending message one final attempt and
// closes both publishers.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.stop)
	close(d.retryCh)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var result *multierror.Error
	select {
	case <-done:
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("retry workers did not drain: %w", ctx.Err()))
	}
	if err := d.publisher.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if d.deadLetter != nil {
		if err := d.deadLetter.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

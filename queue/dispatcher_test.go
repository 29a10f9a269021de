package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyPublisher fails the first n publishes with err.
type flakyPublisher struct {
	mu        sync.Mutex
	failFirst int
	err       error
	calls     int
	published []*Message
	closed    bool
}

func (f *flakyPublisher) Publish(ctx context.Context, msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFirst {
		return f.err
	}
	cp := *msg
	f.published = append(f.published, &cp)
	return nil
}

func (f *flakyPublisher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *flakyPublisher) snapshot() (int, []*Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]*Message(nil), f.published...)
}

func fastConfig(retries int) *DispatcherConfig {
	return &DispatcherConfig{
		Retry:   config.RetryPolicy{MaxRetries: retries, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond},
		Workers: 2,
		Buffer:  8,
	}
}

func testMessage() *Message {
	return &Message{ID: "m1", Vendor: "whoop", UserID: "u1", EventType: "sleep.updated", TraceID: "t-1"}
}

var transient = unavailable("fake", errors.New("broker down"))

func TestDispatcher_PublishedInline(t *testing.T) {
	pub := &flakyPublisher{}
	d := NewDispatcher(pub, nil, fastConfig(3), logger.NewNop())
	defer d.Close(context.Background())

	assert.Equal(t, OutcomePublished, d.Submit(context.Background(), testMessage()))
	_, msgs := pub.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempt)
}

func TestDispatcher_DeferredThenPublished(t *testing.T) {
	pub := &flakyPublisher{failFirst: 2, err: transient}
	d := NewDispatcher(pub, nil, fastConfig(5), logger.NewNop())
	defer d.Close(context.Background())

	assert.Equal(t, OutcomeDeferred, d.Submit(context.Background(), testMessage()))
	require.Eventually(t, func() bool {
		_, msgs := pub.snapshot()
		return len(msgs) == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, msgs := pub.snapshot()
	assert.Equal(t, 3, msgs[0].Attempt)
	assert.Equal(t, "t-1", msgs[0].TraceID)
}

func TestDispatcher_ExhaustedGoesToDeadLetter(t *testing.T) {
	pub := &flakyPublisher{failFirst: 100, err: transient}
	dlq := NewMemory(10)
	d := NewDispatcher(pub, dlq, fastConfig(2), logger.NewNop())

	assert.Equal(t, OutcomeDeferred, d.Submit(context.Background(), testMessage()))
	require.Eventually(t, func() bool { return dlq.Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	calls, _ := pub.snapshot()
	assert.Equal(t, 3, calls)

	env := dlq.Drain()[0]
	assert.Equal(t, EventDeadLetter, env.EventType)
	assert.Equal(t, "t-1", env.TraceID)

	var dl DeadLetter
	require.NoError(t, json.Unmarshal(env.Payload, &dl))
	assert.Equal(t, 3, dl.Attempts)
	assert.Contains(t, dl.Reason, "retry budget exhausted")
	assert.Equal(t, "m1", dl.Message.ID)

	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_PermanentErrorSkipsRetry(t *testing.T) {
	pub := &flakyPublisher{failFirst: 1, err: errors.New("message too large")}
	dlq := NewMemory(10)
	d := NewDispatcher(pub, dlq, fastConfig(5), logger.NewNop())
	defer d.Close(context.Background())

	assert.Equal(t, OutcomeDeadLettered, d.Submit(context.Background(), testMessage()))
	assert.Equal(t, 1, dlq.Len())
	assert.Equal(t, 0, d.Pending())
}

func TestDispatcher_BufferFull(t *testing.T) {
	pub := &flakyPublisher{failFirst: 1000, err: transient}
	conf := fastConfig(1000)
	conf.Retry.InitialInterval = time.Hour
	conf.Retry.MaxInterval = time.Hour
	conf.Workers = 1
	conf.Buffer = 1
	d := NewDispatcher(pub, nil, conf, logger.NewNop())

	outcomes := map[Outcome]int{}
	for i := 0; i < 4; i++ {
		outcomes[d.Submit(context.Background(), testMessage())]++
	}
	// one held by the worker, one in the buffer
	assert.GreaterOrEqual(t, outcomes[OutcomeDeadLettered], 2)
	assert.LessOrEqual(t, outcomes[OutcomeDeferred], 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestDispatcher_CloseGivesFinalAttempt(t *testing.T) {
	pub := &flakyPublisher{failFirst: 1, err: transient}
	conf := fastConfig(5)
	conf.Retry.InitialInterval = time.Hour
	conf.Retry.MaxInterval = time.Hour
	d := NewDispatcher(pub, nil, conf, logger.NewNop())

	assert.Equal(t, OutcomeDeferred, d.Submit(context.Background(), testMessage()))
	require.NoError(t, d.Close(context.Background()))

	_, msgs := pub.snapshot()
	require.Len(t, msgs, 1)
	assert.True(t, pub.closed)

	// closed dispatcher buries new failures
	pub.failFirst = 100
	assert.Equal(t, OutcomeDeadLettered, d.Submit(context.Background(), testMessage()))
}

func TestDispatcher_EnqueueBackfill(t *testing.T) {
	mem := NewMemory(10)
	d := NewDispatcher(mem, nil, fastConfig(1), logger.NewNop())
	defer d.Close(context.Background())

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := since.Add(30 * 24 * time.Hour)

	m1, outcome, err := d.EnqueueBackfill(context.Background(), "garmin", "u1", since, until)
	require.NoError(t, err)
	assert.Equal(t, OutcomePublished, outcome)
	m2, _, err := d.EnqueueBackfill(context.Background(), "garmin", "u1", since, until)
	require.NoError(t, err)
	assert.Equal(t, m1.TraceID, m2.TraceID)
	assert.Equal(t, EventBackfillRequested, m1.EventType)

	got := mem.Drain()
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"since":"2026-01-01T00:00:00Z","until":"2026-01-31T00:00:00Z"}`, string(got[0].Payload))

	_, _, err = d.EnqueueBackfill(context.Background(), "garmin", "u1", until, since)
	assert.Error(t, err)
}

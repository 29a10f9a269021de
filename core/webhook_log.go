package core

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/helper"
	"github.com/stephnangue/wearlink/webhook"
)

// DefaultWebhookQueryLimit applies when a query leaves Limit at zero.
const DefaultWebhookQueryLimit = 50

// ErrWebhookLogDisabled is returned by RecentWebhooks when the server runs
// without a webhook_log block.
var ErrWebhookLogDisabled = errors.New("webhook recording is not enabled")

// WebhookRecord is one accepted delivery as kept by the webhook log. One
// record is one line of the JSONL file.
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

// WebhookQuery filters recorded deliveries. Empty fields match everything.
type WebhookQuery struct {
	Vendor string
	Type   string
	Limit  int
}

func (q WebhookQuery) matches(r *WebhookRecord) bool {
	return (q.Vendor == "" || r.Vendor == q.Vendor) && (q.Type == "" || r.Type == q.Type)
}

// newest keeps the last q.Limit records, oldest first.
func (q WebhookQuery) newest(records []WebhookRecord) []WebhookRecord {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultWebhookQueryLimit
	}
	if len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records
}

// webhookLog is a fixed size ring of the newest records plus an optional
// rotated JSONL file holding all of them.
type webhookLog struct {
	mu      sync.Mutex
	entries []WebhookRecord
	next    int
	size    int
	out     io.WriteCloser
}

func newWebhookLog(conf *config.WebhookLogBlock) *webhookLog {
	l := &webhookLog{entries: make([]WebhookRecord, conf.MaxEntries())}
	if conf.Path != "" {
		l.out = &lumberjack.Logger{
			Filename:   conf.Path,
			MaxSize:    conf.RotateMegabytes,
			MaxBackups: conf.RotateMaxFiles,
		}
	}
	return l
}

func newWebhookRecord(ev *webhook.Event, messageID, outcome string) WebhookRecord {
	return WebhookRecord{
		ID:         helper.GenerateShortID(),
		Timestamp:  ev.ReceivedAt,
		Vendor:     ev.Vendor,
		Type:       ev.EventType,
		UserID:     ev.UserID,
		ResourceID: ev.ResourceID,
		TraceID:    ev.TraceID,
		MessageID:  messageID,
		Outcome:    outcome,
	}
}

// add stores rec in the ring. The error is the file write only; the ring
// never fails.
func (l *webhookLog) add(rec WebhookRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries[l.next] = rec
	l.next = (l.next + 1) % len(l.entries)
	if l.size < len(l.entries) {
		l.size++
	}
	if l.out == nil {
		return nil
	}
	_, err = l.out.Write(append(line, '\n'))
	return err
}

func (l *webhookLog) recent(q WebhookQuery) []WebhookRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]WebhookRecord, 0, l.size)
	start := (l.next - l.size + len(l.entries)) % len(l.entries)
	for i := 0; i < l.size; i++ {
		rec := &l.entries[(start+i)%len(l.entries)]
		if q.matches(rec) {
			out = append(out, *rec)
		}
	}
	return q.newest(out)
}

func (l *webhookLog) close() error {
	if l.out == nil {
		return nil
	}
	return l.out.Close()
}

// ReadWebhookLog scans a JSONL webhook log and returns the newest matching
// records. Lines that do not decode are skipped.
func ReadWebhookLog(r io.Reader, q WebhookQuery) ([]WebhookRecord, error) {
	var out []WebhookRecord
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var rec WebhookRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			continue
		}
		if q.matches(&rec) {
			out = append(out, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return q.newest(out), nil
}

// RecentWebhooks returns the newest recorded deliveries matching q, oldest
// first.
func (c *Core) RecentWebhooks(q WebhookQuery) ([]WebhookRecord, error) {
	if c.webhooks == nil {
		return nil, ErrWebhookLogDisabled
	}
	if q.Limit < 0 {
		return nil, invalid("limit must not be negative")
	}
	if q.Vendor != "" {
		if _, err := c.Connector(q.Vendor); err != nil {
			return nil, err
		}
	}
	return c.webhooks.recent(q), nil
}

package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/connector"
	"github.com/stephnangue/wearlink/connector/drivers"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical/inmem"
	"github.com/stephnangue/wearlink/queue"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/tokenstore"
	"github.com/stephnangue/wearlink/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWhoop serves the token endpoint and the v2 collections.
type fakeWhoop struct {
	srv *httptest.Server

	issued   atomic.Int32
	dataHits atomic.Int32

	mu       sync.Mutex
	failPath string
}

func newFakeWhoop(t *testing.T) *fakeWhoop {
	t.Helper()
	fw := &fakeWhoop{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("client_secret") != "secret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
			return
		}
		if r.PostForm.Get("code") == "bad" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		n := fw.issued.Add(1)
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  fmt.Sprintf("at-%d", n),
			"refresh_token": fmt.Sprintf("rt-%d", n),
			"token_type":    "bearer",
			"expires_in":    3600,
			"user_id":       10129,
		})
	})
	mux.HandleFunc("/developer/v2/", func(w http.ResponseWriter, r *http.Request) {
		fw.dataHits.Add(1)
		fw.mu.Lock()
		fail := fw.failPath
		fw.mu.Unlock()
		if fail != "" && r.URL.Path == fail {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "boom"})
			return
		}
		kind := strings.TrimPrefix(r.URL.Path, "/developer/v2/")
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"records": []map[string]interface{}{
				{"id": kind + "-1", "cycle_id": 1, "start": time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)},
				{"id": kind + "-2", "cycle_id": 2, "start": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)},
			},
			"next_token": "",
		})
	})
	fw.srv = httptest.NewServer(mux)
	t.Cleanup(fw.srv.Close)
	return fw
}

func (fw *fakeWhoop) fail(path string) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.failPath = path
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type testCore struct {
	*Core
	whoop *fakeWhoop
	store *tokenstore.Store
	queue *queue.MemoryQueue
}

func whoopBlock(base string) config.VendorBlock {
	return config.VendorBlock{
		Name:           "whoop",
		ClientID:       "client",
		ClientSecret:   "secret",
		WebhookSecret:  "whsec",
		BaseURL:        base,
		AuthURL:        base + "/oauth/oauth2/auth",
		TokenURL:       base + "/oauth/oauth2/token",
		RedirectURI:    "https://app.example.com/callback",
		MaxRetries:     -1,
		RequestTimeout: "2s",
	}
}

// downQueue fails every publish with err.
type downQueue struct {
	err   error
	calls atomic.Int32
}

func (q *downQueue) Publish(context.Context, *queue.Message) error {
	q.calls.Add(1)
	return q.err
}

func (q *downQueue) Close() error { return nil }

type testCoreOpts struct {
	publisher  queue.Publisher
	deadLetter queue.Publisher
	webhookLog *config.WebhookLogBlock
}

func newTestCore(t *testing.T) *testCore {
	return newTestCoreWith(t, testCoreOpts{})
}

func newTestCoreWith(t *testing.T, opts testCoreOpts) *testCore {
	t.Helper()
	fw := newFakeWhoop(t)

	b, err := inmem.NewInmem(nil, logger.NewNop())
	require.NoError(t, err)
	w := aead.NewWrapper()
	require.NoError(t, w.SetAesGcmKeyBytes([]byte("0123456789abcdef0123456789abcdef")))
	store, err := tokenstore.NewStore(b, w, &tokenstore.Config{
		Retry: config.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
	}, logger.NewNop())
	require.NoError(t, err)

	reg := connector.NewRegistry()
	require.NoError(t, drivers.RegisterBuiltins(reg))

	var mq *queue.MemoryQueue
	pub := opts.publisher
	if pub == nil {
		mq = queue.NewMemory(16)
		pub = mq
	}
	disp := queue.NewDispatcher(pub, opts.deadLetter, &queue.DispatcherConfig{
		Retry:   config.RetryPolicy{MaxRetries: 1, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond},
		Workers: 1,
		Buffer:  4,
	}, logger.NewNop())

	c, err := NewCore(&CoreConfig{
		Config: &config.Config{
			Vendors:    []config.VendorBlock{whoopBlock(fw.srv.URL)},
			WebhookLog: opts.webhookLog,
		},
		Drivers:    reg,
		Store:      store,
		Limiter:    ratelimit.New(0, logger.NewNop()),
		Dispatcher: disp,
		Logger:     logger.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return &testCore{Core: c, whoop: fw, store: store, queue: mq}
}

func (tc *testCore) authorize(t *testing.T, user string) {
	t.Helper()
	_, err := tc.CompleteAuthorization(context.Background(), "whoop", user, "code-1", "")
	require.NoError(t, err)
}

func TestNewCore_UnknownVendor(t *testing.T) {
	reg := connector.NewRegistry()
	require.NoError(t, drivers.RegisterBuiltins(reg))
	b, err := inmem.NewInmem(nil, logger.NewNop())
	require.NoError(t, err)
	w := aead.NewWrapper()
	require.NoError(t, w.SetAesGcmKeyBytes([]byte("0123456789abcdef0123456789abcdef")))
	store, err := tokenstore.NewStore(b, w, nil, logger.NewNop())
	require.NoError(t, err)
	defer store.Close()

	_, err = NewCore(&CoreConfig{
		Config:     &config.Config{Vendors: []config.VendorBlock{{Name: "oura", ClientID: "a", ClientSecret: "b"}}},
		Drivers:    reg,
		Store:      store,
		Limiter:    ratelimit.New(0, logger.NewNop()),
		Dispatcher: queue.NewDispatcher(queue.NewMemory(1), nil, nil, logger.NewNop()),
	})
	require.ErrorIs(t, err, connector.ErrUnknownVendor)
}

func TestAuthorize(t *testing.T) {
	tc := newTestCore(t)
	assert.Equal(t, []string{"whoop"}, tc.Vendors())

	auth, err := tc.Authorize("whoop", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, auth.State)
	u, err := url.Parse(auth.AuthorizationURL)
	require.NoError(t, err)
	assert.Equal(t, "client", u.Query().Get("client_id"))
	assert.Equal(t, auth.State, u.Query().Get("state"))
	assert.Equal(t, "https://app.example.com/callback", u.Query().Get("redirect_uri"))

	auth, err = tc.Authorize("whoop", "https://other.example.com/cb", "fixed")
	require.NoError(t, err)
	assert.Equal(t, "fixed", auth.State)

	_, err = tc.Authorize("garmin", "", "")
	require.ErrorIs(t, err, ErrVendorNotConfigured)
}

func TestCompleteAuthorization(t *testing.T) {
	tc := newTestCore(t)

	sum, err := tc.CompleteAuthorization(context.Background(), "whoop", "u1", "code-1", "")
	require.NoError(t, err)
	assert.Equal(t, "10129", sum.VendorUserID)
	assert.Equal(t, tokenstore.StatusActive, sum.Status)
	assert.True(t, sum.HasRefreshToken)

	_, err = tc.CompleteAuthorization(context.Background(), "whoop", "u2", "bad", "")
	var oerr *connector.OAuthError
	require.ErrorAs(t, err, &oerr)
	_, err = tc.GetToken(context.Background(), "whoop", "u2")
	require.ErrorIs(t, err, tokenstore.ErrNotFound)

	_, err = tc.CompleteAuthorization(context.Background(), "whoop", "", "code", "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestHandleWebhook(t *testing.T) {
	tc := newTestCore(t)
	tc.authorize(t, "10129")

	body := []byte(`{"user_id":10129,"id":"rec-1","type":"recovery.updated","trace_id":"trace-1"}`)
	headers := webhook.Sign([]byte("whsec"), drivers.Whoop{}.WebhookScheme(), time.Now(), body)

	receipt, err := tc.HandleWebhook(context.Background(), "whoop", headers, body)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomePublished, receipt.Outcome)
	assert.Equal(t, "trace-1", receipt.Event.TraceID)

	msgs := tc.queue.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, "recovery.updated", msgs[0].EventType)
	assert.Equal(t, "10129", msgs[0].UserID)
	assert.JSONEq(t, string(body), string(msgs[0].Payload))

	sum, err := tc.GetToken(context.Background(), "whoop", "10129")
	require.NoError(t, err)
	assert.False(t, sum.LastWebhookAt.IsZero())

	// unknown users are still forwarded
	other := []byte(`{"user_id":42,"id":"x","type":"sleep.updated"}`)
	_, err = tc.HandleWebhook(context.Background(), "whoop", webhook.Sign([]byte("whsec"), drivers.Whoop{}.WebhookScheme(), time.Now(), other), other)
	require.NoError(t, err)
	assert.Len(t, tc.queue.Drain(), 1)

	headers.Set("X-WHOOP-Signature", "deadbeef")
	_, err = tc.HandleWebhook(context.Background(), "whoop", headers, body)
	require.ErrorIs(t, err, webhook.ErrSignatureMismatch)
	assert.Empty(t, tc.queue.Drain())
}

func signedWhoop(body []byte) http.Header {
	return webhook.Sign([]byte("whsec"), drivers.Whoop{}.WebhookScheme(), time.Now(), body)
}

func TestHandleWebhook_PublishFailureStillAcknowledged(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		outcome queue.Outcome
	}{
		{"queue unavailable", fmt.Errorf("%w: broker unreachable", queue.ErrQueueUnavailable), queue.OutcomeDeferred},
		{"message rejected", errors.New("message exceeds broker limit"), queue.OutcomeDeadLettered},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			down := &downQueue{err: tt.err}
			dead := queue.NewMemory(4)
			tc := newTestCoreWith(t, testCoreOpts{publisher: down, deadLetter: dead})
			tc.authorize(t, "10129")

			body := []byte(`{"user_id":10129,"id":"rec-1","type":"recovery.updated","trace_id":"trace-1"}`)
			receipt, err := tc.HandleWebhook(context.Background(), "whoop", signedWhoop(body), body)
			require.NoError(t, err)
			require.NotNil(t, receipt)
			assert.Equal(t, tt.outcome, receipt.Outcome)
			assert.Equal(t, "trace-1", receipt.Event.TraceID)
			assert.NotEmpty(t, receipt.MessageID)
			assert.GreaterOrEqual(t, down.calls.Load(), int32(1))

			sum, err := tc.GetToken(context.Background(), "whoop", "10129")
			require.NoError(t, err)
			assert.False(t, sum.LastWebhookAt.IsZero())

			if tt.outcome == queue.OutcomeDeadLettered {
				buried := dead.Drain()
				require.Len(t, buried, 1)
				assert.Equal(t, queue.EventDeadLetter, buried[0].EventType)
			}
		})
	}
}

func TestHandleWebhook_ClosedDispatcherDeadLetters(t *testing.T) {
	down := &downQueue{err: fmt.Errorf("%w: closed", queue.ErrQueueUnavailable)}
	tc := newTestCoreWith(t, testCoreOpts{publisher: down})
	require.NoError(t, tc.dispatcher.Close(context.Background()))

	body := []byte(`{"user_id":7,"id":"rec-2","type":"sleep.updated"}`)
	receipt, err := tc.HandleWebhook(context.Background(), "whoop", signedWhoop(body), body)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeDeadLettered, receipt.Outcome)
}

func TestRecentWebhooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hooks", "recent.jsonl")
	tc := newTestCoreWith(t, testCoreOpts{webhookLog: &config.WebhookLogBlock{Path: path, Keep: 3}})
	ctx := context.Background()

	for i, typ := range []string{"sleep.updated", "recovery.updated", "sleep.updated", "workout.updated"} {
		body := []byte(fmt.Sprintf(`{"user_id":%d,"id":"r-%d","type":%q}`, 100+i, i, typ))
		_, err := tc.HandleWebhook(ctx, "whoop", signedWhoop(body), body)
		require.NoError(t, err)
	}

	// the ring keeps the newest three
	all, err := tc.RecentWebhooks(WebhookQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "101", all[0].UserID)
	assert.Equal(t, "workout.updated", all[2].Type)
	assert.Equal(t, string(queue.OutcomePublished), all[2].Outcome)
	assert.Len(t, all[0].ID, 8)
	assert.NotEqual(t, all[0].ID, all[1].ID)

	sleeps, err := tc.RecentWebhooks(WebhookQuery{Vendor: "whoop", Type: "sleep.updated", Limit: 5})
	require.NoError(t, err)
	require.Len(t, sleeps, 1)
	assert.Equal(t, "r-2", sleeps[0].ResourceID)

	last, err := tc.RecentWebhooks(WebhookQuery{Limit: 1})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, "103", last[0].UserID)

	_, err = tc.RecentWebhooks(WebhookQuery{Limit: -1})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = tc.RecentWebhooks(WebhookQuery{Vendor: "oura"})
	require.ErrorIs(t, err, ErrVendorNotConfigured)

	// rejected deliveries are not recorded
	bad := []byte(`{"user_id":1,"id":"x","type":"sleep.updated"}`)
	headers := signedWhoop(bad)
	headers.Set("X-WHOOP-Signature", "deadbeef")
	_, err = tc.HandleWebhook(ctx, "whoop", headers, bad)
	require.Error(t, err)

	// the file has every accepted delivery
	require.NoError(t, tc.Close(ctx))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	fromFile, err := ReadWebhookLog(f, WebhookQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, fromFile, 4)
	assert.Equal(t, "100", fromFile[0].UserID)
	assert.Equal(t, all[2].ID, fromFile[3].ID)
}

func TestRecentWebhooks_Disabled(t *testing.T) {
	tc := newTestCore(t)
	_, err := tc.RecentWebhooks(WebhookQuery{})
	require.ErrorIs(t, err, ErrWebhookLogDisabled)
}

func TestReadWebhookLog_SkipsBadLines(t *testing.T) {
	src := strings.Join([]string{
		`{"id":"a","vendor":"whoop","type":"sleep.updated","user_id":"1"}`,
		`not json`,
		``,
		`{"id":"b","vendor":"garmin","type":"dailies","user_id":"2"}`,
		`{"id":"c","vendor":"whoop","type":"recovery.updated","user_id":"3"}`,
	}, "\n")
	recs, err := ReadWebhookLog(strings.NewReader(src), WebhookQuery{Vendor: "whoop"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "a", recs[0].ID)
	assert.Equal(t, "c", recs[1].ID)
}

func TestPullData_InitialThenIncremental(t *testing.T) {
	tc := newTestCore(t)
	tc.authorize(t, "u1")
	ctx := context.Background()

	first, err := tc.PullData(ctx, PullRequest{Vendor: "whoop", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, PullInitial, first.PullType)
	assert.WithinDuration(t, first.Until.Add(-7*24*time.Hour), first.Since, time.Second)
	assert.Len(t, first.Records, 4)
	assert.Equal(t, 8, first.Total)
	assert.Empty(t, first.Errors)
	assert.True(t, first.CursorAdvanced)
	for typ, records := range first.Records {
		for _, r := range records {
			assert.Equal(t, typ, r.ResourceType)
			assert.Equal(t, "u1", r.UserID)
		}
	}

	cursor, err := tc.store.GetCursor(ctx, "whoop", "u1")
	require.NoError(t, err)
	require.NotNil(t, cursor)
	assert.EqualValues(t, 8, cursor.RecordsSynced)
	assert.True(t, cursor.LastSyncAt.Equal(first.Until.UTC()))

	second, err := tc.PullData(ctx, PullRequest{Vendor: "whoop", UserID: "u1", ResourceTypes: []string{"sleep", "sleep"}})
	require.NoError(t, err)
	assert.Equal(t, PullIncremental, second.PullType)
	assert.True(t, second.Since.Equal(cursor.LastSyncAt))
	assert.Len(t, second.Records, 1)

	sum, err := tc.GetToken(ctx, "whoop", "u1")
	require.NoError(t, err)
	assert.False(t, sum.LastPullAt.IsZero())
}

func TestPullData_ManualDoesNotMoveCursor(t *testing.T) {
	tc := newTestCore(t)
	tc.authorize(t, "u1")

	res, err := tc.PullData(context.Background(), PullRequest{
		Vendor:        "whoop",
		UserID:        "u1",
		ResourceTypes: []string{"cycle"},
		Since:         time.Now().Add(-time.Hour),
		Limit:         1,
	})
	require.NoError(t, err)
	assert.Equal(t, PullManual, res.PullType)
	assert.Len(t, res.Records["cycle"], 1)
	assert.True(t, res.Truncated)
	assert.False(t, res.CursorAdvanced)

	cursor, err := tc.store.GetCursor(context.Background(), "whoop", "u1")
	require.NoError(t, err)
	assert.Nil(t, cursor)
}

func TestPullData_PartialFailure(t *testing.T) {
	tc := newTestCore(t)
	tc.authorize(t, "u1")
	tc.whoop.fail("/developer/v2/activity/workout")

	res, err := tc.PullData(context.Background(), PullRequest{Vendor: "whoop", UserID: "u1"})
	require.NoError(t, err)
	require.Contains(t, res.Errors, "workout")
	assert.Len(t, res.Records["sleep"], 2)
	assert.False(t, res.CursorAdvanced)
	assert.True(t, connector.IsRetryable(res.Err()))

	res, err = tc.PullData(context.Background(), PullRequest{Vendor: "whoop", UserID: "u1", ResourceTypes: []string{"workout"}})
	require.Error(t, err)
	assert.True(t, connector.IsRetryable(err))
	require.NotNil(t, res)
	assert.Contains(t, res.Errors, "workout")
}

func TestPullData_Validation(t *testing.T) {
	tc := newTestCore(t)

	_, err := tc.PullData(context.Background(), PullRequest{Vendor: "whoop", UserID: "u1", ResourceTypes: []string{"heartrate"}})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = tc.PullData(context.Background(), PullRequest{Vendor: "whoop"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = tc.PullData(context.Background(), PullRequest{Vendor: "whoop", UserID: "nobody"})
	require.ErrorIs(t, err, tokenstore.ErrNotFound)
	assert.Zero(t, tc.whoop.dataHits.Load())
}

func TestFetchResource(t *testing.T) {
	tc := newTestCore(t)
	tc.authorize(t, "u1")

	raw, err := tc.FetchResource(context.Background(), "whoop", "u1", "sleep", "")
	require.NoError(t, err)
	assert.Contains(t, string(raw), "activity/sleep-1")

	_, err = tc.FetchResource(context.Background(), "whoop", "u1", "", "")
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTokensLifecycle(t *testing.T) {
	tc := newTestCore(t)
	ctx := context.Background()
	tc.authorize(t, "u1")
	tc.authorize(t, "u2")

	page, err := tc.ListTokens(ctx, tokenstore.ScanOptions{Vendor: "whoop"})
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)

	sum, err := tc.RefreshToken(ctx, "whoop", "u1", true)
	require.NoError(t, err)
	assert.Equal(t, tokenstore.StatusActive, sum.Status)
	assert.EqualValues(t, 3, tc.whoop.issued.Load())

	require.NoError(t, tc.RevokeToken(ctx, "whoop", "u2"))
	require.NoError(t, tc.RevokeToken(ctx, "whoop", "u2"))
	page, err = tc.ListTokens(ctx, tokenstore.ScanOptions{Status: tokenstore.StatusRevoked})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "u2", page.Items[0].UserID)

	_, err = tc.ListTokens(ctx, tokenstore.ScanOptions{Status: "bogus"})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = tc.PullData(ctx, PullRequest{Vendor: "whoop", UserID: "u1", ResourceTypes: []string{"cycle"}})
	require.NoError(t, err)
	require.NoError(t, tc.DeleteToken(ctx, "whoop", "u1"))
	_, err = tc.GetToken(ctx, "whoop", "u1")
	require.ErrorIs(t, err, tokenstore.ErrNotFound)
	cursor, err := tc.store.GetCursor(ctx, "whoop", "u1")
	require.NoError(t, err)
	assert.Nil(t, cursor)

	require.ErrorIs(t, tc.RevokeToken(ctx, "whoop", "ghost"), tokenstore.ErrNotFound)
}

func TestBackfill(t *testing.T) {
	tc := newTestCore(t)
	tc.authorize(t, "u1")
	ctx := context.Background()

	until := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	receipt, err := tc.Backfill(ctx, "whoop", "u1", until.Add(-30*24*time.Hour), until)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomePublished, receipt.Outcome)

	msgs := tc.queue.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, queue.EventBackfillRequested, msgs[0].EventType)
	assert.Equal(t, receipt.TraceID, msgs[0].TraceID)

	_, err = tc.Backfill(ctx, "whoop", "u1", until.Add(-400*24*time.Hour), until)
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = tc.Backfill(ctx, "whoop", "ghost", time.Time{}, time.Time{})
	require.ErrorIs(t, err, tokenstore.ErrNotFound)

	require.NoError(t, tc.RevokeToken(ctx, "whoop", "u1"))
	_, err = tc.Backfill(ctx, "whoop", "u1", time.Time{}, time.Time{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRateLimitStatus(t *testing.T) {
	tc := newTestCore(t)
	tc.authorize(t, "u1")

	_, err := tc.FetchResource(context.Background(), "whoop", "u1", "cycle", "")
	require.NoError(t, err)

	st, err := tc.RateLimitStatus("whoop", "u1")
	require.NoError(t, err)
	require.NotNil(t, st.VendorTier)
	require.NotNil(t, st.UserTier)
	assert.Equal(t, 20, st.UserTier.Capacity)
	assert.Less(t, st.UserTier.Remaining, float64(20))

	require.NoError(t, tc.ResetRateLimit("whoop", ""))
	st, err = tc.RateLimitStatus("whoop", "u1")
	require.NoError(t, err)
	assert.InDelta(t, 20, st.UserTier.Remaining, 0.5)

	_, err = tc.RateLimitStatus("fitbit", "")
	require.ErrorIs(t, err, ErrVendorNotConfigured)
}

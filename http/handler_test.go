package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openbao/go-kms-wrapping/wrappers/aead/v2"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/connector"
	"github.com/stephnangue/wearlink/connector/drivers"
	"github.com/stephnangue/wearlink/core"
	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical/inmem"
	"github.com/stephnangue/wearlink/queue"
	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/tokenstore"
	"github.com/stephnangue/wearlink/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type upstream struct {
	srv    *httptest.Server
	issued atomic.Int32

	mu         sync.Mutex
	dataStatus int
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("code") == "bad" {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
		n := u.issued.Add(1)
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"access_token":  fmt.Sprintf("at-%d", n),
			"refresh_token": fmt.Sprintf("rt-%d", n),
			"token_type":    "bearer",
			"expires_in":    3600,
			"user_id":       10129,
		})
	})
	mux.HandleFunc("/developer/v2/", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		status := u.dataStatus
		u.mu.Unlock()
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "7")
		}
		if status != 0 {
			writeTestJSON(w, status, map[string]string{"error": "nope"})
			return
		}
		writeTestJSON(w, http.StatusOK, map[string]interface{}{
			"records": []map[string]interface{}{
				{"id": "r-1", "start": time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)},
			},
		})
	})
	u.srv = httptest.NewServer(mux)
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) respondWith(status int) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dataStatus = status
}

func writeTestJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type testServer struct {
	srv      *httptest.Server
	upstream *upstream
	queue    *queue.MemoryQueue
}

type serverOpts struct {
	publisher  queue.Publisher
	webhookLog *config.WebhookLogBlock
}

func newTestServer(t *testing.T, sink *telemetry.Sink) *testServer {
	return newTestServerWith(t, sink, serverOpts{})
}

func newTestServerWith(t *testing.T, sink *telemetry.Sink, opts serverOpts) *testServer {
	t.Helper()
	up := newUpstream(t)

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

	c, err := core.NewCore(&core.CoreConfig{
		Config: &config.Config{Vendors: []config.VendorBlock{{
			Name:           "whoop",
			ClientID:       "client",
			ClientSecret:   "secret",
			WebhookSecret:  "whsec",
			BaseURL:        up.srv.URL,
			AuthURL:        up.srv.URL + "/oauth/oauth2/auth",
			TokenURL:       up.srv.URL + "/oauth/oauth2/token",
			RedirectURI:    "https://app.example.com/callback",
			MaxRetries:     -1,
			RequestTimeout: "2s",
		}}, WebhookLog: opts.webhookLog},
		Drivers:    reg,
		Store:      store,
		Limiter:    ratelimit.New(0, logger.NewNop()),
		Dispatcher: queue.NewDispatcher(pub, nil, nil, logger.NewNop()),
		Logger:     logger.NewNop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })

	srv := httptest.NewServer(Handler(&HandlerProperties{
		Core:           c,
		Logger:         logger.NewNop(),
		Metrics:        sink,
		RequestTimeout: 5 * time.Second,
	}))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, upstream: up, queue: mq}
}

func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range headers {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func (ts *testServer) connect(t *testing.T, user string) {
	t.Helper()
	resp, _ := ts.do(t, http.MethodGet, "/v1/whoop/oauth/callback?code=c1&user_id="+user, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func decodeError(t *testing.T, body []byte) *APIError {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(body, &resp), string(body))
	require.NotNil(t, resp.Error)
	return resp.Error
}

func TestHealthAndNotFound(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/v1/health", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"whoop"`)

	resp, body = ts.do(t, http.MethodGet, "/nope", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	apiErr := decodeError(t, body)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.NotEmpty(t, apiErr.TraceID)

	resp, _ = ts.do(t, http.MethodGet, "/v1/sys/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	sink, err := telemetry.Setup()
	require.NoError(t, err)
	ts := newTestServer(t, sink)

	resp, body := ts.do(t, http.MethodGet, "/v1/sys/metrics", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "Counters")
}

func TestOAuthFlow(t *testing.T) {
	ts := newTestServer(t, nil)

	resp, body := ts.do(t, http.MethodGet, "/v1/whoop/oauth/authorize?state=s1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var auth core.Authorization
	require.NoError(t, json.Unmarshal(body, &auth))
	assert.Equal(t, "s1", auth.State)
	assert.Contains(t, auth.AuthorizationURL, "client_id=client")

	resp, body = ts.do(t, http.MethodGet, "/v1/oura/oauth/authorize", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	apiErr := decodeError(t, body)
	assert.Equal(t, "unknown_vendor", apiErr.Code)
	assert.Equal(t, "oura", apiErr.Vendor)

	form := url.Values{"code": {"c1"}, "user_id": {"u1"}, "state": {"s1"}}
	resp, body = ts.do(t, http.MethodPost, "/v1/whoop/oauth/callback", []byte(form.Encode()),
		http.Header{"Content-Type": {"application/x-www-form-urlencoded"}})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cb struct {
		Token tokenstore.Summary `json:"token"`
		State string             `json:"state"`
	}
	require.NoError(t, json.Unmarshal(body, &cb))
	assert.Equal(t, "u1", cb.Token.UserID)
	assert.Equal(t, "10129", cb.Token.VendorUserID)
	assert.Equal(t, "s1", cb.State)
	assert.NotContains(t, string(body), "at-1")

	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/oauth/callback?code=bad&user_id=u2", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "oauth_error", decodeError(t, body).Code)

	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/oauth/callback?error=access_denied&error_description=user+said+no", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decodeError(t, body).Message, "user said no")
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t, nil)
	scheme := drivers.Whoop{}.WebhookScheme()
	body := []byte(`{"user_id":10129,"id":"r1","type":"sleep.updated","trace_id":"t-1"}`)

	resp, _ := ts.do(t, http.MethodPost, "/v1/webhooks/whoop", body, webhook.Sign([]byte("whsec"), scheme, time.Now(), body))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "published", resp.Header.Get("X-Wearlink-Publish"))
	assert.Equal(t, "t-1", resp.Header.Get("X-Wearlink-Trace-Id"))
	assert.Len(t, ts.queue.Drain(), 1)

	cases := []struct {
		name    string
		body    []byte
		headers http.Header
		status  int
		code    string
	}{
		{"missing headers", body, nil, http.StatusUnauthorized, "webhook_missing_headers"},
		{"bad signature", body, http.Header{
			"X-Whoop-Signature":           {"00"},
			"X-Whoop-Signature-Timestamp": {fmt.Sprint(time.Now().Unix())},
		}, http.StatusUnauthorized, "webhook_signature_mismatch"},
		{"expired", body, webhook.Sign([]byte("whsec"), scheme, time.Now().Add(-time.Hour), body), http.StatusUnauthorized, "webhook_expired"},
		{"malformed", []byte(`{"nope":true}`), webhook.Sign([]byte("whsec"), scheme, time.Now(), []byte(`{"nope":true}`)), http.StatusBadRequest, "webhook_malformed_payload"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, out := ts.do(t, http.MethodPost, "/v1/webhooks/whoop", tc.body, tc.headers)
			require.Equal(t, tc.status, resp.StatusCode, string(out))
			apiErr := decodeError(t, out)
			assert.Equal(t, tc.code, apiErr.Code)
			assert.Equal(t, "whoop", apiErr.Vendor)
		})
	}
	assert.Empty(t, ts.queue.Drain())

	big := bytes.Repeat([]byte("a"), maxWebhookBody+1)
	resp, _ = ts.do(t, http.MethodPost, "/v1/webhooks/whoop", big, webhook.Sign([]byte("whsec"), scheme, time.Now(), big))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

// failingQueue rejects every publish with err.
type failingQueue struct{ err error }

func (q failingQueue) Publish(context.Context, *queue.Message) error { return q.err }
func (q failingQueue) Close() error                                  { return nil }

func TestWebhook_PublishFailureStillReturns204(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		outcome string
	}{
		{"queue unavailable", fmt.Errorf("%w: connection refused", queue.ErrQueueUnavailable), "deferred"},
		{"message rejected", fmt.Errorf("message exceeds broker limit"), "dead_lettered"},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServerWith(t, nil, serverOpts{publisher: failingQueue{err: tt.err}})
			body := []byte(`{"user_id":10129,"id":"r1","type":"sleep.updated","trace_id":"t-9"}`)

			resp, out := ts.do(t, http.MethodPost, "/v1/webhooks/whoop", body, webhook.Sign([]byte("whsec"), drivers.Whoop{}.WebhookScheme(), time.Now(), body))
			require.Equal(t, http.StatusNoContent, resp.StatusCode, string(out))
			assert.Equal(t, tt.outcome, resp.Header.Get("X-Wearlink-Publish"))
			assert.Equal(t, "t-9", resp.Header.Get("X-Wearlink-Trace-Id"))
			assert.Empty(t, out)
		})
	}
}

func TestRecentWebhooks(t *testing.T) {
	ts := newTestServerWith(t, nil, serverOpts{webhookLog: &config.WebhookLogBlock{Keep: 10}})
	scheme := drivers.Whoop{}.WebhookScheme()
	for i, typ := range []string{"sleep.updated", "recovery.updated", "sleep.updated"} {
		body := []byte(fmt.Sprintf(`{"user_id":%d,"id":"r-%d","type":%q}`, 10+i, i, typ))
		resp, _ := ts.do(t, http.MethodPost, "/v1/webhooks/whoop", body, webhook.Sign([]byte("whsec"), scheme, time.Now(), body))
		require.Equal(t, http.StatusNoContent, resp.StatusCode)
	}

	resp, body := ts.do(t, http.MethodGet, "/v1/webhooks/recent?vendor=whoop&type=sleep.updated&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out struct {
		Webhooks []core.WebhookRecord `json:"webhooks"`
	}
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Webhooks, 1)
	assert.Equal(t, "12", out.Webhooks[0].UserID)
	assert.Equal(t, "r-2", out.Webhooks[0].ResourceID)
	assert.Equal(t, "published", out.Webhooks[0].Outcome)

	resp, body = ts.do(t, http.MethodGet, "/v1/webhooks/recent", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Len(t, out.Webhooks, 3)

	resp, body = ts.do(t, http.MethodGet, "/v1/webhooks/recent?limit=x", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeError(t, body).Code)

	resp, body = ts.do(t, http.MethodGet, "/v1/webhooks/recent?vendor=oura", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_vendor", decodeError(t, body).Code)
}

func TestRecentWebhooks_Disabled(t *testing.T) {
	ts := newTestServer(t, nil)
	resp, body := ts.do(t, http.MethodGet, "/v1/webhooks/recent", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "webhook_log_disabled", decodeError(t, body).Code)
}

func TestPullAndFetch(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connect(t, "u1")

	resp, body := ts.do(t, http.MethodPost, "/v1/whoop/users/u1/pull", []byte(`{"resource_types":["sleep","cycle"],"since":"48h"}`), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res core.PullResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, core.PullManual, res.PullType)
	assert.Equal(t, 2, res.Total)
	assert.Len(t, res.Records["sleep"], 1)

	resp, body = ts.do(t, http.MethodPost, "/v1/whoop/users/u1/pull", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, core.PullInitial, res.PullType)

	resp, body = ts.do(t, http.MethodPost, "/v1/whoop/users/u1/pull", []byte(`{"bogus":1}`), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_request", decodeError(t, body).Code)

	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/users/u1/data/sleep/123", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"resource_id":"123"`)

	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/users/u1/data/heartrate", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "unsupported_resource", decodeError(t, body).Code)

	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/users/nobody/data/sleep", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "token_not_found", decodeError(t, body).Code)
}

func TestVendorFailuresMapToRetryableStatuses(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connect(t, "u1")

	ts.upstream.respondWith(http.StatusTooManyRequests)
	resp, body := ts.do(t, http.MethodGet, "/v1/whoop/users/u1/data/sleep", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "7", resp.Header.Get("Retry-After"))
	apiErr := decodeError(t, body)
	assert.Equal(t, "rate_limited", apiErr.Code)
	assert.Equal(t, 7, apiErr.RetryAfter)

	// the vendor is paused locally now
	ts.upstream.respondWith(0)
	resp, _ = ts.do(t, http.MethodGet, "/v1/whoop/users/u1/data/sleep", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	resp, _ = ts.do(t, http.MethodDelete, "/v1/whoop/ratelimit", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ts.upstream.respondWith(http.StatusBadGateway)
	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/users/u1/data/sleep", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "vendor_unavailable", decodeError(t, body).Code)

	ts.upstream.respondWith(http.StatusUnauthorized)
	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/users/u1/data/sleep", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "reauth_required", decodeError(t, body).Code)
}

func TestTokenEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connect(t, "u1")
	ts.connect(t, "u2")

	resp, body := ts.do(t, http.MethodGet, "/v1/tokens?vendor=whoop&limit=1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page tokenstore.ScanPage
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "whoop:u1", page.Next)

	resp, body = ts.do(t, http.MethodGet, "/v1/tokens?after="+url.QueryEscape(page.Next), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "u2", page.Items[0].UserID)

	resp, _ = ts.do(t, http.MethodGet, "/v1/tokens?limit=-3", nil, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodPost, "/v1/whoop/users/u1/token/refresh?force=true", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.EqualValues(t, 3, ts.upstream.issued.Load())

	resp, _ = ts.do(t, http.MethodDelete, "/v1/whoop/users/u1/token", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/users/u1/token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"revoked"`)

	resp, body = ts.do(t, http.MethodPost, "/v1/whoop/users/u1/token/refresh", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "reauth_required", decodeError(t, body).Code)

	resp, _ = ts.do(t, http.MethodDelete, "/v1/whoop/users/u2/token?purge=true", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, http.MethodGet, "/v1/whoop/users/u2/token", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackfillAndRateLimitStatus(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.connect(t, "u1")

	resp, body := ts.do(t, http.MethodPost, "/v1/whoop/users/u1/backfill", []byte(`{"since":"720h"}`), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	assert.Contains(t, string(body), `"outcome":"published"`)
	msgs := ts.queue.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, queue.EventBackfillRequested, msgs[0].EventType)

	resp, _ = ts.do(t, http.MethodPost, "/v1/whoop/users/u1/backfill", []byte(`{"since":"yesterday"}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = ts.do(t, http.MethodGet, "/v1/whoop/ratelimit?user_id=u1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var st ratelimit.Status
	require.NoError(t, json.Unmarshal(body, &st))
	require.NotNil(t, st.UserTier)
	assert.Equal(t, 20, st.UserTier.Capacity)

	resp, body = ts.do(t, http.MethodGet, "/v1/sync", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `"cursors"`))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{tokenstore.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
		{fmt.Errorf("publish: %w", queue.ErrQueueUnavailable), http.StatusServiceUnavailable, "queue_unavailable"},
		{&ratelimit.ExceededError{Vendor: "whoop", RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "rate_limited"},
		{&connector.VendorError{Vendor: "whoop", StatusCode: http.StatusNotFound}, http.StatusBadGateway, "vendor_error"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		apiErr := classify(tc.err)
		assert.Equal(t, tc.status, apiErr.status, tc.err.Error())
		assert.Equal(t, tc.code, apiErr.Code, tc.err.Error())
	}
	assert.Equal(t, 2, classify(&ratelimit.ExceededError{RetryAfter: 1500 * time.Millisecond}).RetryAfter)
	assert.Equal(t, "internal error", classify(fmt.Errorf("secret detail")).Message)
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	conf := DefaultConfig()
	require.NoError(t, conf.Error)
	conf.Address = srv.URL
	conf.MinRetryWait = time.Millisecond
	conf.MaxRetryWait = 5 * time.Millisecond
	c, err := NewClient(conf)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestDefaultConfig_Environment(t *testing.T) {
	t.Setenv(EnvWearlinkAddress, "https://wearlink.example.com/")
	t.Setenv(EnvWearlinkMaxRetries, "5")
	t.Setenv(EnvWearlinkClientTimeout, "15s")
	t.Setenv(EnvWearlinkRateLimit, "10:20")

	conf := DefaultConfig()
	require.NoError(t, conf.Error)
	assert.Equal(t, 5, conf.MaxRetries)
	assert.Equal(t, 15*time.Second, conf.Timeout)
	require.NotNil(t, conf.Limiter)
	assert.Equal(t, 20, conf.Limiter.Burst())

	c, err := NewClient(conf)
	require.NoError(t, err)
	assert.Equal(t, "https://wearlink.example.com", c.Address())

	t.Setenv(EnvWearlinkMaxRetries, "many")
	assert.Error(t, DefaultConfig().Error)
}

func TestNewClient_InvalidAddress(t *testing.T) {
	_, err := NewClient(&Config{Address: "127.0.0.1:8400"})
	assert.Error(t, err)

	c, err := NewClient(&Config{Address: DefaultAddress})
	require.NoError(t, err)
	assert.Error(t, c.SetAddress("ftp://nope"))
	require.NoError(t, c.SetAddress("http://10.0.0.1:9000"))
	assert.Equal(t, "http://10.0.0.1:9000", c.Address())
}

func TestListTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tokens", r.URL.Path)
		assert.Equal(t, "whoop", r.URL.Query().Get("vendor"))
		assert.Equal(t, "active", r.URL.Query().Get("status"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"items": []map[string]interface{}{{"vendor": "whoop", "user_id": "u1", "status": "active"}},
			"next":  "whoop:u1",
		})
	})

	page, err := c.ListTokens(context.Background(), ListTokensInput{Vendor: "whoop", Status: "active", Limit: 2})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "u1", page.Items[0].UserID)
	assert.Equal(t, "whoop:u1", page.Next)
}

func TestErrorResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error": map[string]interface{}{
				"code": "reauth_required", "message": "grant revoked", "vendor": "fitbit", "trace_id": "req-1",
			},
		})
	})

	_, err := c.GetToken(context.Background(), "fitbit", "u1")
	require.Error(t, err)
	var re *ResponseError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusConflict, re.StatusCode)
	assert.Equal(t, "fitbit", re.Vendor)
	assert.Equal(t, 7*time.Second, re.RetryAfter)
	assert.True(t, IsCode(err, "reauth_required"))
	assert.Contains(t, err.Error(), "req-1")
}

func TestRetries(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
				"error": map[string]string{"code": "storage_unavailable", "message": "down"},
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "vendors": []string{"garmin"}})
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"garmin"}, h.Vendors)
	assert.EqualValues(t, 3, calls.Load())

	calls.Store(0)
	c2 := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": map[string]string{"code": "internal_error", "message": "internal error"},
		})
	})
	_, err = c2.Health(context.Background())
	assert.True(t, IsCode(err, "internal_error"))
	assert.EqualValues(t, 1, calls.Load())
}

func TestPullAndRevoke(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v1/garmin/users/user 1/pull":
			var in PullInput
			require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
			assert.Equal(t, []string{"dailies"}, in.ResourceTypes)
			assert.Equal(t, "24h", in.Since)
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"vendor": "garmin", "user_id": "user 1", "pull_type": "manual", "total": 1,
				"records": map[string]interface{}{"dailies": []map[string]string{{"id": "d1"}}},
			})
		case r.Method == http.MethodDelete:
			assert.Equal(t, "true", r.URL.Query().Get("purge"))
			w.WriteHeader(http.StatusNoContent)
		default:
			http.NotFound(w, r)
		}
	})

	res, err := c.Pull(context.Background(), "garmin", "user 1", &PullInput{ResourceTypes: []string{"dailies"}, Since: "24h"})
	require.NoError(t, err)
	assert.Equal(t, "manual", res.PullType)
	require.Len(t, res.Records["dailies"], 1)
	assert.JSONEq(t, `{"id":"d1"}`, string(res.Records["dailies"][0]))

	require.NoError(t, c.RevokeToken(context.Background(), "garmin", "user 1", true))
}

func TestRecentWebhooks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/webhooks/recent", r.URL.Path)
		q := r.URL.Query()
		if q.Get("vendor") == "oura" {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{
				"error": map[string]string{"code": "webhook_log_disabled", "message": "webhook recording is not enabled"},
			})
			return
		}
		assert.Equal(t, "sleep.updated", q.Get("type"))
		assert.Equal(t, "5", q.Get("limit"))
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"webhooks": []map[string]string{{"id": "a1b2c3d4", "vendor": "whoop", "type": "sleep.updated", "user_id": "10129", "outcome": "deferred"}},
		})
	})

	recs, err := c.RecentWebhooks(context.Background(), RecentWebhooksInput{Vendor: "whoop", Type: "sleep.updated", Limit: 5})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "a1b2c3d4", recs[0].ID)
	assert.Equal(t, "deferred", recs[0].Outcome)

	_, err = c.RecentWebhooks(context.Background(), RecentWebhooksInput{Vendor: "oura", Type: "sleep.updated", Limit: 5})
	assert.True(t, IsCode(err, "webhook_log_disabled"))
}

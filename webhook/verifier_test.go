package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("whsec_test")

type body struct {
	UserID    string `json:"user_id"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
}

func parseBody(raw []byte) (*Event, error) {
	var b body
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	ev := &Event{UserID: b.UserID, EventType: b.Type, ResourceID: b.ID}
	if b.ID != "" {
		ev.TraceID = DeriveTraceID("whoop", b.Type, b.ID)
	}
	return ev, nil
}

func testVerifier(now time.Time, scheme Scheme) *Verifier {
	v := NewVerifier("whoop", secret, scheme, 3*time.Minute, parseBody)
	v.now = func() time.Time { return now }
	return v
}

var payload = []byte(`{"user_id":"10129","type":"recovery.updated","id":"550e8400"}`)

func TestVerify_Valid(t *testing.T) {
	now := time.Now()
	v := testVerifier(now, DefaultScheme)

	ev, err := v.Verify(Sign(secret, DefaultScheme, now.Add(-10*time.Second), payload), payload)
	require.NoError(t, err)
	assert.Equal(t, "whoop", ev.Vendor)
	assert.Equal(t, "10129", ev.UserID)
	assert.Equal(t, "recovery.updated", ev.EventType)
	assert.Equal(t, DeriveTraceID("whoop", "recovery.updated", "550e8400"), ev.TraceID)
	assert.JSONEq(t, string(payload), string(ev.Payload))
	assert.False(t, ev.ReceivedAt.IsZero())
}

func TestVerify_MissingHeaders(t *testing.T) {
	v := testVerifier(time.Now(), DefaultScheme)

	_, err := v.Verify(http.Header{}, payload)
	require.ErrorIs(t, err, ErrMissingHeaders)

	h := Sign(secret, DefaultScheme, time.Now(), payload)
	h.Del(DefaultScheme.SignatureHeader)
	_, err = v.Verify(h, payload)
	require.ErrorIs(t, err, ErrMissingHeaders)

	h = Sign(secret, DefaultScheme, time.Now(), payload)
	h.Set(DefaultScheme.TimestampHeader, "yesterday")
	_, err = v.Verify(h, payload)
	require.ErrorIs(t, err, ErrMissingHeaders)
}

func TestVerify_ExpiredRegardlessOfSignature(t *testing.T) {
	now := time.Now()
	v := testVerifier(now, DefaultScheme)

	// valid signature, 200s old, 180s window
	_, err := v.Verify(Sign(secret, DefaultScheme, now.Add(-200*time.Second), payload), payload)
	require.ErrorIs(t, err, ErrExpired)

	h := Sign([]byte("wrong"), DefaultScheme, now.Add(-200*time.Second), payload)
	_, err = v.Verify(h, payload)
	require.ErrorIs(t, err, ErrExpired)

	// far future too
	_, err = v.Verify(Sign(secret, DefaultScheme, now.Add(10*time.Minute), payload), payload)
	require.ErrorIs(t, err, ErrExpired)
}

func TestVerify_SignatureMismatch(t *testing.T) {
	now := time.Now()
	v := testVerifier(now, DefaultScheme)

	_, err := v.Verify(Sign([]byte("other"), DefaultScheme, now, payload), payload)
	require.ErrorIs(t, err, ErrSignatureMismatch)

	// body re-encoded after signing
	h := Sign(secret, DefaultScheme, now, payload)
	_, err = v.Verify(h, []byte(`{"user_id": "10129", "type": "recovery.updated", "id": "550e8400"}`))
	require.ErrorIs(t, err, ErrSignatureMismatch)

	h.Set(DefaultScheme.SignatureHeader, "v1=not-hex")
	_, err = v.Verify(h, payload)
	require.ErrorIs(t, err, ErrSignatureMismatch)

	noSecret := NewVerifier("whoop", nil, DefaultScheme, 0, parseBody)
	_, err = noSecret.Verify(Sign(nil, DefaultScheme, time.Now(), payload), payload)
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestVerify_MalformedPayload(t *testing.T) {
	now := time.Now()
	v := testVerifier(now, DefaultScheme)

	bad := []byte(`{"user_id":`)
	_, err := v.Verify(Sign(secret, DefaultScheme, now, bad), bad)
	require.ErrorIs(t, err, ErrMalformedPayload)

	noUser := []byte(`{"type":"sleep.updated"}`)
	_, err = v.Verify(Sign(secret, DefaultScheme, now, noUser), noUser)
	require.ErrorIs(t, err, ErrMalformedPayload)

	var werr *Error
	require.True(t, errors.As(err, &werr))
	assert.Equal(t, "whoop", werr.Vendor)
	assert.Contains(t, err.Error(), "malformed_payload")
}

func TestVerify_MultiVersionHeader(t *testing.T) {
	now := time.Now()
	scheme := Scheme{SignatureHeader: "X-Sig", TimestampHeader: "X-Ts", Separator: ".", Version: "v1"}
	v := testVerifier(now, scheme)

	h := Sign(secret, scheme, now, payload)
	good := h.Get("X-Sig")
	h.Set("x-sig", "v0=deadbeef,"+good+",v2=cafe")
	_, err := v.Verify(h, payload)
	require.NoError(t, err)

	// only other versions present
	h.Set("X-Sig", "v2="+good[3:])
	_, err = v.Verify(h, payload)
	require.ErrorIs(t, err, ErrSignatureMismatch)

	// bare signature
	h.Set("X-Sig", good[3:])
	_, err = v.Verify(h, payload)
	require.NoError(t, err)
}

func TestVerify_Base64AndTimestampFormats(t *testing.T) {
	now := time.Now()
	scheme := Scheme{SignatureHeader: "X-Garmin-Signature", TimestampHeader: "X-Garmin-Timestamp", Encoding: EncodingBase64, Separator: ":"}
	v := testVerifier(now, scheme)

	h := Sign(secret, scheme, now, payload)
	_, err := v.Verify(h, payload)
	require.NoError(t, err)

	// milliseconds are signed as sent
	ms := strconv.FormatInt(now.UnixMilli(), 10)
	h = Sign(secret, scheme, now, payload)
	h.Set("X-Garmin-Timestamp", ms)
	mac := (&Verifier{secret: secret, scheme: scheme.withDefaults()}).mac(ms, payload)
	h.Set("X-Garmin-Signature", scheme.encode(mac))
	_, err = v.Verify(h, payload)
	require.NoError(t, err)

	rfc := now.UTC().Format(time.RFC3339)
	mac = (&Verifier{secret: secret, scheme: scheme.withDefaults()}).mac(rfc, payload)
	h.Set("X-Garmin-Timestamp", rfc)
	h.Set("X-Garmin-Signature", scheme.encode(mac))
	_, err = v.Verify(h, payload)
	require.NoError(t, err)
}

func TestVerify_TraceIDFallbackIsDeterministic(t *testing.T) {
	now := time.Now()
	v := testVerifier(now, DefaultScheme)
	anon := []byte(`{"user_id":"1","type":"sleep.updated"}`)

	a, err := v.Verify(Sign(secret, DefaultScheme, now, anon), anon)
	require.NoError(t, err)
	b, err := v.Verify(Sign(secret, DefaultScheme, now.Add(-time.Second), anon), anon)
	require.NoError(t, err)
	assert.NotEmpty(t, a.TraceID)
	assert.Equal(t, a.TraceID, b.TraceID)
}

func TestDeriveTraceID(t *testing.T) {
	a := DeriveTraceID("whoop", "sleep.updated", "1")
	assert.Equal(t, a, DeriveTraceID("whoop", "sleep.updated", "1"))
	assert.NotEqual(t, a, DeriveTraceID("garmin", "sleep.updated", "1"))
	assert.NotEqual(t, DeriveTraceID("whoop", "ab", "c"), DeriveTraceID("whoop", "a", "bc"))
}

func TestParseTimestamp(t *testing.T) {
	ts, err := parseTimestamp("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())

	ts, err = parseTimestamp("1700000000123")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), ts.UnixMilli())

	_, err = parseTimestamp("")
	assert.Error(t, err)
}

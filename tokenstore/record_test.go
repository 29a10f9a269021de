package tokenstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_ExpiryAndStatus(t *testing.T) {
	now := time.Now()
	r := &TokenRecord{Status: StatusActive, ExpiresAt: now.Add(30 * time.Second)}

	assert.True(t, r.ExpiresWithin(now, time.Minute))
	assert.False(t, r.ExpiresWithin(now, 10*time.Second))
	assert.Equal(t, StatusActive, r.EffectiveStatus(now))
	assert.Equal(t, StatusExpired, r.EffectiveStatus(now.Add(time.Minute)))

	r.Status = StatusRevoked
	assert.Equal(t, StatusRevoked, r.EffectiveStatus(now.Add(time.Minute)))
	assert.True(t, r.Status.Terminal())

	never := &TokenRecord{Status: StatusActive}
	assert.False(t, never.ExpiresWithin(now, time.Hour))
}

func TestRecord_Clone(t *testing.T) {
	r := &TokenRecord{Vendor: "whoop", UserID: "u", AccessToken: "a", RefreshToken: "r", Scopes: []string{"x"}, Version: 7, ExpiresAt: time.Now()}
	c := r.Clone()
	require.Equal(t, r, c)
	c.Scopes[0] = "y"
	assert.Equal(t, "x", r.Scopes[0])
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" Reauth_Required ")
	require.NoError(t, err)
	assert.Equal(t, StatusReauthRequired, s)
	_, err = ParseStatus("paused")
	assert.Error(t, err)
}

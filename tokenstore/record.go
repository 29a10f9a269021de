package tokenstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/copystructure"
)

// Status is the lifecycle state of a TokenRecord.
type Status string

const (
	StatusActive         Status = "active"
	StatusExpired        Status = "expired"
	StatusRevoked        Status = "revoked"
	StatusReauthRequired Status = "reauth_required"
)

func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusExpired, StatusRevoked, StatusReauthRequired:
		return true
	}
	return false
}

// Terminal reports whether a status blocks any further refresh.
func (s Status) Terminal() bool {
	return s == StatusRevoked || s == StatusReauthRequired
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("unknown token status %q", s)
	}
	return st, nil
}

// TokenRecord is one user's grant for one vendor. AccessToken and
// RefreshToken are plaintext in memory only.
type TokenRecord struct {
	Vendor       string    `json:"vendor"`
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	TokenType    string    `json:"token_type,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	VendorUserID string    `json:"vendor_user_id,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	LastWebhookAt time.Time `json:"last_webhook_at,omitzero"`
	LastPullAt    time.Time `json:"last_pull_at,omitzero"`

	// Version is the storage version this copy was read at. Save is
	// conditioned on it; zero means the record has never been stored.
	Version uint64 `json:"-"`
}

// Key is the composite identity "{vendor}:{userId}".
func (r *TokenRecord) Key() string {
	return Key(r.Vendor, r.UserID)
}

func Key(vendor, userID string) string {
	return vendor + ":" + userID
}

// ExpiresWithin reports whether the access token expires before now+margin.
// A zero ExpiresAt never expires.
func (r *TokenRecord) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if r.ExpiresAt.IsZero() {
		return false
	}
	return !r.ExpiresAt.After(now.Add(margin))
}

// EffectiveStatus is Status with lazy expiry applied.
func (r *TokenRecord) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusActive && !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now) {
		return StatusExpired
	}
	return r.Status
}

// Clone returns a deep copy so cached records are never shared.
func (r *TokenRecord) Clone() *TokenRecord {
	if r == nil {
		return nil
	}
	cp, err := copystructure.Copy(r)
	if err != nil {
		c := *r
		c.Scopes = append([]string(nil), r.Scopes...)
		return &c
	}
	return cp.(*TokenRecord)
}

// Summary is the secret-free view used for listings.
type Summary struct {
	Vendor          string    `json:"vendor"`
	UserID          string    `json:"user_id"`
	VendorUserID    string    `json:"vendor_user_id,omitempty"`
	Status          Status    `json:"status"`
	Scopes          []string  `json:"scopes,omitempty"`
	ExpiresAt       time.Time `json:"expires_at"`
	HasRefreshToken bool      `json:"has_refresh_token"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	LastWebhookAt   time.Time `json:"last_webhook_at,omitzero"`
	LastPullAt      time.Time `json:"last_pull_at,omitzero"`
}

func (r *TokenRecord) Summary(now time.Time) Summary {
	return Summary{
		Vendor:          r.Vendor,
		UserID:          r.UserID,
		VendorUserID:    r.VendorUserID,
		Status:          r.EffectiveStatus(now),
		Scopes:          append([]string(nil), r.Scopes...),
		ExpiresAt:       r.ExpiresAt,
		HasRefreshToken: r.RefreshToken != "",
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		LastWebhookAt:   r.LastWebhookAt,
		LastPullAt:      r.LastPullAt,
	}
}

package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"google.golang.org/protobuf/proto"
)

// storedRecord is the at-rest layout. Token material is sealed one field at
// a time with the storage key in the AAD, so a ciphertext copied to another
// key or field fails to open.
type storedRecord struct {
	Vendor        string    `json:"vendor"`
	UserID        string    `json:"user_id"`
	TokenType     string    `json:"token_type,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	VendorUserID  string    `json:"vendor_user_id,omitempty"`
	Scopes        []string  `json:"scopes,omitempty"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastWebhookAt time.Time `json:"last_webhook_at,omitzero"`
	LastPullAt    time.Time `json:"last_pull_at,omitzero"`

	AccessToken  []byte `json:"access_token,omitempty"`
	RefreshToken []byte `json:"refresh_token,omitempty"`
}

type codec struct {
	wrapper wrapping.Wrapper
}

func (c *codec) encode(ctx context.Context, key string, r *TokenRecord) ([]byte, error) {
	access, err := c.seal(ctx, key, "access_token", r.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := c.seal(ctx, key, "refresh_token", r.RefreshToken)
	if err != nil {
		return nil, err
	}
	return json.Marshal(&storedRecord{
		Vendor:        r.Vendor,
		UserID:        r.UserID,
		TokenType:     r.TokenType,
		ExpiresAt:     r.ExpiresAt,
		VendorUserID:  r.VendorUserID,
		Scopes:        r.Scopes,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
		LastWebhookAt: r.LastWebhookAt,
		LastPullAt:    r.LastPullAt,
		AccessToken:   access,
		RefreshToken:  refresh,
	})
}

// decode opens the record. With open false the token fields are left empty
// and only their presence is reported through RefreshToken.
func (c *codec) decode(ctx context.Context, key string, raw []byte, version uint64, open bool) (*TokenRecord, error) {
	var s storedRecord
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode token record %s: %w", key, err)
	}
	r := &TokenRecord{
		Vendor:        s.Vendor,
		UserID:        s.UserID,
		TokenType:     s.TokenType,
		ExpiresAt:     s.ExpiresAt,
		VendorUserID:  s.VendorUserID,
		Scopes:        s.Scopes,
		Status:        s.Status,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
		LastWebhookAt: s.LastWebhookAt,
		LastPullAt:    s.LastPullAt,
		Version:       version,
	}
	if !open {
		if len(s.RefreshToken) > 0 {
			r.RefreshToken = redacted
		}
		return r, nil
	}
	var err error
	if r.AccessToken, err = c.open(ctx, key, "access_token", s.AccessToken); err != nil {
		return nil, err
	}
	if r.RefreshToken, err = c.open(ctx, key, "refresh_token", s.RefreshToken); err != nil {
		return nil, err
	}
	return r, nil
}

const redacted = "<redacted>"

func (c *codec) seal(ctx context.Context, key, field, value string) ([]byte, error) {
	if value == "" {
		return nil, nil
	}
	blob, err := c.wrapper.Encrypt(ctx, []byte(value), wrapping.WithAad(aad(key, field)))
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", field, err)
	}
	return proto.Marshal(blob)
}

func (c *codec) open(ctx context.Context, key, field string, sealed []byte) (string, error) {
	if len(sealed) == 0 {
		return "", nil
	}
	var blob wrapping.BlobInfo
	if err := proto.Unmarshal(sealed, &blob); err != nil {
		return "", fmt.Errorf("open %s: %w", field, err)
	}
	pt, err := c.wrapper.Decrypt(ctx, &blob, wrapping.WithAad(aad(key, field)))
	if err != nil {
		return "", fmt.Errorf("open %s: %w", field, err)
	}
	return string(pt), nil
}

func aad(key, field string) []byte {
	return []byte(key + "#" + field)
}

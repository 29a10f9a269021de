package connector

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/oauth2"
)

// DefaultExpiresIn applies when a token response carries no expires_in.
const DefaultExpiresIn = 3600 * time.Second

func (c *Connector) oauthConfig(redirectURI string) *oauth2.Config {
	if redirectURI == "" {
		redirectURI = c.settings.RedirectURI
	}
	return &oauth2.Config{
		ClientID:     c.settings.ClientID,
		ClientSecret: c.settings.ClientSecret,
		RedirectURL:  redirectURI,
		Scopes:       c.settings.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.settings.AuthURL,
			TokenURL:  c.settings.TokenURL,
			AuthStyle: c.settings.AuthStyle,
		},
	}
}

// tokenContext carries the token endpoint client. Token calls are never
// retried: an authorization code or rotated refresh token is single use.
func (c *Connector) tokenContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(ctx, c.settings.RequestTimeout)
	return context.WithValue(ctx, oauth2.HTTPClient, c.tokenClient), cancel
}

func newTokenClient(s *Settings) *http.Client {
	hc := cleanhttp.DefaultPooledClient()
	hc.Timeout = s.RequestTimeout
	return hc
}

func (c *Connector) exchange(ctx context.Context, code, redirectURI string) (*oauth2.Token, error) {
	tctx, cancel := c.tokenContext(ctx)
	defer cancel()
	tok, err := c.oauthConfig(redirectURI).Exchange(tctx, code)
	if err != nil {
		return nil, c.tokenError(ctx, err)
	}
	return tok, nil
}

func (c *Connector) refreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	tctx, cancel := c.tokenContext(ctx)
	defer cancel()
	// An expired seed forces the token source to hit the token endpoint.
	seed := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	tok, err := c.oauthConfig("").TokenSource(tctx, seed).Token()
	if err != nil {
		return nil, c.tokenError(ctx, err)
	}
	return tok, nil
}

// tokenError maps token endpoint failures: 4xx is an OAuthError, 429, 5xx
// and transport failures are a VendorError.
func (c *Connector) tokenError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return &VendorError{Vendor: c.vendor, Message: "token endpoint", Err: err}
	}
	status := 0
	var header http.Header
	if re.Response != nil {
		status = re.Response.StatusCode
		header = re.Response.Header
	}
	switch {
	case status == http.StatusTooManyRequests:
		after := parseRetryAfter(header, c.now())
		c.limiter.Pause(c.vendor, c.now().Add(after))
		return &VendorError{Vendor: c.vendor, StatusCode: status, RetryAfter: after, Message: "token endpoint rate limited"}
	case status >= 500:
		return &VendorError{Vendor: c.vendor, StatusCode: status, Message: snippet(re.Body)}
	}
	oe := &OAuthError{
		Vendor:      c.vendor,
		StatusCode:  status,
		Code:        re.ErrorCode,
		Description: re.ErrorDescription,
	}
	if oe.Code == "" && oe.Description == "" {
		oe.Description = snippet(re.Body)
	}
	return oe
}

// applyToken copies a token response onto fields of the record. The
// previous refresh token is kept when the vendor does not rotate it.
func applyToken(tok *oauth2.Token, now time.Time, fallbackScopes []string) (access, refresh, tokenType string, expiresAt time.Time, scopes []string) {
	access = tok.AccessToken
	refresh = tok.RefreshToken
	tokenType = tok.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	expiresAt = tok.Expiry
	if expiresAt.IsZero() {
		expiresAt = now.Add(DefaultExpiresIn)
	}
	scopes = fallbackScopes
	switch v := tok.Extra("scope").(type) {
	case string:
		if f := strings.Fields(v); len(f) > 0 {
			scopes = f
		}
	case []interface{}:
		var out []string
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		if len(out) > 0 {
			scopes = out
		}
	}
	return access, refresh, tokenType, expiresAt.UTC(), scopes
}

// tokenUserID reads the vendor's user id when the token response carries it.
func tokenUserID(tok *oauth2.Token) string {
	for _, key := range []string{"user_id", "userId", "x_user_id"} {
		switch v := tok.Extra(key).(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

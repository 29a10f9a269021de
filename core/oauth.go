package core

import (
	"context"
	"fmt"

	"github.com/stephnangue/wearlink/helper"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/tokenstore"
)

// Authorization is the start of a consent flow. State must come back on
// the callback; the caller owns checking it.
type Authorization struct {
	Vendor           string `json:"vendor"`
	AuthorizationURL string `json:"authorization_url"`
	State            string `json:"state"`
}

// Authorize builds the vendor consent URL. An empty state is replaced by a
// random nonce.
func (c *Core) Authorize(vendor, redirectURI, state string) (*Authorization, error) {
	conn, err := c.Connector(vendor)
	if err != nil {
		return nil, err
	}
	if redirectURI == "" && conn.Settings().RedirectURI == "" {
		return nil, invalid("redirect_uri is required")
	}
	if state == "" {
		if state, err = helper.GenerateState(); err != nil {
			return nil, fmt.Errorf("generating state: %w", err)
		}
	}
	return &Authorization{
		Vendor:           vendor,
		AuthorizationURL: conn.BuildAuthorizationURL(redirectURI, state),
		State:            state,
	}, nil
}

// CompleteAuthorization exchanges the callback code and returns the stored
// grant without its secrets.
func (c *Core) CompleteAuthorization(ctx context.Context, vendor, userID, code, redirectURI string) (*tokenstore.Summary, error) {
	conn, err := c.Connector(vendor)
	if err != nil {
		return nil, err
	}
	if userID == "" || code == "" {
		return nil, invalid("user_id and code are required")
	}
	rec, err := conn.ExchangeCode(ctx, userID, code, redirectURI)
	if err != nil {
		return nil, err
	}
	c.logger.Info("authorization completed", logger.Vendor(vendor), logger.User(userID))
	sum := rec.Summary(c.now())
	return &sum, nil
}

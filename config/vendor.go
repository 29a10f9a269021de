package config

import (
	"strconv"
	"time"
)

const (
	DefaultReplayWindow   = 3 * time.Minute
	DefaultRefreshMargin  = 60 * time.Second
	DefaultRequestTimeout = 30 * time.Second
	DefaultVendorRetries  = 2
)

// VendorBlock configures one vendor. Endpoint fields left empty fall back to
// the vendor driver's defaults.
//
//	vendor "whoop" {
//	  client_id      = env("WHOOP_CLIENT_ID")
//	  client_secret  = env("WHOOP_CLIENT_SECRET")
//	  webhook_secret = env("WHOOP_WEBHOOK_SECRET")
//	  scopes         = ["read:recovery", "offline"]
//	  rate_limit {
//	    capacity          = 100
//	    refill_per_second = 1.67
//	  }
//	}
type VendorBlock struct {
	Name          string   `hcl:"name,label"`
	ClientID      string   `hcl:"client_id,optional"`
	ClientSecret  string   `hcl:"client_secret,optional"`
	WebhookSecret string   `hcl:"webhook_secret,optional"`
	BaseURL       string   `hcl:"base_url,optional"`
	AuthURL       string   `hcl:"auth_url,optional"`
	TokenURL      string   `hcl:"token_url,optional"`
	RevokeURL     string   `hcl:"revoke_url,optional"`
	RedirectURI   string   `hcl:"redirect_uri,optional"`
	Scopes        []string `hcl:"scopes,optional"`
	AuthStyle     string   `hcl:"auth_style,optional"`

	ReplayWindow   string `hcl:"replay_window,optional"`
	RefreshMargin  string `hcl:"refresh_margin,optional"`
	RequestTimeout string `hcl:"request_timeout,optional"`
	MaxRetries     int    `hcl:"max_retries,optional"`
	PageSize       int    `hcl:"page_size,optional"`

	RateLimit *RateLimitBlock `hcl:"rate_limit,block"`
}

// RateLimitBlock overrides the vendor's default buckets. Zero values keep
// the default.
type RateLimitBlock struct {
	Capacity            int     `hcl:"capacity,optional"`
	RefillPerSecond     float64 `hcl:"refill_per_second,optional"`
	UserCapacity        int     `hcl:"user_capacity,optional"`
	UserRefillPerSecond float64 `hcl:"user_refill_per_second,optional"`
}

func (v *VendorBlock) fields() map[string]string {
	m := map[string]string{
		"client_id":       v.ClientID,
		"client_secret":   v.ClientSecret,
		"base_url":        v.BaseURL,
		"auth_url":        v.AuthURL,
		"token_url":       v.TokenURL,
		"revoke_url":      v.RevokeURL,
		"redirect_uri":    v.RedirectURI,
		"auth_style":      v.AuthStyle,
		"replay_window":   v.ReplayWindow,
		"refresh_margin":  v.RefreshMargin,
		"request_timeout": v.RequestTimeout,
		"page_size":       strconv.Itoa(v.PageSize),
	}
	if rl := v.RateLimit; rl != nil {
		m["rate_limit.capacity"] = strconv.Itoa(rl.Capacity)
		m["rate_limit.refill_per_second"] = strconv.FormatFloat(rl.RefillPerSecond, 'f', -1, 64)
		m["rate_limit.user_capacity"] = strconv.Itoa(rl.UserCapacity)
		m["rate_limit.user_refill_per_second"] = strconv.FormatFloat(rl.UserRefillPerSecond, 'f', -1, 64)
	}
	return m
}

func (v *VendorBlock) Validate() error {
	return ValidateSchema(v.fields(),
		StringField("client_id").Required(),
		StringField("client_secret").Required(),
		StringField("base_url").URL(),
		StringField("auth_url").URL(),
		StringField("token_url").URL(),
		StringField("revoke_url").URL(),
		StringField("redirect_uri").URL(),
		StringField("auth_style").OneOf("params", "header", "auto"),
		DurationField("replay_window"),
		DurationField("refresh_margin"),
		DurationField("request_timeout"),
		IntField("page_size").Min(0),
		IntField("rate_limit.capacity").Min(0),
		FloatField("rate_limit.refill_per_second").Min(0),
		IntField("rate_limit.user_capacity").Min(0),
		FloatField("rate_limit.user_refill_per_second").Min(0),
	)
}

func (v *VendorBlock) ReplayWindowDuration() time.Duration {
	d, _ := parseDuration(v.ReplayWindow, DefaultReplayWindow)
	return d
}

func (v *VendorBlock) RefreshMarginDuration() time.Duration {
	d, _ := parseDuration(v.RefreshMargin, DefaultRefreshMargin)
	return d
}

func (v *VendorBlock) RequestTimeoutDuration() time.Duration {
	d, _ := parseDuration(v.RequestTimeout, DefaultRequestTimeout)
	return d
}

// Retries returns the inline retry count for vendor calls. Negative disables
// retries.
func (v *VendorBlock) Retries() int {
	switch {
	case v.MaxRetries < 0:
		return 0
	case v.MaxRetries == 0:
		return DefaultVendorRetries
	}
	return v.MaxRetries
}

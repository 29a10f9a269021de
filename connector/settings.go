package connector

import (
	"errors"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/strutil"
	"golang.org/x/oauth2"

	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/ratelimit"
)

// Settings is a vendor's resolved configuration: the driver defaults with
// the vendor block applied on top.
type Settings struct {
	ClientID      string
	ClientSecret  string
	WebhookSecret string
	BaseURL       string
	AuthURL       string
	TokenURL      string
	RevokeURL     string
	RedirectURI   string
	Scopes        []string
	AuthStyle     oauth2.AuthStyle
	AuthParams    map[string]string

	ReplayWindow   time.Duration
	RefreshMargin  time.Duration
	RequestTimeout time.Duration
	MaxRetries     int
	PageSize       int
	RateLimit      ratelimit.Policy
}

// Resolve merges block over the driver's defaults.
func Resolve(d Driver, block *config.VendorBlock) (*Settings, error) {
	if block == nil {
		return nil, errors.New("vendor block is required")
	}
	def := d.Defaults()
	s := &Settings{
		ClientID:       block.ClientID,
		ClientSecret:   block.ClientSecret,
		WebhookSecret:  block.WebhookSecret,
		BaseURL:        pick(block.BaseURL, def.BaseURL),
		AuthURL:        pick(block.AuthURL, def.AuthURL),
		TokenURL:       pick(block.TokenURL, def.TokenURL),
		RevokeURL:      pick(block.RevokeURL, def.RevokeURL),
		RedirectURI:    block.RedirectURI,
		Scopes:         def.Scopes,
		AuthStyle:      def.AuthStyle,
		AuthParams:     def.AuthParams,
		ReplayWindow:   block.ReplayWindowDuration(),
		RefreshMargin:  block.RefreshMarginDuration(),
		RequestTimeout: block.RequestTimeoutDuration(),
		MaxRetries:     block.Retries(),
		PageSize:       def.PageSize,
		RateLimit:      def.RateLimit,
	}
	if len(block.Scopes) > 0 {
		s.Scopes = strutil.RemoveDuplicatesStable(block.Scopes, false)
	}
	switch block.AuthStyle {
	case "params":
		s.AuthStyle = oauth2.AuthStyleInParams
	case "header":
		s.AuthStyle = oauth2.AuthStyleInHeader
	case "auto":
		s.AuthStyle = oauth2.AuthStyleAutoDetect
	}
	if block.PageSize > 0 {
		s.PageSize = block.PageSize
	}
	if rl := block.RateLimit; rl != nil {
		if rl.Capacity > 0 {
			s.RateLimit.Vendor.Capacity = rl.Capacity
		}
		if rl.RefillPerSecond > 0 {
			s.RateLimit.Vendor.RefillPerSecond = rl.RefillPerSecond
		}
		if rl.UserCapacity > 0 {
			s.RateLimit.User.Capacity = rl.UserCapacity
		}
		if rl.UserRefillPerSecond > 0 {
			s.RateLimit.User.RefillPerSecond = rl.UserRefillPerSecond
		}
	}
	s.BaseURL = strings.TrimRight(s.BaseURL, "/")

	var missing []string
	if s.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if s.ClientSecret == "" {
		missing = append(missing, "client_secret")
	}
	if s.AuthURL == "" {
		missing = append(missing, "auth_url")
	}
	if s.TokenURL == "" {
		missing = append(missing, "token_url")
	}
	if s.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if len(missing) > 0 {
		return nil, errors.New(d.Vendor() + ": missing " + strings.Join(missing, ", "))
	}
	return s, nil
}

func pick(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

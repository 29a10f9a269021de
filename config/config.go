package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/go-secure-stdlib/strutil"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
)

const (
	DefaultTokenCacheTTL     = 15 * time.Second
	DefaultRateLimitMaxUsers = 10000
	DefaultPullConcurrency   = 4
	DefaultAPIAddress        = "127.0.0.1:8400"
	DefaultWebhookLogKeep    = 200
)

// Config is the configuration for the wearlink server. It is loaded once at
// startup and handed to every constructor.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	// TokenCacheTTL bounds how long a decrypted record may be served from
	// memory. "0" disables the cache.
	TokenCacheTTL     string `hcl:"token_cache_ttl,optional"`
	RateLimitMaxUsers int    `hcl:"rate_limit_max_users,optional"`
	PullConcurrency   int    `hcl:"pull_concurrency,optional"`

	Listeners  []ListenerBlock  `hcl:"listener,block"`
	Storage    *BackendBlock    `hcl:"storage,block"`
	KMS        *BackendBlock    `hcl:"kms,block"`
	Queue      *BackendBlock    `hcl:"queue,block"`
	DeadLetter *BackendBlock    `hcl:"dead_letter,block"`
	Retry      *RetryBlock      `hcl:"retry,block"`
	WebhookLog *WebhookLogBlock `hcl:"webhook_log,block"`
	Vendors    []VendorBlock    `hcl:"vendor,block"`
}

// BackendBlock is a typed block whose attributes are backend specific, e.g.
//
//	storage "postgres" {
//	  connection_url = env("DATABASE_URL")
//	  table          = "wearlink_kv"
//	}
type BackendBlock struct {
	Type   string   `hcl:"type,label"`
	Remain hcl.Body `hcl:",remain"`

	options map[string]string
}

// Config returns the block attributes as strings, with "type" set.
func (b *BackendBlock) Config() map[string]string {
	out := make(map[string]string, len(b.options)+1)
	for k, v := range b.options {
		out[k] = v
	}
	out["type"] = b.Type
	return out
}

// SetOption overrides one attribute. Used by tests and CLI flags.
func (b *BackendBlock) SetOption(key, value string) {
	if b.options == nil {
		b.options = make(map[string]string)
	}
	b.options[key] = value
}

type ListenerBlock struct {
	Name              string `hcl:"name,label"`
	Address           string `hcl:"address"`
	TLSCertFile       string `hcl:"tls_cert_file,optional"`
	TLSKeyFile        string `hcl:"tls_key_file,optional"`
	TLSEnabled        bool   `hcl:"tls_enabled,optional"`
	ReadTimeout       string `hcl:"read_timeout,optional"`
	ReadHeaderTimeout string `hcl:"read_header_timeout,optional"`
	WriteTimeout      string `hcl:"write_timeout,optional"`
	IdleTimeout       string `hcl:"idle_timeout,optional"`
	MaxRequestBytes   int64  `hcl:"max_request_bytes,optional"`
}

// RetryBlock holds the bounded exponential backoff budgets used for storage
// and queue failures.
type RetryBlock struct {
	StorageMaxRetries      int    `hcl:"storage_max_retries,optional"`
	StorageInitialInterval string `hcl:"storage_initial_interval,optional"`
	StorageMaxInterval     string `hcl:"storage_max_interval,optional"`
	PublishMaxRetries      int    `hcl:"publish_max_retries,optional"`
	PublishInitialInterval string `hcl:"publish_initial_interval,optional"`
	PublishMaxInterval     string `hcl:"publish_max_interval,optional"`
	PublishWorkers         int    `hcl:"publish_workers,optional"`
	PublishBuffer          int    `hcl:"publish_buffer,optional"`
}

// WebhookLogBlock turns on recording of accepted webhook deliveries. The
// newest Keep entries stay in memory; with a path every entry is also
// appended to a JSONL file.
//
//	webhook_log {
//	  path = "__dev__/webhooks_recent.jsonl"
//	  keep = 500
//	}
type WebhookLogBlock struct {
	Path            string `hcl:"path,optional"`
	Keep            int    `hcl:"keep,optional"`
	RotateMegabytes int    `hcl:"rotate_megabytes,optional"`
	RotateMaxFiles  int    `hcl:"rotate_max_files,optional"`
}

func (b *WebhookLogBlock) MaxEntries() int {
	if b.Keep <= 0 {
		return DefaultWebhookLogKeep
	}
	return b.Keep
}

// RetryPolicy is the parsed form of one half of a RetryBlock.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// LoadConfig decodes an HCL file. env("NAME") is available in expressions
// so secrets can stay out of the file.
func LoadConfig(configFile string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(configFile, evalContext(), &cfg); err != nil {
		return nil, err
	}
	return finish(&cfg)
}

// ParseConfig decodes HCL source. filename must end in .hcl.
func ParseConfig(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, evalContext(), &cfg); err != nil {
		return nil, err
	}
	return finish(&cfg)
}

func finish(cfg *Config) (*Config, error) {
	for _, b := range []*BackendBlock{cfg.Storage, cfg.KMS, cfg.Queue, cfg.DeadLetter} {
		if b == nil {
			continue
		}
		opts, err := bodyOptions(b.Remain)
		if err != nil {
			return nil, fmt.Errorf("%s block: %w", b.Type, err)
		}
		b.options = opts
	}
	for i := range cfg.Vendors {
		cfg.Vendors[i].Scopes = strutil.RemoveDuplicatesStable(cfg.Vendors[i].Scopes, true)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints and every vendor block.
func (c *Config) Validate() error {
	var result *multierror.Error

	if _, err := parseDuration(c.TokenCacheTTL, DefaultTokenCacheTTL); err != nil {
		result = multierror.Append(result, fmt.Errorf("token_cache_ttl: %w", err))
	}
	if c.RateLimitMaxUsers < 0 {
		result = multierror.Append(result, fmt.Errorf("rate_limit_max_users must not be negative"))
	}
	if c.WebhookLog != nil && (c.WebhookLog.Keep < 0 || c.WebhookLog.RotateMegabytes < 0 || c.WebhookLog.RotateMaxFiles < 0) {
		result = multierror.Append(result, fmt.Errorf("webhook_log: keep and rotation limits must not be negative"))
	}

	seen := make(map[string]bool)
	for i := range c.Vendors {
		v := &c.Vendors[i]
		if seen[v.Name] {
			result = multierror.Append(result, fmt.Errorf("vendor %q declared twice", v.Name))
		}
		seen[v.Name] = true
		if err := v.Validate(); err != nil {
			result = multierror.Append(result, fmt.Errorf("vendor %q: %w", v.Name, err))
		}
	}
	return result.ErrorOrNil()
}

func (c *Config) GetListenerByName(name string) (*ListenerBlock, error) {
	for i := range c.Listeners {
		if c.Listeners[i].Name == name {
			return &c.Listeners[i], nil
		}
	}
	return nil, fmt.Errorf("listener '%s' not found", name)
}

// GetApiListener returns the "api" listener, or a default one bound to
// DefaultAPIAddress when none is configured.
func (c *Config) GetApiListener() *ListenerBlock {
	if l, err := c.GetListenerByName("api"); err == nil {
		return l
	}
	return &ListenerBlock{Name: "api", Address: DefaultAPIAddress}
}

func (c *Config) GetVendor(name string) (*VendorBlock, bool) {
	for i := range c.Vendors {
		if c.Vendors[i].Name == name {
			return &c.Vendors[i], true
		}
	}
	return nil, false
}

func (c *Config) CacheTTL() time.Duration {
	d, _ := parseDuration(c.TokenCacheTTL, DefaultTokenCacheTTL)
	return d
}

func (c *Config) MaxRateLimitUsers() int {
	if c.RateLimitMaxUsers == 0 {
		return DefaultRateLimitMaxUsers
	}
	return c.RateLimitMaxUsers
}

func (c *Config) MaxPullConcurrency() int {
	if c.PullConcurrency <= 0 {
		return DefaultPullConcurrency
	}
	return c.PullConcurrency
}

// StorageRetry returns the storage backoff budget with defaults applied.
func (c *Config) StorageRetry() RetryPolicy {
	p := RetryPolicy{MaxRetries: 4, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second}
	if c.Retry == nil {
		return p
	}
	if c.Retry.StorageMaxRetries > 0 {
		p.MaxRetries = c.Retry.StorageMaxRetries
	}
	p.InitialInterval, _ = parseDuration(c.Retry.StorageInitialInterval, p.InitialInterval)
	p.MaxInterval, _ = parseDuration(c.Retry.StorageMaxInterval, p.MaxInterval)
	return p
}

// PublishRetry returns the queue backoff budget with defaults applied.
func (c *Config) PublishRetry() RetryPolicy {
	p := RetryPolicy{MaxRetries: 5, InitialInterval: 500 * time.Millisecond, MaxInterval: 30 * time.Second}
	if c.Retry == nil {
		return p
	}
	if c.Retry.PublishMaxRetries > 0 {
		p.MaxRetries = c.Retry.PublishMaxRetries
	}
	p.InitialInterval, _ = parseDuration(c.Retry.PublishInitialInterval, p.InitialInterval)
	p.MaxInterval, _ = parseDuration(c.Retry.PublishMaxInterval, p.MaxInterval)
	return p
}

func (c *Config) PublishWorkers() (workers, buffer int) {
	workers, buffer = 2, 1024
	if c.Retry != nil {
		if c.Retry.PublishWorkers > 0 {
			workers = c.Retry.PublishWorkers
		}
		if c.Retry.PublishBuffer > 0 {
			buffer = c.Retry.PublishBuffer
		}
	}
	return workers, buffer
}

// parseDuration accepts "30s" style strings and bare seconds. Empty input
// yields def.
func parseDuration(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := parseutil.ParseDurationSecond(value)
	if err != nil {
		return def, err
	}
	return d, nil
}

// ParseDuration is parseDuration for other packages reading option maps.
func ParseDuration(value string, def time.Duration) (time.Duration, error) {
	return parseDuration(value, def)
}

var envFunc = function.New(&function.Spec{
	Params: []function.Parameter{{Name: "name", Type: cty.String}},
	Type:   function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		return cty.StringVal(os.Getenv(args[0].AsString())), nil
	},
})

func evalContext() *hcl.EvalContext {
	return &hcl.EvalContext{
		Functions: map[string]function.Function{"env": envFunc},
	}
}

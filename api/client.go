package api

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"golang.org/x/time/rate"
)

const (
	EnvWearlinkAddress       = "WEARLINK_ADDR"
	EnvWearlinkClientTimeout = "WEARLINK_CLIENT_TIMEOUT"
	EnvWearlinkMaxRetries    = "WEARLINK_MAX_RETRIES"
	EnvWearlinkSkipVerify    = "WEARLINK_SKIP_VERIFY"
	EnvWearlinkRateLimit     = "WEARLINK_RATE_LIMIT"

	DefaultAddress = "http://127.0.0.1:8400"
)

// Config is used to configure the creation of the client.
type Config struct {
	// Address is the address of the wearlink server, a complete URL such
	// as "https://wearlink.example.com".
	Address string

	// HttpClient is the HTTP client to use. Start from the one created in
	// DefaultConfig rather than http.DefaultClient.
	HttpClient *http.Client

	// MinRetryWait and MaxRetryWait bound the wait between retries of a
	// 5xx or 429 response.
	MinRetryWait time.Duration
	MaxRetryWait time.Duration

	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retrying.
	MaxRetries int

	// Timeout applies to each call unless the caller's context carries an
	// earlier deadline.
	Timeout time.Duration

	// Limiter throttles outgoing calls. Nil means unlimited.
	Limiter *rate.Limiter

	// Logger is handed to the retryable HTTP client.
	Logger retryablehttp.LeveledLogger

	// Error is set when DefaultConfig could not be completed.
	Error error
}

// DefaultConfig returns a default configuration for the client with the
// WEARLINK_* environment applied.
func DefaultConfig() *Config {
	config := &Config{
		Address:      DefaultAddress,
		HttpClient:   cleanhttp.DefaultPooledClient(),
		Timeout:      60 * time.Second,
		MinRetryWait: time.Second,
		MaxRetryWait: 1500 * time.Millisecond,
		MaxRetries:   2,
	}

	transport := config.HttpClient.Transport.(*http.Transport)
	transport.TLSHandshakeTimeout = 10 * time.Second
	transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}

	if err := config.ReadEnvironment(); err != nil {
		config.Error = err
		return config
	}

	config.HttpClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return config
}

// ReadEnvironment overrides the configuration from WEARLINK_* variables.
func (c *Config) ReadEnvironment() error {
	if v := os.Getenv(EnvWearlinkAddress); v != "" {
		c.Address = v
	}
	if v := os.Getenv(EnvWearlinkMaxRetries); v != "" {
		n, err := parseutil.SafeParseIntRange(v, 0, math.MaxInt)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWearlinkMaxRetries, err)
		}
		c.MaxRetries = int(n)
	}
	if v := os.Getenv(EnvWearlinkClientTimeout); v != "" {
		d, err := parseutil.ParseDurationSecond(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWearlinkClientTimeout, err)
		}
		c.Timeout = d
	}
	if v := os.Getenv(EnvWearlinkRateLimit); v != "" {
		r, burst, err := parseRateLimit(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWearlinkRateLimit, err)
		}
		c.Limiter = rate.NewLimiter(rate.Limit(r), burst)
	}
	if v := os.Getenv(EnvWearlinkSkipVerify); v != "" {
		insecure, err := parseutil.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvWearlinkSkipVerify, err)
		}
		if t, ok := c.HttpClient.Transport.(*http.Transport); ok && t.TLSClientConfig != nil {
			t.TLSClientConfig.InsecureSkipVerify = insecure
		}
	}
	return nil
}

// parseRateLimit reads "rate" or "rate:burst".
func parseRateLimit(val string) (float64, int, error) {
	r, burstRaw, found := strings.Cut(val, ":")
	limit, err := strconv.ParseFloat(r, 64)
	if err != nil {
		return 0, 0, err
	}
	burst := int(limit)
	if found {
		if burst, err = strconv.Atoi(burstRaw); err != nil {
			return 0, 0, err
		}
	}
	return limit, burst, nil
}

// Client talks to the wearlink HTTP API.
type Client struct {
	modifyLock sync.RWMutex
	addr       *url.URL
	config     *Config
}

// NewClient returns a client for c, or for DefaultConfig when c is nil.
func NewClient(c *Config) (*Client, error) {
	if c == nil {
		c = DefaultConfig()
	}
	if c.Error != nil {
		return nil, c.Error
	}
	if c.HttpClient == nil {
		c.HttpClient = cleanhttp.DefaultPooledClient()
	}
	addr, err := parseAddress(c.Address)
	if err != nil {
		return nil, err
	}
	return &Client{addr: addr, config: c}, nil
}

func parseAddress(address string) (*url.URL, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid address %q: scheme must be http or https", address)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u, nil
}

func (c *Client) SetAddress(addr string) error {
	u, err := parseAddress(addr)
	if err != nil {
		return err
	}
	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()
	c.addr = u
	return nil
}

func (c *Client) Address() string {
	c.modifyLock.RLock()
	defer c.modifyLock.RUnlock()
	return c.addr.String()
}

func (c *Client) SetMaxRetries(retries int) {
	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()
	c.config.MaxRetries = retries
}

func (c *Client) SetClientTimeout(timeout time.Duration) {
	c.modifyLock.Lock()
	defer c.modifyLock.Unlock()
	c.config.Timeout = timeout
}

// do sends one API call and decodes a JSON reply into out when out is not
// nil. Error replies come back as *ResponseError.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, body, out interface{}) error {
	c.modifyLock.RLock()
	u := *c.addr
	u.RawQuery = ""
	conf := *c.config
	c.modifyLock.RUnlock()

	if conf.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, conf.Timeout)
		defer cancel()
	}
	if conf.Limiter != nil {
		if err := conf.Limiter.Wait(ctx); err != nil {
			return err
		}
	}

	// path segments arrive escaped
	target := u.String() + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}

	var raw interface{}
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		raw = buf
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, raw)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &retryablehttp.Client{
		HTTPClient:   conf.HttpClient,
		RetryWaitMin: conf.MinRetryWait,
		RetryWaitMax: conf.MaxRetryWait,
		RetryMax:     conf.MaxRetries,
		Backoff:      retryablehttp.RateLimitLinearJitterBackoff,
		CheckRetry:   DefaultRetryPolicy,
		Logger:       conf.Logger,
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return parseError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return err
	}
	if err := json.Unmarshal(buf.Bytes(), out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// DefaultRetryPolicy is retryablehttp's policy minus plain 500s, which the
// server only returns for errors a retry will not fix.
func DefaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp != nil && resp.StatusCode == http.StatusInternalServerError {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

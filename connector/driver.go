package connector

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/stephnangue/wearlink/ratelimit"
	"github.com/stephnangue/wearlink/webhook"
)

// Defaults are a vendor's built-in endpoints and limits. Configuration
// overrides any non-empty field.
type Defaults struct {
	BaseURL   string
	AuthURL   string
	TokenURL  string
	RevokeURL string
	Scopes    []string
	AuthStyle oauth2.AuthStyle
	// AuthParams are extra query parameters added to the authorization URL.
	AuthParams map[string]string
	RateLimit  ratelimit.Policy
	PageSize   int
}

// Query selects one page of a time-bounded collection.
type Query struct {
	Since     time.Time
	Until     time.Time
	PageSize  int
	PageToken string
}

// Request is a vendor API call produced by a driver.
type Request struct {
	Path  string
	Query url.Values
	// Next is the page token that follows this request when the response
	// itself carries none, for vendors that paginate by time window.
	Next string
}

// Record is one normalized item of vendor data.
type Record struct {
	Vendor       string          `json:"vendor"`
	UserID       string          `json:"user_id"`
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id,omitempty"`
	Timestamp    time.Time       `json:"timestamp,omitzero"`
	Data         json.RawMessage `json:"data"`
}

// Page is a parsed collection response.
type Page struct {
	Records   []Record
	NextToken string
}

// Driver is the per-vendor capability table: endpoints, webhook format and
// data layout. Drivers hold no credentials and no mutable state.
type Driver interface {
	Vendor() string
	Defaults() Defaults
	WebhookScheme() webhook.Scheme
	ParseEvent(raw []byte) (*webhook.Event, error)
	ResourceTypes() []string
	// ResourcePath returns the path of a single resource.
	ResourcePath(resourceType, id string) (string, error)
	CollectionRequest(resourceType string, q Query) (*Request, error)
	ParseCollection(resourceType string, body []byte) (*Page, error)
}

// ProfileDriver is implemented by drivers that can resolve the vendor's own
// user id after a code exchange.
type ProfileDriver interface {
	ProfilePath() string
	ParseProfile(body []byte) (string, error)
}

// Registry maps vendor names to drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := d.Vendor()
	if _, exists := r.drivers[name]; exists {
		return fmt.Errorf("%w: %s", ErrDriverAlreadyRegistered, name)
	}
	r.drivers[name] = d
	return nil
}

func (r *Registry) Get(vendor string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.drivers[vendor]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownVendor, vendor)
	}
	return d, nil
}

// Vendors returns the registered vendor names, sorted.
func (r *Registry) Vendors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func supports(d Driver, resourceType string) bool {
	for _, t := range d.ResourceTypes() {
		if t == resourceType {
			return true
		}
	}
	return false
}

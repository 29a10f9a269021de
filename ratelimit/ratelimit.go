package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/logger"
	"golang.org/x/time/rate"
)

// DefaultMaxUsers bounds the per-user buckets kept per vendor. Idle users
// are evicted least recently used first and start over with a full bucket.
const DefaultMaxUsers = 10000

// ErrRateLimited matches every *ExceededError.
var ErrRateLimited = errors.New("rate limit exceeded")

type Scope string

const (
	ScopeVendor Scope = "vendor"
	ScopeUser   Scope = "user"
)

// ExceededError is returned when a tier has no token left. RetryAfter is
// the time until the exhausted tier holds a whole token again.
type ExceededError struct {
	Vendor     string
	UserID     string
	Scope      Scope
	RetryAfter time.Duration
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s (%s tier), retry after %s", e.Vendor, e.Scope, e.RetryAfter)
}

func (e *ExceededError) Is(target error) bool {
	return target == ErrRateLimited
}

// Bucket describes one token bucket. A zero Capacity disables the tier.
type Bucket struct {
	Capacity        int     `json:"capacity"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

func (b Bucket) enabled() bool {
	return b.Capacity > 0
}

func (b Bucket) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(b.RefillPerSecond), b.Capacity)
}

// Policy holds the two tiers applied to one vendor.
type Policy struct {
	Vendor Bucket `json:"vendor"`
	User   Bucket `json:"user"`
}

func (p Policy) validate() error {
	for name, b := range map[string]Bucket{"vendor": p.Vendor, "user": p.User} {
		if b.Capacity < 0 {
			return fmt.Errorf("%s capacity must not be negative", name)
		}
		if b.enabled() && b.RefillPerSecond <= 0 {
			return fmt.Errorf("%s refill rate must be positive", name)
		}
	}
	return nil
}

type userState struct {
	mu     sync.Mutex
	bucket *rate.Limiter
}

type vendorState struct {
	policy Policy

	// mu serializes admission on this vendor's bucket. It is always taken
	// before any user lock.
	mu          sync.Mutex
	bucket      *rate.Limiter
	pausedUntil time.Time
	users       *lru.Cache[string, *userState]

	// last is the latest time handed to the buckets. Times never go back,
	// or a refill would be credited twice.
	last time.Time
}

// observe returns now, or last if now is older. Callers hold vs.mu.
func (vs *vendorState) observe(now time.Time) time.Time {
	if now.Before(vs.last) {
		return vs.last
	}
	vs.last = now
	return now
}

// Limiter is a two-tier token bucket admission check. It never queues: a
// call is admitted immediately or rejected with a retry hint.
type Limiter struct {
	mu       sync.RWMutex
	vendors  map[string]*vendorState
	maxUsers int
	logger   logger.Logger

	now func() time.Time
}

func New(maxUsers int, log logger.Logger) *Limiter {
	if maxUsers <= 0 {
		maxUsers = DefaultMaxUsers
	}
	return &Limiter{
		vendors:  make(map[string]*vendorState),
		maxUsers: maxUsers,
		logger:   log,
		now:      time.Now,
	}
}

// Configure installs or replaces the policy for vendor. Existing buckets
// are discarded.
func (l *Limiter) Configure(vendor string, policy Policy) error {
	if err := policy.validate(); err != nil {
		return fmt.Errorf("vendor %s: %w", vendor, err)
	}
	users, err := lru.New[string, *userState](l.maxUsers)
	if err != nil {
		return err
	}
	vs := &vendorState{policy: policy, users: users}
	if policy.Vendor.enabled() {
		vs.bucket = policy.Vendor.newLimiter()
	}

	l.mu.Lock()
	l.vendors[vendor] = vs
	l.mu.Unlock()

	l.logger.Debug("rate limit configured",
		logger.Vendor(vendor),
		logger.Int("capacity", policy.Vendor.Capacity),
		logger.Float64("refill_per_second", policy.Vendor.RefillPerSecond),
		logger.Int("user_capacity", policy.User.Capacity),
		logger.Float64("user_refill_per_second", policy.User.RefillPerSecond))
	return nil
}

func (l *Limiter) vendor(name string) *vendorState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vendors[name]
}

// Admit debits one token from the vendor bucket and from userID's bucket,
// or from neither. Vendors without a policy are unlimited; an empty userID
// skips the user tier.
func (l *Limiter) Admit(vendor, userID string) error {
	vs := l.vendor(vendor)
	if vs == nil {
		return nil
	}

	vs.mu.Lock()
	defer vs.mu.Unlock()
	now := vs.observe(l.now())

	if now.Before(vs.pausedUntil) {
		return l.reject(vendor, userID, ScopeVendor, vs.pausedUntil.Sub(now))
	}
	if vs.bucket != nil {
		if tokens := vs.bucket.TokensAt(now); tokens < 1 {
			return l.reject(vendor, userID, ScopeVendor, retryAfter(tokens, vs.policy.Vendor.RefillPerSecond))
		}
	}

	var us *userState
	if userID != "" && vs.policy.User.enabled() {
		us = vs.user(userID)
		us.mu.Lock()
		defer us.mu.Unlock()
		if tokens := us.bucket.TokensAt(now); tokens < 1 {
			return l.reject(vendor, userID, ScopeUser, retryAfter(tokens, vs.policy.User.RefillPerSecond))
		}
	}

	if vs.bucket != nil {
		vs.bucket.AllowN(now, 1)
	}
	if us != nil {
		us.bucket.AllowN(now, 1)
	}
	return nil
}

func (vs *vendorState) user(userID string) *userState {
	if us, ok := vs.users.Get(userID); ok {
		return us
	}
	us := &userState{bucket: vs.policy.User.newLimiter()}
	vs.users.Add(userID, us)
	return us
}

func (l *Limiter) reject(vendor, userID string, scope Scope, after time.Duration) error {
	telemetry.Incr(telemetry.KeyRateLimited, vendor, telemetry.Label("scope", string(scope)))
	l.logger.Debug("rate limit exceeded",
		logger.Vendor(vendor),
		logger.User(userID),
		logger.String("scope", string(scope)),
		logger.Duration("retry_after", after))
	return &ExceededError{Vendor: vendor, UserID: userID, Scope: scope, RetryAfter: after}
}

// retryAfter is the time for tokens to climb back to one.
func retryAfter(tokens, refill float64) time.Duration {
	if refill <= 0 {
		return 0
	}
	return time.Duration((1 - tokens) / refill * float64(time.Second))
}

// Pause rejects every call for vendor until the given time, e.g. after the
// vendor answered 429 with a Retry-After.
func (l *Limiter) Pause(vendor string, until time.Time) {
	vs := l.vendor(vendor)
	if vs == nil {
		return
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if until.After(vs.pausedUntil) {
		vs.pausedUntil = until
		l.logger.Warn("vendor paused by upstream rate limit",
			logger.Vendor(vendor), logger.Time("until", until))
	}
}

// TierStatus is a point-in-time view of one bucket.
type TierStatus struct {
	Capacity        int     `json:"capacity"`
	Remaining       float64 `json:"remaining"`
	RefillPerSecond float64 `json:"refill_per_second"`
}

type Status struct {
	Vendor      string      `json:"vendor"`
	UserID      string      `json:"user_id,omitempty"`
	Limited     bool        `json:"limited"`
	PausedUntil time.Time   `json:"paused_until,omitzero"`
	VendorTier  *TierStatus `json:"vendor_tier,omitempty"`
	UserTier    *TierStatus `json:"user_tier,omitempty"`
}

// Status reports remaining capacity without debiting anything.
func (l *Limiter) Status(vendor, userID string) Status {
	st := Status{Vendor: vendor, UserID: userID}
	vs := l.vendor(vendor)
	if vs == nil {
		return st
	}
	st.Limited = true

	vs.mu.Lock()
	defer vs.mu.Unlock()
	now := vs.observe(l.now())
	if now.Before(vs.pausedUntil) {
		st.PausedUntil = vs.pausedUntil
	}
	if vs.bucket != nil {
		st.VendorTier = &TierStatus{
			Capacity:        vs.policy.Vendor.Capacity,
			Remaining:       vs.bucket.TokensAt(now),
			RefillPerSecond: vs.policy.Vendor.RefillPerSecond,
		}
	}
	if userID != "" && vs.policy.User.enabled() {
		remaining := float64(vs.policy.User.Capacity)
		if us, ok := vs.users.Peek(userID); ok {
			us.mu.Lock()
			remaining = us.bucket.TokensAt(now)
			us.mu.Unlock()
		}
		st.UserTier = &TierStatus{
			Capacity:        vs.policy.User.Capacity,
			Remaining:       remaining,
			RefillPerSecond: vs.policy.User.RefillPerSecond,
		}
	}
	return st
}

// Reset refills userID's bucket, or with an empty userID the vendor bucket
// and every user bucket, and lifts any pause.
func (l *Limiter) Reset(vendor, userID string) {
	vs := l.vendor(vendor)
	if vs == nil {
		return
	}
	vs.mu.Lock()
	defer vs.mu.Unlock()
	if userID != "" {
		vs.users.Remove(userID)
		return
	}
	if vs.bucket != nil {
		vs.bucket = vs.policy.Vendor.newLimiter()
	}
	vs.pausedUntil = time.Time{}
	vs.users.Purge()
	l.logger.Info("rate limit reset", logger.Vendor(vendor))
}

// Vendors lists configured vendors.
func (l *Limiter) Vendors() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.vendors))
	for v := range l.vendors {
		out = append(out, v)
	}
	return out
}

// UserBuckets is the number of live per-user buckets for vendor.
func (l *Limiter) UserBuckets(vendor string) int {
	vs := l.vendor(vendor)
	if vs == nil {
		return 0
	}
	return vs.users.Len()
}

package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	ristretto "github.com/dgraph-io/ristretto/v2"
	wrapping "github.com/openbao/go-kms-wrapping/v2"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/internal/telemetry"
	"github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical"
)

var (
	ErrNotFound = errors.New("token record not found")
	// ErrConflict means another writer stored a newer version first. The
	// caller re-reads and retries its decision.
	ErrConflict           = errors.New("token record version conflict")
	ErrStorageUnavailable = errors.New("token storage unavailable")
	// ErrRevoked is returned when a write would move a record out of the
	// revoked state.
	ErrRevoked = errors.New("token record is revoked")
	ErrClosed  = errors.New("token store is closed")
)

const (
	tokenPrefix = "tokens/"

	DefaultScanLimit = 50
	MaxScanLimit     = 500

	// maxCASAttempts bounds the read-modify-write loops.
	maxCASAttempts = 16
)

// Config holds the store's tunables.
type Config struct {
	// CacheTTL is how long a decrypted record may be served to Cached
	// reads. Zero disables the cache.
	CacheTTL time.Duration
	Retry    config.RetryPolicy
}

func DefaultConfig() *Config {
	return &Config{
		CacheTTL: config.DefaultTokenCacheTTL,
		Retry:    config.RetryPolicy{MaxRetries: 4, InitialInterval: 100 * time.Millisecond, MaxInterval: 2 * time.Second},
	}
}

// Store persists TokenRecords in a physical.Backend, sealing token material
// with a KMS wrapper. All mutation is conditioned on the stored version.
type Store struct {
	backend physical.Backend
	codec   *codec
	cache   *ristretto.Cache[string, *TokenRecord]
	conf    *Config
	logger  logger.Logger
	now     func() time.Time
}

func NewStore(backend physical.Backend, wrapper wrapping.Wrapper, conf *Config, log logger.Logger) (*Store, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if wrapper == nil {
		return nil, errors.New("kms wrapper is required")
	}
	if conf == nil {
		conf = DefaultConfig()
	}
	s := &Store{
		backend: backend,
		codec:   &codec{wrapper: wrapper},
		conf:    conf,
		logger:  log,
		now:     time.Now,
	}
	if conf.CacheTTL > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, *TokenRecord]{
			NumCounters: 1e5,
			MaxCost:     1e4,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create token cache: %w", err)
		}
		s.cache = cache
	}
	log.Debug("token store initialized",
		logger.Duration("cache_ttl", conf.CacheTTL),
		logger.Int("storage_max_retries", conf.Retry.MaxRetries))
	return s, nil
}

type readOptions struct {
	cached bool
}

// ReadOption tunes a single Get.
type ReadOption func(*readOptions)

// Cached lets Get answer from the read cache. The cache only sees writes
// made through this Store, so it is for display paths; anything that hands
// out token material reads storage.
func Cached() ReadOption {
	return func(o *readOptions) { o.cached = true }
}

// Get returns the record or ErrNotFound. It reads storage unless Cached is
// given, and refreshes the cache either way.
func (s *Store) Get(ctx context.Context, vendor, userID string, opts ...ReadOption) (*TokenRecord, error) {
	var ro readOptions
	for _, o := range opts {
		o(&ro)
	}
	id := Key(vendor, userID)

	if s.cache != nil && ro.cached {
		if r, ok := s.cache.Get(id); ok {
			telemetry.Incr(telemetry.KeyTokenCacheHit, vendor)
			return r.Clone(), nil
		}
		telemetry.Incr(telemetry.KeyTokenCacheMiss, vendor)
	}

	r, err := s.read(ctx, id, true)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, ErrNotFound
	}
	s.remember(id, r)
	return r, nil
}

// Save writes record conditioned on record.Version. It returns the stored
// copy carrying the new version, or ErrConflict.
func (s *Store) Save(ctx context.Context, record *TokenRecord) (*TokenRecord, error) {
	if record == nil || record.Vendor == "" || record.UserID == "" {
		return nil, errors.New("record requires vendor and user id")
	}
	if !record.Status.Valid() {
		return nil, fmt.Errorf("invalid status %q", record.Status)
	}
	r := record.Clone()
	now := s.now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	if err := s.write(ctx, r); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

// Replace stores record whatever the current version is. It is used when a
// fresh authorization supersedes any previous grant.
func (s *Store) Replace(ctx context.Context, record *TokenRecord) (*TokenRecord, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		current, err := s.read(ctx, record.Key(), false)
		if err != nil {
			return nil, err
		}
		r := record.Clone()
		r.Version = 0
		if current != nil {
			r.Version = current.Version
			r.CreatedAt = current.CreatedAt
		}
		saved, err := s.Save(ctx, r)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return saved, err
	}
	return nil, ErrConflict
}

// Revoke marks the record revoked and wipes its token material. Revoking a
// revoked record is a no-op. ErrNotFound is returned only when the record
// never existed.
func (s *Store) Revoke(ctx context.Context, vendor, userID string) error {
	_, err := s.update(ctx, vendor, userID, func(r *TokenRecord) (bool, error) {
		if r.Status == StatusRevoked && r.AccessToken == "" && r.RefreshToken == "" {
			return false, nil
		}
		r.Status = StatusRevoked
		r.AccessToken = ""
		r.RefreshToken = ""
		return true, nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("token revoked locally", logger.Vendor(vendor), logger.User(userID))
	return nil
}

// SetStatus moves the record to status. A revoked record stays revoked.
func (s *Store) SetStatus(ctx context.Context, vendor, userID string, status Status) (*TokenRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	return s.update(ctx, vendor, userID, func(r *TokenRecord) (bool, error) {
		if r.Status == status {
			return false, nil
		}
		if r.Status == StatusRevoked {
			return false, ErrRevoked
		}
		r.Status = status
		return true, nil
	})
}

// SetStatusIf is SetStatus guarded by held, which must report whether the
// stored record is still the one the caller judged. When held is false the
// record is returned unchanged.
func (s *Store) SetStatusIf(ctx context.Context, vendor, userID string, status Status, held func(*TokenRecord) bool) (*TokenRecord, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid status %q", status)
	}
	return s.update(ctx, vendor, userID, func(r *TokenRecord) (bool, error) {
		if r.Status == status {
			return false, nil
		}
		if r.Status == StatusRevoked {
			return false, ErrRevoked
		}
		if !held(r) {
			return false, nil
		}
		r.Status = status
		return true, nil
	})
}

// TouchKind selects which activity timestamp Touch records.
type TouchKind int

const (
	TouchPull TouchKind = iota
	TouchWebhook
)

// Touch records pull or webhook activity. It is best effort: a lost race
// only loses a timestamp.
func (s *Store) Touch(ctx context.Context, vendor, userID string, kind TouchKind) error {
	at := s.now().UTC()
	_, err := s.update(ctx, vendor, userID, func(r *TokenRecord) (bool, error) {
		switch kind {
		case TouchWebhook:
			r.LastWebhookAt = at
		default:
			r.LastPullAt = at
		}
		return true, nil
	})
	return err
}

// Delete removes the record outright.
func (s *Store) Delete(ctx context.Context, vendor, userID string) error {
	id := Key(vendor, userID)
	err := s.retry(ctx, "delete", func() error {
		return s.backend.Delete(ctx, tokenPrefix+id)
	})
	s.forget(id)
	if err != nil {
		return err
	}
	s.logger.Info("token record deleted", logger.Vendor(vendor), logger.User(userID))
	return nil
}

// ScanOptions filters a listing. After is the "{vendor}:{userId}" cursor
// returned as ScanPage.Next.
type ScanOptions struct {
	Vendor string
	Status Status
	Limit  int
	After  string
}

type ScanPage struct {
	Items []Summary `json:"items"`
	Next  string    `json:"next,omitempty"`
}

// Scan lists record summaries in key order. Token material is never
// decrypted. The Status filter matches the effective status.
func (s *Store) Scan(ctx context.Context, opts ScanOptions) (*ScanPage, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultScanLimit
	}
	if limit > MaxScanLimit {
		limit = MaxScanLimit
	}
	prefix := tokenPrefix
	if opts.Vendor != "" {
		prefix += opts.Vendor + ":"
	}
	after := ""
	if opts.After != "" {
		after = tokenPrefix + opts.After
	}

	now := s.now()
	page := &ScanPage{Items: []Summary{}}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var keys []string
		err := s.retry(ctx, "list", func() error {
			var err error
			keys, err = s.backend.List(ctx, prefix, after, limit)
			return err
		})
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			after = key
			r, err := s.read(ctx, strings.TrimPrefix(key, tokenPrefix), false)
			if err != nil {
				return nil, err
			}
			if r == nil {
				continue
			}
			sum := r.Summary(now)
			if opts.Status != "" && sum.Status != opts.Status {
				continue
			}
			page.Items = append(page.Items, sum)
			if len(page.Items) == limit {
				page.Next = strings.TrimPrefix(key, tokenPrefix)
				return page, nil
			}
		}
		if len(keys) < limit {
			return page, nil
		}
	}
}

func (s *Store) Close() {
	if s.cache != nil {
		s.cache.Close()
	}
}

// update runs a read-modify-write loop. fn reports whether it changed the
// record; returning false ends the loop without a write.
func (s *Store) update(ctx context.Context, vendor, userID string, fn func(*TokenRecord) (bool, error)) (*TokenRecord, error) {
	id := Key(vendor, userID)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		r, err := s.read(ctx, id, true)
		if err != nil {
			return nil, err
		}
		if r == nil {
			return nil, ErrNotFound
		}
		changed, err := fn(r)
		if err != nil {
			return r, err
		}
		if !changed {
			return r, nil
		}
		r.UpdatedAt = s.now().UTC()
		err = s.write(ctx, r)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return r.Clone(), nil
	}
	return nil, ErrConflict
}

// read loads and decodes one record, nil when absent.
func (s *Store) read(ctx context.Context, id string, open bool) (*TokenRecord, error) {
	var entry *physical.Entry
	err := s.retry(ctx, "get", func() error {
		var err error
		entry, err = s.backend.Get(ctx, tokenPrefix+id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return s.codec.decode(ctx, id, entry.Value, entry.Version, open)
}

// write stores r at r.Version and advances r.Version on success.
func (s *Store) write(ctx context.Context, r *TokenRecord) error {
	id := r.Key()
	raw, err := s.codec.encode(ctx, id, r)
	if err != nil {
		return err
	}
	var version uint64
	err = s.retry(ctx, "put", func() error {
		var err error
		version, err = s.backend.Put(ctx, tokenPrefix+id, raw, r.Version)
		return err
	})
	s.forget(id)
	if errors.Is(err, physical.ErrVersionConflict) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	r.Version = version
	return nil
}

func (s *Store) remember(id string, r *TokenRecord) {
	if s.cache == nil {
		return
	}
	s.cache.SetWithTTL(id, r.Clone(), 1, s.conf.CacheTTL)
}

func (s *Store) forget(id string) {
	if s.cache != nil {
		s.cache.Del(id)
	}
}

// retry runs op with bounded exponential backoff. Only ErrUnavailable is
// retried; when the budget runs out the error becomes ErrStorageUnavailable.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.conf.Retry.InitialInterval
	b.MaxInterval = s.conf.Retry.MaxInterval
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.conf.Retry.MaxRetries, 0))), ctx)
	err := backoff.RetryNotify(func() error {
		err := fn()
		if err != nil && !errors.Is(err, physical.ErrUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, next time.Duration) {
		telemetry.Incr(telemetry.KeyStorageRetry, "", telemetry.Label("op", op))
		s.logger.Warn("storage operation failed, retrying",
			logger.String("op", op),
			logger.Duration("backoff", next),
			logger.Err(err))
	})
	if err != nil && errors.Is(err, physical.ErrUnavailable) {
		s.logger.Error("storage unavailable, retry budget exhausted",
			logger.String("op", op), logger.Err(err))
		return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
	}
	return err
}

package physical

import (
	"context"
	"errors"
)

var (
	// ErrVersionConflict is returned by Put when the stored version does not
	// match the expected one.
	ErrVersionConflict = errors.New("version conflict")
	// ErrUnavailable wraps connectivity failures of the underlying store.
	// Callers treat it as transient.
	ErrUnavailable   = errors.New("storage backend unavailable")
	ErrValueTooLarge = errors.New("put failed due to value being too large")
)

// Entry is one stored value. Version starts at 1 on creation and grows by
// one on every successful Put.
type Entry struct {
	Key     string
	Value   []byte
	Version uint64
}

// Backend is a versioned key/value store with conditional writes.
type Backend interface {
	// Get returns nil, nil when the key does not exist.
	Get(ctx context.Context, key string) (*Entry, error)

	// Put writes value if the stored version equals expectedVersion. An
	// expectedVersion of zero means the key must not exist yet. It returns
	// the new version or ErrVersionConflict.
	Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (uint64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns up to limit keys starting with prefix and sorting after
	// after, in ascending order. The full key is returned. limit <= 0 means
	// no limit.
	List(ctx context.Context, prefix, after string, limit int) ([]string, error)

	Close() error
}

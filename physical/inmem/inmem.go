package inmem

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/armon/go-radix"
	log "github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical"
)

var _ physical.Backend = (*InmemBackend)(nil)

var (
	ErrPutDisabled    = errors.New("put operations disabled in inmem storage")
	ErrGetDisabled    = errors.New("get operations disabled in inmem storage")
	ErrDeleteDisabled = errors.New("delete operations disabled in inmem storage")
	ErrListDisabled   = errors.New("list operations disabled in inmem storage")
)

type record struct {
	value   []byte
	version uint64
}

// InmemBackend is an in-memory only Backend. It is useful for tests and
// development where data is not expected to be durable.
type InmemBackend struct {
	sync.RWMutex
	root         *radix.Tree
	logger       log.Logger
	failGet      atomic.Bool
	failPut      atomic.Bool
	failDelete   atomic.Bool
	failList     atomic.Bool
	logOps       bool
	maxValueSize int
}

// NewInmem constructs an in-memory backend. Recognised options:
// max_value_size.
func NewInmem(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	maxValueSize := 0
	if v, ok := conf["max_value_size"]; ok {
		var err error
		if maxValueSize, err = strconv.Atoi(v); err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = log.NewNop()
	}

	return &InmemBackend{
		root:         radix.New(),
		logger:       logger,
		logOps:       os.Getenv("WEARLINK_INMEM_LOG_ALL_OPS") != "",
		maxValueSize: maxValueSize,
	}, nil
}

func (i *InmemBackend) Get(ctx context.Context, key string) (*physical.Entry, error) {
	if i.logOps {
		i.logger.Trace("get", log.String("key", key))
	}
	if i.failGet.Load() {
		return nil, physical.Unavailable("get", ErrGetDisabled)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	i.RLock()
	defer i.RUnlock()

	raw, ok := i.root.Get(key)
	if !ok {
		return nil, nil
	}
	rec := raw.(*record)
	return &physical.Entry{
		Key:     key,
		Value:   append([]byte(nil), rec.value...),
		Version: rec.version,
	}, nil
}

func (i *InmemBackend) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (uint64, error) {
	if i.logOps {
		i.logger.Trace("put", log.String("key", key), log.Int64("expected_version", int64(expectedVersion)))
	}
	if i.failPut.Load() {
		return 0, physical.Unavailable("put", ErrPutDisabled)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if i.maxValueSize > 0 && len(value) > i.maxValueSize {
		return 0, physical.ErrValueTooLarge
	}

	i.Lock()
	defer i.Unlock()

	var current uint64
	if raw, ok := i.root.Get(key); ok {
		current = raw.(*record).version
	}
	if current != expectedVersion {
		return 0, physical.ErrVersionConflict
	}

	next := current + 1
	i.root.Insert(key, &record{value: append([]byte(nil), value...), version: next})
	return next, nil
}

func (i *InmemBackend) Delete(ctx context.Context, key string) error {
	if i.logOps {
		i.logger.Trace("delete", log.String("key", key))
	}
	if i.failDelete.Load() {
		return physical.Unavailable("delete", ErrDeleteDisabled)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	i.Lock()
	defer i.Unlock()
	i.root.Delete(key)
	return nil
}

func (i *InmemBackend) List(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	if i.logOps {
		i.logger.Trace("list", log.String("prefix", prefix), log.String("after", after))
	}
	if i.failList.Load() {
		return nil, physical.Unavailable("list", ErrListDisabled)
	}

	i.RLock()
	defer i.RUnlock()

	var out []string
	// WalkPrefix visits keys in lexical order.
	i.root.WalkPrefix(prefix, func(k string, _ interface{}) bool {
		if k <= after {
			return false
		}
		out = append(out, k)
		return limit > 0 && len(out) >= limit
	})

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *InmemBackend) Close() error {
	return nil
}

// FailGet makes every Get fail as unavailable until reset. The other Fail
// methods do the same for their operation.
func (i *InmemBackend) FailGet(fail bool)    { i.failGet.Store(fail) }
func (i *InmemBackend) FailPut(fail bool)    { i.failPut.Store(fail) }
func (i *InmemBackend) FailDelete(fail bool) { i.failDelete.Store(fail) }
func (i *InmemBackend) FailList(fail bool)   { i.failList.Store(fail) }

package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stephnangue/wearlink/config"
	log "github.com/stephnangue/wearlink/logger"
	"github.com/stephnangue/wearlink/physical"
)

var _ physical.Backend = (*RedisBackend)(nil)

// putScript performs the version check and the write atomically. Every
// stored key is also added to a sorted set so List can range over keys
// lexically without SCAN.
// KEYS[1] = hash key, KEYS[2] = index key
// ARGV[1] = value, ARGV[2] = expected version, ARGV[3] = logical key
var putScript = goredis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'version')
local expected = tonumber(ARGV[2])
if cur == false then
  if expected ~= 0 then return -1 end
elseif tonumber(cur) ~= expected then
  return -1
end
local nextv = expected + 1
redis.call('HSET', KEYS[1], 'value', ARGV[1], 'version', nextv)
redis.call('ZADD', KEYS[2], 0, ARGV[3])
return nextv
`)

// RedisBackend keeps each entry in a hash holding value and version.
type RedisBackend struct {
	client    goredis.UniversalClient
	namespace string
	logger    log.Logger
}

// NewRedisBackend connects using a redis:// URL. Options: url (required),
// namespace (default "wearlink:").
func NewRedisBackend(conf map[string]string, logger log.Logger) (physical.Backend, error) {
	url, err := config.GetStringRequired(conf, "url")
	if err != nil {
		return nil, err
	}
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if logger == nil {
		logger = log.NewNop()
	}

	client := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), config.GetDuration(conf, "dial_timeout", 5*time.Second))
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return New(client, config.GetString(conf, "namespace", "wearlink:"), logger), nil
}

// New wraps an existing client.
func New(client goredis.UniversalClient, namespace string, logger log.Logger) *RedisBackend {
	return &RedisBackend{client: client, namespace: namespace, logger: logger}
}

func (r *RedisBackend) dataKey(key string) string {
	return r.namespace + "kv:" + key
}

func (r *RedisBackend) indexKey() string {
	return r.namespace + "index"
}

func (r *RedisBackend) Get(ctx context.Context, key string) (*physical.Entry, error) {
	vals, err := r.client.HMGet(ctx, r.dataKey(key), "value", "version").Result()
	if err != nil {
		return nil, wrap("get", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return nil, nil
	}
	value, _ := vals[0].(string)
	versionStr, _ := vals[1].(string)
	version, err := strconv.ParseUint(versionStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt version for %q: %w", key, err)
	}
	return &physical.Entry{Key: key, Value: []byte(value), Version: version}, nil
}

func (r *RedisBackend) Put(ctx context.Context, key string, value []byte, expectedVersion uint64) (uint64, error) {
	res, err := putScript.Run(ctx, r.client, []string{r.dataKey(key), r.indexKey()}, value, expectedVersion, key).Int64()
	if err != nil {
		return 0, wrap("put", err)
	}
	if res < 0 {
		return 0, physical.ErrVersionConflict
	}
	return uint64(res), nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, r.dataKey(key))
		pipe.ZRem(ctx, r.indexKey(), key)
		return nil
	})
	if err != nil {
		return wrap("delete", err)
	}
	return nil
}

func (r *RedisBackend) List(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	rng := &goredis.ZRangeBy{Min: "-", Max: "+"}
	if prefix != "" {
		rng.Min = "[" + prefix
	}
	if after != "" && after >= prefix {
		rng.Min = "(" + after
	}
	if prefix != "" {
		rng.Max = "(" + prefix + "\xff"
	}
	if limit > 0 {
		rng.Count = int64(limit)
	}
	keys, err := r.client.ZRangeByLex(ctx, r.indexKey(), rng).Result()
	if err != nil {
		return nil, wrap("list", err)
	}
	return keys, nil
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return physical.Unavailable(op, err)
}

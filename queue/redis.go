package queue

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stephnangue/wearlink/config"
	"github.com/stephnangue/wearlink/logger"
)

const defaultRedisList = "wearlink:events"

// enqueueScript pushes only while the list is under its cap.
// KEYS[1] = list, ARGV[1] = max length (0 = unbounded), ARGV[2] = payload.
var enqueueScript = goredis.NewScript(`
local max = tonumber(ARGV[1])
if max > 0 and redis.call('LLEN', KEYS[1]) >= max then
    return 0
end
redis.call('RPUSH', KEYS[1], ARGV[2])
return 1
`)

// RedisPublisher appends JSON messages to a Redis list.
type RedisPublisher struct {
	client goredis.UniversalClient
	list   string
	maxLen int64
	logger logger.Logger
}

// NewRedisPublisher options: url (required), list, max_length.
func NewRedisPublisher(conf map[string]string, log logger.Logger) (Publisher, error) {
	url, err := config.GetStringRequired(conf, "url")
	if err != nil {
		return nil, fmt.Errorf("redis queue: %w", err)
	}
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis queue: invalid url: %w", err)
	}
	client := goredis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), config.GetDuration(conf, "dial_timeout", 5*time.Second))
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis queue: failed to connect: %w", err)
	}
	return NewRedisPublisherFromClient(client,
		config.GetString(conf, "list", defaultRedisList),
		int64(config.GetInt(conf, "max_length", 0)),
		log), nil
}

func NewRedisPublisherFromClient(client goredis.UniversalClient, list string, maxLen int64, log logger.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, list: list, maxLen: maxLen, logger: log}
}

func (r *RedisPublisher) Publish(ctx context.Context, msg *Message) error {
	raw, err := msg.Encode()
	if err != nil {
		return err
	}
	ok, err := enqueueScript.Run(ctx, r.client, []string{r.list}, r.maxLen, raw).Int64()
	if err != nil {
		return unavailable("redis", err)
	}
	if ok == 0 {
		return unavailable("redis", ErrQueueFull)
	}
	return nil
}

func (r *RedisPublisher) Close() error {
	return r.client.Close()
}

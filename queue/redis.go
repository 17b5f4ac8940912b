package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
	"github.com/redis/go-redis/v9"
)

const DefaultKey = "task_queue"

// RedisQueue is the shared event queue: webhook receivers RPUSH, workers
// BLPOP.
type RedisQueue struct {
	client redis.UniversalClient
	key    string
}

func NewRedisQueue(client redis.UniversalClient, key string) (*RedisQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("queue: redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultKey
	}
	return &RedisQueue{client: client, key: key}, nil
}

func NewRedisClient(cfg core.QueueConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func (q *RedisQueue) Key() string {
	return q.key
}

func (q *RedisQueue) Enqueue(ctx context.Context, raw []byte) error {
	if len(raw) == 0 {
		return core.ErrMalformedEvent("empty payload")
	}
	if err := q.client.RPush(ctx, q.key, raw).Err(); err != nil {
		return core.WrapTransport(err, core.ErrorQueueUnavailable, "queue: enqueue failed")
	}
	return nil
}

// Dequeue blocks up to timeout. Redis rounds sub-second timeouts up to one
// second.
func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) ([]byte, bool, error) {
	if timeout < time.Second {
		timeout = time.Second
	}
	values, err := q.client.BLPop(ctx, timeout, q.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		return nil, false, core.WrapTransport(err, core.ErrorQueueUnavailable, "queue: dequeue failed")
	}
	if len(values) != 2 {
		return nil, false, fmt.Errorf("queue: unexpected BLPOP reply of %d elements", len(values))
	}
	return []byte(values[1]), true, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, core.WrapTransport(err, core.ErrorQueueUnavailable, "queue: depth lookup failed")
	}
	return depth, nil
}

var _ core.EventQueue = (*RedisQueue)(nil)

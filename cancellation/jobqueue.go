package cancellation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-billing-events/core"
	"github.com/goliatone/go-job/queue"
	jobredis "github.com/goliatone/go-job/queue/adapters/redis"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultJobsKey      = "billing_jobs"
	DefaultLeaseTimeout = 2 * time.Minute
)

// JobQueue is the go-job redis adapter keyed under one prefix. Ready ids live
// in <key>:ready, retries in <key>:delayed, leased jobs in <key>:inflight and
// exhausted jobs in <key>:dlq. Leases that expire are handed out again on the
// next dequeue, so a crashed process loses no jobs.
type JobQueue struct {
	*jobredis.Adapter
	client redis.UniversalClient
	key    string
}

func NewRedisJobQueue(client redis.UniversalClient, key string, leaseTimeout time.Duration, opts ...jobredis.Option) (*JobQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("cancellation: redis client is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultJobsKey
	}
	if leaseTimeout <= 0 {
		leaseTimeout = DefaultLeaseTimeout
	}
	storageOpts := append([]jobredis.Option{
		jobredis.WithQueueName(key),
		jobredis.WithVisibilityTimeout(leaseTimeout),
	}, opts...)
	storage := jobredis.NewStorage(redisClient{client: client}, storageOpts...)
	return &JobQueue{
		Adapter: jobredis.NewAdapter(storage),
		client:  client,
		key:     key,
	}, nil
}

func (q *JobQueue) ReadyKey() string    { return q.key + ":ready" }
func (q *JobQueue) DelayedKey() string  { return q.key + ":delayed" }
func (q *JobQueue) InflightKey() string { return q.key + ":inflight" }
func (q *JobQueue) DeadKey() string     { return q.key + ":dlq" }

// Depth reports ready, delayed, leased and dead job counts.
func (q *JobQueue) Depth(ctx context.Context) (JobDepth, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.ReadyKey())
	delayed := pipe.ZCard(ctx, q.DelayedKey())
	inflight := pipe.ZCard(ctx, q.InflightKey())
	dead := pipe.LLen(ctx, q.DeadKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return JobDepth{}, core.WrapTransport(err, core.ErrorQueueUnavailable, "cancellation: depth lookup failed")
	}
	return JobDepth{
		Ready:    ready.Val(),
		Delayed:  delayed.Val(),
		Inflight: inflight.Val(),
		Dead:     dead.Val(),
	}, nil
}

type JobDepth struct {
	Ready    int64 `json:"ready"`
	Delayed  int64 `json:"delayed"`
	Inflight int64 `json:"inflight"`
	Dead     int64 `json:"dead"`
}

// redisClient narrows go-redis to the command set the go-job storage runs.
type redisClient struct {
	client redis.UniversalClient
}

func (c redisClient) HSet(ctx context.Context, key string, values map[string]string) error {
	return c.client.HSet(ctx, key, values).Err()
}

func (c redisClient) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.client.HGetAll(ctx, key).Result()
}

func (c redisClient) HGet(ctx context.Context, key, field string) (string, error) {
	value, err := c.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (c redisClient) HDel(ctx context.Context, key string, fields ...string) error {
	return c.client.HDel(ctx, key, fields...).Err()
}

func (c redisClient) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]any, 0, len(values))
	for _, value := range values {
		args = append(args, value)
	}
	return c.client.LPush(ctx, key, args...).Err()
}

func (c redisClient) RPop(ctx context.Context, key string) (string, error) {
	value, err := c.client.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return value, err
}

func (c redisClient) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return c.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

func (c redisClient) ZRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, 0, len(members))
	for _, member := range members {
		args = append(args, member)
	}
	return c.client.ZRem(ctx, key, args...).Err()
}

func (c redisClient) ZRangeByScore(ctx context.Context, key string, max float64, limit int64) ([]jobredis.ZItem, error) {
	items, err := c.client.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(max, 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]jobredis.ZItem, 0, len(items))
	for _, item := range items {
		member, _ := item.Member.(string)
		out = append(out, jobredis.ZItem{Member: member, Score: item.Score})
	}
	return out, nil
}

func (c redisClient) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	value, err := c.client.Eval(ctx, script, keys, args...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return value, err
}

func (c redisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.client.Expire(ctx, key, ttl).Err()
}

func (c redisClient) Del(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

var (
	_ jobredis.Client            = redisClient{}
	_ queue.Enqueuer             = (*JobQueue)(nil)
	_ queue.Dequeuer             = (*JobQueue)(nil)
	_ queue.DispatchStatusReader = (*JobQueue)(nil)
)

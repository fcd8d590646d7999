package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/arbnet/coordinator/internal/model"
)

// RedisConfig configures the go-redis-backed Client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisClient is the go-redis/v8 implementation of Client, covering
// streams, locks, and scalar keys through one connection pool.
type RedisClient struct {
	rdb *goredis.Client
}

// NewRedisClient dials Redis and pings it so connection failures surface
// at startup rather than on the first stream read.
func NewRedisClient(cfg RedisConfig) (*RedisClient, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisClient{rdb: rdb}, nil
}

func (c *RedisClient) XAdd(ctx context.Context, stream string, fields map[string]string) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		values[k] = v
	}
	id, err := c.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (c *RedisClient) XAck(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s: %w", stream, err)
	}
	return nil
}

func (c *RedisClient) XPending(ctx context.Context, stream, group string) (PendingSummary, error) {
	res, err := c.rdb.XPending(ctx, stream, group).Result()
	if err != nil {
		return PendingSummary{}, fmt.Errorf("xpending %s: %w", stream, err)
	}
	consumers := make(map[string]int64, len(res.Consumers))
	for name, count := range res.Consumers {
		consumers[name] = count
	}
	return PendingSummary{Count: res.Count, Consumers: consumers}, nil
}

func (c *RedisClient) XPendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingDetail, error) {
	res, err := c.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream:  stream,
		Group:   group,
		Start:   "-",
		End:     "+",
		Count:   count,
		Idle:    minIdle,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xpendingrange %s: %w", stream, err)
	}

	out := make([]PendingDetail, 0, len(res))
	for _, p := range res {
		out = append(out, PendingDetail{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return out, nil
}

func (c *RedisClient) XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]model.StreamMessage, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	msgs, err := c.rdb.XClaim(ctx, &goredis.XClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("xclaim %s: %w", stream, err)
	}
	return toStreamMessages(stream, msgs), nil
}

func (c *RedisClient) XReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]model.StreamMessage, error) {
	res, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}

	var out []model.StreamMessage
	for _, s := range res {
		out = append(out, toStreamMessages(s.Stream, s.Messages)...)
	}
	return out, nil
}

// CreateConsumerGroup creates the group at the tail ("$", new messages
// only), tolerating BUSYGROUP — a pre-existing group is not an error.
func (c *RedisClient) CreateConsumerGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

// SetNX implements the leader lease's initial acquisition: lock keys are
// never owned before the first write, so plain SETNX suffices.
func (c *RedisClient) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// renewScript atomically extends a lock's TTL only if the caller still
// owns it, preventing a stale leader from renewing a lease another
// instance has since acquired.
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// releaseScript deletes a lock only if the caller still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

func (c *RedisClient) RenewLockIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := c.rdb.Eval(ctx, renewScript, []string{key}, owner, ttl.Milliseconds()).Result()
	if err != nil {
		return false, fmt.Errorf("renew lock %s: %w", key, err)
	}
	return toInt64(res) == 1, nil
}

func (c *RedisClient) ReleaseLockIfOwner(ctx context.Context, key, owner string) (bool, error) {
	res, err := c.rdb.Eval(ctx, releaseScript, []string{key}, owner).Result()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", key, err)
	}
	return toInt64(res) == 1, nil
}

func (c *RedisClient) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

func (c *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (c *RedisClient) Del(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// Ping verifies the connection is alive, for liveness probes.
func (c *RedisClient) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	default:
		return 0
	}
}

func toStreamMessages(stream string, msgs []goredis.XMessage) []model.StreamMessage {
	out := make([]model.StreamMessage, 0, len(msgs))
	for _, m := range msgs {
		fields := make(map[string]string, len(m.Values))
		for k, v := range m.Values {
			if s, ok := v.(string); ok {
				fields[k] = s
			}
		}
		out = append(out, model.StreamMessage{
			Stream: stream,
			ID:     m.ID,
			Fields: fields,
		})
	}
	return out
}

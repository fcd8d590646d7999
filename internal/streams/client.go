// Package streams defines the Redis-Streams client surface the rest of
// the coordinator consumes, plus a go-redis/v8-backed implementation
// covering the consumer-group read loop, XPENDING+XCLAIM reclaim,
// BUSYGROUP-tolerant group creation, and simple key/lock operations.
package streams

import (
	"context"
	"time"

	"github.com/arbnet/coordinator/internal/model"
)

// PendingSummary is the XPENDING summary reply: total count and, per
// consumer, how many entries it currently owns.
type PendingSummary struct {
	Count     int64
	Consumers map[string]int64 // consumer name -> pending count
}

// PendingDetail is one XPENDING (extended form) entry.
type PendingDetail struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Client is the Redis-Streams surface the coordinator consumes.
type Client interface {
	XAdd(ctx context.Context, stream string, fields map[string]string) (string, error)
	XAck(ctx context.Context, stream, group string, ids ...string) error
	XPending(ctx context.Context, stream, group string) (PendingSummary, error)
	XPendingRange(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingDetail, error)
	XClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, ids ...string) ([]model.StreamMessage, error)
	XReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration, count int64) ([]model.StreamMessage, error)
	CreateConsumerGroup(ctx context.Context, stream, group string) error

	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	RenewLockIfOwner(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLockIfOwner(ctx context.Context, key, owner string) (bool, error)

	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

package domain

import (
	"context"
	"time"
)

// PoolCache provides fast access to pool state between wagers.
//
// Every Invalidate bumps a per-market generation. Readers take the generation
// before loading from the database and pass it to Set, which stores nothing
// once the generation has moved on, so a slow fill never overwrites a newer
// invalidation.
type PoolCache interface {
	Generation(ctx context.Context, marketID string) (int64, error)
	Set(ctx context.Context, state PoolState, gen int64) (stored bool, err error)
	Get(ctx context.Context, marketID string) (PoolState, error)
	Invalidate(ctx context.Context, marketIDs ...string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

package domain

import (
	"context"
	"time"
)

// PriceCache holds the latest traded price per instrument so that processes
// without a tick stream can still answer quote queries.
type PriceCache interface {
	SetLTP(ctx context.Context, key SymbolKey, ltp float64, ts time.Time) error
	GetLTPs(ctx context.Context, keys []SymbolKey) (map[SymbolKey]float64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// JobLock provides distributed locking for scheduled jobs.
type JobLock interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a durable stream.
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

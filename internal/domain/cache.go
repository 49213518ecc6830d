package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest reference quotes.
type PriceCache interface {
	SetQuote(ctx context.Context, q Quote) error
	GetQuote(ctx context.Context, tokenID string) (Quote, error)
	GetQuotes(ctx context.Context, tokenIDs []string) (map[string]Quote, error)
}

// ExposureCounter tracks unhedged notional per market. Reserve increments
// first, then validates against limit and rolls its own increment back on
// breach, so concurrent reservations can never jointly exceed the limit.
type ExposureCounter interface {
	Reserve(ctx context.Context, marketID string, amount, limit float64) (float64, error)
	Release(ctx context.Context, marketID string, amount float64) error
	Current(ctx context.Context, marketID string) (float64, error)
	Total(ctx context.Context) (float64, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
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

// Bus channels and streams.
const (
	ChannelPrices  = "prices"
	ChannelRisk    = "risk"
	StreamHedges   = "hedges"
	ChannelMarkets = "markets"
)

package memory

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// exposureScale stores notional as integer micro-units so the per-market
// counters can use lock-free atomic adds.
const exposureScale = 1e6

type exposureCell struct {
	value atomic.Int64
	peak  atomic.Int64
}

// ExposureCounter is an in-process domain.ExposureCounter. It also records
// the highest accepted exposure per market for inspection in tests.
type ExposureCounter struct {
	mu    sync.RWMutex
	cells map[string]*exposureCell
}

var _ domain.ExposureCounter = (*ExposureCounter)(nil)

// NewExposureCounter returns an empty counter.
func NewExposureCounter() *ExposureCounter {
	return &ExposureCounter{cells: make(map[string]*exposureCell)}
}

func (e *ExposureCounter) cell(marketID string) *exposureCell {
	e.mu.RLock()
	c, ok := e.cells[marketID]
	e.mu.RUnlock()
	if ok {
		return c
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok = e.cells[marketID]; !ok {
		c = &exposureCell{}
		e.cells[marketID] = c
	}
	return c
}

func toUnits(v float64) int64 { return int64(v*exposureScale + 0.5) }

func fromUnits(v int64) float64 { return float64(v) / exposureScale }

// Reserve adds amount, then rolls it back if the new total exceeds limit.
func (e *ExposureCounter) Reserve(_ context.Context, marketID string, amount, limit float64) (float64, error) {
	c := e.cell(marketID)
	units := toUnits(amount)
	total := c.value.Add(units)
	if total > toUnits(limit) {
		c.value.Add(-units)
		return fromUnits(total - units), domain.Reject(domain.ErrRiskRejected,
			"unhedged exposure on %s would reach %.2f (cap %.2f)", marketID, fromUnits(total), limit)
	}
	for {
		p := c.peak.Load()
		if total <= p || c.peak.CompareAndSwap(p, total) {
			break
		}
	}
	return fromUnits(total), nil
}

// Release subtracts amount, never going below zero.
func (e *ExposureCounter) Release(_ context.Context, marketID string, amount float64) error {
	c := e.cell(marketID)
	units := toUnits(amount)
	if v := c.value.Add(-units); v < 0 {
		c.value.Add(-v)
	}
	return nil
}

// Current returns the market's unhedged exposure.
func (e *ExposureCounter) Current(_ context.Context, marketID string) (float64, error) {
	return fromUnits(e.cell(marketID).value.Load()), nil
}

// Total sums every market.
func (e *ExposureCounter) Total(_ context.Context) (float64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var sum int64
	for _, c := range e.cells {
		sum += c.value.Load()
	}
	return fromUnits(sum), nil
}

// Peak returns the highest accepted exposure seen for marketID.
func (e *ExposureCounter) Peak(marketID string) float64 {
	return fromUnits(e.cell(marketID).peak.Load())
}

// PriceCache is an in-process domain.PriceCache.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]domain.Quote
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache returns an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]domain.Quote)}
}

func (p *PriceCache) SetQuote(_ context.Context, q domain.Quote) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[q.TokenID] = q
	return nil
}

func (p *PriceCache) GetQuote(_ context.Context, tokenID string) (domain.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[tokenID]
	if !ok {
		return domain.Quote{}, fmt.Errorf("memory: quote %s: %w", tokenID, domain.ErrNotFound)
	}
	return q, nil
}

func (p *PriceCache) GetQuotes(_ context.Context, tokenIDs []string) (map[string]domain.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]domain.Quote, len(tokenIDs))
	for _, id := range tokenIDs {
		if q, ok := p.quotes[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

// SignalBus is an in-process domain.SignalBus. Publish never blocks: a
// subscriber whose buffer is full misses the message.
type SignalBus struct {
	mu      sync.Mutex
	subs    map[string][]chan []byte
	streams map[string][]domain.StreamMessage
}

var _ domain.SignalBus = (*SignalBus)(nil)

// NewSignalBus returns an empty bus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subs:    make(map[string][]chan []byte),
		streams: make(map[string][]domain.StreamMessage),
	}
}

func (b *SignalBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[channel] {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 128)
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[channel]
		for i, c := range list {
			if c == ch {
				b.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

func (b *SignalBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := strconv.Itoa(len(b.streams[stream])+1) + "-0"
	b.streams[stream] = append(b.streams[stream], domain.StreamMessage{ID: id, Payload: payload})
	return nil
}

func (b *SignalBus) StreamRead(_ context.Context, stream string, lastID string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := 0
	if lastID != "" && lastID != "0" {
		for i, m := range b.streams[stream] {
			if m.ID == lastID {
				start = i + 1
				break
			}
		}
	}
	msgs := b.streams[stream][start:]
	if count > 0 && len(msgs) > count {
		msgs = msgs[:count]
	}
	return append([]domain.StreamMessage(nil), msgs...), nil
}

// LockManager is an in-process domain.LockManager with TTL expiry.
type LockManager struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

var _ domain.LockManager = (*LockManager)(nil)

// NewLockManager returns an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{held: make(map[string]time.Time), now: time.Now}
}

func (l *LockManager) Acquire(_ context.Context, key string, ttl time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if exp, ok := l.held[key]; ok && l.now().Before(exp) {
		return nil, fmt.Errorf("memory: lock %s: %w", key, domain.ErrLockHeld)
	}
	l.held[key] = l.now().Add(ttl)
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

// RateLimiter is an in-process sliding-window domain.RateLimiter.
type RateLimiter struct {
	mu   sync.Mutex
	hits map[string][]time.Time
	now  func() time.Time
}

var _ domain.RateLimiter = (*RateLimiter)(nil)

// NewRateLimiter returns an empty limiter.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{hits: make(map[string][]time.Time), now: time.Now}
}

func (r *RateLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	cutoff := now.Add(-window)
	kept := r.hits[key][:0]
	for _, t := range r.hits[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= limit {
		r.hits[key] = kept
		return false, nil
	}
	r.hits[key] = append(kept, now)
	return true, nil
}

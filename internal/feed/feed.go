// Package feed ingests the reference venue's live prices, keeps externally
// sourced markets in step with them, and serves the latest reference quote
// to the hedge pipeline.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/market"
	"github.com/alanyoungcy/ammhedge/internal/platform/polymarket"
)

// Stream is a long-lived market-data session. Run blocks, reconnecting as
// needed and resubscribing to the last asset set on every (re)connect.
// SetAssets replaces the whole subscription.
type Stream interface {
	Run(ctx context.Context, handle func(ctx context.Context, raw []byte)) error
	SetAssets(ctx context.Context, assetIDs []string) error
}

// Options tunes the feed.
type Options struct {
	RefreshInterval time.Duration
	BucketWidth     time.Duration
}

// Feed is the reference price ingestion worker.
type Feed struct {
	store   domain.Store
	markets *market.State
	stream  Stream
	cache   domain.PriceCache // optional
	bus     domain.SignalBus  // optional
	opts    Options
	index   *TokenIndex
	logger  *slog.Logger
	now     func() time.Time

	touchMu sync.Mutex
	touched map[string]time.Time
}

// New creates a Feed. cache and bus may be nil.
func New(
	store domain.Store,
	markets *market.State,
	stream Stream,
	cache domain.PriceCache,
	bus domain.SignalBus,
	opts Options,
	logger *slog.Logger,
) *Feed {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 5 * time.Minute
	}
	if opts.BucketWidth <= 0 {
		opts.BucketWidth = time.Minute
	}
	return &Feed{
		store:   store,
		markets: markets,
		stream:  stream,
		cache:   cache,
		bus:     bus,
		opts:    opts,
		index:   NewTokenIndex(),
		logger:  logger.With(slog.String("component", "reference_feed")),
		now:     time.Now,
		touched: map[string]time.Time{},
	}
}

// SetClock replaces the time source.
func (f *Feed) SetClock(now func() time.Time) { f.now = now }

// Index exposes the token index.
func (f *Feed) Index() *TokenIndex { return f.index }

// Run loads the mappings, then runs the stream and the refresh loop until
// ctx is cancelled or the stream fails permanently.
func (f *Feed) Run(ctx context.Context) error {
	if _, err := f.Refresh(ctx); err != nil {
		f.logger.WarnContext(ctx, "initial mapping load failed", slog.String("error", err.Error()))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return f.stream.Run(ctx, f.HandleMessage)
	})
	g.Go(func() error {
		ticker := time.NewTicker(f.opts.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if _, err := f.Refresh(ctx); err != nil {
					f.logger.WarnContext(ctx, "mapping refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	})
	err := g.Wait()
	f.logger.InfoContext(ctx, "reference feed stopped")
	return err
}

// Refresh rebuilds the token index from active mappings of active markets
// and, when the token set changed, issues a full resubscription.
func (f *Feed) Refresh(ctx context.Context) (bool, error) {
	mappings, err := f.store.Mappings().ListActive(ctx)
	if err != nil {
		return false, fmt.Errorf("feed: list mappings: %w", err)
	}

	refs := make(map[string]domain.TokenRef)
	for _, mm := range mappings {
		m, err := f.store.Markets().GetByID(ctx, mm.MarketID)
		if err != nil {
			f.logger.WarnContext(ctx, "mapping references unknown market",
				slog.String("market_id", mm.MarketID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if m.Status != domain.MarketStatusActive {
			continue
		}
		for _, t := range mm.Tokens {
			if t.TokenID == "" {
				continue
			}
			refs[t.TokenID] = domain.TokenRef{
				MarketID:       m.ID,
				OutcomeID:      t.OutcomeID,
				Side:           t.Side,
				ExternalSource: m.ExternalSource,
			}
		}
	}

	tokens, changed := f.index.Rebuild(refs)
	if !changed {
		return false, nil
	}
	if err := f.stream.SetAssets(ctx, tokens); err != nil {
		return true, fmt.Errorf("feed: resubscribe: %w", err)
	}
	f.logger.InfoContext(ctx, "resubscribed", slog.Int("tokens", len(tokens)))
	return true, nil
}

// HandleMessage processes one raw frame. Malformed frames and per-update
// failures are logged and dropped.
func (f *Feed) HandleMessage(ctx context.Context, raw []byte) {
	events, err := polymarket.DecodeEvents(raw, f.now())
	if err != nil {
		if errors.Is(err, polymarket.ErrUnhandled) {
			f.logger.DebugContext(ctx, "ignored frame", slog.String("reason", err.Error()))
			return
		}
		f.logger.WarnContext(ctx, "dropped malformed frame", slog.String("error", err.Error()))
		return
	}
	for _, ev := range events {
		q, ok := toQuote(ev)
		if !ok {
			continue
		}
		if err := f.Apply(ctx, q); err != nil {
			f.logger.WarnContext(ctx, "price update failed",
				slog.String("token_id", q.TokenID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// toQuote derives a reference price from a trade print or a two-sided book.
func toQuote(ev polymarket.Event) (domain.Quote, bool) {
	switch e := ev.(type) {
	case polymarket.TradeEvent:
		return domain.Quote{TokenID: e.AssetID, Price: e.Price, At: e.At}, true
	case polymarket.QuoteEvent:
		mid, ok := e.Mid()
		if !ok {
			return domain.Quote{}, false
		}
		return domain.Quote{TokenID: e.AssetID, Price: mid, BestBid: e.BestBid, BestAsk: e.BestAsk, At: e.At}, true
	}
	return domain.Quote{}, false
}

// Apply ingests one reference quote: it records the last price, moves an
// externally sourced market to the implied state, upserts the bucketed
// PricePoint and publishes a PriceUpdate. Unmapped tokens are ignored.
func (f *Feed) Apply(ctx context.Context, q domain.Quote) error {
	ref, ok := f.index.Lookup(q.TokenID)
	if !ok {
		return nil
	}
	if math.IsNaN(q.Price) {
		return domain.Reject(domain.ErrValidation, "price is NaN")
	}
	q.Price = clamp01(q.Price)
	now := f.now()
	if q.At.IsZero() || q.At.After(now) {
		q.At = now
	}

	f.index.SetLast(q)
	if f.cache != nil {
		if err := f.cache.SetQuote(ctx, q); err != nil {
			f.logger.DebugContext(ctx, "price cache write failed", slog.String("error", err.Error()))
		}
	}

	probability := q.Price
	if ref.ExternalSource {
		m, err := f.markets.SetImplied(ctx, ref.MarketID, ref.OutcomeID, q.Price)
		if err != nil {
			return fmt.Errorf("feed: set implied %s: %w", ref.MarketID, err)
		}
		if o, ok := m.Outcome(ref.OutcomeID); ok {
			probability = o.Probability
		}
	}

	point := domain.PricePoint{
		MarketID:    ref.MarketID,
		OutcomeID:   ref.OutcomeID,
		Bucket:      domain.BucketOf(now, f.opts.BucketWidth),
		Price:       q.Price,
		Probability: probability,
		Source:      domain.PriceSourceReference,
	}
	if err := f.store.PricePoints().Upsert(ctx, point); err != nil {
		return fmt.Errorf("feed: upsert price point: %w", err)
	}

	f.publish(ctx, domain.PriceUpdate{
		MarketID:    ref.MarketID,
		OutcomeID:   ref.OutcomeID,
		Probability: probability,
		Price:       q.Price,
		TimestampMs: now.UnixMilli(),
	})
	f.touch(ctx, ref.MarketID, now)
	return nil
}

func (f *Feed) publish(ctx context.Context, u domain.PriceUpdate) {
	if f.bus == nil {
		return
	}
	payload, err := json.Marshal(u)
	if err != nil {
		return
	}
	if err := f.bus.Publish(ctx, domain.ChannelPrices, payload); err != nil {
		f.logger.DebugContext(ctx, "price fan-out dropped", slog.String("error", err.Error()))
	}
}

// touch stamps the mapping's last sync at most once per bucket.
func (f *Feed) touch(ctx context.Context, marketID string, now time.Time) {
	f.touchMu.Lock()
	last, ok := f.touched[marketID]
	due := !ok || now.Sub(last) >= f.opts.BucketWidth
	if due {
		f.touched[marketID] = now
	}
	f.touchMu.Unlock()
	if !due {
		return
	}
	if err := f.store.Mappings().TouchSynced(ctx, marketID, now); err != nil {
		f.logger.DebugContext(ctx, "touch mapping failed", slog.String("error", err.Error()))
	}
}

// TokenFor returns the venue token hedging the given outcome.
func (f *Feed) TokenFor(marketID, outcomeID string) (string, bool) {
	return f.index.TokenFor(marketID, outcomeID)
}

// LastQuote returns the freshest known quote for tokenID, falling back to
// the shared price cache when this process has not seen the token.
func (f *Feed) LastQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	if q, ok := f.index.Last(tokenID); ok {
		return q, nil
	}
	if f.cache != nil {
		q, err := f.cache.GetQuote(ctx, tokenID)
		if err == nil {
			return q, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Quote{}, fmt.Errorf("feed: price cache: %w", err)
		}
	}
	return domain.Quote{}, fmt.Errorf("feed: no quote for token %s: %w", tokenID, domain.ErrNotFound)
}

func clamp01(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

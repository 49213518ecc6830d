package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// quoteTTL bounds how long a quote for a token nobody streams any more
// lingers.
const quoteTTL = 24 * time.Hour

// PriceCache implements domain.PriceCache with one hash per token at
// "quote:{tokenID}" holding price, bid, ask and ts (unix nanoseconds).
type PriceCache struct {
	rdb *redis.Client
}

var _ domain.PriceCache = (*PriceCache)(nil)

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.Underlying()}
}

func quoteKey(tokenID string) string {
	return "quote:" + tokenID
}

// SetQuote stores q as the latest quote for its token.
func (pc *PriceCache) SetQuote(ctx context.Context, q domain.Quote) error {
	key := quoteKey(q.TokenID)
	pipe := pc.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(q.Price, 'f', -1, 64),
		"bid":   strconv.FormatFloat(q.BestBid, 'f', -1, 64),
		"ask":   strconv.FormatFloat(q.BestAsk, 'f', -1, 64),
		"ts":    strconv.FormatInt(q.At.UnixNano(), 10),
	})
	pipe.Expire(ctx, key, quoteTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s: %w", q.TokenID, err)
	}
	return nil
}

// GetQuote returns the latest quote or domain.ErrNotFound.
func (pc *PriceCache) GetQuote(ctx context.Context, tokenID string) (domain.Quote, error) {
	vals, err := pc.rdb.HGetAll(ctx, quoteKey(tokenID)).Result()
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", tokenID, err)
	}
	q, err := parseQuote(tokenID, vals)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("redis: get quote %s: %w", tokenID, err)
	}
	return q, nil
}

// GetQuotes fetches several quotes in one pipeline. Tokens without a quote
// are omitted.
func (pc *PriceCache) GetQuotes(ctx context.Context, tokenIDs []string) (map[string]domain.Quote, error) {
	out := make(map[string]domain.Quote, len(tokenIDs))
	if len(tokenIDs) == 0 {
		return out, nil
	}

	pipe := pc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(tokenIDs))
	for _, id := range tokenIDs {
		cmds[id] = pipe.HGetAll(ctx, quoteKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get quotes pipeline: %w", err)
	}

	for id, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil {
			continue
		}
		if q, err := parseQuote(id, vals); err == nil {
			out[id] = q
		}
	}
	return out, nil
}

func parseQuote(tokenID string, vals map[string]string) (domain.Quote, error) {
	if len(vals) == 0 {
		return domain.Quote{}, domain.ErrNotFound
	}
	price, err := strconv.ParseFloat(vals["price"], 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("parse price: %w", err)
	}
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return domain.Quote{}, fmt.Errorf("parse ts: %w", err)
	}
	q := domain.Quote{TokenID: tokenID, Price: price, At: time.Unix(0, ts).UTC()}
	q.BestBid, _ = strconv.ParseFloat(vals["bid"], 64)
	q.BestAsk, _ = strconv.ParseFloat(vals["ask"], 64)
	return q, nil
}

package redis

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

//go:embed scripts/exposure_reserve.lua
var exposureReserveLua string

//go:embed scripts/exposure_release.lua
var exposureReleaseLua string

const (
	exposureScale     = 1e6
	exposureMarketSet = "exposure:markets"
)

// ExposureCounter implements domain.ExposureCounter with one integer
// counter per market, in micro-units. Reserve and Release run as Lua scripts
// so the increment, limit check and rollback are a single atomic step shared
// by every API instance.
type ExposureCounter struct {
	rdb     *redis.Client
	reserve *redis.Script
	release *redis.Script
}

var _ domain.ExposureCounter = (*ExposureCounter)(nil)

// NewExposureCounter creates an ExposureCounter backed by the given Client.
func NewExposureCounter(c *Client) *ExposureCounter {
	return &ExposureCounter{
		rdb:     c.Underlying(),
		reserve: redis.NewScript(exposureReserveLua),
		release: redis.NewScript(exposureReleaseLua),
	}
}

func exposureKey(marketID string) string {
	return "exposure:" + marketID
}

func toUnits(v float64) int64 { return int64(v*exposureScale + 0.5) }

func fromUnits(v int64) float64 { return float64(v) / exposureScale }

// Reserve adds amount to marketID's exposure unless that would exceed limit.
func (e *ExposureCounter) Reserve(ctx context.Context, marketID string, amount, limit float64) (float64, error) {
	res, err := e.reserve.Run(ctx, e.rdb,
		[]string{exposureKey(marketID), exposureMarketSet},
		toUnits(amount), toUnits(limit), marketID,
	).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("redis: reserve exposure %s: %w", marketID, err)
	}
	if len(res) != 3 {
		return 0, fmt.Errorf("redis: reserve exposure %s: unexpected result length %d", marketID, len(res))
	}
	if res[0] == 0 {
		return fromUnits(res[1]), domain.Reject(domain.ErrRiskRejected,
			"unhedged exposure on %s would reach %.2f (cap %.2f)", marketID, fromUnits(res[2]), limit)
	}
	return fromUnits(res[1]), nil
}

// Release subtracts amount, flooring at zero.
func (e *ExposureCounter) Release(ctx context.Context, marketID string, amount float64) error {
	err := e.release.Run(ctx, e.rdb,
		[]string{exposureKey(marketID), exposureMarketSet},
		toUnits(amount), marketID,
	).Err()
	if err != nil {
		return fmt.Errorf("redis: release exposure %s: %w", marketID, err)
	}
	return nil
}

// Current returns marketID's unhedged exposure.
func (e *ExposureCounter) Current(ctx context.Context, marketID string) (float64, error) {
	v, err := e.rdb.Get(ctx, exposureKey(marketID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis: exposure %s: %w", marketID, err)
	}
	return fromUnits(max(v, 0)), nil
}

// Total sums exposure across every market that currently has any.
func (e *ExposureCounter) Total(ctx context.Context) (float64, error) {
	markets, err := e.rdb.SMembers(ctx, exposureMarketSet).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: exposure markets: %w", err)
	}
	if len(markets) == 0 {
		return 0, nil
	}
	keys := make([]string, len(markets))
	for i, m := range markets {
		keys[i] = exposureKey(m)
	}
	vals, err := e.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: exposure totals: %w", err)
	}
	var sum int64
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var n int64
		if _, err := fmt.Sscan(s, &n); err == nil && n > 0 {
			sum += n
		}
	}
	return fromUnits(sum), nil
}

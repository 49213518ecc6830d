package hedge_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/hedge"
)

func TestPaperVenue(t *testing.T) {
	ctx := context.Background()
	prices := &staticPrices{quotes: map[string]domain.Quote{"tok": {TokenID: "tok", Price: 0.40}}}
	venue := hedge.NewPaperVenue(prices, 0.002)

	fill, err := venue.PlaceOrder(ctx, domain.VenueOrder{TokenID: "tok", Side: domain.OrderSideBuy, Size: 100, LimitPrice: 0.42})
	require.NoError(t, err)
	assert.True(t, fill.Filled())
	assert.InDelta(t, 0.40, fill.AvgPrice, 1e-12)
	assert.InDelta(t, 0.08, fill.Fees, 1e-12)

	got, err := venue.OrderStatus(ctx, fill.OrderID)
	require.NoError(t, err)
	assert.Equal(t, fill, got)

	killed, err := venue.PlaceOrder(ctx, domain.VenueOrder{TokenID: "tok", Side: domain.OrderSideSell, Size: 100, LimitPrice: 0.42})
	require.NoError(t, err)
	assert.Equal(t, domain.VenueOrderCancelled, killed.Status)

	_, err = venue.PlaceOrder(ctx, domain.VenueOrder{TokenID: "missing", Side: domain.OrderSideBuy, Size: 1, LimitPrice: 0.5})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = venue.PlaceOrder(ctx, domain.VenueOrder{TokenID: "tok", Side: domain.OrderSideBuy, Size: 0, LimitPrice: 0.5})
	assert.ErrorIs(t, err, domain.ErrValidation)

	assert.ErrorIs(t, venue.CancelOrder(ctx, "nope"), domain.ErrNotFound)
}

func TestPaperVenueForgetsOldOrders(t *testing.T) {
	ctx := context.Background()
	prices := &staticPrices{quotes: map[string]domain.Quote{"tok": {TokenID: "tok", Price: 0.40}}}
	venue := hedge.NewPaperVenue(prices, 0)
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	venue.SetClock(func() time.Time { return now })

	order := domain.VenueOrder{TokenID: "tok", Side: domain.OrderSideBuy, Size: 10, LimitPrice: 0.5}
	old, err := venue.PlaceOrder(ctx, order)
	require.NoError(t, err)

	now = now.Add(hedge.PaperOrderTTL / 2)
	recent, err := venue.PlaceOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, 2, venue.Len())

	now = now.Add(hedge.PaperOrderTTL / 2)
	venue.Cleanup()
	assert.Equal(t, 1, venue.Len())
	_, err = venue.OrderStatus(ctx, old.OrderID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = venue.OrderStatus(ctx, recent.OrderID)
	require.NoError(t, err)

	// Placing sweeps too, once per TTL.
	now = now.Add(hedge.PaperOrderTTL)
	_, err = venue.PlaceOrder(ctx, order)
	require.NoError(t, err)
	assert.Equal(t, 1, venue.Len())
}

func TestDedup(t *testing.T) {
	d := hedge.NewDedup(time.Minute)
	assert.True(t, d.Claim("a"))
	assert.False(t, d.Claim("a"))
	assert.Equal(t, 1, d.Len())
	d.Release("a")
	assert.True(t, d.Claim("a"))
}

package domain_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

func TestMarketStatusTransitions(t *testing.T) {
	assert.True(t, domain.MarketStatusActive.CanTransition(domain.MarketStatusClosed))
	assert.True(t, domain.MarketStatusClosed.CanTransition(domain.MarketStatusResolved))
	assert.True(t, domain.MarketStatusActive.CanTransition(domain.MarketStatusCancelled))

	assert.False(t, domain.MarketStatusClosed.CanTransition(domain.MarketStatusActive))
	assert.False(t, domain.MarketStatusResolved.CanTransition(domain.MarketStatusClosed))
	assert.False(t, domain.MarketStatusResolved.CanTransition(domain.MarketStatusResolved))
	assert.False(t, domain.MarketStatusCancelled.CanTransition(domain.MarketStatusResolved))
}

func TestHedgeStatusNoRegression(t *testing.T) {
	assert.True(t, domain.HedgeStatusPending.CanTransition(domain.HedgeStatusHedged))
	assert.True(t, domain.HedgeStatusPending.CanTransition(domain.HedgeStatusFailed))
	assert.False(t, domain.HedgeStatusHedged.CanTransition(domain.HedgeStatusPending))
	assert.False(t, domain.HedgeStatusFailed.CanTransition(domain.HedgeStatusHedged))
}

func TestRejectErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("hedge: submit: %w", domain.Reject(domain.ErrRiskRejected, "size %.0f exceeds %.0f", 10.0, 5.0))
	assert.True(t, errors.Is(err, domain.ErrRiskRejected))
	assert.False(t, errors.Is(err, domain.ErrValidation))
	assert.Equal(t, "size 10 exceeds 5", domain.Reason(err))
}

func TestTradeRequestValidate(t *testing.T) {
	ok := domain.TradeRequest{UserID: "u", MarketID: "m", OutcomeID: "o", Side: domain.OrderSideBuy, Amount: 1}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Amount = 0
	assert.ErrorIs(t, bad.Validate(), domain.ErrValidation)

	bad = ok
	bad.Side = "hold"
	assert.ErrorIs(t, bad.Validate(), domain.ErrValidation)
}

func TestBucketOf(t *testing.T) {
	ts := time.Date(2026, 3, 1, 10, 7, 42, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 7, 0, 0, time.UTC), domain.BucketOf(ts, time.Minute))
	assert.Equal(t, time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC), domain.BucketOf(ts, 5*time.Minute))
}

func TestHedgeConfigEffectiveMarkup(t *testing.T) {
	c := domain.HedgeConfig{MinSpreadBps: 200}
	assert.Equal(t, 200.0, c.EffectiveMarkupBps())
	c.MarkupBps = 300
	assert.Equal(t, 300.0, c.EffectiveMarkupBps())
}

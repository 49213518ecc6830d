package postgres

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/config"
	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// newTestStore connects to AMMHEDGE_TEST_POSTGRES_DSN, migrates and wipes
// every table. Tests skip when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("AMMHEDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AMMHEDGE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, config.PostgresConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(c.Close)
	require.NoError(t, c.RunMigrations(ctx))
	_, err = c.Pool().Exec(ctx, `TRUNCATE markets, outcomes, market_mappings, price_points, orders,
		hedge_positions, positions, balances, risk_snapshots, hedge_config, audit_log RESTART IDENTITY CASCADE`)
	require.NoError(t, err)
	return NewStore(c.Pool())
}

func binaryMarket(id string) domain.Market {
	return domain.Market{
		ID: id, Slug: id, Question: "Will it happen?", Kind: domain.MarketKindBinary,
		Status: domain.MarketStatusActive, B: 100,
		Outcomes: []domain.Outcome{
			{ID: id + "-yes", MarketID: id, Name: "Yes", Side: domain.SideYes, Probability: 0.5},
			{ID: id + "-no", MarketID: id, Name: "No", Side: domain.SideNo, Probability: 0.5},
		},
	}
}

func TestMarketLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := binaryMarket("m1")
	due := time.Now().Add(-time.Hour)
	m.ResolutionDate = &due
	require.NoError(t, s.Markets().Create(ctx, m))
	assert.ErrorIs(t, s.Markets().Create(ctx, m), domain.ErrAlreadyExists)

	got, err := s.Markets().GetByID(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, got.Outcomes, 2)
	assert.Equal(t, domain.SideYes, got.Outcomes[0].Side)

	require.NoError(t, s.Markets().UpdateOutcomes(ctx, "m1", []domain.Outcome{{ID: "m1-yes", Liquidity: 12, Probability: 0.53}}))
	got, err = s.Markets().GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.InDelta(t, 12, got.Outcomes[0].Liquidity, 1e-9)

	dueList, err := s.Markets().ListDue(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, dueList, 1)

	now := time.Now()
	require.NoError(t, s.Markets().UpdateStatus(ctx, "m1", domain.MarketStatusActive, domain.MarketStatusResolved, "m1-yes", &now))
	// Writers holding a stale "active" read lose.
	assert.ErrorIs(t, s.Markets().UpdateStatus(ctx, "m1", domain.MarketStatusActive, domain.MarketStatusClosed, "", nil), domain.ErrAlreadyResolved)
	assert.ErrorIs(t, s.Markets().UpdateOutcomes(ctx, "m1", []domain.Outcome{{ID: "m1-yes", Liquidity: 40, Probability: 0.9}}), domain.ErrAlreadyResolved)
	got, err = s.Markets().GetByID(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, got.Status)
	assert.Equal(t, "m1-yes", got.Result)
	assert.InDelta(t, 12, got.Outcomes[0].Liquidity, 1e-9)
	dueList, err = s.Markets().ListDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, dueList)

	_, err = s.Markets().GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestMappingTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Markets().Create(ctx, binaryMarket("m1")))

	mm := domain.MarketMapping{
		MarketID: "m1", ExternalMarketID: "0xcond", Active: true,
		Tokens: []domain.MappingToken{{TokenID: "111", OutcomeID: "m1-yes", Side: domain.SideYes}},
	}
	require.NoError(t, s.Mappings().Upsert(ctx, mm))
	require.NoError(t, s.Mappings().TouchSynced(ctx, "m1", time.Now()))

	got, err := s.Mappings().GetByMarket(ctx, "m1")
	require.NoError(t, err)
	tok, ok := got.TokenFor("m1-yes")
	assert.True(t, ok)
	assert.Equal(t, "111", tok)
	assert.NotNil(t, got.LastSyncedAt)

	active, err := s.Mappings().ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestWithTxRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.Balances().Credit(ctx, "u1", 50); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := s.Balances().Get(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, b.Amount)
}

func TestBalanceDebitNeverOverdraws(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, err := s.Balances().Credit(ctx, "u1", 100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Balances().Debit(ctx, "u1", 10); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrValidation)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	b, err := s.Balances().Get(ctx, "u1")
	require.NoError(t, err)
	assert.InDelta(t, 0, b.Amount, 1e-9)
}

func TestHedgeTransitionAndStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Markets().Create(ctx, binaryMarket("m1")))

	require.NoError(t, s.Hedges().Create(ctx, domain.HedgePosition{
		ID: "h1", OrderID: "o1", MarketID: "m1", OutcomeID: "m1-yes", Side: domain.OrderSideBuy,
		Size: 10, ExternalPrice: 0.5, Status: domain.HedgeStatusHedged, Fees: 0.01, NetProfit: 0.2,
	}))
	require.NoError(t, s.Hedges().Create(ctx, domain.HedgePosition{
		ID: "h2", MarketID: "m1", OutcomeID: "m1-yes", Side: domain.OrderSideBuy,
		Size: 5, Status: domain.HedgeStatusPending, ExternalOrderID: "ext-2",
	}))
	// Orphans share the empty order id.
	require.NoError(t, s.Hedges().Create(ctx, domain.HedgePosition{
		ID: "h3", MarketID: "m1", OutcomeID: "m1-yes", Side: domain.OrderSideSell,
		Size: 5, Status: domain.HedgeStatusPending,
	}))
	assert.ErrorIs(t, s.Hedges().Create(ctx, domain.HedgePosition{ID: "h4", OrderID: "o1", MarketID: "m1", Status: domain.HedgeStatusPending}), domain.ErrAlreadyExists)

	require.NoError(t, s.Hedges().Transition(ctx, "h3", domain.HedgeStatusFailed, 0, 0))
	err := s.Hedges().Transition(ctx, "h3", domain.HedgeStatusHedged, 0.4, 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.ErrorIs(t, s.Hedges().Transition(ctx, "nope", domain.HedgeStatusFailed, 0, 0), domain.ErrNotFound)

	pending, err := s.Hedges().ListByStatus(ctx, domain.HedgeStatusPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "h2", pending[0].ID)

	st, err := s.Hedges().Stats(ctx, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, st.Total)
	assert.EqualValues(t, 1, st.Hedged)
	assert.EqualValues(t, 1, st.Failed)
	assert.EqualValues(t, 1, st.Pending)
	assert.InDelta(t, 0.5, st.SuccessRate, 1e-9)
	assert.InDelta(t, 5, st.ByMarket["m1"], 1e-9)
}

func TestPricePointsArchiveWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.PricePoints().Upsert(ctx, domain.PricePoint{
			MarketID: "m1", OutcomeID: "yes", Bucket: base.Add(time.Duration(i) * time.Hour),
			Price: 0.5, Probability: 0.5, Source: domain.PriceSourceReference,
		}))
	}
	// Same bucket replaces.
	require.NoError(t, s.PricePoints().Upsert(ctx, domain.PricePoint{
		MarketID: "m1", OutcomeID: "yes", Bucket: base, Price: 0.6, Probability: 0.6, Source: domain.PriceSourceAMM,
	}))

	old, err := s.PricePoints().ListBefore(ctx, base.Add(2*time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, old, 2)
	assert.InDelta(t, 0.6, old[0].Price, 1e-9)
	assert.True(t, base.Equal(old[0].Bucket))

	n, err := s.PricePoints().DeleteBefore(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rest, err := s.PricePoints().List(ctx, "m1", "", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}

func TestHedgeConfigAndAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.HedgeConfig().Get(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	cfg := domain.HedgeConfig{Enabled: true, MinSpreadBps: 50, MaxUnhedgedExposure: 1000, MaxPositionSize: 100, HedgeTimeoutMs: 5000, MaxQuoteAgeMs: 3000}
	require.NoError(t, s.HedgeConfig().Put(ctx, cfg))
	got, err := s.HedgeConfig().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg, got)

	require.NoError(t, s.Audit().Log(ctx, "first", map[string]any{"n": 1}))
	require.NoError(t, s.Audit().Log(ctx, "second", nil))
	entries, err := s.Audit().List(ctx, domain.ListOpts{Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Event)

	_, err = s.Risk().Latest(ctx)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	require.NoError(t, s.Risk().Insert(ctx, domain.RiskSnapshot{TakenAt: time.Now(), SuccessRate: 1, BreakerState: domain.BreakerClosed}))
	snap, err := s.Risk().Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.BreakerClosed, snap.BreakerState)
}

package market_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/market"
	"github.com/alanyoungcy/ammhedge/internal/store/memory"
)

func newState(t *testing.T) (*market.State, *memory.Store) {
	t.Helper()
	st := memory.New()
	return market.NewState(st, slog.New(slog.NewTextHandler(io.Discard, nil))), st
}

func TestCreateBinaryDefaults(t *testing.T) {
	s, _ := newState(t)
	m, err := s.Create(context.Background(), domain.Market{ID: "m1", B: 10_000})
	require.NoError(t, err)

	assert.Equal(t, domain.MarketStatusActive, m.Status)
	require.Len(t, m.Outcomes, 2)
	yes, _ := m.OutcomeBySide(domain.SideYes)
	no, _ := m.OutcomeBySide(domain.SideNo)
	assert.Equal(t, 0.5, yes.Probability)
	assert.Equal(t, 0.5, no.Probability)
}

func TestCreateRejectsBadInput(t *testing.T) {
	s, _ := newState(t)
	ctx := context.Background()

	_, err := s.Create(ctx, domain.Market{ID: "a", B: 0})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Create(ctx, domain.Market{ID: "b", B: 10, Kind: domain.MarketKindMulti,
		Outcomes: []domain.Outcome{{ID: "only"}}})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = s.Create(ctx, domain.Market{ID: "c", B: 10, Kind: domain.MarketKindGroupedBinary})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestApplyTradeMovesPrice(t *testing.T) {
	s, st := newState(t)
	ctx := context.Background()
	m, err := s.Create(ctx, domain.Market{ID: "m1", B: 100})
	require.NoError(t, err)
	yes, _ := m.OutcomeBySide(domain.SideYes)

	var updated domain.Market
	require.NoError(t, st.WithTx(ctx, func(tx domain.Tx) error {
		updated, err = s.ApplyTrade(ctx, tx, "m1", yes.ID, 50)
		return err
	}))
	assert.Equal(t, 50.0, updated.QYes())
	y, _ := updated.OutcomeBySide(domain.SideYes)
	n, _ := updated.OutcomeBySide(domain.SideNo)
	assert.Greater(t, y.Probability, 0.5)
	assert.InDelta(t, 1.0, y.Probability+n.Probability, 1e-12)

	stored, err := s.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, stored.QYes())
}

func TestApplyTradeRejectedOnExternalMarket(t *testing.T) {
	s, st := newState(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.Market{ID: "ext", B: 100, ExternalSource: true})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(tx domain.Tx) error {
		_, err := s.ApplyTrade(ctx, tx, "ext", "ext-yes", 10)
		return err
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSetImpliedRejectedOnInternalMarket(t *testing.T) {
	s, _ := newState(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.Market{ID: "int", B: 100})
	require.NoError(t, err)

	_, err = s.SetImplied(ctx, "int", "int-yes", 0.7)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestSetImpliedBinaryEitherSide(t *testing.T) {
	s, _ := newState(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.Market{ID: "ext", B: 500, ExternalSource: true})
	require.NoError(t, err)

	m, err := s.SetImplied(ctx, "ext", "ext-yes", 0.7)
	require.NoError(t, err)
	y, _ := m.OutcomeBySide(domain.SideYes)
	n, _ := m.OutcomeBySide(domain.SideNo)
	assert.InDelta(t, 0.7, y.Probability, 1e-9)
	assert.InDelta(t, 0.3, n.Probability, 1e-9)

	// A NO quote that is not the complement of the last YES quote wins
	// outright; the pair stays complementary.
	m, err = s.SetImplied(ctx, "ext", "ext-no", 0.4)
	require.NoError(t, err)
	y, _ = m.OutcomeBySide(domain.SideYes)
	n, _ = m.OutcomeBySide(domain.SideNo)
	assert.InDelta(t, 0.6, y.Probability, 1e-9)
	assert.InDelta(t, 0.4, n.Probability, 1e-9)
}

func TestSetImpliedClampsExtremes(t *testing.T) {
	s, _ := newState(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.Market{ID: "ext", B: 500, ExternalSource: true})
	require.NoError(t, err)

	m, err := s.SetImplied(ctx, "ext", "ext-yes", 1.0)
	require.NoError(t, err)
	y, _ := m.OutcomeBySide(domain.SideYes)
	assert.InDelta(t, 0.99, y.Probability, 1e-9)
}

func TestSetImpliedMultiOutcome(t *testing.T) {
	s, _ := newState(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.Market{
		ID: "multi", B: 200, Kind: domain.MarketKindMulti, ExternalSource: true,
		Outcomes: []domain.Outcome{{ID: "a"}, {ID: "b"}, {ID: "c"}},
	})
	require.NoError(t, err)

	m, err := s.SetImplied(ctx, "multi", "b", 0.5)
	require.NoError(t, err)

	var sum float64
	for _, o := range m.Outcomes {
		sum += o.Probability
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	b, _ := m.Outcome("b")
	a, _ := m.Outcome("a")
	c, _ := m.Outcome("c")
	assert.InDelta(t, 0.5, b.Probability, 1e-9)
	assert.InDelta(t, a.Probability, c.Probability, 1e-9)
}

func TestSetImpliedSkipsNoopWrite(t *testing.T) {
	s, st := newState(t)
	ctx := context.Background()
	_, err := s.Create(ctx, domain.Market{ID: "ext", B: 500, ExternalSource: true})
	require.NoError(t, err)

	_, err = s.SetImplied(ctx, "ext", "ext-yes", 0.55)
	require.NoError(t, err)
	writes := st.Writes()
	_, err = s.SetImplied(ctx, "ext", "ext-yes", 0.55)
	require.NoError(t, err)
	assert.Equal(t, writes, st.Writes())
}

func TestTransition(t *testing.T) {
	s, st := newState(t)
	ctx := context.Background()
	m, err := s.Create(ctx, domain.Market{ID: "m", B: 100})
	require.NoError(t, err)
	now := time.Now()

	require.NoError(t, market.Transition(ctx, st.Markets(), m, domain.MarketStatusClosed, "", now))
	m, _ = s.Get(ctx, "m")
	assert.Equal(t, domain.MarketStatusClosed, m.Status)
	assert.Nil(t, m.ResolvedAt)

	err = market.Transition(ctx, st.Markets(), m, domain.MarketStatusActive, "", now)
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, market.Transition(ctx, st.Markets(), m, domain.MarketStatusResolved, "m-yes", now))
	m, _ = s.Get(ctx, "m")
	assert.Equal(t, "m-yes", m.Result)
	require.NotNil(t, m.ResolvedAt)

	err = market.Transition(ctx, st.Markets(), m, domain.MarketStatusResolved, "m-no", now)
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
}

func TestSetImpliedLosesToConcurrentResolution(t *testing.T) {
	s, st := newState(t)
	ctx := context.Background()
	m, err := s.Create(ctx, domain.Market{ID: "ext", B: 500, ExternalSource: true})
	require.NoError(t, err)
	_, err = s.SetImplied(ctx, "ext", "ext-yes", 0.6)
	require.NoError(t, err)
	before, err := s.Get(ctx, "ext")
	require.NoError(t, err)

	// The feed read the market as active just before settlement committed.
	require.NoError(t, market.Transition(ctx, st.Markets(), m, domain.MarketStatusResolved, "ext-yes", time.Now()))
	err = st.Markets().UpdateOutcomes(ctx, "ext", []domain.Outcome{{ID: "ext-yes", Liquidity: 900, Probability: 0.85}})
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	after, err := s.Get(ctx, "ext")
	require.NoError(t, err)
	assert.Equal(t, before.Outcomes, after.Outcomes)
}

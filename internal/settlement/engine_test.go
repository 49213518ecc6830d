package settlement_test

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/market"
	"github.com/alanyoungcy/ammhedge/internal/settlement"
	"github.com/alanyoungcy/ammhedge/internal/store/memory"
)

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func setup(t *testing.T) (*memory.Store, *settlement.Engine, *recordingAlerter) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	_, err := market.NewState(st, logger).Create(ctx, domain.Market{ID: "m", B: 100})
	require.NoError(t, err)

	for _, p := range []domain.Position{
		{UserID: "alice", MarketID: "m", OutcomeID: "m-yes", Size: 100, CostBasis: 55},
		{UserID: "bob", MarketID: "m", OutcomeID: "m-yes", Size: 40, CostBasis: 20},
		{UserID: "carol", MarketID: "m", OutcomeID: "m-no", Size: 80, CostBasis: 36},
	} {
		require.NoError(t, st.Positions().Upsert(ctx, p))
	}

	alerts := &recordingAlerter{}
	eng := settlement.NewEngine(st, 0.02, memory.NewSignalBus(), alerts, logger)
	eng.SetClock(func() time.Time { return time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC) })
	return st, eng, alerts
}

func balance(t *testing.T, st *memory.Store, user string) float64 {
	t.Helper()
	b, err := st.Balances().Get(context.Background(), user)
	require.NoError(t, err)
	return b.Amount
}

func TestResolvePaysWinners(t *testing.T) {
	st, eng, alerts := setup(t)
	ctx := context.Background()

	res, err := eng.Resolve(ctx, "m", "m-yes")
	require.NoError(t, err)
	assert.Equal(t, 2, res.WinnersCount)
	assert.InDelta(t, 98+39.2, res.TotalPayout, 1e-9)
	assert.InDelta(t, 2.8, res.TotalFees, 1e-9)

	assert.InDelta(t, 98, balance(t, st, "alice"), 1e-9)
	assert.InDelta(t, 39.2, balance(t, st, "bob"), 1e-9)
	assert.Zero(t, balance(t, st, "carol"))

	positions, err := st.Positions().ListByMarket(ctx, "m")
	require.NoError(t, err)
	for _, p := range positions {
		assert.Zero(t, p.Size, p.UserID)
	}

	m, err := st.Markets().GetByID(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, "m-yes", m.Result)
	require.NotNil(t, m.ResolvedAt)
	assert.Equal(t, []string{domain.AlertResolved}, alerts.events)
}

func TestResolveTwiceIsRejectedWithoutPayout(t *testing.T) {
	st, eng, _ := setup(t)
	ctx := context.Background()

	_, err := eng.Resolve(ctx, "m", "m-yes")
	require.NoError(t, err)
	writes := st.Writes()
	before := balance(t, st, "alice")

	_, err = eng.Resolve(ctx, "m", "m-yes")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	_, err = eng.Resolve(ctx, "m", "m-no")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	assert.Equal(t, writes, st.Writes())
	assert.Equal(t, before, balance(t, st, "alice"))
}

func TestStaleCloseCannotReopenResolvedMarket(t *testing.T) {
	st, eng, _ := setup(t)
	ctx := context.Background()

	// Reconciliation read the market while it was still active.
	stale, err := st.Markets().GetByID(ctx, "m")
	require.NoError(t, err)

	_, err = eng.Resolve(ctx, "m", "m-yes")
	require.NoError(t, err)
	paid := balance(t, st, "alice")

	err = market.Transition(ctx, st.Markets(), stale, domain.MarketStatusClosed, "", time.Now())
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)

	m, err := st.Markets().GetByID(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, "m-yes", m.Result)

	_, err = eng.Resolve(ctx, "m", "m-no")
	assert.ErrorIs(t, err, domain.ErrAlreadyResolved)
	assert.InDelta(t, paid, balance(t, st, "alice"), 1e-9)
}

func TestStaleCloseCannotReopenCancelledMarket(t *testing.T) {
	st, eng, _ := setup(t)
	ctx := context.Background()

	stale, err := st.Markets().GetByID(ctx, "m")
	require.NoError(t, err)
	_, err = eng.Cancel(ctx, "m")
	require.NoError(t, err)

	err = market.Transition(ctx, st.Markets(), stale, domain.MarketStatusClosed, "", time.Now())
	assert.ErrorIs(t, err, domain.ErrValidation)
	m, err := st.Markets().GetByID(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusCancelled, m.Status)
}

func TestResolveUnknownOutcomeIsAtomic(t *testing.T) {
	st, eng, _ := setup(t)
	writes := st.Writes()

	_, err := eng.Resolve(context.Background(), "m", "m-maybe")
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, writes, st.Writes())

	_, err = eng.Resolve(context.Background(), "nope", "m-yes")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCancelRefundsCostBasis(t *testing.T) {
	st, eng, alerts := setup(t)
	ctx := context.Background()

	out, err := eng.Cancel(ctx, "m")
	require.NoError(t, err)
	assert.Equal(t, 3, out.RefundsCount)
	assert.InDelta(t, 111, out.TotalRefund, 1e-9)
	assert.InDelta(t, 55, balance(t, st, "alice"), 1e-9)
	assert.InDelta(t, 36, balance(t, st, "carol"), 1e-9)

	m, _ := st.Markets().GetByID(ctx, "m")
	assert.Equal(t, domain.MarketStatusCancelled, m.Status)
	assert.Equal(t, []string{domain.AlertCancelled}, alerts.events)

	_, err = eng.Cancel(ctx, "m")
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = eng.Resolve(ctx, "m", "m-yes")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

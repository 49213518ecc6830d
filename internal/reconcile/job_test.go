package reconcile_test

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
	"github.com/alanyoungcy/ammhedge/internal/reconcile"
	"github.com/alanyoungcy/ammhedge/internal/settlement"
	"github.com/alanyoungcy/ammhedge/internal/store/memory"
)

var now = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

type fakeVenue struct {
	mu      sync.Mutex
	orders  map[string]domain.VenueFill
	cancels int
}

func (v *fakeVenue) PlaceOrder(context.Context, domain.VenueOrder) (domain.VenueFill, error) {
	panic("reconcile never places orders")
}

func (v *fakeVenue) OrderStatus(_ context.Context, id string) (domain.VenueFill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	f, ok := v.orders[id]
	if !ok {
		return domain.VenueFill{}, domain.ErrNotFound
	}
	return f, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancels++
	f := v.orders[id]
	f.Status = domain.VenueOrderCancelled
	v.orders[id] = f
	return nil
}

type fakeResolutions map[string]domain.ExternalResolution

func (f fakeResolutions) GetResolution(_ context.Context, id string) (domain.ExternalResolution, error) {
	r, ok := f[id]
	if !ok {
		return domain.ExternalResolution{}, domain.ErrNotFound
	}
	return r, nil
}

type fixture struct {
	store *memory.Store
	venue *fakeVenue
	locks *memory.LockManager
	job   *reconcile.Job
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	state := market.NewState(st, logger)

	past := now.Add(-time.Hour)
	_, err := state.Create(ctx, domain.Market{ID: "due", B: 100, ResolutionDate: &past})
	require.NoError(t, err)
	ext, err := state.Create(ctx, domain.Market{ID: "ext", B: 100, ExternalSource: true})
	require.NoError(t, err)
	require.NoError(t, market.Transition(ctx, st.Markets(), ext, domain.MarketStatusClosed, "", now))
	require.NoError(t, st.Mappings().Upsert(ctx, domain.MarketMapping{
		MarketID:         "ext",
		ExternalMarketID: "cond-1",
		Active:           true,
		Tokens: []domain.MappingToken{
			{TokenID: "tok-y", OutcomeID: "ext-yes", Side: domain.SideYes},
			{TokenID: "tok-n", OutcomeID: "ext-no", Side: domain.SideNo},
		},
	}))
	require.NoError(t, st.Positions().Upsert(ctx, domain.Position{UserID: "alice", MarketID: "ext", OutcomeID: "ext-yes", Size: 10, CostBasis: 6}))

	for _, hp := range []domain.HedgePosition{
		{ID: "h-filled", OrderID: "o1", MarketID: "ext", ExternalOrderID: "v-1", Status: domain.HedgeStatusPending},
		{ID: "h-orphan", MarketID: "ext", ExternalOrderID: "v-2", Status: domain.HedgeStatusPending},
		{ID: "h-live", OrderID: "o3", MarketID: "ext", ExternalOrderID: "v-3", Status: domain.HedgeStatusPending},
		{ID: "h-blank", MarketID: "ext", Status: domain.HedgeStatusPending},
	} {
		require.NoError(t, st.Hedges().Create(ctx, hp))
	}

	venue := &fakeVenue{orders: map[string]domain.VenueFill{
		"v-1": {OrderID: "v-1", Status: domain.VenueOrderMatched, AvgPrice: 0.61, FilledSize: 10, Fees: 0.01},
		"v-2": {OrderID: "v-2", Status: domain.VenueOrderLive},
		"v-3": {OrderID: "v-3", Status: domain.VenueOrderLive},
	}}
	resolutions := fakeResolutions{"cond-1": {ExternalMarketID: "cond-1", Closed: true, WinningTokenID: "tok-y"}}
	settle := settlement.NewEngine(st, 0, nil, nil, logger)
	locks := memory.NewLockManager()

	job := reconcile.NewJob(st, venue, resolutions, settle, locks, time.Minute, logger)
	job.SetClock(func() time.Time { return now })
	return &fixture{store: st, venue: venue, locks: locks, job: job}
}

func hedgeStatus(t *testing.T, st *memory.Store, id string) domain.HedgeStatus {
	t.Helper()
	hp, err := st.Hedges().GetByID(context.Background(), id)
	require.NoError(t, err)
	return hp.Status
}

func TestRunReconcilesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rep, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.HedgesHedged)
	assert.Equal(t, 2, rep.HedgesFailed)
	assert.Equal(t, 1, rep.OrphansCancelled)
	assert.Equal(t, 1, rep.MarketsClosed)
	assert.Equal(t, 1, rep.MarketsResolved)
	assert.Zero(t, rep.Errors)

	assert.Equal(t, domain.HedgeStatusHedged, hedgeStatus(t, f.store, "h-filled"))
	assert.Equal(t, domain.HedgeStatusFailed, hedgeStatus(t, f.store, "h-orphan"))
	assert.Equal(t, domain.HedgeStatusPending, hedgeStatus(t, f.store, "h-live"))
	assert.Equal(t, domain.HedgeStatusFailed, hedgeStatus(t, f.store, "h-blank"))

	filled, _ := f.store.Hedges().GetByID(ctx, "h-filled")
	assert.InDelta(t, 0.61, filled.ExternalPrice, 1e-12)

	due, _ := f.store.Markets().GetByID(ctx, "due")
	assert.Equal(t, domain.MarketStatusClosed, due.Status)
	ext, _ := f.store.Markets().GetByID(ctx, "ext")
	assert.Equal(t, domain.MarketStatusResolved, ext.Status)
	assert.Equal(t, "ext-yes", ext.Result)

	bal, _ := f.store.Balances().Get(ctx, "alice")
	assert.InDelta(t, 10, bal.Amount, 1e-9)
}

func TestSecondRunMakesNoWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.job.Run(ctx)
	require.NoError(t, err)
	writes := f.store.Writes()
	cancels := f.venue.cancels

	rep, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Writes())
	assert.Equal(t, writes, f.store.Writes())
	assert.Equal(t, cancels, f.venue.cancels)
}

func TestRunSkipsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	unlock, err := f.locks.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	defer unlock()

	writes := f.store.Writes()
	rep, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.True(t, rep.Skipped)
	assert.Equal(t, writes, f.store.Writes())
}

func TestPartiallyFilledStrayIsHedged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Hedges().Create(ctx, domain.HedgePosition{
		ID: "h-partial", MarketID: "ext", ExternalOrderID: "v-4", Size: 4, Status: domain.HedgeStatusPending,
	}))
	f.venue.orders["v-4"] = domain.VenueFill{OrderID: "v-4", Status: domain.VenueOrderCancelled, FilledSize: 4, AvgPrice: 0.58}

	rep, err := f.job.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.HedgesHedged)
	assert.Equal(t, domain.HedgeStatusHedged, hedgeStatus(t, f.store, "h-partial"))
	hp, _ := f.store.Hedges().GetByID(ctx, "h-partial")
	assert.InDelta(t, 0.58, hp.ExternalPrice, 1e-12)
}

// staleDue serves a due list read before the markets in it were settled.
type staleDue struct {
	*memory.Store
	due []domain.Market
}

func (s staleDue) Markets() domain.MarketStore { return staleMarkets{s.Store.Markets(), s.due} }

type staleMarkets struct {
	domain.MarketStore
	due []domain.Market
}

func (m staleMarkets) ListDue(context.Context, time.Time) ([]domain.Market, error) { return m.due, nil }

func TestCloseSkipsMarketSettledSinceListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	due, err := f.store.Markets().ListDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, due, 1)

	settle := settlement.NewEngine(f.store, 0, nil, nil, logger)
	_, err = settle.Resolve(ctx, "due", "due-no")
	require.NoError(t, err)

	job := reconcile.NewJob(staleDue{f.store, due}, f.venue, nil, settle, nil, time.Minute, logger)
	job.SetClock(func() time.Time { return now })
	rep, err := job.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.MarketsClosed)
	assert.Zero(t, rep.Errors)

	m, err := f.store.Markets().GetByID(ctx, "due")
	require.NoError(t, err)
	assert.Equal(t, domain.MarketStatusResolved, m.Status)
	assert.Equal(t, "due-no", m.Result)
}

package feed

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/market"
	"github.com/alanyoungcy/ammhedge/internal/store/memory"
)

type fakeStream struct {
	mu   sync.Mutex
	sets [][]string
}

func (s *fakeStream) Run(ctx context.Context, _ func(context.Context, []byte)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (s *fakeStream) SetAssets(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets = append(s.sets, append([]string(nil), ids...))
	return nil
}

type fixture struct {
	feed   *Feed
	store  *memory.Store
	state  *market.State
	stream *fakeStream
	bus    *memory.SignalBus
	cache  *memory.PriceCache
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := memory.New()
	state := market.NewState(st, logger)

	_, err := state.Create(ctx, domain.Market{ID: "ext", B: 1_000, ExternalSource: true})
	require.NoError(t, err)
	_, err = state.Create(ctx, domain.Market{ID: "int", B: 1_000})
	require.NoError(t, err)

	require.NoError(t, st.Mappings().Upsert(ctx, domain.MarketMapping{
		MarketID: "ext", ExternalMarketID: "0xext", Active: true,
		Tokens: []domain.MappingToken{
			{TokenID: "tok-ext-yes", OutcomeID: "ext-yes", Side: domain.SideYes},
			{TokenID: "tok-ext-no", OutcomeID: "ext-no", Side: domain.SideNo},
		},
	}))
	require.NoError(t, st.Mappings().Upsert(ctx, domain.MarketMapping{
		MarketID: "int", ExternalMarketID: "0xint", Active: true,
		Tokens: []domain.MappingToken{
			{TokenID: "tok-int-yes", OutcomeID: "int-yes", Side: domain.SideYes},
		},
	}))

	fx := &fixture{
		store:  st,
		state:  state,
		stream: &fakeStream{},
		bus:    memory.NewSignalBus(),
		cache:  memory.NewPriceCache(),
		now:    time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC),
	}
	fx.feed = New(st, state, fx.stream, fx.cache, fx.bus, Options{BucketWidth: time.Minute}, logger)
	fx.feed.SetClock(func() time.Time { return fx.now })
	_, err = fx.feed.Refresh(ctx)
	require.NoError(t, err)
	return fx
}

func tradeFrame(token, price string) []byte {
	return []byte(`{"event_type":"last_trade_price","asset_id":"` + token + `","price":"` + price + `","size":"10","timestamp":"1772366430000"}`)
}

func TestRefreshResubscribesOnlyOnChange(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.Len(t, fx.stream.sets, 1)
	assert.Equal(t, []string{"tok-ext-no", "tok-ext-yes", "tok-int-yes"}, fx.stream.sets[0])

	changed, err := fx.feed.Refresh(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, fx.stream.sets, 1)

	// Closing a market drops its tokens; the new set is sent in full.
	m, err := fx.state.Get(ctx, "int")
	require.NoError(t, err)
	require.NoError(t, market.Transition(ctx, fx.store.Markets(), m, domain.MarketStatusClosed, "", fx.now))

	changed, err = fx.feed.Refresh(ctx)
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, fx.stream.sets, 2)
	assert.Equal(t, []string{"tok-ext-no", "tok-ext-yes"}, fx.stream.sets[1])
	_, ok := fx.feed.TokenFor("int", "int-yes")
	assert.False(t, ok)
}

func TestTradeUpdatesExternalMarket(t *testing.T) {
	fx := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub, err := fx.bus.Subscribe(ctx, domain.ChannelPrices)
	require.NoError(t, err)

	fx.feed.HandleMessage(ctx, tradeFrame("tok-ext-yes", "0.62"))

	m, err := fx.state.Get(ctx, "ext")
	require.NoError(t, err)
	yes, _ := m.OutcomeBySide(domain.SideYes)
	assert.InDelta(t, 0.62, yes.Probability, 1e-9)

	pts, err := fx.store.PricePoints().List(ctx, "ext", "ext-yes", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), pts[0].Bucket)
	assert.Equal(t, 0.62, pts[0].Price)
	assert.Equal(t, domain.PriceSourceReference, pts[0].Source)

	select {
	case raw := <-sub:
		var u domain.PriceUpdate
		require.NoError(t, json.Unmarshal(raw, &u))
		assert.Equal(t, "ext", u.MarketID)
		assert.Equal(t, "ext-yes", u.OutcomeID)
		assert.Equal(t, 0.62, u.Price)
		assert.Equal(t, fx.now.UnixMilli(), u.TimestampMs)
	case <-time.After(time.Second):
		t.Fatal("no price update published")
	}

	q, err := fx.feed.LastQuote(ctx, "tok-ext-yes")
	require.NoError(t, err)
	assert.Equal(t, 0.62, q.Price)
}

func TestSameBucketOverwrites(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.feed.HandleMessage(ctx, tradeFrame("tok-ext-yes", "0.40"))
	fx.now = fx.now.Add(20 * time.Second)
	fx.feed.HandleMessage(ctx, tradeFrame("tok-ext-yes", "0.45"))

	pts, err := fx.store.PricePoints().List(ctx, "ext", "ext-yes", domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, 0.45, pts[0].Price)

	fx.now = fx.now.Add(time.Minute)
	fx.feed.HandleMessage(ctx, tradeFrame("tok-ext-yes", "0.47"))
	pts, err = fx.store.PricePoints().List(ctx, "ext", "ext-yes", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, pts, 2)
}

func TestMalformedFramesAreDropped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	writes := fx.store.Writes()

	for _, frame := range []string{
		`not json`,
		`{"event_type":"last_trade_price","asset_id":"tok-ext-yes","price":"abc"}`,
		`{"event_type":"last_trade_price","price":"0.5"}`,
		`{"event_type":"price_change","price_changes":[{"asset_id":"tok-ext-yes"}]}`,
		`{"event_type":"tick_size_change","asset_id":"tok-ext-yes"}`,
		`{"price":"0.5"}`,
		``,
	} {
		assert.NotPanics(t, func() { fx.feed.HandleMessage(ctx, []byte(frame)) }, frame)
	}
	assert.Equal(t, writes, fx.store.Writes())

	// The stream keeps working after bad input.
	fx.feed.HandleMessage(ctx, tradeFrame("tok-ext-yes", "0.3"))
	m, _ := fx.state.Get(ctx, "ext")
	yes, _ := m.OutcomeBySide(domain.SideYes)
	assert.InDelta(t, 0.3, yes.Probability, 1e-9)
}

func TestBookMidpointAndClamp(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.feed.HandleMessage(ctx, []byte(`[{"event_type":"book","asset_id":"tok-ext-no","bids":[{"price":"0.30","size":"5"},{"price":"0.32","size":"1"}],"asks":[{"price":"0.36","size":"2"},{"price":"0.40","size":"9"}]}]`))
	q, err := fx.feed.LastQuote(ctx, "tok-ext-no")
	require.NoError(t, err)
	assert.InDelta(t, 0.34, q.Price, 1e-12)
	assert.Equal(t, 0.32, q.BestBid)
	assert.Equal(t, 0.36, q.BestAsk)

	m, _ := fx.state.Get(ctx, "ext")
	no, _ := m.OutcomeBySide(domain.SideNo)
	yes, _ := m.OutcomeBySide(domain.SideYes)
	assert.InDelta(t, 0.34, no.Probability, 1e-9)
	assert.InDelta(t, 0.66, yes.Probability, 1e-9)

	fx.feed.HandleMessage(ctx, tradeFrame("tok-ext-yes", "1.7"))
	q, err = fx.feed.LastQuote(ctx, "tok-ext-yes")
	require.NoError(t, err)
	assert.Equal(t, 1.0, q.Price)
}

func TestInternalMarketQuantitiesUntouched(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	fx.feed.HandleMessage(ctx, []byte(`{"event_type":"price_change","market":"0xint","price_changes":[{"asset_id":"tok-int-yes","price":"0.7","size":"3","side":"BUY","best_bid":"0.69","best_ask":"0.71"}],"timestamp":"1772366430000"}`))

	m, err := fx.state.Get(ctx, "int")
	require.NoError(t, err)
	assert.Equal(t, 0.0, m.QYes())
	assert.Equal(t, 0.0, m.QNo())

	q, err := fx.feed.LastQuote(ctx, "tok-int-yes")
	require.NoError(t, err)
	assert.InDelta(t, 0.70, q.Price, 1e-12)

	pts, err := fx.store.PricePoints().List(ctx, "int", "int-yes", domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, pts, 1)
}

func TestUnknownTokenIgnored(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	writes := fx.store.Writes()
	fx.feed.HandleMessage(ctx, tradeFrame("tok-unknown", "0.5"))
	assert.Equal(t, writes, fx.store.Writes())

	_, err := fx.feed.LastQuote(ctx, "tok-unknown")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

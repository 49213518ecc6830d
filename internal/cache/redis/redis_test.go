package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/config"
	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// newTestClient connects to AMMHEDGE_TEST_REDIS_ADDR, using DB 15 and
// flushing it first. Tests skip when the variable is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("AMMHEDGE_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("AMMHEDGE_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	c, err := New(ctx, config.RedisConfig{Addr: addr, DB: 15})
	require.NoError(t, err)
	require.NoError(t, c.Underlying().FlushDB(ctx).Err())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestExposureCounterNeverExceedsLimit(t *testing.T) {
	c := newTestClient(t)
	ec := NewExposureCounter(c)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ec.Reserve(ctx, "m", 10, 95); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrRiskRejected)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 9, accepted)
	cur, err := ec.Current(ctx, "m")
	require.NoError(t, err)
	assert.InDelta(t, 90, cur, 1e-9)

	_, err = ec.Reserve(ctx, "other", 5, 100)
	require.NoError(t, err)
	total, err := ec.Total(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 95, total, 1e-9)

	require.NoError(t, ec.Release(ctx, "m", 500))
	cur, err = ec.Current(ctx, "m")
	require.NoError(t, err)
	assert.Zero(t, cur)
	total, err = ec.Total(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 5, total, 1e-9)
}

func TestPriceCacheQuotes(t *testing.T) {
	c := newTestClient(t)
	pc := NewPriceCache(c)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, pc.SetQuote(ctx, domain.Quote{TokenID: "a", Price: 0.42, BestBid: 0.41, BestAsk: 0.43, At: at}))
	q, err := pc.GetQuote(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.Quote{TokenID: "a", Price: 0.42, BestBid: 0.41, BestAsk: 0.43, At: at}, q)

	_, err = pc.GetQuote(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	qs, err := pc.GetQuotes(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Len(t, qs, 1)
}

func TestLockManager(t *testing.T) {
	c := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	_, err = lm.Acquire(ctx, "reconcile", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	again, err := lm.Acquire(ctx, "reconcile", time.Minute)
	require.NoError(t, err)
	again()
}

func TestRateLimiterWindow(t *testing.T) {
	c := newTestClient(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "key-1", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "key-1", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "key-2", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBus(t *testing.T) {
	c := newTestClient(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, domain.ChannelPrices)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, domain.ChannelPrices, []byte(`{"p":1}`)))
	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"p":1}`, string(msg))
	case <-time.After(3 * time.Second):
		t.Fatal("no message")
	}

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, bus.StreamAppend(ctx, domain.StreamHedges, []byte(p)))
	}
	first, err := bus.StreamRead(ctx, domain.StreamHedges, "0", 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", string(first[0].Payload))

	rest, err := bus.StreamRead(ctx, domain.StreamHedges, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Payload))
}

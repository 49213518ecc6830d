package risk

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/store/memory"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newBreaker(clock *fakeClock) *CircuitBreaker {
	b := NewCircuitBreaker(BreakerConfig{
		Window:           10,
		FailureThreshold: 0.10,
		MinFailures:      3,
		Cooldown:         time.Minute,
		MaxCooldown:      5 * time.Minute,
	})
	b.SetClock(clock.Now)
	return b
}

func feed(b *CircuitBreaker, successes, failures int) {
	for i := 0; i < successes; i++ {
		b.Record(true)
	}
	for i := 0; i < failures; i++ {
		b.Record(false)
	}
}

func TestBreakerTwoFailuresStaysClosed(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	feed(b, 8, 2)

	assert.Equal(t, domain.BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.InDelta(t, 0.8, b.SuccessRate(), 1e-12)
}

func TestBreakerFourFailuresTripsUntilCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	feed(b, 6, 4)

	require.Equal(t, domain.BreakerOpen, b.State())
	err := b.Allow()
	assert.ErrorIs(t, err, domain.ErrRiskRejected)

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), domain.ErrRiskRejected)

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, domain.BreakerHalfOpen, b.State())

	// Only one trial at a time.
	assert.ErrorIs(t, b.Allow(), domain.ErrRiskRejected)

	b.Record(true)
	assert.Equal(t, domain.BreakerClosed, b.State())
	assert.NoError(t, b.Allow())
	assert.Equal(t, 1.0, b.SuccessRate())
}

func TestBreakerFailedTrialDoublesCooldown(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	feed(b, 0, 4)
	require.Equal(t, domain.BreakerOpen, b.State())

	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	b.Record(false)
	assert.Equal(t, domain.BreakerOpen, b.State())
	assert.Equal(t, 2*time.Minute, b.Cooldown())

	clock.Advance(time.Minute)
	assert.ErrorIs(t, b.Allow(), domain.ErrRiskRejected)
	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	b.Record(false)
	assert.Equal(t, 4*time.Minute, b.Cooldown())

	clock.Advance(4 * time.Minute)
	require.NoError(t, b.Allow())
	b.Record(false)
	assert.Equal(t, 5*time.Minute, b.Cooldown(), "capped at MaxCooldown")
}

func TestBreakerAbandonFreesTrial(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	feed(b, 0, 4)
	clock.Advance(time.Minute)

	require.NoError(t, b.Allow())
	b.Abandon()
	require.NoError(t, b.Allow())
	assert.Equal(t, domain.BreakerHalfOpen, b.State())
}

func TestBreakerCheckHasNoSideEffects(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := newBreaker(clock)
	require.NoError(t, b.Check())

	feed(b, 0, 4)
	err := b.Check()
	assert.ErrorIs(t, err, domain.ErrRiskRejected)
	assert.Contains(t, domain.Reason(err), "retry in 1m0s")

	// Cooldown elapsed: Check passes but leaves the breaker open, so the
	// next Allow still gets the trial.
	clock.Advance(time.Minute)
	require.NoError(t, b.Check())
	require.NoError(t, b.Check())
	assert.Equal(t, domain.BreakerOpen, b.State())

	require.NoError(t, b.Allow())
	assert.Equal(t, domain.BreakerHalfOpen, b.State())
	assert.ErrorIs(t, b.Check(), domain.ErrRiskRejected)
	b.Abandon()
	assert.NoError(t, b.Check())
}

func TestBreakerWindowRolls(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(BreakerConfig{Window: 10, FailureThreshold: 0.5, MinFailures: 1, Cooldown: time.Minute})
	b.SetClock(clock.Now)

	// 5 failures in 10 is exactly the threshold, not above it.
	feed(b, 5, 5)
	assert.Equal(t, domain.BreakerClosed, b.State())
	// Ten successes push every failure out of the window.
	feed(b, 10, 0)
	assert.Equal(t, 1.0, b.SuccessRate())
}

func TestBreakerExposureTrip(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewCircuitBreaker(BreakerConfig{Window: 10, FailureThreshold: 0.5, MaxExposure: 1_000, Cooldown: time.Minute})
	b.SetClock(clock.Now)

	var changes []StateChange
	b.OnChange(func(c StateChange) { changes = append(changes, c) })

	b.ObserveExposure(999)
	assert.Equal(t, domain.BreakerClosed, b.State())
	b.ObserveExposure(1_001)
	assert.Equal(t, domain.BreakerOpen, b.State())
	require.Len(t, changes, 1)
	assert.Equal(t, domain.BreakerClosed, changes[0].From)
	assert.Equal(t, domain.BreakerOpen, changes[0].To)
	assert.Contains(t, changes[0].Reason, "exposure")
}

func TestMonitorTickPersistsSnapshot(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	exp := memory.NewExposureCounter()
	bus := memory.NewSignalBus()
	b := NewCircuitBreaker(BreakerConfig{Window: 10, FailureThreshold: 0.5, MaxExposure: 100, Cooldown: time.Minute})
	m := NewMonitor(b, exp, st, bus, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))

	sub, err := bus.Subscribe(ctx, domain.ChannelRisk)
	require.NoError(t, err)

	_, err = exp.Reserve(ctx, "m1", 150, 1_000)
	require.NoError(t, err)

	snap, err := m.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150.0, snap.UnhedgedExposure)
	assert.Equal(t, domain.BreakerOpen, snap.BreakerState)

	latest, err := st.Risk().Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150.0, latest.UnhedgedExposure)

	select {
	case msg := <-sub:
		assert.Contains(t, string(msg), `"unhedged_exposure":150`)
	case <-time.After(time.Second):
		t.Fatal("no risk snapshot published")
	}
}

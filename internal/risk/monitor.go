package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// Monitor combines the breaker with the exposure counters and periodically
// persists a RiskSnapshot for the operator dashboard.
type Monitor struct {
	breaker  *CircuitBreaker
	exposure domain.ExposureCounter
	store    domain.Store
	bus      domain.SignalBus
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewMonitor creates a Monitor. bus may be nil.
func NewMonitor(
	breaker *CircuitBreaker,
	exposure domain.ExposureCounter,
	store domain.Store,
	bus domain.SignalBus,
	interval time.Duration,
	logger *slog.Logger,
) *Monitor {
	return &Monitor{
		breaker:  breaker,
		exposure: exposure,
		store:    store,
		bus:      bus,
		interval: interval,
		logger:   logger.With(slog.String("component", "risk_monitor")),
		now:      time.Now,
	}
}

// Breaker exposes the underlying circuit breaker.
func (m *Monitor) Breaker() *CircuitBreaker { return m.breaker }

// Snapshot computes the current risk picture without persisting it.
func (m *Monitor) Snapshot(ctx context.Context) (domain.RiskSnapshot, error) {
	unhedged, err := m.exposure.Total(ctx)
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("risk: exposure total: %w", err)
	}
	stats, err := m.store.Hedges().Stats(ctx, nil)
	if err != nil {
		return domain.RiskSnapshot{}, fmt.Errorf("risk: hedge stats: %w", err)
	}
	var hedged float64
	for _, v := range stats.ByMarket {
		hedged += math.Abs(v)
	}
	return domain.RiskSnapshot{
		TakenAt:          m.now().UTC(),
		HedgedExposure:   hedged,
		UnhedgedExposure: unhedged,
		SuccessRate:      m.breaker.SuccessRate(),
		BreakerState:     m.breaker.State(),
	}, nil
}

// Tick takes, persists and publishes one snapshot, and feeds the exposure
// total into the breaker.
func (m *Monitor) Tick(ctx context.Context) (domain.RiskSnapshot, error) {
	snap, err := m.Snapshot(ctx)
	if err != nil {
		return domain.RiskSnapshot{}, err
	}
	m.breaker.ObserveExposure(snap.UnhedgedExposure)
	snap.BreakerState = m.breaker.State()

	if err := m.store.Risk().Insert(ctx, snap); err != nil {
		return snap, fmt.Errorf("risk: insert snapshot: %w", err)
	}
	if m.bus != nil {
		if payload, err := json.Marshal(snap); err == nil {
			if err := m.bus.Publish(ctx, domain.ChannelRisk, payload); err != nil {
				m.logger.WarnContext(ctx, "publish risk snapshot failed", slog.String("error", err.Error()))
			}
		}
	}
	return snap, nil
}

// Run snapshots every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "risk monitor started", slog.Duration("interval", m.interval))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "risk monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			snap, err := m.Tick(ctx)
			if err != nil {
				m.logger.WarnContext(ctx, "risk snapshot failed", slog.String("error", err.Error()))
				continue
			}
			m.logger.DebugContext(ctx, "risk snapshot",
				slog.Float64("unhedged", snap.UnhedgedExposure),
				slog.Float64("hedged", snap.HedgedExposure),
				slog.Float64("success_rate", snap.SuccessRate),
				slog.String("breaker", string(snap.BreakerState)),
			)
		}
	}
}

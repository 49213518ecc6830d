// Package settlement pays out resolved markets and refunds cancelled ones.
// Every settlement runs in a single transaction: either every position of
// the market is settled together with the status change, or nothing is.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/market"
)

// Engine settles markets against the balance ledger.
type Engine struct {
	store   domain.Store
	feeRate decimal.Decimal
	bus     domain.SignalBus // optional
	alerts  domain.Alerter   // optional
	logger  *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine charging feeRate on every winning payout.
func NewEngine(store domain.Store, feeRate float64, bus domain.SignalBus, alerts domain.Alerter, logger *slog.Logger) *Engine {
	return &Engine{
		store:   store,
		feeRate: decimal.NewFromFloat(feeRate),
		bus:     bus,
		alerts:  alerts,
		logger:  logger.With(slog.String("component", "settlement")),
		now:     time.Now,
	}
}

// SetClock replaces the resolution timestamp source.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Resolve pays every holder of winningOutcome one unit per share, less the
// settlement fee, zeroes every position in the market and marks it
// resolved. A market that is already resolved yields ErrAlreadyResolved and
// no balance changes.
func (e *Engine) Resolve(ctx context.Context, marketID, winningOutcome string) (domain.Resolution, error) {
	at := e.now().UTC()
	res := domain.Resolution{MarketID: marketID, WinningOutcome: winningOutcome, ResolvedAt: at}
	payout, fees := decimal.Zero, decimal.Zero

	err := e.store.WithTx(ctx, func(tx domain.Tx) error {
		m, err := tx.Markets().GetByID(ctx, marketID)
		if err != nil {
			return err
		}
		if m.Status == domain.MarketStatusResolved {
			return fmt.Errorf("settlement: market %s resolved to %s: %w", m.ID, m.Result, domain.ErrAlreadyResolved)
		}
		if _, ok := m.Outcome(winningOutcome); !ok {
			return domain.Reject(domain.ErrValidation, "outcome %s not in market %s", winningOutcome, m.ID)
		}

		positions, err := tx.Positions().ListByMarket(ctx, marketID)
		if err != nil {
			return fmt.Errorf("settlement: positions: %w", err)
		}
		for _, pos := range positions {
			if pos.Size <= 0 {
				continue
			}
			if pos.OutcomeID == winningOutcome {
				gross := decimal.NewFromFloat(pos.Size)
				fee := gross.Mul(e.feeRate).Round(6)
				net := gross.Sub(fee)
				if _, err := tx.Balances().Credit(ctx, pos.UserID, net.InexactFloat64()); err != nil {
					return fmt.Errorf("settlement: credit %s: %w", pos.UserID, err)
				}
				res.WinnersCount++
				payout = payout.Add(net)
				fees = fees.Add(fee)
			}
			pos.Size, pos.CostBasis = 0, 0
			if err := tx.Positions().Upsert(ctx, pos); err != nil {
				return fmt.Errorf("settlement: zero position: %w", err)
			}
		}

		if err := market.Transition(ctx, tx.Markets(), m, domain.MarketStatusResolved, winningOutcome, at); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "market_resolved", map[string]any{
			"market_id":       marketID,
			"winning_outcome": winningOutcome,
			"winners":         res.WinnersCount,
			"total_payout":    payout.String(),
			"total_fees":      fees.String(),
		})
	})
	if err != nil {
		return domain.Resolution{}, err
	}

	res.TotalPayout = payout.InexactFloat64()
	res.TotalFees = fees.InexactFloat64()
	e.logger.InfoContext(ctx, "market resolved",
		slog.String("market_id", marketID),
		slog.String("winning_outcome", winningOutcome),
		slog.Int("winners", res.WinnersCount),
		slog.String("total_payout", payout.StringFixed(2)),
	)
	e.announce(ctx, "resolved", res)
	e.alert(ctx, domain.AlertResolved, "Market resolved",
		fmt.Sprintf("%s resolved to %s: %d winners paid %s (fees %s)",
			marketID, winningOutcome, res.WinnersCount, payout.StringFixed(2), fees.StringFixed(2)))
	return res, nil
}

// Cancel refunds every open position's cost basis and marks the market
// cancelled.
func (e *Engine) Cancel(ctx context.Context, marketID string) (domain.Cancellation, error) {
	at := e.now().UTC()
	out := domain.Cancellation{MarketID: marketID, CancelledAt: at}
	total := decimal.Zero

	err := e.store.WithTx(ctx, func(tx domain.Tx) error {
		m, err := tx.Markets().GetByID(ctx, marketID)
		if err != nil {
			return err
		}
		if !m.Status.CanTransition(domain.MarketStatusCancelled) {
			return domain.Reject(domain.ErrValidation, "market %s is already %s", m.ID, m.Status)
		}
		positions, err := tx.Positions().ListByMarket(ctx, marketID)
		if err != nil {
			return fmt.Errorf("settlement: positions: %w", err)
		}
		for _, pos := range positions {
			if pos.Size <= 0 && pos.CostBasis <= 0 {
				continue
			}
			refund := decimal.NewFromFloat(pos.CostBasis).Round(6)
			if refund.IsPositive() {
				if _, err := tx.Balances().Credit(ctx, pos.UserID, refund.InexactFloat64()); err != nil {
					return fmt.Errorf("settlement: refund %s: %w", pos.UserID, err)
				}
				out.RefundsCount++
				total = total.Add(refund)
			}
			pos.Size, pos.CostBasis = 0, 0
			if err := tx.Positions().Upsert(ctx, pos); err != nil {
				return fmt.Errorf("settlement: zero position: %w", err)
			}
		}
		if err := market.Transition(ctx, tx.Markets(), m, domain.MarketStatusCancelled, "", at); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "market_cancelled", map[string]any{
			"market_id":    marketID,
			"refunds":      out.RefundsCount,
			"total_refund": total.String(),
		})
	})
	if err != nil {
		return domain.Cancellation{}, err
	}

	out.TotalRefund = total.InexactFloat64()
	e.logger.InfoContext(ctx, "market cancelled",
		slog.String("market_id", marketID),
		slog.Int("refunds", out.RefundsCount),
	)
	e.announce(ctx, "cancelled", out)
	e.alert(ctx, domain.AlertCancelled, "Market cancelled",
		fmt.Sprintf("%s cancelled: %d refunds totalling %s", marketID, out.RefundsCount, total.StringFixed(2)))
	return out, nil
}

func (e *Engine) announce(ctx context.Context, event string, detail any) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(map[string]any{"event": event, "detail": detail})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelMarkets, payload); err != nil {
		e.logger.DebugContext(ctx, "market event publish failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) alert(ctx context.Context, event, title, msg string) {
	if e.alerts == nil {
		return
	}
	if err := e.alerts.Notify(context.WithoutCancel(ctx), event, title, msg); err != nil {
		e.logger.WarnContext(ctx, "operator alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

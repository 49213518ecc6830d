// Package reconcile brings local state in line with the reference venue:
// pending hedges are settled from venue order status, markets past their
// resolution date are closed and externally resolved markets are settled.
//
// Every pass only writes when the venue reports something the store does
// not already reflect, so rerunning against unchanged venue state is a
// no-op.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/market"
)

const (
	lockKey      = "reconcile"
	pendingBatch = 500
)

// Settler resolves a market. settlement.Engine satisfies it.
type Settler interface {
	Resolve(ctx context.Context, marketID, winningOutcome string) (domain.Resolution, error)
}

// Report summarises one run.
type Report struct {
	Skipped          bool `json:"skipped"`
	HedgesHedged     int  `json:"hedges_hedged"`
	HedgesFailed     int  `json:"hedges_failed"`
	OrphansCancelled int  `json:"orphans_cancelled"`
	MarketsClosed    int  `json:"markets_closed"`
	MarketsResolved  int  `json:"markets_resolved"`
	Errors           int  `json:"errors"`
}

// Writes returns the number of state changes the run made.
func (r Report) Writes() int {
	return r.HedgesHedged + r.HedgesFailed + r.MarketsClosed + r.MarketsResolved
}

// Job is the reconciliation sweep.
type Job struct {
	store       domain.Store
	venue       domain.HedgeVenue
	resolutions domain.ResolutionSource
	settle      Settler
	locks       domain.LockManager // optional
	lockTTL     time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// NewJob creates a Job. locks may be nil when only one instance runs the
// sweep.
func NewJob(
	store domain.Store,
	venue domain.HedgeVenue,
	resolutions domain.ResolutionSource,
	settle Settler,
	locks domain.LockManager,
	lockTTL time.Duration,
	logger *slog.Logger,
) *Job {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &Job{
		store:       store,
		venue:       venue,
		resolutions: resolutions,
		settle:      settle,
		locks:       locks,
		lockTTL:     lockTTL,
		logger:      logger.With(slog.String("component", "reconcile")),
		now:         time.Now,
	}
}

// SetClock replaces the time source used for due-date checks.
func (j *Job) SetClock(now func() time.Time) { j.now = now }

// Run executes all passes once. A run that finds the lock held by another
// instance returns a skipped report. Per-item failures are logged and
// counted; only failures to list work abort the run.
func (j *Job) Run(ctx context.Context) (Report, error) {
	var rep Report
	if j.locks != nil {
		unlock, err := j.locks.Acquire(ctx, lockKey, j.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			j.logger.InfoContext(ctx, "reconcile already running elsewhere, skipping")
			rep.Skipped = true
			return rep, nil
		}
		if err != nil {
			return rep, fmt.Errorf("reconcile: lock: %w", err)
		}
		defer unlock()
	}

	start := time.Now()
	if err := j.reconcileHedges(ctx, &rep); err != nil {
		return rep, err
	}
	if err := j.closeDue(ctx, &rep); err != nil {
		return rep, err
	}
	if err := j.syncResolutions(ctx, &rep); err != nil {
		return rep, err
	}

	j.logger.InfoContext(ctx, "reconcile run complete",
		slog.Int("hedges_hedged", rep.HedgesHedged),
		slog.Int("hedges_failed", rep.HedgesFailed),
		slog.Int("orphans_cancelled", rep.OrphansCancelled),
		slog.Int("markets_closed", rep.MarketsClosed),
		slog.Int("markets_resolved", rep.MarketsResolved),
		slog.Int("errors", rep.Errors),
		slog.Duration("elapsed", time.Since(start)),
	)
	return rep, nil
}

// reconcileHedges settles pending hedge positions from the venue's view of
// their orders. Orphans still live on the venue are cancelled first.
func (j *Job) reconcileHedges(ctx context.Context, rep *Report) error {
	pending, err := j.store.Hedges().ListByStatus(ctx, domain.HedgeStatusPending, pendingBatch)
	if err != nil {
		return fmt.Errorf("reconcile: list pending hedges: %w", err)
	}
	for _, hp := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log := j.logger.With(slog.String("hedge_id", hp.ID), slog.String("venue_order_id", hp.ExternalOrderID))

		if hp.ExternalOrderID == "" {
			j.transition(ctx, rep, hp, domain.HedgeStatusFailed, domain.VenueFill{})
			continue
		}
		fill, err := j.venue.OrderStatus(ctx, hp.ExternalOrderID)
		if errors.Is(err, domain.ErrNotFound) {
			j.transition(ctx, rep, hp, domain.HedgeStatusFailed, domain.VenueFill{})
			continue
		}
		if err != nil {
			log.WarnContext(ctx, "order status lookup failed", slog.String("error", err.Error()))
			rep.Errors++
			continue
		}

		if fill.Status == domain.VenueOrderLive && hp.OrderID == "" {
			if err := j.venue.CancelOrder(ctx, hp.ExternalOrderID); err != nil {
				log.WarnContext(ctx, "cancel orphaned order failed", slog.String("error", err.Error()))
				rep.Errors++
				continue
			}
			rep.OrphansCancelled++
			if fill, err = j.venue.OrderStatus(ctx, hp.ExternalOrderID); err != nil {
				rep.Errors++
				continue
			}
		}

		switch fill.Status {
		case domain.VenueOrderMatched:
			j.transition(ctx, rep, hp, domain.HedgeStatusHedged, fill)
		case domain.VenueOrderCancelled:
			if hp.OrderID == "" && fill.FilledSize > 0 {
				// Cancelled after a partial fill: those shares are held.
				j.transition(ctx, rep, hp, domain.HedgeStatusHedged, fill)
				continue
			}
			j.transition(ctx, rep, hp, domain.HedgeStatusFailed, fill)
		}
	}
	return nil
}

func (j *Job) transition(ctx context.Context, rep *Report, hp domain.HedgePosition, to domain.HedgeStatus, fill domain.VenueFill) {
	if err := j.store.Hedges().Transition(ctx, hp.ID, to, fill.AvgPrice, fill.Fees); err != nil {
		j.logger.WarnContext(ctx, "hedge transition failed",
			slog.String("hedge_id", hp.ID),
			slog.String("to", string(to)),
			slog.String("error", err.Error()),
		)
		rep.Errors++
		return
	}
	if to == domain.HedgeStatusHedged {
		rep.HedgesHedged++
	} else {
		rep.HedgesFailed++
	}
	j.logger.InfoContext(ctx, "hedge reconciled",
		slog.String("hedge_id", hp.ID),
		slog.String("status", string(to)),
		slog.Bool("orphan", hp.OrderID == ""),
	)
}

// closeDue moves active markets past their resolution date to closed.
func (j *Job) closeDue(ctx context.Context, rep *Report) error {
	now := j.now().UTC()
	due, err := j.store.Markets().ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("reconcile: list due markets: %w", err)
	}
	for _, m := range due {
		err := market.Transition(ctx, j.store.Markets(), m, domain.MarketStatusClosed, "", now)
		if errors.Is(err, domain.ErrAlreadyResolved) || errors.Is(err, domain.ErrValidation) {
			// Settled or cancelled since ListDue.
			j.logger.DebugContext(ctx, "market moved on before close", slog.String("market_id", m.ID), slog.String("error", err.Error()))
			continue
		}
		if err != nil {
			j.logger.WarnContext(ctx, "close market failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
			rep.Errors++
			continue
		}
		rep.MarketsClosed++
		j.logger.InfoContext(ctx, "market closed", slog.String("market_id", m.ID))
	}
	return nil
}

// syncResolutions settles mapped markets whose venue market has resolved.
func (j *Job) syncResolutions(ctx context.Context, rep *Report) error {
	if j.resolutions == nil {
		return nil
	}
	var candidates []domain.Market
	for _, status := range []domain.MarketStatus{domain.MarketStatusClosed, domain.MarketStatusActive} {
		ms, err := j.store.Markets().List(ctx, status, domain.ListOpts{})
		if err != nil {
			return fmt.Errorf("reconcile: list %s markets: %w", status, err)
		}
		candidates = append(candidates, ms...)
	}

	for _, m := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mapping, err := j.store.Mappings().GetByMarket(ctx, m.ID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			rep.Errors++
			continue
		}
		res, err := j.resolutions.GetResolution(ctx, mapping.ExternalMarketID)
		if err != nil {
			j.logger.WarnContext(ctx, "resolution lookup failed",
				slog.String("market_id", m.ID),
				slog.String("external_market_id", mapping.ExternalMarketID),
				slog.String("error", err.Error()),
			)
			rep.Errors++
			continue
		}
		if !res.Closed || res.WinningTokenID == "" {
			continue
		}
		outcome, ok := mapping.OutcomeForToken(res.WinningTokenID)
		if !ok {
			j.logger.WarnContext(ctx, "winning token is not mapped",
				slog.String("market_id", m.ID),
				slog.String("token_id", res.WinningTokenID),
			)
			rep.Errors++
			continue
		}
		_, err = j.settle.Resolve(ctx, m.ID, outcome)
		switch {
		case errors.Is(err, domain.ErrAlreadyResolved):
		case err != nil:
			j.logger.ErrorContext(ctx, "settlement failed", slog.String("market_id", m.ID), slog.String("error", err.Error()))
			rep.Errors++
		default:
			rep.MarketsResolved++
		}
	}
	return nil
}

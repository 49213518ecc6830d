package hedge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/market"
)

// sizeEpsilon absorbs float noise when comparing share counts.
const sizeEpsilon = 1e-9

// Breaker gates hedge-requiring trades. Every successful Allow must be
// followed by exactly one Record or Abandon.
type Breaker interface {
	Allow() error
	Check() error
	Abandon()
	Record(success bool)
}

// Service is the entry point for user trades.
type Service struct {
	store    domain.Store
	markets  *market.State
	decide   *DecisionEngine
	exec     *Executor
	exposure domain.ExposureCounter
	breaker  Breaker
	policy   *Policy
	dedup    *Dedup
	bus      domain.SignalBus // optional
	alerts   domain.Alerter   // optional
	logger   *slog.Logger
}

// NewService wires the pipeline. bus and alerts may be nil.
func NewService(
	store domain.Store,
	markets *market.State,
	decide *DecisionEngine,
	exec *Executor,
	exposure domain.ExposureCounter,
	breaker Breaker,
	policy *Policy,
	bus domain.SignalBus,
	alerts domain.Alerter,
	logger *slog.Logger,
) *Service {
	return &Service{
		store:    store,
		markets:  markets,
		decide:   decide,
		exec:     exec,
		exposure: exposure,
		breaker:  breaker,
		policy:   policy,
		dedup:    NewDedup(10 * time.Minute),
		bus:      bus,
		alerts:   alerts,
		logger:   logger.With(slog.String("component", "hedge_service")),
	}
}

// Dedup exposes the in-flight tracker so the caller can schedule Cleanup.
func (s *Service) Dedup() *Dedup { return s.dedup }

// Quote prices req and runs the risk checks without reserving anything.
func (s *Service) Quote(ctx context.Context, req domain.TradeRequest) (Decision, error) {
	cfg, err := s.policy.Current(ctx)
	if err != nil {
		return Decision{}, err
	}
	d, err := s.decide.Quote(ctx, cfg, req)
	if err != nil {
		return Decision{}, err
	}
	if err := s.decide.RiskCheck(ctx, cfg, d); err != nil {
		return d, err
	}
	if err := s.breaker.Check(); err != nil {
		return d, err
	}
	return d, nil
}

// Submit runs the full pipeline for req and returns only once the trade is
// either committed with a hedged HedgePosition or rejected with nothing
// persisted. A request whose client order id was already committed returns
// the original result.
func (s *Service) Submit(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return domain.TradeResult{}, err
	}
	if !s.dedup.Claim(req.ClientOrderID) {
		return domain.TradeResult{}, fmt.Errorf("hedge: client order %s is already in flight: %w", req.ClientOrderID, domain.ErrAlreadyExists)
	}
	defer s.dedup.Release(req.ClientOrderID)

	if res, ok, err := s.existing(ctx, req.ClientOrderID); err != nil || ok {
		return res, err
	}

	log := s.logger.With(
		slog.String("client_order_id", req.ClientOrderID),
		slog.String("market_id", req.MarketID),
		slog.String("outcome_id", req.OutcomeID),
		slog.String("side", string(req.Side)),
	)

	cfg, err := s.policy.Current(ctx)
	if err != nil {
		return domain.TradeResult{}, err
	}

	// Quote
	d, err := s.decide.Quote(ctx, cfg, req)
	if err != nil {
		log.InfoContext(ctx, "trade rejected at quote", slog.String("reason", domain.Reason(err)))
		return domain.TradeResult{}, err
	}

	// RiskCheck
	if err := s.checkFunds(ctx, d); err != nil {
		return domain.TradeResult{}, err
	}
	if err := s.decide.RiskCheck(ctx, cfg, d); err != nil {
		log.InfoContext(ctx, "trade rejected at risk check", slog.String("reason", domain.Reason(err)))
		return domain.TradeResult{}, err
	}
	if err := s.breaker.Allow(); err != nil {
		return domain.TradeResult{}, err
	}

	// Reserve
	if _, err := s.exposure.Reserve(ctx, req.MarketID, req.Amount, cfg.MaxUnhedgedExposure); err != nil {
		s.breaker.Abandon()
		return domain.TradeResult{}, err
	}
	defer func() {
		if err := s.exposure.Release(context.WithoutCancel(ctx), req.MarketID, req.Amount); err != nil {
			log.ErrorContext(ctx, "release exposure failed", slog.String("error", err.Error()))
		}
	}()

	// Execute
	order := d.VenueOrder()
	ex, err := s.exec.Execute(ctx, order, cfg.HedgeTimeout(), cfg.RetryAttempts)
	s.journalStrays(ctx, d, ex.Strays)
	if err != nil {
		// Abort: nothing was persisted for the trade itself.
		if ctx.Err() != nil && ex.VenueFailures == 0 {
			// The caller went away; the venue did nothing wrong.
			s.breaker.Abandon()
		} else {
			s.breaker.Record(false)
		}
		s.journal(ctx, "hedge_failed", d, ex, err)
		log.WarnContext(ctx, "trade aborted, hedge failed",
			slog.Int("attempts", ex.Attempts),
			slog.Int("venue_failures", ex.VenueFailures),
			slog.String("error", err.Error()),
		)
		return domain.TradeResult{}, err
	}
	s.breaker.Record(true)

	// Commit. The hedge has filled, so the trade is finished even if the
	// caller has gone away.
	cctx := context.WithoutCancel(ctx)
	res, err := s.commit(cctx, cfg, d, ex.Fill)
	if err != nil {
		s.handleCommitFailure(cctx, cfg, d, order, ex.Fill, err)
		if errors.Is(err, domain.ErrTransactionFailed) {
			return domain.TradeResult{}, err
		}
		return domain.TradeResult{}, fmt.Errorf("%w: %w", domain.ErrTransactionFailed, err)
	}
	s.journal(ctx, "hedge_committed", d, ex, nil)
	log.InfoContext(ctx, "trade committed",
		slog.String("order_id", res.Order.ID),
		slog.Float64("user_price", d.UserPrice),
		slog.Float64("fill_price", res.Hedge.ExternalPrice),
		slog.Float64("net_profit", res.Hedge.NetProfit),
	)
	return res, nil
}

func (s *Service) existing(ctx context.Context, clientOrderID string) (domain.TradeResult, bool, error) {
	o, err := s.store.Orders().GetByClientID(ctx, clientOrderID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.TradeResult{}, false, nil
	}
	if err != nil {
		return domain.TradeResult{}, false, fmt.Errorf("hedge: lookup order: %w", err)
	}
	h, err := s.store.Hedges().GetByOrder(ctx, o.ID)
	if err != nil {
		return domain.TradeResult{}, false, fmt.Errorf("hedge: lookup hedge: %w", err)
	}
	return domain.TradeResult{Order: o, Hedge: h}, true, nil
}

// checkFunds rejects a buy the user cannot pay for or a sell larger than
// the position before any venue order is placed.
func (s *Service) checkFunds(ctx context.Context, d Decision) error {
	req := d.Request
	if req.Side == domain.OrderSideBuy {
		bal, err := s.store.Balances().Get(ctx, req.UserID)
		if err != nil {
			return fmt.Errorf("hedge: balance: %w", err)
		}
		if bal.Amount+sizeEpsilon < req.Amount {
			return domain.Reject(domain.ErrValidation, "insufficient balance: have %.2f, need %.2f", bal.Amount, req.Amount)
		}
		return nil
	}
	pos, err := s.store.Positions().Get(ctx, req.UserID, req.MarketID, req.OutcomeID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("hedge: position: %w", err)
	}
	if pos.Size+sizeEpsilon < d.Shares {
		return domain.Reject(domain.ErrValidation, "position of %.4f shares cannot cover a sale of %.4f", pos.Size, d.Shares)
	}
	return nil
}

// commit persists the trade and its terminal hedge in one transaction.
func (s *Service) commit(ctx context.Context, cfg domain.HedgeConfig, d Decision, fill domain.VenueFill) (domain.TradeResult, error) {
	req := d.Request
	fillPrice := fill.AvgPrice
	if fillPrice <= 0 {
		fillPrice = d.ReferencePrice
	}
	fees := fill.Fees
	if fees <= 0 {
		fees = cfg.FeeRate * fillPrice * d.Shares
	}
	fees = round(fees)
	profit := round(Profit(req.Side, d.UserPrice, fillPrice, d.Shares, fees, cfg.OverheadPerTrade))

	now := time.Now().UTC()
	order := domain.Order{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		UserID:        req.UserID,
		MarketID:      req.MarketID,
		OutcomeID:     req.OutcomeID,
		Side:          req.Side,
		Amount:        req.Amount,
		Size:          d.Shares,
		Price:         d.UserPrice,
		Status:        domain.OrderStatusFilled,
		CreatedAt:     now,
	}
	hp := domain.HedgePosition{
		ID:              uuid.NewString(),
		OrderID:         order.ID,
		MarketID:        req.MarketID,
		OutcomeID:       req.OutcomeID,
		TokenID:         d.TokenID,
		Side:            req.Side,
		Size:            d.Shares,
		InternalPrice:   d.UserPrice,
		ExternalPrice:   fillPrice,
		ExternalOrderID: fill.OrderID,
		Status:          domain.HedgeStatusHedged,
		Fees:            fees,
		NetProfit:       profit,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		m, err := tx.Markets().GetByID(ctx, req.MarketID)
		if err != nil {
			return err
		}
		if m.Status != domain.MarketStatusActive {
			return domain.Reject(domain.ErrValidation, "market %s became %s during the trade", m.ID, m.Status)
		}
		dq := d.Shares
		if req.Side == domain.OrderSideSell {
			dq = -dq
		}
		if !m.ExternalSource {
			if _, err := s.markets.ApplyTrade(ctx, tx, req.MarketID, req.OutcomeID, dq); err != nil {
				return err
			}
		}

		pos, err := tx.Positions().Get(ctx, req.UserID, req.MarketID, req.OutcomeID)
		if errors.Is(err, domain.ErrNotFound) {
			pos = domain.Position{UserID: req.UserID, MarketID: req.MarketID, OutcomeID: req.OutcomeID}
		} else if err != nil {
			return err
		}
		if req.Side == domain.OrderSideBuy {
			if _, err := tx.Balances().Debit(ctx, req.UserID, req.Amount); err != nil {
				return err
			}
			pos.Size += d.Shares
			pos.CostBasis += req.Amount
		} else {
			if pos.Size+sizeEpsilon < d.Shares {
				return domain.Reject(domain.ErrValidation, "position no longer covers the sale")
			}
			if _, err := tx.Balances().Credit(ctx, req.UserID, req.Amount); err != nil {
				return err
			}
			pos.CostBasis *= 1 - d.Shares/pos.Size
			pos.Size -= d.Shares
			if pos.Size < sizeEpsilon {
				pos.Size, pos.CostBasis = 0, 0
			}
		}
		if err := tx.Positions().Upsert(ctx, pos); err != nil {
			return err
		}
		if err := tx.Orders().Create(ctx, order); err != nil {
			return err
		}
		if err := tx.Hedges().Create(ctx, hp); err != nil {
			return err
		}
		return tx.Audit().Log(ctx, "trade_committed", map[string]any{
			"order_id":    order.ID,
			"hedge_id":    hp.ID,
			"market_id":   order.MarketID,
			"side":        string(order.Side),
			"amount":      order.Amount,
			"user_price":  d.UserPrice,
			"hedge_price": fillPrice,
			"venue_order": fill.OrderID,
			"net_profit":  profit,
		})
	})
	if err != nil {
		return domain.TradeResult{}, err
	}
	return domain.TradeResult{Order: order, Hedge: hp}, nil
}

// handleCommitFailure tries to close the filled hedge and alerts the
// operator either way.
func (s *Service) handleCommitFailure(ctx context.Context, cfg domain.HedgeConfig, d Decision, order domain.VenueOrder, fill domain.VenueFill, cause error) {
	s.logger.ErrorContext(ctx, "commit failed after hedge filled, unwinding",
		slog.String("client_order_id", d.Request.ClientOrderID),
		slog.String("venue_order_id", fill.OrderID),
		slog.String("error", cause.Error()),
	)
	s.alert(ctx, domain.AlertCommitFailed, "Trade commit failed",
		fmt.Sprintf("client order %s on %s: %v", d.Request.ClientOrderID, d.Request.MarketID, cause))

	if _, err := s.exec.Unwind(ctx, order, fill, cfg.HedgeTimeout()); err != nil {
		s.logger.ErrorContext(ctx, "unwind failed", slog.String("venue_order_id", fill.OrderID), slog.String("error", err.Error()))
		s.alert(ctx, domain.AlertUnwindFailed, "Hedge unwind failed",
			fmt.Sprintf("venue order %s (%s %.4f @ %.4f) is open without a user trade: %v",
				fill.OrderID, order.Side, order.Size, fill.AvgPrice, err))
	}
}

// journalStrays records venue orders left behind by abandoned attempts as
// pending HedgePositions with no Order, so their shares are tracked until
// reconciliation settles them. A partial fill is journaled at the filled
// size and price.
func (s *Service) journalStrays(ctx context.Context, d Decision, strays []domain.VenueFill) {
	for _, f := range strays {
		hp := domain.HedgePosition{
			ID:              uuid.NewString(),
			MarketID:        d.Request.MarketID,
			OutcomeID:       d.Request.OutcomeID,
			TokenID:         d.TokenID,
			Side:            d.Request.Side,
			Size:            d.Shares,
			InternalPrice:   d.UserPrice,
			ExternalPrice:   d.ReferencePrice,
			ExternalOrderID: f.OrderID,
			Fees:            f.Fees,
			Status:          domain.HedgeStatusPending,
		}
		msg := fmt.Sprintf("venue order %s for %s could not be cancelled; left for reconciliation", f.OrderID, d.Request.MarketID)
		if f.FilledSize > 0 {
			hp.Size = f.FilledSize
			if f.AvgPrice > 0 {
				hp.ExternalPrice = f.AvgPrice
			}
			msg = fmt.Sprintf("venue order %s for %s was cancelled holding %.4f of %.4f shares; left for reconciliation",
				f.OrderID, d.Request.MarketID, f.FilledSize, d.Shares)
		}
		if err := s.store.Hedges().Create(context.WithoutCancel(ctx), hp); err != nil {
			s.logger.ErrorContext(ctx, "journal stray order failed", slog.String("venue_order_id", f.OrderID), slog.String("error", err.Error()))
		}
		s.alert(ctx, domain.AlertOrphanOrder, "Orphaned venue order", msg)
	}
}

func (s *Service) journal(ctx context.Context, event string, d Decision, ex Execution, cause error) {
	if s.bus == nil {
		return
	}
	entry := map[string]any{
		"event":           event,
		"client_order_id": d.Request.ClientOrderID,
		"market_id":       d.Request.MarketID,
		"outcome_id":      d.Request.OutcomeID,
		"side":            d.Request.Side,
		"shares":          d.Shares,
		"reference_price": d.ReferencePrice,
		"attempts":        ex.Attempts,
		"venue_order_id":  ex.Fill.OrderID,
		"at":              time.Now().UTC(),
	}
	if cause != nil {
		entry["error"] = cause.Error()
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := s.bus.StreamAppend(context.WithoutCancel(ctx), domain.StreamHedges, payload); err != nil {
		s.logger.DebugContext(ctx, "hedge journal append failed", slog.String("error", err.Error()))
	}
}

func (s *Service) alert(ctx context.Context, event, title, msg string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(context.WithoutCancel(ctx), event, title, msg); err != nil {
		s.logger.WarnContext(ctx, "operator alert failed", slog.String("event", event), slog.String("error", err.Error()))
	}
}

// round keeps money values to micro-units.
func round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(6).InexactFloat64()
}

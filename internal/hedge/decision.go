// Package hedge runs the synchronous per-trade pipeline: quote against the
// reference price, risk-check, reserve exposure, hedge on the venue and only
// then commit the user's order.
package hedge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/market"
	"github.com/alanyoungcy/ammhedge/internal/pricing"
)

// ReferencePrices resolves an outcome to its venue token and serves the
// latest reference quote for it.
type ReferencePrices interface {
	TokenFor(marketID, outcomeID string) (string, bool)
	LastQuote(ctx context.Context, tokenID string) (domain.Quote, error)
}

// Decision is a priced, not yet reserved trade.
type Decision struct {
	Request        domain.TradeRequest `json:"request"`
	TokenID        string              `json:"token_id"`
	ExternalSource bool                `json:"external_source"`
	ReferencePrice float64             `json:"reference_price"`
	UserPrice      float64             `json:"user_price"`
	Shares         float64             `json:"shares"`
	MarkupBps      float64             `json:"markup_bps"`
	SlippageBps    float64             `json:"slippage_bps"`
	ExpectedProfit float64             `json:"expected_profit"`
	QuoteAge       time.Duration       `json:"quote_age"`
}

// VenueOrder is the offsetting order for d: same side as the user, limited
// at the reference price.
func (d Decision) VenueOrder() domain.VenueOrder {
	return domain.VenueOrder{
		TokenID:    d.TokenID,
		Side:       d.Request.Side,
		Size:       d.Shares,
		LimitPrice: d.ReferencePrice,
	}
}

// DecisionEngine prices trades and applies the stateless risk limits.
type DecisionEngine struct {
	markets  *market.State
	prices   ReferencePrices
	exposure domain.ExposureCounter
	now      func() time.Time
}

// NewDecisionEngine creates a DecisionEngine.
func NewDecisionEngine(markets *market.State, prices ReferencePrices, exposure domain.ExposureCounter) *DecisionEngine {
	return &DecisionEngine{markets: markets, prices: prices, exposure: exposure, now: time.Now}
}

// SetClock replaces the time source used for quote staleness.
func (e *DecisionEngine) SetClock(now func() time.Time) { e.now = now }

// Quote prices req off the latest reference quote. It fails with
// ErrStaleQuote when no fresh quote exists.
func (e *DecisionEngine) Quote(ctx context.Context, cfg domain.HedgeConfig, req domain.TradeRequest) (Decision, error) {
	if err := req.Validate(); err != nil {
		return Decision{}, err
	}
	m, err := e.markets.Get(ctx, req.MarketID)
	if err != nil {
		return Decision{}, err
	}
	if m.Status != domain.MarketStatusActive {
		return Decision{}, domain.Reject(domain.ErrValidation, "market %s is %s", m.ID, m.Status)
	}
	idx := -1
	for i, o := range m.Outcomes {
		if o.ID == req.OutcomeID {
			idx = i
		}
	}
	if idx < 0 {
		return Decision{}, domain.Reject(domain.ErrValidation, "outcome %s not in market %s", req.OutcomeID, m.ID)
	}

	token, ok := e.prices.TokenFor(m.ID, req.OutcomeID)
	if !ok {
		return Decision{}, domain.Reject(domain.ErrRiskRejected, "outcome %s has no reference market to hedge on", req.OutcomeID)
	}
	q, err := e.prices.LastQuote(ctx, token)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Decision{}, domain.Reject(domain.ErrStaleQuote, "no reference price for token %s yet", token)
		}
		return Decision{}, fmt.Errorf("hedge: quote: %w", err)
	}
	age := q.Age(e.now())
	if age > cfg.MaxQuoteAge() {
		return Decision{}, domain.Reject(domain.ErrStaleQuote, "reference price is %s old (max %s)", age.Round(time.Millisecond), cfg.MaxQuoteAge())
	}
	ref := q.Price
	if !(ref > 0 && ref < 1) {
		return Decision{}, domain.Reject(domain.ErrRiskRejected, "reference price %.4f is outside the tradable range", ref)
	}

	markupBps := cfg.EffectiveMarkupBps()
	markup := markupBps / 10_000
	userPrice := ref * (1 + markup)
	if req.Side == domain.OrderSideSell {
		userPrice = ref * (1 - markup)
	}
	if !(userPrice > 0 && userPrice < 1) {
		return Decision{}, domain.Reject(domain.ErrRiskRejected, "marked-up price %.4f is outside the tradable range", userPrice)
	}
	shares := req.Amount / userPrice

	slippage, err := estimateSlippage(m, idx, q, req)
	if err != nil {
		return Decision{}, err
	}

	d := Decision{
		Request:        req,
		TokenID:        token,
		ExternalSource: m.ExternalSource,
		ReferencePrice: ref,
		UserPrice:      userPrice,
		Shares:         shares,
		MarkupBps:      markupBps,
		SlippageBps:    slippage,
		QuoteAge:       age,
	}
	d.ExpectedProfit = Profit(req.Side, userPrice, ref, shares, cfg.FeeRate*ref*shares, cfg.OverheadPerTrade)
	return d, nil
}

// estimateSlippage uses the venue's top of book when the quote carries it,
// and the AMM's own price impact otherwise.
func estimateSlippage(m domain.Market, idx int, q domain.Quote, req domain.TradeRequest) (float64, error) {
	ref := q.Price
	switch {
	case req.Side == domain.OrderSideBuy && q.BestAsk > 0:
		return math.Max(0, (q.BestAsk-ref)/ref*10_000), nil
	case req.Side == domain.OrderSideSell && q.BestBid > 0:
		return math.Max(0, (ref-q.BestBid)/ref*10_000), nil
	}
	im, err := pricing.PriceImpact(m.Quantities(), idx, req.Amount, m.B)
	if err != nil {
		return 0, domain.Reject(domain.ErrRiskRejected, "cannot estimate price impact: %v", err)
	}
	return im.SlippageBps(), nil
}

// RiskCheck applies the configured limits to d without mutating anything.
// The exposure check here is advisory; Reserve enforces the cap atomically.
func (e *DecisionEngine) RiskCheck(ctx context.Context, cfg domain.HedgeConfig, d Decision) error {
	if !cfg.Enabled {
		return domain.Reject(domain.ErrRiskRejected, "hedging is disabled")
	}
	amount := d.Request.Amount
	if amount > cfg.MaxPositionSize {
		return domain.Reject(domain.ErrRiskRejected, "size %.2f exceeds max position size %.2f", amount, cfg.MaxPositionSize)
	}
	current, err := e.exposure.Current(ctx, d.Request.MarketID)
	if err != nil {
		return fmt.Errorf("hedge: exposure: %w", err)
	}
	if current+amount > cfg.MaxUnhedgedExposure {
		return domain.Reject(domain.ErrRiskRejected, "unhedged exposure %.2f + %.2f exceeds cap %.2f", current, amount, cfg.MaxUnhedgedExposure)
	}
	if d.MarkupBps < cfg.MinSpreadBps {
		return domain.Reject(domain.ErrRiskRejected, "markup %.1f bps below minimum spread %.1f bps", d.MarkupBps, cfg.MinSpreadBps)
	}
	if d.SlippageBps > cfg.MaxSlippageBps {
		return domain.Reject(domain.ErrRiskRejected, "expected slippage %.1f bps exceeds %.1f bps", d.SlippageBps, cfg.MaxSlippageBps)
	}
	return nil
}

// Profit is the spread captured on a hedged trade net of venue fees and
// fixed overhead. For a user buy the platform sells at userPrice and buys
// the hedge at fillPrice; a sell is the mirror image.
func Profit(side domain.OrderSide, userPrice, fillPrice, shares, fees, overhead float64) float64 {
	spread := (userPrice - fillPrice) * shares
	if side == domain.OrderSideSell {
		spread = (fillPrice - userPrice) * shares
	}
	return spread - fees - overhead
}

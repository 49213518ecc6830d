package domain

import "time"

// HedgeStatus is the lifecycle of an offsetting venue order.
type HedgeStatus string

const (
	HedgeStatusPending HedgeStatus = "pending"
	HedgeStatusHedged  HedgeStatus = "hedged"
	HedgeStatusFailed  HedgeStatus = "failed"
)

// Terminal reports whether s can no longer change.
func (s HedgeStatus) Terminal() bool {
	return s == HedgeStatusHedged || s == HedgeStatusFailed
}

// CanTransition only allows pending -> terminal.
func (s HedgeStatus) CanTransition(to HedgeStatus) bool {
	return s == HedgeStatusPending && to.Terminal()
}

// HedgePosition records the venue-side offset of one Order. OrderID is empty
// for orphaned venue orders journaled for reconciliation.
type HedgePosition struct {
	ID              string      `json:"id"`
	OrderID         string      `json:"order_id,omitempty"`
	MarketID        string      `json:"market_id"`
	OutcomeID       string      `json:"outcome_id"`
	TokenID         string      `json:"token_id"`
	Side            OrderSide   `json:"side"`
	Size            float64     `json:"size"`
	InternalPrice   float64     `json:"internal_price"`
	ExternalPrice   float64     `json:"external_price"`
	ExternalOrderID string      `json:"external_order_id"`
	Status          HedgeStatus `json:"status"`
	Fees            float64     `json:"fees"`
	NetProfit       float64     `json:"net_profit"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// HedgeConfig is the operator-editable hedging policy.
type HedgeConfig struct {
	Enabled             bool    `json:"enabled"`
	MinSpreadBps        float64 `json:"min_spread_bps"`
	MarkupBps           float64 `json:"markup_bps"` // 0 means MinSpreadBps
	MaxSlippageBps      float64 `json:"max_slippage_bps"`
	MaxUnhedgedExposure float64 `json:"max_unhedged_exposure"`
	MaxPositionSize     float64 `json:"max_position_size"`
	HedgeTimeoutMs      int64   `json:"hedge_timeout_ms"`
	RetryAttempts       int     `json:"retry_attempts"`
	FeeRate             float64 `json:"fee_rate"`
	OverheadPerTrade    float64 `json:"overhead_per_trade"`
	MaxQuoteAgeMs       int64   `json:"max_quote_age_ms"`
}

// EffectiveMarkupBps returns the markup actually charged.
func (c HedgeConfig) EffectiveMarkupBps() float64 {
	if c.MarkupBps > 0 {
		return c.MarkupBps
	}
	return c.MinSpreadBps
}

// HedgeTimeout returns the per-attempt venue deadline.
func (c HedgeConfig) HedgeTimeout() time.Duration {
	return time.Duration(c.HedgeTimeoutMs) * time.Millisecond
}

// MaxQuoteAge returns the staleness threshold for reference quotes.
func (c HedgeConfig) MaxQuoteAge() time.Duration {
	return time.Duration(c.MaxQuoteAgeMs) * time.Millisecond
}

// Validate checks an operator-supplied config.
func (c HedgeConfig) Validate() error {
	switch {
	case c.MinSpreadBps < 0:
		return Reject(ErrValidation, "min_spread_bps must be >= 0")
	case c.MarkupBps != 0 && c.MarkupBps < c.MinSpreadBps:
		return Reject(ErrValidation, "markup_bps must be >= min_spread_bps")
	case c.MaxSlippageBps < 0:
		return Reject(ErrValidation, "max_slippage_bps must be >= 0")
	case c.MaxUnhedgedExposure <= 0:
		return Reject(ErrValidation, "max_unhedged_exposure must be > 0")
	case c.MaxPositionSize <= 0:
		return Reject(ErrValidation, "max_position_size must be > 0")
	case c.HedgeTimeoutMs <= 0:
		return Reject(ErrValidation, "hedge_timeout_ms must be > 0")
	case c.RetryAttempts < 0:
		return Reject(ErrValidation, "retry_attempts must be >= 0")
	case c.FeeRate < 0 || c.FeeRate >= 1:
		return Reject(ErrValidation, "fee_rate must be in [0, 1)")
	case c.MaxQuoteAgeMs <= 0:
		return Reject(ErrValidation, "max_quote_age_ms must be > 0")
	}
	return nil
}

// HedgeStats aggregates hedge outcomes for the operator dashboard.
type HedgeStats struct {
	Total       int64              `json:"total"`
	Hedged      int64              `json:"hedged"`
	Failed      int64              `json:"failed"`
	Pending     int64              `json:"pending"`
	SuccessRate float64            `json:"success_rate"`
	NetProfit   float64            `json:"net_profit"`
	Fees        float64            `json:"fees"`
	ByMarket    map[string]float64 `json:"exposure_by_market"`
}

package domain

import "time"

// Position is a user's holding of one outcome. CostBasis is the total
// settlement currency paid for the shares currently held.
type Position struct {
	UserID    string    `json:"user_id"`
	MarketID  string    `json:"market_id"`
	OutcomeID string    `json:"outcome_id"`
	Size      float64   `json:"size"`
	CostBasis float64   `json:"cost_basis"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Balance is a user's settlement-currency balance.
type Balance struct {
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resolution is the outcome of settling a market.
type Resolution struct {
	MarketID       string    `json:"market_id"`
	WinningOutcome string    `json:"winning_outcome"`
	WinnersCount   int       `json:"winners_count"`
	TotalPayout    float64   `json:"total_payout"`
	TotalFees      float64   `json:"total_fees"`
	ResolvedAt     time.Time `json:"resolved_at"`
}

// Cancellation is the outcome of cancelling a market.
type Cancellation struct {
	MarketID     string    `json:"market_id"`
	RefundsCount int       `json:"refunds_count"`
	TotalRefund  float64   `json:"total_refund"`
	CancelledAt  time.Time `json:"cancelled_at"`
}

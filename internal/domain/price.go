package domain

import "time"

// PriceSource labels where a PricePoint came from.
type PriceSource string

const (
	PriceSourceReference PriceSource = "reference"
	PriceSourceAMM       PriceSource = "amm"
)

// PricePoint is one bucketed history row, unique per (market, outcome, bucket).
type PricePoint struct {
	MarketID    string      `json:"market_id"`
	OutcomeID   string      `json:"outcome_id"`
	Bucket      time.Time   `json:"bucket"`
	Price       float64     `json:"price"`
	Probability float64     `json:"probability"`
	Source      PriceSource `json:"source"`
}

// BucketOf floors t to the bucket width.
func BucketOf(t time.Time, width time.Duration) time.Time {
	if width <= 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(width)
}

// PriceUpdate is the best-effort fan-out message published on every
// ingested price.
type PriceUpdate struct {
	MarketID    string  `json:"marketId"`
	OutcomeID   string  `json:"outcomeId"`
	Probability float64 `json:"probability"`
	Price       float64 `json:"price"`
	TimestampMs int64   `json:"timestampMs"`
}

// Quote is the latest reference price for an external token.
type Quote struct {
	TokenID string
	Price   float64
	BestBid float64 // zero when unknown
	BestAsk float64 // zero when unknown
	At      time.Time
}

// Age returns how old the quote is at now.
func (q Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.At)
}

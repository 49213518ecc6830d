package domain

import "time"

// BreakerState is the circuit breaker position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// RiskSnapshot is a periodic record of exposure and hedge health.
type RiskSnapshot struct {
	ID               int64        `json:"id"`
	TakenAt          time.Time    `json:"taken_at"`
	HedgedExposure   float64      `json:"hedged_exposure"`
	UnhedgedExposure float64      `json:"unhedged_exposure"`
	SuccessRate      float64      `json:"success_rate"`
	BreakerState     BreakerState `json:"breaker_state"`
}

package domain

import "context"

// Alerter delivers operator alerts. Delivery is best effort.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Operator alert event types.
const (
	AlertBreaker      = "breaker_state"
	AlertCommitFailed = "commit_failed"
	AlertUnwindFailed = "unwind_failed"
	AlertOrphanOrder  = "orphan_order"
	AlertResolved     = "market_resolved"
	AlertCancelled    = "market_cancelled"
)

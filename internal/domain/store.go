package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// MarketStore persists markets and their outcomes.
type MarketStore interface {
	Create(ctx context.Context, market Market) error
	GetByID(ctx context.Context, id string) (Market, error)
	List(ctx context.Context, status MarketStatus, opts ListOpts) ([]Market, error)
	ListDue(ctx context.Context, now time.Time) ([]Market, error)
	// UpdateOutcomes writes outcome quantities of an active market. It
	// fails with StatusConflict once the market has left active.
	UpdateOutcomes(ctx context.Context, marketID string, outcomes []Outcome) error
	// UpdateStatus moves a market from one status to another. The write is
	// conditional on the stored status still being from; otherwise it fails
	// with StatusConflict and changes nothing.
	UpdateStatus(ctx context.Context, id string, from, to MarketStatus, result string, resolvedAt *time.Time) error
}

// MappingStore persists internal-to-venue market mappings.
type MappingStore interface {
	Upsert(ctx context.Context, mapping MarketMapping) error
	GetByMarket(ctx context.Context, marketID string) (MarketMapping, error)
	ListActive(ctx context.Context) ([]MarketMapping, error)
	TouchSynced(ctx context.Context, marketID string, at time.Time) error
}

// PricePointStore persists bucketed price history.
type PricePointStore interface {
	Upsert(ctx context.Context, point PricePoint) error
	List(ctx context.Context, marketID, outcomeID string, opts ListOpts) ([]PricePoint, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]PricePoint, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// OrderStore persists committed user orders.
type OrderStore interface {
	Create(ctx context.Context, order Order) error
	GetByID(ctx context.Context, id string) (Order, error)
	GetByClientID(ctx context.Context, clientOrderID string) (Order, error)
	ListByMarket(ctx context.Context, marketID string, opts ListOpts) ([]Order, error)
	ListByUser(ctx context.Context, userID string, opts ListOpts) ([]Order, error)
}

// HedgeStore persists hedge positions.
type HedgeStore interface {
	Create(ctx context.Context, hedge HedgePosition) error
	GetByID(ctx context.Context, id string) (HedgePosition, error)
	GetByOrder(ctx context.Context, orderID string) (HedgePosition, error)
	ListByStatus(ctx context.Context, status HedgeStatus, limit int) ([]HedgePosition, error)
	List(ctx context.Context, opts ListOpts) ([]HedgePosition, error)
	// Transition moves a pending hedge to a terminal status. It fails with
	// ErrValidation when the hedge is not pending.
	Transition(ctx context.Context, id string, to HedgeStatus, externalPrice, fees float64) error
	Stats(ctx context.Context, since *time.Time) (HedgeStats, error)
}

// PositionStore persists user outcome holdings.
type PositionStore interface {
	Get(ctx context.Context, userID, marketID, outcomeID string) (Position, error)
	Upsert(ctx context.Context, pos Position) error
	ListByMarket(ctx context.Context, marketID string) ([]Position, error)
	ListByUser(ctx context.Context, userID string) ([]Position, error)
}

// BalanceStore is the settlement-currency ledger.
type BalanceStore interface {
	Get(ctx context.Context, userID string) (Balance, error)
	Credit(ctx context.Context, userID string, amount float64) (Balance, error)
	// Debit fails with ErrValidation when the balance would go negative.
	Debit(ctx context.Context, userID string, amount float64) (Balance, error)
}

// RiskStore persists risk snapshots.
type RiskStore interface {
	Insert(ctx context.Context, snap RiskSnapshot) error
	Latest(ctx context.Context) (RiskSnapshot, error)
	List(ctx context.Context, opts ListOpts) ([]RiskSnapshot, error)
}

// HedgeConfigStore persists the single active hedge policy.
type HedgeConfigStore interface {
	Get(ctx context.Context) (HedgeConfig, error)
	Put(ctx context.Context, cfg HedgeConfig) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// Tx exposes every store bound to one unit of work.
type Tx interface {
	Markets() MarketStore
	Mappings() MappingStore
	PricePoints() PricePointStore
	Orders() OrderStore
	Hedges() HedgeStore
	Positions() PositionStore
	Balances() BalanceStore
	Risk() RiskStore
	HedgeConfig() HedgeConfigStore
	Audit() AuditStore
}

// Store is the transactional persistence root. Calls on the embedded Tx run
// outside any transaction. WithTx commits when fn returns nil and rolls back
// otherwise; fn's error is returned unchanged, while begin/commit failures
// wrap ErrTransactionFailed.
type Store interface {
	Tx
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

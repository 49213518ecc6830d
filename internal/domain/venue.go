package domain

import (
	"context"
	"time"
)

// VenueOrderStatus is the reference venue's view of an order.
type VenueOrderStatus string

const (
	VenueOrderLive      VenueOrderStatus = "live"
	VenueOrderMatched   VenueOrderStatus = "matched"
	VenueOrderCancelled VenueOrderStatus = "cancelled"
	VenueOrderUnknown   VenueOrderStatus = "unknown"
)

// VenueOrder is an offsetting order placed on the reference venue.
type VenueOrder struct {
	TokenID    string
	Side       OrderSide
	Size       float64 // shares
	LimitPrice float64
}

// VenueFill describes the current state of a venue order.
type VenueFill struct {
	OrderID    string
	Status     VenueOrderStatus
	FilledSize float64
	AvgPrice   float64
	Fees       float64
}

// Filled reports whether the order fully matched.
func (f VenueFill) Filled() bool {
	return f.Status == VenueOrderMatched
}

// HedgeVenue places and tracks offsetting orders.
type HedgeVenue interface {
	PlaceOrder(ctx context.Context, order VenueOrder) (VenueFill, error)
	OrderStatus(ctx context.Context, orderID string) (VenueFill, error)
	CancelOrder(ctx context.Context, orderID string) error
}

// ExternalResolution is the reference venue's resolution of a market.
type ExternalResolution struct {
	ExternalMarketID string
	Closed           bool
	WinningTokenID   string // empty until resolved
	EndDate          *time.Time
}

// ResolutionSource looks up external market resolution.
type ResolutionSource interface {
	GetResolution(ctx context.Context, externalMarketID string) (ExternalResolution, error)
}

// ExternalToken is one outcome token of a venue market.
type ExternalToken struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
}

// MarketDirectory lists the outcome tokens of a venue market.
type MarketDirectory interface {
	MarketTokens(ctx context.Context, externalMarketID string) ([]ExternalToken, error)
}

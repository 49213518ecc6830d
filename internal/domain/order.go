package domain

import "time"

// OrderSide indicates whether the user is buying or selling outcome shares.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Valid reports whether s is buy or sell.
func (s OrderSide) Valid() bool { return s == OrderSideBuy || s == OrderSideSell }

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus tracks a committed user order.
type OrderStatus string

const (
	OrderStatusFilled OrderStatus = "filled"
)

// Order is a committed user trade. Orders only exist once their hedge has
// reached a terminal state.
type Order struct {
	ID            string      `json:"id"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
	UserID        string      `json:"user_id"`
	MarketID      string      `json:"market_id"`
	OutcomeID     string      `json:"outcome_id"`
	Side          OrderSide   `json:"side"`
	Amount        float64     `json:"amount"` // settlement-currency notional
	Size          float64     `json:"size"`   // outcome shares
	Price         float64     `json:"price"`  // user price per share
	Status        OrderStatus `json:"status"`
	CreatedAt     time.Time   `json:"created_at"`
}

// TradeRequest is an inbound user trade before any decision is made.
type TradeRequest struct {
	ClientOrderID string    `json:"client_order_id"`
	UserID        string    `json:"user_id"`
	MarketID      string    `json:"market_id"`
	OutcomeID     string    `json:"outcome_id"`
	Side          OrderSide `json:"side"`
	Amount        float64   `json:"amount"`
}

// Validate checks the request shape.
func (r TradeRequest) Validate() error {
	switch {
	case r.UserID == "":
		return Reject(ErrValidation, "user_id is required")
	case r.MarketID == "":
		return Reject(ErrValidation, "market_id is required")
	case r.OutcomeID == "":
		return Reject(ErrValidation, "outcome_id is required")
	case !r.Side.Valid():
		return Reject(ErrValidation, "side must be buy or sell")
	case !(r.Amount > 0):
		return Reject(ErrValidation, "amount must be positive")
	}
	return nil
}

// TradeResult is returned to the caller after a committed trade.
type TradeResult struct {
	Order Order         `json:"order"`
	Hedge HedgePosition `json:"hedge"`
}

package hedge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// PaperOrderTTL is how long a finished paper order stays queryable.
const PaperOrderTTL = time.Hour

// PaperVenue simulates the reference venue: a limit order fills immediately
// at the last reference price when that price is within the limit and is
// killed otherwise. Every paper order is final on placement, so orders are
// forgotten PaperOrderTTL after they were placed.
type PaperVenue struct {
	prices  ReferencePrices
	feeRate float64
	now     func() time.Time

	mu        sync.Mutex
	orders    map[string]paperOrder
	lastSweep time.Time
}

type paperOrder struct {
	fill domain.VenueFill
	at   time.Time
}

var _ domain.HedgeVenue = (*PaperVenue)(nil)

// NewPaperVenue creates a PaperVenue charging feeRate on filled notional.
func NewPaperVenue(prices ReferencePrices, feeRate float64) *PaperVenue {
	return &PaperVenue{prices: prices, feeRate: feeRate, now: time.Now, orders: make(map[string]paperOrder)}
}

// SetClock replaces the time source.
func (p *PaperVenue) SetClock(now func() time.Time) { p.now = now }

// Cleanup drops orders older than PaperOrderTTL.
func (p *PaperVenue) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sweep(p.now())
}

// Len returns the number of orders retained.
func (p *PaperVenue) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

// sweep must be called with p.mu held.
func (p *PaperVenue) sweep(now time.Time) {
	for id, o := range p.orders {
		if now.Sub(o.at) >= PaperOrderTTL {
			delete(p.orders, id)
		}
	}
	p.lastSweep = now
}

func (p *PaperVenue) PlaceOrder(ctx context.Context, order domain.VenueOrder) (domain.VenueFill, error) {
	if order.Size <= 0 || order.LimitPrice <= 0 {
		return domain.VenueFill{}, domain.Reject(domain.ErrValidation, "paper: size and limit price must be positive")
	}
	q, err := p.prices.LastQuote(ctx, order.TokenID)
	if err != nil {
		return domain.VenueFill{}, fmt.Errorf("paper: quote: %w", err)
	}

	fill := domain.VenueFill{OrderID: "paper-" + uuid.NewString(), Status: domain.VenueOrderCancelled}
	crosses := q.Price <= order.LimitPrice
	if order.Side == domain.OrderSideSell {
		crosses = q.Price >= order.LimitPrice
	}
	if crosses {
		fill.Status = domain.VenueOrderMatched
		fill.FilledSize = order.Size
		fill.AvgPrice = q.Price
		fill.Fees = p.feeRate * q.Price * order.Size
	}

	now := p.now()
	p.mu.Lock()
	if now.Sub(p.lastSweep) >= PaperOrderTTL {
		p.sweep(now)
	}
	p.orders[fill.OrderID] = paperOrder{fill: fill, at: now}
	p.mu.Unlock()
	return fill, nil
}

func (p *PaperVenue) OrderStatus(_ context.Context, orderID string) (domain.VenueFill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return domain.VenueFill{}, fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	return o.fill, nil
}

func (p *PaperVenue) CancelOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return fmt.Errorf("paper: order %s: %w", orderID, domain.ErrNotFound)
	}
	if o.fill.Status == domain.VenueOrderLive {
		o.fill.Status = domain.VenueOrderCancelled
		p.orders[orderID] = o
	}
	return nil
}

package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/hedge"
)

// TradeService is what the trade endpoints need from the hedge pipeline.
type TradeService interface {
	Submit(ctx context.Context, req domain.TradeRequest) (domain.TradeResult, error)
	Quote(ctx context.Context, req domain.TradeRequest) (hedge.Decision, error)
}

// TradeHandler serves user trades and the per-user ledger views.
type TradeHandler struct {
	trades TradeService
	store  domain.Tx
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, store domain.Tx, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, store: store, logger: logger.With(slog.String("handler", "trade"))}
}

// Submit places a trade. The response arrives only after the hedge filled
// and the order committed, or after a rejection with nothing persisted.
// POST /api/trades
func (h *TradeHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req domain.TradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "submit trade", err)
		return
	}
	res, err := h.trades.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, "submit trade", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// quoteResponse adds the verdict of the risk checks to a priced decision.
type quoteResponse struct {
	hedge.Decision
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Quote prices a trade without reserving exposure or touching the venue. A
// trade that prices but would be rejected still answers 200 with
// accepted=false.
// POST /api/quotes
func (h *TradeHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req domain.TradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	if err := req.Validate(); err != nil {
		writeDomainError(w, r, h.logger, "quote", err)
		return
	}
	d, err := h.trades.Quote(r.Context(), req)
	if err != nil {
		if d.Shares == 0 {
			writeDomainError(w, r, h.logger, "quote", err)
			return
		}
		writeJSON(w, http.StatusOK, quoteResponse{Decision: d, Reason: domain.Reason(err)})
		return
	}
	writeJSON(w, http.StatusOK, quoteResponse{Decision: d, Accepted: true})
}

// ListOrders returns orders of a user or a market, newest first.
// GET /api/orders?user_id=...|market_id=...
func (h *TradeHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err)
		return
	}
	q := r.URL.Query()
	var orders []domain.Order
	switch {
	case q.Get("market_id") != "":
		orders, err = h.store.Orders().ListByMarket(r.Context(), q.Get("market_id"), opts)
	case q.Get("user_id") != "":
		orders, err = h.store.Orders().ListByUser(r.Context(), q.Get("user_id"), opts)
	default:
		writeError(w, http.StatusBadRequest, "user_id or market_id query parameter required")
		return
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "list orders", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": nonNil(orders)})
}

// GetOrder returns one order and its hedge.
// GET /api/orders/{id}
func (h *TradeHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "get order", err)
		return
	}
	order, err := h.store.Orders().GetByID(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get order", err)
		return
	}
	hp, err := h.store.Hedges().GetByOrder(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get order hedge", err)
		return
	}
	writeJSON(w, http.StatusOK, domain.TradeResult{Order: order, Hedge: hp})
}

// Account returns a user's balance and positions.
// GET /api/users/{id}
func (h *TradeHandler) Account(w http.ResponseWriter, r *http.Request) {
	userID, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "get account", err)
		return
	}
	bal, err := h.store.Balances().Get(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, "get balance", err)
		return
	}
	positions, err := h.store.Positions().ListByUser(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, h.logger, "list positions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"balance":   bal,
		"positions": nonNil(positions),
	})
}

// fundRequest credits a user's settlement balance.
type fundRequest struct {
	Amount float64 `json:"amount"`
}

// Fund credits a user's balance. Operator only.
// POST /api/users/{id}/deposits
func (h *TradeHandler) Fund(w http.ResponseWriter, r *http.Request) {
	userID, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "fund", err)
		return
	}
	var req fundRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "fund", err)
		return
	}
	if !(req.Amount > 0) {
		writeDomainError(w, r, h.logger, "fund", domain.Reject(domain.ErrValidation, "amount must be positive"))
		return
	}
	bal, err := h.store.Balances().Credit(r.Context(), userID, req.Amount)
	if err != nil {
		writeDomainError(w, r, h.logger, "fund", err)
		return
	}
	if err := h.store.Audit().Log(r.Context(), "balance_credited", map[string]any{"user_id": userID, "amount": req.Amount}); err != nil {
		h.logger.WarnContext(r.Context(), "audit log failed", slog.String("error", err.Error()))
	}
	writeJSON(w, http.StatusOK, bal)
}

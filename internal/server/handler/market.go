package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// MarketState creates and loads markets.
type MarketState interface {
	Create(ctx context.Context, m domain.Market) (domain.Market, error)
	Get(ctx context.Context, id string) (domain.Market, error)
}

// Settler resolves and cancels markets.
type Settler interface {
	Resolve(ctx context.Context, marketID, winningOutcome string) (domain.Resolution, error)
	Cancel(ctx context.Context, marketID string) (domain.Cancellation, error)
}

// MarketHandler serves market administration and price history.
type MarketHandler struct {
	markets   MarketState
	settle    Settler
	store     domain.Tx
	directory domain.MarketDirectory // optional, fills mapping tokens
	logger    *slog.Logger
}

// NewMarketHandler creates a MarketHandler. directory may be nil.
func NewMarketHandler(markets MarketState, settle Settler, store domain.Tx, directory domain.MarketDirectory, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{
		markets:   markets,
		settle:    settle,
		store:     store,
		directory: directory,
		logger:    logger.With(slog.String("handler", "market")),
	}
}

type outcomeRequest struct {
	ID   string             `json:"id"`
	Name string             `json:"name"`
	Side domain.OutcomeSide `json:"side"`
}

type createMarketRequest struct {
	ID             string            `json:"id"`
	Slug           string            `json:"slug"`
	Question       string            `json:"question"`
	GroupID        string            `json:"group_id"`
	Kind           domain.MarketKind `json:"kind"`
	B              float64           `json:"b"`
	ExternalSource bool              `json:"external_source"`
	Outcomes       []outcomeRequest  `json:"outcomes"`
	ResolutionDate *time.Time        `json:"resolution_date"`
	Mapping        *mappingRequest   `json:"mapping"`
}

type mappingRequest struct {
	ExternalMarketID string                `json:"external_market_id"`
	Tokens           []domain.MappingToken `json:"tokens"`
	Active           *bool                 `json:"active"`
}

// CreateMarket creates a binary, multi-outcome or grouped-binary market,
// optionally mapping it to a venue market in the same call.
// POST /api/markets
func (h *MarketHandler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req createMarketRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeDomainError(w, r, h.logger, "create market", domain.Reject(domain.ErrValidation, "question is required"))
		return
	}
	if req.ExternalSource && req.Mapping == nil {
		writeDomainError(w, r, h.logger, "create market", domain.Reject(domain.ErrValidation, "externally sourced market requires a mapping"))
		return
	}

	m := domain.Market{
		ID:             req.ID,
		Slug:           req.Slug,
		Question:       req.Question,
		GroupID:        req.GroupID,
		Kind:           req.Kind,
		B:              req.B,
		ExternalSource: req.ExternalSource,
		ResolutionDate: req.ResolutionDate,
	}
	for _, o := range req.Outcomes {
		m.Outcomes = append(m.Outcomes, domain.Outcome{ID: o.ID, Name: o.Name, Side: o.Side})
	}
	created, err := h.markets.Create(r.Context(), m)
	if err != nil {
		writeDomainError(w, r, h.logger, "create market", err)
		return
	}

	resp := map[string]any{"market": created}
	if req.Mapping != nil {
		mm, err := h.upsertMapping(r.Context(), created, *req.Mapping)
		if err != nil {
			writeDomainError(w, r, h.logger, "map market", err)
			return
		}
		resp["mapping"] = mm
	}
	writeJSON(w, http.StatusCreated, resp)
}

// ListMarkets returns markets oldest first, optionally by status.
// GET /api/markets?status=active
func (h *MarketHandler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}
	status := domain.MarketStatus(r.URL.Query().Get("status"))
	markets, err := h.store.Markets().List(r.Context(), status, opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "list markets", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"markets": nonNil(markets),
		"limit":   opts.Limit,
		"offset":  opts.Offset,
	})
}

// GetMarket returns one market and, when mapped, its venue mapping.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	m, err := h.markets.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "get market", err)
		return
	}
	resp := map[string]any{"market": m}
	if mm, err := h.store.Mappings().GetByMarket(r.Context(), id); err == nil {
		resp["mapping"] = mm
	}
	writeJSON(w, http.StatusOK, resp)
}

// PutMapping links a market to a venue market. Without explicit tokens the
// venue's outcome tokens are matched to the market's outcomes by name.
// PUT /api/markets/{id}/mapping
func (h *MarketHandler) PutMapping(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "put mapping", err)
		return
	}
	var req mappingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "put mapping", err)
		return
	}
	m, err := h.markets.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "put mapping", err)
		return
	}
	mm, err := h.upsertMapping(r.Context(), m, req)
	if err != nil {
		writeDomainError(w, r, h.logger, "put mapping", err)
		return
	}
	writeJSON(w, http.StatusOK, mm)
}

func (h *MarketHandler) upsertMapping(ctx context.Context, m domain.Market, req mappingRequest) (domain.MarketMapping, error) {
	if req.ExternalMarketID == "" {
		return domain.MarketMapping{}, domain.Reject(domain.ErrValidation, "external_market_id is required")
	}
	tokens := req.Tokens
	if len(tokens) == 0 {
		if h.directory == nil {
			return domain.MarketMapping{}, domain.Reject(domain.ErrValidation, "tokens are required")
		}
		ext, err := h.directory.MarketTokens(ctx, req.ExternalMarketID)
		if err != nil {
			return domain.MarketMapping{}, err
		}
		if tokens, err = matchTokens(m, ext); err != nil {
			return domain.MarketMapping{}, err
		}
	}
	for i, t := range tokens {
		o, ok := m.Outcome(t.OutcomeID)
		if !ok || t.TokenID == "" {
			return domain.MarketMapping{}, domain.Reject(domain.ErrValidation, "token %q maps to unknown outcome %q", t.TokenID, t.OutcomeID)
		}
		tokens[i].Side = o.Side
	}

	mm := domain.MarketMapping{
		MarketID:         m.ID,
		ExternalMarketID: req.ExternalMarketID,
		Tokens:           tokens,
		Active:           req.Active == nil || *req.Active,
	}
	if err := h.store.Mappings().Upsert(ctx, mm); err != nil {
		return domain.MarketMapping{}, err
	}
	h.logger.InfoContext(ctx, "market mapped",
		slog.String("market_id", m.ID),
		slog.String("external_market_id", mm.ExternalMarketID),
		slog.Int("tokens", len(tokens)),
	)
	return mm, nil
}

// matchTokens pairs venue tokens with outcomes by name, falling back to the
// YES/NO side for binary markets.
func matchTokens(m domain.Market, ext []domain.ExternalToken) ([]domain.MappingToken, error) {
	var out []domain.MappingToken
	for _, t := range ext {
		var match *domain.Outcome
		for i := range m.Outcomes {
			o := &m.Outcomes[i]
			if strings.EqualFold(o.Name, t.Outcome) ||
				(o.Side != "" && strings.EqualFold(string(o.Side), t.Outcome)) {
				match = o
				break
			}
		}
		if match == nil {
			return nil, domain.Reject(domain.ErrValidation, "venue outcome %q has no matching outcome", t.Outcome)
		}
		out = append(out, domain.MappingToken{TokenID: t.TokenID, OutcomeID: match.ID, Side: match.Side})
	}
	return out, nil
}

type resolveRequest struct {
	WinningOutcome string `json:"winning_outcome"`
}

// Resolve settles a market to winning_outcome.
// POST /api/markets/{id}/resolve
func (h *MarketHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve", err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeDomainError(w, r, h.logger, "resolve", err)
		return
	}
	if req.WinningOutcome == "" {
		writeDomainError(w, r, h.logger, "resolve", domain.Reject(domain.ErrValidation, "winning_outcome is required"))
		return
	}
	res, err := h.settle.Resolve(r.Context(), id, req.WinningOutcome)
	if err != nil {
		writeDomainError(w, r, h.logger, "resolve", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Cancel voids a market and refunds cost basis.
// POST /api/markets/{id}/cancel
func (h *MarketHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel", err)
		return
	}
	res, err := h.settle.Cancel(r.Context(), id)
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Prices returns bucketed price history.
// GET /api/markets/{id}/prices?outcome_id=&since=&until=
func (h *MarketHandler) Prices(w http.ResponseWriter, r *http.Request) {
	id, err := requirePath(r, "id")
	if err != nil {
		writeDomainError(w, r, h.logger, "prices", err)
		return
	}
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "prices", err)
		return
	}
	if r.URL.Query().Get("limit") == "" {
		opts.Limit = 500
	}
	points, err := h.store.PricePoints().List(r.Context(), id, r.URL.Query().Get("outcome_id"), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"market_id": id, "points": nonNil(points)})
}

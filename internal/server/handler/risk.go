package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// RiskView is the live risk picture.
type RiskView interface {
	Snapshot(ctx context.Context) (domain.RiskSnapshot, error)
}

// PolicyStore reads and replaces the active hedge policy.
type PolicyStore interface {
	Current(ctx context.Context) (domain.HedgeConfig, error)
	Update(ctx context.Context, cfg domain.HedgeConfig) error
}

// RiskHandler serves exposure, hedge history and hedge policy.
type RiskHandler struct {
	risk    RiskView
	policy  PolicyStore
	store   domain.Tx
	journal domain.SignalBus // optional
	logger  *slog.Logger
}

// NewRiskHandler creates a RiskHandler. journal may be nil, in which case
// the hedge journal endpoint answers 404.
func NewRiskHandler(risk RiskView, policy PolicyStore, store domain.Tx, journal domain.SignalBus, logger *slog.Logger) *RiskHandler {
	return &RiskHandler{
		risk:    risk,
		policy:  policy,
		store:   store,
		journal: journal,
		logger:  logger.With(slog.String("handler", "risk")),
	}
}

// Risk returns the live snapshot and the most recent persisted one.
// GET /api/risk
func (h *RiskHandler) Risk(w http.ResponseWriter, r *http.Request) {
	live, err := h.risk.Snapshot(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "risk snapshot", err)
		return
	}
	resp := map[string]any{"live": live}
	if last, err := h.store.Risk().Latest(r.Context()); err == nil {
		resp["last_persisted"] = last
	}
	writeJSON(w, http.StatusOK, resp)
}

// RiskHistory lists persisted snapshots, newest first.
// GET /api/risk/history
func (h *RiskHandler) RiskHistory(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "risk history", err)
		return
	}
	snaps, err := h.store.Risk().List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "risk history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": nonNil(snaps)})
}

// HedgeStats aggregates hedge outcomes.
// GET /api/hedges/stats?since=
func (h *RiskHandler) HedgeStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"), "since")
	if err != nil {
		writeDomainError(w, r, h.logger, "hedge stats", err)
		return
	}
	st, err := h.store.Hedges().Stats(r.Context(), since)
	if err != nil {
		writeDomainError(w, r, h.logger, "hedge stats", err)
		return
	}
	if st.ByMarket == nil {
		st.ByMarket = map[string]float64{}
	}
	writeJSON(w, http.StatusOK, st)
}

// ListHedges returns hedge positions newest first, or pending ones oldest
// first when status=pending.
// GET /api/hedges
func (h *RiskHandler) ListHedges(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "list hedges", err)
		return
	}
	var hedges []domain.HedgePosition
	if status := domain.HedgeStatus(r.URL.Query().Get("status")); status != "" {
		hedges, err = h.store.Hedges().ListByStatus(r.Context(), status, opts.Limit)
	} else {
		hedges, err = h.store.Hedges().List(r.Context(), opts)
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "list hedges", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"hedges": nonNil(hedges)})
}

type journalEntry struct {
	ID    string          `json:"id"`
	Entry json.RawMessage `json:"entry"`
}

// Journal pages through the durable hedge journal.
// GET /api/hedges/journal?after=&count=
func (h *RiskHandler) Journal(w http.ResponseWriter, r *http.Request) {
	if h.journal == nil {
		writeError(w, http.StatusNotFound, "hedge journal not configured")
		return
	}
	count := 100
	if v := r.URL.Query().Get("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeDomainError(w, r, h.logger, "journal", domain.Reject(domain.ErrValidation, "count must be a positive integer"))
			return
		}
		count = min(n, 1000)
	}
	msgs, err := h.journal.StreamRead(r.Context(), domain.StreamHedges, r.URL.Query().Get("after"), count)
	if err != nil {
		writeDomainError(w, r, h.logger, "journal", err)
		return
	}
	out := make([]journalEntry, 0, len(msgs))
	for _, m := range msgs {
		entry := json.RawMessage(m.Payload)
		if !json.Valid(entry) {
			continue
		}
		out = append(out, journalEntry{ID: m.ID, Entry: entry})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

// GetHedgeConfig returns the active hedge policy.
// GET /api/hedge-config
func (h *RiskHandler) GetHedgeConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.policy.Current(r.Context())
	if err != nil {
		writeDomainError(w, r, h.logger, "get hedge config", err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// PutHedgeConfig validates and replaces the hedge policy.
// PUT /api/hedge-config
func (h *RiskHandler) PutHedgeConfig(w http.ResponseWriter, r *http.Request) {
	var cfg domain.HedgeConfig
	if err := decodeJSON(w, r, &cfg); err != nil {
		writeDomainError(w, r, h.logger, "put hedge config", err)
		return
	}
	if err := h.policy.Update(r.Context(), cfg); err != nil {
		writeDomainError(w, r, h.logger, "put hedge config", err)
		return
	}
	h.logger.InfoContext(r.Context(), "hedge config updated",
		slog.Bool("enabled", cfg.Enabled),
		slog.Float64("min_spread_bps", cfg.MinSpreadBps),
		slog.Float64("max_unhedged_exposure", cfg.MaxUnhedgedExposure),
	)
	writeJSON(w, http.StatusOK, cfg)
}

// AuditLog lists audit entries, newest first.
// GET /api/audit
func (h *RiskHandler) AuditLog(w http.ResponseWriter, r *http.Request) {
	opts, err := parseListOpts(r)
	if err != nil {
		writeDomainError(w, r, h.logger, "audit log", err)
		return
	}
	entries, err := h.store.Audit().List(r.Context(), opts)
	if err != nil {
		writeDomainError(w, r, h.logger, "audit log", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": nonNil(entries)})
}

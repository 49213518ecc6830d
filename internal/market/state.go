// Package market owns the per-market LMSR ledger. Each market has exactly one
// writer of its quantity state: committed trades via ApplyTrade for
// internally sourced markets, or the reference feed via SetImplied for
// externally sourced ones.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/ammhedge/internal/domain"
	"github.com/alanyoungcy/ammhedge/internal/pricing"
)

// quantityEpsilon is the smallest liquidity change worth persisting.
const quantityEpsilon = 1e-9

// State reads and mutates market AMM state through the store.
type State struct {
	store  domain.Store
	logger *slog.Logger
}

// NewState creates a State backed by store.
func NewState(store domain.Store, logger *slog.Logger) *State {
	return &State{
		store:  store,
		logger: logger.With(slog.String("component", "market_state")),
	}
}

// Get returns a market with its outcomes.
func (s *State) Get(ctx context.Context, id string) (domain.Market, error) {
	m, err := s.store.Markets().GetByID(ctx, id)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market: get %s: %w", id, err)
	}
	return m, nil
}

// Create validates a new market, fills in defaults and persists it as active.
// Binary and grouped-binary markets without explicit outcomes get a YES/NO
// pair; multi-outcome markets must list at least two outcomes.
func (s *State) Create(ctx context.Context, m domain.Market) (domain.Market, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = domain.MarketKindBinary
	}
	if !m.Kind.Valid() {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "unknown market kind %q", m.Kind)
	}
	if !(m.B > 0) || math.IsInf(m.B, 0) {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "liquidity parameter b must be positive")
	}
	if m.Kind == domain.MarketKindGroupedBinary && m.GroupID == "" {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "grouped-binary market requires group_id")
	}

	if m.IsBinary() {
		if len(m.Outcomes) == 0 {
			m.Outcomes = []domain.Outcome{
				{ID: m.ID + "-yes", Name: "Yes", Side: domain.SideYes},
				{ID: m.ID + "-no", Name: "No", Side: domain.SideNo},
			}
		}
		_, hasYes := m.OutcomeBySide(domain.SideYes)
		_, hasNo := m.OutcomeBySide(domain.SideNo)
		if len(m.Outcomes) != 2 || !hasYes || !hasNo {
			return domain.Market{}, domain.Reject(domain.ErrValidation, "binary market needs exactly one YES and one NO outcome")
		}
	} else if len(m.Outcomes) < 2 {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "multi-outcome market needs at least two outcomes")
	}

	seen := make(map[string]bool, len(m.Outcomes))
	for i := range m.Outcomes {
		o := &m.Outcomes[i]
		if o.ID == "" {
			o.ID = fmt.Sprintf("%s-%d", m.ID, i)
		}
		if seen[o.ID] {
			return domain.Market{}, domain.Reject(domain.ErrValidation, "duplicate outcome id %q", o.ID)
		}
		seen[o.ID] = true
		o.MarketID = m.ID
		o.Position = i
	}

	m.Status = domain.MarketStatusActive
	m.Result = ""
	m.ResolvedAt = nil
	Recompute(&m)

	if err := s.store.Markets().Create(ctx, m); err != nil {
		return domain.Market{}, fmt.Errorf("market: create %s: %w", m.ID, err)
	}
	s.logger.InfoContext(ctx, "market created",
		slog.String("market_id", m.ID),
		slog.String("kind", string(m.Kind)),
		slog.Bool("external_source", m.ExternalSource),
	)
	return m, nil
}

// ApplyTrade adds dq shares of outcomeID to an internally sourced market's
// ledger inside tx and returns the updated market. Externally sourced markets
// are rejected: their quantities belong to the feed.
func (s *State) ApplyTrade(ctx context.Context, tx domain.Tx, marketID, outcomeID string, dq float64) (domain.Market, error) {
	m, err := tx.Markets().GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market: apply trade: %w", err)
	}
	if m.ExternalSource {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "market %s is externally sourced; quantities are feed-owned", marketID)
	}
	if m.Status != domain.MarketStatusActive {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "market %s is %s", marketID, m.Status)
	}
	if math.IsNaN(dq) || math.IsInf(dq, 0) {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "quantity delta must be finite")
	}

	idx := outcomeIndex(m, outcomeID)
	if idx < 0 {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "outcome %s not in market %s", outcomeID, marketID)
	}
	m.Outcomes[idx].Liquidity += dq
	Recompute(&m)

	if err := tx.Markets().UpdateOutcomes(ctx, marketID, m.Outcomes); err != nil {
		return domain.Market{}, fmt.Errorf("market: apply trade: %w", err)
	}
	return m, nil
}

// SetImplied overwrites an externally sourced market's quantities so that
// outcomeID prices at probability p.
//
// Binary: the updated side gets ImpliedQ(p) and the opposite side is reset
// to zero, so the venue's latest quote for either token defines the whole
// market and YES+NO always sums to one. Multi-outcome: q_i is solved against
// the other outcomes' current quantities, then everything is renormalised by
// softmax.
func (s *State) SetImplied(ctx context.Context, marketID, outcomeID string, p float64) (domain.Market, error) {
	if math.IsNaN(p) || math.IsInf(p, 0) {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "probability must be finite")
	}
	m, err := s.store.Markets().GetByID(ctx, marketID)
	if err != nil {
		return domain.Market{}, fmt.Errorf("market: set implied: %w", err)
	}
	if !m.ExternalSource {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "market %s is internally sourced; quantities are trade-owned", marketID)
	}
	if m.Status != domain.MarketStatusActive {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "market %s is %s", marketID, m.Status)
	}
	idx := outcomeIndex(m, outcomeID)
	if idx < 0 {
		return domain.Market{}, domain.Reject(domain.ErrValidation, "outcome %s not in market %s", outcomeID, marketID)
	}

	before := m.Quantities()
	if m.IsBinary() {
		for i := range m.Outcomes {
			m.Outcomes[i].Liquidity = 0
		}
		m.Outcomes[idx].Liquidity = pricing.ImpliedQ(p, m.B)
	} else {
		others := make([]float64, 0, len(m.Outcomes)-1)
		for i, o := range m.Outcomes {
			if i != idx {
				others = append(others, o.Liquidity)
			}
		}
		m.Outcomes[idx].Liquidity = pricing.ImpliedQ(p, m.B) + pricing.Cost(others, m.B)
	}
	Recompute(&m)

	if !changed(before, m.Quantities()) {
		return m, nil
	}
	if err := s.store.Markets().UpdateOutcomes(ctx, marketID, m.Outcomes); err != nil {
		return domain.Market{}, fmt.Errorf("market: set implied: %w", err)
	}
	return m, nil
}

// Transition moves m to status `to` through markets, enforcing the forward
// lifecycle. Resolution stamps result and time. The write only lands if the
// stored status still equals m.Status, so a stale snapshot can never move a
// market that has since been resolved or cancelled.
func Transition(ctx context.Context, markets domain.MarketStore, m domain.Market, to domain.MarketStatus, result string, at time.Time) error {
	if m.Status == domain.MarketStatusResolved && to == domain.MarketStatusResolved {
		return fmt.Errorf("market %s: %w", m.ID, domain.ErrAlreadyResolved)
	}
	if !m.Status.CanTransition(to) {
		return domain.Reject(domain.ErrValidation, "market %s cannot move from %s to %s", m.ID, m.Status, to)
	}
	var stamp *time.Time
	if to.Terminal() {
		stamp = &at
	}
	if err := markets.UpdateStatus(ctx, m.ID, m.Status, to, result, stamp); err != nil {
		return fmt.Errorf("market: transition %s: %w", m.ID, err)
	}
	return nil
}

// Recompute refreshes every outcome's cached probability from its quantity.
func Recompute(m *domain.Market) {
	if m.IsBinary() && len(m.Outcomes) == 2 {
		yes, no := pricing.Price(m.QYes(), m.QNo(), m.B)
		for i := range m.Outcomes {
			if m.Outcomes[i].Side == domain.SideYes {
				m.Outcomes[i].Probability = yes
			} else {
				m.Outcomes[i].Probability = no
			}
		}
		return
	}
	probs := pricing.MultiProbabilities(m.Quantities(), m.B)
	for i := range m.Outcomes {
		m.Outcomes[i].Probability = probs[i]
	}
}

func outcomeIndex(m domain.Market, outcomeID string) int {
	for i, o := range m.Outcomes {
		if o.ID == outcomeID {
			return i
		}
	}
	return -1
}

func changed(a, b []float64) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > quantityEpsilon {
			return true
		}
	}
	return false
}

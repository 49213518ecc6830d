package domain

import (
	"fmt"
	"time"
)

// MarketKind is the AMM shape of a market.
type MarketKind string

const (
	MarketKindBinary        MarketKind = "binary"
	MarketKindMulti         MarketKind = "multi"
	MarketKindGroupedBinary MarketKind = "grouped_binary"
)

// Valid reports whether k is a known kind.
func (k MarketKind) Valid() bool {
	switch k {
	case MarketKindBinary, MarketKindMulti, MarketKindGroupedBinary:
		return true
	}
	return false
}

// MarketStatus represents the lifecycle state of a market.
type MarketStatus string

const (
	MarketStatusActive    MarketStatus = "active"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusResolved  MarketStatus = "resolved"
	MarketStatusCancelled MarketStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusResolved || s == MarketStatusCancelled
}

// CanTransition reports whether s -> to is a legal, forward-only move.
func (s MarketStatus) CanTransition(to MarketStatus) bool {
	switch s {
	case MarketStatusActive:
		return to == MarketStatusClosed || to == MarketStatusResolved || to == MarketStatusCancelled
	case MarketStatusClosed:
		return to == MarketStatusResolved || to == MarketStatusCancelled
	}
	return false
}

// StatusConflict is returned by a conditional status write that found the
// market in current rather than the status the writer expected.
func StatusConflict(id string, current, expected MarketStatus) error {
	if current == MarketStatusResolved {
		return fmt.Errorf("market %s: %w", id, ErrAlreadyResolved)
	}
	return Reject(ErrValidation, "market %s is %s, not %s", id, current, expected)
}

// OutcomeSide tags the two outcomes of a binary market.
type OutcomeSide string

const (
	SideYes OutcomeSide = "YES"
	SideNo  OutcomeSide = "NO"
)

// Opposite returns the other binary side.
func (s OutcomeSide) Opposite() OutcomeSide {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// Outcome is one claim of a market. Liquidity holds the AMM quantity q for
// the outcome; Probability is the cached price derived from all quantities.
type Outcome struct {
	ID          string      `json:"id"`
	MarketID    string      `json:"market_id"`
	Name        string      `json:"name"`
	Side        OutcomeSide `json:"side,omitempty"` // set for binary and grouped-binary markets
	Probability float64     `json:"probability"`
	Liquidity   float64     `json:"liquidity"`
	TokenID     string      `json:"token_id,omitempty"`
	Position    int         `json:"position"`
}

// Market is an internally traded market priced by LMSR.
type Market struct {
	ID             string       `json:"id"`
	Slug           string       `json:"slug"`
	Question       string       `json:"question"`
	GroupID        string       `json:"group_id,omitempty"` // grouped-binary parent, empty otherwise
	Kind           MarketKind   `json:"kind"`
	Status         MarketStatus `json:"status"`
	B              float64      `json:"b"`
	ExternalSource bool         `json:"external_source"`
	Result         string       `json:"result,omitempty"` // winning outcome id once resolved
	Outcomes       []Outcome    `json:"outcomes"`
	ResolutionDate *time.Time   `json:"resolution_date,omitempty"`
	ResolvedAt     *time.Time   `json:"resolved_at,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// IsBinary reports whether the market prices exactly a YES/NO pair.
func (m Market) IsBinary() bool {
	return m.Kind == MarketKindBinary || m.Kind == MarketKindGroupedBinary
}

// Outcome returns the outcome with the given id.
func (m Market) Outcome(id string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// OutcomeBySide returns the YES or NO outcome of a binary market.
func (m Market) OutcomeBySide(side OutcomeSide) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.Side == side {
			return o, true
		}
	}
	return Outcome{}, false
}

// QYes returns the YES quantity of a binary market.
func (m Market) QYes() float64 {
	o, _ := m.OutcomeBySide(SideYes)
	return o.Liquidity
}

// QNo returns the NO quantity of a binary market.
func (m Market) QNo() float64 {
	o, _ := m.OutcomeBySide(SideNo)
	return o.Liquidity
}

// Quantities returns the liquidity vector in outcome order.
func (m Market) Quantities() []float64 {
	q := make([]float64, len(m.Outcomes))
	for i, o := range m.Outcomes {
		q[i] = o.Liquidity
	}
	return q
}

// Clone returns a deep copy.
func (m Market) Clone() Market {
	out := m
	out.Outcomes = append([]Outcome(nil), m.Outcomes...)
	if m.ResolutionDate != nil {
		t := *m.ResolutionDate
		out.ResolutionDate = &t
	}
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		out.ResolvedAt = &t
	}
	return out
}

// TokenRef is what an external token id maps to internally.
type TokenRef struct {
	MarketID       string
	OutcomeID      string
	Side           OutcomeSide
	ExternalSource bool
}

// MappingToken binds one external token to an internal outcome.
type MappingToken struct {
	TokenID   string      `json:"token_id"`
	OutcomeID string      `json:"outcome_id"`
	Side      OutcomeSide `json:"side"`
}

// MarketMapping links an internal market to its reference venue market.
type MarketMapping struct {
	MarketID         string         `json:"market_id"`
	ExternalMarketID string         `json:"external_market_id"` // venue condition id
	Tokens           []MappingToken `json:"tokens"`
	Active           bool           `json:"active"`
	LastSyncedAt     *time.Time     `json:"last_synced_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// TokenFor returns the external token mapped to the given outcome.
func (mm MarketMapping) TokenFor(outcomeID string) (string, bool) {
	for _, t := range mm.Tokens {
		if t.OutcomeID == outcomeID {
			return t.TokenID, true
		}
	}
	return "", false
}

// OutcomeForToken returns the outcome the token maps to.
func (mm MarketMapping) OutcomeForToken(tokenID string) (string, bool) {
	for _, t := range mm.Tokens {
		if t.TokenID == tokenID {
			return t.OutcomeID, true
		}
	}
	return "", false
}

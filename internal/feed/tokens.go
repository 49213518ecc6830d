package feed

import (
	"slices"
	"sync"

	"github.com/alanyoungcy/ammhedge/internal/domain"
)

// TokenIndex is the feed's single-owner view of which venue token drives
// which internal outcome, plus the last price seen per token. The mapping
// half is only ever replaced wholesale by Rebuild; prices are last-write-wins.
type TokenIndex struct {
	mu        sync.RWMutex
	byToken   map[string]domain.TokenRef
	byOutcome map[outcomeKey]string
	tokens    []string // sorted
	last      map[string]domain.Quote
}

type outcomeKey struct{ marketID, outcomeID string }

// NewTokenIndex returns an empty index.
func NewTokenIndex() *TokenIndex {
	return &TokenIndex{
		byToken:   map[string]domain.TokenRef{},
		byOutcome: map[outcomeKey]string{},
		last:      map[string]domain.Quote{},
	}
}

// Rebuild replaces the whole mapping from refs (token id -> ref) and
// reports whether the subscribed token set changed. Prices of tokens that
// are no longer mapped are dropped.
func (x *TokenIndex) Rebuild(refs map[string]domain.TokenRef) (tokens []string, changed bool) {
	byToken := make(map[string]domain.TokenRef, len(refs))
	byOutcome := make(map[outcomeKey]string, len(refs))
	tokens = make([]string, 0, len(refs))
	for tok, ref := range refs {
		byToken[tok] = ref
		byOutcome[outcomeKey{ref.MarketID, ref.OutcomeID}] = tok
		tokens = append(tokens, tok)
	}
	slices.Sort(tokens)

	x.mu.Lock()
	defer x.mu.Unlock()
	changed = !slices.Equal(tokens, x.tokens)
	x.byToken = byToken
	x.byOutcome = byOutcome
	x.tokens = tokens
	for tok := range x.last {
		if _, ok := byToken[tok]; !ok {
			delete(x.last, tok)
		}
	}
	return slices.Clone(tokens), changed
}

// Lookup resolves a venue token.
func (x *TokenIndex) Lookup(tokenID string) (domain.TokenRef, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ref, ok := x.byToken[tokenID]
	return ref, ok
}

// TokenFor returns the venue token mapped to an internal outcome.
func (x *TokenIndex) TokenFor(marketID, outcomeID string) (string, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	tok, ok := x.byOutcome[outcomeKey{marketID, outcomeID}]
	return tok, ok
}

// Tokens returns the current subscription set, sorted.
func (x *TokenIndex) Tokens() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.tokens)
}

// SetLast records q as the latest quote for its token. Unmapped tokens are
// ignored.
func (x *TokenIndex) SetLast(q domain.Quote) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if _, ok := x.byToken[q.TokenID]; ok {
		x.last[q.TokenID] = q
	}
}

// Last returns the latest quote for tokenID.
func (x *TokenIndex) Last(tokenID string) (domain.Quote, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	q, ok := x.last[tokenID]
	return q, ok
}

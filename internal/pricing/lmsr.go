// Package pricing implements Logarithmic Market Scoring Rule math.
//
// For quantities q and liquidity b the cost function is
// C(q) = b·ln Σ exp(qᵢ/b) and the price of outcome i is its partial
// derivative, the softmax of q/b. All functions assume b > 0; callers
// validate b when a market is created.
package pricing

import (
	"errors"
	"fmt"
	"math"
)

// Side selects the YES or NO leg of a binary market.
type Side int

const (
	Yes Side = iota
	No
)

// Price bounds. Float64 softmax underflows to exactly 0 or 1 once the
// quantity gap passes ~745·b, so binary prices are pinned inside these.
const (
	MinPrice = 1e-9
	MaxPrice = 1 - MinPrice
)

// Clamp range applied by ImpliedQ before taking the log-odds.
const (
	MinImpliedProbability = 0.01
	MaxImpliedProbability = 0.99
)

// ErrInfeasible is returned when no quantity change produces the requested
// cost, e.g. selling more value than the position can return.
var ErrInfeasible = errors.New("pricing: infeasible trade")

// Price returns the YES and NO prices of a binary market:
// yes = 1/(1+exp((qNo−qYes)/b)), no = 1−yes.
func Price(qYes, qNo, b float64) (yes, no float64) {
	yes = 1 / (1 + math.Exp((qNo-qYes)/b))
	yes = math.Min(math.Max(yes, MinPrice), MaxPrice)
	return yes, 1 - yes
}

// Cost evaluates C(q) = b·ln Σ exp(qᵢ/b) with the log-sum-exp shift.
func Cost(q []float64, b float64) float64 {
	if len(q) == 0 {
		return 0
	}
	return b * logSumExp(q, b)
}

// CostDelta returns C(q + dq·eᵢ) − C(q): the amount charged for buying dq
// shares of outcome i (negative dq sells).
func CostDelta(q []float64, i int, dq, b float64) float64 {
	next := append([]float64(nil), q...)
	next[i] += dq
	return Cost(next, b) - Cost(q, b)
}

// MultiProbabilities returns softmax(q/b). The max quantity is subtracted
// before exponentiating, which also makes the result invariant under adding
// a constant to every quantity.
func MultiProbabilities(q []float64, b float64) []float64 {
	out := make([]float64, len(q))
	if len(q) == 0 {
		return out
	}
	m := maxOf(q)
	var sum float64
	for i, v := range q {
		out[i] = math.Exp((v - m) / b)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// TokensForCost returns the share count Δq of side such that
// C(q + Δq·e_side) − C(q) = amount on a binary market.
func TokensForCost(qYes, qNo, amount float64, side Side, b float64) (float64, error) {
	i := 0
	if side == No {
		i = 1
	}
	return TokensForCostMulti([]float64{qYes, qNo}, i, amount, b)
}

// TokensForCostMulti is TokensForCost for any number of outcomes.
//
// Solving exp((qᵢ+Δ)/b) + Σⱼ≠ᵢ exp(qⱼ/b) = exp((C+amount)/b) and dividing
// by exp(C/b) gives Δ = b·ln((e^{amount/b} − 1 + pᵢ)/pᵢ), where pᵢ is the
// current price of i. Negative amounts (sales) are feasible only while the
// argument of the log stays positive.
func TokensForCostMulti(q []float64, i int, amount, b float64) (float64, error) {
	if i < 0 || i >= len(q) {
		return 0, fmt.Errorf("pricing: outcome index %d out of range", i)
	}
	if amount == 0 {
		return 0, nil
	}
	p := MultiProbabilities(q, b)[i]
	if p <= 0 {
		return 0, fmt.Errorf("%w: outcome price underflows", ErrInfeasible)
	}
	g := math.Expm1(amount/b) + p
	if !(g > 0) || math.IsInf(g, 1) {
		return 0, fmt.Errorf("%w: amount %.6f at price %.6f", ErrInfeasible, amount, p)
	}
	return b * (math.Log(g) - math.Log(p)), nil
}

// ImpliedQ returns the YES quantity that, against qNo = 0, prices YES at p:
// b·ln(p/(1−p)). p is clamped to [0.01, 0.99] first so the result stays
// bounded near the edges.
func ImpliedQ(p, b float64) float64 {
	p = math.Min(math.Max(p, MinImpliedProbability), MaxImpliedProbability)
	return b * math.Log(p/(1-p))
}

// Impact describes a hypothetical purchase against an AMM state.
type Impact struct {
	Shares       float64
	AveragePrice float64
	SpotBefore   float64
	SpotAfter    float64
}

// SlippageBps is the average price's deviation from the pre-trade spot.
func (im Impact) SlippageBps() float64 {
	if im.SpotBefore <= 0 {
		return 0
	}
	return math.Abs(im.AveragePrice-im.SpotBefore) / im.SpotBefore * 10_000
}

// PriceImpact simulates spending amount on outcome i.
func PriceImpact(q []float64, i int, amount, b float64) (Impact, error) {
	shares, err := TokensForCostMulti(q, i, amount, b)
	if err != nil {
		return Impact{}, err
	}
	before := MultiProbabilities(q, b)[i]
	next := append([]float64(nil), q...)
	next[i] += shares
	after := MultiProbabilities(next, b)[i]

	im := Impact{Shares: shares, SpotBefore: before, SpotAfter: after, AveragePrice: before}
	if shares != 0 {
		im.AveragePrice = amount / shares
	}
	return im, nil
}

func logSumExp(q []float64, b float64) float64 {
	m := maxOf(q)
	var sum float64
	for _, v := range q {
		sum += math.Exp((v - m) / b)
	}
	return m/b + math.Log(sum)
}

func maxOf(q []float64) float64 {
	m := q[0]
	for _, v := range q[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

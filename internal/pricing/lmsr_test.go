package pricing

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRand() *rand.Rand { return rand.New(rand.NewPCG(7, 11)) }

func uniform(r *rand.Rand, lo, hi float64) float64 { return lo + r.Float64()*(hi-lo) }

func TestPriceComplementaryAndBounded(t *testing.T) {
	r := newRand()
	for i := 0; i < 2000; i++ {
		qYes := uniform(r, -50_000, 50_000)
		qNo := uniform(r, -50_000, 50_000)
		b := uniform(r, 1, 20_000)

		yes, no := Price(qYes, qNo, b)
		assert.InDelta(t, 1.0, yes+no, 1e-12)
		assert.Greater(t, yes, 0.0)
		assert.Less(t, yes, 1.0)
		assert.Greater(t, no, 0.0)
		assert.Less(t, no, 1.0)
	}
}

func TestPriceExtremeGapStaysOpenInterval(t *testing.T) {
	yes, no := Price(1e9, 0, 1)
	assert.Less(t, yes, 1.0)
	assert.Greater(t, no, 0.0)

	yes, no = Price(0, 1e9, 1)
	assert.Greater(t, yes, 0.0)
	assert.Less(t, no, 1.0)
}

func TestPriceSymmetry(t *testing.T) {
	yes, no := Price(120, -35, 250)
	yes2, no2 := Price(-35, 120, 250)
	assert.InDelta(t, yes, no2, 1e-15)
	assert.InDelta(t, no, yes2, 1e-15)
}

func TestPriceEvenMarket(t *testing.T) {
	yes, no := Price(0, 0, 10_000)
	assert.Equal(t, 0.5, yes)
	assert.Equal(t, 0.5, no)
}

func TestTokensForCostInvertsCost(t *testing.T) {
	r := newRand()
	for i := 0; i < 2000; i++ {
		qYes := uniform(r, -2_000, 2_000)
		qNo := uniform(r, -2_000, 2_000)
		b := uniform(r, 50, 10_000)
		amount := uniform(r, 0.01, 1_000)
		side := Side(r.IntN(2))

		dq, err := TokensForCost(qYes, qNo, amount, side, b)
		require.NoError(t, err)
		require.Greater(t, dq, 0.0)

		idx := 0
		if side == No {
			idx = 1
		}
		got := CostDelta([]float64{qYes, qNo}, idx, dq, b)
		assert.InDelta(t, amount, got, 1e-6*math.Max(1, amount))
	}
}

func TestTokensForCostSell(t *testing.T) {
	q := []float64{300, 100}
	dq, err := TokensForCostMulti(q, 0, -25, 500)
	require.NoError(t, err)
	assert.Less(t, dq, 0.0)
	assert.InDelta(t, -25, CostDelta(q, 0, dq, 500), 1e-9)
}

func TestTokensForCostInfeasibleSale(t *testing.T) {
	_, err := TokensForCost(0, 0, -1_000, Yes, 100)
	assert.ErrorIs(t, err, ErrInfeasible)
}

func TestTokensForCostMultiOutcome(t *testing.T) {
	r := newRand()
	for i := 0; i < 500; i++ {
		n := 2 + r.IntN(6)
		q := make([]float64, n)
		for j := range q {
			q[j] = uniform(r, -1_000, 1_000)
		}
		b := uniform(r, 100, 5_000)
		k := r.IntN(n)
		amount := uniform(r, 0.5, 500)

		dq, err := TokensForCostMulti(q, k, amount, b)
		require.NoError(t, err)
		assert.InDelta(t, amount, CostDelta(q, k, dq, b), 1e-6*math.Max(1, amount))
	}
}

func TestTokensForCostKnownValue(t *testing.T) {
	// $100 of YES on an even b=10000 market.
	dq, err := TokensForCost(0, 0, 100, Yes, 10_000)
	require.NoError(t, err)
	assert.InDelta(t, 199.007, dq, 1e-3)
}

func TestMultiProbabilitiesSumToOne(t *testing.T) {
	r := newRand()
	for i := 0; i < 1000; i++ {
		n := 1 + r.IntN(10)
		q := make([]float64, n)
		for j := range q {
			q[j] = uniform(r, -1e5, 1e5)
		}
		b := uniform(r, 1, 1e4)

		p := MultiProbabilities(q, b)
		var sum float64
		for _, v := range p {
			assert.False(t, math.IsNaN(v))
			assert.GreaterOrEqual(t, v, 0.0)
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestMultiProbabilitiesShiftInvariant(t *testing.T) {
	r := newRand()
	for i := 0; i < 500; i++ {
		q := []float64{uniform(r, -500, 500), uniform(r, -500, 500), uniform(r, -500, 500)}
		b := uniform(r, 10, 1_000)
		c := uniform(r, -1e6, 1e6)

		shifted := make([]float64, len(q))
		for j := range q {
			shifted[j] = q[j] + c
		}
		p1 := MultiProbabilities(q, b)
		p2 := MultiProbabilities(shifted, b)
		for j := range p1 {
			assert.InDelta(t, p1[j], p2[j], 1e-6)
		}
	}
}

func TestMultiProbabilitiesNoOverflow(t *testing.T) {
	p := MultiProbabilities([]float64{1e6, 1e6 + 1, 1e6 - 1}, 1)
	for _, v := range p {
		assert.False(t, math.IsNaN(v))
		assert.False(t, math.IsInf(v, 0))
	}
	assert.Greater(t, p[1], p[0])
}

func TestMultiProbabilitiesMatchesBinaryPrice(t *testing.T) {
	yes, no := Price(40, -10, 75)
	p := MultiProbabilities([]float64{40, -10}, 75)
	assert.InDelta(t, yes, p[0], 1e-12)
	assert.InDelta(t, no, p[1], 1e-12)
}

func TestImpliedQRoundTrip(t *testing.T) {
	for _, b := range []float64{10, 100, 10_000} {
		for p := 0.02; p <= 0.98+1e-9; p += 0.01 {
			yes, _ := Price(ImpliedQ(p, b), 0, b)
			assert.InDelta(t, p, yes, 1e-9, "p=%v b=%v", p, b)
		}
	}
}

func TestImpliedQClamps(t *testing.T) {
	b := 1_000.0
	assert.Equal(t, ImpliedQ(0.01, b), ImpliedQ(0.001, b))
	assert.Equal(t, ImpliedQ(0.01, b), ImpliedQ(0, b))
	assert.Equal(t, ImpliedQ(0.01, b), ImpliedQ(-3, b))
	assert.Equal(t, ImpliedQ(0.99, b), ImpliedQ(0.999, b))
	assert.Equal(t, ImpliedQ(0.99, b), ImpliedQ(1, b))

	assert.False(t, math.IsInf(ImpliedQ(0, b), 0))
	yes, _ := Price(ImpliedQ(1, b), 0, b)
	assert.InDelta(t, 0.99, yes, 1e-12)
}

func TestPriceImpact(t *testing.T) {
	im, err := PriceImpact([]float64{0, 0}, 0, 100, 10_000)
	require.NoError(t, err)
	assert.Equal(t, 0.5, im.SpotBefore)
	assert.Greater(t, im.SpotAfter, im.SpotBefore)
	assert.Greater(t, im.AveragePrice, im.SpotBefore)
	assert.Less(t, im.AveragePrice, im.SpotAfter)
	assert.InDelta(t, 50, im.SlippageBps(), 1)
}

package ratios

import (
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginscope/marginscope/internal/config"
	"github.com/marginscope/marginscope/internal/domain"
)

func newCalculator() *Calculator {
	return New(config.DefaultAnalysisConfig(), zerolog.Nop())
}

func series(t *testing.T, values []float64) *domain.Series {
	t.Helper()
	idx := make([]time.Time, len(values))
	for i := range idx {
		idx[i] = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
	}
	s, err := domain.SeriesFromValues(idx, values)
	require.NoError(t, err)
	return s
}

func TestMarketLeverageRatio(t *testing.T) {
	c := newCalculator()
	debt := series(t, []float64{0.80, 0.85, 0.90})
	mcap := series(t, []float64{40, 42, 45})

	out, err := c.MarketLeverageRatio(debt, mcap, MissingSkip)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.0200, 0.0202, 0.0200}, out.Values())
}

func TestMarketLeverageRatio_ClipBounds(t *testing.T) {
	c := newCalculator()
	debt := series(t, []float64{100, 0.000001})
	mcap := series(t, []float64{10, 100})

	out, err := c.MarketLeverageRatio(debt, mcap, MissingSkip)
	require.NoError(t, err)
	assert.Equal(t, 0.50, out.Value(0), "raw ratio 10 clamps to the upper bound")
	assert.Equal(t, 0.001, out.Value(1), "raw ratio ~1e-8 clamps to the lower bound")
}

func TestMarketLeverageRatio_Monotonic(t *testing.T) {
	c := newCalculator()
	mcap := series(t, []float64{40, 40, 40, 40})
	debt := series(t, []float64{1, 2, 3, 4})

	out, err := c.MarketLeverageRatio(debt, mcap, MissingSkip)
	require.NoError(t, err)
	for i := 1; i < out.Len(); i++ {
		assert.GreaterOrEqual(t, out.Value(i), out.Value(i-1))
	}
}

func TestMarketLeverageRatio_LengthMismatch(t *testing.T) {
	c := newCalculator()
	debt := series(t, []float64{1, 2, 3})
	mcap := series(t, []float64{40, 42})

	_, err := c.MarketLeverageRatio(debt, mcap, MissingSkip)
	var mismatch *domain.DataLengthMismatch
	require.ErrorAs(t, err, &mismatch)
}

func TestMarketLeverageRatio_NonPositiveDenominatorComputes(t *testing.T) {
	c := newCalculator()
	debt := series(t, []float64{1, 1})
	mcap := series(t, []float64{0, -5})

	out, err := c.MarketLeverageRatio(debt, mcap, MissingSkip)
	require.NoError(t, err, "bad denominators warn, they do not abort")
	// 1/0 = +Inf clamps to the upper bound; 1/-5 clamps to the lower bound.
	assert.Equal(t, 0.50, out.Value(0))
	assert.Equal(t, 0.001, out.Value(1))
}

func TestMoneySupplyRatio(t *testing.T) {
	c := newCalculator()
	debt := series(t, []float64{0.8, 1.0})
	m2 := series(t, []float64{20, 21})

	out, err := c.MoneySupplyRatio(debt, m2, MissingSkip)
	require.NoError(t, err)
	assert.Equal(t, []float64{0.04, 0.0476}, out.Values())
}

func TestLeverageNet(t *testing.T) {
	c := newCalculator()
	debit := series(t, []float64{1.005, 0.4})
	cash := series(t, []float64{0.301, 0.2})
	margin := series(t, []float64{0.102, 0.3})

	out, err := c.LeverageNet(debit, cash, margin, MissingSkip)
	require.NoError(t, err)
	assert.InDelta(t, 0.60, out.Value(0), 1e-9)
	assert.InDelta(t, -0.10, out.Value(1), 1e-9, "net leverage stays signed")
}

func TestLeverageNormalized(t *testing.T) {
	c := newCalculator()
	net := series(t, []float64{0.6})
	mcap := series(t, []float64{45})

	out, err := c.LeverageNormalized(net, mcap, MissingSkip)
	require.NoError(t, err)
	assert.Equal(t, 0.013333, out.Value(0))
}

func TestChangeRate_YoYBoundary(t *testing.T) {
	c := newCalculator()
	vals := make([]float64, 14)
	for i := range vals {
		vals[i] = float64(100 + i)
	}
	s := series(t, vals)

	out, err := c.ChangeRate(s, ChangeYoY, MissingSkip)
	require.NoError(t, err)
	for i := 0; i < 12; i++ {
		assert.True(t, math.IsNaN(out.Value(i)), "index %d has insufficient history", i)
	}
	assert.Equal(t, 12.0, out.Value(12)) // (112-100)/100*100
}

func TestChangeRate_MoMAndClip(t *testing.T) {
	c := newCalculator()
	s := series(t, []float64{1, 10, 0.001})

	out, err := c.ChangeRate(s, ChangeMoM, MissingSkip)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(out.Value(0)))
	assert.Equal(t, 500.0, out.Value(1), "900% clamps to the upper bound")
	assert.Equal(t, -99.99, out.Value(2))
}

func TestChangeRate_UnknownType(t *testing.T) {
	c := newCalculator()
	_, err := c.ChangeRate(series(t, []float64{1, 2}), ChangeType("weekly"), MissingSkip)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestChangeRate_FFillPolicy(t *testing.T) {
	c := newCalculator()
	s := series(t, []float64{100, math.NaN(), 110})

	out, err := c.ChangeRate(s, ChangeMoM, MissingFFill)
	require.NoError(t, err)
	assert.Equal(t, 0.0, out.Value(1), "gap forward-filled to 100")
	assert.Equal(t, 10.0, out.Value(2))
}

func TestChangeRate_InterpolatePolicy(t *testing.T) {
	c := newCalculator()
	s := series(t, []float64{100, math.NaN(), 120})

	out, err := c.ChangeRate(s, ChangeMoM, MissingInterpolate)
	require.NoError(t, err)
	assert.Equal(t, 10.0, out.Value(1), "gap interpolated to 110")
	assert.InDelta(t, 9.09, out.Value(2), 1e-9)
}

func TestChangeRate_SkipPolicyPropagates(t *testing.T) {
	c := newCalculator()
	s := series(t, []float64{100, math.NaN(), 120})

	out, err := c.ChangeRate(s, ChangeMoM, MissingSkip)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(out.Value(1)))
	assert.True(t, math.IsNaN(out.Value(2)), "base is absent under skip")
}

func TestInvestorNetWorth_EstimatedCash(t *testing.T) {
	// Cash defaulting to half of margin debt is a modeling assumption, not a
	// measured quantity; the point of this test is that the factor is applied
	// exactly as configured, not that the assumption is sound.
	c := newCalculator()
	debt := series(t, []float64{1.0})
	mcap := series(t, []float64{40})

	out, err := c.InvestorNetWorth(debt, mcap, nil)
	require.NoError(t, err)
	// (0.5 - 1.0) - 0.1*40 = -4.5
	assert.Equal(t, -4.5, out.Value(0))
}

func TestInvestorNetWorth_ExplicitCash(t *testing.T) {
	c := newCalculator()
	debt := series(t, []float64{1.0})
	mcap := series(t, []float64{40})
	cash := series(t, []float64{6.0})

	out, err := c.InvestorNetWorth(debt, mcap, cash)
	require.NoError(t, err)
	assert.Equal(t, 1.0, out.Value(0)) // (6-1) - 4
}

func TestInterestCostAnalysis(t *testing.T) {
	c := newCalculator()
	// Margin debt perfectly linear in the rate: slope 2, r = 1.
	rates := series(t, []float64{1, 2, 3, 4, 5, 6})
	debt := series(t, []float64{2, 4, 6, 8, 10, 12})

	points, err := c.InterestCostAnalysis(debt, rates, 4)
	require.NoError(t, err)
	require.Len(t, points, 3)

	first := points[0]
	assert.Equal(t, rates.Time(3), first.Date)
	assert.InDelta(t, 2.0, first.Slope, 1e-9)
	assert.InDelta(t, 1.0, first.Correlation, 1e-9)
	assert.InDelta(t, 1.0, first.RSquared, 1e-9)
	assert.Equal(t, 4, first.SampleSize)
}

func TestInterestCostAnalysis_WindowTooSmall(t *testing.T) {
	c := newCalculator()
	s := series(t, []float64{1, 2, 3})
	_, err := c.InterestCostAnalysis(s, s, 2)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestInterestCostAnalysis_SparseWindowsOmitted(t *testing.T) {
	c := newCalculator()
	rates := series(t, []float64{1, math.NaN(), math.NaN(), 4})
	debt := series(t, []float64{2, 4, 6, 8})

	points, err := c.InterestCostAnalysis(debt, rates, 4)
	require.NoError(t, err)
	assert.Empty(t, points, "fewer than three valid pairs produces no point")
}

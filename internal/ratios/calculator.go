// Package ratios derives the leverage and liquidity indicators from raw
// balance-sheet, market-cap and money-supply series. Every function is a pure
// transform: it never mutates its inputs and never reads ambient state.
package ratios

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/config"
	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/pkg/formulas"
)

// MissingPolicy selects how absent observations are treated before a
// calculation. The same policy is threaded through every indicator so a given
// input always produces the same output regardless of which indicator runs
// first.
type MissingPolicy string

const (
	// MissingSkip leaves absent values in place; they propagate as NaN.
	MissingSkip MissingPolicy = "skip"
	// MissingInterpolate fills interior gaps linearly and carries the last
	// observation forward over trailing gaps. Leading gaps stay absent.
	MissingInterpolate MissingPolicy = "interpolate"
	// MissingFFill carries the last observation forward. Leading gaps stay
	// absent.
	MissingFFill MissingPolicy = "ffill"
)

// ChangeType selects the look-back lag for period-over-period change rates.
type ChangeType string

const (
	ChangeMoM ChangeType = "mom"
	ChangeQoQ ChangeType = "qoq"
	ChangeYoY ChangeType = "yoy"
)

// Lag returns the number of periods the change type looks back.
func (c ChangeType) Lag() (int, error) {
	switch c {
	case ChangeMoM:
		return 1, nil
	case ChangeQoQ:
		return 3, nil
	case ChangeYoY:
		return 12, nil
	}
	return 0, &domain.ValidationError{Msg: fmt.Sprintf("unknown change type %q", c)}
}

// InterestCostPoint is one window of the margin-debt vs interest-rate
// relationship.
type InterestCostPoint struct {
	Date        time.Time `json:"date"`
	Correlation float64   `json:"correlation"`
	Slope       float64   `json:"regression_slope"`
	RSquared    float64   `json:"r_squared"`
	PValue      float64   `json:"p_value"`
	SampleSize  int       `json:"sample_size"`
}

// Calculator computes the derived ratio indicators.
type Calculator struct {
	cfg config.AnalysisConfig
	log zerolog.Logger
}

func New(cfg config.AnalysisConfig, log zerolog.Logger) *Calculator {
	return &Calculator{
		cfg: cfg,
		log: log.With().Str("component", "ratios").Logger(),
	}
}

// MarketLeverageRatio is margin debt over total market cap, clipped to the
// configured bounds and rounded to 4 decimals.
func (c *Calculator) MarketLeverageRatio(marginDebt, marketCap *domain.Series, policy MissingPolicy) (*domain.Series, error) {
	out, err := c.divide(marginDebt, marketCap, policy, "market_leverage_ratio")
	if err != nil {
		return nil, err
	}
	return c.clipRound(out, c.cfg.MarketLeverageClipLow, c.cfg.MarketLeverageClipHigh, 4)
}

// MoneySupplyRatio is margin debt over M2 money supply, clipped to the
// configured bounds and rounded to 4 decimals.
func (c *Calculator) MoneySupplyRatio(marginDebt, moneySupply *domain.Series, policy MissingPolicy) (*domain.Series, error) {
	out, err := c.divide(marginDebt, moneySupply, policy, "money_supply_ratio")
	if err != nil {
		return nil, err
	}
	return c.clipRound(out, c.cfg.MoneySupplyClipLow, c.cfg.MoneySupplyClipHigh, 4)
}

// LeverageNet is debit balances minus total credit balances, rounded to
// 2 decimals. Net leverage is legitimately signed so no clipping applies.
func (c *Calculator) LeverageNet(debit, cashCredit, marginCredit *domain.Series, policy MissingPolicy) (*domain.Series, error) {
	if debit.Len() != cashCredit.Len() {
		return nil, &domain.DataLengthMismatch{Left: "finra_debit", Right: "finra_cash_credit", LeftLen: debit.Len(), RightLen: cashCredit.Len()}
	}
	if debit.Len() != marginCredit.Len() {
		return nil, &domain.DataLengthMismatch{Left: "finra_debit", Right: "finra_margin_credit", LeftLen: debit.Len(), RightLen: marginCredit.Len()}
	}

	d := applyPolicy(debit.Values(), policy)
	cc := applyPolicy(cashCredit.Values(), policy)
	mc := applyPolicy(marginCredit.Values(), policy)

	out := make([]float64, len(d))
	for i := range d {
		out[i] = formulas.Round(d[i]-(cc[i]+mc[i]), 2)
	}
	return debit.WithValues(out)
}

// LeverageNormalized is net leverage scaled by total market cap, rounded to
// 6 decimals.
func (c *Calculator) LeverageNormalized(leverageNet, marketCap *domain.Series, policy MissingPolicy) (*domain.Series, error) {
	out, err := c.divide(leverageNet, marketCap, policy, "leverage_normalized")
	if err != nil {
		return nil, err
	}
	vals := out.Values()
	for i, v := range vals {
		vals[i] = formulas.Round(v, 6)
	}
	return out.WithValues(vals)
}

// ChangeRate computes the period-over-period growth rate in percent, rounded
// to 2 decimals and clipped to the configured bounds. The first lag entries
// have no look-back history and stay absent; that is expected, not an error.
func (c *Calculator) ChangeRate(s *domain.Series, changeType ChangeType, policy MissingPolicy) (*domain.Series, error) {
	lag, err := changeType.Lag()
	if err != nil {
		return nil, err
	}

	vals := applyPolicy(s.Values(), policy)
	out := make([]float64, len(vals))
	nonPositive := 0
	for i := range out {
		if i < lag {
			out[i] = math.NaN()
			continue
		}
		base := vals[i-lag]
		if math.IsNaN(base) || math.IsNaN(vals[i]) {
			out[i] = math.NaN()
			continue
		}
		if base <= 0 {
			nonPositive++
		}
		rate := (vals[i] - base) / base * 100
		out[i] = formulas.Clip(formulas.Round(rate, 2), c.cfg.ChangeRateClipLow, c.cfg.ChangeRateClipHigh)
	}
	if nonPositive > 0 {
		c.log.Warn().
			Str("change_type", string(changeType)).
			Int("count", nonPositive).
			Msg("non-positive base values in change rate")
	}
	return s.WithValues(out)
}

// InvestorNetWorth estimates aggregate investor net worth as
// (cash − debt) − cushionRate × marketCap. When no cash-balance series is
// supplied, cash is estimated as CashBalanceFactor × margin debt. That factor
// is a modeling assumption, not an observed quantity.
func (c *Calculator) InvestorNetWorth(marginDebt, marketCap, cashBalance *domain.Series) (*domain.Series, error) {
	if marginDebt.Len() != marketCap.Len() {
		return nil, &domain.DataLengthMismatch{Left: domain.ColMarginDebt, Right: domain.ColSP500MarketCap, LeftLen: marginDebt.Len(), RightLen: marketCap.Len()}
	}

	debt := marginDebt.Values()
	var cash []float64
	if cashBalance != nil {
		if cashBalance.Len() != marginDebt.Len() {
			return nil, &domain.DataLengthMismatch{Left: "cash_balance", Right: domain.ColMarginDebt, LeftLen: cashBalance.Len(), RightLen: marginDebt.Len()}
		}
		cash = cashBalance.Values()
	} else {
		c.log.Info().
			Float64("factor", c.cfg.CashBalanceFactor).
			Msg("estimating cash balance from margin debt")
		cash = make([]float64, len(debt))
		for i, d := range debt {
			cash[i] = d * c.cfg.CashBalanceFactor
		}
	}

	caps := marketCap.Values()
	out := make([]float64, len(debt))
	for i := range out {
		cushion := caps[i] * c.cfg.MarketCushionRate
		out[i] = formulas.Round((cash[i]-debt[i])-cushion, 2)
	}
	return marginDebt.WithValues(out)
}

// InterestCostAnalysis regresses margin debt on interest rates over a
// trailing window, producing one point per window with at least three valid
// observation pairs. Windows with fewer valid pairs are omitted.
func (c *Calculator) InterestCostAnalysis(marginDebt, rates *domain.Series, window int) ([]InterestCostPoint, error) {
	if marginDebt.Len() != rates.Len() {
		return nil, &domain.DataLengthMismatch{Left: domain.ColMarginDebt, Right: domain.ColFederalFundsRate, LeftLen: marginDebt.Len(), RightLen: rates.Len()}
	}
	if window < 3 {
		return nil, &domain.ValidationError{Msg: fmt.Sprintf("interest cost window must be at least 3, got %d", window)}
	}

	debt := marginDebt.Values()
	rate := rates.Values()

	var points []InterestCostPoint
	for i := window - 1; i < len(debt); i++ {
		var x, y []float64
		for j := i - window + 1; j <= i; j++ {
			if math.IsNaN(debt[j]) || math.IsNaN(rate[j]) {
				continue
			}
			x = append(x, rate[j])
			y = append(y, debt[j])
		}
		if len(x) < 3 {
			continue
		}
		res := formulas.LinearRegression(x, y)
		points = append(points, InterestCostPoint{
			Date:        marginDebt.Time(i),
			Correlation: res.Correlation,
			Slope:       res.Slope,
			RSquared:    res.RSquared,
			PValue:      res.PValue,
			SampleSize:  res.SampleSize,
		})
	}

	c.log.Debug().
		Int("window", window).
		Int("points", len(points)).
		Msg("interest cost analysis complete")
	return points, nil
}

// divide computes numerator/denominator element-wise after applying the
// missing-value policy. Non-positive denominators are a data-quality signal:
// they are logged and the division still runs, so one bad input value cannot
// abort a whole column.
func (c *Calculator) divide(num, den *domain.Series, policy MissingPolicy, indicator string) (*domain.Series, error) {
	if num.Len() != den.Len() {
		return nil, &domain.DataLengthMismatch{Left: "numerator", Right: "denominator", LeftLen: num.Len(), RightLen: den.Len()}
	}

	n := applyPolicy(num.Values(), policy)
	d := applyPolicy(den.Values(), policy)

	out := make([]float64, len(n))
	nonPositive := 0
	for i := range out {
		if !math.IsNaN(d[i]) && d[i] <= 0 {
			nonPositive++
		}
		out[i] = n[i] / d[i]
	}
	if nonPositive > 0 {
		c.log.Warn().
			Str("indicator", indicator).
			Int("count", nonPositive).
			Msg("non-positive denominator values")
	}
	return num.WithValues(out)
}

func (c *Calculator) clipRound(s *domain.Series, lo, hi float64, decimals int) (*domain.Series, error) {
	vals := s.Values()
	for i, v := range vals {
		vals[i] = formulas.Clip(formulas.Round(v, decimals), lo, hi)
	}
	return s.WithValues(vals)
}

// applyPolicy resolves absent values according to the policy. It always
// returns a fresh slice.
func applyPolicy(values []float64, policy MissingPolicy) []float64 {
	out := make([]float64, len(values))
	copy(out, values)

	switch policy {
	case MissingFFill:
		forwardFill(out)
	case MissingInterpolate:
		interpolateLinear(out)
	}
	return out
}

// forwardFill carries the last observed value over subsequent gaps. Values
// before the first observation stay absent.
func forwardFill(values []float64) {
	last := math.NaN()
	for i, v := range values {
		if math.IsNaN(v) {
			values[i] = last
		} else {
			last = v
		}
	}
}

// interpolateLinear fills interior gaps linearly between the bounding
// observations and carries the last observation over trailing gaps. Leading
// gaps stay absent.
func interpolateLinear(values []float64) {
	prev := -1
	for i, v := range values {
		if math.IsNaN(v) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			step := (v - values[prev]) / float64(i-prev)
			for j := prev + 1; j < i; j++ {
				values[j] = values[prev] + step*float64(j-prev)
			}
		}
		prev = i
	}
	if prev >= 0 {
		for j := prev + 1; j < len(values); j++ {
			values[j] = values[prev]
		}
	}
}

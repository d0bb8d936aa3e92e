// Package indicators computes auxiliary market-health indicators: index
// momentum, the volatility regime and the leverage cycle. These feed the
// composite risk score but are not part of the vulnerability index itself.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/pkg/formulas"
)

const (
	// momentumPeriods is the look-back for index momentum, one year on the
	// monthly grid.
	momentumPeriods = 12
	// trendPeriods is the rolling-mean window for the leverage trend.
	trendPeriods = 12
	// volRegimeQuantile splits the rolling volatility distribution into the
	// high and low regimes.
	volRegimeQuantile = 0.7
	// rsiPeriods is the look-back for index relative strength.
	rsiPeriods = 14
)

// VolRegimeHigh and VolRegimeLow label the two volatility regimes.
const (
	VolRegimeHigh = "high"
	VolRegimeLow  = "low"
)

// LeverageCycle bundles the two leverage-cycle series.
type LeverageCycle struct {
	Acceleration *domain.Series // first difference of margin debt
	Trend        *domain.Series // trailing 12-period mean
}

// Engine computes market indicators. Inputs are expected to be gap-free over
// the region of interest; callers resolve missing values first (the pipeline
// forward-fills before calling in here).
type Engine struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Engine {
	return &Engine{log: log.With().Str("component", "indicators").Logger()}
}

// MarketMomentum is the 12-period fractional change of the index level.
// The first 12 entries have no look-back history and are absent.
func (e *Engine) MarketMomentum(index *domain.Series) (*domain.Series, error) {
	if index.Len() <= momentumPeriods {
		return index.WithValues(nanSlice(index.Len()))
	}

	out := talib.Rocp(index.Values(), momentumPeriods)
	maskLeadIn(out, momentumPeriods)
	return index.WithValues(out)
}

// VolatilityRegime labels each row high or low volatility. The threshold is
// the 0.7 quantile of the trailing rolling mean of the volatility index, so
// the cut adapts to the sample rather than being an absolute level.
func (e *Engine) VolatilityRegime(vol *domain.Series, window int) ([]string, error) {
	if window < 1 {
		return nil, &domain.ValidationError{Msg: "volatility regime window must be positive"}
	}

	labels := make([]string, vol.Len())
	for i := range labels {
		labels[i] = VolRegimeLow
	}
	if vol.Len() < window {
		return labels, nil
	}

	rollingMean := talib.Sma(vol.Values(), window)
	maskLeadIn(rollingMean, window-1)

	var valid []float64
	for _, v := range rollingMean {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return labels, nil
	}
	threshold := formulas.Quantile(valid, volRegimeQuantile)

	for i := 0; i < vol.Len(); i++ {
		if v := vol.Value(i); !math.IsNaN(v) && v > threshold {
			labels[i] = VolRegimeHigh
		}
	}

	e.log.Debug().
		Float64("threshold", threshold).
		Int("window", window).
		Msg("volatility regime computed")
	return labels, nil
}

// RelativeStrength is the 14-period RSI of the index level, a secondary
// overbought/oversold gauge alongside momentum.
func (e *Engine) RelativeStrength(index *domain.Series) (*domain.Series, error) {
	if index.Len() <= rsiPeriods {
		return index.WithValues(nanSlice(index.Len()))
	}

	out := talib.Rsi(index.Values(), rsiPeriods)
	maskLeadIn(out, rsiPeriods)
	return index.WithValues(out)
}

// LeverageCycleIndicators derives the leverage acceleration (first
// difference) and the 12-period leverage trend from margin debt.
func (e *Engine) LeverageCycleIndicators(marginDebt *domain.Series) (LeverageCycle, error) {
	n := marginDebt.Len()

	accel := make([]float64, n)
	if n > 0 {
		accel[0] = math.NaN()
	}
	for i := 1; i < n; i++ {
		accel[i] = marginDebt.Value(i) - marginDebt.Value(i-1)
	}
	accelSeries, err := marginDebt.WithValues(accel)
	if err != nil {
		return LeverageCycle{}, err
	}

	var trend []float64
	if n < trendPeriods {
		trend = nanSlice(n)
	} else {
		trend = talib.Sma(marginDebt.Values(), trendPeriods)
		maskLeadIn(trend, trendPeriods-1)
	}
	trendSeries, err := marginDebt.WithValues(trend)
	if err != nil {
		return LeverageCycle{}, err
	}

	return LeverageCycle{Acceleration: accelSeries, Trend: trendSeries}, nil
}

// maskLeadIn replaces the unstable lead-in entries with NaN. talib reports
// zeros there, which downstream code would mistake for observations.
func maskLeadIn(values []float64, n int) {
	if n > len(values) {
		n = len(values)
	}
	for i := 0; i < n; i++ {
		values[i] = math.NaN()
	}
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

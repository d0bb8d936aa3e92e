// Package rolling implements the shared rolling-window statistics primitives:
// z-score, Pearson correlation and percentile rank. All functions are pure
// transforms over their inputs, with no caching and no side effects.
package rolling

import (
	"math"

	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/pkg/formulas"
)

// ZScore computes the trailing-window z-score of s.
//
// zscore[t] = (value[t] - rollingMean[t]) / rollingStd[t], with mean and
// sample standard deviation taken over the trailing `window` observations
// ending at t inclusive. Positions with fewer than minPeriods non-missing
// observations in the window produce NaN, as do windows with zero standard
// deviation. minPeriods defaults to window/2 when non-positive.
//
// The window is expressed in the series' own frequency; callers on the
// monthly grid pass months.
func ZScore(s *domain.Series, window, minPeriods int) (*domain.Series, error) {
	if window < 3 {
		return nil, &domain.ValidationError{Msg: "z-score window must be at least 3"}
	}
	if minPeriods <= 0 {
		minPeriods = window / 2
	}

	values := s.Values()
	out := make([]float64, len(values))
	for t := range values {
		out[t] = math.NaN()
		if math.IsNaN(values[t]) {
			continue
		}

		start := t - window + 1
		if start < 0 {
			start = 0
		}
		valid := collectValid(values[start : t+1])
		if len(valid) < minPeriods {
			continue
		}

		mean := formulas.Mean(valid)
		std := formulas.StdDev(valid)
		if std == 0 {
			continue
		}
		out[t] = (values[t] - mean) / std
	}

	return s.WithValues(out)
}

// Correlation computes the trailing-window Pearson correlation between two
// aligned series. The result at t is NaN unless the trailing window holds
// `window` positions where both series are non-missing, or when either
// sub-window has zero variance.
func Correlation(a, b *domain.Series, window int) (*domain.Series, error) {
	if window < 3 {
		return nil, &domain.ValidationError{Msg: "correlation window must be at least 3"}
	}
	if a.Len() != b.Len() {
		return nil, &domain.DataLengthMismatch{
			Left: "a", Right: "b", LeftLen: a.Len(), RightLen: b.Len(),
		}
	}

	av := a.Values()
	bv := b.Values()
	out := make([]float64, len(av))
	for t := range av {
		out[t] = math.NaN()
		if t < window-1 {
			continue
		}

		var xs, ys []float64
		for i := t - window + 1; i <= t; i++ {
			if math.IsNaN(av[i]) || math.IsNaN(bv[i]) {
				continue
			}
			xs = append(xs, av[i])
			ys = append(ys, bv[i])
		}
		if len(xs) < window {
			continue
		}
		if formulas.StdDev(xs) == 0 || formulas.StdDev(ys) == 0 {
			continue
		}
		out[t] = formulas.Correlation(xs, ys)
	}

	return a.WithValues(out)
}

// PercentileRank computes, at each position t, the percentile (0-100) of
// value[t] within the trailing `window` observations ending at t. The result
// is NaN until the window is fully populated with non-missing values.
func PercentileRank(s *domain.Series, window int) (*domain.Series, error) {
	if window < 3 {
		return nil, &domain.ValidationError{Msg: "percentile window must be at least 3"}
	}

	values := s.Values()
	out := make([]float64, len(values))
	for t := range values {
		out[t] = math.NaN()
		if t < window-1 || math.IsNaN(values[t]) {
			continue
		}

		valid := collectValid(values[t-window+1 : t+1])
		if len(valid) < window {
			continue
		}
		out[t] = formulas.PercentileOfScore(valid, values[t])
	}

	return s.WithValues(out)
}

func collectValid(window []float64) []float64 {
	valid := make([]float64, 0, len(window))
	for _, v := range window {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	return valid
}

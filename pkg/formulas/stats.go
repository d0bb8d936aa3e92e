package formulas

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Mean calculates the arithmetic mean of a slice of float64 values
func Mean(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	return stat.Mean(data, nil)
}

// StdDev calculates the sample standard deviation of a slice of float64 values
func StdDev(data []float64) float64 {
	if len(data) < 2 {
		return 0
	}
	return stat.StdDev(data, nil)
}

// Correlation calculates the Pearson correlation coefficient between two datasets
func Correlation(x, y []float64) float64 {
	if len(x) == 0 || len(y) == 0 || len(x) != len(y) {
		return math.NaN()
	}
	return stat.Correlation(x, y, nil)
}

// Quantile returns the q-th quantile (0-1) of data using linear interpolation,
// matching the convention used by the upstream data sources.
// The input slice is not modified.
func Quantile(data []float64, q float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)
	return stat.Quantile(q, stat.LinInterp, sorted, nil)
}

// PercentileOfScore returns the percentile rank (0-100) of score within data.
// Ties are split between the strict and weak counts (rank semantics).
func PercentileOfScore(data []float64, score float64) float64 {
	if len(data) == 0 {
		return math.NaN()
	}
	below := 0
	equal := 0
	for _, v := range data {
		if v < score {
			below++
		} else if v == score {
			equal++
		}
	}
	n := float64(len(data))
	strict := float64(below) / n * 100
	weak := float64(below+equal) / n * 100
	return (strict + weak) / 2
}

// Round rounds x to the given number of decimal places.
// NaN and infinities pass through unchanged.
func Round(x float64, decimals int) float64 {
	if math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	pow := math.Pow(10, float64(decimals))
	return math.Round(x*pow) / pow
}

// Clip limits x to the [lower, upper] range.
// NaN passes through; infinities are clamped to the bounds.
func Clip(x, lower, upper float64) float64 {
	if math.IsNaN(x) {
		return x
	}
	if x < lower {
		return lower
	}
	if x > upper {
		return upper
	}
	return x
}

package formulas

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// RegressionResult holds the output of a simple linear regression of y on x.
type RegressionResult struct {
	Slope       float64
	Intercept   float64
	RSquared    float64
	Correlation float64
	PValue      float64
	SampleSize  int
}

// LinearRegression fits y = intercept + slope*x by ordinary least squares and
// reports the fit statistics. The p-value is the two-sided significance of the
// Pearson correlation under a Student's t distribution with n-2 degrees of
// freedom; it is NaN when fewer than 3 observations are supplied or the
// correlation is degenerate.
func LinearRegression(x, y []float64) RegressionResult {
	n := len(x)
	if n == 0 || n != len(y) {
		return RegressionResult{
			Slope: math.NaN(), Intercept: math.NaN(),
			RSquared: math.NaN(), Correlation: math.NaN(), PValue: math.NaN(),
		}
	}

	alpha, beta := stat.LinearRegression(x, y, nil, false)
	r := stat.Correlation(x, y, nil)
	r2 := stat.RSquared(x, y, nil, alpha, beta)

	return RegressionResult{
		Slope:       beta,
		Intercept:   alpha,
		RSquared:    r2,
		Correlation: r,
		PValue:      correlationPValue(r, n),
		SampleSize:  n,
	}
}

// correlationPValue computes the two-sided p-value for a Pearson correlation
// coefficient r observed over n samples.
func correlationPValue(r float64, n int) float64 {
	if n < 3 || math.IsNaN(r) {
		return math.NaN()
	}
	if r >= 1 || r <= -1 {
		return 0
	}

	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	return 2 * dist.Survival(math.Abs(t))
}

// Package quality computes data-quality reports and anomaly flags for market
// tables. Quality findings are data characteristics, not errors: they are
// reported, never raised, so a small missing-data rate cannot abort a long
// calculation.
package quality

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/pkg/formulas"
)

const (
	// outlierSigma is the 3-sigma rule used for the report's outlier count.
	outlierSigma = 3.0
	// gapThresholdDays is 1.5x the expected one-month spacing.
	gapThresholdDays = 45
	// iqrMultiplier bounds the anomaly fences at Q1-1.5*IQR and Q3+1.5*IQR.
	iqrMultiplier = 1.5
	// validScore is the minimum quality score for IsValid.
	validScore = 70.0
)

// Validator produces QualityReports and anomaly-flagged tables.
type Validator struct {
	log zerolog.Logger
}

// New creates a Validator.
func New(log zerolog.Logger) *Validator {
	return &Validator{log: log.With().Str("component", "quality").Logger()}
}

// Validate computes the quality report for a table.
//
// The missing-data percentage counts NaN cells over substantive numeric
// columns only; companion flag columns are excluded from the denominator.
// Outliers follow the 3-sigma rule per column (columns with zero standard
// deviation or no data contribute zero). Gaps are consecutive index deltas
// exceeding 45 days.
func (v *Validator) Validate(t *domain.Table) domain.QualityReport {
	report := domain.QualityReport{TotalRows: t.NumRows()}

	missing, total := t.MissingCells()
	if total > 0 {
		report.MissingDataPct = float64(missing) / float64(total) * 100
	}

	for _, name := range t.Columns() {
		vals, _ := t.ColumnValues(name)
		report.OutliersCount += countSigmaOutliers(vals)
	}

	report.DataGaps = findGaps(t.Index())

	if total > 0 && missing == total {
		// No usable data at all: score floor, regardless of the deduction
		// formula below.
		report.QualityScore = 0
		report.IsValid = false
		return report
	}

	score := 100.0
	score -= 0.5 * report.MissingDataPct
	if report.TotalRows > 0 {
		outlierRate := float64(report.OutliersCount) / float64(report.TotalRows)
		score -= math.Min(outlierRate, 0.1) * 100
	}
	score -= 5 * float64(len(report.DataGaps))
	report.QualityScore = formulas.Clip(score, 0, 100)
	report.IsValid = report.QualityScore >= validScore

	v.log.Debug().
		Int("rows", report.TotalRows).
		Float64("missing_pct", report.MissingDataPct).
		Int("outliers", report.OutliersCount).
		Int("gaps", len(report.DataGaps)).
		Float64("score", report.QualityScore).
		Msg("Validated table quality")

	return report
}

// DetectAnomalies returns a new table with a boolean IQR anomaly column per
// numeric column plus a row-level anomaly_flag that is the OR across all of
// them. The IQR fences catch skewed distributions the 3-sigma rule misses.
func (v *Validator) DetectAnomalies(t *domain.Table) (*domain.Table, error) {
	out := t
	rowFlag := make([]bool, t.NumRows())

	var err error
	for _, name := range t.Columns() {
		vals, _ := t.ColumnValues(name)
		flags := iqrFlags(vals)
		for i, f := range flags {
			rowFlag[i] = rowFlag[i] || f
		}
		out, err = out.WithFlagColumn(name+domain.AnomalySuffix, flags)
		if err != nil {
			return nil, err
		}
	}

	return out.WithFlagColumn(domain.ColAnomalyFlag, rowFlag)
}

func countSigmaOutliers(vals []float64) int {
	valid := make([]float64, 0, len(vals))
	for _, x := range vals {
		if !math.IsNaN(x) {
			valid = append(valid, x)
		}
	}
	if len(valid) == 0 {
		return 0
	}
	mean := formulas.Mean(valid)
	std := formulas.StdDev(valid)
	if std == 0 {
		return 0
	}

	count := 0
	for _, x := range valid {
		if math.Abs(x-mean) > outlierSigma*std {
			count++
		}
	}
	return count
}

func findGaps(index []time.Time) []domain.DataGap {
	var gaps []domain.DataGap
	for i := 1; i < len(index); i++ {
		delta := index[i].Sub(index[i-1])
		if delta > gapThresholdDays*24*time.Hour {
			gaps = append(gaps, domain.DataGap{Start: index[i-1], End: index[i]})
		}
	}
	return gaps
}

func iqrFlags(vals []float64) []bool {
	flags := make([]bool, len(vals))

	valid := make([]float64, 0, len(vals))
	for _, x := range vals {
		if !math.IsNaN(x) {
			valid = append(valid, x)
		}
	}
	if len(valid) < 4 {
		return flags
	}

	q1 := formulas.Quantile(valid, 0.25)
	q3 := formulas.Quantile(valid, 0.75)
	iqr := q3 - q1
	lower := q1 - iqrMultiplier*iqr
	upper := q3 + iqrMultiplier*iqr

	for i, x := range vals {
		if math.IsNaN(x) {
			continue
		}
		flags[i] = x < lower || x > upper
	}
	return flags
}

// Package vulnerability computes the composite market-vulnerability signal,
// classifies it into risk levels and detects sustained crisis periods.
//
// The signal is the spread between the leverage z-score and the volatility
// z-score: stretched leverage that is not yet priced into volatility reads as
// fragility, while high volatility with low leverage reads as an already
// corrected market.
package vulnerability

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/config"
	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/internal/rolling"
	"github.com/marginscope/marginscope/pkg/formulas"
)

// Index computes and classifies the vulnerability signal.
type Index struct {
	cfg config.AnalysisConfig
	log zerolog.Logger
}

func New(cfg config.AnalysisConfig, log zerolog.Logger) *Index {
	return &Index{
		cfg: cfg,
		log: log.With().Str("component", "vulnerability").Logger(),
	}
}

// Compute returns vulnerability = z(leverage) − z(volatility) over the
// configured rolling window. A nil volatility series degrades to a constant
// zero z-score, so the signal reduces to the leverage z-score alone; an entry
// is absent whenever either z-score is absent.
func (x *Index) Compute(leverage, volatility *domain.Series) (*domain.Series, error) {
	window := x.cfg.ZScoreWindowMonths
	minPeriods := x.cfg.MinPeriods()

	levZ, err := rolling.ZScore(leverage, window, minPeriods)
	if err != nil {
		return nil, &domain.CalculationError{Indicator: "vulnerability", Err: err}
	}

	var volZ *domain.Series
	if volatility == nil {
		x.log.Warn().Msg("volatility series unavailable, using constant zero z-score")
		volZ = domain.ConstantSeries(leverage.Times(), 0)
	} else {
		if volatility.Len() != leverage.Len() {
			return nil, &domain.DataLengthMismatch{
				Left: domain.ColMarketLeverageRatio, Right: domain.ColVIXIndex,
				LeftLen: leverage.Len(), RightLen: volatility.Len(),
			}
		}
		volZ, err = rolling.ZScore(volatility, window, minPeriods)
		if err != nil {
			return nil, &domain.CalculationError{Indicator: "vulnerability", Err: err}
		}
	}

	out := make([]float64, levZ.Len())
	for i := range out {
		out[i] = levZ.Value(i) - volZ.Value(i)
	}
	return leverage.WithValues(out)
}

// ClassifyRiskLevel maps one vulnerability value onto the risk ladder. The
// ladder is order-sensitive: extreme_high wins over high, and the low branch
// is checked before the medium fallback. Absent values classify as medium.
func (x *Index) ClassifyRiskLevel(v float64) domain.RiskLevel {
	switch {
	case math.IsNaN(v):
		return domain.RiskMedium
	case v >= x.cfg.ExtremeHighThreshold:
		return domain.RiskExtremeHigh
	case v >= x.cfg.HighThreshold:
		return domain.RiskHigh
	case v <= x.cfg.LowThreshold:
		return domain.RiskLow
	default:
		return domain.RiskMedium
	}
}

// ClassifyAll applies the risk ladder to every entry.
func (x *Index) ClassifyAll(vulnerability *domain.Series) []domain.RiskLevel {
	out := make([]domain.RiskLevel, vulnerability.Len())
	for i := range out {
		out[i] = x.ClassifyRiskLevel(vulnerability.Value(i))
	}
	return out
}

// DetectCrisisPeriods finds maximal runs of consecutive entries strictly
// above the crisis threshold. A run ends at its last above-threshold entry.
// Duration is counted inclusively, through to the first observation back
// below the threshold, so a run covering k monthly periods lasts k months'
// worth of days; a run still open at the end of the data extrapolates one
// month past its final timestamp. Runs shorter than the configured minimum
// duration are dropped.
func (x *Index) DetectCrisisPeriods(vulnerability *domain.Series) []domain.CrisisPeriod {
	var periods []domain.CrisisPeriod

	start := -1
	maxV := math.Inf(-1)
	flush := func(last int) {
		if start < 0 {
			return
		}
		startT := vulnerability.Time(start)
		endT := vulnerability.Time(last)
		endExclusive := endT.AddDate(0, 1, 0)
		if last+1 < vulnerability.Len() {
			endExclusive = vulnerability.Time(last + 1)
		}
		days := int(endExclusive.Sub(startT).Hours() / 24)
		if days >= x.cfg.MinCrisisDurationDays {
			periods = append(periods, domain.CrisisPeriod{
				StartDate:        startT,
				EndDate:          endT,
				DurationDays:     days,
				MaxVulnerability: maxV,
			})
		}
		start = -1
		maxV = math.Inf(-1)
	}

	for i := 0; i < vulnerability.Len(); i++ {
		v := vulnerability.Value(i)
		above := !math.IsNaN(v) && v > x.cfg.CrisisThreshold
		if above {
			if start < 0 {
				start = i
			}
			if v > maxV {
				maxV = v
			}
		} else {
			flush(i - 1)
		}
	}
	flush(vulnerability.Len() - 1)

	x.log.Debug().
		Int("periods", len(periods)).
		Float64("threshold", x.cfg.CrisisThreshold).
		Msg("crisis detection complete")
	return periods
}

// Summarize produces distribution statistics over the vulnerability series
// and its classification. Absent entries are excluded from the statistics but
// still counted in the risk distribution (as medium).
func (x *Index) Summarize(vulnerability *domain.Series, levels []domain.RiskLevel) domain.RiskSummary {
	valid := make([]float64, 0, vulnerability.Len())
	for i := 0; i < vulnerability.Len(); i++ {
		if v := vulnerability.Value(i); !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}

	summary := domain.RiskSummary{
		RiskDistribution: make(map[domain.RiskLevel]int, 4),
	}
	if len(valid) > 0 {
		summary.MeanVulnerability = formulas.Round(formulas.Mean(valid), 4)
		summary.StdVulnerability = formulas.Round(formulas.StdDev(valid), 4)
		min, max := valid[0], valid[0]
		for _, v := range valid[1:] {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
		summary.MinVulnerability = min
		summary.MaxVulnerability = max
	}
	if vulnerability.Len() > 0 {
		summary.CurrentVulnerability = vulnerability.Value(vulnerability.Len() - 1)
	}

	summary.CurrentRiskLevel = domain.RiskMedium
	if len(levels) > 0 {
		summary.CurrentRiskLevel = levels[len(levels)-1]
	}
	for _, lvl := range levels {
		summary.RiskDistribution[lvl]++
		switch lvl {
		case domain.RiskExtremeHigh:
			summary.ExtremeHighPeriods++
		case domain.RiskHigh:
			summary.HighRiskPeriods++
		case domain.RiskLow:
			summary.LowRiskPeriods++
		}
	}
	return summary
}

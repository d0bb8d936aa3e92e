// Package regime maps the vulnerability index and auxiliary market signals
// onto a market-regime label and a composite 0-100 risk score.
package regime

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/config"
	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/pkg/formulas"
)

// Signals are the per-row inputs to the classifier. Any absent value
// (NaN) degrades the affected sub-signal rather than failing the row.
type Signals struct {
	Vulnerability     float64
	MarketLeverage    float64 // market leverage ratio
	VolatilityIndex   float64
	LeverageYoYPct    float64 // year-over-year leverage growth, percent
	MoneySupplyQoQPct float64 // 3-month money supply growth, percent
}

// Classifier turns signals into regime labels and composite scores.
type Classifier struct {
	cfg config.AnalysisConfig
	log zerolog.Logger
}

func New(cfg config.AnalysisConfig, log zerolog.Logger) *Classifier {
	return &Classifier{
		cfg: cfg,
		log: log.With().Str("component", "regime").Logger(),
	}
}

// Classify computes the full per-row risk assessment.
func (c *Classifier) Classify(s Signals) domain.RiskClassification {
	return domain.RiskClassification{
		VulnerabilityIndex: s.Vulnerability,
		RiskLevel:          c.riskLevel(s.Vulnerability),
		RiskScore:          c.Score(s),
		RegimeLabel:        c.Regime(s),
	}
}

// Score is the weighted composite of five sub-signals. The vulnerability
// component maps the index linearly from the low threshold (score 0) to the
// extreme-high threshold (score 100); an absent index contributes a neutral
// 50. The four boolean sub-signals each contribute 0 or 100.
func (c *Classifier) Score(s Signals) float64 {
	score := c.cfg.WeightVulnerability * c.vulnerabilityScore(s.Vulnerability)
	score += c.cfg.WeightOverheating * boolScore(c.Overheating(s.MarketLeverage))
	score += c.cfg.WeightLeverageAccel * boolScore(c.LeverageAccelerating(s.LeverageYoYPct))
	score += c.cfg.WeightVolatilityPanic * boolScore(c.VolatilityPanic(s.VolatilityIndex))
	score += c.cfg.WeightMoneySupplyShock * boolScore(c.MoneySupplyShock(s.MoneySupplyQoQPct))
	return formulas.Round(formulas.Clip(score, 0, 100), 2)
}

// Overheating reports whether the market leverage ratio exceeds the
// overheating threshold. Absent input is not overheating.
func (c *Classifier) Overheating(leverageRatio float64) bool {
	return !math.IsNaN(leverageRatio) && leverageRatio > c.cfg.OverheatingLeverageRatio
}

// LeverageAccelerating reports whether year-over-year leverage growth exceeds
// the acceleration threshold.
func (c *Classifier) LeverageAccelerating(yoyPct float64) bool {
	return !math.IsNaN(yoyPct) && yoyPct > c.cfg.LeverageAccelYoYPct
}

// VolatilityPanic reports whether the volatility index is at panic levels.
func (c *Classifier) VolatilityPanic(vol float64) bool {
	return !math.IsNaN(vol) && vol > c.cfg.VolatilityPanicLevel
}

// MoneySupplyShock reports whether the absolute 3-month money supply growth
// exceeds the shock threshold, in either direction.
func (c *Classifier) MoneySupplyShock(qoqPct float64) bool {
	return !math.IsNaN(qoqPct) && math.Abs(qoqPct) > c.cfg.MoneySupplyShockPct
}

// Regime places the row in the leverage/volatility quadrant. A row missing
// either axis cannot be placed and is undetermined.
func (c *Classifier) Regime(s Signals) domain.RegimeLabel {
	if math.IsNaN(s.MarketLeverage) || math.IsNaN(s.VolatilityIndex) {
		return domain.RegimeUndetermined
	}

	highLeverage := s.MarketLeverage > c.cfg.RegimeLeverageHigh
	highVolatility := s.VolatilityIndex > c.cfg.RegimeVolatilityHigh

	switch {
	case highLeverage && !highVolatility:
		return domain.RegimeBubbleInflation
	case highLeverage && highVolatility:
		return domain.RegimePanicCorrection
	case !highLeverage && !highVolatility:
		return domain.RegimeGoldenAge
	default:
		return domain.RegimeRationalPullback
	}
}

func (c *Classifier) vulnerabilityScore(v float64) float64 {
	if math.IsNaN(v) {
		return 50
	}
	span := c.cfg.ExtremeHighThreshold - c.cfg.LowThreshold
	if span <= 0 {
		return 50
	}
	return formulas.Clip((v-c.cfg.LowThreshold)/span*100, 0, 100)
}

// riskLevel mirrors the vulnerability ladder so a classification row is
// self-contained.
func (c *Classifier) riskLevel(v float64) domain.RiskLevel {
	switch {
	case math.IsNaN(v):
		return domain.RiskMedium
	case v >= c.cfg.ExtremeHighThreshold:
		return domain.RiskExtremeHigh
	case v >= c.cfg.HighThreshold:
		return domain.RiskHigh
	case v <= c.cfg.LowThreshold:
		return domain.RiskLow
	default:
		return domain.RiskMedium
	}
}

func boolScore(b bool) float64 {
	if b {
		return 100
	}
	return 0
}

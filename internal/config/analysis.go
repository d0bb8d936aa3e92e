package config

import "fmt"

// AnalysisConfig carries every numeric threshold, window and weight used by
// the calculation engine. It is loaded once per process and treated as
// read-only after construction, so the same calculation is reproducible with
// different configurations side by side.
type AnalysisConfig struct {
	// Rolling z-score parameters. Window units are months: the pipeline
	// operates on a monthly grid, so "approximately one year" is 12 periods.
	// Callers running the engine on daily series must pass daily windows.
	ZScoreWindowMonths int
	ZScoreMinPeriods   int // defaults to window/2 when zero

	// Alignment.
	ToleranceDays int // max observed span (days) an interpolation may bridge

	// Risk-level ladder, evaluated in order: extreme_high, high, low, medium.
	ExtremeHighThreshold float64
	HighThreshold        float64
	LowThreshold         float64

	// Crisis detection.
	CrisisThreshold       float64
	MinCrisisDurationDays int

	// Clip bounds.
	MarketLeverageClipLow  float64
	MarketLeverageClipHigh float64
	MoneySupplyClipLow     float64
	MoneySupplyClipHigh    float64
	ChangeRateClipLow      float64
	ChangeRateClipHigh     float64

	// Composite risk-score weights. Must sum to 1.
	WeightVulnerability    float64
	WeightOverheating      float64
	WeightLeverageAccel    float64
	WeightVolatilityPanic  float64
	WeightMoneySupplyShock float64

	// Boolean sub-signal thresholds.
	OverheatingLeverageRatio float64 // market leverage ratio above this => overheating
	LeverageAccelYoYPct      float64 // YoY leverage growth above this => acceleration
	VolatilityPanicLevel     float64 // volatility index above this => panic
	MoneySupplyShockPct      float64 // abs 3-month M2 growth above this => shock

	// Regime quadrant thresholds.
	RegimeLeverageHigh   float64
	RegimeVolatilityHigh float64

	// Modeling assumptions carried over from the source data set, exposed as
	// named overridable defaults rather than constants.
	CashBalanceFactor    float64 // assumed cash balance as a fraction of margin debt
	MarketCushionRate    float64 // market cushion as a fraction of market cap
	MarketCapScaleFactor float64 // sp500_market_cap = sp500_index * this
}

// DefaultAnalysisConfig returns the standard configuration.
func DefaultAnalysisConfig() AnalysisConfig {
	return AnalysisConfig{
		ZScoreWindowMonths: 12,
		ZScoreMinPeriods:   6,

		ToleranceDays: 65, // bridges a single missing month on the monthly grid

		ExtremeHighThreshold: 3.0,
		HighThreshold:        1.5,
		LowThreshold:         -3.0,

		CrisisThreshold:       2.0,
		// Three monthly periods. Below three months' shortest span (89 days,
		// Feb-Apr) but above the longest two-month span (62 days).
		MinCrisisDurationDays: 80,

		MarketLeverageClipLow:  0.001,
		MarketLeverageClipHigh: 0.50,
		MoneySupplyClipLow:     0.001,
		MoneySupplyClipHigh:    0.20,
		ChangeRateClipLow:      -100,
		ChangeRateClipHigh:     500,

		WeightVulnerability:    0.40,
		WeightOverheating:      0.20,
		WeightLeverageAccel:    0.20,
		WeightVolatilityPanic:  0.10,
		WeightMoneySupplyShock: 0.10,

		OverheatingLeverageRatio: 0.15,
		LeverageAccelYoYPct:      15.0,
		VolatilityPanicLevel:     30.0,
		MoneySupplyShockPct:      5.0,

		RegimeLeverageHigh:   0.15,
		RegimeVolatilityHigh: 30.0,

		CashBalanceFactor:    0.5,
		MarketCushionRate:    0.1,
		MarketCapScaleFactor: 400,
	}
}

// MinPeriods resolves the effective minimum-observation requirement.
func (c AnalysisConfig) MinPeriods() int {
	if c.ZScoreMinPeriods > 0 {
		return c.ZScoreMinPeriods
	}
	return c.ZScoreWindowMonths / 2
}

// Validate checks parameter consistency
func (c AnalysisConfig) Validate() error {
	if c.ZScoreWindowMonths < 3 {
		return fmt.Errorf("z-score window must be at least 3, got %d", c.ZScoreWindowMonths)
	}
	if c.HighThreshold >= c.ExtremeHighThreshold {
		return fmt.Errorf("high threshold %.2f must be below extreme_high threshold %.2f",
			c.HighThreshold, c.ExtremeHighThreshold)
	}
	if c.LowThreshold >= c.HighThreshold {
		return fmt.Errorf("low threshold %.2f must be below high threshold %.2f",
			c.LowThreshold, c.HighThreshold)
	}
	sum := c.WeightVulnerability + c.WeightOverheating + c.WeightLeverageAccel +
		c.WeightVolatilityPanic + c.WeightMoneySupplyShock
	if sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("risk score weights must sum to 1.0, got %.4f", sum)
	}
	return nil
}

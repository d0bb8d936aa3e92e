package domain

import "time"

// DataGap is a span between consecutive observations that exceeds the
// expected monthly spacing.
type DataGap struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// QualityReport summarizes data-quality characteristics of a table. Quality
// issues are reported here, never raised as errors: a small missing-data rate
// must not halt a long calculation.
type QualityReport struct {
	TotalRows      int       `json:"total_rows"`
	MissingDataPct float64   `json:"missing_data_pct"` // 0-100
	OutliersCount  int       `json:"outliers_count"`
	DataGaps       []DataGap `json:"data_gaps"`
	QualityScore   float64   `json:"quality_score"` // 0-100
	IsValid        bool      `json:"is_valid"`      // QualityScore >= 70
}

// RiskLevel is the four-step vulnerability classification.
type RiskLevel string

const (
	RiskLow         RiskLevel = "low"
	RiskMedium      RiskLevel = "medium"
	RiskHigh        RiskLevel = "high"
	RiskExtremeHigh RiskLevel = "extreme_high"
)

// RegimeLabel is the market-regime quadrant classification.
type RegimeLabel string

const (
	RegimeGoldenAge        RegimeLabel = "golden_age"
	RegimeBubbleInflation  RegimeLabel = "bubble_inflation"
	RegimePanicCorrection  RegimeLabel = "panic_correction"
	RegimeRationalPullback RegimeLabel = "rational_pullback"
	RegimeUndetermined     RegimeLabel = "undetermined"
)

// RiskClassification is the per-row risk assessment, derived purely from
// already-computed table values.
type RiskClassification struct {
	VulnerabilityIndex float64     `json:"vulnerability_index"`
	RiskLevel          RiskLevel   `json:"risk_level"`
	RiskScore          float64     `json:"risk_score"` // 0-100
	RegimeLabel        RegimeLabel `json:"regime_label"`
}

// CrisisPeriod is a maximal contiguous span where the vulnerability index
// exceeded the crisis threshold for at least the minimum duration.
type CrisisPeriod struct {
	StartDate        time.Time `json:"start_date"`
	EndDate          time.Time `json:"end_date"`
	DurationDays     int       `json:"duration_days"`
	MaxVulnerability float64   `json:"max_vulnerability"`
}

// RiskSummary aggregates the vulnerability series and its classification.
type RiskSummary struct {
	MeanVulnerability    float64           `json:"mean_vulnerability"`
	StdVulnerability     float64           `json:"std_vulnerability"`
	MinVulnerability     float64           `json:"min_vulnerability"`
	MaxVulnerability     float64           `json:"max_vulnerability"`
	CurrentVulnerability float64           `json:"current_vulnerability"`
	CurrentRiskLevel     RiskLevel         `json:"current_risk_level"`
	RiskDistribution     map[RiskLevel]int `json:"risk_distribution"`
	ExtremeHighPeriods   int               `json:"extreme_high_periods"`
	HighRiskPeriods      int               `json:"high_risk_periods"`
	LowRiskPeriods       int               `json:"low_risk_periods"`
}

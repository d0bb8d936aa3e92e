package domain

import (
	"math"
	"time"
)

// Canonical column names used across the pipeline.
const (
	ColMarginDebt       = "margin_debt"
	ColSP500MarketCap   = "sp500_market_cap"
	ColM2MoneySupply    = "m2_money_supply"
	ColFederalFundsRate = "federal_funds_rate"
	ColVIXIndex         = "vix_index"
	ColSP500Index       = "sp500_index"
	ColFinraDebit       = "finra_debit"
	ColFinraCashCredit  = "finra_cash_credit"
	ColFinraMarginCred  = "finra_margin_credit"

	ColMarketLeverageRatio = "market_leverage_ratio"
	ColMoneySupplyRatio    = "money_supply_ratio"
	ColLeverageNet         = "leverage_net"
	ColLeverageNormalized  = "leverage_normalized"
	ColInvestorNetWorth    = "investor_net_worth"
	ColLeverageChangeMoM   = "leverage_change_mom"
	ColLeverageChangeQoQ   = "leverage_change_qoq"
	ColLeverageChangeYoY   = "leverage_change_yoy"
	ColLeverageZScore      = "leverage_zscore"
	ColVIXZScore           = "vix_zscore"
	ColVulnerability       = "vulnerability_index"
	ColRiskScore           = "risk_score"
	ColMarketMomentum      = "market_momentum"
	ColLeverageAccel       = "leverage_acceleration"
	ColLeverageTrend       = "leverage_trend"

	ColSP500RSI = "sp500_rsi"

	ColRiskLevel        = "risk_level"
	ColRegimeLabel      = "market_regime"
	ColVolatilityRegime = "volatility_regime"

	// MissingSuffix marks the boolean companion column recording which values
	// were absent before interpolation.
	MissingSuffix = "_missing"
	// AnomalySuffix marks per-column IQR anomaly flag columns.
	AnomalySuffix = "_anomaly"
	// ColAnomalyFlag is the row-level OR of all per-column anomaly flags.
	ColAnomalyFlag = "anomaly_flag"
)

// Table is a month-indexed table of named numeric columns plus boolean flag
// columns and string label columns. The row index is monotonically increasing
// and duplicate-free. Tables have copy-on-write semantics: With* methods
// return a new Table sharing nothing mutable with the receiver.
type Table struct {
	index []time.Time

	order []string
	cols  map[string][]float64

	flagOrder []string
	flags     map[string][]bool

	labelOrder []string
	labels     map[string][]string
}

// NewTable creates an empty table over the given index.
func NewTable(index []time.Time) *Table {
	idx := make([]time.Time, len(index))
	copy(idx, index)
	return &Table{
		index:  idx,
		cols:   map[string][]float64{},
		flags:  map[string][]bool{},
		labels: map[string][]string{},
	}
}

// NumRows returns the number of rows.
func (t *Table) NumRows() int { return len(t.index) }

// Index returns a copy of the row index.
func (t *Table) Index() []time.Time {
	out := make([]time.Time, len(t.index))
	copy(out, t.index)
	return out
}

// Columns returns numeric column names in insertion order.
func (t *Table) Columns() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}

// FlagColumns returns boolean column names in insertion order.
func (t *Table) FlagColumns() []string {
	out := make([]string, len(t.flagOrder))
	copy(out, t.flagOrder)
	return out
}

// LabelColumns returns string column names in insertion order.
func (t *Table) LabelColumns() []string {
	out := make([]string, len(t.labelOrder))
	copy(out, t.labelOrder)
	return out
}

// HasColumn reports whether a numeric column exists.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.cols[name]
	return ok
}

// ColumnValues returns a copy of a numeric column's values.
func (t *Table) ColumnValues(name string) ([]float64, bool) {
	vals, ok := t.cols[name]
	if !ok {
		return nil, false
	}
	out := make([]float64, len(vals))
	copy(out, vals)
	return out, true
}

// Column returns a numeric column as a Series on the table index.
func (t *Table) Column(name string) (*Series, bool) {
	vals, ok := t.ColumnValues(name)
	if !ok {
		return nil, false
	}
	s, err := SeriesFromValues(t.index, vals)
	if err != nil {
		return nil, false
	}
	return s, true
}

// Flag returns a copy of a boolean column's values.
func (t *Table) Flag(name string) ([]bool, bool) {
	vals, ok := t.flags[name]
	if !ok {
		return nil, false
	}
	out := make([]bool, len(vals))
	copy(out, vals)
	return out, true
}

// Label returns a copy of a string column's values.
func (t *Table) Label(name string) ([]string, bool) {
	vals, ok := t.labels[name]
	if !ok {
		return nil, false
	}
	out := make([]string, len(vals))
	copy(out, vals)
	return out, true
}

// Clone returns a deep copy of the table.
func (t *Table) Clone() *Table {
	out := NewTable(t.index)
	for _, name := range t.order {
		vals := make([]float64, len(t.cols[name]))
		copy(vals, t.cols[name])
		out.order = append(out.order, name)
		out.cols[name] = vals
	}
	for _, name := range t.flagOrder {
		vals := make([]bool, len(t.flags[name]))
		copy(vals, t.flags[name])
		out.flagOrder = append(out.flagOrder, name)
		out.flags[name] = vals
	}
	for _, name := range t.labelOrder {
		vals := make([]string, len(t.labels[name]))
		copy(vals, t.labels[name])
		out.labelOrder = append(out.labelOrder, name)
		out.labels[name] = vals
	}
	return out
}

// WithColumn returns a new table with the numeric column set (added or
// replaced). The values slice must match the row count.
func (t *Table) WithColumn(name string, values []float64) (*Table, error) {
	if len(values) != len(t.index) {
		return nil, &DataLengthMismatch{
			Left: "index", Right: name,
			LeftLen: len(t.index), RightLen: len(values),
		}
	}
	out := t.Clone()
	vals := make([]float64, len(values))
	copy(vals, values)
	if _, exists := out.cols[name]; !exists {
		out.order = append(out.order, name)
	}
	out.cols[name] = vals
	return out, nil
}

// WithSeries sets a numeric column from a Series sharing the table index.
func (t *Table) WithSeries(name string, s *Series) (*Table, error) {
	if s.Len() != len(t.index) {
		return nil, &DataLengthMismatch{
			Left: "index", Right: name,
			LeftLen: len(t.index), RightLen: s.Len(),
		}
	}
	return t.WithColumn(name, s.Values())
}

// WithFlagColumn returns a new table with the boolean column set.
func (t *Table) WithFlagColumn(name string, values []bool) (*Table, error) {
	if len(values) != len(t.index) {
		return nil, &DataLengthMismatch{
			Left: "index", Right: name,
			LeftLen: len(t.index), RightLen: len(values),
		}
	}
	out := t.Clone()
	vals := make([]bool, len(values))
	copy(vals, values)
	if _, exists := out.flags[name]; !exists {
		out.flagOrder = append(out.flagOrder, name)
	}
	out.flags[name] = vals
	return out, nil
}

// WithLabelColumn returns a new table with the string column set.
func (t *Table) WithLabelColumn(name string, values []string) (*Table, error) {
	if len(values) != len(t.index) {
		return nil, &DataLengthMismatch{
			Left: "index", Right: name,
			LeftLen: len(t.index), RightLen: len(values),
		}
	}
	out := t.Clone()
	vals := make([]string, len(values))
	copy(vals, values)
	if _, exists := out.labels[name]; !exists {
		out.labelOrder = append(out.labelOrder, name)
	}
	out.labels[name] = vals
	return out, nil
}

// MissingCells counts NaN cells across numeric columns only; flag and label
// companions are never part of the denominator.
func (t *Table) MissingCells() (missing, total int) {
	for _, name := range t.order {
		for _, v := range t.cols[name] {
			total++
			if math.IsNaN(v) {
				missing++
			}
		}
	}
	return missing, total
}

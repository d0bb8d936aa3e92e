package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func month(y int, m time.Month) time.Time {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

func TestNewSeries_SortsAndDeduplicates(t *testing.T) {
	s := NewSeries([]Point{
		{Time: month(2020, 3), Value: 3.0},
		{Time: month(2020, 1), Value: 1.0},
		{Time: month(2020, 2), Value: 2.0},
		{Time: month(2020, 1), Value: 1.5}, // duplicate, last write wins
	})

	require.Equal(t, 3, s.Len())
	assert.Equal(t, month(2020, 1), s.Time(0))
	assert.Equal(t, 1.5, s.Value(0))
	assert.Equal(t, 2.0, s.Value(1))
	assert.Equal(t, 3.0, s.Value(2))
}

func TestSeriesFromValues_RejectsUnsortedIndex(t *testing.T) {
	_, err := SeriesFromValues(
		[]time.Time{month(2020, 2), month(2020, 1)},
		[]float64{1, 2},
	)
	require.Error(t, err)
	assert.IsType(t, &ValidationError{}, err)
}

func TestSeriesFromValues_RejectsLengthMismatch(t *testing.T) {
	_, err := SeriesFromValues([]time.Time{month(2020, 1)}, []float64{1, 2})
	require.Error(t, err)
	assert.IsType(t, &DataLengthMismatch{}, err)
}

func TestSeries_ValuesAreCopies(t *testing.T) {
	s, err := SeriesFromValues(
		[]time.Time{month(2020, 1), month(2020, 2)},
		[]float64{1, 2},
	)
	require.NoError(t, err)

	vals := s.Values()
	vals[0] = 99
	assert.Equal(t, 1.0, s.Value(0), "mutating the returned slice must not affect the series")
}

func TestSeries_ValidCount(t *testing.T) {
	s, err := SeriesFromValues(
		[]time.Time{month(2020, 1), month(2020, 2), month(2020, 3)},
		[]float64{1, math.NaN(), 3},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, s.ValidCount())
}

func TestMonthRange(t *testing.T) {
	from := time.Date(2020, 1, 15, 10, 0, 0, 0, time.UTC)
	to := time.Date(2020, 4, 2, 0, 0, 0, 0, time.UTC)

	idx := MonthRange(from, to)
	require.Len(t, idx, 4)
	assert.Equal(t, month(2020, 1), idx[0])
	assert.Equal(t, month(2020, 4), idx[3])
}

func TestTable_CopyOnWrite(t *testing.T) {
	idx := []time.Time{month(2020, 1), month(2020, 2)}
	base := NewTable(idx)

	withCol, err := base.WithColumn(ColMarginDebt, []float64{0.8, 0.85})
	require.NoError(t, err)

	assert.False(t, base.HasColumn(ColMarginDebt), "original table must be unchanged")
	assert.True(t, withCol.HasColumn(ColMarginDebt))

	vals, ok := withCol.ColumnValues(ColMarginDebt)
	require.True(t, ok)
	vals[0] = 99
	again, _ := withCol.ColumnValues(ColMarginDebt)
	assert.Equal(t, 0.8, again[0])
}

func TestTable_WithColumnLengthMismatch(t *testing.T) {
	base := NewTable([]time.Time{month(2020, 1)})
	_, err := base.WithColumn("x", []float64{1, 2})
	require.Error(t, err)
	assert.IsType(t, &DataLengthMismatch{}, err)
}

func TestTable_MissingCellsExcludesFlagColumns(t *testing.T) {
	idx := []time.Time{month(2020, 1), month(2020, 2)}
	tbl := NewTable(idx)
	tbl, err := tbl.WithColumn("a", []float64{1, math.NaN()})
	require.NoError(t, err)
	tbl, err = tbl.WithFlagColumn("a"+MissingSuffix, []bool{false, true})
	require.NoError(t, err)

	missing, total := tbl.MissingCells()
	assert.Equal(t, 1, missing)
	assert.Equal(t, 2, total, "flag columns are not part of the denominator")
}

func TestTableSnapshot_RoundTrip(t *testing.T) {
	idx := []time.Time{month(2020, 1), month(2020, 2)}
	tbl := NewTable(idx)
	tbl, _ = tbl.WithColumn("a", []float64{1, 2})
	tbl, _ = tbl.WithFlagColumn("f", []bool{true, false})
	tbl, _ = tbl.WithLabelColumn("l", []string{"x", "y"})

	restored := TableFromSnapshot(tbl.Snapshot())

	assert.Equal(t, tbl.Index(), restored.Index())
	vals, ok := restored.ColumnValues("a")
	require.True(t, ok)
	assert.Equal(t, []float64{1, 2}, vals)
	flags, ok := restored.Flag("f")
	require.True(t, ok)
	assert.Equal(t, []bool{true, false}, flags)
	labels, ok := restored.Label("l")
	require.True(t, ok)
	assert.Equal(t, []string{"x", "y"}, labels)
}

package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/marginscope/marginscope/internal/cache"
	"github.com/marginscope/marginscope/internal/config"
	"github.com/marginscope/marginscope/internal/domain"
)

type fakeLoader struct {
	table *domain.Table
	err   error
	calls int
}

func (f *fakeLoader) LoadFile(path string) (*domain.Table, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.table, nil
}

type fakeMacro struct {
	series map[string]*domain.Series
	err    error
}

func (f *fakeMacro) FetchSeries(ctx context.Context, seriesID string, start, end time.Time) (*domain.Series, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.series[seriesID]
	if !ok {
		return nil, &domain.DataSourceError{Source: "fred", Err: fmt.Errorf("no such series %s", seriesID)}
	}
	return s, nil
}

type fakeQuotes struct {
	series map[string]*domain.Series
	err    error
}

func (f *fakeQuotes) MonthlyCloses(ctx context.Context, symbol string, start, end time.Time) (*domain.Series, error) {
	if f.err != nil {
		return nil, f.err
	}
	s, ok := f.series[symbol]
	if !ok {
		return nil, &domain.DataSourceError{Source: "quotes", Err: fmt.Errorf("no such symbol %s", symbol)}
	}
	return s, nil
}

const testMonths = 24

func monthlyIndex(n int) []time.Time {
	out := make([]time.Time, n)
	for i := range out {
		out[i] = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC).AddDate(0, i, 0)
	}
	return out
}

func syntheticSeries(t *testing.T, base, step float64) *domain.Series {
	t.Helper()
	index := monthlyIndex(testMonths)
	values := make([]float64, testMonths)
	for i := range values {
		values[i] = base + step*float64(i)
	}
	s, err := domain.SeriesFromValues(index, values)
	require.NoError(t, err)
	return s
}

func finraTable(t *testing.T) *domain.Table {
	t.Helper()
	index := monthlyIndex(testMonths)
	debit := make([]float64, testMonths)
	cash := make([]float64, testMonths)
	margin := make([]float64, testMonths)
	for i := range debit {
		debit[i] = 500 + 5*float64(i)
		cash[i] = 120
		margin[i] = 60
	}

	tbl := domain.NewTable(index)
	var err error
	tbl, err = tbl.WithColumn(domain.ColFinraDebit, debit)
	require.NoError(t, err)
	tbl, err = tbl.WithColumn(domain.ColFinraCashCredit, cash)
	require.NoError(t, err)
	tbl, err = tbl.WithColumn(domain.ColFinraMarginCred, margin)
	require.NoError(t, err)
	return tbl
}

func testConfig() *config.Config {
	return &config.Config{
		FinraCSVPath: "margin-statistics.csv",
		StartDate:    time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		EndDate:      time.Date(2021, time.December, 1, 0, 0, 0, 0, time.UTC),
		CacheTTL:     time.Hour,
		Analysis:     config.DefaultAnalysisConfig(),
	}
}

func allSources(t *testing.T) (*fakeMacro, *fakeQuotes) {
	t.Helper()
	macro := &fakeMacro{series: map[string]*domain.Series{
		"M2SL": syntheticSeries(t, 15000, 40),
		"DFF":  syntheticSeries(t, 0.25, 0.05),
	}}
	quoteAPI := &fakeQuotes{series: map[string]*domain.Series{
		"^GSPC": syntheticSeries(t, 10, 0.05),
		"^VIX":  syntheticSeries(t, 15, 0.4),
	}}
	return macro, quoteAPI
}

func TestRun_FullPipeline(t *testing.T) {
	macro, quoteAPI := allSources(t)
	loader := &fakeLoader{table: finraTable(t)}
	svc := New(testConfig(), loader, macro, quoteAPI, nil, zerolog.Nop())

	res, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	require.Equal(t, testMonths, res.Table.NumRows())
	assert.NotEmpty(t, res.RunID)

	for _, col := range []string{
		domain.ColMarginDebt,
		domain.ColSP500MarketCap,
		domain.ColMarketLeverageRatio,
		domain.ColMoneySupplyRatio,
		domain.ColLeverageNet,
		domain.ColLeverageNormalized,
		domain.ColInvestorNetWorth,
		domain.ColLeverageChangeMoM,
		domain.ColLeverageChangeQoQ,
		domain.ColLeverageChangeYoY,
		domain.ColLeverageZScore,
		domain.ColVIXZScore,
		domain.ColVulnerability,
		domain.ColRiskScore,
		domain.ColMarketMomentum,
		domain.ColSP500RSI,
		domain.ColLeverageAccel,
		domain.ColLeverageTrend,
	} {
		assert.True(t, res.Table.HasColumn(col), "column %s missing", col)
	}

	for _, col := range []string{
		domain.ColRiskLevel,
		domain.ColRegimeLabel,
		domain.ColVolatilityRegime,
	} {
		_, ok := res.Table.Label(col)
		assert.True(t, ok, "label column %s missing", col)
	}

	// 500/(10*400) = 0.125, steady-state leverage in the clip interior.
	lev, ok := res.Table.ColumnValues(domain.ColMarketLeverageRatio)
	require.True(t, ok)
	assert.InDelta(t, 0.125, lev[0], 1e-9)

	assert.Equal(t, testMonths, res.Quality.TotalRows)
	assert.NotEmpty(t, res.InterestCost)
	assert.Greater(t, res.Coverage[domain.ColMarginDebt], 0.9)
	assert.NotEmpty(t, res.Summary.RiskDistribution)
	assert.NotEqual(t, domain.RegimeUndetermined, res.Current.RegimeLabel)
}

func TestRun_MissingMarginDataIsFatal(t *testing.T) {
	macro, quoteAPI := allSources(t)
	loader := &fakeLoader{err: &domain.DataSourceError{Source: "finra", Err: errors.New("no such file")}}
	svc := New(testConfig(), loader, macro, quoteAPI, nil, zerolog.Nop())

	_, err := svc.Run(context.Background(), false)
	require.Error(t, err)

	var srcErr *domain.DataSourceError
	require.True(t, errors.As(err, &srcErr))
	assert.Equal(t, "finra", srcErr.Source)
}

func TestRun_SecondarySourceFailureDegrades(t *testing.T) {
	loader := &fakeLoader{table: finraTable(t)}
	macro := &fakeMacro{err: errors.New("fred down")}
	quoteAPI := &fakeQuotes{err: errors.New("quotes down")}
	svc := New(testConfig(), loader, macro, quoteAPI, nil, zerolog.Nop())

	res, err := svc.Run(context.Background(), false)
	require.NoError(t, err)

	// FINRA-only columns survive; everything downstream of the failed
	// sources stays absent.
	assert.True(t, res.Table.HasColumn(domain.ColMarginDebt))
	assert.True(t, res.Table.HasColumn(domain.ColLeverageNet))
	assert.False(t, res.Table.HasColumn(domain.ColSP500MarketCap))
	assert.False(t, res.Table.HasColumn(domain.ColMarketLeverageRatio))
	assert.False(t, res.Table.HasColumn(domain.ColVulnerability))
	assert.Empty(t, res.Crises)
	assert.Empty(t, res.InterestCost)
	assert.Equal(t, domain.RegimeUndetermined, res.Current.RegimeLabel)
}

func TestRun_CachedResultSkipsRecompute(t *testing.T) {
	conn, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	defer conn.Close()
	store, err := cache.NewStore(conn)
	require.NoError(t, err)

	macro, quoteAPI := allSources(t)
	loader := &fakeLoader{table: finraTable(t)}
	svc := New(testConfig(), loader, macro, quoteAPI, store, zerolog.Nop())

	first, err := svc.Run(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, loader.calls)

	second, err := svc.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls, "cached run must not reload sources")
	assert.Equal(t, first.Table.NumRows(), second.Table.NumRows())
	assert.Equal(t, first.Summary, second.Summary)
	assert.NotEqual(t, first.RunID, second.RunID)

	third, err := svc.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls, "forced run recomputes")
	assert.Equal(t, first.Table.NumRows(), third.Table.NumRows())
}

func TestMerge_UnionOfMonths(t *testing.T) {
	macro, quoteAPI := allSources(t)
	loader := &fakeLoader{table: finraTable(t)}
	svc := New(testConfig(), loader, macro, quoteAPI, nil, zerolog.Nop())

	// One extra month of index data beyond the FINRA range.
	extraIndex := monthlyIndex(testMonths + 1)
	values := make([]float64, testMonths+1)
	for i := range values {
		values[i] = 10 + 0.05*float64(i)
	}
	sp500, err := domain.SeriesFromValues(extraIndex, values)
	require.NoError(t, err)

	merged, err := svc.merge(finraTable(t), map[string]*domain.Series{
		domain.ColSP500Index: sp500,
	})
	require.NoError(t, err)
	assert.Equal(t, testMonths+1, merged.NumRows())
	assert.True(t, merged.HasColumn(domain.ColMarginDebt))
	assert.True(t, merged.HasColumn(domain.ColSP500Index))
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marginscope/marginscope/internal/config"
	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/internal/pipeline"
	"github.com/marginscope/marginscope/internal/ratios"
)

func testServerConfig() *config.Config {
	return &config.Config{DataDir: os.TempDir()}
}

type fakeProvider struct {
	res    *pipeline.Result
	err    error
	forced bool
	calls  int
}

func (f *fakeProvider) Run(ctx context.Context, force bool) (*pipeline.Result, error) {
	f.calls++
	f.forced = force
	if f.err != nil {
		return nil, f.err
	}
	return f.res, nil
}

func testResult(t *testing.T) *pipeline.Result {
	t.Helper()
	index := []time.Time{
		time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, time.February, 1, 0, 0, 0, 0, time.UTC),
	}
	table := domain.NewTable(index)
	var err error
	table, err = table.WithColumn(domain.ColMarginDebt, []float64{500, math.NaN()})
	require.NoError(t, err)
	table, err = table.WithFlagColumn(domain.ColMarginDebt+domain.MissingSuffix, []bool{false, true})
	require.NoError(t, err)
	table, err = table.WithLabelColumn(domain.ColRiskLevel, []string{"medium", "high"})
	require.NoError(t, err)

	return &pipeline.Result{
		RunID:       "run-1",
		GeneratedAt: time.Date(2020, time.March, 1, 12, 0, 0, 0, time.UTC),
		Table:       table,
		Quality: domain.QualityReport{
			TotalRows:    2,
			QualityScore: 95,
			IsValid:      true,
		},
		Crises: []domain.CrisisPeriod{{
			StartDate:        index[0],
			EndDate:          index[1],
			DurationDays:     31,
			MaxVulnerability: 2.4,
		}},
		Summary: domain.RiskSummary{
			MeanVulnerability: 0.5,
			CurrentRiskLevel:  domain.RiskMedium,
			RiskDistribution:  map[domain.RiskLevel]int{domain.RiskMedium: 2},
		},
		Current: domain.RiskClassification{
			VulnerabilityIndex: math.NaN(),
			RiskLevel:          domain.RiskMedium,
			RiskScore:          20,
			RegimeLabel:        domain.RegimeUndetermined,
		},
		InterestCost: []ratios.InterestCostPoint{{
			Date:        index[1],
			Correlation: 0.9,
			Slope:       2.0,
			RSquared:    0.81,
			PValue:      math.NaN(),
			SampleSize:  12,
		}},
		Coverage: map[string]float64{domain.ColMarginDebt: 0.5},
	}
}

func TestHandleDataset(t *testing.T) {
	provider := &fakeProvider{res: testResult(t)}
	h := NewHandlers(provider, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.HandleDataset(rec, httptest.NewRequest("GET", "/api/dataset", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		RunID   string                `json:"run_id"`
		Index   []string              `json:"index"`
		Columns map[string][]*float64 `json:"columns"`
		Flags   map[string][]bool     `json:"flags"`
		Labels  map[string][]string   `json:"labels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, []string{"2020-01-01", "2020-02-01"}, resp.Index)

	debit := resp.Columns[domain.ColMarginDebt]
	require.Len(t, debit, 2)
	require.NotNil(t, debit[0])
	assert.InDelta(t, 500, *debit[0], 1e-9)
	assert.Nil(t, debit[1], "absent values must encode as null")
	assert.Equal(t, []bool{false, true}, resp.Flags[domain.ColMarginDebt+domain.MissingSuffix])
	assert.Equal(t, []string{"medium", "high"}, resp.Labels[domain.ColRiskLevel])
	assert.False(t, provider.forced, "read endpoints must not force recompute")
}

func TestHandleQuality(t *testing.T) {
	h := NewHandlers(&fakeProvider{res: testResult(t)}, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.HandleQuality(rec, httptest.NewRequest("GET", "/api/quality", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report domain.QualityReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 2, report.TotalRows)
	assert.InDelta(t, 95.0, report.QualityScore, 1e-9)
	assert.True(t, report.IsValid)
}

func TestHandleCrises_EmptyIsArray(t *testing.T) {
	res := testResult(t)
	res.Crises = nil
	h := NewHandlers(&fakeProvider{res: res}, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.HandleCrises(rec, httptest.NewRequest("GET", "/api/crises", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestHandleRisk_NaNBecomesNull(t *testing.T) {
	h := NewHandlers(&fakeProvider{res: testResult(t)}, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.HandleRisk(rec, httptest.NewRequest("GET", "/api/risk", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Current struct {
			VulnerabilityIndex *float64 `json:"vulnerability_index"`
			RiskLevel          string   `json:"risk_level"`
			RiskScore          float64  `json:"risk_score"`
		} `json:"current"`
		InterestCost []struct {
			Date   string   `json:"date"`
			Slope  *float64 `json:"slope"`
			PValue *float64 `json:"p_value"`
		} `json:"interest_cost"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Nil(t, resp.Current.VulnerabilityIndex)
	assert.Equal(t, "medium", resp.Current.RiskLevel)
	assert.InDelta(t, 20.0, resp.Current.RiskScore, 1e-9)
	require.Len(t, resp.InterestCost, 1)
	assert.Equal(t, "2020-02-01", resp.InterestCost[0].Date)
	require.NotNil(t, resp.InterestCost[0].Slope)
	assert.InDelta(t, 2.0, *resp.InterestCost[0].Slope, 1e-9)
	assert.Nil(t, resp.InterestCost[0].PValue)
}

func TestHandleSummary(t *testing.T) {
	h := NewHandlers(&fakeProvider{res: testResult(t)}, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.HandleSummary(rec, httptest.NewRequest("GET", "/api/summary", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp summaryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.MeanVulnerability)
	assert.InDelta(t, 0.5, *resp.MeanVulnerability, 1e-9)
	assert.Equal(t, "medium", resp.CurrentRiskLevel)
	assert.Equal(t, 2, resp.RiskDistribution[domain.RiskMedium])
}

func TestHandleExportCSV(t *testing.T) {
	h := NewHandlers(&fakeProvider{res: testResult(t)}, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.HandleExportCSV(rec, httptest.NewRequest("GET", "/api/export/csv", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "date,margin_debt,risk_level", lines[0])
	assert.Equal(t, "2020-01-01,500,medium", lines[1])
	assert.Equal(t, "2020-02-01,,high", lines[2], "absent values export as empty cells")
}

func TestHandleRefresh_Forces(t *testing.T) {
	provider := &fakeProvider{res: testResult(t)}
	h := NewHandlers(provider, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.HandleRefresh(rec, httptest.NewRequest("POST", "/api/refresh", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, provider.forced)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp["run_id"])
}

func TestHandlers_ProviderErrorIs500(t *testing.T) {
	h := NewHandlers(&fakeProvider{err: errors.New("sources down")}, zerolog.Nop())

	rec := httptest.NewRecorder()
	h.HandleDataset(rec, httptest.NewRequest("GET", "/api/dataset", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp["status"])
}

func TestServerRouting(t *testing.T) {
	cfg := Config{
		Log:      zerolog.Nop(),
		Config:   testServerConfig(),
		Provider: &fakeProvider{res: testResult(t)},
		Port:     0,
	}
	s := New(cfg)

	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/summary", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

package server

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/internal/pipeline"
)

// ResultProvider produces the analysis result for a request. The pipeline's
// cache makes repeated non-forced calls cheap.
type ResultProvider interface {
	Run(ctx context.Context, force bool) (*pipeline.Result, error)
}

// Handlers serves the analysis API.
type Handlers struct {
	provider ResultProvider
	log      zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(provider ResultProvider, log zerolog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		log:      log.With().Str("component", "handlers").Logger(),
	}
}

// datasetResponse is the full table in JSON form. Absent values are null:
// JSON has no NaN.
type datasetResponse struct {
	RunID       string                `json:"run_id"`
	GeneratedAt time.Time             `json:"generated_at"`
	Index       []string              `json:"index"`
	Columns     map[string][]*float64 `json:"columns"`
	Flags       map[string][]bool     `json:"flags"`
	Labels      map[string][]string   `json:"labels"`
	Coverage    map[string]float64    `json:"coverage"`
}

type classificationResponse struct {
	VulnerabilityIndex *float64 `json:"vulnerability_index"`
	RiskLevel          string   `json:"risk_level"`
	RiskScore          float64  `json:"risk_score"`
	RegimeLabel        string   `json:"regime_label"`
}

type interestCostResponse struct {
	Date        string   `json:"date"`
	Correlation *float64 `json:"correlation"`
	Slope       *float64 `json:"slope"`
	RSquared    *float64 `json:"r_squared"`
	PValue      *float64 `json:"p_value"`
	SampleSize  int      `json:"sample_size"`
}

type riskResponse struct {
	Current      classificationResponse `json:"current"`
	InterestCost []interestCostResponse `json:"interest_cost"`
}

type summaryResponse struct {
	MeanVulnerability    *float64                 `json:"mean_vulnerability"`
	StdVulnerability     *float64                 `json:"std_vulnerability"`
	MinVulnerability     *float64                 `json:"min_vulnerability"`
	MaxVulnerability     *float64                 `json:"max_vulnerability"`
	CurrentVulnerability *float64                 `json:"current_vulnerability"`
	CurrentRiskLevel     string                   `json:"current_risk_level"`
	RiskDistribution     map[domain.RiskLevel]int `json:"risk_distribution"`
	ExtremeHighPeriods   int                      `json:"extreme_high_periods"`
	HighRiskPeriods      int                      `json:"high_risk_periods"`
	LowRiskPeriods       int                      `json:"low_risk_periods"`
}

// HandleDataset returns the complete analysis table.
// GET /api/dataset
func (h *Handlers) HandleDataset(w http.ResponseWriter, r *http.Request) {
	res, ok := h.result(w, r)
	if !ok {
		return
	}

	table := res.Table
	resp := datasetResponse{
		RunID:       res.RunID,
		GeneratedAt: res.GeneratedAt,
		Index:       make([]string, 0, table.NumRows()),
		Columns:     map[string][]*float64{},
		Flags:       map[string][]bool{},
		Labels:      map[string][]string{},
		Coverage:    res.Coverage,
	}
	for _, ts := range table.Index() {
		resp.Index = append(resp.Index, ts.Format("2006-01-02"))
	}
	for _, name := range table.Columns() {
		values, _ := table.ColumnValues(name)
		resp.Columns[name] = jsonFloats(values)
	}
	for _, name := range table.FlagColumns() {
		flags, _ := table.Flag(name)
		resp.Flags[name] = flags
	}
	for _, name := range table.LabelColumns() {
		labels, _ := table.Label(name)
		resp.Labels[name] = labels
	}
	writeJSON(w, h.log, resp)
}

// HandleQuality returns the data-quality report.
// GET /api/quality
func (h *Handlers) HandleQuality(w http.ResponseWriter, r *http.Request) {
	res, ok := h.result(w, r)
	if !ok {
		return
	}
	writeJSON(w, h.log, res.Quality)
}

// HandleCrises returns the detected crisis periods.
// GET /api/crises
func (h *Handlers) HandleCrises(w http.ResponseWriter, r *http.Request) {
	res, ok := h.result(w, r)
	if !ok {
		return
	}
	crises := res.Crises
	if crises == nil {
		crises = []domain.CrisisPeriod{}
	}
	writeJSON(w, h.log, crises)
}

// HandleRisk returns the current classification and the interest-cost track.
// GET /api/risk
func (h *Handlers) HandleRisk(w http.ResponseWriter, r *http.Request) {
	res, ok := h.result(w, r)
	if !ok {
		return
	}

	resp := riskResponse{
		Current: classificationResponse{
			VulnerabilityIndex: jsonFloat(res.Current.VulnerabilityIndex),
			RiskLevel:          string(res.Current.RiskLevel),
			RiskScore:          res.Current.RiskScore,
			RegimeLabel:        string(res.Current.RegimeLabel),
		},
		InterestCost: make([]interestCostResponse, 0, len(res.InterestCost)),
	}
	for _, pt := range res.InterestCost {
		resp.InterestCost = append(resp.InterestCost, interestCostResponse{
			Date:        pt.Date.Format("2006-01-02"),
			Correlation: jsonFloat(pt.Correlation),
			Slope:       jsonFloat(pt.Slope),
			RSquared:    jsonFloat(pt.RSquared),
			PValue:      jsonFloat(pt.PValue),
			SampleSize:  pt.SampleSize,
		})
	}
	writeJSON(w, h.log, resp)
}

// HandleSummary returns the aggregate risk summary.
// GET /api/summary
func (h *Handlers) HandleSummary(w http.ResponseWriter, r *http.Request) {
	res, ok := h.result(w, r)
	if !ok {
		return
	}

	s := res.Summary
	writeJSON(w, h.log, summaryResponse{
		MeanVulnerability:    jsonFloat(s.MeanVulnerability),
		StdVulnerability:     jsonFloat(s.StdVulnerability),
		MinVulnerability:     jsonFloat(s.MinVulnerability),
		MaxVulnerability:     jsonFloat(s.MaxVulnerability),
		CurrentVulnerability: jsonFloat(s.CurrentVulnerability),
		CurrentRiskLevel:     string(s.CurrentRiskLevel),
		RiskDistribution:     s.RiskDistribution,
		ExtremeHighPeriods:   s.ExtremeHighPeriods,
		HighRiskPeriods:      s.HighRiskPeriods,
		LowRiskPeriods:       s.LowRiskPeriods,
	})
}

// HandleExportCSV streams the table as CSV. Absent values are empty cells.
// GET /api/export/csv
func (h *Handlers) HandleExportCSV(w http.ResponseWriter, r *http.Request) {
	res, ok := h.result(w, r)
	if !ok {
		return
	}

	table := res.Table
	columns := table.Columns()
	labels := table.LabelColumns()

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="margin-analysis.csv"`)

	cw := csv.NewWriter(w)
	header := append([]string{"date"}, columns...)
	header = append(header, labels...)
	if err := cw.Write(header); err != nil {
		h.log.Error().Err(err).Msg("Failed to write CSV header")
		return
	}

	index := table.Index()
	numeric := make(map[string][]float64, len(columns))
	for _, name := range columns {
		numeric[name], _ = table.ColumnValues(name)
	}
	text := make(map[string][]string, len(labels))
	for _, name := range labels {
		text[name], _ = table.Label(name)
	}

	row := make([]string, 0, len(header))
	for i, ts := range index {
		row = row[:0]
		row = append(row, ts.Format("2006-01-02"))
		for _, name := range columns {
			v := numeric[name][i]
			if math.IsNaN(v) {
				row = append(row, "")
			} else {
				row = append(row, strconv.FormatFloat(v, 'f', -1, 64))
			}
		}
		for _, name := range labels {
			row = append(row, text[name][i])
		}
		if err := cw.Write(row); err != nil {
			h.log.Error().Err(err).Msg("Failed to write CSV row")
			return
		}
	}
	cw.Flush()
}

// HandleRefresh forces a recompute from the upstream sources.
// POST /api/refresh
func (h *Handlers) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := h.provider.Run(r.Context(), true)
	if err != nil {
		h.log.Error().Err(err).Msg("Forced refresh failed")
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, h.log, map[string]string{
		"status": "success",
		"run_id": res.RunID,
	})
}

// result runs the pipeline (cache-first) and handles the error response.
func (h *Handlers) result(w http.ResponseWriter, r *http.Request) (*pipeline.Result, bool) {
	res, err := h.provider.Run(r.Context(), false)
	if err != nil {
		h.log.Error().Err(err).Msg("Analysis run failed")
		writeError(w, h.log, err)
		return nil, false
	}
	return res, true
}

func writeJSON(w http.ResponseWriter, log zerolog.Logger, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if encErr := json.NewEncoder(w).Encode(map[string]string{
		"status":  "error",
		"message": fmt.Sprintf("%v", err),
	}); encErr != nil {
		log.Error().Err(encErr).Msg("Failed to encode error response")
	}
}

// jsonFloat maps NaN to nil for JSON encoding.
func jsonFloat(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func jsonFloats(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i := range values {
		v := values[i]
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[i] = &v
	}
	return out
}

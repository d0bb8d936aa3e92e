// Package pipeline orchestrates a full analysis run: load the FINRA margin
// statistics, fetch the secondary macro and market sources, align everything
// onto the monthly grid, validate quality, derive ratios and indicators, and
// classify the result. Secondary source failures degrade to absent columns;
// missing margin data aborts the run.
package pipeline

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/align"
	"github.com/marginscope/marginscope/internal/cache"
	"github.com/marginscope/marginscope/internal/clients/fred"
	"github.com/marginscope/marginscope/internal/clients/quotes"
	"github.com/marginscope/marginscope/internal/config"
	"github.com/marginscope/marginscope/internal/domain"
	"github.com/marginscope/marginscope/internal/indicators"
	"github.com/marginscope/marginscope/internal/quality"
	"github.com/marginscope/marginscope/internal/ratios"
	"github.com/marginscope/marginscope/internal/regime"
	"github.com/marginscope/marginscope/internal/rolling"
	"github.com/marginscope/marginscope/internal/vulnerability"
)

// interestCostWindow is the trailing regression window, one year on the
// monthly grid.
const interestCostWindow = 12

// MacroClient fetches a macro series by FRED series ID.
type MacroClient interface {
	FetchSeries(ctx context.Context, seriesID string, start, end time.Time) (*domain.Series, error)
}

// QuoteClient fetches monthly index closes.
type QuoteClient interface {
	MonthlyCloses(ctx context.Context, symbol string, start, end time.Time) (*domain.Series, error)
}

// MarginLoader loads the FINRA margin-statistics table.
type MarginLoader interface {
	LoadFile(path string) (*domain.Table, error)
}

// Result bundles everything a single analysis run produces.
type Result struct {
	RunID        string
	GeneratedAt  time.Time
	Table        *domain.Table
	Quality      domain.QualityReport
	Crises       []domain.CrisisPeriod
	Summary      domain.RiskSummary
	Current      domain.RiskClassification
	InterestCost []ratios.InterestCostPoint
	Coverage     map[string]float64 // valid fraction per numeric column
}

// Service runs the analysis pipeline.
type Service struct {
	cfg        *config.Config
	loader     MarginLoader
	macro      MacroClient
	quoteAPI   QuoteClient
	store      *cache.Store
	aligner    *align.Aligner
	validator  *quality.Validator
	calc       *ratios.Calculator
	engine     *indicators.Engine
	vuln       *vulnerability.Index
	classifier *regime.Classifier
	log        zerolog.Logger
}

// New creates a pipeline service. store is optional - if nil, every run
// recomputes from the sources.
func New(cfg *config.Config, loader MarginLoader, macro MacroClient, quoteAPI QuoteClient, store *cache.Store, log zerolog.Logger) *Service {
	return &Service{
		cfg:        cfg,
		loader:     loader,
		macro:      macro,
		quoteAPI:   quoteAPI,
		store:      store,
		aligner:    align.New(log),
		validator:  quality.New(log),
		calc:       ratios.New(cfg.Analysis, log),
		engine:     indicators.New(log),
		vuln:       vulnerability.New(cfg.Analysis, log),
		classifier: regime.New(cfg.Analysis, log),
		log:        log.With().Str("component", "pipeline").Logger(),
	}
}

// Run executes the pipeline. With force false a fresh cached result is
// returned when available; force true always recomputes and refreshes the
// cache.
func (s *Service) Run(ctx context.Context, force bool) (*Result, error) {
	runID := uuid.NewString()
	log := s.log.With().Str("run_id", runID).Logger()

	key := cache.Key("dataset",
		s.cfg.StartDate.Format("2006-01-02"),
		s.cfg.EndDate.Format("2006-01-02"))

	if !force && s.store != nil {
		var snap resultSnapshot
		if ok, err := s.store.Get(key, &snap); err == nil && ok {
			log.Debug().Msg("Serving cached dataset")
			return snap.toResult(runID), nil
		}
	}

	started := time.Now()
	log.Info().Msg("Starting analysis run")

	finraTable, err := s.loader.LoadFile(s.cfg.FinraCSVPath)
	if err != nil {
		// The margin statistics are the primary source; nothing can be
		// computed without them.
		return nil, err
	}

	merged, err := s.merge(finraTable, s.fetchSecondary(ctx, log))
	if err != nil {
		return nil, err
	}

	aligned, err := s.aligner.Align(merged, s.cfg.Analysis.ToleranceDays)
	if err != nil {
		return nil, err
	}

	aligned, err = s.deriveMarketCap(aligned)
	if err != nil {
		return nil, err
	}

	report := s.validator.Validate(aligned)
	if !report.IsValid {
		log.Warn().
			Float64("score", report.QualityScore).
			Float64("missing_pct", report.MissingDataPct).
			Msg("Dataset failed quality validation, continuing with degraded data")
	}
	aligned, err = s.validator.DetectAnomalies(aligned)
	if err != nil {
		return nil, err
	}

	aligned, interest, err := s.deriveRatios(aligned, log)
	if err != nil {
		return nil, err
	}

	aligned, err = s.deriveIndicators(aligned)
	if err != nil {
		return nil, err
	}

	aligned, crises, summary, err := s.deriveVulnerability(aligned, log)
	if err != nil {
		return nil, err
	}

	aligned, current, err := s.classify(aligned)
	if err != nil {
		return nil, err
	}

	res := &Result{
		RunID:        runID,
		GeneratedAt:  time.Now().UTC(),
		Table:        aligned,
		Quality:      report,
		Crises:       crises,
		Summary:      summary,
		Current:      current,
		InterestCost: interest,
		Coverage:     coverageByColumn(aligned),
	}
	s.cacheResult(key, res, log)

	log.Info().
		Int("rows", aligned.NumRows()).
		Int("crises", len(crises)).
		Str("risk_level", string(current.RiskLevel)).
		Dur("elapsed", time.Since(started)).
		Msg("Analysis run complete")
	return res, nil
}

// fetchSecondary pulls the non-primary sources. A failed source is logged
// and omitted so its downstream columns stay absent.
func (s *Service) fetchSecondary(ctx context.Context, log zerolog.Logger) map[string]*domain.Series {
	out := map[string]*domain.Series{}

	fetch := func(col string, get func() (*domain.Series, error)) {
		series, err := get()
		if err != nil {
			log.Warn().Err(err).Str("column", col).Msg("Secondary source unavailable, column stays absent")
			return
		}
		out[col] = series
	}

	start, end := s.cfg.StartDate, s.cfg.EndDate
	fetch(domain.ColM2MoneySupply, func() (*domain.Series, error) {
		return s.macro.FetchSeries(ctx, fred.SeriesM2, start, end)
	})
	fetch(domain.ColFederalFundsRate, func() (*domain.Series, error) {
		return s.macro.FetchSeries(ctx, fred.SeriesFedFunds, start, end)
	})
	fetch(domain.ColSP500Index, func() (*domain.Series, error) {
		return s.quoteAPI.MonthlyCloses(ctx, quotes.SymbolSP500, start, end)
	})
	fetch(domain.ColVIXIndex, func() (*domain.Series, error) {
		return s.quoteAPI.MonthlyCloses(ctx, quotes.SymbolVIX, start, end)
	})
	return out
}

// merge places the FINRA columns and each secondary series onto the union of
// their month-start timestamps. Months only some sources cover hold NaN in
// the other columns; the aligner resolves those afterwards.
func (s *Service) merge(finraTable *domain.Table, extra map[string]*domain.Series) (*domain.Table, error) {
	monthSet := map[time.Time]struct{}{}
	for _, ts := range finraTable.Index() {
		monthSet[domain.MonthStart(ts)] = struct{}{}
	}
	for _, series := range extra {
		for _, ts := range series.Times() {
			monthSet[domain.MonthStart(ts)] = struct{}{}
		}
	}
	if len(monthSet) == 0 {
		return nil, &domain.MergeError{Msg: "no rows in any source"}
	}

	months := make([]time.Time, 0, len(monthSet))
	for ts := range monthSet {
		months = append(months, ts)
	}
	sort.Slice(months, func(i, j int) bool { return months[i].Before(months[j]) })

	pos := make(map[time.Time]int, len(months))
	for i, ts := range months {
		pos[ts] = i
	}

	out := domain.NewTable(months)
	place := func(name string, times []time.Time, values []float64) error {
		col := nanSlice(len(months))
		for i, ts := range times {
			col[pos[domain.MonthStart(ts)]] = values[i]
		}
		var err error
		out, err = out.WithColumn(name, col)
		return err
	}

	finraIndex := finraTable.Index()
	for _, name := range finraTable.Columns() {
		values, _ := finraTable.ColumnValues(name)
		if err := place(name, finraIndex, values); err != nil {
			return nil, err
		}
	}

	// Margin debt is the debit-balance column under its canonical name.
	if debit, ok := finraTable.ColumnValues(domain.ColFinraDebit); ok {
		if err := place(domain.ColMarginDebt, finraIndex, debit); err != nil {
			return nil, err
		}
	}

	for _, name := range []string{
		domain.ColM2MoneySupply,
		domain.ColFederalFundsRate,
		domain.ColSP500Index,
		domain.ColVIXIndex,
	} {
		series, ok := extra[name]
		if !ok {
			continue
		}
		if err := place(name, series.Times(), series.Values()); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// deriveMarketCap scales the index level to an approximate total market cap.
// The provenance flag mirrors the index column it is derived from.
func (s *Service) deriveMarketCap(t *domain.Table) (*domain.Table, error) {
	index, ok := t.ColumnValues(domain.ColSP500Index)
	if !ok {
		return t, nil
	}

	caps := make([]float64, len(index))
	for i, v := range index {
		caps[i] = v * s.cfg.Analysis.MarketCapScaleFactor
	}
	out, err := t.WithColumn(domain.ColSP500MarketCap, caps)
	if err != nil {
		return nil, err
	}
	if flags, ok := t.Flag(domain.ColSP500Index + domain.MissingSuffix); ok {
		out, err = out.WithFlagColumn(domain.ColSP500MarketCap+domain.MissingSuffix, flags)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (s *Service) deriveRatios(t *domain.Table, log zerolog.Logger) (*domain.Table, []ratios.InterestCostPoint, error) {
	marginDebt, ok := t.Column(domain.ColMarginDebt)
	if !ok {
		return nil, nil, &domain.MergeError{Msg: "margin debt column missing after alignment"}
	}

	withSeries := func(name string, series *domain.Series, err error) error {
		if err != nil {
			return err
		}
		t2, err := t.WithSeries(name, series)
		if err != nil {
			return err
		}
		t = t2
		return nil
	}

	debit, _ := t.Column(domain.ColFinraDebit)
	cashCredit, _ := t.Column(domain.ColFinraCashCredit)
	marginCredit, _ := t.Column(domain.ColFinraMarginCred)

	leverageNet, err := s.calc.LeverageNet(debit, cashCredit, marginCredit, ratios.MissingSkip)
	if err != nil {
		return nil, nil, err
	}
	if err := withSeries(domain.ColLeverageNet, leverageNet, nil); err != nil {
		return nil, nil, err
	}

	if marketCap, ok := t.Column(domain.ColSP500MarketCap); ok {
		lev, err := s.calc.MarketLeverageRatio(marginDebt, marketCap, ratios.MissingSkip)
		if err := withSeries(domain.ColMarketLeverageRatio, lev, err); err != nil {
			return nil, nil, err
		}
		norm, err := s.calc.LeverageNormalized(leverageNet, marketCap, ratios.MissingSkip)
		if err := withSeries(domain.ColLeverageNormalized, norm, err); err != nil {
			return nil, nil, err
		}
		netWorth, err := s.calc.InvestorNetWorth(marginDebt, marketCap, nil)
		if err := withSeries(domain.ColInvestorNetWorth, netWorth, err); err != nil {
			return nil, nil, err
		}
	} else {
		log.Warn().Msg("Market cap unavailable, leverage ratios stay absent")
	}

	if m2, ok := t.Column(domain.ColM2MoneySupply); ok {
		msr, err := s.calc.MoneySupplyRatio(marginDebt, m2, ratios.MissingSkip)
		if err := withSeries(domain.ColMoneySupplyRatio, msr, err); err != nil {
			return nil, nil, err
		}
	}

	for _, change := range []struct {
		col string
		typ ratios.ChangeType
	}{
		{domain.ColLeverageChangeMoM, ratios.ChangeMoM},
		{domain.ColLeverageChangeQoQ, ratios.ChangeQoQ},
		{domain.ColLeverageChangeYoY, ratios.ChangeYoY},
	} {
		rate, err := s.calc.ChangeRate(marginDebt, change.typ, ratios.MissingSkip)
		if err := withSeries(change.col, rate, err); err != nil {
			return nil, nil, err
		}
	}

	var interest []ratios.InterestCostPoint
	if rates, ok := t.Column(domain.ColFederalFundsRate); ok {
		interest, err = s.calc.InterestCostAnalysis(marginDebt, rates, interestCostWindow)
		if err != nil {
			return nil, nil, err
		}
	}
	return t, interest, nil
}

func (s *Service) deriveIndicators(t *domain.Table) (*domain.Table, error) {
	if index, ok := t.Column(domain.ColSP500Index); ok {
		filled, err := index.WithValues(forwardFilled(index.Values()))
		if err != nil {
			return nil, err
		}
		momentum, err := s.engine.MarketMomentum(filled)
		if err != nil {
			return nil, err
		}
		if t, err = t.WithSeries(domain.ColMarketMomentum, momentum); err != nil {
			return nil, err
		}
		rsi, err := s.engine.RelativeStrength(filled)
		if err != nil {
			return nil, err
		}
		if t, err = t.WithSeries(domain.ColSP500RSI, rsi); err != nil {
			return nil, err
		}
	}

	if vix, ok := t.Column(domain.ColVIXIndex); ok {
		filled, err := vix.WithValues(forwardFilled(vix.Values()))
		if err != nil {
			return nil, err
		}
		labels, err := s.engine.VolatilityRegime(filled, s.cfg.Analysis.ZScoreWindowMonths)
		if err != nil {
			return nil, err
		}
		if t, err = t.WithLabelColumn(domain.ColVolatilityRegime, labels); err != nil {
			return nil, err
		}
	}

	if marginDebt, ok := t.Column(domain.ColMarginDebt); ok {
		filled, err := marginDebt.WithValues(forwardFilled(marginDebt.Values()))
		if err != nil {
			return nil, err
		}
		cycle, err := s.engine.LeverageCycleIndicators(filled)
		if err != nil {
			return nil, err
		}
		if t, err = t.WithSeries(domain.ColLeverageAccel, cycle.Acceleration); err != nil {
			return nil, err
		}
		if t, err = t.WithSeries(domain.ColLeverageTrend, cycle.Trend); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (s *Service) deriveVulnerability(t *domain.Table, log zerolog.Logger) (*domain.Table, []domain.CrisisPeriod, domain.RiskSummary, error) {
	leverage, ok := t.Column(domain.ColMarketLeverageRatio)
	if !ok {
		log.Warn().Msg("Leverage ratio unavailable, vulnerability index stays absent")
		return t, nil, domain.RiskSummary{}, nil
	}

	cfg := s.cfg.Analysis
	levZ, err := rolling.ZScore(leverage, cfg.ZScoreWindowMonths, cfg.MinPeriods())
	if err != nil {
		return nil, nil, domain.RiskSummary{}, err
	}
	if t, err = t.WithSeries(domain.ColLeverageZScore, levZ); err != nil {
		return nil, nil, domain.RiskSummary{}, err
	}

	vix, _ := t.Column(domain.ColVIXIndex) // nil degrades to a flat volatility leg
	if vix != nil {
		vixZ, err := rolling.ZScore(vix, cfg.ZScoreWindowMonths, cfg.MinPeriods())
		if err != nil {
			return nil, nil, domain.RiskSummary{}, err
		}
		if t, err = t.WithSeries(domain.ColVIXZScore, vixZ); err != nil {
			return nil, nil, domain.RiskSummary{}, err
		}
	}

	vuln, err := s.vuln.Compute(leverage, vix)
	if err != nil {
		return nil, nil, domain.RiskSummary{}, err
	}
	if t, err = t.WithSeries(domain.ColVulnerability, vuln); err != nil {
		return nil, nil, domain.RiskSummary{}, err
	}

	levels := s.vuln.ClassifyAll(vuln)
	labels := make([]string, len(levels))
	for i, level := range levels {
		labels[i] = string(level)
	}
	if t, err = t.WithLabelColumn(domain.ColRiskLevel, labels); err != nil {
		return nil, nil, domain.RiskSummary{}, err
	}

	crises := s.vuln.DetectCrisisPeriods(vuln)
	summary := s.vuln.Summarize(vuln, levels)
	return t, crises, summary, nil
}

// classify scores every row and labels its market regime. The last row's
// classification describes the current state.
func (s *Service) classify(t *domain.Table) (*domain.Table, domain.RiskClassification, error) {
	n := t.NumRows()

	column := func(name string) []float64 {
		if vals, ok := t.ColumnValues(name); ok {
			return vals
		}
		return nanSlice(n)
	}

	vuln := column(domain.ColVulnerability)
	leverage := column(domain.ColMarketLeverageRatio)
	vix := column(domain.ColVIXIndex)
	yoy := column(domain.ColLeverageChangeYoY)

	m2QoQ := nanSlice(n)
	if m2, ok := t.Column(domain.ColM2MoneySupply); ok {
		rate, err := s.calc.ChangeRate(m2, ratios.ChangeQoQ, ratios.MissingSkip)
		if err != nil {
			return nil, domain.RiskClassification{}, err
		}
		m2QoQ = rate.Values()
	}

	scores := make([]float64, n)
	regimes := make([]string, n)
	var current domain.RiskClassification
	for i := 0; i < n; i++ {
		classification := s.classifier.Classify(regime.Signals{
			Vulnerability:     vuln[i],
			MarketLeverage:    leverage[i],
			VolatilityIndex:   vix[i],
			LeverageYoYPct:    yoy[i],
			MoneySupplyQoQPct: m2QoQ[i],
		})
		scores[i] = classification.RiskScore
		regimes[i] = string(classification.RegimeLabel)
		current = classification
	}

	t2, err := t.WithColumn(domain.ColRiskScore, scores)
	if err != nil {
		return nil, domain.RiskClassification{}, err
	}
	t2, err = t2.WithLabelColumn(domain.ColRegimeLabel, regimes)
	if err != nil {
		return nil, domain.RiskClassification{}, err
	}
	return t2, current, nil
}

// coverageByColumn reports the valid fraction of every numeric column.
func coverageByColumn(t *domain.Table) map[string]float64 {
	n := t.NumRows()
	out := make(map[string]float64, len(t.Columns()))
	for _, name := range t.Columns() {
		if n == 0 {
			out[name] = 0
			continue
		}
		series, _ := t.Column(name)
		out[name] = float64(series.ValidCount()) / float64(n)
	}
	return out
}

func (s *Service) cacheResult(key string, res *Result, log zerolog.Logger) {
	if s.store == nil {
		return
	}
	ttl := s.cfg.CacheTTL
	if ttl <= 0 {
		ttl = cache.TTLDataset
	}
	if err := s.store.Set(key, newResultSnapshot(res), ttl); err != nil {
		log.Warn().Err(err).Msg("Failed to cache analysis result")
	}
}

// resultSnapshot is the serialization form of Result.
type resultSnapshot struct {
	GeneratedAt  time.Time                  `msgpack:"generated_at"`
	Table        *domain.TableSnapshot      `msgpack:"table"`
	Quality      domain.QualityReport       `msgpack:"quality"`
	Crises       []domain.CrisisPeriod      `msgpack:"crises"`
	Summary      domain.RiskSummary         `msgpack:"summary"`
	Current      domain.RiskClassification  `msgpack:"current"`
	InterestCost []ratios.InterestCostPoint `msgpack:"interest_cost"`
	Coverage     map[string]float64         `msgpack:"coverage"`
}

func newResultSnapshot(res *Result) *resultSnapshot {
	return &resultSnapshot{
		GeneratedAt:  res.GeneratedAt,
		Table:        res.Table.Snapshot(),
		Quality:      res.Quality,
		Crises:       res.Crises,
		Summary:      res.Summary,
		Current:      res.Current,
		InterestCost: res.InterestCost,
		Coverage:     res.Coverage,
	}
}

func (snap *resultSnapshot) toResult(runID string) *Result {
	return &Result{
		RunID:        runID,
		GeneratedAt:  snap.GeneratedAt,
		Table:        domain.TableFromSnapshot(snap.Table),
		Quality:      snap.Quality,
		Crises:       snap.Crises,
		Summary:      snap.Summary,
		Current:      snap.Current,
		InterestCost: snap.InterestCost,
		Coverage:     snap.Coverage,
	}
}

func forwardFilled(values []float64) []float64 {
	out := make([]float64, len(values))
	copy(out, values)
	last := math.NaN()
	for i, v := range out {
		if math.IsNaN(v) {
			if !math.IsNaN(last) {
				out[i] = last
			}
			continue
		}
		last = v
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

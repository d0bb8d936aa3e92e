// Package finra loads broker margin statistics from the FINRA CSV export.
//
// The source file reports balances in millions of dollars. Everything
// downstream works in billions, so values are divided by 1000 exactly once,
// here at ingestion. No other stage rescales.
package finra

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/domain"
)

const (
	colDate         = "Year-Month"
	colDebit        = "D"
	colCashCredit   = "CC"
	colMarginCredit = "CM"
)

const millionsPerBillion = 1000.0

// Loader reads and validates the margin-statistics CSV.
type Loader struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Loader {
	return &Loader{log: log.With().Str("component", "finra").Logger()}
}

// LoadFile loads the margin statistics from path. A missing file is a
// DataSourceError: the balance-sheet series is the primary input and the
// pipeline cannot run without it.
func (l *Loader) LoadFile(path string) (*domain.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.DataSourceError{Source: "finra", Err: err}
	}
	defer f.Close()

	t, err := l.Load(f)
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("path", path).
		Int("rows", t.NumRows()).
		Msg("loaded margin statistics")
	return t, nil
}

// Load parses the CSV stream into a month-indexed table with columns
// finra_debit, finra_cash_credit and finra_margin_credit, in billions.
// A malformed header or date is a DataFormatError; an unparseable balance
// value becomes an absent cell, matching the rest of the pipeline's
// missing-data treatment.
func (l *Loader) Load(r io.Reader) (*domain.Table, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, &domain.DataFormatError{Msg: fmt.Sprintf("reading csv header: %v", err)}
	}

	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	for _, required := range []string{colDate, colDebit, colCashCredit, colMarginCredit} {
		if _, ok := idx[required]; !ok {
			return nil, &domain.DataFormatError{Msg: fmt.Sprintf("missing column %q", required)}
		}
	}

	type row struct {
		date                        time.Time
		debit, cashCred, marginCred float64
	}
	var rows []row

	for lineNo := 2; ; lineNo++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &domain.DataFormatError{Msg: fmt.Sprintf("line %d: %v", lineNo, err)}
		}

		date, err := time.Parse("2006-01", strings.TrimSpace(record[idx[colDate]]))
		if err != nil {
			return nil, &domain.DataFormatError{Msg: fmt.Sprintf("line %d: bad %s value %q", lineNo, colDate, record[idx[colDate]])}
		}

		rows = append(rows, row{
			date:       date.UTC(),
			debit:      l.parseBalance(record[idx[colDebit]], lineNo),
			cashCred:   l.parseBalance(record[idx[colCashCredit]], lineNo),
			marginCred: l.parseBalance(record[idx[colMarginCredit]], lineNo),
		})
	}

	if len(rows) == 0 {
		return nil, &domain.DataFormatError{Msg: "csv contains no data rows"}
	}

	// Sort by date; on duplicate months the last row wins.
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].date.Before(rows[j].date) })
	dedup := rows[:0]
	for _, r := range rows {
		if len(dedup) > 0 && dedup[len(dedup)-1].date.Equal(r.date) {
			dedup[len(dedup)-1] = r
			continue
		}
		dedup = append(dedup, r)
	}

	index := make([]time.Time, len(dedup))
	debit := make([]float64, len(dedup))
	cashCred := make([]float64, len(dedup))
	marginCred := make([]float64, len(dedup))
	for i, r := range dedup {
		index[i] = r.date
		debit[i] = r.debit
		cashCred[i] = r.cashCred
		marginCred[i] = r.marginCred
	}

	t := domain.NewTable(index)
	if t, err = t.WithColumn(domain.ColFinraDebit, debit); err != nil {
		return nil, err
	}
	if t, err = t.WithColumn(domain.ColFinraCashCredit, cashCred); err != nil {
		return nil, err
	}
	if t, err = t.WithColumn(domain.ColFinraMarginCred, marginCred); err != nil {
		return nil, err
	}
	return t, nil
}

// parseBalance converts a CSV cell in millions to billions. Unparseable cells
// degrade to absent rather than failing the load.
func (l *Loader) parseBalance(raw string, lineNo int) float64 {
	cleaned := strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	if cleaned == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		l.log.Warn().Int("line", lineNo).Str("value", raw).Msg("unparseable balance value")
		return math.NaN()
	}
	return v / millionsPerBillion
}

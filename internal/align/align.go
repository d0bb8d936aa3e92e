// Package align resamples irregularly-dated series onto the common
// month-start grid, interpolates bounded gaps and records provenance flags
// for every filled point.
package align

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/marginscope/marginscope/internal/domain"
)

// Aligner aligns heterogeneous-frequency tables onto the month-start grid.
type Aligner struct {
	log zerolog.Logger
}

// New creates an Aligner.
func New(log zerolog.Logger) *Aligner {
	return &Aligner{log: log.With().Str("component", "aligner").Logger()}
}

// Align reindexes every numeric column of t onto the month-start grid
// spanning [MonthStart(min(index)), MonthStart(max(index))].
//
// Within each target month the last observation of that month is taken.
// Missing months are filled by time-weighted linear interpolation only when
// the span between the bounding observations is at most toleranceDays;
// larger gaps stay NaN so synthetic data can never drift far from a sparse
// source. Each column C gains a boolean companion C_missing that is true
// wherever the pre-interpolation value was absent; companions already present
// on the input are carried forward (union), which makes Align idempotent on
// already-aligned tables.
//
// Returns MergeError when the input yields an empty target index.
func (a *Aligner) Align(t *domain.Table, toleranceDays int) (*domain.Table, error) {
	index := t.Index()
	var valid []time.Time
	for _, ts := range index {
		if !ts.IsZero() {
			valid = append(valid, ts)
		}
	}
	if len(valid) == 0 {
		return nil, &domain.MergeError{Msg: "no valid input timestamps to align"}
	}

	minTime, maxTime := valid[0], valid[0]
	for _, ts := range valid[1:] {
		if ts.Before(minTime) {
			minTime = ts
		}
		if ts.After(maxTime) {
			maxTime = ts
		}
	}

	grid := domain.MonthRange(minTime, maxTime)
	if len(grid) == 0 {
		return nil, &domain.MergeError{Msg: "alignment produced an empty month grid"}
	}

	out := domain.NewTable(grid)
	filledTotal := 0
	for _, name := range t.Columns() {
		raw, _ := t.ColumnValues(name)
		snapped, missing := snapToGrid(index, raw, grid)
		filled := interpolateBounded(grid, snapped, missing, toleranceDays)
		filledTotal += filled

		// Union with a companion carried in from a previous alignment.
		if prior, ok := t.Flag(name + domain.MissingSuffix); ok && len(prior) == len(grid) {
			for i := range missing {
				missing[i] = missing[i] || prior[i]
			}
		}

		var err error
		out, err = out.WithColumn(name, snapped)
		if err != nil {
			return nil, err
		}
		out, err = out.WithFlagColumn(name+domain.MissingSuffix, missing)
		if err != nil {
			return nil, err
		}
	}

	a.log.Debug().
		Int("rows", len(grid)).
		Int("columns", len(t.Columns())).
		Int("interpolated", filledTotal).
		Msg("Aligned table onto month grid")

	return out, nil
}

// snapToGrid assigns each observation to its month-start bucket, keeping the
// last observation per month, and reports which grid months had none.
func snapToGrid(index []time.Time, values []float64, grid []time.Time) ([]float64, []bool) {
	pos := make(map[time.Time]int, len(grid))
	for i, g := range grid {
		pos[g] = i
	}

	snapped := make([]float64, len(grid))
	seen := make([]time.Time, len(grid))
	for i := range snapped {
		snapped[i] = math.NaN()
	}

	for i, ts := range index {
		if ts.IsZero() || math.IsNaN(values[i]) {
			continue
		}
		gi, ok := pos[domain.MonthStart(ts)]
		if !ok {
			continue
		}
		// Last observation in the month wins; ties go to the later input row.
		if seen[gi].IsZero() || !ts.Before(seen[gi]) {
			seen[gi] = ts
			snapped[gi] = values[i]
		}
	}

	missing := make([]bool, len(grid))
	for i, v := range snapped {
		missing[i] = math.IsNaN(v)
	}
	return snapped, missing
}

// interpolateBounded fills interior NaN runs by time-weighted linear
// interpolation when the bounding observed span is within toleranceDays.
// Leading and trailing runs have no bracketing observations and are never
// filled. Returns the number of filled cells.
func interpolateBounded(grid []time.Time, values []float64, missing []bool, toleranceDays int) int {
	filled := 0
	i := 0
	for i < len(values) {
		if !missing[i] {
			i++
			continue
		}

		runStart := i
		for i < len(values) && missing[i] {
			i++
		}
		runEnd := i // first observed position after the run, or len

		prev := runStart - 1
		if prev < 0 || runEnd >= len(values) {
			continue // unbounded run
		}

		span := grid[runEnd].Sub(grid[prev])
		if span > time.Duration(toleranceDays)*24*time.Hour {
			continue
		}

		v0, v1 := values[prev], values[runEnd]
		for j := runStart; j < runEnd; j++ {
			frac := float64(grid[j].Sub(grid[prev])) / float64(span)
			values[j] = v0 + (v1-v0)*frac
			filled++
		}
	}
	return filled
}

// Package domain holds the core data model: time series, the market table,
// quality reports and risk classifications. Values are float64 with NaN as
// the explicit "absent" marker; every transform returns a new value.
package domain

import (
	"math"
	"sort"
	"time"
)

// Point is a single (timestamp, value) observation.
type Point struct {
	Time  time.Time
	Value float64
}

// Series is an ordered sequence of monthly observations. Timestamps are
// strictly increasing after construction; a duplicate timestamp keeps the
// last value written. Series values are immutable from the caller's
// perspective: transforms return new Series.
type Series struct {
	times  []time.Time
	values []float64
}

// NewSeries builds a Series from points. Points are sorted by timestamp and
// deduplicated with last-write-wins semantics.
func NewSeries(points []Point) *Series {
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	s := &Series{}
	for _, p := range sorted {
		n := len(s.times)
		if n > 0 && s.times[n-1].Equal(p.Time) {
			s.values[n-1] = p.Value // last write wins
			continue
		}
		s.times = append(s.times, p.Time)
		s.values = append(s.values, p.Value)
	}
	return s
}

// SeriesFromValues builds a Series from parallel slices. The index must
// already be strictly increasing; this is the fast path used by transforms
// that preserve an existing index.
func SeriesFromValues(times []time.Time, values []float64) (*Series, error) {
	if len(times) != len(values) {
		return nil, &DataLengthMismatch{
			Left: "times", Right: "values",
			LeftLen: len(times), RightLen: len(values),
		}
	}
	for i := 1; i < len(times); i++ {
		if !times[i].After(times[i-1]) {
			return nil, &ValidationError{Msg: "series index is not strictly increasing"}
		}
	}
	s := &Series{
		times:  make([]time.Time, len(times)),
		values: make([]float64, len(values)),
	}
	copy(s.times, times)
	copy(s.values, values)
	return s, nil
}

// ConstantSeries returns a Series with the given value at every timestamp of
// the template index.
func ConstantSeries(times []time.Time, value float64) *Series {
	values := make([]float64, len(times))
	for i := range values {
		values[i] = value
	}
	s, _ := SeriesFromValues(times, values)
	return s
}

// Len returns the number of observations.
func (s *Series) Len() int { return len(s.times) }

// Time returns the timestamp at position i.
func (s *Series) Time(i int) time.Time { return s.times[i] }

// Value returns the value at position i (possibly NaN).
func (s *Series) Value(i int) float64 { return s.values[i] }

// Times returns a copy of the index.
func (s *Series) Times() []time.Time {
	out := make([]time.Time, len(s.times))
	copy(out, s.times)
	return out
}

// Values returns a copy of the values.
func (s *Series) Values() []float64 {
	out := make([]float64, len(s.values))
	copy(out, s.values)
	return out
}

// WithValues returns a new Series on the same index with replaced values.
func (s *Series) WithValues(values []float64) (*Series, error) {
	return SeriesFromValues(s.times, values)
}

// Last returns the final observation, or ok=false for an empty series.
func (s *Series) Last() (Point, bool) {
	if len(s.times) == 0 {
		return Point{}, false
	}
	n := len(s.times) - 1
	return Point{Time: s.times[n], Value: s.values[n]}, true
}

// Slice returns a new Series covering positions [from, to).
func (s *Series) Slice(from, to int) *Series {
	sub := &Series{
		times:  make([]time.Time, to-from),
		values: make([]float64, to-from),
	}
	copy(sub.times, s.times[from:to])
	copy(sub.values, s.values[from:to])
	return sub
}

// ValidCount returns the number of non-NaN observations.
func (s *Series) ValidCount() int {
	count := 0
	for _, v := range s.values {
		if !math.IsNaN(v) {
			count++
		}
	}
	return count
}

// MonthStart normalizes t to the first day of its month, midnight UTC.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// MonthRange builds the month-start index spanning [MonthStart(from), MonthStart(to)].
func MonthRange(from, to time.Time) []time.Time {
	start := MonthStart(from)
	end := MonthStart(to)
	if end.Before(start) {
		return nil
	}
	var out []time.Time
	for cur := start; !cur.After(end); cur = cur.AddDate(0, 1, 0) {
		out = append(out, cur)
	}
	return out
}

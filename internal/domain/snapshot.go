package domain

import "time"

// TableSnapshot is the serialization form of a Table, used by the cache
// layer. Timestamps are stored as Unix seconds (UTC month starts).
type TableSnapshot struct {
	Index      []int64              `msgpack:"index"`
	Order      []string             `msgpack:"order"`
	Columns    map[string][]float64 `msgpack:"columns"`
	FlagOrder  []string             `msgpack:"flag_order"`
	Flags      map[string][]bool    `msgpack:"flags"`
	LabelOrder []string             `msgpack:"label_order"`
	Labels     map[string][]string  `msgpack:"labels"`
}

// Snapshot converts the table to its serialization form.
func (t *Table) Snapshot() *TableSnapshot {
	snap := &TableSnapshot{
		Index:      make([]int64, len(t.index)),
		Order:      append([]string(nil), t.order...),
		Columns:    map[string][]float64{},
		FlagOrder:  append([]string(nil), t.flagOrder...),
		Flags:      map[string][]bool{},
		LabelOrder: append([]string(nil), t.labelOrder...),
		Labels:     map[string][]string{},
	}
	for i, ts := range t.index {
		snap.Index[i] = ts.Unix()
	}
	for name, vals := range t.cols {
		snap.Columns[name] = append([]float64(nil), vals...)
	}
	for name, vals := range t.flags {
		snap.Flags[name] = append([]bool(nil), vals...)
	}
	for name, vals := range t.labels {
		snap.Labels[name] = append([]string(nil), vals...)
	}
	return snap
}

// TableFromSnapshot rebuilds a Table from its serialization form.
func TableFromSnapshot(snap *TableSnapshot) *Table {
	index := make([]time.Time, len(snap.Index))
	for i, sec := range snap.Index {
		index[i] = time.Unix(sec, 0).UTC()
	}
	t := NewTable(index)
	for _, name := range snap.Order {
		t.order = append(t.order, name)
		t.cols[name] = append([]float64(nil), snap.Columns[name]...)
	}
	for _, name := range snap.FlagOrder {
		t.flagOrder = append(t.flagOrder, name)
		t.flags[name] = append([]bool(nil), snap.Flags[name]...)
	}
	for _, name := range snap.LabelOrder {
		t.labelOrder = append(t.labelOrder, name)
		t.labels[name] = append([]string(nil), snap.Labels[name]...)
	}
	return t
}

// SeriesSnapshot is the serialization form of a Series.
type SeriesSnapshot struct {
	Times  []int64   `msgpack:"times"`
	Values []float64 `msgpack:"values"`
}

// Snapshot converts the series to its serialization form.
func (s *Series) Snapshot() *SeriesSnapshot {
	snap := &SeriesSnapshot{
		Times:  make([]int64, len(s.times)),
		Values: append([]float64(nil), s.values...),
	}
	for i, ts := range s.times {
		snap.Times[i] = ts.Unix()
	}
	return snap
}

// SeriesFromSnapshot rebuilds a Series from its serialization form.
func SeriesFromSnapshot(snap *SeriesSnapshot) *Series {
	times := make([]time.Time, len(snap.Times))
	for i, sec := range snap.Times {
		times[i] = time.Unix(sec, 0).UTC()
	}
	s, _ := SeriesFromValues(times, snap.Values)
	return s
}

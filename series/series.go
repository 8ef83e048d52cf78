// Copyright 2023 tsget Authors

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     http://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package series defines the tabular time series data model shared by all
// data service adapters: a Page is the raw result of one windowed request,
// and a Series is the merged, time-indexed accumulation of many pages.
//
// Column names follow the upstream convention "variable:units", optionally
// prefixed with the source and station, e.g. "water_level:m" or
// "usgs_02232000_00060:cfs".
package series

import (
	"time"

	"github.com/timcera/tsget/table"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Row is a single observation: a timestamp and the named values recorded at
// that instant. A row may carry any subset of the series' columns.
type Row struct {
	Time   time.Time
	Values map[string]string
}

// Page is the raw, ordered result of one windowed request. It may be empty.
type Page []Row

// MaxTime returns the latest timestamp in the page, or the zero time for an
// empty page.
func (p Page) MaxTime() time.Time {
	var max time.Time
	for _, r := range p {
		if r.Time.After(max) {
			max = r.Time
		}
	}
	return max
}

// Series is a time-indexed table accumulated by folding pages in window
// order. Merging uses first-write-wins semantics: once a (timestamp, column)
// cell is set, later pages never overwrite it. Earlier, narrower windows
// represent earlier-fetched, more authoritative data.
type Series struct {
	values  map[int64]map[string]string // UnixNano -> column -> value
	times   map[int64]time.Time
	columns []string // in order of first appearance
	colSet  map[string]bool
}

// New creates an empty Series.
func New() *Series {
	return &Series{
		values: make(map[int64]map[string]string),
		times:  make(map[int64]time.Time),
		colSet: make(map[string]bool),
	}
}

// Fold merges a page into the series with first-write-wins semantics per
// (timestamp, column) cell. Folding the same page twice is a no-op.
func (s *Series) Fold(p Page) {
	for _, row := range p {
		key := row.Time.UnixNano()
		m, ok := s.values[key]
		if !ok {
			m = make(map[string]string, len(row.Values))
			s.values[key] = m
			s.times[key] = row.Time
		}
		cols := maps.Keys(row.Values)
		slices.Sort(cols)
		for _, col := range cols {
			if !s.colSet[col] {
				s.colSet[col] = true
				s.columns = append(s.columns, col)
			}
			if _, ok := m[col]; !ok {
				m[col] = row.Values[col]
			}
		}
	}
}

// Len is the number of unique timestamps in the series.
func (s *Series) Len() int { return len(s.values) }

// Empty checks whether the series has no rows.
func (s *Series) Empty() bool { return len(s.values) == 0 }

// Columns returns the column names in order of first appearance.
func (s *Series) Columns() []string {
	cols := make([]string, len(s.columns))
	copy(cols, s.columns)
	return cols
}

func (s *Series) sortedKeys() []int64 {
	keys := maps.Keys(s.values)
	slices.Sort(keys)
	return keys
}

// Rows returns the merged rows sorted by timestamp in ascending order, one
// row per unique timestamp. The value maps are copies and may be modified
// freely by the caller.
func (s *Series) Rows() []Row {
	rows := make([]Row, 0, len(s.values))
	for _, key := range s.sortedKeys() {
		m := make(map[string]string, len(s.values[key]))
		for col, v := range s.values[key] {
			m[col] = v
		}
		rows = append(rows, Row{Time: s.times[key], Values: m})
	}
	return rows
}

// Span returns the earliest and latest timestamps in the series, or zero
// times for an empty series.
func (s *Series) Span() (start, end time.Time) {
	keys := s.sortedKeys()
	if len(keys) == 0 {
		return
	}
	return s.times[keys[0]], s.times[keys[len(keys)-1]]
}

// Range extracts the sub-series within the half-open interval [start, end).
// It may return an empty Series, but never nil.
func (s *Series) Range(start, end time.Time) *Series {
	out := New()
	var page Page
	for _, key := range s.sortedKeys() {
		t := s.times[key]
		if t.Before(start) || !t.Before(end) {
			continue
		}
		page = append(page, Row{Time: t, Values: s.values[key]})
	}
	out.Fold(page)
	return out
}

// Covers checks whether the series has at least one row at or before start
// and at or after end, i.e. the stored data spans the requested interval.
func (s *Series) Covers(start, end time.Time) bool {
	if s.Empty() {
		return false
	}
	first, last := s.Span()
	return !first.After(start) && !last.Before(end)
}

// Table renders the series as a table with the given index column header,
// e.g. "Datetime:UTC". Missing cells are left blank.
func (s *Series) Table(index string) *table.Table {
	tbl := table.New(append([]string{index}, s.columns...)...)
	for _, key := range s.sortedKeys() {
		cells := make([]string, 0, len(s.columns)+1)
		cells = append(cells, s.times[key].Format("2006-01-02 15:04:05"))
		for _, col := range s.columns {
			cells = append(cells, s.values[key][col])
		}
		tbl.AddRow(cells)
	}
	return tbl
}

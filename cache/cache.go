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

// Package cache stores fetched series on disk, so that repeated requests
// for an already downloaded range skip the network entirely.
//
// Each series lives in its own directory keyed by source and series key:
//
//	<root>/<source>/<key>/rows.gob      - the merged rows
//	<root>/<source>/<key>/metadata.json - span, row count and columns
//
// The metadata is a separate human-readable file, so that coverage checks
// never need to decode the gob payload.
package cache

import (
	"encoding/gob"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stockparfait/errors"

	"github.com/timcera/tsget/series"
)

const (
	rowsFile     = "rows.gob"
	metadataFile = "metadata.json"
)

// Metadata is the schema for the metadata.json file. Start and End record
// the half-open range the series was fetched for, which the rows may cover
// only sparsely.
type Metadata struct {
	Start   series.Time `json:"start"` // fetched range start, inclusive
	End     series.Time `json:"end"`   // fetched range end, exclusive
	NumRows int         `json:"num_rows"`
	Columns []string    `json:"columns"`
}

// Database is an on-disk store of fetched series.
type Database struct {
	cachePath string
}

// NewDatabase creates a Database rooted at cachePath. The directory is
// created lazily on the first write.
func NewDatabase(cachePath string) *Database {
	return &Database{cachePath: cachePath}
}

// sanitize replaces path-hostile characters in a key, e.g. the ':' in
// "GHCND:USW00094728".
func sanitize(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		}
		return '_'
	}, key)
}

func (db *Database) seriesDir(source, key string) string {
	return filepath.Join(db.cachePath, sanitize(source), sanitize(key))
}

func writeGob(fileName string, v interface{}) error {
	f, err := os.OpenFile(fileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.Annotate(err, "failed to open file for writing: '%s'", fileName)
	}
	defer f.Close()
	enc := gob.NewEncoder(f)
	if err = enc.Encode(v); err != nil {
		return errors.Annotate(err, "failed to write to '%s'", fileName)
	}
	return nil
}

func readGob(fileName string, v interface{}) error {
	f, err := os.Open(fileName)
	if err != nil {
		return errors.Annotate(err, "failed to open file for reading: '%s'", fileName)
	}
	defer f.Close()
	dec := gob.NewDecoder(f)
	if err := dec.Decode(v); err != nil {
		return errors.Annotate(err, "failed to read from '%s'", fileName)
	}
	return nil
}

func writeJSON(fileName string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errors.Annotate(err, "failed to marshal JSON for '%s'", fileName)
	}
	if err := os.WriteFile(fileName, data, 0644); err != nil {
		return errors.Annotate(err, "failed to write '%s'", fileName)
	}
	return nil
}

func readJSON(fileName string, v interface{}) error {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return errors.Annotate(err, "failed to read '%s'", fileName)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Annotate(err, "failed to unmarshal '%s'", fileName)
	}
	return nil
}

// WriteSeries stores the series under (source, key), overwriting any
// previous contents. The start and end arguments record the half-open range
// the series was fetched for; zero values fall back to the observed row
// span, which can only underclaim coverage.
func (db *Database) WriteSeries(source, key string, s *series.Series, start, end time.Time) error {
	dir := db.seriesDir(source, key)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Annotate(err, "failed to create directory '%s'", dir)
	}
	rows := s.Rows()
	if err := writeGob(filepath.Join(dir, rowsFile), rows); err != nil {
		return errors.Annotate(err, "failed to write series rows")
	}
	first, last := s.Span()
	if !start.IsZero() {
		first = start
	}
	if !end.IsZero() {
		last = end
	}
	meta := Metadata{
		Start:   series.Time(first),
		End:     series.Time(last),
		NumRows: len(rows),
		Columns: s.Columns(),
	}
	if err := writeJSON(filepath.Join(dir, metadataFile), &meta); err != nil {
		return errors.Annotate(err, "failed to write series metadata")
	}
	return nil
}

// ReadSeries loads the series stored under (source, key).
func (db *Database) ReadSeries(source, key string) (*series.Series, error) {
	var rows []series.Row
	if err := readGob(filepath.Join(db.seriesDir(source, key), rowsFile), &rows); err != nil {
		return nil, errors.Annotate(err, "failed to read series rows")
	}
	s := series.New()
	s.Fold(series.Page(rows))
	return s, nil
}

// Metadata loads the metadata stored under (source, key).
func (db *Database) Metadata(source, key string) (*Metadata, error) {
	var meta Metadata
	if err := readJSON(filepath.Join(db.seriesDir(source, key), metadataFile), &meta); err != nil {
		return nil, errors.Annotate(err, "failed to read series metadata")
	}
	return &meta, nil
}

// Covers checks whether the stored series was fetched for a range that
// spans the half-open [start, end), without decoding the rows. A missing or
// unreadable entry does not cover anything.
func (db *Database) Covers(source, key string, start, end time.Time) bool {
	meta, err := db.Metadata(source, key)
	if err != nil {
		return false
	}
	if meta.NumRows == 0 {
		return false
	}
	first := meta.Start.ToTime()
	last := meta.End.ToTime()
	return !first.After(start) && !last.Before(end)
}

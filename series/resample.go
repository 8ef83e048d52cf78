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

package series

import (
	"strconv"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/stat"
)

// Period is the resampling bucket size.
type Period int

// Values of Period.
const (
	Daily Period = iota
	Monthly
)

// String implements flag.Value-compatible printing.
func (p Period) String() string {
	switch p {
	case Daily:
		return "daily"
	case Monthly:
		return "monthly"
	}
	return "unknown"
}

// ParsePeriod converts a string flag value to a Period.
func ParsePeriod(s string) (Period, error) {
	switch s {
	case "daily":
		return Daily, nil
	case "monthly":
		return Monthly, nil
	}
	return Daily, errors.Reason("unsupported period: '%s' (daily or monthly)", s)
}

func (p Period) truncate(t time.Time) time.Time {
	switch p {
	case Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}
}

// Bucket is one resampled interval of a numeric column.
type Bucket struct {
	Start  time.Time
	Count  int
	Mean   float64
	StdDev float64
}

// CSV cells of the bucket, for table output.
func (b Bucket) CSV() []string {
	return []string{
		b.Start.Format("2006-01-02"),
		strconv.Itoa(b.Count),
		strconv.FormatFloat(b.Mean, 'g', 8, 64),
		strconv.FormatFloat(b.StdDev, 'g', 8, 64),
	}
}

// Resample buckets a numeric column by the given period and reports the
// sample count, mean and standard deviation of each bucket in ascending
// order. Cells that fail to parse as numbers are skipped; buckets with no
// numeric samples are omitted.
func Resample(s *Series, column string, p Period) []Bucket {
	samples := make(map[int64][]float64)
	starts := make(map[int64]time.Time)
	for _, row := range s.Rows() {
		raw, ok := row.Values[column]
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			continue
		}
		start := p.truncate(row.Time)
		key := start.UnixNano()
		samples[key] = append(samples[key], v)
		starts[key] = start
	}
	keys := maps.Keys(samples)
	slices.Sort(keys)
	buckets := make([]Bucket, 0, len(keys))
	for _, key := range keys {
		xs := samples[key]
		b := Bucket{Start: starts[key], Count: len(xs), Mean: stat.Mean(xs, nil)}
		if len(xs) > 1 {
			b.StdDev = stat.StdDev(xs, nil)
		}
		buckets = append(buckets, b)
	}
	return buckets
}

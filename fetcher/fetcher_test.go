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

package fetcher

import (
	"context"
	"testing"
	"time"

	"github.com/stockparfait/errors"
	"golang.org/x/time/rate"

	"github.com/timcera/tsget/series"

	. "github.com/smartystreets/goconvey/convey"
)

func date(y, m, d int) time.Time {
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
}

// dailyRows generates one row per day in [start, end] with the given column.
// The end is inclusive, as most of the upstream services treat it.
func dailyRows(start, end time.Time, column, value string) series.Page {
	var page series.Page
	for t := start; !t.After(end); t = t.AddDate(0, 0, 1) {
		page = append(page, series.Row{
			Time:   t,
			Values: map[string]string{column: value},
		})
	}
	return page
}

// windowRecorder builds a PageFetcher from a response function and records
// every window it was called with.
type windowRecorder struct {
	windows [][2]time.Time
	respond func(call int, start, end time.Time) (series.Page, error)
}

func (w *windowRecorder) fetch(ctx context.Context, start, end time.Time) (series.Page, error) {
	call := len(w.windows)
	w.windows = append(w.windows, [2]time.Time{start, end})
	return w.respond(call, start, end)
}

func TestFetcher(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	day := 24 * time.Hour
	fastRetry := time.Millisecond

	Convey("Fetch walks the range in bounded windows", t, func() {
		cfg := Config{
			Start:   date(2020, 1, 1),
			End:     date(2020, 4, 1), // 91 days
			MaxSpan: 31 * day,
			Query:   "test",
		}

		Convey("full windows produce one call each and a gapless result", func() {
			w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
				return dailyRows(start, end, "v", "1"), nil
			}}
			data, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldBeNil)
			// 91 days at 31 days per window is exactly 3 calls.
			So(len(w.windows), ShouldEqual, 3)
			So(data.Len(), ShouldEqual, 91)

			Convey("rows are in strictly increasing time order", func() {
				rows := data.Rows()
				for i := 1; i < len(rows); i++ {
					So(rows[i-1].Time.Before(rows[i].Time), ShouldBeTrue)
				}
			})

			Convey("windows never exceed MaxSpan and tile the range", func() {
				So(w.windows[0][0].Equal(cfg.Start), ShouldBeTrue)
				for i, win := range w.windows {
					So(win[1].Sub(win[0]), ShouldBeLessThanOrEqualTo, cfg.MaxSpan)
					if i > 0 {
						So(win[0].Equal(w.windows[i-1][1]), ShouldBeTrue)
					}
				}
			})
		})

		Convey("an empty middle window leaves no hole and no error", func() {
			w := &windowRecorder{respond: func(call int, start, end time.Time) (series.Page, error) {
				if call == 1 {
					return nil, nil
				}
				return dailyRows(start, end, "v", "1"), nil
			}}
			data, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldBeNil)
			So(len(w.windows), ShouldEqual, 3)
			// Window 1 covers Jan 1 - Feb 1, window 3 covers Mar 3 - Mar 31.
			So(data.Len(), ShouldEqual, 32+29)
		})

		Convey("a page short of the window end advances the cursor to its last row", func() {
			// The first window returns only 10 of its 31 days, as a server
			// row cap would.
			w := &windowRecorder{respond: func(call int, start, end time.Time) (series.Page, error) {
				if call == 0 {
					return dailyRows(start, start.AddDate(0, 0, 10), "v", "1"), nil
				}
				return dailyRows(start, end, "v", "1"), nil
			}}
			data, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldBeNil)
			// The second window must resume at the last received row, not at
			// the first window's end.
			So(w.windows[1][0].Equal(date(2020, 1, 11)), ShouldBeTrue)
			So(len(w.windows), ShouldEqual, 4)
			So(data.Len(), ShouldEqual, 91)
		})

		Convey("a page that does not advance forces the window end", func() {
			w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
				// Always returns a single row exactly at the window start.
				return series.Page{{Time: start, Values: map[string]string{"v": "1"}}}, nil
			}}
			data, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldBeNil)
			So(len(w.windows), ShouldEqual, 3)
			So(data.Len(), ShouldEqual, 3)
		})

		Convey("MaxSpan equal to the range is a single call", func() {
			cfg := cfg
			cfg.MaxSpan = 91 * day
			w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
				return dailyRows(start, end, "v", "1"), nil
			}}
			_, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldBeNil)
			So(len(w.windows), ShouldEqual, 1)
			So(w.windows[0][1].Equal(cfg.End), ShouldBeTrue)
		})

		Convey("overlapping windows keep the first-seen value", func() {
			w := &windowRecorder{respond: func(call int, start, end time.Time) (series.Page, error) {
				// Each window re-sends the boundary day with a new value.
				return dailyRows(start.AddDate(0, 0, -1), end, "v",
					string(rune('a'+call))), nil
			}}
			data, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldBeNil)
			// Rows before the requested start and at or past the requested
			// end are clipped.
			So(data.Len(), ShouldEqual, 91)
			rows := data.Rows()
			// 2020-02-01 arrives in both window 1 (value "a") and window 2
			// (value "b"); the first write wins.
			for _, row := range rows {
				if row.Time.Equal(date(2020, 2, 1)) {
					So(row.Values["v"], ShouldEqual, "a")
				}
			}
		})
	})

	Convey("Fetch validates its input", t, func() {
		w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
			return dailyRows(start, end, "v", "1"), nil
		}}

		Convey("start must precede end", func() {
			_, err := Fetch(ctx, Config{
				Start: date(2020, 1, 1), End: date(2020, 1, 1), MaxSpan: day,
			}, w.fetch)
			var invalid *InvalidRangeError
			So(errors.As(err, &invalid), ShouldBeTrue)
			So(len(w.windows), ShouldEqual, 0)
		})

		Convey("MaxSpan must be positive", func() {
			_, err := Fetch(ctx, Config{
				Start: date(2020, 1, 1), End: date(2020, 1, 2),
			}, w.fetch)
			var bad *ConfigurationError
			So(errors.As(err, &bad), ShouldBeTrue)
		})
	})

	Convey("Fetch retries transient failures per window", t, func() {
		cfg := Config{
			Start:      date(2020, 1, 1),
			End:        date(2020, 1, 10),
			MaxSpan:    31 * day,
			MaxRetries: 3,
			RetryDelay: fastRetry,
		}

		Convey("two transient failures then success", func() {
			w := &windowRecorder{respond: func(call int, start, end time.Time) (series.Page, error) {
				if call < 2 {
					return nil, &TransientFetchError{Message: "throttled"}
				}
				return dailyRows(start, end, "v", "1"), nil
			}}
			data, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldBeNil)
			So(len(w.windows), ShouldEqual, 3)
			So(data.Len(), ShouldEqual, 9)
		})

		Convey("exhausted budget is FetchExhaustedError naming the window", func() {
			w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
				return nil, &TransientFetchError{Message: "throttled"}
			}}
			_, err := Fetch(ctx, cfg, w.fetch)
			var exhausted *FetchExhaustedError
			So(errors.As(err, &exhausted), ShouldBeTrue)
			So(exhausted.Attempts, ShouldEqual, 3)
			So(exhausted.Start.Equal(cfg.Start), ShouldBeTrue)
			So(len(w.windows), ShouldEqual, 3)

			var transient *TransientFetchError
			So(errors.As(exhausted.Last, &transient), ShouldBeTrue)
		})

		Convey("a fatal failure aborts immediately and discards partial data", func() {
			cfg := cfg
			cfg.End = date(2020, 3, 1)
			w := &windowRecorder{respond: func(call int, start, end time.Time) (series.Page, error) {
				if call == 1 {
					return nil, &FatalFetchError{Message: "bad request"}
				}
				return dailyRows(start, end, "v", "1"), nil
			}}
			data, err := Fetch(ctx, cfg, w.fetch)
			So(data, ShouldBeNil)
			var fatal *FatalFetchError
			So(errors.As(err, &fatal), ShouldBeTrue)
			So(len(w.windows), ShouldEqual, 2)
		})

		Convey("an unclassified error aborts as-is", func() {
			sentinel := errors.Reason("boom")
			w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
				return nil, sentinel
			}}
			_, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldEqual, sentinel)
			So(len(w.windows), ShouldEqual, 1)
		})

		Convey("each window gets a fresh budget", func() {
			cfg := cfg
			cfg.End = date(2020, 3, 1)
			w := &windowRecorder{respond: func(call int, start, end time.Time) (series.Page, error) {
				// Every window fails twice before succeeding.
				if call%3 < 2 {
					return nil, &TransientFetchError{Message: "throttled"}
				}
				return dailyRows(start, end, "v", "1"), nil
			}}
			data, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldBeNil)
			So(len(w.windows), ShouldEqual, 6)
			So(data.Len(), ShouldEqual, 60)
		})
	})

	Convey("Fetch reports an all-empty range as NoDataError", t, func() {
		cfg := Config{
			Start:   date(2020, 1, 1),
			End:     date(2020, 4, 1),
			MaxSpan: 31 * day,
			Query:   "station=42",
		}
		w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
			return series.Page{}, nil
		}}
		_, err := Fetch(ctx, cfg, w.fetch)
		var noData *NoDataError
		So(errors.As(err, &noData), ShouldBeTrue)
		So(noData.Start.Equal(cfg.Start), ShouldBeTrue)
		So(noData.End.Equal(cfg.End), ShouldBeTrue)
		So(noData.Query, ShouldEqual, "station=42")
		So(len(w.windows), ShouldEqual, 3)
	})

	Convey("Fetch honors cancellation and pacing", t, func() {
		cfg := Config{
			Start:      date(2020, 1, 1),
			End:        date(2020, 1, 10),
			MaxSpan:    31 * day,
			RetryDelay: time.Minute,
		}

		Convey("cancellation interrupts the retry delay", func() {
			ctx, cancel := context.WithCancel(context.Background())
			w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
				cancel()
				return nil, &TransientFetchError{Message: "throttled"}
			}}
			_, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldEqual, context.Canceled)
			So(len(w.windows), ShouldEqual, 1)
		})

		Convey("the limiter is consulted before every request", func() {
			cfg := cfg
			// A zero-rate limiter blocks forever; a canceled context must
			// surface instead of a hang.
			cfg.Limiter = rate.NewLimiter(0, 0)
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
				return dailyRows(start, end, "v", "1"), nil
			}}
			_, err := Fetch(ctx, cfg, w.fetch)
			So(err, ShouldNotBeNil)
			So(len(w.windows), ShouldEqual, 0)
		})
	})

	Convey("Fetch merge is idempotent over repeated rows", t, func() {
		cfg := Config{
			Start:   date(2020, 1, 1),
			End:     date(2020, 1, 4),
			MaxSpan: day,
		}
		// Every window returns the same rows covering the whole range.
		w := &windowRecorder{respond: func(_ int, start, end time.Time) (series.Page, error) {
			return dailyRows(date(2020, 1, 1), date(2020, 1, 4), "v", "1"), nil
		}}
		data, err := Fetch(ctx, cfg, w.fetch)
		So(err, ShouldBeNil)
		So(data.Len(), ShouldEqual, 3)
	})
}

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

// Package fetcher retrieves a complete time series from a remote endpoint
// that limits the span or size of a single query. It walks the requested
// range in bounded windows, issues one request per window through a
// caller-supplied PageFetcher, and merges the partial pages into one
// chronologically ordered, duplicate-free series.
//
// The engine owns windowing, retries, pacing and merging. Everything
// service-specific - URL templating, auth, body decoding, and the
// classification of embedded error markers into TransientFetchError or
// FatalFetchError - belongs in the PageFetcher.
package fetcher

import (
	"context"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"golang.org/x/time/rate"

	"github.com/timcera/tsget/series"
)

// PageFetcher performs one bounded network call for the half-open window
// [start, end) and returns the decoded page. Failures must be classified:
// return *TransientFetchError to request a retry, *FatalFetchError to abort.
// Unclassified errors abort the fetch as-is.
type PageFetcher func(ctx context.Context, start, end time.Time) (series.Page, error)

// Defaults for the per-window retry policy.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Config of a single range fetch. The base query is owned by the PageFetcher
// closure; the engine injects only the window bounds.
type Config struct {
	Start      time.Time     // requested start, inclusive
	End        time.Time     // requested end, exclusive; must be after Start
	MaxSpan    time.Duration // maximum span of a single window; must be > 0
	MaxRetries int           // total attempts per window; default DefaultMaxRetries
	RetryDelay time.Duration // delay between attempts; default DefaultRetryDelay
	Limiter    *rate.Limiter // optional pacing applied before every request
	Query      string        // human-readable base query, for errors and logs
}

// Fetch walks [cfg.Start, cfg.End) in windows of at most cfg.MaxSpan,
// fetching each window with pf, and returns the merged series.
//
// Windows are issued sequentially in non-decreasing time order. An empty
// page advances the cursor to the window's end. A non-empty page advances
// the cursor to its latest timestamp, so that a page cut short by the
// server's row limit does not leave a gap; when the page failed to advance
// past the cursor, the cursor is forced to the window's end to guarantee
// progress. Duplicate timestamps from overlapping windows collapse with
// first-write-wins semantics. Services commonly treat the window end as
// inclusive; rows outside [cfg.Start, cfg.End) are dropped from the result.
//
// A fatal failure discards the partial result. A range with zero rows over
// all windows returns *NoDataError.
func Fetch(ctx context.Context, cfg Config, pf PageFetcher) (*series.Series, error) {
	if !cfg.Start.Before(cfg.End) {
		return nil, &InvalidRangeError{Start: cfg.Start, End: cfg.End}
	}
	if cfg.MaxSpan <= 0 {
		return nil, &ConfigurationError{
			Reason: "MaxSpan must be positive, got " + cfg.MaxSpan.String()}
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = DefaultMaxRetries
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = DefaultRetryDelay
	}

	merged := series.New()
	cursor := cfg.Start
	for cursor.Before(cfg.End) {
		windowEnd := cursor.Add(cfg.MaxSpan)
		if windowEnd.After(cfg.End) {
			windowEnd = cfg.End
		}
		page, err := fetchWindow(ctx, cfg, pf, cursor, windowEnd, retries, delay)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			logging.Infof(ctx, "%s: window [%s, %s) is empty",
				cfg.Query, cursor.Format(time.RFC3339), windowEnd.Format(time.RFC3339))
			cursor = windowEnd
			continue
		}
		logging.Infof(ctx, "%s: window [%s, %s) returned %d rows",
			cfg.Query, cursor.Format(time.RFC3339), windowEnd.Format(time.RFC3339),
			len(page))
		if last := page.MaxTime(); last.After(cursor) {
			cursor = last
		} else {
			// The server returned a page that did not advance past the
			// cursor; force the window's end to guarantee progress.
			cursor = windowEnd
		}
		merged.Fold(clip(page, cfg.Start, cfg.End))
	}
	if merged.Empty() {
		return nil, &NoDataError{Start: cfg.Start, End: cfg.End, Query: cfg.Query}
	}
	return merged, nil
}

// clip drops rows outside the half-open range [start, end).
func clip(page series.Page, start, end time.Time) series.Page {
	var out series.Page
	for _, row := range page {
		if row.Time.Before(start) || !row.Time.Before(end) {
			continue
		}
		out = append(out, row)
	}
	return out
}

// fetchWindow fetches one window, retrying transient failures up to the
// per-window budget. Each window's budget is independent.
func fetchWindow(ctx context.Context, cfg Config, pf PageFetcher, start, end time.Time, retries int, delay time.Duration) (series.Page, error) {
	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return nil, errors.Annotate(err, "canceled while pacing requests")
			}
		}
		page, err := pf(ctx, start, end)
		if err == nil {
			return page, nil
		}
		var transient *TransientFetchError
		if !errors.As(err, &transient) {
			// Fatal and unclassified errors abort immediately.
			return nil, err
		}
		lastErr = err
		logging.Warningf(ctx, "%s: window [%s, %s) attempt %d of %d failed: %s",
			cfg.Query, start.Format(time.RFC3339), end.Format(time.RFC3339),
			attempt, retries, err.Error())
		if attempt == retries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, &FetchExhaustedError{
		Start: start, End: end, Attempts: retries, Last: lastErr}
}

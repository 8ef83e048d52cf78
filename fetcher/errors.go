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
	"fmt"
	"time"
)

// InvalidRangeError indicates a caller bug: the requested range is empty or
// inverted. It is never retried.
type InvalidRangeError struct {
	Start time.Time
	End   time.Time
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range: start %s must be before end %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}

// ConfigurationError indicates a caller bug in the fetch configuration, such
// as a non-positive MaxSpan. It is never retried.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "configuration error: " + e.Reason
}

// TransientFetchError is returned by a PageFetcher for failures that may
// succeed on retry: timeouts, 5xx responses, rate-limit signals. The engine
// retries the same window up to the configured budget.
type TransientFetchError struct {
	Message string
	Cause   error
}

func (e *TransientFetchError) Error() string {
	if e.Cause != nil {
		return "transient fetch error: " + e.Message + ": " + e.Cause.Error()
	}
	return "transient fetch error: " + e.Message
}

func (e *TransientFetchError) Unwrap() error { return e.Cause }

// FatalFetchError is returned by a PageFetcher for upstream rejections that
// retrying cannot fix: 4xx responses other than rate limits, malformed
// requests, and error markers embedded in 200-OK bodies. The engine aborts
// immediately and discards any partial result.
type FatalFetchError struct {
	Message string
	Cause   error
}

func (e *FatalFetchError) Error() string {
	if e.Cause != nil {
		return "fatal fetch error: " + e.Message + ": " + e.Cause.Error()
	}
	return "fatal fetch error: " + e.Message
}

func (e *FatalFetchError) Unwrap() error { return e.Cause }

// FetchExhaustedError is returned when a single window failed transiently on
// every attempt of its retry budget. Last is the final transient error.
type FetchExhaustedError struct {
	Start    time.Time
	End      time.Time
	Attempts int
	Last     error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("window [%s, %s) failed after %d attempts: %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339),
		e.Attempts, e.Last.Error())
}

func (e *FetchExhaustedError) Unwrap() error { return e.Last }

// NoDataError is returned when every window of the requested range produced
// zero rows. This is distinct from a single empty window, which is normal.
type NoDataError struct {
	Start time.Time
	End   time.Time
	Query string // human-readable description of the base query
}

func (e *NoDataError) Error() string {
	msg := fmt.Sprintf("no data in range [%s, %s)",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
	if e.Query != "" {
		msg += " for " + e.Query
	}
	return msg
}

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

// Package nwis downloads stream gauge and groundwater observations from the
// USGS National Water Information System water services.
//
// The services speak the tab-delimited RDB format. Instantaneous values come
// stamped in the station's local civil zone ("EST", "PDT", ...), which the
// adapter resolves to an IANA location and converts to UTC, so that series
// from different stations merge on a common clock.
package nwis

import (
	"context"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"golang.org/x/time/rate"

	"github.com/timcera/tsget/fetcher"
	"github.com/timcera/tsget/series"
)

// BaseURL is the root of the water services API. It may be overwritten in
// tests before issuing requests.
var BaseURL = "https://waterservices.usgs.gov/nwis"

// spanDays caps the number of days a single request may cover, per service.
// The instantaneous service limits output size; the daily and groundwater
// services tolerate a decade per call.
var spanDays = map[string]int{
	"iv":       120,
	"dv":       3650,
	"gwlevels": 3650,
}

// MaxSpan returns the window bound for the service.
func MaxSpan(service string) (time.Duration, error) {
	days, ok := spanDays[service]
	if !ok {
		return 0, errors.Reason("unknown NWIS service %q", service)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// Services lists the supported water services.
func Services() []string {
	return []string{"iv", "dv", "gwlevels"}
}

// tzLocations resolves the civil zone abbreviations used in RDB payloads.
var tzLocations = map[string]string{
	"EST":  "America/New_York",
	"EDT":  "America/New_York",
	"CST":  "America/Chicago",
	"CDT":  "America/Chicago",
	"MST":  "America/Denver",
	"MDT":  "America/Denver",
	"PST":  "America/Los_Angeles",
	"PDT":  "America/Los_Angeles",
	"AKST": "America/Anchorage",
	"AKDT": "America/Anchorage",
	"HST":  "Pacific/Honolulu",
}

// Request identifies one site series to download from a water service.
type Request struct {
	Service   string        // "iv", "dv" or "gwlevels"
	Sites     []string      // USGS site numbers
	Parameter string        // parameter code, e.g. "00060" for discharge
	Stat      string        // statistic code for "dv", e.g. "00003" for mean
	Pacing    *rate.Limiter // optional request pacing
}

func (r Request) values() url.Values {
	v := make(url.Values)
	v.Set("format", "rdb")
	v.Set("sites", strings.Join(r.Sites, ","))
	if r.Parameter != "" {
		v.Set("parameterCd", r.Parameter)
	}
	if r.Service == "dv" && r.Stat != "" {
		v.Set("statCd", r.Stat)
	}
	return v
}

// rowTime extracts the UTC timestamp of one RDB row. The instantaneous and
// daily services use a "datetime" column; groundwater levels split the date
// and time into "lev_dt" and "lev_tm".
func rowTime(row map[string]string) (time.Time, error) {
	stamp, ok := row["datetime"]
	zone := row["tz_cd"]
	if !ok {
		stamp = row["lev_dt"]
		if tm := row["lev_tm"]; tm != "" {
			stamp += " " + tm
		}
		zone = row["lev_tz_cd"]
		if stamp == "" {
			return time.Time{}, errors.Reason("RDB row has no timestamp columns")
		}
	}
	if name, ok := tzLocations[zone]; ok {
		loc, err := time.LoadLocation(name)
		if err != nil {
			return time.Time{}, errors.Annotate(err, "failed to load zone %q", name)
		}
		t, err := series.ParseTimeIn(stamp, loc)
		if err != nil {
			return time.Time{}, err
		}
		return t.UTC(), nil
	}
	return series.ParseTime(stamp)
}

// metaColumns never become series values.
var metaColumns = map[string]bool{
	"agency_cd": true,
	"site_no":   true,
	"datetime":  true,
	"tz_cd":     true,
	"lev_dt":    true,
	"lev_tm":    true,
	"lev_tz_cd": true,
}

// tablePage converts a decoded RDB table into a page. Value columns are
// prefixed with the site number, so that multi-site requests stay apart
// after the merge.
func tablePage(table *rdbTable) (series.Page, error) {
	var page series.Page
	for _, raw := range table.Rows {
		t, err := rowTime(raw)
		if err != nil {
			return nil, &fetcher.FatalFetchError{
				Message: "NWIS: bad timestamp in RDB row", Cause: err}
		}
		row := series.Row{Time: t, Values: make(map[string]string)}
		site := raw["site_no"]
		for name, value := range raw {
			if metaColumns[name] || value == "" {
				continue
			}
			key := name
			if site != "" {
				key = site + "_" + name
			}
			row.Values[key] = value
		}
		if len(row.Values) > 0 {
			page = append(page, row)
		}
	}
	return page, nil
}

// classifyBody sniffs failure markers the services embed in the body, at
// times regardless of the HTTP status line.
func classifyBody(status int, body string) error {
	if strings.Contains(body, "503 Service Unavailable") {
		return &fetcher.TransientFetchError{Message: "NWIS: service unavailable"}
	}
	switch {
	case status == 200:
		return nil
	case status == 429 || status >= 500:
		return &fetcher.TransientFetchError{
			Message: "NWIS: HTTP status " + strconv.Itoa(status)}
	case status == 404 && strings.Contains(body, "No sites found"):
		return &fetcher.FatalFetchError{
			Message: "NWIS: no sites found matching the request"}
	default:
		msg := "NWIS: HTTP status " + strconv.Itoa(status)
		if reason := firstLine(body); reason != "" {
			msg += ": " + reason
		}
		return &fetcher.FatalFetchError{Message: msg}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// pageFetcher returns the windowed request capability handed to the engine.
func (r Request) pageFetcher() fetcher.PageFetcher {
	uri := BaseURL + "/" + r.Service + "/"
	base := r.values()
	return func(ctx context.Context, start, end time.Time) (series.Page, error) {
		q := make(url.Values, len(base)+2)
		for k, vals := range base {
			q[k] = vals
		}
		q.Set("startDT", start.UTC().Format("2006-01-02T15:04Z"))
		q.Set("endDT", end.UTC().Format("2006-01-02T15:04Z"))
		resp, err := fetch.GetRetry(ctx, uri, q, nil)
		if err != nil {
			return nil, &fetcher.TransientFetchError{
				Message: "NWIS: request failed", Cause: err}
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &fetcher.TransientFetchError{
				Message: "NWIS: failed to read response body", Cause: err}
		}
		if err := classifyBody(resp.StatusCode, string(body)); err != nil {
			return nil, err
		}
		table, err := parseRDB(string(body))
		if err != nil {
			return nil, &fetcher.FatalFetchError{
				Message: "NWIS: malformed RDB body", Cause: err}
		}
		return tablePage(table)
	}
}

// Fetch downloads the requested series for the half-open range [start, end).
func Fetch(ctx context.Context, r Request, start, end time.Time) (*series.Series, error) {
	if len(r.Sites) == 0 {
		return nil, errors.Reason("at least one site is required")
	}
	maxSpan, err := MaxSpan(r.Service)
	if err != nil {
		return nil, err
	}
	cfg := fetcher.Config{
		Start:   start,
		End:     end,
		MaxSpan: maxSpan,
		Limiter: r.Pacing,
		Query:   "nwis " + r.Service + " sites=" + strings.Join(r.Sites, ","),
	}
	return fetcher.Fetch(ctx, cfg, r.pageFetcher())
}

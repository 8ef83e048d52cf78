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

// Package coops downloads observed and predicted water data from the NOAA
// CO-OPS "datagetter" API (tides and currents).
//
// The API caps the span of a single request per product: high-frequency
// products such as water_level allow only 31 days per call, while monthly
// summaries allow a decade. The adapter supplies these caps as the window
// bound to the fetcher engine and decodes each window's JSON body into rows.
//
// The service reports failures as an "error" object inside a 200-OK body;
// the adapter classifies those before any page is built. A "No data" message
// is a normal empty window, not an error.
package coops

import (
	"context"
	"encoding/json"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/iterator"
	"github.com/stockparfait/logging"
	"golang.org/x/time/rate"

	"github.com/timcera/tsget/fetcher"
	"github.com/timcera/tsget/series"
)

// URL is the default endpoint of the datagetter API. It may be overwritten
// in tests before issuing requests.
var URL = "https://api.tidesandcurrents.noaa.gov/api/prod/datagetter"

// MetadataURL is the default endpoint of the station metadata API.
var MetadataURL = "https://api.tidesandcurrents.noaa.gov/mdapi/prod/webapi/stations"

// spanDays caps the number of days a single request may cover, per product.
var spanDays = map[string]int{
	"water_level":            31,
	"air_temperature":        365,
	"water_temperature":      365,
	"wind":                   365,
	"air_gap":                31,
	"conductivity":           365,
	"visibility":             365,
	"humidity":               365,
	"salinity":               31,
	"hourly_height":          365,
	"high_low":               365,
	"daily_mean":             3650,
	"monthly_mean":           3650,
	"one_minute_water_level": 4,
	"predictions":            31,
	"currents":               31,
	"air_pressure":           365,
}

// unitsMap annotates value columns per product and unit system.
var unitsMap = map[string]map[string]string{
	"metric": {
		"water_level":            "m",
		"hourly_height":          "m",
		"high_low":               "m",
		"daily_mean":             "m",
		"monthly_mean":           "m",
		"one_minute_water_level": "m",
		"predictions":            "m",
		"air_gap":                "m",
		"air_temperature":        "degC",
		"water_temperature":      "degC",
		"wind":                   "m/s",
		"air_pressure":           "mb",
		"conductivity":           "mS/cm",
		"humidity":               "percent",
		"salinity":               "PSU",
		"visibility":             "km",
		"currents":               "cm/s",
	},
	"english": {
		"water_level":            "ft",
		"hourly_height":          "ft",
		"high_low":               "ft",
		"daily_mean":             "ft",
		"monthly_mean":           "ft",
		"one_minute_water_level": "ft",
		"predictions":            "ft",
		"air_gap":                "ft",
		"air_temperature":        "degF",
		"water_temperature":      "degF",
		"wind":                   "kn",
		"air_pressure":           "mb",
		"conductivity":           "mS/cm",
		"humidity":               "percent",
		"salinity":               "PSU",
		"visibility":             "nmi",
		"currents":               "kn",
	},
}

// MaxSpan returns the window bound for the product. Unknown products get the
// most conservative bound.
func MaxSpan(product string) time.Duration {
	days, ok := spanDays[product]
	if !ok {
		days = 4
	}
	return time.Duration(days) * 24 * time.Hour
}

// Products lists the supported time-series products.
func Products() []string {
	products := make([]string, 0, len(spanDays))
	for p := range spanDays {
		products = append(products, p)
	}
	return products
}

// Request identifies one station product to download. Zero-valued optional
// fields assume the service defaults.
type Request struct {
	Station  string
	Product  string
	Datum    string        // required by water level products, e.g. "MLLW"
	Units    string        // "metric" (default) or "english"
	TimeZone string        // "gmt" (default), "lst" or "lst_ldt"
	Interval string        // e.g. "h" or "hilo", product-specific
	Bin      int           // current meter bin number, 0 = all bins
	Pacing   *rate.Limiter // optional request pacing
}

func (r Request) units() string {
	if r.Units == "" {
		return "metric"
	}
	return r.Units
}

func (r Request) timeZone() string {
	if r.TimeZone == "" {
		return "gmt"
	}
	return r.TimeZone
}

// TimeZoneName is the resolved zone label for the series index, e.g. "UTC".
func (r Request) TimeZoneName() string {
	tz := r.timeZone()
	if tz == "gmt" {
		return "UTC"
	}
	return tz
}

// baseValues builds the immutable request parameters; the window dates are
// injected per call on a fresh copy.
func (r Request) baseValues() url.Values {
	v := make(url.Values)
	v.Set("station", r.Station)
	v.Set("product", r.Product)
	v.Set("units", r.units())
	v.Set("time_zone", r.timeZone())
	v.Set("format", "json")
	v.Set("application", "tsget")
	if r.Datum != "" {
		v.Set("datum", r.Datum)
	}
	if r.Interval != "" {
		v.Set("interval", r.Interval)
	}
	if r.Bin > 0 {
		v.Set("bin", strconv.Itoa(r.Bin))
	}
	return v
}

// columnNames maps the terse field codes of the datagetter payload to
// annotated column names for the product.
func columnNames(product, units string) map[string]string {
	u := unitsMap[units][product]
	annotate := func(name string) string {
		if u == "" {
			return name
		}
		return name + ":" + u
	}
	m := map[string]string{
		"v":  annotate(product),
		"s":  annotate(product + "_sigma"),
		"q":  product + "_quality",
		"f":  product + "_flags",
		"ty": product + "_type",
		"d":  product + "_direction:degrees",
		"dr": product + "_direction:text",
		"g":  annotate("wind_gust"),
		"b":  product + "_bin_number",
	}
	switch product {
	case "wind", "currents":
		m["s"] = annotate(product + "_speed")
	case "salinity":
		m["s"] = annotate("salinity")
		m["g"] = "specific_gravity"
	}
	return m
}

// apiError is the error object the service embeds in 200-OK bodies.
type apiError struct {
	Message string `json:"message"`
}

// response is the JSON shape of one datagetter page. All data fields are
// strings on the wire.
type response struct {
	Data        []map[string]string `json:"data"`
	Predictions []map[string]string `json:"predictions"`
	Error       *apiError           `json:"error"`
}

// classifyMessage converts an embedded error message into the engine's
// taxonomy. "No data" for a window is normal and yields an empty page.
func classifyMessage(msg string) error {
	if containsFold(msg, "no data") {
		return nil
	}
	if containsFold(msg, "rate limit") || containsFold(msg, "per second") {
		return &fetcher.TransientFetchError{Message: "CO-OPS: " + msg}
	}
	return &fetcher.FatalFetchError{Message: "CO-OPS: " + msg}
}

func decodePage(body []byte, product, units string) (series.Page, error) {
	var resp response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &fetcher.FatalFetchError{
			Message: "CO-OPS: failed to decode response body", Cause: err}
	}
	if resp.Error != nil {
		return nil, classifyMessage(resp.Error.Message)
	}
	items := resp.Data
	if product == "predictions" {
		items = resp.Predictions
	}
	names := columnNames(product, units)
	var page series.Page
	for _, item := range items {
		t, err := itemTime(item)
		if err != nil {
			return nil, &fetcher.FatalFetchError{
				Message: "CO-OPS: bad timestamp in response", Cause: err}
		}
		row := series.Row{Time: t, Values: make(map[string]string)}
		for code, value := range item {
			switch code {
			case "t", "year", "month":
				continue
			}
			if value == "" {
				continue
			}
			name, ok := names[code]
			if !ok {
				name = product + "_" + code
			}
			row.Values[name] = value
		}
		if len(row.Values) > 0 {
			page = append(page, row)
		}
	}
	return page, nil
}

// itemTime extracts the timestamp. Monthly means carry year and month fields
// instead of "t".
func itemTime(item map[string]string) (time.Time, error) {
	if t, ok := item["t"]; ok {
		return series.ParseTime(t)
	}
	year, err := strconv.Atoi(item["year"])
	if err != nil {
		return time.Time{}, errors.Reason("row has neither 't' nor 'year' fields")
	}
	month, err := strconv.Atoi(item["month"])
	if err != nil {
		return time.Time{}, errors.Reason("row has 'year' but no valid 'month' field")
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC), nil
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string{}, vals...)
	}
	return out
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

// pageFetcher returns the windowed request capability handed to the engine.
func (r Request) pageFetcher() fetcher.PageFetcher {
	base := r.baseValues()
	return func(ctx context.Context, start, end time.Time) (series.Page, error) {
		q := cloneValues(base)
		q.Set("begin_date", start.Format("20060102"))
		q.Set("end_date", end.Format("20060102"))
		resp, err := fetch.GetRetry(ctx, URL, q, nil)
		if err != nil {
			return nil, &fetcher.TransientFetchError{
				Message: "CO-OPS: request failed", Cause: err}
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &fetcher.TransientFetchError{
				Message: "CO-OPS: failed to read response body", Cause: err}
		}
		switch {
		case resp.StatusCode == 200:
		case resp.StatusCode == 429 || resp.StatusCode >= 500:
			return nil, &fetcher.TransientFetchError{
				Message: "CO-OPS: HTTP status " + resp.Status}
		default:
			return nil, &fetcher.FatalFetchError{
				Message: "CO-OPS: HTTP status " + resp.Status}
		}
		return decodePage(body, r.Product, r.units())
	}
}

// stationInfo is the subset of the station metadata payload used to clip an
// unbounded request range.
type stationInfo struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Established *series.Time `json:"established"`
	Removed     *series.Time `json:"removed"`
}

type stationResponse struct {
	Stations []stationInfo `json:"stations"`
}

// StationRange returns the observation period of a station: the established
// date through the removed date, or now for stations still in service.
func StationRange(ctx context.Context, station string) (start, end time.Time, err error) {
	uri := MetadataURL + "/" + station + ".json"
	query := make(url.Values)
	query.Set("expand", "details")
	var resp stationResponse
	if err = fetch.FetchJSON(ctx, uri, &resp, query, nil); err != nil {
		err = errors.Annotate(err, "failed to fetch metadata for station %s", station)
		return
	}
	if len(resp.Stations) == 0 {
		err = errors.Reason("station %s not found", station)
		return
	}
	info := resp.Stations[0]
	start = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)
	if info.Established != nil && !info.Established.ToTime().IsZero() {
		start = info.Established.ToTime()
	}
	end = time.Now().UTC()
	if info.Removed != nil && !info.Removed.ToTime().IsZero() {
		end = info.Removed.ToTime()
	}
	return start, end, nil
}

// Fetch downloads one product for the half-open range [start, end). Zero
// start/end values are filled from the station's observation period.
func Fetch(ctx context.Context, r Request, start, end time.Time) (*series.Series, error) {
	if r.Station == "" {
		return nil, errors.Reason("station is required")
	}
	if r.Product == "" {
		return nil, errors.Reason("product is required")
	}
	if start.IsZero() || end.IsZero() {
		first, last, err := StationRange(ctx, r.Station)
		if err != nil {
			return nil, errors.Annotate(err, "failed to resolve station range")
		}
		if start.IsZero() {
			start = first
		}
		if end.IsZero() {
			end = last
		}
	}
	cfg := fetcher.Config{
		Start:   start,
		End:     end,
		MaxSpan: MaxSpan(r.Product),
		Limiter: r.Pacing,
		Query:   "coops station=" + r.Station + " product=" + r.Product,
	}
	return fetcher.Fetch(ctx, cfg, r.pageFetcher())
}

type productResult struct {
	product string
	data    *series.Series
	err     error
}

// FetchProducts downloads several products for one station and merges them
// into a single series. Products are fetched in parallel; the merge is
// deterministic in the listed product order, independent of completion
// order. A product with no data in the range is skipped with a warning; the
// result is NoDataError only when every product came back empty.
func FetchProducts(ctx context.Context, r Request, products []string, start, end time.Time) (*series.Series, error) {
	if len(products) == 0 {
		return nil, errors.Reason("at least one product is required")
	}
	f := func(product string) productResult {
		req := r
		req.Product = product
		data, err := Fetch(ctx, req, start, end)
		return productResult{product: product, data: data, err: err}
	}
	pm := iterator.ParallelMap(ctx, len(products), iterator.FromSlice(products), f)
	defer pm.Close()

	byProduct := iterator.Reduce[productResult, map[string]productResult](
		pm, map[string]productResult{},
		func(res productResult, m map[string]productResult) map[string]productResult {
			m[res.product] = res
			return m
		})

	merged := series.New()
	for _, product := range products {
		res := byProduct[product]
		if res.err != nil {
			var noData *fetcher.NoDataError
			if errors.As(res.err, &noData) {
				logging.Warningf(ctx, "no %s data for station %s in range",
					product, r.Station)
				continue
			}
			return nil, errors.Annotate(res.err,
				"failed to fetch %s for station %s", product, r.Station)
		}
		merged.Fold(series.Page(res.data.Rows()))
	}
	if merged.Empty() {
		return nil, &fetcher.NoDataError{
			Start: start, End: end, Query: "coops station=" + r.Station}
	}
	return merged, nil
}

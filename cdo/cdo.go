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

// Package cdo downloads climate observations from the NOAA Climate Data
// Online (CDO) v2 API.
//
// CDO requires a per-user token and enforces two limits which this adapter
// works within: each request may cover at most one year (a decade for the
// annual and monthly normals), and each response returns at most 1000 rows,
// continued via a limit/offset resultset. The window bound is handled by the
// fetcher engine; the offset paging is handled here, inside a single window.
//
// The quota errors differ in kind: exceeding the per-second rate is
// retriable, exceeding the daily quota is not.
package cdo

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/stockparfait/errors"
	"github.com/stockparfait/fetch"
	"github.com/stockparfait/logging"
	"golang.org/x/time/rate"

	"github.com/timcera/tsget/fetcher"
	"github.com/timcera/tsget/series"
)

type contextKey int

const (
	clientContextKey contextKey = iota
)

// URL is the default base URL of the server. It may be overwritten in tests
// before creating a new client.
var URL = "https://www.ncei.noaa.gov/cdo-web/api/v2"

// stationCacheSize bounds the station metadata memoization per client.
const stationCacheSize = 128

// maxPageRows is the server's hard cap on rows per response.
const maxPageRows = 1000

// Client for querying the CDO API.
type Client struct {
	baseURL  string
	token    string     // per-user access token, sent as the "token" header
	stations *lru.Cache // station ID -> *StationMeta
}

// newClient creates a new client.
func newClient(baseURL, token string) *Client {
	cache, err := lru.New(stationCacheSize)
	if err != nil {
		// lru.New fails only for a non-positive size.
		panic(err)
	}
	return &Client{
		baseURL:  baseURL,
		token:    token,
		stations: cache,
	}
}

// GetClient extracts the Client from the context, if any.
func GetClient(ctx context.Context) *Client {
	c, ok := ctx.Value(clientContextKey).(*Client)
	if !ok {
		return nil
	}
	return c
}

// tokenTransport attaches the per-user token header to every request.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r := req.Clone(req.Context())
	r.Header.Set("token", t.token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(r)
}

// httpClient copies base (or the default client) so that every request sent
// through the copy carries the client's token header.
func (c *Client) httpClient(base *http.Client) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	h := *base
	h.Transport = &tokenTransport{token: c.token, base: base.Transport}
	return &h
}

// UseClient creates a new client based on the access token and injects it
// into the context, together with an HTTP client whose requests carry the
// token as a "token" header.
func UseClient(ctx context.Context, token string) context.Context {
	c := newClient(URL, token)
	ctx = context.WithValue(ctx, clientContextKey, c)
	return fetch.UseClient(ctx, c.httpClient(nil))
}

// datasetSpanDays caps the number of days a single request may cover, per
// dataset.
var datasetSpanDays = map[string]int{
	"GHCND":      365,
	"GSOM":       3650,
	"GSOY":       3650,
	"NEXRAD2":    365,
	"NEXRAD3":    365,
	"NORMAL_ANN": 3650,
	"NORMAL_DLY": 365,
	"NORMAL_HLY": 365,
	"NORMAL_MLY": 3650,
	"PRECIP_15":  365,
	"PRECIP_HLY": 365,
}

// MaxSpan returns the window bound for the dataset.
func MaxSpan(dataset string) (time.Duration, error) {
	days, ok := datasetSpanDays[dataset]
	if !ok {
		return 0, errors.Reason("unknown CDO dataset %q", dataset)
	}
	return time.Duration(days) * 24 * time.Hour, nil
}

// Datasets lists the supported dataset IDs.
func Datasets() []string {
	datasets := make([]string, 0, len(datasetSpanDays))
	for d := range datasetSpanDays {
		datasets = append(datasets, d)
	}
	return datasets
}

// DataQuery is a builder for a data request. Builder methods create a copy,
// leaving the original intact.
type DataQuery struct {
	dataset   string
	station   string
	datatypes []string
	units     string
	limit     int
	pacing    *rate.Limiter
}

// NewDataQuery creates a new query for the dataset.
func NewDataQuery(dataset string) *DataQuery {
	return &DataQuery{dataset: dataset, limit: maxPageRows}
}

// Copy creates a deep copy of the query.
func (q *DataQuery) Copy() *DataQuery {
	q2 := *q
	q2.datatypes = make([]string, len(q.datatypes))
	copy(q2.datatypes, q.datatypes)
	return &q2
}

// Station restricts the query to one station, e.g. "GHCND:USW00094728".
func (q *DataQuery) Station(station string) *DataQuery {
	q2 := q.Copy()
	q2.station = station
	return q2
}

// DataTypes restricts the result to these data types, e.g. "TMAX", "PRCP".
func (q *DataQuery) DataTypes(datatypes ...string) *DataQuery {
	q2 := q.Copy()
	q2.datatypes = datatypes
	return q2
}

// Units requests converted values: "standard" or "metric". Unset leaves the
// values in the dataset's native units.
func (q *DataQuery) Units(units string) *DataQuery {
	q2 := q.Copy()
	q2.units = units
	return q2
}

// Limit sets the page size, [1..1000].
func (q *DataQuery) Limit(limit int) *DataQuery {
	if limit < 1 {
		limit = 1
	}
	if limit > maxPageRows {
		limit = maxPageRows
	}
	q2 := q.Copy()
	q2.limit = limit
	return q2
}

// Pacing sets an optional request rate limiter. CDO allows 5 requests per
// second per token.
func (q *DataQuery) Pacing(limiter *rate.Limiter) *DataQuery {
	q2 := q.Copy()
	q2.pacing = limiter
	return q2
}

// Values returns the query values without the window dates and offset. Each
// call creates a new object.
func (q *DataQuery) Values() url.Values {
	v := make(url.Values)
	v.Set("datasetid", q.dataset)
	if q.station != "" {
		v.Set("stationid", q.station)
	}
	for _, dt := range q.datatypes {
		v.Add("datatypeid", dt)
	}
	if q.units != "" {
		v.Set("units", q.units)
	}
	v.Set("limit", strconv.Itoa(q.limit))
	return v
}

// resultset is the paging state of one response.
type resultset struct {
	Offset int `json:"offset"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
}

type pageMetadata struct {
	Resultset resultset `json:"resultset"`
}

// dataItem is one observation. The value arrives as a JSON number; it is
// kept in its wire representation.
type dataItem struct {
	Date       string      `json:"date"`
	DataType   string      `json:"datatype"`
	Station    string      `json:"station"`
	Attributes string      `json:"attributes"`
	Value      json.Number `json:"value"`
}

// dataPage is the format of a single page of data.
type dataPage struct {
	Metadata pageMetadata `json:"metadata"`
	Results  []dataItem   `json:"results"`
}

// TestDataPage generates the JSON string in the format returned by the data
// endpoint. For use in tests.
func TestDataPage(items []dataItem, offset, count, limit int) (string, error) {
	b, err := json.Marshal(&dataPage{
		Metadata: pageMetadata{Resultset: resultset{
			Offset: offset, Count: count, Limit: limit}},
		Results: items,
	})
	return string(b), err
}

// classifyStatus converts an HTTP failure into the engine's taxonomy. The
// 429 wording distinguishes a momentary rate overrun from an exhausted daily
// quota.
func classifyStatus(status int, body string) error {
	switch {
	case status == 200:
		return nil
	case status == 429:
		if strings.Contains(body, "per day") {
			return &fetcher.FatalFetchError{
				Message: "CDO: daily request quota exhausted"}
		}
		return &fetcher.TransientFetchError{
			Message: "CDO: request rate exceeded"}
	case status >= 500:
		return &fetcher.TransientFetchError{
			Message: "CDO: HTTP status " + strconv.Itoa(status)}
	default:
		return &fetcher.FatalFetchError{
			Message: "CDO: HTTP status " + strconv.Itoa(status) + ": " + body}
	}
}

// get issues one GET and decodes the JSON body into v. Authentication rides
// on the context's HTTP client, installed by UseClient.
func (c *Client) get(ctx context.Context, path string, query url.Values, v interface{}) error {
	resp, err := fetch.GetRetry(ctx, c.baseURL+path, query, nil)
	if err != nil {
		return &fetcher.TransientFetchError{
			Message: "CDO: request failed", Cause: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &fetcher.TransientFetchError{
			Message: "CDO: failed to read response body", Cause: err}
	}
	if err := classifyStatus(resp.StatusCode, string(body)); err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &fetcher.FatalFetchError{
			Message: "CDO: failed to decode response body", Cause: err}
	}
	return nil
}

// readWindow downloads all pages of one window, walking the resultset
// offsets until count is exhausted. Offsets are 1-based.
func (q *DataQuery) readWindow(ctx context.Context, start, end time.Time) (series.Page, error) {
	client := GetClient(ctx)
	if client == nil {
		return nil, &fetcher.FatalFetchError{Message: "CDO: no client in context"}
	}
	base := q.Values()
	base.Set("startdate", start.Format("2006-01-02"))
	// The server treats enddate as inclusive.
	last := end.AddDate(0, 0, -1)
	if last.Before(start) {
		last = start
	}
	base.Set("enddate", last.Format("2006-01-02"))

	var page series.Page
	for offset := 1; ; {
		if q.pacing != nil {
			if err := q.pacing.Wait(ctx); err != nil {
				return nil, errors.Annotate(err, "canceled while pacing requests")
			}
		}
		query := make(url.Values, len(base)+1)
		for k, vals := range base {
			query[k] = vals
		}
		query.Set("offset", strconv.Itoa(offset))
		var resp dataPage
		if err := client.get(ctx, "/data", query, &resp); err != nil {
			return nil, err
		}
		rows, err := itemRows(resp.Results, q.station == "")
		if err != nil {
			return nil, err
		}
		page = append(page, rows...)
		rs := resp.Metadata.Resultset
		logging.Infof(ctx, "CDO %s: offset %d of %d rows", q.dataset,
			rs.Offset, rs.Count)
		offset += len(resp.Results)
		if len(resp.Results) == 0 || offset > rs.Count {
			break
		}
	}
	return page, nil
}

// itemRows pivots the flat observation list into one row per timestamp with
// a column per data type, plus its source attributes. When the items may
// span several stations, the columns are prefixed with the station ID to
// keep the stations apart. Duplicate cells keep the first value.
func itemRows(items []dataItem, byStation bool) (series.Page, error) {
	var order []time.Time
	byTime := make(map[time.Time]map[string]string)
	for _, item := range items {
		t, err := series.ParseTime(item.Date)
		if err != nil {
			return nil, &fetcher.FatalFetchError{
				Message: "CDO: bad date in response", Cause: err}
		}
		values, ok := byTime[t]
		if !ok {
			values = make(map[string]string)
			byTime[t] = values
			order = append(order, t)
		}
		name := item.DataType
		if byStation && item.Station != "" {
			name = item.Station + "_" + name
		}
		if _, ok := values[name]; !ok {
			values[name] = item.Value.String()
			if item.Attributes != "" {
				values[name+"_att"] = item.Attributes
			}
		}
	}
	page := make(series.Page, 0, len(order))
	for _, t := range order {
		page = append(page, series.Row{Time: t, Values: byTime[t]})
	}
	return page, nil
}

// Read downloads the requested series for the half-open range [start, end).
// Zero start/end values are filled from the station's period of record.
func (q *DataQuery) Read(ctx context.Context, start, end time.Time) (*series.Series, error) {
	if q.dataset == "" {
		return nil, errors.Reason("dataset is required")
	}
	maxSpan, err := MaxSpan(q.dataset)
	if err != nil {
		return nil, err
	}
	if start.IsZero() || end.IsZero() {
		if q.station == "" {
			return nil, errors.Reason(
				"start and end are required for queries without a station")
		}
		meta, err := FetchStationMeta(ctx, q.station)
		if err != nil {
			return nil, errors.Annotate(err, "failed to resolve station range")
		}
		if start.IsZero() {
			start = meta.MinDate.ToTime()
		}
		if end.IsZero() {
			// maxdate is the last day with data, inclusive.
			end = meta.MaxDate.ToTime().AddDate(0, 0, 1)
		}
	}
	cfg := fetcher.Config{
		Start:   start,
		End:     end,
		MaxSpan: maxSpan,
		Query:   "cdo dataset=" + q.dataset + " station=" + q.station,
	}
	return fetcher.Fetch(ctx, cfg, q.readWindow)
}

// StationMeta is the station metadata returned by the stations endpoint.
type StationMeta struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	MinDate   series.Time `json:"mindate"`
	MaxDate   series.Time `json:"maxdate"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
}

// FetchStationMeta obtains the metadata of one station, memoized per client
// in an LRU cache.
func FetchStationMeta(ctx context.Context, station string) (*StationMeta, error) {
	client := GetClient(ctx)
	if client == nil {
		return nil, errors.Reason("no client in context")
	}
	if cached, ok := client.stations.Get(station); ok {
		return cached.(*StationMeta), nil
	}
	var meta StationMeta
	if err := client.get(ctx, "/stations/"+station, nil, &meta); err != nil {
		return nil, errors.Annotate(err, "failed to fetch station %s", station)
	}
	client.stations.Add(station, &meta)
	return &meta, nil
}

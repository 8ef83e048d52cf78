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

// Command tsget downloads a time series from one of the supported data
// services (NOAA CO-OPS, USGS NWIS, NOAA CDO), walking long ranges in
// service-sized windows, and prints it as aligned text or CSV. Fetched
// series are cached on disk and reused when they cover the requested range.
package main

import (
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stockparfait/errors"
	"github.com/stockparfait/logging"
	"golang.org/x/time/rate"

	"github.com/timcera/tsget/cache"
	"github.com/timcera/tsget/cdo"
	"github.com/timcera/tsget/coops"
	"github.com/timcera/tsget/nwis"
	"github.com/timcera/tsget/series"
	"github.com/timcera/tsget/table"

	toml "github.com/pelletier/go-toml/v2"
)

type Flags struct {
	Source   string // required: coops, nwis or cdo
	Start    string // inclusive range start; default: the station's earliest
	End      string // exclusive range end; default: the station's latest
	CacheDir string // default: ~/.tsget
	Refresh  bool   // ignore the cache and refetch
	CSV      bool   // dump CSV format; default: text
	LogLevel logging.Level

	// coops flags.
	Station  string
	Products string // comma-separated products
	Datum    string
	Units    string
	TimeZone string
	Interval string
	Bin      int

	// nwis flags.
	Service   string
	Sites     string // comma-separated site numbers
	Parameter string
	Stat      string

	// cdo flags.
	Dataset   string
	DataTypes string // comma-separated data types

	// Resampling of one numeric column; empty = raw rows.
	Resample       string
	ResampleColumn string

	RPS float64 // request pacing, requests per second; 0 = unpaced
}

func parseFlags(args []string) (*Flags, error) {
	var flags Flags
	fs := flag.NewFlagSet("tsget", flag.ExitOnError)
	fs.StringVar(&flags.Source, "source", "",
		"data service: coops, nwis or cdo (required)")
	fs.StringVar(&flags.Start, "start", "", "range start, inclusive, e.g. 2020-01-01")
	fs.StringVar(&flags.End, "end", "", "range end, exclusive")
	fs.StringVar(&flags.CacheDir, "cache",
		filepath.Join(os.Getenv("HOME"), ".tsget"),
		"path to the series cache and config")
	fs.BoolVar(&flags.Refresh, "refresh", false, "ignore the cache and refetch")
	fs.BoolVar(&flags.CSV, "csv", false, "print table in CSV format; default: text")
	flags.LogLevel = logging.Info
	fs.Var(&flags.LogLevel, "log-level", "Log level: debug, info, warning, error")

	fs.StringVar(&flags.Station, "station", "", "station ID (coops, cdo)")
	fs.StringVar(&flags.Products, "products", "water_level",
		"comma-separated coops products")
	fs.StringVar(&flags.Datum, "datum", "", "vertical datum, e.g. MLLW (coops)")
	fs.StringVar(&flags.Units, "units", "", "unit system: metric or english")
	fs.StringVar(&flags.TimeZone, "time-zone", "", "gmt, lst or lst_ldt (coops)")
	fs.StringVar(&flags.Interval, "interval", "", "data interval, e.g. h or hilo (coops)")
	fs.IntVar(&flags.Bin, "bin", 0, "current meter bin number (coops currents)")

	fs.StringVar(&flags.Service, "service", "iv",
		"nwis service: iv, dv or gwlevels")
	fs.StringVar(&flags.Sites, "sites", "", "comma-separated USGS site numbers (nwis)")
	fs.StringVar(&flags.Parameter, "parameter", "", "USGS parameter code (nwis)")
	fs.StringVar(&flags.Stat, "stat", "", "USGS statistic code (nwis dv)")

	fs.StringVar(&flags.Dataset, "dataset", "GHCND", "CDO dataset ID")
	fs.StringVar(&flags.DataTypes, "datatypes", "",
		"comma-separated CDO data types, e.g. TMAX,PRCP")

	fs.StringVar(&flags.Resample, "resample", "",
		"resample one column by period: daily or monthly")
	fs.StringVar(&flags.ResampleColumn, "resample-column", "",
		"column to resample (required with -resample)")

	fs.Float64Var(&flags.RPS, "rps", 0, "request pacing in requests per second")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	switch flags.Source {
	case "coops", "cdo":
		if flags.Station == "" {
			return nil, errors.Reason("-station is required for -source %s",
				flags.Source)
		}
	case "nwis":
		if flags.Sites == "" {
			return nil, errors.Reason("-sites is required for -source nwis")
		}
	case "":
		return nil, errors.Reason("missing required -source argument")
	default:
		return nil, errors.Reason(
			"unsupported -source '%s'; expected coops, nwis or cdo", flags.Source)
	}
	if flags.Resample != "" {
		if _, err := series.ParsePeriod(flags.Resample); err != nil {
			return nil, err
		}
		if flags.ResampleColumn == "" {
			return nil, errors.Reason("-resample-column is required with -resample")
		}
	}
	return &flags, nil
}

// Config is the schema of the optional config.toml in the cache directory.
type Config struct {
	Token string `toml:"token"` // CDO access token
}

func parseConfig(dir string) (*Config, error) {
	filePath := filepath.Join(dir, "config.toml")
	if _, err := os.Stat(filePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			sample := `token = "YourSecretCDOToken"
`
			err = errors.Annotate(err,
				"config file '%s' does not exist.\nPlease create config file containing:\n%s",
				filePath, sample)
			return nil, err
		}
		return nil, errors.Annotate(err,
			"cannot check config file for existence: '%s'", filePath)
	}
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Annotate(err, "failed to open config file %s", filePath)
	}
	defer f.Close()

	d := toml.NewDecoder(f)
	var c Config
	if err := d.Decode(&c); err != nil {
		return nil, errors.Annotate(err, "failed to read config file %s", filePath)
	}
	return &c, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseRange(flags *Flags) (start, end time.Time, err error) {
	if flags.Start != "" {
		if start, err = series.ParseTime(flags.Start); err != nil {
			err = errors.Annotate(err, "failed to parse -start")
			return
		}
	}
	if flags.End != "" {
		if end, err = series.ParseTime(flags.End); err != nil {
			err = errors.Annotate(err, "failed to parse -end")
			return
		}
	}
	return
}

func pacing(flags *Flags) *rate.Limiter {
	if flags.RPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(flags.RPS), 1)
}

// cacheKey identifies the series within the source's cache namespace.
func cacheKey(flags *Flags) string {
	switch flags.Source {
	case "coops":
		return flags.Station + "/" + flags.Products
	case "nwis":
		return flags.Service + "/" + flags.Sites + "/" + flags.Parameter
	default:
		return flags.Dataset + "/" + flags.Station + "/" + flags.DataTypes
	}
}

func fetchSeries(ctx context.Context, flags *Flags, start, end time.Time) (*series.Series, error) {
	switch flags.Source {
	case "coops":
		req := coops.Request{
			Station:  flags.Station,
			Datum:    flags.Datum,
			Units:    flags.Units,
			TimeZone: flags.TimeZone,
			Interval: flags.Interval,
			Bin:      flags.Bin,
			Pacing:   pacing(flags),
		}
		products := splitList(flags.Products)
		if len(products) == 1 {
			req.Product = products[0]
			return coops.Fetch(ctx, req, start, end)
		}
		return coops.FetchProducts(ctx, req, products, start, end)
	case "nwis":
		req := nwis.Request{
			Service:   flags.Service,
			Sites:     splitList(flags.Sites),
			Parameter: flags.Parameter,
			Stat:      flags.Stat,
			Pacing:    pacing(flags),
		}
		return nwis.Fetch(ctx, req, start, end)
	default: // cdo
		config, err := parseConfig(flags.CacheDir)
		if err != nil {
			return nil, errors.Annotate(err, "failed to parse config")
		}
		ctx = cdo.UseClient(ctx, config.Token)
		q := cdo.NewDataQuery(flags.Dataset).Station(flags.Station).Pacing(pacing(flags))
		if flags.DataTypes != "" {
			q = q.DataTypes(splitList(flags.DataTypes)...)
		}
		if flags.Units != "" {
			q = q.Units(flags.Units)
		}
		return q.Read(ctx, start, end)
	}
}

// indexName is the header of the timestamp column.
func indexName(flags *Flags) string {
	if flags.Source == "coops" {
		req := coops.Request{TimeZone: flags.TimeZone}
		return "Datetime:" + req.TimeZoneName()
	}
	return "Datetime:UTC"
}

// getSeries returns the requested series, from the cache when it already
// covers the range, otherwise from the service. Fetched series are stored
// back in the cache.
func getSeries(ctx context.Context, flags *Flags, start, end time.Time) (*series.Series, error) {
	db := cache.NewDatabase(flags.CacheDir)
	key := cacheKey(flags)
	bounded := !start.IsZero() && !end.IsZero()
	if bounded && !flags.Refresh && db.Covers(flags.Source, key, start, end) {
		stored, err := db.ReadSeries(flags.Source, key)
		if err == nil {
			logging.Infof(ctx, "serving %s %s from cache", flags.Source, key)
			return stored.Range(start, end), nil
		}
		logging.Warningf(ctx, "failed to read cached series: %s", err.Error())
	}
	data, err := fetchSeries(ctx, flags, start, end)
	if err != nil {
		return nil, err
	}
	if err := db.WriteSeries(flags.Source, key, data, start, end); err != nil {
		logging.Warningf(ctx, "failed to cache series: %s", err.Error())
	}
	return data, nil
}

func printData(ctx context.Context, flags *Flags, w io.Writer) error {
	start, end, err := parseRange(flags)
	if err != nil {
		return err
	}
	data, err := getSeries(ctx, flags, start, end)
	if err != nil {
		return errors.Annotate(err, "failed to fetch %s series", flags.Source)
	}

	var tbl *table.Table
	if flags.Resample != "" {
		period, err := series.ParsePeriod(flags.Resample)
		if err != nil {
			return err
		}
		column := flags.ResampleColumn
		tbl = table.New("Date", column+" count", column+" mean", column+" stddev")
		for _, b := range series.Resample(data, column, period) {
			tbl.AddRow(b.CSV())
		}
	} else {
		tbl = data.Table(indexName(flags))
	}

	if flags.CSV {
		if err := tbl.WriteCSV(w, table.Params{}); err != nil {
			return errors.Annotate(err, "failed to write CSV")
		}
		return nil
	}
	if err := tbl.WriteText(w, table.Params{}); err != nil {
		return errors.Annotate(err, "failed to write table")
	}
	return nil
}

func main() {
	ctx := context.Background()
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		ctx = logging.Use(ctx, logging.DefaultGoLogger(logging.Info))
		logging.Errorf(ctx, "failed to parse flags: %s", err.Error())
		os.Exit(1)
	}
	ctx = logging.Use(ctx, logging.DefaultGoLogger(flags.LogLevel))

	if err := printData(ctx, flags, os.Stdout); err != nil {
		logging.Errorf(ctx, err.Error())
		os.Exit(1)
	}
}

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

package table

import (
	"bytes"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTable(t *testing.T) {
	t.Parallel()

	Convey("Table methods work", t, func() {
		tbl := New("Datetime:UTC", "water_level:m")
		headless := New()

		So(tbl.Header, ShouldResemble, []string{"Datetime:UTC", "water_level:m"})
		tbl.AddRow(
			[]string{"2020-01-01 00:00:00", "1.524"},
			[]string{"2020-01-01 00:06:00", "1.498"})
		headless.AddRow(
			[]string{"2020-01-01 00:00:00", "1.524"},
			[]string{"2020-01-01 00:06:00", "1.498"})

		Convey("AddRow worked", func() {
			So(len(tbl.Rows), ShouldEqual, 2)
			So(len(headless.Rows), ShouldEqual, 2)
		})

		Convey("WriteCSV", func() {
			Convey("Default Params", func() {
				var buf bytes.Buffer
				So(tbl.WriteCSV(&buf, Params{}), ShouldBeNil)
				So("\n"+buf.String(), ShouldEqual, `
Datetime:UTC,water_level:m
2020-01-01 00:00:00,1.524
2020-01-01 00:06:00,1.498
`)
			})

			Convey("Default Params, headless", func() {
				var buf bytes.Buffer
				So(headless.WriteCSV(&buf, Params{}), ShouldBeNil)
				So("\n"+buf.String(), ShouldEqual, `
2020-01-01 00:00:00,1.524
2020-01-01 00:06:00,1.498
`)
			})

			Convey("Limited rows, no header", func() {
				var buf bytes.Buffer
				So(tbl.WriteCSV(&buf, Params{Rows: 1, NoHeader: true}), ShouldBeNil)
				So("\n"+buf.String(), ShouldEqual, `
2020-01-01 00:00:00,1.524
`)
			})
		})

		Convey("WriteText", func() {
			Convey("Default Params", func() {
				var buf bytes.Buffer
				So(tbl.WriteText(&buf, Params{}), ShouldBeNil)
				So("\n"+buf.String(), ShouldEqual, `
       Datetime:UTC | water_level:m
------------------- | -------------
2020-01-01 00:00:00 |         1.524
2020-01-01 00:06:00 |         1.498
`)
			})

			Convey("Default Params, headless", func() {
				var buf bytes.Buffer
				So(headless.WriteText(&buf, Params{}), ShouldBeNil)
				So("\n"+buf.String(), ShouldEqual, `
2020-01-01 00:00:00 | 1.524
2020-01-01 00:06:00 | 1.498
`)
			})

			Convey("Limited rows and width, no header", func() {
				var buf bytes.Buffer
				So(tbl.WriteText(&buf, Params{Rows: 1, NoHeader: true, MaxColWidth: 8}),
					ShouldBeNil)
				So("\n"+buf.String(), ShouldResemble, `
2020-0.. | 1.524
`)
			})
		})
	})
}

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

package nwis

import (
	"strings"

	"github.com/stockparfait/errors"
)

// rdbTable is a decoded USGS tab-delimited (RDB) payload. A body holding
// only comment lines decodes to a table with no header and no rows.
type rdbTable struct {
	Header []string
	Rows   []map[string]string
}

// isFormatRow recognizes the column definition line that follows the RDB
// header, e.g. "5s\t15s\t20d". Every field is a width digit run plus a
// single type letter.
func isFormatRow(fields []string) bool {
	for _, f := range fields {
		if len(f) < 2 {
			return false
		}
		for _, r := range f[:len(f)-1] {
			if r < '0' || r > '9' {
				return false
			}
		}
		c := f[len(f)-1]
		if c < 'a' || c > 'z' {
			return false
		}
	}
	return true
}

// parseRDB decodes an RDB body: '#' comment lines, a tab-separated header
// line, a column format line, then tab-separated data rows.
func parseRDB(body string) (*rdbTable, error) {
	table := &rdbTable{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, "\t")
		if table.Header == nil {
			table.Header = fields
			continue
		}
		if isFormatRow(fields) {
			continue
		}
		if len(fields) != len(table.Header) {
			return nil, errors.Reason(
				"RDB row has %d fields, header has %d: %q",
				len(fields), len(table.Header), line)
		}
		row := make(map[string]string, len(fields))
		for i, name := range table.Header {
			row[name] = fields[i]
		}
		table.Rows = append(table.Rows, row)
	}
	return table, nil
}

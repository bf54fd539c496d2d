// Copyright 2025 IBM Corporation
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package tools

import (
	"fmt"
	"sort"
	"strings"
)

// Column describes one result column.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

// InvocationResult is the fixed output shape of every tool.
type InvocationResult struct {
	Success  bool             `json:"success"`
	Data     []map[string]any `json:"data"`
	Columns  []Column         `json:"columns,omitempty"`
	Error    string           `json:"error,omitempty"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// MarkdownRowLimit caps how many rows the text rendering includes. The
// structured content always carries the full data set.
const MarkdownRowLimit = 500

// MarkdownTable renders the result as a GitHub-style table, truncated at
// maxRows. A maxRows <= 0 falls back to MarkdownRowLimit.
func (r *InvocationResult) MarkdownTable(maxRows int) string {
	if maxRows <= 0 {
		maxRows = MarkdownRowLimit
	}
	if !r.Success {
		return fmt.Sprintf("Error: %s", r.Error)
	}
	if len(r.Data) == 0 {
		if affected, ok := r.Metadata["affectedRows"]; ok {
			if n, ok := affected.(int64); ok && n > 0 {
				return fmt.Sprintf("%d row(s) affected.", n)
			}
		}
		return "No rows returned."
	}

	cols := r.Columns
	if len(cols) == 0 {
		// Fall back to the keys of the first row, in encounter order of
		// a sorted copy so the rendering is stable.
		cols = columnsFromRow(r.Data[0])
	}

	var b strings.Builder
	for i, c := range cols {
		if i > 0 {
			b.WriteString(" | ")
		} else {
			b.WriteString("| ")
		}
		b.WriteString(c.Name)
	}
	b.WriteString(" |\n")
	for range cols {
		b.WriteString("|---")
	}
	b.WriteString("|\n")

	n := len(r.Data)
	shown := n
	if shown > maxRows {
		shown = maxRows
	}
	for _, row := range r.Data[:shown] {
		b.WriteString("| ")
		for i, c := range cols {
			if i > 0 {
				b.WriteString(" | ")
			}
			b.WriteString(cellString(row[c.Name]))
		}
		b.WriteString(" |\n")
	}
	if shown < n {
		fmt.Fprintf(&b, "\nShowing %d of %d rows.", shown, n)
	}
	return b.String()
}

func columnsFromRow(row map[string]any) []Column {
	names := make([]string, 0, len(row))
	for k := range row {
		names = append(names, k)
	}
	// Deterministic ordering for map-derived columns.
	sort.Strings(names)
	cols := make([]Column, len(names))
	for i, n := range names {
		cols[i] = Column{Name: n}
	}
	return cols
}

func cellString(v any) string {
	if v == nil {
		return "NULL"
	}
	s := fmt.Sprint(v)
	s = strings.ReplaceAll(s, "|", "\\|")
	return strings.ReplaceAll(s, "\n", " ")
}

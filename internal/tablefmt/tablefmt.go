// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package tablefmt renders tabular results as text. The composer treats any
// formatter failure as "use the minimal fixed-width rendering", so the
// default implementation here never panics and never returns an error for
// renderable input.
package tablefmt

import (
	"fmt"
	"strings"
)

// Formatter renders rows under the given column names.
type Formatter interface {
	Format(columns []string, rows [][]string) (string, error)
}

// Markdown renders a GitHub-style markdown table.
type Markdown struct{}

// Format renders the table. Ragged rows are padded or truncated to the
// column count rather than rejected.
func (Markdown) Format(columns []string, rows [][]string) (string, error) {
	if len(columns) == 0 {
		return "", fmt.Errorf("no columns to render")
	}
	var b strings.Builder
	b.WriteString("| " + strings.Join(columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(columns)) + "\n")
	for _, row := range rows {
		cells := normalizeRow(row, len(columns))
		for i, c := range cells {
			cells[i] = strings.ReplaceAll(c, "|", "\\|")
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	return b.String(), nil
}

// Minimal is the hard-fallback rendering: fixed-width columns, no markup.
// It cannot fail.
func Minimal(columns []string, rows [][]string) string {
	widths := make([]int, len(columns))
	for i, c := range columns {
		widths[i] = len(c)
	}
	for _, row := range rows {
		for i, c := range normalizeRow(row, len(columns)) {
			if len(c) > widths[i] {
				widths[i] = len(c)
			}
		}
	}

	var b strings.Builder
	writeRow := func(cells []string) {
		for i, c := range cells {
			fmt.Fprintf(&b, "%-*s  ", widths[i], c)
		}
		b.WriteString("\n")
	}
	writeRow(columns)
	for _, row := range rows {
		writeRow(normalizeRow(row, len(columns)))
	}
	return b.String()
}

func normalizeRow(row []string, n int) []string {
	cells := make([]string, n)
	copy(cells, row)
	return cells
}

// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package compose

import (
	"strconv"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"
)

var (
	codecOnce sync.Once
	codec     tokenizer.Codec
)

// countTokens estimates the token cost of text for context budgeting. When
// the tokenizer fails to load, a chars/4 approximation keeps the budget
// working.
func countTokens(text string) int {
	codecOnce.Do(func() {
		var err error
		codec, err = tokenizer.Get(tokenizer.Cl100kBase)
		if err != nil {
			log.Warnf("tokenizer unavailable, falling back to length estimate: %v", err)
		}
	})
	if codec != nil {
		if n, err := codec.Count(text); err == nil {
			return n
		}
	}
	return len(text)/4 + 1
}

// sampleRows renders rows as CSV-ish lines for the explanation context,
// stopping when the token budget is spent. The header always fits.
func sampleRows(columns []string, rows [][]string, tokenBudget int) string {
	var b strings.Builder
	b.WriteString(strings.Join(columns, ", "))
	b.WriteString("\n")
	spent := countTokens(b.String())

	included := 0
	for _, row := range rows {
		line := strings.Join(row, ", ") + "\n"
		cost := countTokens(line)
		if spent+cost > tokenBudget {
			break
		}
		b.WriteString(line)
		spent += cost
		included++
	}
	if included < len(rows) {
		b.WriteString("... (" + strconv.Itoa(len(rows)-included) + " more rows omitted)\n")
	}
	return b.String()
}

// parseShares parses a share count with optional thousands separators.
func parseShares(s string) float64 {
	v, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0
	}
	return v
}

// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package query

import "regexp"

// tickerPattern matches 1-5 uppercase letters standing alone, the shape of a
// US-listed ticker. It deliberately over-matches; the stop list below removes
// common English words and finance jargon that share the shape.
var tickerPattern = regexp.MustCompile(`\b[A-Z]{1,5}\b`)

// symbolStopWords are uppercase tokens that look like tickers but almost
// never are one in question text.
var symbolStopWords = map[string]struct{}{
	"A": {}, "I": {}, "AND": {}, "OR": {}, "THE": {}, "FOR": {}, "WITH": {},
	"ETF": {}, "USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "FX": {},
	"CEO": {}, "IPO": {}, "PE": {}, "EPS": {}, "ROI": {}, "TTM": {},
	"YTD": {}, "API": {}, "SQL": {}, "VS": {}, "MY": {}, "IS": {}, "IT": {},
	"DO": {}, "TO": {}, "IN": {}, "OF": {}, "ON": {}, "AT": {}, "BY": {},
	"WHAT": {}, "HOW": {}, "WHEN": {}, "WHO": {}, "WHY": {}, "SHOW": {},
	"LIST": {}, "TOP": {}, "RSI": {}, "MACD": {}, "VAR": {},
}

// ExtractSymbols pulls ticker-like tokens from question text, preserving
// first-seen order and dropping duplicates. The result is a hint for the
// prediction path and fallback policy, never a guarantee.
func ExtractSymbols(text string) []string {
	seen := make(map[string]struct{})
	var symbols []string
	for _, tok := range tickerPattern.FindAllString(text, -1) {
		if _, stop := symbolStopWords[tok]; stop {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		symbols = append(symbols, tok)
	}
	return symbols
}

// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package compose

import (
	"regexp"

	"github.com/quantrail/finsight/internal/query"
)

var (
	newsPattern = regexp.MustCompile(`(?i)\b(news|headline|headlines|announce(d|ment)?|press release|latest on|what happened|this (week|morning)|breaking|just reported)\b`)

	financeSignalPattern = regexp.MustCompile(`(?i)\b(dividends?|stocks?|shares?|yields?|prices?|tickers?|portfolios?|payouts?|markets?|etfs?|funds?|earnings|income|equit(y|ies)|bonds?|reits?)\b`)

	// schemaCapablePattern marks questions answerable from the reporting
	// views regardless of other signals.
	schemaCapablePattern = regexp.MustCompile(`(?i)\b(dividends?|payouts?|ex[- ]dates?|pay dates?|price history|quotes?|snapshots?|securit(y|ies)|tickers?)\b`)

	previewPattern = regexp.MustCompile(`(?i)\b(top|first|preview|sample|a few|quick look|just \d+)\b`)

	ownershipPattern = regexp.MustCompile(`(?i)\b(?:my|i (?:own|hold|have))\s+([\d,]+(?:\.\d+)?)\s*(?:shares|units)\b`)

	predictionIntents = []struct {
		pattern *regexp.Regexp
		kind    string
	}{
		{regexp.MustCompile(`(?i)\bpayout (rating|score)\b`), "payout_rating"},
		{regexp.MustCompile(`(?i)\bcut risk\b`), "cut_risk"},
		{regexp.MustCompile(`(?i)\byield forecast\b`), "yield_forecast"},
		{regexp.MustCompile(`(?i)\banomal(y|ies|ous)\b`), "anomaly"},
		{regexp.MustCompile(`(?i)\bcomprehensive score\b`), "comprehensive_score"},
	}
)

// FallbackPolicy decides when to substitute the web-search capability or a
// generic conversational answer. It is stateless; the composer re-checks it
// at each of the three checkpoints.
type FallbackPolicy struct{}

// WantsWeb reports whether the question should route to web search: an
// explicit caller override, news/current-events wording, or a question with
// no finance-domain signal, no extracted symbols, and no schema-capable
// wording.
func (FallbackPolicy) WantsWeb(q query.Query) bool {
	if q.Overrides.UseWeb {
		return true
	}
	if newsPattern.MatchString(q.Text) {
		return true
	}
	if !financeSignalPattern.MatchString(q.Text) &&
		len(q.Symbols) == 0 &&
		!schemaCapablePattern.MatchString(q.Text) {
		return true
	}
	return false
}

// WantsWebAfterEmpty reports whether a zero-row result should hand the rest
// of the response to web search: the question carried no finance-domain
// signal, so the reporting schema likely cannot answer it at all.
func (FallbackPolicy) WantsWebAfterEmpty(q query.Query) bool {
	return !financeSignalPattern.MatchString(q.Text)
}

// predictionIntent matches the specialized-prediction intents. The returned
// kind is the prediction service's wire name.
func predictionIntent(text string) (string, bool) {
	for _, pi := range predictionIntents {
		if pi.pattern.MatchString(text) {
			return pi.kind, true
		}
	}
	return "", false
}

// wantsPreview reports whether the phrasing signals a bounded-preview
// preference, in which case the composer appends a row cap to the validated
// query when none is present.
func wantsPreview(text string) bool {
	return previewPattern.MatchString(text)
}

// ownershipShares extracts a share count from ownership phrasing ("my 500
// shares", "I own 1,200 shares"). Returns 0 when absent.
func ownershipShares(text string) float64 {
	m := ownershipPattern.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	return parseShares(m[1])
}

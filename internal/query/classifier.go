// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package query

import (
	"regexp"
	"strings"
)

// Kind is the discrete classification of a query, used only for routing.
type Kind string

const (
	KindChartAnalysis    Kind = "chart_analysis"
	KindFXTrading        Kind = "fx_trading"
	KindDividendScoring  Kind = "dividend_scoring"
	KindDividendStrategy Kind = "dividend_strategy"
	KindQuantitative     Kind = "quantitative_analysis"
	KindFastQuery        Kind = "fast_query"
	KindComplexAnalysis  Kind = "complex_analysis"
	KindGeneralChat      Kind = "general_chat"
	KindMultimodal       Kind = "multimodal"
)

// classifierRule pairs a predicate with the kind it selects. Rules are
// evaluated top to bottom and the first match wins, so the slice order is
// the tie-break policy itself: quantitative and scoring intents must preempt
// the generic fast-query and chat buckets.
type classifierRule struct {
	name  string
	match func(string) bool
	kind  Kind
}

var (
	quantPattern = regexp.MustCompile(`(?i)\b(sharpe|sortino|beta\b|alpha\b|volatility|variance|covariance|correlation|var\b|value at risk|monte carlo|optimal allocation|efficient frontier|portfolio optimi[sz]ation|standard deviation|drawdown|regression)\b`)

	scoringPattern = regexp.MustCompile(`(?i)\b(payout (rating|score)|cut risk|dividend (safety|score|scoring|rating|grade)|yield forecast|anomal(y|ies)|comprehensive score|health score)\b`)

	strategyPattern = regexp.MustCompile(`(?i)\b(dividend (strategy|ladder|capture|growth plan)|income ladder|drip\b|reinvest|retirement income|monthly income plan)\b`)

	chartPattern = regexp.MustCompile(`(?i)\b(chart|candlestick|support level|resistance level|moving average|macd|rsi\b|bollinger|breakout|trend ?line|technical analysis|head and shoulders)\b`)

	fxPattern = regexp.MustCompile(`(?i)\b(forex|fx\b|currency pair|eur/?usd|usd/?jpy|gbp/?usd|exchange rate|pip\b|pips\b|carry trade)\b`)

	fastPattern = regexp.MustCompile(`(?i)^\s*(what is|what's|who is|when is|how much|price of|quote for|define)\b`)

	analyticVerbPattern = regexp.MustCompile(`(?i)\b(analy[sz]e|compare|evaluate|assess|explain why|break down|forecast|project|model)\b`)
)

// classifierRules is evaluated in order by Classify. Keep quantitative and
// scoring groups ahead of the fast-query heuristic: a short "what's the
// Sharpe ratio" question is quantitative, not fast.
var classifierRules = []classifierRule{
	{name: "quantitative", match: quantPattern.MatchString, kind: KindQuantitative},
	{name: "dividend-scoring", match: scoringPattern.MatchString, kind: KindDividendScoring},
	{name: "dividend-strategy", match: strategyPattern.MatchString, kind: KindDividendStrategy},
	{name: "chart", match: chartPattern.MatchString, kind: KindChartAnalysis},
	{name: "fx", match: fxPattern.MatchString, kind: KindFXTrading},
	{name: "fast", match: isFastQuery, kind: KindFastQuery},
}

// Classify maps question text to a Kind. It is total: unmatched input falls
// through to the complexity heuristic and finally to general_chat. An
// attached image short-circuits everything.
func Classify(text string, hasImage bool) Kind {
	if hasImage {
		return KindMultimodal
	}
	for _, rule := range classifierRules {
		if rule.match(text) {
			return rule.kind
		}
	}
	if complexitySignals(text) >= 2 {
		return KindComplexAnalysis
	}
	return KindGeneralChat
}

// isFastQuery treats short lookup-style questions as fast queries. Length is
// measured on the trimmed text so trailing whitespace cannot flip the bucket.
func isFastQuery(text string) bool {
	trimmed := strings.TrimSpace(text)
	return len(trimmed) <= 80 && fastPattern.MatchString(trimmed)
}

// complexitySignals counts independent hints that a question needs deep
// analysis: unusual length, stacked questions, and analytic verbs.
func complexitySignals(text string) int {
	signals := 0
	if len(text) > 200 {
		signals++
	}
	if strings.Count(text, "?") > 2 {
		signals++
	}
	if analyticVerbPattern.MatchString(text) {
		signals++
	}
	return signals
}

var greetingPattern = regexp.MustCompile(`(?i)^\s*(hi|hello|hey|yo|good (morning|afternoon|evening)|howdy|greetings)[\s!.,]*$`)

// IsGreeting reports whether the text is a greeting with no question in it.
func IsGreeting(text string) bool {
	return greetingPattern.MatchString(text)
}

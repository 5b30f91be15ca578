// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quantrail/finsight/internal/query"
)

func newTestQuery(text string) query.Query {
	return query.New(text, false, query.Overrides{})
}

func TestParsePlanDataQuery(t *testing.T) {
	plan := parsePlan(`{"action":"data_query","query":"SELECT * FROM vw_tickers"}`)
	assert.Equal(t, ActionDataQuery, plan.Action)
	assert.Equal(t, "SELECT * FROM vw_tickers", plan.Query)
	assert.False(t, plan.Degraded)
}

func TestParsePlanChat(t *testing.T) {
	plan := parsePlan(`{"action":"chat","answer":"Dividends are periodic cash distributions."}`)
	assert.Equal(t, ActionChat, plan.Action)
	assert.Equal(t, "Dividends are periodic cash distributions.", plan.Answer)
	assert.False(t, plan.Degraded)
}

func TestParsePlanStripsMarkdownFence(t *testing.T) {
	raw := "```json\n{\"action\":\"data_query\",\"query\":\"SELECT 1 FROM vw_tickers\"}\n```"
	plan := parsePlan(raw)
	assert.Equal(t, ActionDataQuery, plan.Action)
	assert.Equal(t, "SELECT 1 FROM vw_tickers", plan.Query)
}

func TestParsePlanDegradesGracefully(t *testing.T) {
	for _, raw := range []string{
		"Sure! Here's what I think about dividends.",
		`{"action":"data_query","query":""}`,
		`{"action":"unknown_verb"}`,
		"",
	} {
		plan := parsePlan(raw)
		assert.Equal(t, ActionChat, plan.Action, "input %q", raw)
		assert.True(t, plan.Degraded, "input %q", raw)
		assert.Equal(t, raw, plan.Answer, "degraded plans carry the raw text")
	}
}

func TestWantsWeb(t *testing.T) {
	cases := []struct {
		text string
		want bool
	}{
		{"What's the latest news on AAPL?", true},
		{"What happened this morning in the markets?", true},
		{"What's the best pizza topping?", true},
		{"Show AAPL dividend history", false},
		{"What is going on with ZZT lately", false}, // symbol keeps it on-schema
		{"Which of my holdings pays the highest yield?", false},
		{"compare dividends across utilities", false},
		{"Which stocks raised payouts this year?", false},
	}
	for _, tc := range cases {
		q := newTestQuery(tc.text)
		assert.Equal(t, tc.want, FallbackPolicy{}.WantsWeb(q), "text %q", tc.text)
	}
}

func TestWantsWebHonorsOverride(t *testing.T) {
	q := newTestQuery("Show AAPL dividend history")
	q.Overrides.UseWeb = true
	assert.True(t, FallbackPolicy{}.WantsWeb(q))
}

func TestWantsWebAfterEmpty(t *testing.T) {
	assert.True(t, FallbackPolicy{}.WantsWebAfterEmpty(newTestQuery("What is going on with ZZT lately")))
	assert.False(t, FallbackPolicy{}.WantsWebAfterEmpty(newTestQuery("Show AAPL dividend history")))
	assert.False(t, FallbackPolicy{}.WantsWebAfterEmpty(newTestQuery("Show me AAPL dividends for 2030")))
}

func TestPredictionIntent(t *testing.T) {
	kind, ok := predictionIntent("What's the cut risk for MO?")
	assert.True(t, ok)
	assert.Equal(t, "cut_risk", kind)

	kind, ok = predictionIntent("Give me a yield forecast for T")
	assert.True(t, ok)
	assert.Equal(t, "yield_forecast", kind)

	_, ok = predictionIntent("Show AAPL dividend history")
	assert.False(t, ok)
}

func TestOwnershipShares(t *testing.T) {
	assert.Equal(t, 500.0, ownershipShares("I own 500 shares of KO"))
	assert.Equal(t, 1200.0, ownershipShares("my 1,200 shares of T"))
	assert.Equal(t, 0.0, ownershipShares("how many shares should I buy?"))
}

func TestSampleRowsRespectsTokenBudget(t *testing.T) {
	columns := []string{"ticker", "amount"}
	rows := make([][]string, 200)
	for i := range rows {
		rows[i] = []string{"AAPL", "0.25"}
	}

	sample := sampleRows(columns, rows, 50)
	assert.Contains(t, sample, "ticker, amount")
	assert.Contains(t, sample, "more rows omitted")
	assert.Less(t, len(sample), 2000)

	full := sampleRows(columns, rows[:2], 10_000)
	assert.NotContains(t, full, "omitted")
}

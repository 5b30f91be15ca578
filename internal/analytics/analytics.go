// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package analytics is the default metrics collaborator: simple derived
// metrics over buffered result rows. The composer depends only on the
// Engine interface; these internals are replaceable without touching the
// request path.
package analytics

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Metrics is the computeMetrics contract result: a ranking of symbols by
// summed value, the covered date range, and the distinct tickers seen.
type Metrics struct {
	Ranking   []RankedSymbol
	DateRange [2]string
	Tickers   []string
}

// RankedSymbol is one ranking entry.
type RankedSymbol struct {
	Symbol string
	Total  float64
}

// Engine is the analytics collaborator consumed by the composer.
type Engine interface {
	// ComputeMetrics derives ranking/date-range/tickers from rows,
	// restricted to the last yearsFilter years when > 0.
	ComputeMetrics(columns []string, rows [][]string, yearsFilter int) (Metrics, error)

	// Tier produces one best-effort analytics tier summary.
	Tier(tier TierKind, columns []string, rows [][]string) (string, error)
}

// TierKind names one of the four summary tiers. Each tier is independently
// best-effort; a failure in one must not suppress the others.
type TierKind string

const (
	TierDescriptive  TierKind = "descriptive"
	TierDiagnostic   TierKind = "diagnostic"
	TierPredictive   TierKind = "predictive"
	TierPrescriptive TierKind = "prescriptive"
)

// Tiers is the fixed emission order.
var Tiers = []TierKind{TierDescriptive, TierDiagnostic, TierPredictive, TierPrescriptive}

// Basic is the default Engine.
type Basic struct{}

// ComputeMetrics scans rows for a ticker-ish column and a numeric column and
// aggregates. Missing columns degrade to partial metrics, not errors.
func (Basic) ComputeMetrics(columns []string, rows [][]string, yearsFilter int) (Metrics, error) {
	tickerIdx := findColumn(columns, "ticker", "symbol")
	amountIdx := findNumericColumn(columns, rows)
	dateIdx := findColumn(columns, "ex_date", "pay_date", "date", "trade_date")

	var m Metrics
	cutoff := ""
	if yearsFilter > 0 {
		cutoff = time.Now().UTC().AddDate(-yearsFilter, 0, 0).Format("2006-01-02")
	}

	totals := map[string]float64{}
	seen := map[string]struct{}{}
	minDate, maxDate := "", ""

	for _, row := range rows {
		if dateIdx >= 0 && dateIdx < len(row) {
			d := row[dateIdx]
			if cutoff != "" && d != "" && d < cutoff {
				continue
			}
			if d != "" {
				if minDate == "" || d < minDate {
					minDate = d
				}
				if d > maxDate {
					maxDate = d
				}
			}
		}
		if tickerIdx >= 0 && tickerIdx < len(row) {
			sym := row[tickerIdx]
			if sym == "" {
				continue
			}
			if _, ok := seen[sym]; !ok {
				seen[sym] = struct{}{}
				m.Tickers = append(m.Tickers, sym)
			}
			if amountIdx >= 0 && amountIdx < len(row) {
				if v, err := strconv.ParseFloat(row[amountIdx], 64); err == nil {
					totals[sym] += v
				}
			}
		}
	}

	for sym, total := range totals {
		m.Ranking = append(m.Ranking, RankedSymbol{Symbol: sym, Total: total})
	}
	sort.Slice(m.Ranking, func(i, j int) bool {
		if m.Ranking[i].Total != m.Ranking[j].Total {
			return m.Ranking[i].Total > m.Ranking[j].Total
		}
		return m.Ranking[i].Symbol < m.Ranking[j].Symbol
	})
	m.DateRange = [2]string{minDate, maxDate}
	return m, nil
}

// Tier renders one summary tier from the rows.
func (b Basic) Tier(tier TierKind, columns []string, rows [][]string) (string, error) {
	amountIdx := findNumericColumn(columns, rows)
	switch tier {
	case TierDescriptive:
		if len(rows) == 0 {
			return "Descriptive: the result set is empty.", nil
		}
		if amountIdx < 0 {
			return fmt.Sprintf("Descriptive: %d rows returned.", len(rows)), nil
		}
		min, max, avg, n := columnStats(rows, amountIdx)
		if n == 0 {
			return fmt.Sprintf("Descriptive: %d rows returned.", len(rows)), nil
		}
		return fmt.Sprintf("Descriptive: %d rows; %s ranges %.4f to %.4f, averaging %.4f.",
			len(rows), columns[amountIdx], min, max, avg), nil
	case TierDiagnostic:
		if amountIdx < 0 || len(rows) < 4 {
			return "", fmt.Errorf("not enough numeric data for a diagnostic read")
		}
		firstAvg, lastAvg := halfAverages(rows, amountIdx)
		direction := "held steady"
		if lastAvg > firstAvg*1.02 {
			direction = "trended up"
		} else if lastAvg < firstAvg*0.98 {
			direction = "trended down"
		}
		return fmt.Sprintf("Diagnostic: %s %s across the period (early avg %.4f vs late avg %.4f).",
			columns[amountIdx], direction, firstAvg, lastAvg), nil
	case TierPredictive:
		if amountIdx < 0 || len(rows) < 4 {
			return "", fmt.Errorf("not enough numeric data for a projection")
		}
		firstAvg, lastAvg := halfAverages(rows, amountIdx)
		delta := lastAvg - firstAvg
		return fmt.Sprintf("Predictive: extrapolating the recent drift, the next period's %s would land near %.4f.",
			columns[amountIdx], lastAvg+delta), nil
	case TierPrescriptive:
		if len(rows) == 0 {
			return "", fmt.Errorf("nothing to prescribe from an empty result")
		}
		return "Prescriptive: verify the top-ranked names against payout history before acting; past distributions do not guarantee future ones.", nil
	default:
		return "", fmt.Errorf("unknown analytics tier %q", tier)
	}
}

// ComputeTTM derives trailing-twelve-months income from a share count and a
// distributions row set: shares times the sum of per-share amounts dated
// within the last year.
func ComputeTTM(columns []string, rows [][]string, shares float64) (float64, bool) {
	amountIdx := findColumn(columns, "amount", "dividend", "cash_amount", "dividend_amount")
	dateIdx := findColumn(columns, "ex_date", "pay_date", "date")
	if amountIdx < 0 || shares <= 0 {
		return 0, false
	}
	cutoff := time.Now().UTC().AddDate(-1, 0, 0).Format("2006-01-02")

	var perShare float64
	counted := 0
	for _, row := range rows {
		if amountIdx >= len(row) {
			continue
		}
		if dateIdx >= 0 && dateIdx < len(row) && row[dateIdx] != "" && row[dateIdx] < cutoff {
			continue
		}
		if v, err := strconv.ParseFloat(row[amountIdx], 64); err == nil {
			perShare += v
			counted++
		}
	}
	if counted == 0 {
		return 0, false
	}
	return perShare * shares, true
}

func findColumn(columns []string, names ...string) int {
	for _, name := range names {
		for i, c := range columns {
			if strings.EqualFold(strings.TrimSpace(c), name) {
				return i
			}
		}
	}
	return -1
}

// findNumericColumn picks the first column whose values parse as floats in
// the sampled rows.
func findNumericColumn(columns []string, rows [][]string) int {
	sample := rows
	if len(sample) > 20 {
		sample = sample[:20]
	}
	for i := range columns {
		numeric := 0
		total := 0
		for _, row := range sample {
			if i >= len(row) || row[i] == "" {
				continue
			}
			total++
			if _, err := strconv.ParseFloat(row[i], 64); err == nil {
				numeric++
			}
		}
		if total > 0 && numeric == total {
			return i
		}
	}
	return -1
}

func columnStats(rows [][]string, idx int) (min, max, avg float64, n int) {
	var sum float64
	for _, row := range rows {
		if idx >= len(row) {
			continue
		}
		v, err := strconv.ParseFloat(row[idx], 64)
		if err != nil {
			continue
		}
		if n == 0 || v < min {
			min = v
		}
		if n == 0 || v > max {
			max = v
		}
		sum += v
		n++
	}
	if n > 0 {
		avg = sum / float64(n)
	}
	return min, max, avg, n
}

func halfAverages(rows [][]string, idx int) (first, last float64) {
	mid := len(rows) / 2
	_, _, first, _ = columnStats(rows[:mid], idx)
	_, _, last, _ = columnStats(rows[mid:], idx)
	return first, last
}

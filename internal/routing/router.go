// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package routing maps a classified query kind to the provider (or provider
// set) that should answer it. Routing is a static table lookup; provider
// health is not consulted here — selection failures surface at call time.
package routing

import "github.com/quantrail/finsight/internal/query"

// Provider ids understood by the provider registry.
const (
	ProviderPrimary    = "primary"
	ProviderFast       = "fast"
	ProviderQuant      = "quant"
	ProviderMultimodal = "multimodal"
	ProviderLocal      = "local"
	ProviderPrediction = "prediction"
)

// Decision is the immutable routing outcome for one request.
type Decision struct {
	// Providers holds the chosen provider ids. Length is 1 unless Ensemble.
	Providers []string

	// Reason is a human-readable routing justification, written to the
	// audit entry and debug logs.
	Reason string

	// Ensemble reports whether the providers run concurrently and their
	// answers are merged.
	Ensemble bool
}

// routeEntry is one row of the static routing table.
type routeEntry struct {
	provider string
	reason   string
}

var routeTable = map[query.Kind]routeEntry{
	query.KindChartAnalysis:    {ProviderQuant, "technical-analysis wording favors the quantitative model"},
	query.KindFXTrading:        {ProviderFast, "FX lookups are latency-sensitive and answerable by the fast model"},
	query.KindDividendScoring:  {ProviderPrediction, "scoring intent maps to the specialized prediction service"},
	query.KindDividendStrategy: {ProviderPrimary, "strategy construction needs the primary reasoning model"},
	query.KindQuantitative:     {ProviderQuant, "mathematical terms route to the quantitative specialist"},
	query.KindFastQuery:        {ProviderFast, "short lookup routed to the fast model"},
	query.KindComplexAnalysis:  {ProviderPrimary, "complexity signals route to the primary reasoning model"},
	query.KindGeneralChat:      {ProviderPrimary, "default conversational path"},
	query.KindMultimodal:       {ProviderMultimodal, "attached image requires the multimodal model"},
}

// ensembleTable lists the fixed provider sets used when the caller requests
// ensemble mode. Sets pair a specialist with a general reasoner; order here
// is the registration order used by the merge templates.
var ensembleTable = map[query.Kind][]string{
	query.KindComplexAnalysis: {ProviderPrimary, ProviderQuant},
	query.KindDividendScoring: {ProviderPrediction, ProviderPrimary, ProviderQuant},
	query.KindQuantitative:    {ProviderQuant, ProviderPrimary},
}

// Route returns the routing decision for a kind. Ensemble mode applies only
// to the kinds listed in ensembleTable; for everything else the request falls
// back to its single default provider.
func Route(kind query.Kind, ensembleRequested bool) Decision {
	if ensembleRequested {
		if set, ok := ensembleTable[kind]; ok {
			providers := make([]string, len(set))
			copy(providers, set)
			return Decision{
				Providers: providers,
				Reason:    "ensemble requested: fan out to complementary providers",
				Ensemble:  true,
			}
		}
	}
	entry, ok := routeTable[kind]
	if !ok {
		entry = routeTable[query.KindGeneralChat]
	}
	return Decision{Providers: []string{entry.provider}, Reason: entry.reason}
}

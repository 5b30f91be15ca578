// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package ensemble fans one question out to several providers concurrently
// and merges their answers deterministically. The join waits for every
// member to settle; a fast but weaker provider never preempts a slower
// specialist's contribution.
package ensemble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quantrail/finsight/internal/provider"
	"github.com/quantrail/finsight/internal/query"
	"github.com/quantrail/finsight/internal/routing"
)

// memberOutcome is one provider's settled result.
type memberOutcome struct {
	text    string
	errText string
	failed  bool
}

// Result holds every member's settled outcome, keyed by provider id, plus
// the registration order the merge templates honor. Partial state is never
// exposed: Run returns only after all members settle or time out.
type Result struct {
	order    []string
	outcomes map[string]memberOutcome
}

// Succeeded returns the ids of members that produced an answer, in
// registration order.
func (r *Result) Succeeded() []string {
	var ids []string
	for _, id := range r.order {
		if !r.outcomes[id].failed {
			ids = append(ids, id)
		}
	}
	return ids
}

// Text returns a successful member's answer text.
func (r *Result) Text(id string) string {
	return r.outcomes[id].text
}

// Coordinator runs ensemble fan-outs against a provider registry.
type Coordinator struct {
	registry   *provider.Registry
	perCallTTL time.Duration
}

// NewCoordinator builds a coordinator. perCallTTL bounds each member call
// independently of the others.
func NewCoordinator(registry *provider.Registry, perCallTTL time.Duration) *Coordinator {
	if perCallTTL <= 0 {
		perCallTTL = 90 * time.Second
	}
	return &Coordinator{registry: registry, perCallTTL: perCallTTL}
}

// Run launches one call per provider id and joins when every slot is
// settled. Per-member failures are captured as failure text, never
// propagated; the ensemble as a whole cannot fail unless every member does,
// which the merge surfaces as a zero-contributor section.
func (c *Coordinator) Run(ctx context.Context, question string, providerIDs []string) *Result {
	res := &Result{
		order:    append([]string(nil), providerIDs...),
		outcomes: make(map[string]memberOutcome, len(providerIDs)),
	}
	slots := make([]memberOutcome, len(providerIDs))

	var wg sync.WaitGroup
	for i, id := range providerIDs {
		wg.Add(1)
		go func(slot int, id string) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, c.perCallTTL)
			defer cancel()

			client, err := c.registry.Get(id)
			if err != nil {
				slots[slot] = memberOutcome{failed: true, errText: err.Error()}
				return
			}
			text, err := client.CompleteOnce(callCtx, provider.Request{
				Messages: []provider.Message{{Role: "user", Content: question}},
			})
			if err != nil {
				log.Warnf("ensemble member %s failed: %v", id, err)
				slots[slot] = memberOutcome{failed: true, errText: err.Error()}
				return
			}
			slots[slot] = memberOutcome{text: text}
		}(i, id)
	}
	wg.Wait()

	for i, id := range providerIDs {
		res.outcomes[id] = slots[i]
	}
	return res
}

// Merge combines the settled outcomes under a query-kind-specific template.
// Quantitative queries lead with the quantitative specialist, scoring
// queries lead with the prediction service, and everything else lists
// successful members in registration order. Failed members are omitted from
// user-visible text entirely; the trailing line counts contributors.
func Merge(kind query.Kind, res *Result) string {
	leader := ""
	switch kind {
	case query.KindQuantitative:
		leader = routing.ProviderQuant
	case query.KindDividendScoring:
		leader = routing.ProviderPrediction
	}

	ordered := res.Succeeded()
	if leader != "" {
		ordered = promote(ordered, leader)
	}

	var b strings.Builder
	for _, id := range ordered {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", sectionTitle(id), strings.TrimSpace(res.Text(id)))
	}
	fmt.Fprintf(&b, "---\n%d provider(s) contributed to this answer.\n", len(ordered))
	return b.String()
}

// promote moves id to the front of ids when present, preserving the
// relative order of the rest.
func promote(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			out := make([]string, 0, len(ids))
			out = append(out, id)
			out = append(out, ids[:i]...)
			out = append(out, ids[i+1:]...)
			return out
		}
	}
	return ids
}

func sectionTitle(id string) string {
	switch id {
	case routing.ProviderQuant:
		return "Quantitative Analysis"
	case routing.ProviderPrediction:
		return "Dividend Intelligence"
	case routing.ProviderPrimary:
		return "Analysis"
	case routing.ProviderFast:
		return "Quick Take"
	case routing.ProviderMultimodal:
		return "Visual Analysis"
	case routing.ProviderLocal:
		return "Local Model"
	default:
		return id
	}
}

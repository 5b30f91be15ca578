// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package compose

import (
	"strings"

	"github.com/tidwall/gjson"
)

// PlanAction tags the planner's decision.
type PlanAction string

const (
	// ActionChat answers conversationally with the plan's Answer text.
	ActionChat PlanAction = "chat"

	// ActionDataQuery proposes a candidate query for the safety gate.
	ActionDataQuery PlanAction = "data_query"
)

// Plan is the primary model's decision about how to satisfy the query.
// Malformed planner output degrades to ActionChat carrying the raw text;
// parsing never fails.
type Plan struct {
	Action PlanAction
	Answer string
	Query  string

	// Degraded marks a plan salvaged from unparseable planner output.
	Degraded bool
}

// defaultPlannerSystem instructs the planner to answer with a single JSON
// object. The view list is appended at call time from configuration.
const defaultPlannerSystem = `You are a financial data planner. Decide how to satisfy the user's question and reply with ONE JSON object, nothing else.
Either {"action":"chat","answer":"<your answer>"} for conversational questions,
or {"action":"data_query","query":"<one read-only SELECT>"} when the question is answerable from the reporting views listed below.
The query must be a single SELECT statement with no semicolons, referencing only the listed views.`

// parsePlan interprets planner output. Accepts a bare JSON object or one
// wrapped in a markdown fence; anything else becomes a degraded chat plan
// with the raw text as the answer.
func parsePlan(raw string) Plan {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	if !gjson.Valid(text) {
		return Plan{Action: ActionChat, Answer: raw, Degraded: true}
	}
	parsed := gjson.Parse(text)
	switch parsed.Get("action").String() {
	case string(ActionDataQuery):
		q := parsed.Get("query").String()
		if strings.TrimSpace(q) == "" {
			return Plan{Action: ActionChat, Answer: raw, Degraded: true}
		}
		return Plan{Action: ActionDataQuery, Query: q}
	case string(ActionChat):
		return Plan{Action: ActionChat, Answer: parsed.Get("answer").String()}
	default:
		return Plan{Action: ActionChat, Answer: raw, Degraded: true}
	}
}

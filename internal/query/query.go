// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package query defines the immutable request value and the classifier that
// maps raw question text to a discrete query kind. Classification drives
// provider routing only; it is never persisted as ground truth.
package query

// Overrides carries per-request caller preferences. A zero value means
// "use the configured defaults".
type Overrides struct {
	// Provider selects the answering backend: "primary" or "local".
	Provider string `json:"llm_provider,omitempty"`

	// LocalModelTag names the local model tag to use when Provider is "local".
	LocalModelTag string `json:"local_model_tag,omitempty"`

	// UseWeb forces the web-search path regardless of classification.
	UseWeb bool `json:"use_web,omitempty"`

	// Ensemble requests multi-provider mode for kinds that support it.
	Ensemble bool `json:"ensemble,omitempty"`

	// PlannerSystem replaces the planning system prompt.
	PlannerSystem string `json:"planner_system,omitempty"`

	// AnswerSystem replaces the explanation system prompt.
	AnswerSystem string `json:"answer_system,omitempty"`

	// PrependContext is extra context placed before the question in
	// planner and explanation calls.
	PrependContext string `json:"prepend_context,omitempty"`
}

// Query is the immutable per-request value created at request entry.
type Query struct {
	// Text is the raw question as the caller sent it.
	Text string

	// HasImage reports whether an image was attached to the request.
	HasImage bool

	// Symbols is the derived ticker-like symbol list. It is a heuristic
	// extraction, not authoritative.
	Symbols []string

	// Overrides holds the caller's per-request preferences.
	Overrides Overrides
}

// New builds a Query from raw inputs, deriving the symbol list once.
func New(text string, hasImage bool, ov Overrides) Query {
	return Query{
		Text:      text,
		HasImage:  hasImage,
		Symbols:   ExtractSymbols(text),
		Overrides: ov,
	}
}

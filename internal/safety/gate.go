// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package safety validates model-generated SQL before it may touch the data
// store. The gate is the only barrier between free-form model output and
// execution against live data: every check here is independently necessary
// and failure of any check rejects the query outright, with no repair
// attempts.
package safety

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// SubReason identifies which gate check rejected a candidate query. Tests and
// diagnostics depend on the exact value.
type SubReason string

const (
	// ReasonShape: not a single SELECT (optionally WITH ... SELECT).
	ReasonShape SubReason = "shape"

	// ReasonDenylist: contains a data- or schema-modification keyword.
	ReasonDenylist SubReason = "denylist"

	// ReasonInjection: contains a statement separator.
	ReasonInjection SubReason = "injection"

	// ReasonScope: references no allow-listed relation.
	ReasonScope SubReason = "scope"
)

// UnsafeQueryError reports a gate rejection with the sub-check that failed.
type UnsafeQueryError struct {
	Reason SubReason
	Detail string
}

func (e *UnsafeQueryError) Error() string {
	return fmt.Sprintf("unsafe query (%s): %s", e.Reason, e.Detail)
}

// Gate validates candidate queries against an allow-list of reporting
// views. The list is deployment configuration; SetAllowed supports config
// hot reload without rebuilding the gate's consumers.
type Gate struct {
	mu      sync.RWMutex
	allowed []string
}

// NewGate builds a gate for the given allow-listed relation names.
func NewGate(allowedRelations []string) *Gate {
	g := &Gate{}
	g.SetAllowed(allowedRelations)
	return g
}

// SetAllowed replaces the allow-list. Safe for concurrent use with Validate.
func (g *Gate) SetAllowed(allowedRelations []string) {
	allowed := make([]string, len(allowedRelations))
	for i, rel := range allowedRelations {
		allowed[i] = strings.ToLower(strings.TrimSpace(rel))
	}
	g.mu.Lock()
	g.allowed = allowed
	g.mu.Unlock()
}

// Allowed returns a copy of the current allow-list.
func (g *Gate) Allowed() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.allowed...)
}

var (
	getdatePattern = regexp.MustCompile(`(?i)\b(GETDATE|CURDATE)\s*\(\s*\)`)

	// DATEADD(year, -n, <date expr>) as emitted by models trained on T-SQL.
	dateaddPattern = regexp.MustCompile(`(?i)\bDATEADD\s*\(\s*(?:year|yy|yyyy)\s*,\s*-\s*(\d+)\s*,\s*(CURRENT_DATE|GETDATE\s*\(\s*\)|NOW\s*\(\s*\))\s*\)`)

	topPattern = regexp.MustCompile(`(?i)^(\s*SELECT\s+)TOP\s+(\d+)\s+`)

	limitPattern = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)

	shapePattern = regexp.MustCompile(`(?i)^\s*(SELECT\b|WITH\b[\s\S]+?\bSELECT\b)`)

	denyPattern = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|EXEC|EXECUTE|TRUNCATE|CREATE|GRANT|REVOKE|MERGE)\b`)
)

// Validate runs the gate checks in order: dialect normalization, shape,
// denylist, statement separator, allow-listed relation. The first failing
// check short-circuits. On success it returns the normalized, trimmed query
// text; validating that text again is a no-op.
func (g *Gate) Validate(candidate string) (string, error) {
	normalized := normalizeDialect(candidate)

	if !shapePattern.MatchString(normalized) {
		return "", &UnsafeQueryError{
			Reason: ReasonShape,
			Detail: "only a single SELECT statement (optionally WITH ... SELECT) is permitted",
		}
	}

	if m := denyPattern.FindString(normalized); m != "" {
		return "", &UnsafeQueryError{
			Reason: ReasonDenylist,
			Detail: fmt.Sprintf("modification keyword %q is not permitted", strings.ToUpper(m)),
		}
	}

	if strings.Contains(normalized, ";") {
		return "", &UnsafeQueryError{
			Reason: ReasonInjection,
			Detail: "statement separator ';' is not permitted",
		}
	}

	if !g.referencesAllowed(normalized) {
		return "", &UnsafeQueryError{
			Reason: ReasonScope,
			Detail: "query references no allow-listed reporting view",
		}
	}

	return normalized, nil
}

// normalizeDialect rewrites portable date and limit idioms into Postgres
// syntax. Exactly one TOP->LIMIT rewrite is applied, and only when the text
// carries no LIMIT already, which also makes the rewrite idempotent.
func normalizeDialect(candidate string) string {
	text := strings.TrimSpace(candidate)

	text = getdatePattern.ReplaceAllString(text, "CURRENT_DATE")
	text = dateaddPattern.ReplaceAllString(text, "$2 - INTERVAL '$1 years'")

	if !limitPattern.MatchString(text) {
		if m := topPattern.FindStringSubmatch(text); m != nil {
			text = topPattern.ReplaceAllString(text, "$1")
			text = strings.TrimRight(text, " \t\n") + " LIMIT " + m[2]
		}
	}
	return text
}

// referencesAllowed reports whether at least one allow-listed relation name
// appears in the text as a whole identifier.
func (g *Gate) referencesAllowed(text string) bool {
	lower := strings.ToLower(text)
	for _, rel := range g.allowed {
		idx := 0
		for {
			i := strings.Index(lower[idx:], rel)
			if i < 0 {
				break
			}
			start := idx + i
			end := start + len(rel)
			if !isIdentChar(byteAt(lower, start-1)) && !isIdentChar(byteAt(lower, end)) {
				return true
			}
			idx = end
		}
	}
	return false
}

func byteAt(s string, i int) byte {
	if i < 0 || i >= len(s) {
		return 0
	}
	return s[i]
}

func isIdentChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package compose

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/quantrail/finsight/internal/analytics"
	"github.com/quantrail/finsight/internal/audit"
	"github.com/quantrail/finsight/internal/dbexec"
	"github.com/quantrail/finsight/internal/ensemble"
	"github.com/quantrail/finsight/internal/provider"
	"github.com/quantrail/finsight/internal/query"
	"github.com/quantrail/finsight/internal/routing"
	"github.com/quantrail/finsight/internal/safety"
	"github.com/quantrail/finsight/internal/tablefmt"
	"github.com/quantrail/finsight/internal/websearch"
)

const (
	greetingReply = "Hello! Ask me about dividends, prices, or anything else in your portfolio."

	apologyReply = "I'm sorry, I couldn't complete that request. Please try rephrasing your question."
)

// Predictor is the specialized-prediction collaborator contract.
type Predictor interface {
	Predict(ctx context.Context, kind provider.PredictionKind, symbols []string) ([]provider.SymbolPrediction, error)
}

// Config tunes composer behavior. Zero values take the documented defaults.
type Config struct {
	// RowCap is the LIMIT appended when the question asks for a preview.
	// Default 50.
	RowCap int

	// SampleTokenBudget bounds the row sample handed to the explanation
	// call. Default 1500 tokens.
	SampleTokenBudget int

	// DividendColumns are the column names that make a result look like a
	// distributions table (at least two must match). Configuration, not
	// logic: the exact set is deployment-tunable.
	DividendColumns []string

	// WebMaxPages bounds web-search crawl breadth. Default 3.
	WebMaxPages int

	// ExecRetryBackoff is the fixed wait before the single executor retry.
	// Default 500ms.
	ExecRetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.RowCap <= 0 {
		c.RowCap = 50
	}
	if c.SampleTokenBudget <= 0 {
		c.SampleTokenBudget = 1500
	}
	if len(c.DividendColumns) == 0 {
		c.DividendColumns = []string{"ex_date", "pay_date", "amount", "cash_amount", "dividend", "dividend_amount"}
	}
	if c.WebMaxPages <= 0 {
		c.WebMaxPages = 3
	}
	if c.ExecRetryBackoff <= 0 {
		c.ExecRetryBackoff = 500 * time.Millisecond
	}
	return c
}

// Composer ties classification, routing, safety, execution, and section
// assembly into one per-request state machine. It holds no per-request
// state itself; everything request-scoped lives on the stack of run.
type Composer struct {
	providers   *provider.Registry
	gate        *safety.Gate
	exec        *dbexec.Executor
	coordinator *ensemble.Coordinator
	metrics     analytics.Engine
	formatter   tablefmt.Formatter
	web         websearch.Searcher
	predictor   Predictor
	sink        audit.Sink
	policy      FallbackPolicy
	cfg         Config
}

// New builds a composer over its collaborators.
func New(
	providers *provider.Registry,
	gate *safety.Gate,
	exec *dbexec.Executor,
	coordinator *ensemble.Coordinator,
	metrics analytics.Engine,
	formatter tablefmt.Formatter,
	web websearch.Searcher,
	predictor Predictor,
	sink audit.Sink,
	cfg Config,
) *Composer {
	return &Composer{
		providers:   providers,
		gate:        gate,
		exec:        exec,
		coordinator: coordinator,
		metrics:     metrics,
		formatter:   formatter,
		web:         web,
		predictor:   predictor,
		sink:        sink,
		cfg:         cfg.withDefaults(),
	}
}

// Handle processes one request and returns its ordered output stream. The
// channel is closed after the Done chunk. Cancelling ctx abandons the
// request; any open row stream is released promptly.
func (c *Composer) Handle(ctx context.Context, q query.Query) <-chan Chunk {
	out := make(chan Chunk, 32)
	go c.run(ctx, q, out)
	return out
}

// emit sends one chunk, reporting false when the consumer is gone.
func emit(ctx context.Context, out chan<- Chunk, chunk Chunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Composer) run(ctx context.Context, q query.Query, out chan<- Chunk) {
	defer close(out)

	start := time.Now()
	entry := audit.Entry{
		RequestID:    uuid.NewString(),
		QuestionHash: audit.HashQuestion(q.Text),
		Question:     q.Text,
	}
	reqLog := log.WithField("request_id", entry.RequestID)

	finish := func(path audit.Path) {
		entry.Path = path
		entry.DurationMs = time.Since(start).Milliseconds()
		c.sink.Append(entry)
	}

	kind := query.Classify(q.Text, q.HasImage)
	entry.Kind = string(kind)

	decision := routing.Route(kind, q.Overrides.Ensemble)
	entry.Providers = decision.Providers
	entry.RoutingReason = decision.Reason
	reqLog.Infof("classified as %s; routing: %s", kind, decision.Reason)

	// Intake: a bare greeting ends the conversation turn immediately.
	if query.IsGreeting(q.Text) {
		emit(ctx, out, textChunk(greetingReply))
		emit(ctx, out, doneChunk())
		finish(audit.PathGreeting)
		return
	}

	// Ensemble mode bypasses the planner: the merged answer is the response.
	if decision.Ensemble {
		res := c.coordinator.Run(ctx, q.Text, decision.Providers)
		emit(ctx, out, textChunk(ensemble.Merge(kind, res)))
		emit(ctx, out, doneChunk())
		finish(audit.PathEnsemble)
		return
	}

	// Early fallback check, before any model call.
	if c.policy.WantsWeb(q) {
		c.streamWeb(ctx, q, out, &entry)
		finish(audit.PathWeb)
		return
	}

	// Specialized-prediction path.
	if predKind, ok := predictionIntent(q.Text); ok {
		c.predictionSection(ctx, q, decision.Providers, predKind, out, &entry)
		finish(audit.PathPrediction)
		return
	}

	// Plan.
	plan := c.plan(ctx, q, decision.Providers, reqLog)
	if plan.Degraded {
		entry.ErrorClass = "planner_malformed"
		entry.ErrorDetail = plan.Answer
	}

	if plan.Action == ActionChat {
		// A chat-classified plan may still prefer web routing.
		if c.policy.WantsWeb(q) {
			c.streamWeb(ctx, q, out, &entry)
			finish(audit.PathWeb)
			return
		}
		c.streamChat(ctx, q, decision.Providers, plan, out)
		finish(audit.PathChat)
		return
	}

	// DataQuery branch: the gate is the only entry to execution.
	validated, err := c.gate.Validate(plan.Query)
	if err != nil {
		var unsafe *safety.UnsafeQueryError
		errors.As(err, &unsafe)
		reqLog.Warnf("safety gate rejected planner query: %v", err)
		entry.ErrorClass = "unsafe_query"
		entry.ErrorDetail = err.Error()
		if c.policy.WantsWeb(q) {
			c.streamWeb(ctx, q, out, &entry)
			finish(audit.PathWeb)
			return
		}
		reason := "its shape"
		if unsafe != nil {
			reason = gateReasonText(unsafe.Reason)
		}
		emit(ctx, out, textChunk(fmt.Sprintf(
			"I generated a data query for that, but it failed a safety check (%s), so I won't run it. Try narrowing the question to dividends, prices, or tickers.", reason)))
		emit(ctx, out, doneChunk())
		finish(audit.PathError)
		return
	}

	// Row-cap directive when the phrasing wants a bounded preview.
	if wantsPreview(q.Text) && !strings.Contains(strings.ToUpper(validated), "LIMIT") {
		validated = fmt.Sprintf("%s LIMIT %d", validated, c.cfg.RowCap)
	}
	entry.ValidatedQuery = validated

	columns, rows, err := c.executeWithRetry(ctx, validated, reqLog)
	if err != nil {
		reqLog.Errorf("executor failed twice, terminating request: %v", err)
		entry.ErrorClass = "executor_fatal"
		entry.ErrorDetail = err.Error()
		emit(ctx, out, textChunk(apologyReply))
		emit(ctx, out, doneChunk())
		finish(audit.PathError)
		return
	}
	entry.RowCount = len(rows)

	c.composeSections(ctx, q, kind, decision.Providers, validated, columns, rows, out, &entry)
	finish(audit.PathData)
}

// plan runs the planning call against the answering provider. Any provider
// failure degrades to a chat plan with an apology; the planner never
// hard-fails a request.
func (c *Composer) plan(ctx context.Context, q query.Query, routed []string, reqLog *log.Entry) Plan {
	client, model := c.answeringProvider(q, routed)
	if client == nil {
		return Plan{Action: ActionChat, Answer: apologyReply, Degraded: true}
	}

	system := defaultPlannerSystem + "\nViews: " + strings.Join(c.gate.Allowed(), ", ")
	if q.Overrides.PlannerSystem != "" {
		system = q.Overrides.PlannerSystem
	}
	userText := q.Text
	if q.Overrides.PrependContext != "" {
		userText = q.Overrides.PrependContext + "\n\n" + userText
	}

	raw, err := client.CompleteOnce(ctx, provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: userText},
		},
		Model: model,
	})
	if err != nil {
		reqLog.Warnf("planning call failed: %v", err)
		var notFound *provider.ModelNotFoundError
		if errors.As(err, &notFound) {
			return Plan{Action: ActionChat, Answer: notFound.Error(), Degraded: true}
		}
		return Plan{Action: ActionChat, Answer: apologyReply, Degraded: true}
	}
	return parsePlan(raw)
}

// answeringProvider resolves the client for single-provider paths: the local
// override first, then the router's choice, then the primary provider as the
// final fallback. The choice is request-scoped; nothing here mutates shared
// state.
func (c *Composer) answeringProvider(q query.Query, routed []string) (provider.Client, string) {
	if q.Overrides.Provider == "local" {
		if client, err := c.providers.Get(routing.ProviderLocal); err == nil {
			return client, q.Overrides.LocalModelTag
		}
		log.Warn("local provider requested but not registered, using routed provider")
	}
	for _, id := range routed {
		if client, err := c.providers.Get(id); err == nil {
			return client, ""
		}
	}
	client, err := c.providers.Get(routing.ProviderPrimary)
	if err != nil {
		log.Errorf("no answering provider available: %v", err)
		return nil, ""
	}
	return client, ""
}

// streamChat emits the chat answer: the plan's text when it carries one,
// otherwise a fresh streamed call.
func (c *Composer) streamChat(ctx context.Context, q query.Query, routed []string, plan Plan, out chan<- Chunk) {
	if strings.TrimSpace(plan.Answer) != "" {
		emit(ctx, out, textChunk(plan.Answer))
		emit(ctx, out, doneChunk())
		return
	}
	client, model := c.answeringProvider(q, routed)
	if client == nil {
		emit(ctx, out, textChunk(apologyReply))
		emit(ctx, out, doneChunk())
		return
	}
	ch, err := client.CompleteStream(ctx, provider.Request{
		Messages: []provider.Message{{Role: "user", Content: q.Text}},
		Model:    model,
	})
	if err != nil {
		emit(ctx, out, textChunk(apologyReply))
		emit(ctx, out, doneChunk())
		return
	}
	for chunk := range ch {
		if chunk.Err != nil {
			log.Warnf("chat stream ended early: %v", chunk.Err)
			break
		}
		if !emit(ctx, out, textChunk(chunk.Text)) {
			return
		}
	}
	emit(ctx, out, doneChunk())
}

// streamWeb relays the web-search collaborator's stream as the remainder of
// the response.
func (c *Composer) streamWeb(ctx context.Context, q query.Query, out chan<- Chunk, entry *audit.Entry) {
	ch, err := c.web.Search(ctx, q.Text, c.cfg.WebMaxPages, false)
	if err != nil {
		log.Warnf("web search failed: %v", err)
		entry.ErrorClass = "web_search_failed"
		emit(ctx, out, textChunk(apologyReply))
		emit(ctx, out, doneChunk())
		return
	}
	for fragment := range ch {
		if !emit(ctx, out, textChunk(fragment)) {
			return
		}
	}
	emit(ctx, out, doneChunk())
}

// predictionSection emits one formatted block per extracted symbol. Any
// error falls back to a generic conversational answer rather than failing
// the request.
func (c *Composer) predictionSection(ctx context.Context, q query.Query, routed []string, predKind string, out chan<- Chunk, entry *audit.Entry) {
	symbols := q.Symbols
	if len(symbols) == 0 {
		emit(ctx, out, textChunk("I need at least one ticker symbol for a prediction. Try something like \"cut risk for T and MO\"."))
		emit(ctx, out, doneChunk())
		return
	}

	preds, err := c.predictor.Predict(ctx, provider.PredictionKind(predKind), symbols)
	if err != nil {
		log.Warnf("prediction service failed, falling back to chat: %v", err)
		entry.ErrorClass = "prediction_failed"
		c.streamChat(ctx, q, routed, Plan{Action: ActionChat}, out)
		return
	}

	bySymbol := make(map[string]provider.SymbolPrediction, len(preds))
	for _, p := range preds {
		bySymbol[p.Symbol] = p
	}

	emit(ctx, out, textChunk("## Dividend Predictions\n\n"))
	for _, sym := range symbols {
		p, ok := bySymbol[sym]
		if !ok || p.Summary == "" {
			if !emit(ctx, out, textChunk(fmt.Sprintf("**%s**: no prediction data available\n", sym))) {
				return
			}
			continue
		}
		block := fmt.Sprintf("**%s**: %s\n", sym, p.Summary)
		for k, v := range p.Fields {
			block += fmt.Sprintf("  - %s: %s\n", k, v)
		}
		if !emit(ctx, out, textChunk(block)) {
			return
		}
	}
	emit(ctx, out, textChunk("\n_Predictions generated by the dividend intelligence service._\n"))
	emit(ctx, out, doneChunk())
}

// executeWithRetry buffers the full row sequence for the data path. A
// connectivity-shaped open failure is retried exactly once after a fixed
// backoff; a server-reported error or a second failure is fatal for the
// request.
func (c *Composer) executeWithRetry(ctx context.Context, validated string, reqLog *log.Entry) ([]string, [][]string, error) {
	columns, stream, err := c.exec.Execute(ctx, validated)
	if err != nil {
		if !dbexec.Retryable(err) {
			return nil, nil, err
		}
		reqLog.Warnf("query execution failed, retrying once: %v", err)
		select {
		case <-time.After(c.cfg.ExecRetryBackoff):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
		columns, stream, err = c.exec.Execute(ctx, validated)
		if err != nil {
			return nil, nil, err
		}
	}
	defer stream.Close()

	var rows [][]string
	for {
		row, err := stream.Next()
		if err != nil {
			return nil, nil, err
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}
	return columns, rows, nil
}

// composeSections emits the data-path response in its fixed order: table,
// TTM, analytics tiers, model intelligence, zero-row safeguard, streamed
// explanation, follow-ups. Sections are individually omittable but never
// reordered.
func (c *Composer) composeSections(ctx context.Context, q query.Query, kind query.Kind, routed []string, validated string, columns []string, rows [][]string, out chan<- Chunk, entry *audit.Entry) {
	// (a) Tabular data.
	if len(rows) > 0 {
		rendered, err := c.formatter.Format(columns, rows)
		if err != nil {
			log.Warnf("table formatter failed, using minimal rendering: %v", err)
			rendered = tablefmt.Minimal(columns, rows)
		}
		if !emit(ctx, out, textChunk(rendered)) {
			return
		}
		if !emit(ctx, out, sectionBreak()) {
			return
		}
	}

	// (b) Trailing-twelve-months income, only for distribution-shaped
	// results with an ownership signal in the question.
	if shares := ownershipShares(q.Text); shares > 0 && c.looksLikeDistributions(columns) {
		if ttm, ok := analytics.ComputeTTM(columns, rows, shares); ok {
			if !emit(ctx, out, textChunk(fmt.Sprintf("**Estimated TTM income for %.0f shares: $%.2f**\n", shares, ttm))) {
				return
			}
			if !emit(ctx, out, sectionBreak()) {
				return
			}
		}
	}

	// (c) Four analytics tiers, each independently best-effort.
	var tierLines []string
	for _, tier := range analytics.Tiers {
		line, err := c.metrics.Tier(tier, columns, rows)
		if err != nil {
			log.Warnf("analytics tier %s skipped: %v", tier, err)
			continue
		}
		tierLines = append(tierLines, line)
	}
	if len(tierLines) > 0 {
		if !emit(ctx, out, textChunk(strings.Join(tierLines, "\n")+"\n")) {
			return
		}
		if !emit(ctx, out, sectionBreak()) {
			return
		}
	}

	// (d) Specialized-model intelligence, best-effort.
	if len(q.Symbols) > 0 && len(rows) > 0 {
		if preds, err := c.predictor.Predict(ctx, provider.PredictScore, q.Symbols); err == nil && len(preds) > 0 {
			var b strings.Builder
			b.WriteString("**Model intelligence**\n")
			for _, p := range preds {
				if p.Summary != "" {
					fmt.Fprintf(&b, "- %s: %s\n", p.Symbol, p.Summary)
				}
			}
			if !emit(ctx, out, textChunk(b.String())) {
				return
			}
			if !emit(ctx, out, sectionBreak()) {
				return
			}
		} else if err != nil {
			log.Debugf("model intelligence section skipped: %v", err)
		}
	}

	// (e) Zero-row safeguard: hand the remainder to web search.
	if len(rows) == 0 && c.policy.WantsWebAfterEmpty(q) {
		c.streamWeb(ctx, q, out, entry)
		return
	}

	// (f) Final explanation, streamed from the answering provider.
	c.streamExplanation(ctx, q, routed, validated, columns, rows, out)

	// (g) Follow-up suggestions, best-effort.
	c.followUps(ctx, kind, out)

	emit(ctx, out, doneChunk())
}

// looksLikeDistributions reports whether at least two configured dividend
// column names appear in the result columns.
func (c *Composer) looksLikeDistributions(columns []string) bool {
	matched := 0
	for _, want := range c.cfg.DividendColumns {
		for _, col := range columns {
			if strings.EqualFold(col, want) {
				matched++
				break
			}
		}
	}
	return matched >= 2
}

func (c *Composer) streamExplanation(ctx context.Context, q query.Query, routed []string, validated string, columns []string, rows [][]string, out chan<- Chunk) {
	client, model := c.answeringProvider(q, routed)
	if client == nil {
		return
	}

	metrics, err := c.metrics.ComputeMetrics(columns, rows, 0)
	summary := ""
	if err == nil {
		if len(metrics.Ranking) > 0 {
			summary += fmt.Sprintf("Top symbol by total: %s (%.4f). ", metrics.Ranking[0].Symbol, metrics.Ranking[0].Total)
		}
		if metrics.DateRange[0] != "" {
			summary += fmt.Sprintf("Data covers %s to %s. ", metrics.DateRange[0], metrics.DateRange[1])
		}
	}

	system := "You are a financial assistant. Explain the query results for the user plainly and concisely. Do not invent numbers."
	if q.Overrides.AnswerSystem != "" {
		system = q.Overrides.AnswerSystem
	}

	prompt := fmt.Sprintf("Question: %s\n\nQuery run: %s\n\nDerived metrics: %s\n\nResult sample:\n%s",
		q.Text, validated, summary, sampleRows(columns, rows, c.cfg.SampleTokenBudget))

	ch, err := client.CompleteStream(ctx, provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: system},
			{Role: "user", Content: prompt},
		},
		Model: model,
	})
	if err != nil {
		log.Warnf("explanation stream unavailable: %v", err)
		return
	}
	for chunk := range ch {
		if chunk.Err != nil {
			log.Warnf("explanation stream ended early: %v", chunk.Err)
			return
		}
		if !emit(ctx, out, textChunk(chunk.Text)) {
			return
		}
	}
}

// followUps emits kind-specific suggested next questions. Purely additive;
// nothing here may fail the request.
func (c *Composer) followUps(ctx context.Context, kind query.Kind, out chan<- Chunk) {
	var suggestions []string
	switch kind {
	case query.KindDividendScoring, query.KindDividendStrategy:
		suggestions = []string{
			"Compare the payout history of these tickers over 10 years",
			"What's the cut risk for the lowest-ranked name?",
		}
	case query.KindQuantitative, query.KindChartAnalysis:
		suggestions = []string{
			"Show the price history behind these figures",
			"How does this compare against the sector?",
		}
	default:
		suggestions = []string{
			"Show me the dividend history for a specific ticker",
			"Which of my holdings pays next month?",
		}
	}
	var b strings.Builder
	b.WriteString("\n\n**You could also ask:**\n")
	for _, s := range suggestions {
		b.WriteString("- " + s + "\n")
	}
	emit(ctx, out, textChunk(b.String()))
}

func gateReasonText(reason safety.SubReason) string {
	switch reason {
	case safety.ReasonShape:
		return "it was not a single read-only SELECT"
	case safety.ReasonDenylist:
		return "it contained a data-modification keyword"
	case safety.ReasonInjection:
		return "it contained a statement separator"
	case safety.ReasonScope:
		return "it referenced no approved reporting view"
	default:
		return "its shape"
	}
}

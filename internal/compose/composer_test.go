// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package compose

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantrail/finsight/internal/analytics"
	"github.com/quantrail/finsight/internal/audit"
	"github.com/quantrail/finsight/internal/dbexec"
	"github.com/quantrail/finsight/internal/ensemble"
	"github.com/quantrail/finsight/internal/provider"
	"github.com/quantrail/finsight/internal/query"
	"github.com/quantrail/finsight/internal/safety"
	"github.com/quantrail/finsight/internal/tablefmt"
)

var testViews = []string{
	"vw_tickers", "vw_dividend_history", "vw_prices_daily", "vw_securities",
}

type fakeClient struct {
	once      string
	onceErr   error
	stream    []string
	streamErr error
	onceCalls int
}

func (f *fakeClient) CompleteOnce(ctx context.Context, req provider.Request) (string, error) {
	f.onceCalls++
	return f.once, f.onceErr
}

func (f *fakeClient) CompleteStream(ctx context.Context, req provider.Request) (<-chan provider.StreamChunk, error) {
	if f.streamErr != nil {
		return nil, f.streamErr
	}
	ch := make(chan provider.StreamChunk, len(f.stream))
	for _, s := range f.stream {
		ch <- provider.StreamChunk{Text: s}
	}
	close(ch)
	return ch, nil
}

type fakeWeb struct {
	fragments []string
	err       error
	calls     int
}

func (f *fakeWeb) Search(ctx context.Context, q string, maxPages int, fast bool) (<-chan string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan string, len(f.fragments))
	for _, s := range f.fragments {
		ch <- s
	}
	close(ch)
	return ch, nil
}

type fakePredictor struct {
	preds []provider.SymbolPrediction
	err   error
}

func (f *fakePredictor) Predict(ctx context.Context, kind provider.PredictionKind, symbols []string) ([]provider.SymbolPrediction, error) {
	return f.preds, f.err
}

type memSink struct {
	entries []audit.Entry
}

func (m *memSink) Append(e audit.Entry) { m.entries = append(m.entries, e) }

func (m *memSink) last(t *testing.T) audit.Entry {
	t.Helper()
	require.NotEmpty(t, m.entries, "expected an audit entry")
	return m.entries[len(m.entries)-1]
}

func newTestComposer(primary provider.Client, db *sql.DB, web *fakeWeb, pred *fakePredictor, cfg Config) (*Composer, *memSink) {
	registry := provider.NewRegistry(map[string]provider.Client{
		"primary": primary,
	})
	sink := &memSink{}
	c := New(
		registry,
		safety.NewGate(testViews),
		dbexec.NewExecutor(db),
		ensemble.NewCoordinator(registry, time.Second),
		analytics.Basic{},
		tablefmt.Markdown{},
		web,
		pred,
		sink,
		cfg,
	)
	return c, sink
}

// collect drains the output stream into one string and reports whether the
// Done marker arrived last.
func collect(t *testing.T, ch <-chan Chunk) (string, bool) {
	t.Helper()
	var text string
	doneLast := false
	for chunk := range ch {
		doneLast = false
		switch chunk.Type {
		case ChunkText:
			text += chunk.Text
		case ChunkSectionBreak:
			text += "\n"
		case ChunkDone:
			doneLast = true
		}
	}
	return text, doneLast
}

func TestGreetingShortCircuits(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	primary := &fakeClient{}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, &fakePredictor{}, Config{})

	text, done := collect(t, c.Handle(context.Background(), query.New("hello", false, query.Overrides{})))

	assert.True(t, done)
	assert.Contains(t, text, "Hello!")
	assert.Zero(t, primary.onceCalls, "a greeting must not reach any provider")
	assert.Equal(t, audit.PathGreeting, sink.last(t).Path)
}

func TestDataQueryPathComposesOrderedSections(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	const planned = "SELECT ticker, ex_date, amount FROM vw_dividend_history WHERE ticker = 'AAPL'"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(planned)).WillReturnRows(
		sqlmock.NewRows([]string{"ticker", "ex_date", "amount"}).
			AddRow("AAPL", "2026-02-07", "0.25").
			AddRow("AAPL", "2026-05-09", "0.26"),
	)
	mock.ExpectRollback()

	primary := &fakeClient{
		once:   fmt.Sprintf(`{"action":"data_query","query":"%s"}`, planned),
		stream: []string{"AAPL paid ", "two dividends recently."},
	}
	pred := &fakePredictor{preds: []provider.SymbolPrediction{
		{Symbol: "AAPL", Summary: "payout looks sustainable"},
	}}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, pred, Config{})

	q := query.New("Show AAPL dividends for the last 5 years", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	require.True(t, done)
	assert.Contains(t, text, "| ticker | ex_date | amount |")
	assert.Contains(t, text, "Descriptive:")
	assert.Contains(t, text, "Model intelligence")
	assert.Contains(t, text, "payout looks sustainable")
	assert.Contains(t, text, "AAPL paid two dividends recently.")
	assert.Contains(t, text, "You could also ask")

	// Section order: table before analytics before the explanation.
	tableAt := indexOf(t, text, "| ticker |")
	tiersAt := indexOf(t, text, "Descriptive:")
	explainAt := indexOf(t, text, "AAPL paid")
	assert.Less(t, tableAt, tiersAt)
	assert.Less(t, tiersAt, explainAt)

	entry := sink.last(t)
	assert.Equal(t, audit.PathData, entry.Path)
	assert.Equal(t, planned, entry.ValidatedQuery)
	assert.Equal(t, 2, entry.RowCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnsafePlanTerminatesWithExplanation(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	primary := &fakeClient{once: `{"action":"data_query","query":"DROP TABLE vw_tickers"}`}
	web := &fakeWeb{}
	c, sink := newTestComposer(primary, db, web, &fakePredictor{}, Config{})

	q := query.New("Show my dividend payouts", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "failed a safety check")
	assert.Zero(t, web.calls, "a finance question must not divert to web search")

	entry := sink.last(t)
	assert.Equal(t, audit.PathError, entry.Path)
	assert.Equal(t, "unsafe_query", entry.ErrorClass)
	assert.Empty(t, entry.ValidatedQuery)
}

func TestZeroRowsWithoutFinanceSignalFallsToWeb(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	const planned = "SELECT ticker, trade_date FROM vw_prices_daily WHERE ticker = 'ZZT'"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(planned)).WillReturnRows(
		sqlmock.NewRows([]string{"ticker", "trade_date"}),
	)
	mock.ExpectRollback()

	primary := &fakeClient{
		once: fmt.Sprintf(`{"action":"data_query","query":"%s"}`, planned),
	}
	web := &fakeWeb{fragments: []string{"From the web: ZZT was delisted in 2024."}}
	c, sink := newTestComposer(primary, db, web, &fakePredictor{}, Config{})

	// Symbols but no finance wording: survives the early checkpoint, then
	// the zero-row result hands the remainder to web search.
	q := query.New("What is going on with ZZT lately", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Equal(t, 1, web.calls)
	assert.Contains(t, text, "ZZT was delisted in 2024.")

	entry := sink.last(t)
	assert.Equal(t, 0, entry.RowCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsembleModeBypassesPlanner(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	registry := provider.NewRegistry(map[string]provider.Client{
		"primary": &fakeClient{once: "General portfolio view."},
		"quant":   &fakeClient{once: "Sharpe ratio is 1.3."},
	})
	sink := &memSink{}
	c := New(
		registry,
		safety.NewGate(testViews),
		dbexec.NewExecutor(db),
		ensemble.NewCoordinator(registry, time.Second),
		analytics.Basic{},
		tablefmt.Markdown{},
		&fakeWeb{},
		&fakePredictor{},
		sink,
		Config{},
	)

	q := query.New("What's the Sharpe ratio and optimal allocation for my portfolio?", false, query.Overrides{Ensemble: true})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "## Quantitative Analysis")
	assert.Contains(t, text, "Sharpe ratio is 1.3.")
	assert.Contains(t, text, "2 provider(s) contributed")
	// The quantitative specialist leads the merged answer.
	assert.Less(t, indexOf(t, text, "Sharpe ratio is 1.3."), indexOf(t, text, "General portfolio view."))
	assert.Equal(t, audit.PathEnsemble, sink.last(t).Path)
}

func TestPredictionIntentEmitsPerSymbolBlocks(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	primary := &fakeClient{}
	pred := &fakePredictor{preds: []provider.SymbolPrediction{
		{Symbol: "MO", Summary: "elevated cut risk", Fields: map[string]string{"score": "0.71"}},
		{Symbol: "VZ", Summary: "low cut risk"},
	}}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, pred, Config{})

	q := query.New("What is the cut risk for MO and VZ?", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "## Dividend Predictions")
	assert.Contains(t, text, "**MO**: elevated cut risk")
	assert.Contains(t, text, "score: 0.71")
	assert.Contains(t, text, "**VZ**: low cut risk")
	assert.Contains(t, text, "dividend intelligence service")
	assert.Zero(t, primary.onceCalls, "the prediction path must not call the planner")
	assert.Equal(t, audit.PathPrediction, sink.last(t).Path)
}

func TestPredictionFailureFallsBackToChat(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	primary := &fakeClient{stream: []string{"I can't reach the prediction service, but generally..."}}
	pred := &fakePredictor{err: fmt.Errorf("service down")}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, pred, Config{})

	q := query.New("What is the cut risk for MO?", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "generally")
	entry := sink.last(t)
	assert.Equal(t, audit.PathPrediction, entry.Path)
	assert.Equal(t, "prediction_failed", entry.ErrorClass)
}

func TestMalformedPlanDegradesToChat(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	primary := &fakeClient{once: "I will just answer directly without JSON."}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, &fakePredictor{}, Config{})

	q := query.New("Tell me about dividend investing", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "answer directly without JSON")

	entry := sink.last(t)
	assert.Equal(t, audit.PathChat, entry.Path)
	assert.Equal(t, "planner_malformed", entry.ErrorClass)
}

func TestWebOverrideSkipsPlanning(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	primary := &fakeClient{}
	web := &fakeWeb{fragments: []string{"Latest dividend news."}}
	c, sink := newTestComposer(primary, db, web, &fakePredictor{}, Config{})

	q := query.New("Show AAPL dividend history", false, query.Overrides{UseWeb: true})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "Latest dividend news.")
	assert.Zero(t, primary.onceCalls)
	assert.Equal(t, audit.PathWeb, sink.last(t).Path)
}

func TestExecutorRetriesOnceThenSucceeds(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	const planned = "SELECT ticker, amount FROM vw_dividend_history"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(planned)).WillReturnError(fmt.Errorf("connection reset"))
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(planned)).WillReturnRows(
		sqlmock.NewRows([]string{"ticker", "amount"}).AddRow("KO", "0.485"),
	)
	mock.ExpectRollback()

	primary := &fakeClient{
		once:   fmt.Sprintf(`{"action":"data_query","query":"%s"}`, planned),
		stream: []string{"KO pays quarterly."},
	}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, &fakePredictor{}, Config{ExecRetryBackoff: time.Millisecond})

	q := query.New("Show dividend amounts by ticker", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "| KO | 0.485 |")
	assert.Equal(t, audit.PathData, sink.last(t).Path)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorServerErrorFailsWithoutRetry(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	const planned = "SELECT ticker, amount FROM vw_dividend_history"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(planned)).WillReturnError(
		&pgconn.PgError{Code: "42P01", Message: `relation "vw_dividend_history" does not exist`},
	)
	mock.ExpectRollback()

	primary := &fakeClient{
		once: fmt.Sprintf(`{"action":"data_query","query":"%s"}`, planned),
	}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, &fakePredictor{}, Config{ExecRetryBackoff: time.Millisecond})

	q := query.New("Show dividend amounts by ticker", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "I'm sorry")

	entry := sink.last(t)
	assert.Equal(t, audit.PathError, entry.Path)
	assert.Equal(t, "executor_fatal", entry.ErrorClass)
	// Exactly one Begin/Query pair was expected; a retry would trip sqlmock.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExecutorSecondFailureIsFatal(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	const planned = "SELECT ticker, amount FROM vw_dividend_history"
	for i := 0; i < 2; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(regexp.QuoteMeta(planned)).WillReturnError(fmt.Errorf("connection reset"))
		mock.ExpectRollback()
	}

	primary := &fakeClient{
		once: fmt.Sprintf(`{"action":"data_query","query":"%s"}`, planned),
	}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, &fakePredictor{}, Config{ExecRetryBackoff: time.Millisecond})

	q := query.New("Show dividend amounts by ticker", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "I'm sorry")

	entry := sink.last(t)
	assert.Equal(t, audit.PathError, entry.Path)
	assert.Equal(t, "executor_fatal", entry.ErrorClass)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRowCapAppendedForPreviewPhrasing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	const planned = "SELECT ticker, amount FROM vw_dividend_history"
	const capped = planned + " LIMIT 5"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(capped)).WillReturnRows(
		sqlmock.NewRows([]string{"ticker", "amount"}).AddRow("KO", "0.485"),
	)
	mock.ExpectRollback()

	primary := &fakeClient{
		once:   fmt.Sprintf(`{"action":"data_query","query":"%s"}`, planned),
		stream: []string{"Here is a quick sample."},
	}
	c, sink := newTestComposer(primary, db, &fakeWeb{}, &fakePredictor{}, Config{RowCap: 5})

	q := query.New("Give me a quick look at recent dividend amounts", false, query.Overrides{})
	_, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Equal(t, capped, sink.last(t).ValidatedQuery)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTTMSectionForOwnershipQuestions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	recent := time.Now().UTC().AddDate(0, -2, 0).Format("2006-01-02")
	const planned = "SELECT ticker, ex_date, amount FROM vw_dividend_history WHERE ticker = 'KO'"
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(planned)).WillReturnRows(
		sqlmock.NewRows([]string{"ticker", "ex_date", "amount"}).
			AddRow("KO", recent, "0.485").
			AddRow("KO", recent, "0.485"),
	)
	mock.ExpectRollback()

	primary := &fakeClient{
		once:   fmt.Sprintf(`{"action":"data_query","query":"%s"}`, planned),
		stream: []string{"KO income summary."},
	}
	c, _ := newTestComposer(primary, db, &fakeWeb{}, &fakePredictor{}, Config{})

	q := query.New("I own 100 shares of KO, what dividend income did I get?", false, query.Overrides{})
	text, done := collect(t, c.Handle(context.Background(), q))

	assert.True(t, done)
	assert.Contains(t, text, "Estimated TTM income for 100 shares: $97.00")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func indexOf(t *testing.T, haystack, needle string) int {
	t.Helper()
	idx := strings.Index(haystack, needle)
	require.GreaterOrEqual(t, idx, 0, "expected output to contain %q", needle)
	return idx
}

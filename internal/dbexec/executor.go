// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package dbexec runs validated read-only queries against the reporting
// store and exposes the result as a lazy row stream. Only text that has
// passed the safety gate may reach Execute; the executor itself performs no
// validation.
package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jackc/pgx/v5/pgconn"
	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Executor owns the shared connection pool. One request holds at most one
// connection, released when its RowStream closes.
type Executor struct {
	db *sql.DB
}

// PoolConfig tunes the shared pool.
type PoolConfig struct {
	MaxOpen         int
	MaxIdle         int
	ConnMaxLifetime time.Duration
}

// Open connects to the reporting store, applies pool settings, and verifies
// connectivity with a ping.
func Open(ctx context.Context, dsn string, cfg PoolConfig) (*Executor, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open reporting store: %w", err)
	}
	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("reporting store ping failed: %w", err)
	}
	return &Executor{db: db}, nil
}

// NewExecutor wraps an existing pool. Used by tests and by callers that
// manage the pool themselves.
func NewExecutor(db *sql.DB) *Executor {
	return &Executor{db: db}
}

// Ping verifies store connectivity.
func (e *Executor) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// Close releases the pool.
func (e *Executor) Close() error {
	return e.db.Close()
}

// Retryable reports whether an execution error is connectivity-shaped and
// worth a retry. An error carrying a SQLSTATE reached the server and will
// fail the same way again; context cancellation means the caller is gone.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pgErr *pgconn.PgError
	return !errors.As(err, &pgErr)
}

// RowStream is a lazy, consume-once cursor over a query result. Rows are
// pulled from the store on demand; Close is idempotent and releases the
// rows and transaction exactly once, on exhaustion, error, or early
// abandonment.
type RowStream struct {
	rows    *sql.Rows
	tx      *sql.Tx
	columns []string
	closed  bool
}

// Execute opens a read-uncommitted-preference transaction and runs the
// validated query. The domain tolerates slightly stale reads in exchange for
// never blocking concurrent writers; stores that coerce the level to read
// committed are accepted as-is. The returned stream must be closed by the
// caller.
func (e *Executor) Execute(ctx context.Context, validated string) ([]string, *RowStream, error) {
	tx, err := e.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelReadUncommitted,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}

	rows, err := tx.QueryContext(ctx, validated)
	if err != nil {
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("query execution failed: %w", err)
	}

	columns, err := rows.Columns()
	if err != nil {
		rows.Close()
		_ = tx.Rollback()
		return nil, nil, fmt.Errorf("failed to read result columns: %w", err)
	}

	return columns, &RowStream{rows: rows, tx: tx, columns: columns}, nil
}

// Columns returns the result column names.
func (s *RowStream) Columns() []string {
	return s.columns
}

// Next pulls the next row rendered as strings (NULL becomes ""). It returns
// (nil, nil) at exhaustion, after which the stream is closed. Any error also
// closes the stream.
func (s *RowStream) Next() ([]string, error) {
	if s.closed {
		return nil, nil
	}
	if !s.rows.Next() {
		err := s.rows.Err()
		s.Close()
		if err != nil {
			return nil, fmt.Errorf("row fetch failed: %w", err)
		}
		return nil, nil
	}

	raw := make([]any, len(s.columns))
	dest := make([]any, len(s.columns))
	for i := range raw {
		dest[i] = &raw[i]
	}
	if err := s.rows.Scan(dest...); err != nil {
		s.Close()
		return nil, fmt.Errorf("row scan failed: %w", err)
	}

	row := make([]string, len(s.columns))
	for i, v := range raw {
		row[i] = renderValue(v)
	}
	return row, nil
}

// renderValue turns a driver value into display text. NULL renders empty.
func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(val)
	case string:
		return val
	case time.Time:
		return val.Format("2006-01-02")
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// Close releases the cursor and transaction. Safe to call more than once.
func (s *RowStream) Close() {
	if s.closed {
		return
	}
	s.closed = true
	if err := s.rows.Close(); err != nil {
		log.Warnf("row stream close failed: %v", err)
	}
	// The transaction is read-only; rollback is the cheap release path.
	if err := s.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		log.Warnf("read transaction release failed: %v", err)
	}
}

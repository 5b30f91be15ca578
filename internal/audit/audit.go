// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package audit records one structured entry per handled request for later
// analysis. The core only appends; nothing in the request path ever reads
// the log back, and append failures are logged, never raised.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/goccy/go-json"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Path names the terminal route a request took.
type Path string

const (
	PathGreeting   Path = "greeting"
	PathWeb        Path = "web_fallback"
	PathPrediction Path = "prediction"
	PathChat       Path = "chat"
	PathData       Path = "data_query"
	PathEnsemble   Path = "ensemble"
	PathError      Path = "error"
)

// Entry is the write-once record for one request.
type Entry struct {
	// Timestamp is when the entry was written (response complete or failed).
	Timestamp time.Time `json:"timestamp"`

	// RequestID uniquely identifies the request.
	RequestID string `json:"request_id"`

	// QuestionHash is the sha256 of the raw question. The raw text itself is
	// only stored when the sink is configured as non-sensitive.
	QuestionHash string `json:"question_hash"`

	// Question is the raw question text, omitted in sensitive mode.
	Question string `json:"question,omitempty"`

	// Kind is the classifier outcome.
	Kind string `json:"kind"`

	// Path is the terminal route taken.
	Path Path `json:"path"`

	// Providers lists the provider ids that served the request.
	Providers []string `json:"providers,omitempty"`

	// RoutingReason is the router's justification.
	RoutingReason string `json:"routing_reason,omitempty"`

	// ValidatedQuery is the gate-approved query text, when the data path ran.
	ValidatedQuery string `json:"validated_query,omitempty"`

	// RowCount is the number of rows streamed on the data path.
	RowCount int `json:"row_count"`

	// DurationMs is end-to-end handling time.
	DurationMs int64 `json:"duration_ms"`

	// ErrorClass names the failure class on error exits ("unsafe_query",
	// "executor_fatal", "provider_unavailable", "planner_malformed").
	ErrorClass string `json:"error_class,omitempty"`

	// ErrorDetail carries the planner-error or gate-rejection text.
	ErrorDetail string `json:"error_detail,omitempty"`
}

// Sink accepts completed entries. Implementations must be fire-and-forget.
type Sink interface {
	Append(entry Entry)
}

// Config holds configuration for the JSONL file sink.
type Config struct {
	// Enabled toggles the sink; when false Append is a no-op.
	Enabled bool

	// LogPath is the JSONL file path.
	LogPath string

	// MaxSizeMB is the rotation threshold. Default 100.
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept. Default 10.
	MaxBackups int

	// SensitiveQuestions drops raw question text from entries, keeping only
	// the hash.
	SensitiveQuestions bool
}

// Logger writes entries as JSON lines to a rotating file, falling back to
// the process log when the file write fails.
type Logger struct {
	mu        sync.Mutex
	file      *lumberjack.Logger
	enabled   bool
	sensitive bool
}

// NewLogger creates the file sink. A disabled config yields a no-op sink.
func NewLogger(cfg Config) *Logger {
	if !cfg.Enabled {
		return &Logger{}
	}
	if cfg.MaxSizeMB == 0 {
		cfg.MaxSizeMB = 100
	}
	if cfg.MaxBackups == 0 {
		cfg.MaxBackups = 10
	}
	return &Logger{
		enabled:   true,
		sensitive: cfg.SensitiveQuestions,
		file: &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		},
	}
}

// HashQuestion returns the hex sha256 of the question text.
func HashQuestion(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Append writes one entry. Failures are logged and swallowed.
func (l *Logger) Append(entry Entry) {
	if !l.enabled {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if l.sensitive {
		entry.Question = ""
	}

	line, err := json.Marshal(entry)
	if err != nil {
		log.WithField("request_id", entry.RequestID).Warnf("audit entry marshal failed: %v", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		log.WithField("request_id", entry.RequestID).Warnf("audit write failed: %v", err)
	}
}

// Close flushes and closes the underlying file.
func (l *Logger) Close() error {
	if !l.enabled {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config loads and watches the server's YAML configuration: listen
// address, reporting-store connection, provider endpoints, the safety
// allow-list, and composer tuning. Everything here is read at startup;
// SIGHUP-free hot reload is handled by the file watcher.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the API server binds. Empty binds all.
	Host string `yaml:"host"`

	// Port is the API server listen port.
	Port int `yaml:"port"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`

	// LoggingToFile writes application logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file"`

	// LogDir is the directory for rotating log files.
	LogDir string `yaml:"log-dir"`

	// Database configures the reporting store connection.
	Database DatabaseConfig `yaml:"database"`

	// Providers configures the model backends.
	Providers ProvidersConfig `yaml:"providers"`

	// WebSearch configures the web-search collaborator.
	WebSearch WebSearchConfig `yaml:"web-search"`

	// Safety configures the query gate.
	Safety SafetyConfig `yaml:"safety"`

	// Compose tunes response composition.
	Compose ComposeConfig `yaml:"compose"`

	// Ensemble tunes multi-provider mode.
	Ensemble EnsembleConfig `yaml:"ensemble"`

	// Audit configures the request audit sink.
	Audit AuditConfig `yaml:"audit"`
}

// DatabaseConfig holds reporting-store settings.
type DatabaseConfig struct {
	// DSN is the Postgres connection string. The FINSIGHT_DB_DSN environment
	// variable overrides it so the secret can stay out of the file.
	DSN string `yaml:"dsn"`

	// MaxOpenConns caps the pool size.
	MaxOpenConns int `yaml:"max-open-conns"`

	// MaxIdleConns caps idle pooled connections.
	MaxIdleConns int `yaml:"max-idle-conns"`

	// ConnMaxLifetimeMinutes bounds connection reuse.
	ConnMaxLifetimeMinutes int `yaml:"conn-max-lifetime-minutes"`
}

// EndpointConfig is one OpenAI-compatible hosted backend.
type EndpointConfig struct {
	// BaseURL is the API root, e.g. "https://api.example.com/v1".
	BaseURL string `yaml:"base-url"`

	// APIKey is the bearer credential.
	APIKey string `yaml:"api-key"`

	// Model is the model or deployment name served at this endpoint.
	Model string `yaml:"model"`

	// TimeoutSeconds bounds one completion call. Default 120.
	TimeoutSeconds int `yaml:"timeout-seconds"`
}

// OllamaConfig is the local model server.
type OllamaConfig struct {
	// BaseURL is the Ollama server root. Default http://localhost:11434.
	BaseURL string `yaml:"base-url"`

	// DefaultModel is the tag used when the request names none.
	DefaultModel string `yaml:"default-model"`

	// TimeoutSeconds bounds one completion call. Default 300; local models
	// are slow to load on first use.
	TimeoutSeconds int `yaml:"timeout-seconds"`
}

// PredictionConfig is the specialized dividend-prediction service.
type PredictionConfig struct {
	BaseURL        string `yaml:"base-url"`
	APIKey         string `yaml:"api-key"`
	TimeoutSeconds int    `yaml:"timeout-seconds"`
}

// ProvidersConfig groups every backend by its routing id.
type ProvidersConfig struct {
	Primary    EndpointConfig   `yaml:"primary"`
	Fast       EndpointConfig   `yaml:"fast"`
	Quant      EndpointConfig   `yaml:"quant"`
	Multimodal EndpointConfig   `yaml:"multimodal"`
	Local      OllamaConfig     `yaml:"local"`
	Prediction PredictionConfig `yaml:"prediction"`
}

// WebSearchConfig is the web-search collaborator endpoint.
type WebSearchConfig struct {
	BaseURL        string `yaml:"base-url"`
	TimeoutSeconds int    `yaml:"timeout-seconds"`

	// MaxPages bounds crawl breadth per search. Default 3.
	MaxPages int `yaml:"max-pages"`
}

// SafetyConfig holds the gate's allow-list.
type SafetyConfig struct {
	// AllowedViews are the reporting views queries may reference. The
	// default list covers the standard reporting schema.
	AllowedViews []string `yaml:"allowed-views"`
}

// ComposeConfig tunes the response composer.
type ComposeConfig struct {
	// RowCap is the LIMIT appended to preview-style questions. Default 50.
	RowCap int `yaml:"row-cap"`

	// SampleTokenBudget bounds the row sample in explanation prompts.
	// Default 1500.
	SampleTokenBudget int `yaml:"sample-token-budget"`

	// DividendColumns are column names that mark a result as a
	// distributions table. Kept in configuration because the set tracks the
	// reporting schema, not composer logic.
	DividendColumns []string `yaml:"dividend-columns"`
}

// EnsembleConfig tunes multi-provider mode.
type EnsembleConfig struct {
	// PerCallTimeoutSeconds bounds each member call independently.
	// Default 90.
	PerCallTimeoutSeconds int `yaml:"per-call-timeout-seconds"`
}

// AuditConfig configures the JSONL audit sink.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	LogPath string `yaml:"log-path"`

	// MaxSizeMB is the rotation threshold. Default 100.
	MaxSizeMB int `yaml:"max-size-mb"`

	// MaxBackups is the rotated-file retention count. Default 10.
	MaxBackups int `yaml:"max-backups"`

	// SensitiveQuestions stores only the question hash, never the raw text.
	SensitiveQuestions bool `yaml:"sensitive-questions"`
}

// DefaultAllowedViews is the standard reporting schema surface.
var DefaultAllowedViews = []string{
	"vw_tickers",
	"vw_dividend_history",
	"vw_dividend_history_enhanced",
	"vw_prices_daily",
	"vw_securities",
	"vw_quote_snapshots",
	"vw_dividend_calendar",
	"vw_dividend_signals",
	"vw_dividend_predictions",
}

// LoadConfig reads and parses the YAML file at path and applies defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if c.LogDir == "" {
		c.LogDir = "logs"
	}

	if dsn := os.Getenv("FINSIGHT_DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 8
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 2
	}
	if c.Database.ConnMaxLifetimeMinutes == 0 {
		c.Database.ConnMaxLifetimeMinutes = 30
	}

	if c.Providers.Local.BaseURL == "" {
		c.Providers.Local.BaseURL = "http://localhost:11434"
	}
	if c.Providers.Local.TimeoutSeconds == 0 {
		c.Providers.Local.TimeoutSeconds = 300
	}
	for _, ep := range []*EndpointConfig{
		&c.Providers.Primary, &c.Providers.Fast, &c.Providers.Quant, &c.Providers.Multimodal,
	} {
		if ep.TimeoutSeconds == 0 {
			ep.TimeoutSeconds = 120
		}
	}
	if c.Providers.Prediction.TimeoutSeconds == 0 {
		c.Providers.Prediction.TimeoutSeconds = 30
	}

	if c.WebSearch.TimeoutSeconds == 0 {
		c.WebSearch.TimeoutSeconds = 120
	}
	if c.WebSearch.MaxPages == 0 {
		c.WebSearch.MaxPages = 3
	}

	if len(c.Safety.AllowedViews) == 0 {
		c.Safety.AllowedViews = append([]string(nil), DefaultAllowedViews...)
	}

	if c.Compose.RowCap == 0 {
		c.Compose.RowCap = 50
	}
	if c.Compose.SampleTokenBudget == 0 {
		c.Compose.SampleTokenBudget = 1500
	}

	if c.Ensemble.PerCallTimeoutSeconds == 0 {
		c.Ensemble.PerCallTimeoutSeconds = 90
	}

	if c.Audit.MaxSizeMB == 0 {
		c.Audit.MaxSizeMB = 100
	}
	if c.Audit.MaxBackups == 0 {
		c.Audit.MaxBackups = 10
	}
}

// EndpointTimeout returns the endpoint's call timeout as a duration.
func (e EndpointConfig) EndpointTimeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

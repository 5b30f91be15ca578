// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
host: 127.0.0.1
database:
  dsn: postgres://reader@localhost/finsight
providers:
  primary:
    base-url: https://api.example.com/v1
    model: gpt-large
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8317, cfg.Port)
	assert.Equal(t, "postgres://reader@localhost/finsight", cfg.Database.DSN)
	assert.Equal(t, 8, cfg.Database.MaxOpenConns)
	assert.Equal(t, "http://localhost:11434", cfg.Providers.Local.BaseURL)
	assert.Equal(t, 120, cfg.Providers.Primary.TimeoutSeconds)
	assert.Equal(t, DefaultAllowedViews, cfg.Safety.AllowedViews)
	assert.Equal(t, 50, cfg.Compose.RowCap)
	assert.Equal(t, 90, cfg.Ensemble.PerCallTimeoutSeconds)
}

func TestLoadConfigOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
port: 9000
safety:
  allowed-views: [vw_custom]
compose:
  row-cap: 10
  dividend-columns: [ex_date, amount]
audit:
  enabled: true
  log-path: /tmp/audit.jsonl
  sensitive-questions: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Port)
	assert.Equal(t, []string{"vw_custom"}, cfg.Safety.AllowedViews)
	assert.Equal(t, 10, cfg.Compose.RowCap)
	assert.Equal(t, []string{"ex_date", "amount"}, cfg.Compose.DividendColumns)
	assert.True(t, cfg.Audit.Enabled)
	assert.True(t, cfg.Audit.SensitiveQuestions)
}

func TestLoadConfigDSNEnvOverride(t *testing.T) {
	t.Setenv("FINSIGHT_DB_DSN", "postgres://env@localhost/finsight")
	path := writeConfig(t, `
database:
  dsn: postgres://file@localhost/finsight
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env@localhost/finsight", cfg.Database.DSN)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigMalformedYAML(t *testing.T) {
	path := writeConfig(t, "port: [not a port")
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestWatchReloadsOnChange(t *testing.T) {
	path := writeConfig(t, "port: 9000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 1)
	require.NoError(t, Watch(ctx, path, func(cfg *Config) {
		select {
		case reloaded <- cfg:
		default:
		}
	}))

	require.NoError(t, os.WriteFile(path, []byte("port: 9100\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 9100, cfg.Port)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a reload after the config file changed")
	}
}

func TestWatchIgnoresMalformedRewrite(t *testing.T) {
	path := writeConfig(t, "port: 9000\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	require.NoError(t, Watch(ctx, path, func(cfg *Config) { reloaded <- cfg }))

	require.NoError(t, os.WriteFile(path, []byte("port: [broken"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("expected no reload for malformed config, got port %d", cfg.Port)
	case <-time.After(time.Second):
	}
}

// Copyright 2026 The finsight Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package main starts the finsight query server: it wires the provider
// registry, reporting-store executor, safety gate, and response composer,
// then serves the streaming query API until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/quantrail/finsight/internal/analytics"
	"github.com/quantrail/finsight/internal/api"
	"github.com/quantrail/finsight/internal/audit"
	"github.com/quantrail/finsight/internal/buildinfo"
	"github.com/quantrail/finsight/internal/compose"
	"github.com/quantrail/finsight/internal/config"
	"github.com/quantrail/finsight/internal/dbexec"
	"github.com/quantrail/finsight/internal/ensemble"
	"github.com/quantrail/finsight/internal/logging"
	"github.com/quantrail/finsight/internal/provider"
	"github.com/quantrail/finsight/internal/routing"
	"github.com/quantrail/finsight/internal/safety"
	"github.com/quantrail/finsight/internal/tablefmt"
	"github.com/quantrail/finsight/internal/websearch"
)

// Overridden via ldflags during release builds.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func init() {
	buildinfo.Version = Version
	buildinfo.Commit = Commit
	buildinfo.BuildDate = BuildDate
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("finsight %s (%s, built %s)\n", Version, Commit, BuildDate)
		return
	}

	// .env is optional; it carries FINSIGHT_DB_DSN and API keys in dev.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logging.Setup(cfg.Debug)
	if err := logging.ConfigureOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		log.Fatalf("failed to configure logging: %v", err)
	}
	log.Infof("finsight %s starting", Version)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string) error {
	exec, err := dbexec.Open(ctx, cfg.Database.DSN, dbexec.PoolConfig{
		MaxOpen:         cfg.Database.MaxOpenConns,
		MaxIdle:         cfg.Database.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Database.ConnMaxLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return err
	}
	defer exec.Close()

	prediction := provider.NewPredictionClient(
		cfg.Providers.Prediction.BaseURL,
		cfg.Providers.Prediction.APIKey,
		time.Duration(cfg.Providers.Prediction.TimeoutSeconds)*time.Second,
	)
	registry := buildRegistry(cfg, prediction)

	sink := audit.NewLogger(audit.Config{
		Enabled:            cfg.Audit.Enabled,
		LogPath:            cfg.Audit.LogPath,
		MaxSizeMB:          cfg.Audit.MaxSizeMB,
		MaxBackups:         cfg.Audit.MaxBackups,
		SensitiveQuestions: cfg.Audit.SensitiveQuestions,
	})
	defer sink.Close()

	gate := safety.NewGate(cfg.Safety.AllowedViews)

	composer := compose.New(
		registry,
		gate,
		exec,
		ensemble.NewCoordinator(registry, time.Duration(cfg.Ensemble.PerCallTimeoutSeconds)*time.Second),
		analytics.Basic{},
		tablefmt.Markdown{},
		websearch.NewClient(cfg.WebSearch.BaseURL, time.Duration(cfg.WebSearch.TimeoutSeconds)*time.Second),
		prediction,
		sink,
		compose.Config{
			RowCap:            cfg.Compose.RowCap,
			SampleTokenBudget: cfg.Compose.SampleTokenBudget,
			DividendColumns:   cfg.Compose.DividendColumns,
			WebMaxPages:       cfg.WebSearch.MaxPages,
		},
	)

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	api.NewServer(composer, exec).Register(engine)

	// Hot reload covers log level, log output, and the gate allow-list;
	// other collaborators keep the configuration they were built with
	// until restart.
	if err := config.Watch(ctx, configPath, func(next *config.Config) {
		logging.Setup(next.Debug)
		if err := logging.ConfigureOutput(next.LoggingToFile, next.LogDir); err != nil {
			log.Warnf("failed to reconfigure logging: %v", err)
		}
		gate.SetAllowed(next.Safety.AllowedViews)
	}); err != nil {
		log.Warnf("config watch unavailable: %v", err)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	srv := &http.Server{
		Addr:    addr,
		Handler: engine,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-errCh
}

// buildRegistry maps every configured routing id to a client. Hosted
// backends with no base URL are skipped so a minimal config still starts.
func buildRegistry(cfg *config.Config, prediction *provider.PredictionClient) *provider.Registry {
	clients := make(map[string]provider.Client)

	hosted := map[string]config.EndpointConfig{
		routing.ProviderPrimary:    cfg.Providers.Primary,
		routing.ProviderFast:       cfg.Providers.Fast,
		routing.ProviderQuant:      cfg.Providers.Quant,
		routing.ProviderMultimodal: cfg.Providers.Multimodal,
	}
	for id, ep := range hosted {
		if ep.BaseURL == "" {
			log.Warnf("provider %s has no base URL configured, skipping", id)
			continue
		}
		clients[id] = provider.NewOpenAIClient(ep.BaseURL, ep.APIKey, ep.Model, ep.EndpointTimeout())
	}

	if cfg.Providers.Local.BaseURL != "" {
		clients[routing.ProviderLocal] = provider.NewOllamaClient(
			cfg.Providers.Local.BaseURL,
			cfg.Providers.Local.DefaultModel,
			time.Duration(cfg.Providers.Local.TimeoutSeconds)*time.Second,
		)
	}
	if cfg.Providers.Prediction.BaseURL != "" {
		clients[routing.ProviderPrediction] = prediction
	}

	return provider.NewRegistry(clients)
}

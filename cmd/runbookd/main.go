// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/f0rbit/runbook/internal/config"
	"github.com/f0rbit/runbook/internal/daemon"
	"github.com/f0rbit/runbook/internal/log"
	"github.com/f0rbit/runbook/internal/metrics"
	"github.com/f0rbit/runbook/internal/router"
	"github.com/f0rbit/runbook/internal/state"
	"github.com/f0rbit/runbook/internal/tracing"
	"github.com/f0rbit/runbook/internal/workflows"
	"github.com/f0rbit/runbook/pkg/agentexec"
	"github.com/f0rbit/runbook/pkg/artifact"
	"github.com/f0rbit/runbook/pkg/engine"
	"github.com/f0rbit/runbook/pkg/shellexec"
	"golang.org/x/oauth2"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to runbook.yaml")
		listenAddr   = flag.String("listen", "", "Address to bind the control plane (overrides config)")
		workflowsDir = flag.String("workflows-dir", "", "Directory of declarative YAML workflow definitions")
		agentURL     = flag.String("agent-url", "", "Base URL of the remote agent service (overrides config/RUNBOOK_URL)")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("runbookd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger, levelVar := log.NewLeveled(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *agentURL != "" {
		cfg.Providers.AgentServiceURL = *agentURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	batcher, err := tracing.BatcherOption(ctx, tracing.ExporterConfig{
		Kind:     cfg.Tracing.Exporter,
		Endpoint: cfg.Tracing.Endpoint,
		Insecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize span exporter", slog.Any("error", err))
		os.Exit(1)
	}
	tp, err := tracing.NewTracerProvider("runbookd", version, batcher)
	if err != nil {
		logger.Error("failed to initialize tracer provider", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", slog.Any("error", err))
		}
	}()

	agent := agentexec.NewRemote(agentexec.RemoteConfig{
		BaseURL:      cfg.Providers.AgentServiceURL,
		TokenSource:  oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.ResolveAgentAPIKey()}),
		StallTimeout: time.Duration(cfg.Limits.StallTimeoutMs) * time.Millisecond,
	}, logger)

	if err := daemon.AwaitHealthy(ctx, agent, 3, 500*time.Millisecond); err != nil {
		logger.Error("agent service never became healthy", slog.Any("error", err))
		os.Exit(1)
	}

	if *configPath != "" {
		watcher, err := config.Watch(*configPath, logger, func(changed config.NonStructural) {
			log.SetLevel(levelVar, changed.LogLevel)
			agent.SetStallTimeout(time.Duration(changed.StallTimeoutMs) * time.Millisecond)
			logger.Info("config reloaded", slog.String("log_level", changed.LogLevel))
		})
		if err != nil {
			logger.Warn("config file watch disabled", slog.Any("error", err))
		} else {
			defer watcher.Close()
		}
	}

	registry := router.Registry{
		Workflows: map[string]*engine.Workflow{},
		Providers: engine.Providers{
			Shell:      shellexec.New(logger),
			Agent:      agent,
			Checkpoint: nil, // startRun installs a per-run checkpoint.RunProvider
		},
	}
	if *workflowsDir != "" {
		loaded, err := workflows.LoadDir(*workflowsDir)
		if err != nil {
			logger.Error("failed to load workflows", slog.Any("error", err))
			os.Exit(1)
		}
		registry.Workflows = loaded
		logger.Info("loaded workflows", slog.Int("count", len(loaded)), slog.String("dir", *workflowsDir))
	}

	var artifacts *artifact.Store
	if cfg.Artifacts.Enabled {
		artifacts, err = openOrInitArtifactStore(cfg.Artifacts.RepoPath)
		if err != nil {
			logger.Error("failed to open artifact store", slog.Any("error", err))
			os.Exit(1)
		}
	}

	store := state.New()
	rtr := router.New(router.Config{
		Registry:  registry,
		Store:     store,
		Artifacts: artifacts,
		Metrics:   metrics.New(),
		Version:   version,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: rtr,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("runbookd listening", slog.String("addr", cfg.Server.ListenAddr))
		var err error
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			err = srv.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = srv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, draining")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
		return
	}

	drainTimeout := cfg.Limits.DrainTimeout
	if drainTimeout <= 0 {
		drainTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	waitForDrain(shutdownCtx, store, logger)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", slog.Any("error", err))
	}
}

// waitForDrain polls the run state store's active-run count until it hits
// zero or the shutdown context expires.
func waitForDrain(ctx context.Context, store *state.Store, logger *slog.Logger) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if n := store.ActiveCount(); n == 0 {
			return
		} else {
			logger.Info("draining active runs", slog.Int("active", n))
		}
		select {
		case <-ctx.Done():
			logger.Warn("drain timeout exceeded, forcing shutdown")
			return
		case <-ticker.C:
		}
	}
}

func openOrInitArtifactStore(repoPath string) (*artifact.Store, error) {
	if repoPath == "" {
		return nil, fmt.Errorf("daemon: artifacts.enabled is true but artifacts.repo_path is empty")
	}
	if _, err := os.Stat(repoPath); errors.Is(err, os.ErrNotExist) {
		return artifact.Init(repoPath)
	}
	return artifact.Open(repoPath)
}

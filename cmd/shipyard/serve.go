// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/noldarim/shipyard/internal/config"
	"github.com/noldarim/shipyard/internal/logger"
	"github.com/noldarim/shipyard/internal/orchestrator"
	"github.com/noldarim/shipyard/internal/protocol"
	"github.com/noldarim/shipyard/internal/server"
	"github.com/noldarim/shipyard/internal/server/auth"
	"github.com/noldarim/shipyard/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, the Temporal worker and the reaper",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.configPath)
		},
	}
}

func serve(parent context.Context, configPath string) error {
	cfg, err := config.NewConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := logger.Initialize(&cfg.Log); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Str("version", appVersion).Msg("Starting shipyard server")

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(tctx); err != nil {
			mainLog.Error().Err(err).Msg("Error flushing telemetry")
		}
	}()

	authn, err := auth.New(ctx, cfg.Auth)
	if err != nil {
		return fmt.Errorf("failed to configure auth: %w", err)
	}

	eventChan := make(chan protocol.Event, 256)
	orch, err := orchestrator.New(ctx, eventChan, cfg)
	if err != nil {
		return fmt.Errorf("failed to create orchestrator: %w", err)
	}
	defer func() {
		if err := orch.Close(); err != nil {
			mainLog.Error().Err(err).Msg("Error closing orchestrator")
		}
	}()
	if err := orch.Start(ctx); err != nil {
		return err
	}

	srv := server.New(&cfg.Server, authn, eventChan, orch.PipelineService())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		mainLog.Info().Msg("Shutting down API server...")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	mainLog.Info().Msg("Shipyard server shut down")
	return nil
}

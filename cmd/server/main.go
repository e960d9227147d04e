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

	"github.com/noldarim/flowmill/internal/config"
	"github.com/noldarim/flowmill/internal/engine"
	"github.com/noldarim/flowmill/internal/logger"
	"github.com/noldarim/flowmill/internal/server"
	"github.com/noldarim/flowmill/internal/tracing"
)

func main() {
	cfg, err := config.NewConfig(os.Getenv("FLOWMILL_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Initialize(&cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.CloseGlobal()

	mainLog := logger.GetLogger("main")
	mainLog.Info().Msg("Starting flowmill API server")

	// This context drives the engine's lifetime.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(ctx, &cfg.Tracing)
	if err != nil {
		mainLog.Error().Err(err).Msg("Error initializing tracing")
		os.Exit(1)
	}

	// The sandbox is optional at startup: a server without a Docker
	// daemon still serves every step kind except code.
	sb, err := engine.NewDockerSandbox(&cfg.Sandbox)
	if err != nil {
		mainLog.Warn().Err(err).Msg("Sandbox unavailable, code steps will fail")
		sb = nil
	}

	eng, err := engine.New(cfg, engine.Options{Sandbox: sb})
	if err != nil {
		mainLog.Error().Err(err).Msg("Error assembling engine")
		fmt.Fprintf(os.Stderr, "Error assembling engine: %v\n", err)
		os.Exit(1)
	}

	// Start the engine's background loops (event recorder, reaper).
	engineErrChan := make(chan error, 1)
	go func() {
		mainLog.Info().Msg("Starting engine...")
		engineErrChan <- eng.Run(ctx)
	}()

	// Start API server
	srv := server.New(&cfg.Server, eng)
	serverErrChan := make(chan error, 1)
	go func() {
		serverErrChan <- srv.Run(ctx)
	}()

	// Wait for signal, server error or engine error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		mainLog.Info().Msgf("Received signal %v, shutting down...", sig)
	case err := <-serverErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Server error")
		}
	case err := <-engineErrChan:
		if err != nil {
			mainLog.Error().Err(err).Msg("Engine error")
		}
	}

	// Graceful shutdown: fresh context with timeout, independent of engine ctx.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down server")
	}

	mainLog.Info().Msg("Shutting down engine...")
	cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error shutting down engine")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		mainLog.Error().Err(err).Msg("Error flushing traces")
	}

	mainLog.Info().Msg("API server shut down")
}

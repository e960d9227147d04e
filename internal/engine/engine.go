// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine assembles the pipeline engine: store, event bus,
// executor, run service and the background loops, behind one facade
// that the API server and the CLI both embed. Construction wires
// dependencies; Run starts the recorder and the reaper and blocks
// until the context ends.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/noldarim/flowmill/internal/config"
	"github.com/noldarim/flowmill/internal/engine/database"
	"github.com/noldarim/flowmill/internal/engine/executor"
	"github.com/noldarim/flowmill/internal/engine/runner"
	"github.com/noldarim/flowmill/internal/engine/services"
	"github.com/noldarim/flowmill/internal/events"
	"github.com/noldarim/flowmill/internal/logger"
	"github.com/noldarim/flowmill/pkg/sandbox"
	sandboxdocker "github.com/noldarim/flowmill/pkg/sandbox/docker"
)

// NewDockerSandbox builds the code-step sandbox from configuration.
// It fails when no Docker daemon is reachable; callers decide whether
// that is fatal (a server might run without code steps).
func NewDockerSandbox(cfg *config.SandboxConfig) (sandbox.Sandbox, error) {
	return sandboxdocker.NewRunner(sandboxdocker.Options{
		DockerHost:       cfg.DockerHost,
		PythonImage:      cfg.PythonImage,
		NodeImage:        cfg.NodeImage,
		WorkspaceDir:     cfg.WorkspaceDir,
		NetworkMode:      cfg.NetworkMode,
		Environment:      cfg.Environment,
		AllowedPackages:  cfg.AllowedPackages,
		CPUShares:        cfg.Limits.CPUShares,
		MemoryMB:         cfg.Limits.MemoryMB,
		PidsLimit:        cfg.Limits.PidsLimit,
		DefaultTimeoutMS: cfg.Limits.DefaultTimeoutMS,
		MaxTimeoutMS:     cfg.Limits.MaxTimeoutMS,
	})
}

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetEngineLogger()
		log = &l
	})
	return log
}

// Options carries the injectable pieces of an engine. Everything is
// optional: a nil DB or Bus is built from the configuration, a nil
// HTTP client gets the engine's default, and a nil Model or Sandbox
// simply makes llm and code steps fail with their service-missing
// errors.
type Options struct {
	DB          *database.GormDB
	Bus         *events.Bus
	Model       runner.ModelInvoker
	HTTP        runner.HTTPClient
	Sandbox     sandbox.Sandbox
	Credentials runner.CredentialResolver
	Clock       runner.Clock
	Registry    *runner.Registry
}

// Engine is the assembled pipeline engine.
type Engine struct {
	cfg  *config.AppConfig
	db   *database.GormDB
	bus  *events.Bus
	runs *services.RunService

	recorder *services.Recorder
	reaper   *services.Reaper

	ownsDB  bool
	ownsBus bool
}

// New builds an engine from configuration and the given options. When
// the engine creates its own database it also migrates it.
func New(cfg *config.AppConfig, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine requires a configuration")
	}

	e := &Engine{cfg: cfg, db: opts.DB, bus: opts.Bus}

	if e.db == nil {
		db, err := database.NewGormDB(&cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to open run store: %w", err)
		}
		if err := db.AutoMigrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to migrate run store: %w", err)
		}
		e.db = db
		e.ownsDB = true
	}

	if e.bus == nil {
		e.bus = events.NewBus(cfg.Engine.EventBusQueueDepth)
		e.ownsBus = true
	}

	httpClient := opts.HTTP
	if httpClient == nil {
		httpClient = runner.NewHTTPClient(runner.HTTPClientOptions{})
	}

	svcBundle := runner.Services{
		Model:       opts.Model,
		HTTP:        httpClient,
		Sandbox:     opts.Sandbox,
		Credentials: opts.Credentials,
		Clock:       opts.Clock,
	}
	exec := executor.New(e.db, e.bus, opts.Registry, svcBundle, cfg.Engine)

	e.runs = services.NewRunService(e.db, e.bus, exec, cfg)
	e.recorder = services.NewRecorder(e.db, e.bus)
	e.reaper = services.NewReaper(e.db, e.bus, e.runs, cfg.Engine)

	getLog().Info().
		Str("db_driver", cfg.Database.Driver).
		Bool("sandbox", opts.Sandbox != nil).
		Bool("model", opts.Model != nil).
		Msg("Engine assembled")
	return e, nil
}

// Run starts the event recorder and the orphan reaper and blocks until
// ctx is cancelled or one of them fails.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.recorder.Run(ctx) })
	g.Go(func() error { return e.reaper.Run(ctx) })
	return g.Wait()
}

// Runs exposes the run service.
func (e *Engine) Runs() *services.RunService { return e.runs }

// DB exposes the run store, for pipeline CRUD and migrations.
func (e *Engine) DB() *database.GormDB { return e.db }

// Bus exposes the event bus.
func (e *Engine) Bus() *events.Bus { return e.bus }

// SubmitRun validates and launches a run in the background.
func (e *Engine) SubmitRun(ctx context.Context, params services.SubmitParams) (*services.SubmitResult, error) {
	return e.runs.SubmitRun(ctx, params)
}

// Cancel stops a run; idempotent for terminal runs.
func (e *Engine) Cancel(ctx context.Context, runID, reason string) error {
	return e.runs.Cancel(ctx, runID, reason)
}

// GetRun returns one run's read model.
func (e *Engine) GetRun(ctx context.Context, runID string) (*services.RunView, error) {
	return e.runs.GetRun(ctx, runID)
}

// Subscribe opens a bus subscription for the given topic patterns.
func (e *Engine) Subscribe(ctx context.Context, patterns ...string) *events.Subscription {
	return e.runs.Subscribe(ctx, patterns...)
}

// Shutdown cancels live runs and releases everything the engine owns.
// Resources injected through Options stay open; their owner closes
// them.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if err := e.runs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if e.ownsBus {
		e.bus.Close()
	}
	if e.ownsDB {
		if err := e.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close run store: %w", err))
		}
	}
	return errors.Join(errs...)
}

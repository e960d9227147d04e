// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package executor owns the execution of one run: it plans the DAG,
// dispatches ready steps to a bounded worker pool, applies timeouts and
// retries, persists every transition and publishes the event stream.
// Scheduling state is single-owner: workers never touch the store, the
// variable tree or the bus directly, they post messages to the
// scheduler's mailbox and the scheduler alone writes.
package executor

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/flowmill/internal/config"
	"github.com/noldarim/flowmill/internal/engine/database"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/graph"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/runner"
	"github.com/noldarim/flowmill/internal/events"
	"github.com/noldarim/flowmill/internal/logger"
	"github.com/noldarim/flowmill/internal/protocol"
	"github.com/noldarim/flowmill/internal/tracing"
)

// Store is the slice of the run store the executor writes through.
// *database.GormDB satisfies it; tests substitute wrappers to inject
// failures.
type Store interface {
	UpdateRunState(ctx context.Context, runID string, state models.RunState, tr database.RunTransition) (bool, error)
	SetRunOutputs(ctx context.Context, runID string, outputs models.JSONMap) error
	CreateStepRun(ctx context.Context, stepRun *models.StepRun) error
	FinishStepRun(ctx context.Context, stepRunID string, fin database.StepRunFinish) (bool, error)
	AppendStepLogs(ctx context.Context, logs []models.StepLog) error
	HeartbeatRun(ctx context.Context, runID string, lease time.Time) (bool, error)
}

// Options shape one run's execution. Zero values fall back to the
// engine configuration.
type Options struct {
	// Concurrency caps simultaneously running steps.
	Concurrency int

	// RunTimeout is the wall-clock ceiling for the whole run; expiry
	// behaves like a cancel but records failed{TIMEOUT}.
	RunTimeout time.Duration

	// MaxAttemptsDefault applies to steps that set no max_attempts.
	MaxAttemptsDefault int

	// RetryBudget caps extra attempts across the whole run; 0 means
	// unbounded. The tighter of budget and per-step max_attempts wins.
	RetryBudget int

	// FailFast controls whether the first terminal step failure cancels
	// the run. Nil means true.
	FailFast *bool

	// DryRun plans, resolves and estimates without dispatching runners.
	DryRun bool
}

func (o Options) failFast() bool {
	return o.FailFast == nil || *o.FailFast
}

// Executor executes runs. One Executor is shared by all runs; all
// per-run state lives in the scheduler created by Execute.
type Executor struct {
	store    Store
	bus      *events.Bus
	registry *runner.Registry
	services runner.Services
	cfg      config.EngineConfig
	log      zerolog.Logger
	tracer   trace.Tracer
}

// New wires an executor. The services bundle is the prototype for every
// step dispatch; its Events sink and Logger are replaced per attempt.
func New(store Store, bus *events.Bus, registry *runner.Registry, services runner.Services, cfg config.EngineConfig) *Executor {
	if registry == nil {
		registry = runner.DefaultRegistry()
	}
	if services.Clock == nil {
		services.Clock = runner.SystemClock()
	}
	return &Executor{
		store:    store,
		bus:      bus,
		registry: registry,
		services: services,
		cfg:      cfg,
		log:      logger.GetLogger("executor"),
		tracer:   tracing.Tracer(),
	}
}

// Execute drives one run from pending to a terminal state and returns
// the state it recorded. The pipeline is taken from the run's frozen
// snapshot; ctx cancellation cancels the run.
func (e *Executor) Execute(ctx context.Context, run *models.Run, opts Options) models.RunState {
	ctx, span := e.tracer.Start(ctx, "flowmill.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("pipeline.id", run.PipelineID),
		attribute.Bool("run.dry_run", opts.DryRun || run.DryRun),
	))
	defer span.End()

	log := e.log.With().Str("run_id", run.ID).Str("pipeline_id", run.PipelineID).Logger()
	persistCtx := context.WithoutCancel(ctx)

	pipeline := run.PipelineSnapshot.Pipeline()
	g, err := graph.Build(pipeline)
	if err == nil {
		_, err = g.TopologicalOrder()
	}
	if err != nil {
		// The snapshot was validated at submit; a bad one here means the
		// stored definition was corrupted.
		log.Error().Err(err).Msg("Run snapshot does not build")
		return e.finalizeEarly(persistCtx, run, fault.CodeOf(err), err.Error())
	}

	lease := e.services.Clock.Now().Add(e.leaseDuration()).UTC()
	changed, err := e.updateRunState(persistCtx, run.ID, models.RunStateRunning, database.RunTransition{Lease: &lease})
	if err != nil {
		log.Error().Err(err).Msg("Run could not be marked running; leaving it for the reaper")
		return run.State
	}
	if !changed {
		// Cancelled while still pending; nothing to execute.
		log.Info().Msg("Run left pending before execution started")
		return models.RunStateCancelled
	}

	e.publish(protocol.RunStartedEvent{
		Metadata:     protocol.NewMetadata(run.ID),
		PipelineID:   run.PipelineID,
		PipelineName: pipeline.Name,
		DryRun:       opts.DryRun || run.DryRun,
	})

	if opts.DryRun || run.DryRun {
		return e.dryRun(ctx, persistCtx, run, g, log)
	}

	rs := newRunState(e, run, g, opts, log)
	return rs.loop(ctx, persistCtx)
}

// finalizeEarly fails a run before any step was scheduled.
func (e *Executor) finalizeEarly(persistCtx context.Context, run *models.Run, code fault.Code, msg string) models.RunState {
	if _, err := e.updateRunState(persistCtx, run.ID, models.RunStateFailed, database.RunTransition{
		ErrorCode:    string(code),
		ErrorMessage: msg,
	}); err != nil {
		e.log.Error().Err(err).Str("run_id", run.ID).Msg("Failed to persist early run failure")
	}
	e.publish(protocol.RunFinishedEvent{
		Metadata:  protocol.NewMetadata(run.ID),
		State:     models.RunStateFailed.String(),
		ErrorCode: string(code),
		Error:     msg,
	})
	return models.RunStateFailed
}

func (e *Executor) publish(ev protocol.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}

func (e *Executor) leaseDuration() time.Duration {
	if e.cfg.LeaseDuration > 0 {
		return e.cfg.LeaseDuration
	}
	return 30 * time.Second
}

func (e *Executor) gracePeriod() time.Duration {
	if e.cfg.CancelGracePeriod > 0 {
		return e.cfg.CancelGracePeriod
	}
	return 5 * time.Second
}

func (e *Executor) defaultBackoff() models.RetryBackoff {
	return models.RetryBackoff{
		BaseMS: int64(e.cfg.RetryBackoffBaseMS),
		Factor: e.cfg.RetryBackoffFactor,
		CapMS:  int64(e.cfg.RetryBackoffCapMS),
	}
}

// updateRunState wraps the guarded transition in the bounded store
// retry.
func (e *Executor) updateRunState(ctx context.Context, runID string, state models.RunState, tr database.RunTransition) (bool, error) {
	var changed bool
	err := e.withStoreRetry(ctx, "run state update", func() error {
		var err error
		changed, err = e.store.UpdateRunState(ctx, runID, state, tr)
		return err
	})
	return changed, err
}

// withStoreRetry runs a persistence call with bounded retries and
// backoff. The returned error is a STORE_ERROR wrapping the last
// attempt's failure.
func (e *Executor) withStoreRetry(ctx context.Context, op string, fn func() error) error {
	attempts := e.cfg.StoreRetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	policy := e.defaultBackoff()

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if serr := e.services.Clock.Sleep(ctx, DelayForAttempt(policy, attempt+1)); serr != nil {
			break
		}
	}
	return fault.Store(err, "%s did not persist after %d attempts", op, attempts)
}

// DelayForAttempt returns the backoff delay before the given attempt:
// zero for the first attempt, then base, base×factor, base×factor², …
// capped at cap.
func DelayForAttempt(p models.RetryBackoff, attempt int) time.Duration {
	if attempt <= 1 || p.BaseMS <= 0 {
		return 0
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	delay := float64(p.BaseMS) * math.Pow(factor, float64(attempt-2))
	if p.CapMS > 0 && delay > float64(p.CapMS) {
		delay = float64(p.CapMS)
	}
	return time.Duration(delay) * time.Millisecond
}

// backoffFor picks the step's own policy or the engine default.
func (e *Executor) backoffFor(step *models.Step) models.RetryBackoff {
	if step.Retry != nil {
		return *step.Retry
	}
	return e.defaultBackoff()
}

// maxAttemptsFor picks the step's own bound, the run default, or one.
func maxAttemptsFor(step *models.Step, opts Options) int {
	if step.MaxAttempts > 0 {
		return step.MaxAttempts
	}
	if opts.MaxAttemptsDefault > 0 {
		return opts.MaxAttemptsDefault
	}
	return 1
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package services is the engine's invocation layer: submitting,
// cancelling and inspecting runs, plus the background loops (event
// recorder, orphan reaper) that keep the store honest. The API server
// and the CLI both call RunService directly.
package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noldarim/flowmill/internal/config"
	"github.com/noldarim/flowmill/internal/engine/database"
	"github.com/noldarim/flowmill/internal/engine/executor"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/validate"
	"github.com/noldarim/flowmill/internal/events"
	"github.com/noldarim/flowmill/internal/logger"
	"github.com/noldarim/flowmill/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetEngineLogger().With().Str("component", "run_service").Logger()
		log = &l
	})
	return log
}

// ValidationError is returned synchronously by SubmitRun when the
// definition does not validate. No run row exists in that case.
type ValidationError struct {
	Result *validate.Result
}

func (e *ValidationError) Error() string {
	if e.Result == nil || len(e.Result.Errors) == 0 {
		return "pipeline validation failed"
	}
	first := e.Result.Errors[0]
	return fmt.Sprintf("pipeline validation failed: %d error(s), first: %s: %s",
		len(e.Result.Errors), first.Code, first.Message)
}

// RunOptions are the caller-tunable knobs of one submission. Zero
// values defer to the engine configuration.
type RunOptions struct {
	DryRun             bool  `json:"dry_run,omitempty"`
	Concurrency        int   `json:"concurrency,omitempty"`
	RunTimeoutMS       int64 `json:"run_timeout_ms,omitempty"`
	MaxAttemptsDefault int   `json:"max_attempts_default,omitempty"`
	RetryBudget        int   `json:"retry_budget,omitempty"`
	FailFast           *bool `json:"fail_fast,omitempty"`
}

// SubmitParams names a stored pipeline or carries an inline definition;
// exactly one must be set, and Definition wins when both are.
type SubmitParams struct {
	PipelineID       string
	Definition       *models.Pipeline
	InitialVariables map[string]any
	Options          RunOptions
	CreatedBy        string
}

// SubmitResult is the synchronous half of a submission; execution
// continues in the background.
type SubmitResult struct {
	RunID    string           `json:"run_id"`
	Warnings []validate.Issue `json:"warnings,omitempty"`
}

// RunView is the read model of a run for API and CLI consumers.
type RunView struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipeline_id"`
	State      string         `json:"state"`
	DryRun     bool           `json:"dry_run,omitempty"`
	CreatedBy  string         `json:"created_by,omitempty"`
	Outputs    map[string]any `json:"outputs,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
}

// StepRunView is the read model of one step attempt.
type StepRunView struct {
	ID         string             `json:"id"`
	StepID     string             `json:"step_id"`
	StepName   string             `json:"step_name,omitempty"`
	Attempt    int                `json:"attempt"`
	State      string             `json:"state"`
	Inputs     map[string]any     `json:"inputs,omitempty"`
	Outputs    map[string]any     `json:"outputs,omitempty"`
	ErrorCode  string             `json:"error_code,omitempty"`
	Error      string             `json:"error,omitempty"`
	Metrics    models.StepMetrics `json:"metrics"`
	StartedAt  *time.Time         `json:"started_at,omitempty"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// liveRun tracks one executor goroutine owned by this process.
type liveRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// RunService owns run submission and the registry of executors alive
// in this process. One instance serves all runs.
type RunService struct {
	store *database.GormDB
	bus   *events.Bus
	exec  *executor.Executor
	cfg   *config.AppConfig

	mu     sync.Mutex
	live   map[string]*liveRun
	closed bool
	wg     sync.WaitGroup
}

// NewRunService wires the service with its dependencies.
func NewRunService(store *database.GormDB, bus *events.Bus, exec *executor.Executor, cfg *config.AppConfig) *RunService {
	return &RunService{
		store: store,
		bus:   bus,
		exec:  exec,
		cfg:   cfg,
		live:  make(map[string]*liveRun),
	}
}

// SubmitRun validates the definition, persists a pending run with its
// frozen snapshot, and launches the executor in the background. A
// *ValidationError is returned synchronously for invalid definitions
// and leaves no trace in the store.
func (rs *RunService) SubmitRun(ctx context.Context, params SubmitParams) (*SubmitResult, error) {
	pipeline := params.Definition
	if pipeline == nil {
		if strings.TrimSpace(params.PipelineID) == "" {
			return nil, fault.New(fault.CodeInvalidStepConfig, "submit requires a pipeline id or an inline definition")
		}
		stored, err := rs.store.GetPipeline(ctx, params.PipelineID)
		if err != nil {
			return nil, fmt.Errorf("failed to load pipeline %s: %w", params.PipelineID, err)
		}
		if stored == nil {
			return nil, fault.NotFound("pipeline", params.PipelineID)
		}
		pipeline = stored
	}

	res := validate.Validate(pipeline)
	if !res.Valid {
		return nil, &ValidationError{Result: res}
	}

	run := &models.Run{
		ID:               uuid.NewString(),
		PipelineID:       pipeline.ID,
		PipelineSnapshot: models.SnapshotOf(pipeline),
		State:            models.RunStatePending,
		InitialVariables: params.InitialVariables,
		DryRun:           params.Options.DryRun,
		CreatedBy:        params.CreatedBy,
		Concurrency:      params.Options.Concurrency,
	}
	if err := rs.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	if err := rs.launch(run, params.Options); err != nil {
		// The service is shutting down; the pending row will be reaped.
		return nil, err
	}

	getLog().Info().
		Str("run_id", run.ID).
		Str("pipeline_id", pipeline.ID).
		Bool("dry_run", run.DryRun).
		Int("warnings", len(res.Warnings)).
		Msg("Run submitted")
	return &SubmitResult{RunID: run.ID, Warnings: res.Warnings}, nil
}

// launch registers the run as live and starts its executor goroutine
// on a detached context, so the submitter's request context does not
// govern the run's lifetime.
func (rs *RunService) launch(run *models.Run, opts RunOptions) error {
	rs.mu.Lock()
	if rs.closed {
		rs.mu.Unlock()
		return fmt.Errorf("run service is shut down")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	lr := &liveRun{cancel: cancel, done: make(chan struct{})}
	rs.live[run.ID] = lr
	rs.wg.Add(1)
	rs.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			close(lr.done)
			rs.mu.Lock()
			delete(rs.live, run.ID)
			rs.mu.Unlock()
			rs.wg.Done()
		}()
		state := rs.exec.Execute(runCtx, run, rs.executorOptions(opts))
		getLog().Info().Str("run_id", run.ID).Str("state", state.String()).Msg("Run finished")
	}()
	return nil
}

// executorOptions maps caller options onto the executor's, clamping
// the run timeout to the configured max lifetime.
func (rs *RunService) executorOptions(opts RunOptions) executor.Options {
	timeout := rs.cfg.Engine.RunMaxLifetime
	if opts.RunTimeoutMS > 0 {
		requested := time.Duration(opts.RunTimeoutMS) * time.Millisecond
		if timeout <= 0 || requested < timeout {
			timeout = requested
		}
	}
	return executor.Options{
		Concurrency:        opts.Concurrency,
		RunTimeout:         timeout,
		MaxAttemptsDefault: opts.MaxAttemptsDefault,
		RetryBudget:        opts.RetryBudget,
		FailFast:           opts.FailFast,
		DryRun:             opts.DryRun,
	}
}

// Cancel stops a run. Live runs are cancelled through their context;
// a pending or orphaned run is finalized directly in the store. Cancel
// of a terminal run is a no-op, and an unknown id is NOT_FOUND.
func (rs *RunService) Cancel(ctx context.Context, runID, reason string) error {
	rs.mu.Lock()
	lr, isLive := rs.live[runID]
	rs.mu.Unlock()
	if isLive {
		getLog().Info().Str("run_id", runID).Str("reason", reason).Msg("Cancelling live run")
		lr.cancel()
		return nil
	}

	run, err := rs.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if run == nil {
		return fault.NotFound("run", runID)
	}
	if run.State.Terminal() {
		return nil
	}

	changed, err := rs.store.UpdateRunState(ctx, runID, models.RunStateCancelled, database.RunTransition{
		ErrorMessage: reason,
	})
	if err != nil {
		return fmt.Errorf("failed to cancel run %s: %w", runID, err)
	}
	if changed {
		rs.publish(protocol.RunFinishedEvent{
			Metadata: protocol.NewMetadata(runID),
			State:    models.RunStateCancelled.String(),
			Error:    reason,
		})
		getLog().Info().Str("run_id", runID).Msg("Cancelled run without live executor")
	}
	return nil
}

// GetRun returns the read model of one run.
func (rs *RunService) GetRun(ctx context.Context, runID string) (*RunView, error) {
	run, err := rs.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fault.NotFound("run", runID)
	}
	return viewOfRun(run), nil
}

// ListRuns returns recent runs, optionally narrowed to one pipeline.
func (rs *RunService) ListRuns(ctx context.Context, pipelineID string, limit int) ([]RunView, error) {
	runs, err := rs.store.ListRuns(ctx, pipelineID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	views := make([]RunView, len(runs))
	for i := range runs {
		views[i] = *viewOfRun(&runs[i])
	}
	return views, nil
}

// ListStepRuns returns every attempt of a run in creation order.
func (rs *RunService) ListStepRuns(ctx context.Context, runID string) ([]StepRunView, error) {
	run, err := rs.store.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, err)
	}
	if run == nil {
		return nil, fault.NotFound("run", runID)
	}
	stepRuns, err := rs.store.ListStepRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs for %s: %w", runID, err)
	}
	views := make([]StepRunView, len(stepRuns))
	for i := range stepRuns {
		views[i] = viewOfStepRun(&stepRuns[i])
	}
	return views, nil
}

// StepLogs returns a run's persisted log lines, optionally narrowed to
// one step.
func (rs *RunService) StepLogs(ctx context.Context, runID, stepID string) ([]models.StepLog, error) {
	logs, err := rs.store.ListStepLogs(ctx, runID, stepID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step logs for %s: %w", runID, err)
	}
	return logs, nil
}

// Subscribe opens an event subscription for the given topic patterns.
func (rs *RunService) Subscribe(ctx context.Context, patterns ...string) *events.Subscription {
	return rs.bus.Subscribe(ctx, patterns...)
}

// IsLive reports whether this process owns a running executor for the
// run. The reaper uses it to leave local runs to their heartbeats.
func (rs *RunService) IsLive(runID string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.live[runID]
	return ok
}

// LiveCount returns the number of runs executing in this process.
func (rs *RunService) LiveCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.live)
}

// Shutdown cancels every live run and waits for their executors to
// finish persisting, up to the context deadline.
func (rs *RunService) Shutdown(ctx context.Context) error {
	rs.mu.Lock()
	rs.closed = true
	for runID, lr := range rs.live {
		getLog().Info().Str("run_id", runID).Msg("Cancelling run for shutdown")
		lr.cancel()
	}
	rs.mu.Unlock()

	done := make(chan struct{})
	go func() {
		rs.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown abandoned runs still in flight: %w", ctx.Err())
	}
}

func (rs *RunService) publish(ev protocol.Event) {
	if rs.bus != nil {
		rs.bus.Publish(ev)
	}
}

func viewOfRun(run *models.Run) *RunView {
	v := &RunView{
		ID:         run.ID,
		PipelineID: run.PipelineID,
		State:      run.State.String(),
		DryRun:     run.DryRun,
		CreatedBy:  run.CreatedBy,
		Outputs:    run.Outputs,
		ErrorCode:  run.ErrorCode,
		Error:      run.ErrorMessage,
		CreatedAt:  run.CreatedAt,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if run.StartedAt != nil && run.FinishedAt != nil {
		v.DurationMS = run.FinishedAt.Sub(*run.StartedAt).Milliseconds()
	}
	return v
}

func viewOfStepRun(sr *models.StepRun) StepRunView {
	return StepRunView{
		ID:         sr.ID,
		StepID:     sr.StepID,
		StepName:   sr.StepName,
		Attempt:    sr.Attempt,
		State:      sr.State.String(),
		Inputs:     sr.Inputs,
		Outputs:    sr.Outputs,
		ErrorCode:  sr.ErrorCode,
		Error:      sr.ErrorMessage,
		Metrics:    sr.Metrics,
		StartedAt:  sr.StartedAt,
		FinishedAt: sr.FinishedAt,
	}
}

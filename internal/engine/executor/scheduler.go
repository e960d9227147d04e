// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noldarim/flowmill/internal/engine/database"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/graph"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/runner"
	"github.com/noldarim/flowmill/internal/engine/vars"
	"github.com/noldarim/flowmill/internal/protocol"
)

// schedMsg is a message from a worker to the scheduler's mailbox.
type schedMsg interface{ msgStepID() string }

type attemptStartedMsg struct {
	stepID    string
	stepRunID string
	attempt   int
	inputs    models.JSONMap
}

type chunkMsg struct {
	stepID  string
	attempt int
	index   int
	text    string
}

type logMsg struct {
	stepID    string
	stepRunID string
	attempt   int
	level     string
	message   string
}

type attemptDoneMsg struct {
	stepID    string
	stepRunID string
	attempt   int
	outputs   runner.Outputs
	err       *fault.Error
	willRetry bool
	metrics   models.StepMetrics
}

func (m attemptStartedMsg) msgStepID() string { return m.stepID }
func (m chunkMsg) msgStepID() string          { return m.stepID }
func (m logMsg) msgStepID() string            { return m.stepID }
func (m attemptDoneMsg) msgStepID() string    { return m.stepID }

// portState tracks one output port of one step.
type portState uint8

const (
	portPending portState = iota
	portPopulated
	portSkipped
)

// stepTrack is the scheduler's bookkeeping for one step.
type stepTrack struct {
	step       *models.Step
	unresolved int // upstream steps not yet completed
	dispatched bool
	done       bool

	// Output steps: the value bound to the data port at dispatch, kept
	// for the run outputs document.
	outputValue    any
	hasOutputValue bool
}

// dispatchInfo carries everything one worker needs for a step; it is
// immutable once handed over.
type dispatchInfo struct {
	step        *models.Step
	config      map[string]any
	inputs      map[string]any
	varsSnap    map[string]any
	warnings    []vars.Warning
	maxAttempts int
	policy      models.RetryBackoff
	timeout     time.Duration
}

// runState is the per-run scheduler. Everything in here is owned by the
// loop goroutine; workers communicate exclusively through the mailbox.
type runState struct {
	e    *Executor
	run  *models.Run
	g    *graph.Graph
	opts Options
	log  zerolog.Logger

	store    *vars.Store
	resolver *vars.Resolver

	tracks     map[string]*stepTrack
	portStates map[models.PortRef]portState
	ready      []string
	inflight   int
	completed  int
	total      int
	conc       int

	mailbox chan schedMsg
	doneCh  chan struct{}

	workerCtx     context.Context
	cancelWorkers context.CancelFunc
	budget        atomic.Int64

	runOutputs   map[string]any
	firstFailure *fault.Error
	shutdown     bool
	finalState   models.RunState
	graceC       <-chan time.Time
}

func newRunState(e *Executor, run *models.Run, g *graph.Graph, opts Options, log zerolog.Logger) *runState {
	rs := &runState{
		e:          e,
		run:        run,
		g:          g,
		opts:       opts,
		log:        log,
		store:      vars.NewStore(),
		resolver:   nil,
		tracks:     make(map[string]*stepTrack),
		portStates: make(map[models.PortRef]portState),
		mailbox:    make(chan schedMsg, 256),
		doneCh:     make(chan struct{}),
		runOutputs: make(map[string]any),
		total:      len(g.StepIDs()),
		conc:       concurrencyFor(run, opts, e.cfg.WorkerPoolDefault),
	}

	// Initial bindings live both at the top level and under inputs.*,
	// so templates can say {{topic}} or {{inputs.topic}}.
	seed := make(map[string]any)
	for k, v := range run.PipelineSnapshot.Pipeline().Variables {
		seed[k] = v
	}
	for k, v := range run.InitialVariables {
		seed[k] = v
	}
	rs.store.Seed(seed)
	_ = rs.store.Set("inputs", seed)
	rs.resolver = vars.NewResolver(rs.store, nil)

	if opts.RetryBudget > 0 {
		rs.budget.Store(int64(opts.RetryBudget))
	} else {
		rs.budget.Store(math.MaxInt64)
	}

	for _, id := range g.StepIDs() {
		t := &stepTrack{step: g.Step(id), unresolved: len(g.Dependencies(id))}
		rs.tracks[id] = t
		if t.unresolved == 0 {
			rs.ready = append(rs.ready, id)
		}
	}
	sort.Strings(rs.ready)
	return rs
}

func concurrencyFor(run *models.Run, opts Options, poolDefault int) int {
	switch {
	case opts.Concurrency > 0:
		return opts.Concurrency
	case run.Concurrency > 0:
		return run.Concurrency
	case poolDefault > 0:
		return poolDefault
	default:
		return 8
	}
}

// loop is the scheduler: it dispatches ready steps, consumes worker
// messages, and reacts to cancellation, run timeout and heartbeat
// ticks. It returns the terminal state it persisted.
func (rs *runState) loop(ctx, persistCtx context.Context) models.RunState {
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	rs.workerCtx = workerCtx
	rs.cancelWorkers = cancelWorkers
	defer close(rs.doneCh)

	var runTimerC <-chan time.Time
	if rs.opts.RunTimeout > 0 {
		t := time.NewTimer(rs.opts.RunTimeout)
		defer t.Stop()
		runTimerC = t.C
	}
	var hbC <-chan time.Time
	if rs.e.cfg.HeartbeatInterval > 0 {
		tick := time.NewTicker(rs.e.cfg.HeartbeatInterval)
		defer tick.Stop()
		hbC = tick.C
	}

	for rs.completed < rs.total {
		if !rs.shutdown {
			rs.dispatchReady(ctx, persistCtx)
			if rs.completed == rs.total || rs.shutdown {
				continue
			}
			if rs.inflight == 0 && len(rs.ready) == 0 {
				// Unreachable for a validated DAG; fail loudly rather
				// than hang.
				rs.failRun(fault.New(fault.CodeMalformedGraph,
					"%d steps can never become ready", rs.total-rs.completed))
				continue
			}
			select {
			case m := <-rs.mailbox:
				rs.handle(persistCtx, m)
			case <-ctx.Done():
				rs.beginShutdown(models.RunStateCancelled, nil)
			case <-runTimerC:
				rs.beginShutdown(models.RunStateFailed,
					fault.New(fault.CodeTimeout, "run exceeded its %s timeout", rs.opts.RunTimeout))
			case <-hbC:
				rs.heartbeat(persistCtx)
			}
			continue
		}

		// Draining: in-flight attempts get the grace period to report
		// their cancellation before we abandon them.
		if rs.inflight == 0 {
			break
		}
		select {
		case m := <-rs.mailbox:
			rs.handle(persistCtx, m)
		case <-rs.graceC:
			rs.log.Warn().Int("inflight", rs.inflight).
				Msg("Cancel grace period expired with step attempts still in flight")
			return rs.finalize(persistCtx)
		}
	}
	return rs.finalize(persistCtx)
}

// dispatchReady starts ready steps while worker capacity lasts. Skips
// are resolved inline without consuming a worker slot.
func (rs *runState) dispatchReady(ctx, persistCtx context.Context) {
	for !rs.shutdown && rs.inflight < rs.conc && len(rs.ready) > 0 {
		id := rs.ready[0]
		rs.ready = rs.ready[1:]
		rs.dispatch(ctx, persistCtx, id)
	}
}

func (rs *runState) dispatch(ctx, persistCtx context.Context, stepID string) {
	t := rs.tracks[stepID]
	step := t.step

	if !step.IsEnabled() {
		rs.skipStep(persistCtx, step, "step is disabled")
		return
	}
	if reason, skip := rs.skipReason(step); skip {
		rs.skipStep(persistCtx, step, reason)
		return
	}

	inputs := rs.collectInputs(step)
	resolved, warnings, err := rs.resolveStepConfig(ctx, step)
	if err != nil {
		rs.failBeforeDispatch(persistCtx, step, inputs,
			fault.Template(err, "step config does not resolve").WithStep(step.ID))
		return
	}

	if step.Kind == models.StepKindOutput {
		if v, ok := inputs["data"]; ok {
			t.outputValue, t.hasOutputValue = v, true
		} else if v, ok := resolved["data"]; ok {
			t.outputValue, t.hasOutputValue = v, true
		}
	}

	d := &dispatchInfo{
		step:        step,
		config:      resolved,
		inputs:      inputs,
		varsSnap:    rs.store.Snapshot(),
		warnings:    warnings,
		maxAttempts: maxAttemptsFor(step, rs.opts),
		policy:      rs.e.backoffFor(step),
		timeout:     time.Duration(step.TimeoutMS) * time.Millisecond,
	}
	t.dispatched = true
	rs.inflight++
	go rs.worker(d)
}

// skipReason decides whether a step must be skipped because of its
// upstream ports: any required input fed from a skipped port skips the
// step, as does having connections but no populated input at all.
func (rs *runState) skipReason(step *models.Step) (string, bool) {
	spec, _ := graph.Spec(step.Kind)
	connected := rs.g.Incoming(step.ID)
	if len(connected) == 0 {
		return "", false
	}

	var requiredSkipped []string
	skippedCount := 0
	for _, c := range connected {
		if rs.portStates[c.Source] != portSkipped {
			continue
		}
		skippedCount++
		if in, ok := spec.Input(c.Target.Port); ok && in.Required {
			requiredSkipped = append(requiredSkipped, c.Target.Port)
		}
	}
	if len(requiredSkipped) > 0 {
		sort.Strings(requiredSkipped)
		return fmt.Sprintf("required input %s skipped upstream", strings.Join(requiredSkipped, ", ")), true
	}
	if skippedCount == len(connected) {
		return "all inputs skipped upstream", true
	}
	return "", false
}

// collectInputs gathers the populated connection values for a step,
// keyed by target port.
func (rs *runState) collectInputs(step *models.Step) map[string]any {
	inputs := make(map[string]any)
	for _, c := range rs.g.Incoming(step.ID) {
		if rs.portStates[c.Source] != portPopulated {
			continue
		}
		if v, ok := rs.store.Get("steps." + c.Source.StepID + "." + c.Source.Port); ok {
			inputs[c.Target.Port] = v
		}
	}
	return inputs
}

func (rs *runState) resolveStepConfig(ctx context.Context, step *models.Step) (map[string]any, []vars.Warning, error) {
	return resolveConfigTemplates(ctx, rs.resolver, step)
}

// resolveConfigTemplates expands templates in the step config, leaving
// program keys (code, expressions, conditions) verbatim for their
// runners.
func resolveConfigTemplates(ctx context.Context, resolver *vars.Resolver, step *models.Step) (map[string]any, []vars.Warning, error) {
	resolved := make(map[string]any, len(step.Config))
	var warnings []vars.Warning
	for key, value := range step.Config {
		if models.IsProgramConfigKey(step.Kind, key) {
			resolved[key] = value
			continue
		}
		rv, warns, err := resolver.ResolveValue(ctx, value)
		if err != nil {
			return nil, nil, err
		}
		warnings = append(warnings, warns...)
		resolved[key] = rv
	}
	return resolved, warnings, nil
}

// skipStep records a skipped step with a single pre-finished row and
// propagates the skip downstream.
func (rs *runState) skipStep(persistCtx context.Context, step *models.Step, reason string) {
	now := rs.e.services.Clock.Now().UTC()
	row := &models.StepRun{
		ID:           newStepRunID(),
		RunID:        rs.run.ID,
		StepID:       step.ID,
		StepName:     step.DisplayName(),
		Attempt:      1,
		State:        models.StepRunStateSkipped,
		ErrorMessage: reason,
		FinishedAt:   &now,
	}
	if err := rs.e.withStoreRetry(persistCtx, "step skip", func() error {
		return rs.e.store.CreateStepRun(persistCtx, row)
	}); err != nil {
		rs.failRun(storeFault(err))
		return
	}
	rs.e.publish(protocol.StepSkippedEvent{
		Metadata: protocol.NewMetadata(rs.run.ID),
		StepID:   step.ID,
		Reason:   reason,
	})
	rs.log.Debug().Str("step_id", step.ID).Str("reason", reason).Msg("Step skipped")
	rs.completeStep(step.ID, nil, false)
}

// failBeforeDispatch records a step that failed before its runner could
// start, template resolution being the one way that happens.
func (rs *runState) failBeforeDispatch(persistCtx context.Context, step *models.Step, inputs map[string]any, fe *fault.Error) {
	now := rs.e.services.Clock.Now().UTC()
	row := &models.StepRun{
		ID:           newStepRunID(),
		RunID:        rs.run.ID,
		StepID:       step.ID,
		StepName:     step.DisplayName(),
		Attempt:      1,
		State:        models.StepRunStateFailed,
		Inputs:       models.JSONMap(inputs),
		ErrorCode:    string(fe.Code),
		ErrorMessage: fe.Message,
		StartedAt:    &now,
		FinishedAt:   &now,
	}
	if err := rs.e.withStoreRetry(persistCtx, "step failure", func() error {
		return rs.e.store.CreateStepRun(persistCtx, row)
	}); err != nil {
		rs.failRun(storeFault(err))
		return
	}
	rs.e.publish(protocol.StepStartedEvent{Metadata: protocol.NewMetadata(rs.run.ID), StepID: step.ID, Attempt: 1})
	rs.e.publish(protocol.StepFailedEvent{
		Metadata:  protocol.NewMetadata(rs.run.ID),
		StepID:    step.ID,
		Attempt:   1,
		ErrorCode: string(fe.Code),
		Error:     fe.Message,
	})
	rs.noteFailure(fe)
	rs.completeStep(step.ID, nil, false)
	if rs.opts.failFast() {
		rs.beginShutdown(models.RunStateFailed, fe)
	}
}

// handle processes one worker message.
func (rs *runState) handle(persistCtx context.Context, msg schedMsg) {
	switch m := msg.(type) {
	case attemptStartedMsg:
		now := rs.e.services.Clock.Now().UTC()
		row := &models.StepRun{
			ID:        m.stepRunID,
			RunID:     rs.run.ID,
			StepID:    m.stepID,
			StepName:  rs.tracks[m.stepID].step.DisplayName(),
			Attempt:   m.attempt,
			State:     models.StepRunStateRunning,
			Inputs:    m.inputs,
			StartedAt: &now,
		}
		if err := rs.e.withStoreRetry(persistCtx, "step attempt", func() error {
			return rs.e.store.CreateStepRun(persistCtx, row)
		}); err != nil {
			rs.failRun(storeFault(err))
			return
		}
		rs.e.publish(protocol.StepStartedEvent{
			Metadata: protocol.NewMetadata(rs.run.ID),
			StepID:   m.stepID,
			Attempt:  m.attempt,
		})

	case chunkMsg:
		rs.e.publish(protocol.StepStreamChunkEvent{
			Metadata: protocol.NewMetadata(rs.run.ID),
			StepID:   m.stepID,
			Attempt:  m.attempt,
			Index:    m.index,
			Text:     m.text,
		})

	case logMsg:
		rs.appendLog(persistCtx, m)

	case attemptDoneMsg:
		rs.handleDone(persistCtx, m)
	}
}

// appendLog persists one captured log line and forwards it as an event
// carrying its assigned sequence number. Log persistence failures are
// not fatal to the run.
func (rs *runState) appendLog(persistCtx context.Context, m logMsg) {
	batch := []models.StepLog{{
		StepRunID: m.stepRunID,
		RunID:     rs.run.ID,
		StepID:    m.stepID,
		Level:     m.level,
		Message:   m.message,
		TS:        rs.e.services.Clock.Now().UTC(),
	}}
	if err := rs.e.store.AppendStepLogs(persistCtx, batch); err != nil {
		rs.log.Warn().Err(err).Str("step_id", m.stepID).Msg("Dropping step log line that did not persist")
		return
	}
	rs.e.publish(protocol.StepLogEvent{
		Metadata: protocol.NewMetadata(rs.run.ID),
		StepID:   m.stepID,
		Attempt:  m.attempt,
		Seq:      int64(batch[0].Seq),
		Level:    m.level,
		Message:  m.message,
	})
}

func (rs *runState) handleDone(persistCtx context.Context, m attemptDoneMsg) {
	if m.err == nil {
		err := rs.e.withStoreRetry(persistCtx, "step result", func() error {
			_, err := rs.e.store.FinishStepRun(persistCtx, m.stepRunID, database.StepRunFinish{
				State:   models.StepRunStateSucceeded,
				Outputs: models.JSONMap(m.outputs),
				Metrics: m.metrics,
			})
			return err
		})
		rs.e.publish(protocol.StepSucceededEvent{
			Metadata:   protocol.NewMetadata(rs.run.ID),
			StepID:     m.stepID,
			Attempt:    m.attempt,
			DurationMS: m.metrics.DurationMS,
			Metrics:    m.metrics,
		})
		rs.inflight--
		rs.completeStep(m.stepID, m.outputs, true)
		if err != nil {
			rs.failRun(storeFault(err))
		}
		return
	}

	fe := m.err
	state := models.StepRunStateFailed
	if fe.Code == fault.CodeCancelled {
		state = models.StepRunStateCancelled
	}
	if err := rs.e.withStoreRetry(persistCtx, "step result", func() error {
		_, err := rs.e.store.FinishStepRun(persistCtx, m.stepRunID, database.StepRunFinish{
			State:        state,
			ErrorCode:    string(fe.Code),
			ErrorMessage: fe.Message,
			Metrics:      m.metrics,
		})
		return err
	}); err != nil {
		rs.log.Error().Err(err).Str("step_id", m.stepID).Msg("Step outcome did not persist")
	}
	rs.e.publish(protocol.StepFailedEvent{
		Metadata:  protocol.NewMetadata(rs.run.ID),
		StepID:    m.stepID,
		Attempt:   m.attempt,
		ErrorCode: string(fe.Code),
		Error:     fe.Message,
		Retryable: fe.Retryable,
		WillRetry: m.willRetry,
	})
	if m.willRetry {
		// The worker keeps its slot and schedules the next attempt.
		return
	}
	rs.inflight--

	if state == models.StepRunStateCancelled {
		rs.markCancelled(m.stepID)
		// A cancelled attempt means the run context was cancelled; the
		// mailbox may deliver it before the loop observes ctx.Done().
		rs.beginShutdown(models.RunStateCancelled, nil)
		return
	}
	rs.noteFailure(fe)
	rs.completeStep(m.stepID, nil, false)
	if rs.opts.failFast() {
		rs.beginShutdown(models.RunStateFailed, fe)
	}
}

// completeStep resolves a finished step's output ports, writes
// populated values into the variable tree, and wakes downstream steps
// whose dependencies are now all resolved. A step that did not succeed
// resolves every port as skipped.
func (rs *runState) completeStep(stepID string, outputs runner.Outputs, succeeded bool) {
	t := rs.tracks[stepID]
	t.done = true
	rs.completed++

	spec, _ := graph.Spec(t.step.Kind)
	for _, p := range spec.Outputs {
		ref := models.PortRef{StepID: stepID, Port: p.Name}
		v, ok := outputs[p.Name]
		if succeeded && ok {
			rs.portStates[ref] = portPopulated
			_ = rs.store.Set("steps."+stepID+"."+p.Name, v)
			_ = rs.store.Set(p.Name, v)
		} else {
			rs.portStates[ref] = portSkipped
		}
	}

	if succeeded && t.step.Kind == models.StepKindOutput && t.hasOutputValue {
		rs.runOutputs[runOutputKey(t.step)] = t.outputValue
	}

	for _, dep := range rs.g.Dependents(stepID) {
		dt := rs.tracks[dep]
		dt.unresolved--
		if dt.unresolved == 0 && !dt.dispatched && !dt.done {
			rs.ready = insertSorted(rs.ready, dep)
		}
	}
}

// markCancelled accounts for an attempt that ended by cancellation
// during shutdown. Nothing propagates: downstream steps never start.
func (rs *runState) markCancelled(stepID string) {
	t := rs.tracks[stepID]
	if !t.done {
		t.done = true
		rs.completed++
	}
}

func (rs *runState) noteFailure(fe *fault.Error) {
	if rs.firstFailure == nil {
		rs.firstFailure = fe
	}
}

// failRun aborts the run with a failure that is not attributable to the
// normal step flow, store write exhaustion being the usual caller.
func (rs *runState) failRun(fe *fault.Error) {
	rs.beginShutdown(models.RunStateFailed, fe)
}

// beginShutdown freezes new dispatches, cancels in-flight workers and
// arms the drain grace timer. The first reason wins.
func (rs *runState) beginShutdown(state models.RunState, fe *fault.Error) {
	if rs.shutdown {
		return
	}
	rs.shutdown = true
	rs.finalState = state
	if fe != nil {
		rs.noteFailure(fe)
	}
	rs.cancelWorkers()
	rs.graceC = time.After(rs.e.gracePeriod())
}

// heartbeat extends the run lease. Failures are non-fatal; the next
// tick tries again and the reaper only acts after the lease expires.
func (rs *runState) heartbeat(persistCtx context.Context) {
	lease := rs.e.services.Clock.Now().Add(rs.e.leaseDuration()).UTC()
	ok, err := rs.e.store.HeartbeatRun(persistCtx, rs.run.ID, lease)
	if err != nil {
		rs.log.Warn().Err(err).Msg("Run lease heartbeat failed")
		return
	}
	if !ok {
		rs.log.Warn().Msg("Run lease heartbeat refused; run is no longer recorded as running")
	}
}

// finalize persists the terminal state and emits the single RunFinished
// event.
func (rs *runState) finalize(persistCtx context.Context) models.RunState {
	state := models.RunStateSucceeded
	if rs.shutdown {
		state = rs.finalState
	} else if rs.firstFailure != nil {
		state = models.RunStateFailed
	}

	var code, msg string
	if state == models.RunStateFailed && rs.firstFailure != nil {
		code = string(rs.firstFailure.Code)
		msg = rs.firstFailure.Message
	}

	var outputs map[string]any
	if state == models.RunStateSucceeded {
		if len(rs.runOutputs) > 0 {
			if err := rs.e.withStoreRetry(persistCtx, "run outputs", func() error {
				return rs.e.store.SetRunOutputs(persistCtx, rs.run.ID, models.JSONMap(rs.runOutputs))
			}); err != nil {
				state = models.RunStateFailed
				code = string(fault.CodeStore)
				msg = "run outputs did not persist"
				rs.log.Error().Err(err).Msg(msg)
			}
		}
		if state == models.RunStateSucceeded {
			outputs = rs.runOutputs
		}
	}

	changed, err := rs.e.updateRunState(persistCtx, rs.run.ID, state, database.RunTransition{
		ErrorCode:    code,
		ErrorMessage: msg,
	})
	switch {
	case err != nil:
		rs.log.Error().Err(err).Stringer("state", state).
			Msg("Terminal run state did not persist; the reaper will orphan this run")
	case !changed:
		rs.log.Warn().Stringer("state", state).Msg("Run reached a terminal state concurrently")
	}

	rs.e.publish(protocol.RunFinishedEvent{
		Metadata:  protocol.NewMetadata(rs.run.ID),
		State:     state.String(),
		ErrorCode: code,
		Error:     msg,
		Outputs:   outputs,
	})
	rs.log.Info().Stringer("state", state).Int("steps", rs.completed).Msg("Run finished")
	return state
}

// runOutputKey names an output step's entry in the run outputs: the
// configured name, falling back to the step's display name.
func runOutputKey(step *models.Step) string {
	var cfg models.OutputConfig
	if _, err := models.DecodeStepConfig(step.Config, &cfg); err == nil && cfg.Name != "" {
		return cfg.Name
	}
	return step.DisplayName()
}

func insertSorted(list []string, id string) []string {
	i := sort.SearchStrings(list, id)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = id
	return list
}

func newStepRunID() string {
	return uuid.NewString()
}

// storeFault normalizes an error from the store retry helper to the
// fault type.
func storeFault(err error) *fault.Error {
	if fe, ok := fault.As(err); ok {
		return fe
	}
	return fault.Store(err, "store write failed")
}


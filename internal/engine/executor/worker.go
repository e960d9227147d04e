// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/runner"
)

// worker drives one step to a terminal outcome, retrying retryable
// failures within the step's attempt bound and the run's retry budget.
// It reports every transition through the mailbox and never touches
// scheduler state directly.
func (rs *runState) worker(d *dispatchInfo) {
	step := d.step
	for attempt := 1; ; attempt++ {
		stepRunID := newStepRunID()
		rs.post(attemptStartedMsg{stepID: step.ID, stepRunID: stepRunID, attempt: attempt, inputs: models.JSONMap(d.inputs)})
		if attempt == 1 {
			for _, w := range d.warnings {
				rs.post(logMsg{
					stepID:    step.ID,
					stepRunID: stepRunID,
					attempt:   attempt,
					level:     "debug",
					message:   fmt.Sprintf("template path %q resolved empty: %s", w.Path, w.Message),
				})
			}
		}

		outputs, metrics, ferr := rs.attempt(d, stepRunID, attempt)
		if ferr == nil {
			rs.post(attemptDoneMsg{stepID: step.ID, stepRunID: stepRunID, attempt: attempt, outputs: outputs, metrics: metrics})
			return
		}

		willRetry := ferr.Retryable &&
			ferr.Code != fault.CodeCancelled &&
			attempt < d.maxAttempts &&
			rs.workerCtx.Err() == nil &&
			rs.claimRetry()
		rs.post(attemptDoneMsg{stepID: step.ID, stepRunID: stepRunID, attempt: attempt, err: ferr, willRetry: willRetry, metrics: metrics})
		if !willRetry {
			return
		}

		if err := rs.e.services.Clock.Sleep(rs.workerCtx, DelayForAttempt(d.policy, attempt+1)); err != nil {
			// Cancelled during backoff. The previous attempt promised a
			// retry, so resolve it with one cancelled attempt.
			next := newStepRunID()
			rs.post(attemptStartedMsg{stepID: step.ID, stepRunID: next, attempt: attempt + 1, inputs: models.JSONMap(d.inputs)})
			rs.post(attemptDoneMsg{stepID: step.ID, stepRunID: next, attempt: attempt + 1, err: fault.Cancelled(step.ID)})
			return
		}
	}
}

// attempt executes one attempt under the step's timeout and maps the
// outcome to the fault taxonomy.
func (rs *runState) attempt(d *dispatchInfo, stepRunID string, attempt int) (runner.Outputs, models.StepMetrics, *fault.Error) {
	ctx := rs.workerCtx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx, span := rs.e.tracer.Start(ctx, "flowmill.step", trace.WithAttributes(
		attribute.String("step.id", d.step.ID),
		attribute.String("step.kind", string(d.step.Kind)),
		attribute.Int("step.attempt", attempt),
	))
	defer span.End()

	clock := rs.e.services.Clock
	started := clock.Now()

	rn, err := rs.e.registry.Get(d.step.Kind)
	if err != nil {
		return nil, models.StepMetrics{}, asStepFault(d.step.ID, err)
	}

	outputs, err := rn.Run(ctx, runner.Request{
		RunID:    rs.run.ID,
		StepID:   d.step.ID,
		Attempt:  attempt,
		Config:   d.config,
		Inputs:   d.inputs,
		Vars:     d.varsSnap,
		Services: rs.servicesFor(d.step.ID, stepRunID, attempt),
	})

	metrics := models.StepMetrics{DurationMS: clock.Now().Sub(started).Milliseconds()}
	if err != nil {
		fe := asStepFault(d.step.ID, err)
		span.RecordError(fe)
		span.SetStatus(codes.Error, string(fe.Code))
		return nil, metrics, fe
	}
	if tokens, ok := asInt(outputs["tokens"]); ok {
		metrics.Tokens = tokens
	}
	if cost, ok := asFloat(outputs["cost"]); ok {
		metrics.CostUSD = cost
	}
	return outputs, metrics, nil
}

// servicesFor copies the service bundle with a per-attempt sink and
// logger.
func (rs *runState) servicesFor(stepID, stepRunID string, attempt int) *runner.Services {
	svc := rs.e.services
	svc.Events = &mailboxSink{rs: rs, stepID: stepID, stepRunID: stepRunID, attempt: attempt}
	l := rs.log.With().Str("step_id", stepID).Int("attempt", attempt).Logger()
	svc.Logger = &l
	return &svc
}

// claimRetry consumes one unit of the run's shared retry budget.
func (rs *runState) claimRetry() bool {
	for {
		cur := rs.budget.Load()
		if cur <= 0 {
			return false
		}
		if rs.budget.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}

// post delivers a message to the scheduler, giving up once the run loop
// has exited.
func (rs *runState) post(m schedMsg) {
	select {
	case rs.mailbox <- m:
	case <-rs.doneCh:
	}
}

// mailboxSink forwards runner stream chunks and log lines into the
// scheduler mailbox so they stay ordered with lifecycle transitions.
type mailboxSink struct {
	rs        *runState
	stepID    string
	stepRunID string
	attempt   int
}

func (s *mailboxSink) Chunk(text string, index int) {
	s.rs.post(chunkMsg{stepID: s.stepID, attempt: s.attempt, index: index, text: text})
}

func (s *mailboxSink) Log(level, msg string) {
	s.rs.post(logMsg{stepID: s.stepID, stepRunID: s.stepRunID, attempt: s.attempt, level: level, message: msg})
}

// asStepFault maps an attempt error to the taxonomy: typed faults pass
// through, context errors become TIMEOUT or CANCELLED, anything else is
// an unclassified non-retryable failure.
func asStepFault(stepID string, err error) *fault.Error {
	if fe, ok := fault.As(err); ok {
		if fe.StepID == "" {
			return fe.WithStep(stepID)
		}
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.Timeout(stepID, err)
	}
	if errors.Is(err, context.Canceled) {
		return fault.Cancelled(stepID)
	}
	return &fault.Error{Code: "UNKNOWN", Message: err.Error(), StepID: stepID, Err: err}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Here lies the definition of the data the engine can send to subscribers.
// Everything a WebSocket client or an in-process subscriber can receive is
// named: Event. Events originate in the executor (run/step lifecycle), in
// runners (stream chunks, sandbox logs) and in the bus itself (lag).
// The union is closed: the executor emits nothing outside this file, so
// consumers can switch on Kind() exhaustively.
package protocol

import (
	"fmt"

	"github.com/noldarim/flowmill/internal/common"
	"github.com/noldarim/flowmill/internal/engine/models"
)

// EventKind is the stable wire name of an event type. It is what goes
// into the WebSocket envelope's "kind" field and the step_events table.
type EventKind string

const (
	KindRunStarted      EventKind = "run_started"
	KindRunFinished     EventKind = "run_finished"
	KindStepStarted     EventKind = "step_started"
	KindStepSucceeded   EventKind = "step_succeeded"
	KindStepFailed      EventKind = "step_failed"
	KindStepSkipped     EventKind = "step_skipped"
	KindStepStreamChunk EventKind = "step_stream_chunk"
	KindStepLog         EventKind = "step_log"
	KindDryRunReport    EventKind = "dry_run_report"
	KindSubscriberLag   EventKind = "subscriber_lag"
)

// Event is the contract every engine event satisfies. Topic() places the
// event on the bus; subscribers match topics with optional wildcards.
type Event interface {
	common.Event
	Kind() EventKind
	Topic() string
}

// RunTopic is the bus topic carrying run-level events for one run.
func RunTopic(runID string) string {
	return "run:" + runID
}

// StepTopic is the bus topic carrying step-level events for one step of
// one run.
func StepTopic(runID, stepID string) string {
	return fmt.Sprintf("step:%s:%s", runID, stepID)
}

// RunStartedEvent is sent when a run leaves pending and begins executing.
type RunStartedEvent struct {
	Metadata
	PipelineID   string `json:"pipeline_id"`
	PipelineName string `json:"pipeline_name"`
	DryRun       bool   `json:"dry_run,omitempty"`
}

func (e RunStartedEvent) GetMetadata() Metadata { return e.Metadata }
func (e RunStartedEvent) Kind() EventKind       { return KindRunStarted }
func (e RunStartedEvent) Topic() string         { return RunTopic(e.RunID) }

// RunFinishedEvent is sent exactly once, when the run reaches a terminal
// state. Outputs is only populated for succeeded runs.
type RunFinishedEvent struct {
	Metadata
	State     string         `json:"state"` // succeeded | failed | cancelled
	ErrorCode string         `json:"error_code,omitempty"`
	Error     string         `json:"error,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
}

func (e RunFinishedEvent) GetMetadata() Metadata { return e.Metadata }
func (e RunFinishedEvent) Kind() EventKind       { return KindRunFinished }
func (e RunFinishedEvent) Topic() string         { return RunTopic(e.RunID) }

// StepStartedEvent is sent at the start of every attempt, including
// retries; Attempt is 1-based.
type StepStartedEvent struct {
	Metadata
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
}

func (e StepStartedEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepStartedEvent) Kind() EventKind       { return KindStepStarted }
func (e StepStartedEvent) Topic() string         { return StepTopic(e.RunID, e.StepID) }

// StepSucceededEvent is sent when an attempt completes successfully.
type StepSucceededEvent struct {
	Metadata
	StepID     string             `json:"step_id"`
	Attempt    int                `json:"attempt"`
	DurationMS int64              `json:"duration_ms"`
	Metrics    models.StepMetrics `json:"metrics"`
}

func (e StepSucceededEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepSucceededEvent) Kind() EventKind       { return KindStepSucceeded }
func (e StepSucceededEvent) Topic() string         { return StepTopic(e.RunID, e.StepID) }

// StepFailedEvent is sent for every failed attempt. WillRetry tells the
// subscriber whether another attempt follows, so UIs can distinguish a
// transient stumble from a terminal failure without re-deriving policy.
type StepFailedEvent struct {
	Metadata
	StepID    string `json:"step_id"`
	Attempt   int    `json:"attempt"`
	ErrorCode string `json:"error_code"`
	Error     string `json:"error"`
	Retryable bool   `json:"retryable"`
	WillRetry bool   `json:"will_retry"`
}

func (e StepFailedEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepFailedEvent) Kind() EventKind       { return KindStepFailed }
func (e StepFailedEvent) Topic() string         { return StepTopic(e.RunID, e.StepID) }

// StepSkippedEvent is sent when the scheduler resolves a step as skipped
// (condition branch not taken, upstream skipped, or step disabled).
type StepSkippedEvent struct {
	Metadata
	StepID string `json:"step_id"`
	Reason string `json:"reason"`
}

func (e StepSkippedEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepSkippedEvent) Kind() EventKind       { return KindStepSkipped }
func (e StepSkippedEvent) Topic() string         { return StepTopic(e.RunID, e.StepID) }

// StepStreamChunkEvent carries one incremental chunk of llm step output.
// Index is 0-based and strictly increasing within an attempt.
type StepStreamChunkEvent struct {
	Metadata
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
	Index   int    `json:"index"`
	Text    string `json:"text"`
}

func (e StepStreamChunkEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepStreamChunkEvent) Kind() EventKind       { return KindStepStreamChunk }
func (e StepStreamChunkEvent) Topic() string         { return StepTopic(e.RunID, e.StepID) }

// StepLogEvent carries one log line captured from a step (sandbox
// stdout/stderr, http request traces). Seq mirrors the persisted
// step_logs sequence so live and replayed logs interleave identically.
type StepLogEvent struct {
	Metadata
	StepID  string `json:"step_id"`
	Attempt int    `json:"attempt"`
	Seq     int64  `json:"seq"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

func (e StepLogEvent) GetMetadata() Metadata { return e.Metadata }
func (e StepLogEvent) Kind() EventKind       { return KindStepLog }
func (e StepLogEvent) Topic() string         { return StepTopic(e.RunID, e.StepID) }

// DryRunReportEvent carries the validation-and-plan report produced by a
// dry run instead of step execution.
type DryRunReportEvent struct {
	Metadata
	Report map[string]any `json:"report"`
}

func (e DryRunReportEvent) GetMetadata() Metadata { return e.Metadata }
func (e DryRunReportEvent) Kind() EventKind       { return KindDryRunReport }
func (e DryRunReportEvent) Topic() string         { return RunTopic(e.RunID) }

// SubscriberLagEvent is synthesized by the bus itself when a slow
// subscriber's buffer overflowed and old events were dropped.
type SubscriberLagEvent struct {
	Metadata
	Dropped int `json:"dropped"`
}

func (e SubscriberLagEvent) GetMetadata() Metadata { return e.Metadata }
func (e SubscriberLagEvent) Kind() EventKind       { return KindSubscriberLag }
func (e SubscriberLagEvent) Topic() string         { return RunTopic(e.RunID) }

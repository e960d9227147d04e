// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// RunState represents the lifecycle state of a run.
type RunState int

const (
	RunStatePending RunState = iota
	RunStateRunning
	RunStateSucceeded
	RunStateFailed
	RunStateCancelled
)

func (s RunState) String() string {
	switch s {
	case RunStatePending:
		return "pending"
	case RunStateRunning:
		return "running"
	case RunStateSucceeded:
		return "succeeded"
	case RunStateFailed:
		return "failed"
	case RunStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the run has reached a final state. Terminal
// states are never left again.
func (s RunState) Terminal() bool {
	return s == RunStateSucceeded || s == RunStateFailed || s == RunStateCancelled
}

// StepRunState represents the state of a single step attempt.
type StepRunState int

const (
	StepRunStatePending StepRunState = iota
	StepRunStateRunning
	StepRunStateSucceeded
	StepRunStateFailed
	StepRunStateSkipped
	StepRunStateCancelled
)

func (s StepRunState) String() string {
	switch s {
	case StepRunStatePending:
		return "pending"
	case StepRunStateRunning:
		return "running"
	case StepRunStateSucceeded:
		return "succeeded"
	case StepRunStateFailed:
		return "failed"
	case StepRunStateSkipped:
		return "skipped"
	case StepRunStateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether the attempt reached a final state.
func (s StepRunState) Terminal() bool {
	return s != StepRunStatePending && s != StepRunStateRunning
}

// Run represents one execution of a pipeline. The snapshot freezes the
// definition at submit time, so later pipeline edits never affect a run
// in flight.
type Run struct {
	ID               string           `gorm:"primaryKey;type:text" json:"id"`
	PipelineID       string           `gorm:"type:text;index:idx_runs_pipeline_created,priority:1" json:"pipeline_id"`
	PipelineSnapshot PipelineSnapshot `gorm:"type:text" json:"pipeline_snapshot"`
	State            RunState         `gorm:"not null;default:0;index" json:"state"`
	InitialVariables JSONMap          `gorm:"type:text" json:"initial_variables"`
	Outputs          JSONMap          `gorm:"type:text" json:"outputs,omitempty"`
	ErrorCode        string           `gorm:"type:text" json:"error_code,omitempty"`
	ErrorMessage     string           `gorm:"type:text" json:"error_message,omitempty"`
	DryRun           bool             `gorm:"not null;default:false" json:"dry_run"`
	CreatedBy        string           `gorm:"type:text" json:"created_by,omitempty"`
	Concurrency      int              `gorm:"type:integer" json:"concurrency"`
	Resumable        bool             `gorm:"not null;default:false" json:"resumable"`

	// Executor lease: heartbeated while the owning executor is alive,
	// consulted by the reaper to detect orphaned runs.
	LeaseExpiresAt *time.Time `gorm:"type:timestamp;index" json:"lease_expires_at,omitempty"`

	CreatedAt  time.Time  `gorm:"autoCreateTime;index:idx_runs_pipeline_created,priority:2" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
	StartedAt  *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"type:timestamp" json:"finished_at,omitempty"`

	StepRuns []StepRun `gorm:"foreignKey:RunID;constraint:OnDelete:CASCADE" json:"step_runs,omitempty"`
}

func (Run) TableName() string {
	return "runs"
}

// StepRun records one attempt of one step within a run. Retries create
// a new row with an incremented attempt; the highest attempt is
// authoritative for downstream consumers.
type StepRun struct {
	ID       string       `gorm:"primaryKey;type:text" json:"id"`
	RunID    string       `gorm:"type:text;not null;uniqueIndex:idx_step_runs_attempt,priority:1" json:"run_id"`
	StepID   string       `gorm:"type:text;not null;uniqueIndex:idx_step_runs_attempt,priority:2" json:"step_id"`
	StepName string       `gorm:"type:text" json:"step_name"`
	Attempt  int          `gorm:"not null;default:1;uniqueIndex:idx_step_runs_attempt,priority:3,sort:desc" json:"attempt"`
	State    StepRunState `gorm:"not null;default:0" json:"state"`

	Inputs       JSONMap     `gorm:"type:text" json:"inputs,omitempty"`
	Outputs      JSONMap     `gorm:"type:text" json:"outputs,omitempty"`
	ErrorCode    string      `gorm:"type:text" json:"error_code,omitempty"`
	ErrorMessage string      `gorm:"type:text" json:"error_message,omitempty"`
	Metrics      StepMetrics `gorm:"type:text" json:"metrics"`

	CreatedAt  time.Time  `gorm:"autoCreateTime" json:"created_at"`
	StartedAt  *time.Time `gorm:"type:timestamp" json:"started_at,omitempty"`
	FinishedAt *time.Time `gorm:"type:timestamp" json:"finished_at,omitempty"`
}

func (StepRun) TableName() string {
	return "step_runs"
}

// StepMetrics aggregates per-attempt measurements.
type StepMetrics struct {
	DurationMS int64   `json:"duration_ms"`
	Tokens     int     `json:"tokens,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
}

func (m *StepMetrics) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*m = StepMetrics{}
		return nil
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan StepMetrics from non-string/[]byte value")
	}
}

func (m StepMetrics) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// StepLog is one append-only log line attached to a step attempt. Seq
// is monotonically increasing within a step run.
type StepLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	StepRunID string    `gorm:"type:text;not null;uniqueIndex:idx_step_logs_seq,priority:1" json:"step_run_id"`
	RunID     string    `gorm:"type:text;not null;index" json:"run_id"`
	StepID    string    `gorm:"type:text;not null" json:"step_id"`
	Seq       int       `gorm:"not null;uniqueIndex:idx_step_logs_seq,priority:2" json:"seq"`
	Level     string    `gorm:"type:text" json:"level"`
	Message   string    `gorm:"type:text" json:"message"`
	TS        time.Time `gorm:"type:timestamp" json:"ts"`
}

func (StepLog) TableName() string {
	return "step_logs"
}

// StepEvent is a persisted copy of a bus event, written by the event
// recorder for at-least-once observability.
type StepEvent struct {
	ID      string    `gorm:"primaryKey;type:text" json:"id"`
	RunID   string    `gorm:"type:text;not null;index" json:"run_id"`
	StepID  string    `gorm:"type:text" json:"step_id,omitempty"`
	Kind    string    `gorm:"type:text;not null" json:"kind"`
	Payload JSONMap   `gorm:"type:text" json:"payload"`
	TS      time.Time `gorm:"type:timestamp;index" json:"ts"`
}

func (StepEvent) TableName() string {
	return "step_events"
}

// LatestAttempts reduces a step-run listing to the highest attempt per
// step id, preserving first-seen step order.
func LatestAttempts(stepRuns []StepRun) []StepRun {
	latest := make(map[string]int)
	order := make([]string, 0, len(stepRuns))
	for i, sr := range stepRuns {
		prev, seen := latest[sr.StepID]
		if !seen {
			order = append(order, sr.StepID)
			latest[sr.StepID] = i
			continue
		}
		if stepRuns[prev].Attempt < sr.Attempt {
			latest[sr.StepID] = i
		}
	}
	out := make([]StepRun, 0, len(order))
	for _, stepID := range order {
		out = append(out, stepRuns[latest[stepID]])
	}
	return out
}

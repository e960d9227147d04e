// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package database is the engine's persistence layer: pipeline
// definitions, runs, step attempts, logs and recorded events, stored
// through GORM on sqlite or postgres.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/noldarim/flowmill/internal/config"
	"github.com/noldarim/flowmill/internal/engine/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database connection
type GormDB struct {
	db *gorm.DB
}

// NewGormDB creates a new GORM database connection
func NewGormDB(cfg *config.DatabaseConfig) (*GormDB, error) {
	var dialector gorm.Dialector

	switch cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(cfg.GetDSN())
	case "postgres":
		dialector = postgres.Open(cfg.GetDSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Reduce GORM log noise
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &GormDB{db: db}, nil
}

// AutoMigrate runs database migrations
func (db *GormDB) AutoMigrate() error {
	return db.db.AutoMigrate(
		&models.PipelineRecord{},
		&models.StepRecord{},
		&models.ConnectionRecord{},
		&models.Run{},
		&models.StepRun{},
		&models.StepLog{},
		&models.StepEvent{},
	)
}

// ValidateSchema checks if GORM models match the database schema
func (db *GormDB) ValidateSchema() error {
	var missingTables []string
	var missingColumns []string
	var missingIndexes []string

	tables := []struct {
		model any
		name  string
	}{
		{&models.PipelineRecord{}, "pipelines"},
		{&models.StepRecord{}, "pipeline_steps"},
		{&models.ConnectionRecord{}, "pipeline_connections"},
		{&models.Run{}, "runs"},
		{&models.StepRun{}, "step_runs"},
		{&models.StepLog{}, "step_logs"},
		{&models.StepEvent{}, "step_events"},
	}
	for _, t := range tables {
		if !db.db.Migrator().HasTable(t.model) {
			missingTables = append(missingTables, t.name)
		}
	}
	if len(missingTables) > 0 {
		return fmt.Errorf("missing tables: %v\n\n💡 Run the migrate tool (cmd/migrate) to create the required tables", missingTables)
	}

	// Columns the executor and reaper depend on.
	runColumns := []string{
		"id", "pipeline_id", "pipeline_snapshot", "state", "initial_variables",
		"outputs", "error_code", "error_message", "dry_run", "lease_expires_at",
	}
	for _, col := range runColumns {
		if !db.db.Migrator().HasColumn(&models.Run{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("runs.%s", col))
		}
	}

	stepRunColumns := []string{
		"id", "run_id", "step_id", "attempt", "state", "inputs", "outputs",
		"error_code", "error_message", "metrics",
	}
	for _, col := range stepRunColumns {
		if !db.db.Migrator().HasColumn(&models.StepRun{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("step_runs.%s", col))
		}
	}

	stepLogColumns := []string{"step_run_id", "run_id", "step_id", "seq", "level", "message", "ts"}
	for _, col := range stepLogColumns {
		if !db.db.Migrator().HasColumn(&models.StepLog{}, col) {
			missingColumns = append(missingColumns, fmt.Sprintf("step_logs.%s", col))
		}
	}

	if !db.db.Migrator().HasIndex(&models.Run{}, "idx_runs_pipeline_created") {
		missingIndexes = append(missingIndexes, "runs.idx_runs_pipeline_created")
	}
	if !db.db.Migrator().HasIndex(&models.StepRun{}, "idx_step_runs_attempt") {
		missingIndexes = append(missingIndexes, "step_runs.idx_step_runs_attempt")
	}
	if !db.db.Migrator().HasIndex(&models.StepLog{}, "idx_step_logs_seq") {
		missingIndexes = append(missingIndexes, "step_logs.idx_step_logs_seq")
	}

	if len(missingColumns) > 0 {
		return fmt.Errorf("missing columns: %v\n\n💡 Run the migrate tool (cmd/migrate) to add the required columns", missingColumns)
	}
	if len(missingIndexes) > 0 {
		return fmt.Errorf("missing indexes: %v\n\n💡 Run the migrate tool (cmd/migrate) to add the required indexes", missingIndexes)
	}

	return nil
}

// DB exposes the underlying gorm handle for migrations and tests.
func (db *GormDB) DB() *gorm.DB {
	return db.db
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ============================================================================
// Pipeline Operations
// ============================================================================

// SavePipeline creates or replaces a stored pipeline definition. Steps
// and connections are rewritten wholesale; the header row keeps its
// created_at.
func (db *GormDB) SavePipeline(ctx context.Context, p *models.Pipeline) error {
	rec := models.RecordFromPipeline(p)
	steps, conns := rec.Steps, rec.Connections
	rec.Steps, rec.Connections = nil, nil

	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pipeline_id = ?", rec.ID).Delete(&models.StepRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("pipeline_id = ?", rec.ID).Delete(&models.ConnectionRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"name", "version", "variables", "definition_hash", "updated_at",
			}),
		}).Create(rec).Error; err != nil {
			return err
		}
		if len(steps) > 0 {
			if err := tx.Create(&steps).Error; err != nil {
				return err
			}
		}
		if len(conns) > 0 {
			if err := tx.Create(&conns).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// GetPipeline retrieves a pipeline definition by ID. Returns nil, nil
// when no such pipeline exists.
func (db *GormDB) GetPipeline(ctx context.Context, pipelineID string) (*models.Pipeline, error) {
	var rec models.PipelineRecord
	err := db.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		Preload("Connections", func(db *gorm.DB) *gorm.DB {
			return db.Order("id ASC")
		}).
		First(&rec, "id = ?", pipelineID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return rec.Pipeline(), nil
}

// ListPipelines retrieves all stored pipeline headers, most recently
// updated first. Steps and connections are not loaded.
func (db *GormDB) ListPipelines(ctx context.Context) ([]models.PipelineRecord, error) {
	var recs []models.PipelineRecord
	err := db.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	return recs, nil
}

// DeletePipeline deletes a pipeline and its steps and connections.
// Runs keep their snapshots, so history survives the definition.
func (db *GormDB) DeletePipeline(ctx context.Context, pipelineID string) error {
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("pipeline_id = ?", pipelineID).Delete(&models.StepRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("pipeline_id = ?", pipelineID).Delete(&models.ConnectionRecord{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.PipelineRecord{}, "id = ?", pipelineID).Error
	})
}

// ============================================================================
// Run Operations
// ============================================================================

// CreateRun inserts a new run with its frozen snapshot.
func (db *GormDB) CreateRun(ctx context.Context, run *models.Run) error {
	return db.db.WithContext(ctx).Create(run).Error
}

// GetRun retrieves a run by ID. Returns nil, nil when no such run
// exists.
func (db *GormDB) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	err := db.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &run, nil
}

// ListRuns retrieves runs most recent first, optionally filtered by
// pipeline. A limit of 0 returns all.
func (db *GormDB) ListRuns(ctx context.Context, pipelineID string, limit int) ([]models.Run, error) {
	query := db.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if pipelineID != "" {
		query = query.Where("pipeline_id = ?", pipelineID)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	var runs []models.Run
	if err := query.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// RunTransition carries the optional fields of a run state change.
type RunTransition struct {
	ErrorCode    string
	ErrorMessage string
	Lease        *time.Time
}

// UpdateRunState applies a guarded state transition. Terminal states
// are final: once a run is succeeded, failed or cancelled no further
// transition touches it, and pending is the only state running can be
// entered from. Returns whether a row actually changed.
func (db *GormDB) UpdateRunState(ctx context.Context, runID string, state models.RunState, tr RunTransition) (bool, error) {
	updates := map[string]any{"state": state}
	if tr.ErrorCode != "" {
		updates["error_code"] = tr.ErrorCode
	}
	if tr.ErrorMessage != "" {
		updates["error_message"] = tr.ErrorMessage
	}
	if tr.Lease != nil {
		updates["lease_expires_at"] = *tr.Lease
	}

	query := db.db.WithContext(ctx).Model(&models.Run{}).Where("id = ?", runID)
	now := time.Now().UTC()
	switch {
	case state == models.RunStateRunning:
		query = query.Where("state = ?", models.RunStatePending)
		updates["started_at"] = now
	case state.Terminal():
		query = query.Where("state IN ?", []models.RunState{models.RunStatePending, models.RunStateRunning})
		updates["finished_at"] = now
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// SetRunOutputs stores the collected output-step values.
func (db *GormDB) SetRunOutputs(ctx context.Context, runID string, outputs models.JSONMap) error {
	return db.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("id = ?", runID).
		Update("outputs", outputs).Error
}

// HeartbeatRun extends the executor lease. Reports false once the run
// left the running state, which tells the heartbeat loop to stop.
func (db *GormDB) HeartbeatRun(ctx context.Context, runID string, lease time.Time) (bool, error) {
	result := db.db.WithContext(ctx).
		Model(&models.Run{}).
		Where("id = ? AND state = ?", runID, models.RunStateRunning).
		Update("lease_expires_at", lease)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ExpiredRunning retrieves running runs whose lease lapsed before now.
func (db *GormDB) ExpiredRunning(ctx context.Context, now time.Time) ([]models.Run, error) {
	var runs []models.Run
	err := db.db.WithContext(ctx).
		Where("state = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", models.RunStateRunning, now).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// RunningSince retrieves running runs that started before the cutoff,
// for max-lifetime enforcement.
func (db *GormDB) RunningSince(ctx context.Context, cutoff time.Time) ([]models.Run, error) {
	var runs []models.Run
	err := db.db.WithContext(ctx).
		Where("state = ? AND started_at IS NOT NULL AND started_at < ?", models.RunStateRunning, cutoff).
		Find(&runs).Error
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// MarkOrphaned fails a run whose executor disappeared. Guarded like any
// terminal transition, so a run that finished in the meantime is left
// alone.
func (db *GormDB) MarkOrphaned(ctx context.Context, runID string) (bool, error) {
	return db.UpdateRunState(ctx, runID, models.RunStateFailed, RunTransition{
		ErrorCode:    "ORPHANED",
		ErrorMessage: fmt.Sprintf("run %s lease expired without terminal state", runID),
	})
}

// ============================================================================
// StepRun Operations
// ============================================================================

// CreateStepRun inserts a new step attempt row.
func (db *GormDB) CreateStepRun(ctx context.Context, stepRun *models.StepRun) error {
	return db.db.WithContext(ctx).Create(stepRun).Error
}

// StepRunFinish carries the terminal fields of a step attempt.
type StepRunFinish struct {
	State        models.StepRunState
	Outputs      models.JSONMap
	ErrorCode    string
	ErrorMessage string
	Metrics      models.StepMetrics
}

// FinishStepRun transitions a step attempt out of pending/running.
// Finished attempts are immutable; a second finish is a no-op.
func (db *GormDB) FinishStepRun(ctx context.Context, stepRunID string, fin StepRunFinish) (bool, error) {
	updates := map[string]any{
		"state":       fin.State,
		"metrics":     fin.Metrics,
		"finished_at": time.Now().UTC(),
	}
	if fin.Outputs != nil {
		updates["outputs"] = fin.Outputs
	}
	if fin.ErrorCode != "" {
		updates["error_code"] = fin.ErrorCode
	}
	if fin.ErrorMessage != "" {
		updates["error_message"] = fin.ErrorMessage
	}

	result := db.db.WithContext(ctx).
		Model(&models.StepRun{}).
		Where("id = ? AND state IN ?", stepRunID,
			[]models.StepRunState{models.StepRunStatePending, models.StepRunStateRunning}).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ListStepRuns retrieves every step attempt of a run in creation
// order.
func (db *GormDB) ListStepRuns(ctx context.Context, runID string) ([]models.StepRun, error) {
	var stepRuns []models.StepRun
	err := db.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at ASC, step_id ASC, attempt ASC").
		Find(&stepRuns).Error
	if err != nil {
		return nil, err
	}
	return stepRuns, nil
}

// LatestStepRun retrieves the highest attempt of one step. Returns
// nil, nil when the step never ran.
func (db *GormDB) LatestStepRun(ctx context.Context, runID, stepID string) (*models.StepRun, error) {
	var stepRun models.StepRun
	err := db.db.WithContext(ctx).
		Where("run_id = ? AND step_id = ?", runID, stepID).
		Order("attempt DESC").
		First(&stepRun).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, err
	}
	return &stepRun, nil
}

// ============================================================================
// StepLog Operations
// ============================================================================

// AppendStepLogs appends log lines, assigning each a monotonically
// increasing seq within its step attempt. Entries may span multiple
// step runs; ordering is per attempt.
func (db *GormDB) AppendStepLogs(ctx context.Context, logs []models.StepLog) error {
	if len(logs) == 0 {
		return nil
	}
	return db.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		next := make(map[string]int)
		for i := range logs {
			stepRunID := logs[i].StepRunID
			if _, ok := next[stepRunID]; !ok {
				var maxSeq int
				err := tx.Model(&models.StepLog{}).
					Where("step_run_id = ?", stepRunID).
					Select("COALESCE(MAX(seq), 0)").
					Scan(&maxSeq).Error
				if err != nil {
					return err
				}
				next[stepRunID] = maxSeq
			}
			next[stepRunID]++
			logs[i].Seq = next[stepRunID]
		}
		return tx.Create(&logs).Error
	})
}

// ListStepLogs retrieves log lines for a run in append order,
// optionally narrowed to one step.
func (db *GormDB) ListStepLogs(ctx context.Context, runID, stepID string) ([]models.StepLog, error) {
	query := db.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("step_run_id ASC, seq ASC")
	if stepID != "" {
		query = query.Where("step_id = ?", stepID)
	}
	var logs []models.StepLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// ============================================================================
// StepEvent Operations
// ============================================================================

// AppendStepEvent persists a bus event. Replays of the same event ID
// are ignored, which makes the recorder safe at-least-once.
func (db *GormDB) AppendStepEvent(ctx context.Context, event *models.StepEvent) error {
	return db.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event).Error
}

// ListStepEvents retrieves the recorded events of a run in time order.
func (db *GormDB) ListStepEvents(ctx context.Context, runID string) ([]models.StepEvent, error) {
	var events []models.StepEvent
	err := db.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("ts ASC, id ASC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

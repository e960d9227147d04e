// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/noldarim/flowmill/internal/config"
	"github.com/noldarim/flowmill/internal/engine/database"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/events"
	"github.com/noldarim/flowmill/internal/protocol"
)

// Reaper sweeps the run store for runs whose executor died without
// finalizing them. A running run is healthy while its lease holds; once
// the lease lapses and no local executor owns it, the run is failed
// with ORPHANED. Runs past the configured max lifetime are cancelled if
// they are ours, orphaned otherwise.
type Reaper struct {
	store *database.GormDB
	bus   *events.Bus
	runs  *RunService
	cfg   config.EngineConfig
}

// NewReaper wires a reaper; Run starts the sweep loop.
func NewReaper(store *database.GormDB, bus *events.Bus, runs *RunService, cfg config.EngineConfig) *Reaper {
	return &Reaper{store: store, bus: bus, runs: runs, cfg: cfg}
}

// Run sweeps once immediately, then on the configured interval until
// ctx is cancelled. The startup sweep finalizes runs left running by a
// previous process before any new work begins.
func (r *Reaper) Run(ctx context.Context) error {
	interval := r.cfg.ReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}

	if err := r.Sweep(ctx); err != nil {
		getLog().Warn().Err(err).Msg("Startup reap sweep failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.Sweep(ctx); err != nil {
				getLog().Warn().Err(err).Msg("Reap sweep failed")
			}
		}
	}
}

// Sweep performs one pass over expired leases and over-lifetime runs.
func (r *Reaper) Sweep(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := r.store.ExpiredRunning(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list expired runs: %w", err)
	}
	for i := range expired {
		run := &expired[i]
		if r.runs != nil && r.runs.IsLive(run.ID) {
			// Our own executor is just late on a heartbeat; leave it be.
			continue
		}
		r.orphan(ctx, run.ID)
	}

	if r.cfg.RunMaxLifetime > 0 {
		overdue, err := r.store.RunningSince(ctx, now.Add(-r.cfg.RunMaxLifetime))
		if err != nil {
			return fmt.Errorf("failed to list over-lifetime runs: %w", err)
		}
		for i := range overdue {
			run := &overdue[i]
			if r.runs != nil && r.runs.IsLive(run.ID) {
				if err := r.runs.Cancel(ctx, run.ID, "run exceeded max lifetime"); err != nil {
					getLog().Warn().Err(err).Str("run_id", run.ID).Msg("Over-lifetime cancel failed")
				}
				continue
			}
			r.orphan(ctx, run.ID)
		}
	}
	return nil
}

func (r *Reaper) orphan(ctx context.Context, runID string) {
	changed, err := r.store.MarkOrphaned(ctx, runID)
	if err != nil {
		getLog().Warn().Err(err).Str("run_id", runID).Msg("Failed to orphan run")
		return
	}
	if !changed {
		return
	}
	getLog().Warn().Str("run_id", runID).Msg("Run orphaned; lease expired without terminal state")
	if r.bus != nil {
		orphanErr := fault.Orphaned(runID)
		r.bus.Publish(protocol.RunFinishedEvent{
			Metadata:  protocol.NewMetadata(runID),
			State:     "failed",
			ErrorCode: string(fault.CodeOrphaned),
			Error:     orphanErr.Message,
		})
	}
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package executor

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noldarim/flowmill/internal/engine/database"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/graph"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/vars"
	"github.com/noldarim/flowmill/internal/protocol"
)

// Per-kind duration and cost estimates used when a step config does not
// override them.
var dryRunEstimates = map[models.StepKind]struct {
	ms   int64
	cost float64
}{
	models.StepKindLLM:       {ms: 2000, cost: 0.002},
	models.StepKindCode:      {ms: 1500},
	models.StepKindAPI:       {ms: 500},
	models.StepKindTransform: {ms: 10},
	models.StepKindCondition: {ms: 5},
	models.StepKindMerge:     {ms: 5},
	models.StepKindInput:     {ms: 1},
	models.StepKindOutput:    {ms: 1},
}

// dryRun plans the run without dispatching a single runner: it walks
// the topological order, resolves each step's templates, simulates
// outputs from test_data config so downstream references resolve, and
// aggregates duration and cost estimates. The duration estimate follows
// the critical path: parallel steps in one dependency level count once
// at the level's maximum. No step run rows are written.
func (e *Executor) dryRun(ctx, persistCtx context.Context, run *models.Run, g *graph.Graph, log zerolog.Logger) models.RunState {
	pipeline := run.PipelineSnapshot.Pipeline()
	order, _ := g.TopologicalOrder()
	levels, _ := g.Levels()

	store := vars.NewStore()
	seed := make(map[string]any)
	for k, v := range pipeline.Variables {
		seed[k] = v
	}
	for k, v := range run.InitialVariables {
		seed[k] = v
	}
	store.Seed(seed)
	_ = store.Set("inputs", seed)
	resolver := vars.NewResolver(store, nil)

	levelOf := make(map[string]int, len(order))
	for i, level := range levels {
		for _, id := range level {
			levelOf[id] = i
		}
	}
	levelMS := make([]int64, len(levels))

	skipped := make(map[string]bool)
	planned := make([]map[string]any, 0, len(order))
	var totalCost float64

	for i, id := range order {
		step := g.Step(id)
		entry := map[string]any{
			"step_id": id,
			"kind":    string(step.Kind),
			"order":   i,
		}

		if reason, skip := dryRunSkip(g, step, skipped); skip {
			skipped[id] = true
			entry["skipped"] = true
			entry["reason"] = reason
			planned = append(planned, entry)
			continue
		}

		resolved, warnings, err := resolveConfigTemplates(ctx, resolver, step)
		if err != nil {
			entry["error"] = err.Error()
			planned = append(planned, entry)
			continue
		}
		if len(warnings) > 0 {
			paths := make([]string, 0, len(warnings))
			for _, w := range warnings {
				paths = append(paths, w.Path)
			}
			entry["unresolved_paths"] = paths
		}

		inputs := make(map[string]any)
		for _, c := range g.Incoming(id) {
			if v, ok := store.Get("steps." + c.Source.StepID + "." + c.Source.Port); ok {
				inputs[c.Target.Port] = v
			}
		}
		if len(inputs) > 0 {
			entry["inputs"] = inputs
		}

		ms, cost := dryRunEstimate(step, resolved)
		entry["estimated_ms"] = ms
		if cost > 0 {
			entry["estimated_cost_usd"] = cost
		}
		totalCost += cost
		if lv := levelOf[id]; ms > levelMS[lv] {
			levelMS[lv] = ms
		}

		if td, ok := resolved["test_data"].(map[string]any); ok {
			for port, v := range td {
				_ = store.Set("steps."+id+"."+port, v)
			}
			entry["simulated_outputs"] = td
		}

		planned = append(planned, entry)
	}

	var totalMS int64
	for _, ms := range levelMS {
		totalMS += ms
	}

	report := map[string]any{
		"pipeline_id":              run.PipelineID,
		"pipeline_name":            pipeline.Name,
		"step_count":               len(order),
		"levels":                   len(levels),
		"steps":                    planned,
		"total_estimated_ms":       totalMS,
		"total_estimated_cost_usd": totalCost,
	}

	state := models.RunStateSucceeded
	var code, msg string
	if err := e.withStoreRetry(persistCtx, "dry run report", func() error {
		return e.store.SetRunOutputs(persistCtx, run.ID, models.JSONMap{"dry_run_report": report})
	}); err != nil {
		state = models.RunStateFailed
		code = string(fault.CodeStore)
		msg = "dry run report did not persist"
		log.Error().Err(err).Msg(msg)
	}
	if _, err := e.updateRunState(persistCtx, run.ID, state, database.RunTransition{
		ErrorCode:    code,
		ErrorMessage: msg,
	}); err != nil {
		log.Error().Err(err).Msg("Terminal run state did not persist; the reaper will orphan this run")
	}

	e.publish(protocol.DryRunReportEvent{Metadata: protocol.NewMetadata(run.ID), Report: report})
	var evOutputs map[string]any
	if state == models.RunStateSucceeded {
		evOutputs = map[string]any{"dry_run_report": report}
	}
	e.publish(protocol.RunFinishedEvent{
		Metadata:  protocol.NewMetadata(run.ID),
		State:     state.String(),
		ErrorCode: code,
		Error:     msg,
		Outputs:   evOutputs,
	})
	log.Info().Int64("total_estimated_ms", totalMS).Float64("total_estimated_cost_usd", totalCost).
		Int("steps", len(order)).Msg("Dry run planned")
	return state
}

// dryRunSkip mirrors the live skip rules against the set of steps the
// plan has already marked skipped.
func dryRunSkip(g *graph.Graph, step *models.Step, skipped map[string]bool) (string, bool) {
	if !step.IsEnabled() {
		return "step is disabled", true
	}
	connected := g.Incoming(step.ID)
	if len(connected) == 0 {
		return "", false
	}
	spec, _ := graph.Spec(step.Kind)
	skippedCount := 0
	for _, c := range connected {
		if !skipped[c.Source.StepID] {
			continue
		}
		skippedCount++
		if in, ok := spec.Input(c.Target.Port); ok && in.Required {
			return "required input " + c.Target.Port + " skipped upstream", true
		}
	}
	if skippedCount == len(connected) {
		return "all inputs skipped upstream", true
	}
	return "", false
}

func dryRunEstimate(step *models.Step, cfg map[string]any) (int64, float64) {
	est := dryRunEstimates[step.Kind]
	ms, cost := est.ms, est.cost
	if v, ok := asInt(cfg["estimated_ms"]); ok {
		ms = int64(v)
	}
	if v, ok := asFloat(cfg["estimated_cost_usd"]); ok {
		cost = v
	}
	return ms, cost
}

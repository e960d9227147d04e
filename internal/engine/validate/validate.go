// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package validate checks a pipeline definition before it is allowed to
// run: graph structure, port wiring, type compatibility and per-kind
// step config. Errors block execution; warnings flag things that are
// legal but probably not what the author meant.
package validate

import (
	"fmt"
	"strings"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/graph"
	"github.com/noldarim/flowmill/internal/engine/models"
)

// Issue is one validation finding.
type Issue struct {
	Code    fault.Code `json:"code"`
	StepID  string     `json:"step_id,omitempty"`
	Port    string     `json:"port,omitempty"`
	Field   string     `json:"field,omitempty"`
	Message string     `json:"message"`
	Path    []string   `json:"path,omitempty"`
}

// Result collects everything found wrong, or merely odd, about a
// definition. Valid means no errors; warnings never block a run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Warning codes. Findings under these never fail validation.
const (
	WarnUnknownConfigField fault.Code = "UNKNOWN_CONFIG_FIELD"
	WarnIsolatedStep       fault.Code = "ISOLATED_STEP"
	WarnDisabledStep       fault.Code = "DISABLED_STEP"
	WarnSuspiciousCode     fault.Code = "SUSPICIOUS_CODE"
)

// portDefaults lists input ports whose value has a declared default, so
// the required-input check passes without an explicit binding.
var portDefaults = map[models.StepKind]map[string]any{
	models.StepKindAPI:   {"method": "GET"},
	models.StepKindMerge: {"strategy": models.MergeDefaultStrategy},
}

// Validate runs every check against a pipeline definition. It never
// short-circuits within a phase: all findings of the same kind are
// reported together so authors fix a definition in one round.
func Validate(p *models.Pipeline) *Result {
	res := &Result{}
	g, err := graph.Build(p)
	if err != nil {
		res.error(issueOf(err))
		return res.finish()
	}

	checkDuplicateInbound(g, res)
	checkAcyclic(g, res)
	checkRequiredInputs(g, res)
	checkPortTypes(g, res)
	checkStepConfigs(g, res)
	checkOutputNames(g, res)

	warnStructure(g, res)
	return res.finish()
}

func (r *Result) error(i Issue) { r.Errors = append(r.Errors, i) }
func (r *Result) warn(i Issue)  { r.Warnings = append(r.Warnings, i) }

func (r *Result) finish() *Result {
	r.Valid = len(r.Errors) == 0
	return r
}

// issueOf converts a fault error into an Issue, lifting the cycle path
// detail when present.
func issueOf(err error) Issue {
	i := Issue{Code: fault.CodeOf(err), Message: err.Error()}
	if fe, ok := fault.As(err); ok {
		i.StepID = fe.StepID
		if path, ok := fe.Details["path"].([]string); ok {
			i.Path = path
		}
	}
	return i
}

// checkDuplicateInbound rejects more than one connection terminating at
// the same input port.
func checkDuplicateInbound(g *graph.Graph, res *Result) {
	for _, stepID := range g.StepIDs() {
		byPort := map[string][]string{}
		for _, c := range g.Incoming(stepID) {
			byPort[c.Target.Port] = append(byPort[c.Target.Port], c.ID)
		}
		spec, _ := graph.Spec(g.Step(stepID).Kind)
		for _, port := range spec.Inputs {
			conns := byPort[port.Name]
			if len(conns) <= 1 {
				continue
			}
			res.error(Issue{
				Code:    fault.CodeDuplicateInbound,
				StepID:  stepID,
				Port:    port.Name,
				Message: fmt.Sprintf("input %s.%s is fed by %d connections (%s); at most one is allowed", stepID, port.Name, len(conns), strings.Join(conns, ", ")),
			})
		}
	}
}

// checkAcyclic runs the topological sort purely for its error.
func checkAcyclic(g *graph.Graph, res *Result) {
	if _, err := g.TopologicalOrder(); err != nil {
		res.error(issueOf(err))
	}
}

// checkRequiredInputs verifies every required input port is bound by a
// connection, a config literal of the same name, or a declared default.
func checkRequiredInputs(g *graph.Graph, res *Result) {
	for _, stepID := range g.StepIDs() {
		step := g.Step(stepID)
		spec, _ := graph.Spec(step.Kind)
		for _, port := range spec.Inputs {
			if !port.Required {
				continue
			}
			if _, ok := g.SourceOf(models.PortRef{StepID: stepID, Port: port.Name}); ok {
				continue
			}
			if _, ok := step.Config[port.Name]; ok {
				continue
			}
			if _, ok := portDefaults[step.Kind][port.Name]; ok {
				continue
			}
			res.error(Issue{
				Code:    fault.CodeUnboundRequiredInput,
				StepID:  stepID,
				Port:    port.Name,
				Message: fmt.Sprintf("required input %s.%s has no connection, config value or default", stepID, port.Name),
			})
		}
	}
}

// checkPortTypes verifies source output kinds are assignable to target
// input kinds for every connection.
func checkPortTypes(g *graph.Graph, res *Result) {
	for _, c := range g.Pipeline.Connections {
		srcSpec, _ := graph.Spec(g.Step(c.Source.StepID).Kind)
		dstSpec, _ := graph.Spec(g.Step(c.Target.StepID).Kind)
		src, _ := srcSpec.Output(c.Source.Port)
		dst, _ := dstSpec.Input(c.Target.Port)
		if graph.Assignable(src.Kind, dst.Kind) {
			continue
		}
		res.error(Issue{
			Code:    fault.CodeTypeMismatch,
			StepID:  c.Target.StepID,
			Port:    c.Target.Port,
			Message: fmt.Sprintf("connection %q: output %s (%s) is not assignable to input %s (%s)", c.ID, c.Source, src.Kind, c.Target, dst.Kind),
		})
	}
}

// checkOutputNames rejects two enabled output steps collecting under
// the same run-output key.
func checkOutputNames(g *graph.Graph, res *Result) {
	seen := map[string]string{}
	for _, stepID := range g.StepIDs() {
		step := g.Step(stepID)
		if step.Kind != models.StepKindOutput || !step.IsEnabled() {
			continue
		}
		name := outputKey(step)
		if prev, dup := seen[name]; dup {
			res.error(Issue{
				Code:    fault.CodeInvalidStepConfig,
				StepID:  stepID,
				Field:   "name",
				Message: fmt.Sprintf("output steps %s and %s both collect under key %q", prev, stepID, name),
			})
			continue
		}
		seen[name] = stepID
	}
}

// outputKey is the run-output key an output step collects under.
func outputKey(step *models.Step) string {
	var cfg models.OutputConfig
	if _, err := models.DecodeStepConfig(step.Config, &cfg); err == nil && cfg.Name != "" {
		return cfg.Name
	}
	return step.DisplayName()
}

// warnStructure flags isolated and disabled steps.
func warnStructure(g *graph.Graph, res *Result) {
	for _, stepID := range g.StepIDs() {
		step := g.Step(stepID)
		if !step.IsEnabled() {
			res.warn(Issue{
				Code:    WarnDisabledStep,
				StepID:  stepID,
				Message: fmt.Sprintf("step %s is disabled and will be skipped", stepID),
			})
		}
		if len(g.Pipeline.Steps) > 1 && len(g.Incoming(stepID)) == 0 && len(g.Outgoing(stepID)) == 0 {
			res.warn(Issue{
				Code:    WarnIsolatedStep,
				StepID:  stepID,
				Message: fmt.Sprintf("step %s has no connections to the rest of the pipeline", stepID),
			})
		}
	}
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package graph builds the typed in-memory representation of a pipeline
// and answers the structural questions the validator and executor ask:
// which steps exist, what feeds into a port, what order respects the
// dependencies.
package graph

import (
	"fmt"
	"sort"

	"github.com/samber/lo"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
)

// Graph indexes a pipeline definition. It is immutable after Build.
type Graph struct {
	Pipeline *models.Pipeline

	steps    map[string]*models.Step
	incoming map[string][]models.Connection
	outgoing map[string][]models.Connection
	sourceOf map[models.PortRef]models.Connection
}

// Build indexes the definition. It fails with MALFORMED_GRAPH when a
// connection references an unknown step or port; cycles are tolerated
// here and rejected by the validator's topological check.
func Build(p *models.Pipeline) (*Graph, error) {
	g := &Graph{
		Pipeline: p,
		steps:    make(map[string]*models.Step, len(p.Steps)),
		incoming: make(map[string][]models.Connection),
		outgoing: make(map[string][]models.Connection),
		sourceOf: make(map[models.PortRef]models.Connection),
	}

	for i := range p.Steps {
		s := &p.Steps[i]
		if s.ID == "" {
			return nil, fault.New(fault.CodeMalformedGraph, "step at index %d has no id", i)
		}
		if _, dup := g.steps[s.ID]; dup {
			return nil, fault.New(fault.CodeMalformedGraph, "duplicate step id %q", s.ID)
		}
		if !s.Kind.Valid() {
			return nil, fault.New(fault.CodeMalformedGraph, "step %q has unknown kind %q", s.ID, s.Kind)
		}
		g.steps[s.ID] = s
	}

	for _, c := range p.Connections {
		src, ok := g.steps[c.Source.StepID]
		if !ok {
			return nil, fault.New(fault.CodeMalformedGraph, "connection %q references unknown source step %q", c.ID, c.Source.StepID)
		}
		dst, ok := g.steps[c.Target.StepID]
		if !ok {
			return nil, fault.New(fault.CodeMalformedGraph, "connection %q references unknown target step %q", c.ID, c.Target.StepID)
		}
		srcSpec, _ := Spec(src.Kind)
		if _, ok := srcSpec.Output(c.Source.Port); !ok {
			return nil, fault.New(fault.CodeMalformedGraph, "connection %q references unknown output port %s", c.ID, c.Source)
		}
		dstSpec, _ := Spec(dst.Kind)
		if _, ok := dstSpec.Input(c.Target.Port); !ok {
			return nil, fault.New(fault.CodeMalformedGraph, "connection %q references unknown input port %s", c.ID, c.Target)
		}

		g.incoming[c.Target.StepID] = append(g.incoming[c.Target.StepID], c)
		g.outgoing[c.Source.StepID] = append(g.outgoing[c.Source.StepID], c)
		// Last one wins here; the validator reports duplicates per
		// target port as their own error kind.
		g.sourceOf[c.Target] = c
	}

	for stepID := range g.incoming {
		sortConnections(g.incoming[stepID])
	}
	for stepID := range g.outgoing {
		sortConnections(g.outgoing[stepID])
	}
	return g, nil
}

func sortConnections(conns []models.Connection) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
}

// Step returns the step with the given id, or nil.
func (g *Graph) Step(id string) *models.Step {
	return g.steps[id]
}

// StepIDs returns all step ids sorted for deterministic iteration.
func (g *Graph) StepIDs() []string {
	ids := lo.Keys(g.steps)
	sort.Strings(ids)
	return ids
}

// Incoming returns the connections terminating at a step, sorted by
// connection id.
func (g *Graph) Incoming(stepID string) []models.Connection {
	return g.incoming[stepID]
}

// Outgoing returns the connections originating at a step, sorted by
// connection id.
func (g *Graph) Outgoing(stepID string) []models.Connection {
	return g.outgoing[stepID]
}

// SourceOf returns the connection feeding a target port, if any.
func (g *Graph) SourceOf(target models.PortRef) (models.Connection, bool) {
	c, ok := g.sourceOf[target]
	return c, ok
}

// Dependencies returns the distinct upstream step ids of a step, sorted.
func (g *Graph) Dependencies(stepID string) []string {
	deps := lo.Uniq(lo.Map(g.incoming[stepID], func(c models.Connection, _ int) string {
		return c.Source.StepID
	}))
	sort.Strings(deps)
	return deps
}

// Dependents returns the distinct downstream step ids of a step, sorted.
func (g *Graph) Dependents(stepID string) []string {
	deps := lo.Uniq(lo.Map(g.outgoing[stepID], func(c models.Connection, _ int) string {
		return c.Target.StepID
	}))
	sort.Strings(deps)
	return deps
}

// TopologicalOrder runs Kahn's algorithm with ties broken by step id.
// On a cycle it fails with CYCLE_DETECTED carrying one offending cycle
// path in Details["path"].
func (g *Graph) TopologicalOrder() ([]string, error) {
	inDegree := make(map[string]int, len(g.steps))
	for id := range g.steps {
		inDegree[id] = len(g.Dependencies(id))
	}

	ready := make([]string, 0, len(g.steps))
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(g.steps))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		for _, dep := range g.Dependents(id) {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	if len(order) != len(g.steps) {
		residual := lo.Filter(g.StepIDs(), func(id string, _ int) bool {
			return inDegree[id] > 0
		})
		err := fault.New(fault.CodeCycleDetected, "pipeline contains a cycle through %v", residual)
		err.Details = map[string]any{"path": g.findCycle(residual)}
		return nil, err
	}
	return order, nil
}

// Levels groups the topological order into dependency levels: every
// step in level i depends only on steps in levels < i. Steps within a
// level are sorted by id.
func (g *Graph) Levels() ([][]string, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	depth := make(map[string]int, len(g.steps))
	maxDepth := 0
	for _, id := range order {
		d := 0
		for _, dep := range g.Dependencies(id) {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	levels := make([][]string, maxDepth+1)
	for _, id := range order {
		levels[depth[id]] = append(levels[depth[id]], id)
	}
	for i := range levels {
		sort.Strings(levels[i])
	}
	return levels, nil
}

// Roots returns the steps with no incoming connections, sorted.
func (g *Graph) Roots() []string {
	return lo.Filter(g.StepIDs(), func(id string, _ int) bool {
		return len(g.incoming[id]) == 0
	})
}

// findCycle walks outgoing edges restricted to the residual set until a
// step repeats, returning the closed path (first step appears twice).
func (g *Graph) findCycle(residual []string) []string {
	if len(residual) == 0 {
		return nil
	}
	inResidual := lo.SliceToMap(residual, func(id string) (string, bool) { return id, true })

	path := []string{}
	seen := map[string]int{}
	current := residual[0]
	for {
		if at, ok := seen[current]; ok {
			return append(path[at:], current)
		}
		seen[current] = len(path)
		path = append(path, current)

		next := ""
		for _, dep := range g.Dependents(current) {
			if inResidual[dep] {
				next = dep
				break
			}
		}
		if next == "" {
			// Dead end inside the residual set; should not happen for a
			// true cycle, bail with what we have.
			return path
		}
		current = next
	}
}

// String renders a compact description for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("graph(%s: %d steps, %d connections)", g.Pipeline.ID, len(g.steps), len(g.Pipeline.Connections))
}

func insertSorted(sorted []string, v string) []string {
	i := sort.SearchStrings(sorted, v)
	sorted = append(sorted, "")
	copy(sorted[i+1:], sorted[i:])
	sorted[i] = v
	return sorted
}

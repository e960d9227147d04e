// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import "github.com/noldarim/flowmill/internal/engine/models"

// Port is one declared input or output slot of a step kind.
type Port struct {
	Name     string
	Kind     models.PortKind
	Required bool
}

// PortSpec declares the full port set of a step kind.
type PortSpec struct {
	Inputs  []Port
	Outputs []Port
}

// Input looks up a declared input port by name.
func (ps PortSpec) Input(name string) (Port, bool) {
	for _, p := range ps.Inputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

// Output looks up a declared output port by name.
func (ps PortSpec) Output(name string) (Port, bool) {
	for _, p := range ps.Outputs {
		if p.Name == name {
			return p, true
		}
	}
	return Port{}, false
}

var portSpecs = map[models.StepKind]PortSpec{
	models.StepKindLLM: {
		Inputs: []Port{
			{Name: "prompt", Kind: models.PortText, Required: true},
			{Name: "system_prompt", Kind: models.PortText},
			{Name: "context", Kind: models.PortText},
			{Name: "variables", Kind: models.PortJSON},
		},
		Outputs: []Port{
			{Name: "text", Kind: models.PortText},
			{Name: "json", Kind: models.PortJSON},
			{Name: "tokens", Kind: models.PortNumber},
			{Name: "cost", Kind: models.PortNumber},
		},
	},
	models.StepKindCode: {
		Inputs: []Port{
			{Name: "code", Kind: models.PortText, Required: true},
			{Name: "variables", Kind: models.PortJSON},
			{Name: "input_data", Kind: models.PortAny},
		},
		Outputs: []Port{
			{Name: "result", Kind: models.PortAny},
			{Name: "logs", Kind: models.PortArray},
			{Name: "errors", Kind: models.PortArray},
		},
	},
	models.StepKindAPI: {
		Inputs: []Port{
			{Name: "url", Kind: models.PortText, Required: true},
			{Name: "method", Kind: models.PortText, Required: true},
			{Name: "headers", Kind: models.PortJSON},
			{Name: "body", Kind: models.PortAny},
			{Name: "auth", Kind: models.PortJSON},
		},
		Outputs: []Port{
			{Name: "response", Kind: models.PortJSON},
			{Name: "status", Kind: models.PortNumber},
			{Name: "headers", Kind: models.PortJSON},
		},
	},
	models.StepKindTransform: {
		Inputs: []Port{
			{Name: "data", Kind: models.PortAny, Required: true},
		},
		Outputs: []Port{
			{Name: "result", Kind: models.PortAny},
		},
	},
	models.StepKindCondition: {
		Inputs: []Port{
			{Name: "data", Kind: models.PortAny},
			{Name: "condition", Kind: models.PortText, Required: true},
		},
		Outputs: []Port{
			{Name: "result", Kind: models.PortBoolean},
			{Name: "value", Kind: models.PortAny},
			{Name: "true_path", Kind: models.PortAny},
			{Name: "false_path", Kind: models.PortAny},
		},
	},
	models.StepKindMerge: {
		Inputs: []Port{
			{Name: "data1", Kind: models.PortAny, Required: true},
			{Name: "data2", Kind: models.PortAny, Required: true},
			{Name: "strategy", Kind: models.PortText},
		},
		Outputs: []Port{
			{Name: "result", Kind: models.PortAny},
		},
	},
	models.StepKindInput: {
		Outputs: []Port{
			{Name: "value", Kind: models.PortAny},
		},
	},
	models.StepKindOutput: {
		Inputs: []Port{
			{Name: "data", Kind: models.PortAny, Required: true},
		},
	},
}

// Spec returns the port declaration for a step kind.
func Spec(kind models.StepKind) (PortSpec, bool) {
	ps, ok := portSpecs[kind]
	return ps, ok
}

// Assignable reports whether a value produced on a port of kind `from`
// may flow into a port of kind `to`. `any` is compatible in both
// directions; text widens into json/number/boolean by parsing, and
// json/number/boolean/array narrow into text by encoding.
func Assignable(from, to models.PortKind) bool {
	if from == models.PortAny || to == models.PortAny || from == to {
		return true
	}
	switch from {
	case models.PortText:
		return to == models.PortJSON || to == models.PortNumber || to == models.PortBoolean
	case models.PortNumber, models.PortBoolean, models.PortArray, models.PortJSON:
		return to == models.PortText
	default:
		return false
	}
}

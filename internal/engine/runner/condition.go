// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"strings"

	"github.com/noldarim/flowmill/internal/engine/expr"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/vars"
)

type conditionRunner struct{}

// Run evaluates the condition expression and routes data down exactly
// one branch: the unselected branch port stays absent, which the
// executor turns into a skip signal for everything behind it.
func (r *conditionRunner) Run(ctx context.Context, req Request) (Outputs, error) {
	cond := req.stringPort("condition")
	if strings.TrimSpace(cond) == "" {
		return nil, fault.New(fault.CodeInvalidStepConfig, "condition is empty")
	}
	prog, err := expr.Parse(cond)
	if err != nil {
		return nil, err
	}

	data, _ := req.port("data")

	// The expression scope is the input ports with data on top, so
	// dotted paths like data.score or threshold.max resolve; anything
	// not found there falls back to the run's variable snapshot.
	scope := make(map[string]any, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		scope[k] = v
	}
	scope["data"] = data
	result, err := prog.EvalBool(func(path string) (any, bool) {
		if v, ok := vars.LookupIn(scope, path); ok {
			return v, true
		}
		return lookupVars(req.Vars, path)
	})
	if err != nil {
		return nil, err
	}

	outputs := Outputs{
		"result": result,
		"value":  data,
	}
	if result {
		outputs["true_path"] = data
	} else {
		outputs["false_path"] = data
	}
	return outputs, nil
}

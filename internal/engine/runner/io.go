// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
)

type inputRunner struct{}

// Run exposes the initial variable matching the step (config name, else
// step id) on the value port. The default fills in when the variable
// was not supplied; with neither, value is an explicit null so that
// downstream steps run rather than skip.
func (r *inputRunner) Run(ctx context.Context, req Request) (Outputs, error) {
	var cfg models.InputConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	name := cfg.Name
	if name == "" {
		name = req.StepID
	}
	if v, ok := lookupVars(req.Vars, "inputs."+name); ok {
		return Outputs{"value": v}, nil
	}
	return Outputs{"value": cfg.Default}, nil
}

type outputRunner struct{}

// Run is a sink: the executor copies the step's data input into the run
// outputs, so the runner only checks the binding delivered something.
func (r *outputRunner) Run(ctx context.Context, req Request) (Outputs, error) {
	if _, ok := req.port("data"); !ok {
		return nil, fault.New(fault.CodeUnboundRequiredInput, "output step received no data")
	}
	return Outputs{}, nil
}

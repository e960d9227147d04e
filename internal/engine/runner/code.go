// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/pkg/sandbox"
)

type codeRunner struct{}

func (r *codeRunner) Run(ctx context.Context, req Request) (Outputs, error) {
	var cfg models.CodeConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	if req.Services == nil || req.Services.Sandbox == nil {
		return nil, fault.Sandbox(fault.SandboxPolicy, nil, "no sandbox configured")
	}

	code := req.stringPort("code")
	if strings.TrimSpace(code) == "" {
		return nil, fault.New(fault.CodeInvalidStepConfig, "code is empty")
	}
	if cfg.Language == "" {
		return nil, fault.New(fault.CodeInvalidStepConfig, "language is required")
	}

	inputData, _ := req.port("input_data")
	env := map[string]any{
		"input_data": inputData,
		"variables":  req.mapPort("variables"),
		"run_id":     req.RunID,
		"step_id":    req.StepID,
	}

	limits := sandbox.Limits{
		MemoryMB:        cfg.MemoryMB,
		AllowedPackages: cfg.Packages,
	}
	if deadline, ok := ctx.Deadline(); ok {
		limits.TimeoutMS = int(time.Until(deadline).Milliseconds())
	}

	res, err := req.Services.Sandbox.Execute(ctx, sandbox.ExecRequest{
		Language: cfg.Language,
		Code:     code,
		Env:      env,
		Limits:   limits,
		RunID:    req.RunID,
		StepID:   req.StepID,
	})

	// Surface whatever the execution printed even when it failed.
	sink := req.sink()
	if res != nil {
		for _, line := range res.Logs {
			sink.Log("info", line)
		}
		for _, line := range res.Errors {
			sink.Log("error", line)
		}
	}

	if err != nil {
		var execErr *sandbox.ExecError
		switch {
		case errors.As(err, &execErr):
			return nil, fault.Sandbox(fault.SandboxKind(execErr.Kind), execErr.Err, "%s", execErr.Message)
		case ctx.Err() != nil:
			return nil, err
		default:
			return nil, fault.Wrap(fault.CodeSandbox, err, "sandbox execution failed")
		}
	}

	return Outputs{
		"result": res.Result,
		"logs":   lo.ToAnySlice(res.Logs),
		"errors": lo.ToAnySlice(res.Errors),
	}, nil
}

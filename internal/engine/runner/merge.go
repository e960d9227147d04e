// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"strings"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/vars"
)

type mergeRunner struct{}

func (r *mergeRunner) Run(ctx context.Context, req Request) (Outputs, error) {
	var cfg models.MergeConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	data1, _ := req.port("data1")
	data2, _ := req.port("data2")

	strategy := cfg.Strategy
	if s := strings.TrimSpace(req.stringPort("strategy")); s != "" {
		strategy = s
	}
	if strategy == "" {
		strategy = models.MergeDefaultStrategy
	}

	var (
		result any
		err    error
	)
	switch strategy {
	case "object_merge":
		result = deepMerge(data1, data2)
	case "concat":
		result, err = concat(data1, data2)
	case "first_non_null":
		if data1 != nil {
			result = data1
		} else {
			result = data2
		}
	case "zip":
		result, err = zip(data1, data2)
	default:
		err = fault.New(fault.CodeInvalidStepConfig, "unknown merge strategy %q", strategy)
	}
	if err != nil {
		return nil, err
	}
	return Outputs{"result": result}, nil
}

// deepMerge merges recursively, data2 winning on conflicts. Non-map
// pairs resolve to data2 unless it is nil.
func deepMerge(data1, data2 any) any {
	m1, ok1 := data1.(map[string]any)
	m2, ok2 := data2.(map[string]any)
	if !ok1 || !ok2 {
		if data2 != nil {
			return vars.Clone(data2)
		}
		return vars.Clone(data1)
	}
	out := make(map[string]any, len(m1)+len(m2))
	for k, v := range m1 {
		out[k] = vars.Clone(v)
	}
	for k, v := range m2 {
		if existing, ok := out[k]; ok {
			out[k] = deepMerge(existing, v)
			continue
		}
		out[k] = vars.Clone(v)
	}
	return out
}

func concat(data1, data2 any) (any, error) {
	if a1, ok := data1.([]any); ok {
		a2, ok := data2.([]any)
		if !ok {
			return nil, fault.Transform(nil, "concat: data1 is an array but data2 is %T", data2)
		}
		out := make([]any, 0, len(a1)+len(a2))
		out = append(out, a1...)
		return append(out, a2...), nil
	}
	if s1, ok := data1.(string); ok {
		s2, ok := data2.(string)
		if !ok {
			return nil, fault.Transform(nil, "concat: data1 is a string but data2 is %T", data2)
		}
		return s1 + s2, nil
	}
	return nil, fault.Transform(nil, "concat requires two arrays or two strings, got %T and %T", data1, data2)
}

// zip pairs arrays element-wise, stopping at the shorter input.
func zip(data1, data2 any) (any, error) {
	a1, ok1 := data1.([]any)
	a2, ok2 := data2.([]any)
	if !ok1 || !ok2 {
		return nil, fault.Transform(nil, "zip requires two arrays, got %T and %T", data1, data2)
	}
	n := len(a1)
	if len(a2) < n {
		n = len(a2)
	}
	out := make([]any, n)
	for i := 0; i < n; i++ {
		out[i] = []any{a1[i], a2[i]}
	}
	return out, nil
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/noldarim/flowmill/internal/engine/expr"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/vars"
)

type transformRunner struct{}

func (r *transformRunner) Run(ctx context.Context, req Request) (Outputs, error) {
	var cfg models.TransformConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	data, _ := req.port("data")

	var (
		result any
		err    error
	)
	switch cfg.Type {
	case "extract":
		result, err = extract(cfg.Mappings, data)
	case "filter":
		result, err = filter(cfg.Conditions, data)
	case "format":
		result, err = format(ctx, cfg.Template, data)
	case "aggregate":
		result = aggregate(data)
	case "custom":
		result, err = custom(cfg.Expression, data, req)
	default:
		err = fault.New(fault.CodeInvalidStepConfig, "unknown transform type %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return Outputs{"result": result}, nil
}

// extract applies the mappings to data, mapping element-wise over
// arrays.
func extract(mappings []models.TransformMapping, data any) (any, error) {
	if len(mappings) == 0 {
		return nil, fault.Transform(nil, "extract requires mappings")
	}
	if arr, ok := data.([]any); ok {
		out := make([]any, len(arr))
		for i, elem := range arr {
			extracted, err := extractOne(mappings, elem)
			if err != nil {
				return nil, err
			}
			out[i] = extracted
		}
		return out, nil
	}
	return extractOne(mappings, data)
}

func extractOne(mappings []models.TransformMapping, elem any) (map[string]any, error) {
	out := make(map[string]any, len(mappings))
	for _, m := range mappings {
		value, _ := vars.LookupIn(elem, m.Source)
		var err error
		switch m.Mode {
		case "", "direct":
		case "function":
			value, err = applyFunction(m.Function, value)
		case "expression":
			value, err = evalMapping(m.Expression, elem, value)
		default:
			err = fault.Transform(nil, "unknown mapping mode %q", m.Mode)
		}
		if err != nil {
			return nil, err
		}
		if err := vars.SetIn(out, targetPath(m), value); err != nil {
			return nil, fault.Transform(err, "failed to write mapping target %q", targetPath(m))
		}
	}
	return out, nil
}

// targetPath defaults to the last segment of the source path, so
// `{source: user.name}` lands at `name`.
func targetPath(m models.TransformMapping) string {
	if m.Target != "" {
		return m.Target
	}
	if i := strings.LastIndexByte(m.Source, '.'); i >= 0 {
		return m.Source[i+1:]
	}
	return m.Source
}

// evalMapping evaluates a mapping expression against the element, with
// `value` bound to the extracted source.
func evalMapping(src string, elem, value any) (any, error) {
	prog, err := expr.Parse(src)
	if err != nil {
		return nil, err
	}
	return prog.Eval(func(path string) (any, bool) {
		if path == "value" {
			return value, true
		}
		return vars.LookupIn(elem, path)
	})
}

// mappingFuncs is the function-mode table. The validator defers name
// checking to this map.
var mappingFuncs = map[string]func(any) (any, error){
	"upper":     func(v any) (any, error) { return strings.ToUpper(vars.Stringify(v)), nil },
	"lower":     func(v any) (any, error) { return strings.ToLower(vars.Stringify(v)), nil },
	"trim":      func(v any) (any, error) { return strings.TrimSpace(vars.Stringify(v)), nil },
	"to_string": func(v any) (any, error) { return vars.Stringify(v), nil },
	"length":    funcLength,
	"to_number": funcToNumber,
	"first":     funcFirst,
	"last":      funcLast,
	"sum":       funcSum,
	"unique":    funcUnique,
}

func applyFunction(name string, v any) (any, error) {
	fn, ok := mappingFuncs[name]
	if !ok {
		return nil, fault.Transform(nil, "unknown mapping function %q", name)
	}
	return fn(v)
}

func funcLength(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return float64(0), nil
	case string:
		return float64(len(t)), nil
	case []any:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	default:
		return nil, fault.Transform(nil, "length: unsupported type %T", v)
	}
}

func funcToNumber(v any) (any, error) {
	if n, ok := coerceFloat(v); ok {
		return n, nil
	}
	return nil, fault.Transform(nil, "to_number: %q is not numeric", vars.Stringify(v))
}

func funcFirst(v any) (any, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, nil
	}
	return arr[0], nil
}

func funcLast(v any) (any, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, nil
	}
	return arr[len(arr)-1], nil
}

func funcSum(v any) (any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fault.Transform(nil, "sum: input is not an array")
	}
	total := 0.0
	for _, elem := range arr {
		n, ok := asFloat(elem)
		if !ok {
			return nil, fault.Transform(nil, "sum: element %q is not numeric", vars.Stringify(elem))
		}
		total += n
	}
	return total, nil
}

func funcUnique(v any) (any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fault.Transform(nil, "unique: input is not an array")
	}
	return lo.UniqBy(arr, vars.Stringify), nil
}

// filter keeps the elements for which every condition clause matches.
func filter(conditions []models.FilterCondition, data any) (any, error) {
	arr, ok := data.([]any)
	if !ok {
		return nil, fault.Transform(nil, "filter requires an array, got %T", data)
	}
	if len(conditions) == 0 {
		return arr, nil
	}
	out := make([]any, 0, len(arr))
	for _, elem := range arr {
		keep := true
		for _, c := range conditions {
			match, err := matchCondition(elem, c)
			if err != nil {
				return nil, err
			}
			if !match {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, elem)
		}
	}
	return out, nil
}

func matchCondition(elem any, c models.FilterCondition) (bool, error) {
	value, _ := vars.LookupIn(elem, c.Field)
	switch c.Op {
	case "eq":
		return looseEqual(value, c.Value, c.Type), nil
	case "ne":
		return !looseEqual(value, c.Value, c.Type), nil
	case "gt", "lt", "gte", "lte":
		return compareOrdered(c.Op, value, c.Value)
	case "contains":
		if arr, ok := value.([]any); ok {
			return lo.ContainsBy(arr, func(e any) bool { return looseEqual(e, c.Value, c.Type) }), nil
		}
		return strings.Contains(vars.Stringify(value), vars.Stringify(c.Value)), nil
	case "startswith":
		return strings.HasPrefix(vars.Stringify(value), vars.Stringify(c.Value)), nil
	case "endswith":
		return strings.HasSuffix(vars.Stringify(value), vars.Stringify(c.Value)), nil
	case "regex":
		pattern, ok := c.Value.(string)
		if !ok {
			return false, fault.Transform(nil, "regex filter needs a string pattern")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fault.Transform(err, "invalid regex pattern %q", pattern)
		}
		return re.MatchString(vars.Stringify(value)), nil
	default:
		return false, fault.Transform(nil, "unknown filter operator %q", c.Op)
	}
}

// looseEqual compares after coercing per the clause's declared type
// (number, boolean or string); untyped clauses compare stringified.
func looseEqual(a, b any, typeHint string) bool {
	switch typeHint {
	case "number":
		na, aok := coerceFloat(a)
		nb, bok := coerceFloat(b)
		return aok && bok && na == nb
	case "boolean":
		ba, aok := asBool(a)
		bb, bok := asBool(b)
		return aok && bok && ba == bb
	default:
		if na, aok := asFloat(a); aok {
			if nb, bok := asFloat(b); bok {
				return na == nb
			}
		}
		return vars.Stringify(a) == vars.Stringify(b)
	}
}

func compareOrdered(op string, a, b any) (bool, error) {
	na, aok := asFloat(a)
	nb, bok := asFloat(b)
	if !aok || !bok {
		// Fall back to lexicographic comparison for strings.
		sa, sb := vars.Stringify(a), vars.Stringify(b)
		switch op {
		case "gt":
			return sa > sb, nil
		case "lt":
			return sa < sb, nil
		case "gte":
			return sa >= sb, nil
		case "lte":
			return sa <= sb, nil
		}
		return false, fault.Transform(nil, "unknown comparison %q", op)
	}
	switch op {
	case "gt":
		return na > nb, nil
	case "lt":
		return na < nb, nil
	case "gte":
		return na >= nb, nil
	case "lte":
		return na <= nb, nil
	}
	return false, fault.Transform(nil, "unknown comparison %q", op)
}

// format renders the template against the data input. Template paths
// resolve inside data (`{{name}}`, `{{data.name}}`, `{{data[0]}}`).
func format(ctx context.Context, template string, data any) (any, error) {
	if strings.TrimSpace(template) == "" {
		return nil, fault.Transform(nil, "format requires a template")
	}
	store := vars.NewStore()
	store.Seed(map[string]any{"data": data})
	if m, ok := data.(map[string]any); ok {
		store.Seed(m)
	}
	rendered, _, err := vars.NewResolver(store, nil).ResolveString(ctx, template)
	if err != nil {
		return nil, fault.Transform(err, "failed to render format template")
	}
	return rendered, nil
}

// aggregate summarizes data as {count, items}. Non-array data counts
// as a single item.
func aggregate(data any) any {
	items, ok := data.([]any)
	if !ok {
		if data == nil {
			items = []any{}
		} else {
			items = []any{data}
		}
	}
	return map[string]any{
		"count": float64(len(items)),
		"items": items,
	}
}

// custom evaluates the expression over {data, ...input ports}.
func custom(src string, data any, req Request) (any, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fault.Transform(nil, "custom transform requires an expression")
	}
	prog, err := expr.Parse(src)
	if err != nil {
		return nil, err
	}
	scope := make(map[string]any, len(req.Inputs)+1)
	for k, v := range req.Inputs {
		scope[k] = v
	}
	scope["data"] = data
	return prog.Eval(func(path string) (any, bool) {
		return vars.LookupIn(scope, path)
	})
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

// coerceFloat additionally parses numeric strings, for clauses that
// declare type: number over string-shaped data.
func coerceFloat(v any) (float64, bool) {
	if n, ok := asFloat(v); ok {
		return n, true
	}
	if s, ok := v.(string); ok {
		if n, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func asBool(v any) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(t))
		return b, err == nil
	default:
		return false, false
	}
}

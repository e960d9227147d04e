// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"testing"

	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/flowmill/internal/engine/fault"
)

func runTransform(t *testing.T, cfg map[string]any, inputs map[string]any) (any, error) {
	t.Helper()
	out, err := (&transformRunner{}).Run(context.Background(), Request{
		StepID: "shape",
		Config: cfg,
		Inputs: inputs,
	})
	if err != nil {
		return nil, err
	}
	return out["result"], nil
}

func TestTransformExtract(t *testing.T) {
	t.Run("direct mapping with explicit target", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{
			"type":     "extract",
			"mappings": []any{map[string]any{"source": "user.name", "target": "author"}},
		}, map[string]any{"data": map[string]any{"user": map[string]any{"name": "ada"}}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"author": "ada"}, result)
	})

	t.Run("target defaults to the source leaf", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{
			"type":     "extract",
			"mappings": []any{map[string]any{"source": "user.email"}},
		}, map[string]any{"data": map[string]any{"user": map[string]any{"email": "a@b.c"}}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"email": "a@b.c"}, result)
	})

	t.Run("arrays map element-wise", func(t *testing.T) {
		data := []any{
			map[string]any{"name": "ada", "age": float64(36)},
			map[string]any{"name": "alan", "age": float64(41)},
		}
		result, err := runTransform(t, map[string]any{
			"type":     "extract",
			"mappings": []any{map[string]any{"source": "name"}},
		}, map[string]any{"data": data})
		require.NoError(t, err)
		assert.Equal(t, []any{
			map[string]any{"name": "ada"},
			map[string]any{"name": "alan"},
		}, result)
	})

	t.Run("missing source yields null", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{
			"type":     "extract",
			"mappings": []any{map[string]any{"source": "nope", "target": "gone"}},
		}, map[string]any{"data": map[string]any{"name": "ada"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"gone": nil}, result)
	})

	t.Run("nested target path", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{
			"type":     "extract",
			"mappings": []any{map[string]any{"source": "name", "target": "user.name"}},
		}, map[string]any{"data": map[string]any{"name": "ada"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"user": map[string]any{"name": "ada"}}, result)
	})

	t.Run("missing mappings fail", func(t *testing.T) {
		_, err := runTransform(t, map[string]any{"type": "extract"},
			map[string]any{"data": map[string]any{}})
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})
}

func TestTransformExtractFunctions(t *testing.T) {
	apply := func(t *testing.T, fn string, value any) (any, error) {
		t.Helper()
		result, err := runTransform(t, map[string]any{
			"type": "extract",
			"mappings": []any{map[string]any{
				"source": "v", "target": "out", "mode": "function", "function": fn,
			}},
		}, map[string]any{"data": map[string]any{"v": value}})
		if err != nil {
			return nil, err
		}
		return result.(map[string]any)["out"], nil
	}

	cases := []struct {
		name     string
		fn       string
		value    any
		expected any
	}{
		{"upper", "upper", "ada", "ADA"},
		{"lower", "lower", "ADA", "ada"},
		{"trim", "trim", "  x  ", "x"},
		{"to_string number", "to_string", float64(7), "7"},
		{"to_number string", "to_number", "3.5", 3.5},
		{"length of string", "length", "abcd", float64(4)},
		{"length of array", "length", []any{1, 2, 3}, float64(3)},
		{"first", "first", []any{"a", "b"}, "a"},
		{"last", "last", []any{"a", "b"}, "b"},
		{"sum", "sum", []any{float64(1), float64(2), float64(3)}, float64(6)},
		{"unique", "unique", []any{"a", "b", "a"}, []any{"a", "b"}},
		{"first of empty is null", "first", []any{}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := apply(t, tc.fn, tc.value)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, got)
		})
	}

	t.Run("to_number rejects prose", func(t *testing.T) {
		_, err := apply(t, "to_number", "many")
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})

	t.Run("unknown function fails", func(t *testing.T) {
		_, err := apply(t, "reverse", "x")
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})
}

func TestTransformExtractExpression(t *testing.T) {
	result, err := runTransform(t, map[string]any{
		"type": "extract",
		"mappings": []any{map[string]any{
			"source": "price", "target": "total", "mode": "expression",
			"expression": "value * qty",
		}},
	}, map[string]any{"data": map[string]any{"price": float64(3), "qty": float64(4)}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"total": float64(12)}, result,
		"expression binds value to the source and sees sibling fields")

	_, err = runTransform(t, map[string]any{
		"type": "extract",
		"mappings": []any{map[string]any{
			"source": "price", "mode": "expression", "expression": "value +",
		}},
	}, map[string]any{"data": map[string]any{"price": float64(3)}})
	require.Error(t, err)
	assert.Equal(t, fault.CodeExpression, fault.CodeOf(err), "parse errors keep the expression code")
}

func TestTransformFilter(t *testing.T) {
	people := []any{
		map[string]any{"name": "ada", "age": float64(36), "active": true},
		map[string]any{"name": "alan", "age": float64(41), "active": false},
		map[string]any{"name": "grace", "age": float64(45), "active": true},
	}

	run := func(t *testing.T, conditions ...map[string]any) (any, error) {
		t.Helper()
		return runTransform(t, map[string]any{
			"type":       "filter",
			"conditions": lo.ToAnySlice(conditions),
		}, map[string]any{"data": people})
	}

	names := func(result any) []string {
		var out []string
		for _, e := range result.([]any) {
			out = append(out, e.(map[string]any)["name"].(string))
		}
		return out
	}

	t.Run("eq", func(t *testing.T) {
		result, err := run(t, map[string]any{"field": "name", "op": "eq", "value": "ada"})
		require.NoError(t, err)
		assert.Equal(t, []string{"ada"}, names(result))
	})

	t.Run("gt on numbers", func(t *testing.T) {
		result, err := run(t, map[string]any{"field": "age", "op": "gt", "value": float64(40)})
		require.NoError(t, err)
		assert.Equal(t, []string{"alan", "grace"}, names(result))
	})

	t.Run("clauses AND together", func(t *testing.T) {
		result, err := run(t,
			map[string]any{"field": "age", "op": "gte", "value": float64(40)},
			map[string]any{"field": "active", "op": "eq", "value": true},
		)
		require.NoError(t, err)
		assert.Equal(t, []string{"grace"}, names(result))
	})

	t.Run("number type hint coerces strings", func(t *testing.T) {
		result, err := run(t, map[string]any{
			"field": "age", "op": "eq", "value": "36", "type": "number",
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"ada"}, names(result))
	})

	t.Run("startswith", func(t *testing.T) {
		result, err := run(t, map[string]any{"field": "name", "op": "startswith", "value": "a"})
		require.NoError(t, err)
		assert.Equal(t, []string{"ada", "alan"}, names(result))
	})

	t.Run("regex", func(t *testing.T) {
		result, err := run(t, map[string]any{"field": "name", "op": "regex", "value": "^g.*e$"})
		require.NoError(t, err)
		assert.Equal(t, []string{"grace"}, names(result))
	})

	t.Run("invalid regex fails", func(t *testing.T) {
		_, err := run(t, map[string]any{"field": "name", "op": "regex", "value": "("})
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})

	t.Run("contains on arrays checks membership", func(t *testing.T) {
		rows := []any{
			map[string]any{"id": "a", "tags": []any{"alpha", "beta"}},
			map[string]any{"id": "b", "tags": []any{"gamma"}},
		}
		result, err := runTransform(t, map[string]any{
			"type":       "filter",
			"conditions": []any{map[string]any{"field": "tags", "op": "contains", "value": "beta"}},
		}, map[string]any{"data": rows})
		require.NoError(t, err)
		require.Len(t, result, 1)
		assert.Equal(t, "a", result.([]any)[0].(map[string]any)["id"])
	})

	t.Run("no conditions passes everything", func(t *testing.T) {
		result, err := run(t)
		require.NoError(t, err)
		assert.Len(t, result, 3)
	})

	t.Run("non-array data fails", func(t *testing.T) {
		_, err := runTransform(t, map[string]any{
			"type":       "filter",
			"conditions": []any{map[string]any{"field": "x", "op": "eq", "value": "y"}},
		}, map[string]any{"data": map[string]any{"x": "y"}})
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})
}

func TestTransformFormat(t *testing.T) {
	t.Run("map keys resolve at top level and under data", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{
			"type":     "format",
			"template": "Hi {{name}}, you have {{data.count}} items",
		}, map[string]any{"data": map[string]any{"name": "ada", "count": float64(3)}})
		require.NoError(t, err)
		assert.Equal(t, "Hi ada, you have 3 items", result)
	})

	t.Run("array data addresses by index", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{
			"type":     "format",
			"template": "first: {{data[0]}}",
		}, map[string]any{"data": []any{"x", "y"}})
		require.NoError(t, err)
		assert.Equal(t, "first: x", result)
	})

	t.Run("missing paths render empty", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{
			"type":     "format",
			"template": "[{{nope}}]",
		}, map[string]any{"data": map[string]any{}})
		require.NoError(t, err)
		assert.Equal(t, "[]", result)
	})

	t.Run("empty template fails", func(t *testing.T) {
		_, err := runTransform(t, map[string]any{"type": "format"},
			map[string]any{"data": map[string]any{}})
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})
}

func TestTransformAggregate(t *testing.T) {
	t.Run("array", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{"type": "aggregate"},
			map[string]any{"data": []any{"a", "b"}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": float64(2), "items": []any{"a", "b"}}, result)
	})

	t.Run("scalar wraps as one item", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{"type": "aggregate"},
			map[string]any{"data": "solo"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": float64(1), "items": []any{"solo"}}, result)
	})

	t.Run("null counts zero", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{"type": "aggregate"}, nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"count": float64(0), "items": []any{}}, result)
	})
}

func TestTransformCustom(t *testing.T) {
	t.Run("expression sees data and sibling ports", func(t *testing.T) {
		result, err := runTransform(t, map[string]any{
			"type":       "custom",
			"expression": "data.total * rate",
		}, map[string]any{
			"data": map[string]any{"total": float64(100)},
			"rate": float64(0.2),
		})
		require.NoError(t, err)
		assert.Equal(t, float64(20), result)
	})

	t.Run("missing expression fails", func(t *testing.T) {
		_, err := runTransform(t, map[string]any{"type": "custom"}, nil)
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})
}

func TestTransformUnknownType(t *testing.T) {
	_, err := runTransform(t, map[string]any{"type": "teleport"}, nil)
	require.Error(t, err)
	assert.Equal(t, fault.CodeInvalidStepConfig, fault.CodeOf(err))
}

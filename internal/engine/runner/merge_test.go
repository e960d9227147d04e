// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/flowmill/internal/engine/fault"
)

func runMerge(t *testing.T, cfg map[string]any, data1, data2 any) (any, error) {
	t.Helper()
	out, err := (&mergeRunner{}).Run(context.Background(), Request{
		StepID: "join",
		Config: cfg,
		Inputs: map[string]any{"data1": data1, "data2": data2},
	})
	if err != nil {
		return nil, err
	}
	return out["result"], nil
}

func TestMergeObjectMerge(t *testing.T) {
	t.Run("is the default strategy", func(t *testing.T) {
		result, err := runMerge(t, map[string]any{},
			map[string]any{"a": float64(1), "b": float64(2)},
			map[string]any{"b": float64(3), "c": float64(4)})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": float64(1), "b": float64(3), "c": float64(4)}, result,
			"data2 wins on conflicts")
	})

	t.Run("merges nested maps recursively", func(t *testing.T) {
		result, err := runMerge(t, map[string]any{"strategy": "object_merge"},
			map[string]any{"user": map[string]any{"name": "ada", "age": float64(36)}},
			map[string]any{"user": map[string]any{"age": float64(37)}})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{
			"user": map[string]any{"name": "ada", "age": float64(37)},
		}, result)
	})

	t.Run("non-map inputs resolve to data2", func(t *testing.T) {
		result, err := runMerge(t, map[string]any{"strategy": "object_merge"}, "left", "right")
		require.NoError(t, err)
		assert.Equal(t, "right", result)
	})

	t.Run("nil data2 keeps data1", func(t *testing.T) {
		result, err := runMerge(t, map[string]any{"strategy": "object_merge"}, "left", nil)
		require.NoError(t, err)
		assert.Equal(t, "left", result)
	})

	t.Run("result does not alias its inputs", func(t *testing.T) {
		d1 := map[string]any{"list": []any{"x"}}
		result, err := runMerge(t, map[string]any{"strategy": "object_merge"}, d1, map[string]any{})
		require.NoError(t, err)
		result.(map[string]any)["list"].([]any)[0] = "mutated"
		assert.Equal(t, "x", d1["list"].([]any)[0])
	})
}

func TestMergeConcat(t *testing.T) {
	t.Run("arrays append", func(t *testing.T) {
		result, err := runMerge(t, map[string]any{"strategy": "concat"},
			[]any{float64(1)}, []any{float64(2), float64(3)})
		require.NoError(t, err)
		assert.Equal(t, []any{float64(1), float64(2), float64(3)}, result)
	})

	t.Run("strings join", func(t *testing.T) {
		result, err := runMerge(t, map[string]any{"strategy": "concat"}, "fore", "ground")
		require.NoError(t, err)
		assert.Equal(t, "foreground", result)
	})

	t.Run("mixed shapes fail", func(t *testing.T) {
		_, err := runMerge(t, map[string]any{"strategy": "concat"}, []any{"x"}, "y")
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))

		_, err = runMerge(t, map[string]any{"strategy": "concat"}, float64(1), float64(2))
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})
}

func TestMergeFirstNonNull(t *testing.T) {
	result, err := runMerge(t, map[string]any{"strategy": "first_non_null"}, nil, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)

	result, err = runMerge(t, map[string]any{"strategy": "first_non_null"}, "primary", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "primary", result)

	result, err = runMerge(t, map[string]any{"strategy": "first_non_null"}, nil, nil)
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestMergeZip(t *testing.T) {
	t.Run("pairs to the shorter input", func(t *testing.T) {
		result, err := runMerge(t, map[string]any{"strategy": "zip"},
			[]any{"a", "b", "c"}, []any{float64(1), float64(2)})
		require.NoError(t, err)
		assert.Equal(t, []any{
			[]any{"a", float64(1)},
			[]any{"b", float64(2)},
		}, result)
	})

	t.Run("non-arrays fail", func(t *testing.T) {
		_, err := runMerge(t, map[string]any{"strategy": "zip"}, []any{"a"}, "b")
		require.Error(t, err)
		assert.Equal(t, fault.CodeTransform, fault.CodeOf(err))
	})
}

func TestMergeStrategySelection(t *testing.T) {
	t.Run("strategy port overrides config", func(t *testing.T) {
		out, err := (&mergeRunner{}).Run(context.Background(), Request{
			Config: map[string]any{"strategy": "object_merge"},
			Inputs: map[string]any{
				"strategy": "concat",
				"data1":    "a",
				"data2":    "b",
			},
		})
		require.NoError(t, err)
		assert.Equal(t, "ab", out["result"])
	})

	t.Run("unknown strategy is a config error", func(t *testing.T) {
		_, err := runMerge(t, map[string]any{"strategy": "interleave"}, "a", "b")
		require.Error(t, err)
		assert.Equal(t, fault.CodeInvalidStepConfig, fault.CodeOf(err))
	})
}

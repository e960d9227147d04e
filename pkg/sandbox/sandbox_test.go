// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package sandbox

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateLanguage(t *testing.T) {
	assert.NoError(t, ValidateLanguage(LanguagePython))
	assert.NoError(t, ValidateLanguage(LanguageJavaScript))

	err := ValidateLanguage("ruby")
	require.Error(t, err)
	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, FailurePolicy, execErr.Kind)
	assert.Contains(t, execErr.Message, "ruby")
}

func TestCheckPackages(t *testing.T) {
	allowed := []string{"requests", "numpy"}

	assert.NoError(t, CheckPackages(nil, allowed))
	assert.NoError(t, CheckPackages([]string{"numpy"}, allowed))
	assert.NoError(t, CheckPackages(nil, nil), "stdlib-only is always fine")

	err := CheckPackages([]string{"numpy", "torch", "scapy"}, allowed)
	require.Error(t, err)
	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, FailurePolicy, execErr.Kind)
	assert.Contains(t, err.Error(), "torch")
	assert.Contains(t, err.Error(), "scapy")
	assert.NotContains(t, err.Error(), "numpy")
}

func TestHarnessFor(t *testing.T) {
	t.Run("python defaults", func(t *testing.T) {
		h, err := HarnessFor(LanguagePython, "")
		require.NoError(t, err)
		assert.Equal(t, "/workspace/input.json", h.InputPath)
		assert.Equal(t, "/workspace/step_code.py", h.CodePath)
		assert.Equal(t, []string{"python", "/workspace/harness.py"}, h.Command)
		assert.Contains(t, h.Source, ResultSentinel)
		assert.Contains(t, h.Source, "/workspace/input.json")
		assert.NotContains(t, h.Source, workspaceToken)
	})

	t.Run("javascript custom workspace", func(t *testing.T) {
		h, err := HarnessFor(LanguageJavaScript, "/scratch/")
		require.NoError(t, err)
		assert.Equal(t, "/scratch/step_code.js", h.CodePath)
		assert.Equal(t, []string{"node", "/scratch/harness.js"}, h.Command)
		assert.Contains(t, h.Source, "/scratch/input.json")
		assert.NotContains(t, h.Source, workspaceToken)
	})

	t.Run("unknown language", func(t *testing.T) {
		_, err := HarnessFor("cobol", "")
		require.Error(t, err)
	})
}

func TestParseOutput(t *testing.T) {
	t.Run("logs then verdict", func(t *testing.T) {
		stdout := strings.Join([]string{
			"fetching page 1",
			"fetching page 2",
			ResultSentinel + `{"result": {"pages": 2}}`,
			"",
		}, "\n")

		result, logs, errs, ok := ParseOutput(stdout, "")
		require.True(t, ok)
		assert.Equal(t, map[string]any{"pages": float64(2)}, result)
		assert.Equal(t, []string{"fetching page 1", "fetching page 2"}, logs)
		assert.Empty(t, errs)
	})

	t.Run("error verdict with traceback on stderr", func(t *testing.T) {
		stdout := ResultSentinel + `{"error": "KeyError: 'missing'"}` + "\n"
		stderr := "Traceback (most recent call last):\n  File \"step_code.py\", line 2\nKeyError: 'missing'\n"

		result, logs, errs, ok := ParseOutput(stdout, stderr)
		require.True(t, ok)
		assert.Nil(t, result)
		assert.Empty(t, logs)
		require.NotEmpty(t, errs)
		assert.Equal(t, "KeyError: 'missing'", errs[0])
		assert.Contains(t, errs, "Traceback (most recent call last):")
	})

	t.Run("no sentinel", func(t *testing.T) {
		result, logs, _, ok := ParseOutput("just some prints\n", "")
		assert.False(t, ok)
		assert.Nil(t, result)
		assert.Equal(t, []string{"just some prints"}, logs)
	})

	t.Run("garbled sentinel payload", func(t *testing.T) {
		_, _, errs, ok := ParseOutput(ResultSentinel+"{not json", "")
		assert.False(t, ok)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0], "unparseable result line")
	})

	t.Run("windows line endings", func(t *testing.T) {
		stdout := "log line\r\n" + ResultSentinel + `{"result": 7}` + "\r\n"
		result, logs, _, ok := ParseOutput(stdout, "")
		require.True(t, ok)
		assert.Equal(t, float64(7), result)
		assert.Equal(t, []string{"log line"}, logs)
	})
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/flowmill/pkg/sandbox"
)

func testOptions() Options {
	return Options{
		NetworkMode:      "none",
		WorkspaceDir:     "/workspace",
		PythonImage:      "python:3.12-slim",
		NodeImage:        "node:22-slim",
		AllowedPackages:  []string{"requests", "numpy"},
		CPUShares:        1024,
		MemoryMB:         512,
		PidsLimit:        128,
		DefaultTimeoutMS: 30000,
		MaxTimeoutMS:     300000,
		StopTimeout:      time.Second,
	}
}

func pythonRequest() sandbox.ExecRequest {
	return sandbox.ExecRequest{
		Language: sandbox.LanguagePython,
		Code:     "result = input_data[\"n\"] * 2",
		Env:      map[string]any{"input_data": map[string]any{"n": 21}},
		RunID:    "run-1",
		StepID:   "double",
	}
}

func execErrorOf(t *testing.T, err error) *sandbox.ExecError {
	t.Helper()
	var execErr *sandbox.ExecError
	require.True(t, errors.As(err, &execErr), "expected a classified sandbox error, got %v", err)
	return execErr
}

func TestExecuteSuccess(t *testing.T) {
	client := new(MockClient)
	runner := NewRunnerWithClient(client, testOptions())
	req := pythonRequest()

	client.On("CreateContainer", mock.Anything, mock.MatchedBy(func(spec ContainerSpec) bool {
		return spec.Image == "python:3.12-slim" &&
			spec.NetworkMode == "none" &&
			spec.MemoryMB == 512 &&
			spec.PidsLimit == 128 &&
			spec.Labels["flowmill.run_id"] == "run-1" &&
			spec.Labels["flowmill.step_id"] == "double"
	})).Return("ctr-1", nil)
	client.On("StartContainer", mock.Anything, "ctr-1").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", mock.Anything, "/workspace/input.json").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", req.Code, "/workspace/step_code.py").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", mock.Anything, "/workspace/harness.py").Return(nil)
	client.On("Exec", mock.Anything, "ctr-1", []string{"python", "/workspace/harness.py"}, "/workspace").
		Return(&ExecOutput{
			ExitCode: 0,
			Stdout:   "doubling now\n" + sandbox.ResultSentinel + `{"result": 42}` + "\n",
		}, nil)
	client.On("RemoveContainer", mock.Anything, "ctr-1", true).Return(nil)

	res, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, float64(42), res.Result)
	assert.Equal(t, []string{"doubling now"}, res.Logs)
	assert.Empty(t, res.Errors)
	assert.Equal(t, 0, res.ExitCode)
	client.AssertExpectations(t)
}

func TestExecuteInjectsEnvAndHarness(t *testing.T) {
	client := new(MockClient)
	runner := NewRunnerWithClient(client, testOptions())
	req := pythonRequest()

	var inputJSON, harnessSrc string
	client.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil)
	client.On("StartContainer", mock.Anything, "ctr-1").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", mock.Anything, "/workspace/input.json").
		Run(func(args mock.Arguments) { inputJSON = args.String(2) }).Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", req.Code, "/workspace/step_code.py").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", mock.Anything, "/workspace/harness.py").
		Run(func(args mock.Arguments) { harnessSrc = args.String(2) }).Return(nil)
	client.On("Exec", mock.Anything, "ctr-1", mock.Anything, "/workspace").
		Return(&ExecOutput{ExitCode: 0, Stdout: sandbox.ResultSentinel + `{"result": null}`}, nil)
	client.On("RemoveContainer", mock.Anything, "ctr-1", true).Return(nil)

	_, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)

	assert.JSONEq(t, `{"input_data": {"n": 21}}`, inputJSON, "env must land in input.json verbatim")
	assert.Contains(t, harnessSrc, sandbox.ResultSentinel)
	assert.Contains(t, harnessSrc, "/workspace/step_code.py")
}

func TestExecuteTimeout(t *testing.T) {
	client := new(MockClient)
	runner := NewRunnerWithClient(client, testOptions())
	req := pythonRequest()
	req.Limits.TimeoutMS = 50

	client.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil)
	client.On("StartContainer", mock.Anything, "ctr-1").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", mock.Anything, mock.Anything).Return(nil)
	client.On("Exec", mock.Anything, "ctr-1", mock.Anything, "/workspace").
		Return(nil, context.DeadlineExceeded)
	client.On("KillContainer", mock.Anything, "ctr-1").Return(nil)
	client.On("RemoveContainer", mock.Anything, "ctr-1", true).Return(nil)

	res, err := runner.Execute(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, sandbox.FailureTimeout, execErrorOf(t, err).Kind)
	require.NotNil(t, res, "partial result carries the duration")
	assert.Equal(t, -1, res.ExitCode)
	client.AssertCalled(t, "KillContainer", mock.Anything, "ctr-1")
}

func TestExecuteParentCancellation(t *testing.T) {
	client := new(MockClient)
	runner := NewRunnerWithClient(client, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	client.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil)
	client.On("StartContainer", mock.Anything, "ctr-1").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", mock.Anything, mock.Anything).Return(nil)
	client.On("Exec", mock.Anything, "ctr-1", mock.Anything, "/workspace").
		Run(func(mock.Arguments) { cancel() }).
		Return(nil, context.Canceled)
	client.On("KillContainer", mock.Anything, "ctr-1").Return(nil)
	client.On("RemoveContainer", mock.Anything, "ctr-1", true).Return(nil)

	res, err := runner.Execute(ctx, pythonRequest())
	require.ErrorIs(t, err, context.Canceled, "run cancellation passes through unclassified")
	assert.Nil(t, res)
}

func TestExecuteOOM(t *testing.T) {
	client := new(MockClient)
	runner := NewRunnerWithClient(client, testOptions())

	client.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil)
	client.On("StartContainer", mock.Anything, "ctr-1").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", mock.Anything, mock.Anything).Return(nil)
	client.On("Exec", mock.Anything, "ctr-1", mock.Anything, "/workspace").
		Return(&ExecOutput{ExitCode: 137}, nil)
	client.On("RemoveContainer", mock.Anything, "ctr-1", true).Return(nil)

	res, err := runner.Execute(context.Background(), pythonRequest())
	require.Error(t, err)
	execErr := execErrorOf(t, err)
	assert.Equal(t, sandbox.FailureOOM, execErr.Kind)
	assert.Contains(t, execErr.Message, "512MB")
	require.NotNil(t, res)
	assert.Equal(t, 137, res.ExitCode)
}

func TestExecuteException(t *testing.T) {
	client := new(MockClient)
	runner := NewRunnerWithClient(client, testOptions())

	stderr := "Traceback (most recent call last):\n  File \"step_code.py\", line 1\nKeyError: 'n'\n"
	stdout := "before the crash\n" + sandbox.ResultSentinel + `{"error": "KeyError: 'n'"}` + "\n"
	client.On("CreateContainer", mock.Anything, mock.Anything).Return("ctr-1", nil)
	client.On("StartContainer", mock.Anything, "ctr-1").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-1", mock.Anything, mock.Anything).Return(nil)
	client.On("Exec", mock.Anything, "ctr-1", mock.Anything, "/workspace").
		Return(&ExecOutput{ExitCode: 1, Stdout: stdout, Stderr: stderr}, nil)
	client.On("RemoveContainer", mock.Anything, "ctr-1", true).Return(nil)

	res, err := runner.Execute(context.Background(), pythonRequest())
	require.Error(t, err)
	execErr := execErrorOf(t, err)
	assert.Equal(t, sandbox.FailureException, execErr.Kind)
	assert.Contains(t, execErr.Message, "KeyError")
	require.NotNil(t, res, "logs survive a crashed execution")
	assert.Equal(t, []string{"before the crash"}, res.Logs)
	assert.Contains(t, res.Errors, "KeyError: 'n'")
}

func TestExecutePolicyShortCircuits(t *testing.T) {
	client := new(MockClient)
	runner := NewRunnerWithClient(client, testOptions())

	t.Run("unsupported language", func(t *testing.T) {
		req := pythonRequest()
		req.Language = "ruby"
		_, err := runner.Execute(context.Background(), req)
		require.Error(t, err)
		assert.Equal(t, sandbox.FailurePolicy, execErrorOf(t, err).Kind)
	})

	t.Run("package off the allow-list", func(t *testing.T) {
		req := pythonRequest()
		req.Limits.AllowedPackages = []string{"requests", "torch"}
		_, err := runner.Execute(context.Background(), req)
		require.Error(t, err)
		execErr := execErrorOf(t, err)
		assert.Equal(t, sandbox.FailurePolicy, execErr.Kind)
		assert.Contains(t, execErr.Message, "torch")
	})

	client.AssertNotCalled(t, "CreateContainer", mock.Anything, mock.Anything)
}

func TestExecuteJavaScriptImage(t *testing.T) {
	client := new(MockClient)
	runner := NewRunnerWithClient(client, testOptions())
	req := sandbox.ExecRequest{
		Language: sandbox.LanguageJavaScript,
		Code:     "result = 1",
		RunID:    "run-1",
		StepID:   "js",
	}

	client.On("CreateContainer", mock.Anything, mock.MatchedBy(func(spec ContainerSpec) bool {
		return spec.Image == "node:22-slim"
	})).Return("ctr-js", nil)
	client.On("StartContainer", mock.Anything, "ctr-js").Return(nil)
	client.On("WriteFile", mock.Anything, "ctr-js", mock.Anything, mock.Anything).Return(nil)
	client.On("Exec", mock.Anything, "ctr-js", []string{"node", "/workspace/harness.js"}, "/workspace").
		Return(&ExecOutput{ExitCode: 0, Stdout: sandbox.ResultSentinel + `{"result": 1}`}, nil)
	client.On("RemoveContainer", mock.Anything, "ctr-js", true).Return(nil)

	_, err := runner.Execute(context.Background(), req)
	require.NoError(t, err)
	client.AssertExpectations(t)
}

func TestEffectiveLimits(t *testing.T) {
	runner := NewRunnerWithClient(new(MockClient), testOptions())

	t.Run("timeout defaults and caps", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, runner.effectiveTimeout(0))
		assert.Equal(t, 5*time.Second, runner.effectiveTimeout(5000))
		assert.Equal(t, 300*time.Second, runner.effectiveTimeout(900000), "requests above the cap clamp")
	})

	t.Run("memory tightens but never exceeds", func(t *testing.T) {
		assert.Equal(t, int64(512), runner.effectiveMemoryMB(0))
		assert.Equal(t, int64(128), runner.effectiveMemoryMB(128))
		assert.Equal(t, int64(512), runner.effectiveMemoryMB(4096))
	})
}

func TestOptionsDefaults(t *testing.T) {
	opts := Options{}.withDefaults()
	assert.Equal(t, defaultPythonImage, opts.PythonImage)
	assert.Equal(t, defaultNodeImage, opts.NodeImage)
	assert.Equal(t, "none", opts.NetworkMode, "sandboxes default to no network")
	assert.Equal(t, int64(defaultMemoryMB), opts.MemoryMB)
	assert.Equal(t, defaultStopTimeout, opts.StopTimeout)
	assert.Empty(t, opts.AllowedPackages, "no packages are allowed unless configured")
}

func TestContainerNameSanitized(t *testing.T) {
	name := containerName(sandbox.ExecRequest{StepID: "fetch data/v2"})
	assert.Regexp(t, `^flowmill-sbx-fetch-data-v2-[0-9a-f]{8}$`, name)
}

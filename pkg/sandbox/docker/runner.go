// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/noldarim/flowmill/pkg/sandbox"
)

// Options configures the runner. Zero values fall back to the defaults
// below; AllowedPackages empty means stdlib only.
type Options struct {
	DockerHost      string
	PythonImage     string
	NodeImage       string
	WorkspaceDir    string
	NetworkMode     string
	Environment     map[string]string
	AllowedPackages []string

	CPUShares        int64
	MemoryMB         int64
	PidsLimit        int64
	DefaultTimeoutMS int
	MaxTimeoutMS     int

	StopTimeout time.Duration
}

const (
	defaultPythonImage = "python:3.12-slim"
	defaultNodeImage   = "node:22-slim"
	defaultNetworkMode = "none"
	defaultMemoryMB    = 512
	defaultTimeoutMS   = 30000
	defaultStopTimeout = 10 * time.Second
)

func (o Options) withDefaults() Options {
	if o.PythonImage == "" {
		o.PythonImage = defaultPythonImage
	}
	if o.NodeImage == "" {
		o.NodeImage = defaultNodeImage
	}
	if o.NetworkMode == "" {
		o.NetworkMode = defaultNetworkMode
	}
	if o.MemoryMB <= 0 {
		o.MemoryMB = defaultMemoryMB
	}
	if o.DefaultTimeoutMS <= 0 {
		o.DefaultTimeoutMS = defaultTimeoutMS
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = defaultStopTimeout
	}
	return o
}

// Runner executes step code in throwaway containers: create, inject
// workspace files, exec the harness, classify, remove. Containers are
// never reused across executions.
type Runner struct {
	client ClientInterface
	opts   Options
}

var _ sandbox.Sandbox = (*Runner)(nil)

// NewRunner connects to the Docker daemon named by the options.
func NewRunner(opts Options) (*Runner, error) {
	client, err := NewClientWithHost(opts.DockerHost)
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox docker client: %w", err)
	}
	return &Runner{client: client, opts: opts.withDefaults()}, nil
}

// NewRunnerWithClient wires a provided client, real or mock.
func NewRunnerWithClient(client ClientInterface, opts Options) *Runner {
	return &Runner{client: client, opts: opts.withDefaults()}
}

// Execute runs one ExecRequest to completion. The returned ExecResult
// is non-nil whenever the harness ran, even on failure, so callers can
// surface partial logs.
func (r *Runner) Execute(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	if err := sandbox.ValidateLanguage(req.Language); err != nil {
		return nil, err
	}
	if err := sandbox.CheckPackages(req.Limits.AllowedPackages, r.opts.AllowedPackages); err != nil {
		return nil, err
	}
	harness, err := sandbox.HarnessFor(req.Language, r.opts.WorkspaceDir)
	if err != nil {
		return nil, err
	}

	envJSON, err := json.Marshal(req.Env)
	if err != nil {
		return nil, &sandbox.ExecError{
			Kind:    sandbox.FailurePolicy,
			Message: "execution env does not serialize to JSON",
			Err:     err,
		}
	}

	containerID, err := r.client.CreateContainer(ctx, ContainerSpec{
		Name:       containerName(req),
		Image:      r.imageFor(req.Language),
		Env:        r.opts.Environment,
		WorkingDir: harness.Dir,
		// The container idles; the harness runs via exec so its exit
		// code and streams are observable per attempt.
		Command:     []string{"sleep", "infinity"},
		Labels:      executionLabels(req),
		MemoryMB:    r.effectiveMemoryMB(req.Limits.MemoryMB),
		CPUShares:   r.opts.CPUShares,
		PidsLimit:   r.opts.PidsLimit,
		NetworkMode: r.opts.NetworkMode,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create sandbox container: %w", err)
	}
	defer r.cleanup(containerID)

	if err := r.client.StartContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("failed to start sandbox container: %w", err)
	}

	files := []struct {
		path    string
		content string
	}{
		{harness.InputPath, string(envJSON)},
		{harness.CodePath, req.Code},
		{harness.HarnessPath, harness.Source},
	}
	for _, f := range files {
		if err := r.client.WriteFile(ctx, containerID, f.content, f.path); err != nil {
			return nil, fmt.Errorf("failed to write %s into sandbox: %w", f.path, err)
		}
	}

	timeout := r.effectiveTimeout(req.Limits.TimeoutMS)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	out, err := r.client.Exec(execCtx, containerID, harness.Command, harness.Dir)
	elapsed := time.Since(started).Milliseconds()

	if err != nil {
		r.killDetached(containerID)
		switch {
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
			return &sandbox.ExecResult{ExitCode: -1, DurationMS: elapsed}, &sandbox.ExecError{
				Kind:    sandbox.FailureTimeout,
				Message: fmt.Sprintf("execution exceeded %s", timeout),
				Err:     err,
			}
		case ctx.Err() != nil:
			// The run itself was cancelled; let the caller classify.
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("sandbox exec failed: %w", err)
		}
	}

	result, logs, errLines, _ := sandbox.ParseOutput(out.Stdout, out.Stderr)
	execResult := &sandbox.ExecResult{
		Result:     result,
		Logs:       logs,
		Errors:     errLines,
		ExitCode:   out.ExitCode,
		DurationMS: elapsed,
	}

	switch {
	case out.ExitCode == 0:
		return execResult, nil
	case out.ExitCode == 137:
		return execResult, &sandbox.ExecError{
			Kind:    sandbox.FailureOOM,
			Message: fmt.Sprintf("execution killed at the %dMB memory limit", r.effectiveMemoryMB(req.Limits.MemoryMB)),
		}
	default:
		return execResult, &sandbox.ExecError{
			Kind:    sandbox.FailureException,
			Message: fmt.Sprintf("execution failed with exit code %d: %s", out.ExitCode, lastErrorLine(errLines)),
		}
	}
}

// Close releases the underlying Docker client.
func (r *Runner) Close() error {
	return r.client.Close()
}

// cleanup force-removes the container on a detached context so that a
// cancelled run still reclaims its sandbox.
func (r *Runner) cleanup(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
	defer cancel()
	_ = r.client.RemoveContainer(ctx, containerID, true)
}

func (r *Runner) killDetached(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.opts.StopTimeout)
	defer cancel()
	_ = r.client.KillContainer(ctx, containerID)
}

func (r *Runner) imageFor(language string) string {
	if language == sandbox.LanguageJavaScript {
		return r.opts.NodeImage
	}
	return r.opts.PythonImage
}

// effectiveTimeout applies the configured default and hard cap.
func (r *Runner) effectiveTimeout(requestedMS int) time.Duration {
	ms := requestedMS
	if ms <= 0 {
		ms = r.opts.DefaultTimeoutMS
	}
	if ceiling := r.opts.MaxTimeoutMS; ceiling > 0 && ms > ceiling {
		ms = ceiling
	}
	return time.Duration(ms) * time.Millisecond
}

// effectiveMemoryMB lets steps tighten the configured limit, never
// exceed it.
func (r *Runner) effectiveMemoryMB(requestedMB int64) int64 {
	limit := r.opts.MemoryMB
	if requestedMB > 0 && requestedMB < limit {
		return requestedMB
	}
	return limit
}

var nameSafeRe = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

func containerName(req sandbox.ExecRequest) string {
	base := "flowmill-sbx"
	if req.StepID != "" {
		base += "-" + nameSafeRe.ReplaceAllString(req.StepID, "-")
	}
	return fmt.Sprintf("%s-%s", base, uuid.NewString()[:8])
}

func executionLabels(req sandbox.ExecRequest) map[string]string {
	labels := map[string]string{"flowmill.sandbox": "true"}
	if req.RunID != "" {
		labels["flowmill.run_id"] = req.RunID
	}
	if req.StepID != "" {
		labels["flowmill.step_id"] = req.StepID
	}
	return labels
}

// lastErrorLine picks the most specific line of a traceback, which is
// the final one for both Python and Node.
func lastErrorLine(lines []string) string {
	if len(lines) == 0 {
		return "no error output"
	}
	return lines[len(lines)-1]
}

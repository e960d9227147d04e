// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sandbox defines the contract for running untrusted step code
// outside the engine process, together with the language policy and the
// wire convention (input file + result sentinel) every implementation
// follows. The engine never executes user code in-process.
package sandbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

// Languages the engine can execute.
const (
	LanguagePython     = "python"
	LanguageJavaScript = "javascript"
)

var supportedLanguages = []string{LanguagePython, LanguageJavaScript}

// FailureKind classifies why an execution failed.
type FailureKind string

const (
	// FailureTimeout: the code outlived its deadline and was killed.
	FailureTimeout FailureKind = "timeout"
	// FailureOOM: the container hit its memory limit.
	FailureOOM FailureKind = "oom"
	// FailureException: the code raised or exited nonzero.
	FailureException FailureKind = "exception"
	// FailurePolicy: the request was rejected before anything ran.
	FailurePolicy FailureKind = "policy"
)

// ExecError is a classified execution failure. Infrastructure problems
// (daemon unreachable, image missing) are ordinary errors, not
// ExecErrors.
type ExecError struct {
	Kind    FailureKind
	Message string
	Err     error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("sandbox %s: %s", e.Kind, e.Message)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

func execErrorf(kind FailureKind, err error, format string, args ...any) *ExecError {
	return &ExecError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Limits bounds one execution. AllowedPackages lists the non-stdlib
// imports this execution may use; implementations and harnesses treat
// everything else as unavailable.
type Limits struct {
	TimeoutMS       int      `json:"timeout_ms"`
	MemoryMB        int64    `json:"memory_mb"`
	AllowedPackages []string `json:"allowed_packages,omitempty"`
}

// ExecRequest is one code execution. Env is marshalled to the input
// file the harness exposes to user code. RunID and StepID exist for
// labelling and logs only.
type ExecRequest struct {
	Language string
	Code     string
	Env      map[string]any
	Limits   Limits
	RunID    string
	StepID   string
}

// ExecResult is the captured outcome. Logs are plain stdout lines in
// order; Errors carries stderr lines plus the harness error verdict, if
// any. A result may accompany an error (partial output before a crash).
type ExecResult struct {
	Result     any      `json:"result"`
	Logs       []string `json:"logs"`
	Errors     []string `json:"errors"`
	ExitCode   int      `json:"exit_code"`
	DurationMS int64    `json:"duration_ms"`
}

// Sandbox executes untrusted code under resource limits. Execution
// failures come back as *ExecError classified by kind; a non-nil
// ExecResult may accompany an error so callers can surface partial
// logs.
type Sandbox interface {
	Execute(ctx context.Context, req ExecRequest) (*ExecResult, error)
}

// ValidateLanguage rejects anything outside the supported set.
func ValidateLanguage(language string) error {
	if lo.Contains(supportedLanguages, language) {
		return nil
	}
	return execErrorf(FailurePolicy, nil,
		"unsupported language %q (supported: %s)", language, strings.Join(supportedLanguages, ", "))
}

// CheckPackages verifies every requested package is on the allow-list.
// An empty allow-list permits nothing beyond the standard library.
func CheckPackages(requested, allowed []string) error {
	denied := lo.Filter(requested, func(pkg string, _ int) bool {
		return !lo.Contains(allowed, pkg)
	})
	if len(denied) == 0 {
		return nil
	}
	return execErrorf(FailurePolicy, nil,
		"packages not on the allow-list: %s", strings.Join(denied, ", "))
}

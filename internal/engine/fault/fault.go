// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package fault defines the error taxonomy shared by the validator, the
// step runners, the executor and the run store. Every failure that can
// reach a StepRun record or a RunFinished event is a *Error carrying a
// stable string code and a retryable flag; the executor's retry policy
// consults nothing else.
package fault

import (
	"context"
	"errors"
	"fmt"
)

// Code is a stable machine-readable error code persisted with step runs
// and carried on failure events.
type Code string

const (
	CodeMalformedGraph       Code = "MALFORMED_GRAPH"
	CodeCycleDetected        Code = "CYCLE_DETECTED"
	CodeUnboundRequiredInput Code = "UNBOUND_REQUIRED_INPUT"
	CodeTypeMismatch         Code = "TYPE_MISMATCH"
	CodeInvalidStepConfig    Code = "INVALID_STEP_CONFIG"
	CodeDuplicateInbound     Code = "DUPLICATE_INBOUND_CONNECTION"
	CodeTemplateRender       Code = "TEMPLATE_RENDER_ERROR"
	CodeExpression           Code = "EXPRESSION_ERROR"
	CodeModel                Code = "MODEL_ERROR"
	CodeHTTP                 Code = "HTTP_ERROR"
	CodeSandbox              Code = "SANDBOX_ERROR"
	CodeTransform            Code = "TRANSFORM_ERROR"
	CodeTimeout              Code = "TIMEOUT"
	CodeCancelled            Code = "CANCELLED"
	CodeStore                Code = "STORE_ERROR"
	CodeOrphaned             Code = "ORPHANED"
	CodeNotFound             Code = "NOT_FOUND"
)

// ModelKind classifies provider failures from the llm runner.
type ModelKind string

const (
	ModelRateLimit ModelKind = "ratelimit"
	ModelTransient ModelKind = "transient"
	ModelAuth      ModelKind = "auth"
	ModelInvalid   ModelKind = "invalid"
	ModelPolicy    ModelKind = "policy"
)

// SandboxKind classifies sandboxed code execution failures.
type SandboxKind string

const (
	SandboxTimeout   SandboxKind = "timeout"
	SandboxOOM       SandboxKind = "oom"
	SandboxException SandboxKind = "exception"
	SandboxPolicy    SandboxKind = "policy"
)

// Error is the single failure type the engine reasons about.
type Error struct {
	Code      Code
	Message   string
	StepID    string
	Retryable bool
	Details   map[string]any
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.StepID != "" {
		return fmt.Sprintf("%s: step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// WithStep returns a shallow copy bound to a step id. A nil receiver and
// an already-bound error pass through unchanged.
func (e *Error) WithStep(stepID string) *Error {
	if e == nil || e.StepID != "" {
		return e
	}
	c := *e
	c.StepID = stepID
	return &c
}

func (e *Error) detail(key string, v any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = v
	return e
}

// New builds a non-retryable error with the given code.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap preserves an underlying cause under the given code.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// Model builds a MODEL_ERROR. Rate-limit and transient kinds are
// retryable; auth, invalid-request and content-policy are not.
func Model(kind ModelKind, err error, format string, args ...any) *Error {
	e := Wrap(CodeModel, err, format, args...)
	e.Retryable = kind == ModelRateLimit || kind == ModelTransient
	return e.detail("kind", string(kind))
}

// HTTP builds an HTTP_ERROR for a completed response. Status 0 means the
// request never completed (network failure), which is retryable, as are
// 5xx, 408 and 429.
func HTTP(status int, err error, format string, args ...any) *Error {
	e := Wrap(CodeHTTP, err, format, args...)
	e.Retryable = status == 0 || status >= 500 || status == 408 || status == 429
	return e.detail("status", status)
}

// Sandbox builds a SANDBOX_ERROR. All kinds are non-retryable: a timeout
// or OOM on user code will not resolve itself on retry.
func Sandbox(kind SandboxKind, err error, format string, args ...any) *Error {
	e := Wrap(CodeSandbox, err, format, args...)
	return e.detail("kind", string(kind))
}

// Transform builds a non-retryable TRANSFORM_ERROR.
func Transform(err error, format string, args ...any) *Error {
	return Wrap(CodeTransform, err, format, args...)
}

// Template builds a non-retryable TEMPLATE_RENDER_ERROR.
func Template(err error, format string, args ...any) *Error {
	return Wrap(CodeTemplateRender, err, format, args...)
}

// Expression builds a non-retryable EXPRESSION_ERROR.
func Expression(err error, format string, args ...any) *Error {
	return Wrap(CodeExpression, err, format, args...)
}

// Timeout marks a per-attempt deadline expiry. Retryable by default; the
// runner that produced it may downgrade (sandbox timeouts are terminal).
func Timeout(stepID string, err error) *Error {
	return &Error{Code: CodeTimeout, Message: "step deadline exceeded", StepID: stepID, Retryable: true, Err: err}
}

// Cancelled marks a run-level cancellation observed by a step.
func Cancelled(stepID string) *Error {
	return &Error{Code: CodeCancelled, Message: "run cancelled", StepID: stepID}
}

// Store wraps a persistence failure; the executor retries these with
// bounded backoff before giving up.
func Store(err error, format string, args ...any) *Error {
	e := Wrap(CodeStore, err, format, args...)
	e.Retryable = true
	return e
}

// Orphaned marks a run whose executor lease expired without a terminal
// transition.
func Orphaned(runID string) *Error {
	return &Error{Code: CodeOrphaned, Message: fmt.Sprintf("run %s lease expired without terminal state", runID)}
}

// NotFound reports a missing entity by kind and id.
func NotFound(entity, id string) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf("%s %s not found", entity, id)}
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// CodeOf returns the taxonomy code of err, mapping context errors to
// TIMEOUT/CANCELLED and anything untyped to STORE-agnostic unknown.
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	return "UNKNOWN"
}

// Retryable reports whether the executor may re-dispatch after err.
// Untyped errors are conservatively non-retryable.
func Retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := As(err); ok {
		return e.Retryable
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}

// IsCancelled reports whether err represents run cancellation rather
// than a step failure.
func IsCancelled(err error) bool {
	if errors.Is(err, context.Canceled) {
		return true
	}
	if e, ok := As(err); ok {
		return e.Code == CodeCancelled
	}
	return false
}

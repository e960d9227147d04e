// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package runner implements the per-kind step runners behind a common
// contract: resolved config and bound input ports in, output ports out,
// failures as taxonomy errors. Runners hold no state of their own;
// everything they touch arrives through the request's Services bundle,
// which keeps them trivially fakeable.
package runner

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/vars"
	"github.com/noldarim/flowmill/pkg/sandbox"
)

// Outputs maps output port names to their values. A declared port
// absent from the map is treated as skipped by the executor.
type Outputs map[string]any

// Request is one step attempt. Config arrives template-resolved except
// for program keys (code, condition, transform expressions), Inputs
// holds every bound input port (connection values win over config
// literals), and Vars is a read-only snapshot of the run's variable
// store for expression contexts.
type Request struct {
	RunID    string
	StepID   string
	Attempt  int
	Config   map[string]any
	Inputs   map[string]any
	Vars     map[string]any
	Services *Services
	DryRun   bool
}

// port returns the value bound to an input port: the executor-resolved
// input if present, otherwise the config literal of the same name.
func (r Request) port(name string) (any, bool) {
	if v, ok := r.Inputs[name]; ok {
		return v, true
	}
	v, ok := r.Config[name]
	return v, ok
}

// stringPort renders a port value for text inputs. Absent ports render
// empty.
func (r Request) stringPort(name string) string {
	v, ok := r.port(name)
	if !ok || v == nil {
		return ""
	}
	return vars.Stringify(v)
}

// mapPort returns a port value as a JSON object, nil when absent or of
// another shape.
func (r Request) mapPort(name string) map[string]any {
	v, _ := r.port(name)
	m, _ := v.(map[string]any)
	return m
}

func (r Request) sink() Sink {
	if r.Services != nil && r.Services.Events != nil {
		return r.Services.Events
	}
	return nopSink{}
}

func (r Request) logger() *zerolog.Logger {
	if r.Services != nil && r.Services.Logger != nil {
		return r.Services.Logger
	}
	l := zerolog.Nop()
	return &l
}

// Services bundles everything runners reach outside the process for.
// The executor fills it per run; tests substitute fakes.
type Services struct {
	Model       ModelInvoker
	HTTP        HTTPClient
	Sandbox     sandbox.Sandbox
	Credentials CredentialResolver
	Events      Sink
	Logger      *zerolog.Logger
	Clock       Clock
}

// Sink receives run-visible side output from a running step: stream
// chunks and log lines. The executor's implementation forwards both
// through its mailbox so they stay ordered with lifecycle events.
type Sink interface {
	Chunk(text string, index int)
	Log(level, msg string)
}

type nopSink struct{}

func (nopSink) Chunk(string, int) {}
func (nopSink) Log(string, string) {}

// CredentialResolver turns creds.* references into secret values at
// the last possible moment. Secrets never enter the variable store.
type CredentialResolver interface {
	Get(ctx context.Context, ref string) (string, error)
}

// Clock abstracts time for the executor's backoff sleeps and the
// runners' duration metrics.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Runner executes one kind of step.
type Runner interface {
	Run(ctx context.Context, req Request) (Outputs, error)
}

// Registry maps step kinds to their runners.
type Registry struct {
	runners map[models.StepKind]Runner
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{runners: make(map[models.StepKind]Runner)}
}

// Register binds a runner to a kind, replacing any previous binding.
func (r *Registry) Register(kind models.StepKind, rn Runner) {
	r.runners[kind] = rn
}

// Get returns the runner for a kind.
func (r *Registry) Get(kind models.StepKind) (Runner, error) {
	rn, ok := r.runners[kind]
	if !ok {
		return nil, fault.New(fault.CodeInvalidStepConfig, "no runner registered for step kind %q", kind)
	}
	return rn, nil
}

// DefaultRegistry wires the eight built-in step kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(models.StepKindLLM, &llmRunner{})
	r.Register(models.StepKindCode, &codeRunner{})
	r.Register(models.StepKindAPI, &apiRunner{})
	r.Register(models.StepKindTransform, &transformRunner{})
	r.Register(models.StepKindCondition, &conditionRunner{})
	r.Register(models.StepKindMerge, &mergeRunner{})
	r.Register(models.StepKindInput, &inputRunner{})
	r.Register(models.StepKindOutput, &outputRunner{})
	return r
}

// decodeConfig decodes the resolved config map into its typed form,
// ignoring unknown keys (the validator already warned about them).
func decodeConfig(req Request, out any) error {
	if _, err := models.DecodeStepConfig(req.Config, out); err != nil {
		return fault.New(fault.CodeInvalidStepConfig, "config does not decode: %v", err)
	}
	return nil
}

// lookupVars resolves a dotted path against the request's variable
// snapshot.
func lookupVars(snapshot map[string]any, path string) (any, bool) {
	if snapshot == nil {
		return nil, false
	}
	return vars.LookupIn(snapshot, path)
}

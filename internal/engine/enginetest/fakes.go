// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package enginetest provides fakes for the runner Services bundle and
// a manual clock, shared by runner, executor and service tests. All
// fakes are safe for concurrent use; executors call them from worker
// goroutines.
package enginetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/noldarim/flowmill/internal/engine/runner"
	"github.com/noldarim/flowmill/pkg/sandbox"
)

// FakeClock is a manual clock. Sleep returns immediately, records the
// requested duration and advances Now, so backoff schedules are
// assertable without real waiting.
type FakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

// NewFakeClock starts the clock at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

// Sleeps returns every duration passed to Sleep, in order.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.sleeps))
	copy(out, c.sleeps)
	return out
}

// FakeModel scripts the ModelInvoker. ChatFn produces the response;
// when nil, a canned completion echoes the last user message. Streaming
// splits the final text into ChunkSize-rune deltas (whole text when 0).
type FakeModel struct {
	ChatFn    func(ctx context.Context, req runner.ChatRequest) (*runner.ChatResponse, error)
	ChunkSize int

	mu    sync.Mutex
	calls []runner.ChatRequest
}

func (m *FakeModel) Chat(ctx context.Context, req runner.ChatRequest) (*runner.ChatResponse, error) {
	m.record(req)
	if m.ChatFn != nil {
		return m.ChatFn(ctx, req)
	}
	return &runner.ChatResponse{
		Text:         "echo: " + lastUserContent(req),
		Usage:        runner.ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		FinishReason: "stop",
	}, nil
}

func (m *FakeModel) ChatStream(ctx context.Context, req runner.ChatRequest, onDelta func(runner.ChatDelta) error) (*runner.ChatResponse, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, chunk := range splitRunes(resp.Text, m.ChunkSize) {
		if err := onDelta(runner.ChatDelta{Text: chunk}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (m *FakeModel) record(req runner.ChatRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
}

// Calls returns every ChatRequest seen, in order.
func (m *FakeModel) Calls() []runner.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]runner.ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

func lastUserContent(req runner.ChatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == runner.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}

func splitRunes(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		if s == "" {
			return nil
		}
		return []string{s}
	}
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// FakeHTTP scripts the HTTPClient. DoFn produces the response; when
// nil, every call gets 200 with an empty JSON object.
type FakeHTTP struct {
	DoFn func(ctx context.Context, req runner.HTTPRequest) (*runner.HTTPResponse, error)

	mu    sync.Mutex
	calls []runner.HTTPRequest
}

func (h *FakeHTTP) Do(ctx context.Context, req runner.HTTPRequest) (*runner.HTTPResponse, error) {
	h.mu.Lock()
	h.calls = append(h.calls, req)
	h.mu.Unlock()
	if h.DoFn != nil {
		return h.DoFn(ctx, req)
	}
	return &runner.HTTPResponse{
		Status:  200,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte("{}"),
	}, nil
}

// Calls returns every HTTPRequest seen, in order.
func (h *FakeHTTP) Calls() []runner.HTTPRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]runner.HTTPRequest, len(h.calls))
	copy(out, h.calls)
	return out
}

// FakeSandbox scripts the sandbox. ExecuteFn produces the result; when
// nil, executions succeed echoing the env as the result.
type FakeSandbox struct {
	ExecuteFn func(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error)

	mu    sync.Mutex
	calls []sandbox.ExecRequest
}

func (s *FakeSandbox) Execute(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.ExecuteFn != nil {
		return s.ExecuteFn(ctx, req)
	}
	return &sandbox.ExecResult{Result: req.Env["input_data"], ExitCode: 0}, nil
}

// Calls returns every ExecRequest seen, in order.
func (s *FakeSandbox) Calls() []sandbox.ExecRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sandbox.ExecRequest, len(s.calls))
	copy(out, s.calls)
	return out
}

// FakeCredentials resolves refs from a fixed map.
type FakeCredentials map[string]string

func (c FakeCredentials) Get(_ context.Context, ref string) (string, error) {
	secret, ok := c[ref]
	if !ok {
		return "", fmt.Errorf("unknown credential %q", ref)
	}
	return secret, nil
}

// CollectSink records chunks and log lines for assertions.
type CollectSink struct {
	mu     sync.Mutex
	chunks []string
	logs   []string
}

func (s *CollectSink) Chunk(text string, index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, text)
}

func (s *CollectSink) Log(level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, level+": "+msg)
}

// Chunks returns the streamed text increments in order.
func (s *CollectSink) Chunks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Logs returns the collected "level: msg" lines in order.
func (s *CollectSink) Logs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.logs))
	copy(out, s.logs)
	return out
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"fmt"
	"sync"

	"github.com/noldarim/flowmill/pkg/sandbox"
)

// Scripted in-package fakes. The shared enginetest fakes import this
// package, so tests here carry their own minimal doubles.

type scriptedModel struct {
	chatFn func(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	deltas []string

	mu    sync.Mutex
	calls []ChatRequest
}

func (m *scriptedModel) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()
	if m.chatFn != nil {
		return m.chatFn(ctx, req)
	}
	return &ChatResponse{
		Text:         "ok",
		Usage:        ChatUsage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		CostUSD:      0.0003,
		FinishReason: "stop",
	}, nil
}

func (m *scriptedModel) ChatStream(ctx context.Context, req ChatRequest, onDelta func(ChatDelta) error) (*ChatResponse, error) {
	resp, err := m.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	deltas := m.deltas
	if deltas == nil && resp.Text != "" {
		deltas = []string{resp.Text}
	}
	for _, d := range deltas {
		if err := onDelta(ChatDelta{Text: d}); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

func (m *scriptedModel) lastCall() ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[len(m.calls)-1]
}

type scriptedHTTP struct {
	doFn func(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)

	mu    sync.Mutex
	calls []HTTPRequest
}

func (h *scriptedHTTP) Do(ctx context.Context, req HTTPRequest) (*HTTPResponse, error) {
	h.mu.Lock()
	h.calls = append(h.calls, req)
	h.mu.Unlock()
	if h.doFn != nil {
		return h.doFn(ctx, req)
	}
	return &HTTPResponse{
		Status:  200,
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    []byte(`{}`),
	}, nil
}

func (h *scriptedHTTP) lastCall() HTTPRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[len(h.calls)-1]
}

type scriptedSandbox struct {
	execFn func(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error)

	mu    sync.Mutex
	calls []sandbox.ExecRequest
}

func (s *scriptedSandbox) Execute(ctx context.Context, req sandbox.ExecRequest) (*sandbox.ExecResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	s.mu.Unlock()
	if s.execFn != nil {
		return s.execFn(ctx, req)
	}
	return &sandbox.ExecResult{Result: req.Env["input_data"], ExitCode: 0}, nil
}

func (s *scriptedSandbox) lastCall() sandbox.ExecRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[len(s.calls)-1]
}

type mapCreds map[string]string

func (c mapCreds) Get(_ context.Context, ref string) (string, error) {
	secret, ok := c[ref]
	if !ok {
		return "", fmt.Errorf("unknown credential %q", ref)
	}
	return secret, nil
}

type recordSink struct {
	mu     sync.Mutex
	chunks []string
	logs   []string
}

func (s *recordSink) Chunk(text string, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, text)
}

func (s *recordSink) Log(level, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, level+": "+msg)
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package runner

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/vars"
)

// Chat message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of a model conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the provider-agnostic model call. The invoker owns all
// provider-specific mapping; nothing in here names a vendor.
type ChatRequest struct {
	ModelID        string
	Messages       []ChatMessage
	Temperature    *float64
	TopP           *float64
	MaxTokens      int
	Stop           []string
	ResponseFormat string
	Stream         bool
}

// ChatUsage is the token accounting reported by the provider.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatDelta is one streamed text increment.
type ChatDelta struct {
	Text string
}

// ChatResponse is the assembled completion. CostUSD is zero when the
// invoker has no pricing configured.
type ChatResponse struct {
	Text         string
	Usage        ChatUsage
	CostUSD      float64
	FinishReason string
}

// ModelInvoker executes chat completions. Implementations classify
// their failures as MODEL_ERROR faults (kind ratelimit|transient|auth|
// invalid|policy); ChatStream calls onDelta for each increment and
// still returns the assembled response.
type ModelInvoker interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onDelta func(ChatDelta) error) (*ChatResponse, error)
}

type llmRunner struct{}

func (r *llmRunner) Run(ctx context.Context, req Request) (Outputs, error) {
	var cfg models.LLMConfig
	if err := decodeConfig(req, &cfg); err != nil {
		return nil, err
	}
	if req.Services == nil || req.Services.Model == nil {
		return nil, fault.Model(fault.ModelInvalid, nil, "no model invoker configured")
	}

	prompt := req.stringPort("prompt")
	if strings.TrimSpace(prompt) == "" {
		return nil, fault.New(fault.CodeInvalidStepConfig, "prompt is empty")
	}
	system := req.stringPort("system_prompt")
	contextText := req.stringPort("context")
	variables := req.mapPort("variables")

	prompt = applyPromptVars(prompt, variables)
	system = applyPromptVars(system, variables)

	chatReq := ChatRequest{
		ModelID:        cfg.ModelID,
		Messages:       buildMessages(system, contextText, prompt),
		Temperature:    cfg.Temperature,
		TopP:           cfg.TopP,
		MaxTokens:      cfg.MaxTokens,
		Stop:           cfg.Stop,
		ResponseFormat: cfg.ResponseFormat,
		Stream:         cfg.Stream,
	}

	var (
		resp *ChatResponse
		err  error
	)
	if cfg.Stream {
		sink := req.sink()
		index := 0
		resp, err = req.Services.Model.ChatStream(ctx, chatReq, func(d ChatDelta) error {
			sink.Chunk(d.Text, index)
			index++
			return ctx.Err()
		})
	} else {
		resp, err = req.Services.Model.Chat(ctx, chatReq)
	}
	if err != nil {
		if _, ok := fault.As(err); ok {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fault.Model(fault.ModelTransient, err, "model invocation failed")
	}

	outputs := Outputs{
		"text":   resp.Text,
		"tokens": float64(resp.Usage.TotalTokens),
		"cost":   resp.CostUSD,
	}
	if parsed, ok := parseJSONOutput(resp.Text, cfg.ResponseFormat); ok {
		outputs["json"] = parsed
	}
	return outputs, nil
}

// buildMessages assembles the conversation: optional system turn, then
// one user turn with the context (when present) ahead of the prompt.
func buildMessages(system, contextText, prompt string) []ChatMessage {
	msgs := make([]ChatMessage, 0, 2)
	if strings.TrimSpace(system) != "" {
		msgs = append(msgs, ChatMessage{Role: RoleSystem, Content: system})
	}
	content := prompt
	if strings.TrimSpace(contextText) != "" {
		content = contextText + "\n\n" + prompt
	}
	return append(msgs, ChatMessage{Role: RoleUser, Content: content})
}

// applyPromptVars substitutes {name} placeholders with the llm step's
// own variables. This is deliberately distinct from the engine's
// {{path}} resolver: prompt variables bind locally, after store
// resolution already ran.
func applyPromptVars(text string, variables map[string]any) string {
	if text == "" || len(variables) == 0 {
		return text
	}
	keys := make([]string, 0, len(variables))
	for k := range variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		text = strings.ReplaceAll(text, "{"+k+"}", vars.Stringify(variables[k]))
	}
	return text
}

// parseJSONOutput decides whether the completion populates the json
// port: structured text (object/array) always does, and
// response_format=json accepts any valid JSON value.
func parseJSONOutput(text, responseFormat string) (any, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}
	structured := strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[")
	if !structured && responseFormat != "json" {
		return nil, false
	}
	var parsed any
	if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
		return nil, false
	}
	return parsed, true
}

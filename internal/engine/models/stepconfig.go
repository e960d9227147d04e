// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// Typed views of the per-kind step config maps. Raw maps exist only at
// the storage and transport boundaries; everything behavioural decodes
// into one of these structs. Unknown keys are tolerated and reported so
// that definitions written against a newer engine still load.

// LLMConfig configures an llm step. Prompt, system prompt and context
// may carry {{path}} templates; they resolve against the run's variable
// store before dispatch.
type LLMConfig struct {
	ModelID        string         `mapstructure:"model_id" validate:"required"`
	Prompt         string         `mapstructure:"prompt"`
	SystemPrompt   string         `mapstructure:"system_prompt"`
	Context        string         `mapstructure:"context"`
	Variables      map[string]any `mapstructure:"variables"`
	Temperature    *float64       `mapstructure:"temperature" validate:"omitempty,gte=0,lte=2"`
	TopP           *float64       `mapstructure:"top_p" validate:"omitempty,gt=0,lte=1"`
	MaxTokens      int            `mapstructure:"max_tokens" validate:"gte=0"`
	Stop           []string       `mapstructure:"stop"`
	ResponseFormat string         `mapstructure:"response_format" validate:"omitempty,oneof=text json"`
	Stream         bool           `mapstructure:"stream"`
}

// CodeConfig configures a code step executed in the sandbox.
type CodeConfig struct {
	Code      string         `mapstructure:"code"`
	Language  string         `mapstructure:"language" validate:"required,oneof=python javascript"`
	Variables map[string]any `mapstructure:"variables"`
	InputData any            `mapstructure:"input_data"`
	Packages  []string       `mapstructure:"packages"`
	MemoryMB  int64          `mapstructure:"memory_mb" validate:"gte=0"`
}

// APIAuth attaches credentials to an api step request. Secret-bearing
// fields usually hold creds.* references resolved just before dispatch.
type APIAuth struct {
	Type     string `mapstructure:"type" validate:"omitempty,oneof=none bearer basic api_key"`
	Token    string `mapstructure:"token"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Key      string `mapstructure:"key"`
	Header   string `mapstructure:"header"`
}

// APIConfig configures an api step. FollowRedirects and VerifySSL are
// tri-state: nil defers to the deployment-wide HTTP defaults.
type APIConfig struct {
	URL             string            `mapstructure:"url"`
	Method          string            `mapstructure:"method"`
	Headers         map[string]string `mapstructure:"headers"`
	Body            any               `mapstructure:"body"`
	Auth            *APIAuth          `mapstructure:"auth"`
	FollowRedirects *bool             `mapstructure:"follow_redirects"`
	VerifySSL       *bool             `mapstructure:"verify_ssl"`
}

// APIMethods is the allowed HTTP method set for api steps.
var APIMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"}

// EffectiveMethod uppercases the configured method, defaulting to GET.
func (c *APIConfig) EffectiveMethod() string {
	if c.Method == "" {
		return "GET"
	}
	return strings.ToUpper(c.Method)
}

// TransformMapping is one extract rule: copy `source` to `target`,
// optionally passing it through a function or expression first.
type TransformMapping struct {
	Source     string `mapstructure:"source" validate:"required"`
	Target     string `mapstructure:"target"`
	Mode       string `mapstructure:"mode" validate:"omitempty,oneof=direct function expression"`
	Function   string `mapstructure:"function"`
	Expression string `mapstructure:"expression"`
}

// FilterCondition is one filter clause; an element survives only when
// every clause matches.
type FilterCondition struct {
	Field string `mapstructure:"field" validate:"required"`
	Op    string `mapstructure:"op" validate:"required,oneof=eq ne gt lt gte lte contains startswith endswith regex"`
	Value any    `mapstructure:"value"`
	Type  string `mapstructure:"type"`
}

// TransformConfig configures a transform step; Type selects which of
// the other fields apply.
type TransformConfig struct {
	Type       string             `mapstructure:"type" validate:"required,oneof=extract filter format aggregate custom"`
	Data       any                `mapstructure:"data"`
	Mappings   []TransformMapping `mapstructure:"mappings" validate:"omitempty,dive"`
	Conditions []FilterCondition  `mapstructure:"conditions" validate:"omitempty,dive"`
	Template   string             `mapstructure:"template"`
	Expression string             `mapstructure:"expression"`
}

// ConditionConfig configures a condition step. The expression may also
// arrive through the `condition` input port instead of config.
type ConditionConfig struct {
	Condition string `mapstructure:"condition"`
	Data      any    `mapstructure:"data"`
}

// MergeConfig configures a merge step.
type MergeConfig struct {
	Strategy string `mapstructure:"strategy" validate:"omitempty,oneof=object_merge concat first_non_null zip"`
	Data1    any    `mapstructure:"data1"`
	Data2    any    `mapstructure:"data2"`
}

// MergeDefaultStrategy applies when no strategy is configured.
const MergeDefaultStrategy = "object_merge"

// InputConfig configures an input step. Name overrides which initial
// variable the step exposes (default: the step's display name); Default
// fills in when the variable was not supplied.
type InputConfig struct {
	Name    string `mapstructure:"name"`
	Default any    `mapstructure:"default"`
}

// OutputConfig configures an output step. Name overrides the key the
// collected data is stored under in the run outputs.
type OutputConfig struct {
	Name string `mapstructure:"name"`
	Data any    `mapstructure:"data"`
}

// programConfigKeys lists, per kind, the config keys that are programs
// evaluated by the step's own runner (expressions, code, output
// templates). The executor's template pass leaves them verbatim:
// resolving {{...}} against the run store would consume references these
// programs evaluate against their own data.
var programConfigKeys = map[StepKind]map[string]bool{
	StepKindCode:      {"code": true},
	StepKindCondition: {"condition": true},
	StepKindTransform: {"template": true, "expression": true, "mappings": true, "conditions": true},
}

// IsProgramConfigKey reports whether a config key holds runner-evaluated
// program text for the given step kind.
func IsProgramConfigKey(kind StepKind, key string) bool {
	return programConfigKeys[kind][key]
}

// DecodeStepConfig decodes a raw config map into its typed form,
// returning the unknown keys it ignored. Input is weakly typed so that
// YAML-sourced scalars ("42", "true") coerce into their target fields.
func DecodeStepConfig(raw map[string]any, out any) ([]string, error) {
	md := mapstructure.Metadata{}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Metadata:         &md,
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build step config decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode step config: %w", err)
	}
	sort.Strings(md.Unused)
	return md.Unused, nil
}

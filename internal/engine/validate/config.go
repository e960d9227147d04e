// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package validate

import (
	"fmt"
	"net/url"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"

	"github.com/noldarim/flowmill/internal/engine/expr"
	"github.com/noldarim/flowmill/internal/engine/fault"
	"github.com/noldarim/flowmill/internal/engine/graph"
	"github.com/noldarim/flowmill/internal/engine/models"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

// validatorInstance configures the shared struct validator. Field names
// in findings come from mapstructure tags so they match the keys
// authors actually wrote.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()
		v.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		validateInst = v
	})
	return validateInst
}

// checkStepConfigs decodes every step's config into its typed form and
// applies the per-kind rules.
func checkStepConfigs(g *graph.Graph, res *Result) {
	for _, stepID := range g.StepIDs() {
		step := g.Step(stepID)
		switch step.Kind {
		case models.StepKindLLM:
			// model_id presence rides on the required tag; the prompt
			// binding is the required-input check's job.
			decodeInto(step, &models.LLMConfig{}, res)
		case models.StepKindCode:
			checkCodeConfig(step, res)
		case models.StepKindAPI:
			checkAPIConfig(step, res)
		case models.StepKindTransform:
			checkTransformConfig(step, res)
		case models.StepKindCondition:
			checkConditionConfig(step, res)
		case models.StepKindMerge:
			decodeInto(step, &models.MergeConfig{}, res)
		case models.StepKindInput:
			decodeInto(step, &models.InputConfig{}, res)
		case models.StepKindOutput:
			decodeInto(step, &models.OutputConfig{}, res)
		}
	}
}

// decodeInto decodes the raw config, reporting unknown keys as
// warnings and decode or constraint failures as INVALID_STEP_CONFIG
// errors. Returns false when the typed form is unusable.
func decodeInto(step *models.Step, out any, res *Result) bool {
	unused, err := models.DecodeStepConfig(step.Config, out)
	if err != nil {
		res.error(Issue{
			Code:    fault.CodeInvalidStepConfig,
			StepID:  step.ID,
			Message: fmt.Sprintf("config does not decode: %v", err),
		})
		return false
	}
	for _, key := range unused {
		res.warn(Issue{
			Code:    WarnUnknownConfigField,
			StepID:  step.ID,
			Field:   key,
			Message: fmt.Sprintf("unknown config field %q ignored", key),
		})
	}

	if err := validatorInstance().Struct(out); err != nil {
		if ves, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range ves {
				res.error(Issue{
					Code:    fault.CodeInvalidStepConfig,
					StepID:  step.ID,
					Field:   fieldName(fe),
					Message: fmt.Sprintf("%s failed validation for tag '%s'", fieldName(fe), fe.Tag()),
				})
			}
		} else {
			res.error(Issue{
				Code:    fault.CodeInvalidStepConfig,
				StepID:  step.ID,
				Message: err.Error(),
			})
		}
		return false
	}
	return true
}

// fieldName strips the struct type prefix from a validator namespace,
// leaving the config-relative path ("mappings[0].mode").
func fieldName(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func checkCodeConfig(step *models.Step, res *Result) {
	var cfg models.CodeConfig
	if !decodeInto(step, &cfg, res) {
		return
	}
	if _, present := step.Config["code"]; present && strings.TrimSpace(cfg.Code) == "" {
		res.error(Issue{
			Code:    fault.CodeInvalidStepConfig,
			StepID:  step.ID,
			Field:   "code",
			Message: "code must not be empty",
		})
	}
	warnSuspiciousCode(step.ID, cfg.Code, res)
}

func checkAPIConfig(step *models.Step, res *Result) {
	var cfg models.APIConfig
	if !decodeInto(step, &cfg, res) {
		return
	}
	// Templated URLs resolve at run time; only literals are checkable.
	if cfg.URL != "" && !strings.Contains(cfg.URL, "{{") {
		u, err := url.Parse(cfg.URL)
		switch {
		case err != nil || u.Host == "":
			res.error(Issue{
				Code:    fault.CodeInvalidStepConfig,
				StepID:  step.ID,
				Field:   "url",
				Message: fmt.Sprintf("url %q is not an absolute URL", cfg.URL),
			})
		case u.Scheme != "http" && u.Scheme != "https":
			res.error(Issue{
				Code:    fault.CodeInvalidStepConfig,
				StepID:  step.ID,
				Field:   "url",
				Message: fmt.Sprintf("url scheme %q is not supported (http, https)", u.Scheme),
			})
		}
	}
	if method := cfg.EffectiveMethod(); !lo.Contains(models.APIMethods, method) {
		res.error(Issue{
			Code:    fault.CodeInvalidStepConfig,
			StepID:  step.ID,
			Field:   "method",
			Message: fmt.Sprintf("method %q is not one of %s", cfg.Method, strings.Join(models.APIMethods, ", ")),
		})
	}
}

func checkTransformConfig(step *models.Step, res *Result) {
	var cfg models.TransformConfig
	if !decodeInto(step, &cfg, res) {
		return
	}
	switch cfg.Type {
	case "extract":
		if len(cfg.Mappings) == 0 {
			res.error(Issue{
				Code:    fault.CodeInvalidStepConfig,
				StepID:  step.ID,
				Field:   "mappings",
				Message: "extract requires at least one mapping",
			})
		}
		for i, m := range cfg.Mappings {
			field := func(name string) string { return fmt.Sprintf("mappings[%d].%s", i, name) }
			switch m.Mode {
			case "expression":
				if m.Expression == "" {
					res.error(Issue{
						Code:    fault.CodeInvalidStepConfig,
						StepID:  step.ID,
						Field:   field("expression"),
						Message: "mode expression requires an expression",
					})
				} else if _, err := expr.Parse(m.Expression); err != nil {
					res.error(Issue{
						Code:    fault.CodeInvalidStepConfig,
						StepID:  step.ID,
						Field:   field("expression"),
						Message: fmt.Sprintf("expression does not parse: %v", err),
					})
				}
			case "function":
				if m.Function == "" {
					res.error(Issue{
						Code:    fault.CodeInvalidStepConfig,
						StepID:  step.ID,
						Field:   field("function"),
						Message: "mode function requires a function name",
					})
				}
			}
		}
	case "filter":
		for i, c := range cfg.Conditions {
			if c.Op != "regex" {
				continue
			}
			field := fmt.Sprintf("conditions[%d].value", i)
			pattern, ok := c.Value.(string)
			if !ok {
				res.error(Issue{
					Code:    fault.CodeInvalidStepConfig,
					StepID:  step.ID,
					Field:   field,
					Message: "regex operator requires a string pattern",
				})
				continue
			}
			if _, err := regexp.Compile(pattern); err != nil {
				res.error(Issue{
					Code:    fault.CodeInvalidStepConfig,
					StepID:  step.ID,
					Field:   field,
					Message: fmt.Sprintf("regex does not compile: %v", err),
				})
			}
		}
	case "format":
		if cfg.Template == "" {
			res.error(Issue{
				Code:    fault.CodeInvalidStepConfig,
				StepID:  step.ID,
				Field:   "template",
				Message: "format requires a template",
			})
		}
	case "custom":
		if cfg.Expression == "" {
			res.error(Issue{
				Code:    fault.CodeInvalidStepConfig,
				StepID:  step.ID,
				Field:   "expression",
				Message: "custom requires an expression",
			})
		} else if _, err := expr.Parse(cfg.Expression); err != nil {
			res.error(Issue{
				Code:    fault.CodeInvalidStepConfig,
				StepID:  step.ID,
				Field:   "expression",
				Message: fmt.Sprintf("expression does not parse: %v", err),
			})
		}
	}
}

func checkConditionConfig(step *models.Step, res *Result) {
	var cfg models.ConditionConfig
	if !decodeInto(step, &cfg, res) {
		return
	}
	// Conditions fed through the input port are only known at run time.
	if cfg.Condition == "" {
		return
	}
	if _, err := expr.Parse(cfg.Condition); err != nil {
		res.error(Issue{
			Code:    fault.CodeInvalidStepConfig,
			StepID:  step.ID,
			Field:   "condition",
			Message: fmt.Sprintf("condition does not parse: %v", err),
		})
	}
}

var (
	evalExecCallRe       = regexp.MustCompile(`\b(eval|exec)\s*\(`)
	suspiciousSubstrings = []string{"os.system", "subprocess", "open(", "require('fs')", `require("fs")`, "child_process"}
)

// warnSuspiciousCode flags code that reaches for interpreters, shells
// or the filesystem. The sandbox confines these anyway; the warning
// exists so authors notice before a run does.
func warnSuspiciousCode(stepID, code string, res *Result) {
	var hits []string
	if m := evalExecCallRe.FindString(code); m != "" {
		hits = append(hits, strings.TrimRight(m, " ("))
	}
	for _, p := range suspiciousSubstrings {
		if strings.Contains(code, p) {
			hits = append(hits, p)
		}
	}
	if len(hits) == 0 {
		return
	}
	res.warn(Issue{
		Code:    WarnSuspiciousCode,
		StepID:  stepID,
		Field:   "code",
		Message: fmt.Sprintf("code contains potentially unsafe patterns: %s", strings.Join(hits, ", ")),
	})
}

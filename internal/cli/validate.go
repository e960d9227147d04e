// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/noldarim/flowmill/internal/engine/graph"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/engine/validate"
)

func validateCommand(args []string) error {
	var file string
	var asJSON bool
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	fs.StringVar(&file, "file", "", "Path to pipeline file (YAML or JSON)")
	fs.StringVar(&file, "f", "", "Path to pipeline file (shorthand)")
	fs.BoolVar(&asJSON, "json", false, "Print the full validation result as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if file == "" {
		return fmt.Errorf("pipeline file required\n\nUsage:\n  flowmill validate -f <pipeline.yaml>")
	}

	pipeline, err := loadPipelineFile(file)
	if err != nil {
		return err
	}

	res := validate.Validate(pipeline)
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printIssues("error", res.Errors)
		printIssues("warning", res.Warnings)
		if res.Valid {
			fmt.Printf("▸ %s is valid (%d step(s), %d warning(s))\n", file, len(pipeline.Steps), len(res.Warnings))
		}
	}

	if !res.Valid {
		return fmt.Errorf("pipeline is invalid: %d error(s)", len(res.Errors))
	}
	return nil
}

func printIssues(level string, issues []validate.Issue) {
	for _, issue := range issues {
		loc := issue.StepID
		if issue.Port != "" {
			loc += "." + issue.Port
		}
		if issue.Field != "" {
			loc += "." + issue.Field
		}
		if loc != "" {
			fmt.Fprintf(os.Stderr, "%s %s [%s]: %s\n", level, loc, issue.Code, issue.Message)
		} else {
			fmt.Fprintf(os.Stderr, "%s [%s]: %s\n", level, issue.Code, issue.Message)
		}
	}
}

func loadPipelineFile(path string) (*models.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	p, err := graph.Load(path, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse pipeline file: %w", err)
	}
	return p, nil
}

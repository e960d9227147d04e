// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package graph

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/noldarim/flowmill/internal/engine/models"
)

// LoadYAML parses a pipeline definition from YAML.
func LoadYAML(data []byte) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline yaml: %w", err)
	}
	normalize(&p)
	return &p, nil
}

// LoadJSON parses a pipeline definition from JSON.
func LoadJSON(data []byte) (*models.Pipeline, error) {
	var p models.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline json: %w", err)
	}
	normalize(&p)
	return &p, nil
}

// Load picks the format from the file extension: .json is JSON,
// everything else is treated as YAML.
func Load(path string, data []byte) (*models.Pipeline, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return LoadJSON(data)
	}
	return LoadYAML(data)
}

func normalize(p *models.Pipeline) {
	for i := range p.Steps {
		s := &p.Steps[i]
		s.ID = strings.TrimSpace(s.ID)
		s.Kind = models.StepKind(strings.ToLower(strings.TrimSpace(string(s.Kind))))
	}
	for i := range p.Connections {
		c := &p.Connections[i]
		if c.ID == "" {
			c.ID = fmt.Sprintf("%s->%s", c.Source, c.Target)
		}
	}
}

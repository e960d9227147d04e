// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"crypto/sha256"
	"database/sql/driver"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// StepKind identifies which runner executes a step.
type StepKind string

const (
	StepKindLLM       StepKind = "llm"
	StepKindCode      StepKind = "code"
	StepKindAPI       StepKind = "api"
	StepKindTransform StepKind = "transform"
	StepKindCondition StepKind = "condition"
	StepKindMerge     StepKind = "merge"
	StepKindInput     StepKind = "input"
	StepKindOutput    StepKind = "output"
)

// AllStepKinds lists every supported kind in a stable order.
var AllStepKinds = []StepKind{
	StepKindLLM, StepKindCode, StepKindAPI, StepKindTransform,
	StepKindCondition, StepKindMerge, StepKindInput, StepKindOutput,
}

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	for _, known := range AllStepKinds {
		if k == known {
			return true
		}
	}
	return false
}

// PortKind is the declared type of an input or output slot.
type PortKind string

const (
	PortText    PortKind = "text"
	PortJSON    PortKind = "json"
	PortNumber  PortKind = "number"
	PortBoolean PortKind = "boolean"
	PortArray   PortKind = "array"
	PortFile    PortKind = "file"
	PortAny     PortKind = "any"
)

// Pipeline is the user-authored definition: a directed graph of steps
// connected by typed ports. The engine treats it as read-only; a run
// freezes its own snapshot at submit time.
type Pipeline struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Version     string         `json:"version,omitempty" yaml:"version,omitempty"`
	Variables   map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
	Connections []Connection   `json:"connections,omitempty" yaml:"connections,omitempty"`
}

// Step is one node of the DAG.
type Step struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	Kind        StepKind       `json:"kind" yaml:"kind"`
	Config      map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Enabled     *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TimeoutMS   int64          `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Retry       *RetryBackoff  `json:"retry_backoff,omitempty" yaml:"retry_backoff,omitempty"`
	Position    *Position      `json:"position,omitempty" yaml:"position,omitempty"`
}

// IsEnabled treats an absent flag as enabled.
func (s *Step) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// DisplayName falls back to the step id when no name was given.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.ID
}

// RetryBackoff shapes the delay between attempts:
// base_ms × factor^(attempt−1), capped at cap_ms.
type RetryBackoff struct {
	BaseMS int64   `json:"base_ms" yaml:"base_ms"`
	Factor float64 `json:"factor" yaml:"factor"`
	CapMS  int64   `json:"cap_ms" yaml:"cap_ms"`
}

// Position is a layout hint for builders; semantically irrelevant.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// PortRef identifies one port on one step.
type PortRef struct {
	StepID string `json:"step_id" yaml:"step_id"`
	Port   string `json:"port" yaml:"port"`
}

func (p PortRef) String() string {
	return p.StepID + "." + p.Port
}

// Connection is a typed edge from an output port to an input port.
type Connection struct {
	ID     string  `json:"id" yaml:"id"`
	Source PortRef `json:"source" yaml:"source"`
	Target PortRef `json:"target" yaml:"target"`
	Label  string  `json:"label,omitempty" yaml:"label,omitempty"`
}

// StepByID returns the step with the given id, or nil.
func (p *Pipeline) StepByID(id string) *Step {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i]
		}
	}
	return nil
}

// ComputeDefinitionHash computes a deterministic hash over everything
// that affects a pipeline's behaviour. Layout-only fields are excluded
// so that moving nodes around in a builder does not change the hash.
func ComputeDefinitionHash(p *Pipeline) string {
	steps := make([]Step, len(p.Steps))
	copy(steps, p.Steps)
	for i := range steps {
		steps[i].Position = nil
		// A nil Enabled means enabled; normalise so a storage round-trip
		// that materialises the pointer hashes identically.
		enabled := steps[i].IsEnabled()
		steps[i].Enabled = &enabled
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].ID < steps[j].ID })

	conns := make([]Connection, len(p.Connections))
	copy(conns, p.Connections)
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })

	data := struct {
		ID          string         `json:"id"`
		Version     string         `json:"version"`
		Variables   map[string]any `json:"variables"`
		Steps       []Step         `json:"steps"`
		Connections []Connection   `json:"connections"`
	}{p.ID, p.Version, p.Variables, steps, conns}

	jsonBytes, _ := json.Marshal(data)
	hash := sha256.Sum256(jsonBytes)
	return hex.EncodeToString(hash[:8])
}

// --- JSON column types ---

// JSONMap is a JSON-serialized map column.
type JSONMap map[string]any

func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("cannot scan JSONMap from non-string/[]byte value")
	}
}

func (m JSONMap) Value() (driver.Value, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	return json.Marshal(m)
}

// PipelineSnapshot is a frozen pipeline definition stored as a JSON
// column on the run row.
type PipelineSnapshot Pipeline

func (ps *PipelineSnapshot) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*ps = PipelineSnapshot{}
		return nil
	case []byte:
		return json.Unmarshal(v, ps)
	case string:
		return json.Unmarshal([]byte(v), ps)
	default:
		return errors.New("cannot scan PipelineSnapshot from non-string/[]byte value")
	}
}

func (ps PipelineSnapshot) Value() (driver.Value, error) {
	return json.Marshal(ps)
}

// Pipeline converts the snapshot back to the definition type.
func (ps PipelineSnapshot) Pipeline() *Pipeline {
	p := Pipeline(ps)
	return &p
}

// SnapshotOf freezes a pipeline definition for storage on a run.
func SnapshotOf(p *Pipeline) PipelineSnapshot {
	return PipelineSnapshot(*p)
}

// --- Storage rows for pipeline definitions ---

// PipelineRecord is the stored pipeline header row. Steps and
// connections are normalized into their own tables; the in-memory
// definition is reassembled via Pipeline().
type PipelineRecord struct {
	ID             string             `gorm:"primaryKey;type:text" json:"id"`
	Name           string             `gorm:"not null;type:text" json:"name"`
	Version        string             `gorm:"type:text" json:"version"`
	Variables      JSONMap            `gorm:"type:text" json:"variables"`
	DefinitionHash string             `gorm:"type:text;index" json:"definition_hash"`
	CreatedAt      time.Time          `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time          `gorm:"autoUpdateTime" json:"updated_at"`
	Steps          []StepRecord       `gorm:"foreignKey:PipelineID;constraint:OnDelete:CASCADE" json:"steps,omitempty"`
	Connections    []ConnectionRecord `gorm:"foreignKey:PipelineID;constraint:OnDelete:CASCADE" json:"connections,omitempty"`
}

func (PipelineRecord) TableName() string {
	return "pipelines"
}

// StepRecord is one stored step of a pipeline definition.
type StepRecord struct {
	ID            uint     `gorm:"primaryKey;autoIncrement" json:"-"`
	PipelineID    string   `gorm:"type:text;not null;uniqueIndex:idx_pipeline_steps_step,priority:1" json:"pipeline_id"`
	StepID        string   `gorm:"type:text;not null;uniqueIndex:idx_pipeline_steps_step,priority:2" json:"step_id"`
	Name          string   `gorm:"type:text" json:"name"`
	Kind          StepKind `gorm:"type:text;not null" json:"kind"`
	Config        JSONMap  `gorm:"type:text" json:"config"`
	Enabled       bool     `gorm:"not null;default:true" json:"enabled"`
	TimeoutMS     int64    `gorm:"type:integer" json:"timeout_ms"`
	MaxAttempts   int      `gorm:"type:integer" json:"max_attempts"`
	BackoffBaseMS int64    `gorm:"type:integer" json:"backoff_base_ms"`
	BackoffFactor float64  `json:"backoff_factor"`
	BackoffCapMS  int64    `gorm:"type:integer" json:"backoff_cap_ms"`
	PosX          float64  `json:"pos_x"`
	PosY          float64  `json:"pos_y"`
}

func (StepRecord) TableName() string {
	return "pipeline_steps"
}

// ConnectionRecord is one stored edge of a pipeline definition.
type ConnectionRecord struct {
	ID         uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	PipelineID string `gorm:"type:text;not null;index" json:"pipeline_id"`
	ConnID     string `gorm:"type:text;not null" json:"conn_id"`
	SourceStep string `gorm:"type:text;not null" json:"source_step"`
	SourcePort string `gorm:"type:text;not null" json:"source_port"`
	TargetStep string `gorm:"type:text;not null" json:"target_step"`
	TargetPort string `gorm:"type:text;not null" json:"target_port"`
	Label      string `gorm:"type:text" json:"label"`
}

func (ConnectionRecord) TableName() string {
	return "pipeline_connections"
}

// RecordFromPipeline normalizes a definition into storage rows.
func RecordFromPipeline(p *Pipeline) *PipelineRecord {
	rec := &PipelineRecord{
		ID:             p.ID,
		Name:           p.Name,
		Version:        p.Version,
		Variables:      JSONMap(p.Variables),
		DefinitionHash: ComputeDefinitionHash(p),
	}
	for _, s := range p.Steps {
		sr := StepRecord{
			PipelineID:  p.ID,
			StepID:      s.ID,
			Name:        s.Name,
			Kind:        s.Kind,
			Config:      JSONMap(s.Config),
			Enabled:     s.IsEnabled(),
			TimeoutMS:   s.TimeoutMS,
			MaxAttempts: s.MaxAttempts,
		}
		if s.Retry != nil {
			sr.BackoffBaseMS = s.Retry.BaseMS
			sr.BackoffFactor = s.Retry.Factor
			sr.BackoffCapMS = s.Retry.CapMS
		}
		if s.Position != nil {
			sr.PosX = s.Position.X
			sr.PosY = s.Position.Y
		}
		rec.Steps = append(rec.Steps, sr)
	}
	for _, c := range p.Connections {
		rec.Connections = append(rec.Connections, ConnectionRecord{
			PipelineID: p.ID,
			ConnID:     c.ID,
			SourceStep: c.Source.StepID,
			SourcePort: c.Source.Port,
			TargetStep: c.Target.StepID,
			TargetPort: c.Target.Port,
			Label:      c.Label,
		})
	}
	return rec
}

// Pipeline reassembles the in-memory definition from storage rows.
func (r *PipelineRecord) Pipeline() *Pipeline {
	p := &Pipeline{
		ID:        r.ID,
		Name:      r.Name,
		Version:   r.Version,
		Variables: map[string]any(r.Variables),
	}
	for _, sr := range r.Steps {
		enabled := sr.Enabled
		s := Step{
			ID:          sr.StepID,
			Name:        sr.Name,
			Kind:        sr.Kind,
			Config:      map[string]any(sr.Config),
			Enabled:     &enabled,
			TimeoutMS:   sr.TimeoutMS,
			MaxAttempts: sr.MaxAttempts,
		}
		if sr.BackoffBaseMS != 0 || sr.BackoffFactor != 0 || sr.BackoffCapMS != 0 {
			s.Retry = &RetryBackoff{BaseMS: sr.BackoffBaseMS, Factor: sr.BackoffFactor, CapMS: sr.BackoffCapMS}
		}
		if sr.PosX != 0 || sr.PosY != 0 {
			s.Position = &Position{X: sr.PosX, Y: sr.PosY}
		}
		p.Steps = append(p.Steps, s)
	}
	for _, cr := range r.Connections {
		p.Connections = append(p.Connections, Connection{
			ID:     cr.ConnID,
			Source: PortRef{StepID: cr.SourceStep, Port: cr.SourcePort},
			Target: PortRef{StepID: cr.TargetStep, Port: cr.TargetPort},
			Label:  cr.Label,
		})
	}
	return p
}

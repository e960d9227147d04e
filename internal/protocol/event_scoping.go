// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

// GetStepID methods allow the API server's WebSocket filter to match
// step-scoped events without maintaining an exhaustive type switch.

func (e StepStartedEvent) GetStepID() string     { return e.StepID }
func (e StepSucceededEvent) GetStepID() string   { return e.StepID }
func (e StepFailedEvent) GetStepID() string      { return e.StepID }
func (e StepSkippedEvent) GetStepID() string     { return e.StepID }
func (e StepStreamChunkEvent) GetStepID() string { return e.StepID }
func (e StepLogEvent) GetStepID() string         { return e.StepID }

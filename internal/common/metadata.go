// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package common provides shared types used across multiple packages.
package common

import "time"

// Metadata contains common fields for every event the engine emits.
// Events flow from the executor through the event bus to WebSocket
// clients and the persisted step_events table.
type Metadata struct {
	// EventID uniquely identifies one emission. Clients that reconnect
	// and replay history use it for deduplication.
	EventID string `json:"event_id"`

	// RunID scopes the event to a pipeline run. Always set.
	RunID string `json:"run_id"`

	// TS is the engine-side emission time.
	TS time.Time `json:"ts"`

	// Version indicates the protocol version for backward compatibility.
	// Format: "v{major}.{minor}.{patch}" (e.g., "v1.0.0")
	Version string `json:"version"`
}

// CurrentProtocolVersion defines the current version of the protocol.
// This should be updated when making breaking changes to the protocol.
const CurrentProtocolVersion = "v1.0.0"

// Event represents events that can be sent from the engine to subscribers.
// Any type implementing this interface can be published on the event bus.
type Event interface {
	GetMetadata() Metadata
}

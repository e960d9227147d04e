// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/noldarim/flowmill/internal/common"
)

// Re-export common types for backward compatibility.
// New code should import from common directly.
type Metadata = common.Metadata

// CurrentProtocolVersion is re-exported from common.
const CurrentProtocolVersion = common.CurrentProtocolVersion

// NewMetadata stamps a fresh event envelope for a run. Every emission
// gets its own EventID so subscribers can deduplicate replays.
func NewMetadata(runID string) Metadata {
	return Metadata{
		EventID: uuid.NewString(),
		RunID:   runID,
		TS:      time.Now().UTC(),
		Version: CurrentProtocolVersion,
	}
}

// GetEventID extracts the deduplication key from any event.
func GetEventID(event common.Event) string {
	return event.GetMetadata().EventID
}

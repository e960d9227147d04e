// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/noldarim/flowmill/internal/engine/database"
	"github.com/noldarim/flowmill/internal/engine/models"
	"github.com/noldarim/flowmill/internal/events"
	"github.com/noldarim/flowmill/internal/protocol"
)

// Recorder subscribes to the whole bus and persists every run and step
// event to the step_events table, so clients that connect after the
// fact can replay what they missed. Event IDs are the deduplication
// key; a replayed publish is dropped by the store's unique index.
type Recorder struct {
	store *database.GormDB
	sub   *events.Subscription
}

// NewRecorder wires a recorder. The subscription is taken here, not in
// Run, so events published between engine assembly and the recorder
// goroutine starting are buffered rather than lost.
func NewRecorder(store *database.GormDB, bus *events.Bus) *Recorder {
	return &Recorder{
		store: store,
		sub:   bus.Subscribe(context.Background(), "*"),
	}
}

// Run drains the subscription until ctx is cancelled or the bus closes.
// It persists on a detached context so in-flight writes survive
// shutdown.
func (r *Recorder) Run(ctx context.Context) error {
	sub := r.sub
	defer sub.Close()

	log := getLog().With().Str("component", "recorder").Logger()
	persistCtx := context.WithoutCancel(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if ev.Kind() == protocol.KindSubscriberLag {
				// Bus self-diagnostics; not part of a run's history.
				continue
			}
			if err := r.record(persistCtx, ev); err != nil {
				log.Warn().Err(err).Str("kind", string(ev.Kind())).Msg("Event not recorded")
			}
		}
	}
}

func (r *Recorder) record(ctx context.Context, ev protocol.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Kind(), err)
	}
	var payload models.JSONMap
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("failed to shape %s event payload: %w", ev.Kind(), err)
	}
	md := ev.GetMetadata()
	return r.store.AppendStepEvent(ctx, &models.StepEvent{
		ID:      md.EventID,
		RunID:   md.RunID,
		StepID:  stepIDOf(ev),
		Kind:    string(ev.Kind()),
		Payload: payload,
		TS:      eventTime(md.TS),
	})
}

// stepIDOf returns the step an event belongs to, empty for run-level
// events.
func stepIDOf(ev protocol.Event) string {
	if scoped, ok := ev.(interface{ GetStepID() string }); ok {
		return scoped.GetStepID()
	}
	return ""
}

func eventTime(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts
}

// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the REST + WebSocket API. Handlers call the
// engine directly for mutations and reads; the broadcaster fans the
// engine's event stream out to connected WebSocket clients, each
// filtered by its subscribed topic patterns.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noldarim/flowmill/internal/events"
	"github.com/noldarim/flowmill/internal/logger"
	"github.com/noldarim/flowmill/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetLogger("api")
		log = &l
	})
	return log
}

// EventBroadcaster reads every engine event from a bus subscription and
// fans them out to all connected WebSocket clients.
type EventBroadcaster struct {
	sub     *events.Subscription
	clients *ClientRegistry
}

// NewEventBroadcaster creates a broadcaster over the given wildcard
// subscription.
func NewEventBroadcaster(sub *events.Subscription, clients *ClientRegistry) *EventBroadcaster {
	return &EventBroadcaster{
		sub:     sub,
		clients: clients,
	}
}

// Run reads events until the subscription closes or context is cancelled.
func (b *EventBroadcaster) Run(ctx context.Context) {
	defer b.sub.Close()
	for {
		select {
		case event, ok := <-b.sub.C():
			if !ok {
				getLog().Info().Msg("Event broadcaster stopped (bus closed)")
				return
			}
			b.dispatch(event)
		case <-ctx.Done():
			getLog().Info().Msg("Event broadcaster stopped (context cancelled)")
			return
		}
	}
}

func (b *EventBroadcaster) dispatch(event protocol.Event) {
	if b.clients != nil {
		b.clients.Broadcast(event)
	}
}

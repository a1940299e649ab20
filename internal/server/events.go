// Copyright (C) 2026 Flumeworks
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the REST + WebSocket API. Handlers call the
// orchestrator services directly for reads and mutations; run state changes
// are broadcast to connected WebSocket clients.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/flumeworks/flume/internal/logger"
	"github.com/flumeworks/flume/internal/protocol"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// EventBroadcaster buffers orchestrator events and fans them out to all
// connected WebSocket clients. It satisfies services.EventPublisher.
type EventBroadcaster struct {
	eventChan chan protocol.Event
	clients   *ClientRegistry
}

// NewEventBroadcaster creates a broadcaster over the given client registry.
func NewEventBroadcaster(clients *ClientRegistry) *EventBroadcaster {
	return &EventBroadcaster{
		eventChan: make(chan protocol.Event, 256),
		clients:   clients,
	}
}

// Publish enqueues an event for broadcast. Never blocks the caller: when the
// buffer is full the event is dropped with a warning.
func (b *EventBroadcaster) Publish(event protocol.Event) {
	select {
	case b.eventChan <- event:
	default:
		getLog().Warn().Str("event_type", event.EventType()).Msg("Event buffer full, dropping event")
	}
}

// Run reads events until the context is cancelled.
func (b *EventBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case event := <-b.eventChan:
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

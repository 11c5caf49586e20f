// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package hostevent is the event system between the host process and its
// clients.
//
// The host emits three named events per streamed request (chunk, error and
// end). Clients register handlers by name and get back a Subscription whose
// Release is idempotent. Two buses are provided: MemoryBus for in-process use
// and NATSBus when host and client run as separate processes.
package hostevent

import (
	"context"
	"errors"
)

// =============================================================================
// EVENT NAMES
// =============================================================================

const (
	// EventChunk carries one piece of streamed output, raw or framed
	// ("<index>:<json-string>\n").
	EventChunk = "ai-stream-chunk"

	// EventError carries an error message. The payload may be absent.
	EventError = "ai-stream-error"

	// EventEnd signals that no further chunks follow. Its payload is ignored.
	EventEnd = "ai-stream-end"
)

// Names lists every event a streamed request can produce.
var Names = []string{EventChunk, EventError, EventEnd}

// UnknownError is the message used for an error event without payload.
const UnknownError = "unknown error"

// =============================================================================
// EVENT TYPE
// =============================================================================

// Event is a single host notification.
//
// RequestID is the id of the command that produced the event. Hosts that do
// not tag their events leave it empty.
type Event struct {
	Name       string `json:"name"`
	RequestID  string `json:"request_id,omitempty"`
	Payload    string `json:"payload,omitempty"`
	HasPayload bool   `json:"has_payload,omitempty"`
}

// Chunk builds a chunk event.
func Chunk(requestID, payload string) Event {
	return Event{Name: EventChunk, RequestID: requestID, Payload: payload, HasPayload: true}
}

// Error builds an error event with a message.
func Error(requestID, message string) Event {
	return Event{Name: EventError, RequestID: requestID, Payload: message, HasPayload: true}
}

// End builds an end event.
func End(requestID string) Event {
	return Event{Name: EventEnd, RequestID: requestID}
}

// ErrorMessage returns the payload of an error event, or UnknownError when
// the payload is absent.
func (e Event) ErrorMessage() string {
	if !e.HasPayload || e.Payload == "" {
		return UnknownError
	}
	return e.Payload
}

// =============================================================================
// BUS INTERFACE
// =============================================================================

// Handler receives events. Handlers must not block; the bus delivers events
// to a handler one at a time in emit order.
type Handler func(Event)

// Bus is the host event system.
type Bus interface {
	// Emit delivers an event to the handlers listening on its name.
	Emit(ctx context.Context, evt Event) error

	// Listen registers a handler for an event name.
	Listen(name string, h Handler) (*Subscription, error)

	// Close releases every subscription. Emit and Listen fail afterwards.
	Close() error
}

// ErrBusClosed is returned by Emit and Listen on a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// ErrNilHandler is returned by Listen when the handler is nil.
var ErrNilHandler = errors.New("event handler is nil")

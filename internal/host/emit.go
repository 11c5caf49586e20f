// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/hostevent"
)

// FrameChunk encodes text in the framed chunk format "0:<json-string>\n".
func FrameChunk(text string) (string, error) {
	encoded, err := json.Marshal(text)
	if err != nil {
		return "", err
	}
	return "0:" + string(encoded) + "\n", nil
}

// Emitter sends the events of one request, tagged with its request id.
type Emitter struct {
	bus       hostevent.Bus
	requestID string
	log       zerolog.Logger

	chunks int
}

// NewEmitter creates an emitter for requestID.
func NewEmitter(bus hostevent.Bus, requestID string, logger zerolog.Logger) *Emitter {
	return &Emitter{bus: bus, requestID: requestID, log: logger}
}

// RequestID returns the id events are tagged with.
func (e *Emitter) RequestID() string {
	return e.requestID
}

// Chunks returns the number of chunks emitted so far.
func (e *Emitter) Chunks() int {
	return e.chunks
}

// Chunk emits text as a framed chunk.
func (e *Emitter) Chunk(ctx context.Context, text string) error {
	framed, err := FrameChunk(text)
	if err != nil {
		return &ProxyError{Kind: KindParse, Cause: err}
	}
	e.log.Debug().Int("bytes", len(framed)).Msg("Emitting chunk")
	if err := e.bus.Emit(ctx, hostevent.Chunk(e.requestID, framed)); err != nil {
		return &ProxyError{Kind: KindEmit, Message: "failed to emit chunk event", Cause: err}
	}
	e.chunks++
	return nil
}

// Error emits an error event.
func (e *Emitter) Error(ctx context.Context, message string) error {
	e.log.Error().Msgf("Emitting error: %s", message)
	if err := e.bus.Emit(ctx, hostevent.Error(e.requestID, message)); err != nil {
		return &ProxyError{Kind: KindEmit, Message: "failed to emit error event", Cause: err}
	}
	return nil
}

// End emits the end event.
func (e *Emitter) End(ctx context.Context) error {
	e.log.Info().Int("chunks", e.chunks).Msg("Emitting stream end event")
	if err := e.bus.Emit(ctx, hostevent.End(e.requestID)); err != nil {
		return &ProxyError{Kind: KindEmit, Message: "failed to emit end event", Cause: err}
	}
	return nil
}

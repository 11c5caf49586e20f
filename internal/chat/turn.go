// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/bridge"
)

// =============================================================================
// TURN PHASE
// =============================================================================

// Phase is the lifecycle state of one turn.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhaseStreaming  Phase = "streaming"
	PhaseSettled    Phase = "settled"
	PhaseFailed     Phase = "failed"
)

// IsTerminal returns true if no further transitions are possible.
func (p Phase) IsTerminal() bool {
	return p == PhaseSettled || p == PhaseFailed
}

// =============================================================================
// TURN
// =============================================================================

// Turn is one submit: a Sent message and, once the stream yields its first
// result, the Received message that fragments are appended to. Turns are
// guarded by the owning session's lock.
type Turn struct {
	ID         int
	Phase      Phase
	SentID     string
	ReceivedID string
	StartedAt  time.Time
	EndedAt    time.Time
	Err        error

	canceled bool
	cancel   context.CancelFunc
	body     bridge.Body
}

func newTurn(id int, sentID string) *Turn {
	return &Turn{
		ID:        id,
		Phase:     PhaseIdle,
		SentID:    sentID,
		StartedAt: time.Now(),
	}
}

// transition moves the turn to phase, rejecting moves the lifecycle does
// not allow.
func (t *Turn) transition(to Phase) error {
	if !isValidTransition(t.Phase, to) {
		return fmt.Errorf("invalid turn transition from %s to %s", t.Phase, to)
	}
	t.Phase = to
	if to.IsTerminal() {
		t.EndedAt = time.Now()
	}
	return nil
}

func isValidTransition(from, to Phase) bool {
	switch from {
	case PhaseIdle:
		return to == PhaseSubmitting
	case PhaseSubmitting:
		// Settled directly: canceled before the stream opened.
		return to == PhaseStreaming || to == PhaseSettled || to == PhaseFailed
	case PhaseStreaming:
		return to == PhaseSettled || to == PhaseFailed
	case PhaseSettled, PhaseFailed:
		// Terminal; a new turn starts from idle
		return false
	default:
		return false
	}
}

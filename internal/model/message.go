// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jeranaias/rigrun-relay/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role records which side of the conversation produced a message.
type Role string

const (
	// RoleSent is a message the user typed. Created complete, never mutated.
	RoleSent Role = "sent"
	// RoleReceived is an assistant reply, created empty and filled by fragments.
	RoleReceived Role = "received"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// ProviderRole maps the role onto the provider-neutral message shape.
func (r Role) ProviderRole() string {
	switch r {
	case RoleSent:
		return "user"
	case RoleReceived:
		return "assistant"
	default:
		return string(r)
	}
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleSent:
		return "You"
	case RoleReceived:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single entry in a conversation.
//
// The ID is the join key the session uses to find the in-flight Received
// message when fragments arrive.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`

	// Streaming state (not serialized)
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`

	// Performance metrics (Received messages only)
	TTFT          time.Duration `json:"ttft_ns,omitempty"`
	TotalDuration time.Duration `json:"total_duration_ns,omitempty"`
	FragmentCount int           `json:"fragment_count,omitempty"`
}

// NewSentMessage creates a complete user message.
func NewSentMessage(content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      RoleSent,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewReceivedMessage creates an empty assistant message ready for fragments.
func NewReceivedMessage() *Message {
	return &Message{
		ID:          generateID(),
		Role:        RoleReceived,
		CreatedAt:   time.Now(),
		IsStreaming: true,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendFragment appends streamed content. No-op unless the message is a
// Received message that has not been finalized.
func (m *Message) AppendFragment(fragment string) {
	if m.Role != RoleReceived || !m.IsStreaming {
		return
	}
	m.streamContent.WriteString(fragment)
	m.FragmentCount++
}

// Finalize stops streaming and folds the accumulated content into Content.
// Partial content is kept as-is; stats may be nil.
func (m *Message) Finalize(stats *Statistics) {
	if !m.IsStreaming {
		return
	}

	m.Content = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false

	if stats != nil {
		m.TTFT = stats.TTFT
		m.TotalDuration = stats.TotalDuration
	}
}

// DisplayContent returns the content to show (streaming or final).
func (m *Message) DisplayContent() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Content
}

// Preview returns a truncated, rune-safe preview of the content.
func (m *Message) Preview(maxLen int) string {
	return util.TruncateRunes(m.DisplayContent(), maxLen)
}

// IsEmpty returns true if the message has no content.
func (m *Message) IsEmpty() bool {
	return len(m.Content) == 0 && m.streamContent.Len() == 0
}

// Snapshot returns a detached copy safe to hand to other goroutines.
// The copy reports the content accumulated so far in Content.
func (m *Message) Snapshot() Message {
	return Message{
		ID:            m.ID,
		Role:          m.Role,
		Content:       m.DisplayContent(),
		CreatedAt:     m.CreatedAt,
		IsStreaming:   m.IsStreaming,
		TTFT:          m.TTFT,
		TotalDuration: m.TotalDuration,
		FragmentCount: m.FragmentCount,
	}
}

// =============================================================================
// STATISTICS TYPE
// =============================================================================

// Statistics holds timing information for one assistant reply.
type Statistics struct {
	StartTime      time.Time
	FirstTokenTime time.Time
	EndTime        time.Time

	Fragments int

	TTFT               time.Duration
	TotalDuration      time.Duration
	FragmentsPerSecond float64
}

// NewStatistics creates a new Statistics with the start time set.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
	}
}

// RecordFragment counts a fragment and stamps the first one.
func (s *Statistics) RecordFragment() {
	if s.FirstTokenTime.IsZero() {
		s.FirstTokenTime = time.Now()
		s.TTFT = s.FirstTokenTime.Sub(s.StartTime)
	}
	s.Fragments++
}

// Finalize computes the final statistics.
func (s *Statistics) Finalize() {
	s.EndTime = time.Now()
	s.TotalDuration = s.EndTime.Sub(s.StartTime)

	if s.TotalDuration > 0 {
		s.FragmentsPerSecond = float64(s.Fragments) / s.TotalDuration.Seconds()
	}
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is an append-only, insertion-ordered message history.
// Messages are never removed; the history lives as long as its owner.
//
// Conversation is not safe for concurrent use; the owning session guards it.
type Conversation struct {
	ID        string
	CreatedAt time.Time
	UpdatedAt time.Time

	messages []*Message
	byID     map[string]*Message
}

// NewConversation creates an empty conversation with a generated ID.
func NewConversation() *Conversation {
	now := time.Now()
	return &Conversation{
		ID:        generateConversationID(),
		CreatedAt: now,
		UpdatedAt: now,
		messages:  make([]*Message, 0),
		byID:      make(map[string]*Message),
	}
}

// =============================================================================
// MESSAGE MANAGEMENT
// =============================================================================

// Append adds a message to the end of the history.
func (c *Conversation) Append(msg *Message) {
	c.messages = append(c.messages, msg)
	c.byID[msg.ID] = msg
	c.UpdatedAt = time.Now()
}

// AddSent creates and appends a complete user message.
func (c *Conversation) AddSent(content string) *Message {
	msg := NewSentMessage(content)
	c.Append(msg)
	return msg
}

// AddReceived creates and appends an empty streaming assistant message.
func (c *Conversation) AddReceived() *Message {
	msg := NewReceivedMessage()
	c.Append(msg)
	return msg
}

// Get returns the message with the given ID, or nil.
func (c *Conversation) Get(id string) *Message {
	return c.byID[id]
}

// Last returns the most recent message, or nil if empty.
func (c *Conversation) Last() *Message {
	if len(c.messages) == 0 {
		return nil
	}
	return c.messages[len(c.messages)-1]
}

// Len returns the number of messages.
func (c *Conversation) Len() int {
	return len(c.messages)
}

// Messages returns detached snapshots of every message, oldest first.
func (c *Conversation) Messages() []Message {
	out := make([]Message, len(c.messages))
	for i, msg := range c.messages {
		out[i] = msg.Snapshot()
	}
	return out
}

// ProviderMessages formats the full history for the provider.
func (c *Conversation) ProviderMessages() []ProviderMessage {
	return FormatMessages(c.Messages())
}

// generateConversationID creates a unique conversation ID.
func generateConversationID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "conv_" + hex.EncodeToString(bytes)
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProviderMessage is the provider-neutral message shape.
type ProviderMessage struct {
	Role    string `json:"role"` // "user" or "assistant"
	Content string `json:"content"`
}

// FormatMessages maps history onto provider messages: Sent becomes "user",
// Received becomes "assistant". The whole history is kept, in order.
func FormatMessages(history []Message) []ProviderMessage {
	out := make([]ProviderMessage, 0, len(history))
	for _, msg := range history {
		out = append(out, ProviderMessage{
			Role:    msg.Role.ProviderRole(),
			Content: msg.Content,
		})
	}
	return out
}

// Envelope is the wrapper payload sent toward the provider.
type Envelope struct {
	Model     string            `json:"model"`
	Messages  []ProviderMessage `json:"messages"`
	Stream    bool              `json:"stream"`
	MaxTokens *int              `json:"max_tokens,omitempty"`
}

// ErrEmptyModel is returned when an envelope has no model.
var ErrEmptyModel = errors.New("envelope model is empty")

// NewEnvelope builds a streaming envelope. maxTokens <= 0 omits the field.
func NewEnvelope(model string, messages []ProviderMessage, maxTokens int) Envelope {
	env := Envelope{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if maxTokens > 0 {
		env.MaxTokens = &maxTokens
	}
	return env
}

// Encode serializes the envelope into the JSON string the host expects.
func (e Envelope) Encode() (string, error) {
	if e.Model == "" {
		return "", ErrEmptyModel
	}
	if e.Messages == nil {
		e.Messages = []ProviderMessage{}
	}
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to encode envelope: %w", err)
	}
	return string(data), nil
}

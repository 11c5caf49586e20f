// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for conversations and messages.
//
// # Key Types
//
//   - Conversation: append-only, insertion-ordered history owned by one session
//   - Message: a Sent (user) or Received (assistant) entry; Received messages
//     are created empty and filled fragment by fragment
//   - Envelope: the wrapper payload {model, messages, stream, max_tokens?}
//   - Statistics: timing for one assistant reply
//
// # Usage
//
//	conv := model.NewConversation()
//	conv.AddSent("2+2?")
//	env := model.NewEnvelope("gpt-4o", conv.ProviderMessages(), 0)
//	payload, err := env.Encode()
package model

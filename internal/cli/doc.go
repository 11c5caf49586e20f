// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the rigrun-relay command-line interface.
//
// # Commands
//
//   - chat: interactive REPL over one chat session
//   - ask: one turn, streamed to stdout
//   - config: show, path, init, get, set
//   - serve: run the provider host over NATS for remote clients
//   - version: build information
//
// # Wiring
//
// Every command that talks to a provider builds a Runtime: the event bus
// (in-process or NATS), the provider host, and the stream bridge that chat
// sessions open requests through.
package cli

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across the relay packages.
//
// # Key Functions
//
//   - TruncateRunes: UTF-8 safe truncation with ellipsis (message previews)
//   - TruncateWidth, StringWidth: display-width aware helpers for the terminal
//   - Redact: masks secrets before they reach a log line
//   - AtomicWriteFile: crash-safe file writing with fsync (config saves)
package util

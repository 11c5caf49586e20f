// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for rigrun-relay.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// # Key Types
//
//   - Config: Main configuration structure with all settings
//   - ProviderConfig: Per-provider key, base URL and model
//   - BridgeConfig, SessionConfig: stream deadline and turn policy
//   - EventsConfig: memory or NATS event transport
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (RELAY_*)
//   - ~/.rigrun-relay/config.toml
//   - ~/.rigrun-relay/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	timeout := cfg.Bridge.Timeout()
//
// Watch reloads a file when it changes:
//
//	err := config.Watch(ctx, path, func(cfg *config.Config) { ... })
package config

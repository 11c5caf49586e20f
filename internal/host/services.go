// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"context"
	"encoding/json"
)

// Caller runs request/reply host commands other than stream_api_request and
// returns the JSON-encoded reply.
type Caller interface {
	Call(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error)
}

// Services executes the service commands. *mcp.Manager implements it.
type Services interface {
	Dispatch(ctx context.Context, command string, params json.RawMessage) (any, error)
}

// Call implements Caller by handing the command to the configured services.
func (h *Host) Call(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	if h.services == nil || command == CommandStreamAPIRequest {
		return nil, &ProxyError{Kind: KindUnsupportedCommand, Message: command}
	}

	log := h.log.With().Str("command", command).Logger()
	result, err := h.services.Dispatch(ctx, command, params)
	if err != nil {
		log.Warn().Err(err).Msg("Service command failed")
		return nil, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		return nil, &ProxyError{Kind: KindParse, Message: "Failed to encode command result", Cause: err}
	}
	log.Debug().Int("bytes", len(data)).Msg("Service command finished")
	return data, nil
}

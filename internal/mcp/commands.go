// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcp

import (
	"context"
	"encoding/json"
)

// Host command names served by Dispatch.
const (
	CommandStartService = "start_service"
	CommandListTools    = "list_tools"
	CommandCallTool     = "call_tool"
	CommandGetServices  = "get_services"
	CommandStopService  = "stop_service"
)

// Commands lists the command names Dispatch accepts.
var Commands = []string{
	CommandStartService,
	CommandListTools,
	CommandCallTool,
	CommandGetServices,
	CommandStopService,
}

// StartParams are the start_service parameters.
type StartParams struct {
	ServiceName string   `json:"service_name"`
	Executable  string   `json:"executable"`
	Args        []string `json:"args,omitempty"`
}

// ServiceParams name one service (list_tools, stop_service).
type ServiceParams struct {
	ServiceName string `json:"service_name"`
}

// CallParams are the call_tool parameters.
type CallParams struct {
	ServiceName string          `json:"service_name"`
	ToolName    string          `json:"tool_name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
}

// Dispatch runs a service command with JSON parameters and returns a value
// ready to be JSON-encoded as the reply.
func (m *Manager) Dispatch(ctx context.Context, command string, params json.RawMessage) (any, error) {
	switch command {
	case CommandStartService:
		var p StartParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.Start(ctx, p.ServiceName, p.Executable, p.Args)

	case CommandListTools:
		var p ServiceParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.ListTools(ctx, p.ServiceName)

	case CommandCallTool:
		var p CallParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.CallTool(ctx, p.ServiceName, p.ToolName, p.Arguments)

	case CommandGetServices:
		return m.Services(), nil

	case CommandStopService:
		var p ServiceParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return m.Stop(p.ServiceName)

	default:
		return nil, &Error{Kind: KindUnknownCommand, Message: command}
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Kind: KindSerialization, Message: "invalid command parameters", Cause: err}
	}
	return nil
}

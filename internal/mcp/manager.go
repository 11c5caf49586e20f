// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mcp runs Model Context Protocol servers as child processes and
// keeps a client session to each one under a service name.
//
// The host exposes the manager through five commands (start_service,
// list_tools, call_tool, get_services, stop_service) next to
// stream_api_request; see Dispatch.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"sort"
	"sync"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
)

// =============================================================================
// RESPONSES
// =============================================================================

// ServiceResponse reports the outcome of a start or stop.
type ServiceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ToolsResponse lists the tools of one service.
type ToolsResponse struct {
	Success bool        `json:"success"`
	Tools   []*sdk.Tool `json:"tools"`
	Message string      `json:"message"`
}

// ToolCallResponse carries the result of one tool call.
type ToolCallResponse struct {
	Success bool                `json:"success"`
	Result  *sdk.CallToolResult `json:"result,omitempty"`
	Message string              `json:"message"`
}

// =============================================================================
// MANAGER
// =============================================================================

// TransportFunc builds the transport used to reach a newly started server.
type TransportFunc func(executable string, args []string) sdk.Transport

// CommandTransport starts executable with args and speaks MCP over its
// stdin and stdout.
func CommandTransport(executable string, args []string) sdk.Transport {
	return &sdk.CommandTransport{Command: exec.Command(executable, args...)}
}

// Options configures a Manager.
type Options struct {
	// Transport defaults to CommandTransport.
	Transport TransportFunc
	Version   string
	Logger    zerolog.Logger
}

// Manager owns the running services, keyed by name. It is safe for
// concurrent use.
type Manager struct {
	client    *sdk.Client
	transport TransportFunc
	log       zerolog.Logger

	mu       sync.Mutex
	services map[string]*sdk.ClientSession
}

// NewManager creates an empty manager.
func NewManager(opts Options) *Manager {
	if opts.Transport == nil {
		opts.Transport = CommandTransport
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	return &Manager{
		client:    sdk.NewClient(&sdk.Implementation{Name: "rigrun-relay", Version: opts.Version}, nil),
		transport: opts.Transport,
		log:       opts.Logger.With().Str("component", "mcp").Logger(),
		services:  make(map[string]*sdk.ClientSession),
	}
}

// Start launches a server and registers its session under name. A service
// already running under name is stopped and replaced.
func (m *Manager) Start(ctx context.Context, name, executable string, args []string) (ServiceResponse, error) {
	if name == "" {
		return ServiceResponse{}, &Error{Kind: KindInvalidArguments, Message: "service name is required"}
	}
	if executable == "" {
		return ServiceResponse{}, &Error{Kind: KindInvalidArguments, Message: "executable is required"}
	}

	session, err := m.client.Connect(ctx, m.transport(executable, args), nil)
	if err != nil {
		return ServiceResponse{}, connectError(executable, err)
	}

	m.mu.Lock()
	previous := m.services[name]
	m.services[name] = session
	m.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			m.log.Debug().Err(err).Str("service", name).Msg("Replaced service did not close cleanly")
		}
	}

	m.log.Info().Str("service", name).Str("executable", executable).Strs("args", args).Msg("Service started")
	return ServiceResponse{
		Success: true,
		Message: fmt.Sprintf("Service %s started successfully", name),
	}, nil
}

// ListTools returns every tool of a service, following pagination.
func (m *Manager) ListTools(ctx context.Context, name string) (ToolsResponse, error) {
	session, err := m.session(name)
	if err != nil {
		return ToolsResponse{}, err
	}

	tools := make([]*sdk.Tool, 0)
	params := &sdk.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			return ToolsResponse{}, &Error{Kind: KindProtocol, Message: "list tools", Cause: err}
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		params = &sdk.ListToolsParams{Cursor: res.NextCursor}
	}

	m.log.Debug().Str("service", name).Int("tools", len(tools)).Msg("Listed tools")
	return ToolsResponse{
		Success: true,
		Tools:   tools,
		Message: fmt.Sprintf("Found %d tools", len(tools)),
	}, nil
}

// CallTool calls a tool of a service. Arguments must be a JSON object;
// empty arguments mean {}.
func (m *Manager) CallTool(ctx context.Context, name, tool string, arguments json.RawMessage) (ToolCallResponse, error) {
	args, err := objectArguments(arguments)
	if err != nil {
		return ToolCallResponse{}, err
	}
	session, err := m.session(name)
	if err != nil {
		return ToolCallResponse{}, err
	}

	res, err := session.CallTool(ctx, &sdk.CallToolParams{Name: tool, Arguments: args})
	if err != nil {
		return ToolCallResponse{}, &Error{Kind: KindProtocol, Message: fmt.Sprintf("call %s", tool), Cause: err}
	}

	m.log.Debug().Str("service", name).Str("tool", tool).Bool("is_error", res.IsError).Msg("Tool called")
	return ToolCallResponse{
		Success: true,
		Result:  res,
		Message: fmt.Sprintf("Tool %s called successfully", tool),
	}, nil
}

// Services returns the names of the running services, sorted.
func (m *Manager) Services() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stop closes a service and forgets it. An unknown name is reported in the
// response, not as an error.
func (m *Manager) Stop(name string) (ServiceResponse, error) {
	m.mu.Lock()
	session, ok := m.services[name]
	delete(m.services, name)
	m.mu.Unlock()

	if !ok {
		return ServiceResponse{
			Success: false,
			Message: fmt.Sprintf("Service %s not found", name),
		}, nil
	}

	if err := session.Close(); err != nil {
		return ServiceResponse{}, &Error{Kind: KindProtocol, Message: fmt.Sprintf("stop %s", name), Cause: err}
	}
	m.log.Info().Str("service", name).Msg("Service stopped")
	return ServiceResponse{
		Success: true,
		Message: fmt.Sprintf("Service %s stopped successfully", name),
	}, nil
}

// Close stops every service.
func (m *Manager) Close() error {
	var errs []error
	for _, name := range m.Services() {
		if _, err := m.Stop(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) session(name string) (*sdk.ClientSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.services[name]
	if !ok {
		return nil, &Error{Kind: KindServiceNotFound, Message: name}
	}
	return session, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// objectArguments decodes tool arguments, accepting only a JSON object.
func objectArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil || args == nil {
		return nil, &Error{Kind: KindInvalidArguments, Message: "Arguments must be a valid JSON object"}
	}
	return args, nil
}

// connectError classifies a failed start. Process launch failures are IO
// errors; everything after the launch is a protocol error.
func connectError(executable string, err error) error {
	var execErr *exec.Error
	var pathErr *fs.PathError
	if errors.As(err, &execErr) || errors.As(err, &pathErr) {
		return &Error{Kind: KindIO, Message: fmt.Sprintf("failed to start %s", executable), Cause: err}
	}
	return &Error{Kind: KindProtocol, Message: fmt.Sprintf("failed to initialize %s", executable), Cause: err}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HELPERS
// =============================================================================

type greetArgs struct {
	Name string `json:"name,omitempty"`
}

func greet(_ context.Context, _ *sdk.CallToolRequest, args greetArgs) (*sdk.CallToolResult, any, error) {
	return &sdk.CallToolResult{
		Content: []sdk.Content{&sdk.TextContent{Text: "Hi " + args.Name}},
	}, nil, nil
}

// inMemoryServers serves a greet tool in-process for every started service
// and records the executables it was asked to start.
func inMemoryServers(t *testing.T, started *[]string) TransportFunc {
	t.Helper()
	return func(executable string, args []string) sdk.Transport {
		*started = append(*started, executable)

		server := sdk.NewServer(&sdk.Implementation{Name: executable, Version: "v0.0.1"}, nil)
		sdk.AddTool(server, &sdk.Tool{Name: "greet", Description: "Say hi"}, greet)

		clientSide, serverSide := sdk.NewInMemoryTransports()
		_, err := server.Connect(context.Background(), serverSide, nil)
		require.NoError(t, err)
		return clientSide
	}
}

func newTestManager(t *testing.T) (*Manager, *[]string) {
	t.Helper()
	var started []string
	m := NewManager(Options{Transport: inMemoryServers(t, &started), Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = m.Close() })
	return m, &started
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// SERVICE LIFECYCLE
// =============================================================================

func TestManager_StartListCallStop(t *testing.T) {
	m, started := newTestManager(t)
	ctx := testContext(t)

	resp, err := m.Start(ctx, "calc", "calc-server", []string{"--stdio"})
	require.NoError(t, err)
	assert.Equal(t, ServiceResponse{Success: true, Message: "Service calc started successfully"}, resp)
	assert.Equal(t, []string{"calc-server"}, *started)
	assert.Equal(t, []string{"calc"}, m.Services())

	tools, err := m.ListTools(ctx, "calc")
	require.NoError(t, err)
	assert.True(t, tools.Success)
	assert.Equal(t, "Found 1 tools", tools.Message)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "greet", tools.Tools[0].Name)
	assert.Equal(t, "Say hi", tools.Tools[0].Description)

	call, err := m.CallTool(ctx, "calc", "greet", json.RawMessage(`{"name":"Ada"}`))
	require.NoError(t, err)
	assert.Equal(t, "Tool greet called successfully", call.Message)
	require.NotNil(t, call.Result)
	assert.False(t, call.Result.IsError)
	require.Len(t, call.Result.Content, 1)
	text, ok := call.Result.Content[0].(*sdk.TextContent)
	require.True(t, ok)
	assert.Equal(t, "Hi Ada", text.Text)

	stop, err := m.Stop("calc")
	require.NoError(t, err)
	assert.Equal(t, ServiceResponse{Success: true, Message: "Service calc stopped successfully"}, stop)
	assert.Empty(t, m.Services())

	stop, err = m.Stop("calc")
	require.NoError(t, err)
	assert.Equal(t, ServiceResponse{Success: false, Message: "Service calc not found"}, stop)
}

func TestManager_ServicesSorted(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := testContext(t)

	for _, name := range []string{"zeta", "alpha", "mid"} {
		_, err := m.Start(ctx, name, name+"-server", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"alpha", "mid", "zeta"}, m.Services())

	require.NoError(t, m.Close())
	assert.Empty(t, m.Services())
}

func TestManager_StartReplacesSameName(t *testing.T) {
	m, started := newTestManager(t)
	ctx := testContext(t)

	_, err := m.Start(ctx, "svc", "first", nil)
	require.NoError(t, err)
	_, err = m.Start(ctx, "svc", "second", nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"first", "second"}, *started)
	assert.Equal(t, []string{"svc"}, m.Services())

	_, err = m.ListTools(ctx, "svc")
	assert.NoError(t, err)
}

func TestManager_StartValidation(t *testing.T) {
	m, started := newTestManager(t)
	ctx := testContext(t)

	_, err := m.Start(ctx, "", "server", nil)
	assert.True(t, IsKind(err, KindInvalidArguments))
	_, err = m.Start(ctx, "svc", "", nil)
	assert.True(t, IsKind(err, KindInvalidArguments))
	assert.Empty(t, *started)
}

func TestManager_StartMissingExecutable(t *testing.T) {
	m := NewManager(Options{Logger: zerolog.Nop()})
	defer m.Close()

	_, err := m.Start(testContext(t), "ghost", "/nonexistent/mcp-server", nil)
	require.Error(t, err)
	var me *Error
	require.ErrorAs(t, err, &me)
	assert.Empty(t, m.Services())
}

func TestManager_UnknownService(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := testContext(t)

	_, err := m.ListTools(ctx, "nope")
	assert.True(t, IsKind(err, KindServiceNotFound))
	assert.EqualError(t, err, "Service not found: nope")

	_, err = m.CallTool(ctx, "nope", "greet", nil)
	assert.True(t, IsKind(err, KindServiceNotFound))
}

func TestManager_CallToolArguments(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := testContext(t)
	_, err := m.Start(ctx, "calc", "calc-server", nil)
	require.NoError(t, err)

	for _, raw := range []string{`[1,2]`, `"text"`, `null`, `42`, `{broken`} {
		t.Run(raw, func(t *testing.T) {
			_, err := m.CallTool(ctx, "calc", "greet", json.RawMessage(raw))
			assert.True(t, IsKind(err, KindInvalidArguments))
			assert.EqualError(t, err, "Invalid arguments: Arguments must be a valid JSON object")
		})
	}

	call, err := m.CallTool(ctx, "calc", "greet", nil)
	require.NoError(t, err)
	assert.Equal(t, "Hi ", call.Result.Content[0].(*sdk.TextContent).Text)
}

func TestManager_CallUnknownTool(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := testContext(t)
	_, err := m.Start(ctx, "calc", "calc-server", nil)
	require.NoError(t, err)

	_, err = m.CallTool(ctx, "calc", "missing", json.RawMessage(`{}`))
	assert.True(t, IsKind(err, KindProtocol))
}

// =============================================================================
// DISPATCH
// =============================================================================

func TestManager_Dispatch(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := testContext(t)

	out, err := m.Dispatch(ctx, CommandStartService, json.RawMessage(`{"service_name":"calc","executable":"calc-server","args":["-v"]}`))
	require.NoError(t, err)
	assert.Equal(t, ServiceResponse{Success: true, Message: "Service calc started successfully"}, out)

	out, err = m.Dispatch(ctx, CommandGetServices, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"calc"}, out)

	out, err = m.Dispatch(ctx, CommandListTools, json.RawMessage(`{"service_name":"calc"}`))
	require.NoError(t, err)
	assert.Len(t, out.(ToolsResponse).Tools, 1)

	out, err = m.Dispatch(ctx, CommandCallTool, json.RawMessage(`{"service_name":"calc","tool_name":"greet","arguments":{"name":"Bo"}}`))
	require.NoError(t, err)
	data, err := json.Marshal(out)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"text":"Hi Bo"`)

	out, err = m.Dispatch(ctx, CommandStopService, json.RawMessage(`{"service_name":"calc"}`))
	require.NoError(t, err)
	assert.True(t, out.(ServiceResponse).Success)

	_, err = m.Dispatch(ctx, "restart_service", nil)
	assert.True(t, IsKind(err, KindUnknownCommand))

	_, err = m.Dispatch(ctx, CommandListTools, json.RawMessage(`[`))
	assert.True(t, IsKind(err, KindSerialization))
}

func TestError_Messages(t *testing.T) {
	testCases := []struct {
		err      *Error
		expected string
	}{
		{&Error{Kind: KindServiceNotFound, Message: "x"}, "Service not found: x"},
		{&Error{Kind: KindInvalidArguments, Message: "bad"}, "Invalid arguments: bad"},
		{&Error{Kind: KindIO, Message: "failed to start y"}, "IO error: failed to start y"},
		{&Error{Kind: KindUnknownCommand, Message: "z"}, "Unknown command: z"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, tc.err.Error())
	}
}

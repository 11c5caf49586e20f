// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/mcp"
)

// serverEnv makes the test binary act as a stdio MCP server.
const serverEnv = "RELAY_TEST_MCP_SERVER"

func TestMain(m *testing.M) {
	if os.Getenv(serverEnv) == "1" {
		serveGreeter()
		os.Exit(0)
	}
	os.Exit(m.Run())
}

type greetArgs struct {
	Name string `json:"name,omitempty"`
}

func serveGreeter() {
	server := sdk.NewServer(&sdk.Implementation{Name: "greeter", Version: "v0.0.1"}, nil)
	sdk.AddTool(server, &sdk.Tool{Name: "greet", Description: "Say hi\nto someone"},
		func(_ context.Context, _ *sdk.CallToolRequest, args greetArgs) (*sdk.CallToolResult, any, error) {
			return &sdk.CallToolResult{
				Content: []sdk.Content{&sdk.TextContent{Text: "Hi " + args.Name}},
			}, nil, nil
		})
	_ = server.Run(context.Background(), &sdk.StdioTransport{})
}

// greeterExecutable returns the command that starts the greeter server.
func greeterExecutable(t *testing.T) string {
	t.Helper()
	t.Setenv(serverEnv, "1")
	return os.Args[0]
}

// =============================================================================
// REPL
// =============================================================================

func TestRepl_MCP(t *testing.T) {
	r, out, errOut := newTestRepl(t, "unused")
	exe := greeterExecutable(t)

	assert.True(t, r.handle("/mcp services"))
	assert.Contains(t, out.String(), "No services running.")

	out.Reset()
	assert.True(t, r.handle("/mcp start greeter "+exe))
	require.Empty(t, errOut.String())
	assert.Contains(t, out.String(), "Service greeter started successfully")

	out.Reset()
	assert.True(t, r.handle("/mcp tools greeter"))
	assert.Contains(t, out.String(), "Found 1 tools")
	assert.Contains(t, out.String(), "greet Say hi")
	assert.NotContains(t, out.String(), "to someone")

	out.Reset()
	assert.True(t, r.handle(`/mcp call greeter greet {"name": "Ada"}`))
	require.Empty(t, errOut.String())
	assert.Equal(t, "Hi Ada\n", out.String())

	out.Reset()
	assert.True(t, r.handle("/mcp services"))
	assert.Equal(t, "greeter\n", out.String())

	out.Reset()
	assert.True(t, r.handle("/mcp stop greeter"))
	assert.Contains(t, out.String(), "Service greeter stopped successfully")
	assert.Empty(t, r.rt.Services.Services())
}

func TestRepl_MCPErrors(t *testing.T) {
	r, out, errOut := newTestRepl(t, "unused")

	assert.True(t, r.handle("/mcp"))
	assert.Contains(t, out.String(), "/mcp call <name> <tool> [json-arguments]")

	assert.True(t, r.handle("/mcp tools missing"))
	assert.Contains(t, errOut.String(), "Service not found: missing")

	errOut.Reset()
	assert.True(t, r.handle("/mcp stop missing"))
	assert.Contains(t, errOut.String(), "Service missing not found")

	errOut.Reset()
	assert.True(t, r.handle("/mcp call missing greet {not json"))
	assert.Contains(t, errOut.String(), "tool arguments must be JSON")

	errOut.Reset()
	assert.True(t, r.handle("/mcp call missing greet [1]"))
	assert.Contains(t, errOut.String(), "Invalid arguments: Arguments must be a valid JSON object")
}

// =============================================================================
// COMMANDS
// =============================================================================

func TestMCPCommand_ServicesOnMemoryBackend(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, testConfig("http://127.0.0.1:1"))

	out, _, err := execute(t, nil, "--config", path, "mcp", "services")
	require.NoError(t, err)
	assert.Contains(t, out, "No services running.")

	_, _, err = execute(t, nil, "--config", path, "mcp", "tools", "missing")
	assert.ErrorContains(t, err, "Service not found: missing")

	_, _, err = execute(t, nil, "--config", path, "mcp", "call", "missing", "greet", "{bad")
	assert.ErrorContains(t, err, "tool arguments must be JSON")

	_, _, err = execute(t, nil, "--config", path, "mcp", "start", "only-name")
	assert.Error(t, err)
}

func TestRuntime_CallOverEmbeddedNATS(t *testing.T) {
	isolateEnv(t)
	exe := greeterExecutable(t)

	cfg := testConfig("http://127.0.0.1:1")
	cfg.Events.Backend = config.BackendNATS
	cfg.Events.EmbeddedServer = true
	cfg.Events.SubjectPrefix = "relay.mcp"

	rt, err := NewRuntime(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()

	ctx := context.Background()
	call := func(command string, params any) (json.RawMessage, error) {
		data, err := json.Marshal(params)
		require.NoError(t, err)
		return rt.Call(ctx, command, data)
	}

	reply, err := call(mcp.CommandStartService, mcp.StartParams{ServiceName: "greeter", Executable: exe})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"message":"Service greeter started successfully"}`, string(reply))

	reply, err = call(mcp.CommandCallTool, mcp.CallParams{
		ServiceName: "greeter",
		ToolName:    "greet",
		Arguments:   json.RawMessage(`{"name":"wire"}`),
	})
	require.NoError(t, err)
	var resp struct {
		Success bool `json:"success"`
		Result  struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(reply, &resp))
	assert.True(t, resp.Success)
	require.Len(t, resp.Result.Content, 1)
	assert.Equal(t, "Hi wire", resp.Result.Content[0].Text)

	reply, err = call(mcp.CommandGetServices, struct{}{})
	require.NoError(t, err)
	assert.JSONEq(t, `["greeter"]`, string(reply))

	_, err = call(mcp.CommandListTools, mcp.ServiceParams{ServiceName: "nope"})
	assert.EqualError(t, err, "Service not found: nope")

	_, err = call("restart_service", struct{}{})
	assert.EqualError(t, err, "Unknown command: restart_service")
}

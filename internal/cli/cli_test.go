// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/config"
)

// =============================================================================
// HELPERS
// =============================================================================

func isolateEnv(t *testing.T) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	for _, name := range []string{
		"RELAY_MODEL", "RELAY_PROVIDER", "RELAY_TIMEOUT_SECS",
		"RELAY_EVENTS_BACKEND", "RELAY_NATS_URL", "RELAY_LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
}

// fakeAnthropic answers /v1/messages with one text delta per reply word and
// records the request bodies.
func fakeAnthropic(t *testing.T, reply string) (*httptest.Server, *[]map[string]any) {
	t.Helper()
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies = append(bodies, body)

		w.Header().Set("Content-Type", "text/event-stream")
		for i, word := range strings.SplitAfter(reply, " ") {
			data, _ := json.Marshal(map[string]any{
				"type":  "content_block_delta",
				"index": i,
				"delta": map[string]string{"type": "text_delta", "text": word},
			})
			fmt.Fprintf(w, "event: content_block_delta\ndata: %s\n\n", data)
			w.(http.Flusher).Flush()
		}
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	t.Cleanup(srv.Close)
	return srv, &bodies
}

func writeConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, config.SaveTOML(cfg, path))
	return path
}

func testConfig(baseURL string) *config.Config {
	cfg := config.Default()
	cfg.DefaultModel = "claude-test"
	cfg.Providers.Anthropic.BaseURL = baseURL
	cfg.Providers.Anthropic.APIKey = "sk-ant-test-key-123"
	cfg.Bridge.TimeoutSecs = 10
	cfg.Logging.Level = "error"
	return cfg
}

func execute(t *testing.T, stdin io.Reader, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand(BuildInfo{Version: "1.2.3", Commit: "abc123", Date: "2025-01-01"})
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	if stdin != nil {
		root.SetIn(stdin)
	}
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

// =============================================================================
// ROOT AND VERSION
// =============================================================================

func TestRootCommand(t *testing.T) {
	isolateEnv(t)

	out, _, err := execute(t, nil, "--version")
	require.NoError(t, err)
	assert.Equal(t, "1.2.3 (commit: abc123, built: 2025-01-01)\n", out)

	out, _, err = execute(t, nil, "--help")
	require.NoError(t, err)
	for _, sub := range []string{"chat", "ask", "config", "serve", "mcp", "version"} {
		assert.Contains(t, out, sub)
	}

	out, _, err = execute(t, nil, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "rigrun-relay 1.2.3")
	assert.Contains(t, out, "commit: abc123")
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 1, exitCode(errors.New("plain")))
	assert.Equal(t, 3, exitCode(&exitError{code: 3, err: errors.New("x")}))
}

// =============================================================================
// CONFIG COMMANDS
// =============================================================================

func TestConfigCommands(t *testing.T) {
	isolateEnv(t)
	path := filepath.Join(t.TempDir(), "relay", "config.toml")

	out, _, err := execute(t, nil, "--config", path, "config", "path")
	require.NoError(t, err)
	assert.Equal(t, path+"\n", out)

	out, _, err = execute(t, nil, "--config", path, "config", "init")
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote")

	_, _, err = execute(t, nil, "--config", path, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	_, _, err = execute(t, nil, "--config", path, "config", "set", "session.policy", "queue")
	require.NoError(t, err)
	_, _, err = execute(t, nil, "--config", path, "config", "set", "providers.openai.api_key", "sk-openai-abcdefghij")
	require.NoError(t, err)

	out, _, err = execute(t, nil, "--config", path, "config", "get", "session.policy")
	require.NoError(t, err)
	assert.Equal(t, "queue\n", out)

	out, _, err = execute(t, nil, "--config", path, "config", "get", "providers.openai.api_key")
	require.NoError(t, err)
	assert.Equal(t, "sk-op...fghij\n", out)

	out, _, err = execute(t, nil, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.NotContains(t, out, "sk-openai-abcdefghij")
	assert.Contains(t, out, `"policy": "queue"`)

	_, _, err = execute(t, nil, "--config", path, "config", "set", "session.policy", "drop")
	assert.ErrorContains(t, err, "session.policy")

	out, _, err = execute(t, nil, "config", "keys")
	require.NoError(t, err)
	assert.Contains(t, out, "bridge.timeout_secs\n")
}

func TestLoadConfig_FlagOverrides(t *testing.T) {
	isolateEnv(t)
	path := writeConfig(t, config.Default())

	opts := &rootOptions{configPath: path, provider: "OpenAI", verbose: true}
	cfg, err := opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.DefaultProvider)
	assert.Equal(t, config.Default().Providers.OpenAI.Model, cfg.DefaultModel, "provider switch picks its model")
	assert.Equal(t, "debug", cfg.Logging.Level)

	opts = &rootOptions{configPath: path, provider: "openai", model: "gpt-4o"}
	cfg, err = opts.loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", cfg.DefaultModel)
}

// =============================================================================
// ASK
// =============================================================================

func TestAsk_StreamsReply(t *testing.T) {
	isolateEnv(t)
	srv, bodies := fakeAnthropic(t, "The answer is 4")
	path := writeConfig(t, testConfig(srv.URL))

	out, _, err := execute(t, nil, "--config", path, "ask", "2+2?")
	require.NoError(t, err)
	assert.Equal(t, "The answer is 4\n", out)

	require.Len(t, *bodies, 1)
	body := (*bodies)[0]
	assert.Equal(t, "claude-test", body["model"])
	assert.Equal(t, true, body["stream"])
	assert.Equal(t, []any{map[string]any{"role": "user", "content": "2+2?"}}, body["messages"])
}

func TestAsk_ReadsStdin(t *testing.T) {
	isolateEnv(t)
	srv, bodies := fakeAnthropic(t, "ok")
	path := writeConfig(t, testConfig(srv.URL))

	out, _, err := execute(t, strings.NewReader("from stdin\n"), "--config", path, "ask")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", out)
	require.Len(t, *bodies, 1)
}

func TestAsk_EmptyQuestion(t *testing.T) {
	isolateEnv(t)
	_, _, err := execute(t, strings.NewReader("  "), "ask")
	assert.EqualError(t, err, "no question given")
}

func TestAsk_UpstreamFailureExitsOne(t *testing.T) {
	isolateEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	path := writeConfig(t, testConfig(srv.URL))

	_, _, err := execute(t, nil, "--config", path, "ask", "hi")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, err.Error(), "Anthropic API request failed with status 503")
}

func TestAsk_MissingKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Chdir(t.TempDir())

	srv, _ := fakeAnthropic(t, "unused")
	cfg := testConfig(srv.URL)
	cfg.Providers.Anthropic.APIKey = ""
	path := writeConfig(t, cfg)

	_, _, err := execute(t, nil, "--config", path, "ask", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed to load ANTHROPIC_API_KEY")
}

func TestAsk_OverEmbeddedNATS(t *testing.T) {
	isolateEnv(t)
	srv, _ := fakeAnthropic(t, "over the wire")
	cfg := testConfig(srv.URL)
	cfg.Events.Backend = config.BackendNATS
	cfg.Events.EmbeddedServer = true
	cfg.Events.SubjectPrefix = "relay.test"
	path := writeConfig(t, cfg)

	out, _, err := execute(t, nil, "--config", path, "ask", "hi")
	require.NoError(t, err)
	assert.Equal(t, "over the wire\n", out)
}

// =============================================================================
// REPL
// =============================================================================

func newTestRepl(t *testing.T, reply string) (*repl, *bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	isolateEnv(t)
	srv, _ := fakeAnthropic(t, reply)

	rt, err := NewRuntime(testConfig(srv.URL), zerolog.Nop())
	require.NoError(t, err)

	var out, errOut bytes.Buffer
	r := newRepl(rt, &out, &errOut)
	t.Cleanup(func() {
		r.session.Close()
		rt.Close()
	})
	return r, &out, &errOut
}

func TestRepl_Turn(t *testing.T) {
	r, out, errOut := newTestRepl(t, "Hello there")

	assert.True(t, r.handle("hi"))
	r.waitTurn(context.Background(), nil)

	assert.Equal(t, "Hello there\n", out.String())
	assert.Empty(t, errOut.String())

	out.Reset()
	assert.True(t, r.handle("/history"))
	assert.Contains(t, out.String(), "hi")
	assert.Contains(t, out.String(), "Hello there")
}

func TestRepl_SlashCommands(t *testing.T) {
	r, out, errOut := newTestRepl(t, "unused")

	assert.True(t, r.handle("   "))
	assert.True(t, r.handle("/history"))
	assert.Contains(t, out.String(), "No messages yet.")

	assert.True(t, r.handle("/model claude-other"))
	assert.Equal(t, "claude-other", r.session.Model())

	out.Reset()
	assert.True(t, r.handle("/status"))
	assert.Contains(t, out.String(), "claude-other")
	assert.Contains(t, out.String(), "idle")

	out.Reset()
	assert.True(t, r.handle("/help"))
	assert.Contains(t, out.String(), "/model [name]")

	assert.True(t, r.handle("/bogus"))
	assert.Contains(t, errOut.String(), "unknown command /bogus")

	assert.False(t, r.handle("/quit"))
	assert.False(t, r.handle("exit"))
}

func TestRepl_ReportsTurnError(t *testing.T) {
	isolateEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	rt, err := NewRuntime(testConfig(srv.URL), zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()

	var out, errOut bytes.Buffer
	r := newRepl(rt, &out, &errOut)
	defer r.session.Close()

	r.handle("hi")
	r.waitTurn(context.Background(), nil)
	assert.Contains(t, errOut.String(), "status 401")
}

func TestRepl_ConfigReloadChangesModel(t *testing.T) {
	isolateEnv(t)
	srv, _ := fakeAnthropic(t, "unused")
	cfg := testConfig(srv.URL)
	path := writeConfig(t, cfg)

	rt, err := NewRuntime(cfg, zerolog.Nop())
	require.NoError(t, err)
	defer rt.Close()

	r := newRepl(rt, io.Discard, io.Discard)
	defer r.session.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.watchConfig(ctx, &rootOptions{configPath: path})

	next := cfg.Clone()
	next.DefaultModel = "claude-reloaded"
	require.Eventually(t, func() bool {
		_ = config.SaveTOML(next, path)
		return r.session.Model() == "claude-reloaded"
	}, 5*time.Second, 150*time.Millisecond)
}

func TestRuntime_NATSWithoutServerFails(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Events.Backend = config.BackendNATS
	cfg.Events.NATSURL = "nats://127.0.0.1:1"

	_, err := NewRuntime(cfg, zerolog.Nop())
	assert.Error(t, err)
}

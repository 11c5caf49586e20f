// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/rigrun-relay/internal/hostevent"
)

func TestCommandSubject(t *testing.T) {
	assert.Equal(t, "rigrun.relay.commands.stream_api_request", CommandSubject("", CommandStreamAPIRequest))
	assert.Equal(t, "x.commands.stream_api_request", CommandSubject("x.", CommandStreamAPIRequest))
	assert.Equal(t, "x.commands.*", NewNATSServer(nil, "x", InvokerFunc(nil), zerolog.Nop()).Subject())
}

func TestNATSInvoker_RoundTrip(t *testing.T) {
	srv, err := hostevent.NewEmbeddedServer("127.0.0.1", -1, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	hostConn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer hostConn.Close()
	clientConn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer clientConn.Close()

	received := make(chan Command, 2)
	server := NewNATSServer(hostConn, "test", InvokerFunc(func(_ context.Context, cmd Command) error {
		received <- cmd
		if cmd.Provider == "broken" {
			return errors.New("Unsupported provider: broken")
		}
		return nil
	}), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()
	defer func() {
		cancel()
		<-served
	}()

	invoker := NewNATSInvoker(clientConn, "test")
	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()

	// Serve subscribes asynchronously; retry until the server has interest.
	var invokeErr error
	for i := 0; i < 50; i++ {
		invokeErr = invoker.Invoke(callCtx, Command{RequestID: "r1", Provider: "anthropic", Payload: "{}"})
		if !errors.Is(invokeErr, nats.ErrNoResponders) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.NoError(t, invokeErr)
	got := <-received
	assert.Equal(t, "r1", got.RequestID)
	assert.Equal(t, "anthropic", got.Provider)

	err = invoker.Invoke(callCtx, Command{RequestID: "r2", Provider: "broken", Payload: "{}"})
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Unsupported provider: broken", remote.Message)
}

// invokerCaller serves both command shapes.
type invokerCaller struct {
	InvokerFunc
	fakeServices
}

func (ic invokerCaller) Call(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	h := &Host{services: ic.fakeServices, log: zerolog.Nop()}
	return h.Call(ctx, command, params)
}

func startCommandServer(t *testing.T, inv Invoker) *nats.Conn {
	t.Helper()
	srv, err := hostevent.NewEmbeddedServer("127.0.0.1", -1, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	hostConn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(hostConn.Close)

	server := NewNATSServer(hostConn, "test", inv, zerolog.Nop())
	require.NoError(t, server.Start(context.Background()))
	t.Cleanup(server.Stop)

	clientConn, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(clientConn.Close)
	return clientConn
}

func TestNATSInvoker_ServiceCommands(t *testing.T) {
	streamed := make(chan Command, 1)
	conn := startCommandServer(t, invokerCaller{
		InvokerFunc: func(_ context.Context, cmd Command) error {
			streamed <- cmd
			return nil
		},
	})
	invoker := NewNATSInvoker(conn, "test")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := invoker.Call(ctx, "list_tools", json.RawMessage(`{"service_name":"calc"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"list_tools","params":{"service_name":"calc"}}`, string(out))

	out, err = invoker.Call(ctx, "get_services", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"command":"get_services","params":{}}`, string(out))

	// The stream command still reaches Invoke on the same subscription.
	require.NoError(t, invoker.Invoke(ctx, Command{RequestID: "r1", Provider: "anthropic", Payload: "{}"}))
	assert.Equal(t, "r1", (<-streamed).RequestID)
}

func TestNATSInvoker_ServiceCommandErrors(t *testing.T) {
	conn := startCommandServer(t, invokerCaller{
		fakeServices: fakeServices{fail: errors.New("Service not found: calc")},
	})
	invoker := NewNATSInvoker(conn, "test")

	_, err := invoker.Call(context.Background(), "list_tools", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Service not found: calc", remote.Message)
}

func TestNATSServer_WithoutCallerRejectsServiceCommands(t *testing.T) {
	conn := startCommandServer(t, InvokerFunc(func(context.Context, Command) error { return nil }))
	invoker := NewNATSInvoker(conn, "test")

	_, err := invoker.Call(context.Background(), "get_services", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "Unsupported command: get_services", remote.Message)
}

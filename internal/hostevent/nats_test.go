// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hostevent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := NewEmbeddedServer("127.0.0.1", -1, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)
	return srv
}

// collector gathers events delivered on another goroutine.
type collector struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
	once   sync.Once
}

func newCollector() *collector {
	return &collector{done: make(chan struct{})}
}

func (c *collector) handle(evt Event) {
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	if evt.Name == EventEnd {
		c.once.Do(func() { close(c.done) })
	}
}

func (c *collector) wait(t *testing.T) []Event {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for end event")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Event(nil), c.events...)
}

func TestNATSBus_RoundTripPreservesOrder(t *testing.T) {
	srv := startTestServer(t)

	// Host side publishes, client side listens, on separate connections.
	host, err := ConnectNATS(srv.ClientURL(), NATSOptions{SubjectPrefix: "test.relay"})
	require.NoError(t, err)
	defer host.Close()
	client, err := ConnectNATS(srv.ClientURL(), NATSOptions{SubjectPrefix: "test.relay"})
	require.NoError(t, err)
	defer client.Close()

	c := newCollector()
	for _, name := range Names {
		sub, err := client.Listen(name, c.handle)
		require.NoError(t, err)
		defer sub.Release()
	}

	ctx := context.Background()
	require.NoError(t, host.Emit(ctx, Chunk("req-1", `0:"Hel"`+"\n")))
	require.NoError(t, host.Emit(ctx, Chunk("req-1", `0:"lo"`+"\n")))
	require.NoError(t, host.Emit(ctx, End("req-1")))

	events := c.wait(t)
	require.Len(t, events, 3)
	assert.Equal(t, EventChunk, events[0].Name)
	assert.Equal(t, `0:"Hel"`+"\n", events[0].Payload)
	assert.Equal(t, "req-1", events[1].RequestID)
	assert.Equal(t, EventEnd, events[2].Name)
	assert.False(t, events[2].HasPayload)
}

func TestNATSBus_ErrorWithoutPayload(t *testing.T) {
	srv := startTestServer(t)

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	defer nc.Close()

	bus, err := NewNATSBus(nc, NATSOptions{})
	require.NoError(t, err)
	defer bus.Close()
	assert.Equal(t, "rigrun.relay.events.ai-stream-error", bus.Subject(EventError))

	got := make(chan Event, 1)
	_, err = bus.Listen(EventError, func(evt Event) { got <- evt })
	require.NoError(t, err)

	require.NoError(t, bus.Emit(context.Background(), Event{Name: EventError}))

	select {
	case evt := <-got:
		assert.Equal(t, UnknownError, evt.ErrorMessage())
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error event")
	}
}

func TestNATSBus_Close(t *testing.T) {
	srv := startTestServer(t)

	bus, err := ConnectNATS(srv.ClientURL(), NATSOptions{})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Emit(context.Background(), End("")), ErrBusClosed)
}

func TestConnectNATS_Unreachable(t *testing.T) {
	_, err := ConnectNATS("nats://127.0.0.1:1", NATSOptions{Logger: zerolog.Nop()})
	assert.Error(t, err)
}

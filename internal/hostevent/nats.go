// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hostevent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is the subject prefix used when none is configured.
const DefaultSubjectPrefix = "rigrun.relay"

// NATSBus carries host events over NATS.
//
// Events are published to "<prefix>.events.<event-name>" as JSON. The bus
// holds a single wildcard subscription on "<prefix>.events.>" and dispatches
// locally, so a chunk and the end event that follows it are handled in
// publish order.
type NATSBus struct {
	nc      *nats.Conn
	ownConn bool
	prefix  string
	log     zerolog.Logger

	local *MemoryBus

	mu     sync.Mutex
	sub    *nats.Subscription
	closed bool
}

// NATSOptions configures a NATSBus.
type NATSOptions struct {
	// SubjectPrefix defaults to DefaultSubjectPrefix.
	SubjectPrefix string
	Logger        zerolog.Logger
}

// ConnectNATS dials url and returns a bus that owns the connection.
func ConnectNATS(url string, opts NATSOptions) (*NATSBus, error) {
	nc, err := nats.Connect(url, nats.Name("rigrun-relay"))
	if err != nil {
		opts.Logger.Error().Err(err).Str("url", url).Msg("Failed to connect to NATS")
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	bus, err := NewNATSBus(nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	bus.ownConn = true
	return bus, nil
}

// NewNATSBus wraps an existing connection. The caller keeps ownership of nc.
func NewNATSBus(nc *nats.Conn, opts NATSOptions) (*NATSBus, error) {
	prefix := strings.Trim(opts.SubjectPrefix, ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}

	b := &NATSBus{
		nc:     nc,
		prefix: prefix,
		log:    opts.Logger.With().Str("component", "nats-bus").Logger(),
		local:  NewMemoryBus(),
	}

	sub, err := nc.Subscribe(b.Subject(">"), b.dispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.Subject(">"), err)
	}
	b.sub = sub

	// Make sure the server has the interest before anyone publishes.
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("failed to flush NATS subscription: %w", err)
	}
	return b, nil
}

// Subject returns the subject an event name is published on.
func (b *NATSBus) Subject(name string) string {
	return b.prefix + ".events." + name
}

// Conn returns the underlying connection, for request/reply traffic that
// shares it.
func (b *NATSBus) Conn() *nats.Conn {
	return b.nc
}

// Emit publishes evt.
func (b *NATSBus) Emit(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBusClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", evt.Name, err)
	}
	if err := b.nc.Publish(b.Subject(evt.Name), data); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", evt.Name, err)
	}
	return nil
}

// dispatch runs on the subscription goroutine.
func (b *NATSBus) dispatch(msg *nats.Msg) {
	var evt Event
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		b.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping undecodable event")
		return
	}
	if evt.Name == "" {
		evt.Name = strings.TrimPrefix(msg.Subject, b.Subject(""))
	}
	if err := b.local.Emit(context.Background(), evt); err != nil && err != ErrBusClosed {
		b.log.Warn().Err(err).Str("event", evt.Name).Msg("Failed to dispatch event")
	}
}

// Listen registers h for events named name.
func (b *NATSBus) Listen(name string, h Handler) (*Subscription, error) {
	return b.local.Listen(name, h)
}

// ListenerCount returns the number of live handlers for name.
func (b *NATSBus) ListenerCount(name string) int {
	return b.local.ListenerCount(name)
}

// Close unsubscribes and, when the bus dialed the connection itself, drains
// and closes it.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var firstErr error
	if err := b.sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		firstErr = fmt.Errorf("failed to unsubscribe: %w", err)
	}
	b.local.Close()
	if b.ownConn {
		b.nc.Close()
	}
	return firstErr
}

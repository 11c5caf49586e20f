// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/hostevent"
)

// DefaultCommandTimeout bounds a remote command whose context has no deadline.
const DefaultCommandTimeout = 10 * time.Minute

// CommandSubject returns the NATS subject for a host command.
func CommandSubject(prefix, command string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		prefix = hostevent.DefaultSubjectPrefix
	}
	return prefix + ".commands." + command
}

type commandReply struct {
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// =============================================================================
// CLIENT SIDE
// =============================================================================

// NATSInvoker sends commands to a host serving on NATS. The reply arrives
// when the host has finished the command.
type NATSInvoker struct {
	nc      *nats.Conn
	prefix  string
	timeout time.Duration
}

// NewNATSInvoker creates an invoker for hosts listening under prefix.
func NewNATSInvoker(nc *nats.Conn, prefix string) *NATSInvoker {
	return &NATSInvoker{
		nc:      nc,
		prefix:  prefix,
		timeout: DefaultCommandTimeout,
	}
}

// Invoke implements Invoker.
func (n *NATSInvoker) Invoke(ctx context.Context, cmd Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	_, err = n.request(ctx, CommandStreamAPIRequest, data)
	return err
}

// Call implements Caller.
func (n *NATSInvoker) Call(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	return n.request(ctx, command, params)
}

func (n *NATSInvoker) request(ctx context.Context, command string, data []byte) (json.RawMessage, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	msg, err := n.nc.RequestWithContext(ctx, CommandSubject(n.prefix, command), data)
	if err != nil {
		return nil, fmt.Errorf("host command %s failed: %w", command, err)
	}

	var reply commandReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("failed to decode host reply: %w", err)
	}
	if reply.Error != "" {
		return nil, &RemoteError{Message: reply.Error}
	}
	return reply.Result, nil
}

// =============================================================================
// HOST SIDE
// =============================================================================

// NATSServer exposes an Invoker (usually a *Host) on NATS. Every command
// subject under the prefix is served: stream_api_request goes to Invoke,
// anything else to Call when the invoker is also a Caller.
type NATSServer struct {
	nc      *nats.Conn
	base    string
	subject string
	inv     Invoker
	caller  Caller
	log     zerolog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
	wg  sync.WaitGroup
}

// NewNATSServer creates a command server for inv under prefix.
func NewNATSServer(nc *nats.Conn, prefix string, inv Invoker, logger zerolog.Logger) *NATSServer {
	base := CommandSubject(prefix, "")
	caller, _ := inv.(Caller)
	return &NATSServer{
		nc:      nc,
		base:    base,
		subject: base + "*",
		inv:     inv,
		caller:  caller,
		log:     logger.With().Str("component", "host-nats").Logger(),
	}
}

// Subject returns the wildcard subject the server listens on.
func (s *NATSServer) Subject() string {
	return s.subject
}

// Serve handles commands until ctx is done, then waits for in-flight
// commands to finish.
func (s *NATSServer) Serve(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Start subscribes to the command subjects and returns once the server has
// registered the interest. Commands run with ctx.
func (s *NATSServer) Start(ctx context.Context) error {
	sub, err := s.nc.Subscribe(s.subject, func(msg *nats.Msg) {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
	}
	if err := s.nc.Flush(); err != nil {
		sub.Unsubscribe()
		return fmt.Errorf("failed to flush subscription: %w", err)
	}

	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	s.log.Info().Str("subject", s.subject).Bool("services", s.caller != nil).Msg("Serving host commands")
	return nil
}

// Stop unsubscribes and waits for in-flight commands.
func (s *NATSServer) Stop() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
	s.wg.Wait()
}

func (s *NATSServer) handle(ctx context.Context, msg *nats.Msg) {
	command := strings.TrimPrefix(msg.Subject, s.base)

	var reply commandReply
	switch {
	case command == CommandStreamAPIRequest:
		var cmd Command
		if err := json.Unmarshal(msg.Data, &cmd); err != nil {
			reply.Error = fmt.Sprintf("malformed command: %v", err)
		} else if err := s.inv.Invoke(ctx, cmd); err != nil {
			reply.Error = err.Error()
		}
	case s.caller != nil:
		result, err := s.caller.Call(ctx, command, msg.Data)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Result = result
		}
	default:
		reply.Error = (&ProxyError{Kind: KindUnsupportedCommand, Message: command}).Error()
	}

	data, _ := json.Marshal(reply)
	if err := msg.Respond(data); err != nil {
		s.log.Warn().Err(err).Str("command", command).Msg("Failed to reply to command")
	}
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package hostevent

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"
)

// EmbeddedServer is an in-process NATS server for running host and client
// over NATS without an external broker.
type EmbeddedServer struct {
	ns        *server.Server
	log       zerolog.Logger
	startOnce sync.Once
}

// NewEmbeddedServer creates a server listening on host:port. Port -1 picks a
// random free port.
func NewEmbeddedServer(host string, port int, logger zerolog.Logger) (*EmbeddedServer, error) {
	if host == "" {
		host = "127.0.0.1"
	}
	ns, err := server.NewServer(&server.Options{
		ServerName: "rigrun_relay_embedded",
		Host:       host,
		Port:       port,
		NoSigs:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	log := logger.With().Str("component", "nats-server").Logger()
	ns.SetLogger(&natsLogger{log: log.Level(zerolog.WarnLevel)}, false, false)

	return &EmbeddedServer{ns: ns, log: log}, nil
}

// Start starts the server and waits until it accepts connections.
func (s *EmbeddedServer) Start() error {
	s.startOnce.Do(func() {
		s.ns.Start()
	})
	if !s.ns.ReadyForConnections(5 * time.Second) {
		return fmt.Errorf("NATS server failed to start within 5s timeout")
	}
	s.log.Debug().Str("url", s.ns.ClientURL()).Msg("Embedded NATS server ready")
	return nil
}

// ClientURL returns the URL clients should dial.
func (s *EmbeddedServer) ClientURL() string {
	return s.ns.ClientURL()
}

// Stop shuts the server down and waits for it to exit.
func (s *EmbeddedServer) Stop() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}

// natsLogger forwards NATS server logs to zerolog.
type natsLogger struct {
	log zerolog.Logger
}

func (n *natsLogger) Noticef(format string, v ...interface{}) {
	n.log.Info().Msgf(format, v...)
}

func (n *natsLogger) Warnf(format string, v ...interface{}) {
	n.log.Warn().Msgf(format, v...)
}

// Fatalf logs at error level; the relay decides itself whether to exit.
func (n *natsLogger) Fatalf(format string, v ...interface{}) {
	n.log.Error().Msgf(format, v...)
}

func (n *natsLogger) Errorf(format string, v ...interface{}) {
	n.log.Error().Msgf(format, v...)
}

func (n *natsLogger) Debugf(format string, v ...interface{}) {
	n.log.Debug().Msgf(format, v...)
}

func (n *natsLogger) Tracef(format string, v ...interface{}) {
	n.log.Trace().Msgf(format, v...)
}

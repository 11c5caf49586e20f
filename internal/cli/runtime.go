// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/bridge"
	"github.com/jeranaias/rigrun-relay/internal/chat"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/host"
	"github.com/jeranaias/rigrun-relay/internal/hostevent"
	"github.com/jeranaias/rigrun-relay/internal/mcp"
)

// =============================================================================
// RUNTIME
// =============================================================================

// Runtime wires the event bus, provider host and stream bridge for one
// process.
//
// With the memory backend everything runs in-process. With the nats backend
// events and commands travel over NATS; when the embedded server is used the
// host is also served from this process, otherwise a separate
// "rigrun-relay serve" is expected to answer.
//
// MCP services live in the process that serves the host, so they outlive a
// single command only under "serve" or inside the chat REPL.
type Runtime struct {
	Config *config.Config
	Log    zerolog.Logger

	Bus      hostevent.Bus
	Host     *host.Host
	Bridge   *bridge.Bridge
	Services *mcp.Manager

	invoker host.Invoker
	caller  host.Caller
	closers []func()
}

// NewRuntime builds a runtime from cfg. Close releases it.
func NewRuntime(cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{Config: cfg, Log: log}

	var err error
	switch strings.ToLower(cfg.Events.Backend) {
	case config.BackendNATS:
		err = rt.wireNATS()
	default:
		rt.wireMemory()
	}
	if err != nil {
		rt.Close()
		return nil, err
	}

	rt.Bridge = bridge.New(rt.Bus, rt.invoker, bridge.Config{
		DefaultProvider: cfg.DefaultProvider,
		Timeout:         cfg.Bridge.Timeout(),
		Logger:          log,
	})
	return rt, nil
}

func (rt *Runtime) wireMemory() {
	bus := hostevent.NewMemoryBus()
	rt.Bus = bus
	rt.closers = append(rt.closers, func() { _ = bus.Close() })

	rt.Services = rt.newServices()
	rt.Host = newHost(rt.Config, bus, rt.Services, rt.Log)
	rt.invoker = rt.Host
	rt.caller = rt.Host
}

// newServices creates the MCP manager and stops its services on Close.
func (rt *Runtime) newServices() *mcp.Manager {
	services := newServiceManager(rt.Log)
	rt.closers = append(rt.closers, func() {
		if err := services.Close(); err != nil {
			rt.Log.Warn().Err(err).Msg("Failed to stop MCP services")
		}
	})
	return services
}

func (rt *Runtime) wireNATS() error {
	cfg := rt.Config
	url := cfg.Events.NATSURL
	serveLocal := false

	if url == "" && cfg.Events.EmbeddedServer {
		srv, err := hostevent.NewEmbeddedServer("127.0.0.1", -1, rt.Log)
		if err != nil {
			return err
		}
		if err := srv.Start(); err != nil {
			srv.Stop()
			return err
		}
		rt.closers = append(rt.closers, srv.Stop)
		url = srv.ClientURL()
		serveLocal = true
	}

	bus, err := hostevent.ConnectNATS(url, hostevent.NATSOptions{
		SubjectPrefix: cfg.Events.SubjectPrefix,
		Logger:        rt.Log,
	})
	if err != nil {
		return err
	}
	rt.Bus = bus
	rt.closers = append(rt.closers, func() { _ = bus.Close() })

	var services *mcp.Manager
	if serveLocal {
		rt.Services = rt.newServices()
		services = rt.Services
	}
	rt.Host = newHost(cfg, bus, services, rt.Log)
	if serveLocal {
		ctx, cancel := context.WithCancel(context.Background())
		server := host.NewNATSServer(bus.Conn(), cfg.Events.SubjectPrefix, rt.Host, rt.Log)
		if err := server.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("failed to serve host commands: %w", err)
		}
		rt.closers = append(rt.closers, func() {
			cancel()
			server.Stop()
		})
	}
	invoker := host.NewNATSInvoker(bus.Conn(), cfg.Events.SubjectPrefix)
	rt.invoker = invoker
	rt.caller = invoker
	return nil
}

// Call runs a service command on the host this runtime talks to.
func (rt *Runtime) Call(ctx context.Context, command string, params json.RawMessage) (json.RawMessage, error) {
	return rt.caller.Call(ctx, command, params)
}

// newServiceManager creates the MCP manager that launches servers as child
// processes.
func newServiceManager(log zerolog.Logger) *mcp.Manager {
	return mcp.NewManager(mcp.Options{Logger: log})
}

// newHost builds the provider host from cfg. services may be nil.
func newHost(cfg *config.Config, bus hostevent.Bus, services *mcp.Manager, log zerolog.Logger) *host.Host {
	var svc host.Services
	if services != nil {
		svc = services
	}

	var envFiles []string
	if cfg.Host.EnvFile != "" {
		envFiles = append(envFiles, cfg.Host.EnvFile)
	}

	return host.New(host.Options{
		Bus:  bus,
		Keys: host.NewKeyLoader(cfg.ConfiguredKeys(), log, envFiles...),
		Settings: map[string]host.ProviderSettings{
			host.ProviderOpenAI:    {BaseURL: cfg.Providers.OpenAI.BaseURL},
			host.ProviderAnthropic: {BaseURL: cfg.Providers.Anthropic.BaseURL},
		},
		RequestsPerSecond: cfg.Host.RequestsPerSecond,
		Burst:             cfg.Host.Burst,
		Services:          svc,
		Logger:            log,
	})
}

// NewSession opens a chat session over the bridge. Options left empty are
// filled from the config.
func (rt *Runtime) NewSession(opts chat.Options) *chat.Session {
	cfg := rt.Config
	if opts.Model == "" {
		opts.Model = cfg.DefaultModel
	}
	if opts.Provider == "" {
		opts.Provider = cfg.DefaultProvider
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = cfg.MaxTokens
	}
	if opts.Endpoint == "" {
		opts.Endpoint = cfg.Bridge.Endpoint
	}
	if opts.Policy == "" {
		opts.Policy = chat.Policy(strings.ToLower(cfg.Session.Policy))
	}
	if opts.MaxQueued == 0 {
		opts.MaxQueued = cfg.Session.MaxQueued
	}
	opts.Logger = rt.Log
	return chat.New(rt.Bridge, opts)
}

// Close releases everything in reverse order of creation.
func (rt *Runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

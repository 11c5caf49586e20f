// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package host is the privileged side of the relay: it performs the network
// I/O to the model providers and reports progress as host events.
//
// Clients issue the stream_api_request command (Command) through an Invoker
// and watch the chunk, error and end events on a hostevent.Bus. The MCP
// service commands are request/reply and go through a Caller.
package host

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/jeranaias/rigrun-relay/internal/hostevent"
)

// =============================================================================
// COMMAND
// =============================================================================

// CommandStreamAPIRequest is the name of the streaming host command.
const CommandStreamAPIRequest = "stream_api_request"

// Command is one stream_api_request invocation.
type Command struct {
	RequestID string `json:"request_id"`
	Provider  string `json:"provider"`
	Payload   string `json:"payload"` // JSON-encoded provider request body
}

// Invoker issues host commands. It returns once the host has finished with
// the command; a returned error means the host rejected or failed it.
type Invoker interface {
	Invoke(ctx context.Context, cmd Command) error
}

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, cmd Command) error

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, cmd Command) error {
	return f(ctx, cmd)
}

// =============================================================================
// PROVIDERS
// =============================================================================

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

// Provider streams a response from one API family.
type Provider interface {
	Name() string
	Stream(ctx context.Context, em *Emitter, body json.RawMessage) error
}

// ProviderSettings are the per-provider connection settings.
type ProviderSettings struct {
	BaseURL    string
	HTTPClient *http.Client
}

// ProviderFactory builds a provider for an API key.
type ProviderFactory func(apiKey string, settings ProviderSettings) Provider

// PERFORMANCE: Connection pooling; no client timeout since streams are
// bounded by their context.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// HOST
// =============================================================================

// Options configures a Host.
type Options struct {
	Bus  hostevent.Bus
	Keys *KeyLoader

	// Settings per provider name. Missing entries use the provider defaults.
	Settings map[string]ProviderSettings

	// RequestsPerSecond limits upstream requests per provider. 0 disables.
	RequestsPerSecond float64
	Burst             int

	// Services answers Call. Nil rejects every service command.
	Services Services

	Logger zerolog.Logger
}

// Host executes stream_api_request commands and forwards service commands
// to its Services.
type Host struct {
	bus       hostevent.Bus
	keys      *KeyLoader
	settings  map[string]ProviderSettings
	factories map[string]ProviderFactory
	services  Services
	log       zerolog.Logger

	limitMu  sync.Mutex
	rps      float64
	burst    int
	limiters map[string]*rate.Limiter
}

// New creates a host with the Anthropic and OpenAI providers registered.
func New(opts Options) *Host {
	keys := opts.Keys
	if keys == nil {
		keys = NewKeyLoader(nil, opts.Logger)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	h := &Host{
		bus:       opts.Bus,
		keys:      keys,
		settings:  make(map[string]ProviderSettings),
		factories: make(map[string]ProviderFactory),
		services:  opts.Services,
		log:       opts.Logger.With().Str("component", "host").Logger(),
		rps:       opts.RequestsPerSecond,
		burst:     burst,
		limiters:  make(map[string]*rate.Limiter),
	}
	for name, s := range opts.Settings {
		h.settings[strings.ToLower(name)] = s
	}

	h.Register(ProviderAnthropic, NewAnthropicProvider)
	h.Register(ProviderOpenAI, NewOpenAIProvider)
	return h
}

// Register adds or replaces a provider factory.
func (h *Host) Register(name string, factory ProviderFactory) {
	h.factories[strings.ToLower(name)] = factory
}

// Providers returns the registered provider names.
func (h *Host) Providers() []string {
	names := make([]string, 0, len(h.factories))
	for name := range h.factories {
		names = append(names, name)
	}
	return names
}

// Invoke implements Invoker.
func (h *Host) Invoke(ctx context.Context, cmd Command) error {
	return h.StreamAPIRequest(ctx, cmd)
}

// StreamAPIRequest runs one streamed provider request, emitting its chunk,
// error and end events on the bus. It returns when the upstream stream is
// done.
//
// Validation failures (payload, provider, API key) are returned without
// emitting any event.
func (h *Host) StreamAPIRequest(ctx context.Context, cmd Command) error {
	log := h.log.With().Str("request_id", cmd.RequestID).Str("provider", cmd.Provider).Logger()
	log.Info().Msg("Received stream request")

	var body json.RawMessage
	if err := json.Unmarshal([]byte(cmd.Payload), &body); err != nil {
		return &ProxyError{Kind: KindParse, Message: "Failed to parse payload into JSON", Cause: err}
	}

	name := strings.ToLower(cmd.Provider)
	factory, ok := h.factories[name]
	if !ok {
		return &ProxyError{Kind: KindUnsupportedProvider, Message: cmd.Provider}
	}

	apiKey, err := h.keys.Load(name)
	if err != nil {
		return err
	}

	if err := h.limiter(name).Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	settings := h.settings[name]
	if settings.HTTPClient == nil {
		settings.HTTPClient = sharedStreamingClient
	}
	provider := factory(apiKey, settings)
	em := NewEmitter(h.bus, cmd.RequestID, log)

	start := time.Now()
	err = provider.Stream(ctx, em, body)
	log.Info().Dur("duration", time.Since(start)).Int("chunks", em.Chunks()).Err(err).Msg("Stream request finished")
	return err
}

// limiter returns the rate limiter for a provider.
func (h *Host) limiter(name string) *rate.Limiter {
	h.limitMu.Lock()
	defer h.limitMu.Unlock()

	if l, ok := h.limiters[name]; ok {
		return l
	}
	limit := rate.Inf
	if h.rps > 0 {
		limit = rate.Limit(h.rps)
	}
	l := rate.NewLimiter(limit, h.burst)
	h.limiters[name] = l
	return l
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package bridge turns the host's fire-and-forget stream command and its
// chunk, error and end events into a pull-based, cancellable stream.
//
// # Usage
//
//	b := bridge.New(bus, hostInvoker, bridge.DefaultConfig())
//	resp, err := b.Open(ctx, "/api/chat", bridge.RequestOptions{
//		Method: http.MethodPost,
//		Body:   []byte(`{"providerSelector":"openai","envelope":"{...}"}`),
//	})
//	for {
//		chunk, err := resp.Body.Read(ctx)
//		if err != nil || chunk.Done {
//			break
//		}
//		frag, _ := bridge.DecodeFragment(chunk.Value)
//		fmt.Print(frag.Content)
//	}
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jeranaias/rigrun-relay/internal/host"
	"github.com/jeranaias/rigrun-relay/internal/hostevent"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

const (
	// DefaultProvider is used when a request body does not name one.
	DefaultProvider = host.ProviderAnthropic

	// DefaultTimeout is the default stream deadline.
	DefaultTimeout = 120 * time.Second
)

// Config configures a Bridge.
type Config struct {
	// DefaultProvider is the provider for bodies without a providerSelector.
	DefaultProvider string

	// Timeout cancels a stream that has not seen a terminal event in time.
	// Zero disables the deadline.
	Timeout time.Duration

	// PropagateCancel also cancels the context of the host command when the
	// stream settles. Without it cancellation is local to the stream.
	PropagateCancel bool

	Logger zerolog.Logger
}

// DefaultConfig returns the default bridge configuration.
func DefaultConfig() Config {
	return Config{
		DefaultProvider: DefaultProvider,
		Timeout:         DefaultTimeout,
	}
}

// =============================================================================
// REQUEST / RESPONSE
// =============================================================================

// RequestOptions describe one outbound request.
type RequestOptions struct {
	Method  string
	Headers map[string]string
	Body    []byte
}

// StreamRequest is the decoded form of a request body.
type StreamRequest struct {
	RequestID        string
	ProviderSelector string
	Envelope         string
}

// Response is the result of Open.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       Body
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// =============================================================================
// BRIDGE
// =============================================================================

// Bridge opens streams against a host.
type Bridge struct {
	bus     hostevent.Bus
	invoker host.Invoker
	cfg     Config
	log     zerolog.Logger
}

// New creates a bridge.
func New(bus hostevent.Bus, invoker host.Invoker, cfg Config) *Bridge {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = DefaultProvider
	}
	return &Bridge{
		bus:     bus,
		invoker: invoker,
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "bridge").Logger(),
	}
}

// Open issues the stream command for one request and returns its response.
//
// The endpoint is a routing hint and is only logged. A body that is missing
// or not a JSON object fails with KindMalformedRequest before any listener is
// registered. Methods other than POST get a 405 response.
//
// Canceling ctx cancels the stream.
func (b *Bridge) Open(ctx context.Context, endpoint string, opts RequestOptions) (*Response, error) {
	if opts.Method != "" && !strings.EqualFold(opts.Method, http.MethodPost) {
		details, _ := json.Marshal(map[string]string{
			"details": fmt.Sprintf("method %s not allowed", strings.ToUpper(opts.Method)),
		})
		return &Response{
			StatusCode: http.StatusMethodNotAllowed,
			Header:     http.Header{"Content-Type": []string{"application/json"}},
			Body:       NewBytesBody(details),
		}, nil
	}

	req, err := b.ParseRequest(opts.Body)
	if err != nil {
		return nil, err
	}
	req.RequestID = newRequestID()

	log := b.log.With().Str("request_id", req.RequestID).Str("provider", req.ProviderSelector).Logger()
	log.Debug().Str("endpoint", endpoint).Msg("Opening stream")

	s := newStream(req.RequestID, log)
	if err := b.listen(s); err != nil {
		s.stop(newError(KindTransportRejected, s.id, "failed to subscribe to host events", err))
		return nil, err
	}

	if b.cfg.Timeout > 0 {
		timeout := b.cfg.Timeout
		timer := time.AfterFunc(timeout, func() {
			log.Warn().Dur("timeout", timeout).Msg("Stream timed out")
			s.stop(newError(KindTimeout, s.id, fmt.Sprintf("stream timed out after %s", timeout), nil))
		})
		s.onTeardown(func() { timer.Stop() })
	}

	stopCtx := context.AfterFunc(ctx, s.Cancel)
	s.onTeardown(func() { stopCtx() })

	invokeCtx := context.WithoutCancel(ctx)
	if b.cfg.PropagateCancel {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithCancel(invokeCtx)
		s.onTeardown(cancel)
	}

	cmd := host.Command{
		RequestID: req.RequestID,
		Provider:  req.ProviderSelector,
		Payload:   req.Envelope,
	}
	go func() {
		if err := b.invoker.Invoke(invokeCtx, cmd); err != nil {
			log.Debug().Err(err).Msg("Host command failed")
			s.fail(newError(KindTransportRejected, s.id, err.Error(), err))
		}
	}()

	return &Response{
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Content-Type": []string{"text/plain; charset=utf-8"},
			"X-Request-Id": []string{req.RequestID},
		},
		Body: s,
	}, nil
}

// listen registers the stream's chunk, error and end handlers.
func (b *Bridge) listen(s *Stream) error {
	accepts := func(evt hostevent.Event) bool {
		if evt.RequestID != "" && evt.RequestID != s.id {
			return false
		}
		return true
	}

	handlers := map[string]hostevent.Handler{
		hostevent.EventChunk: func(evt hostevent.Event) {
			if accepts(evt) {
				s.push(EncodeFragment(NormalizeChunk(evt.Payload)))
			}
		},
		hostevent.EventError: func(evt hostevent.Event) {
			if accepts(evt) {
				s.fail(newError(KindProvider, s.id, evt.ErrorMessage(), nil))
			}
		},
		hostevent.EventEnd: func(evt hostevent.Event) {
			if accepts(evt) {
				s.end()
			}
		},
	}

	for _, name := range hostevent.Names {
		sub, err := b.bus.Listen(name, handlers[name])
		if err != nil {
			return newError(KindTransportRejected, s.id, fmt.Sprintf("failed to listen for %s", name), err)
		}
		s.listeners.add(sub)
	}
	return nil
}

// ParseRequest decodes a request body.
//
// The body must be a JSON object. {providerSelector, envelope} is used as
// given (envelope may be a JSON string or any JSON value). Any other object
// is the envelope itself and the default provider applies.
func (b *Bridge) ParseRequest(body []byte) (StreamRequest, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return StreamRequest{}, newError(KindMalformedRequest, "", "request body is required", nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil || fields == nil {
		if err == nil {
			err = fmt.Errorf("body is null")
		}
		return StreamRequest{}, newError(KindMalformedRequest, "", "request body must be a JSON object", err)
	}

	req := StreamRequest{ProviderSelector: b.cfg.DefaultProvider}

	rawEnvelope, hasEnvelope := fields["envelope"]
	if !hasEnvelope {
		req.Envelope = string(trimmed)
		return req, nil
	}

	if rawSelector, ok := fields["providerSelector"]; ok {
		var selector string
		if err := json.Unmarshal(rawSelector, &selector); err != nil {
			return StreamRequest{}, newError(KindMalformedRequest, "", "providerSelector must be a string", err)
		}
		if selector != "" {
			req.ProviderSelector = selector
		}
	}

	var envelope string
	if err := json.Unmarshal(rawEnvelope, &envelope); err == nil {
		req.Envelope = envelope
	} else {
		req.Envelope = string(rawEnvelope)
	}
	return req, nil
}

// newRequestID returns a time-ordered unique id.
func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

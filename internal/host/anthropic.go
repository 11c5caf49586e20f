// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultAnthropicBaseURL is the Anthropic API root.
	DefaultAnthropicBaseURL = "https://api.anthropic.com"

	// AnthropicVersion is sent as the anthropic-version header.
	AnthropicVersion = "2023-06-01"

	// maxErrorBody caps how much of a failed response is read.
	maxErrorBody = 64 * 1024
)

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewAnthropicProvider is the ProviderFactory for Anthropic.
func NewAnthropicProvider(apiKey string, settings ProviderSettings) Provider {
	baseURL := strings.TrimRight(settings.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	client := settings.HTTPClient
	if client == nil {
		client = sharedStreamingClient
	}
	return &AnthropicProvider{apiKey: apiKey, baseURL: baseURL, client: client}
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string {
	return ProviderAnthropic
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Usage json.RawMessage `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream posts body to /v1/messages and relays the text deltas.
func (p *AnthropicProvider) Stream(ctx context.Context, em *Emitter, body json.RawMessage) error {
	log := em.log
	log.Info().Msg("Starting Anthropic stream request")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return &ProxyError{Kind: KindHTTP, Message: "failed to create request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("anthropic-version", AnthropicVersion)
	req.Header.Set("x-api-key", p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return &ProxyError{Kind: KindHTTP, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := string(errBody)
		if readErr != nil {
			text = "Failed to read error body"
		}
		msg := fmt.Sprintf("Anthropic API request failed with status %s: %s", resp.Status, text)
		if err := em.Error(ctx, msg); err != nil {
			return err
		}
		return &ProxyError{Kind: KindStatus, Status: resp.StatusCode}
	}
	log.Info().Int("status", resp.StatusCode).Msg("Anthropic API request successful")

	reader := NewSSEReader(resp.Body)
	for {
		_, data, err := reader.ReadEvent()
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			msg := fmt.Sprintf("Error reading stream chunk: %v", err)
			if emitErr := em.Error(ctx, msg); emitErr != nil {
				return emitErr
			}
			return &ProxyError{Kind: KindHTTP, Cause: err}
		}

		var evt anthropicEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Warn().Err(err).Msg("Failed to parse data as JSON event")
			continue
		}

		switch evt.Type {
		case "content_block_delta":
			if evt.Delta != nil && evt.Delta.Type == "text_delta" {
				if err := em.Chunk(ctx, evt.Delta.Text); err != nil {
					return err
				}
			}
		case "error":
			if evt.Error != nil {
				msg := fmt.Sprintf("API Error Event: [%s] %s", evt.Error.Type, evt.Error.Message)
				if err := em.Error(ctx, msg); err != nil {
					return err
				}
			}
		case "message_start", "content_block_start", "content_block_stop", "ping":
			log.Debug().Str("type", evt.Type).Msg("Event ignored")
		case "message_delta", "message_stop":
			if len(evt.Usage) > 0 {
				log.Debug().RawJSON("usage", evt.Usage).Msg("Usage data received")
			}
		default:
			log.Warn().Str("type", evt.Type).Msg("Unknown event type")
		}
	}

	log.Info().Msg("Anthropic stream completed")
	return em.End(ctx)
}

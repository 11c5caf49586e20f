// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider streams from the OpenAI chat completions API.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAIProvider is the ProviderFactory for OpenAI. BaseURL, when set, is
// the API root including the version segment (".../v1").
func NewOpenAIProvider(apiKey string, settings ProviderSettings) Provider {
	config := openai.DefaultConfig(apiKey)
	if settings.BaseURL != "" {
		config.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	}
	if settings.HTTPClient != nil {
		config.HTTPClient = settings.HTTPClient
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(config)}
}

// Name returns "openai".
func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

// Stream sends body as a chat completion request and relays content deltas.
func (p *OpenAIProvider) Stream(ctx context.Context, em *Emitter, body json.RawMessage) error {
	log := em.log
	log.Info().Msg("Starting OpenAI stream request")

	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return &ProxyError{Kind: KindParse, Message: "payload is not a chat completion request", Cause: err}
	}
	req.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		status, text := openAIFailure(err)
		if status == 0 {
			return &ProxyError{Kind: KindHTTP, Cause: err}
		}
		msg := fmt.Sprintf("OpenAI API request failed with status %d: %s", status, text)
		if emitErr := em.Error(ctx, msg); emitErr != nil {
			return emitErr
		}
		return &ProxyError{Kind: KindStatus, Status: status, Cause: err}
	}
	defer stream.Close()
	log.Info().Msg("OpenAI API request successful")

	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
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

		for _, choice := range resp.Choices {
			if choice.Delta.Content != "" {
				if err := em.Chunk(ctx, choice.Delta.Content); err != nil {
					return err
				}
			}
			if choice.FinishReason != "" {
				log.Debug().Str("reason", string(choice.FinishReason)).Msg("Choice finished")
			}
		}
	}

	log.Info().Msg("OpenAI stream completed")
	return em.End(ctx)
}

// openAIFailure extracts the HTTP status and message from a client error.
func openAIFailure(err error) (int, string) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode, apiErr.Message
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		text := ""
		if reqErr.Err != nil {
			text = reqErr.Err.Error()
		}
		return reqErr.HTTPStatusCode, text
	}
	return 0, ""
}

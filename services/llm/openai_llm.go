// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

const (
	groqBaseURL    = "https://api.groq.com/openai/v1"
	mistralBaseURL = "https://api.mistral.ai/v1"
)

// OpenAIConfig configures any backend that speaks the OpenAI chat
// completions API.
type OpenAIConfig struct {
	// Name overrides the registry key. Defaults per constructor.
	Name string

	// BaseURL overrides the API endpoint. Defaults per constructor.
	BaseURL string

	// APIKey is required.
	APIKey *APIKey

	// HTTPClient is optional.
	HTTPClient *http.Client
}

// OpenAIProvider implements Provider with go-openai. The same type serves
// OpenAI, Groq, and Mistral; only the endpoint and capability rules differ.
type OpenAIProvider struct {
	name         string
	client       *openai.Client
	capabilities func(model string) Capabilities

	// completionTokens selects max_completion_tokens over max_tokens.
	completionTokens bool
	includeUsage     bool
}

// NewOpenAIProvider creates the "openai" provider.
//
// Reasoning models (o1, o3, o4, gpt-5 families) report no temperature
// support, so the adapter drops the parameter for them.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	p, err := newOpenAICompatible(cfg, "openai", "")
	if err != nil {
		return nil, err
	}
	p.completionTokens = true
	p.includeUsage = true
	p.capabilities = func(model string) Capabilities {
		return Capabilities{Tools: true, Temperature: !isReasoningModel(model)}
	}
	return p, nil
}

// NewGroqProvider creates the "groq" provider.
func NewGroqProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	p, err := newOpenAICompatible(cfg, "groq", groqBaseURL)
	if err != nil {
		return nil, err
	}
	p.capabilities = func(string) Capabilities {
		return Capabilities{Tools: true, Temperature: true}
	}
	return p, nil
}

// NewMistralProvider creates the "mistral" provider. Mistral rejects a
// conversation that ends with an assistant message.
func NewMistralProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	p, err := newOpenAICompatible(cfg, "mistral", mistralBaseURL)
	if err != nil {
		return nil, err
	}
	p.capabilities = func(string) Capabilities {
		return Capabilities{Tools: true, Temperature: true, RejectsTrailingAssistant: true}
	}
	return p, nil
}

func newOpenAICompatible(cfg OpenAIConfig, defaultName, defaultBaseURL string) (*OpenAIProvider, error) {
	key, err := cfg.APIKey.Reveal()
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", defaultName, err)
	}

	clientCfg := openai.DefaultConfig(key)
	switch {
	case cfg.BaseURL != "":
		clientCfg.BaseURL = cfg.BaseURL
	case defaultBaseURL != "":
		clientCfg.BaseURL = defaultBaseURL
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	name := cfg.Name
	if name == "" {
		name = defaultName
	}

	slog.Info("Initializing OpenAI-compatible provider", "provider", name, "base_url", clientCfg.BaseURL)
	return &OpenAIProvider{
		name:   name,
		client: openai.NewClientWithConfig(clientCfg),
	}, nil
}

// Name implements Provider.
func (p *OpenAIProvider) Name() string { return p.name }

// Capabilities implements Provider.
func (p *OpenAIProvider) Capabilities(model string) Capabilities {
	return p.capabilities(model)
}

// Generate implements Provider.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	choice := resp.Choices[0]
	msg := Message{
		Role:    RoleAssistant,
		Content: choice.Message.Content,
	}
	for _, tc := range choice.Message.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}

	return &Response{
		Message:    msg,
		StopReason: string(choice.FinishReason),
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

// GenerateStream implements Provider.
func (p *OpenAIProvider) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func (p *OpenAIProvider) buildRequest(req Request, stream bool) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   stream,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		if p.completionTokens {
			out.MaxCompletionTokens = req.MaxTokens
		} else {
			out.MaxTokens = req.MaxTokens
		}
	}
	if stream && p.includeUsage {
		out.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
		switch m.Role {
		case RoleTool:
			msg.ToolCallID = m.ToolCallID
			msg.Name = m.Name
		case RoleAssistant:
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

// isReasoningModel matches model families that reject sampling parameters.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// openAIStream adapts go-openai's stream reader to Stream.
type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (Delta, error) {
	for {
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			return Delta{}, io.EOF
		}
		if err != nil {
			return Delta{}, err
		}

		var d Delta
		for _, c := range resp.Choices {
			d.Content += c.Delta.Content
		}
		if resp.Usage != nil {
			d.Usage = &Usage{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
			}
		}
		// Role-only and empty keep-alive chunks carry nothing.
		if d.Content == "" && d.Usage == nil {
			continue
		}
		return d, nil
	}
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

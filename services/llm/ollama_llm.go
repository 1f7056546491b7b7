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
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaToolModels lists model families with native tool calling.
var DefaultOllamaToolModels = []string{
	"llama3.1", "llama3.2", "llama3.3", "qwen2.5", "qwen3", "mistral", "gpt-oss", "command-r",
}

// OllamaConfig configures a local or remote Ollama server.
type OllamaConfig struct {
	Name       string
	BaseURL    string
	HTTPClient *http.Client

	// ToolModels are model-name prefixes that support native tools.
	// Default: DefaultOllamaToolModels.
	ToolModels []string

	// KeepAlive keeps models resident between phases that alternate
	// models. Zero leaves the server default.
	KeepAlive time.Duration
}

// OllamaProvider implements Provider with the Ollama API client.
//
// # Description
//
// Ollama's Chat API is callback based; GenerateStream bridges it onto the
// pull-style Stream. Tool support depends on the model, so Capabilities
// consults the configured prefix list.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaProvider struct {
	name       string
	client     *api.Client
	toolModels []string
	keepAlive  time.Duration
}

// NewOllamaProvider creates the "ollama" provider.
func NewOllamaProvider(cfg OllamaConfig) (*OllamaProvider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("ollama provider: base URL is required")
	}
	baseURL, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid ollama base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	name := cfg.Name
	if name == "" {
		name = "ollama"
	}
	toolModels := cfg.ToolModels
	if len(toolModels) == 0 {
		toolModels = DefaultOllamaToolModels
	}

	slog.Info("Initializing Ollama provider", "provider", name, "base_url", baseURL.String())
	return &OllamaProvider{
		name:       name,
		client:     api.NewClient(baseURL, httpClient),
		toolModels: toolModels,
		keepAlive:  cfg.KeepAlive,
	}, nil
}

// Name implements Provider.
func (p *OllamaProvider) Name() string { return p.name }

// Capabilities implements Provider.
func (p *OllamaProvider) Capabilities(model string) Capabilities {
	m := strings.ToLower(model)
	tools := false
	for _, prefix := range p.toolModels {
		if strings.HasPrefix(m, prefix) {
			tools = true
			break
		}
	}
	return Capabilities{Tools: tools, Temperature: true}
}

// Generate implements Provider.
func (p *OllamaProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	chatReq := p.buildRequest(req, false)

	out := &Response{Message: Message{Role: RoleAssistant}}
	var text strings.Builder
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		for _, tc := range resp.Message.ToolCalls {
			out.Message.ToolCalls = append(out.Message.ToolCalls, fromOllamaToolCall(tc, len(out.Message.ToolCalls)))
		}
		if resp.Done {
			out.StopReason = resp.DoneReason
			out.Usage = Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	out.Message.Content = text.String()
	return out, nil
}

// GenerateStream implements Provider.
func (p *OllamaProvider) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	chatReq := p.buildRequest(req, true)
	return newCallbackStream(ctx, func(ctx context.Context, emit func(Delta) error) error {
		err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			d := Delta{Content: resp.Message.Content}
			if resp.Done {
				d.Usage = &Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}
			}
			if d.Content == "" && d.Usage == nil {
				return nil
			}
			return emit(d)
		})
		if err != nil {
			return fmt.Errorf("ollama chat stream: %w", err)
		}
		return nil
	}), nil
}

func (p *OllamaProvider) buildRequest(req Request, stream bool) *api.ChatRequest {
	chatReq := &api.ChatRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req.Messages),
		Stream:   ptr(stream),
		Options:  map[string]any{},
	}
	if req.Temperature != nil {
		chatReq.Options["temperature"] = *req.Temperature
	}
	if req.MaxTokens > 0 {
		chatReq.Options["num_predict"] = req.MaxTokens
	}
	if p.keepAlive != 0 {
		chatReq.KeepAlive = &api.Duration{Duration: p.keepAlive}
	}
	for _, t := range req.Tools {
		chatReq.Tools = append(chatReq.Tools, toOllamaTool(t))
	}
	return chatReq
}

func toOllamaMessages(messages []Message) []api.Message {
	out := make([]api.Message, 0, len(messages))
	for _, m := range messages {
		msg := api.Message{Role: string(m.Role), Content: m.Content}
		switch m.Role {
		case RoleTool:
			msg.ToolName = m.Name
			msg.ToolCallID = m.ToolCallID
		case RoleAssistant:
			for i, tc := range m.ToolCalls {
				args := api.NewToolCallFunctionArguments()
				var parsed map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &parsed); err == nil {
					for k, v := range parsed {
						args.Set(k, v)
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Index:     i,
						Name:      tc.Name,
						Arguments: args,
					},
				})
			}
		}
		out = append(out, msg)
	}
	return out
}

func toOllamaTool(t ToolSpec) api.Tool {
	params := api.ToolFunctionParameters{
		Type:       "object",
		Properties: api.NewToolPropertiesMap(),
		Required:   t.Parameters.Required,
	}
	for name, schema := range t.Parameters.Properties {
		if schema == nil {
			continue
		}
		prop := api.ToolProperty{Description: schema.Description}
		if schema.Type != "" {
			prop.Type = api.PropertyType{schema.Type}
		}
		for _, v := range schema.Enum {
			prop.Enum = append(prop.Enum, v)
		}
		params.Properties.Set(name, prop)
	}
	return api.Tool{
		Type: "function",
		Function: api.ToolFunction{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

func fromOllamaToolCall(tc api.ToolCall, index int) ToolCall {
	id := tc.ID
	if id == "" {
		id = fmt.Sprintf("call_%d", index)
	}
	args, err := json.Marshal(tc.Function.Arguments.ToMap())
	if err != nil {
		args = []byte("{}")
	}
	return ToolCall{ID: id, Name: tc.Function.Name, Arguments: string(args)}
}

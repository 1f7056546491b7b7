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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicAPIVersion       = "2023-06-01"
	anthropicDefaultBaseURL   = "https://api.anthropic.com/v1/messages"
	anthropicDefaultMaxTokens = 4096

	// maxErrorBody caps how much of a failed response body is kept.
	maxErrorBody = 4096
)

// --- Wire Types ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock covers the text, tool_use and tool_result block types.
type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema ParameterSchema `json:"input_schema"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
	Error      *anthropicError  `json:"error,omitempty"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// anthropicEvent is the union of the streaming event payloads we read.
type anthropicEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage anthropicUsage `json:"usage"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *anthropicError `json:"error,omitempty"`
}

// --- Provider ---

// AnthropicConfig configures the Anthropic Messages API provider.
type AnthropicConfig struct {
	Name       string
	BaseURL    string
	APIKey     *APIKey
	HTTPClient *http.Client

	// DefaultMaxTokens is sent when a request sets none; the API requires
	// max_tokens. Default: 4096.
	DefaultMaxTokens int
}

// AnthropicProvider talks to the Anthropic Messages API over plain REST.
//
// # Description
//
// The API rejects empty text blocks, so the provider reports
// RejectsEmptyContent. System messages are lifted into the top-level system
// field. Consecutive tool results are merged into one user message of
// tool_result blocks.
//
// # Thread Safety
//
// Safe for concurrent use. The key is revealed per request.
type AnthropicProvider struct {
	name       string
	baseURL    string
	apiKey     *APIKey
	httpClient *http.Client
	maxTokens  int
}

// NewAnthropicProvider creates the "anthropic" provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == nil {
		return nil, fmt.Errorf("anthropic provider: %w", ErrMissingAPIKey)
	}
	p := &AnthropicProvider{
		name:       cfg.Name,
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: cfg.HTTPClient,
		maxTokens:  cfg.DefaultMaxTokens,
	}
	if p.name == "" {
		p.name = "anthropic"
	}
	if p.baseURL == "" {
		p.baseURL = anthropicDefaultBaseURL
	}
	if p.httpClient == nil {
		// No client timeout: the adapter's context bounds every call,
		// including long streams.
		p.httpClient = &http.Client{Transport: &http.Transport{ResponseHeaderTimeout: 60 * time.Second}}
	}
	if p.maxTokens <= 0 {
		p.maxTokens = anthropicDefaultMaxTokens
	}
	slog.Info("Initializing Anthropic provider", "provider", p.name, "base_url", p.baseURL)
	return p, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return p.name }

// Capabilities implements Provider.
func (p *AnthropicProvider) Capabilities(string) Capabilities {
	return Capabilities{Tools: true, Temperature: true, RejectsEmptyContent: true}
}

// Generate implements Provider.
func (p *AnthropicProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	resp, err := p.do(ctx, p.buildRequest(req, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var apiResp anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}
	if apiResp.Error != nil {
		return nil, fmt.Errorf("anthropic API error: %s - %s", apiResp.Error.Type, apiResp.Error.Message)
	}
	if len(apiResp.Content) == 0 {
		return nil, ErrEmptyResponse
	}

	msg := Message{Role: RoleAssistant}
	var text strings.Builder
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: block.ID, Name: block.Name, Arguments: args})
		}
	}
	msg.Content = text.String()

	return &Response{
		Message:    msg,
		StopReason: apiResp.StopReason,
		Usage: Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
		},
	}, nil
}

// GenerateStream implements Provider.
func (p *AnthropicProvider) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	resp, err := p.do(ctx, p.buildRequest(req, true))
	if err != nil {
		return nil, err
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &anthropicStream{body: resp.Body, scanner: scanner}, nil
}

func (p *AnthropicProvider) do(ctx context.Context, payload anthropicRequest) (*http.Response, error) {
	key, err := p.apiKey.Reveal()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("x-api-key", key)
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	httpReq.Header.Set("content-type", "application/json")

	slog.Debug("Sending REST request to Anthropic", "model", payload.Model, "stream", payload.Stream)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	return resp, nil
}

func (p *AnthropicProvider) buildRequest(req Request, stream bool) anthropicRequest {
	out := anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = p.maxTokens
	}
	out.System, out.Messages = toAnthropicMessages(req.Messages)
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, anthropicTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func toAnthropicMessages(messages []Message) (string, []anthropicMessage) {
	var system []string
	var out []anthropicMessage

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)

		case RoleTool:
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}
			if n := len(out); n > 0 && out[n-1].Role == string(RoleUser) && isToolResultMessage(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropicMessage{Role: string(RoleUser), Content: []anthropicBlock{block}})

		case RoleAssistant:
			var blocks []anthropicBlock
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: input})
			}
			out = append(out, anthropicMessage{Role: string(RoleAssistant), Content: blocks})

		default:
			out = append(out, anthropicMessage{
				Role:    string(RoleUser),
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	return strings.Join(system, "\n\n"), out
}

func isToolResultMessage(m anthropicMessage) bool {
	for _, b := range m.Content {
		if b.Type != "tool_result" {
			return false
		}
	}
	return len(m.Content) > 0
}

// --- Streaming ---

// anthropicStream reads the server-sent event stream of the Messages API.
type anthropicStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
	usage   Usage
	done    bool
}

func (s *anthropicStream) Recv() (Delta, error) {
	if s.done {
		return Delta{}, io.EOF
	}
	for s.scanner.Scan() {
		line := s.scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}

		var ev anthropicEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return Delta{}, fmt.Errorf("failed to parse stream event: %w", err)
		}

		switch ev.Type {
		case "message_start":
			if ev.Message != nil {
				s.usage.InputTokens = ev.Message.Usage.InputTokens
			}
		case "content_block_delta":
			if ev.Delta != nil && ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
				return Delta{Content: ev.Delta.Text}, nil
			}
		case "message_delta":
			if ev.Usage != nil {
				s.usage.OutputTokens = ev.Usage.OutputTokens
				usage := s.usage
				return Delta{Usage: &usage}, nil
			}
		case "message_stop":
			s.done = true
			return Delta{}, io.EOF
		case "error":
			if ev.Error != nil {
				return Delta{}, fmt.Errorf("anthropic stream error: %s - %s", ev.Error.Type, ev.Error.Message)
			}
			return Delta{}, errors.New("anthropic stream error")
		}
	}
	if err := s.scanner.Err(); err != nil {
		return Delta{}, err
	}
	return Delta{}, io.ErrUnexpectedEOF
}

func (s *anthropicStream) Close() error {
	s.done = true
	return s.body.Close()
}

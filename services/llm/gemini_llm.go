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
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiConfig configures the Google Gemini provider.
type GeminiConfig struct {
	Name       string
	BaseURL    string
	APIKey     *APIKey
	HTTPClient *http.Client
}

// GeminiProvider implements Provider with the google.golang.org/genai SDK.
//
// # Description
//
// Gemini rejects parts with empty text, so the provider reports
// RejectsEmptyContent. Tool results are sent back as FunctionResponse parts
// keyed by tool name, which is why tool messages must carry Name.
//
// # Thread Safety
//
// Safe for concurrent use; genai.Client is.
type GeminiProvider struct {
	name   string
	client *genai.Client
}

// NewGeminiProvider creates the "google" provider.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	key, err := cfg.APIKey.Reveal()
	if err != nil {
		return nil, fmt.Errorf("google provider: %w", err)
	}

	clientConfig := &genai.ClientConfig{
		Backend:    genai.BackendGeminiAPI,
		APIKey:     key,
		HTTPClient: cfg.HTTPClient,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	name := cfg.Name
	if name == "" {
		name = "google"
	}
	slog.Info("Initializing Gemini provider", "provider", name)
	return &GeminiProvider{name: name, client: client}, nil
}

// Name implements Provider.
func (p *GeminiProvider) Name() string { return p.name }

// Capabilities implements Provider.
func (p *GeminiProvider) Capabilities(string) Capabilities {
	return Capabilities{Tools: true, Temperature: true, RejectsEmptyContent: true}
}

// Generate implements Provider.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	contents, config := toGeminiRequest(req)

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, ErrEmptyResponse
	}

	candidate := resp.Candidates[0]
	msg := Message{Role: RoleAssistant}
	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part.Thought {
			continue
		}
		text.WriteString(part.Text)
		if fc := part.FunctionCall; fc != nil {
			args, err := json.Marshal(fc.Args)
			if err != nil || fc.Args == nil {
				args = []byte("{}")
			}
			id := fc.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{ID: id, Name: fc.Name, Arguments: string(args)})
		}
	}
	msg.Content = text.String()

	out := &Response{Message: msg, StopReason: string(candidate.FinishReason)}
	if resp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}

// GenerateStream implements Provider.
func (p *GeminiProvider) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	contents, config := toGeminiRequest(req)
	next, stop := iter.Pull2(p.client.Models.GenerateContentStream(ctx, req.Model, contents, config))
	return &geminiStream{next: next, stop: stop}, nil
}

func toGeminiRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		config.Temperature = ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  toGeminiSchema(&t.Parameters),
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	var system []string
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)

		case RoleTool:
			part := genai.NewPartFromFunctionResponse(m.Name, map[string]any{"output": m.Content})
			part.FunctionResponse.ID = m.ToolCallID
			if n := len(contents); n > 0 && isFunctionResponseContent(contents[n-1]) {
				contents[n-1].Parts = append(contents[n-1].Parts, part)
				continue
			}
			contents = append(contents, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{part}})

		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := map[string]any{}
				_ = json.Unmarshal([]byte(tc.Arguments), &args)
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(parts) == 0 {
				parts = append(parts, genai.NewPartFromText(EmptyContentPlaceholder))
			}
			contents = append(contents, &genai.Content{Role: genai.RoleModel, Parts: parts})

		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	if len(system) > 0 {
		config.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	return contents, config
}

func isFunctionResponseContent(c *genai.Content) bool {
	if c.Role != genai.RoleUser || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return true
}

func toGeminiSchema(s *ParameterSchema) *genai.Schema {
	if s == nil {
		return nil
	}
	out := &genai.Schema{
		Type:        genai.Type(strings.ToUpper(s.Type)),
		Description: s.Description,
		Required:    s.Required,
		Enum:        s.Enum,
		Items:       toGeminiSchema(s.Items),
	}
	if len(s.Properties) > 0 {
		out.Properties = make(map[string]*genai.Schema, len(s.Properties))
		for name, prop := range s.Properties {
			out.Properties[name] = toGeminiSchema(prop)
		}
	}
	return out
}

func ptr[T any](v T) *T { return &v }

// geminiStream pulls from the SDK's range-over-func iterator.
type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Recv() (Delta, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return Delta{}, io.EOF
		}
		if err != nil {
			return Delta{}, err
		}
		if resp == nil {
			return Delta{}, io.EOF
		}

		var d Delta
		if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
			for _, part := range resp.Candidates[0].Content.Parts {
				if !part.Thought {
					d.Content += part.Text
				}
			}
		}
		if resp.UsageMetadata != nil {
			d.Usage = &Usage{
				InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
				OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			}
		}
		if d.Content == "" && d.Usage == nil {
			continue
		}
		return d, nil
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

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
	"fmt"
	"strings"
	"sync"
)

// ScriptHandler produces the response for one scripted call.
type ScriptHandler func(ctx context.Context, req Request) (*Response, error)

// ScriptedProvider is an in-process Provider driven by a ScriptHandler.
//
// # Description
//
// It backs offline mode and tests. Every Request it receives is recorded.
// Streaming splits the handler's content into word-sized deltas and puts
// usage on the last one.
//
// # Thread Safety
//
// Safe for concurrent use if the handler is.
type ScriptedProvider struct {
	name    string
	caps    Capabilities
	handler ScriptHandler

	mu       sync.Mutex
	requests []Request
}

// NewScriptedProvider creates a provider named name.
func NewScriptedProvider(name string, caps Capabilities, handler ScriptHandler) *ScriptedProvider {
	if handler == nil {
		panic("NewScriptedProvider: handler must not be nil")
	}
	return &ScriptedProvider{name: name, caps: caps, handler: handler}
}

// Name implements Provider.
func (p *ScriptedProvider) Name() string { return p.name }

// Capabilities implements Provider.
func (p *ScriptedProvider) Capabilities(string) Capabilities { return p.caps }

// Requests returns a copy of every request received so far.
func (p *ScriptedProvider) Requests() []Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Request, len(p.requests))
	copy(out, p.requests)
	return out
}

// Generate implements Provider.
func (p *ScriptedProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	p.record(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return p.handler(ctx, req)
}

// GenerateStream implements Provider.
func (p *ScriptedProvider) GenerateStream(ctx context.Context, req Request) (Stream, error) {
	p.record(req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	resp, err := p.handler(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, ErrEmptyResponse
	}

	var deltas []Delta
	for _, word := range strings.SplitAfter(resp.Message.Content, " ") {
		if word != "" {
			deltas = append(deltas, Delta{Content: word})
		}
	}
	usage := resp.Usage
	deltas = append(deltas, Delta{Usage: &usage})

	return &scriptedStream{ctx: ctx, inner: newSliceStream(deltas)}, nil
}

func (p *ScriptedProvider) record(req Request) {
	p.mu.Lock()
	defer p.mu.Unlock()
	req.Messages = append([]Message(nil), req.Messages...)
	p.requests = append(p.requests, req)
}

// scriptedStream makes replayed deltas observe cancellation.
type scriptedStream struct {
	ctx   context.Context
	inner *sliceStream
}

func (s *scriptedStream) Recv() (Delta, error) {
	if err := s.ctx.Err(); err != nil {
		return Delta{}, err
	}
	return s.inner.Recv()
}

func (s *scriptedStream) Close() error { return s.inner.Close() }

// OfflineHandler answers without any network access. It names the phase
// being asked for and restates the user's query, and answers loop decisions
// with a yield so a full turn completes in one pass.
func OfflineHandler() ScriptHandler {
	return func(_ context.Context, req Request) (*Response, error) {
		var task, query string
		for _, m := range req.Messages {
			if m.Role != RoleUser {
				continue
			}
			if strings.HasPrefix(m.Content, "<current_task") {
				task = m.Content
			} else {
				query = m.Content
			}
		}

		phase := "unknown"
		if _, rest, ok := strings.Cut(task, `phase="`); ok {
			if p, _, ok := strings.Cut(rest, `"`); ok {
				phase = p
			}
		}

		content := fmt.Sprintf("(offline %s, %s) %s", req.Model, phase, strings.TrimSpace(query))
		if phase == "understanding" {
			content += "\nDECISION: YIELD"
		}
		return &Response{
			Message: Message{Role: RoleAssistant, Content: content},
			Usage:   Usage{InputTokens: len(task+query) / 4, OutputTokens: len(content) / 4},
		}, nil
	}
}

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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockOllamaServer serves /api/chat with NDJSON written by handler.
func newMockOllamaServer(t *testing.T, handler func(w http.ResponseWriter, body map[string]any)) *OllamaProvider {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var body map[string]any
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
			return
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		handler(w, body)
	}))
	t.Cleanup(srv.Close)

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)
	return p
}

func TestOllamaProvider_Generate(t *testing.T) {
	t.Parallel()

	bodies := make(chan map[string]any, 1)
	p := newMockOllamaServer(t, func(w http.ResponseWriter, body map[string]any) {
		bodies <- body
		_, _ = fmt.Fprintln(w, `{"model":"llama3.1","message":{"role":"assistant","content":"","tool_calls":[{"function":{"name":"memory_search","arguments":{"query":"go"}}}]},"done":true,"done_reason":"stop","prompt_eval_count":8,"eval_count":3}`)
	})

	resp, err := p.Generate(context.Background(), Request{
		Model:       "llama3.1:8b",
		Messages:    userMessages("hi"),
		Temperature: temp(0.7),
		MaxTokens:   32,
		Tools:       []ToolSpec{{Name: "memory_search", Parameters: ParameterSchema{Type: "object", Properties: map[string]*ParameterSchema{"query": {Type: "string"}}}}},
	})
	require.NoError(t, err)

	require.Len(t, resp.Message.ToolCalls, 1)
	assert.Equal(t, "call_0", resp.Message.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"go"}`, resp.Message.ToolCalls[0].Arguments)
	assert.Equal(t, Usage{InputTokens: 8, OutputTokens: 3}, resp.Usage)
	assert.Equal(t, "stop", resp.StopReason)

	got := <-bodies
	assert.Equal(t, false, got["stream"])
	opts, ok := got["options"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 0.7, opts["temperature"], 1e-9)
	assert.EqualValues(t, 32, opts["num_predict"])
	assert.Len(t, got["tools"], 1)
}

func TestOllamaProvider_GenerateStream(t *testing.T) {
	t.Parallel()

	p := newMockOllamaServer(t, func(w http.ResponseWriter, _ map[string]any) {
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":"Hel"},"done":false}`)
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":"lo"},"done":false}`)
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":""},"done":true,"prompt_eval_count":5,"eval_count":2}`)
	})

	s, err := p.GenerateStream(context.Background(), Request{Model: "llama3.1", Messages: userMessages("hi")})
	require.NoError(t, err)

	text, usage, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, Usage{InputTokens: 5, OutputTokens: 2}, usage)
}

func TestOllamaProvider_GenerateStream_CloseStopsProducer(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	p := newMockOllamaServer(t, func(w http.ResponseWriter, _ map[string]any) {
		_, _ = fmt.Fprintln(w, `{"message":{"role":"assistant","content":"first"},"done":false}`)
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
		}
	})
	defer close(release)

	s, err := p.GenerateStream(context.Background(), Request{Model: "llama3.1", Messages: userMessages("hi")})
	require.NoError(t, err)

	d, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "first", d.Content)

	done := make(chan struct{})
	go func() {
		_ = s.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestOllamaProvider_Capabilities(t *testing.T) {
	t.Parallel()

	p, err := NewOllamaProvider(OllamaConfig{BaseURL: "http://localhost:11434", ToolModels: []string{"qwen3"}})
	require.NoError(t, err)

	assert.True(t, p.Capabilities("qwen3:14b").Tools)
	assert.False(t, p.Capabilities("gemma2").Tools)
	assert.True(t, p.Capabilities("gemma2").Temperature)
}

func TestNewOllamaProvider_RequiresBaseURL(t *testing.T) {
	t.Parallel()

	_, err := NewOllamaProvider(OllamaConfig{})
	assert.Error(t, err)
}

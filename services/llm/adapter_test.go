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
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Helpers
// =============================================================================

func newTestAdapter(t *testing.T, cfg AdapterConfig, providers ...Provider) *Adapter {
	t.Helper()
	reg := NewRegistry()
	for _, p := range providers {
		require.NoError(t, reg.Register(p))
	}
	return NewAdapter(reg, cfg, nil)
}

func reply(content string) ScriptHandler {
	return func(context.Context, Request) (*Response, error) {
		return &Response{
			Message: Message{Role: RoleAssistant, Content: content},
			Usage:   Usage{InputTokens: 3, OutputTokens: 2},
		}, nil
	}
}

func blockUntilDone(ctx context.Context, _ Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func userMessages(content string) []Message {
	return []Message{{Role: RoleUser, Content: content}}
}

func temp(v float64) *float64 { return &v }

// =============================================================================
// Invoke
// =============================================================================

func TestAdapter_Invoke_ReturnsAssistantMessage(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("fake", Capabilities{Tools: true, Temperature: true}, func(context.Context, Request) (*Response, error) {
		// Role is forced by the adapter regardless of what the backend says.
		return &Response{Message: Message{Role: RoleUser, Content: "hello"}}, nil
	})
	a := newTestAdapter(t, AdapterConfig{}, p)

	resp, err := a.Invoke(context.Background(), ProviderConfig{Provider: "fake", Model: "m"}, userMessages("hi"), nil)
	require.NoError(t, err)
	assert.Equal(t, RoleAssistant, resp.Message.Role)
	assert.Equal(t, "hello", resp.Message.Content)
}

func TestAdapter_Invoke_UnknownProvider(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, AdapterConfig{})
	_, err := a.Invoke(context.Background(), ProviderConfig{Provider: "nope", Model: "m"}, userMessages("hi"), nil)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "nope", perr.Provider)
	assert.ErrorIs(t, err, ErrUnknownProvider)
	assert.False(t, perr.Timeout)
}

func TestAdapter_Invoke_RejectsSystemOnlyInput(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("fake", Capabilities{}, reply("x"))
	a := newTestAdapter(t, AdapterConfig{}, p)

	_, err := a.Invoke(context.Background(), ProviderConfig{Provider: "fake"}, []Message{{Role: RoleSystem, Content: "s"}}, nil)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, p.Requests(), "backend must not be called")
}

func TestAdapter_Invoke_DropsUnsupportedTemperature(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		configured  bool
		providerHas bool
		wantSent    bool
	}{
		{"both support", true, true, true},
		{"config says no", false, true, false},
		{"model says no", true, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewScriptedProvider("fake", Capabilities{Temperature: tt.providerHas}, reply("ok"))
			a := newTestAdapter(t, AdapterConfig{}, p)

			cfg := ProviderConfig{Provider: "fake", Model: "m", Temperature: temp(0.3), SupportsTemperature: tt.configured}
			_, err := a.Invoke(context.Background(), cfg, userMessages("hi"), nil)
			require.NoError(t, err)

			reqs := p.Requests()
			require.Len(t, reqs, 1)
			if tt.wantSent {
				require.NotNil(t, reqs[0].Temperature)
				assert.InDelta(t, 0.3, *reqs[0].Temperature, 1e-9)
			} else {
				assert.Nil(t, reqs[0].Temperature)
			}
		})
	}
}

func TestAdapter_Invoke_IgnoresToolsWithoutCapability(t *testing.T) {
	t.Parallel()

	tools := []ToolSpec{{Name: "memory_search", Parameters: ParameterSchema{Type: "object"}}}

	p := NewScriptedProvider("fake", Capabilities{Tools: false}, reply("plain"))
	a := newTestAdapter(t, AdapterConfig{}, p)

	resp, err := a.Invoke(context.Background(), ProviderConfig{Provider: "fake", SupportsTools: true}, userMessages("hi"), tools)
	require.NoError(t, err)
	assert.Equal(t, "plain", resp.Message.Content)
	assert.Empty(t, p.Requests()[0].Tools)

	p2 := NewScriptedProvider("fake2", Capabilities{Tools: true}, reply("plain"))
	a2 := newTestAdapter(t, AdapterConfig{}, p2)
	_, err = a2.Invoke(context.Background(), ProviderConfig{Provider: "fake2", SupportsTools: true}, userMessages("hi"), tools)
	require.NoError(t, err)
	assert.Len(t, p2.Requests()[0].Tools, 1)
}

func TestAdapter_Invoke_NormalizesForProvider(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("strict", Capabilities{RejectsTrailingAssistant: true, RejectsEmptyContent: true}, reply("ok"))
	a := newTestAdapter(t, AdapterConfig{}, p)

	msgs := []Message{
		{Role: RoleUser, Content: ""},
		{Role: RoleAssistant, Content: "prior", Phase: "action"},
	}
	_, err := a.Invoke(context.Background(), ProviderConfig{Provider: "strict"}, msgs, nil)
	require.NoError(t, err)

	sent := p.Requests()[0].Messages
	assert.Equal(t, EmptyContentPlaceholder, sent[0].Content)
	assert.Equal(t, RoleUser, sent[1].Role)
	assert.Equal(t, TrailingAssistantPrefix+" prior", sent[1].Content)

	// Caller's slice is unchanged.
	assert.Equal(t, RoleAssistant, msgs[1].Role)
}

func TestAdapter_Invoke_TimeoutIsFlagged(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("slow", Capabilities{}, blockUntilDone)
	a := newTestAdapter(t, AdapterConfig{CallTimeout: 20 * time.Millisecond}, p)

	_, err := a.Invoke(context.Background(), ProviderConfig{Provider: "slow"}, userMessages("hi"), nil)
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdapter_Invoke_CallerCancellationIsNotTimeout(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("slow", Capabilities{}, blockUntilDone)
	a := newTestAdapter(t, AdapterConfig{CallTimeout: time.Minute}, p)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := a.Invoke(ctx, ProviderConfig{Provider: "slow"}, userMessages("hi"), nil)
	require.Error(t, err)
	assert.False(t, IsTimeout(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAdapter_Invoke_WrapsBackendError(t *testing.T) {
	t.Parallel()

	boom := errors.New("status 401: bad key")
	p := NewScriptedProvider("fake", Capabilities{}, func(context.Context, Request) (*Response, error) {
		return nil, boom
	})
	a := newTestAdapter(t, AdapterConfig{}, p)

	_, err := a.Invoke(context.Background(), ProviderConfig{Provider: "fake", Model: "m"}, userMessages("hi"), nil)
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "fake/m")
}

func TestAdapter_RateLimit(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("limited", Capabilities{}, reply("ok"))
	a := newTestAdapter(t, AdapterConfig{
		RateLimits: map[string]RateLimit{"limited": {RequestsPerSecond: 0.001, Burst: 1}},
	}, p)

	cfg := ProviderConfig{Provider: "limited"}
	_, err := a.Invoke(context.Background(), cfg, userMessages("first"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Invoke(ctx, cfg, userMessages("second"), nil)
	require.Error(t, err)
	assert.Len(t, p.Requests(), 1, "second call must be held by the limiter")
}

// =============================================================================
// InvokeStream
// =============================================================================

func TestAdapter_InvokeStream_Collect(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("fake", Capabilities{}, reply("the quick brown fox"))
	a := newTestAdapter(t, AdapterConfig{}, p)

	s, err := a.InvokeStream(context.Background(), ProviderConfig{Provider: "fake"}, userMessages("hi"))
	require.NoError(t, err)

	text, usage, err := Collect(s)
	require.NoError(t, err)
	assert.Equal(t, "the quick brown fox", text)
	assert.Equal(t, Usage{InputTokens: 3, OutputTokens: 2}, usage)

	// Closed streams stay at EOF.
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)
	assert.NoError(t, s.Close())
}

func TestAdapter_InvokeStream_NeverSendsTools(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("fake", Capabilities{Tools: true}, reply("x"))
	a := newTestAdapter(t, AdapterConfig{}, p)

	s, err := a.InvokeStream(context.Background(), ProviderConfig{Provider: "fake", SupportsTools: true}, userMessages("hi"))
	require.NoError(t, err)
	_, _, err = Collect(s)
	require.NoError(t, err)
	assert.Nil(t, p.Requests()[0].Tools)
}

func TestAdapter_InvokeStream_CancelMidStream(t *testing.T) {
	t.Parallel()

	p := NewScriptedProvider("fake", Capabilities{}, reply("one two three four"))
	a := newTestAdapter(t, AdapterConfig{}, p)

	ctx, cancel := context.WithCancel(context.Background())
	s, err := a.InvokeStream(ctx, ProviderConfig{Provider: "fake"}, userMessages("hi"))
	require.NoError(t, err)
	defer s.Close()

	d, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "one ", d.Content)

	cancel()
	_, err = s.Recv()
	require.Error(t, err)
	assert.NotErrorIs(t, err, io.EOF)
	assert.False(t, IsTimeout(err))

	// Error is sticky.
	_, again := s.Recv()
	assert.Equal(t, err, again)
}

func TestAdapter_InvokeStream_UnknownProvider(t *testing.T) {
	t.Parallel()

	a := newTestAdapter(t, AdapterConfig{})
	_, err := a.InvokeStream(context.Background(), ProviderConfig{Provider: "missing"}, userMessages("hi"))
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNewAdapter_PanicsOnNilRegistry(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { NewAdapter(nil, AdapterConfig{}, nil) })
}

// =============================================================================
// Registry
// =============================================================================

func TestRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	require.NoError(t, reg.Register(NewScriptedProvider("b", Capabilities{}, reply(""))))
	require.NoError(t, reg.Register(NewScriptedProvider("a", Capabilities{}, reply(""))))

	assert.Error(t, reg.Register(NewScriptedProvider("a", Capabilities{}, reply(""))))
	assert.Error(t, reg.Register(NewScriptedProvider("", Capabilities{}, reply(""))))
	assert.Error(t, reg.Register(nil))

	assert.Equal(t, []string{"a", "b"}, reg.Names())

	p, err := reg.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "a", p.Name())

	_, err = reg.Get("zzz")
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

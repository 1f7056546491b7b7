// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

func TestBuildPrompt(t *testing.T) {
	t.Parallel()

	state := NewConversationState("th", []llm.Message{
		{Role: llm.RoleUser, Content: "earlier question"},
		{Role: llm.RoleAssistant, Content: "earlier answer"},
	}, "new question", 1)
	state.complete(PhaseAction, nil, llm.Message{Content: "quick take"})
	state.complete(PhaseExperience, []llm.Message{
		{Role: llm.RoleAssistant, Phase: "experience", ToolCalls: []llm.ToolCall{{ID: "c1", Name: "memory_search", Arguments: `{"query":"q"}`}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "memory_search", Content: "hit"},
	}, llm.Message{Content: "recalled"})

	prompts := Prompts{System: "SYS", Phases: map[PhaseID]string{PhaseIntention: "find the goal"}}
	got := BuildPrompt(prompts, state, PhaseIntention)

	want := []llm.Message{
		{Role: llm.RoleSystem, Content: "SYS"},
		{Role: llm.RoleUser, Content: "earlier question"},
		{Role: llm.RoleAssistant, Content: "earlier answer"},
		{Role: llm.RoleUser, Content: "new question"},
		{Role: llm.RoleAssistant, Phase: "action", Content: "<prior_context phase=\"action\">\nquick take\n</prior_context>"},
		{Role: llm.RoleAssistant, Phase: "experience", Content: "<prior_context phase=\"experience\">\ncalled memory_search with {\"query\":\"q\"}\n</prior_context>"},
		{Role: llm.RoleAssistant, Content: "<prior_context tool=\"memory_search\">\nhit\n</prior_context>"},
		{Role: llm.RoleAssistant, Phase: "experience", Content: "<prior_context phase=\"experience\">\nrecalled\n</prior_context>"},
		{Role: llm.RoleUser, Content: "<current_task phase=\"intention\">\nfind the goal\n</current_task>"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("BuildPrompt mismatch (-want +got):\n%s", diff)
	}

	// The state itself is untouched.
	require.Len(t, state.Messages, 7)
	assert.Equal(t, llm.RoleTool, state.Messages[5].Role)
}

func TestPrompts_Defaults(t *testing.T) {
	t.Parallel()

	var empty Prompts
	assert.Equal(t, DefaultSystemPrompt, empty.SystemPrompt())
	for _, p := range AllPhases() {
		assert.NotEmpty(t, empty.Instruction(p), p)
	}
	assert.Contains(t, empty.Instruction(PhaseUnderstanding), "DECISION: CONTINUE")

	d := DefaultPrompts()
	d.Phases[PhaseAction] = "changed"
	assert.NotEqual(t, "changed", DefaultPrompts().Instruction(PhaseAction), "defaults are copied")
}

func TestConversationState(t *testing.T) {
	t.Parallel()

	s := NewConversationState("th", nil, "hello", -3)
	assert.Equal(t, 0, s.MaxLoops)
	assert.False(t, s.CanLoop())
	assert.Equal(t, "hello", s.Query())
	assert.Equal(t, PhaseAction, s.CurrentPhase)

	s.complete(PhaseAction, nil, llm.Message{Role: llm.RoleUser, Content: "first"})
	s.complete(PhaseAction, nil, llm.Message{Content: "second"})
	assert.Equal(t, map[string]string{"action": "second"}, s.Outputs())
	assert.Equal(t, llm.RoleAssistant, s.Messages[1].Role)
	assert.Equal(t, "hello", s.Query())
}

func TestTurnConfig(t *testing.T) {
	t.Parallel()

	cfg := TurnConfig{
		Default:   llm.ProviderConfig{Provider: "openai", Model: "gpt-4o"},
		Providers: map[PhaseID]llm.ProviderConfig{PhaseYield: {Provider: "anthropic", Model: "claude"}},
		Tools:     map[PhaseID][]string{PhaseExperience: {"memory_search"}, PhaseAction: {"memory_search"}},
		MaxLoops:  1,
	}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "anthropic/claude", cfg.ModelMetadata()["yield"])
	assert.Equal(t, "openai/gpt-4o", cfg.ModelMetadata()["action"])
	assert.Equal(t, []string{"memory_search"}, cfg.ToolsFor(PhaseExperience))
	assert.Empty(t, cfg.ToolsFor(PhaseAction), "action may not call tools")

	derived := cfg.WithMaxLoops(4)
	derived.Providers[PhaseAction] = llm.ProviderConfig{Provider: "x", Model: "y"}
	assert.Equal(t, 1, cfg.MaxLoops)
	assert.NotContains(t, cfg.Providers, PhaseAction, "derived configs do not share maps")

	bad := cfg.WithMaxLoops(-1)
	assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig)

	unknown := cfg.Clone()
	unknown.Providers["reflection"] = llm.ProviderConfig{Provider: "a", Model: "b"}
	assert.ErrorIs(t, unknown.Validate(), ErrInvalidConfig)
}

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

import "fmt"

// =============================================================================
// Messages
// =============================================================================

// Role identifies the author of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a backend's request to invoke a named tool.
//
// Arguments holds the raw JSON object produced by the backend. It is kept as
// text so that adapters never lose fields they do not understand.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one entry in a conversation.
//
// # Description
//
// Phase records which pipeline phase produced an assistant message and is
// empty for user, system, and tool messages. ToolCallID and Name are set on
// tool-result messages; ToolCalls is set on assistant messages that request
// tools.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	Phase      string     `json:"phase,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// HasToolCalls reports whether the message requests at least one tool.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// clone returns a copy of the message that shares no slices with m.
func (m Message) clone() Message {
	if m.ToolCalls != nil {
		calls := make([]ToolCall, len(m.ToolCalls))
		copy(calls, m.ToolCalls)
		m.ToolCalls = calls
	}
	return m
}

// =============================================================================
// Tool Declarations
// =============================================================================

// ParameterSchema is the JSON-schema subset used to declare tool parameters.
type ParameterSchema struct {
	Type        string                      `json:"type"`
	Description string                      `json:"description,omitempty"`
	Properties  map[string]*ParameterSchema `json:"properties,omitempty"`
	Items       *ParameterSchema            `json:"items,omitempty"`
	Required    []string                    `json:"required,omitempty"`
	Enum        []string                    `json:"enum,omitempty"`
}

// ToolSpec is the structured declaration of a tool sent to backends that
// support native tool calling.
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// =============================================================================
// Provider Configuration
// =============================================================================

// ProviderConfig binds a phase to a backend and model.
//
// # Description
//
// A ProviderConfig is resolved once per phase per turn and never mutated.
// SupportsTools and SupportsTemperature are the configured capabilities; the
// adapter intersects them with what the provider reports for the model.
//
// # Thread Safety
//
// Values are immutable after construction and safe to share.
type ProviderConfig struct {
	Provider            string   `json:"provider" yaml:"provider"`
	Model               string   `json:"model" yaml:"model"`
	Temperature         *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens           int      `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	SupportsTools       bool     `json:"supports_tools" yaml:"supports_tools"`
	SupportsTemperature bool     `json:"supports_temperature" yaml:"supports_temperature"`
}

// String renders the config as "provider/model", the form stored in turn
// metadata.
func (c ProviderConfig) String() string {
	return fmt.Sprintf("%s/%s", c.Provider, c.Model)
}

// Capabilities describes what a backend accepts for a given model.
type Capabilities struct {
	// Tools is true when the backend accepts native tool declarations.
	Tools bool

	// Temperature is true when the model honors a temperature parameter.
	Temperature bool

	// RejectsEmptyContent is true when the backend fails on messages with
	// empty text.
	RejectsEmptyContent bool

	// RejectsTrailingAssistant is true when the backend fails if the final
	// message has the assistant role.
	RejectsTrailingAssistant bool
}

// =============================================================================
// Requests and Responses
// =============================================================================

// Request is the normalized input handed to a Provider.
//
// By the time a Provider sees a Request, Messages have been normalized for
// its capabilities, and Temperature and Tools are nil unless supported.
type Request struct {
	Model       string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
	Tools       []ToolSpec
}

// Usage reports token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is one complete, non-streaming generation.
type Response struct {
	Message    Message
	StopReason string
	Usage      Usage
}

// Delta is one increment of a streaming generation.
//
// Usage is set at most once, typically on the final delta.
type Delta struct {
	Content string
	Usage   *Usage
}

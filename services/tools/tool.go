// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools lets a phase call an external capability and resume with its
// result.
//
// A phase response carrying ToolCalls is handed to Protocol.Resolve, which
// looks every call up in a Registry, validates its arguments against the
// tool's schema, runs it, and returns one tool-result message per call in
// issue order. The caller appends those messages and re-invokes the backend
// without tools.
package tools

import (
	"context"
	"fmt"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// Tool is an external capability a phase may invoke.
//
// # Description
//
// Run receives the tool's primary string input (see Protocol for how it is
// extracted from the call's JSON arguments) and returns text that is fed back
// to the model as a tool-result message.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the Protocol may run
// several calls to the same tool at once.
type Tool interface {
	Name() string
	Description() string
	Schema() llm.ParameterSchema
	Run(ctx context.Context, input string) (string, error)
}

// Result is the outcome of one ToolCall.
type Result struct {
	CallID  string `json:"call_id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Message converts the result into the tool-role message appended to the
// conversation.
func (r Result) Message() llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    r.Content,
		ToolCallID: r.CallID,
		Name:       r.Name,
	}
}

// Spec returns the declaration sent to backends for t.
func Spec(t Tool) llm.ToolSpec {
	return llm.ToolSpec{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  t.Schema(),
	}
}

// notFoundContent is the result text for a call naming an unregistered tool.
func notFoundContent(name string) string {
	return fmt.Sprintf("error: tool %q not found", name)
}

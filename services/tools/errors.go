// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"errors"
	"fmt"
)

var (
	// ErrToolNotFound is returned by Registry.Get for unknown names.
	ErrToolNotFound = errors.New("tool not found")

	// ErrDuplicateTool is returned when a name is registered twice.
	ErrDuplicateTool = errors.New("tool already registered")

	// ErrNestedToolCall is the cause when the follow-up generation after a
	// tool round asks for more tools.
	ErrNestedToolCall = errors.New("tool call in follow-up response")
)

// ToolExecutionError reports a tool that failed, timed out, or could not be
// resumed from. It halts the turn.
type ToolExecutionError struct {
	Tool    string
	CallID  string
	Timeout bool
	Cause   error
}

func (e *ToolExecutionError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("tool %s (call %s) timed out: %v", e.Tool, e.CallID, e.Cause)
	case e.Tool == "":
		return fmt.Sprintf("tool execution failed: %v", e.Cause)
	default:
		return fmt.Sprintf("tool %s (call %s) failed: %v", e.Tool, e.CallID, e.Cause)
	}
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

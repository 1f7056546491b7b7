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

import "strings"

const (
	// EmptyContentPlaceholder replaces empty text for backends that reject it.
	EmptyContentPlaceholder = " "

	// TrailingAssistantPrefix introduces a rewritten trailing assistant message.
	TrailingAssistantPrefix = "Previous assistant response:"
)

// Normalize rewrites messages so that a backend with caps accepts them.
//
// # Description
//
// Returns a new slice; the input is never modified. Two rules apply:
//
//   - RejectsEmptyContent: every message with empty content and no tool
//     calls gets EmptyContentPlaceholder.
//   - RejectsTrailingAssistant: a final assistant message without tool
//     calls becomes a user message prefixed with TrailingAssistantPrefix.
//
// # Outputs
//
//   - []Message: The normalized copy.
//
// # Limitations
//
//   - Only the final message is inspected for the trailing-role rule.
//
// # Assumptions
//
//   - Normalize(Normalize(m)) == Normalize(m). Both rules produce output
//     that no longer matches their own trigger condition.
func Normalize(messages []Message, caps Capabilities) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		out[i] = m.clone()
	}

	if caps.RejectsEmptyContent {
		for i := range out {
			if out[i].Content == "" && !out[i].HasToolCalls() {
				out[i].Content = EmptyContentPlaceholder
			}
		}
	}

	if caps.RejectsTrailingAssistant && len(out) > 0 {
		last := &out[len(out)-1]
		if last.Role == RoleAssistant && !last.HasToolCalls() {
			last.Role = RoleUser
			last.Content = TrailingAssistantPrefix + " " + strings.TrimSpace(last.Content)
			last.Phase = ""
		}
	}

	return out
}

// ValidateMessages checks the adapter's input constraint: at least one
// message that is not a system message.
func ValidateMessages(messages []Message) error {
	for _, m := range messages {
		if m.Role != RoleSystem {
			return nil
		}
	}
	return &ValidationError{Field: "messages", Reason: "at least one non-system message is required"}
}

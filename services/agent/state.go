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
	"time"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// Transition is one recorded edge taken during a turn.
type Transition struct {
	From   PhaseID
	To     PhaseID
	Reason string
	Loop   int
	At     time.Time
}

// ConversationState is the working memory of one turn.
//
// Description:
//
//	Messages is append-only for the duration of the turn. PhaseOutputs holds
//	the latest output of each completed phase; a loop iteration overwrites
//	the entries of the previous one.
//
// Thread Safety:
//
//	Not safe for concurrent use. Owned by the goroutine running the turn.
type ConversationState struct {
	ThreadID     string
	Messages     []llm.Message
	PhaseOutputs map[PhaseID]string
	LoopCount    int
	MaxLoops     int
	CurrentPhase PhaseID
	Transitions  []Transition
}

// NewConversationState builds the state for a new turn from persisted
// history plus the user's query.
//
// Inputs:
//
//	threadID - Conversation the turn belongs to.
//	history - Prior messages, oldest first. Copied.
//	query - The new user message.
//	maxLoops - Loop cap. Negative values are treated as 0.
func NewConversationState(threadID string, history []llm.Message, query string, maxLoops int) *ConversationState {
	if maxLoops < 0 {
		maxLoops = 0
	}
	msgs := make([]llm.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: query})

	return &ConversationState{
		ThreadID:     threadID,
		Messages:     msgs,
		PhaseOutputs: make(map[PhaseID]string),
		MaxLoops:     maxLoops,
		CurrentPhase: PhaseAction,
	}
}

// Query returns the content of the latest user message.
func (s *ConversationState) Query() string {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == llm.RoleUser {
			return s.Messages[i].Content
		}
	}
	return ""
}

// Outputs returns a string-keyed copy of PhaseOutputs.
func (s *ConversationState) Outputs() map[string]string {
	out := make(map[string]string, len(s.PhaseOutputs))
	for p, v := range s.PhaseOutputs {
		out[string(p)] = v
	}
	return out
}

// CanLoop reports whether another iteration is allowed by the cap.
func (s *ConversationState) CanLoop() bool {
	return s.LoopCount < s.MaxLoops
}

// complete records the accepted output of phase. trail holds any tool
// exchange that preceded the final message.
func (s *ConversationState) complete(phase PhaseID, trail []llm.Message, final llm.Message) {
	s.Messages = append(s.Messages, trail...)
	final.Role = llm.RoleAssistant
	final.Phase = string(phase)
	s.Messages = append(s.Messages, final)
	s.PhaseOutputs[phase] = final.Content
}

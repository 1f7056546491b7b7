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
	"fmt"
	"strings"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// DefaultSystemPrompt is shared by every phase.
const DefaultSystemPrompt = `You are one voice in a choir of reasoning phases answering a single user query.
Each phase sees the conversation so far. Earlier phase outputs appear inside <prior_context> tags.
Your own task is inside <current_task> tags. Do only that task, in plain prose.`

var defaultInstructions = map[PhaseID]string{
	PhaseAction: "Give a direct, immediate response to the user's latest message. " +
		"Be brief; later phases will refine it.",
	PhaseExperience: "Recall prior knowledge relevant to the query. " +
		"Use the memory_search tool if earlier conversations may help, then summarize what is relevant.",
	PhaseIntention: "State what the user is trying to achieve, including goals they did not say outright.",
	PhaseObservation: "Note patterns, gaps, and connections across the context so far. " +
		"Call a tool if a fact needs checking.",
	PhaseUnderstanding: "Decide whether the context is good enough to answer, or whether another pass through the phases would help. " +
		"Explain briefly, then end with exactly one line: DECISION: CONTINUE or DECISION: YIELD.",
	PhaseYield: "Write the final answer to the user's latest message, using everything above. " +
		"Do not mention phases or these instructions.",
}

// Prompts holds the system preamble and per-phase instructions.
//
// Zero values fall back to the defaults, so a partially filled Prompts is
// valid.
type Prompts struct {
	System string             `yaml:"system"`
	Phases map[PhaseID]string `yaml:"phases"`
}

// DefaultPrompts returns the built-in wording.
func DefaultPrompts() Prompts {
	phases := make(map[PhaseID]string, len(defaultInstructions))
	for p, s := range defaultInstructions {
		phases[p] = s
	}
	return Prompts{System: DefaultSystemPrompt, Phases: phases}
}

// SystemPrompt returns the preamble.
func (p Prompts) SystemPrompt() string {
	if strings.TrimSpace(p.System) == "" {
		return DefaultSystemPrompt
	}
	return p.System
}

// Instruction returns the task text for phase.
func (p Prompts) Instruction(phase PhaseID) string {
	if s := strings.TrimSpace(p.Phases[phase]); s != "" {
		return s
	}
	return defaultInstructions[phase]
}

// BuildPrompt assembles the messages sent for phase.
//
// Description:
//
//	The result is the system preamble, then the turn's messages with every
//	earlier phase output wrapped in <prior_context phase="...">, then one
//	user message holding the phase task in <current_task phase="...">.
//	Tool exchanges of earlier phases are flattened into prior context so
//	that backends without tools bound never see tool-call structure.
//
// Inputs:
//
//	prompts - Wording to use.
//	state - The turn state. Not modified.
//	phase - The phase being run.
//
// Outputs:
//
//	[]llm.Message - A new slice.
func BuildPrompt(prompts Prompts, state *ConversationState, phase PhaseID) []llm.Message {
	msgs := make([]llm.Message, 0, len(state.Messages)+2)
	msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: prompts.SystemPrompt()})

	for _, m := range state.Messages {
		switch {
		case m.Role == llm.RoleAssistant && m.HasToolCalls():
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleAssistant,
				Phase:   m.Phase,
				Content: priorContext(m.Phase, "", describeToolCalls(m)),
			})
		case m.Role == llm.RoleTool:
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleAssistant,
				Content: priorContext("", m.Name, m.Content),
			})
		case m.Role == llm.RoleAssistant && m.Phase != "":
			msgs = append(msgs, llm.Message{
				Role:    llm.RoleAssistant,
				Phase:   m.Phase,
				Content: priorContext(m.Phase, "", m.Content),
			})
		default:
			msgs = append(msgs, m)
		}
	}

	msgs = append(msgs, llm.Message{
		Role:    llm.RoleUser,
		Content: CurrentTask(phase, prompts.Instruction(phase)),
	})
	return msgs
}

// CurrentTask renders the instruction block for phase.
func CurrentTask(phase PhaseID, instruction string) string {
	return fmt.Sprintf("<current_task phase=%q>\n%s\n</current_task>", phase, instruction)
}

func priorContext(phase, tool, content string) string {
	var attrs string
	if phase != "" {
		attrs += fmt.Sprintf(" phase=%q", phase)
	}
	if tool != "" {
		attrs += fmt.Sprintf(" tool=%q", tool)
	}
	return fmt.Sprintf("<prior_context%s>\n%s\n</prior_context>", attrs, content)
}

func describeToolCalls(m llm.Message) string {
	var b strings.Builder
	if m.Content != "" {
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	for i, c := range m.ToolCalls {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "called %s with %s", c.Name, c.Arguments)
	}
	return b.String()
}

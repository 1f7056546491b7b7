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
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
	"github.com/yusefmosiah/Choir.chat-sub000/services/tools"
)

var tracer = otel.Tracer("choir.agent")

// =============================================================================
// Collaborators
// =============================================================================

// Invoker calls a language model. Satisfied by *llm.Adapter.
type Invoker interface {
	Invoke(ctx context.Context, cfg llm.ProviderConfig, messages []llm.Message, tools []llm.ToolSpec) (*llm.Response, error)
	InvokeStream(ctx context.Context, cfg llm.ProviderConfig, messages []llm.Message) (llm.Stream, error)
}

// ToolResolver declares and runs tools. Satisfied by *tools.Protocol.
type ToolResolver interface {
	Specs(names ...string) []llm.ToolSpec
	Resolve(ctx context.Context, assistant llm.Message) ([]llm.Message, error)
}

// Publisher receives phase openings and content deltas. Satisfied by
// *events.Emitter.
type Publisher interface {
	Metadata(ctx context.Context, phase string, previous map[string]string) error
	Chunk(ctx context.Context, phase, content string) error
}

// Observer is notified of machine activity, typically to record metrics.
type Observer interface {
	PhaseCompleted(phase PhaseID, provider llm.ProviderConfig, duration time.Duration, err error)
	LoopTaken(loop int)
	ToolRound(phase PhaseID, calls int)
	Tokens(provider llm.ProviderConfig, usage llm.Usage)
}

type nopObserver struct{}

func (nopObserver) PhaseCompleted(PhaseID, llm.ProviderConfig, time.Duration, error) {}
func (nopObserver) LoopTaken(int)                                                   {}
func (nopObserver) ToolRound(PhaseID, int)                                          {}
func (nopObserver) Tokens(llm.ProviderConfig, llm.Usage)                            {}

type nopPublisher struct{}

func (nopPublisher) Metadata(context.Context, string, map[string]string) error { return nil }
func (nopPublisher) Chunk(context.Context, string, string) error               { return nil }

// =============================================================================
// Machine
// =============================================================================

// Result is the outcome of a completed pipeline run.
type Result struct {
	// Content is the YIELD output.
	Content string

	// PhaseOutputs holds the latest output of every phase.
	PhaseOutputs map[string]string

	// Metadata maps each phase to the "provider/model" that served it.
	Metadata map[string]string

	LoopCount int

	// Visited lists phases in the order they completed.
	Visited []PhaseID

	Usage llm.Usage
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithObserver sets the activity observer.
func WithObserver(o Observer) MachineOption {
	return func(m *Machine) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) MachineOption {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

// Machine sequences the phases of a turn.
//
// Description:
//
//	One machine serves every turn. All per-turn data lives in the
//	ConversationState and TurnConfig passed to Run.
//
// Thread Safety:
//
//	Safe for concurrent use by multiple turns.
type Machine struct {
	invoker  Invoker
	tools    ToolResolver
	observer Observer
	logger   *slog.Logger
}

// NewMachine creates a machine.
//
// Inputs:
//
//	invoker - Model access. Must not be nil.
//	resolver - Tool access. Nil disables tool calls.
//	opts - Optional settings.
func NewMachine(invoker Invoker, resolver ToolResolver, opts ...MachineOption) *Machine {
	if invoker == nil {
		panic("NewMachine: invoker must not be nil")
	}
	m := &Machine{
		invoker:  invoker,
		tools:    resolver,
		observer: nopObserver{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "phase_machine")
	return m
}

// Run drives state through the pipeline until YIELD completes.
//
// Description:
//
//	Each phase is announced to pub, built into a prompt, and sent to its
//	bound provider. Content deltas are forwarded to pub as they arrive. On
//	success the output is appended to state and the machine advances. On
//	failure it halts without advancing and returns a *PhaseError; state
//	keeps the outputs collected so far. pub never receives done or error
//	events from the machine.
//
// Inputs:
//
//	ctx - Turn context. Checked before every phase.
//	state - The turn's working memory. Mutated.
//	cfg - The turn's immutable configuration. Its MaxLoops replaces
//	      state.MaxLoops.
//	pub - Destination for metadata and chunk events. Nil discards them.
//
// Outputs:
//
//	*Result - The YIELD content and collected outputs.
//	error - *PhaseError for a halting failure, or a config error.
func (m *Machine) Run(ctx context.Context, state *ConversationState, cfg TurnConfig, pub Publisher) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if pub == nil {
		pub = nopPublisher{}
	}

	pipeline := cfg.pipeline()
	state.MaxLoops = cfg.MaxLoops
	state.CurrentPhase = pipeline.First()

	ctx, span := tracer.Start(ctx, "agent.Machine.Run", trace.WithAttributes(
		attribute.String("choir.thread_id", state.ThreadID),
		attribute.Int("choir.max_loops", state.MaxLoops),
	))
	defer span.End()

	result := &Result{Metadata: cfg.ModelMetadata()}

	for {
		phase := state.CurrentPhase
		if err := ctx.Err(); err != nil {
			m.logger.Info("turn cancelled", "thread_id", state.ThreadID, "phase", phase)
			return nil, m.halt(span, phase, err)
		}

		out, err := m.executePhase(ctx, state, cfg, phase, pub)
		if err != nil {
			if phase == PhaseUnderstanding && cfg.YieldOnUnderstandingError && ctx.Err() == nil {
				m.logger.Warn("understanding failed, proceeding to yield",
					"thread_id", state.ThreadID, "error", err)
				if terr := m.transition(state, pipeline, PhaseYield, "understanding failed"); terr != nil {
					return nil, m.halt(span, phase, terr)
				}
				continue
			}
			return nil, m.halt(span, phase, err)
		}

		state.complete(phase, out.trail, out.message)
		result.Visited = append(result.Visited, phase)
		result.Usage.InputTokens += out.usage.InputTokens
		result.Usage.OutputTokens += out.usage.OutputTokens

		if phase.IsTerminal() {
			result.Content = out.message.Content
			break
		}

		next, reason := m.next(state, pipeline, phase, out.message.Content)
		if err := m.transition(state, pipeline, next, reason); err != nil {
			return nil, m.halt(span, phase, err)
		}
	}

	result.PhaseOutputs = state.Outputs()
	result.LoopCount = state.LoopCount
	span.SetAttributes(attribute.Int("choir.loop_count", state.LoopCount))
	return result, nil
}

// next picks the successor of a completed phase.
func (m *Machine) next(state *ConversationState, pipeline Pipeline, phase PhaseID, output string) (PhaseID, string) {
	if phase != PhaseUnderstanding {
		next, _ := pipeline.Next(phase)
		return next, "phase completed"
	}

	decision, source := ParseLoopDecision(output)
	switch {
	case decision == DecisionContinue && state.CanLoop():
		state.LoopCount++
		m.observer.LoopTaken(state.LoopCount)
		return pipeline.First(), fmt.Sprintf("continue requested (%s), loop %d of %d", source, state.LoopCount, state.MaxLoops)
	case decision == DecisionContinue:
		return PhaseYield, fmt.Sprintf("continue requested (%s) but loop cap %d reached", source, state.MaxLoops)
	default:
		return PhaseYield, fmt.Sprintf("yield (%s)", source)
	}
}

// transition moves state to next and records the edge.
func (m *Machine) transition(state *ConversationState, pipeline Pipeline, next PhaseID, reason string) error {
	from := state.CurrentPhase
	// Skipping straight to YIELD is the one edge outside the pipeline graph,
	// taken only when UNDERSTANDING fails under YieldOnUnderstandingError.
	if !pipeline.CanTransition(from, next) && !(from == PhaseUnderstanding && next == PhaseYield) {
		m.logger.Error("State transition rejected", "thread_id", state.ThreadID, "from", from, "to", next)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, next)
	}

	m.logger.Info("State transition",
		"thread_id", state.ThreadID,
		"from", string(from),
		"to", string(next),
		"reason", reason,
	)
	state.Transitions = append(state.Transitions, Transition{
		From:   from,
		To:     next,
		Reason: reason,
		Loop:   state.LoopCount,
		At:     time.Now(),
	})
	state.CurrentPhase = next
	return nil
}

func (m *Machine) halt(span trace.Span, phase PhaseID, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return &PhaseError{Phase: phase, Err: err}
}

// =============================================================================
// Phase execution
// =============================================================================

// phaseOutput is what one phase produced before it is committed to state.
type phaseOutput struct {
	message llm.Message
	trail   []llm.Message
	usage   llm.Usage
}

func (m *Machine) executePhase(ctx context.Context, state *ConversationState, cfg TurnConfig, phase PhaseID, pub Publisher) (out phaseOutput, err error) {
	provider := cfg.ProviderFor(phase)

	ctx, span := tracer.Start(ctx, "agent.Machine.phase", trace.WithAttributes(
		attribute.String("choir.phase", string(phase)),
		attribute.String("llm.provider", provider.Provider),
		attribute.String("llm.model", provider.Model),
		attribute.Int("choir.loop", state.LoopCount),
	))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		m.observer.PhaseCompleted(phase, provider, time.Since(start), err)
		if err == nil {
			m.observer.Tokens(provider, out.usage)
		}
	}()

	if err := pub.Metadata(ctx, string(phase), state.Outputs()); err != nil {
		return phaseOutput{}, err
	}

	prompt := BuildPrompt(cfg.Prompts, state, phase)

	var specs []llm.ToolSpec
	if names := cfg.ToolsFor(phase); len(names) > 0 && m.tools != nil {
		specs = m.tools.Specs(names...)
	}

	if len(specs) > 0 {
		out, err = m.invokeWithTools(ctx, provider, prompt, specs, phase, pub)
	} else {
		out, err = m.stream(ctx, provider, prompt, phase, pub)
	}
	if err != nil {
		return phaseOutput{}, err
	}

	m.logger.Debug("phase completed",
		"thread_id", state.ThreadID,
		"phase", string(phase),
		"provider", provider.Provider,
		"model", provider.Model,
		"loop", state.LoopCount,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// stream runs a phase without tools, forwarding deltas as they arrive.
func (m *Machine) stream(ctx context.Context, provider llm.ProviderConfig, prompt []llm.Message, phase PhaseID, pub Publisher) (phaseOutput, error) {
	s, err := m.invoker.InvokeStream(context.WithoutCancel(ctx), provider, prompt)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return phaseOutput{}, cerr
		}
		return phaseOutput{}, err
	}
	defer s.Close()

	var (
		b     strings.Builder
		usage llm.Usage
	)
	for {
		d, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if cerr := ctx.Err(); cerr != nil {
				return phaseOutput{}, cerr
			}
			return phaseOutput{}, err
		}
		if d.Usage != nil {
			usage = *d.Usage
		}
		// After cancellation the stream is drained but nothing is forwarded.
		if d.Content == "" || ctx.Err() != nil {
			continue
		}
		b.WriteString(d.Content)
		if err := pub.Chunk(ctx, string(phase), d.Content); err != nil {
			return phaseOutput{}, err
		}
	}

	if err := ctx.Err(); err != nil {
		return phaseOutput{}, err
	}
	return phaseOutput{
		message: llm.Message{Role: llm.RoleAssistant, Content: b.String()},
		usage:   usage,
	}, nil
}

// invoke makes one provider call. The call is not aborted when the turn is
// cancelled; it runs to completion under the adapter's own timeout and its
// result is dropped.
func (m *Machine) invoke(ctx context.Context, provider llm.ProviderConfig, prompt []llm.Message, specs []llm.ToolSpec) (*llm.Response, error) {
	resp, err := m.invoker.Invoke(context.WithoutCancel(ctx), provider, prompt, specs)
	if cerr := ctx.Err(); cerr != nil {
		return nil, cerr
	}
	return resp, err
}

// invokeWithTools runs a tool-eligible phase: one call with tools bound,
// one tool round when requested, then one call without tools.
func (m *Machine) invokeWithTools(ctx context.Context, provider llm.ProviderConfig, prompt []llm.Message, specs []llm.ToolSpec, phase PhaseID, pub Publisher) (phaseOutput, error) {
	first, err := m.invoke(ctx, provider, prompt, specs)
	if err != nil {
		return phaseOutput{}, err
	}
	usage := first.Usage

	if !first.Message.HasToolCalls() {
		if err := pub.Chunk(ctx, string(phase), first.Message.Content); err != nil {
			return phaseOutput{}, err
		}
		return phaseOutput{message: first.Message, usage: usage}, nil
	}

	if err := ctx.Err(); err != nil {
		return phaseOutput{}, err
	}

	request := first.Message
	request.Phase = string(phase)
	m.observer.ToolRound(phase, len(request.ToolCalls))
	m.logger.Info("resolving tool calls",
		"phase", string(phase),
		"calls", len(request.ToolCalls),
	)

	results, err := m.tools.Resolve(ctx, request)
	if err != nil {
		return phaseOutput{}, err
	}
	if len(results) != len(request.ToolCalls) {
		return phaseOutput{}, &tools.ToolExecutionError{
			Cause: fmt.Errorf("%d results for %d tool calls", len(results), len(request.ToolCalls)),
		}
	}

	trail := make([]llm.Message, 0, len(results)+1)
	trail = append(trail, request)
	trail = append(trail, results...)

	followup := make([]llm.Message, 0, len(prompt)+len(trail))
	followup = append(followup, prompt...)
	followup = append(followup, trail...)

	final, err := m.invoke(ctx, provider, followup, nil)
	if err != nil {
		return phaseOutput{}, err
	}
	usage.InputTokens += final.Usage.InputTokens
	usage.OutputTokens += final.Usage.OutputTokens

	if final.Message.HasToolCalls() {
		call := final.Message.ToolCalls[0]
		return phaseOutput{}, &tools.ToolExecutionError{
			Tool:   call.Name,
			CallID: call.ID,
			Cause:  tools.ErrNestedToolCall,
		}
	}

	if err := pub.Chunk(ctx, string(phase), final.Message.Content); err != nil {
		return phaseOutput{}, err
	}
	return phaseOutput{message: final.Message, trail: trail, usage: usage}, nil
}

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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// DefaultToolTimeout bounds one tool execution when none is configured.
const DefaultToolTimeout = 30 * time.Second

var tracer = otel.Tracer("choir.tools")

// ProtocolConfig controls tool execution.
type ProtocolConfig struct {
	// MaxConcurrency bounds how many calls from one response run at once.
	// Default: 1 (sequential).
	MaxConcurrency int

	// ToolTimeout bounds each tool execution. Default: DefaultToolTimeout.
	ToolTimeout time.Duration

	// ContinueOnToolError turns tool run failures into "error: ..." results
	// instead of halting the turn. Timeouts still halt.
	ContinueOnToolError bool
}

// Protocol resolves the ToolCalls of one assistant message.
//
// # Description
//
// Every call is answered by exactly one tool-role message carrying the
// call's ID, returned in the order the calls were issued. A call naming an
// unknown tool, or carrying arguments that do not satisfy the tool's schema,
// is answered with an "error: ..." result so the model can react. A tool
// that returns an error or exceeds its timeout halts resolution with a
// *ToolExecutionError.
//
// # Thread Safety
//
// Safe for concurrent use across turns.
type Protocol struct {
	registry *Registry
	config   ProtocolConfig
	logger   *slog.Logger
}

// NewProtocol creates a Protocol over registry.
//
// # Inputs
//
//   - registry: Tool lookup. Must not be nil.
//   - cfg: Fan-out and timeouts. Zero values get defaults.
//   - logger: Nil uses slog.Default().
func NewProtocol(registry *Registry, cfg ProtocolConfig, logger *slog.Logger) *Protocol {
	if registry == nil {
		panic("NewProtocol: registry must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	return &Protocol{
		registry: registry,
		config:   cfg,
		logger:   logger.With("component", "tool_protocol"),
	}
}

// Registry returns the tool registry the protocol resolves against.
func (p *Protocol) Registry() *Registry {
	return p.registry
}

// Resolve runs every ToolCall in assistant and returns the tool-result
// messages.
//
// # Inputs
//
//   - ctx: Turn context. Checked before each call is started. Calls
//     already running are not interrupted; their results are dropped.
//   - assistant: The message carrying ToolCalls. Not modified.
//
// # Outputs
//
//   - []llm.Message: One RoleTool message per call, in issue order.
//   - error: *ToolExecutionError on a failed or timed-out tool, or the
//     context error if the turn was cancelled between calls.
func (p *Protocol) Resolve(ctx context.Context, assistant llm.Message) ([]llm.Message, error) {
	calls := assistant.ToolCalls
	if len(calls) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "tools.Protocol.Resolve", trace.WithAttributes(
		attribute.Int("tools.call_count", len(calls)),
		attribute.Int("tools.max_concurrency", p.config.MaxConcurrency),
	))
	defer span.End()

	// Calls in flight run to completion on a detached context bounded by
	// ToolTimeout. Cancellation and sibling failures only stop new calls.
	runCtx := context.WithoutCancel(ctx)
	results := make([]Result, len(calls))
	var (
		g      errgroup.Group
		failed atomic.Bool
	)
	g.SetLimit(p.config.MaxConcurrency)

	for i, call := range calls {
		if ctx.Err() != nil || failed.Load() {
			break
		}
		g.Go(func() error {
			// A slot may free up only after the turn was cancelled.
			if ctx.Err() != nil || failed.Load() {
				return nil
			}
			res, err := p.run(runCtx, call)
			if err != nil {
				failed.Store(true)
				return err
			}
			results[i] = res
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		span.SetStatus(codes.Error, "cancelled")
		return nil, fmt.Errorf("resolve tool calls: %w", err)
	}

	messages := make([]llm.Message, len(results))
	for i, r := range results {
		messages[i] = r.Message()
	}
	return messages, nil
}

// run executes one call.
func (p *Protocol) run(ctx context.Context, call llm.ToolCall) (Result, error) {
	res := Result{CallID: call.ID, Name: call.Name}

	tool, err := p.registry.Get(call.Name)
	if err != nil {
		p.logger.Warn("model requested unknown tool", "tool", call.Name, "call_id", call.ID)
		res.Content = notFoundContent(call.Name)
		return res, nil
	}

	if verr := validateArguments(tool.Schema(), call.Arguments); verr != nil {
		p.logger.Info("tool arguments rejected", "tool", call.Name, "call_id", call.ID, "error", verr)
		res.Content = "error: invalid arguments: " + verr.Error()
		return res, nil
	}

	ctx, span := tracer.Start(ctx, "tools.Tool.Run", trace.WithAttributes(
		attribute.String("tools.name", call.Name),
		attribute.String("tools.call_id", call.ID),
	))
	defer span.End()

	runCtx, cancel := context.WithTimeout(ctx, p.config.ToolTimeout)
	defer cancel()

	start := time.Now()
	out, err := tool.Run(runCtx, ExtractInput(call.Arguments))
	if err != nil {
		timeout := ctx.Err() == nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if p.config.ContinueOnToolError && !timeout && ctx.Err() == nil {
			p.logger.Warn("tool failed, continuing", "tool", call.Name, "call_id", call.ID, "error", err)
			res.Content = "error: " + err.Error()
			return res, nil
		}
		return Result{}, &ToolExecutionError{
			Tool:    call.Name,
			CallID:  call.ID,
			Timeout: timeout,
			Cause:   err,
		}
	}

	p.logger.Debug("tool call completed",
		"tool", call.Name,
		"call_id", call.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	res.Content = out
	return res, nil
}

// validateArguments checks raw call arguments against schema. Empty
// arguments are treated as an empty object.
func validateArguments(schema llm.ParameterSchema, arguments string) error {
	if strings.TrimSpace(arguments) == "" {
		arguments = "{}"
	}
	if !json.Valid([]byte(arguments)) {
		return fmt.Errorf("arguments are not valid JSON")
	}
	if schema.Type == "" {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schema),
		gojsonschema.NewStringLoader(arguments),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return errors.New(strings.Join(msgs, "; "))
	}
	return nil
}

// ExtractInput derives a tool's string input from its JSON arguments.
//
// The "query" field is preferred, then "input", then the only string field
// of the object. Anything else is passed through as raw JSON.
func ExtractInput(arguments string) string {
	var fields map[string]any
	if err := json.Unmarshal([]byte(arguments), &fields); err != nil {
		return arguments
	}
	for _, key := range []string{"query", "input"} {
		if s, ok := fields[key].(string); ok {
			return s
		}
	}

	var only string
	count := 0
	for _, v := range fields {
		if s, ok := v.(string); ok {
			only = s
			count++
		}
	}
	if count == 1 && len(fields) == 1 {
		return only
	}
	return arguments
}

// Specs returns declarations for the named tools.
func (p *Protocol) Specs(names ...string) []llm.ToolSpec {
	return p.registry.Specs(names...)
}

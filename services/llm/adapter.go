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
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// DefaultCallTimeout bounds a single provider call when none is configured.
const DefaultCallTimeout = 90 * time.Second

var tracer = otel.Tracer("choir.llm")

// RateLimit throttles calls to one provider.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// AdapterConfig controls timeouts and throttling for all providers.
type AdapterConfig struct {
	// CallTimeout bounds each Invoke call and each whole stream.
	// Default: DefaultCallTimeout.
	CallTimeout time.Duration

	// RateLimits is keyed by provider id. Providers without an entry are
	// not throttled.
	RateLimits map[string]RateLimit
}

// Adapter is the single entry point the phase machine uses to talk to
// backends.
//
// # Description
//
// Adapter resolves a ProviderConfig to a Provider through the Registry,
// validates and normalizes messages for the provider's capabilities, drops
// parameters the model cannot honor, applies the per-call timeout and rate
// limit, and wraps every failure in a ProviderError. It never retries.
//
// # Thread Safety
//
// Safe for concurrent use across turns. Holds no per-turn state.
type Adapter struct {
	registry *Registry
	config   AdapterConfig
	limiters map[string]*rate.Limiter
	logger   *slog.Logger

	calls  metric.Int64Counter
	tokens metric.Int64Counter
}

// NewAdapter creates an Adapter over registry.
//
// # Inputs
//
//   - registry: Provider lookup. Must not be nil.
//   - cfg: Timeouts and rate limits. Zero values get defaults.
//   - logger: Destination for capability-mismatch logs. Nil uses slog.Default().
//
// # Outputs
//
//   - *Adapter: Ready for use.
func NewAdapter(registry *Registry, cfg AdapterConfig, logger *slog.Logger) *Adapter {
	if registry == nil {
		panic("NewAdapter: registry must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	a := &Adapter{
		registry: registry,
		config:   cfg,
		limiters: make(map[string]*rate.Limiter, len(cfg.RateLimits)),
		logger:   logger.With("component", "llm_adapter"),
	}

	for name, rl := range cfg.RateLimits {
		if rl.RequestsPerSecond <= 0 {
			continue
		}
		burst := rl.Burst
		if burst < 1 {
			burst = 1
		}
		a.limiters[name] = rate.NewLimiter(rate.Limit(rl.RequestsPerSecond), burst)
	}

	meter := otel.Meter("choir.llm")
	var err error
	if a.calls, err = meter.Int64Counter("choir.llm.calls",
		metric.WithDescription("Provider calls by provider, mode and outcome")); err != nil {
		a.logger.Warn("failed to create llm call counter", "error", err)
	}
	if a.tokens, err = meter.Int64Counter("choir.llm.tokens",
		metric.WithDescription("Tokens reported by providers"), metric.WithUnit("{token}")); err != nil {
		a.logger.Warn("failed to create llm token counter", "error", err)
	}

	return a
}

// Invoke performs one complete generation.
//
// # Description
//
// tools are bound only when both the ProviderConfig and the provider report
// tool support; otherwise they are ignored and a capability mismatch is
// logged. The returned message always has RoleAssistant.
//
// # Inputs
//
//   - ctx: Cancellation for the call. A per-call timeout is layered on top.
//   - cfg: The phase's provider binding.
//   - messages: Conversation to send. Not modified.
//   - tools: Optional tool declarations.
//
// # Outputs
//
//   - *Response: The assistant message, possibly carrying ToolCalls.
//   - error: *ValidationError for bad input, *ProviderError otherwise.
func (a *Adapter) Invoke(ctx context.Context, cfg ProviderConfig, messages []Message, tools []ToolSpec) (*Response, error) {
	p, req, err := a.prepare(cfg, messages, tools)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "llm.Adapter.Invoke", trace.WithAttributes(
		attribute.String("llm.provider", cfg.Provider),
		attribute.String("llm.model", cfg.Model),
		attribute.Int("llm.message_count", len(req.Messages)),
		attribute.Int("llm.tool_count", len(req.Tools)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)
	defer cancel()

	if err := a.wait(callCtx, cfg.Provider); err != nil {
		return nil, a.fail(ctx, callCtx, span, cfg, "generate", err)
	}

	start := time.Now()
	resp, err := p.Generate(callCtx, req)
	if err == nil && resp == nil {
		err = ErrEmptyResponse
	}
	if err != nil {
		return nil, a.fail(ctx, callCtx, span, cfg, "generate", err)
	}

	resp.Message.Role = RoleAssistant
	a.succeed(ctx, span, cfg, "generate", resp.Usage)
	a.logger.Debug("provider call completed",
		"provider", cfg.Provider,
		"model", cfg.Model,
		"tool_calls", len(resp.Message.ToolCalls),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return resp, nil
}

// InvokeStream starts a streaming generation without tools.
//
// # Description
//
// The returned Stream yields content deltas and returns io.EOF at the
// natural end. The call timeout covers the whole stream. Errors from Recv
// are *ProviderError. Close must be called.
func (a *Adapter) InvokeStream(ctx context.Context, cfg ProviderConfig, messages []Message) (Stream, error) {
	p, req, err := a.prepare(cfg, messages, nil)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "llm.Adapter.InvokeStream", trace.WithAttributes(
		attribute.String("llm.provider", cfg.Provider),
		attribute.String("llm.model", cfg.Model),
		attribute.Int("llm.message_count", len(req.Messages)),
	))

	callCtx, cancel := context.WithTimeout(ctx, a.config.CallTimeout)

	if err := a.wait(callCtx, cfg.Provider); err != nil {
		perr := a.fail(ctx, callCtx, span, cfg, "stream", err)
		cancel()
		span.End()
		return nil, perr
	}

	inner, err := p.GenerateStream(callCtx, req)
	if err != nil {
		perr := a.fail(ctx, callCtx, span, cfg, "stream", err)
		cancel()
		span.End()
		return nil, perr
	}

	return &adapterStream{
		adapter: a,
		inner:   inner,
		parent:  ctx,
		callCtx: callCtx,
		cancel:  cancel,
		span:    span,
		cfg:     cfg,
	}, nil
}

// prepare resolves the provider and builds a normalized Request.
func (a *Adapter) prepare(cfg ProviderConfig, messages []Message, tools []ToolSpec) (Provider, Request, error) {
	if err := ValidateMessages(messages); err != nil {
		return nil, Request{}, err
	}

	p, err := a.registry.Get(cfg.Provider)
	if err != nil {
		a.logger.Warn("capability mismatch: provider not available",
			"provider", cfg.Provider,
			"model", cfg.Model,
			"registered", a.registry.Names(),
		)
		return nil, Request{}, &ProviderError{Provider: cfg.Provider, Model: cfg.Model, Cause: err}
	}

	caps := p.Capabilities(cfg.Model)
	req := Request{
		Model:     cfg.Model,
		Messages:  Normalize(messages, caps),
		MaxTokens: cfg.MaxTokens,
	}

	if cfg.Temperature != nil {
		if cfg.SupportsTemperature && caps.Temperature {
			t := *cfg.Temperature
			req.Temperature = &t
		} else {
			a.logger.Debug("dropping unsupported temperature",
				"provider", cfg.Provider,
				"model", cfg.Model,
			)
		}
	}

	if len(tools) > 0 {
		if cfg.SupportsTools && caps.Tools {
			req.Tools = tools
		} else {
			a.logger.Warn("capability mismatch: tools ignored",
				"provider", cfg.Provider,
				"model", cfg.Model,
				"configured", cfg.SupportsTools,
				"provider_supports", caps.Tools,
				"tool_count", len(tools),
			)
		}
	}

	return p, req, nil
}

func (a *Adapter) wait(ctx context.Context, provider string) error {
	limiter, ok := a.limiters[provider]
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// fail wraps err as a ProviderError and records it.
//
// A call is a timeout when its own deadline fired while the caller's
// context was still live.
func (a *Adapter) fail(parent, callCtx context.Context, span trace.Span, cfg ProviderConfig, mode string, err error) *ProviderError {
	timeout := parent.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded)
	perr := &ProviderError{
		Provider: cfg.Provider,
		Model:    cfg.Model,
		Timeout:  timeout,
		Cause:    err,
	}

	span.RecordError(perr)
	span.SetStatus(codes.Error, "provider call failed")
	a.count(parent, cfg, mode, "error")

	a.logger.Error("provider call failed",
		"provider", cfg.Provider,
		"model", cfg.Model,
		"mode", mode,
		"timeout", timeout,
		"error", err,
	)
	return perr
}

func (a *Adapter) succeed(ctx context.Context, span trace.Span, cfg ProviderConfig, mode string, usage Usage) {
	span.SetAttributes(
		attribute.Int("llm.usage.input_tokens", usage.InputTokens),
		attribute.Int("llm.usage.output_tokens", usage.OutputTokens),
	)
	a.count(ctx, cfg, mode, "ok")
	if a.tokens != nil {
		a.tokens.Add(ctx, int64(usage.InputTokens), metric.WithAttributes(
			attribute.String("provider", cfg.Provider), attribute.String("direction", "input")))
		a.tokens.Add(ctx, int64(usage.OutputTokens), metric.WithAttributes(
			attribute.String("provider", cfg.Provider), attribute.String("direction", "output")))
	}
}

func (a *Adapter) count(ctx context.Context, cfg ProviderConfig, mode, outcome string) {
	if a.calls == nil {
		return
	}
	a.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", cfg.Provider),
		attribute.String("mode", mode),
		attribute.String("outcome", outcome),
	))
}

// =============================================================================
// Stream Wrapper
// =============================================================================

// adapterStream applies error wrapping, usage accounting and cleanup to a
// provider stream.
type adapterStream struct {
	adapter *Adapter
	inner   Stream
	parent  context.Context
	callCtx context.Context
	cancel  context.CancelFunc
	span    trace.Span
	cfg     ProviderConfig

	usage    Usage
	finished bool
	err      error
	once     sync.Once
}

func (s *adapterStream) Recv() (Delta, error) {
	if s.finished {
		if s.err != nil {
			return Delta{}, s.err
		}
		return Delta{}, io.EOF
	}

	d, err := s.inner.Recv()
	if err == nil {
		if d.Usage != nil {
			s.usage = *d.Usage
		}
		return d, nil
	}

	s.finished = true
	if errors.Is(err, io.EOF) {
		s.adapter.succeed(s.parent, s.span, s.cfg, "stream", s.usage)
		return Delta{}, io.EOF
	}

	s.err = s.adapter.fail(s.parent, s.callCtx, s.span, s.cfg, "stream", err)
	return Delta{}, s.err
}

func (s *adapterStream) Close() error {
	var err error
	s.once.Do(func() {
		err = s.inner.Close()
		s.cancel()
		s.span.End()
	})
	return err
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package turn

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent"
	"github.com/yusefmosiah/Choir.chat-sub000/services/agent/events"
	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// DefaultHistoryTurns is how many earlier turns seed a new one.
const DefaultHistoryTurns = 10

var tracer = otel.Tracer("choir.turn")

// Runner executes the phase pipeline. Satisfied by *agent.Machine.
type Runner interface {
	Run(ctx context.Context, state *agent.ConversationState, cfg agent.TurnConfig, pub agent.Publisher) (*agent.Result, error)
}

// ConfigSource hands out the configuration for a new turn. Each call
// returns an independent snapshot.
type ConfigSource interface {
	TurnConfig() agent.TurnConfig
}

// StaticConfig is a ConfigSource that never changes.
type StaticConfig agent.TurnConfig

// TurnConfig returns a copy of the wrapped config.
func (s StaticConfig) TurnConfig() agent.TurnConfig {
	return agent.TurnConfig(s).Clone()
}

// Observer is notified of turn outcomes.
type Observer interface {
	TurnStarted()
	TurnFinished(outcome string, loops int, duration time.Duration)
	StreamDetached()
}

// Turn outcomes reported to Observer.
const (
	OutcomeSuccess          = "success"
	OutcomePhaseError       = "phase_error"
	OutcomePersistenceError = "persistence_error"
	OutcomeInvalid          = "invalid"
)

type nopObserver struct{}

func (nopObserver) TurnStarted()                             {}
func (nopObserver) TurnFinished(string, int, time.Duration) {}
func (nopObserver) StreamDetached()                          {}

// Request is one user turn.
type Request struct {
	// ThreadID continues an existing conversation. Empty starts a new one.
	ThreadID string `json:"thread_id" validate:"omitempty,max=128"`

	Query string `json:"query" validate:"required"`

	// MaxLoops overrides the configured loop cap for this turn.
	MaxLoops *int `json:"max_loops,omitempty" validate:"omitempty,min=0,max=10"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithIndexer makes completed turns searchable.
func WithIndexer(ix Indexer) Option {
	return func(o *Orchestrator) { o.indexer = ix }
}

// WithObserver sets the outcome observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithHistoryTurns sets how many earlier turns are loaded.
func WithHistoryTurns(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.historyTurns = n
		}
	}
}

// WithErrorMessage sets how a halting error is rendered in the error
// event. The default is err.Error(); the full error is always logged.
func WithErrorMessage(fn func(error) string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.errorMessage = fn
		}
	}
}

// Orchestrator drives one turn at a time through the phase machine.
//
// Description:
//
//	For each Run it loads the thread's history, builds the conversation
//	state, runs the machine while streaming events, and persists exactly
//	one Record when YIELD succeeds. No record is written for a failed
//	turn. The final event of every turn is done or error.
//
// Thread Safety:
//
//	Safe for concurrent use; turns share nothing but the collaborators.
type Orchestrator struct {
	runner       Runner
	store        Store
	configs      ConfigSource
	indexer      Indexer
	observer     Observer
	logger       *slog.Logger
	historyTurns int
	errorMessage func(error) string
}

// NewOrchestrator creates an orchestrator.
//
// Inputs:
//
//	runner - The phase machine. Must not be nil.
//	store - Record persistence. Must not be nil.
//	configs - Per-turn configuration. Must not be nil.
func NewOrchestrator(runner Runner, store Store, configs ConfigSource, opts ...Option) *Orchestrator {
	if runner == nil {
		panic("NewOrchestrator: runner must not be nil")
	}
	if store == nil {
		panic("NewOrchestrator: store must not be nil")
	}
	if configs == nil {
		panic("NewOrchestrator: configs must not be nil")
	}
	o := &Orchestrator{
		runner:       runner,
		store:        store,
		configs:      configs,
		observer:     nopObserver{},
		logger:       slog.Default(),
		historyTurns: DefaultHistoryTurns,
		errorMessage: func(err error) string { return err.Error() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Store returns the record store.
func (o *Orchestrator) Store() Store {
	return o.store
}

// Run executes one turn and streams its events to sink.
//
// Description:
//
//	The error event of a failed turn names the failing phase and carries
//	the phase outputs collected so far. When the final write fails after
//	YIELD has streamed, an error event follows the YIELD content and the
//	record is still returned alongside the *PersistenceError.
//
// Inputs:
//
//	ctx - Turn context. Cancelling it halts the machine between phases.
//	req - The user turn.
//	sink - Event consumer. Nil discards events.
//
// Outputs:
//
//	*Record - The persisted record, or nil on a phase failure.
//	error - *agent.PhaseError, *PersistenceError, or *llm.ValidationError.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink events.Sink) (*Record, error) {
	start := time.Now()
	threadID := strings.TrimSpace(req.ThreadID)
	if threadID == "" {
		threadID = uuid.NewString()
	}
	turnID := uuid.NewString()
	logger := o.logger.With("thread_id", threadID, "turn_id", turnID)

	ctx, span := tracer.Start(ctx, "turn.Orchestrator.Run", trace.WithAttributes(
		attribute.String("choir.thread_id", threadID),
		attribute.String("choir.turn_id", turnID),
	))
	defer span.End()

	o.observer.TurnStarted()
	emitter := events.NewEmitter(threadID, sink,
		events.WithLogger(logger),
		events.WithDetachHook(o.observer.StreamDetached),
	)

	cfg := o.configs.TurnConfig()
	if req.MaxLoops != nil {
		cfg = cfg.WithMaxLoops(*req.MaxLoops)
	}
	first := agent.PhaseAction
	if len(cfg.Pipeline) > 0 {
		first = cfg.Pipeline.First()
	}

	finish := func(outcome string, loops int, err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		span.SetAttributes(attribute.String("choir.outcome", outcome))
		o.observer.TurnFinished(outcome, loops, time.Since(start))
	}

	if strings.TrimSpace(req.Query) == "" {
		err := &llm.ValidationError{Field: "query", Reason: "must not be empty"}
		o.emitError(ctx, emitter, logger, string(first), err, nil)
		finish(OutcomeInvalid, 0, err)
		return nil, err
	}

	records, err := o.store.History(ctx, threadID, o.historyTurns)
	if err != nil {
		perr := &PersistenceError{Op: "load history", ThreadID: threadID, Err: err}
		o.emitError(ctx, emitter, logger, string(first), perr, nil)
		finish(OutcomePersistenceError, 0, perr)
		return nil, perr
	}

	state := agent.NewConversationState(threadID, HistoryMessages(records), req.Query, cfg.MaxLoops)
	logger.Info("turn started", "history_turns", len(records), "max_loops", cfg.MaxLoops)

	res, err := o.runner.Run(ctx, state, cfg, emitter)
	if err != nil {
		phase, ok := agent.FailedPhase(err)
		if !ok {
			phase = state.CurrentPhase
		}
		o.emitError(ctx, emitter, logger, string(phase), err, state.Outputs())
		finish(OutcomePhaseError, state.LoopCount, err)
		return nil, err
	}

	rec := Record{
		TurnID:       turnID,
		ThreadID:     threadID,
		UserQuery:    req.Query,
		Content:      res.Content,
		PhaseOutputs: res.PhaseOutputs,
		Metadata:     res.Metadata,
		LoopCount:    res.LoopCount,
		Timestamp:    time.Now().UTC(),
	}

	if err := o.store.Save(ctx, rec); err != nil {
		perr := &PersistenceError{Op: "save turn", ThreadID: threadID, Err: err}
		o.emitError(ctx, emitter, logger, string(agent.PhaseYield), perr, res.PhaseOutputs)
		finish(OutcomePersistenceError, res.LoopCount, perr)
		return &rec, perr
	}

	if err := emitter.Done(ctx, string(agent.PhaseYield), res.PhaseOutputs); err != nil {
		logger.Warn("done event rejected", "error", err)
	}

	if o.indexer != nil {
		if err := o.indexer.Index(ctx, rec); err != nil {
			logger.Warn("indexing turn failed", "error", err)
		}
	}

	logger.Info("turn completed",
		"loops", res.LoopCount,
		"input_tokens", res.Usage.InputTokens,
		"output_tokens", res.Usage.OutputTokens,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	finish(OutcomeSuccess, res.LoopCount, nil)
	return &rec, nil
}

func (o *Orchestrator) emitError(ctx context.Context, em *events.Emitter, logger *slog.Logger, phase string, err error, outputs map[string]string) {
	logger.Error("turn failed", "phase", phase, "error", err)
	if eerr := em.Error(ctx, phase, o.errorMessage(err), outputs); eerr != nil {
		logger.Warn("error event rejected", "error", eerr)
	}
}

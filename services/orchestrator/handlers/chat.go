// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the orchestrator's HTTP and WebSocket API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent/events"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/datatypes"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/observability"
	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
)

const (
	// DefaultHeartbeat is the SSE keepalive and WebSocket ping interval.
	DefaultHeartbeat = 15 * time.Second

	// DefaultTurnTimeout bounds a turn that outlives its client.
	DefaultTurnTimeout = 10 * time.Minute

	// maxThreadTurns caps the limit query parameter of the history route.
	maxThreadTurns = 100
)

var tracer = otel.Tracer("choir.handlers")

// TurnRunner runs one turn. *turn.Orchestrator satisfies it.
type TurnRunner interface {
	Run(ctx context.Context, req turn.Request, sink events.Sink) (*turn.Record, error)
}

// Option configures a ChatHandler.
type Option func(*ChatHandler)

// WithMetrics records stream metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *ChatHandler) { h.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *ChatHandler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithMaxQueryBytes bounds accepted queries.
func WithMaxQueryBytes(n int) Option {
	return func(h *ChatHandler) { h.maxQueryBytes = n }
}

// WithHeartbeat overrides DefaultHeartbeat.
func WithHeartbeat(d time.Duration) Option {
	return func(h *ChatHandler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithTurnTimeout overrides DefaultTurnTimeout.
func WithTurnTimeout(d time.Duration) Option {
	return func(h *ChatHandler) {
		if d > 0 {
			h.turnTimeout = d
		}
	}
}

// WithStorageName sets the backend name reported by /health.
func WithStorageName(name string) Option {
	return func(h *ChatHandler) { h.storageName = name }
}

// ChatHandler serves turns over HTTP.
//
// # Description
//
// Turns run on a context detached from the client's request: a client
// that goes away stops receiving events, but the turn still finishes and
// persists, bounded by the turn timeout.
//
// # Thread Safety
//
// Safe for concurrent use.
type ChatHandler struct {
	runner        TurnRunner
	store         turn.Store
	metrics       *observability.Metrics
	logger        *slog.Logger
	maxQueryBytes int
	heartbeat     time.Duration
	turnTimeout   time.Duration
	storageName   string
}

// NewChatHandler creates a handler.
//
// # Inputs
//
//   - runner: Runs turns. Must not be nil.
//   - store: Serves thread history. Must not be nil.
//   - opts: Optional settings.
func NewChatHandler(runner TurnRunner, store turn.Store, opts ...Option) *ChatHandler {
	if runner == nil {
		panic("NewChatHandler: runner must not be nil")
	}
	if store == nil {
		panic("NewChatHandler: store must not be nil")
	}
	h := &ChatHandler{
		runner:        runner,
		store:         store,
		logger:        slog.Default(),
		maxQueryBytes: datatypes.DefaultMaxQueryBytes,
		heartbeat:     DefaultHeartbeat,
		turnTimeout:   DefaultTurnTimeout,
		storageName:   "memory",
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// turnContext detaches from the client's cancellation but keeps its
// values (trace span, logger fields).
func (h *ChatHandler) turnContext(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), h.turnTimeout)
}

// bindChat parses and validates a request body, writing a 400 on failure.
func (h *ChatHandler) bindChat(c *gin.Context) (*datatypes.ChatRequest, bool) {
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return nil, false
	}
	if err := req.Validate(h.maxQueryBytes); err != nil {
		h.logger.Info("chat request rejected", "error", err)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: " + err.Error()})
		return nil, false
	}
	return &req, true
}

// =============================================================================
// POST /v1/chat
// =============================================================================

// HandleChat runs a turn and returns the persisted record.
//
// # Outputs
//
//   - 200 with turn.Record on success.
//   - 400 for an invalid body.
//   - 4xx/5xx with ErrorResponse naming the failed phase otherwise.
func (h *ChatHandler) HandleChat(c *gin.Context) {
	req, ok := h.bindChat(c)
	if !ok {
		return
	}
	ctx, cancel := h.turnContext(c.Request.Context())
	defer cancel()

	sink := &events.RecorderSink{}
	rec, err := h.runner.Run(ctx, req.TurnRequest(), sink)
	if err != nil {
		resp := datatypes.ErrorResponse{Error: ClientMessage(err)}
		if last, ok := sink.Last(); ok && last.Kind == events.KindError {
			resp.Phase = last.Data.Phase
			resp.ThreadID = last.Data.ThreadID
		}
		c.JSON(statusFor(err), resp)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// =============================================================================
// POST /v1/chat/stream
// =============================================================================

// HandleChatStream runs a turn and streams its events as SSE.
//
// # Description
//
// Validation failures are answered with a plain 400 before the stream
// opens. Once streaming, every outcome (including failures) is reported
// in-band and the last event is done or error.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	req, ok := h.bindChat(c)
	if !ok {
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
		return
	}
	c.Status(http.StatusOK)

	h.streamStarted(observability.EndpointSSE)
	defer h.streamEnded(observability.EndpointSSE)

	ctx, span := tracer.Start(c.Request.Context(), "handlers.HandleChatStream")
	span.SetAttributes(attribute.String("choir.thread_id", req.ThreadID))
	defer span.End()

	turnCtx, cancel := h.turnContext(ctx)
	defer cancel()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		h.runHeartbeat(c.Request.Context(), writer, observability.EndpointSSE, done)
	}()
	defer func() {
		close(done)
		<-stopped
	}()

	sink := &sseSink{writer: writer, client: c.Request.Context()}
	if _, err := h.runner.Run(turnCtx, req.TurnRequest(), sink); err != nil {
		h.logger.Debug("streamed turn ended with error", "error", err)
	}
}

// runHeartbeat writes keepalives until done or the client goes away.
func (h *ChatHandler) runHeartbeat(ctx context.Context, writer SSEWriter, endpoint observability.Endpoint, done <-chan struct{}) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				h.logger.Debug("failed to write keepalive", "error", err)
				return
			}
			if h.metrics != nil {
				h.metrics.RecordKeepAlive(endpoint)
			}
		}
	}
}

// =============================================================================
// GET /v1/threads/:threadId/turns
// =============================================================================

// HandleThreadTurns returns the persisted turns of a thread, oldest first.
// The optional limit query parameter keeps only the most recent turns.
func (h *ChatHandler) HandleThreadTurns(c *gin.Context) {
	threadID := c.Param("threadId")
	if !datatypes.ValidThreadID(threadID) {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid thread id"})
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxThreadTurns {
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "limit must be between 1 and 100"})
			return
		}
		limit = n
	}

	records, err := h.store.History(c.Request.Context(), threadID, limit)
	if err != nil {
		h.logger.Error("load thread history failed", "thread_id", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "failed to load thread", ThreadID: threadID})
		return
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: turn.ErrNotFound.Error(), ThreadID: threadID})
		return
	}
	c.JSON(http.StatusOK, datatypes.ThreadTurnsResponse{ThreadID: threadID, Turns: records})
}

// =============================================================================
// GET /health
// =============================================================================

// HandleHealth reports liveness.
func (h *ChatHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.HealthResponse{Status: "ok", Storage: h.storageName})
}

func (h *ChatHandler) streamStarted(e observability.Endpoint) {
	if h.metrics != nil {
		h.metrics.StreamStarted(e)
	}
}

func (h *ChatHandler) streamEnded(e observability.Endpoint) {
	if h.metrics != nil {
		h.metrics.StreamEnded(e)
	}
}

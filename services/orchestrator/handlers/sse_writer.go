// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent/events"
)

// =============================================================================
// Interface Definition
// =============================================================================

// SSEWriter writes turn events as Server-Sent Events.
//
// # Description
//
// Each event is written as
//
//	id: {n}
//	event: {kind}
//	data: {json}
//
// and flushed immediately. Ids count up from 1 within one response.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; the heartbeat writes
// from its own goroutine.
type SSEWriter interface {
	// WriteEvent writes one event and flushes.
	WriteEvent(ev events.Event) error

	// WriteKeepAlive writes an SSE comment so idle proxies keep the
	// connection open. It does not consume an id.
	WriteKeepAlive() error
}

// =============================================================================
// Struct Definition
// =============================================================================

type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	seq     int
	mu      sync.Mutex
}

// NewSSEWriter wraps w. The caller must have called SetSSEHeaders.
//
// # Outputs
//
//   - SSEWriter: Ready to write.
//   - error: Non-nil if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

// =============================================================================
// Methods
// =============================================================================

func (w *sseWriter) WriteEvent(ev events.Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	if _, err := fmt.Fprintf(w.writer, "id: %d\nevent: %s\ndata: %s\n\n", w.seq, ev.Kind, ev.JSON()); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers for an event stream response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// =============================================================================
// Sink adapter
// =============================================================================

// sseSink adapts an SSEWriter to events.Sink. Once the client's request
// context is done, Emit fails so the emitter detaches.
type sseSink struct {
	writer SSEWriter
	client context.Context
}

func (s *sseSink) Emit(_ context.Context, ev events.Event) error {
	if err := s.client.Err(); err != nil {
		return err
	}
	return s.writer.WriteEvent(ev)
}

var (
	_ SSEWriter   = (*sseWriter)(nil)
	_ events.Sink = (*sseSink)(nil)
)

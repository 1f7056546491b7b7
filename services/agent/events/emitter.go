// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	// ErrClosed is returned for any event after done or error.
	ErrClosed = errors.New("event stream closed")

	// ErrOutOfOrder is returned for a chunk whose phase was not opened by
	// the latest metadata event.
	ErrOutOfOrder = errors.New("event out of order")
)

// Emitter enforces the ordering of one turn's events and forwards them to a
// Sink.
//
// Description:
//
//	metadata(P) opens phase P; chunks for P are only accepted while P is
//	open; the next metadata closes P. done or error closes the stream and
//	nothing is accepted after it. When the sink fails, or Detach is called,
//	the emitter keeps enforcing order but stops forwarding, so the run that
//	feeds it can finish and have its results discarded.
//
// Thread Safety:
//
//	Safe for concurrent use. Events are forwarded one at a time in the
//	order they are accepted.
type Emitter struct {
	mu       sync.Mutex
	threadID string
	sink     Sink
	logger   *slog.Logger
	onDetach func()

	open     string
	opened   bool
	closed   bool
	detached bool
	sent     int
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithLogger sets the logger used for disconnect notices.
func WithLogger(l *slog.Logger) EmitterOption {
	return func(e *Emitter) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithDetachHook registers fn to run once when the consumer goes away.
func WithDetachHook(fn func()) EmitterOption {
	return func(e *Emitter) {
		e.onDetach = fn
	}
}

// NewEmitter creates an emitter for one turn of threadID. A nil sink
// discards everything.
func NewEmitter(threadID string, sink Sink, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		threadID: threadID,
		sink:     sink,
		logger:   slog.Default(),
		detached: sink == nil,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("thread_id", threadID)
	return e
}

// ThreadID returns the thread the emitter reports for.
func (e *Emitter) ThreadID() string {
	return e.threadID
}

// Metadata opens phase and reports the outputs completed so far.
func (e *Emitter) Metadata(ctx context.Context, phase string, previous map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("metadata for %s: %w", phase, ErrClosed)
	}
	e.open, e.opened = phase, true
	e.forward(ctx, Event{Kind: KindMetadata, Data: Data{
		ThreadID:       e.threadID,
		Phase:          phase,
		PreviousPhases: copyOutputs(previous),
	}})
	return nil
}

// Chunk forwards a content delta for the open phase. Empty deltas are
// dropped.
func (e *Emitter) Chunk(ctx context.Context, phase, content string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("chunk for %s: %w", phase, ErrClosed)
	}
	if !e.opened || e.open != phase {
		return fmt.Errorf("chunk for %s while %q is open: %w", phase, e.open, ErrOutOfOrder)
	}
	if content == "" {
		return nil
	}
	e.forward(ctx, Event{Kind: KindChunk, Data: Data{
		ThreadID: e.threadID,
		Phase:    phase,
		Content:  content,
	}})
	return nil
}

// Error closes the stream with a failure in phase. previous carries the
// outputs collected before the failure.
func (e *Emitter) Error(ctx context.Context, phase, message string, previous map[string]string) error {
	return e.terminate(ctx, Event{Kind: KindError, Data: Data{
		ThreadID:       e.threadID,
		Phase:          phase,
		Error:          message,
		PreviousPhases: copyOutputs(previous),
	}})
}

// Done closes the stream after a successful turn.
func (e *Emitter) Done(ctx context.Context, phase string, outputs map[string]string) error {
	return e.terminate(ctx, Event{Kind: KindDone, Data: Data{
		ThreadID:       e.threadID,
		Phase:          phase,
		PreviousPhases: copyOutputs(outputs),
	}})
}

func (e *Emitter) terminate(ctx context.Context, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return fmt.Errorf("%s for %s: %w", ev.Kind, ev.Data.Phase, ErrClosed)
	}
	e.closed = true
	e.forward(ctx, ev)
	return nil
}

// Detach stops forwarding. The run continues and its events are discarded.
func (e *Emitter) Detach() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.detachLocked("consumer detached")
}

// Detached reports whether events are still reaching the consumer.
func (e *Emitter) Detached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.detached
}

// Closed reports whether done or error has been accepted.
func (e *Emitter) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Sent returns how many events reached the sink.
func (e *Emitter) Sent() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sent
}

// forward must be called with mu held.
func (e *Emitter) forward(ctx context.Context, ev Event) {
	if e.detached {
		return
	}
	if err := e.sink.Emit(ctx, ev); err != nil {
		e.logger.Info("event sink failed", "event", ev.Kind, "phase", ev.Data.Phase, "error", err)
		e.detachLocked("sink error")
		return
	}
	e.sent++
}

func (e *Emitter) detachLocked(reason string) {
	if e.detached {
		return
	}
	e.detached = true
	e.logger.Info("stopped forwarding events", "reason", reason, "sent", e.sent)
	if e.onDetach != nil {
		e.onDetach()
	}
}

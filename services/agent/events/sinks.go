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
	"encoding/json"
	"io"
	"sync"
)

// =============================================================================
// ChannelSink
// =============================================================================

// ChannelSink delivers events on a channel.
//
// Emit blocks until the event is received or ctx is done. Close the sink
// once the turn is over so readers can range over C.
type ChannelSink struct {
	C    chan Event
	once sync.Once
}

// NewChannelSink creates a sink with the given buffer.
func NewChannelSink(buffer int) *ChannelSink {
	return &ChannelSink{C: make(chan Event, buffer)}
}

// Emit sends ev on C.
func (s *ChannelSink) Emit(ctx context.Context, ev Event) error {
	select {
	case s.C <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes C. It is safe to call more than once.
func (s *ChannelSink) Close() {
	s.once.Do(func() { close(s.C) })
}

// =============================================================================
// RecorderSink
// =============================================================================

// RecorderSink keeps every event in memory. Used by tests and by the
// non-streaming chat endpoint.
type RecorderSink struct {
	mu     sync.Mutex
	events []Event
	// FailAfter makes Emit fail once this many events were recorded.
	// Zero never fails.
	FailAfter int
}

// Emit records ev.
func (s *RecorderSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAfter > 0 && len(s.events) >= s.FailAfter {
		return io.ErrClosedPipe
	}
	s.events = append(s.events, ev)
	return nil
}

// Events returns a copy of the recorded events.
func (s *RecorderSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

// Kinds returns the kind of every recorded event, in order.
func (s *RecorderSink) Kinds() []Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]Kind, len(s.events))
	for i, ev := range s.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Last returns the most recent event and false if none was recorded.
func (s *RecorderSink) Last() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return Event{}, false
	}
	return s.events[len(s.events)-1], true
}

// =============================================================================
// WriterSink
// =============================================================================

// WriterSink writes one JSON object per line.
type WriterSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewWriterSink wraps w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

// Emit encodes ev followed by a newline.
func (s *WriterSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

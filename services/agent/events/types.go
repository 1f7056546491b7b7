// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events turns phase transitions and token deltas of one turn into
// an ordered stream of events for an external consumer.
//
// Thread Safety:
//
//	Emitter is safe for concurrent use. Sinks document their own guarantees.
package events

import (
	"context"
	"encoding/json"
)

// Kind identifies the kind of event.
type Kind string

const (
	// KindMetadata opens a phase and carries the outputs of the phases
	// completed so far.
	KindMetadata Kind = "metadata"

	// KindChunk carries a content delta for the current phase.
	KindChunk Kind = "chunk"

	// KindError is the last event of a failed turn.
	KindError Kind = "error"

	// KindDone is the last event of a successful turn.
	KindDone Kind = "done"
)

// IsTerminal returns true for kinds that end the stream.
func (k Kind) IsTerminal() bool {
	return k == KindError || k == KindDone
}

// Data is the payload of every event.
type Data struct {
	ThreadID       string            `json:"thread_id"`
	Phase          string            `json:"phase"`
	Content        string            `json:"content,omitempty"`
	PreviousPhases map[string]string `json:"previous_phases,omitempty"`
	Error          string            `json:"error,omitempty"`
}

// Event is the unit written to consumers.
//
// Description:
//
//	Serialized as {"event": kind, "data": {...}}. Events of one turn are
//	totally ordered by emission.
type Event struct {
	Kind Kind `json:"event"`
	Data Data `json:"data"`
}

// JSON encodes the event. Event values always encode.
func (e Event) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Sink receives events in order.
//
// Emit is called by one goroutine at a time. An error means the consumer is
// gone; the Emitter stops forwarding after the first error.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Emit calls f.
func (f SinkFunc) Emit(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// copyOutputs snapshots a phase-output map so later mutation by the caller
// never leaks into an emitted event.
func copyOutputs(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

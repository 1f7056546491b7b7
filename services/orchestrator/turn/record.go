// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package turn drives one user turn through the phase machine and persists
// the result.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// ErrNotFound is returned by stores for unknown threads.
var ErrNotFound = errors.New("not found")

// Record is the persisted outcome of one completed turn.
type Record struct {
	TurnID       string            `json:"turn_id"`
	ThreadID     string            `json:"thread_id"`
	UserQuery    string            `json:"user_query"`
	Content      string            `json:"content"`
	PhaseOutputs map[string]string `json:"phase_outputs"`
	Metadata     map[string]string `json:"metadata"`
	LoopCount    int               `json:"loop_count"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Store persists turn records.
//
// Implementations must make Save atomic per record: a failed Save leaves
// no partial record behind.
type Store interface {
	// Save writes one record.
	Save(ctx context.Context, rec Record) error

	// History returns up to limit most recent records of a thread, oldest
	// first. limit <= 0 returns all. An unknown thread returns an empty
	// slice, not an error.
	History(ctx context.Context, threadID string, limit int) ([]Record, error)
}

// Indexer makes completed turns searchable. Indexing is best effort.
type Indexer interface {
	Index(ctx context.Context, rec Record) error
}

// PersistenceError reports a failed store operation.
type PersistenceError struct {
	Op       string
	ThreadID string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s for thread %s: %v", e.Op, e.ThreadID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// HistoryMessages flattens records into alternating user and assistant
// messages, oldest first.
func HistoryMessages(records []Record) []llm.Message {
	msgs := make([]llm.Message, 0, 2*len(records))
	for _, r := range records {
		msgs = append(msgs,
			llm.Message{Role: llm.RoleUser, Content: r.UserQuery},
			llm.Message{Role: llm.RoleAssistant, Content: r.Content},
		)
	}
	return msgs
}

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
	"fmt"
	"strings"
	"time"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

// MemorySearchToolName is the name models use to call the memory tool.
const MemorySearchToolName = "memory_search"

// Memory is one indexed fragment of a completed turn.
type Memory struct {
	ThreadID  string
	TurnID    string
	Content   string
	Timestamp time.Time
	Distance  float64
}

// Searcher finds memories semantically close to a query.
type Searcher interface {
	SearchMemories(ctx context.Context, query string, limit int) ([]Memory, error)
}

// MemorySearchTool exposes a Searcher to the model.
type MemorySearchTool struct {
	searcher Searcher
	limit    int
}

// NewMemorySearchTool wraps searcher. limit <= 0 defaults to 5.
func NewMemorySearchTool(searcher Searcher, limit int) *MemorySearchTool {
	if searcher == nil {
		panic("NewMemorySearchTool: searcher must not be nil")
	}
	if limit <= 0 {
		limit = 5
	}
	return &MemorySearchTool{searcher: searcher, limit: limit}
}

// Name returns MemorySearchToolName.
func (t *MemorySearchTool) Name() string { return MemorySearchToolName }

// Description is shown to the model when the tool is bound.
func (t *MemorySearchTool) Description() string {
	return "Search memories of earlier conversations for passages related to a query."
}

// Schema requires a single string "query".
func (t *MemorySearchTool) Schema() llm.ParameterSchema {
	return llm.ParameterSchema{
		Type: "object",
		Properties: map[string]*llm.ParameterSchema{
			"query": {Type: "string", Description: "What to look for, in natural language."},
		},
		Required: []string{"query"},
	}
}

// Run searches and formats hits as a numbered list, closest first.
func (t *MemorySearchTool) Run(ctx context.Context, input string) (string, error) {
	query := strings.TrimSpace(input)
	if query == "" {
		return "no query given", nil
	}

	hits, err := t.searcher.SearchMemories(ctx, query, t.limit)
	if err != nil {
		return "", fmt.Errorf("search memories: %w", err)
	}
	if len(hits) == 0 {
		return "no related memories found", nil
	}

	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [thread %s", i+1, h.ThreadID)
		if !h.Timestamp.IsZero() {
			fmt.Fprintf(&b, ", %s", h.Timestamp.UTC().Format(time.RFC3339))
		}
		fmt.Fprintf(&b, "] %s\n", strings.TrimSpace(h.Content))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

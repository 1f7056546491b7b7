// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/tmc/langchaingo/textsplitter"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
	"github.com/yusefmosiah/Choir.chat-sub000/services/tools"
)

const (
	chunkSize    = 1000
	chunkOverlap = 100
)

var chunkSeparators = []string{"\n\n", "\n", ". ", " ", ""}

// =============================================================================
// Indexer
// =============================================================================

// Indexer writes completed turns into ChoirMemory.
//
// # Description
//
// The question and the final answer are joined, split with a recursive
// character splitter, and batch imported. Chunk ids derive from the turn id
// and chunk position so re-indexing a turn replaces its chunks.
//
// # Thread Safety
//
// Safe for concurrent use.
type Indexer struct {
	client   *weaviate.Client
	splitter textsplitter.TextSplitter
	logger   *slog.Logger
}

// NewIndexer creates an indexer. Panics if client is nil.
func NewIndexer(client *weaviate.Client, logger *slog.Logger) *Indexer {
	if client == nil {
		panic("NewIndexer: client must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{
		client: client,
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(chunkSize),
			textsplitter.WithChunkOverlap(chunkOverlap),
			textsplitter.WithSeparators(chunkSeparators),
		),
		logger: logger,
	}
}

func memoryText(rec turn.Record) string {
	return "Question: " + strings.TrimSpace(rec.UserQuery) + "\n\nAnswer: " + strings.TrimSpace(rec.Content)
}

func chunkID(turnID string, i int) strfmt.UUID {
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("choir:memory:%s:%d", turnID, i))).String())
}

// Index implements turn.Indexer.
func (ix *Indexer) Index(ctx context.Context, rec turn.Record) error {
	ctx, span := tracer.Start(ctx, "weaviate.Indexer.Index")
	defer span.End()

	if strings.TrimSpace(rec.Content) == "" {
		return nil
	}
	chunks, err := ix.splitter.SplitText(memoryText(rec))
	if err != nil {
		return fmt.Errorf("split turn %s: %w", rec.TurnID, err)
	}
	if len(chunks) == 0 {
		return nil
	}

	ts := rec.Timestamp.UTC().Format(time.RFC3339Nano)
	objects := make([]*models.Object, len(chunks))
	for i, chunk := range chunks {
		objects[i] = &models.Object{
			Class: MemoryClassName,
			ID:    chunkID(rec.TurnID, i),
			Properties: map[string]interface{}{
				"content":     chunk,
				"thread_id":   rec.ThreadID,
				"turn_id":     rec.TurnID,
				"chunk_index": i,
				"timestamp":   ts,
			},
		}
	}

	resp, err := ix.client.Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
	if err != nil {
		return fmt.Errorf("batch import turn %s: %w", rec.TurnID, err)
	}

	failed := 0
	for _, item := range resp {
		if item.Result == nil || item.Result.Errors == nil || len(item.Result.Errors.Error) == 0 {
			continue
		}
		failed++
		for _, e := range item.Result.Errors.Error {
			ix.logger.Warn("Error in Weaviate batch item", "turn_id", rec.TurnID, "error", e.Message)
		}
	}
	if failed > 0 {
		return fmt.Errorf("batch import turn %s: %d of %d chunks failed", rec.TurnID, failed, len(objects))
	}
	ix.logger.Debug("Indexed turn", "turn_id", rec.TurnID, "chunks", len(objects))
	return nil
}

// =============================================================================
// Searcher
// =============================================================================

// Searcher answers memory_search queries with nearText over ChoirMemory.
//
// # Thread Safety
//
// Safe for concurrent use.
type Searcher struct {
	client      *weaviate.Client
	maxDistance float32
}

// NewSearcher creates a searcher. maxDistance <= 0 disables the distance
// cut-off.
func NewSearcher(client *weaviate.Client, maxDistance float32) *Searcher {
	if client == nil {
		panic("NewSearcher: client must not be nil")
	}
	return &Searcher{client: client, maxDistance: maxDistance}
}

type memoryResult struct {
	Content    string `json:"content"`
	ThreadID   string `json:"thread_id"`
	TurnID     string `json:"turn_id"`
	Timestamp  string `json:"timestamp"`
	Additional struct {
		Distance float64 `json:"distance"`
	} `json:"_additional"`
}

type memoryQueryResponse struct {
	Get struct {
		Memories []memoryResult `json:"ChoirMemory"`
	} `json:"Get"`
}

// SearchMemories implements tools.Searcher.
func (s *Searcher) SearchMemories(ctx context.Context, query string, limit int) ([]tools.Memory, error) {
	ctx, span := tracer.Start(ctx, "weaviate.Searcher.SearchMemories")
	defer span.End()

	nearText := s.client.GraphQL().NearTextArgBuilder().
		WithConcepts([]string{query})
	if s.maxDistance > 0 {
		nearText = nearText.WithDistance(s.maxDistance)
	}

	fields := []graphql.Field{
		{Name: "content"},
		{Name: "thread_id"},
		{Name: "turn_id"},
		{Name: "timestamp"},
		{Name: "_additional { distance }"},
	}

	resp, err := s.client.GraphQL().Get().
		WithClassName(MemoryClassName).
		WithFields(fields...).
		WithNearText(nearText).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic search: %w", err)
	}
	parsed, err := parseGraphQL[memoryQueryResponse](resp)
	if err != nil {
		return nil, err
	}

	out := make([]tools.Memory, 0, len(parsed.Get.Memories))
	for _, m := range parsed.Get.Memories {
		mem := tools.Memory{
			ThreadID: m.ThreadID,
			TurnID:   m.TurnID,
			Content:  m.Content,
			Distance: m.Additional.Distance,
		}
		if ts, err := time.Parse(time.RFC3339Nano, m.Timestamp); err == nil {
			mem.Timestamp = ts.UTC()
		}
		out = append(out, mem)
	}
	return out, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate keeps turn records and searchable turn memory in
// Weaviate.
//
// Two classes are used. ChoirTurn holds one object per persisted turn and
// backs turn.Store. ChoirMemory holds chunks of completed turns and backs
// the memory_search tool through nearText queries.
package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

const (
	// TurnClassName is the class of persisted turn records.
	TurnClassName = "ChoirTurn"

	// MemoryClassName is the class of indexed turn chunks.
	MemoryClassName = "ChoirMemory"

	// DefaultVectorizer vectorizes ChoirMemory chunks server side.
	DefaultVectorizer = "text2vec-transformers"
)

// NewClient creates a client for a Weaviate base URL such as
// "http://localhost:8080".
func NewClient(rawURL string) (*weaviate.Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid weaviate url %q", rawURL)
	}
	client, err := weaviate.NewClient(weaviate.Config{
		Host:   parsed.Host,
		Scheme: parsed.Scheme,
	})
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}
	return client, nil
}

// TurnSchema returns the ChoirTurn class.
func TurnSchema() *models.Class {
	filterable := new(bool)
	*filterable = true
	notSearchable := new(bool)

	return &models.Class{
		Class:       TurnClassName,
		Description: "One completed user turn and the outputs of every phase.",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "turn_id",
				DataType:        []string{"text"},
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "thread_id",
				DataType:        []string{"text"},
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:         "user_query",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
			{
				Name:         "content",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
			{
				Name:            "phase_outputs",
				DataType:        []string{"text"},
				Description:     "JSON object of phase name to output.",
				IndexSearchable: notSearchable,
			},
			{
				Name:            "metadata",
				DataType:        []string{"text"},
				Description:     "JSON object of phase name to provider/model.",
				IndexSearchable: notSearchable,
			},
			{
				Name:     "loop_count",
				DataType: []string{"int"},
			},
			{
				Name:            "timestamp",
				DataType:        []string{"date"},
				IndexFilterable: filterable,
			},
		},
	}
}

// MemorySchema returns the ChoirMemory class vectorized by vectorizer.
func MemorySchema(vectorizer string) *models.Class {
	if vectorizer == "" {
		vectorizer = DefaultVectorizer
	}
	filterable := new(bool)
	*filterable = true

	return &models.Class{
		Class:       MemoryClassName,
		Description: "A chunk of a completed turn, searchable by meaning.",
		Vectorizer:  vectorizer,
		Properties: []*models.Property{
			{
				Name:         "content",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
			{
				Name:            "thread_id",
				DataType:        []string{"text"},
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:            "turn_id",
				DataType:        []string{"text"},
				IndexFilterable: filterable,
				Tokenization:    "field",
			},
			{
				Name:     "chunk_index",
				DataType: []string{"int"},
			},
			{
				Name:            "timestamp",
				DataType:        []string{"date"},
				IndexFilterable: filterable,
			},
		},
	}
}

// EnsureSchema creates any missing class.
func EnsureSchema(ctx context.Context, client *weaviate.Client, vectorizer string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	for _, class := range []*models.Class{TurnSchema(), MemorySchema(vectorizer)} {
		if _, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx); err == nil {
			logger.Debug("Schema already exists", "class", class.Class)
			continue
		}
		logger.Info("Schema not found, creating it", "class", class.Class)
		if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
			return fmt.Errorf("create class %s: %w", class.Class, err)
		}
	}
	return nil
}

// parseGraphQL decodes the data of a GraphQL response into T.
func parseGraphQL[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	if len(resp.Errors) > 0 {
		return nil, fmt.Errorf("graphql: %s", resp.Errors[0].Message)
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL data: %w", err)
	}
	return &out, nil
}

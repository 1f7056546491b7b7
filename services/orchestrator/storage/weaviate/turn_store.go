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
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"

	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
)

var tracer = otel.Tracer("choir.storage.weaviate")

// TurnStore implements turn.Store on the ChoirTurn class.
//
// Thread Safety: Safe for concurrent use.
type TurnStore struct {
	client *weaviate.Client
}

// NewTurnStore wraps client. Panics if client is nil.
func NewTurnStore(client *weaviate.Client) *TurnStore {
	if client == nil {
		panic("NewTurnStore: client must not be nil")
	}
	return &TurnStore{client: client}
}

type turnResult struct {
	TurnID       string `json:"turn_id"`
	ThreadID     string `json:"thread_id"`
	UserQuery    string `json:"user_query"`
	Content      string `json:"content"`
	PhaseOutputs string `json:"phase_outputs"`
	Metadata     string `json:"metadata"`
	LoopCount    int    `json:"loop_count"`
	Timestamp    string `json:"timestamp"`
}

type turnQueryResponse struct {
	Get struct {
		Turns []turnResult `json:"ChoirTurn"`
	} `json:"Get"`
}

// objectID derives a stable object id from a turn id, so a retried Save
// overwrites instead of duplicating.
func objectID(turnID string) strfmt.UUID {
	if id, err := uuid.Parse(turnID); err == nil {
		return strfmt.UUID(id.String())
	}
	return strfmt.UUID(uuid.NewSHA1(uuid.NameSpaceURL, []byte("choir:turn:"+turnID)).String())
}

// Save creates one ChoirTurn object.
func (s *TurnStore) Save(ctx context.Context, rec turn.Record) error {
	ctx, span := tracer.Start(ctx, "weaviate.TurnStore.Save")
	defer span.End()

	outputs, err := json.Marshal(rec.PhaseOutputs)
	if err != nil {
		return fmt.Errorf("marshal phase outputs: %w", err)
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.client.Data().Creator().
		WithClassName(TurnClassName).
		WithID(objectID(rec.TurnID).String()).
		WithProperties(map[string]interface{}{
			"turn_id":       rec.TurnID,
			"thread_id":     rec.ThreadID,
			"user_query":    rec.UserQuery,
			"content":       rec.Content,
			"phase_outputs": string(outputs),
			"metadata":      string(meta),
			"loop_count":    rec.LoopCount,
			"timestamp":     rec.Timestamp.UTC().Format(time.RFC3339Nano),
		}).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("save turn %s: %w", rec.TurnID, err)
	}
	return nil
}

// History returns up to limit newest records of threadID, oldest first.
func (s *TurnStore) History(ctx context.Context, threadID string, limit int) ([]turn.Record, error) {
	ctx, span := tracer.Start(ctx, "weaviate.TurnStore.History")
	defer span.End()

	where := filters.Where().
		WithPath([]string{"thread_id"}).
		WithOperator(filters.Equal).
		WithValueString(threadID)

	fields := []graphql.Field{
		{Name: "turn_id"},
		{Name: "thread_id"},
		{Name: "user_query"},
		{Name: "content"},
		{Name: "phase_outputs"},
		{Name: "metadata"},
		{Name: "loop_count"},
		{Name: "timestamp"},
	}

	q := s.client.GraphQL().Get().
		WithClassName(TurnClassName).
		WithFields(fields...).
		WithWhere(where).
		WithSort(graphql.Sort{Path: []string{"timestamp"}, Order: graphql.Desc})
	if limit > 0 {
		q = q.WithLimit(limit)
	}

	resp, err := q.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("query turns of %s: %w", threadID, err)
	}
	parsed, err := parseGraphQL[turnQueryResponse](resp)
	if err != nil {
		return nil, err
	}

	turns := parsed.Get.Turns
	out := make([]turn.Record, 0, len(turns))
	for i := len(turns) - 1; i >= 0; i-- {
		rec, err := turns[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r turnResult) record() (turn.Record, error) {
	rec := turn.Record{
		TurnID:    r.TurnID,
		ThreadID:  r.ThreadID,
		UserQuery: r.UserQuery,
		Content:   r.Content,
		LoopCount: r.LoopCount,
	}
	if r.PhaseOutputs != "" {
		if err := json.Unmarshal([]byte(r.PhaseOutputs), &rec.PhaseOutputs); err != nil {
			return rec, fmt.Errorf("decode phase outputs of %s: %w", r.TurnID, err)
		}
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &rec.Metadata); err != nil {
			return rec, fmt.Errorf("decode metadata of %s: %w", r.TurnID, err)
		}
	}
	if r.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, r.Timestamp)
		if err != nil {
			return rec, fmt.Errorf("decode timestamp of %s: %w", r.TurnID, err)
		}
		rec.Timestamp = ts.UTC()
	}
	return rec, nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package turn

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
)

func TestMemoryStore_History(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := NewMemoryStore()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Save(ctx, Record{
			TurnID:       fmt.Sprintf("turn-%d", i),
			ThreadID:     "t1",
			PhaseOutputs: map[string]string{"yield": "x"},
		}))
	}
	require.NoError(t, s.Save(ctx, Record{TurnID: "other", ThreadID: "t2"}))

	all, err := s.History(ctx, "t1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)

	recent, err := s.History(ctx, "t1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "turn-3", recent[0].TurnID)
	assert.Equal(t, "turn-4", recent[1].TurnID)

	recent[0].PhaseOutputs["yield"] = "mutated"
	again, err := s.History(ctx, "t1", 2)
	require.NoError(t, err)
	assert.Equal(t, "x", again[0].PhaseOutputs["yield"])

	none, err := s.History(ctx, "missing", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStore()
	assert.ErrorIs(t, s.Save(ctx, Record{ThreadID: "t"}), context.Canceled)
	_, err := s.History(ctx, "t", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHistoryMessages(t *testing.T) {
	t.Parallel()

	msgs := HistoryMessages([]Record{
		{UserQuery: "q1", Content: "a1"},
		{UserQuery: "q2", Content: "a2"},
	})
	assert.Equal(t, []llm.Message{
		{Role: llm.RoleUser, Content: "q1"},
		{Role: llm.RoleAssistant, Content: "a1"},
		{Role: llm.RoleUser, Content: "q2"},
		{Role: llm.RoleAssistant, Content: "a2"},
	}, msgs)
	assert.Empty(t, HistoryMessages(nil))
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yusefmosiah/Choir.chat-sub000/services/orchestrator/turn"
)

func openTestStore(t *testing.T) *TurnStore {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewTurnStore(db)
}

func record(thread string, i int, at time.Time) turn.Record {
	return turn.Record{
		TurnID:       fmt.Sprintf("turn-%d", i),
		ThreadID:     thread,
		UserQuery:    fmt.Sprintf("q%d", i),
		Content:      fmt.Sprintf("a%d", i),
		PhaseOutputs: map[string]string{"yield": fmt.Sprintf("a%d", i)},
		Metadata:     map[string]string{"yield": "openai/gpt-4o"},
		LoopCount:    i % 3,
		Timestamp:    at.UTC(),
	}
}

func TestTurnStore_SaveAndHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Save(ctx, record("thread-a", i, base.Add(time.Duration(i)*time.Second))))
	}
	require.NoError(t, s.Save(ctx, record("thread-ab", 9, base)))

	all, err := s.History(ctx, "thread-a", 0)
	require.NoError(t, err)
	require.Len(t, all, 4, "prefix must not match thread-ab")
	assert.Equal(t, "turn-0", all[0].TurnID)
	assert.Equal(t, "turn-3", all[3].TurnID)
	assert.Equal(t, record("thread-a", 2, base.Add(2*time.Second)), all[2])

	recent, err := s.History(ctx, "thread-a", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "turn-2", recent[0].TurnID)
	assert.Equal(t, "turn-3", recent[1].TurnID)
}

func TestTurnStore_UnknownThreadIsEmpty(t *testing.T) {
	s := openTestStore(t)

	got, err := s.History(context.Background(), "nope", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTurnStore_RejectsBadThreadID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	assert.Error(t, s.Save(ctx, turn.Record{ThreadID: ""}))
	assert.Error(t, s.Save(ctx, turn.Record{ThreadID: "a/b"}))
}

func TestTurnStore_CancelledContext(t *testing.T) {
	s := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Save(ctx, record("t", 1, time.Now()))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = s.History(ctx, "t", 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	rec := record("t", 1, time.Now())
	require.NoError(t, NewTurnStore(db).Save(ctx, rec))
	require.NoError(t, db.Close())
	require.NoError(t, db.Close(), "close is idempotent")

	db2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer db2.Close()

	got, err := NewTurnStore(db2).History(ctx, "t", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.TurnID, got[0].TurnID)
	assert.False(t, db2.InMemory())
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestTurnStore_OrchestratorContract(t *testing.T) {
	var _ turn.Store = (*TurnStore)(nil)
}

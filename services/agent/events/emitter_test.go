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
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEmitter_OrderedTurn(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &RecorderSink{}
	e := NewEmitter("th-1", rec)

	require.NoError(t, e.Metadata(ctx, "action", nil))
	require.NoError(t, e.Chunk(ctx, "action", "Hel"))
	require.NoError(t, e.Chunk(ctx, "action", ""))
	require.NoError(t, e.Chunk(ctx, "action", "lo"))
	require.NoError(t, e.Metadata(ctx, "yield", map[string]string{"action": "Hello"}))
	require.NoError(t, e.Chunk(ctx, "yield", "final"))
	require.NoError(t, e.Done(ctx, "yield", map[string]string{"action": "Hello", "yield": "final"}))

	assert.Equal(t, []Kind{KindMetadata, KindChunk, KindChunk, KindMetadata, KindChunk, KindDone}, rec.Kinds())

	evs := rec.Events()
	assert.Equal(t, "th-1", evs[0].Data.ThreadID)
	assert.Nil(t, evs[0].Data.PreviousPhases)
	assert.Equal(t, map[string]string{"action": "Hello"}, evs[3].Data.PreviousPhases)
	assert.Equal(t, 6, e.Sent())
	assert.True(t, e.Closed())
}

func TestEmitter_RejectsOutOfOrder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	e := NewEmitter("th", &RecorderSink{})

	assert.ErrorIs(t, e.Chunk(ctx, "action", "early"), ErrOutOfOrder)

	require.NoError(t, e.Metadata(ctx, "action", nil))
	assert.ErrorIs(t, e.Chunk(ctx, "experience", "wrong phase"), ErrOutOfOrder)
}

func TestEmitter_NothingAfterTerminal(t *testing.T) {
	t.Parallel()

	for _, terminal := range []Kind{KindDone, KindError} {
		t.Run(string(terminal), func(t *testing.T) {
			ctx := context.Background()
			rec := &RecorderSink{}
			e := NewEmitter("th", rec)
			require.NoError(t, e.Metadata(ctx, "action", nil))

			if terminal == KindDone {
				require.NoError(t, e.Done(ctx, "yield", nil))
			} else {
				require.NoError(t, e.Error(ctx, "action", "boom", nil))
			}

			assert.ErrorIs(t, e.Metadata(ctx, "experience", nil), ErrClosed)
			assert.ErrorIs(t, e.Chunk(ctx, "action", "late"), ErrClosed)
			assert.ErrorIs(t, e.Done(ctx, "yield", nil), ErrClosed)
			assert.ErrorIs(t, e.Error(ctx, "yield", "again", nil), ErrClosed)

			last, ok := rec.Last()
			require.True(t, ok)
			assert.Equal(t, terminal, last.Kind)
			assert.Len(t, rec.Events(), 2)
		})
	}
}

func TestEmitter_SnapshotsPreviousPhases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &RecorderSink{}
	e := NewEmitter("th", rec)

	outputs := map[string]string{"action": "a"}
	require.NoError(t, e.Metadata(ctx, "experience", outputs))
	outputs["action"] = "mutated"

	assert.Equal(t, "a", rec.Events()[0].Data.PreviousPhases["action"])
}

func TestEmitter_SinkFailureDetaches(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &RecorderSink{FailAfter: 2}
	var detaches int
	e := NewEmitter("th", rec, WithDetachHook(func() { detaches++ }))

	require.NoError(t, e.Metadata(ctx, "action", nil))
	require.NoError(t, e.Chunk(ctx, "action", "one"))
	require.NoError(t, e.Chunk(ctx, "action", "two"), "sink failures never fail the run")
	require.NoError(t, e.Metadata(ctx, "experience", nil))

	assert.True(t, e.Detached())
	assert.Equal(t, 1, detaches)
	assert.Equal(t, 2, e.Sent())
	assert.Len(t, rec.Events(), 2)

	// Ordering is still enforced after detaching.
	assert.ErrorIs(t, e.Chunk(ctx, "action", "stale"), ErrOutOfOrder)
}

func TestEmitter_Detach(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := &RecorderSink{}
	e := NewEmitter("th", rec)

	require.NoError(t, e.Metadata(ctx, "action", nil))
	e.Detach()
	e.Detach()
	require.NoError(t, e.Chunk(ctx, "action", "discarded"))
	require.NoError(t, e.Done(ctx, "yield", nil))

	assert.Equal(t, []Kind{KindMetadata}, rec.Kinds())
}

func TestEmitter_NilSinkDiscards(t *testing.T) {
	t.Parallel()

	e := NewEmitter("th", nil)
	require.NoError(t, e.Metadata(context.Background(), "action", nil))
	assert.True(t, e.Detached())
	assert.Zero(t, e.Sent())
}

func TestEvent_JSONShape(t *testing.T) {
	t.Parallel()

	ev := Event{Kind: KindError, Data: Data{
		ThreadID:       "th",
		Phase:          "understanding",
		Error:          "timed out",
		PreviousPhases: map[string]string{"action": "a"},
	}}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(ev.JSON(), &decoded))
	assert.Equal(t, "error", decoded["event"])
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "understanding", data["phase"])
	assert.Equal(t, "timed out", data["error"])
	assert.NotContains(t, data, "content")

	chunk := Event{Kind: KindChunk, Data: Data{ThreadID: "th", Phase: "action", Content: "x"}}
	assert.JSONEq(t, `{"event":"chunk","data":{"thread_id":"th","phase":"action","content":"x"}}`, string(chunk.JSON()))
}

func TestWriterSink(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	e := NewEmitter("th", NewWriterSink(&buf))
	ctx := context.Background()
	require.NoError(t, e.Metadata(ctx, "action", nil))
	require.NoError(t, e.Chunk(ctx, "action", "hi"))
	require.NoError(t, e.Done(ctx, "yield", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[2], `"event":"done"`)
}

func TestChannelSink(t *testing.T) {
	t.Parallel()

	sink := NewChannelSink(0)
	e := NewEmitter("th", sink)

	var got []Kind
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range sink.C {
			got = append(got, ev.Kind)
		}
	}()

	ctx := context.Background()
	require.NoError(t, e.Metadata(ctx, "action", nil))
	require.NoError(t, e.Chunk(ctx, "action", "x"))
	require.NoError(t, e.Done(ctx, "yield", nil))
	sink.Close()
	sink.Close()
	wg.Wait()

	assert.Equal(t, []Kind{KindMetadata, KindChunk, KindDone}, got)
}

func TestChannelSink_ContextCancelDetaches(t *testing.T) {
	t.Parallel()

	sink := NewChannelSink(0)
	e := NewEmitter("th", sink)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Nobody reads C, so Emit gives up when ctx expires.
	require.NoError(t, e.Metadata(ctx, "action", nil))
	assert.True(t, e.Detached())
}

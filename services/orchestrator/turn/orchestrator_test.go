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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/yusefmosiah/Choir.chat-sub000/services/agent"
	"github.com/yusefmosiah/Choir.chat-sub000/services/agent/events"
	"github.com/yusefmosiah/Choir.chat-sub000/services/llm"
	"github.com/yusefmosiah/Choir.chat-sub000/services/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// Test helpers
// =============================================================================

type failingStore struct {
	*MemoryStore
	saveErr    error
	historyErr error
}

func (s *failingStore) Save(ctx context.Context, rec Record) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.MemoryStore.Save(ctx, rec)
}

func (s *failingStore) History(ctx context.Context, threadID string, limit int) ([]Record, error) {
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	return s.MemoryStore.History(ctx, threadID, limit)
}

type recordingIndexer struct {
	mu      sync.Mutex
	records []Record
	err     error
}

func (r *recordingIndexer) Index(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

type countingObserver struct {
	mu       sync.Mutex
	started  int
	outcomes []string
	detached int
}

func (o *countingObserver) TurnStarted() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started++
}

func (o *countingObserver) TurnFinished(outcome string, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *countingObserver) StreamDetached() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.detached++
}

func currentPhase(req llm.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if _, rest, ok := strings.Cut(req.Messages[i].Content, `<current_task phase="`); ok {
			p, _, _ := strings.Cut(rest, `"`)
			return p
		}
	}
	return ""
}

// phaseReplies answers every phase with "<phase> says hi" unless a reply
// or an error is configured for it.
func phaseReplies(replies map[string]string, failures map[string]error) llm.ScriptHandler {
	return func(_ context.Context, req llm.Request) (*llm.Response, error) {
		phase := currentPhase(req)
		if err := failures[phase]; err != nil {
			return nil, err
		}
		content, ok := replies[phase]
		if !ok {
			content = phase + " says hi"
		}
		return &llm.Response{
			Message: llm.Message{Role: llm.RoleAssistant, Content: content},
			Usage:   llm.Usage{InputTokens: 3, OutputTokens: 2},
		}, nil
	}
}

type fixture struct {
	provider *llm.ScriptedProvider
	store    *failingStore
	observer *countingObserver
	indexer  *recordingIndexer
	orch     *Orchestrator
}

func newFixture(t *testing.T, handler llm.ScriptHandler, maxLoops int) *fixture {
	t.Helper()
	return newFixtureWithAdapter(t, handler, maxLoops, llm.AdapterConfig{})
}

func newFixtureWithAdapter(t *testing.T, handler llm.ScriptHandler, maxLoops int, adapterCfg llm.AdapterConfig) *fixture {
	t.Helper()

	provider := llm.NewScriptedProvider("scripted", llm.Capabilities{Tools: true}, handler)
	reg := llm.NewRegistry()
	require.NoError(t, reg.Register(provider))

	toolReg, err := tools.NewRegistry()
	require.NoError(t, err)

	machine := agent.NewMachine(
		llm.NewAdapter(reg, adapterCfg, nil),
		tools.NewProtocol(toolReg, tools.ProtocolConfig{}, nil),
	)

	cfg := agent.TurnConfig{
		Default:  llm.ProviderConfig{Provider: "scripted", Model: "m"},
		MaxLoops: maxLoops,
	}

	f := &fixture{
		provider: provider,
		store:    &failingStore{MemoryStore: NewMemoryStore()},
		observer: &countingObserver{},
		indexer:  &recordingIndexer{},
	}
	f.orch = NewOrchestrator(machine, f.store, StaticConfig(cfg),
		WithObserver(f.observer),
		WithIndexer(f.indexer),
	)
	return f
}

func intp(v int) *int { return &v }

// =============================================================================
// Tests
// =============================================================================

func TestOrchestrator_PersistsOneRecordOnYield(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(map[string]string{"yield": "final answer"}, nil), 0)
	sink := &events.RecorderSink{}

	rec, err := f.orch.Run(context.Background(), Request{Query: "what is choir?"}, sink)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.NotEmpty(t, rec.ThreadID)
	assert.NotEmpty(t, rec.TurnID)
	assert.Equal(t, "what is choir?", rec.UserQuery)
	assert.Equal(t, "final answer", rec.Content)
	assert.Equal(t, 0, rec.LoopCount)
	assert.Len(t, rec.PhaseOutputs, 6)
	assert.Equal(t, "scripted/m", rec.Metadata["yield"])

	stored, err := f.store.History(context.Background(), rec.ThreadID, 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, rec.TurnID, stored[0].TurnID)

	last, ok := sink.Last()
	require.True(t, ok)
	assert.Equal(t, events.KindDone, last.Kind)
	assert.Equal(t, "yield", last.Data.Phase)
	assert.Equal(t, rec.ThreadID, last.Data.ThreadID)
	assert.Equal(t, "final answer", last.Data.PreviousPhases["yield"])

	require.Len(t, f.indexer.records, 1)
	assert.Equal(t, []string{OutcomeSuccess}, f.observer.outcomes)
}

func TestOrchestrator_PhaseFailureWritesNoRecord(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(nil, map[string]error{"intention": errors.New("backend down")}), 1)
	sink := &events.RecorderSink{}

	rec, err := f.orch.Run(context.Background(), Request{ThreadID: "t1", Query: "q"}, sink)
	require.Error(t, err)
	assert.Nil(t, rec)

	phase, ok := agent.FailedPhase(err)
	require.True(t, ok)
	assert.Equal(t, agent.PhaseIntention, phase)

	stored, err := f.store.History(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, stored)

	last, ok := sink.Last()
	require.True(t, ok)
	assert.Equal(t, events.KindError, last.Kind)
	assert.Equal(t, "intention", last.Data.Phase)
	assert.Contains(t, last.Data.Error, "backend down")
	assert.Equal(t, map[string]string{"action": "action says hi", "experience": "experience says hi"}, last.Data.PreviousPhases)

	assert.Empty(t, f.indexer.records)
	assert.Equal(t, []string{OutcomePhaseError}, f.observer.outcomes)
}

func TestOrchestrator_UnderstandingTimeoutHaltsTurn(t *testing.T) {
	t.Parallel()

	hang := func(ctx context.Context, req llm.Request) (*llm.Response, error) {
		if currentPhase(req) == "understanding" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return phaseReplies(nil, nil)(ctx, req)
	}
	f := newFixtureWithAdapter(t, hang, 2, llm.AdapterConfig{CallTimeout: 50 * time.Millisecond})
	sink := &events.RecorderSink{}

	rec, err := f.orch.Run(context.Background(), Request{ThreadID: "t1", Query: "q"}, sink)
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.True(t, llm.IsTimeout(err))

	last, ok := sink.Last()
	require.True(t, ok)
	assert.Equal(t, events.KindError, last.Kind)
	assert.Equal(t, "understanding", last.Data.Phase)
	assert.NotContains(t, last.Data.PreviousPhases, "yield")

	stored, err := f.store.History(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Empty(t, stored)
	assert.Empty(t, f.indexer.records)
	assert.Equal(t, []string{OutcomePhaseError}, f.observer.outcomes)
}

func TestOrchestrator_ErrorMessageFormatter(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(nil, map[string]error{"action": errors.New("secret internal detail")}), 0)
	orch := NewOrchestrator(f.orch.runner, f.store, f.orch.configs,
		WithErrorMessage(func(error) string { return "sanitized" }),
	)
	sink := &events.RecorderSink{}

	_, err := orch.Run(context.Background(), Request{Query: "q"}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret internal detail", "callers still get the full error")

	last, ok := sink.Last()
	require.True(t, ok)
	assert.Equal(t, events.KindError, last.Kind)
	assert.Equal(t, "sanitized", last.Data.Error)
}

func TestOrchestrator_SaveFailureAfterYield(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(nil, nil), 0)
	f.store.saveErr = errors.New("disk full")
	sink := &events.RecorderSink{}

	rec, err := f.orch.Run(context.Background(), Request{ThreadID: "t1", Query: "q"}, sink)

	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "save turn", perr.Op)
	require.NotNil(t, rec)
	assert.Equal(t, "yield says hi", rec.Content)

	kinds := sink.Kinds()
	require.NotEmpty(t, kinds)
	assert.Equal(t, events.KindError, kinds[len(kinds)-1])
	assert.NotContains(t, kinds, events.KindDone)

	var yieldChunks strings.Builder
	for _, ev := range sink.Events() {
		if ev.Kind == events.KindChunk && ev.Data.Phase == "yield" {
			yieldChunks.WriteString(ev.Data.Content)
		}
	}
	assert.Equal(t, "yield says hi", yieldChunks.String(), "yield content streamed before the error")

	assert.Empty(t, f.indexer.records)
	assert.Equal(t, []string{OutcomePersistenceError}, f.observer.outcomes)
}

func TestOrchestrator_HistoryFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(nil, nil), 0)
	f.store.historyErr = errors.New("locked")
	sink := &events.RecorderSink{}

	_, err := f.orch.Run(context.Background(), Request{ThreadID: "t1", Query: "q"}, sink)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "load history", perr.Op)

	assert.Equal(t, []events.Kind{events.KindError}, sink.Kinds())
	assert.Empty(t, f.provider.Requests())
}

func TestOrchestrator_EmptyQuery(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(nil, nil), 0)
	sink := &events.RecorderSink{}

	_, err := f.orch.Run(context.Background(), Request{Query: "   "}, sink)
	var verr *llm.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "query", verr.Field)

	last, ok := sink.Last()
	require.True(t, ok)
	assert.Equal(t, events.KindError, last.Kind)
	assert.Equal(t, "action", last.Data.Phase)
	assert.Empty(t, f.provider.Requests())
	assert.Equal(t, []string{OutcomeInvalid}, f.observer.outcomes)
}

func TestOrchestrator_LoadsThreadHistory(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(map[string]string{"yield": "first answer"}, nil), 0)

	_, err := f.orch.Run(context.Background(), Request{ThreadID: "t1", Query: "first question"}, nil)
	require.NoError(t, err)
	before := len(f.provider.Requests())

	_, err = f.orch.Run(context.Background(), Request{ThreadID: "t1", Query: "second question"}, nil)
	require.NoError(t, err)

	second := f.provider.Requests()[before]
	var contents []string
	for _, m := range second.Messages {
		contents = append(contents, m.Content)
	}
	assert.Contains(t, contents, "first question")
	assert.Contains(t, contents, "first answer")
	assert.Contains(t, contents, "second question")

	stored, err := f.store.History(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestOrchestrator_MaxLoopsOverride(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(map[string]string{"understanding": "DECISION: CONTINUE"}, nil), 0)

	rec, err := f.orch.Run(context.Background(), Request{Query: "q", MaxLoops: intp(2)}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.LoopCount)
}

func TestOrchestrator_IndexFailureIsNotFatal(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(nil, nil), 0)
	f.indexer.err = errors.New("vector store down")

	rec, err := f.orch.Run(context.Background(), Request{Query: "q"}, nil)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Len(t, f.indexer.records, 1)
}

func TestOrchestrator_DetachedSinkStillPersists(t *testing.T) {
	t.Parallel()

	f := newFixture(t, phaseReplies(nil, nil), 0)
	sink := &events.RecorderSink{FailAfter: 2}

	rec, err := f.orch.Run(context.Background(), Request{ThreadID: "t1", Query: "q"}, sink)
	require.NoError(t, err)
	require.NotNil(t, rec)

	stored, err := f.store.History(context.Background(), "t1", 0)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
	assert.Equal(t, 1, f.observer.detached)
}

func TestNewOrchestrator_PanicsOnNilDependencies(t *testing.T) {
	t.Parallel()

	cfg := StaticConfig(agent.TurnConfig{})
	assert.Panics(t, func() { NewOrchestrator(nil, NewMemoryStore(), cfg) })
	assert.Panics(t, func() { NewOrchestrator(&agent.Machine{}, nil, cfg) })
	assert.Panics(t, func() { NewOrchestrator(&agent.Machine{}, NewMemoryStore(), nil) })
}

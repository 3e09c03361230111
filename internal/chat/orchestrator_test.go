// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/llmchat/internal/config"
	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/prompt"
	"github.com/jeranaias/llmchat/internal/provider"
	"github.com/jeranaias/llmchat/internal/storage"
)

// =============================================================================
// TEST DOUBLES
// =============================================================================

type fakePrefs struct {
	prefs config.Preferences
	keys  map[model.ProviderFamily]string
}

func (f *fakePrefs) GetPreferences() config.Preferences { return f.prefs }

func (f *fakePrefs) GetAPIKey(family model.ProviderFamily) (string, bool) {
	key, ok := f.keys[family]
	return key, ok && key != ""
}

func defaultPrefs() *fakePrefs {
	return &fakePrefs{
		prefs: config.Preferences{
			DefaultModel: "gpt-4o",
			SystemPrompt: "You are a helpful assistant.",
			MessageLimit: "all",
			Temperature:  0.5,
			TopP:         1,
			TopK:         5,
			MaxTokens:    1000,
		},
		keys: map[model.ProviderFamily]string{model.ProviderOpenAI: "sk-test"},
	}
}

// fakeClient runs a scripted stream and captures the turns it was given.
type fakeClient struct {
	mu     sync.Mutex
	turns  []prompt.Turn
	script func(ctx context.Context, ch chan<- provider.Chunk)
}

func (f *fakeClient) Stream(ctx context.Context, turns []prompt.Turn) (<-chan provider.Chunk, error) {
	f.mu.Lock()
	f.turns = turns
	f.mu.Unlock()

	ch := make(chan provider.Chunk)
	go func() {
		defer close(ch)
		f.script(ctx, ch)
	}()
	return ch, nil
}

func (f *fakeClient) capturedTurns() []prompt.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns
}

func emitAll(texts ...string) func(ctx context.Context, ch chan<- provider.Chunk) {
	return func(ctx context.Context, ch chan<- provider.Chunk) {
		for _, text := range texts {
			select {
			case ch <- provider.Chunk{Content: text}:
			case <-ctx.Done():
				return
			}
		}
	}
}

type fakeFactory struct {
	client provider.Client
	err    error
}

func (f *fakeFactory) CreateClient(model.ModelDescriptor, string, provider.Settings) (provider.Client, error) {
	return f.client, f.err
}

// recorder collects lifecycle events in arrival order.
type event struct {
	kind string
	msg  model.Message
	err  error
}

type recorder struct {
	events chan event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan event, 64)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnInit:        func(m model.Message) { r.events <- event{kind: "init", msg: m} },
		OnStreamStart: func(m model.Message) { r.events <- event{kind: "start", msg: m} },
		OnStream:      func(m model.Message) { r.events <- event{kind: "stream", msg: m} },
		OnStreamEnd:   func(m model.Message) { r.events <- event{kind: "end", msg: m} },
		OnError:       func(m model.Message, err error) { r.events <- event{kind: "error", msg: m, err: err} },
	}
}

func (r *recorder) next(t *testing.T) event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a lifecycle event")
		return event{}
	}
}

// assertQuiet verifies no further events arrive within a grace period.
func (r *recorder) assertQuiet(t *testing.T) {
	t.Helper()
	select {
	case ev := <-r.events:
		t.Fatalf("unexpected event %q for message %q", ev.kind, ev.msg.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func newTestStore(t *testing.T) *storage.SessionStore {
	t.Helper()
	return storage.NewSessionStore(storage.NewFileBucket(filepath.Join(t.TempDir(), "chat-sessions.json")))
}

// =============================================================================
// END TO END
// =============================================================================

func TestRunModel_EndToEnd(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	rec := newRecorder()
	client := &fakeClient{script: emitAll("4")}
	orch := New(store, defaultPrefs(), &fakeFactory{client: client}, rec.callbacks())

	orch.RunModel(sess.ID, model.PromptRequest{
		Role:   model.RoleAssistant,
		Intent: model.IntentAsk,
		Query:  "What is 2+2?",
	})

	init := rec.next(t)
	require.Equal(t, "init", init.kind)
	assert.Equal(t, model.StatusPending, init.msg.Status)
	assert.Equal(t, "gpt-4o", init.msg.Model)

	start := rec.next(t)
	require.Equal(t, "start", start.kind)
	assert.Equal(t, model.StatusStreaming, start.msg.Status)
	assert.Empty(t, start.msg.RawAI)

	stream := rec.next(t)
	require.Equal(t, "stream", stream.kind)
	assert.Equal(t, "4", stream.msg.RawAI)

	end := rec.next(t)
	require.Equal(t, "end", end.kind)
	assert.Equal(t, model.StatusCompleted, end.msg.Status)
	assert.Equal(t, "4", end.msg.RawAI)

	persisted, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 1)
	assert.Equal(t, model.StatusCompleted, persisted.Messages[0].Status)
	assert.Equal(t, "4", persisted.Messages[0].RawAI)
	assert.Equal(t, "What is 2+2?", persisted.Title)
}

func TestRunModelWith_OverridesDefaultModel(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	prefs := defaultPrefs()
	prefs.keys[model.ProviderAnthropic] = "sk-ant"

	rec := newRecorder()
	client := &fakeClient{script: emitAll("hi")}
	orch := New(store, prefs, &fakeFactory{client: client}, rec.callbacks())

	orch.RunModelWith(sess.ID, "claude-3-haiku-20240307", model.PromptRequest{Query: "hello"})

	init := rec.next(t)
	require.Equal(t, "init", init.kind)
	assert.Equal(t, "claude-3-haiku-20240307", init.msg.Model,
		"explicit model key should win over the preferred default")

	for {
		ev := rec.next(t)
		require.NotEqual(t, "error", ev.kind)
		if ev.kind == "end" {
			assert.Equal(t, "claude-3-haiku-20240307", ev.msg.Model)
			break
		}
	}
}

func TestRunModel_EmptyQueryIsNoOp(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	rec := newRecorder()
	orch := New(store, defaultPrefs(), &fakeFactory{client: &fakeClient{script: emitAll("x")}}, rec.callbacks())

	orch.RunModel(sess.ID, model.PromptRequest{Query: "   "})
	rec.assertQuiet(t)

	persisted, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Empty(t, persisted.Messages)
}

// =============================================================================
// FAILURE PATHS
// =============================================================================

func TestRunModel_MissingAPIKey(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	prefs := defaultPrefs()
	prefs.keys = nil

	rec := newRecorder()
	orch := New(store, prefs, &fakeFactory{client: &fakeClient{script: emitAll("x")}}, rec.callbacks())

	orch.RunModel(sess.ID, model.PromptRequest{Query: "hi"})

	init := rec.next(t)
	require.Equal(t, "init", init.kind)

	fail := rec.next(t)
	require.Equal(t, "error", fail.kind)
	assert.ErrorIs(t, fail.err, ErrAPIKeyNotFound)
	assert.Equal(t, "API key not found", fail.msg.ErrorMessage)
	assert.Equal(t, model.StatusErrored, fail.msg.Status)
	rec.assertQuiet(t)

	persisted, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 1)
	assert.Equal(t, model.StatusErrored, persisted.Messages[0].Status)
	assert.Equal(t, "API key not found", persisted.Messages[0].ErrorMessage)
}

func TestRunModel_UnknownModel(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	prefs := defaultPrefs()
	prefs.prefs.DefaultModel = "no-such-model"

	rec := newRecorder()
	orch := New(store, prefs, &fakeFactory{client: &fakeClient{script: emitAll("x")}}, rec.callbacks())

	orch.RunModel(sess.ID, model.PromptRequest{Query: "hi"})

	require.Equal(t, "init", rec.next(t).kind)
	fail := rec.next(t)
	require.Equal(t, "error", fail.kind)
	assert.ErrorIs(t, fail.err, ErrModelNotFound)
	assert.Equal(t, "Model not found", fail.msg.ErrorMessage)
}

func TestRunModel_ErrorBeforeFirstChunkSkipsStreamStart(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	client := &fakeClient{script: func(ctx context.Context, ch chan<- provider.Chunk) {
		ch <- provider.Chunk{Err: errors.New("bad handshake")}
	}}

	rec := newRecorder()
	orch := New(store, defaultPrefs(), &fakeFactory{client: client}, rec.callbacks())
	orch.RunModel(sess.ID, model.PromptRequest{Query: "hi"})

	require.Equal(t, "init", rec.next(t).kind)

	fail := rec.next(t)
	require.Equal(t, "error", fail.kind, "a stream with no output must not fire OnStreamStart")
	assert.Equal(t, model.StatusErrored, fail.msg.Status)
	assert.Empty(t, fail.msg.RawAI)
	rec.assertQuiet(t)
}

func TestRunModel_StreamFailureKeepsPartialOutput(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	streamErr := errors.New("connection reset")
	client := &fakeClient{script: func(ctx context.Context, ch chan<- provider.Chunk) {
		ch <- provider.Chunk{Content: "par"}
		ch <- provider.Chunk{Err: streamErr}
	}}

	rec := newRecorder()
	orch := New(store, defaultPrefs(), &fakeFactory{client: client}, rec.callbacks())
	orch.RunModel(sess.ID, model.PromptRequest{Query: "hi"})

	require.Equal(t, "init", rec.next(t).kind)
	require.Equal(t, "start", rec.next(t).kind)
	require.Equal(t, "stream", rec.next(t).kind)

	fail := rec.next(t)
	require.Equal(t, "error", fail.kind)
	assert.Equal(t, model.StatusErrored, fail.msg.Status)
	assert.Equal(t, "par", fail.msg.RawAI)
	assert.Equal(t, "connection reset", fail.msg.ErrorMessage)

	persisted, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 1)
	assert.Equal(t, model.StatusErrored, persisted.Messages[0].Status)
}

// =============================================================================
// CANCELLATION
// =============================================================================

func TestStopGeneration_PersistsPartialAsStopped(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	client := &fakeClient{script: func(ctx context.Context, ch chan<- provider.Chunk) {
		ch <- provider.Chunk{Content: "Hel"}
		<-ctx.Done()
	}}

	rec := newRecorder()
	orch := New(store, defaultPrefs(), &fakeFactory{client: client}, rec.callbacks())
	orch.RunModel(sess.ID, model.PromptRequest{Query: "hi"})

	require.Equal(t, "init", rec.next(t).kind)
	require.Equal(t, "start", rec.next(t).kind)
	stream := rec.next(t)
	require.Equal(t, "stream", stream.kind)
	require.Equal(t, "Hel", stream.msg.RawAI)

	orch.StopGeneration()

	end := rec.next(t)
	require.Equal(t, "end", end.kind)
	assert.Equal(t, model.StatusStopped, end.msg.Status)
	assert.Equal(t, "Hel", end.msg.RawAI)

	persisted, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 1)
	assert.Equal(t, model.StatusStopped, persisted.Messages[0].Status)
	assert.Equal(t, "Hel", persisted.Messages[0].RawAI)
}

// blockingClient never opens a stream: it waits for cancellation and
// returns the context error, like a real client cancelled while the
// connection is still being established.
type blockingClient struct{}

func (blockingClient) Stream(ctx context.Context, _ []prompt.Turn) (<-chan provider.Chunk, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestStopGeneration_BeforeFirstChunkIsStoppedNotErrored(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	rec := newRecorder()
	orch := New(store, defaultPrefs(), &fakeFactory{client: blockingClient{}}, rec.callbacks())

	orch.RunModel(sess.ID, model.PromptRequest{Query: "hi"})
	require.Equal(t, "init", rec.next(t).kind)

	orch.StopGeneration()

	end := rec.next(t)
	require.Equal(t, "end", end.kind, "stop must not surface as an error")
	assert.Equal(t, model.StatusStopped, end.msg.Status)
	assert.Empty(t, end.msg.RawAI)
	assert.Empty(t, end.msg.ErrorMessage)
	rec.assertQuiet(t)

	persisted, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 1)
	assert.Equal(t, model.StatusStopped, persisted.Messages[0].Status)
}

func TestRunModel_NewGenerationSupersedesOld(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	// The first stream stalls after one chunk and only finishes when its
	// context is cancelled by the second generation
	first := &fakeClient{script: func(ctx context.Context, ch chan<- provider.Chunk) {
		ch <- provider.Chunk{Content: "stale"}
		<-ctx.Done()
	}}
	second := &fakeClient{script: emitAll("fresh")}

	factory := &fakeFactory{client: first}
	rec := newRecorder()
	orch := New(store, defaultPrefs(), factory, rec.callbacks())

	orch.RunModel(sess.ID, model.PromptRequest{Query: "first question"})
	require.Equal(t, "init", rec.next(t).kind)
	require.Equal(t, "start", rec.next(t).kind)
	require.Equal(t, "stream", rec.next(t).kind)

	factory.client = second
	orch.RunModel(sess.ID, model.PromptRequest{Query: "second question"})

	// Only the second generation's events arrive from here on
	for _, want := range []string{"init", "start", "stream", "end"} {
		ev := rec.next(t)
		require.Equal(t, want, ev.kind)
		require.Equal(t, "second question", ev.msg.RawHuman)
	}
	rec.assertQuiet(t)

	persisted, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 1)
	assert.Equal(t, "fresh", persisted.Messages[0].RawAI)
	assert.Equal(t, "second question", persisted.Messages[0].RawHuman)
}

// =============================================================================
// REGENERATION
// =============================================================================

func TestRegenerate_ReplacesInPlaceAndExcludesSelf(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	base := time.Now().Add(-time.Hour)
	older := model.Message{
		ID: "m1", SessionID: sess.ID, Model: "gpt-4o",
		Request:  model.PromptRequest{Query: "earlier q"},
		RawHuman: "earlier q", RawAI: "earlier a",
		Status: model.StatusCompleted, CreatedAt: base,
	}
	target := model.Message{
		ID: "m2", SessionID: sess.ID, Model: "gpt-4o",
		Request:  model.PromptRequest{Query: "target q"},
		RawHuman: "target q", RawAI: "old answer",
		Status: model.StatusCompleted, CreatedAt: base.Add(time.Minute),
	}
	require.NoError(t, store.AppendOrReplaceMessage(sess.ID, older))
	require.NoError(t, store.AppendOrReplaceMessage(sess.ID, target))

	client := &fakeClient{script: emitAll("new answer")}
	rec := newRecorder()
	orch := New(store, defaultPrefs(), &fakeFactory{client: client}, rec.callbacks())

	orch.Regenerate(sess.ID, "m2")

	for {
		ev := rec.next(t)
		if ev.kind == "end" {
			assert.Equal(t, "new answer", ev.msg.RawAI)
			break
		}
		require.NotEqual(t, "error", ev.kind)
	}

	// The regenerated message must not feed its own prompt
	for _, turn := range client.capturedTurns() {
		assert.NotContains(t, turn.Text, "old answer")
	}
	// The older exchange still does
	var sawEarlier bool
	for _, turn := range client.capturedTurns() {
		if turn.Text == "earlier q" {
			sawEarlier = true
		}
	}
	assert.True(t, sawEarlier, "prior history should be replayed")

	persisted, err := store.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, persisted.Messages, 2)
	assert.Equal(t, "m2", persisted.Messages[1].ID)
	assert.Equal(t, "new answer", persisted.Messages[1].RawAI)
}

func TestRegenerate_UnknownMessageIsNoOp(t *testing.T) {
	store := newTestStore(t)
	sess, err := store.CreateSession()
	require.NoError(t, err)

	rec := newRecorder()
	orch := New(store, defaultPrefs(), &fakeFactory{client: &fakeClient{script: emitAll("x")}}, rec.callbacks())

	orch.Regenerate(sess.ID, "no-such-message")
	orch.Regenerate("no-such-session", "m1")
	rec.assertQuiet(t)
}

// =============================================================================
// INVOKER
// =============================================================================

func TestInvoke_ForwardsFragmentsInOrder(t *testing.T) {
	client := &fakeClient{script: emitAll("a", "b", "c")}

	ch, err := Invoke(context.Background(), client, nil)
	require.NoError(t, err)

	var got []string
	for frag := range ch {
		require.NoError(t, frag.Err)
		got = append(got, frag.Text)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestInvoke_SurfacesStreamFailure(t *testing.T) {
	boom := errors.New("boom")
	client := &fakeClient{script: func(ctx context.Context, ch chan<- provider.Chunk) {
		ch <- provider.Chunk{Content: "x"}
		ch <- provider.Chunk{Err: boom}
	}}

	ch, err := Invoke(context.Background(), client, nil)
	require.NoError(t, err)

	first := <-ch
	require.NoError(t, first.Err)

	second := <-ch
	assert.ErrorIs(t, second.Err, boom)

	_, open := <-ch
	assert.False(t, open, "channel should close after the failure")
}

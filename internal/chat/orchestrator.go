// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat runs conversations: it owns the message lifecycle
// (pending, streaming, completed/errored/stopped), relays lifecycle
// events to a collaborator through callbacks, and commits finished
// messages to the session store.
package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jeranaias/llmchat/internal/config"
	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/prompt"
	"github.com/jeranaias/llmchat/internal/provider"
	"github.com/jeranaias/llmchat/internal/storage"
	"github.com/jeranaias/llmchat/internal/util"
)

var (
	// ErrAPIKeyNotFound is reported when the active model's provider has
	// no configured key. No network call is made in that case.
	ErrAPIKeyNotFound = errors.New("API key not found")

	// ErrModelNotFound is reported when the preferred model key is not in
	// the catalog.
	ErrModelNotFound = errors.New("model not found")
)

// errorMessageMaxRunes bounds the persisted error description.
const errorMessageMaxRunes = 200

// =============================================================================
// COLLABORATOR CONTRACTS
// =============================================================================

// PreferenceSource supplies the active preferences and provider keys.
// *config.Manager satisfies it.
type PreferenceSource interface {
	GetPreferences() config.Preferences
	GetAPIKey(family model.ProviderFamily) (string, bool)
}

// ClientFactory builds a streaming client for a model descriptor.
// *provider.Registry satisfies it.
type ClientFactory interface {
	CreateClient(desc model.ModelDescriptor, apiKey string, settings provider.Settings) (provider.Client, error)
}

// Callbacks are the lifecycle events relayed to the collaborator. Any
// field may be nil. Each callback receives a snapshot of the message as
// it stood when the event fired.
type Callbacks struct {
	// OnInit fires once per accepted request, with the pending message.
	OnInit func(msg model.Message)

	// OnStreamStart fires on receipt of the first chunk, before that
	// chunk's text has been appended. A stream that fails before
	// producing any output never fires it.
	OnStreamStart func(msg model.Message)

	// OnStream fires for every received chunk, in stream order, with the
	// accumulated output so far.
	OnStream func(msg model.Message)

	// OnStreamEnd fires at a non-error terminal state (completed or
	// stopped), after the message has been persisted.
	OnStreamEnd func(msg model.Message)

	// OnError fires when the generation failed; the errored message has
	// been persisted by then.
	OnError func(msg model.Message, err error)
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// Orchestrator coordinates one conversation generation at a time.
// Starting a new generation supersedes any generation still in flight:
// its context is cancelled and whatever it still produces is discarded,
// never emitted or persisted.
type Orchestrator struct {
	store     *storage.SessionStore
	prefs     PreferenceSource
	factory   ClientFactory
	callbacks Callbacks

	mu         sync.Mutex
	generation uint64
	cancelMgr  *cancelManager

	// now and newID are swappable for tests.
	now   func() time.Time
	newID func() string
}

// New creates an orchestrator over the given collaborators.
func New(store *storage.SessionStore, prefs PreferenceSource, factory ClientFactory, callbacks Callbacks) *Orchestrator {
	return &Orchestrator{
		store:     store,
		prefs:     prefs,
		factory:   factory,
		callbacks: callbacks,
		cancelMgr: newCancelManager(),
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// RunModel starts a generation for a new message in the session, using
// the preferred default model. It returns immediately; progress is
// reported through the callbacks. A request with an empty query is
// rejected silently.
func (o *Orchestrator) RunModel(sessionID string, req model.PromptRequest) {
	o.start(sessionID, o.newID(), "", req, o.now())
}

// RunModelWith is RunModel with an explicit model key overriding the
// preferred default for this generation only.
func (o *Orchestrator) RunModelWith(sessionID, modelKey string, req model.PromptRequest) {
	o.start(sessionID, o.newID(), modelKey, req, o.now())
}

// Regenerate re-runs an existing message with its original request. The
// fresh output replaces the stored message in place. An unknown session
// or message id is a no-op.
func (o *Orchestrator) Regenerate(sessionID, messageID string) {
	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		return
	}
	idx := sess.FindMessage(messageID)
	if idx < 0 {
		return
	}

	existing := sess.Messages[idx]
	o.start(sessionID, existing.ID, existing.Model, existing.Request, existing.CreatedAt)
}

// StopGeneration cancels the in-flight generation, if any. The stopped
// message keeps the output streamed so far and is persisted with status
// stopped.
func (o *Orchestrator) StopGeneration() {
	o.cancelMgr.cancel()
}

// RemoveMessage deletes a persisted message. Unknown ids are a no-op.
func (o *Orchestrator) RemoveMessage(sessionID, messageID string) error {
	return o.store.RemoveMessage(sessionID, messageID)
}

// =============================================================================
// GENERATION
// =============================================================================

func (o *Orchestrator) start(sessionID, messageID, modelKey string, req model.PromptRequest, createdAt time.Time) {
	if strings.TrimSpace(req.Query) == "" {
		return
	}

	o.mu.Lock()
	o.generation++
	gen := o.generation
	o.mu.Unlock()

	// Installing the new cancel function cancels the superseded
	// generation's context
	ctx, cancel := context.WithCancel(context.Background())
	o.cancelMgr.set(cancel)

	go o.run(ctx, gen, sessionID, messageID, modelKey, req, createdAt)
}

func (o *Orchestrator) run(ctx context.Context, gen uint64, sessionID, messageID, modelKey string, req model.PromptRequest, createdAt time.Time) {
	msg := model.Message{
		ID:        messageID,
		SessionID: sessionID,
		Request:   req,
		RawHuman:  req.Query,
		Status:    model.StatusPending,
		CreatedAt: createdAt,
	}

	prefs := o.prefs.GetPreferences()
	if modelKey == "" {
		modelKey = prefs.DefaultModel
	}
	desc, found := model.GetModel(modelKey)
	if found {
		msg.Model = desc.Key
	}

	o.emit(gen, o.callbacks.OnInit, msg)

	if !found {
		o.fail(gen, msg, ErrModelNotFound)
		return
	}
	apiKey, ok := o.prefs.GetAPIKey(desc.Provider)
	if !ok {
		o.fail(gen, msg, ErrAPIKeyNotFound)
		return
	}

	sess, err := o.store.GetSession(sessionID)
	if err != nil {
		o.abort(ctx, gen, msg, err)
		return
	}

	opts := prompt.Options{
		SystemPrompt:     prefs.SystemPrompt,
		ExcludeMessageID: msg.ID,
	}
	if limit, bounded := prefs.HistoryLimit(); bounded {
		opts.MessageLimit = limit
	}
	turns := prompt.Build(req, sess.Messages, opts)

	client, err := o.factory.CreateClient(desc, apiKey, provider.Settings{
		Temperature: prefs.Temperature,
		TopP:        prefs.TopP,
		TopK:        prefs.TopK,
		MaxTokens:   prefs.MaxTokens,
	})
	if err != nil {
		o.abort(ctx, gen, msg, err)
		return
	}

	fragments, err := Invoke(ctx, client, turns)
	if err != nil {
		o.abort(ctx, gen, msg, err)
		return
	}

	for frag := range fragments {
		if frag.Err != nil {
			o.abort(ctx, gen, msg, frag.Err)
			return
		}
		// The first chunk moves the message from pending to streaming
		if msg.Status != model.StatusStreaming {
			msg.Status = model.StatusStreaming
			o.emit(gen, o.callbacks.OnStreamStart, msg)
		}
		msg.RawAI += frag.Text
		o.emit(gen, o.callbacks.OnStream, msg)
	}

	if ctx.Err() != nil {
		msg.Status = model.StatusStopped
	} else {
		msg.Status = model.StatusCompleted
	}
	o.finish(gen, msg)
}

// abort routes a mid-generation failure to its terminal state. A failure
// caused by the user stopping the generation is not an error: the message
// ends stopped, keeping any output streamed so far. Everything else ends
// errored.
func (o *Orchestrator) abort(ctx context.Context, gen uint64, msg model.Message, err error) {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		msg.Status = model.StatusStopped
		o.finish(gen, msg)
		return
	}
	o.fail(gen, msg, err)
}

// finish persists a non-error terminal message and fires OnStreamEnd.
func (o *Orchestrator) finish(gen uint64, msg model.Message) {
	if !o.current(gen) {
		return
	}
	if err := o.store.AppendOrReplaceMessage(msg.SessionID, msg); err != nil {
		if o.callbacks.OnError != nil {
			o.callbacks.OnError(msg, err)
		}
		return
	}
	o.emit(gen, o.callbacks.OnStreamEnd, msg)
}

// fail marks the message errored, persists it so the failed attempt
// stays visible in history, and fires OnError.
func (o *Orchestrator) fail(gen uint64, msg model.Message, err error) {
	if !o.current(gen) {
		return
	}

	msg.Status = model.StatusErrored
	msg.ErrorMessage = errorText(err)

	// Best effort: the callback still fires when persistence fails
	_ = o.store.AppendOrReplaceMessage(msg.SessionID, msg)

	if o.callbacks.OnError != nil {
		o.callbacks.OnError(msg, err)
	}
}

// emit fires a callback unless this generation has been superseded.
func (o *Orchestrator) emit(gen uint64, cb func(model.Message), msg model.Message) {
	if cb == nil || !o.current(gen) {
		return
	}
	cb(msg)
}

func (o *Orchestrator) current(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generation == gen
}

// errorText reduces a failure to the short description stored on the
// message. Provider payload internals never reach the collaborator.
func errorText(err error) string {
	switch {
	case errors.Is(err, ErrAPIKeyNotFound):
		return "API key not found"
	case errors.Is(err, ErrModelNotFound):
		return "Model not found"
	case errors.Is(err, storage.ErrSessionNotFound):
		return "Session not found"
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return util.TruncateRunes(apiErr.Error(), errorMessageMaxRunes)
	}
	return util.TruncateRunes(util.SingleLine(err.Error()), errorMessageMaxRunes)
}

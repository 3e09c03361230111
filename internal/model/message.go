// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for sessions, messages and the
// model catalog.
package model

import "time"

// =============================================================================
// MESSAGE STATUS
// =============================================================================

// MessageStatus tracks the lifecycle of a message.
//
// Pending and Streaming are transient; only terminal statuses are ever
// written to the session store.
type MessageStatus string

const (
	// StatusPending is set when a request has been accepted but no model
	// output has arrived yet.
	StatusPending MessageStatus = "pending"

	// StatusStreaming is set once the first chunk of model output arrives.
	StatusStreaming MessageStatus = "streaming"

	// StatusCompleted is set when the model stream finished normally.
	StatusCompleted MessageStatus = "completed"

	// StatusErrored is set when prompt assembly, client creation or the
	// stream itself failed.
	StatusErrored MessageStatus = "errored"

	// StatusStopped is set when the user cancelled a generation mid-stream.
	StatusStopped MessageStatus = "stopped"
)

// Terminal returns true for statuses that may be persisted.
func (s MessageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusStopped
}

// =============================================================================
// MESSAGE
// =============================================================================

// Message is one request/response turn pair plus its lifecycle status.
type Message struct {
	// ID is unique within the owning session. It is assigned at request
	// time and reused across regeneration so overwrite semantics apply.
	ID string `json:"id"`

	// SessionID is a back-reference to the owning session.
	SessionID string `json:"sessionId"`

	// Model is the descriptor key used to produce this message.
	Model string `json:"model"`

	// Request is the originating prompt request, preserved for
	// provenance and regeneration.
	Request PromptRequest `json:"request"`

	// RawHuman is the literal user query text.
	RawHuman string `json:"rawHuman"`

	// RawAI is the accumulated model output. It grows monotonically while
	// the message is streaming and is frozen at completion.
	RawAI string `json:"rawAI,omitempty"`

	// Status is the current lifecycle state.
	Status MessageStatus `json:"status"`

	// ErrorMessage is set only when Status is errored.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// CreatedAt is set once at creation and never mutated.
	CreatedAt time.Time `json:"createdAt"`
}

// HasBothSides reports whether the message carries both a user query and a
// model answer. Messages that errored before producing output fail this
// check and contribute no turns to an assembled prompt.
func (m Message) HasBothSides() bool {
	return m.RawHuman != "" && m.RawAI != ""
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one persisted conversation thread.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt,omitempty"`

	// Messages hold the conversation in insertion order.
	Messages []Message `json:"messages"`
}

// FindMessage returns the index of the message with the given id, or -1.
func (s *Session) FindMessage(id string) int {
	for i := range s.Messages {
		if s.Messages[i].ID == id {
			return i
		}
	}
	return -1
}

// Empty reports whether the session has no messages yet.
func (s *Session) Empty() bool {
	return len(s.Messages) == 0
}

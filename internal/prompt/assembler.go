// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt assembles the ordered turn sequence sent to a model
// client: one system turn, the replayed history and the current user turn.
package prompt

import (
	"sort"
	"strings"

	"github.com/jeranaias/llmchat/internal/model"
)

// =============================================================================
// TURNS
// =============================================================================

// TurnRole tags a turn with its speaker.
type TurnRole string

const (
	TurnSystem    TurnRole = "system"
	TurnUser      TurnRole = "user"
	TurnAssistant TurnRole = "assistant"
)

// Turn is one role-tagged entry of an assembled prompt. ImageURI is set
// only on a user turn carrying a multimodal payload.
type Turn struct {
	Role     TurnRole
	Text     string
	ImageURI string
}

// =============================================================================
// ASSEMBLY
// =============================================================================

// Options controls history replay and the system turn.
type Options struct {
	// SystemPrompt opens the system turn.
	SystemPrompt string

	// MessageLimit bounds how many prior messages are replayed, most
	// recent first. Zero or negative means unlimited.
	MessageLimit int

	// ExcludeMessageID drops one message from the history, used when a
	// message is being regenerated and must not feed its own prompt.
	ExcludeMessageID string
}

// Build assembles the turn sequence for a request against a session's
// history. The caller is responsible for rejecting empty queries before
// calling Build.
//
// History handling: messages are replayed oldest first; when MessageLimit
// is set, only the most recent messages within the limit are kept.
// Messages missing either side of the exchange (for example, ones that
// errored before producing output) contribute no turns.
func Build(req model.PromptRequest, history []model.Message, opts Options) []Turn {
	pairs := historyPairs(history, opts)

	turns := make([]Turn, 0, len(pairs)*2+2)
	turns = append(turns, Turn{
		Role: TurnSystem,
		Text: systemText(req, opts.SystemPrompt, len(pairs) > 0),
	})
	for _, msg := range pairs {
		turns = append(turns,
			Turn{Role: TurnUser, Text: msg.RawHuman},
			Turn{Role: TurnAssistant, Text: msg.RawAI},
		)
	}
	turns = append(turns, Turn{
		Role:     TurnUser,
		Text:     req.Query,
		ImageURI: req.Image,
	})
	return turns
}

// historyPairs selects and orders the prior messages to replay.
func historyPairs(history []model.Message, opts Options) []model.Message {
	msgs := make([]model.Message, 0, len(history))
	for _, m := range history {
		if opts.ExcludeMessageID != "" && m.ID == opts.ExcludeMessageID {
			continue
		}
		if !m.HasBothSides() {
			continue
		}
		msgs = append(msgs, m)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})

	// Keep the most recent messages, chronological order preserved
	if opts.MessageLimit > 0 && len(msgs) > opts.MessageLimit {
		msgs = msgs[len(msgs)-opts.MessageLimit:]
	}
	return msgs
}

// systemText builds the system turn from the configured system prompt, the
// request's persona and intent, the quoted context, and a note pointing at
// the replayed history.
func systemText(req model.PromptRequest, systemPrompt string, hasHistory bool) string {
	var b strings.Builder

	if sp := strings.TrimSpace(systemPrompt); sp != "" {
		b.WriteString(sp)
		b.WriteString(" ")
	}
	b.WriteString("You are ")
	b.WriteString(req.Role.Persona())
	b.WriteString(".")

	if instruction := req.Intent.Instruction(); instruction != "" {
		b.WriteString(" ")
		b.WriteString(instruction)
		b.WriteString(".")
	}
	if req.Context != "" {
		b.WriteString(" Answer the user's question based on the following context: ")
		b.WriteString(req.Context)
	}
	if hasHistory {
		b.WriteString(" Answer the user's question based on the prior conversation turns.")
	}
	return b.String()
}

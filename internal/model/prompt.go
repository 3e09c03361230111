// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// ROLES
// =============================================================================

// Role selects the persona used in the system instruction.
type Role string

const (
	RoleAssistant         Role = "assistant"
	RoleWritingExpert     Role = "writing_expert"
	RoleSocialMediaExpert Role = "social_media_expert"
)

// Persona returns the persona text inserted into the system instruction.
func (r Role) Persona() string {
	switch r {
	case RoleWritingExpert:
		return "expert in writing and coding"
	case RoleSocialMediaExpert:
		return "expert in twitter (x), social media in general"
	default:
		return "assistant"
	}
}

// =============================================================================
// INTENTS
// =============================================================================

// Intent selects the task instruction appended to the system turn.
type Intent string

const (
	IntentAsk        Intent = "ask"
	IntentAnswer     Intent = "answer"
	IntentExplain    Intent = "explain"
	IntentSummarize  Intent = "summarize"
	IntentImprove    Intent = "improve"
	IntentFixGrammar Intent = "fix_grammar"
	IntentReply      Intent = "reply"
	IntentShortReply Intent = "short_reply"
)

// Instruction returns the task instruction for the intent. IntentAsk carries
// no extra instruction: the query stands on its own.
func (i Intent) Instruction() string {
	switch i {
	case IntentAnswer:
		return "Answer this question"
	case IntentExplain:
		return "Explain this"
	case IntentSummarize:
		return "Summarize this"
	case IntentImprove:
		return "Improve this"
	case IntentFixGrammar:
		return "Fix the grammar and typos"
	case IntentReply:
		return "Reply to this tweet, social media post or comment with a helpful response, must not use offensive language, use simple language like answering to friend"
	case IntentShortReply:
		return "Reply to this tweet, social media post or comment in short 3-4 words max"
	default:
		return ""
	}
}

// =============================================================================
// PROMPT REQUEST
// =============================================================================

// PromptRequest is a user-originated ask. Query is required; requests with
// an empty query are rejected by the orchestrator before any work happens.
type PromptRequest struct {
	// Role selects the persona for the system instruction.
	Role Role `json:"role"`

	// Intent selects the task instruction.
	Intent Intent `json:"intent"`

	// Query is the user text.
	Query string `json:"query"`

	// Context is an optional quoted excerpt the user is replying to.
	Context string `json:"context,omitempty"`

	// Image is an optional inline image payload (data URI) attached for
	// multimodal models.
	Image string `json:"image,omitempty"`
}

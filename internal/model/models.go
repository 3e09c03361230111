// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"strings"
)

// =============================================================================
// PROVIDER FAMILIES
// =============================================================================

// ProviderFamily identifies which client implementation and which API key a
// model descriptor uses.
type ProviderFamily string

const (
	ProviderOpenAI    ProviderFamily = "openai"
	ProviderAnthropic ProviderFamily = "anthropic"
	ProviderGemini    ProviderFamily = "gemini"
)

// Families lists every known provider family.
func Families() []ProviderFamily {
	return []ProviderFamily{ProviderOpenAI, ProviderAnthropic, ProviderGemini}
}

// =============================================================================
// MODEL DESCRIPTOR
// =============================================================================

// Pricing is the per-1K-token unit price in dollars. Informational only.
type Pricing struct {
	InputPer1K  float64 `json:"input_per_1k"`
	OutputPer1K float64 `json:"output_per_1k"`
}

// ModelDescriptor is static metadata identifying a callable model.
type ModelDescriptor struct {
	// Key is the provider-specific model id used in API calls.
	Key string `json:"key"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Provider determines which client factory and API key to use.
	Provider ProviderFamily `json:"provider"`

	// MaxContextTokens is the maximum prompt context window.
	MaxContextTokens int `json:"max_context_tokens"`

	// MaxOutputTokens caps the tokens a single response may produce.
	// User overrides above this limit are clamped.
	MaxOutputTokens int `json:"max_output_tokens"`

	// Pricing is optional; nil for models without published pricing.
	Pricing *Pricing `json:"pricing,omitempty"`
}

// ContextString returns a formatted context window string.
func (m ModelDescriptor) ContextString() string {
	if m.MaxContextTokens >= 1000 {
		return fmt.Sprintf("%dK tokens", m.MaxContextTokens/1000)
	}
	return fmt.Sprintf("%d tokens", m.MaxContextTokens)
}

// PricingString returns a formatted pricing string, or "n/a" when unknown.
func (m ModelDescriptor) PricingString() string {
	if m.Pricing == nil {
		return "n/a"
	}
	return fmt.Sprintf("$%.4f in / $%.4f out per 1K", m.Pricing.InputPer1K, m.Pricing.OutputPer1K)
}

// =============================================================================
// CATALOG
// =============================================================================

// Catalog is the static registry of known models, in display order.
var Catalog = []ModelDescriptor{
	{
		Key:              "gpt-4o",
		Name:             "GPT 4o",
		Provider:         ProviderOpenAI,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
		Pricing:          &Pricing{InputPer1K: 0.0025, OutputPer1K: 0.01},
	},
	{
		Key:              "gpt-4-turbo",
		Name:             "GPT4 Turbo",
		Provider:         ProviderOpenAI,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
		Pricing:          &Pricing{InputPer1K: 0.01, OutputPer1K: 0.03},
	},
	{
		Key:              "gpt-3.5-turbo",
		Name:             "GPT3.5 Turbo",
		Provider:         ProviderOpenAI,
		MaxContextTokens: 16385,
		MaxOutputTokens:  4096,
		Pricing:          &Pricing{InputPer1K: 0.0005, OutputPer1K: 0.0015},
	},
	{
		Key:              "gpt-3.5-turbo-0125",
		Name:             "GPT3.5 Turbo 0125",
		Provider:         ProviderOpenAI,
		MaxContextTokens: 16385,
		MaxOutputTokens:  4096,
		Pricing:          &Pricing{InputPer1K: 0.0005, OutputPer1K: 0.0015},
	},
	{
		Key:              "claude-3-opus-20240229",
		Name:             "Claude 3 Opus",
		Provider:         ProviderAnthropic,
		MaxContextTokens: 200000,
		MaxOutputTokens:  4096,
		Pricing:          &Pricing{InputPer1K: 0.015, OutputPer1K: 0.075},
	},
	{
		Key:              "claude-3-sonnet-20240229",
		Name:             "Claude 3 Sonnet",
		Provider:         ProviderAnthropic,
		MaxContextTokens: 200000,
		MaxOutputTokens:  4096,
		Pricing:          &Pricing{InputPer1K: 0.003, OutputPer1K: 0.015},
	},
	{
		Key:              "claude-3-haiku-20240307",
		Name:             "Claude 3 Haiku",
		Provider:         ProviderAnthropic,
		MaxContextTokens: 200000,
		MaxOutputTokens:  4096,
		Pricing:          &Pricing{InputPer1K: 0.00025, OutputPer1K: 0.00125},
	},
	{
		Key:              "gemini-pro",
		Name:             "Gemini Pro",
		Provider:         ProviderGemini,
		MaxContextTokens: 32000,
		MaxOutputTokens:  2048,
	},
	{
		Key:              "gemini-1.5-pro-latest",
		Name:             "Gemini Pro 1.5",
		Provider:         ProviderGemini,
		MaxContextTokens: 1000000,
		MaxOutputTokens:  8192,
	},
}

// =============================================================================
// LOOKUP FUNCTIONS
// =============================================================================

// ListModels returns a copy of the catalog.
func ListModels() []ModelDescriptor {
	out := make([]ModelDescriptor, len(Catalog))
	copy(out, Catalog)
	return out
}

// GetModel looks up a descriptor by key or, failing that, by a
// case-insensitive match on the display name.
func GetModel(key string) (ModelDescriptor, bool) {
	for _, m := range Catalog {
		if m.Key == key {
			return m, true
		}
	}

	lower := strings.ToLower(key)
	for _, m := range Catalog {
		if strings.ToLower(m.Name) == lower {
			return m, true
		}
	}

	return ModelDescriptor{}, false
}

// ModelsByProvider returns all catalog entries for one provider family.
func ModelsByProvider(family ProviderFamily) []ModelDescriptor {
	var out []ModelDescriptor
	for _, m := range Catalog {
		if m.Provider == family {
			out = append(out, m)
		}
	}
	return out
}

// ModelKeys returns the catalog keys in display order.
func ModelKeys() []string {
	keys := make([]string, 0, len(Catalog))
	for _, m := range Catalog {
		keys = append(keys, m.Key)
	}
	return keys
}

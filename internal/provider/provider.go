// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider creates streaming clients for the supported model
// provider families (openai, anthropic, gemini).
//
// All clients speak the same contract: Stream opens one model call and
// delivers its output as an ordered sequence of text chunks over a
// channel. The channel is closed when the stream ends; a failure is
// delivered as a final chunk carrying Err. Clients never retry.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/prompt"
)

// ErrUnsupportedProvider is returned when a model descriptor names a
// provider family the registry cannot build a client for.
var ErrUnsupportedProvider = errors.New("unsupported provider")

// =============================================================================
// STREAMING CONTRACT
// =============================================================================

// Chunk is one increment of model output. Err is set on the final chunk
// when the stream failed; Content may still carry text received before
// the failure.
type Chunk struct {
	Content string
	Err     error
}

// Client is a bound model call factory: descriptor, key and sampling
// settings are fixed at creation, Stream opens one call.
type Client interface {
	// Stream sends the turns and returns a channel of output chunks.
	// The channel is closed when the stream ends; cancelling ctx stops
	// the stream early. An error before any streaming began is returned
	// directly.
	Stream(ctx context.Context, turns []prompt.Turn) (<-chan Chunk, error)
}

// Settings are the sampling parameters bound into a client.
type Settings struct {
	Temperature float64
	TopP        float64
	TopK        int
	MaxTokens   int
}

// =============================================================================
// API ERRORS
// =============================================================================

// APIError is a provider-side failure reduced to a short description.
// Raw provider payloads are not preserved.
type APIError struct {
	Provider   model.ProviderFamily
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s API error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s API error (status %d)", e.Provider, e.StatusCode)
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry builds streaming clients per provider family. One registry is
// shared by all generations so HTTP connections are pooled.
type Registry struct {
	httpClient *http.Client
	baseURLs   map[model.ProviderFamily]string
}

// NewRegistry creates a registry with the default provider endpoints.
func NewRegistry() *Registry {
	return &Registry{
		// No overall timeout: streams are long-lived and are cancelled
		// through the request context instead
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
		baseURLs: map[model.ProviderFamily]string{
			model.ProviderOpenAI:    "https://api.openai.com/v1",
			model.ProviderAnthropic: "https://api.anthropic.com/v1",
			model.ProviderGemini:    "https://generativelanguage.googleapis.com/v1beta",
		},
	}
}

// WithBaseURL overrides one provider family's endpoint. Used by tests.
func (r *Registry) WithBaseURL(family model.ProviderFamily, url string) *Registry {
	r.baseURLs[family] = url
	return r
}

// CreateClient binds a descriptor, API key and sampling settings into a
// streaming client. MaxTokens is clamped to the descriptor's output limit
// when the descriptor declares one.
func (r *Registry) CreateClient(desc model.ModelDescriptor, apiKey string, settings Settings) (Client, error) {
	if desc.MaxOutputTokens > 0 && settings.MaxTokens > desc.MaxOutputTokens {
		settings.MaxTokens = desc.MaxOutputTokens
	}

	switch desc.Provider {
	case model.ProviderOpenAI:
		return newOpenAIClient(r.httpClient, r.baseURLs[desc.Provider], desc.Key, apiKey, settings), nil
	case model.ProviderAnthropic:
		return newAnthropicClient(r.httpClient, r.baseURLs[desc.Provider], desc.Key, apiKey, settings), nil
	case model.ProviderGemini:
		return newGeminiClient(r.httpClient, r.baseURLs[desc.Provider], desc.Key, apiKey, settings), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, desc.Provider)
	}
}

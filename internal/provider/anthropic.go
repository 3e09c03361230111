// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/prompt"
)

const anthropicVersion = "2023-06-01"

// =============================================================================
// ANTHROPIC CLIENT
// =============================================================================

// anthropicClient streams messages from the Anthropic API.
type anthropicClient struct {
	http     *http.Client
	baseURL  string
	model    string
	apiKey   string
	settings Settings
}

func newAnthropicClient(httpClient *http.Client, baseURL, modelKey, apiKey string, settings Settings) *anthropicClient {
	return &anthropicClient{
		http:     httpClient,
		baseURL:  baseURL,
		model:    modelKey,
		apiKey:   apiKey,
		settings: settings,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContentPart struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Source *struct {
		Type      string `json:"type"`
		MediaType string `json:"media_type"`
		Data      string `json:"data"`
	} `json:"source,omitempty"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	TopP        float64            `json:"top_p"`
	TopK        int                `json:"top_k,omitempty"`
	Stream      bool               `json:"stream"`
}

type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements Client.
func (c *anthropicClient) Stream(ctx context.Context, turns []prompt.Turn) (<-chan Chunk, error) {
	system, messages := anthropicMessages(turns)
	reqBody := anthropicRequest{
		Model:       c.model,
		System:      system,
		Messages:    messages,
		MaxTokens:   c.settings.MaxTokens,
		Temperature: c.settings.Temperature,
		TopP:        c.settings.TopP,
		TopK:        c.settings.TopK,
		Stream:      true,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/messages", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiErrorFromResponse(model.ProviderAnthropic, resp)
	}

	ch := make(chan Chunk)
	go c.consume(ctx, resp.Body, ch)
	return ch, nil
}

func (c *anthropicClient) consume(ctx context.Context, body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	reader := NewSSEReader(body)
	for {
		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return
			}
			if ctx.Err() != nil {
				return
			}
			sendErr(ctx, ch, fmt.Errorf("stream read failed: %w", err))
			return
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			sendErr(ctx, ch, fmt.Errorf("malformed stream event: %w", err))
			return
		}

		switch event.Type {
		case "content_block_delta":
			if event.Delta.Text != "" {
				select {
				case ch <- Chunk{Content: event.Delta.Text}:
				case <-ctx.Done():
					return
				}
			}
		case "message_stop":
			return
		case "error":
			sendErr(ctx, ch, &APIError{
				Provider: model.ProviderAnthropic,
				Message:  event.Error.Message,
			})
			return
		}
	}
}

// anthropicMessages maps assembled turns onto the messages shape. The
// system turn travels as the top-level system field; inline images become
// base64 source parts.
func anthropicMessages(turns []prompt.Turn) (string, []anthropicMessage) {
	var system []string
	msgs := make([]anthropicMessage, 0, len(turns))

	for _, turn := range turns {
		if turn.Role == prompt.TurnSystem {
			system = append(system, turn.Text)
			continue
		}

		mediaType, imageData, hasImage := "", "", false
		if turn.ImageURI != "" {
			mediaType, imageData, hasImage = parseDataURI(turn.ImageURI)
		}
		if !hasImage {
			msgs = append(msgs, anthropicMessage{Role: string(turn.Role), Content: turn.Text})
			continue
		}

		source := &struct {
			Type      string `json:"type"`
			MediaType string `json:"media_type"`
			Data      string `json:"data"`
		}{Type: "base64", MediaType: mediaType, Data: imageData}
		msgs = append(msgs, anthropicMessage{
			Role: string(turn.Role),
			Content: []anthropicContentPart{
				{Type: "image", Source: source},
				{Type: "text", Text: turn.Text},
			},
		})
	}
	return strings.Join(system, "\n"), msgs
}

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

	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/prompt"
)

// =============================================================================
// OPENAI CLIENT
// =============================================================================

// openAIClient streams chat completions from the OpenAI API.
type openAIClient struct {
	http     *http.Client
	baseURL  string
	model    string
	apiKey   string
	settings Settings
}

func newOpenAIClient(httpClient *http.Client, baseURL, modelKey, apiKey string, settings Settings) *openAIClient {
	return &openAIClient{
		http:     httpClient,
		baseURL:  baseURL,
		model:    modelKey,
		apiKey:   apiKey,
		settings: settings,
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL *struct {
		URL string `json:"url"`
	} `json:"image_url,omitempty"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	TopP        float64         `json:"top_p"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Stream      bool            `json:"stream"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Stream implements Client.
func (c *openAIClient) Stream(ctx context.Context, turns []prompt.Turn) (<-chan Chunk, error) {
	reqBody := openAIRequest{
		Model:       c.model,
		Messages:    openAIMessages(turns),
		Temperature: c.settings.Temperature,
		TopP:        c.settings.TopP,
		MaxTokens:   c.settings.MaxTokens,
		Stream:      true,
	}

	resp, err := c.post(ctx, reqBody)
	if err != nil {
		return nil, err
	}

	ch := make(chan Chunk)
	go c.consume(ctx, resp.Body, ch)
	return ch, nil
}

func (c *openAIClient) post(ctx context.Context, reqBody openAIRequest) (*http.Response, error) {
	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiErrorFromResponse(model.ProviderOpenAI, resp)
	}
	return resp, nil
}

func (c *openAIClient) consume(ctx context.Context, body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	reader := NewSSEReader(body)
	for {
		_, data, err := reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				return
			}
			// A cancelled context surfaces as a read error; that is a
			// stop, not a failure
			if ctx.Err() != nil {
				return
			}
			sendErr(ctx, ch, fmt.Errorf("stream read failed: %w", err))
			return
		}

		if bytes.Equal(data, []byte("[DONE]")) {
			return
		}

		var chunk openAIStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			sendErr(ctx, ch, fmt.Errorf("malformed stream chunk: %w", err))
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			select {
			case ch <- Chunk{Content: content}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// openAIMessages maps assembled turns onto the chat completions shape. A
// turn with an image becomes a content-part array instead of a string.
func openAIMessages(turns []prompt.Turn) []openAIMessage {
	msgs := make([]openAIMessage, 0, len(turns))
	for _, turn := range turns {
		if turn.ImageURI == "" {
			msgs = append(msgs, openAIMessage{Role: string(turn.Role), Content: turn.Text})
			continue
		}

		image := &struct {
			URL string `json:"url"`
		}{URL: turn.ImageURI}
		msgs = append(msgs, openAIMessage{
			Role: string(turn.Role),
			Content: []openAIContentPart{
				{Type: "text", Text: turn.Text},
				{Type: "image_url", ImageURL: image},
			},
		})
	}
	return msgs
}

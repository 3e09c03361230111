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
	"net/url"
	"strings"

	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/prompt"
)

// =============================================================================
// GEMINI CLIENT
// =============================================================================

// geminiClient streams generated content from the Gemini API.
type geminiClient struct {
	http     *http.Client
	baseURL  string
	model    string
	apiKey   string
	settings Settings
}

func newGeminiClient(httpClient *http.Client, baseURL, modelKey, apiKey string, settings Settings) *geminiClient {
	return &geminiClient{
		http:     httpClient,
		baseURL:  baseURL,
		model:    modelKey,
		apiKey:   apiKey,
		settings: settings,
	}
}

type geminiPart struct {
	Text       string `json:"text,omitempty"`
	InlineData *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent  `json:"system_instruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature"`
		TopP            float64 `json:"topP"`
		TopK            int     `json:"topK,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiStreamChunk struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Stream implements Client.
func (c *geminiClient) Stream(ctx context.Context, turns []prompt.Turn) (<-chan Chunk, error) {
	reqBody := geminiRequest{Contents: geminiContents(turns)}
	if system := systemInstruction(turns); system != "" {
		reqBody.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}
	reqBody.GenerationConfig.Temperature = c.settings.Temperature
	reqBody.GenerationConfig.TopP = c.settings.TopP
	reqBody.GenerationConfig.TopK = c.settings.TopK
	reqBody.GenerationConfig.MaxOutputTokens = c.settings.MaxTokens

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:streamGenerateContent?alt=sse&key=%s",
		c.baseURL, c.model, url.QueryEscape(c.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiErrorFromResponse(model.ProviderGemini, resp)
	}

	ch := make(chan Chunk)
	go c.consume(ctx, resp.Body, ch)
	return ch, nil
}

func (c *geminiClient) consume(ctx context.Context, body io.ReadCloser, ch chan<- Chunk) {
	defer close(ch)
	defer body.Close()

	reader := NewSSEReader(body)
	for {
		_, data, err := reader.ReadEvent()
		if err != nil {
			// Gemini ends the stream with plain EOF, no sentinel
			if err == io.EOF {
				return
			}
			if ctx.Err() != nil {
				return
			}
			sendErr(ctx, ch, fmt.Errorf("stream read failed: %w", err))
			return
		}

		var chunk geminiStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			sendErr(ctx, ch, fmt.Errorf("malformed stream chunk: %w", err))
			return
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		var text strings.Builder
		for _, part := range chunk.Candidates[0].Content.Parts {
			text.WriteString(part.Text)
		}
		if text.Len() > 0 {
			select {
			case ch <- Chunk{Content: text.String()}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// systemInstruction joins the system turns, which Gemini takes as a
// separate top-level field.
func systemInstruction(turns []prompt.Turn) string {
	var parts []string
	for _, turn := range turns {
		if turn.Role == prompt.TurnSystem {
			parts = append(parts, turn.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// geminiContents maps assembled turns onto the contents shape. Gemini
// names the assistant role "model".
func geminiContents(turns []prompt.Turn) []geminiContent {
	contents := make([]geminiContent, 0, len(turns))
	for _, turn := range turns {
		if turn.Role == prompt.TurnSystem {
			continue
		}

		role := "user"
		if turn.Role == prompt.TurnAssistant {
			role = "model"
		}

		parts := []geminiPart{{Text: turn.Text}}
		if turn.ImageURI != "" {
			if mediaType, data, ok := parseDataURI(turn.ImageURI); ok {
				inline := &struct {
					MimeType string `json:"mime_type"`
					Data     string `json:"data"`
				}{MimeType: mediaType, Data: data}
				parts = append(parts, geminiPart{InlineData: inline})
			}
		}
		contents = append(contents, geminiContent{Role: role, Parts: parts})
	}
	return contents
}

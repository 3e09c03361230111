// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/jeranaias/llmchat/internal/model"
	"github.com/jeranaias/llmchat/internal/util"
)

// sendErr delivers a failure chunk without blocking forever when the
// consumer has already gone away on cancellation.
func sendErr(ctx context.Context, ch chan<- Chunk, err error) {
	select {
	case ch <- Chunk{Err: err}:
	case <-ctx.Done():
	}
}

// errorBodyLimit bounds how much of a provider error response is read.
const errorBodyLimit = 8 * 1024

// apiErrorFromResponse reduces a non-200 provider response to an
// APIError. Provider error envelopes differ, so a couple of common
// shapes are tried before falling back to the raw body.
func apiErrorFromResponse(family model.ProviderFamily, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))

	message := ""
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil {
		if envelope.Error.Message != "" {
			message = envelope.Error.Message
		} else {
			message = envelope.Message
		}
	}
	if message == "" {
		message = strings.TrimSpace(string(body))
	}

	return &APIError{
		Provider:   family,
		StatusCode: resp.StatusCode,
		Message:    util.TruncateRunes(util.SingleLine(message), 200),
	}
}

// parseDataURI splits an inline image payload of the form
// "data:<media type>;base64,<data>". ok is false when the payload does
// not match that shape.
func parseDataURI(uri string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(uri, "data:")
	if !found {
		return "", "", false
	}
	meta, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 || mediaType == "" {
		return "", "", false
	}
	return mediaType, payload, true
}

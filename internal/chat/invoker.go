// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"

	"github.com/jeranaias/llmchat/internal/prompt"
	"github.com/jeranaias/llmchat/internal/provider"
)

// =============================================================================
// STREAMING INVOKER
// =============================================================================

// Fragment is one increment of the invoked stream. Err is set on the
// final fragment when the stream failed mid-flight.
type Fragment struct {
	Text string
	Err  error
}

// Invoke drives one model call: it opens the client's stream and returns
// a lazy, forward-only fragment sequence. The channel closes when the
// provider signals completion or ctx is cancelled; a mid-stream failure
// is delivered as a final fragment carrying Err. Invoke never retries.
//
// An error opening the stream (bad credentials, unreachable provider) is
// returned directly and no channel is produced.
func Invoke(ctx context.Context, client provider.Client, turns []prompt.Turn) (<-chan Fragment, error) {
	chunks, err := client.Stream(ctx, turns)
	if err != nil {
		return nil, err
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		for chunk := range chunks {
			if chunk.Err != nil {
				select {
				case out <- Fragment{Err: chunk.Err}:
				case <-ctx.Done():
				}
				return
			}

			select {
			case out <- Fragment{Text: chunk.Content}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

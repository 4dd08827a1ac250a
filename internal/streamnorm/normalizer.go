// Package streamnorm turns a provider's internal CompletionChunk stream
// into the byte-stream contract callers expect: UTF-8 text deltas, a
// single completion callback immediately before close, and a close/error
// signal upstream cancellation can react to.
package streamnorm

import (
	"context"
	"strings"

	"github.com/simstudio/workflow-core/pkg/provider"
)

// Event is one observable occurrence on a normalized stream: a text
// delta, the terminal close, or an error (which always precedes close).
type Event struct {
	Bytes []byte
	Err   error
	Done  bool
}

// Completion is invoked exactly once, immediately before the stream
// closes, with the full accumulated content and the last usage block
// seen (nil if the backend never reported one).
type Completion func(fullContent string, usage *provider.TokenUsage)

// Normalize consumes chunks and emits Events on the returned channel,
// calling onComplete once just before the channel closes. Canceling ctx
// stops the upstream reader by abandoning the chunks channel; callers
// must ensure the producer goroutine also observes ctx.
func Normalize(ctx context.Context, chunks <-chan *provider.CompletionChunk, onComplete Completion) <-chan Event {
	out := make(chan Event)

	go func() {
		defer close(out)

		var content strings.Builder
		var usage *provider.TokenUsage
		var lastErr error

	drain:
		for {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break drain
			case chunk, ok := <-chunks:
				if !ok {
					break drain
				}
				if chunk.Error != nil {
					lastErr = chunk.Error
					out <- Event{Err: chunk.Error}
					break drain
				}
				if chunk.Text != "" {
					content.WriteString(chunk.Text)
					out <- Event{Bytes: []byte(chunk.Text)}
				}
				if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
					usage = &provider.TokenUsage{
						Prompt:     chunk.InputTokens,
						Completion: chunk.OutputTokens,
						Total:      chunk.InputTokens + chunk.OutputTokens,
					}
				}
				if chunk.Done {
					break drain
				}
			}
		}

		if onComplete != nil {
			onComplete(content.String(), usage)
		}
		if lastErr == nil {
			out <- Event{Done: true}
		}
	}()

	return out
}

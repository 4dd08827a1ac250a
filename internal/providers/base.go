package providers

import (
	"context"
	"errors"
	"time"

	"github.com/simstudio/workflow-core/internal/retry"
	"github.com/simstudio/workflow-core/pkg/provider"
)

// BaseProvider holds the retry policy shared by every streaming adapter.
// It delegates the actual backoff loop to internal/retry instead of each
// adapter hand-rolling its own, so OpenAI, Anthropic, Google, and Bedrock
// all retry the same way.
type BaseProvider struct {
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider returns a BaseProvider with the defaults used across
// every backend: 3 retries, exponential backoff starting at 1s.
func NewBaseProvider() BaseProvider {
	return BaseProvider{maxRetries: 3, retryDelay: time.Second}
}

// config builds the internal/retry.Config for this policy: exponential
// backoff from retryDelay, capped at the delay the last retry would reach.
func (b BaseProvider) config() retry.Config {
	maxDelay := b.retryDelay * time.Duration(uint(1)<<uint(b.maxRetries))
	return retry.Exponential(b.maxRetries+1, b.retryDelay, maxDelay)
}

// Retry calls op until it succeeds, op returns an error provider.IsRetryable
// rejects, or the retry budget is exhausted. attempt is 0-indexed, matching
// the signature every adapter already calls this with.
func (b BaseProvider) Retry(ctx context.Context, op func(attempt int) error) error {
	return b.RetryIf(ctx, provider.IsRetryable, op)
}

// RetryIf is Retry with a caller-supplied retryability check, for adapters
// (Bedrock) that classify errors against backend-specific exception names
// rather than provider.IsRetryable's generic message heuristics.
func (b BaseProvider) RetryIf(ctx context.Context, retryable func(error) bool, op func(attempt int) error) error {
	result := retry.WithAttemptNumber(ctx, b.config(), func(attempt int) error {
		err := op(attempt - 1)
		if err != nil && !retryable(err) {
			return retry.Permanent(err)
		}
		return err
	})
	return unwrapPermanent(result.Err)
}

// unwrapPermanent undoes retry.Permanent's wrapping so callers see the
// original error, not internal/retry's sentinel type.
func unwrapPermanent(err error) error {
	var perm *retry.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

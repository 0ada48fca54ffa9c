package deckhand

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// retryModel wraps a LanguageModel and automatically retries transient
// failures (rate limits, upstream 5xx, timeouts) with exponential backoff.
type retryModel struct {
	inner       LanguageModel
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // overall timeout across all attempts; 0 = no limit
	logger      *slog.Logger  // nil = nopLogger
}

// RetryOption configures a retryModel.
type RetryOption func(*retryModel)

// RetryMaxAttempts sets the maximum number of attempts (default: 3,
// meaning the initial call plus two retries).
func RetryMaxAttempts(n int) RetryOption {
	return func(r *retryModel) { r.maxAttempts = n }
}

// RetryBaseDelay sets the initial backoff delay before the second attempt
// (default: 1s). Each subsequent delay doubles.
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(r *retryModel) { r.baseDelay = d }
}

// RetryTimeout sets the overall timeout for the entire retry sequence.
// The zero value (default) disables the timeout.
func RetryTimeout(d time.Duration) RetryOption {
	return func(r *retryModel) { r.timeout = d }
}

// RetryLogger sets the structured logger for retry events. Retries log
// at WARN level and final failures after exhausting attempts at ERROR.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(r *retryModel) { r.logger = l }
}

// WithRetry wraps m with automatic retry on transient errors. When the
// error carries a Retry-After hint the delay is at least that long.
// Compose with any LanguageModel:
//
//	model = deckhand.WithRetry(anthropic.New(cfg))
//	model = deckhand.WithRetry(anthropic.New(cfg), deckhand.RetryMaxAttempts(5))
func WithRetry(m LanguageModel, opts ...RetryOption) LanguageModel {
	r := &retryModel{
		inner:       m,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = nopLogger
	}
	return r
}

// Name delegates to the inner model.
func (r *retryModel) Name() string { return r.inner.Name() }

// Chat implements LanguageModel with retry.
func (r *retryModel) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return retryCall(ctx, r.maxAttempts, r.baseDelay, r.inner.Name(), r.logger, func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// ChatStream implements LanguageModel with retry. Retries are only
// performed if no tokens have been forwarded yet; once streaming has
// started, errors pass through immediately to avoid duplicate content.
func (r *retryModel) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var lastErr error
	for i := 0; i < r.maxAttempts; i++ {
		mid := make(chan string, 64)
		var (
			resp      ChatResponse
			streamErr error
		)
		go func() {
			resp, streamErr = r.inner.ChatStream(ctx, req, mid)
			close(mid)
		}()

		var tokensSent bool
		for tok := range mid {
			tokensSent = true
			ch <- tok
		}

		if streamErr == nil || !Retryable(streamErr) || tokensSent {
			return resp, streamErr
		}

		lastErr = streamErr
		r.logger.Warn("retrying transient error",
			"provider", r.inner.Name(),
			"kind", string(KindOf(streamErr)),
			"attempt", i+1,
			"max_attempts", r.maxAttempts)
		if i < r.maxAttempts-1 {
			if err := sleepBackoff(ctx, r.baseDelay, i, streamErr); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	r.logger.Error("all retry attempts exhausted (stream)",
		"provider", r.inner.Name(),
		"attempts", r.maxAttempts,
		"error", lastErr)
	return ChatResponse{}, lastErr
}

// withTimeout returns a child context with a deadline if r.timeout is set.
// If timeout is zero or ctx already has an earlier deadline, returns ctx
// unchanged.
func (r *retryModel) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(r.timeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// retryCall calls fn up to maxAttempts times, sleeping between transient
// failures. Non-transient errors return immediately.
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil || !Retryable(err) {
			return result, err
		}
		last = err
		logger.Warn("retrying transient error",
			"target", name,
			"kind", string(KindOf(err)),
			"attempt", i+1,
			"max_attempts", maxAttempts)
		if i < maxAttempts-1 {
			if serr := sleepBackoff(ctx, base, i, err); serr != nil {
				return zero, serr
			}
		}
	}
	logger.Error("all retry attempts exhausted",
		"target", name,
		"attempts", maxAttempts,
		"error", last)
	return zero, last
}

// sleepBackoff waits for the computed retry delay or until ctx is done.
func sleepBackoff(ctx context.Context, base time.Duration, i int, err error) error {
	timer := time.NewTimer(retryDelay(base, i, err))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// retryDelay computes the delay before retry attempt i, using exponential
// backoff as a floor and the server's Retry-After value (if present) as a
// minimum.
func retryDelay(base time.Duration, i int, err error) time.Duration {
	backoff := retryBackoff(base, i)
	if ra := RetryAfterOf(err); ra > backoff {
		return ra
	}
	return backoff
}

// retryBackoff returns the delay for retry i (0-indexed).
// Exponential: base * 2^i, plus up to 50% random jitter.
func retryBackoff(base time.Duration, i int) time.Duration {
	exp := base * (1 << i)
	jitter := time.Duration(rand.Int63n(int64(exp)/2 + 1))
	return exp + jitter
}

// compile-time check
var _ LanguageModel = (*retryModel)(nil)

package deckhand

import (
	"context"
	"sync"
	"time"
)

// rateLimitModel wraps a LanguageModel with proactive rate limiting.
// Requests block until the rate budget allows them to proceed.
type rateLimitModel struct {
	inner LanguageModel
	mu    sync.Mutex

	// RPM state: sliding window of request timestamps.
	rpm       int
	rpmWindow []time.Time

	// TPM state: sliding window of (timestamp, tokenCount) pairs.
	tpm       int
	tpmWindow []tpmEntry
}

type tpmEntry struct {
	at     time.Time
	tokens int
}

// RateLimitOption configures a rateLimitModel.
type RateLimitOption func(*rateLimitModel)

// RPM sets the maximum requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitModel) { r.rpm = n }
}

// TPM sets the maximum tokens per minute (input + output combined).
// Token counts are recorded from ChatResponse.Usage after each request.
// This is a soft limit: the request that exceeds the budget completes,
// but subsequent requests block until the window slides.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitModel) { r.tpm = n }
}

// WithRateLimit wraps m with proactive rate limiting. Compose with
// other wrappers:
//
//	model = deckhand.WithRateLimit(provider, deckhand.RPM(60))
//	model = deckhand.WithRateLimit(deckhand.WithRetry(provider), deckhand.RPM(60), deckhand.TPM(100000))
func WithRateLimit(m LanguageModel, opts ...RateLimitOption) LanguageModel {
	r := &rateLimitModel{inner: m}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitModel) Name() string { return r.inner.Name() }

func (r *rateLimitModel) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitModel) ChatStream(ctx context.Context, req ChatRequest, ch chan<- string) (ChatResponse, error) {
	if err := r.waitForBudget(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// waitForBudget blocks until both RPM and TPM budgets allow a request.
// Returns ctx.Err() if the context is cancelled while waiting.
func (r *rateLimitModel) waitForBudget(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)

		r.rpmWindow = pruneTime(r.rpmWindow, cutoff)
		r.tpmWindow = pruneTpm(r.tpmWindow, cutoff)

		rpmOK := r.rpm <= 0 || len(r.rpmWindow) < r.rpm

		tpmOK := true
		if r.tpm > 0 {
			var total int
			for _, e := range r.tpmWindow {
				total += e.tokens
			}
			tpmOK = total < r.tpm
		}

		if rpmOK && tpmOK {
			if r.rpm > 0 {
				r.rpmWindow = append(r.rpmWindow, now)
			}
			r.mu.Unlock()
			return nil
		}

		// Wait until the oldest entry in the blocking window expires.
		var wait time.Duration
		if !rpmOK && len(r.rpmWindow) > 0 {
			wait = r.rpmWindow[0].Add(time.Minute).Sub(now)
		}
		if !tpmOK && len(r.tpmWindow) > 0 {
			w := r.tpmWindow[0].at.Add(time.Minute).Sub(now)
			if wait == 0 || w < wait {
				wait = w
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// recordUsage adds token counts to the TPM sliding window.
func (r *rateLimitModel) recordUsage(u Usage) {
	if r.tpm <= 0 {
		return
	}
	total := u.InputTokens + u.OutputTokens
	if total <= 0 {
		return
	}
	r.mu.Lock()
	r.tpmWindow = append(r.tpmWindow, tpmEntry{at: time.Now(), tokens: total})
	r.mu.Unlock()
}

// pruneTime removes entries older than cutoff from a sorted time slice.
func pruneTime(s []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(s) && s[i].Before(cutoff) {
		i++
	}
	return s[i:]
}

// pruneTpm removes entries older than cutoff from a sorted tpmEntry slice.
func pruneTpm(s []tpmEntry, cutoff time.Time) []tpmEntry {
	i := 0
	for i < len(s) && s[i].at.Before(cutoff) {
		i++
	}
	return s[i:]
}

// compile-time check
var _ LanguageModel = (*rateLimitModel)(nil)

// --- Per-principal quota ---

// PrincipalLimiter enforces a per-caller request quota at the portal
// boundary. Unlike the provider-side limiter it never blocks: callers
// over quota get a RateLimited error with a Retry-After hint.
// Safe for concurrent use.
type PrincipalLimiter struct {
	limit  int
	window time.Duration

	mu    sync.Mutex
	seen  map[string][]time.Time
	sweep time.Time
}

// NewPrincipalLimiter allows limit requests per principal per window.
func NewPrincipalLimiter(limit int, window time.Duration) *PrincipalLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &PrincipalLimiter{
		limit:  limit,
		window: window,
		seen:   make(map[string][]time.Time),
	}
}

// Allow records one request for the principal, or rejects it when the
// quota is exhausted.
func (l *PrincipalLimiter) Allow(principal string) error {
	if l.limit <= 0 || principal == "" {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	// Occasionally drop principals that went idle so the map stays small.
	if now.Sub(l.sweep) > l.window {
		for key, times := range l.seen {
			if pruned := pruneTime(times, cutoff); len(pruned) == 0 {
				delete(l.seen, key)
			} else {
				l.seen[key] = pruned
			}
		}
		l.sweep = now
	}

	times := pruneTime(l.seen[principal], cutoff)
	if len(times) >= l.limit {
		retryAfter := times[0].Add(l.window).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		err := Errorf(KindRateLimited, "request quota exceeded, try again in %s", retryAfter.Round(time.Second))
		err.RetryAfter = retryAfter
		l.seen[principal] = times
		return err
	}
	l.seen[principal] = append(times, now)
	return nil
}

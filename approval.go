package deckhand

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultApprovalTTL bounds how long a queued approval stays actionable.
const DefaultApprovalTTL = 5 * time.Minute

// ApprovalToken is a pending request for a human decision on a guarded
// tool invocation. Args are stored already redacted; raw credentials
// must never reach the approval surface.
type ApprovalToken struct {
	ID        string         `json:"id"`
	RunID     string         `json:"runId,omitempty"`
	OrgID     string         `json:"orgId"`
	UserID    string         `json:"userId"`
	ToolName  string         `json:"toolName"`
	Args      map[string]any `json:"args,omitempty"`
	Message   string         `json:"message,omitempty"`
	Level     ApprovalLevel  `json:"level"`
	CreatedAt time.Time      `json:"createdAt"`
	ExpiresAt time.Time      `json:"expiresAt"`
}

func (t ApprovalToken) expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// TokenStore persists approval tokens. Take must consume atomically:
// concurrent callers for the same id see exactly one success.
type TokenStore interface {
	// Put stores a token, overwriting any previous token with the same id.
	Put(ctx context.Context, token ApprovalToken) error
	// Take removes and returns the token if it exists, belongs to orgID,
	// and has not expired. Any other outcome is a NotFound error; callers
	// learn nothing about other tenants' tokens.
	Take(ctx context.Context, id, orgID string) (ApprovalToken, error)
	// List returns unexpired tokens for orgID, oldest first.
	List(ctx context.Context, orgID string) ([]ApprovalToken, error)
	// Delete discards a token. Missing ids are not an error.
	Delete(ctx context.Context, id string) error
}

// ErrTokenNotFound is the uniform failure for missing, expired, and
// cross-tenant token lookups.
func errTokenNotFound() *Error {
	return E(KindNotFound, "approval not found or expired")
}

// --- In-memory token store ---

// MemoryTokenStore keeps tokens in process memory. It is the default
// backing for single-node deployments and tests; production multi-node
// setups use the redis or postgres store.
type MemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[string]ApprovalToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]ApprovalToken)}
}

var _ TokenStore = (*MemoryTokenStore)(nil)

func (s *MemoryTokenStore) Put(_ context.Context, token ApprovalToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[token.ID] = token
	return nil
}

func (s *MemoryTokenStore) Take(_ context.Context, id, orgID string) (ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[id]
	if !ok || token.OrgID != orgID {
		return ApprovalToken{}, errTokenNotFound()
	}
	delete(s.tokens, id)
	if token.expired(time.Now()) {
		return ApprovalToken{}, errTokenNotFound()
	}
	return token, nil
}

func (s *MemoryTokenStore) List(_ context.Context, orgID string) ([]ApprovalToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var out []ApprovalToken
	for id, token := range s.tokens {
		if token.expired(now) {
			delete(s.tokens, id)
			continue
		}
		if token.OrgID == orgID {
			out = append(out, token)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryTokenStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tokens, id)
	return nil
}

// --- Approvals coordinator ---

// Approvals tracks pending approval tokens and wakes the goroutine
// waiting on each one when a decision lands. Token persistence is
// pluggable; continuations are always process-local because the
// blocked stream lives in this process.
type Approvals struct {
	store  TokenStore
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	waits map[string]chan ApprovalDecision
}

type ApprovalsOption func(*Approvals)

// WithTokenStore replaces the default in-memory token store.
func WithTokenStore(s TokenStore) ApprovalsOption {
	return func(a *Approvals) { a.store = s }
}

// WithApprovalTTL overrides the default 5 minute token lifetime.
func WithApprovalTTL(d time.Duration) ApprovalsOption {
	return func(a *Approvals) {
		if d > 0 {
			a.ttl = d
		}
	}
}

// WithApprovalsLogger sets the logger. Defaults to a no-op logger.
func WithApprovalsLogger(l *slog.Logger) ApprovalsOption {
	return func(a *Approvals) {
		if l != nil {
			a.logger = l
		}
	}
}

func NewApprovals(opts ...ApprovalsOption) *Approvals {
	a := &Approvals{
		store:  NewMemoryTokenStore(),
		ttl:    DefaultApprovalTTL,
		logger: nopLogger,
		waits:  make(map[string]chan ApprovalDecision),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// TTL reports the configured token lifetime.
func (a *Approvals) TTL() time.Duration { return a.ttl }

// Create fills in id and timestamps and records the token.
func (a *Approvals) Create(ctx context.Context, token ApprovalToken) (ApprovalToken, error) {
	if token.ID == "" {
		token.ID = NewID()
	}
	now := time.Now().UTC()
	if token.CreatedAt.IsZero() {
		token.CreatedAt = now
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = token.CreatedAt.Add(a.ttl)
	}
	if err := a.Record(ctx, token); err != nil {
		return ApprovalToken{}, err
	}
	return token, nil
}

// Record stores a token. Re-recording the same id overwrites the prior
// token, so retried submissions are harmless.
func (a *Approvals) Record(ctx context.Context, token ApprovalToken) error {
	if token.ID == "" {
		return E(KindValidation, "approval token id is required")
	}
	if token.OrgID == "" {
		return E(KindValidation, "approval token orgId is required")
	}
	return a.store.Put(ctx, token)
}

// Pending lists unexpired tokens for an organization, oldest first.
func (a *Approvals) Pending(ctx context.Context, orgID string) ([]ApprovalToken, error) {
	if orgID == "" {
		return nil, E(KindValidation, "orgId is required")
	}
	return a.store.List(ctx, orgID)
}

// Consume removes a token for use. Each token is consumed at most once;
// missing, expired, and other-tenant tokens all fail identically with
// NotFound.
func (a *Approvals) Consume(ctx context.Context, id, orgID string) (ApprovalToken, error) {
	if id == "" || orgID == "" {
		return ApprovalToken{}, errTokenNotFound()
	}
	return a.store.Take(ctx, id, orgID)
}

// Resolve consumes the token and delivers the decision to the waiting
// continuation, if any. An approval with no continuation (an API-context
// tool call that will retry) is re-recorded so the follow-up request can
// consume it. For suspended workflow runs there is no waiter here; the
// caller uses the returned token to locate the run.
func (a *Approvals) Resolve(ctx context.Context, id, orgID string, decision ApprovalDecision) (ApprovalToken, error) {
	token, err := a.Consume(ctx, id, orgID)
	if err != nil {
		return ApprovalToken{}, err
	}
	a.mu.Lock()
	ch, ok := a.waits[id]
	if ok {
		delete(a.waits, id)
	}
	a.mu.Unlock()
	switch {
	case ok:
		// Buffered single-slot channel: the send never blocks even if
		// the waiter is between select cases.
		ch <- decision
	case decision.Approved && token.RunID == "":
		if err := a.store.Put(ctx, token); err != nil {
			return ApprovalToken{}, err
		}
	}
	a.logger.Info("approval resolved",
		"approvalId", id,
		"approved", decision.Approved,
		"tool", token.ToolName)
	return token, nil
}

// Await records the token and blocks until a decision arrives, the
// context is canceled, or the token expires. Expiry counts as denial.
// At most one goroutine may await a given token.
func (a *Approvals) Await(ctx context.Context, token ApprovalToken) (ApprovalDecision, error) {
	ch := make(chan ApprovalDecision, 1)
	a.mu.Lock()
	if _, exists := a.waits[token.ID]; exists {
		a.mu.Unlock()
		return ApprovalDecision{}, Errorf(KindInternal, "approval %s already has a waiter", token.ID)
	}
	a.waits[token.ID] = ch
	a.mu.Unlock()

	// Register the continuation before the token becomes visible so a
	// fast Resolve cannot miss the waiter.
	if err := a.Record(ctx, token); err != nil {
		a.dropWait(token.ID)
		return ApprovalDecision{}, err
	}

	until := time.Until(token.ExpiresAt)
	if token.ExpiresAt.IsZero() {
		until = a.ttl
	}
	timer := time.NewTimer(until)
	defer timer.Stop()

	select {
	case decision := <-ch:
		return decision, nil
	case <-timer.C:
		a.dropWait(token.ID)
		_ = a.store.Delete(context.WithoutCancel(ctx), token.ID)
		a.logger.Info("approval expired", "approvalId", token.ID, "tool", token.ToolName)
		return ApprovalDecision{Comment: "approval request expired"}, nil
	case <-ctx.Done():
		a.dropWait(token.ID)
		_ = a.store.Delete(context.WithoutCancel(ctx), token.ID)
		return ApprovalDecision{}, ctx.Err()
	}
}

func (a *Approvals) dropWait(id string) {
	a.mu.Lock()
	delete(a.waits, id)
	a.mu.Unlock()
}

package deckhand

import (
	"context"
	"sync"
	"testing"
	"time"
)

func testToken(id, orgID string) ApprovalToken {
	now := time.Now().UTC()
	return ApprovalToken{
		ID:        id,
		OrgID:     orgID,
		UserID:    "user-1",
		ToolName:  "terminate_instance",
		Level:     ApprovalDanger,
		Message:   "Terminate instance web-01?",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
}

func TestApprovalsRecordAndConsume(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()

	token := testToken("ap-1", "org-1")
	if err := a.Record(ctx, token); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := a.Consume(ctx, "ap-1", "org-1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.ToolName != "terminate_instance" {
		t.Errorf("ToolName = %s", got.ToolName)
	}

	// Single use: the second consume fails.
	if _, err := a.Consume(ctx, "ap-1", "org-1"); KindOf(err) != KindNotFound {
		t.Errorf("second consume kind = %v, want NotFound", KindOf(err))
	}
}

func TestApprovalsConsumeWrongOrg(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()
	if err := a.Record(ctx, testToken("ap-1", "org-1")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// Cross-tenant lookups fail exactly like missing tokens.
	_, err := a.Consume(ctx, "ap-1", "org-2")
	if KindOf(err) != KindNotFound {
		t.Fatalf("kind = %v, want NotFound", KindOf(err))
	}
	missingErr := func() string {
		_, err := a.Consume(ctx, "no-such", "org-2")
		return err.Error()
	}()
	if err.Error() != missingErr {
		t.Errorf("cross-tenant error %q differs from missing error %q", err, missingErr)
	}

	// The token survives the failed cross-tenant attempt.
	if _, err := a.Consume(ctx, "ap-1", "org-1"); err != nil {
		t.Errorf("owner consume after foreign attempt: %v", err)
	}
}

func TestApprovalsConsumeExpired(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()
	token := testToken("ap-exp", "org-1")
	token.ExpiresAt = time.Now().Add(-time.Second)
	if err := a.Record(ctx, token); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := a.Consume(ctx, "ap-exp", "org-1"); KindOf(err) != KindNotFound {
		t.Errorf("kind = %v, want NotFound", KindOf(err))
	}
}

func TestApprovalsRecordIdempotent(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()

	token := testToken("ap-1", "org-1")
	if err := a.Record(ctx, token); err != nil {
		t.Fatalf("Record: %v", err)
	}
	token.Message = "updated message"
	if err := a.Record(ctx, token); err != nil {
		t.Fatalf("re-Record: %v", err)
	}

	pending, err := a.Pending(ctx, "org-1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Message != "updated message" {
		t.Errorf("Message = %q", pending[0].Message)
	}
}

func TestApprovalsPendingScopedToOrg(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()

	t1 := testToken("ap-1", "org-1")
	t2 := testToken("ap-2", "org-1")
	t2.CreatedAt = t1.CreatedAt.Add(time.Second)
	t3 := testToken("ap-3", "org-2")
	for _, token := range []ApprovalToken{t2, t1, t3} {
		if err := a.Record(ctx, token); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	pending, err := a.Pending(ctx, "org-1")
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != "ap-1" || pending[1].ID != "ap-2" {
		t.Errorf("pending order = %s, %s", pending[0].ID, pending[1].ID)
	}
}

func TestApprovalsConsumeConcurrent(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()
	if err := a.Record(ctx, testToken("ap-race", "org-1")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan struct{}, workers)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Consume(ctx, "ap-race", "org-1"); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	var n int
	for range successes {
		n++
	}
	if n != 1 {
		t.Errorf("consumed %d times, want exactly 1", n)
	}
}

func TestApprovalsAwaitResolve(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()
	token := testToken("ap-wait", "org-1")

	type result struct {
		decision ApprovalDecision
		err      error
	}
	got := make(chan result, 1)
	go func() {
		d, err := a.Await(ctx, token)
		got <- result{d, err}
	}()

	// Wait until the token is visible, then resolve it.
	deadline := time.Now().Add(2 * time.Second)
	for {
		pending, err := a.Pending(ctx, "org-1")
		if err != nil {
			t.Fatalf("Pending: %v", err)
		}
		if len(pending) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("token never became visible")
		}
		time.Sleep(time.Millisecond)
	}

	resolved, err := a.Resolve(ctx, "ap-wait", "org-1", ApprovalDecision{Approved: true, ApproverID: "admin"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.ID != "ap-wait" {
		t.Errorf("resolved id = %s", resolved.ID)
	}

	select {
	case r := <-got:
		if r.err != nil {
			t.Fatalf("Await: %v", r.err)
		}
		if !r.decision.Approved || r.decision.ApproverID != "admin" {
			t.Errorf("decision = %+v", r.decision)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after Resolve")
	}

	// The token is gone after resolution.
	if _, err := a.Consume(ctx, "ap-wait", "org-1"); KindOf(err) != KindNotFound {
		t.Errorf("token still consumable after resolve")
	}
}

func TestApprovalsAwaitExpiryDenies(t *testing.T) {
	a := NewApprovals(WithApprovalTTL(20 * time.Millisecond))
	ctx := context.Background()
	token := testToken("ap-ttl", "org-1")
	token.ExpiresAt = time.Now().Add(20 * time.Millisecond)

	decision, err := a.Await(ctx, token)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if decision.Approved {
		t.Error("expired approval reported approved")
	}
	if decision.Comment == "" {
		t.Error("expiry decision has no comment")
	}
}

func TestApprovalsAwaitContextCancel(t *testing.T) {
	a := NewApprovals()
	ctx, cancel := context.WithCancel(context.Background())
	token := testToken("ap-cancel", "org-1")

	done := make(chan error, 1)
	go func() {
		_, err := a.Await(ctx, token)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Await returned nil after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after cancel")
	}
}

func TestApprovalsCreateFillsDefaults(t *testing.T) {
	a := NewApprovals()
	token, err := a.Create(context.Background(), ApprovalToken{
		OrgID:    "org-1",
		UserID:   "user-1",
		ToolName: "restart_instance",
		Level:    ApprovalConfirm,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if token.ID == "" {
		t.Error("Create did not assign an id")
	}
	if token.ExpiresAt.Sub(token.CreatedAt) != DefaultApprovalTTL {
		t.Errorf("ttl = %v, want %v", token.ExpiresAt.Sub(token.CreatedAt), DefaultApprovalTTL)
	}
}

func TestApprovalsResolveWithoutWaiterRerecords(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()
	if err := a.Record(ctx, testToken("ap-api", "org-1")); err != nil {
		t.Fatalf("Record: %v", err)
	}

	// No goroutine is awaiting this token; approving it keeps it
	// consumable so the API caller's retry can spend it.
	if _, err := a.Resolve(ctx, "ap-api", "org-1", ApprovalDecision{Approved: true}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := a.Consume(ctx, "ap-api", "org-1"); err != nil {
		t.Fatalf("Consume after approve: %v", err)
	}
	if _, err := a.Consume(ctx, "ap-api", "org-1"); KindOf(err) != KindNotFound {
		t.Error("token consumable twice")
	}
}

func TestApprovalsResolveDenialRemovesToken(t *testing.T) {
	a := NewApprovals()
	ctx := context.Background()
	if err := a.Record(ctx, testToken("ap-deny", "org-1")); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := a.Resolve(ctx, "ap-deny", "org-1", ApprovalDecision{Approved: false}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := a.Consume(ctx, "ap-deny", "org-1"); KindOf(err) != KindNotFound {
		t.Error("denied token still consumable")
	}
}

package deckhand

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestErrorMessageAndKind(t *testing.T) {
	err := Errorf(KindNotFound, "workflow %q not found", "wf-1")
	if err.Error() != `not_found: workflow "wf-1" not found` {
		t.Errorf("Error() = %q", err.Error())
	}
	if KindOf(err) != KindNotFound {
		t.Errorf("kind = %v", KindOf(err))
	}
}

func TestKindOfWalksWrapChain(t *testing.T) {
	cause := E(KindRateLimited, "throttled")
	wrapped := fmt.Errorf("calling provider: %w", cause)
	if KindOf(wrapped) != KindRateLimited {
		t.Errorf("kind = %v", KindOf(wrapped))
	}
	if KindOf(errors.New("plain")) != KindInternal {
		t.Errorf("unclassified kind = %v", KindOf(errors.New("plain")))
	}
	if KindOf(nil) != "" {
		t.Errorf("nil kind = %v", KindOf(nil))
	}
}

func TestErrorWithAndWrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := E(KindExternalCloud, "instance list failed").
		With("region", "us-phoenix-1").
		With("attempt", 2).
		Wrap(cause)

	if err.Context["region"] != "us-phoenix-1" || err.Context["attempt"] != 2 {
		t.Errorf("context = %v", err.Context)
	}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
	// The sanitized message never includes the cause text.
	if got := err.Error(); got != "external_cloud: instance list failed" {
		t.Errorf("Error() = %q", got)
	}
}

func TestHTTPStatusMapping(t *testing.T) {
	tests := []struct {
		kind Kind
		want int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindAuthRequired, http.StatusUnauthorized},
		{KindForbidden, http.StatusForbidden},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindExternalCloud, http.StatusBadGateway},
		{KindLanguageModel, http.StatusServiceUnavailable},
		{KindDatabase, http.StatusInternalServerError},
		{KindInternal, http.StatusInternalServerError},
		{Kind("mystery"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := HTTPStatus(tc.kind); got != tc.want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(E(KindRateLimited, "slow down")) {
		t.Error("rate limited not retryable")
	}
	transient := E(KindExternalCloud, "gateway timeout")
	transient.Transient = true
	if !Retryable(transient) {
		t.Error("transient cloud failure not retryable")
	}
	if Retryable(E(KindExternalCloud, "bucket does not exist")) {
		t.Error("permanent cloud failure retryable")
	}
	if Retryable(E(KindValidation, "bad input")) {
		t.Error("validation retryable")
	}
	if Retryable(errors.New("plain")) {
		t.Error("unclassified retryable")
	}
}

func TestRetryAfter(t *testing.T) {
	err := E(KindRateLimited, "throttled")
	err.RetryAfter = 3 * time.Second
	if got := RetryAfterOf(err); got != 3*time.Second {
		t.Errorf("RetryAfterOf = %v", got)
	}
	if RetryAfterOf(errors.New("plain")) != 0 {
		t.Error("unclassified has a retry-after")
	}

	if ParseRetryAfter("7") != 7*time.Second {
		t.Errorf("ParseRetryAfter(7) = %v", ParseRetryAfter("7"))
	}
	for _, bad := range []string{"", "-2", "soon", "Wed, 21 Oct 2015 07:28:00 GMT"} {
		if ParseRetryAfter(bad) != 0 {
			t.Errorf("ParseRetryAfter(%q) = %v", bad, ParseRetryAfter(bad))
		}
	}
}

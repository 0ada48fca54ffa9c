package deckhand

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an Error for transport mapping and retry decisions.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindAuthRequired  Kind = "auth_required"
	KindForbidden     Kind = "forbidden"
	KindRateLimited   Kind = "rate_limited"
	KindExternalCloud Kind = "external_cloud"
	KindLanguageModel Kind = "language_model"
	KindDatabase      Kind = "database"
	KindInternal      Kind = "internal"
)

// Error is the runtime error type. Message is a sanitized single line safe
// to return to callers; Context carries structured detail (never secrets,
// never raw upstream bodies); the wrapped cause stays internal and only
// surfaces through logs.
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any

	// Transient marks failures worth retrying (HTTP 5xx, timeouts).
	// Rate-limit errors are always retry candidates regardless.
	Transient bool
	// RetryAfter is the provider-suggested backoff, zero when unknown.
	RetryAfter time.Duration

	cause error
}

// E creates an Error with the given kind and sanitized message.
func E(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Errorf creates an Error with a formatted sanitized message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause chain to errors.Is / errors.As.
func (e *Error) Unwrap() error { return e.cause }

// With adds one structured context entry and returns the same error.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 4)
	}
	e.Context[key] = value
	return e
}

// Wrap attaches the underlying cause and returns the same error.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors are Internal; nil has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error kind to its transport status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthRequired:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindExternalCloud, KindLanguageModel:
		return http.StatusBadGateway
	case KindDatabase:
		return http.StatusServiceUnavailable
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether err is a transient failure the retry policy
// may replay: rate limits always, external-cloud and language-model
// failures only when marked transient. Everything else is permanent.
func Retryable(err error) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	switch de.Kind {
	case KindRateLimited:
		return true
	case KindExternalCloud, KindLanguageModel:
		return de.Transient
	default:
		return false
	}
}

// RetryAfterOf returns the provider-suggested backoff from err, if any.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// ParseRetryAfter parses a Retry-After header value (delta seconds only;
// HTTP dates are rare from LLM providers and not worth the dependency).
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

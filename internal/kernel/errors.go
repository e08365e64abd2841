package kernel

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies every failure the kernel can hand back. Nothing else
// ever reaches a caller.
type Kind string

const (
	KindUnauthenticated          Kind = "unauthenticated"
	KindForbidden                Kind = "forbidden"
	KindUnknownAction            Kind = "unknown_action"
	KindInvalidInput             Kind = "invalid_input"
	KindIdempotencyConflict      Kind = "idempotency_conflict"
	KindRateLimited              Kind = "rate_limited"
	KindCeilingExceeded          Kind = "ceiling_exceeded"
	KindInvalidVerificationToken Kind = "invalid_verification_token"
	KindTimeout                  Kind = "timeout"
	KindInternal                 Kind = "internal"
)

// Wire codes. These match what callers key automation off, so they are
// stable even where the human message is not.
const (
	CodeInvalidAPIKey            = "INVALID_API_KEY"
	CodeScopeDenied              = "SCOPE_DENIED"
	CodePolicyBlocked            = "POLICY_BLOCKED"
	CodeNotFound                 = "NOT_FOUND"
	CodeValidationError          = "VALIDATION_ERROR"
	CodeIdempotencyConflict      = "IDEMPOTENCY_CONFLICT"
	CodeIdempotencyInFlight      = "IDEMPOTENCY_IN_FLIGHT"
	CodeRateLimited              = "RATE_LIMITED"
	CodeCeilingExceeded          = "CEILING_EXCEEDED"
	CodeInvalidVerificationToken = "INVALID_VERIFICATION_TOKEN"
	CodeTimeout                  = "TIMEOUT"
	CodeInternal                 = "INTERNAL_ERROR"
	// CodeIdempotentReplay marks audit entries for cache hits; it is an
	// outcome annotation, not a failure.
	CodeIdempotentReplay = "IDEMPOTENT_REPLAY"
)

// Error is the structured failure shape: kind for classification, code for
// machines, message for humans, detail for hints like retry-after.
type Error struct {
	Kind    Kind           `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Detail  map[string]any `json:"detail,omitempty"`

	// RetryAfter is surfaced for quota rejections; also mirrored into
	// Detail so it travels on the wire.
	RetryAfter time.Duration `json:"-"`

	cause error
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Status maps the kind onto the response status classes. Policy and quota
// rejections are denials; broken requests and broken backends are errors.
func (e *Error) Status() string {
	switch e.Kind {
	case KindUnauthenticated, KindForbidden, KindIdempotencyConflict,
		KindRateLimited, KindCeilingExceeded, KindInvalidVerificationToken:
		return StatusDenied
	default:
		return StatusError
	}
}

func (e *Error) withDetail(k string, v any) *Error {
	if e.Detail == nil {
		e.Detail = map[string]any{}
	}
	e.Detail[k] = v
	return e
}

func ErrUnauthenticated() *Error {
	return &Error{Kind: KindUnauthenticated, Code: CodeInvalidAPIKey, Message: "invalid or unknown credential"}
}

func ErrForbidden(missingScope string) *Error {
	e := &Error{Kind: KindForbidden, Code: CodeScopeDenied,
		Message: fmt.Sprintf("missing required scope %q", missingScope)}
	return e.withDetail("missing_scope", missingScope)
}

func ErrPolicyBlocked(reasons []string) *Error {
	e := &Error{Kind: KindForbidden, Code: CodePolicyBlocked, Message: "blocked by tenant guard policy"}
	if len(reasons) > 0 {
		e.withDetail("reasons", reasons)
	}
	return e
}

func ErrUnknownAction(name string) *Error {
	return &Error{Kind: KindUnknownAction, Code: CodeNotFound,
		Message: fmt.Sprintf("unknown action %q", name)}
}

func ErrInvalidInput(msg string) *Error {
	return &Error{Kind: KindInvalidInput, Code: CodeValidationError, Message: msg}
}

func ErrIdempotencyConflict() *Error {
	return &Error{Kind: KindIdempotencyConflict, Code: CodeIdempotencyConflict,
		Message: "idempotency key was already used with a different request"}
}

func ErrIdempotencyInFlight() *Error {
	return &Error{Kind: KindIdempotencyConflict, Code: CodeIdempotencyInFlight,
		Message: "an identical request is still in flight"}
}

func ErrRateLimited(dimension, window string, retryAfter time.Duration) *Error {
	e := &Error{Kind: KindRateLimited, Code: CodeRateLimited,
		Message:    fmt.Sprintf("rate limit exceeded for %s (%s window)", dimension, window),
		RetryAfter: retryAfter}
	e.withDetail("dimension", dimension)
	e.withDetail("window", window)
	e.withDetail("retry_after_seconds", ceilSeconds(retryAfter))
	return e
}

func ErrCeilingExceeded(retryAfter time.Duration) *Error {
	e := &Error{Kind: KindCeilingExceeded, Code: CodeCeilingExceeded,
		Message:    "absolute request ceiling exceeded",
		RetryAfter: retryAfter}
	e.withDetail("retry_after_seconds", ceilSeconds(retryAfter))
	return e
}

func ErrInvalidVerificationToken() *Error {
	return &Error{Kind: KindInvalidVerificationToken, Code: CodeInvalidVerificationToken,
		Message: "verification token is invalid, expired or already used"}
}

func ErrTimeout() *Error {
	return &Error{Kind: KindTimeout, Code: CodeTimeout, Message: "request deadline exceeded"}
}

// ErrInternal keeps the cause for logs but shows callers a fixed message.
func ErrInternal(cause error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: "internal error", cause: cause}
}

// AsError extracts a kernel error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func ceilSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	s := int64(d / time.Second)
	if d%time.Second != 0 {
		s++
	}
	return s
}

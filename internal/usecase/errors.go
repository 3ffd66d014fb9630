package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	// ErrorInvalidInput covers empty or oversized content and exhausted chats.
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrorInvalidQuestion is content rejected by moderation.
	ErrorInvalidQuestion ErrorCode = "INVALID_QUESTION"
	ErrorRateLimited     ErrorCode = "RATE_LIMITED"
	ErrorUpstream        ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal        ErrorCode = "INTERNAL_ERROR"
)

// Error is returned by every failing chat turn. Reason is a stable snake_case
// tag safe to show to clients; Err carries the cause.
type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error by code, and by reason when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code && (t.Reason == "" || t.Reason == e.Reason)
}

// AsError unwraps err to a use-case *Error. Anything else is reported as an
// internal error with reason "unexpected_error".
func AsError(err error) *Error {
	var ucErr *Error
	if errors.As(err, &ucErr) && ucErr != nil {
		return ucErr
	}
	return newError(ErrorInternal, "unexpected_error", err)
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

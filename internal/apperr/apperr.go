// Package apperr defines the structured error shapes the query surface
// (C9) and scanner/loader boundary map onto the {code, message, details?,
// retryable} contract of spec §6/§7.
package apperr

import "fmt"

// Code is one of the RPC error codes named in spec §6.
type Code string

const (
	CodeSessionNotFound       Code = "session_not_found"
	CodeAmbiguousSessionPrefix Code = "ambiguous_session_prefix"
	CodeInvalidEventIndex     Code = "invalid_event_index"
	CodeInvalidCursor         Code = "invalid_cursor"
	CodeInvalidParameter      Code = "invalid_parameter"
	CodeSearchTimeout         Code = "search_timeout"
	CodeInternal              Code = "internal_error"
)

// Error is the structured, user-visible error shape every boundary
// operation returns on failure (spec §6, §7).
type Error struct {
	ErrCode   Code
	Message   string
	Details   map[string]any
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrCode, e.Message)
}

// New builds a non-retryable structured error.
func New(code Code, message string) *Error {
	return &Error{ErrCode: code, Message: message}
}

// Newf builds a non-retryable structured error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{ErrCode: code, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches structured details (e.g. ambiguous-prefix candidates).
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// SessionNotFound builds the structured error for an unresolvable session id.
func SessionNotFound(idOrPrefix string) *Error {
	return Newf(CodeSessionNotFound, "no session matches %q", idOrPrefix)
}

// AmbiguousPrefix builds the structured error for a prefix matching more
// than one session, listing every candidate id under details["matches"]
// (spec §3, §8 scenario 6). The list is not capped.
func AmbiguousPrefix(prefix string, candidates []string) *Error {
	return Newf(CodeAmbiguousSessionPrefix, "prefix %q matches %d sessions", prefix, len(candidates)).
		WithDetails(map[string]any{"matches": candidates})
}

// Internal wraps an unexpected internal error. Invariant violations are
// fatal to the current operation but never to the process (spec §7 kind 5).
func Internal(err error) *Error {
	return &Error{ErrCode: CodeInternal, Message: err.Error(), Retryable: true}
}

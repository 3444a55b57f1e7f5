package remote

import (
	"errors"
	"fmt"
)

// TransientError marks a failure worth retrying: network unreachable,
// timeout, or a 5xx from the server. The engine backs off and retries
// the same entry, and each failed attempt still counts toward the
// queue's retry limit.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient network error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ConflictError means the pushed version token was stale: another
// device updated the record first. Remote carries the server's current
// copy when the response included it; the engine fetches it otherwise.
type ConflictError struct {
	Table    string
	RecordID string
	Remote   *RemoteRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s/%s", e.Table, e.RecordID)
}

// AsConflict extracts a ConflictError from err, if present.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	ok := errors.As(err, &ce)
	return ce, ok
}

// AuthError means the session is invalid or expired. Sync pauses until
// the user re-authenticates; retrying would only burn attempts.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed (status %d)", e.Status)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// ValidationError means the server rejected the payload as malformed.
// Retrying the same payload cannot succeed, so the entry goes straight
// to the dead-letter set.
type ValidationError struct {
	Table    string
	RecordID string
	Message  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("server rejected %s/%s: %s", e.Table, e.RecordID, e.Message)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

package domain

import "fmt"

// State-integrity errors are fatal to the operation that raised them.
// They are surfaced verbatim to the caller and never auto-repaired.

// SessionCorruptedError indicates a session record that cannot be
// parsed or fails schema validation. It is never silently swallowed
// into a fresh session.
type SessionCorruptedError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *SessionCorruptedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session %s corrupted: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("session %s corrupted: %s", e.SessionID, e.Reason)
}

func (e *SessionCorruptedError) Unwrap() error { return e.Err }

// SessionPermissionError indicates a permission failure on the session
// directory or one of its records.
type SessionPermissionError struct {
	Path string
	Err  error
}

func (e *SessionPermissionError) Error() string {
	return fmt.Sprintf(
		"permission denied on %s: %v (check ownership and mode of the session directory)",
		e.Path, e.Err,
	)
}

func (e *SessionPermissionError) Unwrap() error { return e.Err }

// ConcurrentSessionError indicates an in-progress session already
// exists for the same normalized source directory.
type ConcurrentSessionError struct {
	SourceDirectory string
	SessionID       string
}

func (e *ConcurrentSessionError) Error() string {
	return fmt.Sprintf(
		"session %s is already in progress for %s (complete or resume it first)",
		e.SessionID, e.SourceDirectory,
	)
}

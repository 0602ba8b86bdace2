// Package domain defines the core entities of the document-processing
// orchestrator: sessions (one run over a source directory), per-file
// outcome records, and the runtime-facing job model.
package domain

import "time"

// CurrentSchemaVersion is the session record version written on save.
// Readers reject versions newer than this and migrate older ones.
const CurrentSchemaVersion = 2

// SessionStatus represents the lifecycle state of a processing run.
type SessionStatus string

const (
	SessionInProgress  SessionStatus = "in_progress"
	SessionInterrupted SessionStatus = "interrupted"
	SessionCompleted   SessionStatus = "completed"
	SessionFailed      SessionStatus = "failed"
)

// ErrorCategory classifies a per-file failure for recovery purposes.
type ErrorCategory string

const (
	// CategoryRecoverable failures are eligible for automatic retry
	// up to the configured ceiling.
	CategoryRecoverable ErrorCategory = "recoverable"

	// CategoryPermanent failures are never retried and are quarantine
	// candidates.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryRequiresConfig failures are surfaced with a suggestion
	// but left for a manual retry with adjusted settings.
	CategoryRequiresConfig ErrorCategory = "requires_config"
)

// Statistics holds the running counters for a session. The processed
// and failed counts mirror the record list lengths at every persisted
// snapshot.
type Statistics struct {
	TotalFiles     int `json:"total_files"`
	ProcessedCount int `json:"processed_count"`
	FailedCount    int `json:"failed_count"`
	SkippedCount   int `json:"skipped_count"`
}

// ProcessedFileRecord describes one successfully processed file.
type ProcessedFileRecord struct {
	Path       string    `json:"path"`
	OutputPath string    `json:"output_path"`
	FileHash   string    `json:"file_hash"`
	Timestamp  time.Time `json:"timestamp"`
}

// FailedFileRecord describes one failed file together with its
// recovery classification.
type FailedFileRecord struct {
	Path         string        `json:"path"`
	ErrorType    string        `json:"error_type"`
	ErrorMessage string        `json:"error_message"`
	Timestamp    time.Time     `json:"timestamp"`
	RetryCount   int           `json:"retry_count"`
	Category     ErrorCategory `json:"category"`
	Suggestion   string        `json:"suggestion,omitempty"`
	StackTrace   string        `json:"stack_trace,omitempty"`
	Quarantined  bool          `json:"quarantined,omitempty"`
}

// Session represents one processing run over a source directory.
// It is mutated only by the worker that owns its bound job, always
// through the session manager so every mutation is persisted.
type Session struct {
	SessionID       string                `json:"session_id"`
	SchemaVersion   int                   `json:"schema_version"`
	Status          SessionStatus         `json:"status"`
	SourceDirectory string                `json:"source_directory"`
	OutputDirectory string                `json:"output_directory"`
	StartedAt       time.Time             `json:"started_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Configuration   map[string]string     `json:"configuration,omitempty"`
	Statistics      Statistics            `json:"statistics"`
	ProcessedFiles  []ProcessedFileRecord `json:"processed_files"`
	FailedFiles     []FailedFileRecord    `json:"failed_files"`

	// Set when the session is moved into the archive namespace.
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// FindFailed returns the failed-file record for path, or nil.
func (s *Session) FindFailed(path string) *FailedFileRecord {
	for i := range s.FailedFiles {
		if s.FailedFiles[i].Path == path {
			return &s.FailedFiles[i]
		}
	}
	return nil
}

// Incomplete reports whether the session can still make progress.
func (s *Session) Incomplete() bool {
	return s.Status == SessionInProgress || s.Status == SessionInterrupted
}

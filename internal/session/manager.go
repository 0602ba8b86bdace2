package session

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docflow-io/docflow/internal/core/domain"
)

// Canonical quarantine folder for files that cannot be placed relative
// to their source directory.
const unclassifiedDir = "unclassified"

// Config holds session manager settings.
type Config struct {
	SessionDir    string
	QuarantineDir string
	MaxRetries    int
	RetentionDays int
}

// Manager is the authoritative state machine for a run. All session
// mutations go through it so that every mutation is persisted; callers
// never edit a session and skip persistence.
type Manager struct {
	store         *Store
	quarantineDir string
	maxRetries    int
	retentionDays int
	now           func() time.Time
}

// NewManager creates a session manager backed by an on-disk store.
func NewManager(cfg Config) (*Manager, error) {
	store, err := NewStore(cfg.SessionDir)
	if err != nil {
		return nil, err
	}
	if err := store.CleanupTempFiles(); err != nil {
		return nil, err
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = 7
	}
	quarantine := cfg.QuarantineDir
	if quarantine == "" {
		quarantine = filepath.Join(cfg.SessionDir, "quarantine")
	}

	return &Manager{
		store:         store,
		quarantineDir: quarantine,
		maxRetries:    maxRetries,
		retentionDays: retention,
		now:           time.Now,
	}, nil
}

// Store exposes the underlying record store for read-side consumers
// (listing, archive pruning).
func (m *Manager) Store() *Store { return m.store }

// MaxRetries returns the configured retry ceiling.
func (m *Manager) MaxRetries() int { return m.maxRetries }

// NormalizePath resolves a source directory to its canonical absolute
// form, the identity under which concurrent sessions are detected.
func NormalizePath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to normalize path %s: %w", dir, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}

// Start begins a new run. It fails with ConcurrentSessionError if an
// in-progress session already exists for the normalized source
// directory, and persists the new session before returning it.
func (m *Manager) Start(sourceDir string, totalFiles int, configuration map[string]string) (*domain.Session, error) {
	norm, err := NormalizePath(sourceDir)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.List()
	if err != nil {
		return nil, err
	}
	for _, s := range existing {
		if s.Status == domain.SessionInProgress && s.SourceDirectory == norm {
			return nil, &domain.ConcurrentSessionError{SourceDirectory: norm, SessionID: s.SessionID}
		}
	}

	now := m.now().UTC()
	sess := &domain.Session{
		SessionID:       uuid.NewString(),
		SchemaVersion:   domain.CurrentSchemaVersion,
		Status:          domain.SessionInProgress,
		SourceDirectory: norm,
		StartedAt:       now,
		UpdatedAt:       now,
		Configuration:   configuration,
		Statistics:      domain.Statistics{TotalFiles: totalFiles},
		ProcessedFiles:  []domain.ProcessedFileRecord{},
		FailedFiles:     []domain.FailedFileRecord{},
	}
	if out, ok := configuration["output_directory"]; ok {
		sess.OutputDirectory = out
	}

	if err := m.store.Save(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Load returns the live session with the given id.
func (m *Manager) Load(id string) (*domain.Session, error) {
	return m.store.Load(id)
}

func (m *Manager) persist(sess *domain.Session) error {
	sess.UpdatedAt = m.now().UTC()
	return m.store.Save(sess)
}

// RecordProcessedFile appends a processed-file record, updates the
// statistics and persists the session.
func (m *Manager) RecordProcessedFile(sess *domain.Session, path, outputPath, hash string) error {
	sess.ProcessedFiles = append(sess.ProcessedFiles, domain.ProcessedFileRecord{
		Path:       path,
		OutputPath: outputPath,
		FileHash:   hash,
		Timestamp:  m.now().UTC(),
	})
	sess.Statistics.ProcessedCount = len(sess.ProcessedFiles)
	return m.persist(sess)
}

// RecordFailedFile appends or refreshes a failed-file record, updates
// the statistics and persists the session. A repeat failure for the
// same path keeps its retry count.
func (m *Manager) RecordFailedFile(
	sess *domain.Session,
	path, errType, message string,
	category domain.ErrorCategory,
	suggestion, stackTrace string,
) error {
	if rec := sess.FindFailed(path); rec != nil {
		rec.ErrorType = errType
		rec.ErrorMessage = message
		rec.Category = category
		rec.Suggestion = suggestion
		rec.StackTrace = stackTrace
		rec.Timestamp = m.now().UTC()
	} else {
		sess.FailedFiles = append(sess.FailedFiles, domain.FailedFileRecord{
			Path:         path,
			ErrorType:    errType,
			ErrorMessage: message,
			Timestamp:    m.now().UTC(),
			Category:     category,
			Suggestion:   suggestion,
			StackTrace:   stackTrace,
		})
	}
	sess.Statistics.FailedCount = len(sess.FailedFiles)
	return m.persist(sess)
}

// RecordSkippedFile bumps the skipped counter and persists.
func (m *Manager) RecordSkippedFile(sess *domain.Session) error {
	sess.Statistics.SkippedCount++
	return m.persist(sess)
}

// ClearFailedFile removes the failed record for a path after a
// successful retry, keeping the statistics in step.
func (m *Manager) ClearFailedFile(sess *domain.Session, path string) error {
	kept := sess.FailedFiles[:0]
	for _, rec := range sess.FailedFiles {
		if rec.Path != path {
			kept = append(kept, rec)
		}
	}
	sess.FailedFiles = kept
	sess.Statistics.FailedCount = len(sess.FailedFiles)
	return m.persist(sess)
}

// IncrementRetryCount bumps the retry counter on the matching failed
// record. An unknown path is a no-op.
func (m *Manager) IncrementRetryCount(sess *domain.Session, path string) error {
	rec := sess.FindFailed(path)
	if rec == nil {
		return nil
	}
	rec.RetryCount++
	return m.persist(sess)
}

// CanRetry reports whether the failed record for path is still
// eligible for automatic retry. Permanent and quarantined failures,
// and records at the retry ceiling, are not.
func (m *Manager) CanRetry(sess *domain.Session, path string) bool {
	rec := sess.FindFailed(path)
	if rec == nil {
		return false
	}
	if rec.Category == domain.CategoryPermanent || rec.Quarantined {
		return false
	}
	return rec.RetryCount < m.maxRetries
}

// QuarantineFile copies the source file into the quarantine tree,
// mirroring its path relative to the source directory, and marks its
// failed record as excluded from future retry.
func (m *Manager) QuarantineFile(sess *domain.Session, path string) error {
	rel, err := filepath.Rel(sess.SourceDirectory, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Join(unclassifiedDir, filepath.Base(path))
	}
	dst := filepath.Join(m.quarantineDir, rel)

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create quarantine directory: %w", err)
	}
	if err := copyFile(path, dst); err != nil {
		return fmt.Errorf("failed to quarantine %s: %w", path, err)
	}

	if rec := sess.FindFailed(path); rec != nil {
		rec.Quarantined = true
	}
	return m.persist(sess)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	// An earlier copy of the same file is read-only and would refuse
	// the truncating open.
	if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, 0o444)
}

// Complete terminates the run. A fully successful session is deleted;
// one with failures is archived with its failure details intact. This
// is the only way a run leaves in_progress.
func (m *Manager) Complete(sess *domain.Session) error {
	if sess.Statistics.FailedCount == 0 {
		sess.Status = domain.SessionCompleted
		return m.store.Delete(sess.SessionID)
	}
	sess.Status = domain.SessionFailed
	sess.UpdatedAt = m.now().UTC()
	return m.store.Archive(sess, m.retentionDays)
}

// Resume puts an interrupted session back in progress.
func (m *Manager) Resume(sess *domain.Session) error {
	sess.Status = domain.SessionInProgress
	return m.persist(sess)
}

// MarkInterrupted flags a session that lost its worker without
// reaching a terminal state, and persists it for later resume.
func (m *Manager) MarkInterrupted(sess *domain.Session) error {
	sess.Status = domain.SessionInterrupted
	return m.persist(sess)
}

// Interrupt archives a cancelled run so it is not left in_progress.
func (m *Manager) Interrupt(sess *domain.Session) error {
	sess.Status = domain.SessionInterrupted
	sess.UpdatedAt = m.now().UTC()
	return m.store.Archive(sess, m.retentionDays)
}

// FindIncompleteSession returns the most recently updated in-progress
// or interrupted session for the normalized source directory, or nil
// if there is none.
func (m *Manager) FindIncompleteSession(sourceDir string) (*domain.Session, error) {
	norm, err := NormalizePath(sourceDir)
	if err != nil {
		return nil, err
	}

	sessions, err := m.store.List()
	if err != nil {
		return nil, err
	}

	var latest *domain.Session
	for _, s := range sessions {
		if !s.Incomplete() || s.SourceDirectory != norm {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	return latest, nil
}

// FindOrphanedSessions returns incomplete sessions with no progress
// within maxAge. It does not mutate state.
func (m *Manager) FindOrphanedSessions(maxAge time.Duration) ([]*domain.Session, error) {
	sessions, err := m.store.List()
	if err != nil {
		return nil, err
	}

	cutoff := m.now().UTC().Add(-maxAge)
	var orphaned []*domain.Session
	for _, s := range sessions {
		if s.Incomplete() && s.UpdatedAt.Before(cutoff) {
			orphaned = append(orphaned, s)
		}
	}
	return orphaned, nil
}

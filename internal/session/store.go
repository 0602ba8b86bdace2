// Package session owns the durable run state: a crash-safe store of
// session records and the manager that drives the run lifecycle.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
)

var (
	// ErrSessionNotFound is returned when no record exists for an id.
	ErrSessionNotFound = errors.New("session not found")
)

const (
	recordExt  = ".json"
	tempSuffix = ".tmp"
	archiveDir = "archive"
)

// Store persists sessions as one JSON record per session id. Writes go
// through a temp file, fsync and an atomic rename, so a reader never
// observes a partially written record.
type Store struct {
	dir string
}

// NewStore creates the session and archive directories if needed.
func NewStore(dir string) (*Store, error) {
	for _, d := range []string{dir, filepath.Join(dir, archiveDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			if os.IsPermission(err) {
				return nil, &domain.SessionPermissionError{Path: d, Err: err}
			}
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the root session directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) recordPath(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

func (s *Store) archivePath(id string) string {
	return filepath.Join(s.dir, archiveDir, id+recordExt)
}

// Save writes the session record atomically. Stale temp artifacts from
// earlier failed writes are removed first.
func (s *Store) Save(sess *domain.Session) error {
	_ = s.CleanupTempFiles()
	return writeRecord(s.recordPath(sess.SessionID), sess)
}

func writeRecord(path string, sess *domain.Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", sess.SessionID, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), sess.SessionID+"-*"+tempSuffix)
	if err != nil {
		if os.IsPermission(err) {
			return &domain.SessionPermissionError{Path: filepath.Dir(path), Err: err}
		}
		return fmt.Errorf("failed to create temp record: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp record: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		if os.IsPermission(err) {
			return &domain.SessionPermissionError{Path: path, Err: err}
		}
		return fmt.Errorf("failed to replace session record: %w", err)
	}
	return nil
}

// Load reads and validates the session record for id. A record that
// cannot be parsed, fails validation, or declares an unknown schema
// version surfaces as SessionCorruptedError, never as a fresh session.
func (s *Store) Load(id string) (*domain.Session, error) {
	return loadRecord(s.recordPath(id), id)
}

// LoadArchived reads a session from the archive namespace.
func (s *Store) LoadArchived(id string) (*domain.Session, error) {
	return loadRecord(s.archivePath(id), id)
}

func loadRecord(path, id string) (*domain.Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		if os.IsPermission(err) {
			return nil, &domain.SessionPermissionError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	return decodeRecord(data, id)
}

func decodeRecord(data []byte, id string) (*domain.Session, error) {
	var header struct {
		SchemaVersion int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, &domain.SessionCorruptedError{SessionID: id, Reason: "invalid JSON", Err: err}
	}

	switch {
	case header.SchemaVersion == domain.CurrentSchemaVersion:
		var sess domain.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return nil, &domain.SessionCorruptedError{SessionID: id, Reason: "invalid record", Err: err}
		}
		if err := validateRecord(&sess); err != nil {
			return nil, &domain.SessionCorruptedError{SessionID: id, Reason: err.Error()}
		}
		return &sess, nil
	case header.SchemaVersion == 1:
		return migrateV1(data, id)
	default:
		return nil, &domain.SessionCorruptedError{
			SessionID: id,
			Reason:    fmt.Sprintf("unsupported schema version %d", header.SchemaVersion),
		}
	}
}

func validateRecord(sess *domain.Session) error {
	if sess.SessionID == "" {
		return errors.New("missing session_id")
	}
	if sess.SourceDirectory == "" {
		return errors.New("missing source_directory")
	}
	switch sess.Status {
	case domain.SessionInProgress, domain.SessionInterrupted,
		domain.SessionCompleted, domain.SessionFailed:
	default:
		return fmt.Errorf("unknown status %q", sess.Status)
	}
	if sess.Statistics.ProcessedCount != len(sess.ProcessedFiles) {
		return fmt.Errorf("processed_count %d does not match %d records",
			sess.Statistics.ProcessedCount, len(sess.ProcessedFiles))
	}
	if sess.Statistics.FailedCount != len(sess.FailedFiles) {
		return fmt.Errorf("failed_count %d does not match %d records",
			sess.Statistics.FailedCount, len(sess.FailedFiles))
	}
	return nil
}

// migrateV1 upgrades a version-1 record: v1 had no skipped_count and
// kept the run options under a "settings" key.
func migrateV1(data []byte, id string) (*domain.Session, error) {
	var v1 struct {
		domain.Session
		Settings map[string]string `json:"settings"`
	}
	if err := json.Unmarshal(data, &v1); err != nil {
		return nil, &domain.SessionCorruptedError{SessionID: id, Reason: "invalid v1 record", Err: err}
	}

	sess := v1.Session
	sess.SchemaVersion = domain.CurrentSchemaVersion
	if sess.Configuration == nil {
		sess.Configuration = v1.Settings
	}
	if err := validateRecord(&sess); err != nil {
		return nil, &domain.SessionCorruptedError{SessionID: id, Reason: err.Error()}
	}
	return &sess, nil
}

// Delete removes a session record.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.recordPath(id)); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}

// Archive moves the record into the archive namespace, stamping it with
// archival and expiry times. Archived records are written read-only.
func (s *Store) Archive(sess *domain.Session, retentionDays int) error {
	now := time.Now().UTC()
	expires := now.AddDate(0, 0, retentionDays)
	sess.ArchivedAt = &now
	sess.ExpiresAt = &expires

	dst := s.archivePath(sess.SessionID)
	if err := writeRecord(dst, sess); err != nil {
		return err
	}
	_ = os.Chmod(dst, 0o444)

	if err := os.Remove(s.recordPath(sess.SessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove archived session original: %w", err)
	}
	return nil
}

// DeleteArchived removes a record from the archive namespace.
func (s *Store) DeleteArchived(id string) error {
	path := s.archivePath(id)
	_ = os.Chmod(path, 0o644)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to delete archived session: %w", err)
	}
	return nil
}

// List returns all live (non-archived) session records.
func (s *Store) List() ([]*domain.Session, error) {
	return s.listDir(s.dir)
}

// ListArchived returns all archived session records.
func (s *Store) ListArchived() ([]*domain.Session, error) {
	return s.listDir(filepath.Join(s.dir, archiveDir))
}

func (s *Store) listDir(dir string) ([]*domain.Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsPermission(err) {
			return nil, &domain.SessionPermissionError{Path: dir, Err: err}
		}
		return nil, fmt.Errorf("failed to list session directory: %w", err)
	}

	var sessions []*domain.Session
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordExt) {
			continue
		}
		id := strings.TrimSuffix(e.Name(), recordExt)
		sess, err := loadRecord(filepath.Join(dir, e.Name()), id)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// PruneArchive removes archived records whose retention has expired.
// It returns the number of records removed.
func (s *Store) PruneArchive(now time.Time) (int, error) {
	archived, err := s.ListArchived()
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, sess := range archived {
		if sess.ExpiresAt == nil || sess.ExpiresAt.After(now) {
			continue
		}
		if err := s.DeleteArchived(sess.SessionID); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

// CleanupTempFiles removes stale temp artifacts from failed writes.
// It is idempotent and safe to call before any read. Temps younger
// than a minute are left alone: another worker may still be writing.
func (s *Store) CleanupTempFiles() error {
	cutoff := time.Now().Add(-time.Minute)
	for _, dir := range []string{s.dir, filepath.Join(s.dir, archiveDir)} {
		matches, err := filepath.Glob(filepath.Join(dir, "*"+tempSuffix))
		if err != nil {
			return err
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove temp artifact %s: %w", m, err)
			}
		}
	}
	return nil
}

package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	mgr, err := NewManager(Config{
		SessionDir:    filepath.Join(dir, "sessions"),
		QuarantineDir: filepath.Join(dir, "quarantine"),
		MaxRetries:    3,
		RetentionDays: 7,
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	source := filepath.Join(dir, "inbox")
	if err := os.MkdirAll(source, 0o755); err != nil {
		t.Fatal(err)
	}
	return mgr, source
}

// ====================================================================
// Lifecycle
// ====================================================================

func TestManager_StartPersistsImmediately(t *testing.T) {
	mgr, source := newTestManager(t)

	sess, err := mgr.Start(source, 5, map[string]string{"output_directory": "/out"})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if sess.OutputDirectory != "/out" {
		t.Errorf("expected output directory from configuration, got %q", sess.OutputDirectory)
	}

	loaded, err := mgr.Load(sess.SessionID)
	if err != nil {
		t.Fatalf("session not persisted at start: %v", err)
	}
	if loaded.Status != domain.SessionInProgress {
		t.Errorf("expected in_progress, got %s", loaded.Status)
	}
	if loaded.Statistics.TotalFiles != 5 {
		t.Errorf("expected total 5, got %d", loaded.Statistics.TotalFiles)
	}
}

func TestManager_ConcurrentSessionRejected(t *testing.T) {
	mgr, source := newTestManager(t)

	first, err := mgr.Start(source, 1, nil)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	_, err = mgr.Start(source, 1, nil)
	var concurrent *domain.ConcurrentSessionError
	if !errors.As(err, &concurrent) {
		t.Fatalf("expected ConcurrentSessionError, got %v", err)
	}
	if concurrent.SessionID != first.SessionID {
		t.Errorf("error should name the blocking session, got %q", concurrent.SessionID)
	}

	// Terminal first run releases the directory.
	if err := mgr.Complete(first); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := mgr.Start(source, 1, nil); err != nil {
		t.Errorf("expected start to succeed after completion, got %v", err)
	}
}

func TestManager_CompleteDeletesCleanRun(t *testing.T) {
	mgr, source := newTestManager(t)
	sess, _ := mgr.Start(source, 1, nil)
	if err := mgr.RecordProcessedFile(sess, "/a.pdf", "/out/a.md", "h1"); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Complete(sess); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if _, err := mgr.Load(sess.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("clean run should leave no record, got %v", err)
	}
	if _, err := mgr.Store().LoadArchived(sess.SessionID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("clean run should not be archived, got %v", err)
	}
}

func TestManager_CompleteArchivesFailedRun(t *testing.T) {
	mgr, source := newTestManager(t)
	sess, _ := mgr.Start(source, 2, nil)
	if err := mgr.RecordProcessedFile(sess, "/a.pdf", "/out/a.md", "h1"); err != nil {
		t.Fatal(err)
	}
	if err := mgr.RecordFailedFile(sess, "/b.pdf", "timeout", "timed out",
		domain.CategoryRecoverable, "", ""); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Complete(sess); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	archived, err := mgr.Store().LoadArchived(sess.SessionID)
	if err != nil {
		t.Fatalf("failed run must be archived: %v", err)
	}
	if archived.Status != domain.SessionFailed {
		t.Errorf("expected failed status, got %s", archived.Status)
	}
	if len(archived.FailedFiles) != 1 {
		t.Errorf("failure details must survive archiving, got %d records", len(archived.FailedFiles))
	}
}

// ====================================================================
// Record invariants
// ====================================================================

func TestManager_CountsMirrorLists(t *testing.T) {
	mgr, source := newTestManager(t)
	sess, _ := mgr.Start(source, 3, nil)

	_ = mgr.RecordProcessedFile(sess, "/a.pdf", "/out/a.md", "h1")
	_ = mgr.RecordFailedFile(sess, "/b.pdf", "timeout", "timed out", domain.CategoryRecoverable, "", "")
	_ = mgr.RecordFailedFile(sess, "/c.pdf", "corrupt", "not a valid pdf", domain.CategoryPermanent, "", "")

	loaded, err := mgr.Load(sess.SessionID)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Statistics.ProcessedCount != len(loaded.ProcessedFiles) {
		t.Errorf("processed count %d != %d records", loaded.Statistics.ProcessedCount, len(loaded.ProcessedFiles))
	}
	if loaded.Statistics.FailedCount != len(loaded.FailedFiles) {
		t.Errorf("failed count %d != %d records", loaded.Statistics.FailedCount, len(loaded.FailedFiles))
	}

	if err := mgr.ClearFailedFile(sess, "/b.pdf"); err != nil {
		t.Fatal(err)
	}
	if sess.Statistics.FailedCount != 1 || len(sess.FailedFiles) != 1 {
		t.Errorf("clear must keep counts in step, got count=%d records=%d",
			sess.Statistics.FailedCount, len(sess.FailedFiles))
	}
}

func TestManager_RepeatFailureKeepsRetryCount(t *testing.T) {
	mgr, source := newTestManager(t)
	sess, _ := mgr.Start(source, 1, nil)

	_ = mgr.RecordFailedFile(sess, "/a.pdf", "timeout", "timed out", domain.CategoryRecoverable, "", "")
	_ = mgr.IncrementRetryCount(sess, "/a.pdf")
	_ = mgr.IncrementRetryCount(sess, "/a.pdf")
	_ = mgr.RecordFailedFile(sess, "/a.pdf", "io_error", "connection reset", domain.CategoryRecoverable, "", "")

	rec := sess.FindFailed("/a.pdf")
	if rec == nil {
		t.Fatal("record missing")
	}
	if rec.RetryCount != 2 {
		t.Errorf("repeat failure must keep retry count, got %d", rec.RetryCount)
	}
	if rec.ErrorType != "io_error" {
		t.Errorf("repeat failure must refresh the error, got %q", rec.ErrorType)
	}
	if sess.Statistics.FailedCount != 1 {
		t.Errorf("same path must not duplicate records, count=%d", sess.Statistics.FailedCount)
	}
}

func TestManager_IncrementRetryUnknownPathIsNoop(t *testing.T) {
	mgr, source := newTestManager(t)
	sess, _ := mgr.Start(source, 1, nil)

	if err := mgr.IncrementRetryCount(sess, "/never-failed.pdf"); err != nil {
		t.Errorf("unknown path must be a no-op, got %v", err)
	}
}

// ====================================================================
// Retry eligibility
// ====================================================================

func TestManager_CanRetry(t *testing.T) {
	mgr, source := newTestManager(t)
	sess, _ := mgr.Start(source, 3, nil)

	_ = mgr.RecordFailedFile(sess, "/r.pdf", "timeout", "timed out", domain.CategoryRecoverable, "", "")
	_ = mgr.RecordFailedFile(sess, "/p.pdf", "encrypted", "password required", domain.CategoryPermanent, "", "")

	if !mgr.CanRetry(sess, "/r.pdf") {
		t.Error("recoverable failure below ceiling must be retryable")
	}
	if mgr.CanRetry(sess, "/p.pdf") {
		t.Error("permanent failure must never be retryable")
	}
	if mgr.CanRetry(sess, "/missing.pdf") {
		t.Error("unknown path must not be retryable")
	}

	// Ceiling is exclusive: maxRetries attempts exhaust the budget.
	for i := 0; i < 3; i++ {
		if !mgr.CanRetry(sess, "/r.pdf") {
			t.Fatalf("attempt %d should still be allowed", i)
		}
		_ = mgr.IncrementRetryCount(sess, "/r.pdf")
	}
	if mgr.CanRetry(sess, "/r.pdf") {
		t.Error("retry ceiling reached, must not be retryable")
	}
}

// ====================================================================
// Quarantine
// ====================================================================

func TestManager_QuarantineMirrorsRelativePath(t *testing.T) {
	mgr, source := newTestManager(t)

	nested := filepath.Join(source, "sub")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatal(err)
	}
	victim := filepath.Join(nested, "bad.pdf")
	if err := os.WriteFile(victim, []byte("broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	sess, _ := mgr.Start(source, 1, nil)
	_ = mgr.RecordFailedFile(sess, victim, "corrupt", "not a valid pdf", domain.CategoryPermanent, "", "")

	if err := mgr.QuarantineFile(sess, victim); err != nil {
		t.Fatalf("QuarantineFile failed: %v", err)
	}

	copied := filepath.Join(mgr.quarantineDir, "sub", "bad.pdf")
	if _, err := os.Stat(copied); err != nil {
		t.Errorf("expected quarantine copy at %s: %v", copied, err)
	}
	if !sess.FindFailed(victim).Quarantined {
		t.Error("record must be marked quarantined")
	}
	if mgr.CanRetry(sess, victim) {
		t.Error("quarantined file must not be retryable")
	}
}

func TestManager_QuarantineSamePathTwice(t *testing.T) {
	mgr, source := newTestManager(t)

	victim := filepath.Join(source, "bad.pdf")
	if err := os.WriteFile(victim, []byte("broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	sess, _ := mgr.Start(source, 1, nil)
	_ = mgr.RecordFailedFile(sess, victim, "corrupt", "not a valid pdf", domain.CategoryPermanent, "", "")
	if err := mgr.QuarantineFile(sess, victim); err != nil {
		t.Fatalf("first QuarantineFile failed: %v", err)
	}

	// A later session failing the same relative path overwrites the
	// read-only copy instead of erroring out.
	if err := mgr.Complete(sess); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(victim, []byte("still broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	second, _ := mgr.Start(source, 1, nil)
	_ = mgr.RecordFailedFile(second, victim, "corrupt", "not a valid pdf", domain.CategoryPermanent, "", "")
	if err := mgr.QuarantineFile(second, victim); err != nil {
		t.Fatalf("re-quarantining the same path failed: %v", err)
	}

	copied := filepath.Join(mgr.quarantineDir, "bad.pdf")
	body, err := os.ReadFile(copied)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "still broken" {
		t.Errorf("quarantine copy not refreshed, got %q", body)
	}
	info, err := os.Stat(copied)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o444 {
		t.Errorf("quarantine copy should be read-only, got %v", info.Mode().Perm())
	}
}

func TestManager_QuarantineOutsideSourceGoesUnclassified(t *testing.T) {
	mgr, source := newTestManager(t)

	outside := filepath.Join(t.TempDir(), "stray.pdf")
	if err := os.WriteFile(outside, []byte("broken"), 0o644); err != nil {
		t.Fatal(err)
	}

	sess, _ := mgr.Start(source, 1, nil)
	_ = mgr.RecordFailedFile(sess, outside, "corrupt", "not a valid pdf", domain.CategoryPermanent, "", "")

	if err := mgr.QuarantineFile(sess, outside); err != nil {
		t.Fatalf("QuarantineFile failed: %v", err)
	}
	copied := filepath.Join(mgr.quarantineDir, "unclassified", "stray.pdf")
	if _, err := os.Stat(copied); err != nil {
		t.Errorf("expected unclassified quarantine copy at %s: %v", copied, err)
	}
}

// ====================================================================
// Discovery
// ====================================================================

func TestManager_FindIncompleteSession(t *testing.T) {
	mgr, source := newTestManager(t)

	sess, _ := mgr.Start(source, 2, nil)
	if err := mgr.MarkInterrupted(sess); err != nil {
		t.Fatal(err)
	}

	found, err := mgr.FindIncompleteSession(source)
	if err != nil {
		t.Fatalf("FindIncompleteSession failed: %v", err)
	}
	if found == nil || found.SessionID != sess.SessionID {
		t.Fatalf("expected session %s, got %+v", sess.SessionID, found)
	}

	other := filepath.Join(t.TempDir(), "elsewhere")
	if err := os.MkdirAll(other, 0o755); err != nil {
		t.Fatal(err)
	}
	none, err := mgr.FindIncompleteSession(other)
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Errorf("expected nil for unrelated directory, got %+v", none)
	}
}

func TestManager_FindOrphanedSessions(t *testing.T) {
	mgr, source := newTestManager(t)

	sess, _ := mgr.Start(source, 1, nil)
	if err := mgr.MarkInterrupted(sess); err != nil {
		t.Fatal(err)
	}

	// Fresh progress is not orphaned.
	orphans, err := mgr.FindOrphanedSessions(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 0 {
		t.Errorf("fresh session must not be orphaned, got %d", len(orphans))
	}

	mgr.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	orphans, err = mgr.FindOrphanedSessions(24 * time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(orphans) != 1 || orphans[0].SessionID != sess.SessionID {
		t.Errorf("expected the stale session as orphan, got %+v", orphans)
	}
}

package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/session"
)

// ErrNoRetryTarget is returned when the scope resolves to no session.
var ErrNoRetryTarget = errors.New("no session matches the retry scope")

// Scope selects which failures to retry: the most recently updated
// session, a specific session id, or a single file path within it.
type Scope struct {
	Last      bool
	SessionID string
	FilePath  string
}

// Submitter re-dispatches a filtered file set as a new sub-job bound
// to an existing session. The runtime implements it.
type Submitter interface {
	SubmitRetry(ctx context.Context, sess *domain.Session, files []string) (jobID string, err error)
}

// Outcome reports what a retry invocation actually did.
type Outcome struct {
	SessionID      string
	JobID          string
	Submitted      []string
	SkippedMissing []string
}

// Coordinator selects retryable failures from a session and
// re-submits them.
type Coordinator struct {
	sessions *session.Manager
	backoff  *ExponentialBackoff
	submit   Submitter
	log      *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

// NewCoordinator creates a retry coordinator.
func NewCoordinator(sessions *session.Manager, backoff *ExponentialBackoff, submit Submitter) *Coordinator {
	if backoff == nil {
		backoff = DefaultBackoff(sessions.MaxRetries())
	}
	return &Coordinator{
		sessions: sessions,
		backoff:  backoff,
		submit:   submit,
		log:      slog.Default(),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retryable filters a session's failures down to those still eligible
// for automatic retry: permanent, quarantined and retry-exhausted
// records are excluded.
func (c *Coordinator) Retryable(sess *domain.Session) []domain.FailedFileRecord {
	var out []domain.FailedFileRecord
	for _, rec := range sess.FailedFiles {
		if c.sessions.CanRetry(sess, rec.Path) {
			out = append(out, rec)
		}
	}
	return out
}

// Retry resolves the scope to a session and re-submits its retryable
// failures as one sub-job bound to the same session id. When
// withBackoff is set, each file waits out its exponential delay before
// being re-dispatched. A path not present in any failed list is a
// warning and a no-op, not a fault.
func (c *Coordinator) Retry(ctx context.Context, scope Scope, withBackoff bool) (*Outcome, error) {
	sess, err := c.resolve(scope)
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{SessionID: sess.SessionID}

	candidates := c.Retryable(sess)
	if scope.FilePath != "" {
		if sess.FindFailed(scope.FilePath) == nil {
			c.log.Warn("path not in any failed-file list, nothing to retry",
				"session_id", sess.SessionID, "path", scope.FilePath)
			outcome.SkippedMissing = append(outcome.SkippedMissing, scope.FilePath)
			return outcome, nil
		}
		filtered := candidates[:0]
		for _, rec := range candidates {
			if rec.Path == scope.FilePath {
				filtered = append(filtered, rec)
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		c.log.Info("no retryable failures", "session_id", sess.SessionID)
		return outcome, nil
	}

	for _, rec := range candidates {
		if withBackoff {
			if err := c.sleep(ctx, c.backoff.GetDelay(rec.RetryCount)); err != nil {
				return outcome, err
			}
		}
		outcome.Submitted = append(outcome.Submitted, rec.Path)
	}

	jobID, err := c.submit.SubmitRetry(ctx, sess, outcome.Submitted)
	if err != nil {
		// Nothing was dispatched, so the retry budget stays untouched.
		outcome.Submitted = nil
		return outcome, fmt.Errorf("failed to submit retry job: %w", err)
	}
	outcome.JobID = jobID

	for _, path := range outcome.Submitted {
		if err := c.sessions.IncrementRetryCount(sess, path); err != nil {
			return outcome, fmt.Errorf("failed to increment retry count for %s: %w", path, err)
		}
	}

	c.log.Info("retry submitted",
		"session_id", sess.SessionID, "job_id", jobID, "files", len(outcome.Submitted))
	return outcome, nil
}

// resolve maps the scope onto a live session. A session archived with
// failures is re-opened: moved back into the live namespace as
// interrupted so that retry bookkeeping can be persisted.
func (c *Coordinator) resolve(scope Scope) (*domain.Session, error) {
	store := c.sessions.Store()

	if scope.SessionID != "" {
		sess, err := c.sessions.Load(scope.SessionID)
		if errors.Is(err, session.ErrSessionNotFound) {
			sess, err = store.LoadArchived(scope.SessionID)
			if err != nil {
				return nil, err
			}
			return c.reopen(sess)
		}
		return sess, err
	}

	live, err := store.List()
	if err != nil {
		return nil, err
	}
	archived, err := store.ListArchived()
	if err != nil {
		return nil, err
	}

	var latest *domain.Session
	fromArchive := false
	for _, s := range live {
		if !s.Incomplete() {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
		}
	}
	for _, s := range archived {
		if s.Statistics.FailedCount == 0 {
			continue
		}
		if latest == nil || s.UpdatedAt.After(latest.UpdatedAt) {
			latest = s
			fromArchive = true
		}
	}
	if latest == nil {
		return nil, ErrNoRetryTarget
	}
	if fromArchive {
		return c.reopen(latest)
	}
	return latest, nil
}

func (c *Coordinator) reopen(sess *domain.Session) (*domain.Session, error) {
	id := sess.SessionID
	sess.Status = domain.SessionInterrupted
	sess.ArchivedAt = nil
	sess.ExpiresAt = nil
	if err := c.sessions.Store().Save(sess); err != nil {
		return nil, err
	}
	if err := c.sessions.Store().DeleteArchived(id); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		return nil, err
	}
	c.log.Info("re-opened archived session for retry", "session_id", id)
	return sess, nil
}

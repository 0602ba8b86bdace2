package runtime

import (
	"context"
	"fmt"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/metrics"
)

// Reconcile repairs state left behind by a crash or unclean shutdown:
// jobs stuck in running are requeued within their budget or failed
// with a reason, queued jobs are put back on the channel, and live
// sessions past the orphan age are marked interrupted.
func (r *Runtime) Reconcile(ctx context.Context) error {
	if err := r.reconcileRunning(ctx); err != nil {
		return err
	}
	if err := r.reconcileQueued(ctx); err != nil {
		return err
	}
	return r.reconcileOrphans()
}

func (r *Runtime) reconcileRunning(ctx context.Context) error {
	stuck, err := r.jobs.ListByStatus(ctx, domain.JobRunning)
	if err != nil {
		return fmt.Errorf("listing running jobs: %w", err)
	}

	for _, job := range stuck {
		if sess := r.loadJobSession(job); sess != nil && sess.Status == domain.SessionInProgress {
			if err := r.sessions.MarkInterrupted(sess); err != nil {
				r.log.Error("failed to interrupt orphaned session",
					"session_id", sess.SessionID, "error", err)
			}
		}

		if job.RequeueCount >= r.cfg.RequeueLimit {
			reason := fmt.Sprintf("found running after restart with requeue budget exhausted (%d)", job.RequeueCount)
			if err := r.jobs.MarkTerminal(ctx, job.ID, domain.JobFailed, reason); err != nil {
				return fmt.Errorf("failing stuck job %s: %w", job.ID, err)
			}
			r.appendEvent(ctx, job.ID, domain.EventReconcile, reason, "")
			r.reconcileFailed.Add(1)
			metrics.JobsFinished.WithLabelValues(string(domain.JobFailed)).Inc()
			r.log.Warn("stuck job failed during reconciliation", "job_id", job.ID)
			continue
		}

		if err := r.jobs.MarkRequeued(ctx, job.ID); err != nil {
			return fmt.Errorf("requeueing stuck job %s: %w", job.ID, err)
		}
		r.appendEvent(ctx, job.ID, domain.EventReconcile, "requeued after unclean shutdown", "")
		r.reconcileRequeued.Add(1)
		r.log.Info("stuck job requeued during reconciliation", "job_id", job.ID)
	}
	return nil
}

// reconcileQueued reloads persisted queued jobs onto the channel so
// work admitted before a restart is not lost. Jobs beyond channel
// capacity stay queued in the store and are reported.
func (r *Runtime) reconcileQueued(ctx context.Context) error {
	queued, err := r.jobs.ListByStatus(ctx, domain.JobQueued)
	if err != nil {
		return fmt.Errorf("listing queued jobs: %w", err)
	}

	for _, job := range queued {
		item := &queuedItem{job: job, sessionID: job.SessionID}
		select {
		case r.queue <- item:
		default:
			r.log.Warn("queue capacity reached while reloading persisted backlog",
				"job_id", job.ID, "backlog", len(queued))
			return nil
		}
	}
	if len(queued) > 0 {
		metrics.QueueBacklog.Set(float64(len(r.queue)))
		r.log.Info("reloaded persisted backlog", "jobs", len(queued))
	}
	return nil
}

func (r *Runtime) reconcileOrphans() error {
	orphans, err := r.sessions.FindOrphanedSessions(r.cfg.OrphanAge)
	if err != nil {
		return fmt.Errorf("scanning for orphaned sessions: %w", err)
	}
	for _, sess := range orphans {
		if err := r.sessions.MarkInterrupted(sess); err != nil {
			r.log.Error("failed to mark orphaned session interrupted",
				"session_id", sess.SessionID, "error", err)
			continue
		}
		r.log.Warn("orphaned session marked interrupted",
			"session_id", sess.SessionID, "source", sess.SourceDirectory)
	}
	return nil
}

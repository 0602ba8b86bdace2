package recovery

import (
	"context"
	"log/slog"
	"time"
)

// RequestSource hands out pending retry requests from an external
// queue. found is false when the queue is empty.
type RequestSource interface {
	Next(ctx context.Context) (scope Scope, found bool, err error)
}

// QueueWorker drains an external retry-request queue and feeds each
// request to the coordinator. It is an optional background loop; when
// no queue is configured it is never started.
type QueueWorker struct {
	source   RequestSource
	coord    *Coordinator
	interval time.Duration
	log      *slog.Logger
}

// NewQueueWorker creates a drain loop over the given source.
func NewQueueWorker(source RequestSource, coord *Coordinator, interval time.Duration) *QueueWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &QueueWorker{
		source:   source,
		coord:    coord,
		interval: interval,
		log:      slog.Default(),
	}
}

// Run polls the queue until the context is cancelled. Each pending
// request is drained immediately; an empty queue waits one interval.
func (w *QueueWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("retry queue worker started", "poll_interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			w.log.Info("retry queue worker stopped")
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *QueueWorker) drain(ctx context.Context) {
	for {
		scope, found, err := w.source.Next(ctx)
		if err != nil {
			w.log.Error("failed to pop retry request", "error", err)
			return
		}
		if !found {
			return
		}

		outcome, err := w.coord.Retry(ctx, scope, true)
		switch {
		case err == nil:
			w.log.Info("queued retry request handled",
				"session_id", outcome.SessionID, "job_id", outcome.JobID,
				"files", len(outcome.Submitted))
		case err == ErrNoRetryTarget:
			w.log.Warn("queued retry request matched no session",
				"session_id", scope.SessionID, "last", scope.Last)
		default:
			w.log.Error("queued retry request failed",
				"session_id", scope.SessionID, "error", err)
		}
	}
}

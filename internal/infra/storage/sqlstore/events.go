package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docflow-io/docflow/internal/core/domain"
)

// JobEventRepo implements storage.JobEventRepository over SQL.
type JobEventRepo struct {
	db *DB
}

// NewJobEventRepo creates a new SQL job event repository.
func NewJobEventRepo(db *DB) *JobEventRepo {
	return &JobEventRepo{db: db}
}

type eventRow struct {
	ID        string `db:"id"`
	JobID     string `db:"job_id"`
	EventType string `db:"event_type"`
	Message   string `db:"message"`
	Payload   string `db:"payload"`
	EventTime int64  `db:"event_time"`
}

// Append writes one audit event.
func (r *JobEventRepo) Append(ctx context.Context, ev *domain.JobEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}

	query := r.db.Rebind(`
		INSERT INTO job_events (id, job_id, event_type, message, payload, event_time)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	return r.db.withLockRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			ev.ID, ev.JobID, ev.EventType, ev.Message, ev.Payload, ev.EventTime.Unix())
		if err != nil {
			return fmt.Errorf("failed to append job event: %w", err)
		}
		return nil
	})
}

// ListByJob retrieves all events for a job in append order.
func (r *JobEventRepo) ListByJob(ctx context.Context, jobID string) ([]*domain.JobEvent, error) {
	query := r.db.Rebind(`
		SELECT id, job_id, event_type, message, payload, event_time
		FROM job_events
		WHERE job_id = ?
		ORDER BY event_time ASC, id ASC
	`)

	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, query, jobID); err != nil {
		return nil, fmt.Errorf("failed to list job events: %w", err)
	}

	events := make([]*domain.JobEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, &domain.JobEvent{
			ID:        row.ID,
			JobID:     row.JobID,
			EventType: row.EventType,
			Message:   row.Message,
			Payload:   row.Payload,
			EventTime: time.Unix(row.EventTime, 0).UTC(),
		})
	}
	return events, nil
}

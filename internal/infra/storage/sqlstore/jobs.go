package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/infra/storage"
)

// JobRepo implements storage.JobRepository over SQL.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new SQL job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID           string `db:"id"`
	Status       string `db:"status"`
	InputPath    string `db:"input_path"`
	OutputDir    string `db:"output_dir"`
	RequestHash  string `db:"request_hash"`
	SessionID    string `db:"session_id"`
	RequeueCount int    `db:"requeue_count"`
	Reason       string `db:"reason"`
	CreatedAt    int64  `db:"created_at"`
	StartedAt    int64  `db:"started_at"`
	FinishedAt   int64  `db:"finished_at"`
}

func (r jobRow) toDomain() *domain.Job {
	job := &domain.Job{
		ID:           r.ID,
		Status:       domain.JobStatus(r.Status),
		InputPath:    r.InputPath,
		OutputDir:    r.OutputDir,
		RequestHash:  r.RequestHash,
		SessionID:    r.SessionID,
		RequeueCount: r.RequeueCount,
		Reason:       r.Reason,
		CreatedAt:    time.Unix(r.CreatedAt, 0).UTC(),
	}
	if r.StartedAt > 0 {
		t := time.Unix(r.StartedAt, 0).UTC()
		job.StartedAt = &t
	}
	if r.FinishedAt > 0 {
		t := time.Unix(r.FinishedAt, 0).UTC()
		job.FinishedAt = &t
	}
	return job
}

const jobColumns = `id, status, input_path, output_dir, request_hash, session_id, requeue_count, reason, created_at, started_at, finished_at`

// Create persists a new job.
func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	query := r.db.Rebind(`
		INSERT INTO jobs (id, status, input_path, output_dir, request_hash, session_id, requeue_count, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	return r.db.withLockRetry(ctx, func() error {
		_, err := r.db.ExecContext(ctx, query,
			job.ID,
			string(job.Status),
			job.InputPath,
			job.OutputDir,
			job.RequestHash,
			job.SessionID,
			job.RequeueCount,
			job.Reason,
			job.CreatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		return nil
	})
}

// Get retrieves a job by id.
func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE id = ?`)

	var row jobRow
	err := r.db.GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return row.toDomain(), nil
}

// FindByRequestHash returns the most recent job with the idempotency
// key that is non-terminal, or terminal but finished after since.
func (r *JobRepo) FindByRequestHash(ctx context.Context, hash string, since time.Time) (*domain.Job, error) {
	if hash == "" {
		return nil, nil
	}
	query := r.db.Rebind(`
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE request_hash = ?
		  AND (status IN ('queued', 'running') OR finished_at >= ?)
		ORDER BY created_at DESC
		LIMIT 1
	`)

	var row jobRow
	err := r.db.GetContext(ctx, &row, query, hash, since.Unix())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find job by request hash: %w", err)
	}
	return row.toDomain(), nil
}

// List retrieves the most recent jobs, newest first.
func (r *JobRepo) List(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at DESC LIMIT ?`)

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

// ListByStatus retrieves all jobs in a given status.
func (r *JobRepo) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	query := r.db.Rebind(`SELECT ` + jobColumns + ` FROM jobs WHERE status = ? ORDER BY created_at ASC`)

	var rows []jobRow
	if err := r.db.SelectContext(ctx, &rows, query, string(status)); err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}

	jobs := make([]*domain.Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.toDomain())
	}
	return jobs, nil
}

// MarkRunning transitions a job to running and binds its session.
func (r *JobRepo) MarkRunning(ctx context.Context, id, sessionID string) error {
	query := r.db.Rebind(`
		UPDATE jobs
		SET status = 'running', session_id = ?, started_at = ?
		WHERE id = ?
	`)
	return r.db.withLockRetry(ctx, func() error {
		return r.exec(ctx, query, sessionID, time.Now().Unix(), id)
	})
}

// MarkRequeued puts a crashed job back to queued.
func (r *JobRepo) MarkRequeued(ctx context.Context, id string) error {
	query := r.db.Rebind(`
		UPDATE jobs
		SET status = 'queued', requeue_count = requeue_count + 1
		WHERE id = ?
	`)
	return r.db.withLockRetry(ctx, func() error {
		return r.exec(ctx, query, id)
	})
}

// MarkTerminal transitions a job to a terminal status with a reason.
func (r *JobRepo) MarkTerminal(ctx context.Context, id string, status domain.JobStatus, reason string) error {
	query := r.db.Rebind(`
		UPDATE jobs
		SET status = ?, reason = ?, finished_at = ?
		WHERE id = ?
	`)
	return r.db.withLockRetry(ctx, func() error {
		return r.exec(ctx, query, string(status), reason, time.Now().Unix(), id)
	})
}

func (r *JobRepo) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

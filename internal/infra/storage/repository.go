// Package storage defines the persistence contracts for jobs and
// their audit events.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
)

var (
	// ErrJobNotFound is returned when a job doesn't exist
	ErrJobNotFound = errors.New("job not found")
)

// JobRepository handles job record storage operations
type JobRepository interface {
	// Create persists a new job
	Create(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by id
	Get(ctx context.Context, id string) (*domain.Job, error)

	// FindByRequestHash returns the most recent job with the given
	// idempotency key that is either non-terminal or finished after
	// `since`; nil if there is none
	FindByRequestHash(ctx context.Context, hash string, since time.Time) (*domain.Job, error)

	// List retrieves the most recent jobs, newest first
	List(ctx context.Context, limit int) ([]*domain.Job, error)

	// ListByStatus retrieves all jobs in a given status
	ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error)

	// MarkRunning transitions a job to running and binds its session
	MarkRunning(ctx context.Context, id, sessionID string) error

	// MarkRequeued puts a crashed job back to queued, bumping its
	// requeue counter
	MarkRequeued(ctx context.Context, id string) error

	// MarkTerminal transitions a job to a terminal status with a reason
	MarkTerminal(ctx context.Context, id string, status domain.JobStatus, reason string) error
}

// JobEventRepository handles the append-only audit trail
type JobEventRepository interface {
	// Append writes one event; events are never mutated
	Append(ctx context.Context, ev *domain.JobEvent) error

	// ListByJob retrieves all events for a job in append order
	ListByJob(ctx context.Context, jobID string) ([]*domain.JobEvent, error)
}

// Package memory provides in-memory job storage for tests and for
// one-shot CLI runs that do not need a durable job store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/infra/storage"
)

// MemoryStorage holds jobs and events behind one mutex.
type MemoryStorage struct {
	mu     sync.RWMutex
	jobs   map[string]*domain.Job
	events []*domain.JobEvent
}

// NewMemoryStorage creates empty in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{jobs: make(map[string]*domain.Job)}
}

// JobRepo implements storage.JobRepository in memory.
type JobRepo struct {
	store *MemoryStorage
}

// NewJobRepo creates a new in-memory job repository.
func NewJobRepo(store *MemoryStorage) *JobRepo {
	return &JobRepo{store: store}
}

func cloneJob(job *domain.Job) *domain.Job {
	c := *job
	return &c
}

func (r *JobRepo) Create(ctx context.Context, job *domain.Job) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *JobRepo) Get(ctx context.Context, id string) (*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	return cloneJob(job), nil
}

func (r *JobRepo) FindByRequestHash(ctx context.Context, hash string, since time.Time) (*domain.Job, error) {
	if hash == "" {
		return nil, nil
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var latest *domain.Job
	for _, job := range r.store.jobs {
		if job.RequestHash != hash {
			continue
		}
		if job.Status.Terminal() && (job.FinishedAt == nil || job.FinishedAt.Before(since)) {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, nil
	}
	return cloneJob(latest), nil
}

func (r *JobRepo) List(ctx context.Context, limit int) ([]*domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	jobs := make([]*domain.Job, 0, len(r.store.jobs))
	for _, job := range r.store.jobs {
		jobs = append(jobs, cloneJob(job))
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (r *JobRepo) ListByStatus(ctx context.Context, status domain.JobStatus) ([]*domain.Job, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var jobs []*domain.Job
	for _, job := range r.store.jobs {
		if job.Status == status {
			jobs = append(jobs, cloneJob(job))
		}
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.Before(jobs[j].CreatedAt) })
	return jobs, nil
}

func (r *JobRepo) MarkRunning(ctx context.Context, id, sessionID string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	now := time.Now().UTC()
	job.Status = domain.JobRunning
	job.SessionID = sessionID
	job.StartedAt = &now
	return nil
}

func (r *JobRepo) MarkRequeued(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	job.Status = domain.JobQueued
	job.RequeueCount++
	return nil
}

func (r *JobRepo) MarkTerminal(ctx context.Context, id string, status domain.JobStatus, reason string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	job, ok := r.store.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	now := time.Now().UTC()
	job.Status = status
	job.Reason = reason
	job.FinishedAt = &now
	return nil
}

// JobEventRepo implements storage.JobEventRepository in memory.
type JobEventRepo struct {
	store *MemoryStorage
}

// NewJobEventRepo creates a new in-memory job event repository.
func NewJobEventRepo(store *MemoryStorage) *JobEventRepo {
	return &JobEventRepo{store: store}
}

func (r *JobEventRepo) Append(ctx context.Context, ev *domain.JobEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if ev.EventTime.IsZero() {
		ev.EventTime = time.Now().UTC()
	}
	c := *ev
	r.store.events = append(r.store.events, &c)
	return nil
}

func (r *JobEventRepo) ListByJob(ctx context.Context, jobID string) ([]*domain.JobEvent, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var events []*domain.JobEvent
	for _, ev := range r.store.events {
		if ev.JobID == jobID {
			c := *ev
			events = append(events, &c)
		}
	}
	return events, nil
}

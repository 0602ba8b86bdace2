package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/infra/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "docflow.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newJob(id string, status domain.JobStatus) *domain.Job {
	return &domain.Job{
		ID:          id,
		Status:      status,
		InputPath:   "/data/inbox",
		OutputDir:   "/data/out",
		RequestHash: "hash-" + id,
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
}

// ====================================================================
// Jobs
// ====================================================================

func TestJobRepo_CreateGet(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)
	ctx := context.Background()

	job := newJob("j1", domain.JobQueued)
	require.NoError(t, repo.Create(ctx, job))

	got, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, job.ID, got.ID)
	require.Equal(t, domain.JobQueued, got.Status)
	require.Equal(t, job.InputPath, got.InputPath)
	require.Equal(t, job.RequestHash, got.RequestHash)
	require.True(t, job.CreatedAt.Equal(got.CreatedAt))
	require.Nil(t, got.StartedAt)
	require.Nil(t, got.FinishedAt)
}

func TestJobRepo_GetMissing(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)

	_, err := repo.Get(context.Background(), "nope")
	require.ErrorIs(t, err, storage.ErrJobNotFound)
}

func TestJobRepo_Transitions(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newJob("j1", domain.JobQueued)))

	require.NoError(t, repo.MarkRunning(ctx, "j1", "sess-1"))
	got, err := repo.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobRunning, got.Status)
	require.Equal(t, "sess-1", got.SessionID)
	require.NotNil(t, got.StartedAt)

	require.NoError(t, repo.MarkRequeued(ctx, "j1"))
	got, err = repo.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobQueued, got.Status)
	require.Equal(t, 1, got.RequeueCount)

	require.NoError(t, repo.MarkTerminal(ctx, "j1", domain.JobFailed, "requeue budget spent"))
	got, err = repo.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, got.Status)
	require.Equal(t, "requeue budget spent", got.Reason)
	require.NotNil(t, got.FinishedAt)
}

func TestJobRepo_TransitionMissingJob(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)
	ctx := context.Background()

	require.ErrorIs(t, repo.MarkRunning(ctx, "nope", "s"), storage.ErrJobNotFound)
	require.ErrorIs(t, repo.MarkRequeued(ctx, "nope"), storage.ErrJobNotFound)
	require.ErrorIs(t, repo.MarkTerminal(ctx, "nope", domain.JobFailed, ""), storage.ErrJobNotFound)
}

func TestJobRepo_FindByRequestHash(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newJob("j1", domain.JobQueued)))

	// Non-terminal jobs match regardless of the window.
	got, err := repo.FindByRequestHash(ctx, "hash-j1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "j1", got.ID)

	// Terminal jobs match only when they finished inside the window.
	require.NoError(t, repo.MarkTerminal(ctx, "j1", domain.JobCompleted, ""))
	got, err = repo.FindByRequestHash(ctx, "hash-j1", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = repo.FindByRequestHash(ctx, "hash-j1", time.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Nil(t, got)

	// Empty hash never matches.
	got, err = repo.FindByRequestHash(ctx, "", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestJobRepo_ListByStatus(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobRepo(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, id := range []string{"a", "b", "c"} {
		job := newJob(id, domain.JobQueued)
		job.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, repo.Create(ctx, job))
	}
	require.NoError(t, repo.MarkTerminal(ctx, "b", domain.JobCompleted, ""))

	queued, err := repo.ListByStatus(ctx, domain.JobQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	require.Equal(t, "a", queued[0].ID)
	require.Equal(t, "c", queued[1].ID)
}

// ====================================================================
// Events
// ====================================================================

func TestJobEventRepo_AppendList(t *testing.T) {
	db := openTestDB(t)
	repo := NewJobEventRepo(db)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i, typ := range []string{domain.EventEnqueued, domain.EventStarted, domain.EventCompleted} {
		ev := &domain.JobEvent{
			JobID:     "j1",
			EventType: typ,
			Message:   typ,
			EventTime: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, repo.Append(ctx, ev))
		require.NotEmpty(t, ev.ID, "Append must assign an id")
	}
	require.NoError(t, repo.Append(ctx, &domain.JobEvent{JobID: "other", EventType: domain.EventEnqueued}))

	events, err := repo.ListByJob(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, domain.EventEnqueued, events[0].EventType)
	require.Equal(t, domain.EventCompleted, events[2].EventType)
}

// ====================================================================
// Migrations
// ====================================================================

func TestDB_ReopenAppliesMigrationsOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docflow.db")
	ctx := context.Background()

	db, err := NewDB(ctx, Config{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	require.NoError(t, NewJobRepo(db).Create(ctx, newJob("j1", domain.JobQueued)))
	require.NoError(t, db.Close())

	db, err = NewDB(ctx, Config{Driver: "sqlite", Path: path})
	require.NoError(t, err)
	defer db.Close()

	got, err := NewJobRepo(db).Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, "j1", got.ID)
}

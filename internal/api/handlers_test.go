package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/health"
	"github.com/docflow-io/docflow/internal/infra/storage"
	"github.com/docflow-io/docflow/internal/infra/storage/memory"
	"github.com/docflow-io/docflow/internal/pipeline"
	"github.com/docflow-io/docflow/internal/recovery"
	"github.com/docflow-io/docflow/internal/runtime"
	"github.com/docflow-io/docflow/internal/session"
)

type noopPipeline struct{}

func (noopPipeline) Process(ctx context.Context, files []string, outputDir string, config map[string]string) (*pipeline.Result, error) {
	return &pipeline.Result{}, nil
}

type testEnv struct {
	server *Server
	jobs   storage.JobRepository
	rt     *runtime.Runtime
}

func newTestServer(t *testing.T, queueCapacity int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	store := memory.NewMemoryStorage()
	jobs := memory.NewJobRepo(store)
	events := memory.NewJobEventRepo(store)

	sessions, err := session.NewManager(session.Config{
		SessionDir:    filepath.Join(dir, "sessions"),
		QuarantineDir: filepath.Join(dir, "quarantine"),
	})
	if err != nil {
		t.Fatal(err)
	}

	rt := runtime.New(runtime.Config{QueueCapacity: queueCapacity},
		jobs, events, sessions, noopPipeline{}, recovery.NewClassifier())
	coord := recovery.NewCoordinator(sessions, recovery.DefaultBackoff(3), rt)
	monitor := health.NewMonitor(rt, sessions)

	return &testEnv{
		server: NewServer(0, rt, jobs, events, sessions, coord, monitor),
		jobs:   jobs,
		rt:     rt,
	}
}

func do(t *testing.T, env *testEnv, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	return rec
}

// ====================================================================
// Enqueue
// ====================================================================

func TestAPI_EnqueueAccepted(t *testing.T) {
	env := newTestServer(t, 4)

	rec := do(t, env, http.MethodPost, "/jobs", `{"input_path":"/data/inbox"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}

	var job domain.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
		t.Fatalf("bad response body: %v", err)
	}
	if job.ID == "" || job.Status != domain.JobQueued {
		t.Errorf("unexpected job in response: %+v", job)
	}
}

func TestAPI_EnqueueValidation(t *testing.T) {
	env := newTestServer(t, 4)

	rec := do(t, env, http.MethodPost, "/jobs", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing input_path should be 400, got %d", rec.Code)
	}

	rec = do(t, env, http.MethodPost, "/jobs", `not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body should be 400, got %d", rec.Code)
	}
}

func TestAPI_EnqueueIdempotencyKey(t *testing.T) {
	env := newTestServer(t, 4)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"input_path":"/data/inbox"}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	var first domain.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &first)

	req = httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader(`{"input_path":"/data/other"}`))
	req.Header.Set("Idempotency-Key", "key-1")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)

	var second domain.Job
	_ = json.Unmarshal(rec.Body.Bytes(), &second)
	if first.ID != second.ID {
		t.Errorf("same idempotency key must return the same job: %s != %s", first.ID, second.ID)
	}
}

func TestAPI_EnqueueOverload(t *testing.T) {
	env := newTestServer(t, 1)

	if rec := do(t, env, http.MethodPost, "/jobs", `{"input_path":"/a"}`); rec.Code != http.StatusAccepted {
		t.Fatalf("first enqueue should be accepted, got %d", rec.Code)
	}

	rec := do(t, env, http.MethodPost, "/jobs", `{"input_path":"/b"}`)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("full queue should be 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("503 must carry Retry-After")
	}
}

// ====================================================================
// Inspection
// ====================================================================

func TestAPI_GetJob(t *testing.T) {
	env := newTestServer(t, 4)
	ctx := context.Background()

	job := &domain.Job{ID: "j1", Status: domain.JobQueued, InputPath: "/in", CreatedAt: time.Now()}
	if err := env.jobs.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	rec := do(t, env, http.MethodGet, "/jobs/j1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = do(t, env, http.MethodGet, "/jobs/missing", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job should be 404, got %d", rec.Code)
	}
}

func TestAPI_ListJobsLimitValidation(t *testing.T) {
	env := newTestServer(t, 4)

	rec := do(t, env, http.MethodGet, "/jobs?limit=abc", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit should be 400, got %d", rec.Code)
	}
	rec = do(t, env, http.MethodGet, "/jobs", "")
	if rec.Code != http.StatusOK {
		t.Errorf("plain list should be 200, got %d", rec.Code)
	}
}

// ====================================================================
// Artifacts
// ====================================================================

func TestAPI_DeleteArtifactsRefusesRunning(t *testing.T) {
	env := newTestServer(t, 4)
	ctx := context.Background()

	job := &domain.Job{ID: "j1", Status: domain.JobRunning, CreatedAt: time.Now()}
	if err := env.jobs.Create(ctx, job); err != nil {
		t.Fatal(err)
	}

	rec := do(t, env, http.MethodDelete, "/jobs/j1/artifacts", "")
	if rec.Code != http.StatusConflict {
		t.Errorf("deleting a running job's artifacts should be 409, got %d", rec.Code)
	}
}

// ====================================================================
// Health
// ====================================================================

func TestAPI_Health(t *testing.T) {
	env := newTestServer(t, 4)

	rec := do(t, env, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] == "" {
		t.Error("health response must carry a status")
	}

	rec = do(t, env, http.MethodGet, "/health?detailed=true", "")
	var report health.Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if len(report.Components) == 0 {
		t.Error("detailed health must list components")
	}
}

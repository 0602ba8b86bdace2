package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/health"
	"github.com/docflow-io/docflow/internal/infra/storage"
	"github.com/docflow-io/docflow/internal/recovery"
	"github.com/docflow-io/docflow/internal/runtime"
	"github.com/docflow-io/docflow/internal/session"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

type enqueueRequest struct {
	InputPath   string            `json:"input_path"`
	OutputDir   string            `json:"output_dir,omitempty"`
	Config      map[string]string `json:"config,omitempty"`
	RequestHash string            `json:"request_hash,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.InputPath == "" {
		writeError(w, http.StatusBadRequest, "input_path is required")
		return
	}

	hash := req.RequestHash
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		hash = key
	}

	job, err := s.rt.Enqueue(r.Context(), runtime.Request{
		InputPath:   req.InputPath,
		OutputDir:   req.OutputDir,
		Config:      req.Config,
		RequestHash: hash,
	})
	if errors.Is(err, runtime.ErrQueueFull) {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "queue is at capacity, retry later")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if status := r.URL.Query().Get("status"); status != "" {
		jobs, err := s.jobs.ListByStatus(r.Context(), domain.JobStatus(status))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, jobs)
		return
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := s.jobs.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

type jobDetail struct {
	*domain.Job
	Events  []*domain.JobEvent `json:"events,omitempty"`
	Session *domain.Session    `json:"session,omitempty"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail := jobDetail{Job: job}
	if events, err := s.events.ListByJob(r.Context(), id); err == nil {
		detail.Events = events
	}
	if job.SessionID != "" {
		if sess, err := s.loadSessionAnywhere(job.SessionID); err == nil {
			detail.Session = sess
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// loadSessionAnywhere looks the session up live first, then in the
// archive. Finished sessions with failures live in the archive.
func (s *Server) loadSessionAnywhere(id string) (*domain.Session, error) {
	sess, err := s.sessions.Load(id)
	if errors.Is(err, session.ErrSessionNotFound) {
		return s.sessions.Store().LoadArchived(id)
	}
	return sess, err
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.rt.Cancel(r.Context(), id)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

type retryRequest struct {
	FilePath string `json:"file_path,omitempty"`
	Backoff  bool   `json:"backoff,omitempty"`
}

func (s *Server) handleRetryFailures(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if job.SessionID == "" {
		writeError(w, http.StatusConflict, "job has no session bound yet")
		return
	}

	var req retryRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	outcome, err := s.coord.Retry(r.Context(), recovery.Scope{
		SessionID: job.SessionID,
		FilePath:  req.FilePath,
	}, req.Backoff)
	if errors.Is(err, recovery.ErrNoRetryTarget) {
		writeError(w, http.StatusNotFound, "no retryable failures for job "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, outcome)
}

// handleDeleteArtifacts removes the archived session record of a
// finished job. Running jobs are refused.
func (s *Server) handleDeleteArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	job, err := s.jobs.Get(r.Context(), id)
	if errors.Is(err, storage.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !job.Status.Terminal() {
		writeError(w, http.StatusConflict, "job is still "+string(job.Status)+"; cancel it first")
		return
	}
	if job.SessionID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "deleted": "none"})
		return
	}

	store := s.sessions.Store()
	err = store.DeleteArchived(job.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		err = store.Delete(job.SessionID)
	}
	if err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "deleted": job.SessionID})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	store := s.sessions.Store()

	live, err := store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	archived, err := store.ListArchived()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string][]*domain.Session{
		"live":     live,
		"archived": archived,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.loadSessionAnywhere(id)
	if errors.Is(err, session.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found: "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	status := http.StatusOK
	if report.SystemStatus == health.StatusCritical {
		status = http.StatusServiceUnavailable
	}

	if r.URL.Query().Get("detailed") == "true" {
		writeJSON(w, status, report)
		return
	}
	writeJSON(w, status, map[string]string{"status": string(report.SystemStatus)})
}

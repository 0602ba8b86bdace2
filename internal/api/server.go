// Package api exposes the jobs HTTP surface: enqueue, inspect, retry
// and artifact cleanup, plus the health and metrics endpoints.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/docflow-io/docflow/internal/health"
	"github.com/docflow-io/docflow/internal/infra/storage"
	"github.com/docflow-io/docflow/internal/recovery"
	"github.com/docflow-io/docflow/internal/runtime"
	"github.com/docflow-io/docflow/internal/session"
)

// Server provides the HTTP endpoints of the worker.
type Server struct {
	rt       *runtime.Runtime
	jobs     storage.JobRepository
	events   storage.JobEventRepository
	sessions *session.Manager
	coord    *recovery.Coordinator
	monitor  *health.Monitor
	server   *http.Server
}

// NewServer wires the handlers onto a mux and binds the port.
func NewServer(
	port int,
	rt *runtime.Runtime,
	jobs storage.JobRepository,
	events storage.JobEventRepository,
	sessions *session.Manager,
	coord *recovery.Coordinator,
	monitor *health.Monitor,
) *Server {
	mux := http.NewServeMux()
	s := &Server{
		rt:       rt,
		jobs:     jobs,
		events:   events,
		sessions: sessions,
		coord:    coord,
		monitor:  monitor,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	mux.HandleFunc("POST /jobs", s.handleEnqueue)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)
	mux.HandleFunc("POST /jobs/{id}/retry-failures", s.handleRetryFailures)
	mux.HandleFunc("DELETE /jobs/{id}/artifacts", s.handleDeleteArtifacts)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Package runtime owns admission, dispatch and fault tolerance for
// the worker pool: a bounded queue feeding worker goroutines, a
// heartbeat watchdog, and startup reconciliation of jobs left running
// by a crash.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/health"
	"github.com/docflow-io/docflow/internal/infra/storage"
	"github.com/docflow-io/docflow/internal/metrics"
	"github.com/docflow-io/docflow/internal/pipeline"
	"github.com/docflow-io/docflow/internal/recovery"
	"github.com/docflow-io/docflow/internal/session"
)

var (
	// ErrQueueFull is the overload signal returned when admission is
	// rejected; the caller is never blocked waiting for capacity.
	ErrQueueFull = errors.New("job queue is at capacity")

	// ErrNotRunning is returned for operations on a stopped runtime.
	ErrNotRunning = errors.New("runtime is not running")
)

// Config holds worker pool and admission settings.
type Config struct {
	Workers           int
	QueueCapacity     int
	BatchSize         int
	FileTimeout       time.Duration
	HeartbeatInterval time.Duration
	StaleWorkerAfter  time.Duration
	DedupWindow       time.Duration
	RequeueLimit      int
	OrphanAge         time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 64
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 8
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = 2 * time.Minute
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleWorkerAfter <= 0 {
		c.StaleWorkerAfter = 5 * time.Minute
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 10 * time.Minute
	}
	if c.RequeueLimit <= 0 {
		c.RequeueLimit = 1
	}
	if c.OrphanAge <= 0 {
		c.OrphanAge = 24 * time.Hour
	}
	// A worker within its batch budget is never stale: the threshold
	// must cover the largest legal pipeline call plus heartbeat slack.
	if floor := c.FileTimeout*time.Duration(c.BatchSize) + 2*c.HeartbeatInterval; c.StaleWorkerAfter < floor {
		c.StaleWorkerAfter = floor
	}
}

// Request describes one unit of work to enqueue.
type Request struct {
	InputPath   string
	OutputDir   string
	Config      map[string]string
	RequestHash string
	// SessionID binds the job to an existing session (resume, retry).
	SessionID string
	// Files restricts processing to an explicit subset; empty means
	// the whole input path is discovered.
	Files []string
}

type queuedItem struct {
	job       *domain.Job
	sessionID string
	files     []string
	config    map[string]string
}

// Runtime dispatches queued jobs to a fixed pool of workers.
type Runtime struct {
	cfg        Config
	jobs       storage.JobRepository
	events     storage.JobEventRepository
	sessions   *session.Manager
	pipe       pipeline.Service
	classifier *recovery.Classifier
	log        *slog.Logger

	queue   chan *queuedItem
	admitMu sync.Mutex

	slotsMu sync.Mutex
	slots   []*workerSlot
	nextID  int

	cancels sync.Map // job id -> struct{}

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	overloadAccepted  atomic.Uint64
	overloadRejected  atomic.Uint64
	workerRestarts    atomic.Uint64
	recoveryRequeued  atomic.Uint64
	recoveryExhausted atomic.Uint64
	reconcileRequeued atomic.Uint64
	reconcileFailed   atomic.Uint64

	lockRetrySource func() uint64
}

// New creates a runtime. It does not start workers; call Start.
func New(
	cfg Config,
	jobs storage.JobRepository,
	events storage.JobEventRepository,
	sessions *session.Manager,
	pipe pipeline.Service,
	classifier *recovery.Classifier,
) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		cfg:             cfg,
		jobs:            jobs,
		events:          events,
		sessions:        sessions,
		pipe:            pipe,
		classifier:      classifier,
		log:             slog.Default(),
		queue:           make(chan *queuedItem, cfg.QueueCapacity),
		lockRetrySource: func() uint64 { return 0 },
	}
}

// SetLockRetrySource wires the job store's contention counter into
// the readiness snapshot.
func (r *Runtime) SetLockRetrySource(fn func() uint64) {
	if fn != nil {
		r.lockRetrySource = fn
	}
}

// Start reconciles leftover jobs and launches the worker pool and the
// heartbeat watchdog.
func (r *Runtime) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return errors.New("runtime already started")
	}
	r.runCtx, r.cancel = context.WithCancel(context.Background())

	if err := r.Reconcile(ctx); err != nil {
		r.running.Store(false)
		r.cancel()
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}

	for i := 0; i < r.cfg.Workers; i++ {
		r.addSlot()
	}

	r.wg.Add(1)
	go r.watchdog()

	r.log.Info("runtime started",
		"workers", r.cfg.Workers, "queue_capacity", r.cfg.QueueCapacity)
	return nil
}

// Stop drains the pool, waiting up to the context deadline.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-ctx.Done():
		r.log.Warn("shutdown interrupted before workers drained")
		return ctx.Err()
	case <-done:
		r.log.Info("runtime stopped")
		return nil
	}
}

// Enqueue admits a request to the bounded queue. A matching
// idempotency key returns the existing job instead of creating a
// duplicate; a full queue returns ErrQueueFull without blocking.
func (r *Runtime) Enqueue(ctx context.Context, req Request) (*domain.Job, error) {
	hash := req.RequestHash
	if hash == "" {
		hash = RequestHash(req)
	}

	if existing, err := r.jobs.FindByRequestHash(ctx, hash, time.Now().Add(-r.cfg.DedupWindow)); err != nil {
		return nil, err
	} else if existing != nil {
		r.log.Debug("enqueue deduplicated against existing job",
			"job_id", existing.ID, "request_hash", hash)
		return existing, nil
	}

	r.admitMu.Lock()
	defer r.admitMu.Unlock()

	if len(r.queue) >= cap(r.queue) {
		r.overloadRejected.Add(1)
		metrics.QueueRejected.Inc()
		return nil, ErrQueueFull
	}

	job := &domain.Job{
		ID:          uuid.NewString(),
		Status:      domain.JobQueued,
		InputPath:   req.InputPath,
		OutputDir:   req.OutputDir,
		RequestHash: hash,
		SessionID:   req.SessionID,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	r.appendEvent(ctx, job.ID, domain.EventEnqueued, "job admitted to queue", "")

	r.queue <- &queuedItem{
		job:       job,
		sessionID: req.SessionID,
		files:     req.Files,
		config:    req.Config,
	}
	r.overloadAccepted.Add(1)
	metrics.QueueBacklog.Set(float64(len(r.queue)))
	return job, nil
}

// RequestHash derives the default idempotency key for a request.
func RequestHash(req Request) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", req.InputPath, req.OutputDir, req.SessionID)
	keys := make([]string, 0, len(req.Config))
	for k := range req.Config {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\x00", k, req.Config[k])
	}
	files := append([]string(nil), req.Files...)
	sort.Strings(files)
	for _, f := range files {
		fmt.Fprintf(h, "%s\x00", f)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SubmitRetry re-dispatches a filtered file set as a sub-job bound to
// an existing session. It implements recovery.Submitter.
func (r *Runtime) SubmitRetry(ctx context.Context, sess *domain.Session, files []string) (string, error) {
	job, err := r.Enqueue(ctx, Request{
		InputPath: sess.SourceDirectory,
		OutputDir: sess.OutputDirectory,
		Config:    sess.Configuration,
		SessionID: sess.SessionID,
		Files:     files,
	})
	if err != nil {
		return "", err
	}
	return job.ID, nil
}

// Cancel marks a job for cooperative cancellation. The owning worker
// observes the flag between file batches.
func (r *Runtime) Cancel(ctx context.Context, jobID string) error {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return fmt.Errorf("job %s already finished with status %s", jobID, job.Status)
	}
	r.cancels.Store(jobID, struct{}{})
	r.appendEvent(ctx, jobID, domain.EventCancelled, "cancellation requested", "")
	return nil
}

func (r *Runtime) cancelRequested(jobID string) bool {
	_, ok := r.cancels.Load(jobID)
	return ok
}

func (r *Runtime) appendEvent(ctx context.Context, jobID, eventType, message, payload string) {
	err := r.events.Append(ctx, &domain.JobEvent{
		JobID:     jobID,
		EventType: eventType,
		Message:   message,
		Payload:   payload,
	})
	if err != nil {
		r.log.Error("failed to append job event",
			"job_id", jobID, "event_type", eventType, "error", err)
	}
}

// OverloadStats counts admission outcomes.
type OverloadStats struct {
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// RecoveryStats counts crashed-worker job recoveries.
type RecoveryStats struct {
	Requeued  uint64 `json:"requeued"`
	Exhausted uint64 `json:"exhausted"`
}

// ReconcileStats counts startup reconciliation outcomes.
type ReconcileStats struct {
	Requeued uint64 `json:"requeued"`
	Failed   uint64 `json:"failed"`
}

// Snapshot is the point-in-time readiness report of the runtime.
type Snapshot struct {
	WorkerCount            int            `json:"worker_count"`
	AliveWorkers           int            `json:"alive_workers"`
	DeadWorkers            int            `json:"dead_workers"`
	WorkerRestarts         uint64         `json:"worker_restarts"`
	QueueBacklog           int            `json:"queue_backlog"`
	QueueCapacity          int            `json:"queue_capacity"`
	QueueUtilization       float64        `json:"queue_utilization"`
	Overload               OverloadStats  `json:"overload_stats"`
	Recovery               RecoveryStats  `json:"recovery_stats"`
	TerminalReconciliation ReconcileStats `json:"terminal_reconciliation_stats"`
	DBLockRetries          uint64         `json:"db_lock_retry_stats"`
}

// Snapshot returns the current readiness counters.
func (r *Runtime) Snapshot() Snapshot {
	r.slotsMu.Lock()
	alive, dead := 0, 0
	for _, s := range r.slots {
		if s.dead.Load() {
			dead++
		} else {
			alive++
		}
	}
	r.slotsMu.Unlock()

	backlog := len(r.queue)
	capacity := cap(r.queue)
	utilization := 0.0
	if capacity > 0 {
		utilization = float64(backlog) / float64(capacity)
	}

	return Snapshot{
		WorkerCount:      r.cfg.Workers,
		AliveWorkers:     alive,
		DeadWorkers:      dead,
		WorkerRestarts:   r.workerRestarts.Load(),
		QueueBacklog:     backlog,
		QueueCapacity:    capacity,
		QueueUtilization: utilization,
		Overload: OverloadStats{
			Accepted: r.overloadAccepted.Load(),
			Rejected: r.overloadRejected.Load(),
		},
		Recovery: RecoveryStats{
			Requeued:  r.recoveryRequeued.Load(),
			Exhausted: r.recoveryExhausted.Load(),
		},
		TerminalReconciliation: ReconcileStats{
			Requeued: r.reconcileRequeued.Load(),
			Failed:   r.reconcileFailed.Load(),
		},
		DBLockRetries: r.lockRetrySource(),
	}
}

// HealthSnapshot implements health.Provider.
func (r *Runtime) HealthSnapshot(ctx context.Context) health.Component {
	snap := r.Snapshot()

	status := health.StatusHealthy
	if snap.DeadWorkers > 0 || snap.QueueBacklog >= snap.QueueCapacity {
		status = health.StatusDegraded
	}
	if r.running.Load() && snap.AliveWorkers == 0 {
		status = health.StatusCritical
	}

	return health.Component{
		Name:   "runtime",
		Status: status,
		Details: map[string]any{
			"worker_count":                  snap.WorkerCount,
			"alive_workers":                 snap.AliveWorkers,
			"dead_workers":                  snap.DeadWorkers,
			"worker_restarts":               snap.WorkerRestarts,
			"queue_backlog":                 snap.QueueBacklog,
			"queue_capacity":                snap.QueueCapacity,
			"queue_utilization":             snap.QueueUtilization,
			"overload_stats":                snap.Overload,
			"recovery_stats":                snap.Recovery,
			"terminal_reconciliation_stats": snap.TerminalReconciliation,
			"db_lock_retry_stats":           snap.DBLockRetries,
		},
	}
}

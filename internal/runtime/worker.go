package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime/debug"
	"sort"
	"sync/atomic"
	"time"

	"github.com/docflow-io/docflow/internal/core/domain"
	"github.com/docflow-io/docflow/internal/metrics"
	"github.com/docflow-io/docflow/internal/pipeline"
)

// workerSlot tracks one worker goroutine for the watchdog. The
// heartbeat is an atomic unix-nano timestamp; a slot whose heartbeat
// goes stale while holding a job is treated as dead and replaced.
type workerSlot struct {
	id        int
	heartbeat atomic.Int64
	job       atomic.Pointer[queuedItem]
	dead      atomic.Bool
}

func (s *workerSlot) beat() {
	s.heartbeat.Store(time.Now().UnixNano())
}

func (r *Runtime) addSlot() {
	r.slotsMu.Lock()
	r.nextID++
	slot := &workerSlot{id: r.nextID}
	slot.beat()
	r.slots = append(r.slots, slot)
	r.slotsMu.Unlock()

	r.wg.Add(1)
	go r.workerLoop(slot)
}

// workerLoop pulls items off the queue until shutdown. A panic inside
// a job is recovered here: the job is requeued once, the session is
// marked interrupted, and a replacement worker is started.
func (r *Runtime) workerLoop(slot *workerSlot) {
	defer r.wg.Done()
	defer func() {
		if rec := recover(); rec != nil {
			slot.dead.Store(true)
			r.log.Error("worker panicked",
				"worker_id", slot.id, "panic", rec,
				"stack", string(debug.Stack()))
			r.recoverCrashed(slot)
			r.restartWorker(slot)
		}
	}()

	for {
		slot.beat()
		select {
		case <-r.runCtx.Done():
			return
		case item := <-r.queue:
			metrics.QueueBacklog.Set(float64(len(r.queue)))
			slot.job.Store(item)
			r.runJob(slot, item)
			slot.job.Store(nil)
			if slot.dead.Load() {
				// The watchdog already replaced this worker.
				return
			}
		}
	}
}

func (r *Runtime) restartWorker(crashed *workerSlot) {
	if !r.running.Load() {
		return
	}
	r.slotsMu.Lock()
	for i, s := range r.slots {
		if s == crashed {
			r.slots = append(r.slots[:i], r.slots[i+1:]...)
			break
		}
	}
	r.slotsMu.Unlock()

	r.workerRestarts.Add(1)
	metrics.WorkerRestarts.Inc()
	r.addSlot()
}

// recoverCrashed handles the job a dead worker was holding: requeue if
// the budget allows, otherwise fail terminally with a reason.
func (r *Runtime) recoverCrashed(slot *workerSlot) {
	item := slot.job.Load()
	if item == nil {
		return
	}
	slot.job.Store(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	job, err := r.jobs.Get(ctx, item.job.ID)
	if err != nil {
		r.log.Error("cannot load crashed job", "job_id", item.job.ID, "error", err)
		return
	}
	if job.Status != domain.JobRunning {
		return
	}

	if sess := r.loadJobSession(job); sess != nil {
		if err := r.sessions.MarkInterrupted(sess); err != nil {
			r.log.Error("failed to mark session interrupted",
				"session_id", sess.SessionID, "error", err)
		}
	}

	if job.RequeueCount >= r.cfg.RequeueLimit {
		r.recoveryExhausted.Add(1)
		reason := fmt.Sprintf("worker crashed %d time(s); requeue budget exhausted", job.RequeueCount+1)
		if err := r.jobs.MarkTerminal(ctx, job.ID, domain.JobFailed, reason); err != nil {
			r.log.Error("failed to fail crashed job", "job_id", job.ID, "error", err)
			return
		}
		r.appendEvent(ctx, job.ID, domain.EventFailed, reason, "")
		metrics.JobsFinished.WithLabelValues(string(domain.JobFailed)).Inc()
		return
	}

	if err := r.jobs.MarkRequeued(ctx, job.ID); err != nil {
		r.log.Error("failed to requeue crashed job", "job_id", job.ID, "error", err)
		return
	}
	r.recoveryRequeued.Add(1)
	r.appendEvent(ctx, job.ID, domain.EventRequeued, "requeued after worker crash", "")

	// Bind the requeued attempt to the interrupted session so the
	// replacement resumes it instead of opening a second session for
	// the same source directory.
	if job.SessionID != "" {
		item.sessionID = job.SessionID
	}

	select {
	case r.queue <- item:
		metrics.QueueBacklog.Set(float64(len(r.queue)))
	default:
		// Queue filled up while the worker was down. Leave the record
		// queued; reconciliation picks it up on the next start.
		r.log.Warn("queue full while requeueing crashed job", "job_id", item.job.ID)
	}
}

func (r *Runtime) loadJobSession(job *domain.Job) *domain.Session {
	if job.SessionID == "" {
		return nil
	}
	sess, err := r.sessions.Load(job.SessionID)
	if err != nil {
		r.log.Error("cannot load session for job",
			"job_id", job.ID, "session_id", job.SessionID, "error", err)
		return nil
	}
	return sess
}

// watchdog scans the slots on the heartbeat interval and replaces
// workers whose heartbeat has gone stale while holding a job.
func (r *Runtime) watchdog() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.runCtx.Done():
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

func (r *Runtime) sweepStale() {
	cutoff := time.Now().Add(-r.cfg.StaleWorkerAfter).UnixNano()

	r.slotsMu.Lock()
	var stale []*workerSlot
	for _, s := range r.slots {
		if !s.dead.Load() && s.heartbeat.Load() < cutoff && s.job.Load() != nil {
			s.dead.Store(true)
			stale = append(stale, s)
		}
	}
	r.slotsMu.Unlock()

	for _, s := range stale {
		r.log.Error("worker heartbeat stale, replacing", "worker_id", s.id)
		r.recoverCrashed(s)
		r.restartWorker(s)
	}
}

// ====================================================================
// Job execution
// ====================================================================

func (r *Runtime) runJob(slot *workerSlot, item *queuedItem) {
	ctx := r.runCtx
	job := item.job

	current, err := r.jobs.Get(ctx, job.ID)
	if err != nil {
		r.log.Error("cannot load job before run", "job_id", job.ID, "error", err)
		return
	}
	if current.Status.Terminal() {
		return
	}
	if r.cancelRequested(job.ID) {
		r.finishCancelled(ctx, job, nil)
		return
	}

	sess, err := r.bindSession(item)
	if err != nil {
		reason := fmt.Sprintf("session setup failed: %v", err)
		r.log.Error("job aborted", "job_id", job.ID, "error", err)
		if terr := r.jobs.MarkTerminal(ctx, job.ID, domain.JobFailed, reason); terr != nil {
			r.log.Error("failed to fail job", "job_id", job.ID, "error", terr)
		}
		r.appendEvent(ctx, job.ID, domain.EventFailed, reason, "")
		metrics.JobsFinished.WithLabelValues(string(domain.JobFailed)).Inc()
		return
	}

	if err := r.jobs.MarkRunning(ctx, job.ID, sess.SessionID); err != nil {
		r.log.Error("cannot mark job running", "job_id", job.ID, "error", err)
		return
	}
	job.SessionID = sess.SessionID
	r.appendEvent(ctx, job.ID, domain.EventStarted, "worker "+fmt.Sprint(slot.id)+" picked up job", "")
	r.log.Info("job started",
		"job_id", job.ID, "session_id", sess.SessionID,
		"source", sess.SourceDirectory, "worker_id", slot.id)

	files, err := r.resolveFiles(item, sess)
	if err != nil {
		reason := fmt.Sprintf("file discovery failed: %v", err)
		if terr := r.jobs.MarkTerminal(ctx, job.ID, domain.JobFailed, reason); terr != nil {
			r.log.Error("failed to fail job", "job_id", job.ID, "error", terr)
		}
		r.appendEvent(ctx, job.ID, domain.EventFailed, reason, "")
		metrics.JobsFinished.WithLabelValues(string(domain.JobFailed)).Inc()
		return
	}

	outcome := r.processBatches(ctx, slot, job, sess, files, item.config)
	if slot.dead.Load() {
		// The watchdog took this job away mid-run; the session and the
		// job record belong to its replacement now.
		r.log.Warn("worker replaced mid-job, abandoning result",
			"job_id", job.ID, "worker_id", slot.id)
		return
	}
	switch outcome {
	case runCancelled:
		r.finishCancelled(ctx, job, sess)
	case runHalted:
		r.haltJob(job, sess)
	default:
		r.finishJob(ctx, job, sess)
	}
}

// bindSession resolves the session for a queued item: an explicit
// session id resumes that session, otherwise a fresh one is started.
func (r *Runtime) bindSession(item *queuedItem) (*domain.Session, error) {
	if item.sessionID != "" {
		sess, err := r.sessions.Load(item.sessionID)
		if err != nil {
			return nil, err
		}
		if err := r.sessions.Resume(sess); err != nil {
			return nil, err
		}
		return sess, nil
	}

	files, err := discoverFiles(item.job.InputPath)
	if err != nil {
		return nil, err
	}
	cfg := map[string]string{}
	for k, v := range item.config {
		cfg[k] = v
	}
	if item.job.OutputDir != "" {
		cfg["output_directory"] = item.job.OutputDir
	}
	return r.sessions.Start(item.job.InputPath, len(files), cfg)
}

// resolveFiles produces the work list for a job: the explicit subset
// when given, otherwise everything under the input path minus files
// the session has already processed.
func (r *Runtime) resolveFiles(item *queuedItem, sess *domain.Session) ([]string, error) {
	var files []string
	if len(item.files) > 0 {
		files = append([]string(nil), item.files...)
	} else {
		discovered, err := discoverFiles(item.job.InputPath)
		if err != nil {
			return nil, err
		}
		files = discovered
	}

	done := make(map[string]struct{}, len(sess.ProcessedFiles))
	for _, rec := range sess.ProcessedFiles {
		done[rec.Path] = struct{}{}
	}

	remaining := files[:0]
	for _, f := range files {
		if _, ok := done[f]; ok {
			if err := r.sessions.RecordSkippedFile(sess); err != nil {
				return nil, err
			}
			continue
		}
		remaining = append(remaining, f)
	}
	return remaining, nil
}

// discoverFiles lists the regular files under a path. A single file
// path yields itself. Hidden files are skipped.
func discoverFiles(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{root}, nil
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && name[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if name[0] == '.' {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// runOutcome distinguishes why a job's batch loop ended: cancellation
// is an operator decision and terminal, a halt is a shutdown or worker
// replacement and leaves the job recoverable.
type runOutcome int

const (
	runFinished runOutcome = iota
	runCancelled
	runHalted
)

// processBatches runs the file list through the pipeline in batches,
// recording every outcome into the session as it lands.
func (r *Runtime) processBatches(
	ctx context.Context,
	slot *workerSlot,
	job *domain.Job,
	sess *domain.Session,
	files []string,
	config map[string]string,
) runOutcome {
	for start := 0; start < len(files); start += r.cfg.BatchSize {
		if slot.dead.Load() {
			return runHalted
		}
		if r.cancelRequested(job.ID) {
			return runCancelled
		}
		select {
		case <-ctx.Done():
			return runHalted
		default:
		}
		slot.beat()

		end := start + r.cfg.BatchSize
		if end > len(files) {
			end = len(files)
		}
		batch := files[start:end]
		r.runBatch(ctx, slot, sess, batch, config)
	}
	if ctx.Err() != nil {
		return runHalted
	}
	return runFinished
}

// runBatch makes one pipeline call and folds the result into the
// session. Files the pipeline reports nothing about are recorded as
// recoverable failures so no file silently disappears.
func (r *Runtime) runBatch(ctx context.Context, slot *workerSlot, sess *domain.Session, batch []string, config map[string]string) {
	timeout := r.cfg.FileTimeout * time.Duration(len(batch))
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Keep beating while the call is in flight, but only up to the
	// batch deadline: a pipeline call that overruns its budget is
	// allowed to go stale.
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		ticker := time.NewTicker(r.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-callCtx.Done():
				return
			case <-ticker.C:
				slot.beat()
			}
		}
	}()

	started := time.Now()
	result, err := r.pipe.Process(callCtx, batch, sess.OutputDirectory, config)
	metrics.PipelineLatency.Observe(time.Since(started).Seconds())
	cancel()
	<-beatDone

	if slot.dead.Load() {
		// The watchdog recovered this job while the call was in
		// flight; recording anything now would race the replacement.
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown aborted the call; the halt path preserves the
			// session for resume instead of charging the files.
			return
		}
		cls := r.classifier.Classify("pipeline_error", err.Error())
		for _, path := range batch {
			r.recordFailure(sess, pipeline.FailedFile{
				Path:      path,
				ErrorType: "pipeline_error",
				Message:   err.Error(),
			}, cls.Category, cls.Suggestion)
		}
		return
	}

	seen := make(map[string]struct{}, len(batch))
	for _, p := range result.Processed {
		seen[p.Path] = struct{}{}
		if err := r.sessions.RecordProcessedFile(sess, p.Path, p.OutputPath, p.FileHash); err != nil {
			r.log.Error("failed to record processed file", "path", p.Path, "error", err)
			continue
		}
		if sess.FindFailed(p.Path) != nil {
			if err := r.sessions.ClearFailedFile(sess, p.Path); err != nil {
				r.log.Error("failed to clear failed record", "path", p.Path, "error", err)
			}
		}
		metrics.FilesProcessed.Inc()
	}
	for _, f := range result.Failed {
		seen[f.Path] = struct{}{}
		cls := r.classifier.Classify(f.ErrorType, f.Message)
		r.recordFailure(sess, f, cls.Category, cls.Suggestion)
	}
	for _, path := range batch {
		if _, ok := seen[path]; ok {
			continue
		}
		cls := r.classifier.Classify("missing_outcome", "no outcome reported")
		r.recordFailure(sess, pipeline.FailedFile{
			Path:      path,
			ErrorType: "missing_outcome",
			Message:   "pipeline reported no outcome for this file",
		}, cls.Category, cls.Suggestion)
	}
}

func (r *Runtime) recordFailure(sess *domain.Session, f pipeline.FailedFile, category domain.ErrorCategory, suggestion string) {
	err := r.sessions.RecordFailedFile(sess, f.Path, f.ErrorType, f.Message, category, suggestion, f.StackTrace)
	if err != nil {
		r.log.Error("failed to record failed file", "path", f.Path, "error", err)
		return
	}
	metrics.FilesFailed.WithLabelValues(string(category)).Inc()

	if category == domain.CategoryPermanent {
		if qerr := r.sessions.QuarantineFile(sess, f.Path); qerr != nil {
			r.log.Error("failed to quarantine file", "path", f.Path, "error", qerr)
		}
	}
	r.log.Warn("file failed",
		"path", f.Path, "error_type", f.ErrorType,
		"category", string(category), "message", f.Message)
}

// finishJob derives the terminal status from the session statistics,
// finalizes the session and writes the closing event.
func (r *Runtime) finishJob(ctx context.Context, job *domain.Job, sess *domain.Session) {
	status, event := terminalStatus(sess)
	reason := fmt.Sprintf("processed=%d failed=%d skipped=%d of %d",
		sess.Statistics.ProcessedCount, sess.Statistics.FailedCount,
		sess.Statistics.SkippedCount, sess.Statistics.TotalFiles)

	if err := r.sessions.Complete(sess); err != nil {
		r.log.Error("failed to finalize session",
			"session_id", sess.SessionID, "error", err)
	} else if sess.Statistics.FailedCount > 0 {
		metrics.SessionsArchived.Inc()
	}

	if err := r.jobs.MarkTerminal(ctx, job.ID, status, reason); err != nil {
		r.log.Error("failed to finish job", "job_id", job.ID, "error", err)
		return
	}
	r.appendEvent(ctx, job.ID, event, reason, "")
	r.cancels.Delete(job.ID)
	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	r.log.Info("job finished", "job_id", job.ID, "status", string(status), "detail", reason)
}

// haltJob parks a half-done job during shutdown: the session is marked
// interrupted so it can be resumed, the job record stays running for
// startup reconciliation to requeue. Cancellation semantics are
// reserved for an explicit Cancel.
func (r *Runtime) haltJob(job *domain.Job, sess *domain.Session) {
	if sess != nil {
		if err := r.sessions.MarkInterrupted(sess); err != nil {
			r.log.Error("failed to mark halted session interrupted",
				"session_id", sess.SessionID, "error", err)
		}
	}
	r.log.Info("job halted by shutdown, left for reconciliation",
		"job_id", job.ID, "session_id", job.SessionID)
}

func (r *Runtime) finishCancelled(ctx context.Context, job *domain.Job, sess *domain.Session) {
	if sess != nil {
		if err := r.sessions.Interrupt(sess); err != nil {
			r.log.Error("failed to archive cancelled session",
				"session_id", sess.SessionID, "error", err)
		}
	}
	if err := r.jobs.MarkTerminal(ctx, job.ID, domain.JobFailed, "cancelled by operator"); err != nil {
		r.log.Error("failed to finish cancelled job", "job_id", job.ID, "error", err)
		return
	}
	r.appendEvent(ctx, job.ID, domain.EventCancelled, "job cancelled before completion", "")
	r.cancels.Delete(job.ID)
	metrics.JobsFinished.WithLabelValues(string(domain.JobFailed)).Inc()
	r.log.Info("job cancelled", "job_id", job.ID)
}

// terminalStatus maps session statistics to the job's final state:
// any success plus any failure is partial, failures with no successes
// is failed, everything else is completed.
func terminalStatus(sess *domain.Session) (domain.JobStatus, string) {
	stats := sess.Statistics
	switch {
	case stats.FailedCount > 0 && stats.ProcessedCount > 0:
		return domain.JobPartial, domain.EventPartial
	case stats.FailedCount > 0:
		return domain.JobFailed, domain.EventFailed
	default:
		return domain.JobCompleted, domain.EventCompleted
	}
}

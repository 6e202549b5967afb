package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/renderq/renderq/errors"
)

// ErrUnknownTaskType is returned by CreateJob for an unregistered tag.
var ErrUnknownTaskType = errors.New("unknown task type")

// BroadcastFunc is the sink through which lifecycle events leave the registry.
// It is called synchronously from whichever goroutine produced the event —
// including executor goroutines — so installations must be safe to invoke from
// any goroutine. The server installs a function that posts into its broadcast
// worker queue.
type BroadcastFunc func(jobID string, message map[string]interface{})

// Registry is the job type table, deduplication index, lifecycle state table
// and bounded-concurrency executor. It is an explicit value constructed at
// startup and shared by the protocol handler and the executor goroutines.
//
// The mutex guards O(1) map updates only and is never held across I/O or a
// semaphore acquisition.
type Registry struct {
	mu         sync.Mutex
	types      map[string]Handler
	jobs       map[string]*Job
	cancelled  map[string]struct{}
	clientJobs map[string]map[string]struct{}
	sem        *semaphore.Weighted
	maxConc    int64
	broadcast  BroadcastFunc

	ctx    context.Context
	logger *zap.SugaredLogger
}

// NewRegistry creates a registry with the given concurrency bound. The context
// gates semaphore acquisition: cancelling it prevents queued jobs from
// starting during shutdown.
func NewRegistry(ctx context.Context, maxConcurrency int, log *zap.SugaredLogger) *Registry {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Registry{
		types:      make(map[string]Handler),
		jobs:       make(map[string]*Job),
		cancelled:  make(map[string]struct{}),
		clientJobs: make(map[string]map[string]struct{}),
		sem:        semaphore.NewWeighted(int64(maxConcurrency)),
		maxConc:    int64(maxConcurrency),
		ctx:        ctx,
		logger:     log.Named("jobs"),
	}
}

// Register binds a tag to a handler. Re-registering a tag overwrites the
// previous handler.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[taskType] = h
}

// IsRegistered reports whether a tag has a handler.
func (r *Registry) IsRegistered(taskType string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.types[taskType]
	return ok
}

// SetBroadcastCallback installs the broadcast sink.
func (r *Registry) SetBroadcastCallback(fn BroadcastFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcast = fn
}

// SetMaxConcurrency adjusts the global concurrency bound. The new bound applies
// to jobs created after the call; jobs already running or queued keep the
// previous semaphore, whose permits are counted separately from the new one.
func (r *Registry) SetMaxConcurrency(n int) {
	if n < 1 {
		n = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if int64(n) == r.maxConc {
		return
	}
	r.maxConc = int64(n)
	r.sem = semaphore.NewWeighted(int64(n))
	r.logger.Infow("Max concurrency updated", "max_concurrency", n)
}

// MaxConcurrency returns the current concurrency bound.
func (r *Registry) MaxConcurrency() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.maxConc)
}

// GetJob returns a snapshot of a job, or nil if the id is unknown.
func (r *Registry) GetJob(jobID string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job, ok := r.jobs[jobID]; ok {
		return job.Snapshot()
	}
	return nil
}

// ClientJobs returns snapshots of every job created under a client identity.
func (r *Registry) ClientJobs(clientID string) []*Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := r.clientJobs[clientID]
	out := make([]*Job, 0, len(ids))
	for id := range ids {
		if job, ok := r.jobs[id]; ok {
			out = append(out, job.Snapshot())
		}
	}
	return out
}

// IsCancelled reports whether a job is in the cancellation set. The entry is
// removed when the executor finishes with the job, which is after its terminal
// write.
func (r *Registry) IsCancelled(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancelled[jobID]
	return ok
}

// CancelJob requests cancellation. Returns true iff the job exists and was
// pending or processing.
//
// A pending job transitions to cancelled immediately and broadcasts its
// terminal status here; the executor later observes the transition and skips
// execution. A processing job only gets flagged — the executor produces the
// terminal broadcast when the handler returns or bails out.
func (r *Registry) CancelJob(jobID string) bool {
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status.IsTerminal() {
		r.mu.Unlock()
		return false
	}
	r.cancelled[jobID] = struct{}{}
	wasPending := job.Status == StatusPending
	if wasPending {
		now := time.Now()
		job.Status = StatusCancelled
		job.Error = "job cancelled by user"
		job.CompletedAt = &now
	}
	r.mu.Unlock()

	if wasPending {
		jobsFinished.WithLabelValues(string(StatusCancelled)).Inc()
		r.logger.Infow("Cancelled pending job", "job_id", jobID)
		r.broadcastStatus(jobID, string(StatusCancelled), nil, "job cancelled by user")
	} else {
		r.logger.Infow("Cancellation requested for running job", "job_id", jobID)
	}
	return true
}

// CreateJob creates a job or returns the existing entry for the derived id.
//
// Dedup rules by current state of the id:
//   - pending/processing: return the existing entry, schedule nothing
//   - completed: return the existing entry
//   - failed/cancelled: replace with a fresh pending entry and re-execute
//   - no entry, cache blob present: adopt a fully-formed completed entry
//   - no entry, no cache: fresh pending entry, scheduled for execution
func (r *Registry) CreateJob(taskType string, params map[string]interface{}, clientID string) (*Job, error) {
	r.mu.Lock()
	h, ok := r.types[taskType]
	r.mu.Unlock()
	if !ok {
		return nil, errors.Wrapf(ErrUnknownTaskType, "%q", taskType)
	}

	jobID, err := h.DeriveID(params)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to derive job id for task type %q", taskType)
	}

	if existing := r.liveEntry(jobID); existing != nil {
		r.logger.Debugw("Job already exists, returning existing",
			"job_id", jobID,
			"status", existing.Status,
		)
		return existing, nil
	}

	// Disk cache check happens outside the lock.
	if c, ok := h.(Cacheable); ok {
		if adopted := r.adoptCached(taskType, jobID, params, c.CachePolicy()); adopted != nil {
			return adopted, nil
		}
	}

	now := time.Now()
	job := &Job{
		ID:        jobID,
		TaskType:  taskType,
		Params:    params,
		Status:    StatusPending,
		ClientID:  clientID,
		CreatedAt: now,
	}

	r.mu.Lock()
	// Re-check under the lock: a concurrent CreateJob may have raced us while
	// we touched the disk.
	if existing, ok := r.jobs[jobID]; ok && !isRetryable(existing.Status) {
		snap := existing.Snapshot()
		r.mu.Unlock()
		return snap, nil
	}
	r.jobs[jobID] = job
	if clientID != "" {
		set := r.clientJobs[clientID]
		if set == nil {
			set = make(map[string]struct{})
			r.clientJobs[clientID] = set
		}
		set[jobID] = struct{}{}
	}
	sem := r.sem
	r.mu.Unlock()

	r.logger.Infow("Job created",
		"job_id", jobID,
		"task_type", taskType,
		"client_id", clientID,
	)

	go r.execute(sem, h, taskType, jobID, params)

	return job.Snapshot(), nil
}

// liveEntry returns a snapshot of the existing entry when dedup applies, nil
// when a fresh entry should be created (no entry, or failed/cancelled retry).
func (r *Registry) liveEntry(jobID string) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.jobs[jobID]
	if !ok || isRetryable(existing.Status) {
		return nil
	}
	return existing.Snapshot()
}

func isRetryable(s JobStatus) bool {
	return s == StatusFailed || s == StatusCancelled
}

// adoptCached tries to satisfy a first-sighting of an id from the disk cache.
// Any failure falls through to re-execution.
func (r *Registry) adoptCached(taskType, jobID string, params map[string]interface{}, policy CachePolicy) *Job {
	path := CachePath(jobID, policy.Suffix, policy.Dir)
	data, err := ReadCache(path)
	if err != nil {
		r.logger.Warnw("Cache read failed, re-executing",
			"job_id", jobID,
			"path", path,
			"error", err,
		)
		return nil
	}
	if data == nil {
		return nil
	}

	result, err := policy.Deserialize(data)
	if err != nil {
		r.logger.Warnw("Cache blob corrupt, re-executing",
			"job_id", jobID,
			"path", path,
			"error", err,
		)
		return nil
	}

	now := time.Now()
	job := &Job{
		ID:          jobID,
		TaskType:    taskType,
		Params:      params,
		Status:      StatusCompleted,
		Result:      result,
		CreatedAt:   now,
		CompletedAt: &now,
	}

	r.mu.Lock()
	if existing, ok := r.jobs[jobID]; ok && !isRetryable(existing.Status) {
		snap := existing.Snapshot()
		r.mu.Unlock()
		return snap
	}
	r.jobs[jobID] = job
	r.mu.Unlock()

	cacheHits.Inc()
	r.logger.Infow("Job satisfied from cache",
		"job_id", jobID,
		"task_type", taskType,
	)
	return job.Snapshot()
}

// execute drives one scheduled job through the lifecycle while holding a
// concurrency permit. The semaphore's wait queue is FIFO, so when the bound is
// saturated jobs start in the order their goroutines reached the semaphore.
func (r *Registry) execute(sem *semaphore.Weighted, h Handler, taskType, jobID string, params map[string]interface{}) {
	if err := sem.Acquire(r.ctx, 1); err != nil {
		r.logger.Debugw("Executor shutting down before job start", "job_id", jobID)
		return
	}
	defer sem.Release(1)

	defer func() {
		r.mu.Lock()
		delete(r.cancelled, jobID)
		r.mu.Unlock()
	}()

	// A cancel that landed while the job was still pending already produced
	// its terminal broadcast; skip execution entirely.
	r.mu.Lock()
	job, ok := r.jobs[jobID]
	if !ok || job.Status != StatusPending {
		r.mu.Unlock()
		return
	}
	job.Status = StatusProcessing
	r.mu.Unlock()

	jobsInFlight.Inc()
	defer jobsInFlight.Dec()

	r.broadcastStatus(jobID, string(StatusProcessing), nil, "")

	sink := &registrySink{registry: r, jobID: jobID}
	result, execErr := runHandler(r.ctx, h, params, sink)

	// A cancel flag set before the terminal-state write wins, even over a
	// successful return. The flag is read under the same lock as the write.
	now := time.Now()
	r.mu.Lock()
	_, flagged := r.cancelled[jobID]
	if execErr == nil && flagged {
		execErr = errors.New("job cancelled by user")
	}
	if execErr != nil {
		status := StatusFailed
		if flagged {
			status = StatusCancelled
		}
		if job, ok := r.jobs[jobID]; ok {
			job.Status = status
			job.Error = execErr.Error()
			job.CompletedAt = &now
		}
		r.mu.Unlock()

		jobsFinished.WithLabelValues(string(status)).Inc()
		r.logger.Infow("Job finished",
			"job_id", jobID,
			"task_type", taskType,
			"status", status,
			"error", execErr.Error(),
		)
		r.broadcastStatus(jobID, string(status), nil, execErr.Error())
		return
	}

	if job, ok := r.jobs[jobID]; ok {
		job.Status = StatusCompleted
		job.Result = result
		job.CompletedAt = &now
	}
	r.mu.Unlock()

	if c, ok := h.(Cacheable); ok {
		r.writeCache(jobID, result, c.CachePolicy())
	}

	jobsFinished.WithLabelValues(string(StatusCompleted)).Inc()
	r.logger.Infow("Job completed",
		"job_id", jobID,
		"task_type", taskType,
	)
	r.broadcastStatus(jobID, string(StatusCompleted), result, "")
}

// runHandler invokes a handler, converting a panic into a job failure so one
// misbehaving handler cannot take down other jobs or the hub.
func runHandler(ctx context.Context, h Handler, params map[string]interface{}, sink EventSink) (result map[string]interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = errors.Newf("handler panic: %v", rec)
		}
	}()
	return h.Execute(ctx, params, sink)
}

// writeCache persists a completed result. Failures are logged and ignored —
// the cache is an optimization, never a dependency.
func (r *Registry) writeCache(jobID string, result map[string]interface{}, policy CachePolicy) {
	data, err := policy.Serialize(result)
	if err != nil {
		r.logger.Warnw("Cache serialization failed",
			"job_id", jobID,
			"error", err,
		)
		return
	}
	path := CachePath(jobID, policy.Suffix, policy.Dir)
	if err := WriteCache(path, data); err != nil {
		r.logger.Warnw("Cache write failed",
			"job_id", jobID,
			"path", path,
			"error", err,
		)
	}
}

// updateJobStatus handles intermediate status strings emitted by handlers via
// the event sink. The status field is only written while the job is
// non-terminal; the broadcast goes out either way.
func (r *Registry) updateJobStatus(jobID, status string, extra map[string]interface{}) {
	r.mu.Lock()
	if job, ok := r.jobs[jobID]; ok && !job.Status.IsTerminal() {
		job.Status = JobStatus(status)
	}
	r.mu.Unlock()

	r.broadcastStatus(jobID, status, extra, "")
}

func (r *Registry) broadcastStatus(jobID, status string, result map[string]interface{}, errMsg string) {
	msg := map[string]interface{}{
		"type":   "job_status",
		"job_id": jobID,
		"status": status,
	}
	if result != nil {
		msg["result"] = result
	}
	if errMsg != "" {
		msg["error"] = errMsg
	}
	r.emit(jobID, msg)
}

func (r *Registry) broadcastProgress(jobID string, payload map[string]interface{}) {
	r.emit(jobID, map[string]interface{}{
		"type":     "job_progress",
		"job_id":   jobID,
		"progress": payload,
	})
}

func (r *Registry) emit(jobID string, msg map[string]interface{}) {
	r.mu.Lock()
	fn := r.broadcast
	r.mu.Unlock()
	if fn == nil {
		return
	}
	fn(jobID, msg)
}

// registrySink adapts registry broadcast plumbing to the EventSink interface
// handed to handlers.
type registrySink struct {
	registry *Registry
	jobID    string
}

func (s *registrySink) Progress(payload map[string]interface{}) {
	s.registry.broadcastProgress(s.jobID, payload)
}

func (s *registrySink) Status(status string, extra map[string]interface{}) {
	s.registry.updateJobStatus(s.jobID, status, extra)
}

func (s *registrySink) Cancelled() bool {
	return s.registry.IsCancelled(s.jobID)
}

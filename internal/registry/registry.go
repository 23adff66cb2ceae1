// Package registry tracks in-flight jobs and enforces the concurrency ceiling.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jelmer/janitor-go/internal/history"
	"github.com/jelmer/janitor-go/internal/metrics"
	"github.com/jelmer/janitor-go/internal/models"
)

// WorkFunc is the unit of work spawned for a dispatched job. Its error
// (or nil) becomes the job's terminal record.
type WorkFunc func(ctx context.Context) error

// activeJob owns the JobInfo and the handle to the running task.
type activeJob struct {
	info        *models.JobInfo
	handle      *taskHandle
	cancelAsked bool
}

// Registry tracks currently in-flight jobs keyed by a caller-chosen
// deduplication key. Dispatch is idempotent per key, and the number of
// non-finished jobs never exceeds the configured ceiling.
type Registry struct {
	mu     sync.RWMutex
	active map[string]*activeJob // dedup key -> job
	byID   map[string]string     // job id -> dedup key

	history *history.Log
	limit   int
	logger  zerolog.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Registry with the given concurrency ceiling.
func New(limit int, hist *history.Log, logger zerolog.Logger, m *metrics.Metrics) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		active:  make(map[string]*activeJob),
		byID:    make(map[string]string),
		history: hist,
		limit:   limit,
		logger:  logger.With().Str("component", "registry").Logger(),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// StartOrJoin starts a unit of work for the given dedup key, or joins
// the one already in flight. If an unfinished job exists for key, its
// id is returned and no new task is spawned. Otherwise, if the count of
// unfinished jobs is at the ceiling, a ResourceLimitError is returned
// and no state is mutated.
//
// The ceiling check and the insert happen inside one critical section;
// the work itself runs outside any lock.
func (r *Registry) StartOrJoin(key, campaign string, fn WorkFunc) (string, error) {
	r.mu.Lock()

	if aj, ok := r.active[key]; ok && !aj.info.Status.IsTerminal() {
		id := aj.info.ID
		r.mu.Unlock()
		r.logger.Debug().Str("key", key).Str("job_id", id).Msg("Joining in-flight job")
		return id, nil
	}

	if r.unfinishedCountLocked() >= r.limit {
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.DispatchRefused.Inc()
		}
		return "", &models.ResourceLimitError{Limit: r.limit}
	}

	info := models.NewJobInfo(key, campaign)
	info.Status = models.JobRunning
	info.StartedAt = time.Now()

	taskCtx, taskCancel := context.WithCancel(r.ctx)
	aj := &activeJob{
		info:   info,
		handle: newTaskHandle(taskCancel),
	}
	r.active[key] = aj
	r.byID[info.ID] = key
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.logger.Info().
		Str("key", key).
		Str("campaign", campaign).
		Str("job_id", info.ID).
		Msg("Starting job")
	if r.metrics != nil {
		r.metrics.DispatchesTotal.WithLabelValues("started").Inc()
	}

	r.wg.Add(1)
	go r.run(taskCtx, key, info.ID, aj.handle, fn)

	return info.ID, nil
}

// run executes the unit of work and finalizes the entry. Panics inside
// the work are recorded as a failed job, never propagated.
func (r *Registry) run(ctx context.Context, key, id string, handle *taskHandle, fn WorkFunc) {
	defer r.wg.Done()

	var err error
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error().
					Interface("panic", rec).
					Str("key", key).
					Str("job_id", id).
					Msg("Job panicked")
				err = fmt.Errorf("job panicked: %v", rec)
			}
		}()
		err = fn(ctx)
	}()

	handle.markFinished()
	r.finalize(key, id, err)
}

// finalize writes the terminal record exactly once and moves the entry
// to history. The id check guards against finalizing a newer job that
// reused the key.
func (r *Registry) finalize(key, id string, err error) {
	r.mu.Lock()
	aj, ok := r.active[key]
	if !ok || aj.info.ID != id {
		r.mu.Unlock()
		return
	}
	delete(r.active, key)
	delete(r.byID, id)

	now := time.Now()
	switch {
	case err == nil:
		aj.info.Finish(models.JobCompleted, "", now)
	case errors.Is(err, context.Canceled) && aj.cancelAsked:
		aj.info.Finish(models.JobCancelled, "", now)
	default:
		aj.info.Finish(models.JobFailed, err.Error(), now)
	}
	entry := aj.info.Clone()
	r.updateGaugeLocked()
	r.mu.Unlock()

	r.history.Append(entry)
	if r.metrics != nil {
		r.metrics.RecordFinished(string(entry.Status))
	}

	evt := r.logger.Info()
	if entry.Status == models.JobFailed {
		evt = r.logger.Warn().Str("error", entry.Error)
	}
	evt.Str("key", key).
		Str("job_id", id).
		Str("status", string(entry.Status)).
		Msg("Job finished")
}

// Cancel requests cancellation of the job with the given id. The
// terminal record is written by the task's completion handler once
// cancellation takes effect.
func (r *Registry) Cancel(id string) error {
	r.mu.Lock()
	key, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return models.ErrJobNotFound
	}
	aj := r.active[key]
	aj.cancelAsked = true
	handle := aj.handle
	r.mu.Unlock()

	r.logger.Info().Str("job_id", id).Str("key", key).Msg("Cancelling job")
	handle.RequestCancel()
	return nil
}

// CleanupFinished reconciles entries whose task finished but whose
// completion handler has not yet removed them. This is a best-effort
// fallback; the status defaults to completed when nothing better is
// known. Returns the number of entries reconciled.
func (r *Registry) CleanupFinished() int {
	type leftover struct {
		key string
		id  string
	}

	r.mu.RLock()
	var stale []leftover
	for key, aj := range r.active {
		if aj.handle.IsFinished() && !aj.info.Status.IsTerminal() {
			stale = append(stale, leftover{key: key, id: aj.info.ID})
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		r.logger.Warn().
			Str("key", s.key).
			Str("job_id", s.id).
			Msg("Reconciling finished job with no terminal record")
		r.finalize(s.key, s.id, nil)
	}
	return len(stale)
}

// Active returns snapshots of all unfinished jobs.
func (r *Registry) Active() []*models.JobInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	jobs := make([]*models.JobInfo, 0, len(r.active))
	for _, aj := range r.active {
		jobs = append(jobs, aj.info.Clone())
	}
	return jobs
}

// History returns snapshots of retained finished jobs, oldest first.
func (r *Registry) History() []*models.JobInfo {
	return r.history.List()
}

// Get returns the job with the given id, checking the active set first
// and then history.
func (r *Registry) Get(id string) (*models.JobInfo, error) {
	r.mu.RLock()
	if key, ok := r.byID[id]; ok {
		info := r.active[key].info.Clone()
		r.mu.RUnlock()
		return info, nil
	}
	r.mu.RUnlock()

	return r.history.Get(id)
}

// Stats is a point-in-time summary for the health surface.
type Stats struct {
	Active    int                      `json:"active"`
	Running   int                      `json:"running"`
	Limit     int                      `json:"limit"`
	Finished  map[models.JobStatus]int `json:"finished"`
	OverLimit bool                     `json:"over_limit"`
}

// GetStats returns current registry statistics. OverLimit is a warning
// signal: the running count should never exceed the ceiling.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	running := 0
	for _, aj := range r.active {
		if aj.info.Status == models.JobRunning {
			running++
		}
	}
	active := len(r.active)
	r.mu.RUnlock()

	return Stats{
		Active:    active,
		Running:   running,
		Limit:     r.limit,
		Finished:  r.history.CountByStatus(),
		OverLimit: running > r.limit,
	}
}

// Stop cancels all in-flight jobs and waits for their completion
// handlers to run.
func (r *Registry) Stop() {
	r.cancel()
	r.wg.Wait()
}

// unfinishedCountLocked counts non-terminal entries. Must be called
// with mu held.
func (r *Registry) unfinishedCountLocked() int {
	count := 0
	for _, aj := range r.active {
		if !aj.info.Status.IsTerminal() {
			count++
		}
	}
	return count
}

// updateGaugeLocked refreshes the active-job gauge. Must be called with
// mu held.
func (r *Registry) updateGaugeLocked() {
	if r.metrics != nil {
		r.metrics.SetActiveJobs(len(r.active))
	}
}

// Package watchdog supervises long-running remote executions.
package watchdog

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jelmer/janitor-go/internal/history"
	"github.com/jelmer/janitor-go/internal/metrics"
	"github.com/jelmer/janitor-go/internal/models"
	"github.com/jelmer/janitor-go/internal/storage"
	"github.com/jelmer/janitor-go/pkg/clock"
)

// gracePeriod is how long the watchdog waits for a worker to shut down
// voluntarily after a termination signal.
const gracePeriod = 5 * time.Second

// Config holds watchdog tuning parameters.
type Config struct {
	CheckInterval       time.Duration
	DefaultTimeout      time.Duration
	MaxTimeout          time.Duration
	HeartbeatTimeout    time.Duration
	MaxHealthFailures   int
	MaintenanceInterval time.Duration
	MaxRunAge           time.Duration
	MaxRetries          int
	MinRetryDelay       time.Duration
}

// DefaultConfig returns the default watchdog configuration.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval:       30 * time.Second,
		DefaultTimeout:      time.Hour,
		MaxTimeout:          4 * time.Hour,
		HeartbeatTimeout:    5 * time.Minute,
		MaxHealthFailures:   3,
		MaintenanceInterval: 5 * time.Minute,
		MaxRunAge:           6 * time.Hour,
		MaxRetries:          3,
		MinRetryDelay:       time.Hour,
	}
}

// Watchdog periodically checks all supervised runs for timeouts and
// worker health, and terminates runs that fail either check. It also
// runs a slower maintenance sweep for stale records and retry marking.
type Watchdog struct {
	cfg     *Config
	store   storage.RunStore
	history *history.Log
	clock   clock.Clock
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// failures counts consecutive failing health observations per run.
	failures map[string]int
	// terminating guards against double termination of the same run.
	terminating map[string]bool
	mu          sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Watchdog over the given run store.
func New(store storage.RunStore, hist *history.Log, cfg *Config, logger zerolog.Logger, clk clock.Clock, m *metrics.Metrics) *Watchdog {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Watchdog{
		cfg:         cfg,
		store:       store,
		history:     hist,
		clock:       clk,
		logger:      logger.With().Str("component", "watchdog").Logger(),
		metrics:     m,
		failures:    make(map[string]int),
		terminating: make(map[string]bool),
	}
}

// Start launches the check and maintenance loops.
func (w *Watchdog) Start(ctx context.Context) {
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.logger.Info().
		Dur("check_interval", w.cfg.CheckInterval).
		Dur("maintenance_interval", w.cfg.MaintenanceInterval).
		Msg("Starting watchdog")

	w.wg.Add(2)
	go w.checkLoop()
	go w.maintenanceLoop()
}

// Stop stops both loops and waits for in-flight iterations.
func (w *Watchdog) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.logger.Info().Msg("Watchdog stopped")
}

// checkLoop drives the periodic health and timeout checks. A failure in
// one iteration never stops the loop.
func (w *Watchdog) checkLoop() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C():
			w.CheckOnce(w.ctx)
		}
	}
}

// maintenanceLoop drives the periodic maintenance sweep.
func (w *Watchdog) maintenanceLoop() {
	defer w.wg.Done()

	ticker := w.clock.NewTicker(w.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C():
			w.MaintenanceOnce(w.ctx)
		}
	}
}

// CheckOnce runs a single pass over all supervised runs.
func (w *Watchdog) CheckOnce(ctx context.Context) {
	runs, err := w.store.ActiveRuns()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list active runs")
		return
	}
	w.metrics.SetSupervisedRuns(len(runs))

	for _, run := range runs {
		w.checkRun(ctx, run)
	}
}

// checkRun applies the timeout and health checks to a single run.
func (w *Watchdog) checkRun(ctx context.Context, run *models.ActiveRun) {
	now := w.clock.Now()

	// Timeout supersedes health checks.
	deadline := run.Deadline(w.cfg.DefaultTimeout, w.cfg.MaxTimeout)
	if now.After(deadline) {
		w.logger.Warn().
			Str("run_id", run.ID).
			Time("deadline", deadline).
			Msg("Run exceeded its deadline")
		w.TerminateRun(ctx, run, models.TimeoutReason{})
		return
	}

	if run.Backchannel == nil {
		w.softFailure(ctx, run, models.WorkerDisappearedReason{}, "run has no backchannel")
		return
	}

	health, err := run.Backchannel.HealthStatus(ctx, run.ID)
	if err != nil {
		w.classifyHealthError(ctx, run, err)
		return
	}

	// A stale heartbeat means the worker process is likely gone even if
	// the last reported status looks fine.
	if health.LastPing != nil && now.Sub(*health.LastPing) > w.cfg.HeartbeatTimeout {
		w.softFailure(ctx, run, models.WorkerDisappearedReason{}, "worker heartbeat is stale")
		return
	}

	switch health.Status {
	case models.HealthHealthy, models.HealthRunning, models.HealthBuilding:
		w.resetFailures(run.ID)

	case models.HealthCompleted:
		if health.CurrentRunID != "" && health.CurrentRunID != run.ID {
			// The worker moved on without this run being finalized.
			w.logger.Warn().
				Str("run_id", run.ID).
				Str("current_run_id", health.CurrentRunID).
				Msg("Worker is processing a different run")
			w.TerminateRun(ctx, run, models.WorkerDisappearedReason{})
			return
		}
		w.resetFailures(run.ID)

	case models.HealthUnhealthy, models.HealthFailed, models.HealthAborted:
		w.softFailure(ctx, run, models.HealthCheckFailedReason{Failures: w.cfg.MaxHealthFailures}, "worker reported "+health.Status)

	case models.HealthNotFound, models.HealthUnreachable, models.HealthDifferentRun:
		// These mean the run can no longer be meaningfully supervised.
		w.TerminateRun(ctx, run, models.WorkerDisappearedReason{})

	default:
		// Unknown status strings are soft failures; the backchannel
		// contract may evolve.
		w.logger.Debug().
			Str("run_id", run.ID).
			Str("status", health.Status).
			Msg("Unknown health status")
		w.softFailure(ctx, run, models.HealthCheckFailedReason{Failures: w.cfg.MaxHealthFailures}, "unknown health status "+health.Status)
	}
}

// classifyHealthError decides how to treat a backchannel query failure.
func (w *Watchdog) classifyHealthError(ctx context.Context, run *models.ActiveRun, err error) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found") || strings.Contains(msg, "fatal failure"):
		w.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Fatal backchannel error")
		w.TerminateRun(ctx, run, models.WorkerDisappearedReason{})
	case strings.Contains(msg, "unreachable") || strings.Contains(msg, "timeout") || strings.Contains(msg, "connection"):
		w.softFailure(ctx, run, models.WorkerDisappearedReason{}, "worker unreachable: "+err.Error())
	default:
		w.softFailure(ctx, run, models.HealthCheckFailedReason{Failures: w.cfg.MaxHealthFailures}, "health query failed: "+err.Error())
	}
}

// softFailure records a failing observation and terminates the run once
// the consecutive-failure count reaches the configured threshold.
func (w *Watchdog) softFailure(ctx context.Context, run *models.ActiveRun, reason models.TerminationReason, detail string) {
	w.mu.Lock()
	w.failures[run.ID]++
	count := w.failures[run.ID]
	w.mu.Unlock()

	w.metrics.RecordHealthFailure()
	w.logger.Debug().
		Str("run_id", run.ID).
		Int("failures", count).
		Str("detail", detail).
		Msg("Health check failure")

	if count >= w.cfg.MaxHealthFailures {
		if r, ok := reason.(models.HealthCheckFailedReason); ok {
			r.Failures = count
			reason = r
		}
		w.TerminateRun(ctx, run, reason)
	}
}

// resetFailures clears the consecutive-failure counter for a run.
func (w *Watchdog) resetFailures(runID string) {
	w.mu.Lock()
	delete(w.failures, runID)
	w.mu.Unlock()
}

// TerminateRun terminates a supervised run: it signals the worker,
// waits a short grace period, writes the terminal result, and removes
// the run from supervision. Shared by the automatic checks and manual
// kills; at most one terminal result is written per run.
func (w *Watchdog) TerminateRun(ctx context.Context, run *models.ActiveRun, reason models.TerminationReason) {
	w.mu.Lock()
	if w.terminating[run.ID] {
		w.mu.Unlock()
		return
	}
	w.terminating[run.ID] = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.terminating, run.ID)
		w.mu.Unlock()
	}()

	// The run may have been finalized by its own completion path since
	// the check began.
	if _, err := w.store.ActiveRun(run.ID); err != nil {
		return
	}

	w.logger.Info().
		Str("run_id", run.ID).
		Str("worker", run.Worker).
		Str("codebase", run.Codebase).
		Str("code", reason.Code()).
		Msg("Terminating run")

	// Termination is a best-effort signal; never abort on failure.
	if run.Backchannel != nil {
		if err := run.Backchannel.Terminate(ctx, run.ID); err != nil {
			w.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Failed to signal termination")
		}
	}

	// Give the worker a moment to shut down voluntarily.
	select {
	case <-w.clock.After(gracePeriod):
	case <-ctx.Done():
	}

	finished := w.clock.Now()
	details := w.buildDetails(ctx, run, reason, finished)

	if err := w.store.UpdateRunResult(run.ID, reason.Code(), reason.Description(), details, reason.Transient(), finished); err != nil {
		w.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to write run result")
	}
	if err := w.store.RemoveActiveRun(run.ID); err != nil {
		w.logger.Error().Err(err).Str("run_id", run.ID).Msg("Failed to remove run from supervision")
	}
	w.resetFailures(run.ID)
	w.metrics.RecordTermination(reason.Code())

	if w.history != nil {
		w.history.Append(w.terminalRecord(run, reason, finished))
	}
}

// buildDetails assembles the structured failure record for a
// termination.
func (w *Watchdog) buildDetails(ctx context.Context, run *models.ActiveRun, reason models.TerminationReason, finished time.Time) map[string]interface{} {
	details := map[string]interface{}{
		"worker":   run.Worker,
		"codebase": run.Codebase,
	}
	if run.Campaign != "" {
		details["campaign"] = run.Campaign
	}
	if !run.StartTime.IsZero() {
		details["duration_seconds"] = finished.Sub(run.StartTime).Seconds()
	}
	if run.EstimatedDuration > 0 {
		details["estimated_duration_seconds"] = run.EstimatedDuration.Seconds()
	}

	switch r := reason.(type) {
	case models.TimeoutReason:
		details["deadline"] = run.Deadline(w.cfg.DefaultTimeout, w.cfg.MaxTimeout).Format(time.RFC3339)
	case models.HealthCheckFailedReason:
		details["health_failures"] = r.Failures
	case models.SystemFailureReason:
		details["system_error"] = r.Msg
	}

	// Best-effort diagnostic payload from the worker.
	if run.Backchannel != nil {
		if health, err := run.Backchannel.HealthStatus(ctx, run.ID); err == nil {
			details["worker_status"] = health.Status
			if health.LastPing != nil {
				details["last_ping"] = health.LastPing.Format(time.RFC3339)
			}
		}
	}
	return details
}

// terminalRecord converts a termination into a history entry. Manual
// kills surface as cancelled; everything else as failed.
func (w *Watchdog) terminalRecord(run *models.ActiveRun, reason models.TerminationReason, finished time.Time) *models.JobInfo {
	status := models.JobFailed
	if _, manual := reason.(models.ManualKillReason); manual {
		status = models.JobCancelled
	}
	info := &models.JobInfo{
		ID:        run.ID,
		Key:       run.Codebase,
		Campaign:  run.Campaign,
		Status:    models.JobRunning,
		StartedAt: run.StartTime,
	}
	info.Finish(status, reason.Description(), finished)
	return info
}

// KillRun manually terminates a run by id. Returns false if no such
// run is under supervision; no state is mutated in that case.
func (w *Watchdog) KillRun(ctx context.Context, runID string) (bool, error) {
	run, err := w.store.ActiveRun(runID)
	if err != nil {
		if errors.Is(err, models.ErrRunNotFound) {
			return false, nil
		}
		return false, err
	}
	w.TerminateRun(ctx, run, models.ManualKillReason{})
	return true, nil
}

// MaintenanceOnce runs a single maintenance sweep. The three tasks are
// independent; a failure in one does not block the others.
func (w *Watchdog) MaintenanceOnce(ctx context.Context) {
	if n, err := w.store.CleanupStaleRuns(w.cfg.MaxRunAge); err != nil {
		w.logger.Error().Err(err).Msg("Stale run cleanup failed")
	} else if n > 0 {
		w.logger.Info().Int("purged", n).Msg("Purged stale run records")
		if w.metrics != nil {
			w.metrics.StaleRunsPurged.Add(float64(n))
		}
	}

	if n, err := w.store.MarkRunsForRetry(w.cfg.MaxRetries, w.cfg.MinRetryDelay); err != nil {
		w.logger.Error().Err(err).Msg("Retry marking failed")
	} else if n > 0 {
		w.logger.Info().Int("marked", n).Msg("Marked runs for retry")
		if w.metrics != nil {
			w.metrics.RetriesMarked.Add(float64(n))
		}
	}

	if err := w.store.MaintenanceCleanup(); err != nil {
		w.logger.Error().Err(err).Msg("Storage maintenance failed")
	}
}

// RunHealth is the detailed health view of a single supervised run.
type RunHealth struct {
	Run         *models.ActiveRun    `json:"run"`
	Health      *models.HealthStatus `json:"health,omitempty"`
	HealthError string               `json:"health_error,omitempty"`
	Failures    int                  `json:"failures"`
	Deadline    time.Time            `json:"deadline"`
}

// CheckRunHealth returns the detailed health of a single run.
func (w *Watchdog) CheckRunHealth(ctx context.Context, runID string) (*RunHealth, error) {
	run, err := w.store.ActiveRun(runID)
	if err != nil {
		return nil, err
	}
	return w.runHealth(ctx, run), nil
}

// DetailedHealthStatus returns the health of every supervised run.
func (w *Watchdog) DetailedHealthStatus(ctx context.Context) []*RunHealth {
	runs, err := w.store.ActiveRuns()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to list active runs")
		return nil
	}

	result := make([]*RunHealth, 0, len(runs))
	for _, run := range runs {
		result = append(result, w.runHealth(ctx, run))
	}
	return result
}

func (w *Watchdog) runHealth(ctx context.Context, run *models.ActiveRun) *RunHealth {
	rh := &RunHealth{
		Run:      run,
		Deadline: run.Deadline(w.cfg.DefaultTimeout, w.cfg.MaxTimeout),
	}

	w.mu.Lock()
	rh.Failures = w.failures[run.ID]
	w.mu.Unlock()

	if run.Backchannel != nil {
		health, err := run.Backchannel.HealthStatus(ctx, run.ID)
		if err != nil {
			rh.HealthError = err.Error()
		} else {
			rh.Health = health
		}
	}
	return rh
}

// FailureStats exposes terminal-result counts by code from the store.
func (w *Watchdog) FailureStats() (map[string]int64, error) {
	return w.store.FailureStats()
}

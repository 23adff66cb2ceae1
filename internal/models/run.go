package models

import (
	"context"
	"time"
)

// Backchannel is a capability reference for querying and signalling the
// remote executor of a run. It is owned by the collaborator that started
// the worker; the supervisor only queries and signals through it.
type Backchannel interface {
	// HealthStatus queries the worker for the health of the given run.
	HealthStatus(ctx context.Context, runID string) (*HealthStatus, error)
	// Terminate requests termination of the given run. Best-effort.
	Terminate(ctx context.Context, runID string) error
}

// ActiveRun is a long-running remote execution under supervision.
type ActiveRun struct {
	ID                string        `json:"id"`
	Worker            string        `json:"worker"`
	Codebase          string        `json:"codebase"`
	Campaign          string        `json:"campaign,omitempty"`
	StartTime         time.Time     `json:"start_time"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
	Attempt           int           `json:"attempt,omitempty"`

	// Backchannel is a reference, not owned data, and is not persisted.
	Backchannel Backchannel `json:"-"`
}

// Deadline computes the wall-clock deadline for the run. The estimated
// duration is used when present, capped at maxTimeout.
func (r *ActiveRun) Deadline(defaultTimeout, maxTimeout time.Duration) time.Time {
	timeout := r.EstimatedDuration
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if timeout > maxTimeout {
		timeout = maxTimeout
	}
	return r.StartTime.Add(timeout)
}

// Clone returns a copy of the run. The backchannel reference is shared.
func (r *ActiveRun) Clone() *ActiveRun {
	runCopy := *r
	return &runCopy
}

// Worker-reported health status strings.
const (
	HealthHealthy      = "healthy"
	HealthRunning      = "running"
	HealthBuilding     = "building"
	HealthCompleted    = "completed"
	HealthUnhealthy    = "unhealthy"
	HealthFailed       = "failed"
	HealthAborted      = "aborted"
	HealthNotFound     = "not-found"
	HealthUnreachable  = "unreachable"
	HealthDifferentRun = "different-run"
)

// HealthStatus is a worker's self-reported state for a run.
type HealthStatus struct {
	Status       string     `json:"status"`
	LastPing     *time.Time `json:"last_ping,omitempty"`
	CurrentRunID string     `json:"current_run_id,omitempty"`
}

// RunResult is the terminal record of a supervised run, as written to
// the durable store and consumed by the retry ledger.
type RunResult struct {
	RunID       string                 `json:"run_id"`
	Codebase    string                 `json:"codebase"`
	Campaign    string                 `json:"campaign,omitempty"`
	Worker      string                 `json:"worker"`
	Code        string                 `json:"code"`
	Description string                 `json:"description"`
	Transient   bool                   `json:"transient"`
	StartTime   time.Time              `json:"start_time"`
	FinishedAt  time.Time              `json:"finished_at"`
	Details     map[string]interface{} `json:"details,omitempty"`

	// Retry bookkeeping, maintained by the maintenance sweep.
	RetryCount    int  `json:"retry_count"`
	RetryEligible bool `json:"retry_eligible"`
}

// Duration returns the wall-clock duration of the run.
func (r *RunResult) Duration() time.Duration {
	if r.StartTime.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartTime)
}

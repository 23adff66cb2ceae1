// Package storage provides the durable run store backing the watchdog.
package storage

import (
	"time"

	"github.com/jelmer/janitor-go/internal/models"
)

// RunStore persists active-run records and their terminal results.
// The watchdog supervises whatever this store reports as active, which
// may be a superset of what any single registry holds in memory.
type RunStore interface {
	// AddRun registers a run for supervision.
	AddRun(run *models.ActiveRun) error
	// ActiveRuns returns all runs currently registered as active.
	ActiveRuns() ([]*models.ActiveRun, error)
	// ActiveRun returns the active run with the given id, or ErrRunNotFound.
	ActiveRun(id string) (*models.ActiveRun, error)
	// UpdateRunResult writes the terminal result for a run.
	UpdateRunResult(id, code, description string, details map[string]interface{}, transient bool, finishedAt time.Time) error
	// RemoveActiveRun removes a run from the active set.
	RemoveActiveRun(id string) error
	// RunResult returns the terminal result for a run, or ErrRunNotFound.
	RunResult(id string) (*models.RunResult, error)
	// CleanupStaleRuns removes active-run records older than maxAge and
	// returns the number removed.
	CleanupStaleRuns(maxAge time.Duration) (int, error)
	// MarkRunsForRetry marks failed transient results eligible for retry
	// when their retry count is below maxRetries and they finished at
	// least minDelay ago. Returns the number marked.
	MarkRunsForRetry(maxRetries int, minDelay time.Duration) (int, error)
	// MaintenanceCleanup performs generic storage maintenance.
	MaintenanceCleanup() error
	// FailureStats returns counts of terminal results by result code.
	FailureStats() (map[string]int64, error)
	// Close releases store resources.
	Close() error
}

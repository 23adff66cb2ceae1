package storage

import (
	"sync"
	"time"

	"github.com/jelmer/janitor-go/internal/models"
	"github.com/jelmer/janitor-go/pkg/clock"
)

// Compile-time check.
var _ RunStore = (*MemoryStore)(nil)

// MemoryStore implements RunStore with in-memory maps. Useful for
// testing and single-process deployments.
type MemoryStore struct {
	runs    map[string]*models.ActiveRun
	results map[string]*models.RunResult
	clock   clock.Clock
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory run store.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		runs:    make(map[string]*models.ActiveRun),
		results: make(map[string]*models.RunResult),
		clock:   clk,
	}
}

// AddRun registers a run for supervision.
func (s *MemoryStore) AddRun(run *models.ActiveRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[run.ID] = run.Clone()
	return nil
}

// ActiveRuns returns all runs currently registered as active.
func (s *MemoryStore) ActiveRuns() ([]*models.ActiveRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]*models.ActiveRun, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run.Clone())
	}
	return runs, nil
}

// ActiveRun returns the active run with the given id.
func (s *MemoryStore) ActiveRun(id string) (*models.ActiveRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	return run.Clone(), nil
}

// UpdateRunResult writes the terminal result for a run.
func (s *MemoryStore) UpdateRunResult(id, code, description string, details map[string]interface{}, transient bool, finishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := &models.RunResult{
		RunID:       id,
		Code:        code,
		Description: description,
		Transient:   transient,
		FinishedAt:  finishedAt,
		Details:     details,
	}
	if run, ok := s.runs[id]; ok {
		result.Codebase = run.Codebase
		result.Campaign = run.Campaign
		result.Worker = run.Worker
		result.StartTime = run.StartTime
		result.RetryCount = run.Attempt
	}
	s.results[id] = result
	return nil
}

// RemoveActiveRun removes a run from the active set.
func (s *MemoryStore) RemoveActiveRun(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.runs, id)
	return nil
}

// RunResult returns the terminal result for a run.
func (s *MemoryStore) RunResult(id string) (*models.RunResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[id]
	if !ok {
		return nil, models.ErrRunNotFound
	}
	resultCopy := *result
	return &resultCopy, nil
}

// CleanupStaleRuns removes active-run records older than maxAge.
func (s *MemoryStore) CleanupStaleRuns(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-maxAge)
	removed := 0
	for id, run := range s.runs {
		if run.StartTime.Before(cutoff) {
			delete(s.runs, id)
			removed++
		}
	}
	return removed, nil
}

// MarkRunsForRetry marks failed transient results eligible for retry.
func (s *MemoryStore) MarkRunsForRetry(maxRetries int, minDelay time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	marked := 0
	for _, result := range s.results {
		if result.RetryEligible || !result.Transient {
			continue
		}
		if result.RetryCount >= maxRetries {
			continue
		}
		if now.Sub(result.FinishedAt) < minDelay {
			continue
		}
		result.RetryEligible = true
		marked++
	}
	return marked, nil
}

// MaintenanceCleanup is a no-op for the in-memory store.
func (s *MemoryStore) MaintenanceCleanup() error {
	return nil
}

// FailureStats returns counts of terminal results by result code.
func (s *MemoryStore) FailureStats() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	for _, result := range s.results {
		stats[result.Code]++
	}
	return stats, nil
}

// Close releases store resources.
func (s *MemoryStore) Close() error {
	return nil
}

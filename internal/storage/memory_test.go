package storage

import (
	"context"
	"testing"
	"time"

	"github.com/jelmer/janitor-go/internal/models"
	"github.com/jelmer/janitor-go/pkg/clock"
)

type nopBackchannel struct{}

func (nopBackchannel) HealthStatus(ctx context.Context, runID string) (*models.HealthStatus, error) {
	return &models.HealthStatus{Status: models.HealthRunning}, nil
}

func (nopBackchannel) Terminate(ctx context.Context, runID string) error {
	return nil
}

func testRun(id string, start time.Time) *models.ActiveRun {
	return &models.ActiveRun{
		ID:          id,
		Worker:      "worker-1",
		Codebase:    "dulwich",
		Campaign:    "lintian-fixes",
		StartTime:   start,
		Backchannel: nopBackchannel{},
	}
}

func TestMemoryStore_AddGetRemove(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	defer store.Close()

	run := testRun("run-1", clk.Now())
	if err := store.AddRun(run); err != nil {
		t.Fatalf("AddRun failed: %v", err)
	}

	got, err := store.ActiveRun("run-1")
	if err != nil {
		t.Fatalf("ActiveRun failed: %v", err)
	}
	if got.Codebase != "dulwich" {
		t.Errorf("expected codebase 'dulwich', got %s", got.Codebase)
	}
	if got.Backchannel == nil {
		t.Error("backchannel reference lost")
	}

	runs, err := store.ActiveRuns()
	if err != nil {
		t.Fatalf("ActiveRuns failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 active run, got %d", len(runs))
	}

	if err := store.RemoveActiveRun("run-1"); err != nil {
		t.Fatalf("RemoveActiveRun failed: %v", err)
	}
	if _, err := store.ActiveRun("run-1"); err != models.ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound after removal, got %v", err)
	}
}

func TestMemoryStore_ActiveRun_NotFound(t *testing.T) {
	store := NewMemoryStore(nil)
	defer store.Close()

	if _, err := store.ActiveRun("missing"); err != models.ErrRunNotFound {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMemoryStore_UpdateRunResult(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	defer store.Close()

	run := testRun("run-1", clk.Now())
	run.Attempt = 2
	if err := store.AddRun(run); err != nil {
		t.Fatalf("AddRun failed: %v", err)
	}

	finished := clk.Now().Add(time.Hour)
	details := map[string]interface{}{"health": "unhealthy"}
	if err := store.UpdateRunResult("run-1", "worker-failure", "worker failed health checks", details, true, finished); err != nil {
		t.Fatalf("UpdateRunResult failed: %v", err)
	}

	result, err := store.RunResult("run-1")
	if err != nil {
		t.Fatalf("RunResult failed: %v", err)
	}
	if result.Code != "worker-failure" {
		t.Errorf("expected code 'worker-failure', got %s", result.Code)
	}
	if !result.Transient {
		t.Error("expected transient result")
	}
	if result.Codebase != "dulwich" {
		t.Errorf("run context not copied into result: %s", result.Codebase)
	}
	if result.RetryCount != 2 {
		t.Errorf("expected retry count 2, got %d", result.RetryCount)
	}
	if result.Duration() != time.Hour {
		t.Errorf("expected duration 1h, got %v", result.Duration())
	}
}

func TestMemoryStore_CleanupStaleRuns(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	store := NewMemoryStore(clk)
	defer store.Close()

	_ = store.AddRun(testRun("old", start))
	clk.Add(7 * time.Hour)
	_ = store.AddRun(testRun("fresh", clk.Now()))

	removed, err := store.CleanupStaleRuns(6 * time.Hour)
	if err != nil {
		t.Fatalf("CleanupStaleRuns failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if _, err := store.ActiveRun("old"); err != models.ErrRunNotFound {
		t.Error("stale run still active")
	}
	if _, err := store.ActiveRun("fresh"); err != nil {
		t.Errorf("fresh run was removed: %v", err)
	}
}

func TestMemoryStore_MarkRunsForRetry(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	store := NewMemoryStore(clk)
	defer store.Close()

	// Transient failure, old enough: eligible.
	_ = store.AddRun(testRun("retry-me", start))
	_ = store.UpdateRunResult("retry-me", "worker-timeout", "run exceeded its timeout", nil, true, start)
	_ = store.RemoveActiveRun("retry-me")

	// Manual kill: never auto-retried.
	_ = store.AddRun(testRun("killed", start))
	_ = store.UpdateRunResult("killed", "killed", "run was killed manually", nil, false, start)
	_ = store.RemoveActiveRun("killed")

	// Transient but too recent.
	clk.Add(2 * time.Hour)
	_ = store.AddRun(testRun("too-soon", clk.Now()))
	_ = store.UpdateRunResult("too-soon", "worker-failure", "worker failed health checks", nil, true, clk.Now())
	_ = store.RemoveActiveRun("too-soon")

	marked, err := store.MarkRunsForRetry(3, time.Hour)
	if err != nil {
		t.Fatalf("MarkRunsForRetry failed: %v", err)
	}
	if marked != 1 {
		t.Fatalf("expected 1 marked, got %d", marked)
	}

	result, _ := store.RunResult("retry-me")
	if !result.RetryEligible {
		t.Error("transient old failure not marked for retry")
	}
	result, _ = store.RunResult("killed")
	if result.RetryEligible {
		t.Error("manually killed run marked for retry")
	}
	result, _ = store.RunResult("too-soon")
	if result.RetryEligible {
		t.Error("recent failure marked for retry before min delay")
	}

	// A second sweep marks nothing new.
	marked, err = store.MarkRunsForRetry(3, time.Hour)
	if err != nil {
		t.Fatalf("second MarkRunsForRetry failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("expected 0 marked on second sweep, got %d", marked)
	}
}

func TestMemoryStore_MarkRunsForRetry_MaxRetries(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewMock(start)
	store := NewMemoryStore(clk)
	defer store.Close()

	run := testRun("exhausted", start)
	run.Attempt = 3
	_ = store.AddRun(run)
	_ = store.UpdateRunResult("exhausted", "worker-timeout", "run exceeded its timeout", nil, true, start)
	_ = store.RemoveActiveRun("exhausted")

	clk.Add(2 * time.Hour)
	marked, err := store.MarkRunsForRetry(3, time.Hour)
	if err != nil {
		t.Fatalf("MarkRunsForRetry failed: %v", err)
	}
	if marked != 0 {
		t.Errorf("expected 0 marked for exhausted run, got %d", marked)
	}
}

func TestMemoryStore_FailureStats(t *testing.T) {
	clk := clock.NewMock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	store := NewMemoryStore(clk)
	defer store.Close()

	for i, code := range []string{"worker-timeout", "worker-timeout", "killed"} {
		id := string(rune('a' + i))
		_ = store.AddRun(testRun(id, clk.Now()))
		_ = store.UpdateRunResult(id, code, code, nil, code != "killed", clk.Now())
		_ = store.RemoveActiveRun(id)
	}

	stats, err := store.FailureStats()
	if err != nil {
		t.Fatalf("FailureStats failed: %v", err)
	}
	if stats["worker-timeout"] != 2 {
		t.Errorf("expected 2 worker-timeout, got %d", stats["worker-timeout"])
	}
	if stats["killed"] != 1 {
		t.Errorf("expected 1 killed, got %d", stats["killed"])
	}
}

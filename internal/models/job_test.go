package models

import (
	"testing"
	"time"
)

func TestJobStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobPending, false},
		{JobRunning, false},
		{JobCompleted, true},
		{JobFailed, true},
		{JobCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.status, got, tt.terminal)
			}
		})
	}
}

func TestNewJobInfo(t *testing.T) {
	info := NewJobInfo("bullseye", "fresh-releases")

	if info.ID == "" {
		t.Error("expected non-empty ID")
	}
	if info.Key != "bullseye" {
		t.Errorf("expected key 'bullseye', got %s", info.Key)
	}
	if info.Campaign != "fresh-releases" {
		t.Errorf("expected campaign 'fresh-releases', got %s", info.Campaign)
	}
	if info.Status != JobPending {
		t.Errorf("expected status pending, got %s", info.Status)
	}
	if info.CompletedAt != nil {
		t.Error("expected nil CompletedAt")
	}
}

func TestJobInfo_Finish(t *testing.T) {
	info := NewJobInfo("sid", "")
	info.Status = JobRunning
	now := time.Now()

	if !info.Finish(JobFailed, "boom", now) {
		t.Fatal("Finish returned false on first call")
	}
	if info.Status != JobFailed {
		t.Errorf("expected failed, got %s", info.Status)
	}
	if info.Error != "boom" {
		t.Errorf("expected error 'boom', got %s", info.Error)
	}
	if info.CompletedAt == nil || !info.CompletedAt.Equal(now) {
		t.Errorf("expected CompletedAt %v, got %v", now, info.CompletedAt)
	}
}

func TestJobInfo_Finish_TerminalIsMonotonic(t *testing.T) {
	info := NewJobInfo("sid", "")
	info.Status = JobRunning
	now := time.Now()

	if !info.Finish(JobCompleted, "", now) {
		t.Fatal("first Finish failed")
	}
	if info.Finish(JobFailed, "late failure", now.Add(time.Second)) {
		t.Error("Finish succeeded on a terminal job")
	}
	if info.Status != JobCompleted {
		t.Errorf("terminal status regressed to %s", info.Status)
	}
	if info.Error != "" {
		t.Errorf("error was overwritten: %s", info.Error)
	}
}

func TestJobInfo_Clone(t *testing.T) {
	info := NewJobInfo("trixie", "lintian-fixes")
	info.Status = JobRunning
	now := time.Now()
	info.Finish(JobCompleted, "", now)

	clone := info.Clone()
	if clone == info {
		t.Fatal("Clone returned the same pointer")
	}
	if clone.CompletedAt == info.CompletedAt {
		t.Error("Clone shares CompletedAt pointer")
	}

	later := now.Add(time.Hour)
	*clone.CompletedAt = later
	if info.CompletedAt.Equal(later) {
		t.Error("mutating clone affected original")
	}
}

// Package models defines the core data structures for the janitor supervisor.
package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the status of a dispatched unit of work.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal returns true if the status is final. Terminal statuses
// never transition further.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// JobInfo describes a unit of work tracked by the registry.
type JobInfo struct {
	ID          string     `json:"id"`
	Key         string     `json:"key"`
	Campaign    string     `json:"campaign,omitempty"`
	Status      JobStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// NewJobInfo creates a JobInfo in the pending state.
func NewJobInfo(key, campaign string) *JobInfo {
	return &JobInfo{
		ID:       uuid.New().String(),
		Key:      key,
		Campaign: campaign,
		Status:   JobPending,
	}
}

// Finish records a terminal status and completion time. Transitions out
// of a terminal status are refused, keeping the status monotonic.
func (j *JobInfo) Finish(status JobStatus, errMsg string, at time.Time) bool {
	if j.Status.IsTerminal() {
		return false
	}
	j.Status = status
	j.Error = errMsg
	completedAt := at
	j.CompletedAt = &completedAt
	return true
}

// Clone returns a copy of the JobInfo.
func (j *JobInfo) Clone() *JobInfo {
	jobCopy := *j
	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		jobCopy.CompletedAt = &completedAt
	}
	return &jobCopy
}

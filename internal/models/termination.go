package models

import "fmt"

// TerminationReason explains why a supervised run was terminated. It is
// a closed set; each variant carries a fixed result code, a description
// and a transience flag. Transient reasons make the run eligible for
// automatic retry.
type TerminationReason interface {
	Code() string
	Description() string
	Transient() bool

	terminationReason()
}

// TimeoutReason indicates the run exceeded its wall-clock deadline.
type TimeoutReason struct{}

func (TimeoutReason) Code() string        { return "worker-timeout" }
func (TimeoutReason) Description() string { return "run exceeded its timeout" }
func (TimeoutReason) Transient() bool     { return true }
func (TimeoutReason) terminationReason()  {}

// HealthCheckFailedReason indicates repeated failing health reports.
type HealthCheckFailedReason struct {
	Failures int
}

func (r HealthCheckFailedReason) Code() string { return "worker-failure" }
func (r HealthCheckFailedReason) Description() string {
	return fmt.Sprintf("worker failed %d consecutive health checks", r.Failures)
}
func (HealthCheckFailedReason) Transient() bool    { return true }
func (HealthCheckFailedReason) terminationReason() {}

// ManualKillReason indicates an operator requested termination.
// Never auto-retried.
type ManualKillReason struct{}

func (ManualKillReason) Code() string        { return "killed" }
func (ManualKillReason) Description() string { return "run was killed manually" }
func (ManualKillReason) Transient() bool     { return false }
func (ManualKillReason) terminationReason()  {}

// WorkerDisappearedReason indicates the worker can no longer be
// meaningfully supervised: it vanished, became unreachable, or moved on
// to a different run.
type WorkerDisappearedReason struct{}

func (WorkerDisappearedReason) Code() string        { return "worker-disappeared" }
func (WorkerDisappearedReason) Description() string { return "worker disappeared" }
func (WorkerDisappearedReason) Transient() bool     { return true }
func (WorkerDisappearedReason) terminationReason()  {}

// SystemFailureReason indicates a supervisor-side failure.
type SystemFailureReason struct {
	Msg string
}

func (SystemFailureReason) Code() string { return "system-failure" }
func (r SystemFailureReason) Description() string {
	return fmt.Sprintf("system failure: %s", r.Msg)
}
func (SystemFailureReason) Transient() bool    { return true }
func (SystemFailureReason) terminationReason() {}

package domain

import "strings"

// RunState is the aggregate state of a run.
type RunState string

const (
	RunStatePending   RunState = "pending"
	RunStateRunning   RunState = "running"
	RunStateSucceeded RunState = "succeeded"
	RunStateFailed    RunState = "failed"
	RunStateCanceled  RunState = "canceled"
)

// InstanceState is the state of one job instance.
type InstanceState string

const (
	InstancePending   InstanceState = "pending"
	InstanceRunning   InstanceState = "running"
	InstanceSucceeded InstanceState = "succeeded"
	InstanceFailed    InstanceState = "failed"
	InstanceCanceled  InstanceState = "canceled"
	InstanceSkipped   InstanceState = "skipped"
)

// StepStatus is the recorded status of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// NormalizeRunState maps free-form status values to canonical run states.
func NormalizeRunState(value string) RunState {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(RunStatePending), "created":
		return RunStatePending
	case string(RunStateRunning):
		return RunStateRunning
	case string(RunStateSucceeded), "success":
		return RunStateSucceeded
	case string(RunStateFailed), "failure":
		return RunStateFailed
	case string(RunStateCanceled), "cancelled":
		return RunStateCanceled
	default:
		return ""
	}
}

// IsTerminalRunState reports whether the run can no longer change state.
func IsTerminalRunState(state RunState) bool {
	switch state {
	case RunStateSucceeded, RunStateFailed, RunStateCanceled:
		return true
	}
	return false
}

// IsTerminalInstanceState reports whether the instance reached its final
// state.
func IsTerminalInstanceState(state InstanceState) bool {
	switch state {
	case InstanceSucceeded, InstanceFailed, InstanceCanceled, InstanceSkipped:
		return true
	}
	return false
}

// CanTransitionInstanceState enforces forward-only progression: pending may
// move to running or straight to a terminal state, running only to a
// terminal state, terminal states never change.
func CanTransitionInstanceState(current, next InstanceState) bool {
	if current == "" || next == "" {
		return false
	}
	if current == next {
		return true
	}
	return instanceStateOrder(current) < instanceStateOrder(next)
}

func instanceStateOrder(state InstanceState) int {
	switch state {
	case InstancePending:
		return 1
	case InstanceRunning:
		return 2
	case InstanceSucceeded, InstanceFailed, InstanceCanceled, InstanceSkipped:
		return 3
	default:
		return 0
	}
}

// CheckState reduces a run state to the three-valued commit status
// exposed to status checks and callbacks.
func CheckState(state RunState) string {
	switch state {
	case RunStateSucceeded:
		return "success"
	case RunStateFailed, RunStateCanceled:
		return "failure"
	default:
		return "pending"
	}
}

// AggregateRunState folds instance states into the run state: the run
// succeeds only when every instance succeeded. Skipped instances are the
// shadow of a failed dependency and count as failure.
func AggregateRunState(states []InstanceState) RunState {
	if len(states) == 0 {
		return RunStateSucceeded
	}
	running := false
	failed := false
	canceled := false
	for _, state := range states {
		switch state {
		case InstancePending, InstanceRunning:
			running = true
		case InstanceFailed, InstanceSkipped:
			failed = true
		case InstanceCanceled:
			canceled = true
		}
	}
	switch {
	case running:
		return RunStateRunning
	case failed:
		return RunStateFailed
	case canceled:
		return RunStateCanceled
	default:
		return RunStateSucceeded
	}
}

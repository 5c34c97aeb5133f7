package engine

import (
	"fmt"
)

// TaskState is the lifecycle state of a job-center task item.
// States only move forward: pending -> processing -> completed.
type TaskState string

const (
	// TaskStatePending indicates the item waits in its category queue.
	TaskStatePending TaskState = "pending"

	// TaskStateProcessing indicates the item was written to a worker partition.
	TaskStateProcessing TaskState = "processing"

	// TaskStateCompleted indicates the worker acknowledged the item.
	TaskStateCompleted TaskState = "completed"
)

func (s TaskState) rank() int {
	switch s {
	case TaskStatePending:
		return 0
	case TaskStateProcessing:
		return 1
	case TaskStateCompleted:
		return 2
	default:
		return -1
	}
}

// Validate checks if the task state is valid.
func (s TaskState) Validate() error {
	if s.rank() < 0 {
		return fmt.Errorf("invalid task state: %s", s)
	}
	return nil
}

// IsTerminal returns true if no further transition is possible.
func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted
}

// CanTransition reports whether moving from s to next is allowed.
// Only single forward steps are valid; no reversal and no skipping.
func (s TaskState) CanTransition(next TaskState) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() == s.rank()+1
}

// RoleState represents the lifecycle of a supervised role.
type RoleState string

const (
	// RoleStatePending indicates the role is registered but not started.
	RoleStatePending RoleState = "pending"

	// RoleStateRunning indicates the role's loop is active.
	RoleStateRunning RoleState = "running"

	// RoleStateHalted indicates the role observed its halt flag and returned.
	RoleStateHalted RoleState = "halted"

	// RoleStateFailed indicates the role returned an error and died.
	RoleStateFailed RoleState = "failed"
)

// IsTerminal returns true if the role will not run again without a restart.
func (s RoleState) IsTerminal() bool {
	return s == RoleStateHalted || s == RoleStateFailed
}

// PartitionState is the directory state of a storage partition.
type PartitionState string

const (
	PartitionFree       PartitionState = "free"
	PartitionRegistered PartitionState = "registered"
)

// PartitionKind records which kind of registrant holds a partition.
type PartitionKind string

const (
	PartitionKindWorker      PartitionKind = "worker"
	PartitionKindCoordinator PartitionKind = "coordinator"
)

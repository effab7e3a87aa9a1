package model

import "fmt"

type TaskStatus string

const (
	TaskIntake           TaskStatus = "intake"
	TaskScored           TaskStatus = "scored"
	TaskPlanning         TaskStatus = "planning"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskExecuting        TaskStatus = "executing"
	TaskDone             TaskStatus = "done"
	TaskFailed           TaskStatus = "failed"
	TaskArchived         TaskStatus = "archived"
)

// TaskStatuses lists every task status in lifecycle order.
var TaskStatuses = []TaskStatus{
	TaskIntake,
	TaskScored,
	TaskPlanning,
	TaskAwaitingApproval,
	TaskExecuting,
	TaskDone,
	TaskFailed,
	TaskArchived,
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
	ApprovalExpired  ApprovalStatus = "expired"
)

type JobStatus string

const (
	JobActive JobStatus = "active"
	JobFailed JobStatus = "failed"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskDone:     true,
	TaskArchived: true,
}

// Task transitions: forward only; failed → archived is the single operator edge.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskIntake: {
		TaskScored:   true,
		TaskArchived: true, // unscorable content
	},
	TaskScored: {
		TaskPlanning: true,
	},
	TaskPlanning: {
		TaskAwaitingApproval: true,
		TaskExecuting:        true,
		TaskFailed:           true,
	},
	TaskAwaitingApproval: {
		TaskExecuting: true,
		TaskArchived:  true, // rejected or expired
	},
	TaskExecuting: {
		TaskDone:   true,
		TaskFailed: true,
	},
	TaskFailed: {
		TaskArchived: true,
	},
}

// taskRank orders statuses by lifecycle progress; reconciliation keeps the highest.
var taskRank = map[TaskStatus]int{
	TaskIntake:           0,
	TaskScored:           1,
	TaskPlanning:         2,
	TaskAwaitingApproval: 3,
	TaskExecuting:        4,
	TaskDone:             5,
	TaskFailed:           5,
	TaskArchived:         6,
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsValidTaskStatus(s TaskStatus) bool {
	_, ok := taskRank[s]
	return ok
}

// TaskRank returns the lifecycle position of s, or -1 when s is unknown.
func TaskRank(s TaskStatus) int {
	r, ok := taskRank[s]
	if !ok {
		return -1
	}
	return r
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func IsApprovalTerminal(s ApprovalStatus) bool {
	return s == ApprovalApproved || s == ApprovalRejected || s == ApprovalExpired
}

// ValidateApprovalTransition enforces the single transition out of pending.
func ValidateApprovalTransition(from, to ApprovalStatus) error {
	if from != ApprovalPending {
		return fmt.Errorf("approval already resolved as %q", from)
	}
	if !IsApprovalTerminal(to) {
		return fmt.Errorf("invalid approval transition: %q → %q", from, to)
	}
	return nil
}

package model

import "time"

// TaskKind identifies the deferred action a ScheduledTask performs.
type TaskKind string

// TaskKindDeactivateMembership ends the old membership of a rebalance transition.
const TaskKindDeactivateMembership TaskKind = "deactivate_membership"

// TaskStatus is the lifecycle state of a ScheduledTask.
type TaskStatus string

const (
	TaskStatusPending TaskStatus = "pending"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusFailed  TaskStatus = "failed"
)

// ScheduledTask is a durable, time-triggered side effect.
type ScheduledTask struct {
	ID        string     `json:"id"`
	Kind      TaskKind   `json:"kind"`
	UserID    string     `json:"user_id"`
	CircleID  string     `json:"circle_id"`
	DueAt     time.Time  `json:"due_at"`
	Status    TaskStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

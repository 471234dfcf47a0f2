package core

import "time"

// TaskKind identifies the unit of deferred work a Task represents.
type TaskKind string

const (
	TaskStep     TaskKind = "STEP"
	TaskActivity TaskKind = "ACTIVITY"
	TaskTimer    TaskKind = "TIMER"
)

// TaskStatus is the lifecycle state of a queued Task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
)

// Task is a unit of deferred work: resume a workflow's replay, run one
// activity attempt, or fire a timer. Tasks are derived state —
// reconstructible from history and retry policy — but persisted for
// efficient polling via the (status, run_at) index.
type Task struct {
	ID          string
	WorkflowID  string
	Kind        TaskKind
	Target      string // step name, activity id, or timer id
	RunAt       time.Time
	Status      TaskStatus
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

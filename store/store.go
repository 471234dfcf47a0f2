// Package store defines the durable persistence contract Loom's engine and
// worker are built against: transactional append of events, atomic
// claim/complete/fail of tasks, and workflow status transitions.
// store/sqlite provides the default embedded implementation.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/loomrun/loom/core"
)

// Store is the transactional persistence contract shared by the engine and
// the worker. Every method either fully succeeds or has no observable
// effect — there is no partial-commit state a caller needs to reason about.
type Store interface {
	// CreateWorkflow appends WORKFLOW_STARTED, inserts the workflow row as
	// RUNNING, and enqueues the initial STEP task, all in one transaction.
	CreateWorkflow(ctx context.Context, wf *core.WorkflowInstance, initialState json.RawMessage) error

	// CommitStep bundles a step's observable effects — new events, new
	// tasks to enqueue, and an optional terminal status transition — into
	// a single atomic write. newStatus is nil when the workflow remains
	// RUNNING.
	CommitStep(ctx context.Context, workflowID string, events []core.Event, tasks []core.Task, newStatus *core.WorkflowStatus) error

	// LoadHistory returns the full ordered event history for a workflow.
	LoadHistory(ctx context.Context, workflowID string) ([]core.Event, error)

	// GetWorkflow returns a workflow's current row.
	GetWorkflow(ctx context.Context, workflowID string) (*core.WorkflowInstance, error)

	// ListWorkflows returns up to limit workflows matching status, most
	// recently created first. An empty status matches every workflow.
	ListWorkflows(ctx context.Context, status core.WorkflowStatus, limit int) ([]*core.WorkflowInstance, error)

	// ClaimNextTask atomically selects one PENDING task with RunAt <= now,
	// marks it RUNNING, increments its attempt counter, and returns it. It
	// must never return a STEP task for a workflow that already has a
	// STEP task RUNNING at a time. Returns (nil, nil) if the queue
	// has no claimable task.
	ClaimNextTask(ctx context.Context, workerID string, now time.Time) (*core.Task, error)

	// CompleteTask marks a claimed task COMPLETED.
	CompleteTask(ctx context.Context, taskID string) error

	// FailTask records a failed attempt. If retryAt is non-nil the task
	// goes back to PENDING with RunAt set to retryAt; otherwise it is
	// marked terminally FAILED.
	FailTask(ctx context.Context, taskID string, errMsg string, retryAt *time.Time) error

	// AppendSignal appends SIGNAL_RECEIVED and enqueues a STEP task for
	// the workflow if none is already pending or running.
	AppendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error

	// CancelWorkflow appends WORKFLOW_CANCELLED and marks the workflow
	// CANCELLED. It is a no-op error if the workflow is already terminal.
	CancelWorkflow(ctx context.Context, workflowID, reason string) error

	// AppendLog records one log line associated with a workflow.
	AppendLog(ctx context.Context, workflowID, level, message string) error

	// Close releases any underlying resources (e.g. the database handle).
	Close() error
}

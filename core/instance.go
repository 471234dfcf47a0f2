// Package core holds the data model shared by every Loom package: workflow
// instances, the append-only event history, and the derived task queue.
package core

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow instance.
type WorkflowStatus string

const (
	WorkflowStatusRunning   WorkflowStatus = "RUNNING"
	WorkflowStatusCompleted WorkflowStatus = "COMPLETED"
	WorkflowStatusFailed    WorkflowStatus = "FAILED"
	WorkflowStatusCancelled WorkflowStatus = "CANCELLED"
)

// IsTerminal reports whether no further events may be appended for a
// workflow in this status.
func (s WorkflowStatus) IsTerminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	default:
		return false
	}
}

// WorkflowInstance is a single durable run of a registered workflow
// definition.
type WorkflowInstance struct {
	ID        string
	Name      string
	Version   int
	Input     json.RawMessage
	Status    WorkflowStatus
	CreatedAt time.Time
	UpdatedAt time.Time

	// ParentWorkflowID is set when this instance was spawned by another
	// workflow's StartChildWorkflow call. Empty for a top-level instance.
	ParentWorkflowID string
}

// ChildCompletedSignal is the name of the signal a completed or failed
// child instance delivers to ParentWorkflowID, so a step blocked on
// ctx.WaitForSignal(ChildCompletedSignal(childID)) resumes once the child
// resolves.
func ChildCompletedSignal(childID string) string {
	return "loom.child_completed." + childID
}

// ChildCompletedPayload is the signal payload a child instance's outcome
// is folded into.
type ChildCompletedPayload struct {
	Status     WorkflowStatus  `json:"status"`
	FinalState json.RawMessage `json:"final_state,omitempty"`
	Error      string          `json:"error,omitempty"`
}

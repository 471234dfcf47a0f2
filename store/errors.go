package store

import "errors"

var (
	// ErrInstanceNotFound is returned when a workflow id has no matching row.
	ErrInstanceNotFound = errors.New("loom/store: workflow instance not found")

	// ErrInstanceAlreadyExists is returned by CreateWorkflow when the id
	// collides with an existing instance.
	ErrInstanceAlreadyExists = errors.New("loom/store: workflow instance already exists")

	// ErrTaskNotClaimable is returned by CompleteTask/FailTask when the
	// task id does not name a task in the RUNNING state.
	ErrTaskNotClaimable = errors.New("loom/store: task is not in a claimable state")

	// ErrWorkflowTerminal is returned when an operation tries to affect a
	// workflow whose status is already terminal.
	ErrWorkflowTerminal = errors.New("loom/store: workflow is already terminal")
)

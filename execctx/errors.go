package execctx

import "fmt"

// ErrStopReplay is the structured interrupt a step body returns to signal
// "commit what happened so far and pause — the workflow is now blocked on
// an unresolved activity, timer, or signal." It is not a failure: the
// engine treats it as a normal, expected outcome of running a step. User
// code that catches errors generically must let this value pass through
// untouched; only a check against ActivityFailedError is a
// legitimate catch site for workflow-visible error handling.
var ErrStopReplay = &stopReplay{}

type stopReplay struct{}

func (*stopReplay) Error() string { return "loom: step suspended pending external progress" }

// IsStopReplay reports whether err is the StopReplay sentinel.
func IsStopReplay(err error) bool {
	_, ok := err.(*stopReplay)
	return ok
}

// NonDeterministicWorkflowError is raised when the next event in history
// does not match what the step code is trying to do. It is always
// terminal: the workflow is marked FAILED and is never retried, because
// replaying the same mismatched code again would fail again.
type NonDeterministicWorkflowError struct {
	Reason string
}

func (e *NonDeterministicWorkflowError) Error() string {
	return fmt.Sprintf("loom: non-deterministic workflow: %s", e.Reason)
}

// ActivityFailedError is the only error kind a workflow may catch and
// react to locally. It carries the identity of the activity and
// the error message recorded in its ACTIVITY_FAILED event.
type ActivityFailedError struct {
	ActivityName string
	Message      string
}

func (e *ActivityFailedError) Error() string {
	return fmt.Sprintf("loom: activity %q failed: %s", e.ActivityName, e.Message)
}

package execctx

import (
	"encoding/json"

	"github.com/loomrun/loom/core"
)

// StartChildWorkflow implements Context.StartChildWorkflow. The child id
// is recorded in a CHILD_WORKFLOW_STARTED event so replay reproduces the
// same id without re-running the (non-deterministic, id-generating) spawn
// decision. Spawning the child instance itself happens after the parent's
// step commits (see engine.Engine.RunStep) — StartChildWorkflow only
// records the decision, matching every other ctx call's shape. The child's
// eventual completion, failure, or cancellation is delivered back to this
// workflow as a signal named core.ChildCompletedSignal(childID); a step
// that needs the result calls ctx.WaitForSignal on it.
func (c *executionContext) StartChildWorkflow(name string, version int, input any) (string, error) {
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", err
	}

	if ev := c.peek(); ev != nil {
		if ev.Type != core.EventChildWorkflowStarted {
			return "", &NonDeterministicWorkflowError{Reason: "expected CHILD_WORKFLOW_STARTED, found " + string(ev.Type)}
		}

		var started core.ChildWorkflowStartedPayload
		if err := json.Unmarshal(ev.Payload, &started); err != nil {
			return "", err
		}
		if started.Name != name || started.Version != version || !jsonEqual(started.Input, inputJSON) {
			return "", &NonDeterministicWorkflowError{Reason: "expected child workflow " + name + " with matching input"}
		}
		c.consume()
		return started.ChildID, nil
	}

	childID := c.newID()
	payload, err := json.Marshal(core.ChildWorkflowStartedPayload{
		ChildID: childID,
		Name:    name,
		Version: version,
		Input:   inputJSON,
	})
	if err != nil {
		return "", err
	}

	c.appendEvent(core.Event{Type: core.EventChildWorkflowStarted, Payload: payload})
	c.pendingChild = append(c.pendingChild, PendingChildWorkflow{
		ChildID: childID,
		Name:    name,
		Version: version,
		Input:   inputJSON,
	})

	return childID, nil
}

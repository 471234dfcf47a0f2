package execctx

import (
	"bytes"
	"encoding/json"

	"github.com/loomrun/loom/core"
)

// Activity implements Context.Activity. On replay, the next
// ACTIVITY_SCHEDULED in history must name-and-args match what the step is
// about to schedule (invariant enforced here, not by the store). If it
// does, and a completion/failure follows, the cursor advances past both
// and the call returns the stored result (or an ActivityFailedError for a
// failure); if only the schedule is present, the call
// returns ErrStopReplay — the activity is still in flight. In live mode a
// fresh ACTIVITY_SCHEDULED event and ACTIVITY task are recorded and the
// call always returns ErrStopReplay: an activity call can never resolve in
// the same pass that scheduled it.
func (c *executionContext) Activity(name string, args ...any) (json.RawMessage, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	if ev := c.peek(); ev != nil {
		if ev.Type != core.EventActivityScheduled {
			return nil, &NonDeterministicWorkflowError{Reason: "expected ACTIVITY_SCHEDULED(" + name + "), found " + string(ev.Type)}
		}

		var scheduled core.ActivityScheduledPayload
		if err := json.Unmarshal(ev.Payload, &scheduled); err != nil {
			return nil, err
		}
		if scheduled.Name != name || !jsonEqual(scheduled.Args, argsJSON) {
			return nil, &NonDeterministicWorkflowError{
				Reason: "expected activity " + name + " with matching args, found " + scheduled.Name + " in history",
			}
		}
		c.consume()

		if next := c.peek(); next != nil {
			switch next.Type {
			case core.EventActivityCompleted:
				var completed core.ActivityCompletedPayload
				if err := json.Unmarshal(next.Payload, &completed); err != nil {
					return nil, err
				}
				if completed.ActivityID == scheduled.ActivityID {
					c.consume()
					return completed.Result, nil
				}
			case core.EventActivityFailed:
				var failed core.ActivityFailedPayload
				if err := json.Unmarshal(next.Payload, &failed); err != nil {
					return nil, err
				}
				if failed.ActivityID == scheduled.ActivityID {
					c.consume()
					return nil, &ActivityFailedError{ActivityName: name, Message: failed.Error}
				}
			}
		}

		// Scheduled but not yet resolved: still blocked on external progress.
		return nil, ErrStopReplay
	}

	policy := c.defaults
	if c.policyLookup != nil {
		if p, err := c.policyLookup(name); err == nil {
			policy = p.WithDefaults(c.defaults)
		}
	}

	activityID := c.newID()
	scheduledPayload, err := json.Marshal(core.ActivityScheduledPayload{
		ActivityID: activityID,
		Name:       name,
		Args:       argsJSON,
		Attempt:    0,
	})
	if err != nil {
		return nil, err
	}

	c.appendEvent(core.Event{Type: core.EventActivityScheduled, Payload: scheduledPayload})
	c.appendTask(core.Task{
		Kind:        core.TaskActivity,
		Target:      activityID,
		RunAt:       c.now(),
		MaxAttempts: policy.RetryCount + 1,
	})

	return nil, ErrStopReplay
}

// jsonEqual compares two JSON documents for structural equality by
// unmarshalling into interface{} rather than comparing raw bytes, so key
// ordering differences don't spuriously trip the determinism check.
func jsonEqual(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	aNorm, errA := json.Marshal(av)
	bNorm, errB := json.Marshal(bv)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(aNorm, bNorm)
}

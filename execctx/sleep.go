package execctx

import (
	"encoding/json"
	"time"

	"github.com/loomrun/loom/core"
)

// Sleep implements Context.Sleep, following the same
// schedule-then-wait-for-resolution pattern as Activity but against
// TIMER_SCHEDULED/TIMER_FIRED events.
func (c *executionContext) Sleep(d time.Duration) error {
	if ev := c.peek(); ev != nil {
		if ev.Type != core.EventTimerScheduled {
			return &NonDeterministicWorkflowError{Reason: "expected TIMER_SCHEDULED, found " + string(ev.Type)}
		}

		var scheduled core.TimerScheduledPayload
		if err := json.Unmarshal(ev.Payload, &scheduled); err != nil {
			return err
		}
		c.consume()

		if next := c.peek(); next != nil && next.Type == core.EventTimerFired {
			var fired core.TimerFiredPayload
			if err := json.Unmarshal(next.Payload, &fired); err != nil {
				return err
			}
			if fired.TimerID == scheduled.TimerID {
				c.consume()
				return nil
			}
		}

		return ErrStopReplay
	}

	timerID := c.newID()
	fireAt := c.now().Add(d)

	payload, err := json.Marshal(core.TimerScheduledPayload{TimerID: timerID, FireAt: fireAt})
	if err != nil {
		return err
	}

	c.appendEvent(core.Event{Type: core.EventTimerScheduled, Payload: payload})
	c.appendTask(core.Task{
		Kind:        core.TaskTimer,
		Target:      timerID,
		RunAt:       fireAt,
		MaxAttempts: 1,
	})

	return ErrStopReplay
}

package execctx

import (
	"encoding/json"

	"github.com/loomrun/loom/core"
)

// WaitForSignal implements Context.WaitForSignal. Unlike Activity and
// Sleep, there is nothing to schedule: a signal only exists in history
// once something external delivers it (store.AppendSignal), so the "live"
// branch here never appends an event or a task — it records a log line and
// suspends.
func (c *executionContext) WaitForSignal(name string) (json.RawMessage, error) {
	if ev := c.peek(); ev != nil {
		if ev.Type != core.EventSignalReceived {
			return nil, &NonDeterministicWorkflowError{Reason: "expected SIGNAL_RECEIVED(" + name + "), found " + string(ev.Type)}
		}

		var received core.SignalReceivedPayload
		if err := json.Unmarshal(ev.Payload, &received); err != nil {
			return nil, err
		}
		if received.Name != name {
			return nil, &NonDeterministicWorkflowError{
				Reason: "expected signal " + name + ", found " + received.Name + " in history",
			}
		}

		c.consume()
		return received.Payload, nil
	}

	c.pendingLogs = append(c.pendingLogs, LogLine{Level: "info", Message: "waiting for signal: " + name})
	return nil, ErrStopReplay
}

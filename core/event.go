package core

import (
	"encoding/json"
	"time"
)

// EventType tags the payload shape of an Event. See the
// complete payload table.
type EventType string

const (
	EventWorkflowStarted   EventType = "WORKFLOW_STARTED"
	EventStateSet          EventType = "STATE_SET"
	EventStateUpdate       EventType = "STATE_UPDATE"
	EventActivityScheduled EventType = "ACTIVITY_SCHEDULED"
	EventActivityCompleted EventType = "ACTIVITY_COMPLETED"
	EventActivityFailed    EventType = "ACTIVITY_FAILED"
	EventTimerScheduled    EventType = "TIMER_SCHEDULED"
	EventTimerFired        EventType = "TIMER_FIRED"
	EventSignalReceived    EventType = "SIGNAL_RECEIVED"
	EventStepCompleted     EventType = "STEP_COMPLETED"
	EventWorkflowCompleted EventType = "WORKFLOW_COMPLETED"
	EventWorkflowFailed    EventType = "WORKFLOW_FAILED"
	EventWorkflowCancelled EventType = "WORKFLOW_CANCELLED"
	EventChildWorkflowStarted EventType = "CHILD_WORKFLOW_STARTED"
)

// Event is a single, immutable entry in a workflow's history. Ordinal
// defines the total order; it is assigned by the store,
// not by the caller, so events can be appended concurrently by different
// goroutines/processes and still land in a well-defined order.
type Event struct {
	Ordinal    int64
	WorkflowID string
	Type       EventType
	Payload    json.RawMessage
	CreatedAt  time.Time
}

// Payload helpers. Each mirrors an event's payload shape and is used
// both when constructing a new event and when unmarshalling one already in
// history for a determinism check.

type WorkflowStartedPayload struct {
	Input json.RawMessage `json:"input"`
}

type StateSetPayload struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}

type StateUpdatePayload struct {
	NewState json.RawMessage `json:"new_state"`
}

type ActivityScheduledPayload struct {
	ActivityID string          `json:"activity_id"`
	Name       string          `json:"name"`
	Args       json.RawMessage `json:"args"`
	Attempt    int             `json:"attempt"`
}

type ActivityCompletedPayload struct {
	ActivityID string          `json:"activity_id"`
	Result     json.RawMessage `json:"result"`
}

type ActivityFailedPayload struct {
	ActivityID   string `json:"activity_id"`
	Error        string `json:"error"`
	AttemptsUsed int    `json:"attempts_used"`
}

type TimerScheduledPayload struct {
	TimerID string    `json:"timer_id"`
	FireAt  time.Time `json:"fire_at"`
}

type TimerFiredPayload struct {
	TimerID string `json:"timer_id"`
}

type SignalReceivedPayload struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type StepCompletedPayload struct {
	StepName string `json:"step_name"`
}

type WorkflowCompletedPayload struct {
	FinalState json.RawMessage `json:"final_state"`
}

type WorkflowFailedPayload struct {
	Error string `json:"error"`
}

type WorkflowCancelledPayload struct {
	Reason string `json:"reason"`
}

type ChildWorkflowStartedPayload struct {
	ChildID string          `json:"child_id"`
	Name    string          `json:"name"`
	Version int             `json:"version"`
	Input   json.RawMessage `json:"input"`
}

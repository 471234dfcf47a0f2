// Package execctx implements the narrow, deterministic API user step code
// is given: activity invocation, timers, signals, and state
// mutation, all mediated through a replay cursor so the same code produces
// the same sequence of decisions whether it is running live or being
// replayed against stored history.
package execctx

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/log"
)

// ActivityPolicyLookup resolves an activity's retry/timeout policy by
// name. The engine supplies this from its Registry so execctx does not
// need to depend on the registry package.
type ActivityPolicyLookup func(name string) (core.ActivityPolicy, error)

// Context is the interface user workflow step functions are given. Every
// operation that could observe non-determinism (a side-effecting call, the
// current time, an external signal) flows through it.
type Context interface {
	// WorkflowID returns the id of the running workflow instance.
	WorkflowID() string

	// Input returns the workflow's immutable input, as given at creation.
	Input() json.RawMessage

	// IsReplaying reports whether the cursor still has stored events
	// ahead of it. Side effects (logs, live task enqueues) must not fire
	// while this is true.
	IsReplaying() bool

	// Activity schedules (or, on replay, matches) an invocation of the
	// named activity and returns its JSON-encoded result. args are
	// marshalled to JSON for storage and for the determinism check.
	Activity(name string, args ...any) (json.RawMessage, error)

	// Sleep suspends the workflow until d has elapsed, computing fire_at
	// once at the first encounter and persisting it.
	Sleep(d time.Duration) error

	// WaitForSignal blocks until a signal with the given name has been
	// delivered, returning its JSON-encoded payload.
	WaitForSignal(name string) (json.RawMessage, error)

	// State returns the proxy over the workflow's folded state.
	State() *StateProxy

	// Logger returns a logger whose output is suppressed during replay.
	Logger() log.Logger

	// StartChildWorkflow spawns a new, independent workflow instance and
	// returns its id. The id is recorded in history so replay reproduces
	// the same child id.
	StartChildWorkflow(name string, version int, input any) (string, error)
}

// PendingChildWorkflow is a child-workflow spawn a step decided on during
// live execution. The engine drains these and creates the child instances
// after the parent's own step commit succeeds.
type PendingChildWorkflow struct {
	ChildID string
	Name    string
	Version int
	Input   json.RawMessage
}

// executionContext is the concrete Context implementation. One instance is
// constructed per RunStep invocation and discarded afterwards.
type executionContext struct {
	workflowID string
	input      json.RawMessage
	history    []core.Event
	cursor     int

	state *StateProxy

	now          func() time.Time
	policyLookup ActivityPolicyLookup
	defaults     core.ActivityPolicy

	pendingEvents []core.Event
	pendingTasks  []core.Task
	pendingChild  []PendingChildWorkflow
	pendingLogs   []LogLine
}

// LogLine is one line of workflow-scoped output emitted during live
// execution (replay suppresses these entirely).
type LogLine struct {
	Level   string
	Message string
}

// New constructs a Context for one RunStep invocation.
func New(
	workflowID string,
	input json.RawMessage,
	history []core.Event,
	initialState json.RawMessage,
	now func() time.Time,
	policyLookup ActivityPolicyLookup,
	defaults core.ActivityPolicy,
) (Context, error) {
	if now == nil {
		now = time.Now
	}

	folded, err := core.FoldState(initialState, history)
	if err != nil {
		return nil, err
	}

	ec := &executionContext{
		workflowID:   workflowID,
		input:        input,
		history:      history,
		now:          now,
		policyLookup: policyLookup,
		defaults:     defaults,
	}
	ec.state = newStateProxy(ec, folded)

	return ec, nil
}

func (c *executionContext) WorkflowID() string      { return c.workflowID }
func (c *executionContext) Input() json.RawMessage  { return c.input }
func (c *executionContext) IsReplaying() bool        { return c.cursor < len(c.history) }
func (c *executionContext) State() *StateProxy       { return c.state }

// peek returns the next unconsumed history event without advancing the
// cursor, or nil if replay has caught up to live execution.
func (c *executionContext) peek() *core.Event {
	if c.cursor >= len(c.history) {
		return nil
	}
	return &c.history[c.cursor]
}

// consume advances the cursor past the event peek last returned.
func (c *executionContext) consume() {
	c.cursor++
}

func (c *executionContext) newID() string {
	return uuid.NewString()
}

// Drained is everything a step accumulated during one RunStep invocation:
// events and tasks to append atomically, child workflows to spawn once
// that commit succeeds, and log lines to emit (only ever non-empty in live
// mode, since replay suppresses logging).
type Drained struct {
	Events   []core.Event
	Tasks    []core.Task
	Children []PendingChildWorkflow
	Logs     []LogLine
}

// Drain extracts everything ctx accumulated since the last Drain (or since
// construction) and clears its buffers, so the engine can commit at each
// step boundary and keep reusing the same Context for the next step.
func Drain(ctx Context) Drained {
	c := ctx.(*executionContext)
	d := Drained{
		Events:   c.pendingEvents,
		Tasks:    c.pendingTasks,
		Children: c.pendingChild,
		Logs:     c.pendingLogs,
	}
	c.pendingEvents = nil
	c.pendingTasks = nil
	c.pendingChild = nil
	c.pendingLogs = nil
	return d
}

// SkipTo moves ctx's replay cursor directly to index, without matching any
// event in between. The engine uses this to fast-skip a step whose
// STEP_COMPLETED is already present in history, without re-running the
// step body just to walk the cursor forward.
func SkipTo(ctx Context, index int) {
	c := ctx.(*executionContext)
	c.cursor = index
}

func (c *executionContext) appendEvent(e core.Event) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = c.now()
	}
	c.pendingEvents = append(c.pendingEvents, e)
}

func (c *executionContext) appendTask(t core.Task) {
	c.pendingTasks = append(c.pendingTasks, t)
}

package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/execctx"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/store/sqlite"
)

func newTestSetup(t *testing.T) (*sqlite.Backend, *registry.Registry) {
	t.Helper()
	b, err := sqlite.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b, registry.New()
}

func twoStepWorkflow(t *testing.T, reg *registry.Registry, calls *[]string) {
	t.Helper()
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "two-step", Version: 1,
		Steps: []registry.Step{
			{Name: "first", Fn: func(ctx execctx.Context) error {
				*calls = append(*calls, "first")
				return ctx.State().Set("a", 1)
			}},
			{Name: "second", Fn: func(ctx execctx.Context) error {
				*calls = append(*calls, "second")
				return ctx.State().Set("b", 2)
			}},
		},
	}))
}

func TestRunStep_CompletesAllStepsAndSetsFinalState(t *testing.T) {
	b, reg := newTestSetup(t)
	var calls []string
	twoStepWorkflow(t, reg, &calls)

	wf := &core.WorkflowInstance{ID: uuid.NewString(), Name: "two-step", Version: 1, Input: json.RawMessage(`{}`)}
	require.NoError(t, b.CreateWorkflow(context.Background(), wf, json.RawMessage(`{}`)))

	e := New(b, reg)
	require.NoError(t, e.RunStep(context.Background(), wf.ID))

	require.Equal(t, []string{"first", "second"}, calls)

	got, err := b.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStatusCompleted, got.Status)

	history, err := b.LoadHistory(context.Background(), wf.ID)
	require.NoError(t, err)

	var final core.WorkflowCompletedPayload
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == core.EventWorkflowCompleted {
			require.NoError(t, json.Unmarshal(history[i].Payload, &final))
			break
		}
	}
	var state map[string]any
	require.NoError(t, json.Unmarshal(final.FinalState, &state))
	require.Equal(t, float64(1), state["a"])
	require.Equal(t, float64(2), state["b"])
}

func TestRunStep_FastSkipsAlreadyCompletedSteps(t *testing.T) {
	b, reg := newTestSetup(t)
	var calls []string
	twoStepWorkflow(t, reg, &calls)

	wf := &core.WorkflowInstance{ID: uuid.NewString(), Name: "two-step", Version: 1, Input: json.RawMessage(`{}`)}
	require.NoError(t, b.CreateWorkflow(context.Background(), wf, json.RawMessage(`{}`)))

	e := New(b, reg)

	// First pass runs both steps and completes the workflow in one call
	// (neither step blocks), so simulate a partial history directly: only
	// "first" has run, as if the process crashed right after its commit.
	history, err := b.LoadHistory(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Len(t, history, 1) // WORKFLOW_STARTED only

	setPayload, _ := json.Marshal(core.StateSetPayload{Key: "a", Value: json.RawMessage("1")})
	stepPayload, _ := json.Marshal(core.StepCompletedPayload{StepName: "first"})
	require.NoError(t, b.CommitStep(context.Background(), wf.ID,
		[]core.Event{
			{Type: core.EventStateSet, Payload: setPayload},
			{Type: core.EventStepCompleted, Payload: stepPayload},
		}, nil, nil))

	require.NoError(t, e.RunStep(context.Background(), wf.ID))

	// "first" must not have run again — only "second" was invoked live.
	require.Equal(t, []string{"second"}, calls)

	got, err := b.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStatusCompleted, got.Status)
}

func TestRunStep_ReplayIsDeterministicAcrossRuns(t *testing.T) {
	b, reg := newTestSetup(t)

	require.NoError(t, reg.RegisterActivity(registry.ActivityDefinition{
		Name: "double",
		Fn: func(args []any) (any, error) {
			n, _ := args[0].(float64)
			return n * 2, nil
		},
	}))
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "activity-flow", Version: 1,
		Steps: []registry.Step{
			{Name: "call", Fn: func(ctx execctx.Context) error {
				result, err := ctx.Activity("double", float64(21))
				if err != nil {
					return err
				}
				return ctx.State().Set("result", json.RawMessage(result))
			}},
		},
	}))

	wf := &core.WorkflowInstance{ID: uuid.NewString(), Name: "activity-flow", Version: 1, Input: json.RawMessage(`{}`)}
	require.NoError(t, b.CreateWorkflow(context.Background(), wf, json.RawMessage(`{}`)))

	e := New(b, reg, WithClock(func() time.Time { return time.Unix(0, 0) }))

	// First RunStep schedules the activity and stops.
	require.NoError(t, e.RunStep(context.Background(), wf.ID))
	got, err := b.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStatusRunning, got.Status)

	history, err := b.LoadHistory(context.Background(), wf.ID)
	require.NoError(t, err)

	var scheduled core.ActivityScheduledPayload
	for _, ev := range history {
		if ev.Type == core.EventActivityScheduled {
			require.NoError(t, json.Unmarshal(ev.Payload, &scheduled))
		}
	}
	require.Equal(t, "double", scheduled.Name)

	// Simulate the worker completing the activity out of band.
	completedPayload, _ := json.Marshal(core.ActivityCompletedPayload{ActivityID: scheduled.ActivityID, Result: json.RawMessage("42")})
	require.NoError(t, b.CommitStep(context.Background(), wf.ID, []core.Event{
		{Type: core.EventActivityCompleted, Payload: completedPayload},
	}, nil, nil))

	// Two independent replays of the same resulting history must both
	// resolve the same way and not re-schedule the activity.
	require.NoError(t, e.RunStep(context.Background(), wf.ID))
	got, err = b.GetWorkflow(context.Background(), wf.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStatusCompleted, got.Status)

	require.NoError(t, e.RunStep(context.Background(), wf.ID)) // no-op, terminal
}

// TestRunStep_FirstStepSuspendsWithoutMatchingWorkflowStarted is a
// regression test for the WORKFLOW_STARTED marker CreateWorkflow always
// inserts as history[0]: the replay cursor must never be asked to match
// it against a ctx call's expected event type, or the very first
// Activity/Sleep/WaitForSignal in any workflow would be misread as a
// determinism violation.
func TestRunStep_FirstStepSuspendsWithoutMatchingWorkflowStarted(t *testing.T) {
	b, reg := newTestSetup(t)

	require.NoError(t, reg.RegisterActivity(registry.ActivityDefinition{
		Name: "noop",
		Fn:   func(args []any) (any, error) { return nil, nil },
	}))
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "leads-with-activity", Version: 1,
		Steps: []registry.Step{
			{Name: "only", Fn: func(ctx execctx.Context) error {
				_, err := ctx.Activity("noop")
				return err
			}},
		},
	}))
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "leads-with-sleep", Version: 1,
		Steps: []registry.Step{
			{Name: "only", Fn: func(ctx execctx.Context) error {
				return ctx.Sleep(time.Minute)
			}},
		},
	}))
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "leads-with-signal", Version: 1,
		Steps: []registry.Step{
			{Name: "only", Fn: func(ctx execctx.Context) error {
				_, err := ctx.WaitForSignal("go")
				return err
			}},
		},
	}))

	e := New(b, reg)

	for _, name := range []string{"leads-with-activity", "leads-with-sleep", "leads-with-signal"} {
		wf := &core.WorkflowInstance{ID: uuid.NewString(), Name: name, Version: 1, Input: json.RawMessage(`{}`)}
		require.NoError(t, b.CreateWorkflow(context.Background(), wf, json.RawMessage(`{}`)))

		require.NoError(t, e.RunStep(context.Background(), wf.ID))

		got, err := b.GetWorkflow(context.Background(), wf.ID)
		require.NoError(t, err)
		require.Equal(t, core.WorkflowStatusRunning, got.Status, "workflow %s should suspend, not fail, on its first ctx call", name)
	}
}

func TestRunStep_ChildCompletionSignalsParent(t *testing.T) {
	b, reg := newTestSetup(t)

	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "child", Version: 1,
		Steps: []registry.Step{
			{Name: "only", Fn: func(ctx execctx.Context) error {
				return ctx.State().Set("done", true)
			}},
		},
	}))

	var childID string
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "parent", Version: 1,
		Steps: []registry.Step{
			{Name: "spawn", Fn: func(ctx execctx.Context) error {
				id, err := ctx.StartChildWorkflow("child", 1, map[string]any{})
				if err != nil {
					return err
				}
				childID = id
				return nil
			}},
			{Name: "await", Fn: func(ctx execctx.Context) error {
				payload, err := ctx.WaitForSignal(core.ChildCompletedSignal(childID))
				if err != nil {
					return err
				}
				var completed core.ChildCompletedPayload
				if err := json.Unmarshal(payload, &completed); err != nil {
					return err
				}
				return ctx.State().Set("child_status", string(completed.Status))
			}},
		},
	}))

	parent := &core.WorkflowInstance{ID: uuid.NewString(), Name: "parent", Version: 1, Input: json.RawMessage(`{}`)}
	require.NoError(t, b.CreateWorkflow(context.Background(), parent, json.RawMessage(`{}`)))

	e := New(b, reg)

	// First pass spawns the child and then suspends on WaitForSignal.
	require.NoError(t, e.RunStep(context.Background(), parent.ID))
	got, err := b.GetWorkflow(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStatusRunning, got.Status)
	require.NotEmpty(t, childID)

	// Running the child to completion delivers a signal to the parent.
	require.NoError(t, e.RunStep(context.Background(), childID))
	childWf, err := b.GetWorkflow(context.Background(), childID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStatusCompleted, childWf.Status)
	require.Equal(t, parent.ID, childWf.ParentWorkflowID)

	// The parent's next scheduled pass observes the signal and resumes.
	require.NoError(t, e.RunStep(context.Background(), parent.ID))
	got, err = b.GetWorkflow(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStatusCompleted, got.Status)

	history, err := b.LoadHistory(context.Background(), parent.ID)
	require.NoError(t, err)
	var final core.WorkflowCompletedPayload
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == core.EventWorkflowCompleted {
			require.NoError(t, json.Unmarshal(history[i].Payload, &final))
			break
		}
	}
	var state map[string]any
	require.NoError(t, json.Unmarshal(final.FinalState, &state))
	require.Equal(t, string(core.WorkflowStatusCompleted), state["child_status"])
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/engine"
	"github.com/loomrun/loom/execctx"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/store/sqlite"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestWorker_RunsGreetWorkflowToCompletion(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, err := sqlite.NewInMemory()
	require.NoError(t, err)
	defer b.Close()

	reg := registry.New()
	require.NoError(t, reg.RegisterActivity(registry.ActivityDefinition{
		Name: "greet",
		Fn: func(args []any) (any, error) {
			return "Hello, " + args[0].(string), nil
		},
		Policy: core.ActivityPolicy{RetryCount: 1, TimeoutSeconds: 5},
	}))
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "greet", Version: 1,
		Steps: []registry.Step{
			{Name: "say-hello", Fn: func(ctx execctx.Context) error {
				var input struct{ Name string }
				_ = json.Unmarshal(ctx.Input(), &input)

				result, err := ctx.Activity("greet", input.Name)
				if err != nil {
					return err
				}
				var greeting string
				_ = json.Unmarshal(result, &greeting)
				return ctx.State().Set("greeting", greeting)
			}},
		},
	}))

	e := engine.New(b, reg)
	w := New(b, reg, e, WithPollers(2), WithPollInterval(10*time.Millisecond))

	wf := &core.WorkflowInstance{ID: uuid.NewString(), Name: "greet", Version: 1, Input: json.RawMessage(`{"Name":"World"}`)}
	require.NoError(t, b.CreateWorkflow(context.Background(), wf, json.RawMessage(`{}`)))

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := b.GetWorkflow(context.Background(), wf.ID)
		return err == nil && got.Status == core.WorkflowStatusCompleted
	})

	cancel()
	w.Stop()

	history, err := b.LoadHistory(context.Background(), wf.ID)
	require.NoError(t, err)

	var sawCompleted bool
	for _, ev := range history {
		if ev.Type == core.EventWorkflowCompleted {
			sawCompleted = true
		}
	}
	require.True(t, sawCompleted)
}

func TestWorker_RetriesFailingActivityThenFailsWorkflow(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b, err := sqlite.NewInMemory()
	require.NoError(t, err)
	defer b.Close()

	reg := registry.New()
	require.NoError(t, reg.RegisterActivity(registry.ActivityDefinition{
		Name: "always-fails",
		Fn: func(args []any) (any, error) {
			return nil, errors.New("boom")
		},
		Policy: core.ActivityPolicy{RetryCount: 1, TimeoutSeconds: 5, BackoffBaseMs: 1, BackoffCapMs: 5},
	}))
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "flaky", Version: 1,
		Steps: []registry.Step{
			{Name: "call", Fn: func(ctx execctx.Context) error {
				_, err := ctx.Activity("always-fails")
				return err
			}},
		},
	}))

	e := engine.New(b, reg)
	w := New(b, reg, e, WithPollers(2), WithPollInterval(5*time.Millisecond))

	wf := &core.WorkflowInstance{ID: uuid.NewString(), Name: "flaky", Version: 1, Input: json.RawMessage(`{}`)}
	require.NoError(t, b.CreateWorkflow(context.Background(), wf, json.RawMessage(`{}`)))

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	waitFor(t, 5*time.Second, func() bool {
		got, err := b.GetWorkflow(context.Background(), wf.ID)
		return err == nil && got.Status == core.WorkflowStatusFailed
	})

	cancel()
	w.Stop()
}

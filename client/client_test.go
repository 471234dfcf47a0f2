package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/engine"
	"github.com/loomrun/loom/execctx"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/store/sqlite"
)

func TestClient_StartStatusAndResult(t *testing.T) {
	b, err := sqlite.NewInMemory()
	require.NoError(t, err)
	defer b.Close()

	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "noop", Version: 1,
		Steps: []registry.Step{
			{Name: "only", Fn: func(ctx execctx.Context) error {
				return ctx.State().Set("done", true)
			}},
		},
	}))

	c := New(b, reg)
	ctx := context.Background()

	id, err := c.Start(ctx, "", "noop", 1, map[string]any{})
	require.NoError(t, err)

	wf, err := c.Status(ctx, id)
	require.NoError(t, err)
	require.Equal(t, core.WorkflowStatusRunning, wf.Status)

	e := engine.New(b, reg)
	require.NoError(t, e.RunStep(ctx, id))

	result, err := c.Result(ctx, id, time.Second)
	require.NoError(t, err)

	var state map[string]any
	require.NoError(t, json.Unmarshal(result, &state))
	require.Equal(t, true, state["done"])
}

func TestClient_SignalAndCancel(t *testing.T) {
	b, err := sqlite.NewInMemory()
	require.NoError(t, err)
	defer b.Close()

	reg := registry.New()
	require.NoError(t, reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name: "waits", Version: 1,
		Steps: []registry.Step{
			{Name: "wait", Fn: func(ctx execctx.Context) error {
				_, err := ctx.WaitForSignal("go")
				return err
			}},
		},
	}))

	c := New(b, reg)
	ctx := context.Background()

	id, err := c.Start(ctx, "", "waits", 1, nil)
	require.NoError(t, err)

	e := engine.New(b, reg)
	require.NoError(t, e.RunStep(ctx, id))

	require.NoError(t, c.Signal(ctx, id, "go", map[string]any{"ok": true}))

	list, err := c.List(ctx, core.WorkflowStatusRunning, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, c.Cancel(ctx, id, "operator request"))

	_, err = c.Result(ctx, id, time.Second)
	require.ErrorIs(t, err, ErrWorkflowCancelled)
}

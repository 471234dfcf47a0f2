// Package greet is a minimal workflow used to smoke-test cmd/loom: it
// calls one activity, waits for an operator signal, and records the
// combined result in its final state.
package greet

import (
	"encoding/json"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/execctx"
	"github.com/loomrun/loom/registry"
)

// Name and Version identify this workflow in the registry.
const (
	Name    = "greet"
	Version = 1
)

// Input is the workflow's start payload.
type Input struct {
	Name string `json:"name"`
}

// Register adds the greet workflow and its say-hello activity to reg.
func Register(reg *registry.Registry) error {
	if err := reg.RegisterActivity(registry.ActivityDefinition{
		Name:   "say-hello",
		Fn:     sayHello,
		Policy: core.ActivityPolicy{RetryCount: 2, TimeoutSeconds: 10},
	}); err != nil {
		return err
	}

	return reg.RegisterWorkflow(registry.WorkflowDefinition{
		Name:    Name,
		Version: Version,
		Steps: []registry.Step{
			{Name: "greet", Fn: stepGreet},
			{Name: "wait-for-ack", Fn: stepWaitForAck},
		},
	})
}

func sayHello(args []any) (any, error) {
	name, _ := args[0].(string)
	return "Hello, " + name + "!", nil
}

func stepGreet(ctx execctx.Context) error {
	var input Input
	if err := json.Unmarshal(ctx.Input(), &input); err != nil {
		return err
	}

	result, err := ctx.Activity("say-hello", input.Name)
	if err != nil {
		return err
	}

	var greeting string
	if err := json.Unmarshal(result, &greeting); err != nil {
		return err
	}

	ctx.Logger().Info("greeted", "greeting", greeting)
	return ctx.State().Set("greeting", greeting)
}

func stepWaitForAck(ctx execctx.Context) error {
	payload, err := ctx.WaitForSignal("ack")
	if err != nil {
		return err
	}

	var ack map[string]any
	if err := json.Unmarshal(payload, &ack); err != nil {
		return err
	}

	return ctx.State().Set("acknowledged_by", ack["by"])
}

// Package client is Loom's Control API: the surface an operator or an
// embedding application uses to start, inspect, signal, and cancel
// workflow instances without touching the Store or Registry directly.
package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/store"
)

// ErrWorkflowCancelled is returned by Result when the instance it is
// waiting on finished by cancellation rather than by running to
// completion.
var ErrWorkflowCancelled = errors.New("client: workflow cancelled")

// ErrResultTimeout is returned by Result if the instance has not reached
// a terminal state before the deadline passes.
var ErrResultTimeout = errors.New("client: timed out waiting for workflow result")

// Client is Loom's Control API over a Store and Registry.
type Client struct {
	store    store.Store
	registry *registry.Registry
}

// New constructs a Client.
func New(s store.Store, r *registry.Registry) *Client {
	return &Client{store: s, registry: r}
}

// Start creates a new workflow instance and enqueues its first STEP task.
// If id is empty, a random one is generated.
func (c *Client) Start(ctx context.Context, id, name string, version int, input any) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if _, err := c.registry.GetWorkflow(name, version); err != nil {
		return "", errors.Wrap(err, "resolving workflow definition")
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return "", errors.Wrap(err, "encoding workflow input")
	}

	wf := &core.WorkflowInstance{ID: id, Name: name, Version: version, Input: inputJSON}
	if err := c.store.CreateWorkflow(ctx, wf, json.RawMessage(`{}`)); err != nil {
		return "", err
	}
	return id, nil
}

// Status returns a workflow instance's current row.
func (c *Client) Status(ctx context.Context, id string) (*core.WorkflowInstance, error) {
	return c.store.GetWorkflow(ctx, id)
}

// Signal delivers a named signal to a running workflow instance.
func (c *Client) Signal(ctx context.Context, id, name string, payload any) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "encoding signal payload")
	}
	return c.store.AppendSignal(ctx, id, name, payloadJSON)
}

// Cancel marks a running workflow instance CANCELLED.
func (c *Client) Cancel(ctx context.Context, id, reason string) error {
	return c.store.CancelWorkflow(ctx, id, reason)
}

// List returns up to limit workflow instances matching status. An empty
// status matches every instance.
func (c *Client) List(ctx context.Context, status core.WorkflowStatus, limit int) ([]*core.WorkflowInstance, error) {
	return c.store.ListWorkflows(ctx, status, limit)
}

// Inspect returns a workflow instance's full event history, for debugging
// and audit.
func (c *Client) Inspect(ctx context.Context, id string) ([]core.Event, error) {
	return c.store.LoadHistory(ctx, id)
}

// Result blocks, polling with a capped exponential backoff, until the
// workflow instance reaches a terminal status or timeout elapses, then
// returns its final state (from WORKFLOW_COMPLETED) or an error describing
// how it ended.
func (c *Client) Result(ctx context.Context, id string, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = timeout

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wf, err := c.store.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}

		switch wf.Status {
		case core.WorkflowStatusCompleted:
			return c.finalState(ctx, id)
		case core.WorkflowStatusFailed:
			return nil, c.failureReason(ctx, id)
		case core.WorkflowStatusCancelled:
			return nil, ErrWorkflowCancelled
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.NextBackOff()):
		}
	}

	return nil, ErrResultTimeout
}

func (c *Client) finalState(ctx context.Context, id string) (json.RawMessage, error) {
	history, err := c.store.LoadHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == core.EventWorkflowCompleted {
			var p core.WorkflowCompletedPayload
			if err := json.Unmarshal(history[i].Payload, &p); err != nil {
				return nil, err
			}
			return p.FinalState, nil
		}
	}
	return nil, errors.New("client: workflow completed but no WORKFLOW_COMPLETED event found")
}

func (c *Client) failureReason(ctx context.Context, id string) error {
	history, err := c.store.LoadHistory(ctx, id)
	if err != nil {
		return err
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Type == core.EventWorkflowFailed {
			var p core.WorkflowFailedPayload
			if err := json.Unmarshal(history[i].Payload, &p); err != nil {
				return err
			}
			return errors.Errorf("client: workflow failed: %s", p.Error)
		}
	}
	return errors.New("client: workflow failed but no WORKFLOW_FAILED event found")
}

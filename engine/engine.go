// Package engine implements the replay engine: it re-derives a
// workflow's in-memory state by replaying its stored history against the
// registered step sequence, and either advances the workflow or commits a
// pending suspension.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/execctx"
	"github.com/loomrun/loom/log"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/store"
)

// Engine drives replay for one worker process. It is stateless between
// calls to RunStep — all durable state lives in the Store.
type Engine struct {
	store    store.Store
	registry *registry.Registry
	defaults core.ActivityPolicy
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultActivityPolicy sets the policy fields applied when a
// registered activity leaves a field unset.
func WithDefaultActivityPolicy(p core.ActivityPolicy) Option {
	return func(e *Engine) { e.defaults = p }
}

// WithClock overrides time.Now, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// DefaultActivityPolicy returns the policy fields the engine applies to any
// registered activity that leaves a field unset. The worker applies the same
// defaulting when resolving a policy for an already-scheduled activity, so
// both sides agree on the effective timeout and backoff.
func (e *Engine) DefaultActivityPolicy() core.ActivityPolicy {
	return e.defaults
}

// New constructs an Engine over a Store and Registry.
func New(s store.Store, r *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: r,
		now:      time.Now,
		logger:   slog.New(slog.DiscardHandler),
		defaults: core.ActivityPolicy{RetryCount: 3, TimeoutSeconds: 30, BackoffBaseMs: 1000, BackoffCapMs: 300_000},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// withoutWorkflowStarted strips the WORKFLOW_STARTED marker CreateWorkflow
// inserts at instance creation. It records when the instance came into
// being, not a decision any ctx call replays against, so the replay
// cursor must never be asked to match it.
func withoutWorkflowStarted(history []core.Event) []core.Event {
	if len(history) > 0 && history[0].Type == core.EventWorkflowStarted {
		return history[1:]
	}
	return history
}

// stepCompletedNames reports which steps' STEP_COMPLETED markers are
// already present in history.
func stepCompletedNames(history []core.Event) map[string]bool {
	completed := map[string]bool{}
	for _, e := range history {
		if e.Type == core.EventStepCompleted {
			var p core.StepCompletedPayload
			if err := json.Unmarshal(e.Payload, &p); err == nil {
				completed[p.StepName] = true
			}
		}
	}
	return completed
}

// RunStep implements the ReplayEngine contract: re-derive state, execute
// every step from the first whose STEP_COMPLETED is absent, and commit one
// atomic bundle of effects at each step boundary, at a suspension, and for
// the final WORKFLOW_COMPLETED.
func (e *Engine) RunStep(ctx context.Context, workflowID string) error {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return errors.Wrap(err, "loading workflow")
	}

	if wf.Status.IsTerminal() {
		// A cancellation or an earlier failure raced this dispatch; there
		// is nothing left to do.
		return nil
	}

	history, err := e.store.LoadHistory(ctx, workflowID)
	if err != nil {
		return errors.Wrap(err, "loading history")
	}

	if cancelled, reason := terminalCancel(history); cancelled {
		e.logger.InfoContext(ctx, "workflow cancelled, nothing to run", log.WorkflowIDKey, workflowID, "reason", reason)
		return nil
	}

	def, err := e.registry.GetWorkflow(wf.Name, wf.Version)
	if err != nil {
		return e.fail(ctx, wf, errors.Wrap(err, "resolving workflow definition").Error())
	}

	e.logger.DebugContext(ctx, "replaying workflow",
		log.WorkflowIDKey, workflowID, log.WorkflowNameKey, wf.Name, log.VersionKey, wf.Version)

	// replayEvents excludes WORKFLOW_STARTED: the replay cursor matches
	// each ctx call against the next event in this stream, and that
	// marker is not itself a decision any ctx call ever produces.
	replayEvents := withoutWorkflowStarted(history)

	// stepEnd records, for each already-completed step, the index of the
	// history event immediately after its STEP_COMPLETED marker, in
	// execution order. A step already present in history is fast-skipped
	// by moving the cursor straight there instead of re-running it.
	stepEnd := map[string]int{}
	for i, ev := range replayEvents {
		if ev.Type == core.EventStepCompleted {
			var p core.StepCompletedPayload
			if err := json.Unmarshal(ev.Payload, &p); err == nil {
				stepEnd[p.StepName] = i + 1
			}
		}
	}
	completed := stepCompletedNames(replayEvents)

	activityPolicy := func(name string) (core.ActivityPolicy, error) {
		def, err := e.registry.GetActivity(name)
		if err != nil {
			return core.ActivityPolicy{}, err
		}
		return def.Policy, nil
	}

	execCtx, err := execctx.New(workflowID, wf.Input, replayEvents, json.RawMessage(`{}`), e.now, activityPolicy, e.defaults)
	if err != nil {
		return e.fail(ctx, wf, err.Error())
	}

	for _, step := range def.Steps {
		if completed[step.Name] {
			execctx.SkipTo(execCtx, stepEnd[step.Name])
			continue
		}

		e.logger.DebugContext(ctx, "executing step",
			log.StepNameKey, step.Name, log.IsReplayingKey, execCtx.IsReplaying())

		stepErr := step.Fn(execCtx)

		if stepErr == nil {
			// Step returned normally: append STEP_COMPLETED and continue
			// to the next step in the same pass, reusing the same
			// context so its cursor position carries over.
			drained := execctx.Drain(execCtx)
			payload, err := json.Marshal(core.StepCompletedPayload{StepName: step.Name})
			if err != nil {
				return e.fail(ctx, wf, err.Error())
			}
			drained.Events = append(drained.Events, core.Event{Type: core.EventStepCompleted, Payload: payload})

			if err := e.commit(ctx, workflowID, drained, nil); err != nil {
				return err
			}
			if err := e.spawnChildren(ctx, workflowID, drained.Children); err != nil {
				e.logger.ErrorContext(ctx, "spawning child workflow failed", "error", err)
			}
			continue
		}

		if execctx.IsStopReplay(stepErr) {
			drained := execctx.Drain(execCtx)
			if err := e.commit(ctx, workflowID, drained, nil); err != nil {
				return err
			}
			if err := e.spawnChildren(ctx, workflowID, drained.Children); err != nil {
				e.logger.ErrorContext(ctx, "spawning child workflow failed", "error", err)
			}
			return nil
		}

		if ndErr, ok := stepErr.(*execctx.NonDeterministicWorkflowError); ok {
			return e.fail(ctx, wf, ndErr.Error())
		}

		if afErr, ok := stepErr.(*execctx.ActivityFailedError); ok {
			// An uncaught activity failure terminates the workflow. A
			// step that wants to handle failure locally must check the
			// error type itself instead of propagating it.
			return e.fail(ctx, wf, afErr.Error())
		}

		// Any other error is an uncaught workflow code error.
		return e.fail(ctx, wf, stepErr.Error())
	}

	// Every step's STEP_COMPLETED is present: the workflow is done.
	finalState, err := execCtx.State().Snapshot()
	if err != nil {
		return e.fail(ctx, wf, err.Error())
	}
	payload, err := json.Marshal(core.WorkflowCompletedPayload{FinalState: finalState})
	if err != nil {
		return e.fail(ctx, wf, err.Error())
	}

	completedStatus := core.WorkflowStatusCompleted
	if err := e.commit(ctx, workflowID, execctx.Drained{Events: []core.Event{{Type: core.EventWorkflowCompleted, Payload: payload}}}, &completedStatus); err != nil {
		return err
	}
	e.notifyParent(ctx, wf, completedStatus, finalState, "")

	return nil
}

func (e *Engine) commit(ctx context.Context, workflowID string, drained execctx.Drained, newStatus *core.WorkflowStatus) error {
	if err := e.store.CommitStep(ctx, workflowID, drained.Events, drained.Tasks, newStatus); err != nil {
		return errors.Wrap(err, "committing step")
	}
	for _, l := range drained.Logs {
		if err := e.store.AppendLog(ctx, workflowID, l.Level, l.Message); err != nil {
			e.logger.ErrorContext(ctx, "appending log failed", "error", err)
		}
	}
	return nil
}

func (e *Engine) spawnChildren(ctx context.Context, parentID string, children []execctx.PendingChildWorkflow) error {
	for _, c := range children {
		wf := &core.WorkflowInstance{ID: c.ChildID, Name: c.Name, Version: c.Version, Input: c.Input, ParentWorkflowID: parentID}
		if err := e.store.CreateWorkflow(ctx, wf, json.RawMessage(`{}`)); err != nil {
			if errors.Is(err, store.ErrInstanceAlreadyExists) {
				continue // already spawned by an earlier, interrupted pass
			}
			return err
		}
	}
	return nil
}

// notifyParent delivers wf's outcome to its parent instance as a signal,
// so a step blocked on ctx.WaitForSignal(core.ChildCompletedSignal(wf.ID))
// resumes. A no-op for a top-level instance.
func (e *Engine) notifyParent(ctx context.Context, wf *core.WorkflowInstance, status core.WorkflowStatus, finalState json.RawMessage, failMessage string) {
	if wf.ParentWorkflowID == "" {
		return
	}
	payload, err := json.Marshal(core.ChildCompletedPayload{Status: status, FinalState: finalState, Error: failMessage})
	if err != nil {
		e.logger.ErrorContext(ctx, "encoding child completion signal failed", "error", err)
		return
	}
	if err := e.store.AppendSignal(ctx, wf.ParentWorkflowID, core.ChildCompletedSignal(wf.ID), payload); err != nil {
		e.logger.ErrorContext(ctx, "notifying parent workflow failed", "error", err, "parent_workflow_id", wf.ParentWorkflowID, "child_id", wf.ID)
	}
}

func (e *Engine) fail(ctx context.Context, wf *core.WorkflowInstance, message string) error {
	payload, err := json.Marshal(core.WorkflowFailedPayload{Error: message})
	if err != nil {
		return err
	}
	failed := core.WorkflowStatusFailed
	if err := e.store.CommitStep(ctx, wf.ID, []core.Event{{Type: core.EventWorkflowFailed, Payload: payload}}, nil, &failed); err != nil {
		return errors.Wrap(err, "committing workflow failure")
	}
	e.notifyParent(ctx, wf, failed, nil, message)
	return nil
}

func terminalCancel(history []core.Event) (bool, string) {
	for _, e := range history {
		if e.Type == core.EventWorkflowCancelled {
			var p core.WorkflowCancelledPayload
			_ = json.Unmarshal(e.Payload, &p)
			return true, p.Reason
		}
	}
	return false, ""
}

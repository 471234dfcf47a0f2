// Package worker implements the poller/dispatcher pool that drains Loom's
// task queue: STEP tasks resume replay through the engine, ACTIVITY tasks
// invoke registered activity functions with retry/backoff, and TIMER tasks
// fire due timers.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/engine"
	"github.com/loomrun/loom/log"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/store"
)

// Worker runs a pool of goroutines that poll a Store for claimable tasks
// and dispatch them to the engine or to registered activity functions.
type Worker struct {
	id       string
	store    store.Store
	registry *registry.Registry
	engine   *engine.Engine
	defaults core.ActivityPolicy

	pollers      int
	pollInterval time.Duration
	logger       *slog.Logger

	taskQueue      chan *core.Task
	pollersWg      sync.WaitGroup
	dispatcherDone chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithPollers sets the number of concurrent polling goroutines.
func WithPollers(n int) Option {
	return func(w *Worker) { w.pollers = n }
}

// WithPollInterval sets the delay between empty polls.
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) { w.pollInterval = d }
}

// WithWorkerID overrides the id claimed tasks are attributed to.
func WithWorkerID(id string) Option {
	return func(w *Worker) { w.id = id }
}

// WithLogger sets the worker's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// New constructs a Worker over a Store, Registry, and Engine.
func New(s store.Store, r *registry.Registry, e *engine.Engine, opts ...Option) *Worker {
	w := &Worker{
		id:             uuid.NewString(),
		store:          s,
		registry:       r,
		engine:         e,
		defaults:       e.DefaultActivityPolicy(),
		pollers:        4,
		pollInterval:   500 * time.Millisecond,
		logger:         slog.New(slog.DiscardHandler),
		taskQueue:      make(chan *core.Task),
		dispatcherDone: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start launches the poller and dispatcher goroutines. It returns
// immediately; call Stop to wait for outstanding work to drain.
func (w *Worker) Start(ctx context.Context) {
	w.pollersWg.Add(w.pollers)
	for i := 0; i < w.pollers; i++ {
		go w.poll(ctx)
	}
	go w.dispatch(ctx)
}

// Stop waits for pollers to exit (ctx should already be cancelled) and for
// in-flight tasks to finish, then returns.
func (w *Worker) Stop() {
	w.pollersWg.Wait()
	close(w.taskQueue)
	<-w.dispatcherDone
}

func (w *Worker) poll(ctx context.Context) {
	defer w.pollersWg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		task, err := w.store.ClaimNextTask(ctx, w.id, time.Now().UTC())
		if err != nil {
			w.logger.ErrorContext(ctx, "claim task failed", log.WorkerIDKey, w.id, "error", err)
		} else if task != nil {
			select {
			case w.taskQueue <- task:
				continue // check for more work right away
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) dispatch(ctx context.Context) {
	var wg sync.WaitGroup
	for task := range w.taskQueue {
		wg.Add(1)
		go func(t *core.Task) {
			defer wg.Done()
			// Detach from ctx so a shutdown in progress doesn't abort a
			// task that already claimed a slot in the queue.
			w.handle(context.Background(), t)
		}(task)
	}
	wg.Wait()
	w.dispatcherDone <- struct{}{}
}

// HandleSync runs one already-claimed task to completion inline, without
// going through the poller/dispatcher goroutines. The tester package uses
// this to drive a workflow deterministically from a single goroutine.
func (w *Worker) HandleSync(ctx context.Context, task *core.Task) {
	w.handle(ctx, task)
}

func (w *Worker) handle(ctx context.Context, task *core.Task) {
	logger := w.logger.With(log.TaskIDKey, task.ID, log.WorkflowIDKey, task.WorkflowID, log.TaskKindKey, string(task.Kind))

	var err error
	switch task.Kind {
	case core.TaskStep:
		err = w.handleStep(ctx, task)
	case core.TaskActivity:
		err = w.handleActivity(ctx, task)
	case core.TaskTimer:
		err = w.handleTimer(ctx, task)
	default:
		err = errors.Errorf("worker: unknown task kind %q", task.Kind)
	}

	if err != nil {
		logger.ErrorContext(ctx, "task handling failed", "error", err)
	}
}

func (w *Worker) handleStep(ctx context.Context, task *core.Task) error {
	if err := w.engine.RunStep(ctx, task.WorkflowID); err != nil {
		_ = w.store.FailTask(ctx, task.ID, err.Error(), nil)
		return errors.Wrap(err, "running step")
	}
	return w.store.CompleteTask(ctx, task.ID)
}

func (w *Worker) handleTimer(ctx context.Context, task *core.Task) error {
	payload, err := json.Marshal(core.TimerFiredPayload{TimerID: task.Target})
	if err != nil {
		return err
	}

	stepTask := core.Task{ID: uuid.NewString(), WorkflowID: task.WorkflowID, Kind: core.TaskStep, RunAt: time.Now().UTC(), MaxAttempts: 1}
	if err := w.store.CommitStep(ctx, task.WorkflowID,
		[]core.Event{{Type: core.EventTimerFired, Payload: payload}},
		[]core.Task{stepTask}, nil,
	); err != nil {
		_ = w.store.FailTask(ctx, task.ID, err.Error(), nil)
		return errors.Wrap(err, "committing timer fired")
	}
	w.logger.DebugContext(ctx, "timer fired", log.TimerIDKey, task.Target, log.WorkflowIDKey, task.WorkflowID)
	return w.store.CompleteTask(ctx, task.ID)
}

// handleActivity resolves the activity call this task's ACTIVITY_SCHEDULED
// event recorded, invokes the registered function with retry/backoff
// bounded by its policy, and appends exactly one terminal event
// (ACTIVITY_COMPLETED or, once retries are exhausted, ACTIVITY_FAILED)
// followed by a STEP task so the engine resumes the workflow.
func (w *Worker) handleActivity(ctx context.Context, task *core.Task) error {
	history, err := w.store.LoadHistory(ctx, task.WorkflowID)
	if err != nil {
		return errors.Wrap(err, "loading history")
	}

	scheduled, ok := findScheduled(history, task.Target)
	if !ok {
		return errors.Errorf("worker: no ACTIVITY_SCHEDULED found for activity %q", task.Target)
	}

	def, err := w.registry.GetActivity(scheduled.Name)
	if err != nil {
		return w.failActivity(ctx, task, scheduled, err.Error())
	}

	var args []any
	if err := json.Unmarshal(scheduled.Args, &args); err != nil {
		return w.failActivity(ctx, task, scheduled, "decoding activity args: "+err.Error())
	}

	policy := def.Policy.WithDefaults(w.defaults)

	timeout := time.Duration(policy.TimeoutSeconds) * time.Second
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	result, callErr := invokeWithTimeout(callCtx, def.Fn, args)
	cancel()

	w.logger.DebugContext(ctx, "activity invocation finished",
		log.ActivityNameKey, scheduled.Name,
		log.ActivityIDKey, scheduled.ActivityID,
		log.AttemptKey, task.Attempts,
		log.MaxAttemptKey, task.MaxAttempts,
		log.DurationMsKey, time.Since(start).Milliseconds(),
	)

	if callErr == nil {
		resultJSON, err := json.Marshal(result)
		if err != nil {
			return w.failActivity(ctx, task, scheduled, "encoding activity result: "+err.Error())
		}
		payload, err := json.Marshal(core.ActivityCompletedPayload{ActivityID: scheduled.ActivityID, Result: resultJSON})
		if err != nil {
			return err
		}
		stepTask := core.Task{ID: uuid.NewString(), WorkflowID: task.WorkflowID, Kind: core.TaskStep, RunAt: time.Now().UTC(), MaxAttempts: 1}
		if err := w.store.CommitStep(ctx, task.WorkflowID,
			[]core.Event{{Type: core.EventActivityCompleted, Payload: payload}},
			[]core.Task{stepTask}, nil,
		); err != nil {
			return errors.Wrap(err, "committing activity result")
		}
		return w.store.CompleteTask(ctx, task.ID)
	}

	if task.Attempts < task.MaxAttempts {
		retryAt := time.Now().UTC().Add(backoffDelay(policy, task.Attempts))
		return w.store.FailTask(ctx, task.ID, callErr.Error(), &retryAt)
	}

	return w.failActivity(ctx, task, scheduled, callErr.Error())
}

func (w *Worker) failActivity(ctx context.Context, task *core.Task, scheduled core.ActivityScheduledPayload, message string) error {
	payload, err := json.Marshal(core.ActivityFailedPayload{ActivityID: scheduled.ActivityID, Error: message, AttemptsUsed: task.Attempts})
	if err != nil {
		return err
	}
	stepTask := core.Task{ID: uuid.NewString(), WorkflowID: task.WorkflowID, Kind: core.TaskStep, RunAt: time.Now().UTC(), MaxAttempts: 1}
	if err := w.store.CommitStep(ctx, task.WorkflowID,
		[]core.Event{{Type: core.EventActivityFailed, Payload: payload}},
		[]core.Task{stepTask}, nil,
	); err != nil {
		return errors.Wrap(err, "committing activity failure")
	}
	return w.store.FailTask(ctx, task.ID, message, nil)
}

func findScheduled(history []core.Event, activityID string) (core.ActivityScheduledPayload, bool) {
	for _, e := range history {
		if e.Type != core.EventActivityScheduled {
			continue
		}
		var p core.ActivityScheduledPayload
		if err := json.Unmarshal(e.Payload, &p); err == nil && p.ActivityID == activityID {
			return p, true
		}
	}
	return core.ActivityScheduledPayload{}, false
}

// backoffDelay computes the delay before the next attempt using a capped
// exponential backoff seeded from the activity's policy.
func backoffDelay(policy core.ActivityPolicy, attemptsSoFar int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(policy.BackoffBaseMs) * time.Millisecond
	b.MaxInterval = time.Duration(policy.BackoffCapMs) * time.Millisecond
	b.Multiplier = 2
	b.RandomizationFactor = 0

	var d time.Duration
	for i := 0; i < attemptsSoFar; i++ {
		d = b.NextBackOff()
	}
	if d <= 0 {
		d = b.InitialInterval
	}
	return d
}

// invokeWithTimeout runs fn and respects ctx's deadline even though
// ActivityFunc itself takes no context — this call returns once ctx is
// done, but a hung activity leaves the inner goroutine running fn blocked
// until fn returns; the timeout only bounds how long the workflow waits
// before this attempt is recorded as failed and retried.
func invokeWithTimeout(ctx context.Context, fn registry.ActivityFunc, args []any) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(args)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Package tester is a synchronous, single-process harness for workflow
// unit tests: a manually-advanced clock instead of wall-clock timers, and
// activity mocks instead of a live worker pool. Draining every claimable
// task to a fixed point is enough to run a workflow to completion within
// one goroutine.
package tester

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/loomrun/loom/client"
	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/engine"
	"github.com/loomrun/loom/registry"
	"github.com/loomrun/loom/store"
	"github.com/loomrun/loom/store/sqlite"
	"github.com/loomrun/loom/worker"
)

// Tester drives one workflow instance's execution deterministically: no
// goroutine polling loop, no wall-clock waits. Steps and activities run
// inline, one claimed task at a time, until the queue is dry.
type Tester struct {
	store    store.Store
	registry *registry.Registry
	engine   *engine.Engine
	client   *client.Client

	mu  sync.Mutex
	now time.Time
}

// New constructs a Tester over a fresh in-memory Store and the given
// Registry. now is the tester's initial simulated time.
func New(t testingT, reg *registry.Registry, now time.Time) *Tester {
	t.Helper()

	b, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("tester: creating in-memory store: %v", err)
	}
	t.Cleanup(func() { _ = b.Close() })

	tt := &Tester{store: b, registry: reg, now: now}
	tt.engine = engine.New(b, reg, engine.WithClock(tt.Now))
	tt.client = client.New(b, reg)
	return tt
}

// testingT is the subset of *testing.T the tester needs, so it never
// imports the testing package's global state beyond what a caller passes.
type testingT interface {
	Helper()
	Fatalf(format string, args ...any)
	Cleanup(func())
}

// Now returns the tester's current simulated time.
func (t *Tester) Now() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now
}

// AdvanceTime moves the simulated clock forward by d. It does not itself
// run any due timers — call Drain afterwards to process them.
func (t *Tester) AdvanceTime(d time.Duration) {
	t.mu.Lock()
	t.now = t.now.Add(d)
	t.mu.Unlock()
}

// Start creates a new workflow instance under test.
func (t *Tester) Start(name string, version int, input any) (string, error) {
	return t.client.Start(context.Background(), "", name, version, input)
}

// MockActivity substitutes fn for the named activity's implementation for
// the remainder of the test, regardless of what production code
// registered.
func (t *Tester) MockActivity(name string, fn registry.ActivityFunc) {
	t.registry.MockActivity(name, fn)
}

// Signal delivers a signal to the instance under test.
func (t *Tester) Signal(id, name string, payload any) error {
	return t.client.Signal(context.Background(), id, name, payload)
}

// Status returns the instance's current row.
func (t *Tester) Status(id string) (*core.WorkflowInstance, error) {
	return t.client.Status(context.Background(), id)
}

// Result returns the instance's final state, if it has completed.
func (t *Tester) Result(id string) (any, error) {
	raw, err := t.client.Result(context.Background(), id, time.Millisecond)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// Drain synchronously claims and handles every claimable task — STEP
// replay, mocked or real activity invocation, timer firing — until none
// remain runnable at the tester's current simulated time, or maxTasks is
// exceeded (a runaway-loop guard for a workflow that never blocks).
func (t *Tester) Drain(maxTasks int) error {
	ctx := context.Background()
	w := worker.New(t.store, t.registry, t.engine, worker.WithPollers(1))

	for i := 0; i < maxTasks; i++ {
		task, err := t.store.ClaimNextTask(ctx, "tester", t.Now())
		if err != nil {
			return errors.Wrap(err, "claiming task")
		}
		if task == nil {
			return nil
		}
		w.HandleSync(ctx, task)
	}
	return errors.Errorf("tester: drain exceeded %d tasks without settling", maxTasks)
}

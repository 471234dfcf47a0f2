// Package registry is the process-wide, immutable-after-startup catalog of
// workflow and activity definitions the engine and worker resolve names
// against. It is the external collaborator a workflow definition describes
// as providing get_workflow/get_activity to the core; the core neither
// defines nor validates any decorator syntax on top of it.
package registry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/loomrun/loom/core"
	"github.com/loomrun/loom/execctx"
)

// Step is one named unit of workflow code, delimited by STEP_COMPLETED in
// history.
type Step struct {
	Name string
	Fn   func(ctx execctx.Context) error
}

// WorkflowDefinition is a registered workflow: an ordered list of steps
// plus the fingerprint idempotent re-registration is checked against.
type WorkflowDefinition struct {
	Name    string
	Version int
	Steps   []Step
}

func (d WorkflowDefinition) fingerprint() string {
	names := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		names[i] = s.Name
	}
	return strings.Join(names, ">")
}

// ActivityFunc is a side-effecting function invoked by a step through the
// execution context. args/result are opaque JSON, matching the
// "opaque JSON-serializable blobs" re-architecture note; typed bindings are
// a caller-side concern.
type ActivityFunc func(args []any) (any, error)

// ActivityDefinition pairs a callable with its retry/timeout policy.
type ActivityDefinition struct {
	Name   string
	Fn     ActivityFunc
	Policy core.ActivityPolicy
}

type workflowKey struct {
	name    string
	version int
}

// Registry holds the definitions of every workflow and activity a worker
// process knows about. It is safe for concurrent registration during
// startup; the engine only ever reads from it afterwards.
type Registry struct {
	mu         sync.Mutex
	workflows  map[workflowKey]WorkflowDefinition
	activities map[string]ActivityDefinition
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		workflows:  make(map[workflowKey]WorkflowDefinition),
		activities: make(map[string]ActivityDefinition),
	}
}

// RegisterWorkflow adds a workflow definition. Re-registering the same
// (name, version) with a different step fingerprint is an error —
// registration must be idempotent, not overwriting.
func (r *Registry) RegisterWorkflow(def WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(def.Steps) == 0 {
		return errors.Errorf("registry: workflow %q version %d has no steps", def.Name, def.Version)
	}

	key := workflowKey{def.Name, def.Version}
	if existing, ok := r.workflows[key]; ok {
		if existing.fingerprint() != def.fingerprint() {
			return errors.Errorf("registry: workflow %q version %d already registered with a different step sequence", def.Name, def.Version)
		}
		return nil
	}

	r.workflows[key] = def
	return nil
}

// RegisterActivity adds an activity definition, keyed by name only.
func (r *Registry) RegisterActivity(def ActivityDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.activities[def.Name]; ok {
		if fmt.Sprintf("%p", existing.Fn) != fmt.Sprintf("%p", def.Fn) {
			return errors.Errorf("registry: activity %q already registered with a different implementation", def.Name)
		}
		return nil
	}

	r.activities[def.Name] = def
	return nil
}

// GetWorkflow resolves a (name, version) pair.
func (r *Registry) GetWorkflow(name string, version int) (WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.workflows[workflowKey{name, version}]
	if !ok {
		return WorkflowDefinition{}, errors.Errorf("registry: workflow %q version %d not found", name, version)
	}
	return def, nil
}

// MockActivity unconditionally replaces an activity's implementation,
// bypassing the same-implementation check RegisterActivity enforces. It
// exists for the tester package, so a unit test can substitute a fake for
// a production activity without touching the production registration.
func (r *Registry) MockActivity(name string, fn ActivityFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def := r.activities[name]
	def.Name = name
	def.Fn = fn
	r.activities[name] = def
}

// GetActivity resolves an activity by name.
func (r *Registry) GetActivity(name string) (ActivityDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.activities[name]
	if !ok {
		return ActivityDefinition{}, errors.Errorf("registry: activity %q not found", name)
	}
	return def, nil
}

package execctx

import (
	"encoding/json"
	"sort"

	"github.com/loomrun/loom/core"
)

// StateProxy is the read/write view over a workflow's folded state
// state.get/set/update/batch. Reads never touch history; every
// write either matches an event already in history (replay) or appends a
// new one (live).
type StateProxy struct {
	ctx  *executionContext
	data map[string]any

	batch map[string]any // non-nil while inside Batch
}

func newStateProxy(ctx *executionContext, data map[string]any) *StateProxy {
	return &StateProxy{ctx: ctx, data: data}
}

// Get reads a key from the folded state. It never touches history.
func (s *StateProxy) Get(key string, def any) any {
	if s.batch != nil {
		if v, ok := s.batch[key]; ok {
			return v
		}
	}
	if v, ok := s.data[key]; ok {
		return v
	}
	return def
}

// Snapshot returns the full current state as a JSON object.
func (s *StateProxy) Snapshot() (json.RawMessage, error) {
	return json.Marshal(s.data)
}

// Set assigns a single key. During replay it must match the next
// STATE_SET event in history; during live execution it appends one and
// updates the in-memory view immediately so a subsequent Get in the same
// step observes it.
func (s *StateProxy) Set(key string, value any) error {
	if ev := s.ctx.peek(); ev != nil {
		if ev.Type != core.EventStateSet {
			return &NonDeterministicWorkflowError{Reason: "expected STATE_SET, found " + string(ev.Type)}
		}
		var p core.StateSetPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		if p.Key != key {
			return &NonDeterministicWorkflowError{Reason: "expected STATE_SET for key " + p.Key + ", got " + key}
		}
		var v any
		if err := json.Unmarshal(p.Value, &v); err != nil {
			return err
		}
		s.ctx.consume()
		s.apply(key, v)
		return nil
	}

	valueJSON, err := json.Marshal(value)
	if err != nil {
		return err
	}
	// Keep the JSON-decoded form, the same value replay folds from history.
	var decoded any
	if err := json.Unmarshal(valueJSON, &decoded); err != nil {
		return err
	}

	if s.batch != nil {
		s.batch[key] = decoded
		return nil
	}

	payload, err := json.Marshal(core.StateSetPayload{Key: key, Value: valueJSON})
	if err != nil {
		return err
	}
	s.ctx.appendEvent(core.Event{Type: core.EventStateSet, Payload: payload})
	s.apply(key, decoded)

	return nil
}

func (s *StateProxy) apply(key string, value any) {
	if s.batch != nil {
		s.batch[key] = value
		return
	}
	s.data[key] = value
}

// Update recomputes the named keys from their current values via updaters
// and emits a single full-state-replacement STATE_UPDATE event.
func (s *StateProxy) Update(updaters map[string]func(old any) any) error {
	if ev := s.ctx.peek(); ev != nil {
		if ev.Type != core.EventStateUpdate {
			return &NonDeterministicWorkflowError{Reason: "expected STATE_UPDATE, found " + string(ev.Type)}
		}
		var p core.StateUpdatePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return err
		}
		next := map[string]any{}
		if len(p.NewState) > 0 {
			if err := json.Unmarshal(p.NewState, &next); err != nil {
				return err
			}
		}
		s.ctx.consume()
		s.data = next
		return nil
	}

	next := make(map[string]any, len(s.data))
	for k, v := range s.data {
		next[k] = v
	}
	for key, fn := range updaters {
		next[key] = fn(s.data[key])
	}

	newState, err := json.Marshal(next)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(core.StateUpdatePayload{NewState: newState})
	if err != nil {
		return err
	}
	s.ctx.appendEvent(core.Event{Type: core.EventStateUpdate, Payload: payload})
	s.data = next

	return nil
}

// Batch runs fn against a scratch view of state; every Set made inside fn
// is folded into a single STATE_UPDATE emitted when fn returns, instead of
// one STATE_SET event per call.
func (s *StateProxy) Batch(fn func(*StateProxy) error) error {
	if s.batch != nil {
		panic("execctx: nested state batches are not supported")
	}

	if ev := s.ctx.peek(); ev != nil && ev.Type == core.EventStateUpdate {
		return s.Update(nil)
	}

	s.batch = map[string]any{}
	defer func() { s.batch = nil }()

	if err := fn(s); err != nil {
		return err
	}

	if len(s.batch) == 0 {
		return nil
	}

	next := make(map[string]any, len(s.data)+len(s.batch))
	for k, v := range s.data {
		next[k] = v
	}
	keys := make([]string, 0, len(s.batch))
	for k, v := range s.batch {
		next[k] = v
		keys = append(keys, k)
	}
	sort.Strings(keys) // keys is not used below; json.Marshal already writes map keys in sorted order

	newState, err := json.Marshal(next)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(core.StateUpdatePayload{NewState: newState})
	if err != nil {
		return err
	}
	s.batch = nil
	s.ctx.appendEvent(core.Event{Type: core.EventStateUpdate, Payload: payload})
	s.data = next

	return nil
}

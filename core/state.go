package core

import "encoding/json"

// FoldState replays STATE_SET and STATE_UPDATE events, in order, over
// initialState to produce the state view a workflow's steps observe. It is
// pure and side-effect free so it can be called repeatedly during replay
// without affecting determinism.
func FoldState(initialState json.RawMessage, events []Event) (map[string]any, error) {
	state := map[string]any{}
	if len(initialState) > 0 && string(initialState) != "null" {
		if err := json.Unmarshal(initialState, &state); err != nil {
			return nil, err
		}
	}

	for _, e := range events {
		switch e.Type {
		case EventStateSet:
			var p StateSetPayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, err
			}
			var v any
			if err := json.Unmarshal(p.Value, &v); err != nil {
				return nil, err
			}
			state[p.Key] = v

		case EventStateUpdate:
			var p StateUpdatePayload
			if err := json.Unmarshal(e.Payload, &p); err != nil {
				return nil, err
			}
			next := map[string]any{}
			if len(p.NewState) > 0 && string(p.NewState) != "null" {
				if err := json.Unmarshal(p.NewState, &next); err != nil {
					return nil, err
				}
			}
			state = next
		}
	}

	return state, nil
}

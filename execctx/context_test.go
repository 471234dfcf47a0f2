package execctx

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loomrun/loom/core"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestActivity_LiveSchedulesAndStops(t *testing.T) {
	ctx, err := New("wf-1", mustJSON(t, map[string]any{"name": "World"}), nil, mustJSON(t, map[string]any{}), fixedClock(time.Unix(0, 0)), nil, core.ActivityPolicy{RetryCount: 3})
	require.NoError(t, err)

	_, err = ctx.Activity("greet", "World")
	require.True(t, IsStopReplay(err))

	drained := Drain(ctx)
	require.Len(t, drained.Events, 1)
	require.Equal(t, core.EventActivityScheduled, drained.Events[0].Type)
	require.Len(t, drained.Tasks, 1)
	require.Equal(t, 4, drained.Tasks[0].MaxAttempts)
}

func TestActivity_ReplayMatchesAndReturnsResult(t *testing.T) {
	scheduled, _ := json.Marshal(core.ActivityScheduledPayload{ActivityID: "a1", Name: "greet", Args: mustJSON(t, []any{"World"})})
	completed, _ := json.Marshal(core.ActivityCompletedPayload{ActivityID: "a1", Result: mustJSON(t, "Hello, World")})

	history := []core.Event{
		{Type: core.EventActivityScheduled, Payload: scheduled},
		{Type: core.EventActivityCompleted, Payload: completed},
	}

	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), history, mustJSON(t, map[string]any{}), nil, nil, core.ActivityPolicy{})
	require.NoError(t, err)

	result, err := ctx.Activity("greet", "World")
	require.NoError(t, err)

	var got string
	require.NoError(t, json.Unmarshal(result, &got))
	require.Equal(t, "Hello, World", got)
	require.False(t, ctx.IsReplaying())
}

func TestActivity_ReplayMismatchIsNonDeterministic(t *testing.T) {
	scheduled, _ := json.Marshal(core.ActivityScheduledPayload{ActivityID: "a1", Name: "greet", Args: mustJSON(t, []any{"World"})})
	history := []core.Event{{Type: core.EventActivityScheduled, Payload: scheduled}}

	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), history, mustJSON(t, map[string]any{}), nil, nil, core.ActivityPolicy{})
	require.NoError(t, err)

	_, err = ctx.Activity("farewell", "World")
	require.IsType(t, &NonDeterministicWorkflowError{}, err)
}

func TestActivity_ScheduledButUnresolvedStopsReplay(t *testing.T) {
	scheduled, _ := json.Marshal(core.ActivityScheduledPayload{ActivityID: "a1", Name: "greet", Args: mustJSON(t, []any{"World"})})
	history := []core.Event{{Type: core.EventActivityScheduled, Payload: scheduled}}

	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), history, mustJSON(t, map[string]any{}), nil, nil, core.ActivityPolicy{})
	require.NoError(t, err)

	_, err = ctx.Activity("greet", "World")
	require.True(t, IsStopReplay(err))
}

func TestState_SetThenGetReflectsImmediately(t *testing.T) {
	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), nil, mustJSON(t, map[string]any{}), nil, nil, core.ActivityPolicy{})
	require.NoError(t, err)

	require.NoError(t, ctx.State().Set("greeting", "Hello, World"))
	require.Equal(t, "Hello, World", ctx.State().Get("greeting", nil))

	drained := Drain(ctx)
	require.Len(t, drained.Events, 1)
	require.Equal(t, core.EventStateSet, drained.Events[0].Type)
}

func TestState_ReplaySetAdvancesCursorWithoutAppending(t *testing.T) {
	payload, _ := json.Marshal(core.StateSetPayload{Key: "greeting", Value: mustJSON(t, "Hello, World")})
	history := []core.Event{{Type: core.EventStateSet, Payload: payload}}

	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), history, mustJSON(t, map[string]any{}), nil, nil, core.ActivityPolicy{})
	require.NoError(t, err)

	require.NoError(t, ctx.State().Set("greeting", "Hello, World"))
	require.False(t, ctx.IsReplaying())

	drained := Drain(ctx)
	require.Empty(t, drained.Events)
}

func TestState_Batch_EmitsSingleUpdate(t *testing.T) {
	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), nil, mustJSON(t, map[string]any{"a": 1}), nil, nil, core.ActivityPolicy{})
	require.NoError(t, err)

	err = ctx.State().Batch(func(s *StateProxy) error {
		require.NoError(t, s.Set("a", 2))
		require.NoError(t, s.Set("b", 3))
		require.Equal(t, float64(2), s.Get("a", nil))
		return nil
	})
	require.NoError(t, err)

	drained := Drain(ctx)
	require.Len(t, drained.Events, 1)
	require.Equal(t, core.EventStateUpdate, drained.Events[0].Type)
}

func TestSleep_LiveSchedulesTimer(t *testing.T) {
	now := time.Unix(1000, 0)
	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), nil, mustJSON(t, map[string]any{}), fixedClock(now), nil, core.ActivityPolicy{})
	require.NoError(t, err)

	err = ctx.Sleep(2 * time.Second)
	require.True(t, IsStopReplay(err))

	drained := Drain(ctx)
	require.Len(t, drained.Events, 1)
	var p core.TimerScheduledPayload
	require.NoError(t, json.Unmarshal(drained.Events[0].Payload, &p))
	require.Equal(t, now.Add(2*time.Second).UTC(), p.FireAt.UTC())
}

func TestWaitForSignal_LiveStops(t *testing.T) {
	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), nil, mustJSON(t, map[string]any{}), nil, nil, core.ActivityPolicy{})
	require.NoError(t, err)

	_, err = ctx.WaitForSignal("approve")
	require.True(t, IsStopReplay(err))
}

func TestWaitForSignal_ReplayReturnsPayload(t *testing.T) {
	payload, _ := json.Marshal(core.SignalReceivedPayload{Name: "approve", Payload: mustJSON(t, map[string]any{"by": "u1"})})
	history := []core.Event{{Type: core.EventSignalReceived, Payload: payload}}

	ctx, err := New("wf-1", mustJSON(t, map[string]any{}), history, mustJSON(t, map[string]any{}), nil, nil, core.ActivityPolicy{})
	require.NoError(t, err)

	got, err := ctx.WaitForSignal("approve")
	require.NoError(t, err)

	var v map[string]any
	require.NoError(t, json.Unmarshal(got, &v))
	require.Equal(t, "u1", v["by"])
}

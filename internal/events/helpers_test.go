package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransitionDataHelpers(t *testing.T) {
	event := NewSimpleEvent(EventTypeTaskFailed, "task-1", "static", "ws://a:1", SeverityError, "failed")

	data := TransitionData{From: "running", To: "failed", Attempts: 2, StuckRetries: 1, Error: "task stuck"}
	require.NoError(t, event.SetTransitionData(data))

	got, err := event.GetTransitionData()
	require.NoError(t, err)
	assert.Equal(t, data, *got)
}

func TestBreakerStateChangeEvent(t *testing.T) {
	event, err := NewBreakerStateChangeEvent("static", "ws://a:1", BreakerStateChangeData{
		FromState: "closed", ToState: "open", FailureCount: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, EventTypeCircuitBreakerStateChange, event.Type)
	assert.Equal(t, SeverityWarning, event.Severity)
	assert.Empty(t, event.TaskID)

	got, err := event.GetBreakerStateChangeData()
	require.NoError(t, err)
	assert.Equal(t, 3, got.FailureCount)
	assert.Equal(t, "open", got.ToState)
}

func TestProgressDataRoundTripsThroughJSON(t *testing.T) {
	event, err := NewProgressEvent("task-1", "static", "ws://a:1", ProgressData{
		Payload: map[string]interface{}{"tool": "bandit", "done": 3.0},
	})
	require.NoError(t, err)

	raw, err := json.Marshal(event)
	require.NoError(t, err)
	var decoded TaskEvent
	require.NoError(t, json.Unmarshal(raw, &decoded))

	got, err := decoded.GetProgressData()
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"tool": "bandit", "done": 3.0}, got.Payload)
}

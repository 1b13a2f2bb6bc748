package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeWorkerFrames(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected Message
	}{
		{
			name:     "progress with data",
			input:    `{"type":"progress","task_id":"t1","data":{"percent":40}}`,
			expected: Progress{TaskID: "t1", Data: json.RawMessage(`{"percent":40}`)},
		},
		{
			name:     "result",
			input:    `{"type":"result","task_id":"t1","data":["issue-a"]}`,
			expected: Result{TaskID: "t1", Data: json.RawMessage(`["issue-a"]`)},
		},
		{
			name:     "error",
			input:    `{"type":"error","task_id":"t1","message":"bandit crashed"}`,
			expected: ErrorMessage{TaskID: "t1", Message: "bandit crashed"},
		},
		{
			name:     "pong",
			input:    `{"type":"pong"}`,
			expected: Pong{},
		},
		{
			name:     "request",
			input:    `{"type":"request","task_id":"t2","tools":["bandit"],"target":{"model":"m","app":"a"}}`,
			expected: Request{TaskID: "t2", Tools: []string{"bandit"}, Target: Target{Model: "m", App: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.expected, msg)
		})
	}
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{"type":`},
		{"missing type", `{"task_id":"t1"}`},
		{"unknown type", `{"type":"shutdown","task_id":"t1"}`},
		{"result without task id", `{"type":"result","data":1}`},
		{"request without target", `{"type":"request","task_id":"t1","tools":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol), "expected ErrProtocol, got %v", err)
		})
	}
}

func TestEncodeRequestCarriesDiscriminatorAndTools(t *testing.T) {
	data, err := Encode(Request{TaskID: "t9", Target: Target{Model: "gpt", App: "app3"}})
	require.NoError(t, err)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "request", raw["type"])
	assert.Equal(t, "t9", raw["task_id"])
	assert.Equal(t, []interface{}{}, raw["tools"])
	assert.Equal(t, map[string]interface{}{"model": "gpt", "app": "app3"}, raw["target"])
}

func TestEncodeRequiresTaskID(t *testing.T) {
	_, err := Encode(Cancel{})
	assert.ErrorIs(t, err, ErrProtocol)

	data, err := Encode(Ping{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))
}

func TestIsTerminal(t *testing.T) {
	assert.True(t, IsTerminal(Result{TaskID: "a"}))
	assert.True(t, IsTerminal(ErrorMessage{TaskID: "a"}))
	assert.False(t, IsTerminal(Progress{TaskID: "a"}))
	assert.False(t, IsTerminal(Pong{}))
	assert.Equal(t, "a", TaskIDOf(Progress{TaskID: "a"}))
	assert.Equal(t, "", TaskIDOf(Ping{}))
}

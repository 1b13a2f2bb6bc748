// Package protocol implements the JSON envelope exchanged between the
// orchestrator and analysis workers.
//
// Every frame on the wire is a single JSON object carrying a "type"
// discriminator. Frames are decoded at the boundary into one of the concrete
// message types below so the dispatcher never branches on untyped fields:
//
//	caller -> worker: request, cancel, ping
//	worker -> caller: progress*, then exactly one of result | error; pong
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType is the value of the "type" discriminator.
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeProgress MessageType = "progress"
	TypeResult   MessageType = "result"
	TypeError    MessageType = "error"
	TypeCancel   MessageType = "cancel"
	TypePing     MessageType = "ping"
	TypePong     MessageType = "pong"
)

// ErrProtocol is returned for frames that are malformed or not allowed.
var ErrProtocol = errors.New("protocol: malformed or unexpected message")

// Target identifies the generated application under analysis.
type Target struct {
	Model string `json:"model"`
	App   string `json:"app"`
}

// String returns "model/app".
func (t Target) String() string {
	return t.Model + "/" + t.App
}

// Message is the tagged union of all frames.
type Message interface {
	Type() MessageType
}

// Request asks a worker to run tools against a target.
type Request struct {
	TaskID   string
	Tools    []string
	Target   Target
	TaskKind string
}

// Progress is an intermediate update for a running task.
type Progress struct {
	TaskID string
	Data   json.RawMessage
}

// Result is the successful terminal frame for a task.
type Result struct {
	TaskID string
	Data   json.RawMessage
}

// ErrorMessage is the failed terminal frame for a task.
type ErrorMessage struct {
	TaskID  string
	Message string
}

// Cancel asks the worker to stop any work for the task.
type Cancel struct {
	TaskID string
}

// Ping is the liveness probe.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

func (Request) Type() MessageType      { return TypeRequest }
func (Progress) Type() MessageType     { return TypeProgress }
func (Result) Type() MessageType       { return TypeResult }
func (ErrorMessage) Type() MessageType { return TypeError }
func (Cancel) Type() MessageType       { return TypeCancel }
func (Ping) Type() MessageType         { return TypePing }
func (Pong) Type() MessageType         { return TypePong }

// envelope is the wire representation shared by all frames.
type envelope struct {
	Type     MessageType     `json:"type"`
	TaskID   string          `json:"task_id,omitempty"`
	Tools    []string        `json:"tools,omitempty"`
	Target   *Target         `json:"target,omitempty"`
	TaskKind string          `json:"task_kind,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Message  string          `json:"message,omitempty"`
}

// Encode serializes a message to its JSON envelope.
func Encode(m Message) ([]byte, error) {
	var env envelope
	switch msg := m.(type) {
	case Request:
		target := msg.Target
		tools := msg.Tools
		if tools == nil {
			tools = []string{}
		}
		env = envelope{Type: TypeRequest, TaskID: msg.TaskID, Tools: tools, Target: &target, TaskKind: msg.TaskKind}
	case Progress:
		env = envelope{Type: TypeProgress, TaskID: msg.TaskID, Data: msg.Data}
	case Result:
		env = envelope{Type: TypeResult, TaskID: msg.TaskID, Data: msg.Data}
	case ErrorMessage:
		env = envelope{Type: TypeError, TaskID: msg.TaskID, Message: msg.Message}
	case Cancel:
		env = envelope{Type: TypeCancel, TaskID: msg.TaskID}
	case Ping:
		env = envelope{Type: TypePing}
	case Pong:
		env = envelope{Type: TypePong}
	default:
		return nil, fmt.Errorf("%w: cannot encode %T", ErrProtocol, m)
	}
	if env.Type != TypePing && env.Type != TypePong && env.TaskID == "" {
		return nil, fmt.Errorf("%w: %s without task_id", ErrProtocol, env.Type)
	}
	return json.Marshal(env)
}

// Decode parses one JSON envelope into its concrete message type.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	switch env.Type {
	case TypePing:
		return Ping{}, nil
	case TypePong:
		return Pong{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrProtocol)
	}

	if env.TaskID == "" {
		return nil, fmt.Errorf("%w: %s without task_id", ErrProtocol, env.Type)
	}

	switch env.Type {
	case TypeRequest:
		if env.Target == nil {
			return nil, fmt.Errorf("%w: request without target", ErrProtocol)
		}
		return Request{TaskID: env.TaskID, Tools: env.Tools, Target: *env.Target, TaskKind: env.TaskKind}, nil
	case TypeProgress:
		return Progress{TaskID: env.TaskID, Data: env.Data}, nil
	case TypeResult:
		return Result{TaskID: env.TaskID, Data: env.Data}, nil
	case TypeError:
		return ErrorMessage{TaskID: env.TaskID, Message: env.Message}, nil
	case TypeCancel:
		return Cancel{TaskID: env.TaskID}, nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrProtocol, env.Type)
	}
}

// IsTerminal reports whether m ends a task exchange.
func IsTerminal(m Message) bool {
	switch m.(type) {
	case Result, ErrorMessage:
		return true
	}
	return false
}

// TaskIDOf returns the task id carried by m, or "" for probe frames.
func TaskIDOf(m Message) string {
	switch msg := m.(type) {
	case Request:
		return msg.TaskID
	case Progress:
		return msg.TaskID
	case Result:
		return msg.TaskID
	case ErrorMessage:
		return msg.TaskID
	case Cancel:
		return msg.TaskID
	}
	return ""
}

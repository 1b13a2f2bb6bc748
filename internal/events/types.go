// Package events defines the structured lifecycle events the orchestrator
// records for tasks and endpoints.
package events

import (
	"time"
)

// EventType represents the type of event that occurred during orchestration.
type EventType string

const (
	// Task lifecycle events
	// EventTypeTaskSubmitted indicates a task was registered
	EventTypeTaskSubmitted EventType = "task_submitted"
	// EventTypeTaskStarted indicates an attempt was sent to a worker endpoint
	EventTypeTaskStarted EventType = "task_started"
	// EventTypeTaskRequeued indicates a stuck task was put back to pending for its single retry
	EventTypeTaskRequeued EventType = "task_requeued"
	// EventTypeTaskShared indicates a task is riding on an identical in-flight execution
	EventTypeTaskShared EventType = "task_shared"
	// EventTypeTaskCompleted indicates a task finished with a result
	EventTypeTaskCompleted EventType = "task_completed"
	// EventTypeTaskFailed indicates a task finished with an error
	EventTypeTaskFailed EventType = "task_failed"
	// EventTypeTaskCancelled indicates a task was cancelled by its caller
	EventTypeTaskCancelled EventType = "task_cancelled"
	// EventTypeTaskProgress indicates a progress frame arrived from the worker
	EventTypeTaskProgress EventType = "task_progress"

	// Endpoint events
	// EventTypeCircuitBreakerStateChange indicates circuit breaker state transition
	EventTypeCircuitBreakerStateChange EventType = "circuit_breaker_state_change"

	// System events
	// EventTypeEventCleanupCompleted indicates a retention cleanup cycle finished
	EventTypeEventCleanupCompleted EventType = "event_cleanup_completed"
)

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	// SeverityInfo indicates informational events
	SeverityInfo EventSeverity = "info"
	// SeverityWarning indicates potentially problematic events
	SeverityWarning EventSeverity = "warning"
	// SeverityError indicates error events
	SeverityError EventSeverity = "error"
	// SeverityCritical indicates critical events requiring immediate attention
	SeverityCritical EventSeverity = "critical"
)

// TaskEvent represents a structured event recorded by the orchestrator.
type TaskEvent struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the type of event
	Type EventType `json:"type"`
	// Timestamp is when the event occurred
	Timestamp time.Time `json:"timestamp"`
	// TaskID is the task the event belongs to (empty for endpoint events)
	TaskID string `json:"task_id"`
	// ServiceClass is the analyzer family involved
	ServiceClass string `json:"service_class"`
	// Endpoint is the worker endpoint involved, if any
	Endpoint string `json:"endpoint"`
	// Severity is the severity level of this event
	Severity EventSeverity `json:"severity"`
	// Message is a human-readable description of the event
	Message string `json:"message"`
	// Data contains structured, type-specific data (must be JSON-serializable)
	Data map[string]interface{} `json:"data"`
}

// TransitionData contains structured data for task status transitions.
type TransitionData struct {
	// From is the previous status (empty on submission)
	From string `json:"from"`
	// To is the new status
	To string `json:"to"`
	// Attempts is the number of attempts started so far
	Attempts int `json:"attempts"`
	// StuckRetries is how many times the task was requeued as stuck
	StuckRetries int `json:"stuck_retries"`
	// SharedFrom is the leader task id for shared executions
	SharedFrom string `json:"shared_from,omitempty"`
	// Error is the failure message for failed tasks
	Error string `json:"error,omitempty"`
}

// BreakerStateChangeData contains structured data for circuit breaker transitions.
type BreakerStateChangeData struct {
	// FromState is the state before the transition
	FromState string `json:"from_state"`
	// ToState is the state after the transition
	ToState string `json:"to_state"`
	// FailureCount is the number of consecutive failures at transition time
	FailureCount int `json:"failure_count"`
}

// ProgressData contains structured data for worker progress frames.
type ProgressData struct {
	// Payload is the worker's opaque progress body
	Payload interface{} `json:"payload"`
}

// EventFilter provides filtering options for querying events.
type EventFilter struct {
	// TaskID filters events by task ID
	TaskID string
	// Type filters events by event type
	Type EventType
	// Severity filters events by severity level
	Severity EventSeverity
	// AfterTime filters events that occurred after this time
	AfterTime time.Time
	// BeforeTime filters events that occurred before this time
	BeforeTime time.Time
	// Limit limits the number of events returned
	Limit int
}

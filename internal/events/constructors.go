package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewSimpleEvent creates a new TaskEvent with no structured data.
func NewSimpleEvent(eventType EventType, taskID, serviceClass, endpoint string, severity EventSeverity, message string) *TaskEvent {
	return &TaskEvent{
		ID:           uuid.New().String(),
		Type:         eventType,
		Timestamp:    time.Now(),
		TaskID:       taskID,
		ServiceClass: serviceClass,
		Endpoint:     endpoint,
		Severity:     severity,
		Message:      message,
		Data:         make(map[string]interface{}),
	}
}

// NewTransitionEvent creates the event for a task status change. The event
// type and severity follow the destination status.
func NewTransitionEvent(taskID, serviceClass, endpoint string, data TransitionData) (*TaskEvent, error) {
	eventType, severity := transitionKind(data)

	message := fmt.Sprintf("task %s", data.To)
	if data.From != "" {
		message = fmt.Sprintf("task %s -> %s", data.From, data.To)
	}
	if data.Error != "" {
		message += ": " + data.Error
	}

	event := NewSimpleEvent(eventType, taskID, serviceClass, endpoint, severity, message)
	if err := event.SetTransitionData(data); err != nil {
		return nil, err
	}
	return event, nil
}

func transitionKind(data TransitionData) (EventType, EventSeverity) {
	switch data.To {
	case "pending":
		if data.From == "running" {
			return EventTypeTaskRequeued, SeverityWarning
		}
		return EventTypeTaskSubmitted, SeverityInfo
	case "running":
		if data.SharedFrom != "" {
			return EventTypeTaskShared, SeverityInfo
		}
		return EventTypeTaskStarted, SeverityInfo
	case "completed":
		return EventTypeTaskCompleted, SeverityInfo
	case "cancelled":
		return EventTypeTaskCancelled, SeverityWarning
	default:
		return EventTypeTaskFailed, SeverityError
	}
}

// NewBreakerStateChangeEvent creates the event for a circuit breaker transition.
func NewBreakerStateChangeEvent(serviceClass, endpoint string, data BreakerStateChangeData) (*TaskEvent, error) {
	severity := SeverityInfo
	if data.ToState == "open" {
		severity = SeverityWarning
	}
	message := fmt.Sprintf("circuit breaker %s -> %s", data.FromState, data.ToState)
	event := NewSimpleEvent(EventTypeCircuitBreakerStateChange, "", serviceClass, endpoint, severity, message)
	if err := event.SetBreakerStateChangeData(data); err != nil {
		return nil, err
	}
	return event, nil
}

// NewProgressEvent creates the event for one worker progress frame.
func NewProgressEvent(taskID, serviceClass, endpoint string, data ProgressData) (*TaskEvent, error) {
	event := NewSimpleEvent(EventTypeTaskProgress, taskID, serviceClass, endpoint, SeverityInfo, "progress")
	if err := event.SetProgressData(data); err != nil {
		return nil, err
	}
	return event, nil
}

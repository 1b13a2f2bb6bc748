package events

import (
	"encoding/json"
	"fmt"
)

// SetTransitionData sets the Data field with TransitionData in a type-safe way.
func (e *TaskEvent) SetTransitionData(data TransitionData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert TransitionData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetTransitionData retrieves TransitionData from the Data field.
func (e *TaskEvent) GetTransitionData() (*TransitionData, error) {
	var data TransitionData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse TransitionData: %w", err)
	}
	return &data, nil
}

// SetBreakerStateChangeData sets the Data field with BreakerStateChangeData.
func (e *TaskEvent) SetBreakerStateChangeData(data BreakerStateChangeData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert BreakerStateChangeData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetBreakerStateChangeData retrieves BreakerStateChangeData from the Data field.
func (e *TaskEvent) GetBreakerStateChangeData() (*BreakerStateChangeData, error) {
	var data BreakerStateChangeData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse BreakerStateChangeData: %w", err)
	}
	return &data, nil
}

// SetProgressData sets the Data field with ProgressData.
func (e *TaskEvent) SetProgressData(data ProgressData) error {
	dataMap, err := structToMap(data)
	if err != nil {
		return fmt.Errorf("failed to convert ProgressData: %w", err)
	}
	e.Data = dataMap
	return nil
}

// GetProgressData retrieves ProgressData from the Data field.
func (e *TaskEvent) GetProgressData() (*ProgressData, error) {
	var data ProgressData
	if err := mapToStruct(e.Data, &data); err != nil {
		return nil, fmt.Errorf("failed to parse ProgressData: %w", err)
	}
	return &data, nil
}

// structToMap converts a struct to map[string]interface{} using JSON marshaling.
func structToMap(data interface{}) (map[string]interface{}, error) {
	bytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	var result map[string]interface{}
	if err := json.Unmarshal(bytes, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// mapToStruct converts a map[string]interface{} to a struct using JSON unmarshaling.
func mapToStruct(dataMap map[string]interface{}, target interface{}) error {
	bytes, err := json.Marshal(dataMap)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, target)
}

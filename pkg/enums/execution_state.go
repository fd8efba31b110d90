package enums

import "fmt"

// ExecutionState is the lifecycle state of a workflow execution.
type ExecutionState string

const (
	ExecutionStatePending   ExecutionState = "pending"
	ExecutionStateCompleted ExecutionState = "completed"
	ExecutionStateFailed    ExecutionState = "failed"
	ExecutionStateCancelled ExecutionState = "cancelled"
)

var validExecutionStates = []ExecutionState{
	ExecutionStatePending,
	ExecutionStateCompleted,
	ExecutionStateFailed,
	ExecutionStateCancelled,
}

func (s ExecutionState) String() string {
	return string(s)
}

func (s ExecutionState) IsValid() bool {
	for _, candidate := range validExecutionStates {
		if candidate == s {
			return true
		}
	}
	return false
}

func ParseExecutionState(value string) (ExecutionState, error) {
	for _, candidate := range validExecutionStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid execution state %q", value)
}

package model

// TaskExecState represents the lifecycle state of a task vertex within an execution.
type TaskExecState string

const (
	TaskStateNone       TaskExecState = "NONE"
	TaskStateInProgress TaskExecState = "IN_PROGRESS"
	TaskStateOK         TaskExecState = "OK"
	TaskStateError      TaskExecState = "ERROR"
	TaskStateSkipped    TaskExecState = "SKIPPED"
)

// String returns the string representation of the task state.
func (s TaskExecState) String() string {
	return string(s)
}

// IsFinished returns true if the task is in a final state.
func (s TaskExecState) IsFinished() bool {
	switch s {
	case TaskStateOK, TaskStateError, TaskStateSkipped:
		return true
	}
	return false
}

// IsValid reports whether s is one of the known task states.
func (s TaskExecState) IsValid() bool {
	switch s {
	case TaskStateNone, TaskStateInProgress, TaskStateOK, TaskStateError, TaskStateSkipped:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for task vertices.
// IN_PROGRESS -> NONE is the reclaim path for tasks owned by a lost processor.
var ValidTaskTransitions = map[TaskExecState][]TaskExecState{
	TaskStateNone:       {TaskStateInProgress, TaskStateSkipped},
	TaskStateInProgress: {TaskStateOK, TaskStateError, TaskStateSkipped, TaskStateNone},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskExecState) CanTransitionTo(next TaskExecState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ExecutionState represents the aggregate lifecycle state of an execution.
type ExecutionState string

const (
	ExecutionStateRunning  ExecutionState = "RUNNING"
	ExecutionStateFinished ExecutionState = "FINISHED"
	ExecutionStateBroken   ExecutionState = "BROKEN"
)

// String returns the string representation of the execution state.
func (s ExecutionState) String() string {
	return string(s)
}

// IsTerminal returns true if the execution no longer accepts dispatch.
func (s ExecutionState) IsTerminal() bool {
	return s == ExecutionStateFinished || s == ExecutionStateBroken
}

// ProcessorState represents the liveness of a registered processor.
type ProcessorState string

const (
	ProcessorStateOnline  ProcessorState = "online"
	ProcessorStateOffline ProcessorState = "offline"
)

package model

import "time"

// TaskVertex is one node of an execution graph. State is owned by the task
// state store and is not carried on the vertex itself.
type TaskVertex struct {
	TaskID    int64  `json:"task_id"`
	ContextID string `json:"context_id"`
}

// TaskWithState joins a vertex with its current state for reporting.
type TaskWithState struct {
	TaskVertex
	State   TaskExecState `json:"state"`
	Retries int           `json:"retries,omitempty"`
}

// TaskSpec describes the function a task runs and the resources it needs.
type TaskSpec struct {
	TaskID int64 `json:"task_id" yaml:"task_id"`

	// Function is the code of the function to invoke.
	Function string `json:"function" yaml:"function"`

	// Params is passed to the function runner untouched.
	Params map[string]any `json:"params,omitempty" yaml:"params,omitempty"`

	// Assets lists the downloadable resources a processor needs locally.
	Assets []Asset `json:"assets,omitempty" yaml:"assets,omitempty"`

	// QuotaTag selects a tagged quota amount on the processor core. Empty
	// means the core's default amount.
	QuotaTag string `json:"quota_tag,omitempty" yaml:"quota_tag,omitempty"`

	// Priority orders runnable tasks; higher first, ties by lowest task id.
	Priority int `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Condition is an optional JavaScript expression. When it evaluates to
	// false the task is skipped instead of dispatched.
	Condition string `json:"condition,omitempty" yaml:"condition,omitempty"`

	// ExpandedFrom is the task whose reported sub-process added this task.
	// Set by the dispatcher; zero for tasks submitted with the execution.
	ExpandedFrom int64 `json:"expanded_from,omitempty" yaml:"expanded_from,omitempty"`
}

// Asset is a downloadable resource identified by (Code, URL).
type Asset struct {
	Code string `json:"code" yaml:"code"`
	URL  string `json:"url" yaml:"url"`
}

// TaskAssignment is handed to a processor core by a successful poll.
type TaskAssignment struct {
	ExecutionID int64          `json:"execution_id"`
	TaskID      int64          `json:"task_id"`
	ContextID   string         `json:"context_id"`
	Function    string         `json:"function"`
	Params      map[string]any `json:"params,omitempty"`
	Assets      []Asset        `json:"assets,omitempty"`
	QuotaTag    string         `json:"quota_tag,omitempty"`
	Quota       int            `json:"quota"`
	AssignedAt  time.Time      `json:"assigned_at"`
}

// TaskReport carries the outcome of a task back to the dispatcher.
type TaskReport struct {
	ProcessorID string        `json:"processor_id"`
	CoreID      string        `json:"core_id"`
	ExecutionID int64         `json:"execution_id"`
	TaskID      int64         `json:"task_id"`
	Outcome     TaskExecState `json:"outcome"`

	// SubProcess, when set on an OK report, is expanded into the graph
	// between the reported task and its current successors.
	SubProcess *SubProcess `json:"sub_process,omitempty"`

	Message string `json:"message,omitempty"`
}

// SubProcess is a dynamically produced region of the graph.
type SubProcess struct {
	Graph string     `json:"graph"`
	Tasks []TaskSpec `json:"tasks,omitempty"`
}

// Ack acknowledges an accepted task report.
type Ack struct {
	ExecutionID    int64          `json:"execution_id"`
	TaskID         int64          `json:"task_id"`
	State          TaskExecState  `json:"state"`
	ExecutionState ExecutionState `json:"execution_state"`
}

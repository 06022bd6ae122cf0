package model

import "time"

// ExecutionSpec is the request body for starting an execution.
type ExecutionSpec struct {
	// ID is optional; the dispatcher assigns the next free id when zero.
	ID int64 `json:"id,omitempty" yaml:"id,omitempty"`

	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Graph is the DOT text of the execution graph.
	Graph string `json:"graph" yaml:"graph"`

	Tasks []TaskSpec `json:"tasks" yaml:"tasks"`

	// SkipSatisfiesDependency lets a SKIPPED predecessor count as finished
	// when computing the runnable set.
	SkipSatisfiesDependency bool `json:"skip_satisfies_dependency,omitempty" yaml:"skip_satisfies_dependency,omitempty"`

	// AllowIsolated accepts vertices with no edges in a multi-vertex graph.
	AllowIsolated bool `json:"allow_isolated,omitempty" yaml:"allow_isolated,omitempty"`

	// MaxRetries overrides the dispatcher-wide reclaim ceiling when set.
	// Zero fails a task on its first reclaim; negative never fails it.
	MaxRetries *int `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// RetryCeiling returns the reclaim ceiling for the execution, falling back
// to def when MaxRetries is unset.
func (s ExecutionSpec) RetryCeiling(def int) int {
	if s.MaxRetries != nil {
		return *s.MaxRetries
	}
	return def
}

// ExecutionStatus summarizes one execution.
type ExecutionStatus struct {
	ID         int64                 `json:"id"`
	Name       string                `json:"name,omitempty"`
	State      ExecutionState        `json:"state"`
	Counts     map[TaskExecState]int `json:"counts"`
	Tasks      []TaskWithState       `json:"tasks,omitempty"`
	Error      string                `json:"error,omitempty"`
	CreatedAt  time.Time             `json:"created_at"`
	FinishedAt *time.Time            `json:"finished_at,omitempty"`
}

// ExecutionSnapshot is the persisted form of an execution: the graph and
// the state map travel as opaque serialized blobs.
type ExecutionSnapshot struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	State      ExecutionState `json:"state"`
	Graph      string         `json:"graph"`
	StateBlob  string         `json:"state_blob"`
	Tasks      []TaskSpec     `json:"tasks"`
	Policy     ExecutionSpec  `json:"policy"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

package model

import (
	"fmt"
	"strings"
	"time"
)

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// Page size bounds of the archived execution listing.
const (
	DefaultListLimit = 20
	MaxListLimit     = 200
)

// ListOptions pages and filters the archived execution listing.
type ListOptions struct {
	Limit  int
	Offset int

	// States keeps executions in any of these states. Empty keeps all.
	States []ExecutionState

	// Name keeps executions whose name starts with this prefix.
	Name string
}

// DefaultListOptions returns the first page with no filter.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: DefaultListLimit}
}

// Clamp keeps Limit within (0, MaxListLimit] and Offset non-negative.
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = DefaultListLimit
	}
	if o.Limit > MaxListLimit {
		o.Limit = MaxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// ParseExecutionStates reads a comma separated list such as
// "FINISHED,BROKEN". Names are case-insensitive; duplicates collapse.
func ParseExecutionStates(s string) ([]ExecutionState, error) {
	var out []ExecutionState
	seen := make(map[ExecutionState]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		st := ExecutionState(strings.ToUpper(part))
		switch st {
		case ExecutionStateRunning, ExecutionStateFinished, ExecutionStateBroken:
		default:
			return nil, fmt.Errorf("unknown execution state %q", part)
		}
		if !seen[st] {
			seen[st] = true
			out = append(out, st)
		}
	}
	return out, nil
}

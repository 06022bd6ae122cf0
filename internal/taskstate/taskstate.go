// Package taskstate tracks the lifecycle state of every task of one
// execution and derives the finished, unfinished and runnable sets.
package taskstate

import (
	"sort"
	"strconv"

	"github.com/me/gomh/internal/contextid"
	"github.com/me/gomh/internal/graph"
	"github.com/me/gomh/pkg/model"
)

// Policy holds the per-execution dependency rules.
type Policy struct {
	// SkipSatisfiesDependency lets a SKIPPED predecessor count like OK.
	SkipSatisfiesDependency bool
}

// satisfies reports whether a predecessor in state s lets its successor run.
func (p Policy) satisfies(s model.TaskExecState) bool {
	return s == model.TaskStateOK || (p.SkipSatisfiesDependency && s == model.TaskStateSkipped)
}

// Map holds task states and reclaim counters. Ids absent from States read
// as NONE. Map is not safe for concurrent use; callers serialize access.
type Map struct {
	States  map[int64]model.TaskExecState `yaml:"states"`
	Retries map[int64]int                 `yaml:"retries,omitempty"`
}

// NewMap returns an empty state map.
func NewMap() *Map {
	return &Map{
		States:  make(map[int64]model.TaskExecState),
		Retries: make(map[int64]int),
	}
}

// ForGraph returns a map with every vertex of g in NONE.
func ForGraph(g *graph.ExecutionGraph) *Map {
	m := NewMap()
	for _, v := range g.Vertices() {
		m.States[v.TaskID] = model.TaskStateNone
	}
	return m
}

// State returns the state of taskID.
func (m *Map) State(taskID int64) model.TaskExecState {
	if s, ok := m.States[taskID]; ok {
		return s
	}
	return model.TaskStateNone
}

// Add registers new task ids in NONE. Known ids are left untouched.
func (m *Map) Add(taskIDs ...int64) {
	for _, id := range taskIDs {
		if _, ok := m.States[id]; !ok {
			m.States[id] = model.TaskStateNone
		}
	}
}

func (m *Map) transition(taskID int64, to model.TaskExecState) error {
	if !m.State(taskID).CanTransitionTo(to) {
		return m.transitionError(taskID, to)
	}
	m.States[taskID] = to
	return nil
}

// MarkInProgress moves taskID from NONE to IN_PROGRESS.
func (m *Map) MarkInProgress(taskID int64) error {
	return m.transition(taskID, model.TaskStateInProgress)
}

// MarkFinished records a terminal outcome. The task must be IN_PROGRESS,
// except SKIPPED which may also prune a task still in NONE.
func (m *Map) MarkFinished(taskID int64, outcome model.TaskExecState) error {
	if !outcome.IsFinished() {
		return m.transitionError(taskID, outcome)
	}
	if m.State(taskID) == model.TaskStateNone && outcome != model.TaskStateSkipped {
		return m.transitionError(taskID, outcome)
	}
	return m.transition(taskID, outcome)
}

func (m *Map) transitionError(taskID int64, to model.TaskExecState) error {
	return &model.InvalidTransitionError{
		Entity: "Task",
		ID:     strconv.FormatInt(taskID, 10),
		From:   string(m.State(taskID)),
		To:     string(to),
	}
}

// Reclaim returns an IN_PROGRESS task to NONE and counts the attempt. Once
// the count exceeds maxRetries the task is forced to ERROR instead. A
// negative maxRetries disables the ceiling. The resulting state is returned.
func (m *Map) Reclaim(taskID int64, maxRetries int) (model.TaskExecState, error) {
	if m.State(taskID) != model.TaskStateInProgress {
		return m.State(taskID), m.transitionError(taskID, model.TaskStateNone)
	}
	m.Retries[taskID]++
	if maxRetries >= 0 && m.Retries[taskID] > maxRetries {
		m.States[taskID] = model.TaskStateError
		return model.TaskStateError, nil
	}
	m.States[taskID] = model.TaskStateNone
	return model.TaskStateNone, nil
}

// RetryCount returns how many times taskID has been reclaimed.
func (m *Map) RetryCount(taskID int64) int {
	return m.Retries[taskID]
}

// Finished returns the ids in OK, ERROR or SKIPPED, ascending.
func (m *Map) Finished() []int64 {
	return m.collect(func(s model.TaskExecState) bool { return s.IsFinished() })
}

// Unfinished returns the ids in NONE or IN_PROGRESS, ascending.
func (m *Map) Unfinished() []int64 {
	return m.collect(func(s model.TaskExecState) bool { return !s.IsFinished() })
}

// InProgress returns the ids currently assigned, ascending.
func (m *Map) InProgress() []int64 {
	return m.collect(func(s model.TaskExecState) bool { return s == model.TaskStateInProgress })
}

func (m *Map) collect(keep func(model.TaskExecState) bool) []int64 {
	var ids []int64
	for id, s := range m.States {
		if keep(s) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// AllFinished reports whether every task has reached a terminal state.
func (m *Map) AllFinished() bool {
	for _, s := range m.States {
		if !s.IsFinished() {
			return false
		}
	}
	return len(m.States) > 0
}

// Counts returns the number of tasks per state.
func (m *Map) Counts() map[model.TaskExecState]int {
	counts := make(map[model.TaskExecState]int)
	for _, s := range m.States {
		counts[s]++
	}
	return counts
}

// Clone returns a deep copy.
func (m *Map) Clone() *Map {
	c := NewMap()
	for id, s := range m.States {
		c.States[id] = s
	}
	for id, n := range m.Retries {
		c.Retries[id] = n
	}
	return c
}

// Runnable returns the vertices in NONE whose direct predecessors all
// satisfy the policy, ordered by task id.
func Runnable(g *graph.ExecutionGraph, m *Map, policy Policy) []model.TaskVertex {
	var out []model.TaskVertex
	for _, v := range g.Vertices() {
		if m.State(v.TaskID) != model.TaskStateNone {
			continue
		}
		ready := true
		for _, p := range g.FindDirectAncestors(v.TaskID) {
			if !policy.satisfies(m.State(p.TaskID)) {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, v)
		}
	}
	return out
}

// PropagateError skips the descendants of a failed task that lie inside the
// failed task's context region. Leaf vertices are left alone so that a
// final vertex can still run. It returns the ids moved to SKIPPED.
func PropagateError(g *graph.ExecutionGraph, m *Map, failedID int64) []int64 {
	failed, ok := g.Vertex(failedID)
	if !ok {
		return nil
	}
	var skipped []int64
	for _, d := range g.FindDescendants(failedID) {
		if g.IsLeaf(d.TaskID) || !contextid.IsWithin(d.ContextID, failed.ContextID) {
			continue
		}
		if m.State(d.TaskID) == model.TaskStateNone {
			m.States[d.TaskID] = model.TaskStateSkipped
			skipped = append(skipped, d.TaskID)
		}
	}
	return skipped
}

// SkipBlocked skips every NONE vertex whose predecessors have all finished
// while at least one of them does not satisfy the policy. Such a vertex can
// never become runnable. It returns the ids moved to SKIPPED.
func SkipBlocked(g *graph.ExecutionGraph, m *Map, policy Policy) ([]int64, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	var skipped []int64
	for _, v := range order {
		if m.State(v.TaskID) != model.TaskStateNone {
			continue
		}
		parents := g.FindDirectAncestors(v.TaskID)
		if len(parents) == 0 {
			continue
		}
		allFinished, blocked := true, false
		for _, p := range parents {
			s := m.State(p.TaskID)
			if !s.IsFinished() {
				allFinished = false
				break
			}
			if !policy.satisfies(s) {
				blocked = true
			}
		}
		if allFinished && blocked {
			m.States[v.TaskID] = model.TaskStateSkipped
			skipped = append(skipped, v.TaskID)
		}
	}
	return skipped, nil
}

// Remove forgets taskIDs and their retry counters.
func (m *Map) Remove(taskIDs ...int64) {
	for _, id := range taskIDs {
		delete(m.States, id)
		delete(m.Retries, id)
	}
}

// ResetDescendants sets taskID and every descendant back to NONE so the
// region runs again. It fails if any of them is IN_PROGRESS.
func ResetDescendants(g *graph.ExecutionGraph, m *Map, taskID int64) ([]int64, error) {
	if !g.HasVertex(taskID) {
		return nil, model.NewStructuralError("reset", "vertex %d not found", taskID)
	}
	ids := []int64{taskID}
	for _, d := range g.FindDescendants(taskID) {
		ids = append(ids, d.TaskID)
	}
	for _, id := range ids {
		if m.State(id) == model.TaskStateInProgress {
			return nil, m.transitionError(id, model.TaskStateNone)
		}
	}
	for _, id := range ids {
		m.States[id] = model.TaskStateNone
	}
	return ids, nil
}

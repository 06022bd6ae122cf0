package dispatcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/me/gomh/internal/events"
	"github.com/me/gomh/internal/graph"
	"github.com/me/gomh/internal/taskstate"
	"github.com/me/gomh/internal/tracing"
	"github.com/me/gomh/pkg/model"
)

// StartExecution imports and verifies the graph of spec and registers a new
// execution with every task in NONE.
func (d *Dispatcher) StartExecution(ctx context.Context, spec model.ExecutionSpec) (_ *model.ExecutionStatus, err error) {
	ctx, span := d.tracer.Start(ctx, "dispatcher.start_execution")
	defer func() { tracing.End(span, err) }()

	g, err := graph.Import(spec.Graph)
	if err != nil {
		return nil, err
	}
	if err := g.Verify(graph.VerifyPolicy{AllowIsolated: spec.AllowIsolated}); err != nil {
		return nil, err
	}
	tasks, err := indexTasks(g, spec.Tasks)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	ex := &execution{
		name:       spec.Name,
		graph:      g,
		states:     taskstate.ForGraph(g),
		tasks:      tasks,
		owners:     make(map[int64]model.CoreKey),
		policy:     taskstate.Policy{SkipSatisfiesDependency: spec.SkipSatisfiesDependency},
		spec:       policyOf(spec),
		maxRetries: spec.RetryCeiling(d.cfg.MaxRetries),
		state:      model.ExecutionStateRunning,
		createdAt:  now,
		updatedAt:  now,
		version:    1,
	}

	d.mu.Lock()
	if spec.ID != 0 {
		if d.executions[spec.ID] != nil || d.retired[spec.ID] {
			d.mu.Unlock()
			return nil, &model.APIError{Code: model.ErrConflict, Message: fmt.Sprintf("execution %d already exists", spec.ID)}
		}
		ex.id = spec.ID
	} else {
		ex.id = d.allocateIDLocked()
	}
	if ex.id >= d.nextID {
		d.nextID = ex.id
	}
	d.executions[ex.id] = ex
	d.mu.Unlock()

	span.SetAttributes(execAttr(ex.id))
	d.logger.Info("execution started", "execution_id", ex.id, "name", ex.name, "tasks", g.Len())
	d.publish(ctx, events.Event{Type: events.ExecutionStarted, ExecutionID: ex.id})

	return d.ExecutionStatus(ctx, ex.id, false)
}

func (d *Dispatcher) allocateIDLocked() int64 {
	for {
		d.nextID++
		if d.executions[d.nextID] == nil && !d.retired[d.nextID] {
			return d.nextID
		}
	}
}

// policyOf keeps only the policy fields of spec.
func policyOf(spec model.ExecutionSpec) model.ExecutionSpec {
	return model.ExecutionSpec{
		SkipSatisfiesDependency: spec.SkipSatisfiesDependency,
		AllowIsolated:           spec.AllowIsolated,
		MaxRetries:              spec.MaxRetries,
	}
}

// indexTasks pairs every vertex of g with exactly one task spec.
func indexTasks(g *graph.ExecutionGraph, specs []model.TaskSpec) (map[int64]model.TaskSpec, error) {
	tasks := make(map[int64]model.TaskSpec, len(specs))
	for i, t := range specs {
		if !g.HasVertex(t.TaskID) {
			return nil, model.NewValidationError("task does not match a graph vertex",
				model.FieldError{Field: fmt.Sprintf("tasks[%d].task_id", i), Message: fmt.Sprintf("%d", t.TaskID)})
		}
		if _, dup := tasks[t.TaskID]; dup {
			return nil, model.NewValidationError("duplicate task",
				model.FieldError{Field: fmt.Sprintf("tasks[%d].task_id", i), Message: fmt.Sprintf("%d", t.TaskID)})
		}
		t.ExpandedFrom = 0
		tasks[t.TaskID] = t
	}
	for _, v := range g.Vertices() {
		if _, ok := tasks[v.TaskID]; !ok {
			return nil, model.NewValidationError("graph vertex has no task",
				model.FieldError{Field: "tasks", Message: fmt.Sprintf("missing task %d", v.TaskID)})
		}
	}
	return tasks, nil
}

// ExecutionStatus summarizes an execution. withTasks adds per-task states.
func (d *Dispatcher) ExecutionStatus(ctx context.Context, id int64, withTasks bool) (*model.ExecutionStatus, error) {
	var status *model.ExecutionStatus
	err := d.gates.WithState(ctx, id, func() error {
		ex := d.lookup(id)
		if ex == nil {
			return fmt.Errorf("%w: %d", model.ErrUnknownExecution, id)
		}
		status = ex.status(withTasks)
		return nil
	})
	return status, err
}

func (ex *execution) status(withTasks bool) *model.ExecutionStatus {
	s := &model.ExecutionStatus{
		ID:         ex.id,
		Name:       ex.name,
		State:      ex.state,
		Counts:     ex.states.Counts(),
		Error:      ex.err,
		CreatedAt:  ex.createdAt,
		FinishedAt: ex.finishedAt,
	}
	if withTasks {
		for _, v := range ex.graph.Vertices() {
			s.Tasks = append(s.Tasks, model.TaskWithState{
				TaskVertex: v,
				State:      ex.states.State(v.TaskID),
				Retries:    ex.states.RetryCount(v.TaskID),
			})
		}
	}
	return s
}

// StatusFromSnapshot rebuilds the status of a persisted execution.
func StatusFromSnapshot(snap model.ExecutionSnapshot, withTasks bool) (*model.ExecutionStatus, error) {
	g, err := graph.Import(snap.Graph)
	if err != nil {
		return nil, err
	}
	states, err := taskstate.Decode(snap.StateBlob)
	if err != nil {
		return nil, err
	}
	ex := &execution{
		id:         snap.ID,
		name:       snap.Name,
		graph:      g,
		states:     states,
		state:      snap.State,
		err:        snap.Error,
		createdAt:  snap.CreatedAt,
		finishedAt: snap.FinishedAt,
	}
	return ex.status(withTasks), nil
}

// ListExecutions summarizes every execution held in memory. Executions
// whose gate is busy past the timeout are left out.
func (d *Dispatcher) ListExecutions(ctx context.Context) []model.ExecutionStatus {
	var out []model.ExecutionStatus
	for _, id := range d.activeIDs() {
		s, err := d.ExecutionStatus(ctx, id, false)
		if err != nil {
			d.logger.Debug("list executions: skip", "execution_id", id, "error", err)
			continue
		}
		out = append(out, *s)
	}
	return out
}

// ExportGraph returns the DOT text of an execution's graph.
func (d *Dispatcher) ExportGraph(ctx context.Context, id int64) (string, error) {
	var text string
	err := d.gates.WithState(ctx, id, func() error {
		ex := d.lookup(id)
		if ex == nil {
			return fmt.Errorf("%w: %d", model.ErrUnknownExecution, id)
		}
		var err error
		text, err = ex.graph.Export()
		return err
	})
	return text, err
}

// ResetTask sets a task and its descendants back to NONE so that region
// runs again. Sub-processes expanded by reset tasks are folded back into
// their anchors, since the rerun reports them afresh. A finished execution
// becomes RUNNING. It returns the ids left in NONE.
func (d *Dispatcher) ResetTask(ctx context.Context, executionID, taskID int64) ([]int64, error) {
	var reset []int64
	err := d.gates.WithGraphAndState(ctx, executionID, func() error {
		ex := d.lookup(executionID)
		if ex == nil {
			return fmt.Errorf("%w: %d", model.ErrUnknownExecution, executionID)
		}
		if ex.state == model.ExecutionStateBroken {
			return &model.APIError{Code: model.ErrConflict, Message: fmt.Sprintf("execution %d is broken", executionID)}
		}
		states := ex.states.Clone()
		ids, err := taskstate.ResetDescendants(ex.graph, states, taskID)
		if err != nil {
			return err
		}
		g, removed, err := ex.collapse(ids)
		if err != nil {
			return err
		}
		states.Remove(removed...)
		for _, id := range removed {
			delete(ex.tasks, id)
		}
		ex.graph = g
		ex.states = states

		reset = nil
		gone := make(map[int64]bool, len(removed))
		for _, id := range removed {
			gone[id] = true
		}
		for _, id := range ids {
			if !gone[id] {
				reset = append(reset, id)
			}
		}
		ex.state = model.ExecutionStateRunning
		ex.finishedAt = nil
		d.touch(ex)
		d.logger.Info("tasks reset", "execution_id", executionID, "task_id", taskID, "count", len(reset), "collapsed", len(removed))
		return nil
	})
	return reset, err
}

// collapse returns a copy of the graph with every sub-process expanded by
// one of ids removed, together with the removed task ids. A task goes when
// the task that expanded it is being reset; it folds into the outermost
// anchor that stays.
func (ex *execution) collapse(ids []int64) (*graph.ExecutionGraph, []int64, error) {
	resetSet := make(map[int64]bool, len(ids))
	for _, id := range ids {
		resetSet[id] = true
	}
	groups := make(map[int64][]int64)
	var anchors, removed []int64
	for _, id := range ids {
		anchor := ex.tasks[id].ExpandedFrom
		if anchor == 0 || !resetSet[anchor] {
			continue
		}
		for {
			parent := ex.tasks[anchor].ExpandedFrom
			if parent == 0 || !resetSet[parent] {
				break
			}
			anchor = parent
		}
		if _, ok := groups[anchor]; !ok {
			anchors = append(anchors, anchor)
		}
		groups[anchor] = append(groups[anchor], id)
		removed = append(removed, id)
	}
	if len(removed) == 0 {
		return ex.graph, nil, nil
	}
	g := ex.graph.Clone()
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })
	for _, a := range anchors {
		if err := g.CollapseSubProcess(a, groups[a]); err != nil {
			return nil, nil, err
		}
	}
	return g, removed, nil
}

// Checkpoint is a snapshot together with the mutation version it reflects.
type Checkpoint struct {
	Snapshot model.ExecutionSnapshot
	Version  int64
}

// PendingCheckpoints snapshots every execution changed since it was last
// saved.
func (d *Dispatcher) PendingCheckpoints(ctx context.Context) ([]Checkpoint, error) {
	var out []Checkpoint
	for _, id := range d.activeIDs() {
		err := d.gates.WithState(ctx, id, func() error {
			ex := d.lookup(id)
			if ex == nil || ex.version == ex.saved {
				return nil
			}
			snap, err := ex.snapshot()
			if err != nil {
				return err
			}
			out = append(out, Checkpoint{Snapshot: snap, Version: ex.version})
			return nil
		})
		if err != nil && !isTransient(err) {
			return out, fmt.Errorf("snapshot execution %d: %w", id, err)
		}
	}
	return out, nil
}

func (ex *execution) snapshot() (model.ExecutionSnapshot, error) {
	text, err := ex.graph.Export()
	if err != nil {
		return model.ExecutionSnapshot{}, err
	}
	blob, err := ex.states.Encode()
	if err != nil {
		return model.ExecutionSnapshot{}, err
	}
	tasks := make([]model.TaskSpec, 0, len(ex.tasks))
	for _, t := range ex.tasks {
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return model.ExecutionSnapshot{
		ID:         ex.id,
		Name:       ex.name,
		State:      ex.state,
		Graph:      text,
		StateBlob:  blob,
		Tasks:      tasks,
		Policy:     ex.spec,
		Error:      ex.err,
		CreatedAt:  ex.createdAt,
		UpdatedAt:  ex.updatedAt,
		FinishedAt: ex.finishedAt,
	}, nil
}

// MarkSaved records that version of execution id has been persisted.
func (d *Dispatcher) MarkSaved(ctx context.Context, id, version int64) error {
	return d.gates.WithState(ctx, id, func() error {
		if ex := d.lookup(id); ex != nil && version > ex.saved {
			ex.saved = version
		}
		return nil
	})
}

// Retire drops a terminal execution from memory once its final state has
// been saved and no core holds one of its tasks. It reports whether the
// execution was retired.
func (d *Dispatcher) Retire(ctx context.Context, id int64) (bool, error) {
	retired := false
	err := d.gates.WithGraphAndState(ctx, id, func() error {
		ex := d.lookup(id)
		if ex == nil || !ex.state.IsTerminal() || ex.saved != ex.version || len(ex.owners) > 0 {
			return nil
		}
		d.mu.Lock()
		delete(d.executions, id)
		d.retired[id] = true
		d.mu.Unlock()
		retired = true
		d.logger.Info("execution retired", "execution_id", id, "state", ex.state)
		return nil
	})
	return retired, err
}

// Restore loads a persisted execution. Tasks that were IN_PROGRESS have
// lost their owner and are reclaimed.
func (d *Dispatcher) Restore(ctx context.Context, snap model.ExecutionSnapshot) error {
	g, err := graph.Import(snap.Graph)
	if err != nil {
		return fmt.Errorf("restore execution %d: %w", snap.ID, err)
	}
	states, err := taskstate.Decode(snap.StateBlob)
	if err != nil {
		return fmt.Errorf("restore execution %d: %w", snap.ID, err)
	}
	tasks := make(map[int64]model.TaskSpec, len(snap.Tasks))
	for _, t := range snap.Tasks {
		tasks[t.TaskID] = t
	}

	ex := &execution{
		id:         snap.ID,
		name:       snap.Name,
		graph:      g,
		states:     states,
		tasks:      tasks,
		owners:     make(map[int64]model.CoreKey),
		policy:     taskstate.Policy{SkipSatisfiesDependency: snap.Policy.SkipSatisfiesDependency},
		spec:       snap.Policy,
		maxRetries: snap.Policy.RetryCeiling(d.cfg.MaxRetries),
		state:      snap.State,
		err:        snap.Error,
		createdAt:  snap.CreatedAt,
		updatedAt:  snap.UpdatedAt,
		finishedAt: snap.FinishedAt,
		version:    1,
		saved:      1,
	}
	for _, id := range states.InProgress() {
		if _, err := states.Reclaim(id, ex.maxRetries); err != nil {
			return fmt.Errorf("restore execution %d: %w", snap.ID, err)
		}
		ex.version++
	}

	d.mu.Lock()
	if d.executions[snap.ID] != nil {
		d.mu.Unlock()
		return fmt.Errorf("restore execution %d: already loaded", snap.ID)
	}
	d.executions[snap.ID] = ex
	if snap.ID > d.nextID {
		d.nextID = snap.ID
	}
	d.mu.Unlock()

	return d.gates.WithGraphAndState(ctx, snap.ID, func() error {
		if ex.state == model.ExecutionStateRunning {
			d.settle(ctx, ex)
		}
		return nil
	})
}

// ReserveIDs makes ids up to max unavailable for new executions. It is
// used after restoring so archived ids are not reused.
func (d *Dispatcher) ReserveIDs(max int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if max > d.nextID {
		d.nextID = max
	}
}
